// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"errors"
	"slices"
)

// ErrUnauthorized is returned when a token is unknown or a permission check
// fails. Providers wrap it with the reason.
var ErrUnauthorized = errors.New("unauthorized")

// Resources and actions checked by the session service.
//
// Session routes are scoped to the caller by user id and carry no
// permission check. Granting credits to another user is the only guarded
// operation.
const (
	ResourceSession = "session"
	ResourceCredits = "credits"

	ActionGrant = "grant"
)

// PermissionKey is the RoleAuthzProvider rule key for action on resource,
// e.g. "credits:grant".
func PermissionKey(resourceType, action string) string {
	return resourceType + ":" + action
}

// AuthInfo is the identity behind a bearer token.
//
// UserID scopes every session and ledger operation and is never empty.
// Roles decide whether the caller may grant credits.
type AuthInfo struct {
	UserID string
	Email  string
	Roles  []string
}

// HasRole reports whether role is among a.Roles. Comparison is exact.
func (a *AuthInfo) HasRole(role string) bool {
	return slices.Contains(a.Roles, role)
}

// AuthProvider resolves a bearer token to an identity.
//
// The service uses TokenAuthProvider when auth.tokens is configured and
// NopAuthProvider otherwise. Implementations must be safe for concurrent
// use; the middleware calls Validate once per request.
type AuthProvider interface {
	// Validate returns the identity for token, or an error wrapping
	// ErrUnauthorized. Other errors are reported as 500.
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// AuthzRequest asks whether User may perform Action on ResourceType.
//
// For a credit grant ResourceID is the user receiving the credits:
//
//	extensions.AuthzRequest{
//	    User:         caller,
//	    Action:       extensions.ActionGrant,
//	    ResourceType: extensions.ResourceCredits,
//	    ResourceID:   "alice",
//	}
type AuthzRequest struct {
	User         *AuthInfo
	Action       string
	ResourceType string
	ResourceID   string
}

// AuthzProvider decides permission checks made by middleware.RequirePermission.
type AuthzProvider interface {
	// Authorize returns nil when allowed, or an error wrapping ErrUnauthorized.
	Authorize(ctx context.Context, req AuthzRequest) error
}

// NopAuthProvider accepts any token as "local-user" with the admin role.
//
// Used when no tokens are configured, so a single candidate running the
// service locally can start sessions and top up their own credits.
type NopAuthProvider struct{}

// Validate ignores token and returns the local admin identity.
func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{
		UserID: "local-user",
		Roles:  []string{"admin"},
	}, nil
}

// NopAuthzProvider allows every request.
type NopAuthzProvider struct{}

// Authorize always returns nil.
func (p *NopAuthzProvider) Authorize(_ context.Context, _ AuthzRequest) error {
	return nil
}

var (
	_ AuthProvider  = (*NopAuthProvider)(nil)
	_ AuthzProvider = (*NopAuthzProvider)(nil)
)
