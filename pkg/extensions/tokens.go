// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
)

// StaticToken binds one bearer token to an identity.
type StaticToken struct {
	Token  string   `yaml:"token" validate:"required,min=16"`
	UserID string   `yaml:"user_id" validate:"required"`
	Email  string   `yaml:"email,omitempty"`
	Roles  []string `yaml:"roles,omitempty"`
}

// TokenAuthProvider authenticates against a fixed table of bearer tokens.
//
// # Description
//
// Suited to small deployments where a reverse proxy or an operator hands
// out API tokens. Tokens are compared by SHA-256 digest in constant time,
// so the table never holds a token in a form usable for timing attacks.
//
// # Thread Safety
//
// Immutable after construction. Safe for concurrent use.
type TokenAuthProvider struct {
	entries []tokenEntry
}

type tokenEntry struct {
	digest [sha256.Size]byte
	info   AuthInfo
}

// NewTokenAuthProvider builds a provider from tokens.
//
// # Outputs
//
//   - *TokenAuthProvider: Ready provider.
//   - error: A token is empty or appears twice.
func NewTokenAuthProvider(tokens []StaticToken) (*TokenAuthProvider, error) {
	p := &TokenAuthProvider{entries: make([]tokenEntry, 0, len(tokens))}
	seen := make(map[[sha256.Size]byte]bool, len(tokens))
	for i, t := range tokens {
		if t.Token == "" || t.UserID == "" {
			return nil, fmt.Errorf("token %d: token and user_id are required", i)
		}
		digest := sha256.Sum256([]byte(t.Token))
		if seen[digest] {
			return nil, fmt.Errorf("token %d (user %s): duplicate token", i, t.UserID)
		}
		seen[digest] = true
		roles := make([]string, len(t.Roles))
		copy(roles, t.Roles)
		p.entries = append(p.entries, tokenEntry{
			digest: digest,
			info:   AuthInfo{UserID: t.UserID, Email: t.Email, Roles: roles},
		})
	}
	return p, nil
}

// Validate returns the identity bound to token, or ErrUnauthorized.
func (p *TokenAuthProvider) Validate(_ context.Context, token string) (*AuthInfo, error) {
	if token == "" {
		return nil, fmt.Errorf("missing bearer token: %w", ErrUnauthorized)
	}
	digest := sha256.Sum256([]byte(token))
	var match *AuthInfo
	for i := range p.entries {
		if subtle.ConstantTimeCompare(digest[:], p.entries[i].digest[:]) == 1 {
			info := p.entries[i].info
			info.Roles = append([]string(nil), info.Roles...)
			match = &info
		}
	}
	if match == nil {
		return nil, fmt.Errorf("unknown bearer token: %w", ErrUnauthorized)
	}
	return match, nil
}

// RoleAuthzProvider allows an action when the user holds a role mapped to it.
//
// # Description
//
// Rules are keyed by "<resource_type>:<action>". A request whose key has no
// rule is allowed, which keeps ordinary per-user routes open while admin
// routes name the roles they need.
//
// # Examples
//
//	authz := extensions.NewRoleAuthzProvider(map[string][]string{
//	    extensions.PermissionKey(extensions.ResourceCredits, extensions.ActionGrant): {"admin"},
//	})
type RoleAuthzProvider struct {
	rules map[string][]string
}

// NewRoleAuthzProvider creates a provider from rules.
func NewRoleAuthzProvider(rules map[string][]string) *RoleAuthzProvider {
	copied := make(map[string][]string, len(rules))
	for k, v := range rules {
		copied[k] = append([]string(nil), v...)
	}
	return &RoleAuthzProvider{rules: copied}
}

// Authorize implements AuthzProvider.
func (p *RoleAuthzProvider) Authorize(_ context.Context, req AuthzRequest) error {
	roles, ok := p.rules[PermissionKey(req.ResourceType, req.Action)]
	if !ok {
		return nil
	}
	if req.User == nil {
		return fmt.Errorf("%s %s: no user: %w", req.Action, req.ResourceType, ErrUnauthorized)
	}
	for _, role := range roles {
		if req.User.HasRole(role) {
			return nil
		}
	}
	return fmt.Errorf("user %s cannot %s %s: %w", req.User.UserID, req.Action, req.ResourceType, ErrUnauthorized)
}

var (
	_ AuthProvider  = (*TokenAuthProvider)(nil)
	_ AuthzProvider = (*RoleAuthzProvider)(nil)
)
