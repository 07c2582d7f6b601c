// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package extensions defines the identity extension points of the session
// service.
//
// The service runs as a single-user local tool out of the box: every
// request is "local-user" and every action is allowed. Deployments that
// serve several candidates swap in real providers via ServiceOptions.
//
// # Extension Categories
//
//   - auth.go: Authentication and authorization interfaces and no-op defaults
//   - tokens.go: Static bearer tokens and role rules
//
// # Usage
//
//	opts := extensions.DefaultOptions()
//	svc, err := tattest.New(cfg, &opts)
//
//	auth, _ := extensions.NewTokenAuthProvider(cfg.Auth.Tokens)
//	opts = opts.WithAuth(auth).WithAuthz(extensions.NewRoleAuthzProvider(rules))
//
// # Thread Safety
//
// All interface implementations must be safe for concurrent use.
package extensions

// ServiceOptions groups all extension points for service configuration.
//
// All fields are optional; nil values are replaced with no-op defaults
// by the service constructor.
type ServiceOptions struct {
	// AuthProvider validates bearer tokens.
	// Default: NopAuthProvider (every request is local-user)
	AuthProvider AuthProvider

	// AuthzProvider checks whether a user may perform an action.
	// Default: NopAuthzProvider (everything allowed)
	AuthzProvider AuthzProvider
}

// DefaultOptions returns ServiceOptions with no-op implementations.
func DefaultOptions() ServiceOptions {
	return ServiceOptions{
		AuthProvider:  &NopAuthProvider{},
		AuthzProvider: &NopAuthzProvider{},
	}
}

// WithAuth returns a copy of opts with the auth provider replaced.
func (opts ServiceOptions) WithAuth(provider AuthProvider) ServiceOptions {
	opts.AuthProvider = provider
	return opts
}

// WithAuthz returns a copy of opts with the authz provider replaced.
func (opts ServiceOptions) WithAuthz(provider AuthzProvider) ServiceOptions {
	opts.AuthzProvider = provider
	return opts
}

// Normalize fills nil providers with the no-op defaults.
func (opts ServiceOptions) Normalize() ServiceOptions {
	if opts.AuthProvider == nil {
		opts.AuthProvider = &NopAuthProvider{}
	}
	if opts.AuthzProvider == nil {
		opts.AuthzProvider = &NopAuthzProvider{}
	}
	return opts
}
