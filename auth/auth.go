// Package auth implements per-request header augmentation for the HTTP
// connection pool: none, basic, bearer, and OAuth client credentials.
//
// A Mechanism never mutates the headers it is given; it returns a copy
// with the Authorization header injected. Credentials are resolved
// through the injected provider and cached per mechanism instance.
package auth

import (
	"context"
	"encoding/base64"
	"sync"

	"github.com/pithecene-io/dredge/creds"
)

// HeaderAuthorization is the header every mechanism injects.
const HeaderAuthorization = "Authorization"

// Mechanism augments request headers with authentication material.
type Mechanism interface {
	// Name identifies the mechanism for pool fingerprinting.
	Name() string

	// Authenticate returns a copy of headers with auth applied.
	Authenticate(ctx context.Context, headers map[string]string, provider creds.Provider) (map[string]string, error)
}

// None is the identity mechanism.
type None struct{}

// Name implements Mechanism.
func (None) Name() string { return "none" }

// Authenticate implements Mechanism.
func (None) Authenticate(_ context.Context, headers map[string]string, _ creds.Provider) (map[string]string, error) {
	return copyHeaders(headers), nil
}

// Basic injects "Authorization: Basic base64(user:pass)". The credential
// pair is fetched once via the provider keys "username"/"password" and
// cached for the mechanism's lifetime.
type Basic struct {
	// ConfigName scopes the provider lookup.
	ConfigName string

	mu     sync.Mutex
	cached string
}

// Name implements Mechanism.
func (b *Basic) Name() string { return "basic:" + b.ConfigName }

// Authenticate implements Mechanism.
func (b *Basic) Authenticate(ctx context.Context, headers map[string]string, provider creds.Provider) (map[string]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cached == "" {
		user, err := provider.GetCredential(ctx, b.ConfigName, "username")
		if err != nil {
			return nil, err
		}
		pass, err := provider.GetCredential(ctx, b.ConfigName, "password")
		if err != nil {
			return nil, err
		}
		b.cached = "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
	}

	out := copyHeaders(headers)
	out[HeaderAuthorization] = b.cached
	return out, nil
}

// Bearer injects "Authorization: Bearer <token>". The token is fetched
// once via the provider key "token" and cached.
type Bearer struct {
	// ConfigName scopes the provider lookup.
	ConfigName string

	mu     sync.Mutex
	cached string
}

// Name implements Mechanism.
func (b *Bearer) Name() string { return "bearer:" + b.ConfigName }

// Authenticate implements Mechanism.
func (b *Bearer) Authenticate(ctx context.Context, headers map[string]string, provider creds.Provider) (map[string]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cached == "" {
		token, err := provider.GetCredential(ctx, b.ConfigName, "token")
		if err != nil {
			return nil, err
		}
		b.cached = "Bearer " + token
	}

	out := copyHeaders(headers)
	out[HeaderAuthorization] = b.cached
	return out, nil
}

func copyHeaders(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers)+1)
	for k, v := range headers {
		out[k] = v
	}
	return out
}

// Compile-time interface checks.
var (
	_ Mechanism = None{}
	_ Mechanism = (*Basic)(nil)
	_ Mechanism = (*Bearer)(nil)
)
