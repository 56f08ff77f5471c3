// Package creds resolves (configName, key) pairs to secrets.
//
// Two backends exist: environment variables for local runs, and AWS
// Secrets Manager for deployed runs. Both cache lookups until Clear.
package creds

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for credential failure classification.
var (
	// ErrKeyMissing indicates the key does not exist in the backend.
	ErrKeyMissing = errors.New("credential key missing")

	// ErrAccessDenied indicates the backend rejected the caller.
	ErrAccessDenied = errors.New("credential access denied")

	// ErrBackend indicates a backend transport or decode failure.
	ErrBackend = errors.New("credential backend error")
)

// Provider is the credential resolution contract.
type Provider interface {
	// GetCredential resolves one secret value.
	GetCredential(ctx context.Context, configName, key string) (string, error)

	// Clear invalidates any cached lookups.
	Clear()
}

func missing(configName, key string) error {
	return fmt.Errorf("%w: %s/%s", ErrKeyMissing, configName, key)
}
