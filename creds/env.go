package creds

import (
	"context"
	"os"
	"strings"
	"sync"
)

// DefaultEnvPrefix is the environment variable prefix when none is set.
const DefaultEnvPrefix = "OC_SECRET_"

// EnvProvider resolves credentials from environment variables.
// The variable name is <prefix><CONFIG_NAME>_<KEY> with '-' replaced by
// '_' and everything uppercased.
type EnvProvider struct {
	prefix string

	mu    sync.RWMutex
	cache map[string]string

	// lookup is swappable for tests.
	lookup func(name string) (string, bool)
}

// NewEnvProvider creates an environment-variable provider.
func NewEnvProvider(prefix string) *EnvProvider {
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	return &EnvProvider{
		prefix: prefix,
		cache:  map[string]string{},
		lookup: os.LookupEnv,
	}
}

// VarName returns the mangled environment variable name for a lookup.
func (p *EnvProvider) VarName(configName, key string) string {
	mangle := func(s string) string {
		return strings.ToUpper(strings.ReplaceAll(s, "-", "_"))
	}
	return p.prefix + mangle(configName) + "_" + mangle(key)
}

// GetCredential implements Provider.
func (p *EnvProvider) GetCredential(_ context.Context, configName, key string) (string, error) {
	name := p.VarName(configName, key)

	p.mu.RLock()
	if v, ok := p.cache[name]; ok {
		p.mu.RUnlock()
		return v, nil
	}
	p.mu.RUnlock()

	v, ok := p.lookup(name)
	if !ok {
		return "", missing(configName, key)
	}

	p.mu.Lock()
	p.cache[name] = v
	p.mu.Unlock()
	return v, nil
}

// Clear implements Provider.
func (p *EnvProvider) Clear() {
	p.mu.Lock()
	p.cache = map[string]string{}
	p.mu.Unlock()
}

// Verify EnvProvider implements Provider.
var _ Provider = (*EnvProvider)(nil)
