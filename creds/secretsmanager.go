package creds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
)

// DefaultSecretSuffix is appended to the config name to form the logical
// secret id, e.g. "acme-registry" -> "acme-registry-sftp-credentials".
const DefaultSecretSuffix = "-sftp-credentials"

// SecretsAPI is the Secrets Manager subset the provider uses.
// Satisfied by *secretsmanager.Client; stubs are used for testing.
type SecretsAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// SecretsManagerConfig configures the Secrets Manager provider.
type SecretsManagerConfig struct {
	// Region is the AWS region (optional, default chain when empty).
	Region string
	// Endpoint overrides the service endpoint (for localstack-style testing).
	Endpoint string
	// SecretSuffix replaces DefaultSecretSuffix when set.
	SecretSuffix string
}

// SecretsManagerProvider resolves credentials from AWS Secrets Manager.
// Each config name maps to one secret holding a JSON object of keys;
// decoded maps are cached per config name until Clear.
type SecretsManagerProvider struct {
	client SecretsAPI
	suffix string

	mu    sync.RWMutex
	cache map[string]map[string]string
}

// NewSecretsManagerProvider creates a provider using the AWS SDK default
// credential chain.
func NewSecretsManagerProvider(ctx context.Context, cfg SecretsManagerConfig) (*SecretsManagerProvider, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: load aws config: %w", ErrBackend, err)
	}

	var smOpts []func(*secretsmanager.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		smOpts = append(smOpts, func(o *secretsmanager.Options) {
			o.BaseEndpoint = &endpoint
		})
	}

	return NewSecretsManagerProviderWithClient(secretsmanager.NewFromConfig(awsCfg, smOpts...), cfg.SecretSuffix), nil
}

// NewSecretsManagerProviderWithClient creates a provider around an
// existing client. Used by tests.
func NewSecretsManagerProviderWithClient(client SecretsAPI, suffix string) *SecretsManagerProvider {
	if suffix == "" {
		suffix = DefaultSecretSuffix
	}
	return &SecretsManagerProvider{
		client: client,
		suffix: suffix,
		cache:  map[string]map[string]string{},
	}
}

// GetCredential implements Provider.
func (p *SecretsManagerProvider) GetCredential(ctx context.Context, configName, key string) (string, error) {
	p.mu.RLock()
	if m, ok := p.cache[configName]; ok {
		p.mu.RUnlock()
		if v, ok := m[key]; ok {
			return v, nil
		}
		return "", missing(configName, key)
	}
	p.mu.RUnlock()

	secretID := configName + p.suffix
	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretID),
	})
	if err != nil {
		return "", classifySecretsError(secretID, err)
	}
	if out.SecretString == nil {
		return "", fmt.Errorf("%w: secret %s has no string payload", ErrBackend, secretID)
	}

	var m map[string]string
	if err := json.Unmarshal([]byte(*out.SecretString), &m); err != nil {
		return "", fmt.Errorf("%w: decode secret %s: %w", ErrBackend, secretID, err)
	}

	p.mu.Lock()
	p.cache[configName] = m
	p.mu.Unlock()

	if v, ok := m[key]; ok {
		return v, nil
	}
	return "", missing(configName, key)
}

// Clear implements Provider.
func (p *SecretsManagerProvider) Clear() {
	p.mu.Lock()
	p.cache = map[string]map[string]string{}
	p.mu.Unlock()
}

func classifySecretsError(secretID string, err error) error {
	var notFound *smtypes.ResourceNotFoundException
	if errors.As(err, &notFound) {
		return fmt.Errorf("%w: secret %s", ErrKeyMissing, secretID)
	}
	if strings.Contains(err.Error(), "AccessDenied") {
		return fmt.Errorf("%w: secret %s: %w", ErrAccessDenied, secretID, err)
	}
	return fmt.Errorf("%w: secret %s: %w", ErrBackend, secretID, err)
}

// Verify SecretsManagerProvider implements Provider.
var _ Provider = (*SecretsManagerProvider)(nil)
