package config

import (
	"os"
	"strconv"
	"strings"
)

// Environment variable names read by the settings resolver.
const (
	EnvCredsProvider     = "OC_CREDENTIAL_PROVIDER"
	EnvCredsPrefix       = "OC_CREDENTIAL_PROVIDER_PREFIX"
	EnvCredsSecretSuffix = "OC_CREDENTIAL_PROVIDER_SECRET_SUFFIX"
	EnvCredsRegion       = "OC_CREDENTIAL_PROVIDER_REGION"
	EnvCredsEndpoint     = "OC_CREDENTIAL_PROVIDER_ENDPOINT"

	EnvKVBackend = "OC_KV_STORE"
	EnvKVURL     = "OC_KV_STORE_URL"
	EnvKVPrefix  = "OC_KV_STORE_PREFIX"

	EnvStorageBackend    = "OC_STORAGE"
	EnvStorageBucket     = "OC_STORAGE_BUCKET"
	EnvStorageRegistryID = "OC_STORAGE_REGISTRY_ID"
	EnvStoragePath       = "OC_STORAGE_PATH"
	EnvStorageRegion     = "OC_STORAGE_REGION"
	EnvStorageEndpoint   = "OC_STORAGE_ENDPOINT"
	// EnvStorageDecorators is a comma-separated decorator chain, applied
	// outermost first: gunzip, untar, tar.
	EnvStorageDecorators = "OC_STORAGE_DECORATORS"

	EnvSQSQueueURL = "OC_SQS_QUEUE_URL"
	EnvSQSEndpoint = "OC_SQS_ENDPOINT"

	EnvAWSRegion = "AWS_REGION"

	EnvConcurrency = "OC_CONCURRENCY"
	EnvLogLevel    = "OC_LOG_LEVEL"
	EnvHealthAddr  = "OC_HEALTH_ADDR"
	EnvRecipeDir   = "OC_RECIPE_DIR"
)

// Settings are the resolved process-level choices: which backend each
// concern uses and how to reach it. Recipe files never carry these;
// they come from flags and the OC_* environment families.
type Settings struct {
	CredsProvider     string // aws | env
	CredsPrefix       string
	CredsSecretSuffix string
	CredsRegion       string
	CredsEndpoint     string

	KVBackend string // redis | memory
	KVURL     string
	KVPrefix  string

	StorageBackend    string // s3 | file
	StorageBucket     string
	StorageRegistryID string
	StoragePath       string
	StorageRegion     string
	StorageEndpoint   string
	StorageDecorators []string

	SQSQueueURL string
	SQSEndpoint string

	Concurrency int
	LogLevel    string
	HealthAddr  string
	RecipeDir   string
}

// Flags carries the explicit CLI flag values. Zero values mean the flag
// was not given and resolution falls through to the environment.
type Flags struct {
	Creds       string
	KV          string
	Storage     string
	Concurrency int
	LogLevel    string
	HealthAddr  string
	RecipeDir   string
}

// Lookup is the environment accessor, swappable in tests.
type Lookup func(name string) (string, bool)

// ResolveSettings applies the precedence flag, then component env, then
// generic env, then default.
func ResolveSettings(flags Flags, lookup Lookup) Settings {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	env := func(name, fallback string) string {
		if v, ok := lookup(name); ok && v != "" {
			return v
		}
		return fallback
	}
	pick := func(flag, envName, fallback string) string {
		if flag != "" {
			return flag
		}
		return env(envName, fallback)
	}

	s := Settings{
		CredsProvider:     pick(flags.Creds, EnvCredsProvider, "env"),
		CredsPrefix:       env(EnvCredsPrefix, ""),
		CredsSecretSuffix: env(EnvCredsSecretSuffix, ""),
		CredsRegion:       env(EnvCredsRegion, env(EnvAWSRegion, "")),
		CredsEndpoint:     env(EnvCredsEndpoint, ""),

		KVBackend: pick(flags.KV, EnvKVBackend, "memory"),
		KVURL:     env(EnvKVURL, ""),
		KVPrefix:  env(EnvKVPrefix, ""),

		StorageBackend:    pick(flags.Storage, EnvStorageBackend, "file"),
		StorageBucket:     env(EnvStorageBucket, ""),
		StorageRegistryID: env(EnvStorageRegistryID, ""),
		StoragePath:       env(EnvStoragePath, "./bundles"),
		StorageRegion:     env(EnvStorageRegion, env(EnvAWSRegion, "")),
		StorageEndpoint:   env(EnvStorageEndpoint, ""),
		StorageDecorators: splitList(env(EnvStorageDecorators, "")),

		SQSQueueURL: env(EnvSQSQueueURL, ""),
		SQSEndpoint: env(EnvSQSEndpoint, ""),

		LogLevel:   pick(flags.LogLevel, EnvLogLevel, "info"),
		HealthAddr: pick(flags.HealthAddr, EnvHealthAddr, ""),
		RecipeDir:  pick(flags.RecipeDir, EnvRecipeDir, "./recipes"),
	}

	s.Concurrency = flags.Concurrency
	if s.Concurrency <= 0 {
		if v, ok := lookup(EnvConcurrency); ok {
			if n, err := strconv.Atoi(v); err == nil {
				s.Concurrency = n
			}
		}
	}
	if s.Concurrency <= 0 {
		s.Concurrency = 4
	}
	return s
}

// splitList parses a comma-separated value, dropping empty elements.
func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
