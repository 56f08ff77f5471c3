package config

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/pithecene-io/dredge/auth"
	"github.com/pithecene-io/dredge/creds"
	"github.com/pithecene-io/dredge/kv"
	"github.com/pithecene-io/dredge/notify"
	httppool "github.com/pithecene-io/dredge/pool/http"
	sftppool "github.com/pithecene-io/dredge/pool/sftp"
	"github.com/pithecene-io/dredge/registry"
	"github.com/pithecene-io/dredge/storage"
	"github.com/pithecene-io/dredge/types"
)

// Built is an assembled run setup: the recipe, its backends, and a
// Close releasing them.
type Built struct {
	Recipe *types.Recipe
	App    *types.AppConfig

	closers []func() error
}

// Close releases the built backends, last-constructed first.
func (b *Built) Close() error {
	var first error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Build assembles the recipe and backends from a recipe file and the
// resolved process settings.
func Build(ctx context.Context, cfg *Config, s Settings, logger *zap.Logger) (*Built, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := &Built{}

	provider, err := buildCreds(ctx, s)
	if err != nil {
		return nil, err
	}
	b.closers = append(b.closers, func() error { provider.Clear(); return nil })

	store, err := buildKV(s)
	if err != nil {
		return nil, err
	}
	b.closers = append(b.closers, store.Close)

	publisher, err := buildPublisher(ctx, cfg, s)
	if err != nil {
		return nil, err
	}
	b.closers = append(b.closers, publisher.Close)

	sink, err := buildSink(ctx, cfg, s)
	if err != nil {
		return nil, err
	}
	st := storage.New(sink,
		storage.WithPublisher(publisher),
		storage.WithLogger(logger),
		storage.WithRecipeID(cfg.RecipeID),
	)
	b.closers = append(b.closers, st.Close)

	deps, err := buildDeps(cfg, provider)
	if err != nil {
		return nil, err
	}
	if deps.SFTP != nil {
		b.closers = append(b.closers, deps.SFTP.Close)
	}

	recipe, err := buildRecipe(cfg, deps)
	if err != nil {
		return nil, err
	}

	b.Recipe = recipe
	b.App = &types.AppConfig{Creds: provider, KV: store, Storage: st}
	return b, nil
}

func buildCreds(ctx context.Context, s Settings) (creds.Provider, error) {
	switch s.CredsProvider {
	case "env", "":
		return creds.NewEnvProvider(s.CredsPrefix), nil
	case "aws":
		return creds.NewSecretsManagerProvider(ctx, creds.SecretsManagerConfig{
			Region:       s.CredsRegion,
			Endpoint:     s.CredsEndpoint,
			SecretSuffix: s.CredsSecretSuffix,
		})
	default:
		return nil, fmt.Errorf("unknown credential provider %q (must be aws or env)", s.CredsProvider)
	}
}

func buildKV(s Settings) (kv.Store, error) {
	switch s.KVBackend {
	case "memory", "":
		return kv.NewMemoryStore(), nil
	case "redis":
		return kv.NewRedisStore(kv.RedisConfig{URL: s.KVURL, Prefix: s.KVPrefix})
	default:
		return nil, fmt.Errorf("unknown kv backend %q (must be redis or memory)", s.KVBackend)
	}
}

func buildPublisher(ctx context.Context, cfg *Config, s Settings) (notify.Publisher, error) {
	queueURL := cfg.Notify.QueueURL
	if queueURL == "" {
		queueURL = s.SQSQueueURL
	}
	if queueURL == "" {
		// The bus sink's downstream consumes completion events; running
		// it unnotified would strand bundles.
		if storageBackend(cfg, s) == "s3" {
			return nil, fmt.Errorf("the s3 storage backend requires a completion queue url (notify.queue_url or OC_SQS_QUEUE_URL)")
		}
		return notify.Nop{}, nil
	}
	return notify.NewSQSPublisher(ctx, notify.SQSConfig{
		QueueURL: queueURL,
		Region:   s.StorageRegion,
		Endpoint: s.SQSEndpoint,
	})
}

// storageBackend resolves the effective sink backend, recipe first.
func storageBackend(cfg *Config, s Settings) string {
	if cfg.Storage.Backend != "" {
		return cfg.Storage.Backend
	}
	return s.StorageBackend
}

func buildSink(ctx context.Context, cfg *Config, s Settings) (storage.Sink, error) {
	backend := storageBackend(cfg, s)
	pickStr := func(recipe, setting string) string {
		if recipe != "" {
			return recipe
		}
		return setting
	}
	var sink storage.Sink
	var err error
	switch backend {
	case "file", "":
		sink, err = storage.NewFileSink(pickStr(cfg.Storage.Path, s.StoragePath))
	case "s3":
		sink, err = storage.NewBusSink(ctx, storage.BusConfig{
			Bucket:     pickStr(cfg.Storage.Bucket, s.StorageBucket),
			RegistryID: pickStr(cfg.Storage.RegistryID, s.StorageRegistryID),
			Region:     pickStr(cfg.Storage.Region, s.StorageRegion),
			Endpoint:   pickStr(cfg.Storage.Endpoint, s.StorageEndpoint),
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q (must be s3 or file)", backend)
	}
	if err != nil {
		return nil, err
	}

	decorators := cfg.Storage.Decorators
	if len(decorators) == 0 {
		decorators = s.StorageDecorators
	}
	return decorateSink(sink, decorators)
}

// decorateSink wraps sink in the named decorators. The list reads
// outermost first, so "gunzip,untar" unwraps gzip before expanding
// archives.
func decorateSink(sink storage.Sink, names []string) (storage.Sink, error) {
	for i := len(names) - 1; i >= 0; i-- {
		switch names[i] {
		case "gunzip":
			sink = &storage.GunzipSink{Inner: sink}
		case "untar":
			sink = &storage.UntarSink{Inner: sink}
		case "tar":
			sink = &storage.TarSink{Inner: sink}
		default:
			return nil, fmt.Errorf("unknown storage decorator %q (must be gunzip, untar, or tar)", names[i])
		}
	}
	return sink, nil
}

// buildDeps materializes the recipe's declared pools.
func buildDeps(cfg *Config, provider creds.Provider) (*registry.Deps, error) {
	deps := &registry.Deps{
		HTTP:        httppool.NewManager(provider),
		HTTPConfigs: map[string]httppool.Config{},
		Creds:       provider,
	}

	for name, pc := range cfg.Pools.HTTP {
		mech, err := buildAuth(pc.Auth)
		if err != nil {
			return nil, fmt.Errorf("pool %q: %w", name, err)
		}
		deps.HTTPConfigs[name] = httppool.Config{
			Name:           name,
			Timeout:        pc.Timeout.Duration,
			RatePerSecond:  pc.RatePerSecond,
			MaxRetries:     pc.MaxRetries,
			MaxRedirects:   pc.MaxRedirects,
			PoolMaxSize:    pc.PoolMaxSize,
			DefaultHeaders: pc.DefaultHeaders,
			Auth:           mech,
		}
	}

	if sc := cfg.Pools.SFTP; sc != nil {
		name := sc.Name
		if name == "" {
			name = sc.Host
		}
		pool, err := sftppool.New(sftppool.Config{
			Name:           name,
			Host:           sc.Host,
			Port:           sc.Port,
			BaseDir:        sc.BaseDir,
			ConnectTimeout: sc.ConnectTimeout.Duration,
			RatePerSecond:  sc.RatePerSecond,
			MaxRetries:     sc.MaxRetries,
			PoolMaxSize:    sc.PoolMaxSize,
		}, provider, nil, nil)
		if err != nil {
			return nil, err
		}
		deps.SFTP = pool
	}
	return deps, nil
}

func buildAuth(ac AuthConfig) (auth.Mechanism, error) {
	switch ac.Type {
	case "", "none":
		return nil, nil
	case "basic":
		return &auth.Basic{ConfigName: ac.ConfigName}, nil
	case "bearer":
		return &auth.Bearer{ConfigName: ac.ConfigName}, nil
	case "oauth":
		if ac.TokenURL == "" {
			return nil, fmt.Errorf("oauth auth requires token_url")
		}
		return &auth.OAuth{ConfigName: ac.ConfigName, TokenURL: ac.TokenURL}, nil
	default:
		return nil, fmt.Errorf("unknown auth type %q", ac.Type)
	}
}

// buildRecipe creates the locators and loader through the registry.
func buildRecipe(cfg *Config, deps *registry.Deps) (*types.Recipe, error) {
	reg := registry.Default()

	recipe := &types.Recipe{RecipeID: cfg.RecipeID}
	for i, sc := range cfg.Locators {
		created, err := reg.Create(registry.KindLocator, sc.Strategy, sc.Config, deps)
		if err != nil {
			return nil, fmt.Errorf("recipe %q locator %d: %w", cfg.RecipeID, i, err)
		}
		loc, ok := created.(types.BundleLocator)
		if !ok {
			return nil, fmt.Errorf("recipe %q locator %d: strategy %q is not a locator", cfg.RecipeID, i, sc.Strategy)
		}
		recipe.Locators = append(recipe.Locators, loc)
	}

	created, err := reg.Create(registry.KindLoader, cfg.Loader.Strategy, cfg.Loader.Config, deps)
	if err != nil {
		return nil, fmt.Errorf("recipe %q loader: %w", cfg.RecipeID, err)
	}
	ld, ok := created.(types.BundleLoader)
	if !ok {
		return nil, fmt.Errorf("recipe %q loader: strategy %q is not a loader", cfg.RecipeID, cfg.Loader.Strategy)
	}
	recipe.Loader = ld

	return recipe, recipe.Validate()
}
