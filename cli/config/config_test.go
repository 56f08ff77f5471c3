package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/pithecene-io/dredge/locator"
)

const recipeYAML = `
recipe_id: acme-annual
pools:
  http:
    registry:
      timeout: 30s
      rate_per_second: 2
      auth:
        type: basic
        config_name: acme
locators:
  - strategy: single-url
    config:
      id: one
      url: https://registry.test/report.xml
loader:
  strategy: http
  config:
    pool: registry
storage:
  backend: file
  path: ${RECIPE_TEST_BUNDLES:-/tmp/bundles}
`

func writeRecipe(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write recipe: %v", err)
	}
	return path
}

func TestLoadParsesRecipeFile(t *testing.T) {
	path := writeRecipe(t, t.TempDir(), "acme.yaml", recipeYAML)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RecipeID != "acme-annual" {
		t.Fatalf("recipe_id: %s", cfg.RecipeID)
	}
	pool, ok := cfg.Pools.HTTP["registry"]
	if !ok {
		t.Fatal("pool missing")
	}
	if pool.Timeout.Seconds() != 30 || pool.RatePerSecond != 2 {
		t.Fatalf("pool: %+v", pool)
	}
	if pool.Auth.Type != "basic" || pool.Auth.ConfigName != "acme" {
		t.Fatalf("auth: %+v", pool.Auth)
	}
	if len(cfg.Locators) != 1 || cfg.Locators[0].Strategy != "single-url" {
		t.Fatalf("locators: %+v", cfg.Locators)
	}
	if cfg.Storage.Path != "/tmp/bundles" {
		t.Fatalf("env default not expanded: %s", cfg.Storage.Path)
	}
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("RECIPE_TEST_BUNDLES", "/var/data/bundles")
	path := writeRecipe(t, t.TempDir(), "acme.yaml", recipeYAML)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.Path != "/var/data/bundles" {
		t.Fatalf("env not expanded: %s", cfg.Storage.Path)
	}
}

func TestLoadRejectsMissingRecipeID(t *testing.T) {
	path := writeRecipe(t, t.TempDir(), "bad.yaml", "loader:\n  strategy: http\n")
	if _, err := Load(path); err == nil {
		t.Fatal("recipe without id accepted")
	}
}

func TestLoadDirAndFind(t *testing.T) {
	dir := t.TempDir()
	writeRecipe(t, dir, "acme.yaml", recipeYAML)
	writeRecipe(t, dir, "other.yml", `
recipe_id: other
loader:
  strategy: sftp
`)
	writeRecipe(t, dir, "notes.txt", "ignored")

	recipes, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("load dir: %v", err)
	}
	if got := RecipeIDs(recipes); len(got) != 2 || got[0] != "acme-annual" || got[1] != "other" {
		t.Fatalf("ids: %v", got)
	}

	if _, err := Find(dir, "acme-annual"); err != nil {
		t.Fatalf("find: %v", err)
	}
	if _, err := Find(dir, "nope"); err == nil {
		t.Fatal("unknown recipe found")
	}
}

func TestResolveSettingsPrecedence(t *testing.T) {
	env := map[string]string{
		EnvKVBackend:     "redis",
		EnvKVURL:         "redis://localhost:6379/0",
		EnvStorageRegion: "eu-west-3",
		EnvAWSRegion:     "us-east-1",
		EnvSQSQueueURL:   "https://sqs.test/q",
	}
	lookup := func(name string) (string, bool) {
		v, ok := env[name]
		return v, ok
	}

	s := ResolveSettings(Flags{KV: "memory", Concurrency: 8}, lookup)
	// Flag beats component env.
	if s.KVBackend != "memory" {
		t.Fatalf("kv backend: %s", s.KVBackend)
	}
	// Component env beats generic env.
	if s.StorageRegion != "eu-west-3" {
		t.Fatalf("storage region: %s", s.StorageRegion)
	}
	if s.SQSQueueURL != "https://sqs.test/q" {
		t.Fatalf("sqs: %s", s.SQSQueueURL)
	}
	if s.Concurrency != 8 {
		t.Fatalf("concurrency: %d", s.Concurrency)
	}

	// Generic env applies when the component env is absent.
	delete(env, EnvStorageRegion)
	s = ResolveSettings(Flags{}, lookup)
	if s.StorageRegion != "us-east-1" {
		t.Fatalf("generic region: %s", s.StorageRegion)
	}
	// Defaults fill the rest.
	if s.CredsProvider != "env" || s.StorageBackend != "file" || s.Concurrency != 4 {
		t.Fatalf("defaults: %+v", s)
	}
}

func TestBuildAssemblesRecipe(t *testing.T) {
	cfg, err := Load(writeRecipe(t, t.TempDir(), "acme.yaml", recipeYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg.Storage.Path = t.TempDir()

	s := ResolveSettings(Flags{}, func(string) (string, bool) { return "", false })
	built, err := Build(context.Background(), cfg, s, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer built.Close()

	if built.Recipe.RecipeID != "acme-annual" {
		t.Fatalf("recipe: %s", built.Recipe.RecipeID)
	}
	if len(built.Recipe.Locators) != 1 {
		t.Fatalf("locators: %d", len(built.Recipe.Locators))
	}
	if _, ok := built.Recipe.Locators[0].(*locator.SingleURL); !ok {
		t.Fatalf("locator type: %T", built.Recipe.Locators[0])
	}
	if built.App.KV == nil || built.App.Storage == nil || built.App.Creds == nil {
		t.Fatalf("app backends: %+v", built.App)
	}
}

func TestBuildAppliesDecorators(t *testing.T) {
	cfg, err := Load(writeRecipe(t, t.TempDir(), "acme.yaml", recipeYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg.Storage.Path = t.TempDir()
	cfg.Storage.Decorators = []string{"gunzip", "untar"}

	s := ResolveSettings(Flags{}, func(string) (string, bool) { return "", false })
	built, err := Build(context.Background(), cfg, s, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer built.Close()

	cfg.Storage.Decorators = []string{"rot13"}
	if _, err := Build(context.Background(), cfg, s, nil); err == nil {
		t.Fatal("unknown decorator accepted")
	}
}

func TestBuildRequiresQueueURLForBusSink(t *testing.T) {
	cfg := &Config{
		RecipeID: "x",
		Loader:   Strategy{Strategy: "http", Config: map[string]any{"pool": "p"}},
		Storage:  StorageConfig{Backend: "s3", Bucket: "b", RegistryID: "r"},
	}
	s := ResolveSettings(Flags{}, func(string) (string, bool) { return "", false })

	if _, err := Build(context.Background(), cfg, s, nil); err == nil {
		t.Fatal("s3 backend without a completion queue accepted")
	}
}

func TestBuildRejectsUnknownStrategy(t *testing.T) {
	cfg := &Config{
		RecipeID: "x",
		Loader:   Strategy{Strategy: "carrier-pigeon"},
	}
	s := ResolveSettings(Flags{}, func(string) (string, bool) { return "", false })
	s.StoragePath = t.TempDir()

	if _, err := Build(context.Background(), cfg, s, nil); err == nil {
		t.Fatal("unknown loader strategy accepted")
	}
}

func TestBuildRejectsUnknownBackends(t *testing.T) {
	cfg := &Config{RecipeID: "x", Loader: Strategy{Strategy: "http", Config: map[string]any{"pool": "p"}}}

	s := ResolveSettings(Flags{Creds: "vault"}, func(string) (string, bool) { return "", false })
	if _, err := Build(context.Background(), cfg, s, nil); err == nil {
		t.Fatal("unknown creds provider accepted")
	}

	s = ResolveSettings(Flags{KV: "etcd"}, func(string) (string, bool) { return "", false })
	if _, err := Build(context.Background(), cfg, s, nil); err == nil {
		t.Fatal("unknown kv backend accepted")
	}

	s = ResolveSettings(Flags{Storage: "tape"}, func(string) (string, bool) { return "", false })
	if _, err := Build(context.Background(), cfg, s, nil); err == nil {
		t.Fatal("unknown storage backend accepted")
	}
}
