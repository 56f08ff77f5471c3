package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads one recipe YAML file, expands environment variables, and
// unmarshals it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("recipe file not found: %s", path)
		}
		return nil, fmt.Errorf("cannot read recipe file %q: %w", path, err)
	}

	expanded := ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("invalid YAML in %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadDir loads every .yaml/.yml recipe in dir, keyed by recipe_id.
func LoadDir(dir string) (map[string]*Config, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot read recipe dir %q: %w", dir, err)
	}

	recipes := map[string]*Config{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		cfg, err := Load(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		if _, dup := recipes[cfg.RecipeID]; dup {
			return nil, fmt.Errorf("duplicate recipe_id %q in %s", cfg.RecipeID, e.Name())
		}
		recipes[cfg.RecipeID] = cfg
	}
	return recipes, nil
}

// Find loads the recipe with the given id from dir.
func Find(dir, recipeID string) (*Config, error) {
	recipes, err := LoadDir(dir)
	if err != nil {
		return nil, err
	}
	cfg, ok := recipes[recipeID]
	if !ok {
		return nil, fmt.Errorf("unknown recipe %q (known: %s)", recipeID, strings.Join(RecipeIDs(recipes), ", "))
	}
	return cfg, nil
}

// RecipeIDs returns the sorted recipe ids of a LoadDir result.
func RecipeIDs(recipes map[string]*Config) []string {
	ids := make([]string, 0, len(recipes))
	for id := range recipes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
