package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const modelCacheFilename = "models_cache.json"

// ModelInfo captures the fields needed for model selection and display.
// Vendors that do not report a field leave it empty.
type ModelInfo struct {
	ID            string            `json:"id"`
	Name          string            `json:"name,omitempty"`
	Description   string            `json:"description,omitempty"`
	ContextLength int               `json:"context_length,omitempty"`
	Pricing       map[string]string `json:"pricing,omitempty"`
}

// ModelLister is implemented by providers that can list the models their
// endpoint serves.
type ModelLister interface {
	ListModels(ctx context.Context, cfg ProviderConfig, hooks Hooks) ([]ModelInfo, error)
}

// ModelCache stores a model list for one provider endpoint.
type ModelCache struct {
	Provider  ProviderType `json:"provider"`
	APIURL    string       `json:"api_url"`
	UpdatedAt time.Time    `json:"updated_at"`
	Models    []ModelInfo  `json:"models"`
}

// Matches reports whether the cache was filled from the given endpoint.
func (c ModelCache) Matches(provider ProviderType, apiURL string) bool {
	return c.Provider == provider &&
		strings.TrimRight(c.APIURL, "/") == strings.TrimRight(strings.TrimSpace(apiURL), "/")
}

// Expired reports whether the cache is older than maxAge at now. A zero
// maxAge never expires.
func (c ModelCache) Expired(now time.Time, maxAge time.Duration) bool {
	if maxAge <= 0 {
		return false
	}
	return now.Sub(c.UpdatedAt) > maxAge
}

// SortModels orders models by ID.
func SortModels(models []ModelInfo) {
	sort.Slice(models, func(i, j int) bool {
		return models[i].ID < models[j].ID
	})
}

// DefaultModelCachePath returns the default path for the model cache file.
func DefaultModelCachePath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".talkstream", modelCacheFilename)
	}
	return filepath.Join(homeDir, ".talkstream", modelCacheFilename)
}

// LoadModelCache loads the model cache from disk.
func LoadModelCache(path string) (ModelCache, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ModelCache{}, err
	}

	var cache ModelCache
	if err := json.Unmarshal(data, &cache); err != nil {
		return ModelCache{}, fmt.Errorf("parse model cache: %w", err)
	}

	return cache, nil
}

// SaveModelCache writes the model cache to disk.
func SaveModelCache(path string, cache ModelCache) error {
	data, err := json.MarshalIndent(cache, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal model cache: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create model cache directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write model cache: %w", err)
	}

	return nil
}
