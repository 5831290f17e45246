package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"talkstream/pkg/ai"
	"talkstream/pkg/config"
)

func TestLoadModels_UsesFreshCache(t *testing.T) {
	cfg := config.Default()
	cfg.APIKey = "test-key"
	cachePath := filepath.Join(t.TempDir(), "models_cache.json")
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	cached := ai.ModelCache{
		Provider:  ai.ProviderOpenRouter,
		APIURL:    ai.DefaultAPIURL(ai.ProviderOpenRouter),
		UpdatedAt: now.Add(-time.Hour),
		Models:    []ai.ModelInfo{{ID: "cached/model"}},
	}
	if err := ai.SaveModelCache(cachePath, cached); err != nil {
		t.Fatalf("SaveModelCache() error: %v", err)
	}

	models, err := loadModels(context.Background(), cfg, modelsOptions{cachePath: cachePath}, now)
	if err != nil {
		t.Fatalf("loadModels() error: %v", err)
	}
	if len(models) != 1 || models[0].ID != "cached/model" {
		t.Fatalf("Expected cached models, got %+v", models)
	}
}

func TestWriteModels(t *testing.T) {
	var buf bytes.Buffer
	writeModels(&buf, "b-model", []ai.ModelInfo{
		{ID: "a-model", Name: "A Model", ContextLength: 128000},
		{ID: "b-model"},
	})

	out := buf.String()
	for _, want := range []string{"Models (2)", "a-model", "b-model", "A Model, 128k ctx"} {
		if !strings.Contains(out, want) {
			t.Fatalf("Expected output to contain %q, got:\n%s", want, out)
		}
	}
}

func TestWriteProviders(t *testing.T) {
	var buf bytes.Buffer
	writeProviders(&buf, []ai.ProviderInfo{
		{Type: ai.ProviderAnthropic, Name: "Anthropic", Description: "Messages API", DefaultAPIURL: "https://api.anthropic.com/v1", AuthMethod: "x-api-key"},
	})

	out := buf.String()
	for _, want := range []string{"Providers", "anthropic", "Messages API", "auth: x-api-key"} {
		if !strings.Contains(out, want) {
			t.Fatalf("Expected output to contain %q, got:\n%s", want, out)
		}
	}
}
