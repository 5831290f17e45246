package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"talkstream/pkg/ai"
	"talkstream/pkg/config"

	"github.com/spf13/cobra"
)

const modelCacheMaxAge = 24 * time.Hour

type modelsOptions struct {
	refresh   bool
	cachePath string
}

func newModelsCmd() *cobra.Command {
	var opts modelsOptions

	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the models served by the configured provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			models, err := loadModels(ctx, cfg, opts, time.Now())
			if err != nil {
				return err
			}
			writeModels(cmd.OutOrStdout(), cfg.Model, models)
			return nil
		},
	}

	cmd.Flags().BoolVar(&opts.refresh, "refresh", false, "ignore the cached model list")
	cmd.Flags().StringVar(&opts.cachePath, "cache", "", "model cache path (default ~/.talkstream/models_cache.json)")
	return cmd
}

// loadModels returns the cached list for the configured endpoint when it is
// fresh, and fetches and caches it otherwise.
func loadModels(ctx context.Context, cfg config.Config, opts modelsOptions, now time.Time) ([]ai.ModelInfo, error) {
	pc, err := cfg.ProviderConfig()
	if err != nil {
		return nil, err
	}

	cachePath := opts.cachePath
	if cachePath == "" {
		cachePath = ai.DefaultModelCachePath()
	}

	if !opts.refresh {
		cache, err := ai.LoadModelCache(cachePath)
		switch {
		case err == nil && cache.Matches(pc.Provider, pc.APIURL) && !cache.Expired(now, modelCacheMaxAge):
			slog.Debug("models_cache_hit", "provider", pc.Provider, "count", len(cache.Models))
			return cache.Models, nil
		case err != nil && !errors.Is(err, os.ErrNotExist):
			slog.Warn("models_cache_read_failed", "path", cachePath, "error", err)
		}
	}

	provider, err := ai.GetProvider(pc.Provider, ai.ProviderDeps{Retry: cfg.RetryPolicy()})
	if err != nil {
		return nil, err
	}
	lister, ok := provider.(ai.ModelLister)
	if !ok {
		return nil, fmt.Errorf("provider %s cannot list models", pc.Provider)
	}

	models, err := lister.ListModels(ctx, pc, ai.Hooks{})
	if err != nil {
		return nil, err
	}

	cache := ai.ModelCache{
		Provider:  pc.Provider,
		APIURL:    pc.APIURL,
		UpdatedAt: now.UTC(),
		Models:    models,
	}
	if err := ai.SaveModelCache(cachePath, cache); err != nil {
		slog.Warn("models_cache_write_failed", "path", cachePath, "error", err)
	}
	return models, nil
}

func writeModels(w io.Writer, current string, models []ai.ModelInfo) {
	width := 0
	for _, m := range models {
		width = max(width, len(m.ID))
	}

	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("Models (%d)", len(models))))
	for _, m := range models {
		marker := " "
		if m.ID == current {
			marker = successStyle.Render("*")
		}
		line := fmt.Sprintf("%s %s", marker, padRight(m.ID, width))
		if detail := modelDetail(m); detail != "" {
			line += "  " + mutedStyle.Render(detail)
		}
		fmt.Fprintln(w, line)
	}
}

func modelDetail(m ai.ModelInfo) string {
	detail := ""
	if m.Name != "" && m.Name != m.ID {
		detail = m.Name
	}
	if m.ContextLength > 0 {
		if detail != "" {
			detail += ", "
		}
		detail += fmt.Sprintf("%dk ctx", m.ContextLength/1000)
	}
	return detail
}
