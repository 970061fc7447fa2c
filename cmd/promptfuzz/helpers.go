package main

import (
	"fmt"
	"math/rand/v2"
	"path/filepath"

	"promptfuzz/internal/config"
	"promptfuzz/internal/gadget"
	"promptfuzz/internal/llm"
	"promptfuzz/internal/logging"
	"promptfuzz/internal/prompt"
	"promptfuzz/internal/store"
	"promptfuzz/internal/workspace"
)

// campaign bundles what every subcommand needs.
type campaign struct {
	cfg    *config.Config
	layout *workspace.Layout
	store  *store.SqlStore
}

func openCampaign() (*campaign, error) {
	cfg, err := config.LoadFromPath(rootFlags.config)
	if err != nil {
		return nil, err
	}
	layout := workspace.New(cfg.OutputDir, cfg.Library)
	if err := layout.Ensure(); err != nil {
		return nil, err
	}
	st, err := store.Open(layout.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return &campaign{cfg: cfg, layout: layout, store: st}, nil
}

func (c *campaign) Close() error { return c.store.Close() }

// gadgetPath is lib.gadgets, or gadgets.yaml under data_dir.
func gadgetPath(cfg *config.Config) (string, error) {
	if cfg.Lib.Gadgets != "" {
		return cfg.Lib.Gadgets, nil
	}
	if cfg.DataDir != "" {
		return filepath.Join(cfg.DataDir, "gadgets.yaml"), nil
	}
	return "", fmt.Errorf("no gadget catalog: set lib.gadgets or data_dir")
}

func loadCatalog(cfg *config.Config) (*gadget.Catalog, error) {
	path, err := gadgetPath(cfg)
	if err != nil {
		return nil, err
	}
	cat, err := gadget.LoadFromPath(path, cfg.Lib.Ban...)
	if err != nil {
		return nil, err
	}
	if cat.Len() == 0 {
		return nil, fmt.Errorf("gadget catalog %s is empty", path)
	}
	return cat, nil
}

func newHandler(cfg *config.Config, layout *workspace.Layout) (llm.Handler, error) {
	switch cfg.Handler.Type {
	case config.HandlerHTTP:
		h, err := llm.NewHTTPHandler(cfg.Handler.BaseURL, cfg.APIKey, cfg.Handler.Model,
			llm.WithTimeout(cfg.Handler.Timeout.D()),
			llm.WithLogger(logging.New("llm")))
		if err != nil {
			return nil, err
		}
		return h, nil
	default:
		h, err := llm.NewFileHandler(llm.FileHandlerConfig{
			Dir:          layout.ExchangeDir(),
			PollInterval: cfg.Handler.PollInterval.D(),
			Timeout:      cfg.Handler.Timeout.D(),
			Logger:       logging.New("llm"),
		})
		if err != nil {
			return nil, err
		}
		return h, nil
	}
}

func newRenderer(cfg *config.Config) (*prompt.Renderer, error) {
	if cfg.Handler.Template != "" {
		return prompt.NewRendererFromFile(cfg.Mode, cfg.Handler.Template)
	}
	return prompt.NewRenderer(cfg.Mode, "")
}

// newRand seeds from fuzz.seed, or randomly when it is zero.
func newRand(seed uint64) *rand.Rand {
	if seed == 0 {
		return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return rand.New(rand.NewPCG(seed, seed))
}
