package cmd

import (
	"fmt"
	"log/slog"

	"github.com/joetifa2003/universal"
	"github.com/joetifa2003/universal/devserver"
	"github.com/joetifa2003/universal/internal/config"
	"github.com/joetifa2003/universal/qjs"
)

// pinnedProvider reads assets from disk but never asks for a reload.
type pinnedProvider struct {
	*universal.FileProvider
}

func (pinnedProvider) LiveReloadSupported() bool { return false }

func newProvider(cfg *config.Config) (universal.AssetProvider, error) {
	provider, err := universal.NewFileProvider(cfg.IndexPath, cfg.ServerBundlePath,
		universal.WithTemplateCharset(cfg.Charset))
	if err != nil {
		return nil, err
	}
	if cfg.LiveReload {
		return provider, nil
	}
	return pinnedProvider{provider}, nil
}

func newEngineFactory(cfg *config.Config, logger *slog.Logger) (universal.EngineFactory, error) {
	switch cfg.Engine {
	case config.EngineQuickJS:
		return qjs.New(qjs.WithLogger(logger.With("component", "quickjs"))), nil
	case config.EngineDevServer:
		return devserver.New(cfg.DevServerURL, devserver.WithTimeout(cfg.Timeout())), nil
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownEngine, cfg.Engine)
	}
}

func newRenderer(cfg *config.Config, logger *slog.Logger) (*universal.Renderer, error) {
	provider, err := newProvider(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create asset provider: %w", err)
	}

	factory, err := newEngineFactory(cfg, logger)
	if err != nil {
		return nil, err
	}

	return universal.New(factory, provider,
		universal.WithEngines(cfg.Engines),
		universal.WithRenderTimeout(cfg.Timeout()),
		universal.WithLogger(logger.With("component", "renderer")),
	)
}
