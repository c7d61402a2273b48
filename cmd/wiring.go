package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/neves/zen-gateway/internal/config"
	"github.com/neves/zen-gateway/internal/conversation"
	"github.com/neves/zen-gateway/internal/dispatch"
	"github.com/neves/zen-gateway/internal/gateway"
	"github.com/neves/zen-gateway/internal/images"
	"github.com/neves/zen-gateway/internal/logging"
	"github.com/neves/zen-gateway/internal/metrics"
	"github.com/neves/zen-gateway/internal/providers"
	"github.com/neves/zen-gateway/internal/store"
	"github.com/neves/zen-gateway/internal/tokens"
	"github.com/spf13/cobra"
)

// app holds everything a command needs, built from one config file
type app struct {
	cfg        *config.Config
	logger     *logging.Logger
	store      *store.Store
	resolver   *store.Resolver
	metrics    *metrics.Recorder
	ledger     *tokens.Ledger
	dispatcher *dispatch.Dispatcher
	service    *gateway.ChatService
}

// newApp loads config and opens the store. Interactive commands log only
// warnings to the console unless --verbose is set.
func newApp(cmd *cobra.Command, interactive bool) (*app, error) {
	configPath, _ := cmd.Flags().GetString("config")
	verbose, _ := cmd.Flags().GetBool("verbose")

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logCfg := logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format}
	if interactive {
		logCfg = logging.Config{Level: "warn", Format: "console"}
	}
	if verbose {
		logCfg.Level = "debug"
	}
	logger, err := logging.NewLogger(logCfg)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.Store.Path, logger)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		metrics: metrics.New(),
		ledger:  tokens.NewLedger(),
	}
	a.resolver = store.NewResolver(st, cfg.Cache.TTL, logger)
	a.dispatcher = dispatch.New(dispatch.Options{
		RequestTimeout: cfg.Timeouts.Request,
		StreamIdle:     cfg.Timeouts.StreamIdle,
		Demo:           providers.NewDemoResponder(cfg.Demo.WordDelay),
		Metrics:        a.metrics,
		Ledger:         a.ledger,
		Logger:         logger,
	})

	builder := conversation.NewBuilder(cfg.Prompt.DefaultSystem, a.imageResolver())
	a.service = gateway.NewChatService(a.resolver, builder, a.dispatcher, logger)
	return a, nil
}

// imageResolver picks the blob store: a local directory wins over a base URL
func (a *app) imageResolver() conversation.ImageResolver {
	var blobs images.BlobStore
	switch {
	case a.cfg.Images.Dir != "":
		blobs = images.NewFileStore(a.cfg.Images.Dir)
	case a.cfg.Images.BaseURL != "":
		blobs = images.NewHTTPStore(a.cfg.Images.BaseURL, nil)
	default:
		return nil
	}
	return images.NewResolver(blobs, a.cfg.Images.Concurrency, a.logger)
}

// seedProviders stores config-file providers whose id is not yet known.
// Existing entries are left alone so CLI edits survive restarts.
func (a *app) seedProviders(ctx context.Context) error {
	for _, seed := range a.cfg.Providers {
		if _, err := a.store.Get(ctx, seed.ID); err == nil {
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		pc, err := seed.ProviderConfig()
		if err != nil {
			return fmt.Errorf("provider %q: %w", seed.ID, err)
		}
		if err := a.store.Save(ctx, &pc); err != nil {
			return fmt.Errorf("seed provider %q: %w", seed.ID, err)
		}
	}
	a.resolver.Invalidate()
	return nil
}

func (a *app) Close() {
	a.resolver.Close()
	if err := a.store.Close(); err != nil {
		a.logger.LogError(err, "[App] close store")
	}
	_ = a.logger.Sync()
}
