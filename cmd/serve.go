package cmd

import (
	"fmt"

	"github.com/neves/zen-gateway/internal/gateway"
	"github.com/neves/zen-gateway/internal/ratelimit"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway HTTP server",
		Long: `Start the HTTP gateway. Providers listed in the config file are added to
the store on first start; after that the store is the source of truth.`,
		RunE: runServe,
	}
	cmd.Flags().String("addr", "", "Listen address (overrides server.addr)")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd, false)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	if err := a.seedProviders(ctx); err != nil {
		return err
	}

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerSecond: a.cfg.RateLimit.RequestsPerSecond,
		Burst:             a.cfg.RateLimit.Burst,
	})
	defer limiter.Close()

	addr := a.cfg.Server.Addr
	if v, _ := cmd.Flags().GetString("addr"); v != "" {
		addr = v
	}

	srv := gateway.NewServer(gateway.ServerOptions{
		Service: a.service,
		Limiter: limiter,
		Metrics: a.metrics,
		Ledger:  a.ledger,
		Logger:  a.logger,
	})

	if cfg, ok, err := a.resolver.Resolve(ctx, ""); err != nil {
		return err
	} else if ok {
		a.logger.Info("[Serve] Default provider: %s (%s)", cfg.DisplayName(), cfg.Kind)
	} else {
		a.logger.Info("[Serve] No default provider configured, answering in demo mode")
	}

	gw := gateway.NewGateway(addr, srv, a.logger)
	if err := gw.Start(ctx); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}
	a.logger.Info("[Serve] %s", a.ledger.Summary())
	return nil
}
