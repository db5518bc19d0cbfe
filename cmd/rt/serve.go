package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/roundtable/internal/api"
	"github.com/zulandar/roundtable/internal/config"
	"github.com/zulandar/roundtable/internal/sweeper"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		addr       string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the collaboration API server",
		Long:  "Serves the /collaboration HTTP API, the realtime stream and Prometheus metrics. Runs the archive sweeper when retention is enabled.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, addr)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultPath, "path to Roundtable config file")
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func runServe(cmd *cobra.Command, configPath, addr string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := buildApp(ctx, configPath, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.close()

	if addr == "" {
		addr = a.cfg.Server.Addr
	}

	if _, err := a.orch.FailInterrupted(ctx); err != nil {
		a.log.Warn("fail interrupted sessions", "error", err)
	}

	if a.cfg.Retention.Enabled && a.archive != nil {
		sw, err := sweeper.New(sweeper.Opts{
			Archive:  a.archive,
			Schedule: a.cfg.Retention.Schedule,
			MaxAge:   a.cfg.Retention.MaxAge,
			Logger:   a.log,
		})
		if err != nil {
			return err
		}
		sw.Start(ctx)
		defer sw.Stop()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			fmt.Fprintf(cmd.OutOrStdout(), "\nReceived %s, shutting down...\n", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	serveErr := api.Start(ctx, api.StartOpts{
		Orchestrator:    a.orch,
		Metrics:         a.metrics,
		Logger:          a.log,
		Addr:            addr,
		Out:             cmd.OutOrStdout(),
		AllowedOrigins:  a.cfg.Server.AllowedOrigins,
		ShutdownTimeout: a.cfg.Server.ShutdownTimeout,
	})

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := a.orch.Shutdown(shutdownCtx); err != nil {
		a.log.Warn("orchestrator shutdown", "error", err)
	}
	return serveErr
}
