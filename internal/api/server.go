// Package api serves the collaboration HTTP interface.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/roundtable/internal/collab"
	"github.com/zulandar/roundtable/internal/logging"
	"github.com/zulandar/roundtable/internal/metrics"
)

// Server defaults.
const (
	DefaultAddr            = ":8080"
	DefaultShutdownTimeout = 15 * time.Second
	defaultMaxBodyBytes    = 1 << 20
)

// StartOpts holds configuration for the API server.
type StartOpts struct {
	Orchestrator *collab.Orchestrator
	Metrics      *metrics.Metrics // optional; enables /metrics
	Logger       *slog.Logger
	Addr         string
	Out          io.Writer

	// AllowedOrigins restricts websocket upgrades; empty allows any origin.
	AllowedOrigins  []string
	MaxBodyBytes    int64
	ShutdownTimeout time.Duration
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(opts StartOpts) (*gin.Engine, error) {
	if opts.Orchestrator == nil {
		return nil, fmt.Errorf("api: orchestrator is required")
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	log := logging.Or(opts.Logger).With("component", "api")

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(log))

	h := &handlers{
		orch:           opts.Orchestrator,
		log:            log,
		maxBodyBytes:   opts.MaxBodyBytes,
		allowedOrigins: opts.AllowedOrigins,
	}
	registerRoutes(router, h, opts.Metrics)
	return router, nil
}

// Start launches the API server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	gin.SetMode(gin.ReleaseMode)
	router, err := NewRouter(opts)
	if err != nil {
		return err
	}
	if opts.Addr == "" {
		opts.Addr = DefaultAddr
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}

	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return fmt.Errorf("api: listen %s: %w", opts.Addr, err)
	}
	srv := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown on context cancellation.
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.ShutdownTimeout)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Roundtable API listening on http://%s\n", ln.Addr())
	}
	logging.Or(opts.Logger).Info("api listening", "addr", ln.Addr().String())

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}
