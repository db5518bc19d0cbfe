package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/sony/gobreaker"
	"github.com/zulandar/roundtable/internal/collab"
	"github.com/zulandar/roundtable/internal/config"
	"github.com/zulandar/roundtable/internal/db"
	"github.com/zulandar/roundtable/internal/events"
	"github.com/zulandar/roundtable/internal/logging"
	"github.com/zulandar/roundtable/internal/metrics"
	"github.com/zulandar/roundtable/internal/notify"
	"github.com/zulandar/roundtable/internal/persist"
	"github.com/zulandar/roundtable/internal/provider"
	"github.com/zulandar/roundtable/internal/session"
)

// app holds the collaborators built from a config file.
type app struct {
	cfg     *config.Config
	log     *slog.Logger
	metrics *metrics.Metrics
	archive persist.Archive
	orch    *collab.Orchestrator
}

// buildApp loads configPath and wires the orchestrator with every
// configured collaborator. Logs go to logOut.
func buildApp(ctx context.Context, configPath string, logOut io.Writer) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log, err := logging.New(logOut, cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, err
	}

	p, err := buildProvider(cfg.Provider, log)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, log: log}
	if *cfg.Server.Metrics {
		a.metrics = metrics.New()
	}

	if cfg.PersistenceEnabled() {
		a.archive, err = openArchive(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
	}

	notifier, err := notify.Build(cfg.Notifications.SlackWebhookURL, cfg.Notifications.DiscordWebhookURL)
	if err != nil {
		a.close()
		return nil, err
	}

	opts := collab.Opts{
		Provider:              p,
		Store:                 session.NewMemoryStore(cfg.Collaboration.StoreCapacity, cfg.Collaboration.SessionTTL),
		Metrics:               a.metrics,
		Logger:                log,
		MaxConcurrentSessions: cfg.Collaboration.MaxConcurrentSessions,
		Limits: session.Limits{
			MinQueryLength: cfg.Collaboration.MinQueryLength,
			MaxQueryLength: cfg.Collaboration.MaxQueryLength,
		},
		RoleTimeout:     cfg.Collaboration.RoleTimeout,
		MaxRetries:      retriesOpt(*cfg.Collaboration.MaxRetries),
		RetryBackoff:    cfg.Collaboration.RetryBackoff,
		MaxRetryBackoff: cfg.Collaboration.MaxRetryBackoff,
	}
	if a.archive != nil {
		opts.Archive = a.archive
	}
	if notifier != nil {
		opts.Notifier = notifier
	}
	if *cfg.Collaboration.Realtime {
		opts.Hub = events.NewHub()
	}

	a.orch, err = collab.New(opts)
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

// retriesOpt maps an explicit zero from config onto the orchestrator's
// "no retries" value.
func retriesOpt(n int) int {
	if n == 0 {
		return -1
	}
	return n
}

func buildProvider(pc config.ProviderConfig, log *slog.Logger) (provider.Provider, error) {
	p, err := provider.New(provider.Config{
		Name:      pc.Name,
		APIKey:    pc.APIKey,
		Model:     pc.Model,
		BaseURL:   pc.BaseURL,
		MaxTokens: pc.MaxTokens,
	})
	if err != nil {
		return nil, err
	}
	if pc.Name == "heuristic" {
		return p, nil
	}
	return provider.NewGuard(p, provider.GuardOpts{
		RatePerSecond:    pc.RatePerSecond,
		Burst:            pc.Burst,
		FailureThreshold: pc.FailureThreshold,
		OpenTimeout:      pc.OpenTimeout,
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("provider circuit changed state", "provider", name, "from", from.String(), "to", to.String())
		},
	}), nil
}

// archiveDSN returns the configured DSN, building a MySQL one from its
// parts when none is given.
func archiveDSN(dc config.DatabaseConfig) string {
	if dc.DSN != "" || dc.Driver != db.DriverMySQL {
		return dc.DSN
	}
	return db.DSN(dc.User, dc.Host, dc.Port, dc.Name)
}

func openArchive(ctx context.Context, dc config.DatabaseConfig) (persist.Archive, error) {
	archive, err := persist.Open(ctx, persist.Opts{
		Driver:      dc.Driver,
		DSN:         archiveDSN(dc),
		AutoMigrate: *dc.AutoMigrate,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s archive: %w", dc.Driver, err)
	}
	return archive, nil
}

func (a *app) close() {
	if a.archive != nil {
		if err := a.archive.Close(); err != nil {
			a.log.Warn("close archive", "error", err)
		}
	}
}
