package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/roundtable/internal/config"
	"github.com/zulandar/roundtable/internal/db"
	"github.com/zulandar/roundtable/internal/logging"
	"github.com/zulandar/roundtable/internal/sweeper"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Archive database commands",
	}

	cmd.AddCommand(newDBMigrateCmd())
	return cmd
}

func newDBMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the archive schema",
		Long:  "Creates the archive database (MySQL only) and migrates the sessions and session_insights tables.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBMigrate(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultPath, "path to Roundtable config file")
	return cmd
}

func runDBMigrate(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := loadPersistentConfig(configPath)
	if err != nil {
		return err
	}
	dc := cfg.Database

	if dc.Driver == db.DriverMySQL && dc.DSN == "" {
		adminDB, err := db.ConnectAdmin(dc.User, dc.Host, dc.Port)
		if err != nil {
			return fmt.Errorf("connect to MySQL at %s:%d: %w", dc.Host, dc.Port, err)
		}
		err = db.CreateDatabase(adminDB, dc.Name)
		db.Close(adminDB)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Database %s ready\n", dc.Name)
	}

	dc.AutoMigrate = ptrTrue()
	archive, err := openArchive(cmd.Context(), dc)
	if err != nil {
		return err
	}
	defer archive.Close()

	fmt.Fprintf(out, "Migrated %s archive\n", dc.Driver)
	return nil
}

func newPruneCmd() *cobra.Command {
	var (
		configPath string
		olderThan  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete archived sessions past retention",
		Long:  "Deletes archived sessions that completed before now minus --older-than (default retention.max_age).",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPrune(cmd, configPath, olderThan)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultPath, "path to Roundtable config file")
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "retention window (overrides retention.max_age)")
	return cmd
}

func runPrune(cmd *cobra.Command, configPath string, olderThan time.Duration) error {
	cfg, err := loadPersistentConfig(configPath)
	if err != nil {
		return err
	}
	if olderThan <= 0 {
		olderThan = cfg.Retention.MaxAge
	}

	ctx := cmd.Context()
	archive, err := openArchive(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer archive.Close()

	log, err := logging.New(cmd.ErrOrStderr(), cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	sw, err := sweeper.New(sweeper.Opts{
		Archive:  archive,
		Schedule: cfg.Retention.Schedule,
		MaxAge:   olderThan,
		Logger:   log,
	})
	if err != nil {
		return err
	}
	n, err := sw.RunOnce(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d sessions older than %s\n", n, olderThan)
	return nil
}

// loadPersistentConfig loads configPath and requires a database section.
func loadPersistentConfig(configPath string) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if !cfg.PersistenceEnabled() {
		return nil, fmt.Errorf("no database configured in %s", configPath)
	}
	return cfg, nil
}

func ptrTrue() *bool {
	t := true
	return &t
}
