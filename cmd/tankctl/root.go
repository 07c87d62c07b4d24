package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/pv/tankwatch-go/internal/storage"
	"github.com/pv/tankwatch-go/internal/storage/backend"
	"github.com/pv/tankwatch-go/pkg/config"
)

// cli: общие параметры подкоманд.
type cli struct {
	configPath   string
	envFile      string
	dsn          string
	table        string
	channel      string
	pollInterval time.Duration
	timeout      time.Duration

	// open подменяется в тестах.
	open func(ctx context.Context) (storage.Store, error)
}

func newRootCommand(c *cli) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "tankctl",
		Short:         "tankctl inspects and feeds the water tank telemetry table",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&c.configPath, "config", "", "path to YAML config (database section is used)")
	flags.StringVar(&c.envFile, "env-file", ".env", "dotenv file (skipped if missing)")
	flags.StringVar(&c.dsn, "db", "", "database DSN, overrides config and "+config.EnvDB)
	flags.StringVar(&c.table, "table", "", "telemetry table")
	flags.StringVar(&c.channel, "channel", "", "postgres NOTIFY channel")
	flags.DurationVar(&c.pollInterval, "poll-interval", 0, "poll interval for backends without push")
	flags.DurationVar(&c.timeout, "timeout", 10*time.Second, "timeout of one query")

	rootCmd.AddCommand(
		newLatestCommand(c),
		newRecentCommand(c),
		newProbeCommand(c),
		newWatchCommand(c),
		newSeedCommand(c),
		newSchemaCommand(c),
		newVersionCommand(),
	)
	return rootCmd
}

func (c *cli) database() (config.DatabaseConfig, error) {
	if err := config.LoadDotEnv(c.envFile); err != nil {
		return config.DatabaseConfig{}, err
	}
	var cfg *config.Config
	if c.configPath != "" {
		loaded, err := config.Load(c.configPath)
		if err != nil {
			return config.DatabaseConfig{}, err
		}
		cfg = loaded
	} else {
		cfg = config.Default()
		if err := cfg.ApplyEnv(os.Getenv); err != nil {
			return config.DatabaseConfig{}, err
		}
	}
	db := cfg.Database
	if c.dsn != "" {
		db.DSN = c.dsn
	}
	if c.table != "" {
		db.Table = c.table
	}
	if c.channel != "" {
		db.Channel = c.channel
	}
	if c.pollInterval > 0 {
		db.PollInterval = c.pollInterval
	}
	if db.DSN == "" {
		return db, fmt.Errorf("tankctl: database DSN is required (--db or %s)", config.EnvDB)
	}
	return db, nil
}

func (c *cli) openStore(ctx context.Context) (storage.Store, error) {
	if c.open != nil {
		return c.open(ctx)
	}
	db, err := c.database()
	if err != nil {
		return nil, err
	}
	return backend.Open(ctx, db.DSN, backend.Options{
		Table:        db.Table,
		Channel:      db.Channel,
		PollInterval: db.PollInterval,
		CreateSchema: db.CreateSchema,
		MaxConns:     db.MaxConns,
		SQLiteWAL:    db.SQLiteWAL,
	})
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Prints the tool version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "Version: %s\n", binVersion)
			return nil
		},
	}
}
