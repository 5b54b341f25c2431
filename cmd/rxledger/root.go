package main

import (
	"context"
	"encoding/json"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/umodzi/rxledger/internal/bootstrap"
	"github.com/umodzi/rxledger/internal/config"
	"github.com/umodzi/rxledger/internal/observability/logging"
)

// app carries what every subcommand needs. The ledger is opened lazily so that commands
// like topics do not require a store.
type app struct {
	v      *viper.Viper
	cfg    *config.Config
	logger *zap.Logger
	out    io.Writer
}

func newRootCmd() *cobra.Command {
	a := &app{v: config.New()}

	root := &cobra.Command{
		Use:           "rxledger",
		Short:         "Issue, dispense and inspect prescriptions in the ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if path, _ := cmd.Flags().GetString("config"); path != "" {
				a.v.SetConfigFile(path)
			}
			cfg, err := config.Load(a.v)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Log.Level, "rxledger")
			if err != nil {
				return err
			}
			a.cfg, a.logger, a.out = cfg, logger, cmd.OutOrStdout()
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "config file (default ./rxledger.yaml)")
	flags.String("backend", "", "store backend: memory, sqlite, postgres or redis")
	flags.String("sqlite-path", "", "sqlite database file")
	flags.String("postgres-url", "", "postgres connection string")
	flags.String("redis-url", "", "redis connection url")
	flags.String("events", "", "event mode: none, kafka or outbox")
	flags.StringSlice("brokers", nil, "kafka brokers")
	flags.String("log-level", "", "log level")
	for key, flag := range map[string]string{
		"store.backend":      "backend",
		"store.sqlite_path":  "sqlite-path",
		"store.postgres_url": "postgres-url",
		"store.redis_url":    "redis-url",
		"events.mode":        "events",
		"kafka.brokers":      "brokers",
		"log.level":          "log-level",
	} {
		_ = a.v.BindPFlag(key, flags.Lookup(flag))
	}

	root.AddCommand(
		a.issueCmd(),
		a.dispenseCmd(),
		a.getCmd(),
		a.historyCmd(),
		a.deleteCmd(),
		a.migrateCmd(),
		a.topicsCmd(),
	)
	return root
}

// withLedger opens the configured ledger for the duration of fn.
func (a *app) withLedger(ctx context.Context, fn func(*bootstrap.Ledger) error) error {
	l, err := bootstrap.Open(ctx, a.cfg, nil, a.logger)
	if err != nil {
		return err
	}
	defer l.Close()
	return fn(l)
}

func (a *app) print(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
