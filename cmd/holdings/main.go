// cmd/holdings/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"holdingsitems/internal/config"
	"holdingsitems/internal/logger"
	"holdingsitems/internal/store"
	"holdingsitems/internal/store/memory"
	"holdingsitems/internal/store/sqlstore"
)

var (
	configPath string
	v          *viper.Viper
	cfg        config.Config
	log        *logger.Logger
)

var rootCmd = &cobra.Command{
	Use:           "holdings",
	Short:         "Holdings items reconciliation service",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(v, configPath)
		if err != nil {
			return err
		}
		log, err = logger.New(cfg.Log.Mode)
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log != nil {
			log.Sync()
		}
	},
}

func init() {
	v = config.New()
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "path to a YAML config file")
	flags.String("database-driver", "", "memory, postgres or sqlite")
	flags.String("database-url", "", "database connection string")
	flags.String("log-mode", "", "development or production")
	_ = v.BindPFlag("database.driver", flags.Lookup("database-driver"))
	_ = v.BindPFlag("database.url", flags.Lookup("database-url"))
	_ = v.BindPFlag("log.mode", flags.Lookup("log-mode"))

	rootCmd.AddCommand(serveCmd, migrateCmd, purgeCmd, relayCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// openStore opens the configured backend. SQL schemas are applied on open
// when migrate is set.
func openStore(ctx context.Context, migrate bool) (store.Store, error) {
	if cfg.Database.Driver == "memory" {
		log.Warn("using in-memory store; data is lost on exit")
		return memory.New(), nil
	}
	s, err := sqlstore.Open(ctx, sqlstore.Options{
		Driver:         cfg.Database.Driver,
		URL:            cfg.Database.URL,
		ConnectTimeout: cfg.Database.ConnectTimeout,
		Logger:         log,
	})
	if err != nil {
		return nil, err
	}
	if migrate {
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}
