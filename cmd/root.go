package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/recovery-directory/internal/config"
	"github.com/sells-group/recovery-directory/internal/lineage"
	"github.com/sells-group/recovery-directory/internal/store"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "recovery-directory",
	Short: "Entity resolution and lineage for the recovery services directory",
	Long:  "Ingests adapter output from many directory sources, resolves records into canonical organizations, keeps an append-only lineage of every snapshot, and publishes the merged directory.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := c.Validate(); err != nil {
			return err
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

// openStore opens and migrates the configured backend.
func openStore(ctx context.Context, sc config.StoreConfig) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch sc.Driver {
	case "memory":
		st = store.NewMemory()
	case "sqlite":
		dsn := sc.DatabaseURL
		if dsn == "" {
			dsn = "recovery.db"
		}
		st, err = store.NewSQLite(dsn)
	case "postgres":
		st, err = store.NewPostgres(ctx, sc.DatabaseURL, &sc.Pool)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", sc.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}
	return st, nil
}

// openLog opens the configured store and wraps it in a lineage log. The
// returned func closes the store.
func openLog(ctx context.Context) (*lineage.Log, func(), error) {
	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, nil, err
	}
	return lineage.New(st), func() { _ = st.Close() }, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
