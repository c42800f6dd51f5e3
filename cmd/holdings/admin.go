package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"holdingsitems/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the embedded schema to the configured database",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Database.Driver == "memory" {
			return fmt.Errorf("nothing to migrate for the memory driver")
		}
		st, err := openStore(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer st.Close()
		log.Info("schema applied", "driver", cfg.Database.Driver)
		return nil
	},
}

var purgeCmd = &cobra.Command{
	Use:   "purge <agency> <record>",
	Short: "Delete a record with all of its issues and items",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		agencyID, err := strconv.Atoi(args[0])
		if err != nil || agencyID <= 0 {
			return fmt.Errorf("invalid agency id %q", args[0])
		}
		st, err := openStore(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer st.Close()

		existed, err := st.Purge(cmd.Context(), agencyID, args[1])
		if err != nil {
			return err
		}
		if !existed {
			log.Warn("record not found", "agency_id", agencyID, "record_id", args[1])
			return nil
		}
		log.Info("record purged", "agency_id", agencyID, "record_id", args[1])
		return nil
	},
}

var relayOnce bool

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Drain the outbox into Redis without serving HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer st.Close()
		if relayOnce {
			return drainOnce(cmd.Context(), st)
		}
		return runRelay(cmd.Context(), st)
	},
}

func init() {
	relayCmd.Flags().BoolVar(&relayOnce, "once", false, "deliver pending jobs and exit")
}

// drainOnce delivers batches until the outbox is empty or a delivery fails.
func drainOnce(ctx context.Context, st store.Store) error {
	relay, closeFn, err := newRelay(ctx, st)
	if err != nil {
		return err
	}
	defer closeFn()

	total := 0
	for {
		n, err := relay.Drain(ctx)
		total += n
		if err != nil {
			return fmt.Errorf("after %d jobs: %w", total, err)
		}
		if n == 0 {
			log.Info("outbox drained", "delivered", total)
			return nil
		}
	}
}
