package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/gradeflow/constants"
	"github.com/joseph-ayodele/gradeflow/internal/server"
)

func connectBackend(ctx context.Context) (*server.Backend, error) {
	if err := cfg.Database.Validate(); err != nil {
		return nil, err
	}
	return server.ConnectBackend(ctx, cfg.Database, logger)
}

var statusVerbose bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print fingerprint store entries by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		b, err := connectBackend(ctx)
		if err != nil {
			return err
		}
		defer b.Close()

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		statuses := []constants.EntryStatus{constants.EntryStatusQueued, constants.EntryStatusReady, constants.EntryStatusFailed}
		counts := make([]any, 0, len(statuses))
		for _, st := range statuses {
			entries, err := b.Store.ListByStatus(ctx, st)
			if err != nil {
				return fmt.Errorf("list %s: %w", st, err)
			}
			counts = append(counts, len(entries))
			if statusVerbose {
				for _, e := range entries {
					fmt.Fprintf(w, "%s\t%s\t%s\n", e.Fingerprint, e.Status, e.UpdatedAt.Format(time.RFC3339))
				}
			}
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Printf("queued=%d ready=%d failed=%d\n", counts...)
		return nil
	},
}

var creditCmd = &cobra.Command{
	Use:   "credit ACCOUNT AMOUNT",
	Short: "Credit an account and print its balance",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var amount int64
		if _, err := fmt.Sscan(args[1], &amount); err != nil || amount <= 0 {
			return fmt.Errorf("amount must be a positive integer, got %q", args[1])
		}
		ctx := cmd.Context()
		b, err := connectBackend(ctx)
		if err != nil {
			return err
		}
		defer b.Close()
		if b.Driver == "redis" || b.Driver == "memory" {
			logger.Warn("ledger is process-local with this driver; the credit is lost on exit", "driver", b.Driver)
		}

		if err := b.Ledger.Credit(ctx, args[0], amount); err != nil {
			return err
		}
		balance, err := b.Ledger.Balance(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s balance=%d\n", args[0], balance)
		return nil
	},
}

var pingTimeout time.Duration

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that the configured backend is reachable",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		b, err := connectBackend(ctx)
		if err != nil {
			return err
		}
		defer b.Close()
		if err := b.Ping(ctx, pingTimeout); err != nil {
			return fmt.Errorf("backend health: FAIL (%w)", err)
		}
		fmt.Printf("backend health: OK (driver=%s)\n", b.Driver)
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVarP(&statusVerbose, "verbose", "v", false, "list every entry")
	pingCmd.Flags().DurationVar(&pingTimeout, "timeout", time.Second, "ping timeout")
	rootCmd.AddCommand(statusCmd, creditCmd, pingCmd)
}
