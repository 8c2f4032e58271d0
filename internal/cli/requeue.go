package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vietddude/relay/internal/control"
	"github.com/vietddude/relay/internal/infra/storage"
)

var requeueAll bool

var requeueCmd = &cobra.Command{
	Use:   "requeue [fingerprint]",
	Short: "Give dead-lettered or budget-exhausted events a fresh retry budget",
	Args: func(cmd *cobra.Command, args []string) error {
		if requeueAll && len(args) > 0 {
			return fmt.Errorf("pass a fingerprint or --all, not both")
		}
		if !requeueAll && len(args) != 1 {
			return fmt.Errorf("requires a fingerprint or --all")
		}
		return nil
	},
	Run: runRequeue,
}

func init() {
	requeueCmd.Flags().BoolVar(&requeueAll, "all", false, "requeue every failed event")
	rootCmd.AddCommand(requeueCmd)
}

func runRequeue(cmd *cobra.Command, args []string) {
	cfg := loadConfig(cmd)

	ctx := context.Background()
	store, err := control.OpenStore(ctx, cfg.Database, storage.Options{
		MaxRetries:   cfg.Relay.MaxRetries,
		GenesisBlock: cfg.Chain.GenesisBlock,
	})
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = store.Close()
	}()

	fingerprint := ""
	if len(args) == 1 {
		fingerprint = args[0]
	}

	n, err := store.Events.Requeue(ctx, fingerprint)
	if err != nil {
		slog.Error("Failed to requeue", "error", err)
		os.Exit(1)
	}
	if n == 0 && fingerprint != "" {
		fmt.Printf("No failed event with fingerprint %s\n", fingerprint)
		os.Exit(1)
	}

	fmt.Printf("Requeued %d event(s)\n", n)
}
