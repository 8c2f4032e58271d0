package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vietddude/relay/internal/control"
	"github.com/vietddude/relay/internal/core/domain"
	"github.com/vietddude/relay/internal/infra/storage"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue depth per status and the reconciliation watermark",
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
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

	counts, err := store.Events.CountByStatus(ctx)
	if err != nil {
		slog.Error("Failed to count events", "error", err)
		os.Exit(1)
	}
	watermark, err := store.Events.HighestObservedBlock(ctx)
	if err != nil {
		slog.Error("Failed to read watermark", "error", err)
		os.Exit(1)
	}
	reconciled, _, _ := store.Meta.Get(ctx, storage.MetaLastReconciledBlock)
	instance, _, _ := store.Meta.Get(ctx, storage.MetaInstanceID)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "STATUS\tCOUNT")
	for _, status := range domain.AllStatuses {
		_, _ = fmt.Fprintf(w, "%s\t%d\n", status, counts[status])
	}
	_ = w.Flush()

	fmt.Printf("\nwatermark:        %d\n", watermark)
	fmt.Printf("last reconciled:  %s\n", orDash(reconciled))
	fmt.Printf("instance:         %s\n", orDash(instance))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
