package cli

import (
	"testing"
	"time"

	"github.com/vietddude/relay/internal/core/config"
)

func TestApplyOverrides(t *testing.T) {
	cfg := &config.AppConfig{}
	cfg.ApplyDefaults()

	if err := rootCmd.Flags().Parse([]string{"--batch-size", "7", "--retention", "48h"}); err != nil {
		t.Fatal(err)
	}
	applyOverrides(rootCmd, cfg)

	if cfg.Relay.BatchSize != 7 {
		t.Errorf("expected batch size 7, got %d", cfg.Relay.BatchSize)
	}
	if cfg.Relay.Retention != 48*time.Hour {
		t.Errorf("expected retention 48h, got %s", cfg.Relay.Retention)
	}
	if cfg.Relay.MaxRetries != 10 || cfg.Relay.TickInterval != 5*time.Second {
		t.Errorf("unset flags must keep config values, got %+v", cfg.Relay)
	}
}
