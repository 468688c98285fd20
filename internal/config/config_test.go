package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"fedrelay/internal/config"
)

func TestFromYAMLKeepsDefaultsForUnsetFields(t *testing.T) {
	cfg, err := config.FromYAML([]byte("server:\n  listen: \":9000\"\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Server.Listen != ":9000" {
		t.Fatalf("listen = %q", cfg.Server.Listen)
	}
	if cfg.Runs.Quorum != config.QuorumAll || cfg.Runs.StopGrace != 2*time.Minute {
		t.Fatalf("defaults lost: quorum=%q stop_grace=%v", cfg.Runs.Quorum, cfg.Runs.StopGrace)
	}
	if cfg.Workers.Count != 8 || cfg.Mailbox.PollMaxBatch != 100 {
		t.Fatalf("defaults lost: workers=%d batch=%d", cfg.Workers.Count, cfg.Mailbox.PollMaxBatch)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"unknown quorum", "runs:\n  quorum: most\n"},
		{"n_of_m without n", "runs:\n  quorum: n_of_m\n"},
		{"negative stop grace", "runs:\n  stop_grace: -1m\n"},
		{"zero sweep interval", "liveness:\n  sweep_interval: 0s\n"},
		{"zero poll batch", "mailbox:\n  poll_max_batch: 0\n"},
		{"zero workers", "workers:\n  count: 0\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := config.FromYAML([]byte(tc.yaml)); err == nil {
				t.Fatalf("accepted invalid config:\n%s", tc.yaml)
			}
		})
	}
}

func TestQuorumNOfMParses(t *testing.T) {
	cfg, err := config.FromYAML([]byte("runs:\n  quorum: n_of_m\n  quorum_n: 3\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Runs.Quorum != config.QuorumN || cfg.Runs.QuorumN != 3 {
		t.Fatalf("quorum=%q n=%d", cfg.Runs.Quorum, cfg.Runs.QuorumN)
	}
}

func TestLoadOptionalFallsBackToDefaults(t *testing.T) {
	cfg, err := config.LoadOptional(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Listen != ":8320" {
		t.Fatalf("listen = %q", cfg.Server.Listen)
	}
}

func TestGeneratedDefaultParsesAndValidates(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "fedrelay.yml"), []byte(config.GenerateDefault()), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Runs.StopGrace != 2*time.Minute || cfg.Workers.MaxAttempts != 5 {
		t.Fatalf("generated defaults mismatch: %+v", cfg.Runs)
	}
}
