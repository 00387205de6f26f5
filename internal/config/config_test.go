package config

import (
	"os"
	"path/filepath"
	"testing"

	"prism/internal/errors"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.DQN.StateSize != 23 {
		t.Errorf("dqn.state_size = %d, want 23", cfg.DQN.StateSize)
	}
	if cfg.DQN.ActionSize != 12 {
		t.Errorf("dqn.action_size = %d, want 12", cfg.DQN.ActionSize)
	}
	if got := cfg.DQN.HiddenLayers; len(got) != 2 || got[0] != 64 || got[1] != 32 {
		t.Errorf("dqn.hidden_layers = %v, want [64 32]", got)
	}
	if cfg.Quantum.MaxWorkers <= 0 {
		t.Errorf("quantum.max_workers not normalized: %d", cfg.Quantum.MaxWorkers)
	}
	if cfg.Providers.Mode != "mock" {
		t.Errorf("providers.mode = %q, want mock", cfg.Providers.Mode)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prism.yaml")
	body := `
cache:
  max_entries: 50
  result_ttl_s: 10
dqn:
  seed: 7
quantum:
  default_collapse: first_success
server:
  port: 9999
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Cache.MaxEntries != 50 {
		t.Errorf("cache.max_entries = %d, want 50", cfg.Cache.MaxEntries)
	}
	if cfg.Cache.DecisionTTLS != 300 {
		t.Errorf("cache.decision_ttl_s default lost: %d", cfg.Cache.DecisionTTLS)
	}
	if cfg.DQN.Seed != 7 {
		t.Errorf("dqn.seed = %d, want 7", cfg.DQN.Seed)
	}
	if cfg.Quantum.DefaultCollapse != "first_success" {
		t.Errorf("quantum.default_collapse = %q", cfg.Quantum.DefaultCollapse)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("server.port = %d, want 9999", cfg.Server.Port)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []string{
		"cache:\n  max_entries: 0\n",
		"dqn:\n  gamma: 1.5\n",
		"dqn:\n  backend: pytorch\n",
		"quantum:\n  default_collapse: coin_flip\n",
		"reward:\n  w_quality: 0.9\n  w_speed: 0.9\n  w_cost: 0.9\n",
		"providers:\n  mode: carrier_pigeon\n",
	}
	for i, body := range cases {
		path := filepath.Join(t.TempDir(), "prism.yaml")
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
		_, err := Load(path)
		if err == nil {
			t.Errorf("case %d: Load accepted invalid config %q", i, body)
			continue
		}
		if !errors.IsKind(err, errors.KindValidation) {
			t.Errorf("case %d: error kind = %v, want validation", i, errors.KindOf(err))
		}
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("PRISM_SERVER_PORT", "7070")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Fatalf("server.port = %d, want env override 7070", cfg.Server.Port)
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()
	if cfg.Cache.ResultTTL().Seconds() != float64(cfg.Cache.ResultTTLS) {
		t.Error("ResultTTL mismatch")
	}
	if cfg.Quantum.BranchTimeout().Milliseconds() != int64(cfg.Quantum.BranchTimeoutMS) {
		t.Error("BranchTimeout mismatch")
	}
	if cfg.Context.SessionTimeout().Seconds() != float64(cfg.Context.SessionTimeoutS) {
		t.Error("SessionTimeout mismatch")
	}
}
