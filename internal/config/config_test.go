package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	t.Parallel()
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero queue depth", func(c *Config) { c.Bus.QueueDepth = 0 }},
		{"position fraction over 1", func(c *Config) { c.Risk.MaxPositionFraction = 1.5 }},
		{"zero daily loss", func(c *Config) { c.Risk.MaxDailyLossFraction = 0 }},
		{"unknown policy", func(c *Config) { c.Brokers.SelectionPolicy = "cheapest" }},
		{"zero failover attempts", func(c *Config) { c.Brokers.MaxFailoverAttempts = 0 }},
		{"zero drain timeout", func(c *Config) { c.Supervisor.DrainTimeout = 0 }},
	}
	for _, tc := range cases {
		cfg := Default()
		tc.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()

	yaml := `
bus:
  queue_depth: 256
  backpressure_timeout: 2s
risk:
  max_position_fraction: 0.05
  initial_cash: 50000
brokers:
  selection_policy: round_robin
orders:
  max_orders_per_minute: 10
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Bus.QueueDepth != 256 {
		t.Errorf("QueueDepth = %d, want 256", cfg.Bus.QueueDepth)
	}
	if cfg.Bus.BackpressureTimeout != 2*time.Second {
		t.Errorf("BackpressureTimeout = %v, want 2s", cfg.Bus.BackpressureTimeout)
	}
	if cfg.Brokers.SelectionPolicy != "round_robin" {
		t.Errorf("SelectionPolicy = %q", cfg.Brokers.SelectionPolicy)
	}
	// Unset fields keep defaults
	if cfg.Orders.MaxDailyOrders != 500 {
		t.Errorf("MaxDailyOrders = %d, want default 500", cfg.Orders.MaxDailyOrders)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config should validate: %v", err)
	}
}

func TestRiskLimitsConversion(t *testing.T) {
	t.Parallel()

	rc := RiskConfig{
		MaxPositionFraction: 0.1,
		PerSymbolCaps:       map[string]float64{"AAPL": 25000},
	}
	limits := rc.Limits()
	if limits.MaxPositionFraction.String() != "0.1" {
		t.Errorf("MaxPositionFraction = %s", limits.MaxPositionFraction)
	}
	cap, ok := limits.PerSymbolCaps["AAPL"]
	if !ok || cap.String() != "25000" {
		t.Errorf("PerSymbolCaps[AAPL] = %s, ok=%v", cap, ok)
	}
}
