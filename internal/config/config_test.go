package config

import (
	"strings"
	"testing"
	"time"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("API_AUTH_TOKEN", "secret")
	t.Setenv("REDEEMER_KIND", "dummy")
	t.Setenv("REDEEMER_SIGNING_KEY", "4646464646464646464646464646464646464646464646464646464646464646")
	t.Setenv("STORAGE_ENABLED", "false")
	t.Setenv("STORAGE_SERVER_ADDR", "")
	t.Setenv("REPLICATION_REPOSITORY", "")
}

func TestLoad_Defaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 3456 {
		t.Errorf("port: got %d, want 3456", cfg.Server.Port)
	}
	if cfg.Pricing.PassValue != 1024*1024 {
		t.Errorf("pass value: got %d", cfg.Pricing.PassValue)
	}
	if cfg.Shares.Needed != 3 || cfg.Shares.Total != 10 {
		t.Errorf("shares: got %d-of-%d", cfg.Shares.Needed, cfg.Shares.Total)
	}
	if got := cfg.Lease.MinTimeRemaining(); got != 10*24*time.Hour {
		t.Errorf("min time remaining: got %v", got)
	}
	if got := cfg.Redemption.RetryInterval(); got != 3*time.Minute {
		t.Errorf("retry interval: got %v", got)
	}
	if cfg.Redemption.DefaultTokenCount != 50000 {
		t.Errorf("default token count: got %d", cfg.Redemption.DefaultTokenCount)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("PORT", "8080")
	t.Setenv("PASS_VALUE", "2048")
	t.Setenv("SHARES_NEEDED", "2")
	t.Setenv("SHARES_TOTAL", "5")
	t.Setenv("REDEMPTION_MAX_ATTEMPTS", "4")
	t.Setenv("REPLICATION_REPOSITORY", "registry.example/ledger:latest")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("port: got %d", cfg.Server.Port)
	}
	if cfg.Pricing.PassValue != 2048 {
		t.Errorf("pass value: got %d", cfg.Pricing.PassValue)
	}
	if cfg.Shares.Needed != 2 || cfg.Shares.Total != 5 {
		t.Errorf("shares: got %d-of-%d", cfg.Shares.Needed, cfg.Shares.Total)
	}
	if cfg.Redemption.MaxAttempts != 4 {
		t.Errorf("max attempts: got %d", cfg.Redemption.MaxAttempts)
	}
	if cfg.Replication.Repository != "registry.example/ledger:latest" {
		t.Errorf("repository: got %q", cfg.Replication.Repository)
	}
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"missing token", map[string]string{"API_AUTH_TOKEN": ""}, "API_AUTH_TOKEN"},
		{"unknown redeemer", map[string]string{"REDEEMER_KIND": "magic"}, "unknown REDEEMER_KIND"},
		{"issuer without url", map[string]string{"REDEEMER_KIND": "issuer", "REDEEMER_URL": ""}, "REDEEMER_URL"},
		{"dummy without key", map[string]string{"REDEEMER_SIGNING_KEY": ""}, "REDEEMER_SIGNING_KEY"},
		{"bad encoding", map[string]string{"SHARES_NEEDED": "4", "SHARES_TOTAL": "3"}, "share encoding"},
		{"bad pass value", map[string]string{"PASS_VALUE": "0"}, "PASS_VALUE"},
		{"storage without signers", map[string]string{"STORAGE_ENABLED": "true", "ALLOWED_SIGNERS": ""}, "ALLOWED_SIGNERS"},
		{"client without lease secret", map[string]string{"STORAGE_SERVER_ADDR": "localhost:9090", "LEASE_SECRET": ""}, "LEASE_SECRET"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setBaseEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("got %v, want error mentioning %q", err, tt.want)
			}
		})
	}
}

func TestSignerList(t *testing.T) {
	c := IssuerConfig{AllowedSigners: " 0xaa, ,0xbb,"}
	got := c.SignerList()
	if len(got) != 2 || got[0] != "0xaa" || got[1] != "0xbb" {
		t.Fatalf("got %v", got)
	}
	if got := (IssuerConfig{}).SignerList(); len(got) != 0 {
		t.Fatalf("empty: got %v", got)
	}
}
