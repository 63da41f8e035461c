package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig
	API         APIConfig
	Ledger      LedgerConfig
	Redis       RedisConfig
	Redeemer    RedeemerConfig
	Issuer      IssuerConfig
	Pricing     PricingConfig
	Shares      SharesConfig
	Lease       LeaseConfig
	Redemption  RedemptionConfig
	Replication ReplicationConfig
	Storage     StorageConfig
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type APIConfig struct {
	Token string `mapstructure:"token"`
}

type LedgerConfig struct {
	Path string `mapstructure:"path"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type RedeemerConfig struct {
	Kind         string `mapstructure:"kind"`
	URL          string `mapstructure:"url"`
	SigningKey   string `mapstructure:"signing_key"`
	ErrorDetails string `mapstructure:"error_details"`
}

type IssuerConfig struct {
	// AllowedSigners is a comma separated list of issuer addresses whose
	// passes are accepted.
	AllowedSigners string `mapstructure:"allowed_signers"`
}

type PricingConfig struct {
	PassValue int64 `mapstructure:"pass_value"`
}

type SharesConfig struct {
	Needed int `mapstructure:"needed"`
	Total  int `mapstructure:"total"`
}

type LeaseConfig struct {
	MinTimeRemainingSec    int64  `mapstructure:"min_time_remaining_sec"`
	MaintenanceIntervalSec int64  `mapstructure:"maintenance_interval_sec"`
	Secret                 string `mapstructure:"secret"`
}

type RedemptionConfig struct {
	DefaultTokenCount int   `mapstructure:"default_token_count"`
	RetryIntervalSec  int64 `mapstructure:"retry_interval_sec"`
	MaxAttempts       int   `mapstructure:"max_attempts"`
	TimeoutSec        int64 `mapstructure:"timeout_sec"`
}

type ReplicationConfig struct {
	// Repository is the OCI tag replicas are pushed to. Empty disables
	// replication.
	Repository        string `mapstructure:"repository"`
	UploadIntervalSec int64  `mapstructure:"upload_interval_sec"`
}

type StorageConfig struct {
	// Enabled serves the pass-authorized storage gRPC service on Listen.
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	// ServerAddr is the storage service the local client spends passes
	// against. Empty uses the in-process gateway when Enabled.
	ServerAddr string `mapstructure:"server_addr"`
	Capacity   int64  `mapstructure:"capacity"`
}

func (c LeaseConfig) MinTimeRemaining() time.Duration {
	return time.Duration(c.MinTimeRemainingSec) * time.Second
}

func (c LeaseConfig) MaintenanceInterval() time.Duration {
	return time.Duration(c.MaintenanceIntervalSec) * time.Second
}

func (c RedemptionConfig) RetryInterval() time.Duration {
	return time.Duration(c.RetryIntervalSec) * time.Second
}

func (c RedemptionConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

func (c ReplicationConfig) UploadInterval() time.Duration {
	return time.Duration(c.UploadIntervalSec) * time.Second
}

// SignerList splits AllowedSigners.
func (c IssuerConfig) SignerList() []string {
	var out []string
	for _, s := range strings.Split(c.AllowedSigners, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 3456)
	v.SetDefault("ledger.path", "privatestorage.db")
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("redeemer.kind", "issuer")
	v.SetDefault("pricing.pass_value", 1024*1024)
	v.SetDefault("shares.needed", 3)
	v.SetDefault("shares.total", 10)
	v.SetDefault("lease.min_time_remaining_sec", 10*24*3600)
	v.SetDefault("lease.maintenance_interval_sec", 24*3600)
	v.SetDefault("redemption.default_token_count", 50000)
	v.SetDefault("redemption.retry_interval_sec", 180)
	v.SetDefault("redemption.max_attempts", 0)
	v.SetDefault("redemption.timeout_sec", 300)
	v.SetDefault("replication.upload_interval_sec", 60)
	v.SetDefault("storage.listen", ":9090")
	v.SetDefault("storage.capacity", int64(1)<<40)

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"server.port":                     "PORT",
		"api.token":                       "API_AUTH_TOKEN",
		"ledger.path":                     "LEDGER_PATH",
		"redis.addr":                      "REDIS_ADDR",
		"redis.password":                  "REDIS_PASSWORD",
		"redeemer.kind":                   "REDEEMER_KIND",
		"redeemer.url":                    "REDEEMER_URL",
		"redeemer.signing_key":            "REDEEMER_SIGNING_KEY",
		"redeemer.error_details":          "REDEEMER_ERROR_DETAILS",
		"issuer.allowed_signers":          "ALLOWED_SIGNERS",
		"pricing.pass_value":              "PASS_VALUE",
		"shares.needed":                   "SHARES_NEEDED",
		"shares.total":                    "SHARES_TOTAL",
		"lease.min_time_remaining_sec":    "LEASE_MIN_TIME_REMAINING_SEC",
		"lease.maintenance_interval_sec":  "LEASE_MAINTENANCE_INTERVAL_SEC",
		"lease.secret":                    "LEASE_SECRET",
		"redemption.default_token_count":  "DEFAULT_TOKEN_COUNT",
		"redemption.retry_interval_sec":   "REDEMPTION_RETRY_INTERVAL_SEC",
		"redemption.max_attempts":         "REDEMPTION_MAX_ATTEMPTS",
		"redemption.timeout_sec":          "REDEMPTION_TIMEOUT_SEC",
		"replication.repository":          "REPLICATION_REPOSITORY",
		"replication.upload_interval_sec": "REPLICATION_UPLOAD_INTERVAL_SEC",
		"storage.enabled":                 "STORAGE_ENABLED",
		"storage.listen":                  "STORAGE_LISTEN",
		"storage.server_addr":             "STORAGE_SERVER_ADDR",
		"storage.capacity":                "STORAGE_CAPACITY",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	type req struct {
		val  string
		name string
	}
	for _, r := range []req{
		{c.API.Token, "API_AUTH_TOKEN"},
		{c.Ledger.Path, "LEDGER_PATH"},
	} {
		if r.val == "" {
			return fmt.Errorf("required config missing: %s", r.name)
		}
	}
	switch c.Redeemer.Kind {
	case "issuer":
		if c.Redeemer.URL == "" {
			return fmt.Errorf("required config missing: REDEEMER_URL")
		}
	case "dummy":
		if c.Redeemer.SigningKey == "" {
			return fmt.Errorf("required config missing: REDEEMER_SIGNING_KEY")
		}
	case "double-spend", "unpaid", "error", "non":
	default:
		return fmt.Errorf("unknown REDEEMER_KIND %q", c.Redeemer.Kind)
	}
	if c.Pricing.PassValue < 1 {
		return fmt.Errorf("PASS_VALUE must be positive")
	}
	if c.Shares.Needed < 1 || c.Shares.Total < c.Shares.Needed {
		return fmt.Errorf("invalid share encoding %d-of-%d", c.Shares.Needed, c.Shares.Total)
	}
	if c.Storage.Enabled || c.Storage.ServerAddr != "" {
		if len(c.Issuer.SignerList()) == 0 && c.Storage.Enabled {
			return fmt.Errorf("required config missing: ALLOWED_SIGNERS")
		}
		if c.Lease.Secret == "" {
			return fmt.Errorf("required config missing: LEASE_SECRET")
		}
	}
	return nil
}
