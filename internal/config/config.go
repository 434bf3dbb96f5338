package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config carries everything the worker needs. Values come from an optional
// TOML file (PAYOPS_CONFIG) with environment variables taking precedence.
type Config struct {
	DBSource string `toml:"db_source"`
	OpsPort  string `toml:"ops_port"`
	Env      string `toml:"env"`

	LNDSocket       string `toml:"lnd_socket"`
	LNDCertPath     string `toml:"lnd_cert_path"`
	LNDMacaroonPath string `toml:"lnd_macaroon_path"`

	// RewardsUserID is the account donations credit.
	RewardsUserID int64 `toml:"rewards_user_id"`

	QueuePollInterval time.Duration `toml:"-"`
	SweepInterval     time.Duration `toml:"-"`
	Bolt11Retention   time.Duration `toml:"-"`

	// raw duration strings from TOML, parsed in Load
	QueuePollIntervalRaw string `toml:"queue_poll_interval"`
	SweepIntervalRaw     string `toml:"sweep_interval"`
	Bolt11RetentionRaw   string `toml:"bolt11_retention"`
}

func Load() (*Config, error) {
	cfg := &Config{
		OpsPort:              "8080",
		Env:                  "development",
		RewardsUserID:        1,
		QueuePollIntervalRaw: "2s",
		SweepIntervalRaw:     "10m",
		Bolt11RetentionRaw:   "2160h", // 90 days
	}

	if path := os.Getenv("PAYOPS_CONFIG"); path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("unable to read config file %s: %w", path, err)
		}
	}

	override(&cfg.DBSource, "DB_SOURCE")
	override(&cfg.OpsPort, "OPS_PORT")
	override(&cfg.Env, "ENVIRONMENT")
	override(&cfg.LNDSocket, "LND_SOCKET")
	override(&cfg.LNDCertPath, "LND_CERT_PATH")
	override(&cfg.LNDMacaroonPath, "LND_MACAROON_PATH")
	override(&cfg.QueuePollIntervalRaw, "QUEUE_POLL_INTERVAL")
	override(&cfg.SweepIntervalRaw, "SWEEP_INTERVAL")
	override(&cfg.Bolt11RetentionRaw, "BOLT11_RETENTION")

	if v := os.Getenv("REWARDS_USER_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid REWARDS_USER_ID: %w", err)
		}
		cfg.RewardsUserID = id
	}

	if cfg.DBSource == "" {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required")
	}
	if cfg.LNDSocket == "" {
		return nil, fmt.Errorf("LND_SOCKET environment variable is required")
	}

	var err error
	if cfg.QueuePollInterval, err = time.ParseDuration(cfg.QueuePollIntervalRaw); err != nil {
		return nil, fmt.Errorf("invalid queue_poll_interval: %w", err)
	}
	if cfg.SweepInterval, err = time.ParseDuration(cfg.SweepIntervalRaw); err != nil {
		return nil, fmt.Errorf("invalid sweep_interval: %w", err)
	}
	if cfg.Bolt11Retention, err = time.ParseDuration(cfg.Bolt11RetentionRaw); err != nil {
		return nil, fmt.Errorf("invalid bolt11_retention: %w", err)
	}

	return cfg, nil
}

func override(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
