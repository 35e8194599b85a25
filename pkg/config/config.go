// Package config loads pipeline configuration from an optional YAML file
// with environment-variable overrides, 12-factor style.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full pipeline configuration.
type Config struct {
	LogLevel string `yaml:"log_level"`

	Evidence struct {
		Dir          string `yaml:"dir"`
		AccessLogDB  string `yaml:"access_log_db"`
		MirrorBucket string `yaml:"mirror_bucket"`
		MirrorRegion string `yaml:"mirror_region"`
		MirrorPrefix string `yaml:"mirror_prefix"`
	} `yaml:"evidence"`

	Chain struct {
		IndexPath   string `yaml:"index_path"`
		MinSeverity string `yaml:"min_severity"`
	} `yaml:"chain"`

	Bus struct {
		QueueCapacity int           `yaml:"queue_capacity"`
		Workers       int           `yaml:"workers"`
		PollInterval  time.Duration `yaml:"poll_interval"`
	} `yaml:"bus"`

	Anchor struct {
		Destination string        `yaml:"destination"`
		Endpoint    string        `yaml:"endpoint"`
		Secret      string        `yaml:"secret"`
		Interval    time.Duration `yaml:"interval"`
		MaxBatch    int           `yaml:"max_batch"`
		MaxAttempts int           `yaml:"max_attempts"`
		ReceiptDB   string        `yaml:"receipt_db"`
		PostgresURL string        `yaml:"postgres_url"`
		RedisAddr   string        `yaml:"redis_addr"`
	} `yaml:"anchor"`

	Telemetry struct {
		Enabled      bool   `yaml:"enabled"`
		OTLPEndpoint string `yaml:"otlp_endpoint"`
	} `yaml:"telemetry"`
}

// Load reads the optional YAML file named by ATTESTRA_CONFIG, then applies
// environment overrides, then defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	if path := os.Getenv("ATTESTRA_CONFIG"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(cfg)
	applyDefaults(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.Evidence.Dir, "EVIDENCE_DIR")
	setString(&cfg.Evidence.AccessLogDB, "EVIDENCE_ACCESS_LOG_DB")
	setString(&cfg.Evidence.MirrorBucket, "EVIDENCE_MIRROR_BUCKET")
	setString(&cfg.Evidence.MirrorRegion, "EVIDENCE_MIRROR_REGION")
	setString(&cfg.Evidence.MirrorPrefix, "EVIDENCE_MIRROR_PREFIX")
	setString(&cfg.Chain.IndexPath, "CHAIN_INDEX_PATH")
	setString(&cfg.Chain.MinSeverity, "CHAIN_MIN_SEVERITY")
	setInt(&cfg.Bus.QueueCapacity, "BUS_QUEUE_CAPACITY")
	setInt(&cfg.Bus.Workers, "BUS_WORKERS")
	setDuration(&cfg.Bus.PollInterval, "BUS_POLL_INTERVAL")
	setString(&cfg.Anchor.Destination, "ANCHOR_DESTINATION")
	setString(&cfg.Anchor.Endpoint, "ANCHOR_ENDPOINT")
	setString(&cfg.Anchor.Secret, "ANCHOR_SECRET")
	setDuration(&cfg.Anchor.Interval, "ANCHOR_INTERVAL")
	setInt(&cfg.Anchor.MaxBatch, "ANCHOR_MAX_BATCH")
	setInt(&cfg.Anchor.MaxAttempts, "ANCHOR_MAX_ATTEMPTS")
	setString(&cfg.Anchor.ReceiptDB, "ANCHOR_RECEIPT_DB")
	setString(&cfg.Anchor.PostgresURL, "ANCHOR_POSTGRES_URL")
	setString(&cfg.Anchor.RedisAddr, "ANCHOR_REDIS_ADDR")
	setString(&cfg.Telemetry.OTLPEndpoint, "OTLP_ENDPOINT")
	if v := os.Getenv("TELEMETRY_ENABLED"); v != "" {
		cfg.Telemetry.Enabled = v == "true"
	}
}

func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "INFO"
	}
	if cfg.Evidence.Dir == "" {
		cfg.Evidence.Dir = "./data/evidence"
	}
	if cfg.Evidence.AccessLogDB == "" {
		cfg.Evidence.AccessLogDB = "./data/access.db"
	}
	if cfg.Chain.IndexPath == "" {
		cfg.Chain.IndexPath = "./data/chain-index.json"
	}
	if cfg.Chain.MinSeverity == "" {
		cfg.Chain.MinSeverity = "info"
	}
	if cfg.Bus.QueueCapacity <= 0 {
		cfg.Bus.QueueCapacity = 1000
	}
	if cfg.Bus.Workers <= 0 {
		cfg.Bus.Workers = 4
	}
	if cfg.Bus.PollInterval <= 0 {
		cfg.Bus.PollInterval = 100 * time.Millisecond
	}
	if cfg.Anchor.Destination == "" {
		cfg.Anchor.Destination = "primary"
	}
	if cfg.Anchor.Interval <= 0 {
		cfg.Anchor.Interval = time.Minute
	}
	if cfg.Anchor.MaxBatch <= 0 {
		cfg.Anchor.MaxBatch = 1024
	}
	if cfg.Anchor.MaxAttempts <= 0 {
		cfg.Anchor.MaxAttempts = 3
	}
	if cfg.Anchor.ReceiptDB == "" {
		cfg.Anchor.ReceiptDB = "./data/receipts.db"
	}
	if cfg.Telemetry.OTLPEndpoint == "" {
		cfg.Telemetry.OTLPEndpoint = "localhost:4317"
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
