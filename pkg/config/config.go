// Package config assembles runtime configuration. Values come from an
// optional YAML file first, then environment variables override, so a
// deployment can ship a base file and tune single knobs per host.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Spool backend names accepted by Config.SpoolBackend.
const (
	SpoolFile     = "file"
	SpoolSQLite   = "sqlite"
	SpoolPostgres = "postgres"
)

// Config holds server configuration.
type Config struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"log_level"`

	// SpoolBackend selects the durable job store: file, sqlite or
	// postgres.
	SpoolBackend string `yaml:"spool_backend"`
	SpoolDir     string `yaml:"spool_dir"`
	SpoolDSN     string `yaml:"spool_dsn"`

	ManifestTTL   time.Duration `yaml:"manifest_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`

	PrimaryConstructID string `yaml:"primary_construct_id"`

	// SignerKey switches manifest signing from digest to JWT when set.
	SignerKey string `yaml:"signer_key"`

	// ProposalsPerMinute rate-limits Propose per construct. Zero
	// disables the limiter.
	ProposalsPerMinute int `yaml:"proposals_per_minute"`

	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

// Load reads the YAML file named by WARDEN_CONFIG (if any), applies
// environment overrides and fills defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	if path := os.Getenv("WARDEN_CONFIG"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	if err := applyDefaults(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Port, "PORT")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.SpoolBackend, "SPOOL_BACKEND")
	setString(&cfg.SpoolDir, "SPOOL_DIR")
	setString(&cfg.SpoolDSN, "SPOOL_DSN")
	setString(&cfg.PrimaryConstructID, "PRIMARY_CONSTRUCT_ID")
	setString(&cfg.SignerKey, "SIGNER_KEY")
	setString(&cfg.OTLPEndpoint, "OTLP_ENDPOINT")
	setString(&cfg.ServiceName, "SERVICE_NAME")

	setDuration(&cfg.ManifestTTL, "MANIFEST_TTL")
	setDuration(&cfg.SweepInterval, "SWEEP_INTERVAL")

	if v := os.Getenv("PROPOSALS_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ProposalsPerMinute = n
		}
	}
}

func applyDefaults(cfg *Config) error {
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "INFO"
	}
	if cfg.SpoolBackend == "" {
		cfg.SpoolBackend = SpoolFile
	}
	switch cfg.SpoolBackend {
	case SpoolFile:
		if cfg.SpoolDir == "" {
			cfg.SpoolDir = "./data/spool"
		}
	case SpoolSQLite:
		if cfg.SpoolDSN == "" {
			cfg.SpoolDSN = "./data/spool.db"
		}
	case SpoolPostgres:
		if cfg.SpoolDSN == "" {
			return fmt.Errorf("spool backend %q requires SPOOL_DSN", cfg.SpoolBackend)
		}
	default:
		return fmt.Errorf("unknown spool backend %q", cfg.SpoolBackend)
	}
	if cfg.ManifestTTL <= 0 {
		cfg.ManifestTTL = 24 * time.Hour
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.PrimaryConstructID == "" {
		cfg.PrimaryConstructID = "vsi-primary"
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "warden"
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
