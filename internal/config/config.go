// Package config provides configuration loading for ideagraphd.
//
// Configuration is loaded from a YAML file, then overridden by
// IDEAGRAPH_-prefixed environment variables, then backfilled with
// defaults.
package config

import (
	"fmt"
	"time"
)

// Config holds the complete ideagraphd configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Store      StoreConfig      `koanf:"store"`
	Extraction ExtractionConfig `koanf:"extraction"`
	Ingest     IngestConfig     `koanf:"ingest"`
	Retrieval  RetrievalConfig  `koanf:"retrieval"`
	Session    SessionConfig    `koanf:"session"`
	Logging    LoggingConfig    `koanf:"logging"`
}

// ServerConfig holds the HTTP surface configuration. The MCP surface
// always runs on stdio and needs no addressing.
type ServerConfig struct {
	HTTPEnabled     bool     `koanf:"http_enabled"`
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// StoreConfig holds graph store configuration.
type StoreConfig struct {
	// Path is the SQLite database file. The directory must exist.
	Path string `koanf:"path"`
}

// ExtractionConfig holds the extraction/judge model client settings.
type ExtractionConfig struct {
	// APIKey authenticates against the Anthropic API. Empty disables
	// extraction: ingestion then reports every turn as skipped.
	APIKey Secret `koanf:"api_key"`

	Model      string   `koanf:"model"`
	BaseURL    string   `koanf:"base_url"`
	Timeout    Duration `koanf:"timeout"`
	MaxRetries int      `koanf:"max_retries"`
}

// IngestConfig holds deduplication thresholds.
type IngestConfig struct {
	DuplicateThreshold float64 `koanf:"duplicate_threshold"`
	MergeThreshold     float64 `koanf:"merge_threshold"`
	JudgeThreshold     float64 `koanf:"judge_threshold"`
	NeighborLimit      int     `koanf:"neighbor_limit"`
}

// RetrievalConfig holds context assembly settings.
type RetrievalConfig struct {
	LatencyBudget Duration `koanf:"latency_budget"`
	SeedLimit     int      `koanf:"seed_limit"`
	FallbackLimit int      `koanf:"fallback_limit"`

	// SynonymsPath is an optional YAML synonym table, hot reloaded when
	// it changes.
	SynonymsPath string `koanf:"synonyms_path"`
}

// SessionConfig holds session lifecycle settings.
type SessionConfig struct {
	IdleTimeout Duration `koanf:"idle_timeout"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `koanf:"level"`

	// Format is json or console.
	Format string `koanf:"format"`
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9464
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "ideagraph.db"
	}
	if cfg.Extraction.Model == "" {
		cfg.Extraction.Model = "claude-3-5-haiku-latest"
	}
	if cfg.Extraction.BaseURL == "" {
		cfg.Extraction.BaseURL = "https://api.anthropic.com"
	}
	if cfg.Extraction.Timeout == 0 {
		cfg.Extraction.Timeout = Duration(30 * time.Second)
	}
	if cfg.Extraction.MaxRetries == 0 {
		cfg.Extraction.MaxRetries = 2
	}
	if cfg.Ingest.DuplicateThreshold == 0 {
		cfg.Ingest.DuplicateThreshold = 0.8
	}
	if cfg.Ingest.MergeThreshold == 0 {
		cfg.Ingest.MergeThreshold = 0.5
	}
	if cfg.Ingest.JudgeThreshold == 0 {
		cfg.Ingest.JudgeThreshold = 0.25
	}
	if cfg.Ingest.NeighborLimit == 0 {
		cfg.Ingest.NeighborLimit = 100
	}
	if cfg.Retrieval.LatencyBudget == 0 {
		cfg.Retrieval.LatencyBudget = Duration(250 * time.Millisecond)
	}
	if cfg.Retrieval.SeedLimit == 0 {
		cfg.Retrieval.SeedLimit = 25
	}
	if cfg.Retrieval.FallbackLimit == 0 {
		cfg.Retrieval.FallbackLimit = 10
	}
	if cfg.Session.IdleTimeout == 0 {
		cfg.Session.IdleTimeout = Duration(30 * time.Minute)
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d outside valid range", c.Server.Port)
	}
	if c.Ingest.DuplicateThreshold <= 0 || c.Ingest.DuplicateThreshold > 1 {
		return fmt.Errorf("ingest.duplicate_threshold %v outside (0,1]", c.Ingest.DuplicateThreshold)
	}
	if c.Ingest.MergeThreshold <= 0 || c.Ingest.MergeThreshold >= c.Ingest.DuplicateThreshold {
		return fmt.Errorf("ingest.merge_threshold %v must be in (0, duplicate_threshold)", c.Ingest.MergeThreshold)
	}
	if c.Ingest.JudgeThreshold <= 0 || c.Ingest.JudgeThreshold > c.Ingest.MergeThreshold {
		return fmt.Errorf("ingest.judge_threshold %v must be in (0, merge_threshold]", c.Ingest.JudgeThreshold)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q unknown", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format %q unknown", c.Logging.Format)
	}
	return nil
}
