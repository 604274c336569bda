// Package config loads taxonmap settings from TAXONMAP_* environment variables.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Prefix is prepended to every variable name.
const Prefix = "TAXONMAP_"

// Config is the complete process configuration.
type Config struct {
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
	// Metrics enables the Prometheus collectors.
	Metrics bool `env:"METRICS"`
	// CaseInsensitive lists key types matched without regard to case.
	CaseInsensitive []string `env:"CASE_INSENSITIVE" envSeparator:","`

	Storage  StorageConfig  `envPrefix:"STORAGE_"`
	Remote   RemoteConfig   `envPrefix:"REMOTE_"`
	Snapshot SnapshotConfig `envPrefix:"SNAPSHOT_"`
}

// StorageConfig selects the local store.
//
//	TAXONMAP_STORAGE_DRIVER: memory|sqlite|postgres (default sqlite)
//	TAXONMAP_STORAGE_SQLITE_PATH: database file (default ./taxonmap.db)
//	TAXONMAP_STORAGE_POSTGRES_DSN: connection string when driver=postgres
type StorageConfig struct {
	Driver      string `env:"DRIVER" envDefault:"sqlite"`
	SQLitePath  string `env:"SQLITE_PATH" envDefault:"taxonmap.db"`
	PostgresDSN string `env:"POSTGRES_DSN"`
	WriteBack   bool   `env:"WRITE_BACK" envDefault:"true"`
}

// RemoteConfig configures the remote authority client. An empty URL
// disables the remote tier.
type RemoteConfig struct {
	URL       string        `env:"URL"`
	APIKey    string        `env:"API_KEY"`
	Timeout   time.Duration `env:"TIMEOUT" envDefault:"10s"`
	BatchSize int           `env:"BATCH_SIZE" envDefault:"100"`
	// Rate is in requests per second; zero means unlimited.
	Rate  float64 `env:"RATE"`
	Burst int     `env:"BURST" envDefault:"1"`
	Dedup bool    `env:"DEDUP"`

	NegativeCacheSize int           `env:"NEGATIVE_CACHE_SIZE"`
	NegativeCacheTTL  time.Duration `env:"NEGATIVE_CACHE_TTL" envDefault:"5m"`
}

// SnapshotConfig selects where cache snapshots live.
type SnapshotConfig struct {
	Driver string `env:"DRIVER" envDefault:"fs"`
	FSRoot string `env:"FS_ROOT" envDefault:"snapshots"`
	// Keep bounds how many snapshots survive a prune; zero keeps all.
	Keep int `env:"KEEP" envDefault:"5"`

	S3Bucket    string `env:"S3_BUCKET"`
	S3Region    string `env:"S3_REGION" envDefault:"us-east-1"`
	S3Endpoint  string `env:"S3_ENDPOINT"`
	S3PathStyle bool   `env:"S3_PATH_STYLE"`
}

// Load parses the process environment.
func Load() (Config, error) {
	return parse(env.Options{Prefix: Prefix})
}

// LoadFrom parses environ, a map of fully prefixed variable names, instead of
// the process environment.
func LoadFrom(environ map[string]string) (Config, error) {
	return parse(env.Options{Prefix: Prefix, Environment: environ})
}

func parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks enumerated settings.
func (c Config) Validate() error {
	switch c.Storage.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	switch c.Snapshot.Driver {
	case "fs", "s3", "memory":
	default:
		return fmt.Errorf("unknown snapshot driver %q", c.Snapshot.Driver)
	}
	if c.Snapshot.Driver == "s3" && c.Snapshot.S3Bucket == "" {
		return fmt.Errorf("%sSNAPSHOT_S3_BUCKET required for s3 snapshots", Prefix)
	}
	if c.Remote.BatchSize < 0 || c.Remote.Burst < 0 || c.Remote.Rate < 0 {
		return fmt.Errorf("remote batch size, rate and burst must not be negative")
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return nil
}

// NewLogger builds the process logger writing to w.
func (c Config) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log level: %w", err)
	}
	return level, nil
}
