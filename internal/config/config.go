// Package config defines the top-level configuration for the risk core and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by RISKCORE_* environment variables.
type Config struct {
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Risk     RiskConfig     `toml:"risk"`
	Trailing TrailingConfig `toml:"trailing"`
	Monitor  MonitorConfig  `toml:"monitor"`
	Archive  ArchiveConfig  `toml:"archive"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// RiskConfig holds position sizing and margin parameters. Monetary values are
// decimal strings in TOML (e.g. "0.25"), never floats.
type RiskConfig struct {
	KellyFraction decValue `toml:"kelly_fraction"`
	MinEdge       decValue `toml:"min_edge"`
	MaxPosition   decValue `toml:"max_position"`
	Fees          decValue `toml:"fees"`
	PaperMode     bool     `toml:"paper_mode"`
	LockTTL       duration `toml:"lock_ttl"`
}

// TrailingConfig holds default trailing-stop ratchet parameters. When AutoArm
// is set every new position is armed with these defaults unless the open
// request carries its own config.
type TrailingConfig struct {
	AutoArm             bool     `toml:"auto_arm"`
	ActivationThreshold decValue `toml:"activation_threshold"`
	InitialDistance     decValue `toml:"initial_distance"`
	TighteningRate      decValue `toml:"tightening_rate"`
	FloorDistance       decValue `toml:"floor_distance"`
}

// MonitorConfig holds stop-monitor sweep parameters.
type MonitorConfig struct {
	SweepInterval duration `toml:"sweep_interval"`
}

// ArchiveConfig holds closed-position archival parameters.
type ArchiveConfig struct {
	Enabled  bool     `toml:"enabled"`
	Interval duration `toml:"interval"`
	Lookback duration `toml:"lookback"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// decValue is a wrapper around decimal.Decimal that supports TOML string
// decoding (e.g. "0.25"). Keeping these as strings avoids float64 in the
// money path.
type decValue struct {
	decimal.Decimal
}

// UnmarshalText implements encoding.TextUnmarshaler for the TOML decoder.
func (v *decValue) UnmarshalText(text []byte) error {
	var err error
	v.Decimal, err = decimal.NewFromString(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (v decValue) MarshalText() ([]byte, error) {
	return []byte(v.Decimal.String()), nil
}

func dec(s string) decValue {
	return decValue{decimal.RequireFromString(s)}
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			DSN:           "",
			Host:          "localhost",
			Port:          5432,
			Database:      "riskcore",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "riskcore-data",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Risk: RiskConfig{
			KellyFraction: dec("0.25"),
			MinEdge:       dec("0.02"),
			MaxPosition:   dec("1000"),
			Fees:          dec("0.01"),
			PaperMode:     true,
			LockTTL:       duration{10 * time.Second},
		},
		Trailing: TrailingConfig{
			AutoArm:             true,
			ActivationThreshold: dec("0.05"),
			InitialDistance:     dec("0.04"),
			TighteningRate:      dec("0.5"),
			FloorDistance:       dec("0.01"),
		},
		Monitor: MonitorConfig{
			SweepInterval: duration{15 * time.Second},
		},
		Archive: ArchiveConfig{
			Enabled:  false,
			Interval: duration{1 * time.Hour},
			Lookback: duration{24 * time.Hour},
		},
		Mode:     "monitor",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"monitor": true,
	"archive": true,
	"full":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: monitor, archive, full)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3 — only required when archival is on.
	if c.Archive.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when archive is enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
		if c.Archive.Interval.Duration <= 0 {
			errs = append(errs, "archive: interval must be > 0")
		}
		if c.Archive.Lookback.Duration <= 0 {
			errs = append(errs, "archive: lookback must be > 0")
		}
	}

	// Risk
	one := decimal.NewFromInt(1)
	if c.Risk.KellyFraction.IsNegative() || c.Risk.KellyFraction.GreaterThan(one) {
		errs = append(errs, fmt.Sprintf("risk: kelly_fraction must be in [0, 1], got %s", c.Risk.KellyFraction))
	}
	if c.Risk.MinEdge.IsNegative() {
		errs = append(errs, fmt.Sprintf("risk: min_edge must be >= 0, got %s", c.Risk.MinEdge))
	}
	if c.Risk.MaxPosition.IsNegative() {
		errs = append(errs, fmt.Sprintf("risk: max_position must be >= 0, got %s", c.Risk.MaxPosition))
	}
	if c.Risk.Fees.IsNegative() {
		errs = append(errs, fmt.Sprintf("risk: fees must be >= 0, got %s", c.Risk.Fees))
	}
	if c.Risk.LockTTL.Duration <= 0 {
		errs = append(errs, "risk: lock_ttl must be > 0")
	}

	// Trailing
	if !c.Trailing.ActivationThreshold.IsPositive() {
		errs = append(errs, fmt.Sprintf("trailing: activation_threshold must be > 0, got %s", c.Trailing.ActivationThreshold))
	}
	if !c.Trailing.InitialDistance.IsPositive() {
		errs = append(errs, fmt.Sprintf("trailing: initial_distance must be > 0, got %s", c.Trailing.InitialDistance))
	}
	if c.Trailing.TighteningRate.IsNegative() || c.Trailing.TighteningRate.GreaterThan(one) {
		errs = append(errs, fmt.Sprintf("trailing: tightening_rate must be in [0, 1], got %s", c.Trailing.TighteningRate))
	}
	if c.Trailing.FloorDistance.IsNegative() {
		errs = append(errs, fmt.Sprintf("trailing: floor_distance must be >= 0, got %s", c.Trailing.FloorDistance))
	}

	// Monitor
	if c.Monitor.SweepInterval.Duration <= 0 {
		errs = append(errs, "monitor: sweep_interval must be > 0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
