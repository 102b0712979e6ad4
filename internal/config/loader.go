package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies RISKCORE_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known RISKCORE_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "RISKCORE_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "RISKCORE_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "RISKCORE_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "RISKCORE_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "RISKCORE_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "RISKCORE_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "RISKCORE_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "RISKCORE_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "RISKCORE_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "RISKCORE_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "RISKCORE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "RISKCORE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "RISKCORE_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "RISKCORE_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "RISKCORE_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "RISKCORE_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "RISKCORE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "RISKCORE_S3_REGION")
	setStr(&cfg.S3.Bucket, "RISKCORE_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "RISKCORE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "RISKCORE_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "RISKCORE_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "RISKCORE_S3_FORCE_PATH_STYLE")

	// ── Risk ──
	setDec(&cfg.Risk.KellyFraction, "RISKCORE_RISK_KELLY_FRACTION")
	setDec(&cfg.Risk.MinEdge, "RISKCORE_RISK_MIN_EDGE")
	setDec(&cfg.Risk.MaxPosition, "RISKCORE_RISK_MAX_POSITION")
	setDec(&cfg.Risk.Fees, "RISKCORE_RISK_FEES")
	setBool(&cfg.Risk.PaperMode, "RISKCORE_RISK_PAPER_MODE")
	setDuration(&cfg.Risk.LockTTL, "RISKCORE_RISK_LOCK_TTL")

	// ── Trailing ──
	setBool(&cfg.Trailing.AutoArm, "RISKCORE_TRAILING_AUTO_ARM")
	setDec(&cfg.Trailing.ActivationThreshold, "RISKCORE_TRAILING_ACTIVATION_THRESHOLD")
	setDec(&cfg.Trailing.InitialDistance, "RISKCORE_TRAILING_INITIAL_DISTANCE")
	setDec(&cfg.Trailing.TighteningRate, "RISKCORE_TRAILING_TIGHTENING_RATE")
	setDec(&cfg.Trailing.FloorDistance, "RISKCORE_TRAILING_FLOOR_DISTANCE")

	// ── Monitor ──
	setDuration(&cfg.Monitor.SweepInterval, "RISKCORE_MONITOR_SWEEP_INTERVAL")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "RISKCORE_ARCHIVE_ENABLED")
	setDuration(&cfg.Archive.Interval, "RISKCORE_ARCHIVE_INTERVAL")
	setDuration(&cfg.Archive.Lookback, "RISKCORE_ARCHIVE_LOOKBACK")

	// ── Top-level ──
	setStr(&cfg.Mode, "RISKCORE_MODE")
	setStr(&cfg.LogLevel, "RISKCORE_LOG_LEVEL")
}

// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.

func setStr(dst *string, key string) {
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

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setDec(dst *decValue, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(strings.TrimSpace(v)); err == nil {
			dst.Decimal = d
		}
	}
}
