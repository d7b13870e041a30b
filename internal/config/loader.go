package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies CONDAMM_* environment variable overrides, and
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

// applyEnvOverrides reads well-known CONDAMM_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Engine ──
	setUint64(&cfg.Engine.FeeBps, "CONDAMM_ENGINE_FEE_BPS")
	setUint64(&cfg.Engine.ProtocolFeeShareBps, "CONDAMM_ENGINE_PROTOCOL_FEE_SHARE_BPS")
	setUint64(&cfg.Engine.MinLiquidity, "CONDAMM_ENGINE_MIN_LIQUIDITY")
	setUint64(&cfg.Engine.RatioToleranceBps, "CONDAMM_ENGINE_RATIO_TOLERANCE_BPS")
	setUint64(&cfg.Engine.PriceCeiling, "CONDAMM_ENGINE_PRICE_CEILING")
	setInt(&cfg.Engine.RebalanceMaxIterations, "CONDAMM_ENGINE_REBALANCE_MAX_ITERATIONS")
	setDuration(&cfg.Engine.SnapshotInterval, "CONDAMM_ENGINE_SNAPSHOT_INTERVAL")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "CONDAMM_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "CONDAMM_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "CONDAMM_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "CONDAMM_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "CONDAMM_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "CONDAMM_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "CONDAMM_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "CONDAMM_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "CONDAMM_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "CONDAMM_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "CONDAMM_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "CONDAMM_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "CONDAMM_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "CONDAMM_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "CONDAMM_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "CONDAMM_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "CONDAMM_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "CONDAMM_S3_REGION")
	setStr(&cfg.S3.Bucket, "CONDAMM_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "CONDAMM_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "CONDAMM_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "CONDAMM_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "CONDAMM_S3_FORCE_PATH_STYLE")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "CONDAMM_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "CONDAMM_ARCHIVE_RETENTION_DAYS")
	setDuration(&cfg.Archive.Interval, "CONDAMM_ARCHIVE_INTERVAL")
	setInt(&cfg.Archive.BatchSize, "CONDAMM_ARCHIVE_BATCH_SIZE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "CONDAMM_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "CONDAMM_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "CONDAMM_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "CONDAMM_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "CONDAMM_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "CONDAMM_SERVER_RATE_WINDOW")

	// ── Signer ──
	setStr(&cfg.Signer.PrivateKey, "CONDAMM_SIGNER_PRIVATE_KEY")
	setStr(&cfg.Signer.EncryptedKeyPath, "CONDAMM_SIGNER_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Signer.KeyPassword, "CONDAMM_SIGNER_KEY_PASSWORD")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "CONDAMM_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "CONDAMM_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "CONDAMM_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "CONDAMM_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "CONDAMM_MODE")
	setStr(&cfg.LogLevel, "CONDAMM_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

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

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
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

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
