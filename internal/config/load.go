package config

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/joho/godotenv"
)

var (
	configOnce  sync.Once
	configValue *Config
)

// Load 는 환경 변수 기반 설정을 로드한다.
func Load() *Config {
	configOnce.Do(func() {
		_ = godotenv.Load()
		configValue = buildConfig()
	})
	return configValue
}

// ProvideConfig 는 설정을 로드하고 검증한다.
func ProvideConfig() (*Config, error) {
	cfg := Load()
	if cfg == nil {
		return nil, errors.New("config not initialized")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 는 설정 유효성을 검사한다.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.Quota.SnapshotTTLSeconds <= c.Sync.IntervalSeconds {
		return fmt.Errorf(
			"snapshot ttl must exceed sync interval: ttl=%ds interval=%ds",
			c.Quota.SnapshotTTLSeconds, c.Sync.IntervalSeconds,
		)
	}
	if c.Sync.Concurrency < 1 {
		return fmt.Errorf("sync concurrency must be positive: %d", c.Sync.Concurrency)
	}
	if c.HTTPAuth.Required && c.HTTPAuth.APIKey == "" {
		return errors.New("http auth required but HTTP_API_KEY is empty")
	}
	return nil
}

// LogEnvStatus 는 환경 설정 상태를 로그로 남긴다.
func LogEnvStatus(cfg *Config, logger *slog.Logger) {
	if logger == nil || cfg == nil {
		return
	}

	envFilePresent := fileExists(".env")
	logger.Debug(
		"env_status",
		"env_file", envFilePresent,
		"api_key", maskSecret(cfg.HTTPAuth.APIKey),
		"admin_key", maskSecret(cfg.HTTPAuth.AdminKey),
		"valkey_addr", cfg.Valkey.Addr,
		"db_host", cfg.Database.Host,
		"db_name", cfg.Database.Name,
		"snapshot_ttl", cfg.Quota.SnapshotTTLSeconds,
		"dedup_window", cfg.Quota.DedupWindowSeconds,
		"sync_interval", cfg.Sync.IntervalSeconds,
		"sync_concurrency", cfg.Sync.Concurrency,
	)
}

func buildConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:      getEnvString("LOG_LEVEL", "info"),
			LogDir:     getEnvString("LOG_DIR", ""),
			MaxSizeMB:  getEnvInt("LOG_FILE_MAX_SIZE_MB", 1),
			MaxBackups: getEnvInt("LOG_FILE_MAX_BACKUPS", 30),
			MaxAgeDays: getEnvInt("LOG_FILE_MAX_AGE_DAYS", 7),
			Compress:   getEnvBool("LOG_FILE_COMPRESS", true),
		},
		HTTP: HTTPConfig{
			Host:         getEnvString("HTTP_HOST", "127.0.0.1"),
			Port:         getEnvInt("HTTP_PORT", 40811),
			HTTP2Enabled: getEnvBool("HTTP2_ENABLED", true),
		},
		HTTPAuth: HTTPAuthConfig{
			APIKey:   getEnvString("HTTP_API_KEY", ""),
			AdminKey: getEnvString("HTTP_ADMIN_KEY", ""),
			Required: getEnvBool("HTTP_AUTH_REQUIRED", false),
		},
		HTTPRateLimit: HTTPRateLimitConfig{
			RequestsPerMinute: getEnvNonNegativeInt("HTTP_RATE_LIMIT_RPM", 0),
			CacheSize:         max(1, getEnvNonNegativeInt("HTTP_RATE_LIMIT_CACHE_SIZE", 10000)),
			CacheTTLSeconds:   max(1, getEnvNonNegativeInt("HTTP_RATE_LIMIT_CACHE_TTL_SECONDS", 120)),
		},
		Valkey: ValkeyConfig{
			Addr:                getEnvString("VALKEY_ADDR", "localhost:6379"),
			Username:            getEnvString("VALKEY_USERNAME", ""),
			Password:            getEnvString("VALKEY_PASSWORD", ""),
			DB:                  getEnvNonNegativeInt("VALKEY_DB", 0),
			DisableCache:        getEnvBool("VALKEY_DISABLE_CACHE", false),
			UseTLS:              getEnvBool("VALKEY_USE_TLS", false),
			DialTimeoutSeconds:  max(1, getEnvNonNegativeInt("VALKEY_DIAL_TIMEOUT_SECONDS", 5)),
			ConnectMaxAttempts:  max(1, getEnvNonNegativeInt("VALKEY_CONNECT_MAX_ATTEMPTS", 6)),
			ConnectRetrySeconds: getEnvNonNegativeInt("VALKEY_CONNECT_RETRY_SECONDS", 5),
		},
		Database: DatabaseConfig{
			Host:                   getEnvString("DB_HOST", "localhost"),
			Port:                   getEnvInt("DB_PORT", 5432),
			Name:                   getEnvString("DB_NAME", "novelist"),
			User:                   getEnvString("DB_USER", "novelist"),
			Password:               getEnvString("DB_PASSWORD", ""),
			SSLMode:                getEnvString("DB_SSLMODE", ""),
			MinPool:                getEnvInt("DB_MIN_POOL", 1),
			MaxPool:                getEnvInt("DB_MAX_POOL", 5),
			ConnMaxLifetimeMinutes: getEnvNonNegativeInt("DB_CONN_MAX_LIFETIME_MINUTES", 60),
			ConnMaxIdleTimeMinutes: getEnvNonNegativeInt("DB_CONN_MAX_IDLE_TIME_MINUTES", 10),
			ConnectMaxAttempts:     max(1, getEnvNonNegativeInt("DB_CONNECT_MAX_ATTEMPTS", 6)),
			ConnectRetrySeconds:    getEnvNonNegativeInt("DB_CONNECT_RETRY_SECONDS", 5),
		},
		Quota: QuotaConfig{
			SnapshotTTLSeconds: max(1, getEnvNonNegativeInt("QUOTA_SNAPSHOT_TTL_SECONDS", 600)),
			DedupWindowSeconds: max(1, getEnvNonNegativeInt("QUOTA_DEDUP_WINDOW_SECONDS", 3)),
			DedupWaitMillis:    getEnvNonNegativeInt("QUOTA_DEDUP_WAIT_MILLIS", 500),
		},
		Sync: SyncConfig{
			IntervalSeconds:         max(1, getEnvNonNegativeInt("SYNC_INTERVAL_SECONDS", 5)),
			FlushTimeoutSeconds:     max(1, getEnvNonNegativeInt("SYNC_FLUSH_TIMEOUT_SECONDS", 5)),
			MaxBackoffSeconds:       getEnvNonNegativeInt("SYNC_MAX_BACKOFF_SECONDS", 60),
			Concurrency:             max(1, getEnvNonNegativeInt("SYNC_CONCURRENCY", 8)),
			ErrorLogMaxIntervalSecs: getEnvNonNegativeInt("SYNC_ERROR_LOG_MAX_INTERVAL_SECONDS", 60),
		},
	}
}
