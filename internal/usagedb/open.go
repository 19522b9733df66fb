package usagedb

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/park285/novelist-quota-go/internal/config"
)

// Open 은 durable 저장소에 연결한다.
// 스키마 마이그레이션이 끝나기 전 앱이 먼저 뜨는 경우를 대비해
// exponential backoff 로 연결을 재시도한다.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (*gorm.DB, error) {
	gormCfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}

	var lastErr error
	for attempt := 0; attempt < cfg.ConnectMaxAttempts; attempt++ {
		db, err := gorm.Open(postgres.Open(cfg.DSN()), gormCfg)
		if err == nil {
			if err := configurePool(db, cfg); err != nil {
				return nil, err
			}
			if attempt > 0 {
				logger.Info("db_connect_success_after_retry", "attempts", attempt+1)
			}
			logger.Info("db_connected", "host", cfg.Host, "name", cfg.Name)
			return db, nil
		}
		lastErr = err

		if attempt >= cfg.ConnectMaxAttempts-1 {
			break
		}
		delay := time.Duration(cfg.ConnectRetrySeconds) * time.Second * time.Duration(1<<uint(attempt))
		if maxDelay := 30 * time.Second; delay > maxDelay {
			delay = maxDelay
		}
		logger.Warn("db_connect_retry",
			"attempt", attempt+1,
			"max_attempts", cfg.ConnectMaxAttempts,
			"delay", delay,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, fmt.Errorf("open usage db after %d attempts: %w", cfg.ConnectMaxAttempts, lastErr)
}

func configurePool(db *gorm.DB, cfg config.DatabaseConfig) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get usage db handle: %w", err)
	}
	sqlDB.SetMaxIdleConns(cfg.MinPool)
	sqlDB.SetMaxOpenConns(cfg.MaxPool)
	if cfg.ConnMaxLifetimeMinutes > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetimeMinutes) * time.Minute)
	}
	if cfg.ConnMaxIdleTimeMinutes > 0 {
		sqlDB.SetConnMaxIdleTime(time.Duration(cfg.ConnMaxIdleTimeMinutes) * time.Minute)
	}
	return nil
}
