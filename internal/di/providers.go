package di

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/valkey-io/valkey-go"
	"gorm.io/gorm"

	"github.com/park285/novelist-quota-go/internal/cachestore"
	"github.com/park285/novelist-quota-go/internal/config"
	"github.com/park285/novelist-quota-go/internal/dedup"
	"github.com/park285/novelist-quota-go/internal/logging"
	"github.com/park285/novelist-quota-go/internal/perf"
	"github.com/park285/novelist-quota-go/internal/syncer"
	"github.com/park285/novelist-quota-go/internal/usagedb"
	"github.com/park285/novelist-quota-go/internal/valkeyx"
)

// ProvideLogger: 로거를 구성해 반환합니다.
func ProvideLogger(cfg *config.Config) (*slog.Logger, error) {
	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return logger, nil
}

// ProvideValkeyClient: 사용량 캐시 스토어용 Valkey 클라이언트를 생성합니다.
// 캐시가 없으면 모든 요청이 durable 직행 경로로 빠지므로 기동 시 연결을 재시도합니다.
func ProvideValkeyClient(cfg *config.Config, logger *slog.Logger) (valkey.Client, error) {
	clientCfg := valkeyx.Config{
		Addr:         cfg.Valkey.Addr,
		Username:     cfg.Valkey.Username,
		Password:     cfg.Valkey.Password,
		DB:           cfg.Valkey.DB,
		DialTimeout:  cfg.Valkey.DialTimeout(),
		DisableCache: cfg.Valkey.DisableCache,
		UseTLS:       cfg.Valkey.UseTLS,
	}

	maxAttempts := cfg.Valkey.ConnectMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		client, err := valkeyx.NewClient(clientCfg)
		if err == nil {
			pingCtx, cancel := context.WithTimeout(context.Background(), cfg.Valkey.DialTimeout())
			err = valkeyx.Ping(pingCtx, client)
			cancel()
			if err == nil {
				if attempt > 0 {
					logger.Info("valkey_connect_success_after_retry", "attempts", attempt+1)
				}
				return client, nil
			}
			valkeyx.Close(client)
		}
		lastErr = err

		if attempt >= maxAttempts-1 {
			break
		}
		delay := time.Duration(cfg.Valkey.ConnectRetrySeconds) * time.Second
		logger.Warn("valkey_connect_retry", "attempt", attempt+1, "delay", delay, "err", err)
		time.Sleep(delay)
	}

	return nil, fmt.Errorf("connect valkey after %d attempts: %w", maxAttempts, lastErr)
}

// ProvideDatabase: durable 저장소 연결을 생성합니다.
func ProvideDatabase(cfg *config.Config, logger *slog.Logger) (*gorm.DB, error) {
	db, err := usagedb.Open(context.Background(), cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("open usage db: %w", err)
	}
	return db, nil
}

// ProvideRepository: 스키마 마이그레이션까지 마친 사용량 저장소를 반환합니다.
func ProvideRepository(db *gorm.DB, logger *slog.Logger) (*usagedb.Repository, error) {
	repo := usagedb.New(db, logger)
	if err := repo.AutoMigrate(); err != nil {
		return nil, fmt.Errorf("migrate usage db: %w", err)
	}
	return repo, nil
}

// ProvideCacheStore: 사용량 캐시 스토어를 생성합니다.
func ProvideCacheStore(cfg *config.Config, client valkey.Client, logger *slog.Logger) *cachestore.Store {
	return cachestore.New(client, logger, cfg.Quota.SnapshotTTL())
}

// ProvideDedupGuard: 중복 요청 가드를 생성합니다.
func ProvideDedupGuard(cfg *config.Config, client valkey.Client, logger *slog.Logger) *dedup.Guard {
	return dedup.New(client, logger, cfg.Quota.DedupWindow(), cfg.Quota.DedupWait())
}

// ProvideSyncManager: 동기화 스케줄러를 생성합니다.
func ProvideSyncManager(
	cfg *config.Config,
	cache *cachestore.Store,
	repo *usagedb.Repository,
	recorder *perf.Recorder,
	logger *slog.Logger,
) *syncer.Manager {
	return syncer.New(cfg.Sync, cache, repo, recorder, logger)
}
