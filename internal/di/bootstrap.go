package di

import (
	"fmt"

	"github.com/park285/novelist-quota-go/internal/config"
	"github.com/park285/novelist-quota-go/internal/counter"
	"github.com/park285/novelist-quota-go/internal/diag"
	"github.com/park285/novelist-quota-go/internal/handler"
	"github.com/park285/novelist-quota-go/internal/health"
	"github.com/park285/novelist-quota-go/internal/perf"
	"github.com/park285/novelist-quota-go/internal/server"
)

// InitializeApp 은 애플리케이션 의존성을 초기화하고 App 인스턴스를 반환한다.
func InitializeApp() (*App, error) {
	cfg, err := config.ProvideConfig()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logger, err := ProvideLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	valkeyClient, err := ProvideValkeyClient(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("valkey client: %w", err)
	}

	db, err := ProvideDatabase(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("usage db: %w", err)
	}

	repo, err := ProvideRepository(db, logger)
	if err != nil {
		return nil, fmt.Errorf("usage repository: %w", err)
	}

	cache := ProvideCacheStore(cfg, valkeyClient, logger)
	guard := ProvideDedupGuard(cfg, valkeyClient, logger)
	fastPath := counter.New(cache, guard, repo, logger)

	recorder := perf.NewRecorder()
	syncManager := ProvideSyncManager(cfg, cache, repo, recorder, logger)
	diagService := diag.New(cache, guard, repo, logger)
	checker := health.New(cache, repo, syncManager)

	quotaHandler := handler.NewQuotaHandler(fastPath, logger)
	adminHandler := handler.NewAdminHandler(cfg, fastPath, syncManager, diagService, cache, recorder, logger)

	router := handler.NewRouter(cfg, logger, quotaHandler, adminHandler, checker)
	httpServer := server.NewHTTPServer(cfg, router)

	return NewApp(httpServer, logger, cfg, syncManager, valkeyClient, db), nil
}
