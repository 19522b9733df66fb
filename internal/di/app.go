package di

import (
	"log/slog"
	"net/http"

	"github.com/valkey-io/valkey-go"
	"gorm.io/gorm"

	"github.com/park285/novelist-quota-go/internal/config"
	"github.com/park285/novelist-quota-go/internal/syncer"
	"github.com/park285/novelist-quota-go/internal/valkeyx"
)

// App: 애플리케이션 구성 요소를 묶는다.
type App struct {
	Server       *http.Server
	Logger       *slog.Logger
	Config       *config.Config
	SyncManager  *syncer.Manager
	ValkeyClient valkey.Client
	DB           *gorm.DB
}

// NewApp: App 인스턴스를 생성합니다.
func NewApp(
	server *http.Server,
	logger *slog.Logger,
	cfg *config.Config,
	syncManager *syncer.Manager,
	valkeyClient valkey.Client,
	db *gorm.DB,
) *App {
	return &App{
		Server:       server,
		Logger:       logger,
		Config:       cfg,
		SyncManager:  syncManager,
		ValkeyClient: valkeyClient,
		DB:           db,
	}
}

// Close: 앱 리소스를 정리합니다.
// 동기화 스케줄러는 종료 플러시가 캐시/DB 연결을 필요로 하므로 먼저 멈춘다.
func (a *App) Close() {
	if a.SyncManager != nil {
		a.SyncManager.Stop()
	}
	valkeyx.Close(a.ValkeyClient)
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}
