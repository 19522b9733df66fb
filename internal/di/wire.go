//go:build wireinject

package di

import (
	"github.com/google/wire"

	"github.com/park285/novelist-quota-go/internal/config"
	"github.com/park285/novelist-quota-go/internal/counter"
	"github.com/park285/novelist-quota-go/internal/diag"
	"github.com/park285/novelist-quota-go/internal/handler"
	"github.com/park285/novelist-quota-go/internal/health"
	"github.com/park285/novelist-quota-go/internal/perf"
	"github.com/park285/novelist-quota-go/internal/server"
)

func InitializeApp() (*App, error) {
	wire.Build(
		config.ProvideConfig,
		ProvideLogger,
		ProvideValkeyClient,
		ProvideDatabase,
		ProvideRepository,
		ProvideCacheStore,
		ProvideDedupGuard,
		ProvideSyncManager,
		counter.New,
		perf.NewRecorder,
		diag.New,
		health.New,
		handler.NewQuotaHandler,
		handler.NewAdminHandler,
		handler.NewRouter,
		server.NewHTTPServer,
		NewApp,
	)
	return nil, nil
}
