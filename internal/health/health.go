package health

import (
	"context"
	"time"

	"github.com/park285/novelist-quota-go/internal/cachestore"
	"github.com/park285/novelist-quota-go/internal/syncer"
	"github.com/park285/novelist-quota-go/internal/usagedb"
)

var startTime = time.Now()

const probeTimeout = 2 * time.Second

// Component 는 상태 구성 요소다.
type Component struct {
	Status string         `json:"status"`
	Detail map[string]any `json:"detail"`
}

// Response 는 상태 응답 본문이다.
type Response struct {
	Status     string               `json:"status"`
	Components map[string]Component `json:"components"`
}

// Checker 는 쿼터 엔진 구성 요소의 헬스 상태를 수집한다.
type Checker struct {
	cache   *cachestore.Store
	repo    *usagedb.Repository
	manager *syncer.Manager
}

// New 는 헬스 체커를 생성한다.
func New(cache *cachestore.Store, repo *usagedb.Repository, manager *syncer.Manager) *Checker {
	return &Checker{cache: cache, repo: repo, manager: manager}
}

// Collect 는 헬스 상태를 수집한다.
// deepChecks 가 false 면 외부 의존성을 건드리지 않는 shallow 체크만 수행한다.
func (c *Checker) Collect(ctx context.Context, deepChecks bool) Response {
	if ctx == nil {
		ctx = context.Background()
	}

	components := make(map[string]Component)
	components["app"] = buildAppStatus()
	components["sync_scheduler"] = c.buildSchedulerStatus()

	if deepChecks {
		checkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), probeTimeout)
		defer cancel()

		components["cache"] = c.buildCacheStatus(checkCtx)
		components["database"] = c.buildDatabaseStatus(checkCtx)
	}

	overall := "ok"
	for _, component := range components {
		if component.Status != "ok" {
			overall = "degraded"
			break
		}
	}

	return Response{
		Status:     overall,
		Components: components,
	}
}

func buildAppStatus() Component {
	uptimeSeconds := int(time.Since(startTime).Seconds())
	return Component{
		Status: "ok",
		Detail: map[string]any{
			"uptime_seconds": uptimeSeconds,
		},
	}
}

func (c *Checker) buildSchedulerStatus() Component {
	isRunning := false
	var successes, failures, collisions int64
	if c.manager != nil {
		isRunning = c.manager.IsRunning()
		successes, failures, collisions = c.manager.FlushTotals()
	}

	status := "ok"
	if !isRunning {
		status = "degraded"
	}

	return Component{
		Status: status,
		Detail: map[string]any{
			"is_running":       isRunning,
			"flush_successes":  successes,
			"flush_failures":   failures,
			"flush_collisions": collisions,
		},
	}
}

func (c *Checker) buildCacheStatus(ctx context.Context) Component {
	status := "ok"
	detail := map[string]any{}

	if c.cache == nil {
		return Component{Status: "degraded", Detail: map[string]any{"error": "cache store not configured"}}
	}

	if err := c.cache.Ping(ctx); err != nil {
		status = "degraded"
		detail["error"] = err.Error()
	} else {
		count, err := c.cache.ActiveUserCount(ctx)
		if err != nil {
			detail["active_users_error"] = err.Error()
		} else {
			detail["active_users"] = count
		}
	}

	return Component{Status: status, Detail: detail}
}

func (c *Checker) buildDatabaseStatus(ctx context.Context) Component {
	status := "ok"
	detail := map[string]any{}

	if c.repo == nil {
		return Component{Status: "degraded", Detail: map[string]any{"error": "repository not configured"}}
	}

	if err := c.repo.Ping(ctx); err != nil {
		status = "degraded"
		detail["error"] = err.Error()
	}

	return Component{Status: status, Detail: detail}
}
