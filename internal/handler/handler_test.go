package handler

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	json "github.com/goccy/go-json"
	"github.com/valkey-io/valkey-go"
	"gorm.io/gorm"

	"github.com/park285/novelist-quota-go/internal/cachestore"
	"github.com/park285/novelist-quota-go/internal/config"
	"github.com/park285/novelist-quota-go/internal/counter"
	"github.com/park285/novelist-quota-go/internal/dedup"
	"github.com/park285/novelist-quota-go/internal/diag"
	"github.com/park285/novelist-quota-go/internal/health"
	"github.com/park285/novelist-quota-go/internal/perf"
	"github.com/park285/novelist-quota-go/internal/syncer"
	"github.com/park285/novelist-quota-go/internal/usagedb"
)

const (
	testAPIKey   = "test-api-key"
	testAdminKey = "test-admin-key"
)

type testEnv struct {
	router  *gin.Engine
	repo    *usagedb.Repository
	cache   *cachestore.Store
	manager *syncer.Manager
	mr      *miniredis.Miniredis
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress:       []string{mr.Addr()},
		DisableCache:      true,
		ForceSingleClient: true,
	})
	if err != nil {
		t.Fatalf("valkey client create failed: %v", err)
	}
	t.Cleanup(client.Close)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatal(err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatal(err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cache := cachestore.New(client, logger, 10*time.Minute)
	guard := dedup.New(client, logger, 3*time.Second, time.Second)
	repo := usagedb.New(db, logger)
	if err := repo.AutoMigrate(); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}

	fastPath := counter.New(cache, guard, repo, logger)
	recorder := perf.NewRecorder()
	manager := syncer.New(config.SyncConfig{
		IntervalSeconds:     1,
		FlushTimeoutSeconds: 5,
		MaxBackoffSeconds:   10,
		Concurrency:         2,
	}, cache, repo, recorder, logger)
	t.Cleanup(manager.Stop)

	diagService := diag.New(cache, guard, repo, logger)
	checker := health.New(cache, repo, manager)

	cfg := &config.Config{
		Logging:  config.LoggingConfig{Level: "info"},
		HTTPAuth: config.HTTPAuthConfig{APIKey: testAPIKey, AdminKey: testAdminKey},
	}

	quotaHandler := NewQuotaHandler(fastPath, logger)
	adminHandler := NewAdminHandler(cfg, fastPath, manager, diagService, cache, recorder, logger)
	router := NewRouter(cfg, logger, quotaHandler, adminHandler, checker)

	return &testEnv{
		router:  router,
		repo:    repo,
		cache:   cache,
		manager: manager,
		mr:      mr,
	}
}

func (e *testEnv) seedUser(t *testing.T, userID string, fastUsed, fastLimit int64) {
	t.Helper()
	err := e.repo.Save(context.Background(), &usagedb.UserUsage{
		UserID:             userID,
		SubscriptionStatus: "active",
		PlanName:           "pro",
		FastUsed:           fastUsed,
		FastLimit:          fastLimit,
		PremiumLimit:       10,
	})
	if err != nil {
		t.Fatalf("seed user failed: %v", err)
	}
}

func (e *testEnv) doJSON(t *testing.T, method, path, apiKey string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request failed: %v", err)
		}
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	resp := httptest.NewRecorder()
	e.router.ServeHTTP(resp, req)
	return resp
}

func decodeBody(t *testing.T, resp *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response failed: %v (%s)", err, resp.Body.String())
	}
	return payload
}

func TestQuotaCheckAcceptsAndCounts(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "u1", 0, 5)

	resp := env.doJSON(t, http.MethodPost, "/api/quota/check", testAPIKey, map[string]any{
		"user_id":      "u1",
		"request_type": "fast",
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}

	payload := decodeBody(t, resp)
	if payload["accepted"] != true {
		t.Fatalf("expected accepted, got %v", payload)
	}
	if payload["remaining"].(float64) != 4 {
		t.Fatalf("expected remaining 4, got %v", payload["remaining"])
	}
	if payload["deduplicated"] != false {
		t.Fatalf("expected deduplicated false, got %v", payload)
	}
}

func TestQuotaCheckRequiresAPIKey(t *testing.T) {
	env := newTestEnv(t)

	resp := env.doJSON(t, http.MethodPost, "/api/quota/check", "", map[string]any{
		"user_id":      "u1",
		"request_type": "fast",
	})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}

func TestQuotaCheckValidation(t *testing.T) {
	env := newTestEnv(t)

	resp := env.doJSON(t, http.MethodPost, "/api/quota/check", testAPIKey, map[string]any{
		"user_id": "u1",
	})
	if resp.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", resp.Code, resp.Body.String())
	}
}

func TestQuotaCheckUnknownUser(t *testing.T) {
	env := newTestEnv(t)

	resp := env.doJSON(t, http.MethodPost, "/api/quota/check", testAPIKey, map[string]any{
		"user_id":      "ghost",
		"request_type": "fast",
	})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", resp.Code, resp.Body.String())
	}
}

func TestQuotaCheckDeduplicates(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "u1", 0, 5)

	body := map[string]any{
		"user_id":         "u1",
		"request_type":    "fast",
		"idempotency_key": "draft-42",
	}

	first := env.doJSON(t, http.MethodPost, "/api/quota/check", testAPIKey, body)
	if first.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", first.Code)
	}
	second := env.doJSON(t, http.MethodPost, "/api/quota/check", testAPIKey, body)
	if second.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", second.Code)
	}

	payload := decodeBody(t, second)
	if payload["deduplicated"] != true {
		t.Fatalf("expected deduplicated second response, got %v", payload)
	}
	if payload["remaining"].(float64) != 4 {
		t.Fatalf("expected remaining 4 on replay, got %v", payload["remaining"])
	}
}

func TestAdminRequiresAdminKey(t *testing.T) {
	env := newTestEnv(t)

	resp := env.doJSON(t, http.MethodPost, "/api/admin/actions", testAPIKey, map[string]any{
		"action": "check_sync_manager",
	})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with non-admin key, got %d", resp.Code)
	}
}

func TestAdminUnknownAction(t *testing.T) {
	env := newTestEnv(t)

	resp := env.doJSON(t, http.MethodPost, "/api/admin/actions", testAdminKey, map[string]any{
		"action": "explode",
	})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", resp.Code, resp.Body.String())
	}
}

func TestAdminActionMissingUserID(t *testing.T) {
	env := newTestEnv(t)

	resp := env.doJSON(t, http.MethodPost, "/api/admin/actions", testAdminKey, map[string]any{
		"action": "sync_user",
	})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", resp.Code, resp.Body.String())
	}
}

func TestAdminSyncUserFlushesBuffer(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "u1", 0, 10)

	for _, key := range []string{"req-1", "req-2"} {
		resp := env.doJSON(t, http.MethodPost, "/api/quota/check", testAPIKey, map[string]any{
			"user_id":         "u1",
			"request_type":    "fast",
			"idempotency_key": key,
		})
		if resp.Code != http.StatusOK {
			t.Fatalf("check failed: %d", resp.Code)
		}
	}

	resp := env.doJSON(t, http.MethodPost, "/api/admin/actions", testAdminKey, map[string]any{
		"action": "sync_user",
		"params": map[string]any{"user_id": "u1"},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}

	record, err := env.repo.Get(context.Background(), "u1")
	if err != nil {
		t.Fatalf("get user failed: %v", err)
	}
	if record.FastUsed != 2 {
		t.Fatalf("expected durable fast_used 2, got %d", record.FastUsed)
	}
}

func TestAdminSyncAllUsers(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "u1", 0, 10)

	resp := env.doJSON(t, http.MethodPost, "/api/quota/check", testAPIKey, map[string]any{
		"user_id":      "u1",
		"request_type": "fast",
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("check failed: %d", resp.Code)
	}

	resp = env.doJSON(t, http.MethodPost, "/api/admin/actions", testAdminKey, map[string]any{
		"action": "sync_all_users",
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	payload := decodeBody(t, resp)
	if payload["synced_users"].(float64) != 1 {
		t.Fatalf("expected 1 synced user, got %v", payload["synced_users"])
	}
	// 스케줄러가 멈춰 있으면 후속 사이클 요청은 생략된다.
	if payload["scheduler_triggered"] != false {
		t.Fatalf("expected scheduler_triggered false, got %v", payload)
	}

	env.manager.Start()
	t.Cleanup(env.manager.Stop)
	resp = env.doJSON(t, http.MethodPost, "/api/admin/actions", testAdminKey, map[string]any{
		"action": "sync_all_users",
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if payload = decodeBody(t, resp); payload["scheduler_triggered"] != true {
		t.Fatalf("expected scheduler_triggered true, got %v", payload)
	}

	record, err := env.repo.Get(context.Background(), "u1")
	if err != nil {
		t.Fatalf("get user failed: %v", err)
	}
	if record.FastUsed != 1 {
		t.Fatalf("expected durable fast_used 1, got %d", record.FastUsed)
	}
}

func TestAdminGetUserStats(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "u1", 3, 10)

	resp := env.doJSON(t, http.MethodPost, "/api/admin/actions", testAdminKey, map[string]any{
		"action": "get_user_stats",
		"params": map[string]any{"user_id": "u1"},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}

	payload := decodeBody(t, resp)
	if payload["user_id"] != "u1" {
		t.Fatalf("unexpected user_id: %v", payload["user_id"])
	}
	if payload["fast_used"].(float64) != 3 {
		t.Fatalf("expected fast_used 3, got %v", payload["fast_used"])
	}
}

func TestAdminCheckSyncManager(t *testing.T) {
	env := newTestEnv(t)

	resp := env.doJSON(t, http.MethodPost, "/api/admin/actions", testAdminKey, map[string]any{
		"action": "check_sync_manager",
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}

	payload := decodeBody(t, resp)
	if payload["is_running"] != false {
		t.Fatalf("expected is_running false, got %v", payload)
	}
}

func TestAdminSimulateUsage(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "u1", 0, 10)

	resp := env.doJSON(t, http.MethodPost, "/api/admin/actions", testAdminKey, map[string]any{
		"action": "simulate_usage",
		"params": map[string]any{"user_id": "u1", "request_type": "fast", "count": 3},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}

	payload := decodeBody(t, resp)
	if payload["accepted"].(float64) != 3 {
		t.Fatalf("expected 3 accepted, got %v", payload)
	}
	if payload["remaining"].(float64) != 7 {
		t.Fatalf("expected remaining 7, got %v", payload["remaining"])
	}
}

func TestAdminTestDuplicatePrevention(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "u1", 0, 10)

	resp := env.doJSON(t, http.MethodPost, "/api/admin/actions", testAdminKey, map[string]any{
		"action": "test_duplicate_prevention",
		"params": map[string]any{"user_id": "u1"},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}

	payload := decodeBody(t, resp)
	if payload["prevention_working"] != true {
		t.Fatalf("expected prevention_working true, got %v", payload)
	}
}

func TestAdminPerformanceRoutes(t *testing.T) {
	env := newTestEnv(t)

	resp := env.doJSON(t, http.MethodGet, "/api/admin/performance", testAdminKey, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	payload := decodeBody(t, resp)
	if _, ok := payload["total_syncs"]; !ok {
		t.Fatalf("expected total_syncs field, got %v", payload)
	}

	reset := env.doJSON(t, http.MethodPost, "/api/admin/performance/reset", testAdminKey, nil)
	if reset.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", reset.Code)
	}
}

func TestHealthRoutes(t *testing.T) {
	env := newTestEnv(t)

	resp := env.doJSON(t, http.MethodGet, "/health", "", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	ready := env.doJSON(t, http.MethodGet, "/health/ready", "", nil)
	if ready.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while scheduler stopped, got %d", ready.Code)
	}

	env.manager.Start()
	readyAgain := env.doJSON(t, http.MethodGet, "/health/ready", "", nil)
	if readyAgain.Code != http.StatusOK {
		t.Fatalf("expected 200 once scheduler running, got %d: %s", readyAgain.Code, readyAgain.Body.String())
	}
}
