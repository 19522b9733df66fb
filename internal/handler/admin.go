package handler

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/park285/novelist-quota-go/internal/cachestore"
	"github.com/park285/novelist-quota-go/internal/config"
	"github.com/park285/novelist-quota-go/internal/counter"
	"github.com/park285/novelist-quota-go/internal/diag"
	"github.com/park285/novelist-quota-go/internal/domain"
	"github.com/park285/novelist-quota-go/internal/handler/shared"
	"github.com/park285/novelist-quota-go/internal/httperror"
	"github.com/park285/novelist-quota-go/internal/middleware"
	"github.com/park285/novelist-quota-go/internal/perf"
	"github.com/park285/novelist-quota-go/internal/syncer"
)

// 관리 액션 이름
const (
	actionSyncUser          = "sync_user"
	actionDiagnoseUser      = "diagnose_user"
	actionGetUserStats      = "get_user_stats"
	actionCheckSyncManager  = "check_sync_manager"
	actionSyncAllUsers      = "sync_all_users"
	actionGetCacheStats     = "get_cache_stats"
	actionClearCache        = "clear_cache"
	actionTestCacheDB       = "test_cache_db"
	actionDiagnoseDupSync   = "diagnose_duplicate_sync"
	actionClearSyncState    = "clear_sync_state"
	actionTestDupPrevention = "test_duplicate_prevention"
	actionSimulateUsage     = "simulate_usage"
)

// simulateUsageMaxCount 는 simulate_usage 1회 호출당 허용되는 최대 주입 건수다.
const simulateUsageMaxCount = 100

// AdminActionRequest 는 관리 액션 요청 본문이다.
type AdminActionRequest struct {
	Action string         `json:"action" binding:"required"`
	Params map[string]any `json:"params"`
}

// userParams 는 사용자 단위 액션의 공통 파라미터다.
type userParams struct {
	UserID string `json:"user_id"`
}

// usageTestParams 는 사용량 테스트 액션의 파라미터다.
type usageTestParams struct {
	UserID      string `json:"user_id"`
	RequestType string `json:"request_type"`
	Count       int    `json:"count"`
}

// AdminHandler 는 운영용 관리 API 핸들러다.
type AdminHandler struct {
	cfg     *config.Config
	counter *counter.FastPath
	manager *syncer.Manager
	diag    *diag.Service
	cache   *cachestore.Store
	perf    *perf.Recorder
	logger  *slog.Logger
}

// NewAdminHandler 는 관리 핸들러를 생성한다.
func NewAdminHandler(
	cfg *config.Config,
	fastPath *counter.FastPath,
	manager *syncer.Manager,
	diagService *diag.Service,
	cache *cachestore.Store,
	recorder *perf.Recorder,
	logger *slog.Logger,
) *AdminHandler {
	return &AdminHandler{
		cfg:     cfg,
		counter: fastPath,
		manager: manager,
		diag:    diagService,
		cache:   cache,
		perf:    recorder,
		logger:  logger,
	}
}

// RegisterRoutes: 관리 라우트를 등록합니다. 관리 키 인증이 적용됩니다.
func (h *AdminHandler) RegisterRoutes(router *gin.Engine) {
	group := router.Group("/api/admin", middleware.AdminKeyAuth(h.cfg))
	group.POST("/actions", h.handleAction)
	group.GET("/performance", h.handlePerformance)
	group.POST("/performance/reset", h.handlePerformanceReset)
}

func (h *AdminHandler) handleAction(c *gin.Context) {
	var req AdminActionRequest
	if !bindJSON(c, &req) {
		return
	}

	switch req.Action {
	case actionSyncUser:
		h.handleSyncUser(c, req.Params)
	case actionDiagnoseUser:
		h.handleDiagnoseUser(c, req.Params)
	case actionGetUserStats:
		h.handleGetUserStats(c, req.Params)
	case actionCheckSyncManager:
		h.handleCheckSyncManager(c)
	case actionSyncAllUsers:
		h.handleSyncAllUsers(c)
	case actionGetCacheStats:
		h.handleGetCacheStats(c)
	case actionClearCache:
		h.handleClearCache(c, req.Params)
	case actionTestCacheDB:
		h.handleTestCacheDB(c, req.Params)
	case actionDiagnoseDupSync:
		h.handleDiagnoseDuplicateSync(c, req.Params)
	case actionClearSyncState:
		h.handleClearSyncState(c, req.Params)
	case actionTestDupPrevention:
		h.handleTestDuplicatePrevention(c, req.Params)
	case actionSimulateUsage:
		h.handleSimulateUsage(c, req.Params)
	default:
		writeError(c, httperror.NewUnknownAction(req.Action))
	}
}

func (h *AdminHandler) handleSyncUser(c *gin.Context, params map[string]any) {
	userID, ok := h.requireUserID(c, params)
	if !ok {
		return
	}

	if err := h.manager.FlushUser(c.Request.Context(), userID); err != nil {
		h.logError(err)
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"user_id": userID, "synced": true})
}

func (h *AdminHandler) handleDiagnoseUser(c *gin.Context, params map[string]any) {
	userID, ok := h.requireUserID(c, params)
	if !ok {
		return
	}

	diagnosis, err := h.diag.DiagnoseUserSync(c.Request.Context(), userID)
	if err != nil {
		h.logError(err)
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, diagnosis)
}

func (h *AdminHandler) handleGetUserStats(c *gin.Context, params map[string]any) {
	userID, ok := h.requireUserID(c, params)
	if !ok {
		return
	}

	report, err := h.diag.UserUsageReport(c.Request.Context(), userID)
	if err != nil {
		h.logError(err)
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, report)
}

func (h *AdminHandler) handleCheckSyncManager(c *gin.Context) {
	stats, err := h.manager.ActiveUsersStats(c.Request.Context())
	if err != nil {
		h.logError(err)
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, stats)
}

func (h *AdminHandler) handleSyncAllUsers(c *gin.Context) {
	synced, err := h.manager.SyncAllUsers(c.Request.Context())
	if err != nil {
		h.logError(err)
		writeError(c, err)
		return
	}

	// 락 충돌로 건너뛴 사용자는 루프의 다음 사이클이 마저 처리한다.
	triggered := h.manager.TriggerSync() == nil

	c.JSON(http.StatusOK, gin.H{"synced_users": synced, "scheduler_triggered": triggered})
}

func (h *AdminHandler) handleGetCacheStats(c *gin.Context) {
	activeUsers, err := h.cache.ActiveUserCount(c.Request.Context())
	if err != nil {
		h.logError(err)
		writeError(c, err)
		return
	}

	successes, failures, collisions := h.manager.FlushTotals()
	c.JSON(http.StatusOK, gin.H{
		"active_users":     activeUsers,
		"flush_successes":  successes,
		"flush_failures":   failures,
		"flush_collisions": collisions,
		"performance":      h.perf.Stats(),
	})
}

func (h *AdminHandler) handleClearCache(c *gin.Context, params map[string]any) {
	userID, ok := h.requireUserID(c, params)
	if !ok {
		return
	}

	if err := h.cache.ClearUser(c.Request.Context(), userID); err != nil {
		h.logError(err)
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"user_id": userID, "cleared": true})
}

func (h *AdminHandler) handleTestCacheDB(c *gin.Context, params map[string]any) {
	userID, ok := h.requireUserID(c, params)
	if !ok {
		return
	}

	response := gin.H{"cache_ok": true, "database_ok": true}
	if err := h.diag.TestCacheRoundTrip(c.Request.Context()); err != nil {
		h.logError(err)
		response["cache_ok"] = false
		response["cache_error"] = err.Error()
	}
	if err := h.diag.TestDatabaseUpdate(c.Request.Context(), userID); err != nil {
		h.logError(err)
		response["database_ok"] = false
		response["database_error"] = err.Error()
	}

	c.JSON(http.StatusOK, response)
}

func (h *AdminHandler) handleDiagnoseDuplicateSync(c *gin.Context, params map[string]any) {
	userID, ok := h.requireUserID(c, params)
	if !ok {
		return
	}

	diagnosis, err := h.diag.DiagnoseDuplicateSync(c.Request.Context(), userID)
	if err != nil {
		h.logError(err)
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, diagnosis)
}

func (h *AdminHandler) handleClearSyncState(c *gin.Context, params map[string]any) {
	userID, ok := h.requireUserID(c, params)
	if !ok {
		return
	}

	if err := h.diag.ForceClearUserSyncState(c.Request.Context(), userID); err != nil {
		h.logError(err)
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"user_id": userID, "cleared": true})
}

// handleTestDuplicatePrevention 는 동일 멱등 키로 두 번 과금을 시도해
// 두 번째 요청이 중복 처리되는지 검증한다.
func (h *AdminHandler) handleTestDuplicatePrevention(c *gin.Context, params map[string]any) {
	decoded, ok := h.decodeUsageTestParams(c, params)
	if !ok {
		return
	}

	rt, ok := h.parseRequestType(c, decoded.RequestType)
	if !ok {
		return
	}

	key := "dup-test-" + strconv.FormatInt(time.Now().UnixNano(), 36)
	opts := counter.Options{IdempotencyKey: key}

	first, err := h.counter.CheckAndUpdateUsage(c.Request.Context(), decoded.UserID, rt, opts)
	if err != nil {
		h.logError(err)
		writeError(c, err)
		return
	}

	second, err := h.counter.CheckAndUpdateUsage(c.Request.Context(), decoded.UserID, rt, opts)
	if err != nil {
		h.logError(err)
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id":            decoded.UserID,
		"request_type":       string(rt),
		"first":              first,
		"second":             second,
		"prevention_working": second.Deduplicated,
	})
}

// handleSimulateUsage 는 중복 방지를 우회하여 count 건의 사용량을 주입한다.
// 운영 환경에서 과금 동작을 재현할 때만 사용한다.
func (h *AdminHandler) handleSimulateUsage(c *gin.Context, params map[string]any) {
	decoded, ok := h.decodeUsageTestParams(c, params)
	if !ok {
		return
	}

	rt, ok := h.parseRequestType(c, decoded.RequestType)
	if !ok {
		return
	}

	count := decoded.Count
	if count <= 0 {
		count = 1
	}
	if count > simulateUsageMaxCount {
		writeError(c, httperror.NewInvalidInput(
			fmt.Sprintf("count must be at most %d", simulateUsageMaxCount)))
		return
	}

	accepted := 0
	var lastRemaining int64
	for range count {
		result, err := h.counter.CheckAndUpdateUsage(c.Request.Context(), decoded.UserID, rt, counter.Options{
			SkipDeduplication: true,
		})
		if err != nil {
			h.logError(err)
			writeError(c, err)
			return
		}
		if result.Accepted {
			accepted++
		}
		lastRemaining = result.Remaining
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id":      decoded.UserID,
		"request_type": string(rt),
		"requested":    count,
		"accepted":     accepted,
		"remaining":    lastRemaining,
	})
}

func (h *AdminHandler) handlePerformance(c *gin.Context) {
	c.JSON(http.StatusOK, h.perf.Stats())
}

func (h *AdminHandler) handlePerformanceReset(c *gin.Context) {
	h.perf.Reset()
	c.JSON(http.StatusOK, gin.H{"reset": true})
}

func (h *AdminHandler) requireUserID(c *gin.Context, params map[string]any) (string, bool) {
	var decoded userParams
	if err := shared.Decode(params, &decoded); err != nil {
		writeError(c, httperror.NewInvalidInput(err.Error()))
		return "", false
	}
	if decoded.UserID == "" {
		writeError(c, httperror.NewMissingField("user_id"))
		return "", false
	}
	return decoded.UserID, true
}

func (h *AdminHandler) decodeUsageTestParams(c *gin.Context, params map[string]any) (usageTestParams, bool) {
	var decoded usageTestParams
	if err := shared.Decode(params, &decoded); err != nil {
		writeError(c, httperror.NewInvalidInput(err.Error()))
		return usageTestParams{}, false
	}
	if decoded.UserID == "" {
		writeError(c, httperror.NewMissingField("user_id"))
		return usageTestParams{}, false
	}
	return decoded, true
}

func (h *AdminHandler) parseRequestType(c *gin.Context, raw string) (domain.RequestType, bool) {
	if raw == "" {
		return domain.RequestTypeFast, true
	}
	rt, err := domain.ParseRequestType(raw)
	if err != nil {
		writeError(c, httperror.NewInvalidInput(err.Error()))
		return "", false
	}
	return rt, true
}

func (h *AdminHandler) logError(err error) {
	shared.LogError(h.logger, "admin", err)
}
