package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/park285/novelist-quota-go/internal/counter"
	"github.com/park285/novelist-quota-go/internal/domain"
	"github.com/park285/novelist-quota-go/internal/handler/shared"
	"github.com/park285/novelist-quota-go/internal/httperror"
)

// QuotaCheckRequest 는 사용량 검사 요청 본문이다.
type QuotaCheckRequest struct {
	UserID         string `json:"user_id" binding:"required"`
	RequestType    string `json:"request_type" binding:"required,oneof=fast premium"`
	IdempotencyKey string `json:"idempotency_key"`
}

// QuotaCheckResponse 는 사용량 검사 응답 본문이다.
type QuotaCheckResponse struct {
	UserID       string `json:"user_id"`
	RequestType  string `json:"request_type"`
	Accepted     bool   `json:"accepted"`
	Deduplicated bool   `json:"deduplicated"`
	Remaining    int64  `json:"remaining"`
}

// QuotaHandler 는 사용량 검사 API 핸들러다.
type QuotaHandler struct {
	counter *counter.FastPath
	logger  *slog.Logger
}

// NewQuotaHandler 는 사용량 검사 핸들러를 생성한다.
func NewQuotaHandler(fastPath *counter.FastPath, logger *slog.Logger) *QuotaHandler {
	return &QuotaHandler{
		counter: fastPath,
		logger:  logger,
	}
}

// RegisterRoutes: 사용량 검사 라우트를 등록합니다.
func (h *QuotaHandler) RegisterRoutes(router *gin.Engine) {
	group := router.Group("/api/quota")
	group.POST("/check", h.handleCheck)
}

func (h *QuotaHandler) handleCheck(c *gin.Context) {
	var req QuotaCheckRequest
	if !bindJSON(c, &req) {
		return
	}

	rt, err := domain.ParseRequestType(req.RequestType)
	if err != nil {
		writeError(c, httperror.NewInvalidInput(err.Error()))
		return
	}

	result, err := h.counter.CheckAndUpdateUsage(c.Request.Context(), req.UserID, rt, counter.Options{
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.logError(err)
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, QuotaCheckResponse{
		UserID:       req.UserID,
		RequestType:  string(rt),
		Accepted:     result.Accepted,
		Deduplicated: result.Deduplicated,
		Remaining:    result.Remaining,
	})
}

func (h *QuotaHandler) logError(err error) {
	shared.LogError(h.logger, "quota", err)
}
