// Package domain 은 사용량 쿼터 엔진 전반에서 공유되는 도메인 타입을 정의한다.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// RequestType 은 과금 대상 AI 요청의 종류다.
type RequestType string

const (
	// RequestTypeFast 는 기본(빠른) 모델 요청이다.
	RequestTypeFast RequestType = "fast"
	// RequestTypePremium 는 프리미엄 모델 요청이다.
	RequestTypePremium RequestType = "premium"
)

// ParseRequestType 은 문자열을 RequestType 으로 변환한다.
func ParseRequestType(value string) (RequestType, error) {
	switch RequestType(strings.ToLower(strings.TrimSpace(value))) {
	case RequestTypeFast:
		return RequestTypeFast, nil
	case RequestTypePremium:
		return RequestTypePremium, nil
	default:
		return "", fmt.Errorf("unknown request type: %s", value)
	}
}

// CheckResult 는 checkAndUpdateUsage 호출의 결과다.
// Deduplicated 가 true 이면 이전 요청의 결과를 그대로 반환한 것이며
// 버퍼는 변경되지 않았다.
type CheckResult struct {
	Accepted     bool  `json:"accepted"`
	Deduplicated bool  `json:"deduplicated"`
	Remaining    int64 `json:"remaining"`
}

// UsageSnapshot 는 캐시에 저장되는 사용자별 사용량 스냅샷이다.
// 모든 필드는 항상 존재한다. (버퍼가 없으면 0)
type UsageSnapshot struct {
	UserID        string
	PremiumUsed   int64
	PremiumLimit  int64
	FastUsed      int64
	FastLimit     int64
	PremiumBuffer int64
	FastBuffer    int64
	CacheTime     time.Time
	LastSync      time.Time
	LastActivity  time.Time
	SessionStart  time.Time
}

// Used 는 요청 종류별 durable 사용량을 반환한다.
func (s UsageSnapshot) Used(rt RequestType) int64 {
	if rt == RequestTypePremium {
		return s.PremiumUsed
	}
	return s.FastUsed
}

// Limit 는 요청 종류별 한도를 반환한다. 음수는 무제한을 의미한다.
func (s UsageSnapshot) Limit(rt RequestType) int64 {
	if rt == RequestTypePremium {
		return s.PremiumLimit
	}
	return s.FastLimit
}

// Buffer 는 요청 종류별 미반영(버퍼) 사용량을 반환한다.
func (s UsageSnapshot) Buffer(rt RequestType) int64 {
	if rt == RequestTypePremium {
		return s.PremiumBuffer
	}
	return s.FastBuffer
}

// EffectiveUsed 는 durable 사용량과 버퍼를 합한 유효 사용량이다.
// 한도 비교는 항상 이 값으로 수행한다.
func (s UsageSnapshot) EffectiveUsed(rt RequestType) int64 {
	return s.Used(rt) + s.Buffer(rt)
}

// HasPendingBuffer 는 아직 durable 저장소에 반영되지 않은 증가분이 있는지 반환한다.
func (s UsageSnapshot) HasPendingBuffer() bool {
	return s.PremiumBuffer > 0 || s.FastBuffer > 0
}

// UserUsageReport 는 durable 레코드와 캐시 스냅샷을 병합한 운영용 보고서다.
type UserUsageReport struct {
	UserID             string    `json:"user_id"`
	SubscriptionStatus string    `json:"subscription_status"`
	PlanName           string    `json:"plan_name"`
	FastUsed           int64     `json:"fast_used"`
	FastBuffer         int64     `json:"fast_buffer"`
	FastEffective      int64     `json:"fast_effective"`
	FastLimit          int64     `json:"fast_limit"`
	PremiumUsed        int64     `json:"premium_used"`
	PremiumBuffer      int64     `json:"premium_buffer"`
	PremiumEffective   int64     `json:"premium_effective"`
	PremiumLimit       int64     `json:"premium_limit"`
	LastResetAt        time.Time `json:"last_reset_at"`
	Cached             bool      `json:"cached"`
	CacheAgeSeconds    float64   `json:"cache_age_seconds"`
	LastSyncAt         time.Time `json:"last_sync_at"`
	IsActive           bool      `json:"is_active"`
	SyncState          SyncState `json:"sync_state"`
}

// SyncState 는 사용자 단위 동기화 상태다.
type SyncState string

const (
	// SyncStateIdle 는 버퍼가 비어 있고 동기화 대기열에도 없는 상태다.
	SyncStateIdle SyncState = "idle"
	// SyncStatePending 는 버퍼가 있어 다음 플러시를 기다리는 상태다.
	SyncStatePending SyncState = "pending_sync"
	// SyncStateSyncing 는 플러시가 진행 중인 상태다.
	SyncStateSyncing SyncState = "syncing"
)

// ActiveUsersStats 는 동기화 스케줄러의 현재 작업 집합 통계다.
type ActiveUsersStats struct {
	IsRunning        bool     `json:"is_running"`
	ActiveUsersCount int      `json:"active_users_count"`
	ActiveUsers      []string `json:"active_users"`
}

// PerformanceStats 는 동기화 사이클 누적 통계다.
type PerformanceStats struct {
	TotalSyncs    int64   `json:"total_syncs"`
	AvgSyncTimeMs float64 `json:"avg_sync_time_ms"`
	ErrorRate     float64 `json:"error_rate"`
	SyncPerHour   float64 `json:"sync_per_hour"`
	UptimeHours   float64 `json:"uptime_hours"`
}

// SyncDiagnosis 는 durable 진실과 캐시 스냅샷 간 불일치 보고서다.
type SyncDiagnosis struct {
	UserID          string        `json:"user_id"`
	Cached          bool          `json:"cached"`
	InActiveSet     bool          `json:"in_active_set"`
	FastBuffer      int64         `json:"fast_buffer"`
	PremiumBuffer   int64         `json:"premium_buffer"`
	FastDrift       int64         `json:"fast_drift"`
	PremiumDrift    int64         `json:"premium_drift"`
	StuckMembership bool          `json:"stuck_membership"`
	StaleBuffer     bool          `json:"stale_buffer"`
	SnapshotTTL     time.Duration `json:"snapshot_ttl_ms"`
	LastActivityAt  time.Time     `json:"last_activity_at"`
	LastSyncAt      time.Time     `json:"last_sync_at"`
}

// DuplicateSyncDiagnosis 는 동일 사용자에 대한 동시 플러시 관측 보고서다.
// 락 충돌 횟수가 0 이 아니면 설계 가정이 깨졌다는 신호이므로 조사가 필요하다.
type DuplicateSyncDiagnosis struct {
	UserID         string        `json:"user_id"`
	LockHeld       bool          `json:"lock_held"`
	LockTTL        time.Duration `json:"lock_ttl_ms"`
	CollisionCount int64         `json:"collision_count"`
}
