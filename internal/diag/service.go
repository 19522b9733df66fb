// Package diag 는 캐시와 durable 저장소 사이의 불일치를 관측하는 운영 진단 도구다.
package diag

import (
	"context"
	"log/slog"
	"time"

	"github.com/park285/novelist-quota-go/internal/cachestore"
	"github.com/park285/novelist-quota-go/internal/dedup"
	"github.com/park285/novelist-quota-go/internal/domain"
	"github.com/park285/novelist-quota-go/internal/usagedb"
)

// staleBufferAge: 이 시간보다 오래 플러시되지 않은 버퍼는 이상 징후로 본다.
const staleBufferAge = time.Minute

// Service 는 진단 질의를 수행한다.
type Service struct {
	cache  *cachestore.Store
	guard  *dedup.Guard
	repo   *usagedb.Repository
	logger *slog.Logger
}

// New 는 진단 서비스를 생성한다.
func New(cache *cachestore.Store, guard *dedup.Guard, repo *usagedb.Repository, logger *slog.Logger) *Service {
	return &Service{
		cache:  cache,
		guard:  guard,
		repo:   repo,
		logger: logger.With("component", "diag"),
	}
}

// UserUsageReport 는 durable 레코드와 캐시 스냅샷을 병합한 보고서를 만든다.
// durable 이 진실이고 캐시는 버퍼 상태를 보태는 역할이다.
func (s *Service) UserUsageReport(ctx context.Context, userID string) (*domain.UserUsageReport, error) {
	record, err := s.repo.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	report := &domain.UserUsageReport{
		UserID:             userID,
		SubscriptionStatus: record.SubscriptionStatus,
		PlanName:           record.PlanName,
		FastUsed:           record.FastUsed,
		FastEffective:      record.FastUsed,
		FastLimit:          record.FastLimit,
		PremiumUsed:        record.PremiumUsed,
		PremiumEffective:   record.PremiumUsed,
		PremiumLimit:       record.PremiumLimit,
		LastResetAt:        record.LastResetAt,
		SyncState:          domain.SyncStateIdle,
	}

	snap, err := s.cache.Snapshot(ctx, userID)
	if err != nil {
		// 캐시가 죽어도 durable 기준 보고는 가능하다.
		s.logger.Warn("report_cache_unavailable", "user_id", userID, "error", err)
		return report, nil
	}
	if snap == nil {
		return report, nil
	}

	report.Cached = true
	report.FastBuffer = snap.FastBuffer
	report.FastEffective = record.FastUsed + snap.FastBuffer
	report.PremiumBuffer = snap.PremiumBuffer
	report.PremiumEffective = record.PremiumUsed + snap.PremiumBuffer
	report.LastSyncAt = snap.LastSync
	if !snap.CacheTime.IsZero() {
		report.CacheAgeSeconds = time.Since(snap.CacheTime).Seconds()
	}

	inActive, err := s.cache.IsActiveUser(ctx, userID)
	if err == nil {
		report.IsActive = inActive
	}
	report.SyncState = s.syncState(ctx, userID, snap, report.IsActive)
	return report, nil
}

func (s *Service) syncState(ctx context.Context, userID string, snap *domain.UsageSnapshot, inActive bool) domain.SyncState {
	_, held, err := s.cache.SyncLockTTL(ctx, userID)
	if err == nil && held {
		return domain.SyncStateSyncing
	}
	if snap.HasPendingBuffer() || inActive {
		return domain.SyncStatePending
	}
	return domain.SyncStateIdle
}

// DiagnoseUserSync 는 사용자 단위 동기화 건강 상태를 점검한다.
// drift 는 캐시에 기록된 used 와 durable used 의 차이다. 버퍼를 제외하고
// 0 이 아니면 플러시 경로에 문제가 있다는 뜻이다.
func (s *Service) DiagnoseUserSync(ctx context.Context, userID string) (*domain.SyncDiagnosis, error) {
	record, err := s.repo.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	diagnosis := &domain.SyncDiagnosis{UserID: userID}

	snap, err := s.cache.Snapshot(ctx, userID)
	if err != nil {
		return nil, err
	}
	inActive, err := s.cache.IsActiveUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	diagnosis.InActiveSet = inActive

	if snap == nil {
		// 스냅샷 없이 active 집합에만 남았다면 정리 누락이다.
		diagnosis.StuckMembership = inActive
		return diagnosis, nil
	}

	diagnosis.Cached = true
	diagnosis.FastBuffer = snap.FastBuffer
	diagnosis.PremiumBuffer = snap.PremiumBuffer
	diagnosis.FastDrift = snap.FastUsed - record.FastUsed
	diagnosis.PremiumDrift = snap.PremiumUsed - record.PremiumUsed
	diagnosis.LastActivityAt = snap.LastActivity
	diagnosis.LastSyncAt = snap.LastSync
	diagnosis.StuckMembership = inActive && !snap.HasPendingBuffer()

	if snap.HasPendingBuffer() && !snap.LastActivity.IsZero() {
		diagnosis.StaleBuffer = time.Since(snap.LastActivity) > staleBufferAge
	}

	ttl, ok, err := s.cache.SnapshotTTL(ctx, userID)
	if err == nil && ok {
		diagnosis.SnapshotTTL = ttl
	}
	return diagnosis, nil
}

// DiagnoseDuplicateSync 는 동일 사용자 동시 플러시 관측치를 반환한다.
func (s *Service) DiagnoseDuplicateSync(ctx context.Context, userID string) (*domain.DuplicateSyncDiagnosis, error) {
	diagnosis := &domain.DuplicateSyncDiagnosis{UserID: userID}

	ttl, held, err := s.cache.SyncLockTTL(ctx, userID)
	if err != nil {
		return nil, err
	}
	diagnosis.LockHeld = held
	diagnosis.LockTTL = ttl

	count, err := s.cache.DuplicateSyncCount(ctx, userID)
	if err != nil {
		return nil, err
	}
	diagnosis.CollisionCount = count
	return diagnosis, nil
}

// ForceClearUserSyncState 는 사용자의 캐시 동기화 상태를 통째로 Idle 로 되돌린다.
// 스냅샷과 active 멤버십, 플러시 락, 충돌 카운터, 중복 마커를 모두 제거하므로
// 다음 요청은 durable 기준으로 재수화된다. 버퍼가 고아가 된 장애 복구 시에만 사용한다.
func (s *Service) ForceClearUserSyncState(ctx context.Context, userID string) error {
	if err := s.cache.ClearUser(ctx, userID); err != nil {
		return err
	}
	removed, err := s.guard.ClearUser(ctx, userID)
	if err != nil {
		return err
	}
	s.logger.Info("sync_state_cleared", "user_id", userID, "dedup_markers_removed", removed)
	return nil
}

// TestDatabaseUpdate 는 durable 쓰기 경로를 검사한다.
func (s *Service) TestDatabaseUpdate(ctx context.Context, userID string) error {
	return s.repo.TestUpdate(ctx, userID)
}

// TestCacheRoundTrip 은 캐시 왕복 경로를 검사한다.
func (s *Service) TestCacheRoundTrip(ctx context.Context) error {
	return s.cache.RoundTripTest(ctx)
}
