// Package counter 는 과금 요청의 fast path 판정을 담당한다.
// 정상 경로는 durable 저장소를 거치지 않고 캐시 스냅샷만으로
// 한도 비교와 버퍼 적립을 끝낸다. durable 반영은 syncer 가 맡는다.
package counter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/park285/novelist-quota-go/internal/cachestore"
	"github.com/park285/novelist-quota-go/internal/dedup"
	"github.com/park285/novelist-quota-go/internal/domain"
	"github.com/park285/novelist-quota-go/internal/qerrors"
	"github.com/park285/novelist-quota-go/internal/usagedb"
)

// Options 는 단일 판정 호출의 동작을 조정한다.
type Options struct {
	// SkipDeduplication 은 중복 가드를 건너뛴다. 부하 시뮬레이션 전용이다.
	SkipDeduplication bool
	// IdempotencyKey 는 중복 판정에 쓰는 명시적 멱등성 문맥이다.
	// 비어 있으면 같은 사용자의 같은 종류 요청이 창 안에서 하나로 묶인다.
	IdempotencyKey string
}

// FastPath 는 캐시 우선 사용량 판정기다.
type FastPath struct {
	cache  *cachestore.Store
	guard  *dedup.Guard
	repo   *usagedb.Repository
	logger *slog.Logger
}

// New 는 FastPath 를 생성한다.
func New(cache *cachestore.Store, guard *dedup.Guard, repo *usagedb.Repository, logger *slog.Logger) *FastPath {
	return &FastPath{
		cache:  cache,
		guard:  guard,
		repo:   repo,
		logger: logger.With("component", "counter"),
	}
}

// CheckAndUpdateUsage 는 한도를 검사하고 통과 시 사용량 1 을 적립한다.
//
// 판정 우선순위:
//  1. 중복 가드: 창 안의 동일 요청은 선행 결과를 재사용한다.
//  2. 캐시 원자 판정: 유효 사용량(used+buffer) 대 한도.
//  3. 캐시 미스: durable 레코드로 스냅샷을 채우고 재시도.
//  4. 캐시 장애: durable 직행 경로로 강등. 둘 다 죽으면 ErrUsageStateUnknown.
func (f *FastPath) CheckAndUpdateUsage(ctx context.Context, userID string, rt domain.RequestType, opts Options) (domain.CheckResult, error) {
	if userID == "" {
		return domain.CheckResult{}, errors.New("user id is empty")
	}

	if opts.SkipDeduplication {
		return f.checkCore(ctx, userID, rt)
	}

	fingerprint := dedup.Fingerprint(userID, rt, opts.IdempotencyKey)
	prior, claimed, err := f.guard.Claim(ctx, userID, fingerprint)
	if err != nil {
		if errors.Is(err, qerrors.ErrDedupPending) {
			return domain.CheckResult{}, err
		}
		// 가드 장애가 과금 판정을 막아서는 안 된다. 중복 없이 진행한다.
		f.logger.Warn("dedup_degraded", "user_id", userID, "error", err)
		return f.checkCore(ctx, userID, rt)
	}
	if prior != nil {
		return *prior, nil
	}

	result, err := f.checkCore(ctx, userID, rt)
	if err != nil {
		if releaseErr := f.guard.Release(ctx, userID, fingerprint); releaseErr != nil {
			f.logger.Warn("dedup_release_failed", "user_id", userID, "error", releaseErr)
		}
		return domain.CheckResult{}, err
	}
	if claimed {
		if completeErr := f.guard.Complete(ctx, userID, fingerprint, result); completeErr != nil {
			f.logger.Warn("dedup_complete_failed", "user_id", userID, "error", completeErr)
		}
	}
	return result, nil
}

func (f *FastPath) checkCore(ctx context.Context, userID string, rt domain.RequestType) (domain.CheckResult, error) {
	outcome, err := f.cache.CheckAndIncrement(ctx, userID, rt)
	if err != nil {
		f.logger.Warn("cache_unavailable_fallback_direct", "user_id", userID, "error", err)
		return f.checkDirect(ctx, userID, rt)
	}

	if outcome.Miss {
		if err := f.hydrate(ctx, userID); err != nil {
			return domain.CheckResult{}, err
		}
		outcome, err = f.cache.CheckAndIncrement(ctx, userID, rt)
		if err != nil {
			f.logger.Warn("cache_unavailable_fallback_direct", "user_id", userID, "error", err)
			return f.checkDirect(ctx, userID, rt)
		}
		if outcome.Miss {
			// 적재 직후 만료가 겹친 드문 경우다. durable 직행으로 처리한다.
			return f.checkDirect(ctx, userID, rt)
		}
	}

	return domain.CheckResult{Accepted: outcome.Accepted, Remaining: outcome.Remaining}, nil
}

// hydrate 는 durable 레코드로 캐시 스냅샷을 채운다.
func (f *FastPath) hydrate(ctx context.Context, userID string) error {
	record, err := f.repo.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, qerrors.ErrUserNotFound) {
			return err
		}
		// 캐시도 비고 durable 도 죽었다. 한도 초과와 구분되는 오류를 돌려준다.
		return fmt.Errorf("%w: %w", qerrors.ErrUsageStateUnknown, err)
	}

	created, err := f.cache.Hydrate(ctx, record.Snapshot(time.Now()))
	if err != nil {
		return err
	}
	if created {
		f.logger.Debug("snapshot_hydrated", "user_id", userID)
	}
	return nil
}

// checkDirect 는 캐시 없이 durable 저장소만으로 판정한다. 강등 경로다.
// 버퍼 적립 없이 즉시 durable 사용량을 증가시킨다.
func (f *FastPath) checkDirect(ctx context.Context, userID string, rt domain.RequestType) (domain.CheckResult, error) {
	record, err := f.repo.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, qerrors.ErrUserNotFound) {
			return domain.CheckResult{}, err
		}
		return domain.CheckResult{}, fmt.Errorf("%w: %w", qerrors.ErrUsageStateUnknown, err)
	}

	limit := record.Limit(rt)
	used := record.Used(rt)
	if limit >= 0 && used >= limit {
		return domain.CheckResult{Accepted: false, Remaining: limit - used}, nil
	}

	newUsed, err := f.repo.IncrementUsed(ctx, userID, rt, 1)
	if err != nil {
		if errors.Is(err, qerrors.ErrUserNotFound) {
			return domain.CheckResult{}, err
		}
		return domain.CheckResult{}, fmt.Errorf("%w: %w", qerrors.ErrUsageStateUnknown, err)
	}

	remaining := int64(-1)
	if limit >= 0 {
		remaining = limit - newUsed
	}
	return domain.CheckResult{Accepted: true, Remaining: remaining}, nil
}
