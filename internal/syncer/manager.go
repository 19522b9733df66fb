// Package syncer 는 캐시에 적립된 사용량 버퍼를 주기적으로 durable 저장소에
// 반영하는 백그라운드 스케줄러다. 청구 진실은 항상 durable 쪽이므로
// 플러시는 "DB 반영 후 캐시 차감" 순서를 지킨다.
package syncer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/park285/novelist-quota-go/internal/cachestore"
	"github.com/park285/novelist-quota-go/internal/config"
	"github.com/park285/novelist-quota-go/internal/domain"
	"github.com/park285/novelist-quota-go/internal/perf"
	"github.com/park285/novelist-quota-go/internal/qerrors"
	"github.com/park285/novelist-quota-go/internal/usagedb"
)

const defaultFlushTimeout = 5 * time.Second

// userBackoff 는 사용자 단위 연속 플러시 실패 상태다.
type userBackoff struct {
	consecutiveFailures int
	nextFlushAllowedAt  time.Time
	lastErrorLoggedAt   time.Time
}

// Manager 는 active 사용자들의 버퍼를 주기적으로 플러시한다.
type Manager struct {
	cache    *cachestore.Store
	repo     *usagedb.Repository
	recorder *perf.Recorder
	logger   *slog.Logger

	interval            time.Duration
	flushTimeout        time.Duration
	maxBackoff          time.Duration
	errorLogMaxInterval time.Duration
	concurrency         int

	running atomic.Bool
	wakeup  chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}

	mu       sync.Mutex
	backoffs map[string]*userBackoff

	flushSuccessTotal   atomic.Int64
	flushFailureTotal   atomic.Int64
	flushCollisionTotal atomic.Int64
}

// New 는 스케줄러를 생성한다. Start 전에는 아무 일도 하지 않는다.
func New(cfg config.SyncConfig, cache *cachestore.Store, repo *usagedb.Repository, recorder *perf.Recorder, logger *slog.Logger) *Manager {
	interval := cfg.Interval()
	if interval <= 0 {
		interval = time.Second
	}
	flushTimeout := cfg.FlushTimeout()
	if flushTimeout <= 0 {
		flushTimeout = defaultFlushTimeout
	}
	maxBackoff := cfg.MaxBackoff()
	if maxBackoff <= 0 {
		maxBackoff = interval
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	return &Manager{
		cache:               cache,
		repo:                repo,
		recorder:            recorder,
		logger:              logger.With("component", "syncer"),
		interval:            interval,
		flushTimeout:        flushTimeout,
		maxBackoff:          maxBackoff,
		errorLogMaxInterval: time.Duration(cfg.ErrorLogMaxIntervalSecs) * time.Second,
		concurrency:         concurrency,
		backoffs:            make(map[string]*userBackoff),
	}
}

// Start 는 플러시 루프를 시작한다. 이미 실행 중이면 no-op 이다.
func (m *Manager) Start() {
	if !m.running.CompareAndSwap(false, true) {
		return
	}
	m.wakeup = make(chan struct{}, 1)
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	go m.loop()
	m.logger.Info("sync_scheduler_started", "interval", m.interval, "concurrency", m.concurrency)
}

// Stop 은 루프를 멈추고 마지막 플러시가 끝날 때까지 기다린다.
// 종료 시점의 버퍼를 최대한 durable 에 반영한 뒤 돌아온다.
func (m *Manager) Stop() {
	if !m.running.CompareAndSwap(true, false) {
		return
	}
	close(m.stopCh)
	<-m.doneCh
	m.logger.Info("sync_scheduler_stopped")
}

// IsRunning 은 루프 실행 여부를 반환한다.
func (m *Manager) IsRunning() bool {
	return m.running.Load()
}

// TriggerSync 는 다음 틱을 기다리지 않고 플러시 사이클을 요청한다.
func (m *Manager) TriggerSync() error {
	if !m.running.Load() {
		return qerrors.ErrSchedulerStopped
	}
	select {
	case m.wakeup <- struct{}{}:
	default:
	}
	return nil
}

func (m *Manager) loop() {
	ticker := time.NewTicker(m.interval)
	defer func() {
		ticker.Stop()
		close(m.doneCh)
	}()

	for {
		select {
		case <-ticker.C:
			m.runCycle(false)
		case <-m.wakeup:
			m.runCycle(false)
		case <-m.stopCh:
			m.runCycle(true)
			return
		}
	}
}

// runCycle 은 active 집합 전체를 한 번 플러시한다.
func (m *Manager) runCycle(isShutdown bool) {
	started := time.Now()
	ctx := context.Background()

	users, err := m.cache.ActiveUsers(ctx)
	if err != nil {
		m.logger.Warn("active_users_read_failed", "error", err)
		m.recorder.RecordSync(time.Since(started), true)
		return
	}
	if len(users) == 0 {
		return
	}

	var hadFailure atomic.Bool
	g := &errgroup.Group{}
	g.SetLimit(m.concurrency)
	for _, userID := range users {
		if !isShutdown && m.shouldSkipUser(userID) {
			continue
		}
		g.Go(func() error {
			if err := m.FlushUser(ctx, userID); err != nil {
				hadFailure.Store(true)
				m.registerUserFailure(userID, err)
				return nil
			}
			m.resetUserFailures(userID)
			return nil
		})
	}
	_ = g.Wait()

	m.recorder.RecordSync(time.Since(started), hadFailure.Load())
}

// FlushUser 는 한 사용자의 버퍼를 durable 에 반영하고 캐시에서 차감한다.
//
// 순서가 불변식이다: DB 증가가 성공한 delta 만 캐시 버퍼에서 뺀다.
// 플러시 도중 새로 적립된 증가분은 buffer 에 남아 다음 사이클로 넘어간다.
func (m *Manager) FlushUser(ctx context.Context, userID string) error {
	flushCtx, cancel := context.WithTimeout(ctx, m.flushTimeout)
	defer cancel()

	acquired, err := m.cache.AcquireSyncLock(flushCtx, userID, m.flushTimeout*2)
	if err != nil {
		return err
	}
	if !acquired {
		m.flushCollisionTotal.Add(1)
		count, countErr := m.cache.IncrDuplicateSync(flushCtx, userID)
		if countErr != nil {
			m.logger.Warn("dup_sync_record_failed", "user_id", userID, "error", countErr)
		}
		m.logger.Warn("duplicate_sync_detected", "user_id", userID, "collisions", count)
		return nil
	}
	defer func() {
		if err := m.cache.ReleaseSyncLock(context.Background(), userID); err != nil {
			m.logger.Warn("sync_lock_release_failed", "user_id", userID, "error", err)
		}
	}()

	snap, err := m.cache.Snapshot(flushCtx, userID)
	if err != nil {
		return err
	}
	if snap == nil {
		// 스냅샷은 만료됐는데 집합에만 남은 사용자. 멤버십을 정리한다.
		m.logger.Debug("stale_active_membership", "user_id", userID)
		return m.cache.RemoveActiveUser(flushCtx, userID)
	}
	if !snap.HasPendingBuffer() {
		return m.cache.RemoveActiveUser(flushCtx, userID)
	}

	for _, rt := range []domain.RequestType{domain.RequestTypeFast, domain.RequestTypePremium} {
		delta := snap.Buffer(rt)
		if delta <= 0 {
			continue
		}
		if err := m.flushDelta(flushCtx, userID, rt, delta); err != nil {
			m.flushFailureTotal.Add(1)
			return err
		}
		m.flushSuccessTotal.Add(1)
	}
	return nil
}

func (m *Manager) flushDelta(ctx context.Context, userID string, rt domain.RequestType, delta int64) error {
	_, err := m.repo.IncrementUsed(ctx, userID, rt, delta)
	if err != nil {
		if errors.Is(err, qerrors.ErrUserNotFound) {
			// 레코드가 사라진 사용자의 버퍼는 반영할 곳이 없다. 캐시를 정리한다.
			m.logger.Warn("flush_user_record_missing", "user_id", userID, "dropped", delta)
			return m.cache.ClearUser(ctx, userID)
		}
		return err
	}

	result, err := m.cache.Drain(ctx, userID, rt, delta)
	if err != nil {
		// DB 에는 반영됐는데 캐시 차감이 실패했다. 다음 사이클이 같은 delta 를
		// 다시 반영하면 이중 과금이므로 스냅샷을 버리고 재적재시킨다.
		m.logger.Error("drain_failed_after_db_write", "user_id", userID, "delta", delta, "error", err)
		if clearErr := m.cache.ClearUser(ctx, userID); clearErr != nil {
			m.logger.Error("clear_after_drain_failure_failed", "user_id", userID, "error", clearErr)
		}
		return err
	}
	if !result.Present {
		m.logger.Warn("snapshot_expired_during_flush", "user_id", userID, "delta", delta)
	}

	m.logger.Debug("buffer_flushed",
		"user_id", userID,
		"request_type", rt,
		"delta", delta,
		"buffer_remaining", result.Remaining,
		"deactivated", result.Deactivated,
	)
	return nil
}

// SyncAllUsers 는 active 집합 전체를 즉시 플러시한다. 운영 도구용이다.
func (m *Manager) SyncAllUsers(ctx context.Context) (int, error) {
	users, err := m.cache.ActiveUsers(ctx)
	if err != nil {
		return 0, err
	}

	flushed := 0
	var firstErr error
	for _, userID := range users {
		if err := m.FlushUser(ctx, userID); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		flushed++
	}
	return flushed, firstErr
}

// ActiveUsersStats 는 스케줄러의 현재 작업 집합 통계를 반환한다.
func (m *Manager) ActiveUsersStats(ctx context.Context) (domain.ActiveUsersStats, error) {
	users, err := m.cache.ActiveUsers(ctx)
	if err != nil {
		return domain.ActiveUsersStats{IsRunning: m.IsRunning()}, err
	}
	return domain.ActiveUsersStats{
		IsRunning:        m.IsRunning(),
		ActiveUsersCount: len(users),
		ActiveUsers:      users,
	}, nil
}

// FlushTotals 는 누적 플러시 집계를 반환한다. (성공, 실패, 락 충돌)
func (m *Manager) FlushTotals() (int64, int64, int64) {
	return m.flushSuccessTotal.Load(), m.flushFailureTotal.Load(), m.flushCollisionTotal.Load()
}

func (m *Manager) shouldSkipUser(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.backoffs[userID]
	if !ok || state.nextFlushAllowedAt.IsZero() {
		return false
	}
	return time.Now().Before(state.nextFlushAllowedAt)
}

func (m *Manager) registerUserFailure(userID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.backoffs[userID]
	if !ok {
		state = &userBackoff{}
		m.backoffs[userID] = state
	}
	state.consecutiveFailures++
	backoff := m.computeBackoff(state.consecutiveFailures)
	state.nextFlushAllowedAt = time.Now().Add(backoff)

	if m.shouldLogFailure(state) {
		state.lastErrorLoggedAt = time.Now()
		m.logger.Warn("user_flush_failed",
			"user_id", userID,
			"failures", state.consecutiveFailures,
			"backoff", backoff,
			"error", err,
		)
	}
}

func (m *Manager) resetUserFailures(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.backoffs, userID)
}

func (m *Manager) computeBackoff(failures int) time.Duration {
	backoff := m.interval * time.Duration(1<<max(0, failures-1))
	if backoff > m.maxBackoff {
		backoff = m.maxBackoff
	}
	if backoff <= 0 {
		backoff = m.interval
	}
	return backoff
}

func (m *Manager) shouldLogFailure(state *userBackoff) bool {
	if state.consecutiveFailures <= 0 {
		return false
	}
	if isPowerOfTwo(state.consecutiveFailures) {
		return true
	}
	if m.errorLogMaxInterval <= 0 {
		return false
	}
	return time.Since(state.lastErrorLoggedAt) >= m.errorLogMaxInterval
}

// isPowerOfTwo 2의 거듭제곱인지 확인
func isPowerOfTwo(value int) bool {
	return value > 0 && (value&(value-1)) == 0
}
