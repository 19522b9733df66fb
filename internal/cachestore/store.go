// Package cachestore 는 사용자별 사용량 스냅샷과 버퍼를 담는 Valkey 캐시 계층이다.
// 한도 판정, 버퍼 적립, 플러시 차감은 모두 서버 사이드 Lua 로 원자적으로 수행한다.
package cachestore

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/valkey-io/valkey-go"

	"github.com/park285/novelist-quota-go/internal/domain"
	"github.com/park285/novelist-quota-go/internal/qerrors"
	"github.com/park285/novelist-quota-go/internal/valkeyx"
)

const (
	opHydrate      = "hydrate"
	opSnapshot     = "snapshot"
	opCheckIncr    = "check_incr"
	opDrain        = "drain"
	opActiveUsers  = "active_users"
	opSyncLock     = "sync_lock"
	opDupSync      = "dup_sync"
	opClearUser    = "clear_user"
	opRoundTrip    = "round_trip"
	opSnapshotTTL  = "snapshot_ttl"
	dupSyncKeepTTL = time.Hour
)

// CheckOutcome 는 CheckAndIncrement 의 원자 판정 결과다.
type CheckOutcome struct {
	Accepted  bool
	Miss      bool
	Remaining int64
}

// DrainResult 는 Drain 호출의 결과다.
type DrainResult struct {
	// Present 는 스냅샷이 캐시에 남아 있었는지 여부다.
	// 플러시 도중 TTL 만료가 겹치면 false 가 된다.
	Present bool
	// Remaining 은 차감 후 남은 해당 종류의 버퍼다.
	Remaining int64
	// Deactivated 는 두 버퍼가 모두 비어 active 집합에서 제거되었는지 여부다.
	Deactivated bool
}

// Store 는 사용량 캐시 스토어다.
type Store struct {
	client      valkey.Client
	logger      *slog.Logger
	snapshotTTL time.Duration
}

// New 는 Store 를 생성한다.
func New(client valkey.Client, logger *slog.Logger, snapshotTTL time.Duration) *Store {
	return &Store{
		client:      client,
		logger:      logger.With("component", "cachestore"),
		snapshotTTL: snapshotTTL,
	}
}

// Hydrate 는 durable 레코드로 만든 스냅샷을 캐시에 적재한다.
// 이미 스냅샷이 있으면 동시 요청이 적립한 버퍼를 보존하기 위해 덮어쓰지 않는다.
func (s *Store) Hydrate(ctx context.Context, snap domain.UsageSnapshot) (bool, error) {
	key := usageKey(snap.UserID)
	args := []string{
		strconv.FormatInt(s.snapshotTTL.Milliseconds(), 10),
		fieldPremiumUsed, strconv.FormatInt(snap.PremiumUsed, 10),
		fieldPremiumLimit, strconv.FormatInt(snap.PremiumLimit, 10),
		fieldFastUsed, strconv.FormatInt(snap.FastUsed, 10),
		fieldFastLimit, strconv.FormatInt(snap.FastLimit, 10),
		fieldPremiumBuffer, strconv.FormatInt(snap.PremiumBuffer, 10),
		fieldFastBuffer, strconv.FormatInt(snap.FastBuffer, 10),
		fieldCacheTime, formatTime(snap.CacheTime),
		fieldLastSync, formatTime(snap.LastSync),
		fieldLastActivity, formatTime(snap.LastActivity),
		fieldSessionStart, formatTime(snap.SessionStart),
	}
	created, err := hydrateScript.Exec(ctx, s.client, []string{key}, args).AsInt64()
	if err != nil {
		return false, qerrors.NewCacheError(opHydrate, key, err)
	}
	return created == 1, nil
}

// Snapshot 은 사용자 스냅샷을 읽는다. 캐시 미스면 (nil, nil) 을 반환한다.
func (s *Store) Snapshot(ctx context.Context, userID string) (*domain.UsageSnapshot, error) {
	key := usageKey(userID)
	cmd := s.client.B().Hgetall().Key(key).Build()
	fields, err := s.client.Do(ctx, cmd).AsStrMap()
	if err != nil {
		return nil, qerrors.NewCacheError(opSnapshot, key, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	snap := &domain.UsageSnapshot{
		UserID:        userID,
		PremiumUsed:   parseIntField(fields, fieldPremiumUsed),
		PremiumLimit:  parseIntField(fields, fieldPremiumLimit),
		FastUsed:      parseIntField(fields, fieldFastUsed),
		FastLimit:     parseIntField(fields, fieldFastLimit),
		PremiumBuffer: parseIntField(fields, fieldPremiumBuffer),
		FastBuffer:    parseIntField(fields, fieldFastBuffer),
		CacheTime:     parseTimeField(fields, fieldCacheTime),
		LastSync:      parseTimeField(fields, fieldLastSync),
		LastActivity:  parseTimeField(fields, fieldLastActivity),
		SessionStart:  parseTimeField(fields, fieldSessionStart),
	}
	return snap, nil
}

// CheckAndIncrement 는 한도 비교와 버퍼 증가를 원자적으로 수행한다.
// 수락 시 스냅샷 TTL 을 갱신하고 사용자를 active 집합에 추가한다.
func (s *Store) CheckAndIncrement(ctx context.Context, userID string, rt domain.RequestType) (CheckOutcome, error) {
	key := usageKey(userID)
	now := time.Now()
	args := []string{
		usedField(rt),
		bufferField(rt),
		limitField(rt),
		userID,
		strconv.FormatInt(s.snapshotTTL.Milliseconds(), 10),
		strconv.FormatInt(now.UnixMilli(), 10),
	}
	vals, err := checkIncrScript.Exec(ctx, s.client, []string{key, activeUsersKey}, args).AsIntSlice()
	if err != nil {
		return CheckOutcome{}, qerrors.NewCacheError(opCheckIncr, key, err)
	}
	if len(vals) != 2 {
		return CheckOutcome{}, qerrors.NewCacheError(opCheckIncr, key, errUnexpectedReply(len(vals)))
	}

	switch vals[0] {
	case -2:
		return CheckOutcome{Miss: true}, nil
	case 1:
		return CheckOutcome{Accepted: true, Remaining: vals[1]}, nil
	default:
		return CheckOutcome{Accepted: false, Remaining: vals[1]}, nil
	}
}

// Drain 은 durable 반영이 끝난 delta 를 버퍼에서 빼고 캐시 used 에 더한다.
func (s *Store) Drain(ctx context.Context, userID string, rt domain.RequestType, delta int64) (DrainResult, error) {
	key := usageKey(userID)
	args := []string{
		usedField(rt),
		bufferField(rt),
		strconv.FormatInt(delta, 10),
		userID,
		strconv.FormatInt(time.Now().UnixMilli(), 10),
		otherBufferField(rt),
	}
	vals, err := drainScript.Exec(ctx, s.client, []string{key, activeUsersKey}, args).AsIntSlice()
	if err != nil {
		return DrainResult{}, qerrors.NewCacheError(opDrain, key, err)
	}
	if len(vals) != 3 {
		return DrainResult{}, qerrors.NewCacheError(opDrain, key, errUnexpectedReply(len(vals)))
	}
	return DrainResult{
		Present:     vals[0] == 1,
		Remaining:   vals[1],
		Deactivated: vals[2] == 1,
	}, nil
}

// ActiveUsers 는 플러시 대상 사용자 목록을 반환한다.
func (s *Store) ActiveUsers(ctx context.Context) ([]string, error) {
	cmd := s.client.B().Smembers().Key(activeUsersKey).Build()
	users, err := s.client.Do(ctx, cmd).AsStrSlice()
	if err != nil {
		return nil, qerrors.NewCacheError(opActiveUsers, activeUsersKey, err)
	}
	return users, nil
}

// ActiveUserCount 는 active 집합의 크기를 반환한다.
func (s *Store) ActiveUserCount(ctx context.Context) (int64, error) {
	cmd := s.client.B().Scard().Key(activeUsersKey).Build()
	count, err := s.client.Do(ctx, cmd).AsInt64()
	if err != nil {
		return 0, qerrors.NewCacheError(opActiveUsers, activeUsersKey, err)
	}
	return count, nil
}

// IsActiveUser 는 사용자가 active 집합에 있는지 확인한다.
func (s *Store) IsActiveUser(ctx context.Context, userID string) (bool, error) {
	cmd := s.client.B().Sismember().Key(activeUsersKey).Member(userID).Build()
	member, err := s.client.Do(ctx, cmd).AsBool()
	if err != nil {
		return false, qerrors.NewCacheError(opActiveUsers, activeUsersKey, err)
	}
	return member, nil
}

// RemoveActiveUser 는 사용자를 active 집합에서 제거한다.
func (s *Store) RemoveActiveUser(ctx context.Context, userID string) error {
	cmd := s.client.B().Srem().Key(activeUsersKey).Member(userID).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return qerrors.NewCacheError(opActiveUsers, activeUsersKey, err)
	}
	return nil
}

// SnapshotTTL 은 스냅샷의 잔여 TTL 을 반환한다. 키가 없으면 ok=false 다.
func (s *Store) SnapshotTTL(ctx context.Context, userID string) (time.Duration, bool, error) {
	key := usageKey(userID)
	cmd := s.client.B().Pttl().Key(key).Build()
	ms, err := s.client.Do(ctx, cmd).AsInt64()
	if err != nil {
		return 0, false, qerrors.NewCacheError(opSnapshotTTL, key, err)
	}
	if ms == -2 {
		return 0, false, nil
	}
	if ms < 0 {
		return 0, true, nil
	}
	return time.Duration(ms) * time.Millisecond, true, nil
}

// AcquireSyncLock 은 사용자 단위 플러시 락을 획득한다.
// 이미 잡혀 있으면 false 를 반환한다. 락은 ttl 후 자동 해제된다.
func (s *Store) AcquireSyncLock(ctx context.Context, userID string, ttl time.Duration) (bool, error) {
	key := syncLockKey(userID)
	cmd := s.client.B().Set().Key(key).Value("1").Nx().Px(ttl).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		if valkeyx.IsNil(err) {
			return false, nil
		}
		return false, qerrors.NewCacheError(opSyncLock, key, err)
	}
	return true, nil
}

// ReleaseSyncLock 은 플러시 락을 해제한다.
func (s *Store) ReleaseSyncLock(ctx context.Context, userID string) error {
	key := syncLockKey(userID)
	cmd := s.client.B().Del().Key(key).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return qerrors.NewCacheError(opSyncLock, key, err)
	}
	return nil
}

// SyncLockTTL 은 플러시 락의 잔여 TTL 을 반환한다. 락이 없으면 held=false 다.
func (s *Store) SyncLockTTL(ctx context.Context, userID string) (time.Duration, bool, error) {
	key := syncLockKey(userID)
	cmd := s.client.B().Pttl().Key(key).Build()
	ms, err := s.client.Do(ctx, cmd).AsInt64()
	if err != nil {
		return 0, false, qerrors.NewCacheError(opSyncLock, key, err)
	}
	if ms == -2 {
		return 0, false, nil
	}
	if ms < 0 {
		return 0, true, nil
	}
	return time.Duration(ms) * time.Millisecond, true, nil
}

// IncrDuplicateSync 는 플러시 락 충돌 횟수를 기록한다.
// 충돌 0 이 설계 가정이므로 0 이 아닌 값은 조사 대상이다.
func (s *Store) IncrDuplicateSync(ctx context.Context, userID string) (int64, error) {
	key := dupSyncKey(userID)
	count, err := s.client.Do(ctx, s.client.B().Incr().Key(key).Build()).AsInt64()
	if err != nil {
		return 0, qerrors.NewCacheError(opDupSync, key, err)
	}
	expire := s.client.B().Pexpire().Key(key).Milliseconds(dupSyncKeepTTL.Milliseconds()).Build()
	if err := s.client.Do(ctx, expire).Error(); err != nil {
		s.logger.Warn("dupsync_expire_failed", "user_id", userID, "error", err)
	}
	return count, nil
}

// DuplicateSyncCount 는 누적 락 충돌 횟수를 반환한다.
func (s *Store) DuplicateSyncCount(ctx context.Context, userID string) (int64, error) {
	key := dupSyncKey(userID)
	count, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).AsInt64()
	if err != nil {
		if valkeyx.IsNil(err) {
			return 0, nil
		}
		return 0, qerrors.NewCacheError(opDupSync, key, err)
	}
	return count, nil
}

// ClearUser 는 사용자 스냅샷과 관련 상태를 모두 제거한다.
// 플러시되지 않은 버퍼도 함께 사라지므로 운영 도구에서만 사용한다.
func (s *Store) ClearUser(ctx context.Context, userID string) error {
	key := usageKey(userID)
	del := s.client.B().Del().Key(key).Key(syncLockKey(userID)).Key(dupSyncKey(userID)).Build()
	if err := s.client.Do(ctx, del).Error(); err != nil {
		return qerrors.NewCacheError(opClearUser, key, err)
	}
	return s.RemoveActiveUser(ctx, userID)
}

// RoundTripTest 는 캐시 쓰기/읽기 왕복을 검사한다.
func (s *Store) RoundTripTest(ctx context.Context) error {
	key := valkeyx.BuildKey("quota:probe", strconv.FormatInt(time.Now().UnixNano(), 10))
	set := s.client.B().Set().Key(key).Value("ok").Ex(5 * time.Second).Build()
	if err := s.client.Do(ctx, set).Error(); err != nil {
		return qerrors.NewCacheError(opRoundTrip, key, err)
	}
	value, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		return qerrors.NewCacheError(opRoundTrip, key, err)
	}
	if value != "ok" {
		return qerrors.NewCacheError(opRoundTrip, key, errRoundTripMismatch)
	}
	del := s.client.B().Del().Key(key).Build()
	if err := s.client.Do(ctx, del).Error(); err != nil {
		return qerrors.NewCacheError(opRoundTrip, key, err)
	}
	return nil
}

// Ping 은 캐시 연결 상태를 확인한다.
func (s *Store) Ping(ctx context.Context) error {
	return valkeyx.Ping(ctx, s.client)
}

func parseIntField(fields map[string]string, field string) int64 {
	value, ok := fields[field]
	if !ok {
		return 0
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0
	}
	return parsed
}

func parseTimeField(fields map[string]string, field string) time.Time {
	ms := parseIntField(fields, field)
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}
