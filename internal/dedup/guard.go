// Package dedup 은 짧은 시간 창 안의 동일 요청을 한 번만 과금하는 중복 가드다.
// fingerprint 단위 마커를 Valkey 에 기록하며, 마커 TTL 이 중복 인식 창이다.
// 장기 멱등성 장부가 아니므로 창이 지나면 같은 요청도 새 요청으로 취급한다.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	json "github.com/goccy/go-json"
	"github.com/valkey-io/valkey-go"

	"github.com/park285/novelist-quota-go/internal/domain"
	"github.com/park285/novelist-quota-go/internal/qerrors"
	"github.com/park285/novelist-quota-go/internal/valkeyx"
)

const (
	dedupKeyPrefix = "quota:dedup"
	pendingMarker  = "pending"
	pollInterval   = 25 * time.Millisecond
	fingerprintLen = 16
)

// Guard 는 fingerprint 단위 중복 제거를 수행한다.
type Guard struct {
	client valkey.Client
	logger *slog.Logger
	window time.Duration
	wait   time.Duration
}

// New 는 Guard 를 생성한다.
// window 는 중복 인식 창, wait 은 선행 요청의 결과를 기다리는 한도다.
func New(client valkey.Client, logger *slog.Logger, window, wait time.Duration) *Guard {
	return &Guard{
		client: client,
		logger: logger.With("component", "dedup"),
		window: window,
		wait:   wait,
	}
}

// Fingerprint 는 요청 식별자를 계산한다.
// 같은 사용자 + 같은 요청 종류 + 같은 멱등성 문맥이면 같은 값이 나온다.
func Fingerprint(userID string, rt domain.RequestType, idempotencyContext string) string {
	sum := sha256.Sum256([]byte(userID + "|" + string(rt) + "|" + idempotencyContext))
	return hex.EncodeToString(sum[:])[:fingerprintLen]
}

// Claim 은 fingerprint 에 대한 처리권을 주장한다.
//
// 반환 조합:
//   - (nil, true, nil): 이 요청이 최초다. 호출자가 처리 후 Complete 를 불러야 한다.
//   - (result, false, nil): 같은 fingerprint 의 선행 요청 결과를 재사용한다.
//   - (nil, false, ErrDedupPending): 선행 요청이 wait 안에 결과를 남기지 않았다.
func (g *Guard) Claim(ctx context.Context, userID, fingerprint string) (*domain.CheckResult, bool, error) {
	key := g.key(userID, fingerprint)
	deadline := time.Now().Add(g.wait)

	for {
		value, found, err := g.get(ctx, key)
		if err != nil {
			return nil, false, err
		}

		if !found {
			claimed, err := g.tryClaim(ctx, key)
			if err != nil {
				return nil, false, err
			}
			if claimed {
				return nil, true, nil
			}
			// 경합에서 졌다. 선행 요청의 결과를 기다린다.
			continue
		}

		if value != pendingMarker {
			result, err := decodeResult(value)
			if err != nil {
				g.logger.Warn("dedup_marker_corrupt", "user_id", userID, "fingerprint", fingerprint, "error", err)
				return nil, false, qerrors.NewCacheError("dedup_decode", key, err)
			}
			result.Deduplicated = true
			return result, false, nil
		}

		if time.Now().After(deadline) {
			return nil, false, qerrors.ErrDedupPending
		}
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// Complete 는 처리 결과를 마커에 기록한다.
// 창이 끝날 때까지 같은 fingerprint 의 후속 요청이 이 결과를 재사용한다.
func (g *Guard) Complete(ctx context.Context, userID, fingerprint string, result domain.CheckResult) error {
	key := g.key(userID, fingerprint)
	payload, err := json.Marshal(result)
	if err != nil {
		return qerrors.NewCacheError("dedup_encode", key, err)
	}
	cmd := g.client.B().Set().Key(key).Value(string(payload)).Px(g.window).Build()
	if err := g.client.Do(ctx, cmd).Error(); err != nil {
		return qerrors.NewCacheError("dedup_complete", key, err)
	}
	return nil
}

// Release 는 주장했던 처리권을 반납한다.
// 증가 처리 자체가 실패했을 때만 사용한다. 재시도가 중복으로 오인되지 않게 한다.
func (g *Guard) Release(ctx context.Context, userID, fingerprint string) error {
	key := g.key(userID, fingerprint)
	cmd := g.client.B().Del().Key(key).Build()
	if err := g.client.Do(ctx, cmd).Error(); err != nil {
		return qerrors.NewCacheError("dedup_release", key, err)
	}
	return nil
}

// ClearUser 는 사용자의 모든 중복 마커를 제거한다. 운영 도구 전용이다.
func (g *Guard) ClearUser(ctx context.Context, userID string) (int64, error) {
	pattern := valkeyx.BuildKey2(dedupKeyPrefix, userID, "*")
	var removed int64
	var cursor uint64

	for {
		cmd := g.client.B().Scan().Cursor(cursor).Match(pattern).Count(100).Build()
		entry, err := g.client.Do(ctx, cmd).AsScanEntry()
		if err != nil {
			return removed, qerrors.NewCacheError("dedup_clear", pattern, err)
		}
		if len(entry.Elements) > 0 {
			del := g.client.B().Del().Key(entry.Elements...).Build()
			count, err := g.client.Do(ctx, del).AsInt64()
			if err != nil {
				return removed, qerrors.NewCacheError("dedup_clear", pattern, err)
			}
			removed += count
		}
		cursor = entry.Cursor
		if cursor == 0 {
			return removed, nil
		}
	}
}

func (g *Guard) key(userID, fingerprint string) string {
	return valkeyx.BuildKey2(dedupKeyPrefix, userID, fingerprint)
}

func (g *Guard) get(ctx context.Context, key string) (string, bool, error) {
	cmd := g.client.B().Get().Key(key).Build()
	value, err := g.client.Do(ctx, cmd).ToString()
	if err != nil {
		if valkeyx.IsNil(err) {
			return "", false, nil
		}
		return "", false, qerrors.NewCacheError("dedup_get", key, err)
	}
	return value, true, nil
}

func (g *Guard) tryClaim(ctx context.Context, key string) (bool, error) {
	cmd := g.client.B().Set().Key(key).Value(pendingMarker).Nx().Px(g.window).Build()
	if err := g.client.Do(ctx, cmd).Error(); err != nil {
		if valkeyx.IsNil(err) {
			return false, nil
		}
		return false, qerrors.NewCacheError("dedup_claim", key, err)
	}
	return true, nil
}

func decodeResult(value string) (*domain.CheckResult, error) {
	var result domain.CheckResult
	if err := json.Unmarshal([]byte(value), &result); err != nil {
		return nil, err
	}
	return &result, nil
}
