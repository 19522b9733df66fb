package dedup

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/valkey-io/valkey-go"

	"github.com/park285/novelist-quota-go/internal/domain"
	"github.com/park285/novelist-quota-go/internal/qerrors"
)

func newTestGuard(t *testing.T, window, wait time.Duration) (*Guard, *miniredis.Miniredis) {
	t.Helper()

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

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(client, logger, window, wait), mr
}

func TestFingerprintStability(t *testing.T) {
	a := Fingerprint("u1", domain.RequestTypeFast, "scene-42")
	b := Fingerprint("u1", domain.RequestTypeFast, "scene-42")
	if a != b {
		t.Fatalf("same input produced different fingerprints: %s vs %s", a, b)
	}
	if len(a) != fingerprintLen {
		t.Fatalf("unexpected fingerprint length: %d", len(a))
	}

	if Fingerprint("u2", domain.RequestTypeFast, "scene-42") == a {
		t.Fatalf("different user produced same fingerprint")
	}
	if Fingerprint("u1", domain.RequestTypePremium, "scene-42") == a {
		t.Fatalf("different request type produced same fingerprint")
	}
	if Fingerprint("u1", domain.RequestTypeFast, "scene-43") == a {
		t.Fatalf("different context produced same fingerprint")
	}
}

func TestClaimThenComplete(t *testing.T) {
	guard, _ := newTestGuard(t, 3*time.Second, 500*time.Millisecond)
	ctx := context.Background()
	fp := Fingerprint("u1", domain.RequestTypeFast, "ctx")

	prior, claimed, err := guard.Claim(ctx, "u1", fp)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if !claimed || prior != nil {
		t.Fatalf("expected fresh claim: claimed=%v prior=%+v", claimed, prior)
	}

	want := domain.CheckResult{Accepted: true, Remaining: 7}
	if err := guard.Complete(ctx, "u1", fp, want); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	prior, claimed, err = guard.Claim(ctx, "u1", fp)
	if err != nil {
		t.Fatalf("second claim failed: %v", err)
	}
	if claimed {
		t.Fatalf("expected duplicate, got fresh claim")
	}
	if prior == nil || !prior.Accepted || prior.Remaining != 7 || !prior.Deduplicated {
		t.Fatalf("unexpected prior result: %+v", prior)
	}
}

func TestClaimPendingTimesOut(t *testing.T) {
	guard, _ := newTestGuard(t, 3*time.Second, 100*time.Millisecond)
	ctx := context.Background()
	fp := Fingerprint("u1", domain.RequestTypeFast, "ctx")

	if _, claimed, err := guard.Claim(ctx, "u1", fp); err != nil || !claimed {
		t.Fatalf("first claim failed: claimed=%v err=%v", claimed, err)
	}

	// 선행 요청이 Complete 를 부르지 않은 상태.
	_, _, err := guard.Claim(ctx, "u1", fp)
	if !errors.Is(err, qerrors.ErrDedupPending) {
		t.Fatalf("expected ErrDedupPending, got: %v", err)
	}
}

func TestClaimAfterRelease(t *testing.T) {
	guard, _ := newTestGuard(t, 3*time.Second, 100*time.Millisecond)
	ctx := context.Background()
	fp := Fingerprint("u1", domain.RequestTypeFast, "ctx")

	if _, claimed, err := guard.Claim(ctx, "u1", fp); err != nil || !claimed {
		t.Fatalf("first claim failed: claimed=%v err=%v", claimed, err)
	}
	if err := guard.Release(ctx, "u1", fp); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	// 처리 실패 후 재시도는 새 요청으로 취급되어야 한다.
	_, claimed, err := guard.Claim(ctx, "u1", fp)
	if err != nil || !claimed {
		t.Fatalf("claim after release failed: claimed=%v err=%v", claimed, err)
	}
}

func TestWindowExpiryAllowsReclaim(t *testing.T) {
	guard, mr := newTestGuard(t, 3*time.Second, 100*time.Millisecond)
	ctx := context.Background()
	fp := Fingerprint("u1", domain.RequestTypeFast, "ctx")

	if _, claimed, err := guard.Claim(ctx, "u1", fp); err != nil || !claimed {
		t.Fatalf("first claim failed: claimed=%v err=%v", claimed, err)
	}
	if err := guard.Complete(ctx, "u1", fp, domain.CheckResult{Accepted: true}); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	mr.FastForward(4 * time.Second)

	_, claimed, err := guard.Claim(ctx, "u1", fp)
	if err != nil || !claimed {
		t.Fatalf("claim after window failed: claimed=%v err=%v", claimed, err)
	}
}

func TestConcurrentClaimsSingleWinner(t *testing.T) {
	guard, _ := newTestGuard(t, 3*time.Second, time.Second)
	ctx := context.Background()
	fp := Fingerprint("u1", domain.RequestTypeFast, "ctx")

	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	reused := 0

	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			prior, claimed, err := guard.Claim(ctx, "u1", fp)
			if err != nil {
				t.Errorf("claim failed: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if claimed {
				winners++
				// 승자는 결과를 기록해 대기자들을 풀어준다.
				if err := guard.Complete(ctx, "u1", fp, domain.CheckResult{Accepted: true, Remaining: 3}); err != nil {
					t.Errorf("complete failed: %v", err)
				}
				return
			}
			if prior != nil && prior.Deduplicated {
				reused++
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("expected exactly one winner, got: %d", winners)
	}
	if reused != workers-1 {
		t.Fatalf("expected %d reused results, got: %d", workers-1, reused)
	}
}

func TestClearUser(t *testing.T) {
	guard, _ := newTestGuard(t, 3*time.Second, 100*time.Millisecond)
	ctx := context.Background()

	for _, ctxID := range []string{"a", "b", "c"} {
		fp := Fingerprint("u1", domain.RequestTypeFast, ctxID)
		if _, claimed, err := guard.Claim(ctx, "u1", fp); err != nil || !claimed {
			t.Fatalf("claim %s failed: claimed=%v err=%v", ctxID, claimed, err)
		}
	}

	removed, err := guard.ClearUser(ctx, "u1")
	if err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if removed != 3 {
		t.Fatalf("expected 3 markers removed, got: %d", removed)
	}
}
