// Package perf 는 동기화 사이클 통계를 수집한다.
package perf

import (
	"sync/atomic"
	"time"

	"github.com/park285/novelist-quota-go/internal/domain"
)

// Recorder 는 플러시 사이클의 횟수, 소요 시간, 실패율을 누적한다.
// 모든 기록 경로는 lock-free 이므로 플러시 핫패스에서 불러도 안전하다.
type Recorder struct {
	totalSyncs      int64
	totalErrors     int64
	totalDurationMs int64
	startedAtNanos  int64
}

// NewRecorder 는 통계 수집기를 생성한다. uptime 기준점은 생성 시각이다.
func NewRecorder() *Recorder {
	return &Recorder{startedAtNanos: time.Now().UnixNano()}
}

// RecordSync 는 플러시 사이클 1회를 기록한다.
func (r *Recorder) RecordSync(duration time.Duration, errored bool) {
	atomic.AddInt64(&r.totalSyncs, 1)
	atomic.AddInt64(&r.totalDurationMs, duration.Milliseconds())
	if errored {
		atomic.AddInt64(&r.totalErrors, 1)
	}
}

// Reset 은 누적 통계를 비우고 uptime 기준점을 현재로 옮긴다.
// 실행 중인 스케줄러에는 영향을 주지 않는다.
func (r *Recorder) Reset() {
	atomic.StoreInt64(&r.totalSyncs, 0)
	atomic.StoreInt64(&r.totalErrors, 0)
	atomic.StoreInt64(&r.totalDurationMs, 0)
	atomic.StoreInt64(&r.startedAtNanos, time.Now().UnixNano())
}

// Stats 는 통계 스냅샷을 반환한다.
func (r *Recorder) Stats() domain.PerformanceStats {
	totalSyncs := atomic.LoadInt64(&r.totalSyncs)
	totalErrors := atomic.LoadInt64(&r.totalErrors)
	durationMs := atomic.LoadInt64(&r.totalDurationMs)
	started := time.Unix(0, atomic.LoadInt64(&r.startedAtNanos))

	uptime := time.Since(started)
	uptimeHours := uptime.Hours()

	avgSyncTime := 0.0
	errorRate := 0.0
	if totalSyncs > 0 {
		avgSyncTime = float64(durationMs) / float64(totalSyncs)
		errorRate = float64(totalErrors) / float64(totalSyncs)
	}
	syncPerHour := 0.0
	if uptimeHours > 0 {
		syncPerHour = float64(totalSyncs) / uptimeHours
	}

	return domain.PerformanceStats{
		TotalSyncs:    totalSyncs,
		AvgSyncTimeMs: avgSyncTime,
		ErrorRate:     errorRate,
		SyncPerHour:   syncPerHour,
		UptimeHours:   uptimeHours,
	}
}
