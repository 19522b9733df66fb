package config

import (
	"net"
	"net/url"
	"strconv"
	"time"
)

// LoggingConfig: 로깅 설정입니다.
type LoggingConfig struct {
	Level      string
	LogDir     string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// HTTPConfig: HTTP 서버 설정입니다.
type HTTPConfig struct {
	Host         string
	Port         int
	HTTP2Enabled bool
}

// HTTPAuthConfig: API 키 인증 설정입니다.
// APIKey는 쿼터 API 경로를, AdminKey는 관리자 디스패처를 보호합니다.
type HTTPAuthConfig struct {
	APIKey   string
	AdminKey string
	Required bool
}

// HTTPRateLimitConfig: 요청 제한 설정입니다.
type HTTPRateLimitConfig struct {
	RequestsPerMinute int
	CacheSize         int
	CacheTTLSeconds   int
}

// ValkeyConfig: 사용량 캐시 스토어 연결 설정입니다.
type ValkeyConfig struct {
	Addr                string
	Username            string
	Password            string
	DB                  int
	DisableCache        bool
	UseTLS              bool
	DialTimeoutSeconds  int
	ConnectMaxAttempts  int
	ConnectRetrySeconds int
}

// DialTimeout: 연결 타임아웃을 반환합니다.
func (v ValkeyConfig) DialTimeout() time.Duration {
	return time.Duration(v.DialTimeoutSeconds) * time.Second
}

// DatabaseConfig: durable 저장소(PostgreSQL) 연결 설정입니다.
type DatabaseConfig struct {
	Host                   string
	Port                   int
	Name                   string
	User                   string
	Password               string
	SSLMode                string
	MinPool                int
	MaxPool                int
	ConnMaxLifetimeMinutes int
	ConnMaxIdleTimeMinutes int
	ConnectMaxAttempts     int
	ConnectRetrySeconds    int
}

// DSN: DB 접속 문자열을 반환합니다.
func (d DatabaseConfig) DSN() string {
	host := net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
	u := &url.URL{
		Scheme: "postgresql",
		Host:   host,
		Path:   "/" + d.Name,
	}
	if d.Password == "" {
		u.User = url.User(d.User)
	} else {
		u.User = url.UserPassword(d.User, d.Password)
	}
	if d.SSLMode != "" {
		query := url.Values{}
		query.Set("sslmode", d.SSLMode)
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// QuotaConfig: fast path 판정과 중복 가드 설정입니다.
type QuotaConfig struct {
	// SnapshotTTLSeconds: 캐시 스냅샷의 TTL.
	// 동기화 주기보다 충분히 길어야 버퍼가 플러시 전에 만료되지 않는다.
	SnapshotTTLSeconds int
	// DedupWindowSeconds: 동일 fingerprint를 중복으로 인식하는 시간 창.
	// 재시도/이중 제출 흡수용이며 장기 멱등성 장부가 아니다.
	DedupWindowSeconds int
	// DedupWaitMillis: 선행 요청의 결과 기록을 기다리는 최대 시간.
	DedupWaitMillis int
}

// SnapshotTTL: 스냅샷 TTL을 반환합니다.
func (q QuotaConfig) SnapshotTTL() time.Duration {
	return time.Duration(q.SnapshotTTLSeconds) * time.Second
}

// DedupWindow: 중복 인식 창을 반환합니다.
func (q QuotaConfig) DedupWindow() time.Duration {
	return time.Duration(q.DedupWindowSeconds) * time.Second
}

// DedupWait: 선행 요청 대기 한도를 반환합니다.
func (q QuotaConfig) DedupWait() time.Duration {
	return time.Duration(q.DedupWaitMillis) * time.Millisecond
}

// SyncConfig: 백그라운드 동기화 스케줄러 설정입니다.
type SyncConfig struct {
	IntervalSeconds         int
	FlushTimeoutSeconds     int
	MaxBackoffSeconds       int
	Concurrency             int
	ErrorLogMaxIntervalSecs int
}

// Interval: 동기화 틱 주기를 반환합니다.
func (s SyncConfig) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

// FlushTimeout: 사용자 단위 플러시 타임아웃을 반환합니다.
func (s SyncConfig) FlushTimeout() time.Duration {
	return time.Duration(s.FlushTimeoutSeconds) * time.Second
}

// MaxBackoff: 연속 실패 시 최대 대기 시간을 반환합니다.
func (s SyncConfig) MaxBackoff() time.Duration {
	return time.Duration(s.MaxBackoffSeconds) * time.Second
}

// Config: 애플리케이션 전체 설정입니다.
type Config struct {
	Logging       LoggingConfig
	HTTP          HTTPConfig
	HTTPAuth      HTTPAuthConfig
	HTTPRateLimit HTTPRateLimitConfig
	Valkey        ValkeyConfig
	Database      DatabaseConfig
	Quota         QuotaConfig
	Sync          SyncConfig
}
