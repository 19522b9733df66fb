package usagedb

import (
	"time"

	"github.com/park285/novelist-quota-go/internal/domain"
)

// UserUsage 는 사용자별 쿼터와 확정 사용량을 저장하는 DB 모델이다.
// 청구의 기준이 되는 단일 진실 공급원이며, 캐시는 이 레코드의 사본일 뿐이다.
type UserUsage struct {
	UserID             string    `gorm:"column:user_id;primaryKey"`
	SubscriptionStatus string    `gorm:"column:subscription_status"`
	PlanName           string    `gorm:"column:plan_name"`
	FastUsed           int64     `gorm:"column:fast_used"`
	FastLimit          int64     `gorm:"column:fast_limit"`
	PremiumUsed        int64     `gorm:"column:premium_used"`
	PremiumLimit       int64     `gorm:"column:premium_limit"`
	LastResetAt        time.Time `gorm:"column:last_reset_at"`
	CreatedAt          time.Time `gorm:"column:created_at"`
	UpdatedAt          time.Time `gorm:"column:updated_at"`
}

// TableName 은 GORM에서 사용할 테이블명을 반환한다.
func (UserUsage) TableName() string {
	return "user_usage"
}

// Used 는 요청 종류별 확정 사용량을 반환한다.
func (u UserUsage) Used(rt domain.RequestType) int64 {
	if rt == domain.RequestTypePremium {
		return u.PremiumUsed
	}
	return u.FastUsed
}

// Limit 는 요청 종류별 한도를 반환한다. 음수는 무제한이다.
func (u UserUsage) Limit(rt domain.RequestType) int64 {
	if rt == domain.RequestTypePremium {
		return u.PremiumLimit
	}
	return u.FastLimit
}

// Snapshot 은 레코드를 캐시 적재용 스냅샷으로 변환한다.
func (u UserUsage) Snapshot(now time.Time) domain.UsageSnapshot {
	return domain.UsageSnapshot{
		UserID:       u.UserID,
		PremiumUsed:  u.PremiumUsed,
		PremiumLimit: u.PremiumLimit,
		FastUsed:     u.FastUsed,
		FastLimit:    u.FastLimit,
		CacheTime:    now,
		SessionStart: now,
	}
}

func usedColumn(rt domain.RequestType) string {
	if rt == domain.RequestTypePremium {
		return "premium_used"
	}
	return "fast_used"
}
