// Package usagedb 는 사용자 쿼터의 durable 저장소 접근을 담당한다.
package usagedb

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/park285/novelist-quota-go/internal/domain"
	"github.com/park285/novelist-quota-go/internal/qerrors"
)

// Repository 는 user_usage 테이블 접근을 담당한다.
type Repository struct {
	db     *gorm.DB
	logger *slog.Logger
}

// New 는 저장소를 생성한다.
func New(db *gorm.DB, logger *slog.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger.With("component", "usagedb"),
	}
}

// AutoMigrate 는 스키마를 준비한다.
func (r *Repository) AutoMigrate() error {
	if err := r.db.AutoMigrate(&UserUsage{}); err != nil {
		return qerrors.NewDatabaseError("migrate", err)
	}
	return nil
}

// Get 은 사용자 레코드를 조회한다. 없으면 ErrUserNotFound 를 반환한다.
func (r *Repository) Get(ctx context.Context, userID string) (*UserUsage, error) {
	var record UserUsage
	result := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&record)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, qerrors.ErrUserNotFound
	}
	if result.Error != nil {
		return nil, qerrors.NewDatabaseError("get", result.Error)
	}
	return &record, nil
}

// IncrementUsed 는 확정 사용량을 delta 만큼 누적하고 누적 후 값을 반환한다.
// 레코드를 새로 만들지는 않는다. 사용자 생성은 결제/온보딩 쪽 책임이다.
func (r *Repository) IncrementUsed(ctx context.Context, userID string, rt domain.RequestType, delta int64) (int64, error) {
	if delta <= 0 {
		record, err := r.Get(ctx, userID)
		if err != nil {
			return 0, err
		}
		return record.Used(rt), nil
	}

	column := usedColumn(rt)
	result := r.db.WithContext(ctx).Model(&UserUsage{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{
			column:       gorm.Expr(column+" + ?", delta),
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return 0, qerrors.NewDatabaseError("increment", result.Error)
	}
	if result.RowsAffected == 0 {
		return 0, qerrors.ErrUserNotFound
	}

	record, err := r.Get(ctx, userID)
	if err != nil {
		return 0, err
	}
	return record.Used(rt), nil
}

// ResetCounters 는 두 확정 사용량을 0 으로 되돌린다. 주기 리셋용이다.
func (r *Repository) ResetCounters(ctx context.Context, userID string) error {
	result := r.db.WithContext(ctx).Model(&UserUsage{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{
			"fast_used":     0,
			"premium_used":  0,
			"last_reset_at": time.Now(),
			"updated_at":    time.Now(),
		})
	if result.Error != nil {
		return qerrors.NewDatabaseError("reset", result.Error)
	}
	if result.RowsAffected == 0 {
		return qerrors.ErrUserNotFound
	}
	return nil
}

// Save 는 레코드를 upsert 한다. 시드/운영 도구 전용이다.
func (r *Repository) Save(ctx context.Context, record *UserUsage) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		UpdateAll: true,
	}).Create(record).Error
	if err != nil {
		return qerrors.NewDatabaseError("save", err)
	}
	return nil
}

// Delete 는 사용자 레코드를 제거한다. 탈퇴 처리 전용이다.
func (r *Repository) Delete(ctx context.Context, userID string) error {
	result := r.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&UserUsage{})
	if result.Error != nil {
		return qerrors.NewDatabaseError("delete", result.Error)
	}
	if result.RowsAffected == 0 {
		return qerrors.ErrUserNotFound
	}
	return nil
}

// TestUpdate 는 쓰기 경로가 살아 있는지 무해한 갱신으로 검사한다.
func (r *Repository) TestUpdate(ctx context.Context, userID string) error {
	result := r.db.WithContext(ctx).Model(&UserUsage{}).
		Where("user_id = ?", userID).
		Update("updated_at", time.Now())
	if result.Error != nil {
		return qerrors.NewDatabaseError("test_update", result.Error)
	}
	if result.RowsAffected == 0 {
		return qerrors.ErrUserNotFound
	}
	return nil
}

// Ping 은 DB 연결 상태를 확인한다.
func (r *Repository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return qerrors.NewDatabaseError("ping", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return qerrors.NewDatabaseError("ping", err)
	}
	return nil
}
