// Package qerrors: 쿼터 엔진 전체에서 공용으로 사용되는 에러 타입들을 정의한다.
// 캐시/DB 인프라 에러와 사용량 판정 관련 sentinel 에러를 포함한다.
package qerrors

import (
	"errors"
	"fmt"
)

var (
	// ErrUsageStateUnknown 는 캐시와 durable 저장소 모두에서 사용량을
	// 확인할 수 없을 때 반환된다. 한도 초과와 반드시 구분되어야 한다.
	ErrUsageStateUnknown = errors.New("usage state unknown")

	// ErrUserNotFound 는 durable 저장소에 사용량 레코드가 없을 때 반환된다.
	ErrUserNotFound = errors.New("usage record not found")

	// ErrSchedulerStopped 는 스케줄러가 정지된 상태에서 동작을 요청했을 때 반환된다.
	ErrSchedulerStopped = errors.New("sync scheduler not running")

	// ErrDedupPending 는 동일 fingerprint 의 선행 요청이 아직 결과를
	// 기록하지 않아 중복 판정을 내릴 수 없을 때 반환된다.
	ErrDedupPending = errors.New("duplicate request still in flight")
)

// CacheError 는 Valkey 작업을 수행하는 도중 발생한 에러다.
type CacheError struct {
	Operation string
	Key       string
	Err       error
}

func (e CacheError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("cache error operation=%s: %v", e.Operation, e.Err)
	}
	return fmt.Sprintf("cache error operation=%s key=%s: %v", e.Operation, e.Key, e.Err)
}

func (e CacheError) Unwrap() error { return e.Err }

// NewCacheError 는 CacheError 를 생성한다. err 가 nil 이면 nil 을 반환한다.
func NewCacheError(operation, key string, err error) error {
	if err == nil {
		return nil
	}
	return CacheError{Operation: operation, Key: key, Err: err}
}

// DatabaseError 는 durable 저장소(PostgreSQL) 작업 중 발생한 에러다.
type DatabaseError struct {
	Operation string
	Err       error
}

func (e DatabaseError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("db error operation=%s", e.Operation)
	}
	return fmt.Sprintf("db error operation=%s: %v", e.Operation, e.Err)
}

func (e DatabaseError) Unwrap() error { return e.Err }

// NewDatabaseError 는 DatabaseError 를 생성한다. err 가 nil 이면 nil 을 반환한다.
func NewDatabaseError(operation string, err error) error {
	if err == nil {
		return nil
	}
	return DatabaseError{Operation: operation, Err: err}
}

// IsCacheError 는 에러 체인에 CacheError 가 포함되어 있는지 확인한다.
// fast path 에서 캐시 장애 시 durable 직행 경로로 강등할지 판단하는 데 쓰인다.
func IsCacheError(err error) bool {
	if err == nil {
		return false
	}
	var cacheErr CacheError
	return errors.As(err, &cacheErr)
}

// IsDatabaseError 는 에러 체인에 DatabaseError 가 포함되어 있는지 확인한다.
func IsDatabaseError(err error) bool {
	if err == nil {
		return false
	}
	var dbErr DatabaseError
	return errors.As(err, &dbErr)
}
