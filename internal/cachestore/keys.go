package cachestore

import (
	"github.com/park285/novelist-quota-go/internal/domain"
	"github.com/park285/novelist-quota-go/internal/valkeyx"
)

const (
	usageKeyPrefix = "quota:usage"
	activeUsersKey = "quota:active_users"
	syncLockPrefix = "quota:syncing"
	dupSyncPrefix  = "quota:dupsync"
)

// 스냅샷 해시 필드. 시간 필드는 epoch milli 로 저장한다.
const (
	fieldPremiumUsed   = "premium_used"
	fieldPremiumLimit  = "premium_limit"
	fieldFastUsed      = "fast_used"
	fieldFastLimit     = "fast_limit"
	fieldPremiumBuffer = "premium_buffer"
	fieldFastBuffer    = "fast_buffer"
	fieldCacheTime     = "cache_time_ms"
	fieldLastSync      = "last_sync_ms"
	fieldLastActivity  = "last_activity_ms"
	fieldSessionStart  = "session_start_ms"
)

func usageKey(userID string) string {
	return valkeyx.BuildKey(usageKeyPrefix, userID)
}

func syncLockKey(userID string) string {
	return valkeyx.BuildKey(syncLockPrefix, userID)
}

func dupSyncKey(userID string) string {
	return valkeyx.BuildKey(dupSyncPrefix, userID)
}

func usedField(rt domain.RequestType) string {
	if rt == domain.RequestTypePremium {
		return fieldPremiumUsed
	}
	return fieldFastUsed
}

func bufferField(rt domain.RequestType) string {
	if rt == domain.RequestTypePremium {
		return fieldPremiumBuffer
	}
	return fieldFastBuffer
}

func limitField(rt domain.RequestType) string {
	if rt == domain.RequestTypePremium {
		return fieldPremiumLimit
	}
	return fieldFastLimit
}

func otherBufferField(rt domain.RequestType) string {
	if rt == domain.RequestTypePremium {
		return fieldFastBuffer
	}
	return fieldPremiumBuffer
}
