package cachestore

import "github.com/valkey-io/valkey-go"

// checkIncrLua 는 한도 비교와 버퍼 증가를 단일 원자 연산으로 수행한다.
// 유효 사용량 = used + buffer. 한도가 음수면 무제한이다.
//
// KEYS[1] = 스냅샷 해시, KEYS[2] = active 사용자 집합
// ARGV[1] = used 필드, ARGV[2] = buffer 필드, ARGV[3] = limit 필드
// ARGV[4] = userId, ARGV[5] = 스냅샷 TTL(ms), ARGV[6] = now(ms)
//
// 반환: {-2, 0} 캐시 미스 / {0, 잔여} 거부 / {1, 잔여} 수락
const checkIncrLua = `
if redis.call('EXISTS', KEYS[1]) == 0 then
  return {-2, 0}
end
local used = tonumber(redis.call('HGET', KEYS[1], ARGV[1]) or '0')
local buf = tonumber(redis.call('HGET', KEYS[1], ARGV[2]) or '0')
local limit = tonumber(redis.call('HGET', KEYS[1], ARGV[3]) or '-1')
local effective = used + buf
if limit >= 0 and effective >= limit then
  return {0, limit - effective}
end
redis.call('HINCRBY', KEYS[1], ARGV[2], 1)
redis.call('HSET', KEYS[1], 'last_activity_ms', ARGV[6])
redis.call('SADD', KEYS[2], ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
if limit < 0 then
  return {1, -1}
end
return {1, limit - effective - 1}
`

// drainLua 는 플러시된 증가분을 buffer 에서 빼고 같은 양을 used 에 더한다.
// 유효 사용량이 변하지 않으므로 플러시 중에도 한도 판정이 일관된다.
// 두 버퍼가 모두 비면 active 집합에서 제거한다.
//
// KEYS[1] = 스냅샷 해시, KEYS[2] = active 사용자 집합
// ARGV[1] = used 필드, ARGV[2] = buffer 필드, ARGV[3] = delta
// ARGV[4] = userId, ARGV[5] = now(ms), ARGV[6] = 반대쪽 buffer 필드
//
// 반환: {present, 잔여 버퍼, removed}
const drainLua = `
if redis.call('EXISTS', KEYS[1]) == 0 then
  return {0, 0, 0}
end
local delta = tonumber(ARGV[3])
redis.call('HINCRBY', KEYS[1], ARGV[1], delta)
local rem = redis.call('HINCRBY', KEYS[1], ARGV[2], -delta)
redis.call('HSET', KEYS[1], 'last_sync_ms', ARGV[5])
local other = tonumber(redis.call('HGET', KEYS[1], ARGV[6]) or '0')
local removed = 0
if rem <= 0 and other <= 0 then
  redis.call('SREM', KEYS[2], ARGV[4])
  removed = 1
end
return {1, rem, removed}
`

// hydrateLua 는 스냅샷이 없을 때만 필드를 기록한다.
// 이미 존재하면 동시 요청이 적립한 버퍼를 보존하기 위해 건드리지 않는다.
//
// KEYS[1] = 스냅샷 해시
// ARGV[1] = TTL(ms), ARGV[2..] = 필드/값 쌍
//
// 반환: 1 생성 / 0 이미 존재
const hydrateLua = `
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
for i = 2, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
end
redis.call('PEXPIRE', KEYS[1], ARGV[1])
return 1
`

var (
	checkIncrScript = valkey.NewLuaScript(checkIncrLua)
	drainScript     = valkey.NewLuaScript(drainLua)
	hydrateScript   = valkey.NewLuaScript(hydrateLua)
)
