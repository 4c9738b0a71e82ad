package alert

import "github.com/redis/go-redis/v9"

// fireScript opens an event unless one is already active or the cooldown marker is
// still alive. Only the caller that gets 1 dispatches.
// KEYS: active, cooldown, history. ARGV: event json, cooldown ms, active ttl ms, history cap.
var fireScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 or redis.call('EXISTS', KEYS[2]) == 1 then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
if tonumber(ARGV[2]) > 0 then
  redis.call('SET', KEYS[2], '1', 'PX', ARGV[2])
end
redis.call('LPUSH', KEYS[3], ARGV[1])
redis.call('LTRIM', KEYS[3], 0, tonumber(ARGV[4]) - 1)
return 1
`)

// resolveScript takes the active event, if any. KEYS: active.
var resolveScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then
  return false
end
redis.call('DEL', KEYS[1])
return v
`)
