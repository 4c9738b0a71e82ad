package queue

import "github.com/redis/go-redis/v9"

// Reply codes shared by the transition scripts.
const (
	codeMissing  = -1
	codeWrong    = 0
	codeConflict = -2
	codeFull     = -3
)

// Batch settlement codes returned next to the job by the terminal scripts.
const (
	settleNone    = -1
	settleCounted = 1
	settleFired   = 2
)

// settleLua is prepended to every script that ends a job. settle counts the job once
// towards its batch, moves a pipeline past the stage and flips the batch to its terminal
// status when the last member lands, all inside the job's own transition.
// Batch ARGV block: batch prefix, job prefix, queue prefix, now, now*10, batch retention
// ms, job retention ms.
const settleLua = `
local function batchArgs(from)
  local b = {}
  for i = 0, 6 do
    b[i + 1] = ARGV[from + i]
  end
  return b
end

local function settle(jobKey, id, outcome, B)
  local m = redis.call('HMGET', jobKey, 'batch_id', 'batch_index')
  if not m[1] or m[1] == '' then
    return {-1, {}}
  end
  local bkey = B[1] .. m[1]
  if redis.call('EXISTS', bkey) == 0 then
    return {-1, {}}
  end
  local seen = bkey .. ':seen'
  if redis.call('SADD', seen, id) == 0 then
    return {-1, {}}
  end
  redis.call('HINCRBY', bkey, outcome, 1)

  local cancelled = {}
  local b = redis.call('HMGET', bkey, 'pipeline', 'allow_failures', 'job_ids')
  if b[1] == '1' then
    local ids = cjson.decode(b[3])
    local pos = tonumber(m[2] or '0') + 1
    if outcome == 'processed' or b[2] == '1' then
      local nid = ids[pos + 1]
      if nid then
        local nkey = B[2] .. nid
        local n = redis.call('HMGET', nkey, 'status', 'held', 'priority', 'queue')
        if n[1] == 'pending' and n[2] == '1' then
          redis.call('HSET', nkey, 'held', '0', 'available_at', B[4])
          redis.call('ZADD', B[3] .. n[4] .. ':pending', tonumber(B[5]) + (9 - tonumber(n[3] or '0')), nid)
        end
      end
    else
      for k = pos + 1, #ids do
        local nid = ids[k]
        local nkey = B[2] .. nid
        local n = redis.call('HMGET', nkey, 'status', 'queue')
        if n[1] == 'pending' then
          redis.call('HSET', nkey, 'status', 'cancelled', 'finished_at', B[4], 'held', '0')
          redis.call('ZREM', B[3] .. n[2] .. ':pending', nid)
          if tonumber(B[7]) > 0 then
            redis.call('PEXPIRE', nkey, B[7])
          end
          if redis.call('SADD', seen, nid) == 1 then
            redis.call('HINCRBY', bkey, 'failed', 1)
          end
          cancelled[#cancelled + 1] = nid
        end
      end
    end
  end

  local h = redis.call('HMGET', bkey, 'processed', 'failed', 'total', 'fired', 'allow_failures', 'status')
  local p = tonumber(h[1] or '0')
  local f = tonumber(h[2] or '0')
  if p + f < tonumber(h[3]) or h[4] == '1' then
    if h[6] == 'pending' then
      redis.call('HSET', bkey, 'status', 'running')
    end
    return {1, cancelled}
  end
  local status = 'completed'
  if f > 0 then
    if h[5] == '1' then
      status = 'finished'
    else
      status = 'failed'
    end
  end
  redis.call('HSET', bkey, 'fired', '1', 'status', status, 'finished_at', B[4])
  if tonumber(B[6]) > 0 then
    redis.call('PEXPIRE', bkey, B[6])
    redis.call('PEXPIRE', seen, B[6])
  end
  return {2, cancelled, redis.call('HGETALL', bkey)}
end
`

// KEYS: job, pending, queues. ARGV: capacity, score, queue, held, id, field/value pairs...
var enqueueScript = redis.NewScript(`
local cap = tonumber(ARGV[1])
if cap > 0 and redis.call('ZCARD', KEYS[2]) >= cap then
  return -3
end
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
local fields = {}
for i = 6, #ARGV do
  fields[#fields + 1] = ARGV[i]
end
redis.call('HSET', KEYS[1], unpack(fields))
if ARGV[4] ~= '1' then
  redis.call('ZADD', KEYS[2], ARGV[2], ARGV[5])
end
redis.call('SADD', KEYS[3], ARGV[3])
return 1
`)

// KEYS: pending, running. ARGV: max eligible score, lease deadline, job key prefix, now,
// batch key prefix. Stale members (job no longer pending) are dropped and the next
// candidate is tried.
var dequeueScript = redis.NewScript(`
for _ = 1, 10 do
  local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
  if #ids == 0 then
    return false
  end
  local id = ids[1]
  redis.call('ZREM', KEYS[1], id)
  local key = ARGV[3] .. id
  if redis.call('HGET', key, 'status') == 'pending' then
    redis.call('HSET', key, 'status', 'running', 'started_at', ARGV[4])
    redis.call('ZADD', KEYS[2], ARGV[2], id)
    local bid = redis.call('HGET', key, 'batch_id')
    if bid and bid ~= '' and redis.call('HGET', ARGV[5] .. bid, 'status') == 'pending' then
      redis.call('HSET', ARGV[5] .. bid, 'status', 'running')
    end
    return redis.call('HGETALL', key)
  end
end
return false
`)

// KEYS: job, running. ARGV: id, now, retention ms, batch block.
var completeScript = redis.NewScript(settleLua + `
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
  return -1
end
if status ~= 'running' then
  return 0
end
redis.call('HSET', KEYS[1], 'status', 'succeeded', 'finished_at', ARGV[2], 'last_error', '')
redis.call('ZREM', KEYS[2], ARGV[1])
if tonumber(ARGV[3]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
local s = settle(KEYS[1], ARGV[1], 'processed', batchArgs(4))
return {redis.call('HGETALL', KEYS[1]), s[1], s[2], s[3]}
`)

// KEYS: job, running, pending, dlq, dlq entry.
// ARGV: id, expected attempts, new attempts, error, mode, score, available_at, failed_at,
// snapshot, batch block. A retry leaves the batch untouched.
var failScript = redis.NewScript(settleLua + `
local h = redis.call('HMGET', KEYS[1], 'status', 'attempts')
if not h[1] then
  return -1
end
if h[1] ~= 'running' then
  return 0
end
if h[2] ~= ARGV[2] then
  return -2
end
redis.call('ZREM', KEYS[2], ARGV[1])
if ARGV[5] == 'retry' then
  redis.call('HSET', KEYS[1], 'status', 'pending', 'attempts', ARGV[3], 'last_error', ARGV[4], 'available_at', ARGV[7])
  redis.call('ZADD', KEYS[3], ARGV[6], ARGV[1])
else
  redis.call('HSET', KEYS[1], 'status', 'dead_lettered', 'attempts', ARGV[3], 'last_error', ARGV[4], 'failed_at', ARGV[8])
  redis.call('ZADD', KEYS[4], ARGV[8], ARGV[1])
  redis.call('HSET', KEYS[5], 'job', ARGV[9], 'error', ARGV[4], 'attempts', ARGV[3], 'failed_at', ARGV[8])
  local s = settle(KEYS[1], ARGV[1], 'failed', batchArgs(10))
  return {redis.call('HGETALL', KEYS[1]), s[1], s[2], s[3]}
end
return {redis.call('HGETALL', KEYS[1]), -1, {}}
`)

// KEYS: job, pending. ARGV: id, now, retention ms, batch block.
var cancelScript = redis.NewScript(settleLua + `
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
  return -1
end
if status ~= 'pending' then
  return 0
end
redis.call('HSET', KEYS[1], 'status', 'cancelled', 'finished_at', ARGV[2], 'held', '0')
redis.call('ZREM', KEYS[2], ARGV[1])
if tonumber(ARGV[3]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
local s = settle(KEYS[1], ARGV[1], 'failed', batchArgs(4))
return {redis.call('HGETALL', KEYS[1]), s[1], s[2], s[3]}
`)

// KEYS: job, pending. ARGV: id, now*10, now.
var releaseScript = redis.NewScript(`
local h = redis.call('HMGET', KEYS[1], 'status', 'held', 'priority')
if not h[1] then
  return -1
end
if h[1] ~= 'pending' or h[2] ~= '1' then
  return 0
end
redis.call('HSET', KEYS[1], 'held', '0', 'available_at', ARGV[3])
redis.call('ZADD', KEYS[2], tonumber(ARGV[2]) + (9 - tonumber(h[3] or '0')), ARGV[1])
return 1
`)

// KEYS: running, pending. ARGV: now, limit, job key prefix, now*10.
var requeueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local out = {}
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  local key = ARGV[3] .. id
  local h = redis.call('HMGET', key, 'status', 'priority')
  if h[1] == 'running' then
    redis.call('HSET', key, 'status', 'pending', 'available_at', ARGV[1])
    redis.call('ZADD', KEYS[2], tonumber(ARGV[4]) + (9 - tonumber(h[2] or '0')), id)
    out[#out + 1] = id
  end
end
return out
`)

// KEYS: job, pending, dlq, dlq entry. ARGV: id, now*10, now.
var replayScript = redis.NewScript(`
if not redis.call('ZSCORE', KEYS[3], ARGV[1]) then
  return -1
end
local h = redis.call('HMGET', KEYS[1], 'status', 'priority')
if h[1] ~= 'dead_lettered' then
  return 0
end
redis.call('HSET', KEYS[1], 'status', 'pending', 'attempts', '0', 'available_at', ARGV[3], 'last_error', '', 'held', '0')
redis.call('ZADD', KEYS[2], tonumber(ARGV[2]) + (9 - tonumber(h[2] or '0')), ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('DEL', KEYS[4])
return redis.call('HGETALL', KEYS[1])
`)

// KEYS: dlq. ARGV: exclusive cutoff, job key prefix, dlq entry prefix, limit.
var purgeScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[4]))
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('DEL', ARGV[3] .. id)
  local key = ARGV[2] .. id
  if redis.call('HGET', key, 'status') == 'dead_lettered' then
    redis.call('DEL', key)
  end
end
return #ids
`)
