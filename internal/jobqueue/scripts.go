package jobqueue

import "github.com/redis/go-redis/v9"

// enqueueLua merges rule ids into the category's pending job, creates a
// job when none exists, and refuses while the job is dispatched.
//
// KEYS: queue, job hash, job rules set
// ARGV: category, new job id, now ms, estimated cost, rule ids...
const enqueueLua = `
local status = redis.call('HGET', KEYS[2], 'status')
if status == 'dispatched' then
  return 'deferred'
end

local outcome = 'merged'
if status ~= 'pending' then
  redis.call('DEL', KEYS[2], KEYS[3])
  redis.call('HSET', KEYS[2],
    'id', ARGV[2],
    'category', ARGV[1],
    'created_at', ARGV[3],
    'status', 'pending',
    'attempt', '0',
    'not_before', ARGV[3],
    'lease_expires_at', '0',
    'estimated_cost', ARGV[4],
    'worker_id', '',
    'claim_token', '',
    'last_error', '')
  redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
  outcome = 'created'
end

for i = 5, #ARGV do
  redis.call('SADD', KEYS[3], ARGV[i])
end
return outcome
`

// claimLua dispatches one category's job when it is ready and its cost
// fits the budget. A pending job is ready once past its backoff. A
// dispatched job is ready once its lease lapses; reclaiming it counts as
// a failed attempt, and the job is dropped with a failed outcome when
// that exhausts max attempts. A queue member with no job hash is pruned.
//
// KEYS: queue, job hash, job rules set, outcome hash
// ARGV: category, now ms, budget, lease ms, worker id, claim token,
//
//	max attempts, outcome ttl s
const claimLua = `
local h = redis.call('HMGET', KEYS[2], 'id', 'status', 'not_before', 'lease_expires_at', 'estimated_cost', 'attempt')
if not h[2] then
  redis.call('ZREM', KEYS[1], ARGV[1])
  return {'missing'}
end

local now = tonumber(ARGV[2])
local attempt = tonumber(h[6] or '0')
if h[2] == 'dispatched' and tonumber(h[4] or '0') <= now then
  attempt = attempt + 1
  if attempt >= tonumber(ARGV[7]) then
    redis.call('DEL', KEYS[2], KEYS[3])
    redis.call('ZREM', KEYS[1], ARGV[1])
    redis.call('HSET', KEYS[4], 'status', 'failed', 'job_id', h[1], 'reason', 'lease expired', 'at', ARGV[2])
    redis.call('EXPIRE', KEYS[4], tonumber(ARGV[8]))
    return {'abandoned', h[1]}
  end
elseif not (h[2] == 'pending' and tonumber(h[3] or '0') <= now) then
  return {'not_ready'}
end

local cost = tonumber(h[5] or '0')
if cost > tonumber(ARGV[3]) then
  return {'over_budget'}
end

redis.call('HSET', KEYS[2],
  'status', 'dispatched',
  'attempt', tostring(attempt),
  'lease_expires_at', tostring(now + tonumber(ARGV[4])),
  'worker_id', ARGV[5],
  'claim_token', ARGV[6])
return {'claimed', tostring(cost)}
`

// finalizeLua completes or fails a dispatched job held by the caller.
// Returns 'mismatch' when the job was reclaimed or replaced.
//
// KEYS: queue, job hash, job rules set, outcome hash
// ARGV: category, job id, claim token, now ms, outcome ttl s,
//
//	mode ('completed' | 'failed' | 'retry'), not before ms, reason, max attempts
const finalizeLua = `
local h = redis.call('HMGET', KEYS[2], 'id', 'claim_token', 'status', 'attempt')
if h[1] ~= ARGV[2] or h[2] ~= ARGV[3] or h[3] ~= 'dispatched' then
  return 'mismatch'
end

local mode = ARGV[6]
if mode == 'retry' then
  local attempt = tonumber(h[4] or '0') + 1
  if attempt < tonumber(ARGV[9]) then
    redis.call('HSET', KEYS[2],
      'status', 'pending',
      'attempt', tostring(attempt),
      'not_before', ARGV[7],
      'lease_expires_at', '0',
      'worker_id', '',
      'claim_token', '',
      'last_error', ARGV[8])
    return 'retry'
  end
  mode = 'failed'
end

redis.call('DEL', KEYS[2], KEYS[3])
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HSET', KEYS[4], 'status', mode, 'job_id', ARGV[2], 'reason', ARGV[8], 'at', ARGV[4])
redis.call('EXPIRE', KEYS[4], tonumber(ARGV[5]))
return mode
`

var (
	enqueueScript  = redis.NewScript(enqueueLua)
	claimScript    = redis.NewScript(claimLua)
	finalizeScript = redis.NewScript(finalizeLua)
)
