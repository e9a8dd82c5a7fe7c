package redis

// Lua scripts run the per-queue mutations atomically inside redis. Numbers
// travel as strings formatted with %.0f so unix milliseconds never pick up
// an exponent.

// KEYS: record. ARGV: field/value pairs.
// Returns {} when created, or the stored hash when the key already existed.
const insertScript = `
if redis.call('EXISTS', KEYS[1]) == 1 then
  return redis.call('HGETALL', KEYS[1])
end
redis.call('HSET', KEYS[1], unpack(ARGV))
return {}
`

// KEYS: record. ARGV: expected version, freeze_until.
// Returns -1 when missing, 0 on a version mismatch, 1 when swapped.
const casScript = `
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
local version = tonumber(redis.call('HGET', KEYS[1], 'version')) or 0
if version ~= tonumber(ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1], 'freeze_until', ARGV[2], 'version', string.format('%.0f', version + 1))
return 1
`

// KEYS: record, users, tokens, order. ARGV: user id, token, participant JSON, now (ms).
// Returns {0} when missing, else {outcome, froze, existing participant JSON, record hash}.
const appendScript = `
local rec = KEYS[1]
if redis.call('EXISTS', rec) == 0 then
  return {0}
end
local now = tonumber(ARGV[4])
local f = redis.call('HMGET', rec, 'capacity', 'freeze_ms', 'trigger', 'freeze_until', 'version')
local capacity = tonumber(f[1])
local freezeMs = tonumber(f[2])
local trigger = f[3]
local freezeUntil = tonumber(f[4]) or 0
local version = tonumber(f[5]) or 0
local mutated = false

if freezeUntil > 0 and freezeUntil <= now then
  freezeUntil = 0
  mutated = true
end

local function finish(outcome, froze, existing)
  if mutated then
    version = version + 1
    redis.call('HSET', rec, 'freeze_until', string.format('%.0f', freezeUntil), 'version', string.format('%.0f', version))
  end
  return {outcome, froze, existing, redis.call('HGETALL', rec)}
end

if freezeUntil > now then
  return finish(4, 0, '')
end

local token = redis.call('HGET', KEYS[2], ARGV[1])
if token then
  return finish(2, 0, redis.call('HGET', KEYS[3], token) or '')
end

local size = redis.call('LLEN', KEYS[4])
if size >= capacity then
  freezeUntil = now + freezeMs
  mutated = true
  return finish(3, 1, '')
end

redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
redis.call('HSET', KEYS[3], ARGV[2], ARGV[3])
redis.call('RPUSH', KEYS[4], ARGV[2])
mutated = true

local froze = 0
if size + 1 == capacity and trigger ~= 'overflow' then
  freezeUntil = now + freezeMs
  froze = 1
end
return finish(1, froze, '')
`

// KEYS: record, users, tokens, order. ARGV: token.
// Returns {-1} when the queue is missing, {0} when the token is unknown,
// else {1, participant JSON}.
const removeScript = `
if redis.call('EXISTS', KEYS[1]) == 0 then
  return {-1}
end
local raw = redis.call('HGET', KEYS[3], ARGV[1])
if not raw then
  return {0}
end
local p = cjson.decode(raw)
redis.call('HDEL', KEYS[2], p.user_id)
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('LREM', KEYS[4], 1, ARGV[1])
redis.call('HINCRBY', KEYS[1], 'version', 1)
return {1, raw}
`
