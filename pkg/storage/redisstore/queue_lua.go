package redisstore

import "github.com/redis/go-redis/v9"

// luaEnqueue 任务不存在时写入任务哈希与索引
// KEYS[1] = pending zset, KEYS[2] = task hash, KEYS[3] = execution set
// ARGV[1] = id, ARGV[2] = execution_id, ARGV[3] = task_type, ARGV[4] = priority
// ARGV[5] = body, ARGV[6] = retry_count, ARGV[7] = visible_at, ARGV[8] = created_at
var luaEnqueue = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
    return 0
end
redis.call('HSET', KEYS[2],
    'execution_id', ARGV[2], 'task_type', ARGV[3], 'priority', ARGV[4], 'body', ARGV[5],
    'retry_count', ARGV[6], 'visible_at', ARGV[7], 'lease_token', '', 'lease_expires_at', 0,
    'created_at', ARGV[8])
redis.call('ZADD', KEYS[1], ARGV[7], ARGV[1])
redis.call('SADD', KEYS[3], ARGV[1])
return 1
`)

// luaDequeue 领取可见任务：按优先级降序、可见时间升序、创建时间升序
// KEYS[1] = pending zset, KEYS[2] = leased zset
// ARGV[1] = task key prefix, ARGV[2] = now, ARGV[3] = lease expires_at, ARGV[4] = max batch
// ARGV[5] = scan limit, ARGV[6..] = lease tokens
// 返回扁平数组: id, token, body, retry_count, execution_id, task_type
var luaDequeue = redis.NewScript(`
local prefix = ARGV[1]
local expires = ARGV[3]
local max = tonumber(ARGV[4])
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[2], 'LIMIT', 0, tonumber(ARGV[5]))
local cands = {}
for _, id in ipairs(ids) do
    local h = redis.call('HMGET', prefix .. id, 'priority', 'visible_at', 'created_at')
    if h[1] then
        table.insert(cands, {id = id, p = tonumber(h[1]), v = tonumber(h[2]), c = tonumber(h[3])})
    else
        redis.call('ZREM', KEYS[1], id)
    end
end
table.sort(cands, function(a, b)
    if a.p ~= b.p then return a.p > b.p end
    if a.v ~= b.v then return a.v < b.v end
    if a.c ~= b.c then return a.c < b.c end
    return a.id < b.id
end)
local out = {}
for i = 1, math.min(max, #cands) do
    local id = cands[i].id
    local key = prefix .. id
    local token = ARGV[5 + i]
    redis.call('HSET', key, 'lease_token', token, 'lease_expires_at', expires, 'visible_at', expires)
    redis.call('ZADD', KEYS[1], expires, id)
    redis.call('ZADD', KEYS[2], expires, id)
    local h = redis.call('HMGET', key, 'body', 'retry_count', 'execution_id', 'task_type')
    table.insert(out, id)
    table.insert(out, token)
    table.insert(out, h[1])
    table.insert(out, h[2])
    table.insert(out, h[3])
    table.insert(out, h[4])
end
return out
`)

// luaAck 租约匹配时删除任务
// KEYS[1] = task hash, KEYS[2] = pending zset, KEYS[3] = leased zset
// ARGV[1] = id, ARGV[2] = lease token, ARGV[3] = execution set prefix
var luaAck = redis.NewScript(`
if ARGV[2] == '' or redis.call('HGET', KEYS[1], 'lease_token') ~= ARGV[2] then
    return 0
end
local exec = redis.call('HGET', KEYS[1], 'execution_id')
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
if exec then
    redis.call('SREM', ARGV[3] .. exec, ARGV[1])
end
return 1
`)

// luaNack 租约匹配时释放租约并持久化重试状态
// KEYS[1] = task hash, KEYS[2] = pending zset, KEYS[3] = leased zset
// ARGV[1] = id, ARGV[2] = lease token, ARGV[3] = body, ARGV[4] = retry_count, ARGV[5] = visible_at
var luaNack = redis.NewScript(`
if ARGV[2] == '' or redis.call('HGET', KEYS[1], 'lease_token') ~= ARGV[2] then
    return 0
end
redis.call('HSET', KEYS[1], 'body', ARGV[3], 'retry_count', ARGV[4], 'visible_at', ARGV[5],
    'lease_token', '', 'lease_expires_at', 0)
redis.call('ZADD', KEYS[2], ARGV[5], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
return 1
`)

// luaExtendLease 租约匹配时在已存储的到期时间上延长，返回新的到期时间，租约丢失返回0
// KEYS[1] = task hash, KEYS[2] = pending zset, KEYS[3] = leased zset
// ARGV[1] = id, ARGV[2] = lease token, ARGV[3] = extra ms
var luaExtendLease = redis.NewScript(`
if ARGV[2] == '' or redis.call('HGET', KEYS[1], 'lease_token') ~= ARGV[2] then
    return 0
end
local expires = tonumber(redis.call('HGET', KEYS[1], 'lease_expires_at')) + tonumber(ARGV[3])
redis.call('HSET', KEYS[1], 'lease_expires_at', expires, 'visible_at', expires)
redis.call('ZADD', KEYS[2], expires, ARGV[1])
redis.call('ZADD', KEYS[3], expires, ARGV[1])
return expires
`)

// luaStats 返回 total, ready, leased
// KEYS[1] = pending zset, KEYS[2] = leased zset, ARGV[1] = now
var luaStats = redis.NewScript(`
local total = redis.call('ZCARD', KEYS[1])
local ready = redis.call('ZCOUNT', KEYS[1], '-inf', ARGV[1])
local leased = redis.call('ZCOUNT', KEYS[2], '(' .. ARGV[1], '+inf')
return {total, ready, leased}
`)

// luaPurgeExecution 删除某个Execution未租出或租约已过期的任务
// KEYS[1] = execution set, KEYS[2] = pending zset, KEYS[3] = leased zset
// ARGV[1] = task key prefix, ARGV[2] = now
var luaPurgeExecution = redis.NewScript(`
local now = tonumber(ARGV[2])
local n = 0
for _, id in ipairs(redis.call('SMEMBERS', KEYS[1])) do
    local key = ARGV[1] .. id
    local h = redis.call('HMGET', key, 'lease_token', 'lease_expires_at')
    if not h[1] then
        redis.call('SREM', KEYS[1], id)
    elseif h[1] == '' or tonumber(h[2]) <= now then
        redis.call('DEL', key)
        redis.call('ZREM', KEYS[2], id)
        redis.call('ZREM', KEYS[3], id)
        redis.call('SREM', KEYS[1], id)
        n = n + 1
    end
end
return n
`)
