package redisstore

import "github.com/redis/go-redis/v9"

// luaDecrementIndegree 每条边只递减一次
// KEYS[1] = remaining key, KEYS[2] = edges set, KEYS[3] = indegree hash
// ARGV[1] = node id, ARGV[2] = edge member
// 返回 {exists, indegree, applied}
var luaDecrementIndegree = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
    return {0, 0, 0}
end
if redis.call('SADD', KEYS[2], ARGV[2]) == 0 then
    return {1, tonumber(redis.call('HGET', KEYS[3], ARGV[1]) or '0'), 0}
end
local v = redis.call('HINCRBY', KEYS[3], ARGV[1], -1)
if v < 0 then
    redis.call('HSET', KEYS[3], ARGV[1], 0)
    v = 0
end
return {1, v, 1}
`)

// luaMarkNodeDone 每个节点只计一次
// KEYS[1] = remaining key, KEYS[2] = done set, ARGV[1] = node id
// 返回 {exists, remaining, applied}
var luaMarkNodeDone = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
    return {0, 0, 0}
end
if redis.call('SADD', KEYS[2], ARGV[1]) == 0 then
    return {1, tonumber(cur), 0}
end
local v = tonumber(cur)
if v > 0 then
    v = redis.call('DECR', KEYS[1])
end
return {1, v, 1}
`)
