package redis

import goredis "github.com/go-redis/redis/v8"

// Key order shared by every script:
//   KEYS[1] state            cache state, 0 COLD / 1 HEATING / 2 HOT / 3 COOLING
//   KEYS[2] access_time      tstamp of the most recent session start
//   KEYS[3] instances        list of serialized documents (HEATING / COOLING only)
//   KEYS[4] readers          clients consuming the instances list
//   KEYS[5] instances_trigger pub/sub topic carrying |instances|, negative = stream end
//   KEYS[6] sessions         currently connected clients
//   KEYS[7] last_disconnect  tstamp at which sessions last dropped to zero

var startSessionScript = goredis.NewScript(`
local state = tonumber(redis.call("GET", KEYS[1])) or 0
local tstamp = ARGV[1]

if state == 0 then
    -- COLD: transition to HEATING, clear the list, reset readers
    redis.call("SET", KEYS[1], 1)
    redis.call("DEL", KEYS[3])
    redis.call("SET", KEYS[4], 0)
elseif state == 1 then
    -- HEATING: one more reader following the list
    redis.call("INCR", KEYS[4])
elseif state == 3 then
    -- COOLING: fuse to HEATING, caller is the first reader of the
    -- reheated snapshot
    redis.call("SET", KEYS[1], 1)
    redis.call("SET", KEYS[4], 1)
    state = 1
end

redis.call("SET", KEYS[2], tstamp)
return state
`)

var endColdSessionScript = goredis.NewScript(`
local readers = tonumber(redis.call("GET", KEYS[4])) or 0
if readers == 0 then
    redis.call("DEL", KEYS[3])
end
redis.call("SET", KEYS[1], 2)
return readers
`)

var endHeatingSessionScript = goredis.NewScript(`
local readers = tonumber(redis.call("DECR", KEYS[4])) or 0
if readers <= 0 then
    redis.call("DEL", KEYS[3])
end
return readers
`)

var rollbackToColdScript = goredis.NewScript(`
local readers = tonumber(redis.call("GET", KEYS[4])) or 0
if readers > 0 then
    redis.call("RPUSH", KEYS[3], "error")
    local size = redis.call("LLEN", KEYS[3])
    redis.call("PUBLISH", KEYS[5], size)
end
redis.call("SET", KEYS[1], 0)
return readers
`)

var writeInstancesScript = goredis.NewScript(`
for i, doc in ipairs(ARGV) do
    redis.call("RPUSH", KEYS[3], doc)
end
local size = redis.call("LLEN", KEYS[3])
redis.call("PUBLISH", KEYS[5], size)
return size
`)

var endWriteScript = goredis.NewScript(`
local readers = tonumber(redis.call("GET", KEYS[4])) or 0
local size = tonumber(redis.call("LLEN", KEYS[3])) or 0
if readers == 0 then
    redis.call("DEL", KEYS[3])
    return 0
end
redis.call("PUBLISH", KEYS[5], -size)
return -size
`)

var startCoolingScript = goredis.NewScript(`
local state = tonumber(redis.call("GET", KEYS[1])) or 0
if state ~= 2 then
    return 0
end
redis.call("SET", KEYS[1], 3)
redis.call("SET", KEYS[4], 0)
redis.call("DEL", KEYS[3])
return 1
`)

var startCoolingIfStaleScript = goredis.NewScript(`
local state = tonumber(redis.call("GET", KEYS[1])) or 0
if state ~= 2 then
    return 0
end
local sessions = tonumber(redis.call("GET", KEYS[6])) or 0
if sessions > 0 then
    return 0
end
local last = redis.call("GET", KEYS[7])
if not last then
    return 0
end
if tonumber(ARGV[1]) - tonumber(last) < tonumber(ARGV[2]) then
    return 0
end
redis.call("SET", KEYS[1], 3)
redis.call("SET", KEYS[4], 0)
redis.call("DEL", KEYS[3])
return 1
`)

var finishCoolingScript = goredis.NewScript(`
local state = tonumber(redis.call("GET", KEYS[1])) or 0
local size = tonumber(redis.call("LLEN", KEYS[3])) or 0
if state == 3 then
    redis.call("PUBLISH", KEYS[5], -size)
    -- Session accounting (sessions, last_disconnect) survives; only the
    -- cache state record is destroyed.
    redis.call("DEL", KEYS[1], KEYS[2], KEYS[3], KEYS[4])
    return 0
elseif state == 1 then
    -- A client joined during cooling and fused the state to HEATING.
    -- Do not go COLD; the operator must reheat the document cache.
    redis.call("PUBLISH", KEYS[5], -size)
    return 1
end
return -1
`)

var sessionDisconnectScript = goredis.NewScript(`
local sessions = tonumber(redis.call("DECR", KEYS[6])) or 0
if sessions <= 0 then
    redis.call("SET", KEYS[6], 0)
    redis.call("SET", KEYS[7], ARGV[1])
    sessions = 0
end
return sessions
`)
