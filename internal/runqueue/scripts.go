// Copyright 2025 The trigger-dev Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package runqueue

import "github.com/redis/go-redis/v9"

// Server-side scripts. Each mutation of the queue/concurrency state is
// a single atomic script so counters can never drift from queue
// membership.
//
// Shared KEYS layout for dequeue/ack/nack/release/reacquire:
//   KEYS[1] queue sorted set
//   KEYS[2] queue current-concurrency set (named queue)
//   KEYS[3] concurrency-key partition current set (== KEYS[2] when none)
//   KEYS[4] queue concurrency-limit key
//   KEYS[5] env current-concurrency set
//   KEYS[6] env concurrency-limit key
//   KEYS[7] task current-concurrency set
//   KEYS[8] task concurrency-limit key
//   KEYS[9] master-queue index sorted set
//   KEYS[10] consumer in-flight set

// enqueueScript writes the message body, inserts the id into the queue
// and refreshes the master-queue index.
// KEYS: queue, master, message. ARGV: score, body, id.
var enqueueScript = redis.NewScript(`
redis.call('SET', KEYS[3], ARGV[2])
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[3])
local head = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
redis.call('ZADD', KEYS[2], head[2], KEYS[1])
return 1
`)

// dequeueScript checks every concurrency gate, pops the earliest
// available message, claims all counters and returns {id, body}.
// ARGV: now-ms, default env limit, message key prefix.
var dequeueScript = redis.NewScript(`
local envLimit = tonumber(redis.call('GET', KEYS[6]) or ARGV[2])
if redis.call('SCARD', KEYS[5]) >= envLimit then
	return false
end

local queueLimit = tonumber(redis.call('GET', KEYS[4]) or envLimit)
if queueLimit >= 0 and redis.call('SCARD', KEYS[2]) >= queueLimit then
	return false
end
if KEYS[3] ~= KEYS[2] and queueLimit >= 0 and redis.call('SCARD', KEYS[3]) >= queueLimit then
	return false
end

local taskLimit = tonumber(redis.call('GET', KEYS[8]) or '0')
if taskLimit > 0 and redis.call('SCARD', KEYS[7]) >= taskLimit then
	return false
end

local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
	local head = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
	if #head == 0 then
		redis.call('ZREM', KEYS[9], KEYS[1])
	else
		redis.call('ZADD', KEYS[9], head[2], KEYS[1])
	end
	return false
end

local id = ids[1]
redis.call('ZREM', KEYS[1], id)
redis.call('SADD', KEYS[2], id)
if KEYS[3] ~= KEYS[2] then
	redis.call('SADD', KEYS[3], id)
end
redis.call('SADD', KEYS[5], id)
redis.call('SADD', KEYS[7], id)
redis.call('SADD', KEYS[10], id)

local head = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
if #head == 0 then
	redis.call('ZREM', KEYS[9], KEYS[1])
else
	redis.call('ZADD', KEYS[9], head[2], KEYS[1])
end

local body = redis.call('GET', ARGV[3] .. id)
return {id, body}
`)

// ackScript drops the message entirely: counters, queue membership,
// in-flight claim and body. Safe to repeat.
// ARGV: id, message key.
var ackScript = redis.NewScript(`
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('SREM', KEYS[2], ARGV[1])
if KEYS[3] ~= KEYS[2] then
	redis.call('SREM', KEYS[3], ARGV[1])
end
redis.call('SREM', KEYS[5], ARGV[1])
redis.call('SREM', KEYS[7], ARGV[1])
redis.call('SREM', KEYS[10], ARGV[1])
redis.call('DEL', ARGV[2])
local head = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
if #head == 0 then
	redis.call('ZREM', KEYS[9], KEYS[1])
else
	redis.call('ZADD', KEYS[9], head[2], KEYS[1])
end
return 1
`)

// nackScript releases counters and re-inserts the message at the given
// score. The body is kept. Safe to repeat.
// ARGV: id, retry-at score.
var nackScript = redis.NewScript(`
redis.call('SREM', KEYS[2], ARGV[1])
if KEYS[3] ~= KEYS[2] then
	redis.call('SREM', KEYS[3], ARGV[1])
end
redis.call('SREM', KEYS[5], ARGV[1])
redis.call('SREM', KEYS[7], ARGV[1])
redis.call('SREM', KEYS[10], ARGV[1])
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
local head = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
redis.call('ZADD', KEYS[9], head[2], KEYS[1])
return 1
`)

// releaseScript frees the concurrency slots of a blocked run without
// re-queueing it. The message body survives so the run can be
// reconstructed on resume.
// ARGV: id.
var releaseScript = redis.NewScript(`
redis.call('SREM', KEYS[2], ARGV[1])
if KEYS[3] ~= KEYS[2] then
	redis.call('SREM', KEYS[3], ARGV[1])
end
redis.call('SREM', KEYS[5], ARGV[1])
redis.call('SREM', KEYS[7], ARGV[1])
redis.call('SREM', KEYS[10], ARGV[1])
return 1
`)

// reacquireScript attempts to re-claim the concurrency slots released
// at suspension. Fails (0) when any limit would be exceeded, signalling
// the caller to re-queue instead.
// ARGV: id, default env limit.
var reacquireScript = redis.NewScript(`
local envLimit = tonumber(redis.call('GET', KEYS[6]) or ARGV[2])
if redis.call('SCARD', KEYS[5]) >= envLimit then
	return 0
end
local queueLimit = tonumber(redis.call('GET', KEYS[4]) or envLimit)
if redis.call('SCARD', KEYS[2]) >= queueLimit then
	return 0
end
if KEYS[3] ~= KEYS[2] and redis.call('SCARD', KEYS[3]) >= queueLimit then
	return 0
end
local taskLimit = tonumber(redis.call('GET', KEYS[8]) or '0')
if taskLimit > 0 and redis.call('SCARD', KEYS[7]) >= taskLimit then
	return 0
end
redis.call('SADD', KEYS[2], ARGV[1])
if KEYS[3] ~= KEYS[2] then
	redis.call('SADD', KEYS[3], ARGV[1])
end
redis.call('SADD', KEYS[5], ARGV[1])
redis.call('SADD', KEYS[7], ARGV[1])
return 1
`)
