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

package workerq

import "github.com/redis/go-redis/v9"

// KEYS[1] scheduled sorted set, KEYS[2] jobs hash throughout.

// enqueueJobScript stores the body and (re)sets the timer in one step.
// ARGV: run-at ms, id, body.
var enqueueJobScript = redis.NewScript(`
redis.call('HSET', KEYS[2], ARGV[2], ARGV[3])
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[2])
return 1
`)

// cancelJobScript removes timer and body. No-op for unknown ids.
// ARGV: id.
var cancelJobScript = redis.NewScript(`
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
return 1
`)

// ackJobScript removes a claimed job only if the stored body still
// matches the claim. A mismatch means the handler re-enqueued the id,
// and the replacement keeps its timer.
// ARGV: id, claimed body.
var ackJobScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], ARGV[1]) == ARGV[2] then
	redis.call('ZREM', KEYS[1], ARGV[1])
	redis.call('HDEL', KEYS[2], ARGV[1])
	return 1
end
return 0
`)

// claimJobsScript pops due jobs and pushes their timers out to the
// visibility deadline, returning the bodies. Timers without a body are
// stale cancellations and are dropped.
// ARGV: now ms, visibility deadline ms, batch size.
var claimJobsScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[3]))
local out = {}
for _, id in ipairs(due) do
	local body = redis.call('HGET', KEYS[2], id)
	if body then
		redis.call('ZADD', KEYS[1], ARGV[2], id)
		out[#out + 1] = body
	else
		redis.call('ZREM', KEYS[1], id)
	end
end
return out
`)
