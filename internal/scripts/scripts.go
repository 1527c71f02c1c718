// Package scripts holds the server-side atomic Lua scripts that back every
// state transition in the queue engine, so that no partial transition is
// ever observable (spec §4.1). Each script is wrapped in a *redis.Script,
// the same EVALSHA-with-NOSCRIPT-fallback idiom the teacher repo uses for
// its dequeue and token-bucket scripts.
package scripts

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// Add assigns the next job id, persists the encoded payload, and pushes the
// id onto the waiting list.
//
// KEYS: idKey, jobsKey, waitingKey
// ARGV: encoded payload ({data, options})
// Returns: the new job id (integer).
var Add = redis.NewScript(`
local id = redis.call('INCR', KEYS[1])
redis.call('HSET', KEYS[2], id, ARGV[1])
redis.call('LPUSH', KEYS[3], id)
return id
`)

// Outcome values for Finish's ARGV[2].
const (
	OutcomeSucceeded = "succeeded"
	OutcomeRetry     = "retry"
	OutcomeFailed    = "failed"
)

// Finish atomically removes a job from active/stalling and applies its
// terminal or retry disposition. Event publication is a separate step the
// caller performs after this commits (spec §5: "Event publication occurs
// after the disposition script commits").
//
// KEYS: activeKey, stallingKey, succeededKey, failedKey, waitingKey, jobsKey
// ARGV: id, outcome, retryPayload (encoded payload with decremented
//
//	retries, ignored unless outcome==retry), removeOnSuccess ("1" or "0")
//
// Returns: 1.
var Finish = redis.NewScript(`
local id = ARGV[1]
local outcome = ARGV[2]

redis.call('LREM', KEYS[1], 0, id)
redis.call('SREM', KEYS[2], id)

if outcome == 'succeeded' then
  if ARGV[4] == '1' then
    redis.call('HDEL', KEYS[6], id)
  else
    redis.call('SADD', KEYS[3], id)
  end
elseif outcome == 'retry' then
  redis.call('HSET', KEYS[6], id, ARGV[3])
  redis.call('LPUSH', KEYS[5], id)
elseif outcome == 'failed' then
  redis.call('SADD', KEYS[4], id)
end

return 1
`)

// CheckStalled re-enqueues every id still present in the stalling set, then
// snapshots the current active list as the new stalling set, beginning a
// fresh window (spec §4.4).
//
// KEYS: stallingKey, activeKey, waitingKey
// Returns: the number of ids recovered.
var CheckStalled = redis.NewScript(`
local stalled = redis.call('SMEMBERS', KEYS[1])
for _, id in ipairs(stalled) do
  redis.call('LREM', KEYS[2], 0, id)
  redis.call('LPUSH', KEYS[3], id)
end

local active = redis.call('LRANGE', KEYS[2], 0, -1)
redis.call('DEL', KEYS[1])
if #active > 0 then
  redis.call('SADD', KEYS[1], unpack(active))
end

return #stalled
`)

// all lists every script so they can be loaded together.
func all() []*redis.Script {
	return []*redis.Script{Add, Finish, CheckStalled}
}

// Preload runs SCRIPT LOAD for every script over the given connection so
// that subsequent Run calls hit EVALSHA directly. A queue signals readiness
// only once this returns without error (spec §4.1).
func Preload(ctx context.Context, client redis.Scripter) error {
	for _, s := range all() {
		if err := s.Load(ctx, client).Err(); err != nil {
			return err
		}
	}
	return nil
}
