package kvstore

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// casStatusScript atomically transitions a job's status field only if its
// current value matches one of the allowed "from" states, returning 1 on a
// successful transition and 0 otherwise. KEYS[1] is the job hash key;
// ARGV[1] is the new status; ARGV[2..] are the allowed prior statuses.
var casStatusScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'status')
if current == false then
  return 0
end
for i = 2, #ARGV do
  if current == ARGV[i] then
    redis.call('HSET', KEYS[1], 'status', ARGV[1])
    return 1
  end
end
return 0
`)

// CompareAndSwapStatus transitions the status field of the hash at key from
// one of fromStatuses to toStatus, atomically, returning whether the
// transition took effect. This is the single linearization point for job
// status changes: workers and the REST layer both go through it, so a
// job can never be observed to skip or duplicate a lifecycle state.
func CompareAndSwapStatus(ctx context.Context, rdb *redis.Client, key, toStatus string, fromStatuses ...string) (bool, error) {
	args := make([]interface{}, 0, len(fromStatuses)+1)
	args = append(args, toStatus)
	for _, s := range fromStatuses {
		args = append(args, s)
	}
	res, err := casStatusScript.Run(ctx, rdb, []string{key}, args...).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}
