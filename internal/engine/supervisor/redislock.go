package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// releaseScript deletes the lock key only if it still holds this holder's
// token, so a lock that expired and was reacquired by someone else is never
// torn down by its original, slow holder.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// redisLocker is the distributed Locker for multi-worker deployments sharing
// one Postgres-backed timer/audit store, grounded on the classic Redis
// SET NX PX / Lua-checked-release single-instance lock pattern.
type redisLocker struct {
	client *redis.Client
	ttl time.Duration
	retry time.Duration
}

// NewRedisLocker dials addr and returns a distributed Locker, wired in by
// the composition root when engine.redis_instance_lock_addr is configured.
// ttl bounds how long a lock survives a holder crash before another worker
// can reclaim it; a non-positive ttl defaults to 30s.
func NewRedisLocker(addr string, ttl time.Duration) Locker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &redisLocker{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		ttl: ttl,
		retry: 50 * time.Millisecond,
	}
}

func lockKey(instanceID string) string {
	return "bpmn:instance-lock:" + instanceID
}

func (r *redisLocker) Lock(ctx context.Context, instanceID string) (func(), error) {
	key := lockKey(instanceID)
	token := uuid.NewString()

	for {
		ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis lock %s: %w", instanceID, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.retry):
		}
	}

	unlock := func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		releaseScript.Run(releaseCtx, r.client, []string{key}, token)
	}
	return unlock, nil
}
