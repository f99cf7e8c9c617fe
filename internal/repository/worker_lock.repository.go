package repository

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultWorkerLockTTL = 15 * time.Second

var (
	releaseWorkerLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

	refreshWorkerLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
    return 0
end
`)
)

// WorkerLockRepository is an owner-tagged Redis lock so that only one
// rebalance worker per ticker runs across all gateway instances.
type WorkerLockRepository struct {
	client redis.UniversalClient
}

func NewWorkerLockRepository(client redis.UniversalClient) *WorkerLockRepository {
	return &WorkerLockRepository{client: client}
}

func (r *WorkerLockRepository) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = defaultWorkerLockTTL
	}

	return r.client.SetNX(ctx, key, owner, ttl).Result()
}

// Refresh extends the lock if owner still holds it and reports whether it does.
func (r *WorkerLockRepository) Refresh(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = defaultWorkerLockTTL
	}

	extended, err := refreshWorkerLockScript.Run(ctx, r.client, []string{key}, owner, ttl.Milliseconds()).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, err
	}

	return extended == 1, nil
}

func (r *WorkerLockRepository) Release(ctx context.Context, key, owner string) error {
	_, err := releaseWorkerLockScript.Run(ctx, r.client, []string{key}, owner).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}

	return nil
}
