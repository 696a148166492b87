package storage

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	idempotencyKeyPrefix = "idem:"
	leaseKeyPrefix       = "lease:"
	idempotencyKeyTTL    = 24 * time.Hour
)

// acquireLeaseScript takes the lease when free and renews it for its current owner.
var acquireLeaseScript = redis.NewScript(`
local key = KEYS[1]
local owner = ARGV[1]
local ttl = tonumber(ARGV[2])

local current = redis.call('GET', key)
if current == owner then
	redis.call('PEXPIRE', key, ttl)
	return 1
end

if redis.call('SET', key, owner, 'NX', 'PX', ttl) then
	return 1
end

return 0
`)

var releaseLeaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

type RedisAdapter struct {
	client *redis.Client
}

func NewRedisAdapter(client *redis.Client) *RedisAdapter {
	return &RedisAdapter{client: client}
}

func (r *RedisAdapter) SetIdempotency(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, idempotencyKeyPrefix+key, 1, idempotencyKeyTTL).Result()
	if err != nil {
		return false, err
	}

	return ok, nil
}

func (r *RedisAdapter) ClearIdempotency(ctx context.Context, key string) error {
	return r.client.Del(ctx, idempotencyKeyPrefix+key).Err()
}

func (r *RedisAdapter) AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	result, err := acquireLeaseScript.Run(ctx, r.client, []string{leaseKeyPrefix + name}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}

	return result == 1, nil
}

func (r *RedisAdapter) ReleaseLease(ctx context.Context, name, owner string) error {
	return releaseLeaseScript.Run(ctx, r.client, []string{leaseKeyPrefix + name}, owner).Err()
}
