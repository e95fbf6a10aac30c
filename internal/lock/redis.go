package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "pipeline:lock:"

// Both keys share a hash slot so the scripts work on Redis Cluster.
func lockKey(key string) string  { return keyPrefix + "{" + key + "}" }
func fenceKey(key string) string { return keyPrefix + "{" + key + "}:fence" }

// The fence counter never expires; reissuing a smaller fence would wedge
// every later write to the job.
var acquireScript = redis.NewScript(`
if redis.call("SET", KEYS[1], ARGV[1], "NX", "PX", ARGV[2]) then
	return redis.call("INCR", KEYS[2])
end
return 0
`)

var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisService implements Service with Redis keys and Lua scripts.
type RedisService struct {
	client *redis.Client
}

var _ Service = (*RedisService)(nil)

// NewRedisService creates a Redis-backed lock service.
func NewRedisService(client *redis.Client) *RedisService {
	return &RedisService{client: client}
}

func (s *RedisService) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	token := uuid.NewString()
	fence, err := acquireScript.Run(ctx, s.client, []string{lockKey(key), fenceKey(key)}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if fence == 0 {
		return nil, ErrBusy
	}
	return &Lease{
		Key:       key,
		Token:     token,
		Fence:     fence,
		ExpiresAt: time.Now().Add(ttl),
	}, nil
}

func (s *RedisService) Renew(ctx context.Context, lease *Lease, ttl time.Duration) error {
	ok, err := renewScript.Run(ctx, s.client, []string{lockKey(lease.Key)}, lease.Token, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("renew lock %s: %w", lease.Key, err)
	}
	if ok == 0 {
		return ErrLost
	}
	lease.ExpiresAt = time.Now().Add(ttl)
	return nil
}

func (s *RedisService) Release(ctx context.Context, lease *Lease) error {
	ok, err := releaseScript.Run(ctx, s.client, []string{lockKey(lease.Key)}, lease.Token).Int64()
	if err != nil {
		return fmt.Errorf("release lock %s: %w", lease.Key, err)
	}
	if ok == 0 {
		return ErrLost
	}
	return nil
}
