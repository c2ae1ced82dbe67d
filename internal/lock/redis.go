package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultTTL   = 30 * time.Second
	defaultRetry = 50 * time.Millisecond
	keyPrefix    = "traction:lock:"
)

// releaseScript deletes the key only while it still holds our token.
const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) else return 0 end`

// Client is the subset of the go-redis API used by Redis. *redis.Client and
// redis.UniversalClient satisfy it.
type Client interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
}

// Redis is a Locker shared between processes using SET NX PX with a random
// token per holder. Locks expire after TTL if the holder disappears.
type Redis struct {
	client Client
	TTL    time.Duration
	Retry  time.Duration
}

// NewRedis returns a Redis-backed locker.
func NewRedis(client Client) *Redis {
	return &Redis{client: client, TTL: defaultTTL, Retry: defaultRetry}
}

// Acquire implements Locker.
func (r *Redis) Acquire(ctx context.Context, key string) (Release, error) {
	if r.client == nil {
		return nil, errors.New("redis lock: client required")
	}
	ttl, retry := r.TTL, r.Retry
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if retry <= 0 {
		retry = defaultRetry
	}
	redisKey := keyPrefix + key
	token := uuid.NewString()
	for {
		ok, err := r.client.SetNX(ctx, redisKey, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis lock %s: %w", key, err)
		}
		if ok {
			break
		}
		timer := time.NewTimer(retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			// The caller's context may already be cancelled.
			relCtx, cancel := context.WithTimeout(context.Background(), ttl)
			defer cancel()
			_ = r.client.Eval(relCtx, releaseScript, []string{redisKey}, token).Err()
		})
	}, nil
}
