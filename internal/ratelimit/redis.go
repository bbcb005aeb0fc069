package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis counts calls in fixed windows shared by every server instance
type Redis struct {
	client *redis.Client
	prefix string
}

func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "livethread:rl"
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) Allow(ctx context.Context, profile Profile, key string) (Decision, error) {
	rule, ok := ruleFor(profile)
	if !ok {
		return Decision{Allowed: true}, nil
	}

	redisKey := fmt.Sprintf("%s:%s:%s", r.prefix, profile, key)
	count, err := r.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit incr: %w", err)
	}
	if count == 1 {
		if err := r.client.Expire(ctx, redisKey, rule.Window).Err(); err != nil {
			return Decision{}, fmt.Errorf("rate limit expire: %w", err)
		}
	}
	if count <= int64(rule.Limit) {
		return Decision{Allowed: true}, nil
	}

	ttl, err := r.client.TTL(ctx, redisKey).Result()
	if err != nil || ttl <= 0 {
		// a key without expiry would block forever; give it one
		r.client.Expire(ctx, redisKey, rule.Window)
		ttl = rule.Window
	}
	return Decision{RetryAfter: ttl}, nil
}

// Ping checks the connection
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// NewClient builds a go-redis client for addr
func NewClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
}
