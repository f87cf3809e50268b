package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures a RedisStore
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// refreshLua extends a key's expiry only while it holds the expected value
const refreshLua = `if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`

var refreshScript = redis.NewScript(refreshLua)

// RedisStore implements Store on top of a Redis-compatible server.
// SetIfAbsent maps to SET NX with expiry, which is the store-level
// atomicity every lease in the cluster relies on.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a client for the given server. It does not dial;
// call Ping to verify connectivity.
func NewRedisStore(opts RedisOptions) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		Protocol:     2,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	})
	return &RedisStore{client: client}
}

// SetIfAbsent issues SET key value NX [PX ttl]
func (r *RedisStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	return ok, nil
}

// Set issues SET key value [PX ttl]
func (r *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// RefreshIfEqual runs a GET-compare-PEXPIRE script, so no other client
// can take the key between the comparison and the refresh.
func (r *RedisStore) RefreshIfEqual(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	n, err := refreshScript.Run(ctx, r.client, []string{key}, value, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("refresh %s: %w", key, err)
	}
	return n == 1, nil
}

// Get issues GET key, mapping a nil reply to ErrKeyNotFound
func (r *RedisStore) Get(ctx context.Context, key string) (string, error) {
	value, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrKeyNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get %s: %w", key, err)
	}
	return value, nil
}

// Delete issues DEL key
func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("del %s: %w", key, err)
	}
	return nil
}

// AddToSet issues SADD setKey member
func (r *RedisStore) AddToSet(ctx context.Context, setKey, member string) error {
	if err := r.client.SAdd(ctx, setKey, member).Err(); err != nil {
		return fmt.Errorf("sadd %s: %w", setKey, err)
	}
	return nil
}

// RemoveFromSet issues SREM setKey member
func (r *RedisStore) RemoveFromSet(ctx context.Context, setKey, member string) error {
	if err := r.client.SRem(ctx, setKey, member).Err(); err != nil {
		return fmt.Errorf("srem %s: %w", setKey, err)
	}
	return nil
}

// MembersOf issues SMEMBERS setKey
func (r *RedisStore) MembersOf(ctx context.Context, setKey string) ([]string, error) {
	members, err := r.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, fmt.Errorf("smembers %s: %w", setKey, err)
	}
	return members, nil
}

// Ping issues PING
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the underlying connection pool
func (r *RedisStore) Close() error {
	return r.client.Close()
}
