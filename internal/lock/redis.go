package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if its value still matches our
// token, the standard `SET NX PX` + Lua-CAS-delete pattern for
// distributed locks (grounded on the redis/go-redis stack carried by
// lbaominh-dev-goclaw and vanducng-goclaw).
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`)

// RedisStore implements Store against Redis, providing the
// cross-process guarantees the trigger scheduler's scan lock and the
// startup-initialization lock need in multi-worker deployments.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("lock: parse redis url: %w", err)
	}
	return &RedisStore{client: redis.NewClient(opts)}, nil
}

func (r *RedisStore) Acquire(ctx context.Context, name string, ttl time.Duration) (string, bool, error) {
	token := newToken()
	ok, err := r.client.SetNX(ctx, lockKey(name), token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("lock: acquire %s: %w", name, err)
	}
	return token, ok, nil
}

func (r *RedisStore) Extend(ctx context.Context, name, token string, ttl time.Duration) error {
	return extendScript.Run(ctx, r.client, []string{lockKey(name)}, token, ttl.Milliseconds()).Err()
}

func (r *RedisStore) Release(ctx context.Context, name, token string) error {
	return releaseScript.Run(ctx, r.client, []string{lockKey(name)}, token).Err()
}

func (r *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, kvKey(key), value, ttl).Err()
}

func (r *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, kvKey(key)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lock: get %s: %w", key, err)
	}
	return v, true, nil
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, kvKey(key)).Err()
}

func (r *RedisStore) Close() error { return r.client.Close() }

func lockKey(name string) string { return "goclaw:lock:" + name }
func kvKey(key string) string    { return "goclaw:kv:" + key }

func newToken() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
