package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisNonceStoreConfig describes the Redis connection for nonce tracking.
type RedisNonceStoreConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisNonceStore tracks consumed nonces in Redis. Use it when several
// seller processes accept payments for the same wallet: SET NX gives the
// cross-process uniqueness the in-memory store cannot, and per-key TTLs
// make the sweep implicit.
type RedisNonceStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisNonceStore connects to Redis and verifies the connection.
func NewRedisNonceStore(cfg RedisNonceStoreConfig) (*RedisNonceStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("redis address is empty")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "agentpay:nonce:"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisNonceStore{client: client, prefix: prefix, now: time.Now}, nil
}

// Consume implements NonceStore using SET NX with a TTL equal to the
// remaining validity window.
func (s *RedisNonceStore) Consume(ctx context.Context, nonce string, validBefore time.Time) (bool, error) {
	ttl := time.Until(validBefore)
	if ttl <= 0 {
		// Already expired; the verifier rejects these before consuming,
		// but guard against a zero TTL turning into no expiry.
		ttl = time.Second
	}
	ok, err := s.client.SetNX(ctx, s.prefix+nonce, s.now().Unix(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("record nonce in redis: %w", err)
	}
	return ok, nil
}

// Sweep implements NonceStore. Redis expires keys on its own, so there is
// nothing to remove here.
func (s *RedisNonceStore) Sweep(_ context.Context) (int, error) {
	return 0, nil
}

// Close releases the Redis connection.
func (s *RedisNonceStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

var _ NonceStore = (*RedisNonceStore)(nil)
