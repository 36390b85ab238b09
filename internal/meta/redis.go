package meta

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const metaKeyPrefix = "spfresh:meta:"

// RedisStore keeps payloads in Redis, keyed by vid. Useful when several
// index replicas share one payload store.
type RedisStore struct {
	client *redis.Client
	log    *zap.Logger
}

// NewRedisStore initializes a Redis-backed payload store.
func NewRedisStore(addr string, db int, log *zap.Logger) *RedisStore {
	log = log.Named("meta_redis")

	opts := &redis.Options{
		Addr:         addr,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MaxRetries:   3,
	}
	client := redis.NewClient(opts)

	log.Info("redis payload store initialized",
		zap.String("addr", addr),
		zap.Int("db", db),
	)
	return &RedisStore{client: client, log: log}
}

func metaKey(vid uint32) string {
	return metaKeyPrefix + strconv.FormatUint(uint64(vid), 10)
}

// Put implements Store.
func (s *RedisStore) Put(vid uint32, payload []byte) error {
	if err := s.client.Set(context.Background(), metaKey(vid), payload, 0).Err(); err != nil {
		return fmt.Errorf("set: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *RedisStore) Get(vid uint32) ([]byte, error) {
	b, err := s.client.Get(context.Background(), metaKey(vid)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: vid %d", ErrNotFound, vid)
		}
		return nil, fmt.Errorf("get: %w", err)
	}
	return b, nil
}

// Delete implements Store.
func (s *RedisStore) Delete(vid uint32) error {
	n, err := s.client.Del(context.Background(), metaKey(vid)).Result()
	if err != nil {
		return fmt.Errorf("del: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: vid %d", ErrNotFound, vid)
	}
	return nil
}

// Close releases the connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
