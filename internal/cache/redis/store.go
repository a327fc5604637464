package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces SDK cache entries so Invalidate/Clear never touch
// other keys living in the same Redis database.
const keyPrefix = "msgclient:cache:"

// Store — кеш на Redis для мультипроцессных клиентов (боты, воркеры),
// где несколько инстансов SDK делят результаты GET-запросов.
type Store struct {
	cli *redis.Client
}

func New(ctx context.Context, url string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Store{cli: cli}, nil
}

func (s *Store) Close() error {
	return s.cli.Close()
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.cli.Get(ctx, keyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	return val, err
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.cli.Set(ctx, keyPrefix+key, value, ttl).Err()
}

// Invalidate удаляет ключи, содержащие fragment (SCAN по префиксу SDK).
func (s *Store) Invalidate(ctx context.Context, fragment string) error {
	return s.deleteMatching(ctx, keyPrefix+"*"+fragment+"*")
}

// Clear удаляет все ключи SDK; чужие ключи в той же БД не трогаем.
func (s *Store) Clear(ctx context.Context) error {
	return s.deleteMatching(ctx, keyPrefix+"*")
}

func (s *Store) deleteMatching(ctx context.Context, pattern string) error {
	iter := s.cli.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := s.cli.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}
