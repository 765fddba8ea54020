package redis

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// KVStore keeps one device's key space in Redis under "device:{id}:".
// A positive ttl expires idle devices; every write refreshes it.
type KVStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewKVStore(client *redis.Client, deviceID string, ttl time.Duration) *KVStore {
	return &KVStore{
		client: client,
		prefix: "device:" + deviceID + ":",
		ttl:    ttl,
	}
}

func (s *KVStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, s.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *KVStore) Set(ctx context.Context, key, value string) error {
	return s.client.Set(ctx, s.prefix+key, value, s.ttl).Err()
}

func (s *KVStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}

// Keys lists the keys under prefix using SCAN, without the device prefix.
func (s *KVStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := s.client.Scan(ctx, cursor, escapeGlob(s.prefix+prefix)+"*", 100).Result()
		if err != nil {
			return nil, err
		}
		for _, k := range batch {
			if !strings.HasPrefix(k, s.prefix+prefix) {
				continue
			}
			keys = append(keys, strings.TrimPrefix(k, s.prefix))
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

var globEscaper = strings.NewReplacer(`\`, `\\`, "*", `\*`, "?", `\?`, "[", `\[`, "]", `\]`)

// escapeGlob quotes the MATCH metacharacters so ids like "d*" scan literally.
func escapeGlob(s string) string { return globEscaper.Replace(s) }
