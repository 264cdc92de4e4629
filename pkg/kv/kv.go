package kv

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Well-known keys shared between the proxy manager and the container
// lifecycle coordinator.
const (
	// ProxyGroupsListKey holds the ordered list of url-test group names.
	ProxyGroupsListKey = "proxy_groups_list"

	// ProxyGroupRRIndexKey is the monotonic round-robin counter.
	ProxyGroupRRIndexKey = "proxy_group_rr_index"

	// ProxyGroupHealthKey is a hash of group -> "<bool>:<seconds>:<ts>".
	ProxyGroupHealthKey = "proxy_group_health"

	// ProxyGroupFailureCountKey is a hash of group -> consecutive failures.
	ProxyGroupFailureCountKey = "proxy_group_failure_count"

	// ProxyGroupBlacklistKey is a hash of group -> unix seconds until
	// which the group is blacklisted.
	ProxyGroupBlacklistKey = "proxy_group_blacklist"

	// ProxyGroupLastCheckKey is a hash of group -> unix seconds of the
	// last health probe.
	ProxyGroupLastCheckKey = "proxy_group_last_check"

	// ContainerProxyRulesKey is a hash of container IP -> routing rule.
	ContainerProxyRulesKey = "container_proxy_rules"

	// ContainerAlertPrefix prefixes per-worker alert keys.
	ContainerAlertPrefix = "container_alert:"
)

// Store is a thin wrapper over a shared Redis connection pool providing
// the hash, list, key-value, and counter operations the control plane
// needs. All values are strings.
type Store struct {
	client *redis.Client
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, addr string, db int) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return &Store{client: client}, nil
}

// NewWithClient wraps an existing client. Used by tests.
func NewWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

// Set stores a plain key-value pair with no expiry.
func (s *Store) Set(ctx context.Context, key, value string) error {
	return s.client.Set(ctx, key, value, 0).Err()
}

// Get returns the value for key, or "" with ok=false when absent.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// Delete removes a key. Missing keys are not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

// Exists reports whether key is present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	return n > 0, err
}

// KeysByPrefix returns all keys starting with prefix.
func (s *Store) KeysByPrefix(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, iter.Err()
}

// HSet sets one field of a hash.
func (s *Store) HSet(ctx context.Context, key, field, value string) error {
	return s.client.HSet(ctx, key, field, value).Err()
}

// HGet returns one field of a hash, with ok=false when the field is absent.
func (s *Store) HGet(ctx context.Context, key, field string) (string, bool, error) {
	v, err := s.client.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// HGetAll returns all fields of a hash. An absent hash yields an empty map.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return s.client.HGetAll(ctx, key).Result()
}

// HDel removes fields from a hash and returns how many were removed.
func (s *Store) HDel(ctx context.Context, key string, fields ...string) (int64, error) {
	return s.client.HDel(ctx, key, fields...).Result()
}

// HIncrBy atomically increments an integer hash field and returns the
// post-increment value.
func (s *Store) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	return s.client.HIncrBy(ctx, key, field, delta).Result()
}

// Incr atomically increments a counter key and returns the new value.
func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	return s.client.Incr(ctx, key).Result()
}

// ListReplace atomically replaces the contents of a list.
func (s *Store) ListReplace(ctx context.Context, key string, values []string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	if len(values) > 0 {
		args := make([]interface{}, len(values))
		for i, v := range values {
			args[i] = v
		}
		pipe.RPush(ctx, key, args...)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// ListAll returns the full contents of a list in order.
func (s *Store) ListAll(ctx context.Context, key string) ([]string, error) {
	return s.client.LRange(ctx, key, 0, -1).Result()
}
