package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrCacheMiss means the key does not exist.
var ErrCacheMiss = errors.New("cache miss")

// KVStore is the storage behind RecentCache; Redis in production, memory
// for single-node runs and tests.
type KVStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	// PushFront prepends value and keeps at most maxLen newest entries.
	PushFront(ctx context.Context, key string, value string, maxLen int) error
	// Range returns up to n entries from the head of the list.
	Range(ctx context.Context, key string, n int) ([]string, error)
	// Append adds value to the tail of the list and keeps at most maxLen
	// newest entries.
	Append(ctx context.Context, key string, value string, maxLen int) error
	// Drain returns the whole list and deletes it atomically.
	Drain(ctx context.Context, key string) ([]string, error)
	Len(ctx context.Context, key string) (int, error)
}

// RedisKVStore is the go-redis implementation.
type RedisKVStore struct {
	client *redis.Client
}

// NewRedisKVStore stores lists and values in Redis.
func NewRedisKVStore(client *redis.Client) *RedisKVStore {
	return &RedisKVStore{client: client}
}

func (r *RedisKVStore) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrCacheMiss
		}
		return "", err
	}
	return val, nil
}

func (r *RedisKVStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisKVStore) PushFront(ctx context.Context, key string, value string, maxLen int) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, value)
		pipe.LTrim(ctx, key, 0, int64(maxLen-1))
		return nil
	})
	return err
}

func (r *RedisKVStore) Range(ctx context.Context, key string, n int) ([]string, error) {
	if n <= 0 {
		return []string{}, nil
	}
	return r.client.LRange(ctx, key, 0, int64(n-1)).Result()
}

func (r *RedisKVStore) Append(ctx context.Context, key string, value string, maxLen int) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, value)
		if maxLen > 0 {
			pipe.LTrim(ctx, key, int64(-maxLen), -1)
		}
		return nil
	})
	return err
}

func (r *RedisKVStore) Drain(ctx context.Context, key string) ([]string, error) {
	var lrange *redis.StringSliceCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		lrange = pipe.LRange(ctx, key, 0, -1)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lrange.Val(), nil
}

func (r *RedisKVStore) Len(ctx context.Context, key string) (int, error) {
	n, err := r.client.LLen(ctx, key).Result()
	return int(n), err
}

// MemoryKVStore keeps everything in process memory. TTLs are honoured on read.
type MemoryKVStore struct {
	mu     sync.Mutex
	values map[string]memoryItem
	lists  map[string][]string
}

type memoryItem struct {
	value   string
	expires time.Time // zero = no ttl
}

// NewMemoryKVStore creates an empty in-process store.
func NewMemoryKVStore() *MemoryKVStore {
	return &MemoryKVStore{
		values: make(map[string]memoryItem),
		lists:  make(map[string][]string),
	}
}

func (m *MemoryKVStore) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.values[key]
	if !ok {
		return "", ErrCacheMiss
	}
	if !item.expires.IsZero() && time.Now().After(item.expires) {
		delete(m.values, key)
		return "", ErrCacheMiss
	}
	return item.value, nil
}

func (m *MemoryKVStore) Set(_ context.Context, key string, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	m.values[key] = memoryItem{value: value, expires: exp}
	return nil
}

func (m *MemoryKVStore) PushFront(_ context.Context, key string, value string, maxLen int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := append([]string{value}, m.lists[key]...)
	if maxLen > 0 && len(list) > maxLen {
		list = list[:maxLen]
	}
	m.lists[key] = list
	return nil
}

func (m *MemoryKVStore) Range(_ context.Context, key string, n int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.lists[key]
	if n > len(list) {
		n = len(list)
	}
	if n <= 0 {
		return []string{}, nil
	}
	out := make([]string, n)
	copy(out, list[:n])
	return out, nil
}

func (m *MemoryKVStore) Append(_ context.Context, key string, value string, maxLen int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := append(m.lists[key], value)
	if maxLen > 0 && len(list) > maxLen {
		list = append([]string(nil), list[len(list)-maxLen:]...)
	}
	m.lists[key] = list
	return nil
}

func (m *MemoryKVStore) Drain(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.lists[key]
	delete(m.lists, key)
	if list == nil {
		return []string{}, nil
	}
	return list, nil
}

func (m *MemoryKVStore) Len(_ context.Context, key string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.lists[key]), nil
}
