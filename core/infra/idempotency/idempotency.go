// Package idempotency records which envelope ids a peer has already accepted.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultTTL      = 24 * time.Hour
	defaultKeyspace = "tf:sync:seen:"
)

// Log marks ids as seen. Mark reports true the first time an id is marked.
// Forget releases an id whose processing failed so a redelivery is accepted.
type Log interface {
	Mark(ctx context.Context, id string) (bool, error)
	Seen(ctx context.Context, id string) (bool, error)
	Forget(ctx context.Context, id string) error
}

// MemoryLog keeps seen ids in process memory with a TTL.
type MemoryLog struct {
	ttl time.Duration
	now func() time.Time

	mu        sync.Mutex
	seen      map[string]time.Time
	lastPrune time.Time
}

// NewMemoryLog returns an in-memory log. ttl <= 0 uses DefaultTTL.
func NewMemoryLog(ttl time.Duration) *MemoryLog {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryLog{ttl: ttl, now: time.Now, seen: make(map[string]time.Time)}
}

func (l *MemoryLog) Mark(_ context.Context, id string) (bool, error) {
	if id == "" {
		return false, errors.New("idempotency id required")
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(now)
	if exp, ok := l.seen[id]; ok && now.Before(exp) {
		return false, nil
	}
	l.seen[id] = now.Add(l.ttl)
	return true, nil
}

func (l *MemoryLog) Seen(_ context.Context, id string) (bool, error) {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	exp, ok := l.seen[id]
	return ok && now.Before(exp), nil
}

func (l *MemoryLog) Forget(_ context.Context, id string) error {
	l.mu.Lock()
	delete(l.seen, id)
	l.mu.Unlock()
	return nil
}

// Len returns the number of live entries.
func (l *MemoryLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(l.now())
	return len(l.seen)
}

func (l *MemoryLog) pruneLocked(now time.Time) {
	if now.Sub(l.lastPrune) < l.ttl/10 {
		return
	}
	l.lastPrune = now
	for id, exp := range l.seen {
		if !now.Before(exp) {
			delete(l.seen, id)
		}
	}
}

// RedisLog stores seen ids as expiring Redis keys so restarts keep the log.
type RedisLog struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisLog wraps an existing client. ttl <= 0 uses DefaultTTL.
func NewRedisLog(client redis.UniversalClient, ttl time.Duration) *RedisLog {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisLog{client: client, ttl: ttl}
}

func (l *RedisLog) Mark(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, errors.New("idempotency id required")
	}
	ok, err := l.client.SetNX(ctx, seenKey(id), time.Now().UTC().Unix(), l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("mark %s: %w", id, err)
	}
	return ok, nil
}

func (l *RedisLog) Seen(ctx context.Context, id string) (bool, error) {
	n, err := l.client.Exists(ctx, seenKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("seen %s: %w", id, err)
	}
	return n > 0, nil
}

func (l *RedisLog) Forget(ctx context.Context, id string) error {
	if err := l.client.Del(ctx, seenKey(id)).Err(); err != nil {
		return fmt.Errorf("forget %s: %w", id, err)
	}
	return nil
}

func seenKey(id string) string {
	return defaultKeyspace + id
}
