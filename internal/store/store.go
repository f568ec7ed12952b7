// Package store is the shared counter store used by the stateful guards.
//
// Guards run get-then-put cycles without cross-key locking. Two concurrent
// requests for the same key can both read count=4 and both write count=5,
// losing an increment. Counts are therefore a best-effort deterrent that may
// undercount under contention; they never overcount.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MinNetworkTTL is the shortest expiry the networked backends will set.
const MinNetworkTTL = 60 * time.Second

var ErrUnavailable = errors.New("store unavailable")

type Store interface {
	Name() string
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// Sweeper is implemented by backends whose expired entries need explicit removal.
type Sweeper interface {
	DeleteExpired(ctx context.Context, batchSize int) (int64, error)
}

func GetJSON[T any](ctx context.Context, s Store, key string) (T, bool, error) {
	var value T

	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return value, false, err
	}

	if err := json.Unmarshal(raw, &value); err != nil {
		// A corrupt entry is treated as absent so it gets overwritten on the next put.
		return value, false, nil
	}

	return value, true, nil
}

func PutJSON(ctx context.Context, s Store, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode store value: %w", err)
	}
	return s.Put(ctx, key, raw, ttl)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}

func networkTTL(ttl time.Duration) time.Duration {
	if ttl < MinNetworkTTL {
		return MinNetworkTTL
	}
	return ttl
}
