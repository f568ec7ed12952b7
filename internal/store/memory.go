package store

import (
	"context"
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const (
	defaultSweepRate  = 0.01
	defaultMaxEntries = 10000
)

// Memory is the process-local backend. It is only correct for a single instance.
// Expired entries are swept inline on a sampled fraction of writes, never by a janitor goroutine.
type Memory struct {
	cache      *gocache.Cache
	sweepRate  float64
	maxEntries int
	sample     func() float64
}

type MemoryOption func(*Memory)

func WithSweepRate(rate float64) MemoryOption {
	return func(m *Memory) {
		if rate >= 0 && rate <= 1 {
			m.sweepRate = rate
		}
	}
}

func WithMaxEntries(n int) MemoryOption {
	return func(m *Memory) {
		if n > 0 {
			m.maxEntries = n
		}
	}
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		// A cleanup interval of 0 disables go-cache's janitor goroutine.
		cache:      gocache.New(gocache.NoExpiration, 0),
		sweepRate:  defaultSweepRate,
		maxEntries: defaultMaxEntries,
		sample:     rand.Float64,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Name() string {
	return "memory"
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	value, ok := m.cache.Get(key)
	if !ok {
		return nil, false, nil
	}
	raw, ok := value.([]byte)
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), raw...), true, nil
}

func (m *Memory) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	m.cache.Set(key, append([]byte(nil), value...), ttl)
	m.maybeSweep()
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.cache.Delete(key)
	return nil
}

func (m *Memory) List(_ context.Context, prefix string) ([]string, error) {
	keys := make([]string, 0)
	for key := range m.cache.Items() {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) DeleteExpired(_ context.Context, _ int) (int64, error) {
	before := m.cache.ItemCount()
	m.cache.DeleteExpired()
	return int64(before - m.cache.ItemCount()), nil
}

// Len counts entries including expired ones that have not been swept yet.
func (m *Memory) Len() int {
	return m.cache.ItemCount()
}

func (m *Memory) maybeSweep() {
	if m.cache.ItemCount() > m.maxEntries || m.sample() < m.sweepRate {
		m.cache.DeleteExpired()
	}
}
