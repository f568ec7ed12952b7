// Package ratelimit implements a fixed-window request limiter over the shared counter store.
//
// Entries are keyed by policy, matched route and client, so a wildcard route
// such as /media/files/{path...} is a single bucket per client.
//
// Windows reset at fixed boundaries, so a client can burst up to twice the limit
// across a boundary. Counts are read and written without an atomic increment and
// may undercount under contention; see package store.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"fieldcrm/internal/apierr"
	"fieldcrm/internal/observability"
	"fieldcrm/internal/store"
)

const keyPrefix = "ratelimit:"

type Policy struct {
	Name   string
	Window time.Duration
	Max    int
	// KeyFunc identifies the client; ClientKey is used when nil.
	KeyFunc func(r *http.Request) string
}

var (
	LoginPolicy  = Policy{Name: "login", Window: 15 * time.Minute, Max: 10}
	SignupPolicy = Policy{Name: "signup", Window: time.Hour, Max: 3}
	APIPolicy    = Policy{Name: "api", Window: time.Minute, Max: 100}
)

type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

type entry struct {
	Count         int   `json:"count"`
	WindowResetAt int64 `json:"window_reset_at"`
}

type Limiter struct {
	store    store.Store
	logger   *observability.Logger
	metrics  *observability.Metrics
	failOpen bool
	now      func() time.Time
}

type Option func(*Limiter)

// WithFailOpen admits requests when the store cannot be reached. Every such admission is logged and counted.
func WithFailOpen(enabled bool) Option {
	return func(l *Limiter) {
		l.failOpen = enabled
	}
}

func New(s store.Store, logger *observability.Logger, metrics *observability.Metrics, opts ...Option) *Limiter {
	l := &Limiter{store: s, logger: logger, metrics: metrics, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check counts one request for (path, key) under policy and reports whether it is admitted.
func (l *Limiter) Check(ctx context.Context, policy Policy, path, key string) (Decision, error) {
	storeKey := entryKey(policy.Name, path, key)

	current, _, err := store.GetJSON[entry](ctx, l.store, storeKey)
	if err != nil {
		return Decision{}, fmt.Errorf("read rate limit entry: %w", err)
	}

	now := l.now()
	if current.WindowResetAt == 0 || now.UnixMilli() > current.WindowResetAt {
		current = entry{Count: 1, WindowResetAt: now.Add(policy.Window).UnixMilli()}
	} else {
		current.Count++
	}

	if err := store.PutJSON(ctx, l.store, storeKey, current, policy.Window); err != nil {
		return Decision{}, fmt.Errorf("write rate limit entry: %w", err)
	}

	resetAt := time.UnixMilli(current.WindowResetAt).UTC()
	decision := Decision{
		Allowed:   current.Count <= policy.Max,
		Limit:     policy.Max,
		Remaining: max(policy.Max-current.Count, 0),
		ResetAt:   resetAt,
	}
	if !decision.Allowed {
		decision.RetryAfter = resetAt.Sub(now)
	}

	return decision, nil
}

func (l *Limiter) Middleware(policy Policy) func(http.Handler) http.Handler {
	keyFunc := policy.KeyFunc
	if keyFunc == nil {
		keyFunc = ClientKey
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)

			decision, err := l.Check(r.Context(), policy, routeOf(r), key)
			if err != nil {
				l.metrics.StoreError("ratelimit")
				fields := map[string]any{
					"policy": policy.Name,
					"method": r.Method,
					"path":   r.URL.Path,
					"store":  l.store.Name(),
					"error":  err.Error(),
				}
				if l.failOpen {
					l.metrics.FailOpen()
					l.logger.Warn("rate_limit_fail_open", fields)
					next.ServeHTTP(w, r)
					return
				}
				l.logger.Error("rate_limit_store_unavailable", fields)
				apierr.Write(w, apierr.StoreUnavailable())
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))

			if !decision.Allowed {
				l.metrics.Reject("ratelimit", policy.Name)
				l.logger.Warn("rate_limit_exceeded", map[string]any{
					"policy": policy.Name,
					"method": r.Method,
					"path":   r.URL.Path,
					"client": observability.MaskIP(key),
				})
				apierr.Write(w, apierr.RateLimited(decision.RetryAfter))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ClientKey identifies the client the same way request logs do.
func ClientKey(r *http.Request) string {
	return observability.ClientIP(r)
}

// routeOf buckets requests by the matched mux pattern so that every path under
// a wildcard route shares one entry.
func routeOf(r *http.Request) string {
	if r.Pattern != "" {
		return r.Pattern
	}
	return r.URL.Path
}

func entryKey(policy, path, key string) string {
	return keyPrefix + policy + ":" + path + ":" + key
}
