// Package apierr renders the rejection taxonomy shared by every guard in the request pipeline.
// Messages are fixed strings; nothing derived from secrets, store keys or raw tokens is ever rendered.
package apierr

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"
)

type Kind string

const (
	KindUnauthenticated    Kind = "unauthenticated"
	KindForbidden          Kind = "forbidden"
	KindRateLimited        Kind = "rate_limited"
	KindAccountLocked      Kind = "account_locked"
	KindCSRFRejected       Kind = "csrf_rejected"
	KindInvalidLink        Kind = "invalid_link"
	KindStoreUnavailable   Kind = "store_unavailable"
	KindInvalidCredentials Kind = "invalid_credentials"
	KindBadRequest         Kind = "bad_request"
	KindNotFound           Kind = "not_found"
	KindConflict           Kind = "conflict"
	KindUpstream           Kind = "upstream_failed"
	KindInternal           Kind = "internal"
)

type Error struct {
	Kind       Kind
	Status     int
	Message    string
	Details    map[string]any
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Message
}

func Unauthenticated() *Error {
	return &Error{Kind: KindUnauthenticated, Status: http.StatusUnauthorized, Message: "authentication required"}
}

// Forbidden reports the roles the route required so denials can be audited by the caller.
func Forbidden(requiredRoles []string) *Error {
	return &Error{
		Kind:    KindForbidden,
		Status:  http.StatusForbidden,
		Message: "insufficient role",
		Details: map[string]any{"required_roles": requiredRoles},
	}
}

func RateLimited(retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindRateLimited,
		Status:     http.StatusTooManyRequests,
		Message:    "too many requests",
		Details:    map[string]any{"retry_after": retryAfterSeconds(retryAfter)},
		RetryAfter: retryAfter,
	}
}

func AccountLocked(until time.Time, now time.Time) *Error {
	remaining := until.Sub(now)
	return &Error{
		Kind:    KindAccountLocked,
		Status:  http.StatusForbidden,
		Message: "account temporarily locked",
		Details: map[string]any{
			"locked_until":      until.UTC().Format(time.RFC3339),
			"remaining_seconds": retryAfterSeconds(remaining),
		},
		RetryAfter: remaining,
	}
}

// CSRFRejected carries no reason; guards log the specific cause.
func CSRFRejected() *Error {
	return &Error{Kind: KindCSRFRejected, Status: http.StatusForbidden, Message: "invalid csrf token"}
}

func InvalidLink() *Error {
	return &Error{Kind: KindInvalidLink, Status: http.StatusForbidden, Message: "link is invalid or expired"}
}

func StoreUnavailable() *Error {
	return &Error{Kind: KindStoreUnavailable, Status: http.StatusServiceUnavailable, Message: "service temporarily unavailable"}
}

func InvalidCredentials(remainingAttempts int) *Error {
	e := &Error{Kind: KindInvalidCredentials, Status: http.StatusUnauthorized, Message: "invalid credentials"}
	if remainingAttempts >= 0 {
		e.Details = map[string]any{"remaining_attempts": remainingAttempts}
	}
	return e
}

func BadRequest(message string) *Error {
	return &Error{Kind: KindBadRequest, Status: http.StatusBadRequest, Message: message}
}

func NotFound(message string) *Error {
	return &Error{Kind: KindNotFound, Status: http.StatusNotFound, Message: message}
}

func Conflict(message string) *Error {
	return &Error{Kind: KindConflict, Status: http.StatusConflict, Message: message}
}

func Upstream(message string) *Error {
	return &Error{Kind: KindUpstream, Status: http.StatusBadGateway, Message: message}
}

func Internal() *Error {
	return &Error{Kind: KindInternal, Status: http.StatusInternalServerError, Message: "internal server error"}
}

// Write renders err. Anything that is not an *Error is reported to Sentry and hidden behind a generic 500.
func Write(w http.ResponseWriter, err error) {
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		sentry.CaptureException(err)
		apiErr = Internal()
	}

	if apiErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(apiErr.RetryAfter)))
	}

	body := map[string]any{
		"error": apiErr.Message,
		"code":  apiErr.Kind,
	}
	for k, v := range apiErr.Details {
		body[k] = v
	}

	WriteJSON(w, apiErr.Status, body)
}

func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func retryAfterSeconds(d time.Duration) int {
	seconds := int(math.Ceil(d.Seconds()))
	if seconds < 1 {
		return 1
	}
	return seconds
}
