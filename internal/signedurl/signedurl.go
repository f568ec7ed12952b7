// Package signedurl grants time-limited access to a resource path through an HMAC over "path|expires".
package signedurl

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"fieldcrm/internal/apierr"
	"fieldcrm/internal/observability"
)

const (
	expiresParam   = "expires"
	signatureParam = "signature"
)

var (
	ErrExpired          = errors.New("signed url expired")
	ErrInvalidSignature = errors.New("signed url signature invalid")
	ErrMalformed        = errors.New("signed url malformed")
)

// Authority signs and verifies URLs. Without a secret it runs in insecure mode:
// URLs carry only an expiry and every verification is logged.
type Authority struct {
	secret  []byte
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

func NewAuthority(secret string, logger *observability.Logger, metrics *observability.Metrics) *Authority {
	a := &Authority{logger: logger, metrics: metrics, now: time.Now}
	if strings.TrimSpace(secret) == "" {
		logger.Error("signed_url_insecure_mode", map[string]any{
			"detail": "SIGNED_URL_SECRET is not set; signed urls are checked for expiry only",
		})
		return a
	}

	a.secret = []byte(secret)
	return a
}

func (a *Authority) Insecure() bool {
	return len(a.secret) == 0
}

// Sign returns path with expires and signature query parameters appended.
// Existing query parameters on path are preserved but not covered by the signature.
func (a *Authority) Sign(path string, ttl time.Duration) (string, error) {
	u, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("parse path: %w", err)
	}
	if ttl <= 0 {
		return "", fmt.Errorf("sign url: ttl must be positive")
	}

	expires := strconv.FormatInt(a.now().Add(ttl).Unix(), 10)

	query := u.Query()
	query.Del(signatureParam)
	query.Set(expiresParam, expires)
	if !a.Insecure() {
		query.Set(signatureParam, a.signature(u.Path, expires))
	}
	u.RawQuery = query.Encode()

	return u.String(), nil
}

func (a *Authority) Verify(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ErrMalformed
	}

	query := u.Query()
	expires := query.Get(expiresParam)
	expiresAt, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return ErrMalformed
	}

	if a.Insecure() {
		a.logger.Warn("signed_url_unsigned_verification", map[string]any{"path": u.Path})
	} else {
		signature := query.Get(signatureParam)
		if signature == "" {
			return ErrMalformed
		}
		if !hmac.Equal([]byte(signature), []byte(a.signature(u.Path, expires))) {
			return ErrInvalidSignature
		}
	}

	if a.now().Unix() > expiresAt {
		return ErrExpired
	}

	return nil
}

func (a *Authority) Valid(rawURL string) bool {
	return a.Verify(rawURL) == nil
}

// Protect rejects requests whose own URL does not verify.
func (a *Authority) Protect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := a.Verify(r.URL.RequestURI()); err != nil {
			reason := "invalid"
			switch {
			case errors.Is(err, ErrExpired):
				reason = "expired"
			case errors.Is(err, ErrMalformed):
				reason = "malformed"
			}
			a.metrics.Reject("signed_url", reason)
			a.logger.Warn("signed_url_rejected", map[string]any{
				"method": r.Method,
				"path":   r.URL.Path,
				"reason": reason,
			})
			apierr.Write(w, apierr.InvalidLink())
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (a *Authority) signature(path, expires string) string {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(path + "|" + expires))
	return hex.EncodeToString(mac.Sum(nil))
}
