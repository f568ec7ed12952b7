// Package csrf implements a stateless double-submit cookie guard.
//
// A token is "<nonce>.<signature>" where signature is HMAC-SHA256 of the nonce.
// Unsafe requests must carry the same token in the cookie and the header, and its
// signature must verify under the configured secret.
package csrf

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"fieldcrm/internal/apierr"
	"fieldcrm/internal/observability"
)

const (
	CookieName = "csrf_token"
	HeaderName = "X-Csrf-Token"

	nonceBytes     = 32
	defaultMaxAge  = 24 * time.Hour
	reasonNoCookie = "missing_cookie"
	reasonNoHeader = "missing_header"
	reasonMismatch = "mismatch"
	reasonBadSig   = "invalid_signature"
)

type Config struct {
	Secret       string
	SecureCookie bool
	MaxAge       time.Duration
}

type Guard struct {
	secret  []byte
	secure  bool
	maxAge  time.Duration
	logger  *observability.Logger
	metrics *observability.Metrics
}

func NewGuard(cfg Config, logger *observability.Logger, metrics *observability.Metrics) (*Guard, error) {
	if strings.TrimSpace(cfg.Secret) == "" {
		return nil, fmt.Errorf("csrf secret is required")
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = defaultMaxAge
	}

	return &Guard{
		secret:  []byte(cfg.Secret),
		secure:  cfg.SecureCookie,
		maxAge:  cfg.MaxAge,
		logger:  logger,
		metrics: metrics,
	}, nil
}

func (g *Guard) Generate() (string, error) {
	nonce := make([]byte, nonceBytes)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate csrf nonce: %w", err)
	}

	encoded := hex.EncodeToString(nonce)
	return encoded + "." + g.sign(encoded), nil
}

// Valid reports whether token carries a signature produced with this guard's secret.
func (g *Guard) Valid(token string) bool {
	nonce, signature, ok := strings.Cut(token, ".")
	if !ok || nonce == "" || signature == "" {
		return false
	}
	return hmac.Equal([]byte(signature), []byte(g.sign(nonce)))
}

// Middleware issues a fresh token on safe methods and enforces it on every other method.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isSafeMethod(r.Method) {
			if _, err := g.issue(w); err != nil {
				apierr.Write(w, err)
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		if reason := g.check(r); reason != "" {
			g.metrics.Reject("csrf", reason)
			g.logger.Warn("csrf_rejected", map[string]any{
				"method": r.Method,
				"path":   r.URL.Path,
				"reason": reason,
			})
			apierr.Write(w, apierr.CSRFRejected())
			return
		}

		next.ServeHTTP(w, r)
	})
}

// TokenHandler serves a token pair for clients that start with an unsafe request.
func (g *Guard) TokenHandler(w http.ResponseWriter, _ *http.Request) {
	token, err := g.issue(w)
	if err != nil {
		apierr.Write(w, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	apierr.WriteJSON(w, http.StatusOK, map[string]string{"csrf_token": token})
}

func (g *Guard) issue(w http.ResponseWriter) (string, error) {
	token, err := g.Generate()
	if err != nil {
		return "", err
	}

	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(g.maxAge.Seconds()),
		HttpOnly: true,
		Secure:   g.secure,
		SameSite: http.SameSiteStrictMode,
	})
	w.Header().Set(HeaderName, token)

	return token, nil
}

func (g *Guard) check(r *http.Request) string {
	cookie, err := r.Cookie(CookieName)
	if err != nil || cookie.Value == "" {
		return reasonNoCookie
	}

	header := strings.TrimSpace(r.Header.Get(HeaderName))
	if header == "" {
		return reasonNoHeader
	}

	if !hmac.Equal([]byte(cookie.Value), []byte(header)) {
		return reasonMismatch
	}

	if !g.Valid(header) {
		return reasonBadSig
	}

	return ""
}

func (g *Guard) sign(nonce string) string {
	mac := hmac.New(sha256.New, g.secret)
	mac.Write([]byte(nonce))
	return hex.EncodeToString(mac.Sum(nil))
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	default:
		return false
	}
}
