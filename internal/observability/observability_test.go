package observability

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMasking(t *testing.T) {
	assert.Equal(t, "u***@x.com", MaskEmail("user@x.com"))
	assert.Equal(t, "***", MaskEmail("@x"))
	assert.Equal(t, "203.0.113.x", MaskIP("203.0.113.7"))
	assert.Equal(t, "2001:db8::x", MaskIP("2001:db8::1"))
	assert.Equal(t, "u***n", MaskIP("unknown"))

	token := "eyJhbGciOiJIUzI1NiJ9.payload.signature"
	masked := MaskToken(token)
	assert.True(t, strings.HasPrefix(masked, "sha256:"))
	assert.Len(t, masked, len("sha256:")+8)
	assert.NotContains(t, masked, "payload")
	assert.Equal(t, masked, MaskToken(token))
	assert.Empty(t, MaskToken(""))
}

func TestLoggerFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithOutput(&buf, "warn")

	logger.Info("ignored", nil)
	logger.Warn("csrf_rejected", map[string]any{"reason": "mismatch"})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1, "info is below the configured level")

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "csrf_rejected", entry["message"])
	assert.Equal(t, "warning", entry["level"])
	assert.Equal(t, "mismatch", entry["reason"])
	assert.Contains(t, entry, "timestamp")
}

func TestRequestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithOutput(&buf, "info")
	metrics := NewMetrics()

	handler := RequestLoggingMiddleware(logger, metrics, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))

	req := httptest.NewRequest(http.MethodPost, "/media/links", nil)
	req.Header.Set("X-Forwarded-For", "198.51.100.23")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
	assert.Contains(t, buf.String(), `"status":403`)
	assert.Contains(t, buf.String(), "198.51.100.x")
	assert.NotContains(t, buf.String(), "198.51.100.23")

	scrape := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(scrape, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, err := io.ReadAll(scrape.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `fieldcrm_http_requests_total{method="POST",status="403"} 1`)
}

func TestRequestIDIsPropagated(t *testing.T) {
	handler := RequestLoggingMiddleware(NewLoggerWithOutput(io.Discard, "info"), nil, http.NotFoundHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "req-123", rec.Header().Get(RequestIDHeader))
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{"forwarded first hop", map[string]string{"X-Forwarded-For": "198.51.100.2, 10.0.0.1"}, "198.51.100.2"},
		{"real ip", map[string]string{"X-Real-IP": "198.51.100.3"}, "198.51.100.3"},
		{"vercel", map[string]string{"X-Vercel-Forwarded-For": "198.51.100.4"}, "198.51.100.4"},
		{"remote addr is ignored", nil, "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = "10.1.2.3:5555"
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, ClientIP(req))
		})
	}
}

func TestRequestLogUsesProxyClientChain(t *testing.T) {
	var buf bytes.Buffer
	handler := RequestLoggingMiddleware(NewLoggerWithOutput(&buf, "info"), nil, http.NotFoundHandler())

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	req.Header.Set("X-Real-IP", "198.51.100.3")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	assert.Contains(t, buf.String(), "198.51.100.x")
	assert.NotContains(t, buf.String(), "10.1.2")
}

func TestRecoverMiddleware(t *testing.T) {
	var buf bytes.Buffer
	handler := RecoverMiddleware(NewLoggerWithOutput(&buf, "info"), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("lockout:secret-key")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/me", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "lockout:")
	assert.Contains(t, buf.String(), "panic_recovered")
}

func TestMetricsHelpersAreNilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Reject("csrf", "mismatch")
		m.StoreError("get")
		m.FailOpen()
		m.observeRequest(http.MethodGet, http.StatusOK)
	})

	m = NewMetrics()
	m.Reject("csrf", "mismatch")
	m.FailOpen()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `fieldcrm_security_rejections_total{guard="csrf",reason="mismatch"} 1`)
	assert.Contains(t, rec.Body.String(), "fieldcrm_rate_limit_fail_open_total 1")
}

func TestScrubEvent(t *testing.T) {
	event := &sentry.Event{Request: &sentry.Request{
		Headers: map[string]string{
			"Authorization": "Bearer abc",
			"Cookie":        "csrf_token=x",
			"X-Csrf-Token":  "x",
			"Accept":        "application/json",
		},
		Cookies: "csrf_token=x",
	}}

	scrubbed := scrubEvent(event, nil)
	assert.Equal(t, "[redacted]", scrubbed.Request.Headers["Authorization"])
	assert.Equal(t, "[redacted]", scrubbed.Request.Headers["Cookie"])
	assert.Equal(t, "[redacted]", scrubbed.Request.Headers["X-Csrf-Token"])
	assert.Equal(t, "application/json", scrubbed.Request.Headers["Accept"])
	assert.Empty(t, scrubbed.Request.Cookies)

	assert.NotNil(t, scrubEvent(&sentry.Event{}, nil))
}
