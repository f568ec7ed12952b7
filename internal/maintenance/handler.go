package maintenance

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"fieldcrm/internal/apierr"
	"fieldcrm/internal/observability"
	"fieldcrm/internal/store"
)

const DefaultBatchSize = 500

// Only guard state may be invalidated through the cleanup endpoint.
var invalidatablePrefixes = []string{"ratelimit:", "lockout:"}

type CleanupResult struct {
	Store          string `json:"store"`
	DeletedExpired int64  `json:"deleted_expired"`
	Prefix         string `json:"prefix,omitempty"`
	Invalidated    int    `json:"invalidated,omitempty"`
}

type CleanupHandler struct {
	store     store.Store
	logger    *observability.Logger
	batchSize int
}

// NewCleanupHandler must be mounted behind RequireCronSecret.
func NewCleanupHandler(s store.Store, logger *observability.Logger, batchSize int) *CleanupHandler {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	return &CleanupHandler{store: s, logger: logger, batchSize: batchSize}
}

func (h *CleanupHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	prefix := strings.TrimSpace(r.URL.Query().Get("prefix"))
	if prefix != "" && !allowedPrefix(prefix) {
		apierr.Write(w, apierr.BadRequest("prefix is not allowed"))
		return
	}

	result := CleanupResult{Store: h.store.Name(), Prefix: prefix}

	if sweeper, ok := h.store.(store.Sweeper); ok {
		deleted, err := sweeper.DeleteExpired(r.Context(), h.batchSize)
		if err != nil {
			h.logger.Error("store_cleanup_failed", map[string]any{"store": result.Store, "error": err.Error()})
			apierr.Write(w, apierr.StoreUnavailable())
			return
		}
		result.DeletedExpired = deleted
	}

	if prefix != "" {
		keys, err := h.store.List(r.Context(), prefix)
		if err != nil {
			h.logger.Error("store_invalidate_failed", map[string]any{"store": result.Store, "prefix": prefix, "error": err.Error()})
			apierr.Write(w, apierr.StoreUnavailable())
			return
		}
		for _, key := range keys {
			if err := h.store.Delete(r.Context(), key); err != nil {
				h.logger.Error("store_invalidate_failed", map[string]any{"store": result.Store, "prefix": prefix, "error": err.Error()})
				apierr.Write(w, apierr.StoreUnavailable())
				return
			}
			result.Invalidated++
		}
	}

	h.logger.Info("store_cleanup_completed", map[string]any{
		"store":           result.Store,
		"deleted_expired": result.DeletedExpired,
		"prefix":          prefix,
		"invalidated":     result.Invalidated,
	})

	apierr.WriteJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"result": result,
	})
}

// RequireCronSecret hides next behind a bearer secret. Without a secret the route reports 404.
func RequireCronSecret(secret string, next http.Handler) http.Handler {
	secret = strings.TrimSpace(secret)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if secret == "" {
			apierr.Write(w, apierr.NotFound("not found"))
			return
		}

		authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
		scheme, token, ok := strings.Cut(authHeader, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") ||
			subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(secret)) != 1 {
			apierr.Write(w, apierr.Unauthenticated())
			return
		}

		next.ServeHTTP(w, r)
	})
}

func allowedPrefix(prefix string) bool {
	for _, allowed := range invalidatablePrefixes {
		if strings.HasPrefix(prefix, allowed) {
			return true
		}
	}
	return false
}
