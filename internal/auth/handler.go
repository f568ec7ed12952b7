package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"time"

	"fieldcrm/internal/apierr"
	"fieldcrm/internal/observability"
	"fieldcrm/internal/store"
)

var emailRegex = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

const (
	maxJSONBodyBytes  = 1 << 20
	minPasswordLength = 8
	// bcrypt rejects passwords longer than 72 bytes.
	maxPasswordLength = 72
)

type Handler struct {
	service *Service
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

func NewHandler(service *Service, logger *observability.Logger, metrics *observability.Metrics) *Handler {
	return &Handler{service: service, logger: logger, metrics: metrics, now: time.Now}
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeCredentials(w, r)
	if !ok {
		return
	}
	if !emailRegex.MatchString(body.Email) || body.Password == "" || len(body.Password) > maxPasswordLength {
		apierr.Write(w, apierr.BadRequest("email or password format is invalid"))
		return
	}

	tokens, err := h.service.Login(r.Context(), body.Email, body.Password)
	if err != nil {
		var lockedErr ErrAccountLocked
		var invalidErr InvalidLoginError
		switch {
		case errors.As(err, &lockedErr):
			h.metrics.Reject("lockout", "locked")
			h.logger.Warn("login_locked", map[string]any{
				"method":       r.Method,
				"path":         r.URL.Path,
				"subject":      observability.MaskEmail(body.Email),
				"locked_until": lockedErr.Until.UTC().Format(time.RFC3339),
			})
			apierr.Write(w, apierr.AccountLocked(lockedErr.Until, h.now()))
		case errors.As(err, &invalidErr):
			h.logger.Info("login_failed", map[string]any{
				"method":             r.Method,
				"path":               r.URL.Path,
				"subject":            observability.MaskEmail(body.Email),
				"remaining_attempts": invalidErr.RemainingAttempts,
			})
			apierr.Write(w, apierr.InvalidCredentials(invalidErr.RemainingAttempts))
		case errors.Is(err, store.ErrUnavailable):
			h.metrics.StoreError("lockout")
			h.logger.Error("lockout_store_unavailable", map[string]any{"error": err.Error()})
			apierr.Write(w, apierr.StoreUnavailable())
		default:
			apierr.Write(w, err)
		}
		return
	}

	h.logger.Info("login_succeeded", map[string]any{
		"subject": observability.MaskEmail(tokens.Identity.Email),
		"role":    tokens.Identity.Role.String(),
	})
	apierr.WriteJSON(w, http.StatusOK, tokens)
}

func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeCredentials(w, r)
	if !ok {
		return
	}
	if !emailRegex.MatchString(body.Email) {
		apierr.Write(w, apierr.BadRequest("email format is invalid"))
		return
	}
	if len(body.Password) < minPasswordLength || len(body.Password) > maxPasswordLength {
		apierr.Write(w, apierr.BadRequest("password format is invalid"))
		return
	}

	tokens, err := h.service.Signup(r.Context(), body.Email, body.Password)
	if err != nil {
		if errors.Is(err, ErrEmailTaken) {
			apierr.Write(w, apierr.Conflict("email already registered"))
			return
		}
		apierr.Write(w, err)
		return
	}

	h.logger.Info("signup_succeeded", map[string]any{
		"subject": observability.MaskEmail(tokens.Identity.Email),
	})
	apierr.WriteJSON(w, http.StatusCreated, tokens)
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		apierr.Write(w, apierr.Unauthenticated())
		return
	}

	apierr.WriteJSON(w, http.StatusOK, identity)
}

func decodeCredentials(w http.ResponseWriter, r *http.Request) (credentialsRequest, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	var body credentialsRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		apierr.Write(w, apierr.BadRequest("invalid json body"))
		return credentialsRequest{}, false
	}

	body.Email = normalizeEmail(body.Email)
	return body, true
}
