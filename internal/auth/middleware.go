package auth

import (
	"context"
	"net/http"
	"strings"

	"fieldcrm/internal/apierr"
	"fieldcrm/internal/observability"
)

type Middleware struct {
	tokens  *TokenService
	logger  *observability.Logger
	metrics *observability.Metrics
}

func NewMiddleware(tokens *TokenService, logger *observability.Logger, metrics *observability.Metrics) *Middleware {
	return &Middleware{tokens: tokens, logger: logger, metrics: metrics}
}

// Authenticate verifies the bearer token and attaches the identity to the request context.
func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr, reason := bearerToken(r)
		if reason != "" {
			m.reject(r, reason, "")
			apierr.Write(w, apierr.Unauthenticated())
			return
		}

		claims, err := m.tokens.Verify(tokenStr)
		if err != nil {
			m.reject(r, "invalid_token", tokenStr)
			apierr.Write(w, apierr.Unauthenticated())
			return
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), claims.Identity)))
	})
}

// RequireRoles must be mounted after Authenticate.
func (m *Middleware) RequireRoles(allowed ...Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := Authorize(r.Context(), allowed...); err != nil {
				fields := map[string]any{
					"method":         r.Method,
					"path":           r.URL.Path,
					"required_roles": roleNames(allowed),
				}
				if identity, ok := IdentityFromContext(r.Context()); ok {
					fields["subject"] = observability.MaskEmail(identity.Email)
					fields["role"] = identity.Role.String()
					m.metrics.Reject("rbac", "forbidden")
				} else {
					m.metrics.Reject("rbac", "unauthenticated")
				}
				m.logger.Warn("authorization_rejected", fields)
				apierr.Write(w, err)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// Authorize short-circuits to Unauthenticated before any role is evaluated.
func Authorize(ctx context.Context, allowed ...Role) error {
	identity, ok := IdentityFromContext(ctx)
	if !ok {
		return apierr.Unauthenticated()
	}
	if !Allows(identity.Role, allowed...) {
		return apierr.Forbidden(roleNames(allowed))
	}
	return nil
}

func bearerToken(r *http.Request) (string, string) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", "missing_token"
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", "invalid_authorization_format"
	}

	tokenStr := strings.TrimSpace(parts[1])
	if tokenStr == "" {
		return "", "missing_token"
	}

	return tokenStr, ""
}

func (m *Middleware) reject(r *http.Request, reason, tokenStr string) {
	m.metrics.Reject("auth", reason)
	fields := map[string]any{
		"method": r.Method,
		"path":   r.URL.Path,
		"reason": reason,
	}
	if tokenStr != "" {
		fields["token"] = observability.MaskToken(tokenStr)
	}
	m.logger.Warn("authentication_rejected", fields)
}
