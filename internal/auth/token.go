package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const DefaultTokenTTL = 24 * time.Hour

var ErrInvalidToken = errors.New("invalid token")

// Identity is what the pipeline attaches to a request once the token verifies.
type Identity struct {
	SubjectID string `json:"subject_id"`
	Email     string `json:"email"`
	Role      Role   `json:"role"`
}

type Claims struct {
	Identity
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type tokenClaims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

type TokenService struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenService(secret string, ttl time.Duration) (*TokenService, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("token secret is required")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}

	return &TokenService{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Issue signs identity for ttl, or the service default when ttl is zero.
func (s *TokenService) Issue(identity Identity, ttl time.Duration) (string, time.Time, error) {
	if identity.SubjectID == "" || !identity.Role.Valid() {
		return "", time.Time{}, fmt.Errorf("issue token: incomplete identity")
	}
	if ttl <= 0 {
		ttl = s.ttl
	}

	now := s.now().UTC()
	issuedAt := jwt.NewNumericDate(now)
	expiresAt := jwt.NewNumericDate(now.Add(ttl))

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, tokenClaims{
		Email: identity.Email,
		Role:  identity.Role.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.SubjectID,
			IssuedAt:  issuedAt,
			ExpiresAt: expiresAt,
		},
	})

	encoded, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign jwt: %w", err)
	}

	return encoded, expiresAt.Time, nil
}

// Verify accepts a token only if its HS256 signature matches and now < exp.
func (s *TokenService) Verify(tokenStr string) (Claims, error) {
	claims := &tokenClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !token.Valid {
		return Claims{}, ErrInvalidToken
	}

	// jwt accepts now == exp; the token lifetime is half-open.
	if !s.now().Before(claims.ExpiresAt.Time) {
		return Claims{}, ErrInvalidToken
	}

	role, err := ParseRole(claims.Role)
	if err != nil || claims.Subject == "" {
		return Claims{}, ErrInvalidToken
	}

	out := Claims{
		Identity: Identity{
			SubjectID: claims.Subject,
			Email:     claims.Email,
			Role:      role,
		},
		ExpiresAt: claims.ExpiresAt.Time,
	}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Time
	}

	return out, nil
}
