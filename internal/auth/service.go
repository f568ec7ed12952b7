package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

type ErrAccountLocked struct {
	Until time.Time
}

func (e ErrAccountLocked) Error() string {
	return "account temporarily locked"
}

// InvalidLoginError is an ErrInvalidCredentials that also carries the attempts left before a lock.
type InvalidLoginError struct {
	RemainingAttempts int
}

func (e InvalidLoginError) Error() string {
	return ErrInvalidCredentials.Error()
}

func (e InvalidLoginError) Is(target error) bool {
	return target == ErrInvalidCredentials
}

type UserStore interface {
	GetByEmail(ctx context.Context, email string) (User, error)
	Create(ctx context.Context, email, passwordHash string, role Role) (User, error)
	UpsertByEmail(ctx context.Context, email, passwordHash string, role Role) error
}

type Service struct {
	users    UserStore
	tokens   *TokenService
	lockout  *LockoutGuard
	hashCost int
}

func NewService(users UserStore, tokens *TokenService, lockout *LockoutGuard) *Service {
	return &Service{
		users:    users,
		tokens:   tokens,
		lockout:  lockout,
		hashCost: bcrypt.DefaultCost,
	}
}

// Login checks the lock before touching credentials, so a correct password
// submitted while the account is locked is still rejected as locked.
func (s *Service) Login(ctx context.Context, email, password string) (Tokens, error) {
	email = normalizeEmail(email)

	status, err := s.lockout.CheckLocked(ctx, email)
	if err != nil {
		return Tokens{}, fmt.Errorf("check lockout: %w", err)
	}
	if status.Locked {
		return Tokens{}, ErrAccountLocked{Until: *status.LockedUntil}
	}

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, ErrUserNotFound) {
			return Tokens{}, err
		}
		// Unknown accounts cost the same bcrypt work and count toward a lock.
		_ = bcrypt.CompareHashAndPassword(dummyHash(), []byte(password))
		return Tokens{}, s.recordFailure(ctx, email)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return Tokens{}, s.recordFailure(ctx, email)
	}

	if err := s.lockout.Reset(ctx, email); err != nil {
		return Tokens{}, fmt.Errorf("reset lockout: %w", err)
	}

	return s.issue(user)
}

func (s *Service) Signup(ctx context.Context, email, password string) (Tokens, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.hashCost)
	if err != nil {
		return Tokens{}, fmt.Errorf("hash password: %w", err)
	}

	user, err := s.users.Create(ctx, normalizeEmail(email), string(hash), RoleFieldRep)
	if err != nil {
		return Tokens{}, err
	}

	return s.issue(user)
}

func (s *Service) BootstrapAdmin(ctx context.Context, email, password string) error {
	email = normalizeEmail(email)
	password = strings.TrimSpace(password)

	if email == "" && password == "" {
		return nil
	}
	if email == "" || password == "" {
		return fmt.Errorf("ADMIN_EMAIL and ADMIN_PASSWORD are required together")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.hashCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	return s.users.UpsertByEmail(ctx, email, string(hash), RoleAdmin)
}

func (s *Service) recordFailure(ctx context.Context, email string) error {
	status, err := s.lockout.RecordFailure(ctx, email)
	if err != nil {
		return fmt.Errorf("record failed login: %w", err)
	}
	if status.Locked {
		return ErrAccountLocked{Until: *status.LockedUntil}
	}
	return InvalidLoginError{RemainingAttempts: status.RemainingAttempts}
}

func (s *Service) issue(user User) (Tokens, error) {
	identity := Identity{SubjectID: user.ID, Email: user.Email, Role: user.Role}
	token, expiresAt, err := s.tokens.Issue(identity, 0)
	if err != nil {
		return Tokens{}, err
	}

	return Tokens{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int64(expiresAt.Sub(s.tokens.now()).Seconds()),
		ExpiresAt:   expiresAt,
		Identity:    identity,
	}, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

var (
	dummyHashOnce  sync.Once
	dummyHashValue []byte
)

func dummyHash() []byte {
	dummyHashOnce.Do(func() {
		dummyHashValue, _ = bcrypt.GenerateFromPassword([]byte("fieldcrm-timing-equalizer"), bcrypt.DefaultCost)
	})
	return dummyHashValue
}
