package auth

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Role is a closed set ordered by privilege: FieldRep < Manager < Admin.
type Role int

const (
	RoleFieldRep Role = iota + 1
	RoleManager
	RoleAdmin
)

var (
	AdminOnly      = []Role{RoleAdmin}
	AdminOrManager = []Role{RoleAdmin, RoleManager}
	AnyRole        = []Role{RoleAdmin, RoleManager, RoleFieldRep}
)

var ErrUnknownRole = errors.New("unknown role")

func ParseRole(value string) (Role, error) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "ADMIN":
		return RoleAdmin, nil
	case "MANAGER":
		return RoleManager, nil
	case "FIELD_REP":
		return RoleFieldRep, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownRole, value)
	}
}

func (r Role) String() string {
	switch r {
	case RoleAdmin:
		return "ADMIN"
	case RoleManager:
		return "MANAGER"
	case RoleFieldRep:
		return "FIELD_REP"
	default:
		return "UNKNOWN"
	}
}

func (r Role) Valid() bool {
	return r >= RoleFieldRep && r <= RoleAdmin
}

// AtLeast reports whether r is min or more privileged.
func (r Role) AtLeast(min Role) bool {
	return r.Valid() && min.Valid() && r >= min
}

func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownRole, int(r))
	}
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(text []byte) error {
	parsed, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Allows is the authorization gate: role must be a member of allowed.
func Allows(role Role, allowed ...Role) bool {
	return role.Valid() && slices.Contains(allowed, role)
}

func roleNames(roles []Role) []string {
	names := make([]string, 0, len(roles))
	for _, r := range roles {
		names = append(names, r.String())
	}
	return names
}
