// Package permissions is the boundary to the visibility/policy engine.
// The orchestrator only asks two questions: is a user in a team, and does a
// user hold a permission key at some level.
package permissions

import (
	"context"
	"fmt"
	"strings"
)

// Level orders permission strength. Higher levels imply lower ones.
type Level int

const (
	LevelRead Level = iota + 1
	LevelMember
	LevelApprove
	LevelAdmin
)

// AdminScope is the key checked before administrative cancels and reassignments.
const AdminScope = "workflows.admin"

func (l Level) String() string {
	switch l {
	case LevelRead:
		return "read"
	case LevelMember:
		return "member"
	case LevelApprove:
		return "approve"
	case LevelAdmin:
		return "admin"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// ParseLevel maps a roster string to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "read":
		return LevelRead, nil
	case "", "member":
		return LevelMember, nil
	case "approve", "approver":
		return LevelApprove, nil
	case "admin":
		return LevelAdmin, nil
	default:
		return 0, fmt.Errorf("unknown permission level %q", s)
	}
}

// RoleKey is the permission key for holding a queue role.
func RoleKey(role string) string {
	return "role:" + role
}

// Checker answers membership and permission questions.
type Checker interface {
	IsTeamMember(ctx context.Context, teamID, userID string) (bool, error)
	CheckPermission(ctx context.Context, userID, key string, level Level) (bool, error)
}

// HasAnyRole reports whether user holds one of roles at level or above.
func HasAnyRole(ctx context.Context, c Checker, userID string, roles []string, level Level) (bool, error) {
	for _, role := range roles {
		ok, err := c.CheckPermission(ctx, userID, RoleKey(role), level)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// AllowAll grants everything. Useful for single-user devices and tests.
type AllowAll struct{}

func (AllowAll) IsTeamMember(context.Context, string, string) (bool, error) { return true, nil }

func (AllowAll) CheckPermission(context.Context, string, string, Level) (bool, error) {
	return true, nil
}
