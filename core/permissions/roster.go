package permissions

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// RosterFile is the YAML shape of a team roster.
//
//	teams:
//	  team-a: [alice, bob]
//	users:
//	  alice:
//	    admin: true
//	    roles: {reviewer: approve, author: member}
type RosterFile struct {
	Teams map[string][]string     `yaml:"teams"`
	Users map[string]RosterMember `yaml:"users"`
}

// RosterMember lists a user's roles and whether they hold admin scope.
type RosterMember struct {
	Admin bool              `yaml:"admin"`
	Roles map[string]string `yaml:"roles"`
}

// Roster is a static Checker built from a roster file.
type Roster struct {
	mu     sync.RWMutex
	teams  map[string]map[string]bool
	admins map[string]bool
	grants map[string]map[string]Level
}

// NewRoster builds a Roster from a decoded file.
func NewRoster(file RosterFile) (*Roster, error) {
	r := &Roster{}
	if err := r.Replace(file); err != nil {
		return nil, err
	}
	return r, nil
}

// LoadRoster reads a YAML roster from path.
func LoadRoster(path string) (*Roster, error) {
	// #nosec G304 -- roster path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roster: %w", err)
	}
	return ParseRoster(data)
}

// ParseRoster decodes YAML roster bytes.
func ParseRoster(data []byte) (*Roster, error) {
	var file RosterFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse roster: %w", err)
	}
	return NewRoster(file)
}

// Replace swaps the roster contents atomically.
func (r *Roster) Replace(file RosterFile) error {
	teams := make(map[string]map[string]bool, len(file.Teams))
	for team, members := range file.Teams {
		set := make(map[string]bool, len(members))
		for _, m := range members {
			set[strings.TrimSpace(m)] = true
		}
		teams[team] = set
	}
	admins := make(map[string]bool)
	grants := make(map[string]map[string]Level, len(file.Users))
	for user, member := range file.Users {
		if member.Admin {
			admins[user] = true
		}
		keys := make(map[string]Level, len(member.Roles))
		for role, raw := range member.Roles {
			lvl, err := ParseLevel(raw)
			if err != nil {
				return fmt.Errorf("user %s role %s: %w", user, role, err)
			}
			keys[RoleKey(role)] = lvl
		}
		grants[user] = keys
	}
	r.mu.Lock()
	r.teams, r.admins, r.grants = teams, admins, grants
	r.mu.Unlock()
	return nil
}

func (r *Roster) IsTeamMember(_ context.Context, teamID, userID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.teams[teamID][userID], nil
}

func (r *Roster) CheckPermission(_ context.Context, userID, key string, level Level) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.admins[userID] {
		return true, nil
	}
	if key == AdminScope {
		return false, nil
	}
	granted, ok := r.grants[userID][key]
	return ok && granted >= level, nil
}
