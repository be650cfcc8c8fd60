// Package auth answers which users may perform which actions. The model is
// built once from configuration and is read-only afterwards, so a single
// value is shared by the state machine, the approval engine and the API.
package auth

import (
	"sort"

	"flowgate/internal/config"
	"flowgate/internal/domain"
)

type set map[string]struct{}

func newSet(items ...string) set {
	s := make(set, len(items))
	for _, it := range items {
		if it != "" {
			s[it] = struct{}{}
		}
	}
	return s
}

func (s set) intersects(other set) bool {
	small, big := s, other
	if len(big) < len(small) {
		small, big = big, small
	}
	for k := range small {
		if _, ok := big[k]; ok {
			return true
		}
	}
	return false
}

func (s set) sorted() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type Model struct {
	users  map[string]set
	global map[string]set
	teams  map[string]teamRules
}

type teamRules struct {
	members set
	rules   map[string]set
}

// New builds a model. rolePerms maps a role to the actions it grants; the
// global rule for an action is every role granting it.
func New(users []domain.User, rolePerms map[string][]string, teams []domain.Team) *Model {
	m := &Model{
		users:  make(map[string]set, len(users)),
		global: map[string]set{},
		teams:  make(map[string]teamRules, len(teams)),
	}
	for _, u := range users {
		m.users[u.ID] = newSet(u.Roles...)
	}
	for role, perms := range rolePerms {
		for _, action := range perms {
			if m.global[action] == nil {
				m.global[action] = set{}
			}
			m.global[action][role] = struct{}{}
		}
	}
	for _, t := range teams {
		tr := teamRules{members: newSet(t.Members...), rules: map[string]set{}}
		for action, roles := range t.ApprovalRules {
			tr.rules[action] = newSet(roles...)
		}
		m.teams[t.ID] = tr
	}
	return m
}

func FromConfig(cfg config.RBACConfig) *Model {
	users := make([]domain.User, 0, len(cfg.Users))
	for id, roles := range cfg.Users {
		users = append(users, domain.User{ID: id, Roles: roles})
	}
	perms := make(map[string][]string, len(cfg.Roles))
	for id, role := range cfg.Roles {
		perms[id] = role.Permissions
	}
	teams := make([]domain.Team, 0, len(cfg.Teams))
	for id, t := range cfg.Teams {
		teams = append(teams, domain.Team{ID: id, Members: t.Members, ApprovalRules: t.ApprovalRules})
	}
	return New(users, perms, teams)
}

// Can reports whether any role held by userID is in the rule for action.
// A team rule for the action replaces the global rule.
func (m *Model) Can(userID, action, teamID string) bool {
	roles, ok := m.users[userID]
	if !ok || len(roles) == 0 {
		return false
	}
	return roles.intersects(m.rule(action, teamID))
}

// Require is Can returning a ForbiddenError.
func (m *Model) Require(userID, action, teamID string) error {
	if m.Can(userID, action, teamID) {
		return nil
	}
	return domain.ForbiddenError{Actor: userID, Action: action}
}

func (m *Model) rule(action, teamID string) set {
	if t, ok := m.teams[teamID]; ok {
		if r, ok := t.rules[action]; ok {
			return r
		}
	}
	return m.global[action]
}

// RuleFor lists the roles allowed to perform action for the team.
func (m *Model) RuleFor(action, teamID string) []string {
	return m.rule(action, teamID).sorted()
}

func (m *Model) RolesOf(userID string) []string {
	return m.users[userID].sorted()
}

// Matches reports whether userID is named in candidates directly or through
// one of its roles.
func (m *Model) Matches(userID string, candidates []string) bool {
	c := newSet(candidates...)
	if _, ok := c[userID]; ok {
		return true
	}
	return m.users[userID].intersects(c)
}

func (m *Model) IsMember(userID, teamID string) bool {
	t, ok := m.teams[teamID]
	if !ok {
		return false
	}
	_, ok = t.members[userID]
	return ok
}

func (m *Model) HasTeam(teamID string) bool {
	_, ok := m.teams[teamID]
	return ok
}
