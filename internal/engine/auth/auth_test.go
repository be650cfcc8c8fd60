package auth_test

import (
	"errors"
	"slices"
	"testing"

	"flowgate/internal/config"
	"flowgate/internal/domain"
	"flowgate/internal/engine/auth"
)

func newModel() *auth.Model {
	return auth.New(
		[]domain.User{
			{ID: "alice", Roles: []string{"developer"}},
			{ID: "dana", Roles: []string{"tech_lead"}},
			{ID: "sam", Roles: []string{"senior_dev"}},
			{ID: "nobody"},
		},
		map[string][]string{
			"developer":  {"workflow.advance"},
			"senior_dev": {"workflow.advance", "deploy_production"},
			"tech_lead":  {"workflow.advance", "deploy_production"},
		},
		[]domain.Team{
			{ID: "backend", Members: []string{"dana"}, ApprovalRules: map[string][]string{"deploy_production": {"tech_lead"}}},
		},
	)
}

func TestCan(t *testing.T) {
	m := newModel()
	cases := []struct {
		user, action, team string
		want               bool
	}{
		{"alice", "workflow.advance", "", true},
		{"alice", "deploy_production", "", false},
		{"sam", "deploy_production", "", true},
		{"nobody", "workflow.advance", "", false},
		{"ghost", "workflow.advance", "", false},
		// the backend rule narrows deploy_production to tech leads
		{"sam", "deploy_production", "backend", false},
		{"dana", "deploy_production", "backend", true},
		// no team rule: the global rule applies
		{"alice", "workflow.advance", "backend", true},
	}
	for _, tc := range cases {
		if got := m.Can(tc.user, tc.action, tc.team); got != tc.want {
			t.Errorf("Can(%s, %s, %q) = %v, want %v", tc.user, tc.action, tc.team, got, tc.want)
		}
	}
	if got := m.RuleFor("deploy_production", "backend"); !slices.Equal(got, []string{"tech_lead"}) {
		t.Fatalf("team rule = %v", got)
	}
	if got := m.RuleFor("deploy_production", ""); !slices.Equal(got, []string{"senior_dev", "tech_lead"}) {
		t.Fatalf("global rule = %v", got)
	}
}

func TestRequireReturnsForbidden(t *testing.T) {
	m := newModel()
	err := m.Require("alice", "deploy_production", "backend")
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	var fe domain.ForbiddenError
	if !errors.As(err, &fe) || fe.Actor != "alice" {
		t.Fatalf("expected forbidden error for alice, got %#v", err)
	}
	if err := m.Require("dana", "deploy_production", "backend"); err != nil {
		t.Fatalf("dana should be allowed: %v", err)
	}
}

func TestMatchesByIDOrRole(t *testing.T) {
	m := newModel()
	if !m.Matches("alice", []string{"alice"}) || !m.Matches("dana", []string{"tech_lead"}) {
		t.Fatal("expected id and role matches")
	}
	if m.Matches("alice", []string{"tech_lead", "dana"}) {
		t.Fatal("alice matched another user's entry")
	}
	if !m.IsMember("dana", "backend") || m.IsMember("alice", "backend") {
		t.Fatal("unexpected team membership")
	}
}

func TestFromDefaultConfig(t *testing.T) {
	m := auth.FromConfig(config.Default().RBAC)
	if !m.Can("tech_lead", "deploy_production", "backend") {
		t.Error("tech_lead should deploy for backend")
	}
	if m.Can("admin", "deploy_production", "backend") {
		t.Error("backend rule should exclude admin from deploys")
	}
	if !m.Can("admin", "force_merge", "backend") {
		t.Error("admin keeps force_merge")
	}
	if !m.Can("automation", "workflow.start", "") {
		t.Error("automation should start workflows")
	}
	if got := m.RolesOf("tech_lead"); !slices.Equal(got, []string{"tech_lead"}) {
		t.Errorf("roles = %v", got)
	}
}
