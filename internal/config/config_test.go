package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"flowgate/internal/domain"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default()
	if cfg.Approvals.Policy != "any" {
		t.Fatalf("expected any policy, got %s", cfg.Approvals.Policy)
	}
	gate, ok := cfg.Gate(domain.PhaseReadyToDeploy)
	if !ok {
		t.Fatalf("expected gate on ready_to_deploy")
	}
	if gate.Action != "deploy_production" || gate.TTL != 48*time.Hour {
		t.Fatalf("unexpected gate %+v", gate)
	}
	transitions, err := cfg.PhaseTransitions()
	if err != nil {
		t.Fatalf("transitions: %v", err)
	}
	if got := transitions[domain.PhaseUnderReview]; len(got) != 2 {
		t.Fatalf("expected two successors of under_review, got %v", got)
	}
}

func TestGateFallsBackToDefaultTTL(t *testing.T) {
	cfg, err := FromYAML([]byte(`
workflow:
  transitions:
    created: [branch_provisioned]
  gates:
    branch_provisioned:
      action: provision
approvals:
  default_ttl: 3h
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	gate, ok := cfg.Gate(domain.PhaseBranchProvisioned)
	if !ok || gate.TTL != 3*time.Hour {
		t.Fatalf("expected default ttl, got %+v", gate)
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	cases := map[string]string{
		"terminal successor": `
workflow:
  transitions:
    completed: [created]
`,
		"pending as target": `
workflow:
  transitions:
    under_review: [approval_pending]
`,
		"unknown policy": `
workflow:
  transitions:
    created: [branch_provisioned]
approvals:
  policy: majority
`,
		"unknown role": `
workflow:
  transitions:
    created: [branch_provisioned]
rbac:
  users:
    alice: [wizard]
`,
		"route unknown action": `
workflow:
  transitions:
    created: [branch_provisioned]
webhooks:
  sources:
    gh:
      kind: github
      verify: none
      routes:
        push: {action: explode}
`,
		"missing secret": `
workflow:
  transitions:
    created: [branch_provisioned]
webhooks:
  sources:
    gh:
      kind: github
      routes: {}
`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := FromYAML([]byte(body)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoadOptionalAndSecretEnv(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil {
		t.Fatalf("load optional: %v", err)
	}
	if cfg.Workflow.DefaultTeam != "backend" {
		t.Fatalf("expected default team backend, got %s", cfg.Workflow.DefaultTeam)
	}
	if _, err := Load(dir); err == nil || !strings.Contains(err.Error(), "fg init") {
		t.Fatalf("expected missing config error, got %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "flowgate.yml"), []byte(GenerateDefault()), 0o644); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	t.Setenv("FLOWGATE_GITHUB_WEBHOOK_SECRET", "s3cret")
	if got := loaded.Webhooks.Sources["codehost"].ResolvedSecret(); got != "s3cret" {
		t.Fatalf("expected env secret, got %q", got)
	}
}
