package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"flowgate/internal/domain"
)

// Config models flowgate.yml.
type Config struct {
	Workflow  WorkflowConfig  `yaml:"workflow" json:"workflow"`
	Approvals ApprovalsConfig `yaml:"approvals" json:"approvals"`
	RBAC      RBACConfig      `yaml:"rbac" json:"rbac"`
	Webhooks  WebhooksConfig  `yaml:"webhooks" json:"webhooks"`
	Notify    NotifyConfig    `yaml:"notify" json:"notify"`
	Relay     RelayConfig     `yaml:"relay" json:"relay"`
	Executor  ExecutorConfig  `yaml:"executor" json:"executor"`
	Tracker   TrackerConfig   `yaml:"tracker" json:"tracker"`
	CodeHost  CodeHostConfig  `yaml:"codehost" json:"codehost"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`
}

type WorkflowConfig struct {
	Tier        string                `yaml:"tier" json:"tier"`
	DefaultTeam string                `yaml:"default_team" json:"default_team"`
	Transitions map[string][]string   `yaml:"transitions" json:"transitions"`
	Gates       map[string]GateConfig `yaml:"gates" json:"gates"`
}

// GateConfig marks a target phase as requiring approval.
type GateConfig struct {
	Action    string        `yaml:"action" json:"action"`
	Approvers []string      `yaml:"approvers" json:"approvers,omitempty"`
	TTL       time.Duration `yaml:"ttl" json:"ttl"`
}

type ApprovalsConfig struct {
	Policy        string        `yaml:"policy" json:"policy"`
	DefaultTTL    time.Duration `yaml:"default_ttl" json:"default_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
}

type RBACConfig struct {
	Roles map[string]RBACRole   `yaml:"roles" json:"roles"`
	Users map[string][]string   `yaml:"users" json:"users"`
	Teams map[string]TeamConfig `yaml:"teams" json:"teams"`
}

type RBACRole struct {
	Description string   `yaml:"description" json:"description,omitempty"`
	Permissions []string `yaml:"permissions" json:"permissions"`
}

type TeamConfig struct {
	Members       []string            `yaml:"members" json:"members,omitempty"`
	ApprovalRules map[string][]string `yaml:"approval_rules" json:"approval_rules,omitempty"`
}

type WebhooksConfig struct {
	Sources map[string]SourceConfig `yaml:"sources" json:"sources"`
}

type SourceConfig struct {
	Kind            string                 `yaml:"kind" json:"kind"`
	Verify          string                 `yaml:"verify" json:"verify"`
	SignatureHeader string                 `yaml:"signature_header" json:"signature_header,omitempty"`
	Secret          string                 `yaml:"secret" json:"-"`
	SecretEnv       string                 `yaml:"secret_env" json:"secret_env,omitempty"`
	Actor           string                 `yaml:"actor" json:"actor"`
	Routes          map[string]RouteConfig `yaml:"routes" json:"routes"`
}

// RouteConfig is the YAML form of one routing table entry.
type RouteConfig struct {
	Action   string `yaml:"action" json:"action"`
	To       string `yaml:"to,omitempty" json:"to,omitempty"`
	Verdict  string `yaml:"verdict,omitempty" json:"verdict,omitempty"`
	Reason   string `yaml:"reason,omitempty" json:"reason,omitempty"`
	Template string `yaml:"template,omitempty" json:"template,omitempty"`
}

type NotifyConfig struct {
	Log   bool `yaml:"log" json:"log"`
	NATS  struct {
		URL     string `yaml:"url" json:"url,omitempty"`
		Subject string `yaml:"subject" json:"subject,omitempty"`
	} `yaml:"nats" json:"nats"`
	Slack struct {
		WebhookURL    string `yaml:"webhook_url" json:"-"`
		WebhookURLEnv string `yaml:"webhook_url_env" json:"webhook_url_env,omitempty"`
	} `yaml:"slack" json:"slack"`
}

type RelayConfig struct {
	Interval time.Duration `yaml:"interval" json:"interval"`
	Hooks    []HookConfig  `yaml:"hooks" json:"hooks"`
}

type HookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Secret         string   `yaml:"secret" json:"-"`
	Kinds          []string `yaml:"kinds" json:"kinds,omitempty"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
}

type ExecutorConfig struct {
	Command        string        `yaml:"command" json:"command"`
	Args           []string      `yaml:"args" json:"args,omitempty"`
	Timeout        time.Duration `yaml:"timeout" json:"timeout"`
	PromptTemplate string        `yaml:"prompt_template" json:"prompt_template,omitempty"`
}

type TrackerConfig struct {
	BaseURL  string        `yaml:"base_url" json:"base_url,omitempty"`
	User     string        `yaml:"user" json:"user,omitempty"`
	TokenEnv string        `yaml:"token_env" json:"token_env,omitempty"`
	CacheTTL time.Duration `yaml:"cache_ttl" json:"cache_ttl,omitempty"`
}

type CodeHostConfig struct {
	APIURL     string `yaml:"api_url" json:"api_url,omitempty"`
	Repo       string `yaml:"repo" json:"repo,omitempty"`
	BaseBranch string `yaml:"base_branch" json:"base_branch,omitempty"`
	TokenEnv   string `yaml:"token_env" json:"token_env,omitempty"`
}

// TelemetryConfig exports traces and metrics over OTLP when an endpoint is
// set; otherwise instrumentation is a no-op.
type TelemetryConfig struct {
	ServiceName  string `yaml:"service_name" json:"service_name"`
	OTLPEndpoint string `yaml:"otlp_endpoint" json:"otlp_endpoint,omitempty"`
	Insecure     bool   `yaml:"insecure" json:"insecure,omitempty"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

var validVerifiers = map[string]bool{"hmac-sha256": true, "token": true, "none": true}
var validKinds = map[string]bool{"jira": true, "github": true, "gitlab": true}
var validRouteActions = map[string]bool{"start": true, "advance": true, "cancel": true, "decide": true, "comment": true}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with fg init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	transitions, err := c.PhaseTransitions()
	if err != nil {
		return err
	}
	if len(transitions) == 0 {
		return fmt.Errorf("config.workflow.transitions is required")
	}
	for target, gate := range c.Workflow.Gates {
		p, err := domain.ParsePhase(target)
		if err != nil {
			return fmt.Errorf("workflow.gates: %w", err)
		}
		if p.Terminal() && p != domain.PhaseCompleted {
			return fmt.Errorf("workflow.gates: cannot gate terminal phase %s", p)
		}
		if strings.TrimSpace(gate.Action) == "" {
			return fmt.Errorf("gate %s has empty action", target)
		}
		if gate.TTL < 0 {
			return fmt.Errorf("gate %s has negative ttl", target)
		}
	}
	switch c.Approvals.Policy {
	case "", "any", "all":
	default:
		return fmt.Errorf("approvals.policy must be any or all, got %q", c.Approvals.Policy)
	}
	for roleID, role := range c.RBAC.Roles {
		if roleID == "" {
			return fmt.Errorf("config.rbac.roles contains empty role id")
		}
		for _, perm := range role.Permissions {
			if perm == "" {
				return fmt.Errorf("role %s has empty permission id", roleID)
			}
		}
	}
	for user, roles := range c.RBAC.Users {
		for _, roleID := range roles {
			if _, ok := c.RBAC.Roles[roleID]; !ok {
				return fmt.Errorf("user %s references unknown role %s", user, roleID)
			}
		}
	}
	for teamID, team := range c.RBAC.Teams {
		for action, roles := range team.ApprovalRules {
			if action == "" {
				return fmt.Errorf("team %s has an approval rule with empty action", teamID)
			}
			for _, roleID := range roles {
				if _, ok := c.RBAC.Roles[roleID]; !ok {
					return fmt.Errorf("team %s rule %s references unknown role %s", teamID, action, roleID)
				}
			}
		}
	}
	if dt := c.Workflow.DefaultTeam; dt != "" && len(c.RBAC.Teams) > 0 {
		if _, ok := c.RBAC.Teams[dt]; !ok {
			return fmt.Errorf("workflow.default_team %s is not a configured team", dt)
		}
	}
	for name, src := range c.Webhooks.Sources {
		if !validKinds[src.Kind] {
			return fmt.Errorf("webhook source %s has unknown kind %q", name, src.Kind)
		}
		verify := src.VerifyMode()
		if !validVerifiers[verify] {
			return fmt.Errorf("webhook source %s has unknown verify mode %q", name, src.Verify)
		}
		if verify != "none" && src.Secret == "" && src.SecretEnv == "" {
			return fmt.Errorf("webhook source %s requires secret or secret_env", name)
		}
		for eventType, route := range src.Routes {
			if !validRouteActions[route.Action] {
				return fmt.Errorf("webhook route %s/%s has unknown action %q", name, eventType, route.Action)
			}
			if route.Action == "advance" {
				if _, err := domain.ParsePhase(route.To); err != nil {
					return fmt.Errorf("webhook route %s/%s: %w", name, eventType, err)
				}
			}
			if route.Action == "decide" && !domain.Verdict(route.Verdict).Valid() {
				return fmt.Errorf("webhook route %s/%s has invalid verdict %q", name, eventType, route.Verdict)
			}
		}
	}
	for i, hook := range c.Relay.Hooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("relay.hooks[%d] has empty url", i)
		}
	}
	return nil
}

// PhaseTransitions parses the adjacency table.
func (c *Config) PhaseTransitions() (map[domain.Phase][]domain.Phase, error) {
	out := make(map[domain.Phase][]domain.Phase, len(c.Workflow.Transitions))
	for from, targets := range c.Workflow.Transitions {
		fp, err := domain.ParsePhase(from)
		if err != nil {
			return nil, fmt.Errorf("workflow.transitions: %w", err)
		}
		if fp.Terminal() {
			return nil, fmt.Errorf("workflow.transitions: terminal phase %s cannot have successors", fp)
		}
		if fp == domain.PhaseApprovalPending {
			return nil, fmt.Errorf("workflow.transitions: %s is left only by an approval decision", fp)
		}
		for _, to := range targets {
			tp, err := domain.ParsePhase(to)
			if err != nil {
				return nil, fmt.Errorf("workflow.transitions: %w", err)
			}
			if tp == domain.PhaseApprovalPending {
				return nil, fmt.Errorf("workflow.transitions: %s is entered only through a gate", tp)
			}
			out[fp] = append(out[fp], tp)
		}
	}
	return out, nil
}

// Gate returns the gate configured for a target phase.
func (c *Config) Gate(target domain.Phase) (GateConfig, bool) {
	for name, gate := range c.Workflow.Gates {
		if p, err := domain.ParsePhase(name); err == nil && p == target {
			if gate.TTL == 0 {
				gate.TTL = c.Approvals.DefaultTTL
			}
			return gate, true
		}
	}
	return GateConfig{}, false
}

func (s SourceConfig) VerifyMode() string {
	if s.Verify == "" {
		return "hmac-sha256"
	}
	return s.Verify
}

// ResolvedSecret prefers the environment variable when configured.
func (s SourceConfig) ResolvedSecret() string {
	if s.SecretEnv != "" {
		if v := os.Getenv(s.SecretEnv); v != "" {
			return v
		}
	}
	return s.Secret
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "flowgate.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

func (c *Config) applyDefaults() {
	if c.Approvals.Policy == "" {
		c.Approvals.Policy = "any"
	}
	if c.Approvals.DefaultTTL == 0 {
		c.Approvals.DefaultTTL = 24 * time.Hour
	}
	if c.Approvals.SweepInterval == 0 {
		c.Approvals.SweepInterval = 30 * time.Second
	}
	if c.Relay.Interval == 0 {
		c.Relay.Interval = 2 * time.Second
	}
	if c.Executor.Timeout == 0 {
		c.Executor.Timeout = 10 * time.Minute
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Notify.NATS.Subject == "" {
		c.Notify.NATS.Subject = "flowgate.notifications"
	}
	if c.Tracker.CacheTTL == 0 {
		c.Tracker.CacheTTL = 5 * time.Minute
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "flowgate"
	}
}

const defaultTemplate = `workflow:
  tier: standard
  default_team: backend
  transitions:
    created: [branch_provisioned]
    branch_provisioned: [in_development]
    in_development: [under_review]
    under_review: [in_development, ready_to_deploy]
    ready_to_deploy: [completed]
  gates:
    ready_to_deploy:
      action: deploy_production
      ttl: 48h

approvals:
  policy: any
  default_ttl: 24h
  sweep_interval: 30s

rbac:
  roles:
    admin:
      description: "Full control"
      permissions: [workflow.start, workflow.advance, workflow.cancel, approve_changes, deploy_production, force_merge, audit.read]
    tech_lead:
      description: "Leads a team, approves deployments"
      permissions: [workflow.start, workflow.advance, workflow.cancel, approve_changes, deploy_production, force_merge, audit.read]
    senior_dev:
      permissions: [workflow.start, workflow.advance, approve_changes, audit.read]
    developer:
      permissions: [workflow.start, workflow.advance]
    reviewer:
      permissions: [approve_changes, audit.read]
    viewer:
      permissions: [audit.read]
    automation:
      description: "Webhook-driven actor"
      permissions: [workflow.start, workflow.advance, workflow.cancel]
  users:
    admin: [admin]
    tech_lead: [tech_lead]
    automation: [automation]
  teams:
    backend:
      members: [tech_lead, admin]
      approval_rules:
        deploy_production: [tech_lead]
        force_merge: [tech_lead, admin]

webhooks:
  sources:
    codehost:
      kind: github
      verify: hmac-sha256
      secret_env: FLOWGATE_GITHUB_WEBHOOK_SECRET
      actor: automation
      routes:
        pull_request.opened: {action: advance, to: under_review}
        pull_request.merged: {action: advance, to: completed}
        pull_request.closed: {action: cancel, reason: pull_request_closed}
        pull_request_review.approved: {action: decide, verdict: approved}
        pull_request_review.changes_requested: {action: decide, verdict: rejected}
    issues:
      kind: jira
      verify: token
      secret_env: FLOWGATE_JIRA_WEBHOOK_SECRET
      actor: automation
      routes:
        issue_created: {action: start}
        status_changed: {action: comment, template: "Issue status changed in tracker"}

notify:
  log: true

logging:
  level: info
  format: text
`
