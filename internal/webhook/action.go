package webhook

import (
	"fmt"
	"sort"

	"flowgate/internal/config"
	"flowgate/internal/domain"
)

type ActionKind string

const (
	ActionStart   ActionKind = "start"
	ActionAdvance ActionKind = "advance"
	ActionCancel  ActionKind = "cancel"
	ActionDecide  ActionKind = "decide"
	ActionComment ActionKind = "comment"
)

// Action is what a routed event asks of the workflow. The concrete types
// below are the only implementations.
type Action interface {
	Kind() ActionKind
}

type StartAction struct{}

type AdvanceAction struct {
	To domain.Phase
}

type CancelAction struct {
	Reason string
}

type DecideAction struct {
	Verdict domain.Verdict
}

// CommentAction posts Template, rendered against the event, to the issue.
type CommentAction struct {
	Template string
}

func (StartAction) Kind() ActionKind   { return ActionStart }
func (AdvanceAction) Kind() ActionKind { return ActionAdvance }
func (CancelAction) Kind() ActionKind  { return ActionCancel }
func (DecideAction) Kind() ActionKind  { return ActionDecide }
func (CommentAction) Kind() ActionKind { return ActionComment }

type routeKey struct {
	source    string
	eventType string
}

// Table maps (source, event type) to an action.
type Table struct {
	routes map[routeKey]Action
}

// Route is one table entry, flattened for listing.
type Route struct {
	Source    string `json:"source"`
	EventType string `json:"event_type"`
	Action    string `json:"action"`
	Detail    string `json:"detail,omitempty"`
}

// TableFromConfig builds the routing table from the webhooks section.
func TableFromConfig(cfg config.WebhooksConfig) (Table, error) {
	t := Table{routes: map[routeKey]Action{}}
	for source, sc := range cfg.Sources {
		for eventType, rc := range sc.Routes {
			a, err := parseAction(rc)
			if err != nil {
				return Table{}, fmt.Errorf("webhooks.sources.%s.routes.%s: %w", source, eventType, err)
			}
			t.routes[routeKey{source, eventType}] = a
		}
	}
	return t, nil
}

func parseAction(rc config.RouteConfig) (Action, error) {
	switch ActionKind(rc.Action) {
	case ActionStart:
		return StartAction{}, nil
	case ActionAdvance:
		p, err := domain.ParsePhase(rc.To)
		if err != nil {
			return nil, err
		}
		if p == domain.PhaseApprovalPending {
			return nil, fmt.Errorf("cannot advance directly to %s", p)
		}
		return AdvanceAction{To: p}, nil
	case ActionCancel:
		return CancelAction{Reason: rc.Reason}, nil
	case ActionDecide:
		v := domain.Verdict(rc.Verdict)
		if !v.Valid() {
			return nil, fmt.Errorf("invalid verdict %q", rc.Verdict)
		}
		return DecideAction{Verdict: v}, nil
	case ActionComment:
		if rc.Template == "" {
			return nil, fmt.Errorf("comment route needs a template")
		}
		if _, err := parseTemplate(rc.Template); err != nil {
			return nil, err
		}
		return CommentAction{Template: rc.Template}, nil
	}
	return nil, fmt.Errorf("unknown action %q", rc.Action)
}

// Lookup returns the action for an event, if any.
func (t Table) Lookup(source, eventType string) (Action, bool) {
	a, ok := t.routes[routeKey{source, eventType}]
	return a, ok
}

func (t Table) Len() int { return len(t.routes) }

// Routes lists the table sorted by source and event type.
func (t Table) Routes() []Route {
	out := make([]Route, 0, len(t.routes))
	for k, a := range t.routes {
		r := Route{Source: k.source, EventType: k.eventType, Action: string(a.Kind())}
		switch a := a.(type) {
		case AdvanceAction:
			r.Detail = string(a.To)
		case CancelAction:
			r.Detail = a.Reason
		case DecideAction:
			r.Detail = string(a.Verdict)
		case CommentAction:
			r.Detail = a.Template
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Source != out[j].Source {
			return out[i].Source < out[j].Source
		}
		return out[i].EventType < out[j].EventType
	})
	return out
}
