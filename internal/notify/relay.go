package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"flowgate/internal/audit"
	"flowgate/internal/config"
	"flowgate/internal/domain"
	"flowgate/internal/signature"
)

const (
	defaultRelayInterval = 2 * time.Second
	defaultRelayTimeout  = 5 * time.Second
	defaultRelayBatch    = 100
)

// Relay forwards audit entries to configured HTTP hooks. Each hook keeps its
// own cursor and starts at the newest entry present when it is first polled;
// a failed delivery stops that hook's batch so the entry is retried.
type Relay struct {
	log      audit.Log
	hooks    []config.HookConfig
	interval time.Duration
	client   *http.Client
	logger   *slog.Logger

	mu      sync.Mutex
	cursors map[int]int64
}

func NewRelay(log audit.Log, cfg config.RelayConfig, logger *slog.Logger) *Relay {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultRelayInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		log:      log,
		hooks:    cfg.Hooks,
		interval: interval,
		client:   &http.Client{Timeout: defaultRelayTimeout},
		logger:   logger,
		cursors:  make(map[int]int64),
	}
}

// Enabled reports whether any hook would receive deliveries.
func (r *Relay) Enabled() bool {
	for _, h := range r.hooks {
		if hookActive(h) {
			return true
		}
	}
	return false
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	if !r.Enabled() {
		return nil
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		r.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (r *Relay) DispatchAll(ctx context.Context) {
	for i, hook := range r.hooks {
		if !hookActive(hook) {
			continue
		}
		r.dispatchHook(ctx, i, hook)
	}
}

func hookActive(h config.HookConfig) bool {
	if h.Enabled != nil && !*h.Enabled {
		return false
	}
	return strings.TrimSpace(h.URL) != ""
}

func (r *Relay) dispatchHook(ctx context.Context, idx int, hook config.HookConfig) {
	cursor := r.cursorFor(ctx, idx)
	entries, err := r.log.After(ctx, cursor, defaultRelayBatch)
	if err != nil {
		r.logger.Warn("relay: fetch audit entries failed", "error", err)
		return
	}
	filter := newKindFilter(hook.Kinds)
	for _, e := range entries {
		if !filter.match(e.Kind) {
			r.setCursor(idx, e.ID)
			continue
		}
		if err := r.post(ctx, hook, e); err != nil {
			r.logger.Warn("relay: delivery failed", "url", hook.URL, "entry", e.ID, "error", err)
			return
		}
		r.setCursor(idx, e.ID)
	}
}

func (r *Relay) cursorFor(ctx context.Context, idx int) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.cursors[idx]; ok {
		return cur
	}
	cur, err := r.log.LatestID(ctx)
	if err != nil {
		r.logger.Warn("relay: init cursor failed", "error", err)
		cur = 0
	}
	r.cursors[idx] = cur
	return cur
}

func (r *Relay) setCursor(idx int, value int64) {
	r.mu.Lock()
	r.cursors[idx] = value
	r.mu.Unlock()
}

func (r *Relay) post(ctx context.Context, hook config.HookConfig, e domain.AuditEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	client := r.client
	if hook.TimeoutSeconds > 0 {
		client = &http.Client{Timeout: time.Duration(hook.TimeoutSeconds) * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Flowgate-Event", e.Kind)
	req.Header.Set("X-Flowgate-Delivery", fmt.Sprintf("%d", e.ID))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Flowgate-Signature-256", signature.Sign(hook.Secret, data))
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type kindFilter struct {
	all bool
	set map[string]struct{}
}

func newKindFilter(kinds []string) kindFilter {
	set := make(map[string]struct{}, len(kinds))
	for _, k := range kinds {
		if k = strings.TrimSpace(k); k != "" {
			set[k] = struct{}{}
		}
	}
	if len(set) == 0 {
		return kindFilter{all: true}
	}
	return kindFilter{set: set}
}

func (f kindFilter) match(kind string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[kind]
	return ok
}
