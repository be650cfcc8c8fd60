package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"flowgate/internal/app"
	"flowgate/internal/domain"
	"flowgate/internal/logging"
	"flowgate/internal/telemetry"
	"flowgate/internal/webhook"
)

const maxHookBody = 1 << 20

// Config for the HTTP API handler.
type Config struct {
	App      *app.App
	BasePath string
	Auth     AuthConfig
}

// New returns an HTTP handler exposing the flowgate API under BasePath and
// webhook intake under /hooks.
func New(cfg Config) (http.Handler, error) {
	if cfg.App == nil {
		return nil, errors.New("server: app is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.App.Logger
	}
	useEnvelope()

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(telemetry.HTTPMiddleware(cfg.App.Config.Telemetry.ServiceName))
	router.Use(requestLogger(cfg.App.Logger))
	router.Use(newAuthMiddleware(basePath, cfg.Auth))

	hcfg := huma.DefaultConfig("flowgate API", "0.1.0")
	hcfg.Info.Description = "Gated work item workflow, approvals and audit trail."
	// the patched document is served by serveOpenAPI
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	hcfg.SchemasPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	for _, register := range []func(huma.API, *app.App){
		registerMe,
		registerItems,
		registerApprovals,
		registerAudit,
		registerRoutes,
	} {
		register(group, cfg.App)
	}
	registerHealth(group, cfg.App)

	router.Get(path.Join(basePath, "openapi.json"), serveOpenAPI(api, basePath))
	router.Get("/docs", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, docsPage(basePath))
	})
	router.Get(path.Join(basePath, "events/ws"), cfg.App.Hub.ServeHTTP)
	router.Post("/hooks/{source}", hookHandler(cfg.App.Router))

	return router, nil
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			reqID := middleware.GetReqID(r.Context())
			next.ServeHTTP(ww, r.WithContext(logging.WithRequestID(r.Context(), reqID)))
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", reqID,
			)
		})
	}
}

// hookHandler takes raw deliveries. Signatures cover the exact body bytes,
// so this stays outside huma's decoding.
func hookHandler(r *webhook.Router) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		source := chi.URLParam(req, "source")
		body, err := io.ReadAll(io.LimitReader(req.Body, maxHookBody+1))
		if err != nil {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "read body", nil))
			return
		}
		if len(body) > maxHookBody {
			respondStatusError(w, newAPIError(http.StatusRequestEntityTooLarge, "", "body too large", nil))
			return
		}
		raw := webhook.RawEvent{Source: source, Headers: req.Header, Body: body}
		res, err := r.Ingest(req.Context(), raw, req.Header.Get(r.SignatureHeader(source)))
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(res)
	}
}

type healthBody struct {
	Status   string `json:"status" example:"ok"`
	Database string `json:"database" example:"ok"`
}

// registerHealth stays public. A database that does not answer a ping within
// two seconds reports degraded with 503.
func registerHealth(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Liveness and database reachability",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Status int
		Body   healthBody `json:"body"`
	}, error) {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		out := &struct {
			Status int
			Body   healthBody `json:"body"`
		}{Status: http.StatusOK, Body: healthBody{Status: "ok", Database: "ok"}}
		if err := a.DB.PingContext(pingCtx); err != nil {
			out.Status = http.StatusServiceUnavailable
			out.Body = healthBody{Status: "degraded", Database: err.Error()}
		}
		return out, nil
	})
}

func registerMe(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: whoAmI(p, a.Auth)}, nil
	})
}

func sortedDecisions(in map[string]domain.Decision) []domain.Decision {
	out := make([]domain.Decision, 0, len(in))
	for _, d := range in {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].At.Equal(out[j].At) {
			return out[i].Approver < out[j].Approver
		}
		return out[i].At.Before(out[j].At)
	})
	return out
}

func normalizeLimit(in int) int {
	switch {
	case in <= 0:
		return 50
	case in > 500:
		return 500
	default:
		return in
	}
}
