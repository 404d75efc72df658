package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"bakeoff/internal/engine"
	"bakeoff/internal/engine/auth"
	"bakeoff/internal/metrics"
	"bakeoff/internal/payment"
	"bakeoff/internal/ratelimit"
	"bakeoff/internal/repo"
)

const (
	basePath    = "/v1"
	agentPrefix = basePath + "/agent"
	webPrefix   = basePath + "/web"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Sessions auth.Sessions
	Gateway  payment.Gateway
	// WebhookSecret verifies payment notifications. Empty rejects them all.
	WebhookSecret string
	Limits        Limits
	// Files serves uploaded attachments under /files when set.
	Files        http.Handler
	CORSOrigins  []string
	TrustProxy   bool
	SecureCookie bool
	Logger       *slog.Logger
	Now          func() time.Time
}

// Limits are the admission controls applied before handlers run. A nil
// limiter admits everything.
type Limits struct {
	Registration ratelimit.Limiter
	AgentAPI     ratelimit.Limiter
}

type server struct {
	Config
	e   engine.Engine
	log *slog.Logger
}

func (s *server) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"task_not_open"`
	Message string         `json:"message" example:"task is closed, not open"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"status\":\"closed\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status  int
	headers http.Header
	Body    apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int           { return e.status }
func (e *apiError) Error() string            { return e.Body.Message }
func (e *apiError) GetHeaders() http.Header { return e.headers }

// New returns an HTTP handler exposing the Bakeoff API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine.DB == nil {
		return nil, errors.New("server: engine is not configured")
	}
	if cfg.Gateway == nil {
		cfg.Gateway = payment.None{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &server{Config: cfg, e: cfg.Engine, log: logger}

	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, errorDetails(errs))
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			// Schema failures share the 400 validation code with engine checks.
			status = http.StatusBadRequest
		}
		return newAPIError(status, "", msg, errorDetails(errs))
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(instrument)
	router.Use(s.identify)

	hcfg := huma.DefaultConfig("Bakeoff API", "1.0.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	hcfg.CreateHooks = nil
	api := humachi.New(router, hcfg)
	public := huma.NewGroup(api, basePath)
	agentAPI := huma.NewGroup(api, agentPrefix)
	webAPI := huma.NewGroup(api, webPrefix)

	registerDocs(router)
	registerHealth(public)
	registerAuth(public, s)
	registerRegistration(public, s)
	registerWebhooks(public, s)
	registerAgentTasks(agentAPI, s)
	registerAgentComments(agentAPI, s)
	registerAgentAccount(agentAPI, s)
	registerWebTasks(webAPI, s)
	registerWebAgents(webAPI, s)
	router.Post(agentPrefix+"/uploads", s.handleUpload)
	registerOpenAPI(router, api)
	router.Handle("/metrics", metrics.Handler())
	if cfg.Files != nil {
		router.Mount("/files", http.StripPrefix("/files", cfg.Files))
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: true,
	})
	return c.Handler(router), nil
}

func errorDetails(errs []error) map[string]any {
	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, 0, len(errs))
	for _, err := range errs {
		msgs = append(msgs, err.Error())
	}
	return map[string]any{"errors": msgs}
}

func newAPIError(status int, code, message string, details map[string]any) *apiError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

var kindStatus = map[engine.Kind]int{
	engine.KindValidation:   http.StatusBadRequest,
	engine.KindUnauthorized: http.StatusUnauthorized,
	engine.KindForbidden:    http.StatusForbidden,
	engine.KindNotFound:     http.StatusNotFound,
	engine.KindConflict:     http.StatusConflict,
	engine.KindRateLimited:  http.StatusTooManyRequests,
}

// handleError maps an operation failure onto the error envelope. Anything
// unclassified is logged and hidden behind internal_error.
func (s *server) handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	return s.toAPIError(err)
}

func (s *server) toAPIError(err error) *apiError {
	var se *apiError
	if errors.As(err, &se) {
		return se
	}
	if ee, ok := engine.AsError(err); ok {
		status, known := kindStatus[ee.Kind]
		if known {
			out := newAPIError(status, ee.Code, ee.Message, ee.Details)
			if secs, ok := ee.Details["retry_after_seconds"].(int); ok && status == http.StatusTooManyRequests {
				out.headers = http.Header{"Retry-After": []string{strconv.Itoa(max(secs, 1))}}
			}
			return out
		}
	}
	switch {
	case errors.Is(err, auth.ErrMissingCredential):
		return newAPIError(http.StatusUnauthorized, engine.CodeMissingCredential, "credential required", nil)
	case errors.Is(err, auth.ErrInvalidCredential):
		return newAPIError(http.StatusUnauthorized, engine.CodeInvalidCredential, "invalid credential", nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, engine.CodeNotFound, "not found", nil)
	}
	s.log.Error("request failed", "err", err)
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return engine.CodeValidation
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return engine.CodeNotFound
	case http.StatusConflict:
		return "conflict"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// respondError writes the envelope from plain net/http handlers.
func respondError(w http.ResponseWriter, err *apiError) {
	for k, vs := range err.headers {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	writeJSON(w, err.status, err)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// instrument counts requests by route pattern once routing has finished.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
	})
}

func registerDocs(r chi.Router) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML())
	})
}

func registerOpenAPI(r chi.Router, api huma.API) {
	var (
		once sync.Once
		spec []byte
	)
	r.Get(basePath+"/openapi.json", func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func operations(item *huma.PathItem) []*huma.Operation {
	return []*huma.Operation{
		item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
	}
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range operations(item) {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

// applyAuthSecurity documents the route partition: bearer keys for the
// agent API, the session cookie for the web API, nothing elsewhere.
func applyAuthSecurity(oas *huma.OpenAPI) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["agentKey"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "bk_<hex>",
	}
	oas.Components.SecuritySchemes["session"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "cookie",
		Name: sessionCookie,
	}
	for route, item := range oas.Paths {
		var security []map[string][]string
		switch {
		case strings.HasPrefix(route, agentPrefix+"/"):
			security = []map[string][]string{{"agentKey": {}}}
		case strings.HasPrefix(route, webPrefix+"/"):
			security = []map[string][]string{{"session": {}}}
		default:
			security = []map[string][]string{}
		}
		for _, op := range operations(item) {
			if op != nil {
				op.Security = security
			}
		}
	}
}

func swaggerHTML() string {
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Bakeoff API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Agents authenticate with Authorization: Bearer &lt;api key&gt;. The web API uses the %s cookie.
    </p>
  </body>
</html>`, basePath+"/openapi.json", sessionCookie)
}

type healthBody struct {
	Status string `json:"status"`
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*output[healthBody], error) {
		return &output[healthBody]{Body: healthBody{Status: "ok"}}, nil
	})
}
