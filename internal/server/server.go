package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"signalsim/internal/engine"
	"signalsim/internal/events"
	"signalsim/internal/logging"
	"signalsim/internal/metrics"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
	Metrics  *metrics.Metrics
	Logger   *logging.Logger
	Title    string
	Version  string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"intersection main: intersection not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

const (
	requestIDHeader = "X-Request-Id"
	maxBodyBytes    = 1 << 20
)

// New returns an HTTP handler exposing the intersection API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("server: engine is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/api/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	basePath = strings.TrimRight(basePath, "/")
	log := cfg.Logger
	if log == nil {
		log = logging.Discard()
	}
	log = log.With("component", "http")
	title := cfg.Title
	if title == "" {
		title = "Traffic Light Control Service"
	}
	version := cfg.Version
	if version == "" {
		version = "0.1.0"
	}

	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			// Schema/request validation errors are plain bad requests here.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(middleware.StripSlashes)
	router.Use(requestIDMiddleware)
	router.Use(accessLogMiddleware(log))
	router.Use(bufferBodyMiddleware(maxBodyBytes))
	router.Use(newAuthMiddleware(basePath, cfg.Auth, log))

	hcfg := huma.DefaultConfig(title, version)
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	hcfg.CreateHooks = nil
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath, title)
	registerHealth(api)
	registerIntersections(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath, cfg.Auth.Enabled())
	if cfg.Metrics != nil {
		router.Handle("/metrics", cfg.Metrics.Handler())
	}

	return router, nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(events.WithRequestID(r.Context(), id)))
	})
}

// bufferBodyMiddleware keeps a copy of the request body in the context so
// handlers can tell an empty body from a zero-valued one.
func bufferBodyMiddleware(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			buf, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
			if err != nil {
				var tooLarge *http.MaxBytesError
				msg := "unable to read request body"
				if errors.As(err, &tooLarge) {
					msg = fmt.Sprintf("request body exceeds %d bytes", limit)
				}
				respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", msg, nil))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(buf))
			ctx := context.WithValue(r.Context(), bodyBytesKey{}, buf)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func accessLogMiddleware(log *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", events.RequestID(r.Context()),
			)
		})
	}
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
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

// handleError maps engine error kinds onto the envelope.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch code := engine.Outcome(err); code {
	case "not_found":
		return newAPIError(http.StatusNotFound, code, err.Error(), nil)
	case "invalid_configuration":
		return newAPIError(http.StatusBadRequest, code, err.Error(), configErrorDetails(err))
	case "invalid_argument":
		return newAPIError(http.StatusBadRequest, code, err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath, title string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath, title))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string, authEnabled bool) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			if authEnabled {
				applyAuthSecurity(oas)
			}
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
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

// applyAuthSecurity marks mutating operations as requiring a bearer token.
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
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Put, item.Post, item.Delete, item.Patch} {
			if op != nil {
				op.Security = security
			}
		}
	}
}

func swaggerHTML(basePath, title string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>%s Docs</title>
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
  </body>
</html>`, title, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Tags:        []string{"health"},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerIntersections(api huma.API, e *engine.Engine) {
	type intersectionPath struct {
		ID string `path:"id" doc:"Intersection identifier"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-intersections",
		Method:      http.MethodGet,
		Path:        "/intersections",
		Summary:     "List intersections",
		Tags:        []string{"intersections"},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body IntersectionsListResponse `json:"body"`
	}, error) {
		return &struct {
			Body IntersectionsListResponse `json:"body"`
		}{Body: listResponse(e.ListIntersections(ctx))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-intersection",
		Method:      http.MethodGet,
		Path:        "/intersections/{id}",
		Summary:     "Get intersection configuration",
		Tags:        []string{"intersections"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *intersectionPath) (*struct {
		Body IntersectionConfigResponse `json:"body"`
	}, error) {
		cfg, err := e.GetConfig(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IntersectionConfigResponse `json:"body"`
		}{Body: configResponse(cfg)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-intersection-state",
		Method:      http.MethodGet,
		Path:        "/intersections/{id}/state",
		Summary:     "Get current traffic light state",
		Tags:        []string{"intersections"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *intersectionPath) (*struct {
		Body StateResponse `json:"body"`
	}, error) {
		snap, err := e.GetState(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StateResponse `json:"body"`
		}{Body: stateResponse(snap)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "tick-intersection",
		Method:      http.MethodPost,
		Path:        "/intersections/{id}/tick",
		Summary:     "Advance simulation time",
		Tags:        []string{"intersections"},
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string      `path:"id" doc:"Intersection identifier"`
		Body TickRequest `json:"body"`
	}) (*struct {
		Body StateResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		snap, err := e.AdvanceTime(ctx, input.ID, input.Body.Seconds)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StateResponse `json:"body"`
		}{Body: stateResponse(snap)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reset-intersection",
		Method:      http.MethodPost,
		Path:        "/intersections/{id}/reset",
		Summary:     "Reset simulation for intersection",
		Tags:        []string{"intersections"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *intersectionPath) (*struct {
		Body StateResponse `json:"body"`
	}, error) {
		snap, err := e.Reset(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StateResponse `json:"body"`
		}{Body: stateResponse(snap)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "upsert-intersection",
		Method:      http.MethodPut,
		Path:        "/intersections/{id}",
		Summary:     "Create or replace intersection configuration",
		Tags:        []string{"intersections"},
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ID   string                    `path:"id" doc:"Intersection identifier"`
		Body UpsertIntersectionRequest `json:"body"`
	}) (*struct {
		Body IntersectionConfigResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.ID != "" && input.Body.ID != input.ID {
			return nil, newAPIError(http.StatusBadRequest, "invalid_argument", "intersection id in path and body must match",
				map[string]any{"path_id": input.ID, "body_id": input.Body.ID})
		}
		cfg, err := e.Upsert(ctx, input.ID, input.Body.Name, input.Body.Phases)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IntersectionConfigResponse `json:"body"`
		}{Body: configResponse(cfg)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-intersection",
		Method:        http.MethodDelete,
		Path:          "/intersections/{id}",
		Summary:       "Delete intersection",
		Tags:          []string{"intersections"},
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *intersectionPath) (*struct{}, error) {
		if err := e.Delete(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent journal events",
		Tags:        []string{"events"},
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		IntersectionID string `query:"intersection_id"`
		Limit          int    `query:"limit" default:"50"`
	}) (*struct {
		Body EventsResponse `json:"body"`
	}, error) {
		items, err := e.Events(ctx, normalizeLimit(input.Limit), input.IntersectionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventsResponse `json:"body"`
		}{Body: eventsResponse(items)}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	return nil
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
