package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"reflect"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"deviationsync/internal/domain"
	"deviationsync/internal/planner"
	"deviationsync/internal/repo"
)

// PlanFunc computes a plan preview without touching the sheet.
type PlanFunc func(ctx context.Context) (domain.SyncPlan, planner.Summary, error)

// Config for the HTTP API handler.
type Config struct {
	Repo     repo.Repo
	Sheet    string
	Plan     PlanFunc
	BasePath string
	Auth     AuthConfig
	// Gatherer backs /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the read API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Sheet == "" {
		return nil, errors.New("server sheet is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Repo))
	hcfg := huma.DefaultConfig("Deviation Sync API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerMe(group)
	registerPasses(group, cfg)
	registerRows(group, cfg)
	registerArchives(group, cfg)
	registerPlan(group, cfg)
	registerOpenAPI(router, api, basePath)
	if cfg.Gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	return router, nil
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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrLeaseHeld) {
		return newAPIError(http.StatusConflict, "lease_conflict", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
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
	case http.StatusConflict:
		return "conflict"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
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
	errSchema := &huma.Schema{Ref: "#/components/schemas/ApiError"}
	if oas.Components != nil && oas.Components.Schemas != nil {
		errSchema = oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {Schema: errSchema},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
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
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Deviation Sync API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "whoami",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current credential",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MeResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body MeResponse `json:"body"`
		}{Body: meResponse(p)}, nil
	})
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

func registerPasses(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-passes",
		Method:      http.MethodGet,
		Path:        "/passes",
		Summary:     "List passes, newest first",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"running,succeeded,aborted,failed,dry_run"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedPasses `json:"body"`
	}, error) {
		items, err := cfg.Repo.ListPasses(ctx, repo.PassFilters{Sheet: cfg.Sheet, Status: input.Status, Limit: normalizeLimit(input.Limit)})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedPasses{Items: make([]PassResponse, 0, len(items))}
		for _, p := range items {
			resp.Items = append(resp.Items, passResponse(p))
		}
		return &struct {
			Body paginatedPasses `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-pass",
		Method:      http.MethodGet,
		Path:        "/passes/{pass_id}",
		Summary:     "Get pass",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PassID string `path:"pass_id"`
	}) (*struct {
		Body PassResponse `json:"body"`
	}, error) {
		p, err := cfg.Repo.GetPass(ctx, input.PassID)
		if err != nil {
			return nil, handleError(err)
		}
		if p.Sheet != cfg.Sheet {
			return nil, handleError(repo.ErrNotFound)
		}
		return &struct {
			Body PassResponse `json:"body"`
		}{Body: passResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-pass-events",
		Method:      http.MethodGet,
		Path:        "/passes/{pass_id}/events",
		Summary:     "List events of a pass",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PassID string `path:"pass_id"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, err := cfg.Repo.GetPass(ctx, input.PassID); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := cfg.Repo.PassEvents(ctx, input.PassID, cursorID, limit+1)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerRows(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-rows",
		Method:      http.MethodGet,
		Path:        "/rows",
		Summary:     "List sheet rows",
	}, func(ctx context.Context, input *struct {
		ParentsOnly bool `query:"parents_only"`
	}) (*struct {
		Body rowList `json:"body"`
	}, error) {
		rows, err := cfg.Repo.ListSheetRows(ctx, cfg.Sheet)
		if err != nil {
			return nil, handleError(err)
		}
		resp := rowList{Items: []RowResponse{}}
		for _, r := range rows {
			if input.ParentsOnly && !r.IsParent() {
				continue
			}
			resp.Items = append(resp.Items, rowResponse(r))
		}
		return &struct {
			Body rowList `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-row",
		Method:      http.MethodGet,
		Path:        "/rows/{row_id}",
		Summary:     "Get sheet row",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RowID int64 `path:"row_id"`
	}) (*struct {
		Body RowResponse `json:"body"`
	}, error) {
		row, err := cfg.Repo.GetSheetRow(ctx, cfg.Sheet, input.RowID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RowResponse `json:"body"`
		}{Body: rowResponse(row)}, nil
	})
}

func registerArchives(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-archives",
		Method:      http.MethodGet,
		Path:        "/archives",
		Summary:     "List archived rows",
	}, func(ctx context.Context, input *struct {
		Category string `query:"category" enum:"deviation,product_complaint"`
		RecordID int64  `query:"record_id"`
		Limit    int    `query:"limit" default:"50"`
	}) (*struct {
		Body archiveList `json:"body"`
	}, error) {
		f := repo.ArchiveFilters{Sheet: cfg.Sheet, Category: input.Category, Limit: normalizeLimit(input.Limit)}
		if input.RecordID != 0 {
			f.RecordIDs = []int64{input.RecordID}
		}
		items, err := cfg.Repo.ListArchivedRows(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		resp := archiveList{Items: []ArchivedRowResponse{}}
		for _, a := range items {
			resp.Items = append(resp.Items, archivedRowResponse(a))
		}
		return &struct {
			Body archiveList `json:"body"`
		}{Body: resp}, nil
	})
}

func registerPlan(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "preview-plan",
		Method:      http.MethodGet,
		Path:        "/plan",
		Summary:     "Preview the next pass without applying it",
		Errors:      []int{http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body PlanResponse `json:"body"`
	}, error) {
		if cfg.Plan == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "plan_unavailable", "plan preview not configured", nil)
		}
		plan, summary, err := cfg.Plan(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PlanResponse `json:"body"`
		}{Body: planResponse(plan, summary)}, nil
	})
}
