package server

import (
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

	"forgeline/internal/classify"
	"forgeline/internal/engine"
	"forgeline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"gate_conflict"`
	Message string         `json:"message" example:"gate already approved"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the uniform error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Forgeline API.
func New(cfg Config) (http.Handler, error) {
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Forgeline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerTenants(group, cfg.Engine)
	registerSpecs(group, cfg.Engine)
	registerRuns(group, cfg.Engine)
	registerGates(group, cfg.Engine)
	registerClassify(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

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
	var ce engine.ConflictError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "conflict", ce.Message, nil)
	}
	if errors.Is(err, repo.ErrVersionConflict) {
		return newAPIError(http.StatusConflict, "version_conflict", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "no longer in status"),
		strings.Contains(lowered, "is not pending"),
		strings.Contains(lowered, "already"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func tenantOrDefault(requested string, e engine.Engine) string {
	if requested != "" {
		return requested
	}
	if e.Config != nil {
		return e.Config.Tenant.ID
	}
	return ""
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
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
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
	open := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
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
    <title>Forgeline API Docs</title>
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

func registerDevAuth(api huma.API, auth AuthConfig) {
	if !auth.DevMode {
		return
	}
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "Mint a development token",
	}, func(ctx context.Context, input *struct {
		Body struct {
			ActorID string   `json:"actor_id"`
			Roles   []string `json:"roles,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if input.Body.ActorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		roles := input.Body.Roles
		if len(roles) == 0 {
			roles = []string{"owner"}
		}
		token, err := IssueToken(auth.JWTSecret, input.Body.ActorID, roles, 12*time.Hour)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"token": token}}, nil
	})
}

func registerTenants(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-tenant",
		Method:        http.MethodPost,
		Path:          "/tenants",
		Summary:       "Create tenant",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateTenantRequest `json:"body"`
	}) (*struct {
		Body TenantResponse `json:"body"`
	}, error) {
		if input.Body.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		if authErr := requirePermission(ctx, e.Config, "spec.write"); authErr != nil {
			return nil, authErr
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.InitTenant(ctx, input.Body.ID, input.Body.Name, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TenantResponse `json:"body"`
		}{Body: tenantResponse(t)}, nil
	})
}

func registerSpecs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-spec",
		Method:        http.MethodPost,
		Path:          "/specs",
		Summary:       "Create scaffold spec",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CreateSpecRequest `json:"body"`
	}) (*struct {
		Body SpecResponse `json:"body"`
	}, error) {
		if authErr := requirePermission(ctx, e.Config, "spec.write"); authErr != nil {
			return nil, authErr
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.SpecCreateOptions{
			TenantID: tenantOrDefault(input.Body.TenantID, e),
			Name:     input.Body.Name,
			Mode:     input.Body.Mode,
			Brief:    input.Body.Brief,
			ActorID:  actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.Shape != nil {
			shape, err := json.Marshal(input.Body.Shape)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid shape", nil)
			}
			opts.ShapeJSON = string(shape)
		}
		s, err := e.CreateSpec(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SpecResponse `json:"body"`
		}{Body: specResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-specs",
		Method:      http.MethodGet,
		Path:        "/specs",
		Summary:     "List scaffold specs",
	}, func(ctx context.Context, input *struct {
		TenantID string `query:"tenant_id"`
	}) (*struct {
		Body []SpecResponse `json:"body"`
	}, error) {
		if authErr := requirePermission(ctx, e.Config, "run.read"); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListSpecs(ctx, tenantOrDefault(input.TenantID, e))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []SpecResponse `json:"body"`
		}{Body: mapSpecs(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-spec",
		Method:      http.MethodGet,
		Path:        "/specs/{spec_id}",
		Summary:     "Get scaffold spec",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SpecID string `path:"spec_id"`
	}) (*struct {
		Body SpecResponse `json:"body"`
	}, error) {
		if authErr := requirePermission(ctx, e.Config, "run.read"); authErr != nil {
			return nil, authErr
		}
		s, err := e.Repo.GetSpec(ctx, input.SpecID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SpecResponse `json:"body"`
		}{Body: specResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "plan-spec",
		Method:        http.MethodPost,
		Path:          "/specs/{spec_id}/plan",
		Summary:       "Generate a plan version for a spec",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusConflict, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SpecID string `path:"spec_id"`
	}) (*struct {
		Body PlanResponse `json:"body"`
	}, error) {
		if authErr := requirePermission(ctx, e.Config, "spec.write"); authErr != nil {
			return nil, authErr
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.PlanSpec(ctx, input.SpecID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PlanResponse `json:"body"`
		}{Body: planResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-plans",
		Method:      http.MethodGet,
		Path:        "/specs/{spec_id}/plans",
		Summary:     "List plan versions for a spec",
	}, func(ctx context.Context, input *struct {
		SpecID string `path:"spec_id"`
	}) (*struct {
		Body []PlanResponse `json:"body"`
	}, error) {
		if authErr := requirePermission(ctx, e.Config, "run.read"); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListPlans(ctx, input.SpecID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []PlanResponse `json:"body"`
		}{Body: mapPlans(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-spec",
		Method:      http.MethodPost,
		Path:        "/specs/{spec_id}/approve",
		Summary:     "Approve a planned spec",
		Errors:      []int{http.StatusConflict, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SpecID string `path:"spec_id"`
	}) (*struct {
		Body SpecResponse `json:"body"`
	}, error) {
		if authErr := requirePermission(ctx, e.Config, "spec.write"); authErr != nil {
			return nil, authErr
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.ApproveSpec(ctx, input.SpecID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SpecResponse `json:"body"`
		}{Body: specResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "archive-spec",
		Method:      http.MethodPost,
		Path:        "/specs/{spec_id}/archive",
		Summary:     "Archive a spec",
		Errors:      []int{http.StatusConflict, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SpecID string `path:"spec_id"`
	}) (*struct {
		Body SpecResponse `json:"body"`
	}, error) {
		if authErr := requirePermission(ctx, e.Config, "spec.write"); authErr != nil {
			return nil, authErr
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.ArchiveSpec(ctx, input.SpecID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SpecResponse `json:"body"`
		}{Body: specResponse(s)}, nil
	})
}

func registerRuns(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-run",
		Method:        http.MethodPost,
		Path:          "/runs",
		Summary:       "Start a build run",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body StartRunRequest `json:"body"`
	}) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		if authErr := requirePermission(ctx, e.Config, "run.write"); authErr != nil {
			return nil, authErr
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		run, err := e.StartRun(ctx, engine.RunStartOptions{
			SpecID:  input.Body.SpecID,
			PlanID:  input.Body.PlanID,
			ActorID: actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: runResponse(run)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List build runs",
	}, func(ctx context.Context, input *struct {
		TenantID string `query:"tenant_id"`
	}) (*struct {
		Body []RunResponse `json:"body"`
	}, error) {
		if authErr := requirePermission(ctx, e.Config, "run.read"); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListRuns(ctx, tenantOrDefault(input.TenantID, e))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []RunResponse `json:"body"`
		}{Body: mapRuns(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}",
		Summary:     "Get run with steps",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body RunDetailResponse `json:"body"`
	}, error) {
		if authErr := requirePermission(ctx, e.Config, "run.read"); authErr != nil {
			return nil, authErr
		}
		run, err := e.Repo.GetRun(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		steps, err := e.Repo.ListSteps(ctx, run.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunDetailResponse `json:"body"`
		}{Body: RunDetailResponse{
			RunResponse: runResponse(run),
			Steps:       mapSteps(steps),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retry-run",
		Method:      http.MethodPost,
		Path:        "/runs/{run_id}/retry",
		Summary:     "Retry the last failed step of a run",
		Errors:      []int{http.StatusConflict, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string          `path:"run_id"`
		Body  RetryRunRequest `json:"body"`
	}) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		if authErr := requirePermission(ctx, e.Config, "run.write"); authErr != nil {
			return nil, authErr
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		run, err := e.RetryRun(ctx, input.RunID, actorID, input.Body.Force)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: runResponse(run)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-run",
		Method:      http.MethodPost,
		Path:        "/runs/{run_id}/cancel",
		Summary:     "Cancel a run",
		Errors:      []int{http.StatusConflict, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		if authErr := requirePermission(ctx, e.Config, "run.write"); authErr != nil {
			return nil, authErr
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		run, err := e.CancelRun(ctx, input.RunID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: runResponse(run)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run-diff",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/diff",
		Summary:     "Get the run's diff artifact",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID     string `path:"run_id"`
		Iteration int    `query:"iteration"`
	}) (*struct {
		Body DiffResponse `json:"body"`
	}, error) {
		if authErr := requirePermission(ctx, e.Config, "run.read"); authErr != nil {
			return nil, authErr
		}
		run, err := e.Repo.GetRun(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		iteration := input.Iteration
		if iteration <= 0 {
			iteration = run.Iteration
		}
		d, err := e.Repo.GetDiffArtifact(ctx, run.ID, iteration)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DiffResponse `json:"body"`
		}{Body: diffResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run-eval",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/eval",
		Summary:     "Get the run's evaluation report",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID     string `path:"run_id"`
		Iteration int    `query:"iteration"`
	}) (*struct {
		Body EvalResponse `json:"body"`
	}, error) {
		if authErr := requirePermission(ctx, e.Config, "run.read"); authErr != nil {
			return nil, authErr
		}
		run, err := e.Repo.GetRun(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		iteration := input.Iteration
		if iteration <= 0 {
			iteration = run.Iteration
		}
		r, err := e.Repo.GetEvalReport(ctx, run.ID, iteration)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EvalResponse `json:"body"`
		}{Body: evalResponse(r)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-run-fixes",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/fixes",
		Summary:     "List auto-fix attempts for a run",
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body []AutoFixResponse `json:"body"`
	}, error) {
		if authErr := requirePermission(ctx, e.Config, "run.read"); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListAutoFixRuns(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []AutoFixResponse `json:"body"`
		}{Body: mapAutoFixes(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-run-deltas",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/deltas",
		Summary:     "List plan deltas recorded for a run",
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body []PlanDeltaResponse `json:"body"`
	}, error) {
		if authErr := requirePermission(ctx, e.Config, "run.read"); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListPlanDeltas(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []PlanDeltaResponse `json:"body"`
		}{Body: mapPlanDeltas(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-run-artifacts",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/artifacts",
		Summary:     "List packaged artifacts for a run",
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body []ArtifactResponse `json:"body"`
	}, error) {
		if authErr := requirePermission(ctx, e.Config, "run.read"); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListBuildArtifacts(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ArtifactResponse `json:"body"`
		}{Body: mapArtifacts(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-run-events",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/events",
		Summary:     "List audit events for a run",
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
		Limit int    `query:"limit" default:"100"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		if authErr := requirePermission(ctx, e.Config, "run.read"); authErr != nil {
			return nil, authErr
		}
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 100
		}
		items, err := e.Repo.RunEvents(ctx, input.RunID, limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(items)}, nil
	})
}

func registerGates(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-run-gates",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/gates",
		Summary:     "List approval gates for a run",
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body []GateResponse `json:"body"`
	}, error) {
		if authErr := requirePermission(ctx, e.Config, "run.read"); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListGates(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []GateResponse `json:"body"`
		}{Body: mapGates(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-run-escalations",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/escalations",
		Summary:     "List escalation gates raised for a run",
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body []GateResponse `json:"body"`
	}, error) {
		if authErr := requirePermission(ctx, e.Config, "run.read"); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListEscalationGates(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []GateResponse `json:"body"`
		}{Body: mapGates(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-gate",
		Method:      http.MethodGet,
		Path:        "/gates/{gate_id}",
		Summary:     "Get approval gate",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		GateID string `path:"gate_id"`
	}) (*struct {
		Body GateResponse `json:"body"`
	}, error) {
		if authErr := requirePermission(ctx, e.Config, "run.read"); authErr != nil {
			return nil, authErr
		}
		g, err := e.Repo.GetGate(ctx, input.GateID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GateResponse `json:"body"`
		}{Body: gateResponse(g)}, nil
	})

	// The comment body is optional; permission checks must run even when the
	// caller sends no body at all.
	resolve := func(approve bool) func(ctx context.Context, input *struct {
		GateID string             `path:"gate_id"`
		Body   *ResolveGateRequest `json:"body" required:"false"`
	}) (*struct {
		Body GateResponse `json:"body"`
	}, error) {
		return func(ctx context.Context, input *struct {
			GateID string             `path:"gate_id"`
			Body   *ResolveGateRequest `json:"body" required:"false"`
		}) (*struct {
			Body GateResponse `json:"body"`
		}, error) {
			if authErr := requirePermission(ctx, e.Config, "gate.resolve"); authErr != nil {
				return nil, authErr
			}
			reviewerID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			notes := ""
			if input.Body != nil {
				notes = input.Body.Notes
			}
			g, err := e.ResolveGate(ctx, input.GateID, approve, reviewerID, notes)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body GateResponse `json:"body"`
			}{Body: gateResponse(g)}, nil
		}
	}

	huma.Register(api, huma.Operation{
		OperationID: "approve-gate",
		Method:      http.MethodPost,
		Path:        "/gates/{gate_id}/approve",
		Summary:     "Approve a pending gate",
		Errors:      []int{http.StatusConflict, http.StatusForbidden, http.StatusNotFound},
	}, resolve(true))

	huma.Register(api, huma.Operation{
		OperationID: "reject-gate",
		Method:      http.MethodPost,
		Path:        "/gates/{gate_id}/reject",
		Summary:     "Reject a pending gate",
		Errors:      []int{http.StatusConflict, http.StatusForbidden, http.StatusNotFound},
	}, resolve(false))
}

func registerClassify(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "classify-failure",
		Method:      http.MethodPost,
		Path:        "/classify",
		Summary:     "Classify failure evidence",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body ClassifyRequest `json:"body"`
	}) (*struct {
		Body ClassifyResponse `json:"body"`
	}, error) {
		if authErr := requirePermission(ctx, e.Config, "classify.run"); authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.Logs) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "logs are required", nil)
		}
		sig := classify.Classify(classify.Input{
			StepName:  input.Body.StepName,
			Logs:      input.Body.Logs,
			Artifacts: input.Body.Artifacts,
		})
		return &struct {
			Body ClassifyResponse `json:"body"`
		}{Body: ClassifyResponse{
			Category:       string(sig.Category),
			Severity:       string(sig.Severity),
			CanRetry:       sig.CanRetry,
			RequiresReplan: sig.RequiresReplan,
			Confidence:     sig.Confidence,
			RetryAfterMS:   sig.RetryAfter.Milliseconds(),
			Evidence:       sig.Evidence,
		}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List audit events",
	}, func(ctx context.Context, input *struct {
		TenantID string `query:"tenant_id"`
		AfterID  int64  `query:"after_id"`
		Limit    int    `query:"limit" default:"100"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		if authErr := requirePermission(ctx, e.Config, "run.read"); authErr != nil {
			return nil, authErr
		}
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 100
		}
		items, err := e.Repo.EventsAfter(ctx, limit, input.AfterID, tenantOrDefault(input.TenantID, e))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(items)}, nil
	})
}
