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

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"briefline/internal/domain"
	"briefline/internal/engine"
	"briefline/internal/fault"
	"briefline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"validation_failed"`
	Message string         `json:"message" example:"section 123 not in project 456"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Briefline API.
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
			// Schema/request validation errors should be 400 bad_request
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
	hcfg := huma.DefaultConfig("Briefline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerBriefs(group, cfg.Engine)
	registerRuns(group, cfg.Engine)
	registerProjects(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
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
	switch {
	case errors.Is(err, fault.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, fault.ErrUnavailable):
		return newAPIError(http.StatusBadGateway, "upstream_unavailable", err.Error(), nil)
	case errors.Is(err, fault.ErrMalformedResponse):
		return newAPIError(http.StatusBadGateway, "malformed_upstream_response", err.Error(), nil)
	case errors.Is(err, fault.ErrExtractionFailed):
		return newAPIError(http.StatusUnprocessableEntity, "extraction_failed", err.Error(), nil)
	case errors.Is(err, fault.ErrValidation):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
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
	case http.StatusBadGateway:
		return "upstream_unavailable"
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
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
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
    <title>Briefline API Docs</title>
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

func registerBriefs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "process-brief",
		Method:        http.MethodPost,
		Path:          "/briefs/process",
		Summary:       "Process a campaign brief",
		Description:   "Fetches the brief, extracts tasks, resolves custom fields and creates the tasks in the target project.",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusBadGateway,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body ProcessBriefRequest
	}) (*struct {
		Body RunSummary `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.DocURL) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "doc_url is required", nil)
		}
		res, err := e.ProcessBrief(ctx, engine.ProcessOptions{
			DocRef:      input.Body.DocURL,
			ProjectName: input.Body.Project,
			ProjectGID:  input.Body.ProjectGID,
			SectionGID:  input.Body.SectionGID,
			AssigneeGID: input.Body.AssigneeGID,
			Preview:     input.Body.Preview,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunSummary `json:"body"`
		}{Body: toRunSummary(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "preview-brief",
		Method:      http.MethodPost,
		Path:        "/briefs/preview",
		Summary:     "Preview a campaign brief",
		Description: "Extraction and field resolution only; nothing is created in the external system.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusBadGateway,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body ProcessBriefRequest
	}) (*struct {
		Body RunSummary `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.DocURL) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "doc_url is required", nil)
		}
		res, err := e.ProcessBrief(ctx, engine.ProcessOptions{
			DocRef:      input.Body.DocURL,
			ProjectName: input.Body.Project,
			ProjectGID:  input.Body.ProjectGID,
			SectionGID:  input.Body.SectionGID,
			Preview:     true,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunSummary `json:"body"`
		}{Body: toRunSummary(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-target",
		Method:      http.MethodGet,
		Path:        "/briefs/verify",
		Summary:     "Verify a target project and section",
		Errors: []int{
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusBadGateway,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectGID string `query:"project_gid"`
		SectionGID string `query:"section_gid"`
	}) (*struct {
		Body engine.VerifyResult `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		res, err := e.VerifyTarget(ctx, input.ProjectGID, input.SectionGID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.VerifyResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerRuns(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List runs",
	}, func(ctx context.Context, input *struct {
		Status     string `query:"status" enum:"pending,running,completed,failed"`
		ProjectGID string `query:"project_gid"`
		Limit      int    `query:"limit"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body struct {
			Runs       []domain.Run `json:"runs"`
			NextCursor string       `json:"next_cursor,omitempty"`
		} `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		filter := repo.RunFilter{Status: input.Status, ProjectGID: input.ProjectGID, Limit: input.Limit}
		if input.Cursor != "" {
			createdAt, id, ok := decodeCursor(input.Cursor)
			if !ok {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", nil)
			}
			filter.CursorCreatedAt = createdAt
			filter.CursorID = id
		}
		runs, err := e.Repo.ListRuns(ctx, filter)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Runs       []domain.Run `json:"runs"`
				NextCursor string       `json:"next_cursor,omitempty"`
			} `json:"body"`
		}{}
		out.Body.Runs = runs
		if filter.Limit > 0 && len(runs) == filter.Limit {
			last := runs[len(runs)-1]
			out.Body.NextCursor = encodeCursor(last.CreatedAt, last.ID)
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}",
		Summary:     "Get run with per-task outcomes",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body struct {
			Run   domain.Run       `json:"run"`
			Tasks []domain.RunTask `json:"tasks"`
		} `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		run, tasks, err := e.GetRun(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Run   domain.Run       `json:"run"`
				Tasks []domain.RunTask `json:"tasks"`
			} `json:"body"`
		}{}
		out.Body.Run = run
		out.Body.Tasks = tasks
		return out, nil
	})
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List registered projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			Projects []domain.ProjectConfig `json:"projects"`
		} `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		projects, err := e.Repo.ListProjectConfigs(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Projects []domain.ProjectConfig `json:"projects"`
			} `json:"body"`
		}{}
		out.Body.Projects = projects
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "register-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Register a project mapping",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body RegisterProjectRequest
	}) (*struct {
		Body domain.ProjectConfig `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		pc, err := e.RegisterProject(ctx, input.Body.Name, input.Body.ProjectGID, input.Body.SectionGID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ProjectConfig `json:"body"`
		}{Body: pc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "remove-project",
		Method:        http.MethodDelete,
		Path:          "/projects/{id}",
		Summary:       "Remove a registered project",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RemoveProject(ctx, input.ID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create an API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest
	}) (*struct {
		Body struct {
			ID      string `json:"id"`
			ActorID string `json:"actor_id"`
			Name    string `json:"name,omitempty"`
			Key     string `json:"key"`
		} `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		key, secret, err := e.CreateAPIKey(ctx, input.Body.ActorID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				ID      string `json:"id"`
				ActorID string `json:"actor_id"`
				Name    string `json:"name,omitempty"`
				Key     string `json:"key"`
			} `json:"body"`
		}{}
		out.Body.ID = key.ID
		out.Body.ActorID = key.ActorID
		out.Body.Name = key.Name
		out.Body.Key = secret
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys",
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body struct {
			Keys []domain.APIKey `json:"keys"`
		} `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		keys, err := e.Repo.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		for i := range keys {
			keys[i].KeyHash = "" // never expose stored hashes
		}
		out := &struct {
			Body struct {
				Keys []domain.APIKey `json:"keys"`
			} `json:"body"`
		}{}
		out.Body.Keys = keys
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-api-key",
		Method:        http.MethodDelete,
		Path:          "/apikeys/{id}",
		Summary:       "Revoke an API key",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.RevokeAPIKey(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
	}, func(ctx context.Context, input *struct {
		RunID string `query:"run_id"`
		Limit int    `query:"limit"`
		After int64  `query:"after"`
	}) (*struct {
		Body struct {
			Events []domain.Event `json:"events"`
		} `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		var (
			events []domain.Event
			err    error
		)
		if input.After > 0 {
			events, err = e.Repo.EventsAfter(ctx, input.Limit, input.After, input.RunID)
		} else {
			events, err = e.Repo.ListEvents(ctx, input.Limit, input.RunID)
		}
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Events []domain.Event `json:"events"`
			} `json:"body"`
		}{}
		out.Body.Events = events
		return out, nil
	})
}

func encodeCursor(createdAt, id string) string {
	return createdAt + "|" + id
}

func decodeCursor(cursor string) (createdAt, id string, ok bool) {
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
