// Package server exposes the provisioning API over HTTP. Handlers are thin:
// they validate input, call the engine and map errors onto one envelope.
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
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"provline/internal/engine"
	"provline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"portfolio not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Provline API.
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
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Provline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerPortfolios(group, cfg.Engine)
	registerTaskOrders(group, cfg.Engine)
	registerApplications(group, cfg.Engine)
	registerProvisioning(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

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
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "already claimed"):
		return newAPIError(http.StatusConflict, "claim_conflict", msg, nil)
	case strings.Contains(lowered, "cannot be restarted") || strings.Contains(lowered, "cannot advance"):
		return newAPIError(http.StatusUnprocessableEntity, "invalid_state", msg, nil)
	case strings.Contains(lowered, "already signed") || strings.Contains(lowered, "is deleted"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") || strings.Contains(lowered, "must be"):
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

func bodyBytes(ctx context.Context) []byte {
	if b, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return b
	}
	return nil
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
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Provline API Docs</title>
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

func registerPortfolios(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-portfolio",
		Method:        http.MethodPost,
		Path:          "/portfolios",
		Summary:       "Create portfolio",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreatePortfolioRequest `json:"body"`
	}) (*struct {
		Body PortfolioResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		desc := ""
		if input.Body.Description != nil {
			desc = *input.Body.Description
		}
		p, err := e.CreatePortfolio(ctx, input.Body.Name, desc, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PortfolioResponse `json:"body"`
		}{Body: portfolioResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-portfolios",
		Method:      http.MethodGet,
		Path:        "/portfolios",
		Summary:     "List portfolios",
	}, func(ctx context.Context, input *struct {
		IncludeDeleted bool `query:"include_deleted"`
	}) (*struct {
		Body []PortfolioResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListPortfolios(ctx, input.IncludeDeleted)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []PortfolioResponse `json:"body"`
		}{Body: mapPortfolios(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-portfolio",
		Method:      http.MethodGet,
		Path:        "/portfolios/{portfolio_id}",
		Summary:     "Get portfolio",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PortfolioID string `path:"portfolio_id"`
	}) (*struct {
		Body PortfolioResponse `json:"body"`
	}, error) {
		p, err := e.Repo.GetPortfolio(ctx, input.PortfolioID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PortfolioResponse `json:"body"`
		}{Body: portfolioResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-portfolio",
		Method:      http.MethodDelete,
		Path:        "/portfolios/{portfolio_id}",
		Summary:     "Delete portfolio",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		PortfolioID string `path:"portfolio_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeletePortfolio(ctx, input.PortfolioID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerTaskOrders(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task-order",
		Method:        http.MethodPost,
		Path:          "/portfolios/{portfolio_id}/task-orders",
		Summary:       "Add task order",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		PortfolioID string                 `path:"portfolio_id"`
		Body        CreateTaskOrderRequest `json:"body"`
	}) (*struct {
		Body TaskOrderResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Number == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "number is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		to, err := e.AddTaskOrder(ctx, input.PortfolioID, input.Body.Number, input.Body.Signed, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskOrderResponse `json:"body"`
		}{Body: taskOrderResponse(to)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sign-task-order",
		Method:      http.MethodPost,
		Path:        "/task-orders/{id}/sign",
		Summary:     "Sign task order",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body TaskOrderResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.SignTaskOrder(ctx, input.ID, actorID); err != nil {
			return nil, handleError(err)
		}
		to, err := e.Repo.GetTaskOrder(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskOrderResponse `json:"body"`
		}{Body: taskOrderResponse(to)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-clin",
		Method:        http.MethodPost,
		Path:          "/task-orders/{id}/clins",
		Summary:       "Add CLIN",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body CreateCLINRequest `json:"body"`
	}) (*struct {
		Body CLINResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.AddCLIN(ctx, input.ID, input.Body.Number, input.Body.StartDate, input.Body.EndDate, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CLINResponse `json:"body"`
		}{Body: clinResponse(c)}, nil
	})
}

func registerApplications(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-application",
		Method:        http.MethodPost,
		Path:          "/portfolios/{portfolio_id}/applications",
		Summary:       "Create application",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		PortfolioID string                   `path:"portfolio_id"`
		Body        CreateApplicationRequest `json:"body"`
	}) (*struct {
		Body ApplicationResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		app, err := e.CreateApplication(ctx, input.PortfolioID, input.Body.Name, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApplicationResponse `json:"body"`
		}{Body: applicationResponse(app)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-applications",
		Method:      http.MethodGet,
		Path:        "/portfolios/{portfolio_id}/applications",
		Summary:     "List applications",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PortfolioID string `path:"portfolio_id"`
	}) (*struct {
		Body []ApplicationResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetPortfolio(ctx, input.PortfolioID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListApplications(ctx, input.PortfolioID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ApplicationResponse `json:"body"`
		}{Body: mapApplications(items)}, nil
	})
}

func registerProvisioning(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "provisioning-status",
		Method:      http.MethodGet,
		Path:        "/portfolios/{portfolio_id}/provisioning",
		Summary:     "Provisioning status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PortfolioID string `path:"portfolio_id"`
	}) (*struct {
		Body ProvisioningResponse `json:"body"`
	}, error) {
		sm, err := e.GetOrCreateStateMachine(ctx, input.PortfolioID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProvisioningResponse `json:"body"`
		}{Body: provisioningResponse(sm)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "restart-provisioning",
		Method:      http.MethodPost,
		Path:        "/portfolios/{portfolio_id}/provisioning/restart",
		Summary:     "Restart a failed provisioning stage",
		Errors: []int{
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		PortfolioID string `path:"portfolio_id"`
	}) (*struct {
		Body ProvisioningResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		sm, err := e.RestartStage(ctx, input.PortfolioID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProvisioningResponse `json:"body"`
		}{Body: provisioningResponse(sm)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		PortfolioID string `query:"portfolio_id"`
		Type        string `query:"type"`
		Limit       int    `query:"limit" default:"50"`
		Cursor      string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 200 {
			limit = 50
		}
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.ListEvents(ctx, repo.EventFilters{
			PortfolioID: input.PortfolioID,
			Type:        input.Type,
			Limit:       limit + 1,
			CursorID:    cursorID,
		})
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
