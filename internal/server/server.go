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

	"mindwell/internal/domain"
	"mindwell/internal/engine"
	"mindwell/internal/llm"
	"mindwell/internal/plandoc"
	"mindwell/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"task_not_found"`
	Message string         `json:"message" example:"task not found in plan"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Mindwell API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Mindwell API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerPlans(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerDashboard(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerDevAuth(group, cfg.Auth)
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

// handleError maps engine failure modes onto the envelope. The four
// named plan-aggregation errors each get a distinct code so clients can
// tell "who is missing" apart without parsing messages.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	switch {
	case errors.Is(err, engine.ErrOwnerNotFound):
		return newAPIError(http.StatusNotFound, "owner_not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrPlanNotFound):
		return newAPIError(http.StatusNotFound, "plan_not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrTaskNotFound):
		return newAPIError(http.StatusNotFound, "task_not_found", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, llm.ErrNotConfigured):
		return newAPIError(http.StatusServiceUnavailable, "llm_not_configured", err.Error(), nil)
	}
	var parseErr *plandoc.ParseError
	if errors.As(err, &parseErr) {
		return newAPIError(http.StatusBadRequest, "invalid_plan_content", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
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

func registerPlans(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "save-plan",
		Method:        http.MethodPost,
		Path:          "/plans",
		Summary:       "Save a treatment plan",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body SavePlanRequest `json:"body"`
	}) (*struct {
		Body domain.Plan `json:"body"`
	}, error) {
		userID, authErr := ownerFromRequest(ctx, input.Body.UserID)
		if authErr != nil {
			return nil, authErr
		}
		planType := input.Body.PlanType
		if planType == "" {
			planType = "monthly"
		}
		p, err := e.SavePlan(ctx, engine.PlanSaveOptions{
			UserID:   userID,
			Name:     input.Body.Name,
			Content:  input.Body.Content,
			FlowData: input.Body.FlowData,
			PlanType: planType,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Plan `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "save-daily-plan",
		Method:        http.MethodPost,
		Path:          "/plans/daily",
		Summary:       "Save a daily healing plan",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body SavePlanRequest `json:"body"`
	}) (*struct {
		Body domain.Plan `json:"body"`
	}, error) {
		userID, authErr := ownerFromRequest(ctx, input.Body.UserID)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.SavePlan(ctx, engine.PlanSaveOptions{
			UserID:   userID,
			Name:     input.Body.Name,
			Content:  input.Body.Content,
			FlowData: input.Body.FlowData,
			PlanType: "daily",
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Plan `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-plans",
		Method:      http.MethodGet,
		Path:        "/plans",
		Summary:     "List plans",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		UserID   int64  `query:"user_id" required:"false"`
		Status   string `query:"status" required:"false"`
		PlanType string `query:"plan_type" required:"false"`
	}) (*struct {
		Body struct {
			Plans []domain.PlanSummary `json:"plans"`
		} `json:"body"`
	}, error) {
		userID, authErr := ownerFromRequest(ctx, input.UserID)
		if authErr != nil {
			return nil, authErr
		}
		plans, err := e.ListPlans(ctx, userID, input.Status, input.PlanType)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Plans []domain.PlanSummary `json:"plans"`
			} `json:"body"`
		}{}
		out.Body.Plans = make([]domain.PlanSummary, 0, len(plans))
		for _, p := range plans {
			out.Body.Plans = append(out.Body.Plans, engine.PlanSummaryOf(p))
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-plan",
		Method:      http.MethodDelete,
		Path:        "/plans/{plan_id}",
		Summary:     "Delete a plan",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PlanID int64 `path:"plan_id"`
		UserID int64 `query:"user_id" required:"false"`
	}) (*struct {
		Body DeleteResponse `json:"body"`
	}, error) {
		userID, authErr := ownerFromRequest(ctx, input.UserID)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeletePlan(ctx, userID, input.PlanID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DeleteResponse `json:"body"`
		}{Body: DeleteResponse{Deleted: true}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-daily-plans",
		Method:      http.MethodDelete,
		Path:        "/plans/daily",
		Summary:     "Delete all daily plans",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		UserID int64 `query:"user_id" required:"false"`
	}) (*struct {
		Body DeleteDailyPlansResponse `json:"body"`
	}, error) {
		userID, authErr := ownerFromRequest(ctx, input.UserID)
		if authErr != nil {
			return nil, authErr
		}
		n, err := e.DeleteDailyPlans(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DeleteDailyPlansResponse `json:"body"`
		}{Body: DeleteDailyPlansResponse{DeletedCount: n}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "generate-plan",
		Method:        http.MethodPost,
		Path:          "/plans/generate",
		Summary:       "Generate a plan with the configured model",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Body GeneratePlanRequest `json:"body"`
	}) (*struct {
		Body domain.Plan `json:"body"`
	}, error) {
		userID, authErr := ownerFromRequest(ctx, input.Body.UserID)
		if authErr != nil {
			return nil, authErr
		}
		var (
			p   domain.Plan
			err error
		)
		switch input.Body.PlanType {
		case "monthly":
			p, err = e.GenerateMonthlyPlan(ctx, userID, input.Body.Prompt, input.Body.FlowData)
		case "daily":
			p, err = e.GenerateDailyPlan(ctx, userID, input.Body.Prompt, input.Body.FlowData)
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", fmt.Sprintf("invalid plan type %q", input.Body.PlanType), nil)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Plan `json:"body"`
		}{Body: p}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "today-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks/today",
		Summary:     "Tasks scheduled for a date (default today)",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		UserID int64  `query:"user_id" required:"false"`
		Date   string `query:"date" required:"false" example:"2024-03-15"`
	}) (*struct {
		Body domain.TaskList `json:"body"`
	}, error) {
		userID, authErr := ownerFromRequest(ctx, input.UserID)
		if authErr != nil {
			return nil, authErr
		}
		list, err := e.TodayTasks(ctx, userID, input.Date)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TaskList `json:"body"`
		}{Body: list}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task-status",
		Method:      http.MethodPut,
		Path:        "/tasks/status",
		Summary:     "Set one task's completed flag",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body UpdateTaskStatusRequest `json:"body"`
	}) (*struct {
		Body domain.TaskStatusUpdate `json:"body"`
	}, error) {
		userID, authErr := ownerFromRequest(ctx, input.Body.UserID)
		if authErr != nil {
			return nil, authErr
		}
		upd, err := e.UpdateTaskStatus(ctx, userID, input.Body.PlanID, input.Body.Date, input.Body.Day, input.Body.Completed)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TaskStatusUpdate `json:"body"`
		}{Body: upd}, nil
	})
}

func registerDashboard(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "dashboard",
		Method:      http.MethodGet,
		Path:        "/dashboard",
		Summary:     "Rolling completion statistics, today's items and all plans",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		UserID int64 `query:"user_id" required:"false"`
	}) (*struct {
		Body domain.Dashboard `json:"body"`
	}, error) {
		userID, authErr := ownerFromRequest(ctx, input.UserID)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.Dashboard(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Dashboard `json:"body"`
		}{Body: d}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Recent audit events for the authenticated user",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" required:"false"`
	}) (*struct {
		Body struct {
			Events []domain.Event `json:"events"`
		} `json:"body"`
	}, error) {
		userID, authErr := ownerFromRequest(ctx, 0)
		if authErr != nil {
			return nil, authErr
		}
		events, err := e.Repo.LatestEvents(ctx, input.Limit, userID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Events []domain.Event `json:"events"`
			} `json:"body"`
		}{}
		out.Body.Events = events
		if out.Body.Events == nil {
			out.Body.Events = []domain.Event{}
		}
		return out, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if input.Body.UserID <= 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, input.Body.UserID, 24*time.Hour)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
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
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	devLoginPath := path.Join("/", basePath, "auth/dev/login")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath || route == devLoginPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", basePath, "openapi.json")
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Mindwell API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt;.
    </p>
  </body>
</html>`, specURL)
}
