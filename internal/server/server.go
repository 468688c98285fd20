// Package server exposes the relay over HTTP. Handlers validate input and
// delegate to the relay service and the registry; no coordination logic lives
// here.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fedrelay/internal/mailbox"
	"fedrelay/internal/registry"
	"fedrelay/internal/relay"
	"fedrelay/internal/repo"
	"fedrelay/internal/run"
	"fedrelay/internal/worker"
)

// Config for the HTTP API handler.
type Config struct {
	Relay    *relay.Service
	Registry *registry.Registry
	Repo     repo.Repo
	BasePath string
	Auth     AuthConfig
	// Gatherer serves GET /metrics when set.
	Gatherer prometheus.Gatherer
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"cannot start run in state running"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the relay API.
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Repo))
	if cfg.Gatherer != nil {
		router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	hcfg := huma.DefaultConfig("Fedrelay API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerSites(group, cfg)
	registerProjects(group, cfg)
	registerRuns(group, cfg)
	registerMessages(group, cfg)
	registerEvents(group, cfg)
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
	case errors.Is(err, relay.ErrUnauthorizedCaller):
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	case errors.Is(err, run.ErrInvalidTransition):
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), nil)
	case errors.Is(err, registry.ErrTasksFrozen):
		return newAPIError(http.StatusConflict, "tasks_frozen", err.Error(), nil)
	case errors.Is(err, mailbox.ErrStaleCursor):
		return newAPIError(http.StatusGone, "stale_cursor", err.Error(), nil)
	case errors.Is(err, mailbox.ErrUnknownRecipient):
		return newAPIError(http.StatusNotFound, "unknown_recipient", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, worker.ErrQueueFull):
		return newAPIError(http.StatusServiceUnavailable, "overloaded", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") || strings.Contains(lowered, "cannot") {
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
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusGone:
		return "stale_cursor"
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

func registerSites(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-site",
		Method:        http.MethodPost,
		Path:          "/sites",
		Summary:       "Register site",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body RegisterSiteRequest `json:"body"`
	}) (*struct {
		Body RegisterSiteResponse `json:"body"`
	}, error) {
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		id := ""
		if input.Body.ID != nil {
			id = *input.Body.ID
		}
		site, key, err := cfg.Registry.RegisterSite(ctx, id, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RegisterSiteResponse `json:"body"`
		}{Body: RegisterSiteResponse{Site: site, APIKey: key}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sites",
		Method:      http.MethodGet,
		Path:        "/sites",
		Summary:     "List sites",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []siteListItem `json:"body"`
	}, error) {
		if _, authErr := siteIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := cfg.Repo.ListSites(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]siteListItem, 0, len(items))
		for _, s := range items {
			res = append(res, siteListItem{ID: s.ID, Name: s.Name, Status: s.Status, LastSeenAt: s.LastSeenAt, CreatedAt: s.CreatedAt})
		}
		return &struct {
			Body []siteListItem `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "issue-site-key",
		Method:        http.MethodPost,
		Path:          "/sites/{site_id}/keys",
		Summary:       "Issue an additional API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SiteID string          `path:"site_id"`
		Body   IssueKeyRequest `json:"body"`
	}) (*struct {
		Body IssueKeyResponse `json:"body"`
	}, error) {
		caller, authErr := siteIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		// A site may only mint keys for itself.
		if caller != input.SiteID {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "cannot issue keys for another site", nil)
		}
		key, err := cfg.Registry.IssueKey(ctx, input.SiteID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IssueKeyResponse `json:"body"`
		}{Body: IssueKeyResponse{APIKey: key}}, nil
	})
}

type siteListItem struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Status     string  `json:"status"`
	LastSeenAt *string `json:"last_seen_at,omitempty" format:"date-time"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
}

func registerProjects(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body projectBody `json:"body"`
	}, error) {
		caller, authErr := siteIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		id := ""
		if input.Body.ID != nil {
			id = *input.Body.ID
		}
		p, err := cfg.Registry.CreateProject(ctx, id, input.Body.Name, caller)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body projectBody `json:"body"`
		}{Body: projectBody{ID: p.ID, CoordinatorID: p.CoordinatorID, Name: p.Name, Status: p.Status, CreatedAt: p.CreatedAt}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []projectBody `json:"body"`
	}, error) {
		if _, authErr := siteIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := cfg.Repo.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]projectBody, 0, len(items))
		for _, p := range items {
			res = append(res, projectBody{ID: p.ID, CoordinatorID: p.CoordinatorID, Name: p.Name, Status: p.Status, CreatedAt: p.CreatedAt})
		}
		return &struct {
			Body []projectBody `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body projectDetail `json:"body"`
	}, error) {
		if _, authErr := siteIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		p, err := cfg.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		participants, err := cfg.Repo.ListParticipants(ctx, p.ID)
		if err != nil {
			return nil, handleError(err)
		}
		tasks, err := cfg.Repo.ListTaskDefs(ctx, p.ID)
		if err != nil {
			return nil, handleError(err)
		}
		taskBodies := make([]taskBody, 0, len(tasks))
		for _, t := range tasks {
			taskBodies = append(taskBodies, taskBody{Ordinal: t.Ordinal, Name: t.Name, Params: json.RawMessage(t.ParamsJSON)})
		}
		if participants == nil {
			participants = []string{}
		}
		return &struct {
			Body projectDetail `json:"body"`
		}{Body: projectDetail{
			projectBody:  projectBody{ID: p.ID, CoordinatorID: p.CoordinatorID, Name: p.Name, Status: p.Status, CreatedAt: p.CreatedAt},
			Participants: participants,
			Tasks:        taskBodies,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-task",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/tasks",
		Summary:       "Append task definition",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string         `path:"project_id"`
		Body      AddTaskRequest `json:"body"`
	}) (*struct {
		Body taskBody `json:"body"`
	}, error) {
		caller, authErr := siteIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := cfg.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		if p.CoordinatorID != caller {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "only the coordinator defines tasks", nil)
		}
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		t, err := cfg.Registry.AddTask(ctx, input.ProjectID, input.Body.Name, input.Body.Params)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body taskBody `json:"body"`
		}{Body: taskBody{Ordinal: t.Ordinal, Name: t.Name, Params: json.RawMessage(t.ParamsJSON)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-participant",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/participants",
		Summary:       "Join a site to a project",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string                `path:"project_id"`
		Body      AddParticipantRequest `json:"body"`
	}) (*struct{}, error) {
		caller, authErr := siteIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		siteID := input.Body.SiteID
		if siteID == "" {
			siteID = caller
		}
		if siteID != caller {
			p, err := cfg.Repo.GetProject(ctx, input.ProjectID)
			if err != nil {
				return nil, handleError(err)
			}
			if p.CoordinatorID != caller {
				return nil, newAPIError(http.StatusForbidden, "forbidden", "only the coordinator enrolls other sites", nil)
			}
		}
		if err := cfg.Registry.AddParticipant(ctx, input.ProjectID, siteID, caller); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

type projectBody struct {
	ID            string `json:"id"`
	CoordinatorID string `json:"coordinator_id"`
	Name          string `json:"name"`
	Status        string `json:"status"`
	CreatedAt     string `json:"created_at" format:"date-time"`
}

type projectDetail struct {
	projectBody
	Participants []string   `json:"participants"`
	Tasks        []taskBody `json:"tasks"`
}

type taskBody struct {
	Ordinal int             `json:"ordinal"`
	Name    string          `json:"name"`
	Params  json.RawMessage `json:"params,omitempty"`
}

func registerRuns(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-run",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/runs",
		Summary:       "Create run",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body runBody `json:"body"`
	}, error) {
		caller, authErr := siteIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		r, err := cfg.Relay.CreateRun(ctx, input.ProjectID, caller)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body runBody `json:"body"`
		}{Body: runBody(r)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/runs",
		Summary:     "List runs",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body []runBody `json:"body"`
	}, error) {
		if _, authErr := siteIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := cfg.Repo.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		runs, err := cfg.Repo.ListRuns(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]runBody, 0, len(runs))
		for _, r := range runs {
			res = append(res, runBody(r))
		}
		return &struct {
			Body []runBody `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}",
		Summary:     "Run status",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body RunStatusResponse `json:"body"`
	}, error) {
		caller, authErr := siteIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		r, participants, err := cfg.Relay.RunStatus(ctx, input.RunID, caller)
		if err != nil {
			return nil, handleError(err)
		}
		warnings, err := cfg.Repo.ListWarnings(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunStatusResponse `json:"body"`
		}{Body: RunStatusResponse{Run: r, Participants: participants, Warnings: warnings}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-run-warnings",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/warnings",
		Summary:     "Delivery and liveness warnings for a run",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body []warningBody `json:"body"`
	}, error) {
		caller, authErr := siteIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, _, err := cfg.Relay.RunStatus(ctx, input.RunID, caller); err != nil {
			return nil, handleError(err)
		}
		warnings, err := cfg.Repo.ListWarnings(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]warningBody, 0, len(warnings))
		for _, w := range warnings {
			res = append(res, warningBody{SiteID: w.SiteID, Kind: w.Kind, Detail: w.Detail, CreatedAt: w.CreatedAt})
		}
		return &struct {
			Body []warningBody `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "issue-command",
		Method:      http.MethodPost,
		Path:        "/runs/{run_id}/commands",
		Summary:     "Issue a command to a run",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		RunID string              `path:"run_id"`
		Body  IssueCommandRequest `json:"body"`
	}) (*struct {
		Body runBody `json:"body"`
	}, error) {
		caller, authErr := siteIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Type == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "type is required", nil)
		}
		r, err := cfg.Relay.IssueCommand(ctx, input.RunID, caller, relay.Command{
			Type:       input.Body.Type,
			Parameters: input.Body.Parameters,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body runBody `json:"body"`
		}{Body: runBody(r)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "report-progress",
		Method:      http.MethodPost,
		Path:        "/runs/{run_id}/progress",
		Summary:     "Report participant progress",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		RunID string                `path:"run_id"`
		Body  ReportProgressRequest `json:"body"`
	}) (*struct {
		Body runBody `json:"body"`
	}, error) {
		caller, authErr := siteIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Status == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "status is required", nil)
		}
		r, err := cfg.Relay.ReportProgress(ctx, input.RunID, caller, input.Body.TaskOrdinal, input.Body.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body runBody `json:"body"`
		}{Body: runBody(r)}, nil
	})
}

type warningBody struct {
	SiteID    string `json:"site_id"`
	Kind      string `json:"kind"`
	Detail    string `json:"detail,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// runBody mirrors domain.Run for responses.
type runBody struct {
	ID            string  `json:"id"`
	ProjectID     string  `json:"project_id"`
	State         string  `json:"state" enum:"created,starting,running,stopping,completed,stopped,failed"`
	Quorum        string  `json:"quorum"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	StartedAt     *string `json:"started_at,omitempty" format:"date-time"`
	EndedAt       *string `json:"ended_at,omitempty" format:"date-time"`
	StopDeadline  *string `json:"stop_deadline,omitempty" format:"date-time"`
	FailureReason string  `json:"failure_reason,omitempty"`
}

func registerMessages(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "poll-messages",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/messages",
		Summary:     "Poll mailbox",
		Description: "Returns messages after the given cursor. Re-polling with the same cursor returns the same batch; advance with an explicit ack.",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusGone},
	}, func(ctx context.Context, input *struct {
		RunID  string `path:"run_id"`
		Cursor int64  `query:"cursor"`
		Max    int    `query:"max" default:"100"`
	}) (*struct {
		Body PollResponse `json:"body"`
	}, error) {
		caller, authErr := siteIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		msgs, next, err := cfg.Relay.Poll(ctx, input.RunID, caller, input.Cursor, input.Max)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PollResponse `json:"body"`
		}{Body: PollResponse{Messages: mapMessages(msgs), Next: next}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "ack-messages",
		Method:      http.MethodPost,
		Path:        "/runs/{run_id}/messages/ack",
		Summary:     "Acknowledge messages",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string     `path:"run_id"`
		Body  AckRequest `json:"body"`
	}) (*struct {
		Body runBody `json:"body"`
	}, error) {
		caller, authErr := siteIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		r, err := cfg.Relay.Ack(ctx, input.RunID, caller, input.Body.Cursor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body runBody `json:"body"`
		}{Body: runBody(r)}, nil
	})
}

func registerEvents(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Audit log",
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		if _, authErr := siteIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := cfg.Repo.ListEvents(ctx, input.ProjectID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]EventResponse, 0, len(items))
		for _, e := range items {
			res = append(res, eventResponse(e))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, swaggerHTML(basePath))
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
		path.Join(basePath, "health"): true,
		path.Join(basePath, "sites"):  true, // registration POST
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] && (route != path.Join(basePath, "sites") || op == item.Post) {
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
    <title>Fedrelay API Docs</title>
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
