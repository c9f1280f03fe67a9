package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"changegate/internal/domain"
	"changegate/internal/engine"
	"changegate/internal/engine/auth"
	"changegate/internal/metrics"
	"changegate/internal/notify"
	"changegate/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError is the failure envelope: {ok:false, error, code}.
type apiError struct {
	status  int
	OK      bool           `json:"ok"`
	Message string         `json:"error" example:"only approved submissions can be merged"`
	Code    string         `json:"code" example:"invalid_transition"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Message }

// New returns an HTTP handler exposing the changegate API.
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
			// Schema/request validation errors should be 400.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Engine.Logger
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(cfg.Auth.logger()))
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	router.Handle("/metrics", metrics.Handler())

	hcfg := huma.DefaultConfig("changegate API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group, cfg.Engine)
	registerSubmissions(group, cfg.Engine)
	registerPatch(group, cfg.Engine)
	registerSettings(group, cfg.Engine)
	registerWorkspace(group, cfg.Engine)
	registerPlanner(group, cfg.Engine)
	registerCheckpoints(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerNotifications(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status:  status,
		Message: message,
		Code:    code,
		Details: details,
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "validation_failed", err.Error(), map[string]any{"field": ve.Field})
	}
	if errors.Is(err, auth.ErrActorRequired) {
		return newAPIError(http.StatusUnauthorized, "unauthorized", err.Error(), nil)
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"role": fe.Role})
	}
	var te engine.TransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{"from": te.From, "to": te.To})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrConflict) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
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
    <title>changegate API Docs</title>
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

func registerHealth(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*output[HealthResponse], error) {
		counts, err := e.StatusCounts(ctx)
		if err != nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "store_unavailable", "store unavailable", map[string]any{"error": err.Error()})
		}
		return reply(HealthResponse{OK: true, Status: "ok", Counts: counts}), nil
	})
}

func registerSubmissions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-submission",
		Method:        http.MethodPost,
		Path:          "/submissions",
		Summary:       "Submit a change for scanning and review",
		DefaultStatus: http.StatusOK,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body SubmitRequest `json:"body"`
	}) (*output[SubmissionResponse], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "request body required", nil)
		}
		sub, err := e.Submit(ctx, actor, engine.SubmitInput{
			Title:       input.Body.Title,
			FeatureText: input.Body.FeatureText,
			CodeText:    input.Body.CodeText,
			Source:      input.Body.Source,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(SubmissionResponse{OK: true, Submission: sub}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-submissions",
		Method:      http.MethodGet,
		Path:        "/submissions",
		Summary:     "List submissions, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status   string `query:"status" enum:"blocked,pending_approval,approved,rejected,merged"`
		Severity string `query:"severity" enum:"low,medium,high,critical"`
		Limit    int    `query:"limit" default:"50"`
		Cursor   string `query:"cursor"`
	}) (*output[SubmissionListResponse], error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		cursorTS, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.ListSubmissions(ctx, repo.SubmissionFilters{
			Status:          input.Status,
			Severity:        input.Severity,
			Limit:           limit + 1,
			CursorCreatedAt: cursorTS,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := SubmissionListResponse{OK: true, Items: items}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
			resp.Items = items[:limit]
		}
		return reply(resp), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-submission",
		Method:      http.MethodGet,
		Path:        "/submissions/{id}",
		Summary:     "Get a submission",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *submissionPath) (*output[SubmissionResponse], error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		sub, err := e.GetSubmission(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(SubmissionResponse{OK: true, Submission: sub}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "review-submission",
		Method:      http.MethodPost,
		Path:        "/submissions/{id}/review",
		Summary:     "Approve or reject a submission",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body ReviewRequest `json:"body"`
	}) (*output[SubmissionResponse], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		sub, err := e.Review(ctx, actor, input.ID, input.Body.Decision, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(SubmissionResponse{OK: true, Submission: sub}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "merge-submission",
		Method:      http.MethodPost,
		Path:        "/submissions/{id}/merge",
		Summary:     "Mark an approved submission merged",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *submissionPath) (*output[SubmissionResponse], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		sub, err := e.Merge(ctx, actor, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(SubmissionResponse{OK: true, Submission: sub}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "rescan-submission",
		Method:      http.MethodPost,
		Path:        "/submissions/{id}/rescan",
		Summary:     "Re-run the scanner and policy gate on a blocked submission",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *submissionPath) (*output[SubmissionResponse], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		sub, err := e.Rescan(ctx, actor, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(SubmissionResponse{OK: true, Submission: sub}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "override-submission",
		Method:      http.MethodPost,
		Path:        "/submissions/{id}/override",
		Summary:     "Founder override of a blocked submission",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body OverrideRequest `json:"body"`
	}) (*output[SubmissionResponse], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		sub, err := e.Override(ctx, actor, input.ID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(SubmissionResponse{OK: true, Submission: sub}), nil
	})
}

type submissionPath struct {
	ID string `path:"id"`
}

func registerPatch(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "preview-submission",
		Method:      http.MethodPost,
		Path:        "/submissions/{id}/preview",
		Summary:     "Dry-run the submission patch against the working copy",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *submissionPath) (*output[PreviewResponse], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Preview(ctx, actor, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(PreviewResponse{OK: res.OK, Preview: res}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "apply-submission",
		Method:      http.MethodPost,
		Path:        "/submissions/{id}/apply",
		Summary:     "Checkpoint, apply the patch and optionally run tests",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body *ApplyRequest `json:"body,omitempty"`
	}) (*output[ApplyResponse], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var in engine.ApplyInput
		if input.Body != nil {
			in.RunTests = input.Body.RunTests
		}
		res, err := e.Apply(ctx, actor, input.ID, in)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(ApplyResponse{OK: res.OK, Result: res}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "draft-pr",
		Method:      http.MethodPost,
		Path:        "/submissions/{id}/pr-draft",
		Summary:     "Draft a pull request for a submission",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body *DraftRequest `json:"body,omitempty"`
	}) (*output[DraftResponse], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var in engine.DraftInput
		if input.Body != nil {
			in = input.Body.input()
		}
		res, err := e.DraftPR(ctx, actor, input.ID, in)
		if err != nil {
			return nil, handleError(err)
		}
		ok := res.MaterializeError == "" && res.PushError == ""
		return reply(DraftResponse{OK: ok, Draft: res}), nil
	})
}

func registerSettings(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-settings",
		Method:      http.MethodGet,
		Path:        "/settings",
		Summary:     "Get gate settings",
	}, func(ctx context.Context, _ *struct{}) (*output[SettingsResponse], error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		s, err := e.GetSettings(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(SettingsResponse{OK: true, Settings: s}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-settings",
		Method:      http.MethodPut,
		Path:        "/settings",
		Summary:     "Update gate settings (founder only)",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body SettingsRequest `json:"body"`
	}) (*output[SettingsResponse], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.SaveSettings(ctx, actor, input.Body.patch())
		if err != nil {
			return nil, handleError(err)
		}
		return reply(SettingsResponse{OK: true, Settings: s}), nil
	})
}

func registerWorkspace(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "workspace-inventory",
		Method:      http.MethodGet,
		Path:        "/workspace/inventory",
		Summary:     "Summarize the workspace layout",
	}, func(ctx context.Context, _ *struct{}) (*output[InventoryResponse], error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		inv, missing, err := e.Inventory(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(InventoryResponse{OK: true, Inventory: inv, MissingComponents: missing}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "workspace-placeholders",
		Method:      http.MethodGet,
		Path:        "/workspace/placeholders",
		Summary:     "Scan for TODO/FIXME style placeholders",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Roots       string `query:"roots" doc:"Comma separated workspace-relative roots"`
		MaxFindings int    `query:"max_findings"`
	}) (*output[PlaceholderResponse], error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		var roots []string
		for _, r := range strings.Split(input.Roots, ",") {
			if r = strings.TrimSpace(r); r != "" {
				roots = append(roots, r)
			}
		}
		rep, err := e.PlaceholderReport(ctx, roots, input.MaxFindings)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(PlaceholderResponse{OK: true, Report: rep}), nil
	})
}

func registerPlanner(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "run-planner",
		Method:      http.MethodPost,
		Path:        "/planner/run",
		Summary:     "Run the daily planner",
	}, func(ctx context.Context, input *struct {
		Body *PlannerRequest `json:"body,omitempty"`
	}) (*output[PlannerResponse], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var opts engine.PlannerOptions
		if input.Body != nil {
			opts.Force = input.Body.Force
		}
		res, err := e.RunDailyPlanner(ctx, actor, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(PlannerResponse{OK: true, Result: res}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-proposals",
		Method:      http.MethodGet,
		Path:        "/proposals",
		Summary:     "List planner proposals",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"pending_approval,approved,rejected"`
		Limit  int    `query:"limit" default:"50"`
	}) (*output[ProposalListResponse], error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.ListProposals(ctx, input.Status, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return reply(ProposalListResponse{OK: true, Items: items}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "review-proposal",
		Method:      http.MethodPost,
		Path:        "/proposals/{id}/review",
		Summary:     "Approve or reject a planner proposal",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body ReviewRequest `json:"body"`
	}) (*output[ProposalResponse], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.ReviewProposal(ctx, actor, input.ID, input.Body.Decision, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(ProposalResponse{OK: true, Proposal: p}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-feedback",
		Method:      http.MethodPost,
		Path:        "/feedback",
		Summary:     "Record feedback on a submission or proposal",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body FeedbackRequest `json:"body"`
	}) (*output[FeedbackResponse], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		fb, err := e.RecordFeedback(ctx, actor, engine.FeedbackInput{
			EntityID: input.Body.EntityID,
			Rating:   input.Body.Rating,
			Note:     input.Body.Note,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(FeedbackResponse{OK: true, Feedback: fb}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-feedback",
		Method:      http.MethodGet,
		Path:        "/feedback",
		Summary:     "List feedback, newest first",
	}, func(ctx context.Context, input *struct {
		EntityID string `query:"entity_id"`
	}) (*output[FeedbackListResponse], error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.ListFeedback(ctx, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(FeedbackListResponse{OK: true, Items: items}), nil
	})
}

func registerCheckpoints(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-checkpoints",
		Method:      http.MethodGet,
		Path:        "/checkpoints",
		Summary:     "List checkpoints, newest first",
	}, func(ctx context.Context, input *struct {
		SubmissionID string `query:"submission_id"`
		Limit        int    `query:"limit" default:"50"`
	}) (*output[CheckpointListResponse], error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.ListCheckpoints(ctx, input.SubmissionID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return reply(CheckpointListResponse{OK: true, Items: items}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-checkpoint",
		Method:      http.MethodGet,
		Path:        "/checkpoints/{id}",
		Summary:     "Get a checkpoint",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*output[CheckpointResponse], error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		cp, err := e.GetCheckpoint(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(CheckpointResponse{OK: true, Checkpoint: cp}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "restore-checkpoint",
		Method:      http.MethodPost,
		Path:        "/checkpoints/{id}/restore",
		Summary:     "Restore the working copy to a checkpoint (founder only)",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body RestoreRequest `json:"body"`
	}) (*output[RestoreResponse], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.RestoreCheckpoint(ctx, actor, input.ID, input.Body.Confirm)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(RestoreResponse{OK: res.Outcome.OK, Result: res}), nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"submission,proposal,checkpoint,settings,feedback"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*output[EventListResponse], error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
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
		items, err := e.ListEvents(ctx, repo.EventFilters{
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Before:     cursorID,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := EventListResponse{OK: true, Items: items}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			resp.Items = items[:limit]
		}
		return reply(resp), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "export-state",
		Method:      http.MethodGet,
		Path:        "/state",
		Summary:     "Export all persisted state as one document",
	}, func(ctx context.Context, _ *struct{}) (*output[StateResponse], error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		doc, err := e.ExportState(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(StateResponse{OK: true, State: doc}), nil
	})
}

func registerNotifications(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-notifications",
		Method:      http.MethodGet,
		Path:        "/notifications",
		Summary:     "List undelivered notifications for a role",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Role  string `query:"role" doc:"Defaults to the caller's role"`
		Limit int    `query:"limit" default:"50"`
	}) (*output[NotificationListResponse], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		outbox, err := outboxFor(e, actor, input.Role)
		if err != nil {
			return nil, err
		}
		role := input.Role
		if role == "" {
			role = actor.Role
		}
		items, listErr := outbox.Pending(ctx, role, normalizeLimit(input.Limit))
		if listErr != nil {
			return nil, handleError(listErr)
		}
		return reply(NotificationListResponse{OK: true, Items: items}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "ack-notifications",
		Method:      http.MethodPost,
		Path:        "/notifications/ack",
		Summary:     "Mark notifications delivered",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body AckRequest `json:"body"`
	}) (*output[AckResponse], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		outbox, err := outboxFor(e, actor, "")
		if err != nil {
			return nil, err
		}
		if ackErr := outbox.MarkDelivered(ctx, input.Body.IDs...); ackErr != nil {
			return nil, handleError(ackErr)
		}
		return reply(AckResponse{OK: true, Acknowledged: len(input.Body.IDs)}), nil
	})
}

// outboxFor returns the engine's outbox. Reading another role's queue needs
// the founder role; draining needs a notified role.
func outboxFor(e engine.Engine, actor domain.Actor, role string) (notify.Outbox, huma.StatusError) {
	outbox, ok := e.Notifier.(notify.Outbox)
	if !ok {
		return notify.Outbox{}, newAPIError(http.StatusNotFound, "not_found", "notification outbox not configured", nil)
	}
	if role != "" && role != actor.Role {
		if err := e.Auth.RequireFounder(actor, "read other roles' notifications"); err != nil {
			return notify.Outbox{}, handleError(err)
		}
	}
	if !notified(e.Auth.NotifyRoles(), actor.Role) {
		return notify.Outbox{}, handleError(auth.ForbiddenError{Role: actor.Role, Action: "read notifications"})
	}
	return outbox, nil
}

func notified(roles []string, role string) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
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

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
