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
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"taskline/internal/engine"
	"taskline/internal/logging"
	"taskline/internal/repo"
)

const deleteMessage = "Task and its subtasks deleted successfully"

// Config for the HTTP API handler.
type Config struct {
	Engine      engine.Engine
	BasePath    string
	StaticDir   string
	CORSOrigins []string
	Logger      *logrus.Logger
	// Registry receives the HTTP metrics. A fresh registry is used when nil.
	Registry *prometheus.Registry
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError is the JSON error envelope: {"error": "..."}.
type apiError struct {
	status  int
	Message string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Message }

func newAPIError(status int, message string, details ...string) huma.StatusError {
	return &apiError{status: status, Message: message, Details: details}
}

type handler struct {
	e   engine.Engine
	log *logrus.Entry
}

// New returns an HTTP handler exposing the task API, metrics and the static
// frontend.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/api"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	basePath = strings.TrimSuffix(basePath, "/")
	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	metrics, err := newHTTPMetrics(registry)
	if err != nil {
		return nil, err
	}
	log := logging.Base(cfg.Logger)

	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, msg, errorDetails(errs)...)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			// Schema/request validation errors are plain bad requests here.
			status = http.StatusBadRequest
		}
		return newAPIError(status, msg, errorDetails(errs)...)
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(requestIDMiddleware)
	router.Use(accessLogMiddleware(log))
	router.Use(metrics.middleware)
	router.Use(apiOnly(basePath, corsMiddleware(cfg.CORSOrigins)))
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})

	hcfg := huma.DefaultConfig("Task Manager API", "1.0.0")
	hcfg.OpenAPIPath = "" // served below under the base path
	hcfg.DocsPath = ""
	hcfg.SchemasPath = ""
	hcfg.CreateHooks = nil
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	h := handler{e: cfg.Engine, log: log}
	registerHealth(group)
	registerTasks(group, h)
	registerUsers(group, h)
	registerEvents(group, h)
	registerDocs(router, basePath)
	registerOpenAPI(router, api, basePath)
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	router.NotFound(fallbackHandler(basePath, cfg.StaticDir))
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return router, nil
}

func errorDetails(errs []error) []string {
	var out []string
	for _, err := range errs {
		if err != nil {
			out = append(out, err.Error())
		}
	}
	return out
}

func (h handler) fail(ctx context.Context, err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var vErr *engine.ValidationError
	if errors.As(err, &vErr) {
		return newAPIError(http.StatusBadRequest, vErr.Error())
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, err.Error())
	}
	logging.FromContext(ctx, h.log).WithError(err).Error("request failed")
	return newAPIError(http.StatusInternalServerError, "internal server error")
}

func registerDocs(r chi.Router, basePath string) {
	r.Get(path.Join(basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
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
	errSchema := &huma.Schema{
		Type:     huma.TypeObject,
		Required: []string{"error"},
		Properties: map[string]*huma.Schema{
			"error":   {Type: huma.TypeString},
			"details": {Type: huma.TypeArray, Items: &huma.Schema{Type: huma.TypeString}},
		},
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

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Task Manager API Docs</title>
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

type taskBody struct {
	Body TaskResponse `json:"body"`
}

func registerTasks(api huma.API, h handler) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*taskBody, error) {
		t, err := h.e.CreateTask(ctx, createOptions(input.Body, true))
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		return &taskBody{Body: taskResponse(t, true)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List top-level tasks, newest first",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		tasks, err := h.e.ListTopLevelTasks(ctx)
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: mapTasks(tasks)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task with its subtasks",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*taskBody, error) {
		id, err := parseID(input.ID)
		if err != nil {
			return nil, err
		}
		t, err := h.e.GetTask(ctx, id)
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		return &taskBody{Body: taskResponse(t, true)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPut,
		Path:        "/tasks/{id}",
		Summary:     "Update task fields present in the body",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body UpdateTaskRequest `json:"body"`
	}) (*taskBody, error) {
		id, err := parseID(input.ID)
		if err != nil {
			return nil, err
		}
		bodyMap := rawBodyMap(ctx)
		opts := engine.TaskUpdateOptions{
			ID:            id,
			Title:         presentField(bodyMap, "title", input.Body.Title),
			Description:   presentField(bodyMap, "description", input.Body.Description),
			DueDate:       presentField(bodyMap, "due_date", input.Body.DueDate),
			Status:        presentField(bodyMap, "status", input.Body.Status),
			Priority:      presentField(bodyMap, "priority", input.Body.Priority),
			Responsible:   presentField(bodyMap, "responsible", input.Body.Responsible),
			ResponsibleID: presentField(bodyMap, "responsible_id", input.Body.ResponsibleID),
			ParentID:      presentField(bodyMap, "parent_id", input.Body.ParentID),
		}
		t, err := h.e.UpdateTask(ctx, opts)
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		return &taskBody{Body: taskResponse(t, true)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-task",
		Method:      http.MethodDelete,
		Path:        "/tasks/{id}",
		Summary:     "Delete task and its subtasks",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body DeleteTaskResponse `json:"body"`
	}, error) {
		id, err := parseID(input.ID)
		if err != nil {
			return nil, err
		}
		deleted, err := h.e.DeleteTask(ctx, id)
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		return &struct {
			Body DeleteTaskResponse `json:"body"`
		}{Body: DeleteTaskResponse{Message: deleteMessage, Deleted: deleted}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-subtask",
		Method:        http.MethodPost,
		Path:          "/tasks/{parentId}/subtasks",
		Summary:       "Create subtask",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ParentID string            `path:"parentId"`
		Body     CreateTaskRequest `json:"body"`
	}) (*taskBody, error) {
		parentID, err := parseID(input.ParentID)
		if err != nil {
			return nil, err
		}
		t, err := h.e.CreateSubtask(ctx, parentID, createOptions(input.Body, false))
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		return &taskBody{Body: taskResponse(t, false)}, nil
	})
}

func registerUsers(api huma.API, h handler) {
	huma.Register(api, huma.Operation{
		OperationID: "list-users",
		Method:      http.MethodGet,
		Path:        "/users",
		Summary:     "List users",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []UserResponse `json:"body"`
	}, error) {
		users, err := h.e.ListUsers(ctx)
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		resp := make([]UserResponse, 0, len(users))
		for _, u := range users {
			resp = append(resp, userResponse(u))
		}
		return &struct {
			Body []UserResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-user",
		Method:        http.MethodPost,
		Path:          "/users",
		Summary:       "Create user",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateUserRequest `json:"body"`
	}) (*struct {
		Body UserResponse `json:"body"`
	}, error) {
		u, err := h.e.CreateUser(ctx, input.Body.Name, input.Body.Email)
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		return &struct {
			Body UserResponse `json:"body"`
		}{Body: userResponse(u)}, nil
	})
}

func registerEvents(api huma.API, h handler) {
	huma.Register(api, huma.Operation{
		OperationID: "list-task-events",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/events",
		Summary:     "Audit trail of a task, newest first",
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Limit int    `query:"limit" default:"50" minimum:"1" maximum:"200"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		id, err := parseID(input.ID)
		if err != nil {
			return nil, err
		}
		evts, err := h.e.TaskEvents(ctx, id, input.Limit)
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		resp := make([]EventResponse, 0, len(evts))
		for _, evt := range evts {
			resp = append(resp, eventResponse(evt))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func createOptions(body CreateTaskRequest, parentFromBody bool) engine.TaskCreateOptions {
	opts := engine.TaskCreateOptions{
		Title:         deref(body.Title),
		Description:   body.Description,
		DueDate:       deref(body.DueDate),
		Status:        deref(body.Status),
		Priority:      deref(body.Priority),
		Responsible:   body.Responsible,
		ResponsibleID: body.ResponsibleID,
	}
	if parentFromBody {
		opts.ParentID = body.ParentID
	}
	return opts
}

// parseID rejects non-numeric ids the way an unknown id is rejected.
func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, newAPIError(http.StatusNotFound, fmt.Sprintf("task %s not found", raw))
	}
	return id, nil
}

// presentField turns a decoded body field into an update input, using the raw
// body to tell an omitted key from an explicit null.
func presentField[T any](bodyMap map[string]json.RawMessage, key string, v *T) engine.Field[T] {
	raw, ok := bodyMap[key]
	if !ok {
		return engine.Field[T]{}
	}
	if isNullRaw(raw) {
		return engine.Null[T]()
	}
	return engine.Field[T]{Set: true, Value: v}
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

func rawBodyMap(ctx context.Context) map[string]json.RawMessage {
	data := bodyBytes(ctx)
	if len(data) == 0 {
		return map[string]json.RawMessage{}
	}
	var outer map[string]json.RawMessage
	if err := json.Unmarshal(data, &outer); err != nil {
		return map[string]json.RawMessage{}
	}
	return outer
}

func isNullRaw(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && bytes.Equal(trimmed, []byte("null"))
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiError{Message: msg})
}
