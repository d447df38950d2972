package tasklinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client is a minimal task API client.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
	// RequestID, when set, is sent as X-Request-Id so server logs and audit
	// events can be correlated with the caller.
	RequestID string
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Task mirrors the API task representation.
type Task struct {
	ID            int64      `json:"id"`
	Title         string     `json:"title"`
	Description   *string    `json:"description"`
	DueDate       *time.Time `json:"due_date"`
	Status        string     `json:"status"`
	Priority      string     `json:"priority"`
	Responsible   *string    `json:"responsible"`
	ResponsibleID *int64     `json:"responsible_id"`
	CreatedAt     *time.Time `json:"created_at"`
	UpdatedAt     *time.Time `json:"updated_at"`
	ParentID      *int64     `json:"parent_id"`
	Subtasks      []Task     `json:"subtasks,omitempty"`
}

// TaskInput is the body for task creation. Nil fields are omitted.
type TaskInput struct {
	Title         string  `json:"title"`
	Description   *string `json:"description,omitempty"`
	DueDate       *string `json:"due_date,omitempty"`
	Status        *string `json:"status,omitempty"`
	Priority      *string `json:"priority,omitempty"`
	Responsible   *string `json:"responsible,omitempty"`
	ResponsibleID *int64  `json:"responsible_id,omitempty"`
	ParentID      *int64  `json:"parent_id,omitempty"`
}

type User struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Email     *string   `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// Event represents an audit log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         time.Time      `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   *int64         `json:"entity_id"`
	RequestID  *string        `json:"request_id"`
	Payload    map[string]any `json:"payload"`
}

type DeleteResult struct {
	Message string  `json:"message"`
	Deleted []int64 `json:"deleted"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error: status=%d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateTask creates a task; ParentID in the input nests it under that task.
func (c *Client) CreateTask(ctx context.Context, in TaskInput) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "api/tasks", in, &resp)
	return resp, err
}

// CreateSubtask creates a task under parentID.
func (c *Client) CreateSubtask(ctx context.Context, parentID int64, in TaskInput) (Task, error) {
	in.ParentID = nil
	var resp Task
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("api/tasks/%d/subtasks", parentID), in, &resp)
	return resp, err
}

func (c *Client) GetTask(ctx context.Context, id int64) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("api/tasks/%d", id), nil, &resp)
	return resp, err
}

// ListTasks returns top-level tasks, newest first.
func (c *Client) ListTasks(ctx context.Context) ([]Task, error) {
	var resp []Task
	err := c.do(ctx, http.MethodGet, "api/tasks", nil, &resp)
	return resp, err
}

// UpdateTask sends only the given fields. A nil value clears the field on the
// server, e.g. {"due_date": nil}.
func (c *Client) UpdateTask(ctx context.Context, id int64, fields map[string]any) (Task, error) {
	if fields == nil {
		fields = map[string]any{}
	}
	var resp Task
	err := c.do(ctx, http.MethodPut, fmt.Sprintf("api/tasks/%d", id), fields, &resp)
	return resp, err
}

// DeleteTask deletes the task and everything nested under it.
func (c *Client) DeleteTask(ctx context.Context, id int64) (DeleteResult, error) {
	var resp DeleteResult
	err := c.do(ctx, http.MethodDelete, fmt.Sprintf("api/tasks/%d", id), nil, &resp)
	return resp, err
}

// TaskEvents returns the audit trail of a task.
func (c *Client) TaskEvents(ctx context.Context, id int64, limit int) ([]Event, error) {
	endpoint := fmt.Sprintf("api/tasks/%d/events", id)
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) CreateUser(ctx context.Context, name string, email *string) (User, error) {
	body := map[string]any{"name": name}
	if email != nil {
		body["email"] = *email
	}
	var resp User
	err := c.do(ctx, http.MethodPost, "api/users", body, &resp)
	return resp, err
}

func (c *Client) ListUsers(ctx context.Context) ([]User, error) {
	var resp []User
	err := c.do(ctx, http.MethodGet, "api/users", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.RequestID != "" {
		req.Header.Set("X-Request-Id", c.RequestID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Message = env.Error
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
