package server

import (
	"encoding/json"
	"time"

	"taskline/internal/domain"
)

// Request payloads

type CreateTaskRequest struct {
	_             struct{} `json:"-" additionalProperties:"true"`
	Title         *string  `json:"title,omitempty" nullable:"true" maxLength:"200"`
	Description   *string  `json:"description,omitempty" nullable:"true"`
	DueDate       *string  `json:"due_date,omitempty" nullable:"true" doc:"ISO-8601 timestamp; a trailing Z means UTC"`
	Status        *string  `json:"status,omitempty" nullable:"true" example:"Pendente"`
	Priority      *string  `json:"priority,omitempty" nullable:"true" example:"Média"`
	Responsible   *string  `json:"responsible,omitempty" nullable:"true"`
	ResponsibleID *int64   `json:"responsible_id,omitempty" nullable:"true"`
	ParentID      *int64   `json:"parent_id,omitempty" nullable:"true"`
}

// UpdateTaskRequest only documents the accepted fields; presence and explicit
// nulls are read from the raw body.
type UpdateTaskRequest struct {
	_             struct{} `json:"-" additionalProperties:"true"`
	Title         *string  `json:"title,omitempty" nullable:"true" maxLength:"200"`
	Description   *string  `json:"description,omitempty" nullable:"true"`
	DueDate       *string  `json:"due_date,omitempty" nullable:"true" doc:"null clears the due date; omit to keep it"`
	Status        *string  `json:"status,omitempty" nullable:"true"`
	Priority      *string  `json:"priority,omitempty" nullable:"true"`
	Responsible   *string  `json:"responsible,omitempty" nullable:"true"`
	ResponsibleID *int64   `json:"responsible_id,omitempty" nullable:"true"`
	ParentID      *int64   `json:"parent_id,omitempty" nullable:"true"`
}

type CreateUserRequest struct {
	_     struct{} `json:"-" additionalProperties:"true"`
	Name  string   `json:"name" minLength:"1" maxLength:"100"`
	Email *string  `json:"email,omitempty" nullable:"true"`
}

// Responses

type TaskResponse struct {
	ID            int64           `json:"id"`
	Title         string          `json:"title"`
	Description   *string         `json:"description"`
	DueDate       *time.Time      `json:"due_date"`
	Status        string          `json:"status"`
	Priority      string          `json:"priority"`
	Responsible   *string         `json:"responsible"`
	ResponsibleID *int64          `json:"responsible_id"`
	CreatedAt     *time.Time      `json:"created_at"`
	UpdatedAt     *time.Time      `json:"updated_at"`
	ParentID      *int64          `json:"parent_id"`
	Subtasks      *[]TaskResponse `json:"subtasks,omitempty"`
}

type DeleteTaskResponse struct {
	Message string  `json:"message" example:"Task and its subtasks deleted successfully"`
	Deleted []int64 `json:"deleted"`
}

type UserResponse struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Email     *string   `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         time.Time      `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   *int64         `json:"entity_id"`
	RequestID  *string        `json:"request_id"`
	Payload    map[string]any `json:"payload"`
}

// taskResponse serializes t. Subtasks are expanded one level only: children
// are always rendered without their own subtasks.
func taskResponse(t domain.Task, includeSubtasks bool) TaskResponse {
	resp := TaskResponse{
		ID:            t.ID,
		Title:         t.Title,
		Description:   t.Description,
		DueDate:       utcPtr(t.DueDate),
		Status:        t.Status,
		Priority:      t.Priority,
		Responsible:   t.Responsible,
		ResponsibleID: t.ResponsibleID,
		CreatedAt:     timePtr(t.CreatedAt),
		UpdatedAt:     timePtr(t.UpdatedAt),
		ParentID:      t.ParentID,
	}
	if includeSubtasks {
		subtasks := make([]TaskResponse, 0, len(t.Subtasks))
		for _, s := range t.Subtasks {
			subtasks = append(subtasks, taskResponse(s, false))
		}
		resp.Subtasks = &subtasks
	}
	return resp
}

func mapTasks(items []domain.Task) []TaskResponse {
	res := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		res = append(res, taskResponse(t, true))
	}
	return res
}

func userResponse(u domain.User) UserResponse {
	return UserResponse{ID: u.ID, Name: u.Name, Email: u.Email, CreatedAt: u.CreatedAt}
}

func eventResponse(e domain.Event) EventResponse {
	payload := map[string]any{}
	if e.Payload != "" {
		_ = json.Unmarshal([]byte(e.Payload), &payload)
	}
	resp := EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		Payload:    payload,
	}
	if e.RequestID != "" {
		id := e.RequestID
		resp.RequestID = &id
	}
	return resp
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	return timePtr(*t)
}
