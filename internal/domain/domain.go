package domain

import "time"

// Observed status values. The column is free text; these are the ones the UI sends.
const (
	StatusPending    = "Pendente"
	StatusInProgress = "Em Andamento"
	StatusDone       = "Concluída"
)

const (
	PriorityHigh   = "Alta"
	PriorityMedium = "Média"
	PriorityLow    = "Baixa"
)

// Task is a unit of work. A task with ParentID set is a subtask of that parent.
type Task struct {
	ID            int64      `json:"id"`
	Title         string     `json:"title"`
	Description   *string    `json:"description"`
	DueDate       *time.Time `json:"due_date"`
	Status        string     `json:"status"`
	Priority      string     `json:"priority"`
	Responsible   *string    `json:"responsible"`
	ResponsibleID *int64     `json:"responsible_id"`
	ParentID      *int64     `json:"parent_id"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	// Subtasks holds the direct children in creation order when loaded.
	Subtasks []Task `json:"subtasks,omitempty"`
}

// TopLevel reports whether the task has no parent.
func (t Task) TopLevel() bool {
	return t.ParentID == nil
}

type User struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Email     *string   `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

type Event struct {
	ID         int64     `json:"id"`
	TS         time.Time `json:"ts"`
	Type       string    `json:"type"`
	EntityKind string    `json:"entity_kind"`
	EntityID   *int64    `json:"entity_id"`
	RequestID  string    `json:"request_id,omitempty"`
	Payload    string    `json:"payload"`
}
