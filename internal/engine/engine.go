package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"taskline/internal/db"
	"taskline/internal/domain"
	"taskline/internal/events"
	"taskline/internal/logging"
	"taskline/internal/repo"
)

const (
	maxTitleLen       = 200
	maxLabelLen       = 50
	maxResponsibleLen = 100
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
	Log    *logrus.Entry
}

func New(conn *sql.DB, dialect db.Dialect, log *logrus.Entry) Engine {
	if log == nil {
		log = logging.Base(nil)
	}
	return Engine{
		DB:     conn,
		Repo:   repo.Repo{DB: conn, Dialect: dialect},
		Events: events.Writer{Dialect: dialect, Now: time.Now},
		Now:    time.Now,
		Log:    log,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) log(ctx context.Context) *logrus.Entry {
	base := e.Log
	if base == nil {
		base = logging.Base(nil)
	}
	return logging.FromContext(ctx, base)
}

// appendEvent records an event stamped with the engine clock.
func (e Engine) appendEvent(ctx context.Context, q repo.Queryer, evtType, entityKind string, entityID int64, payload events.EventPayload) error {
	w := e.Events
	w.Now = e.now
	return w.Append(ctx, q, evtType, entityKind, entityID, payload)
}

// Field carries an update input that can be absent, set, or explicitly null.
type Field[T any] struct {
	Set   bool
	Value *T
}

func Value[T any](v T) Field[T] { return Field[T]{Set: true, Value: &v} }

func Null[T any]() Field[T] { return Field[T]{Set: true} }

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	Title         string
	Description   *string
	DueDate       string
	Status        string
	Priority      string
	Responsible   *string
	ResponsibleID *int64
	ParentID      *int64
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	return e.createTask(ctx, opts, false)
}

// CreateSubtask creates a task under parentID; the parent must exist.
func (e Engine) CreateSubtask(ctx context.Context, parentID int64, opts TaskCreateOptions) (domain.Task, error) {
	opts.ParentID = &parentID
	return e.createTask(ctx, opts, true)
}

func (e Engine) createTask(ctx context.Context, opts TaskCreateOptions, parentFromPath bool) (domain.Task, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Task{}, invalid("title", "title is required")
	}
	now := e.now()
	t := domain.Task{
		Title:         opts.Title,
		Description:   opts.Description,
		Status:        defaultString(opts.Status, domain.StatusPending),
		Priority:      defaultString(opts.Priority, domain.PriorityMedium),
		Responsible:   opts.Responsible,
		ResponsibleID: opts.ResponsibleID,
		ParentID:      opts.ParentID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if strings.TrimSpace(opts.DueDate) != "" {
		due, err := parseDueDate(opts.DueDate)
		if err != nil {
			return domain.Task{}, err
		}
		t.DueDate = &due
	}
	if err := checkLengths(t); err != nil {
		return domain.Task{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	if t.ParentID != nil {
		if _, err := e.Repo.GetTask(ctx, tx, *t.ParentID); err != nil {
			if !errors.Is(err, repo.ErrNotFound) {
				return domain.Task{}, err
			}
			if parentFromPath {
				return domain.Task{}, &NotFoundError{Entity: "task", ID: *t.ParentID}
			}
			return domain.Task{}, invalid("parent_id", "parent task %d does not exist", *t.ParentID)
		}
	}
	if err := e.ensureUser(ctx, tx, t.ResponsibleID); err != nil {
		return domain.Task{}, err
	}
	id, err := e.Repo.InsertTask(ctx, tx, t)
	if err != nil {
		return domain.Task{}, referenceError(err)
	}
	t.ID = id
	payload := events.EventPayload{"title": t.Title, "status": t.Status, "priority": t.Priority}
	if t.ParentID != nil {
		payload["parent_id"] = *t.ParentID
	}
	if err := e.appendEvent(ctx, tx, "task.created", "task", t.ID, payload); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	t.Subtasks = []domain.Task{}
	return t, nil
}

// GetTask returns the task with its direct subtasks.
func (e Engine) GetTask(ctx context.Context, id int64) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTask(ctx, tx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Task{}, &NotFoundError{Entity: "task", ID: id}
	}
	if err != nil {
		return domain.Task{}, err
	}
	children, err := e.Repo.ListSubtasks(ctx, tx, id)
	if err != nil {
		return domain.Task{}, err
	}
	t.Subtasks = nonNil(children)
	return t, tx.Commit()
}

// ListTopLevelTasks returns parentless tasks, newest first, each with its
// direct subtasks.
func (e Engine) ListTopLevelTasks(ctx context.Context) ([]domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	tasks, err := e.Repo.ListTopLevelTasks(ctx, tx)
	if err != nil {
		return nil, err
	}
	children, err := e.Repo.ListTopLevelSubtasks(ctx, tx)
	if err != nil {
		return nil, err
	}
	for i := range tasks {
		tasks[i].Subtasks = nonNil(children[tasks[i].ID])
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	return tasks, tx.Commit()
}

// TaskUpdateOptions lists the fields to change. Unset fields keep their value.
type TaskUpdateOptions struct {
	ID            int64
	Title         Field[string]
	Description   Field[string]
	DueDate       Field[string]
	Status        Field[string]
	Priority      Field[string]
	Responsible   Field[string]
	ResponsibleID Field[int64]
	ParentID      Field[int64]
}

func (e Engine) UpdateTask(ctx context.Context, opts TaskUpdateOptions) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTask(ctx, tx, opts.ID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Task{}, &NotFoundError{Entity: "task", ID: opts.ID}
	}
	if err != nil {
		return domain.Task{}, err
	}

	var changed []string
	if opts.Title.Set {
		if opts.Title.Value == nil || strings.TrimSpace(*opts.Title.Value) == "" {
			return domain.Task{}, invalid("title", "title cannot be empty")
		}
		t.Title = *opts.Title.Value
		changed = append(changed, "title")
	}
	if opts.Status.Set {
		if opts.Status.Value == nil || strings.TrimSpace(*opts.Status.Value) == "" {
			return domain.Task{}, invalid("status", "status cannot be empty")
		}
		t.Status = *opts.Status.Value
		changed = append(changed, "status")
	}
	if opts.Priority.Set {
		if opts.Priority.Value == nil || strings.TrimSpace(*opts.Priority.Value) == "" {
			return domain.Task{}, invalid("priority", "priority cannot be empty")
		}
		t.Priority = *opts.Priority.Value
		changed = append(changed, "priority")
	}
	if opts.Description.Set {
		t.Description = opts.Description.Value
		changed = append(changed, "description")
	}
	if opts.Responsible.Set {
		t.Responsible = opts.Responsible.Value
		changed = append(changed, "responsible")
	}
	if opts.ResponsibleID.Set {
		if err := e.ensureUser(ctx, tx, opts.ResponsibleID.Value); err != nil {
			return domain.Task{}, err
		}
		t.ResponsibleID = opts.ResponsibleID.Value
		changed = append(changed, "responsible_id")
	}
	if opts.DueDate.Set {
		switch {
		case opts.DueDate.Value == nil:
			t.DueDate = nil
			changed = append(changed, "due_date")
		case strings.TrimSpace(*opts.DueDate.Value) != "":
			due, err := parseDueDate(*opts.DueDate.Value)
			if err != nil {
				return domain.Task{}, err
			}
			t.DueDate = &due
			changed = append(changed, "due_date")
		}
	}
	if opts.ParentID.Set {
		if p := opts.ParentID.Value; p != nil {
			if err := e.ensureNoCycle(ctx, tx, *p, t.ID); err != nil {
				return domain.Task{}, err
			}
		}
		t.ParentID = opts.ParentID.Value
		changed = append(changed, "parent_id")
	}
	if err := checkLengths(t); err != nil {
		return domain.Task{}, err
	}
	// updated_at never moves backwards, even when the clock does.
	prev := t.UpdatedAt
	if prev.Before(t.CreatedAt) {
		prev = t.CreatedAt
	}
	t.UpdatedAt = e.now()
	if t.UpdatedAt.Before(prev) {
		t.UpdatedAt = prev
	}
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return domain.Task{}, referenceError(err)
	}
	if err := e.appendEvent(ctx, tx, "task.updated", "task", t.ID, events.EventPayload{"fields": nonNilStrings(changed)}); err != nil {
		return domain.Task{}, err
	}
	children, err := e.Repo.ListSubtasks(ctx, tx, t.ID)
	if err != nil {
		return domain.Task{}, err
	}
	t.Subtasks = nonNil(children)
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// ensureNoCycle walks up from parentID and fails if childID is an ancestor,
// which would make the hierarchy cyclic.
func (e Engine) ensureNoCycle(ctx context.Context, q repo.Queryer, parentID, childID int64) error {
	if parentID == childID {
		return invalid("parent_id", "a task cannot be its own parent")
	}
	cur := parentID
	seen := map[int64]bool{}
	for {
		parent, err := e.Repo.ParentOf(ctx, q, cur)
		if errors.Is(err, repo.ErrNotFound) {
			if cur == parentID {
				return invalid("parent_id", "parent task %d does not exist", parentID)
			}
			return nil
		}
		if err != nil {
			return err
		}
		if parent == nil {
			return nil
		}
		if *parent == childID {
			return invalid("parent_id", "task hierarchy cycle detected")
		}
		if seen[*parent] {
			return nil
		}
		seen[cur] = true
		cur = *parent
	}
}

// DeleteTask removes the task together with everything below it. Rows are
// deleted level by level, deepest first, then the task itself, all in one
// transaction. It returns the ids removed, the task's own id last.
func (e Engine) DeleteTask(ctx context.Context, id int64) ([]int64, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetTask(ctx, tx, id); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, &NotFoundError{Entity: "task", ID: id}
		}
		return nil, err
	}
	levels, err := e.descendants(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	var deleted []int64
	for i := len(levels) - 1; i >= 0; i-- {
		if _, err := e.Repo.DeleteTasks(ctx, tx, levels[i]); err != nil {
			return nil, fmt.Errorf("delete subtasks of %d: %w", id, err)
		}
		deleted = append(deleted, levels[i]...)
	}
	n, err := e.Repo.DeleteTasks(ctx, tx, []int64{id})
	if err != nil {
		return nil, fmt.Errorf("delete task %d: %w", id, err)
	}
	if n == 0 {
		return nil, &NotFoundError{Entity: "task", ID: id}
	}
	deleted = append(deleted, id)
	if err := e.appendEvent(ctx, tx, "task.deleted", "task", id, events.EventPayload{"cascaded": nonNilIDs(deleted[:len(deleted)-1])}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	if len(deleted) > 1 {
		e.log(ctx).WithFields(logrus.Fields{"task_id": id, "cascaded": len(deleted) - 1}).Debug("cascade delete")
	}
	return deleted, nil
}

// descendants returns the subtree below id grouped by depth: direct children
// first, then grandchildren, and so on.
func (e Engine) descendants(ctx context.Context, q repo.Queryer, id int64) ([][]int64, error) {
	var levels [][]int64
	seen := map[int64]bool{id: true}
	frontier := []int64{id}
	for len(frontier) > 0 {
		var next []int64
		for _, pid := range frontier {
			children, err := e.Repo.ListChildren(ctx, q, pid)
			if err != nil {
				return nil, err
			}
			for _, c := range children {
				if !seen[c] {
					seen[c] = true
					next = append(next, c)
				}
			}
		}
		if len(next) > 0 {
			levels = append(levels, next)
		}
		frontier = next
	}
	return levels, nil
}

func (e Engine) CreateUser(ctx context.Context, name string, email *string) (domain.User, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.User{}, invalid("name", "name is required")
	}
	if utf8.RuneCountInString(name) > maxResponsibleLen {
		return domain.User{}, invalid("name", "name must be at most %d characters", maxResponsibleLen)
	}
	if email != nil && strings.TrimSpace(*email) == "" {
		email = nil
	}
	u := domain.User{Name: name, Email: email, CreatedAt: e.now()}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.User{}, err
	}
	defer tx.Rollback()

	id, err := e.Repo.InsertUser(ctx, tx, u)
	if errors.Is(err, repo.ErrDuplicate) {
		return domain.User{}, invalid("email", "email already registered")
	}
	if err != nil {
		return domain.User{}, err
	}
	u.ID = id
	if err := e.appendEvent(ctx, tx, "user.created", "user", id, events.EventPayload{"name": name}); err != nil {
		return domain.User{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.User{}, err
	}
	return u, nil
}

func (e Engine) ListUsers(ctx context.Context) ([]domain.User, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	users, err := e.Repo.ListUsers(ctx, tx)
	if err != nil {
		return nil, err
	}
	if users == nil {
		users = []domain.User{}
	}
	return users, tx.Commit()
}

// TaskEvents returns the audit trail of one task, newest first. Events of
// deleted tasks remain readable.
func (e Engine) TaskEvents(ctx context.Context, taskID int64, limit int) ([]domain.Event, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	evts, err := e.Repo.LatestEvents(ctx, tx, limit, "task", taskID)
	if err != nil {
		return nil, err
	}
	if evts == nil {
		evts = []domain.Event{}
	}
	return evts, tx.Commit()
}

// RecentEvents returns the newest events across all entities.
func (e Engine) RecentEvents(ctx context.Context, limit int) ([]domain.Event, error) {
	evts, err := e.Repo.LatestEvents(ctx, e.DB, limit, "", 0)
	if err != nil {
		return nil, err
	}
	if evts == nil {
		evts = []domain.Event{}
	}
	return evts, nil
}

// ensureUser checks that a responsible user exists; nil means unassigned.
func (e Engine) ensureUser(ctx context.Context, q repo.Queryer, id *int64) error {
	if id == nil {
		return nil
	}
	if _, err := e.Repo.GetUser(ctx, q, *id); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return invalid("responsible_id", "user %d does not exist", *id)
		}
		return err
	}
	return nil
}

func referenceError(err error) error {
	if errors.Is(err, repo.ErrReference) {
		return invalid("responsible_id", "referenced user does not exist")
	}
	return err
}

func checkLengths(t domain.Task) error {
	if utf8.RuneCountInString(t.Title) > maxTitleLen {
		return invalid("title", "title must be at most %d characters", maxTitleLen)
	}
	if utf8.RuneCountInString(t.Status) > maxLabelLen {
		return invalid("status", "status must be at most %d characters", maxLabelLen)
	}
	if utf8.RuneCountInString(t.Priority) > maxLabelLen {
		return invalid("priority", "priority must be at most %d characters", maxLabelLen)
	}
	if t.Responsible != nil && utf8.RuneCountInString(*t.Responsible) > maxResponsibleLen {
		return invalid("responsible", "responsible must be at most %d characters", maxResponsibleLen)
	}
	return nil
}

func defaultString(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func nonNil(tasks []domain.Task) []domain.Task {
	if tasks == nil {
		return []domain.Task{}
	}
	return tasks
}

func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func nonNilIDs(v []int64) []int64 {
	if v == nil {
		return []int64{}
	}
	return v
}
