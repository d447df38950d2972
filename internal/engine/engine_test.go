package engine_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskline/internal/db"
	"taskline/internal/domain"
	"taskline/internal/engine"
	"taskline/internal/logging"
	"taskline/internal/migrate"
	"taskline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err, "open db")
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, dialect), "migrate")
	eng := engine.New(conn, dialect, logging.Base(logging.Discard()))
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func strp(s string) *string { return &s }

func (env testEnv) create(t *testing.T, title string) domain.Task {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: title})
	require.NoError(t, err)
	return task
}

func TestCreateTaskDefaultsAndRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	created, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Title:       "Buy milk",
		Description: strp("2 litres"),
	})
	require.NoError(t, err)
	assert.NotZero(t, created.ID)
	assert.Equal(t, domain.StatusPending, created.Status)
	assert.Equal(t, domain.PriorityMedium, created.Priority)
	assert.Equal(t, created.CreatedAt, created.UpdatedAt)
	assert.NotNil(t, created.Subtasks)
	assert.Empty(t, created.Subtasks)

	got, err := env.Engine.GetTask(env.Ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Buy milk", got.Title)
	assert.Equal(t, "2 litres", *got.Description)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, domain.PriorityMedium, got.Priority)
	assert.Nil(t, got.DueDate)
	assert.Nil(t, got.ParentID)
	assert.Nil(t, got.ResponsibleID)
	assert.True(t, got.CreatedAt.Equal(created.CreatedAt))
	assert.Empty(t, got.Subtasks)
}

func TestCreateTaskValidation(t *testing.T) {
	env := newTestEnv(t)
	for _, title := range []string{"", "   "} {
		_, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: title})
		var vErr *engine.ValidationError
		require.ErrorAs(t, err, &vErr)
		assert.Equal(t, "title", vErr.Field)
	}
	_, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "x", DueDate: "next tuesday"})
	var vErr *engine.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "due_date", vErr.Field)

	tasks, err := env.Engine.ListTopLevelTasks(env.Ctx)
	require.NoError(t, err)
	assert.Empty(t, tasks, "failed creates must not persist")
}

func TestCreateTaskDueDateZSuffix(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "report", DueDate: "2024-03-10T12:30:00Z"})
	require.NoError(t, err)
	require.NotNil(t, task.DueDate)
	want := time.Date(2024, 3, 10, 12, 30, 0, 0, time.UTC)
	assert.True(t, task.DueDate.Equal(want))

	got, err := env.Engine.GetTask(env.Ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, got.DueDate)
	assert.True(t, got.DueDate.Equal(want))

	offset, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "offset", DueDate: "2024-03-10T09:30:00-03:00"})
	require.NoError(t, err)
	assert.True(t, offset.DueDate.Equal(want))
}

func TestCreateTaskUnknownReferences(t *testing.T) {
	env := newTestEnv(t)
	missing := int64(999)
	_, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "orphan", ParentID: &missing})
	var vErr *engine.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "parent_id", vErr.Field)

	_, err = env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "nobody", ResponsibleID: &missing})
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "responsible_id", vErr.Field)

	assert.Equal(t, "user 999 does not exist", vErr.Message)

	task := env.create(t, "assign later")
	_, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, ResponsibleID: engine.Value(missing)})
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "responsible_id", vErr.Field)
	_, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, ResponsibleID: engine.Null[int64]()})
	require.NoError(t, err)

	_, err = env.Engine.CreateSubtask(env.Ctx, missing, engine.TaskCreateOptions{Title: "sub"})
	var nfErr *engine.NotFoundError
	require.ErrorAs(t, err, &nfErr)
	assert.True(t, errors.Is(err, repo.ErrNotFound))
}

func TestResponsibleUser(t *testing.T) {
	env := newTestEnv(t)
	u, err := env.Engine.CreateUser(env.Ctx, "Ana", strp("ana@example.com"))
	require.NoError(t, err)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "review", Responsible: strp("Ana"), ResponsibleID: &u.ID})
	require.NoError(t, err)
	assert.Equal(t, u.ID, *task.ResponsibleID)

	_, err = env.Engine.CreateUser(env.Ctx, "Ana B", strp("ana@example.com"))
	var vErr *engine.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "email", vErr.Field)

	users, err := env.Engine.ListUsers(env.Ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "Ana", users[0].Name)
}

func TestListTopLevelOrderingAndNesting(t *testing.T) {
	env := newTestEnv(t)
	t1 := env.create(t, "T1")
	t2 := env.create(t, "T2")
	t3 := env.create(t, "T3")
	sub, err := env.Engine.CreateSubtask(env.Ctx, t1.ID, engine.TaskCreateOptions{Title: "T1.a"})
	require.NoError(t, err)
	require.NotNil(t, sub.ParentID)
	assert.Equal(t, t1.ID, *sub.ParentID)
	assert.True(t, t1.TopLevel())
	assert.False(t, sub.TopLevel())

	tasks, err := env.Engine.ListTopLevelTasks(env.Ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, []int64{t3.ID, t2.ID, t1.ID}, []int64{tasks[0].ID, tasks[1].ID, tasks[2].ID})
	require.Len(t, tasks[2].Subtasks, 1)
	assert.Equal(t, sub.ID, tasks[2].Subtasks[0].ID)
	assert.Empty(t, tasks[0].Subtasks)
}

func TestSubtasksInCreationOrder(t *testing.T) {
	env := newTestEnv(t)
	parent := env.create(t, "parent")
	var want []int64
	for _, title := range []string{"a", "b", "c"} {
		sub, err := env.Engine.CreateSubtask(env.Ctx, parent.ID, engine.TaskCreateOptions{Title: title})
		require.NoError(t, err)
		want = append(want, sub.ID)
	}
	got, err := env.Engine.GetTask(env.Ctx, parent.ID)
	require.NoError(t, err)
	var ids []int64
	for _, s := range got.Subtasks {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, want, ids)
}

func TestUpdatePartial(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Title:       "write docs",
		Description: strp("api section"),
		Priority:    domain.PriorityHigh,
		Responsible: strp("Bea"),
		DueDate:     "2024-05-01T10:00:00Z",
	})
	require.NoError(t, err)

	updated, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Status: engine.Value(domain.StatusDone)})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, updated.Status)
	assert.Equal(t, task.Title, updated.Title)
	assert.Equal(t, *task.Description, *updated.Description)
	assert.Equal(t, task.Priority, updated.Priority)
	assert.Equal(t, *task.Responsible, *updated.Responsible)
	require.NotNil(t, updated.DueDate)
	assert.True(t, task.DueDate.Equal(*updated.DueDate))
	assert.True(t, updated.UpdatedAt.After(task.UpdatedAt))
	assert.True(t, updated.CreatedAt.Equal(task.CreatedAt))
	assert.False(t, updated.UpdatedAt.Before(updated.CreatedAt))
}

func TestUpdateDueDateThreeWay(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "pay rent", DueDate: "2024-02-01T00:00:00Z"})
	require.NoError(t, err)

	kept, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Title: engine.Value("pay rent now")})
	require.NoError(t, err)
	require.NotNil(t, kept.DueDate, "absent due_date must be left alone")

	moved, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, DueDate: engine.Value("2024-03-01T08:00:00Z")})
	require.NoError(t, err)
	assert.True(t, moved.DueDate.Equal(time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)))

	_, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, DueDate: engine.Value("soon")})
	var vErr *engine.ValidationError
	require.ErrorAs(t, err, &vErr)

	cleared, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, DueDate: engine.Null[string]()})
	require.NoError(t, err)
	assert.Nil(t, cleared.DueDate)

	got, err := env.Engine.GetTask(env.Ctx, task.ID)
	require.NoError(t, err)
	assert.Nil(t, got.DueDate)
}

func TestUpdateNullClearsOptionalFields(t *testing.T) {
	env := newTestEnv(t)
	parent := env.create(t, "parent")
	task, err := env.Engine.CreateSubtask(env.Ctx, parent.ID, engine.TaskCreateOptions{Title: "child", Description: strp("d"), Responsible: strp("Caio")})
	require.NoError(t, err)

	updated, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{
		ID:          task.ID,
		Description: engine.Null[string](),
		Responsible: engine.Null[string](),
		ParentID:    engine.Null[int64](),
	})
	require.NoError(t, err)
	assert.Nil(t, updated.Description)
	assert.Nil(t, updated.Responsible)
	assert.Nil(t, updated.ParentID)

	tasks, err := env.Engine.ListTopLevelTasks(env.Ctx)
	require.NoError(t, err)
	assert.Len(t, tasks, 2, "detached subtask becomes top-level")
}

func TestUpdateRejectsNullRequiredFields(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, "keep me")
	for _, opts := range []engine.TaskUpdateOptions{
		{ID: task.ID, Title: engine.Null[string]()},
		{ID: task.ID, Title: engine.Value("  ")},
		{ID: task.ID, Status: engine.Null[string]()},
		{ID: task.ID, Priority: engine.Null[string]()},
	} {
		_, err := env.Engine.UpdateTask(env.Ctx, opts)
		var vErr *engine.ValidationError
		require.ErrorAs(t, err, &vErr)
	}
	got, err := env.Engine.GetTask(env.Ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "keep me", got.Title)
	assert.True(t, got.UpdatedAt.Equal(task.UpdatedAt))
}

func TestUpdateParentCycle(t *testing.T) {
	env := newTestEnv(t)
	a := env.create(t, "A")
	b, err := env.Engine.CreateSubtask(env.Ctx, a.ID, engine.TaskCreateOptions{Title: "B"})
	require.NoError(t, err)

	_, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: a.ID, ParentID: engine.Value(a.ID)})
	var vErr *engine.ValidationError
	require.ErrorAs(t, err, &vErr)

	_, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: a.ID, ParentID: engine.Value(b.ID)})
	require.ErrorAs(t, err, &vErr)
	assert.Contains(t, vErr.Message, "cycle")

	_, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: b.ID, ParentID: engine.Value(int64(404))})
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "parent_id", vErr.Field)
}

func TestUpdateMissingTask(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: 42, Status: engine.Value("x")})
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestDeleteCascades(t *testing.T) {
	env := newTestEnv(t)
	a := env.create(t, "A")
	b, err := env.Engine.CreateSubtask(env.Ctx, a.ID, engine.TaskCreateOptions{Title: "B"})
	require.NoError(t, err)
	c, err := env.Engine.CreateSubtask(env.Ctx, b.ID, engine.TaskCreateOptions{Title: "C"})
	require.NoError(t, err)
	other := env.create(t, "other")

	deleted, err := env.Engine.DeleteTask(env.Ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{c.ID, b.ID, a.ID}, deleted)

	for _, id := range []int64{a.ID, b.ID, c.ID} {
		_, err := env.Engine.GetTask(env.Ctx, id)
		assert.ErrorIs(t, err, repo.ErrNotFound)
	}
	tasks, err := env.Engine.ListTopLevelTasks(env.Ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, other.ID, tasks[0].ID)

	_, err = env.Engine.DeleteTask(env.Ctx, a.ID)
	var nfErr *engine.NotFoundError
	require.ErrorAs(t, err, &nfErr)
}

func TestTaskEventsTrail(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, "audited")
	_, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Priority: engine.Value(domain.PriorityLow)})
	require.NoError(t, err)
	_, err = env.Engine.DeleteTask(env.Ctx, task.ID)
	require.NoError(t, err)

	evts, err := env.Engine.TaskEvents(logging.WithRequestID(env.Ctx, "ignored"), task.ID, 10)
	require.NoError(t, err)
	require.Len(t, evts, 3)
	assert.Equal(t, "task.deleted", evts[0].Type)
	assert.Equal(t, "task.updated", evts[1].Type)
	assert.Contains(t, evts[1].Payload, "priority")
	assert.Equal(t, "task.created", evts[2].Type)

	recent, err := env.Engine.RecentEvents(env.Ctx, 2)
	require.NoError(t, err)
	assert.Len(t, recent, 2)
}

func TestEventsCarryRequestID(t *testing.T) {
	env := newTestEnv(t)
	ctx := logging.WithRequestID(env.Ctx, "req-123")
	task, err := env.Engine.CreateTask(ctx, engine.TaskCreateOptions{Title: "traced"})
	require.NoError(t, err)
	evts, err := env.Engine.TaskEvents(env.Ctx, task.ID, 0)
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, "req-123", evts[0].RequestID)
}

func TestListTopLevelManyTasks(t *testing.T) {
	if testing.Short() {
		t.Skip("inserts a large batch of rows")
	}
	env := newTestEnv(t)
	const n = 33000
	ts := repo.FormatTime(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	require.NoError(t, err)
	stmt, err := tx.PrepareContext(env.Ctx, `INSERT INTO tasks(title,status,priority,created_at,updated_at) VALUES (?,?,?,?,?)`)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		_, err := stmt.ExecContext(env.Ctx, fmt.Sprintf("task %d", i), domain.StatusPending, domain.PriorityMedium, ts, ts)
		require.NoError(t, err)
	}
	require.NoError(t, stmt.Close())
	require.NoError(t, tx.Commit())

	sub, err := env.Engine.CreateSubtask(env.Ctx, 1, engine.TaskCreateOptions{Title: "nested"})
	require.NoError(t, err)

	tasks, err := env.Engine.ListTopLevelTasks(env.Ctx)
	require.NoError(t, err)
	require.Len(t, tasks, n)
	last := tasks[len(tasks)-1]
	assert.Equal(t, int64(1), last.ID)
	require.Len(t, last.Subtasks, 1)
	assert.Equal(t, sub.ID, last.Subtasks[0].ID)
}

func TestDeleteWideSubtree(t *testing.T) {
	env := newTestEnv(t)
	root := env.create(t, "root")
	const n = 1200
	ts := repo.FormatTime(root.CreatedAt)

	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		_, err := tx.ExecContext(env.Ctx, `INSERT INTO tasks(title,status,priority,parent_id,created_at,updated_at) VALUES (?,?,?,?,?,?)`,
			fmt.Sprintf("child %d", i), domain.StatusPending, domain.PriorityMedium, root.ID, ts, ts)
		require.NoError(t, err)
	}
	require.NoError(t, tx.Commit())

	deleted, err := env.Engine.DeleteTask(env.Ctx, root.ID)
	require.NoError(t, err)
	assert.Len(t, deleted, n+1)
	assert.Equal(t, root.ID, deleted[len(deleted)-1])

	var remaining int
	require.NoError(t, env.Engine.DB.QueryRowContext(env.Ctx, `SELECT COUNT(*) FROM tasks`).Scan(&remaining))
	assert.Zero(t, remaining)
}

func TestDeleteIsAllOrNothing(t *testing.T) {
	env := newTestEnv(t)
	a := env.create(t, "A")
	b, err := env.Engine.CreateSubtask(env.Ctx, a.ID, engine.TaskCreateOptions{Title: "B"})
	require.NoError(t, err)
	c, err := env.Engine.CreateSubtask(env.Ctx, b.ID, engine.TaskCreateOptions{Title: "C"})
	require.NoError(t, err)

	assertTreeIntact := func(t *testing.T) {
		t.Helper()
		got, err := env.Engine.GetTask(env.Ctx, a.ID)
		require.NoError(t, err)
		require.Len(t, got.Subtasks, 1)
		assert.Equal(t, b.ID, got.Subtasks[0].ID)
		got, err = env.Engine.GetTask(env.Ctx, b.ID)
		require.NoError(t, err)
		require.Len(t, got.Subtasks, 1)
		assert.Equal(t, c.ID, got.Subtasks[0].ID)
		_, err = env.Engine.GetTask(env.Ctx, c.ID)
		require.NoError(t, err)
	}

	t.Run("task row fails after children", func(t *testing.T) {
		_, err := env.Engine.DB.ExecContext(env.Ctx, fmt.Sprintf(
			`CREATE TRIGGER pin_root BEFORE DELETE ON tasks WHEN OLD.id = %d BEGIN SELECT RAISE(ABORT, 'root is pinned'); END`, a.ID))
		require.NoError(t, err)
		t.Cleanup(func() { env.Engine.DB.Exec(`DROP TRIGGER IF EXISTS pin_root`) })

		_, err = env.Engine.DeleteTask(env.Ctx, a.ID)
		require.Error(t, err)
		assertTreeIntact(t)
	})

	t.Run("event append fails", func(t *testing.T) {
		_, err := env.Engine.DB.ExecContext(env.Ctx,
			`CREATE TRIGGER no_delete_events BEFORE INSERT ON events WHEN NEW.type = 'task.deleted' BEGIN SELECT RAISE(ABORT, 'event log unavailable'); END`)
		require.NoError(t, err)
		t.Cleanup(func() { env.Engine.DB.Exec(`DROP TRIGGER IF EXISTS no_delete_events`) })

		_, err = env.Engine.DeleteTask(env.Ctx, a.ID)
		require.Error(t, err)
		assertTreeIntact(t)

		evts, err := env.Engine.TaskEvents(env.Ctx, a.ID, 10)
		require.NoError(t, err)
		for _, e := range evts {
			assert.NotEqual(t, "task.deleted", e.Type)
		}
	})
}

func TestEventTimestampsFollowEngineClock(t *testing.T) {
	env := newTestEnv(t)
	fixed := time.Date(2030, 5, 6, 7, 8, 9, 0, time.UTC)
	env.Engine.Now = func() time.Time { return fixed }

	task := env.create(t, "clocked")
	assert.True(t, task.CreatedAt.Equal(fixed))
	evts, err := env.Engine.TaskEvents(env.Ctx, task.ID, 1)
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.True(t, evts[0].TS.Equal(fixed), "event ts %s", evts[0].TS)
}

func TestUpdatedAtNeverMovesBackwards(t *testing.T) {
	env := newTestEnv(t)
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	env.Engine.Now = func() time.Time { return now }

	task := env.create(t, "clock skew")
	now = base.Add(10 * time.Second)
	first, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Status: engine.Value(domain.StatusInProgress)})
	require.NoError(t, err)
	assert.True(t, first.UpdatedAt.Equal(now))

	now = base.Add(5 * time.Second)
	second, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Status: engine.Value(domain.StatusDone)})
	require.NoError(t, err)
	assert.True(t, second.UpdatedAt.Equal(first.UpdatedAt), "updated_at went from %s to %s", first.UpdatedAt, second.UpdatedAt)

	got, err := env.Engine.GetTask(env.Ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, got.UpdatedAt.Before(first.UpdatedAt))
	assert.True(t, got.CreatedAt.Equal(base))
}
