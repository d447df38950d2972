package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"taskline/internal/db"
	"taskline/internal/domain"
)

const taskColumns = `id,title,description,due_date,status,priority,responsible,responsible_id,parent_id,created_at,updated_at`

func scanTask(s rowScanner) (domain.Task, error) {
	var t domain.Task
	var description, responsible sql.NullString
	var responsibleID, parentID sql.NullInt64
	var due, created, updated dbTime
	if err := s.Scan(&t.ID, &t.Title, &description, &due, &t.Status, &t.Priority, &responsible, &responsibleID, &parentID, &created, &updated); err != nil {
		return t, err
	}
	t.Description = stringPtr(description)
	t.Responsible = stringPtr(responsible)
	t.ResponsibleID = int64Ptr(responsibleID)
	t.ParentID = int64Ptr(parentID)
	t.DueDate = due.ptr()
	t.CreatedAt = created.Time
	t.UpdatedAt = updated.Time
	return t, nil
}

func scanTasks(rows *sql.Rows) ([]domain.Task, error) {
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// InsertTask stores t and returns the generated id.
func (r Repo) InsertTask(ctx context.Context, q Queryer, t domain.Task) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx, r.rebind(`INSERT INTO tasks(title,description,due_date,status,priority,responsible,responsible_id,parent_id,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?) RETURNING id`),
		t.Title, nullableStringPtr(t.Description), nullableTimePtr(t.DueDate), t.Status, t.Priority,
		nullableStringPtr(t.Responsible), nullableInt64Ptr(t.ResponsibleID), nullableInt64Ptr(t.ParentID),
		FormatTime(t.CreatedAt), FormatTime(t.UpdatedAt)).Scan(&id)
	if err != nil {
		return 0, classify(err)
	}
	return id, nil
}

// UpdateTask rewrites every mutable column of t. created_at is never touched.
func (r Repo) UpdateTask(ctx context.Context, q Queryer, t domain.Task) error {
	res, err := q.ExecContext(ctx, r.rebind(`UPDATE tasks SET title=?, description=?, due_date=?, status=?, priority=?, responsible=?, responsible_id=?, parent_id=?, updated_at=? WHERE id=?`),
		t.Title, nullableStringPtr(t.Description), nullableTimePtr(t.DueDate), t.Status, t.Priority,
		nullableStringPtr(t.Responsible), nullableInt64Ptr(t.ResponsibleID), nullableInt64Ptr(t.ParentID),
		FormatTime(t.UpdatedAt), t.ID)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetTask(ctx context.Context, q Queryer, id int64) (domain.Task, error) {
	t, err := scanTask(q.QueryRowContext(ctx, r.rebind(`SELECT `+taskColumns+` FROM tasks WHERE id=?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	return t, err
}

// ParentOf returns the parent id of a task, nil for top-level tasks.
func (r Repo) ParentOf(ctx context.Context, q Queryer, id int64) (*int64, error) {
	var parent sql.NullInt64
	err := q.QueryRowContext(ctx, r.rebind(`SELECT parent_id FROM tasks WHERE id=?`), id).Scan(&parent)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return int64Ptr(parent), nil
}

// ListTopLevelTasks returns tasks without a parent, newest first.
func (r Repo) ListTopLevelTasks(ctx context.Context, q Queryer) ([]domain.Task, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE parent_id IS NULL ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	return scanTasks(rows)
}

// ListSubtasks loads the direct children of parentID in creation order.
func (r Repo) ListSubtasks(ctx context.Context, q Queryer, parentID int64) ([]domain.Task, error) {
	rows, err := q.QueryContext(ctx, r.rebind(`SELECT `+taskColumns+` FROM tasks WHERE parent_id=? ORDER BY created_at ASC, id ASC`), parentID)
	if err != nil {
		return nil, err
	}
	return scanTasks(rows)
}

// ListTopLevelSubtasks loads the direct children of every top-level task in
// one query, keyed by parent id. The parents are selected by subquery so the
// statement size does not grow with the number of tasks.
func (r Repo) ListTopLevelSubtasks(ctx context.Context, q Queryer) (map[int64][]domain.Task, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks
WHERE parent_id IN (SELECT id FROM tasks WHERE parent_id IS NULL)
ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	children, err := scanTasks(rows)
	if err != nil {
		return nil, err
	}
	res := make(map[int64][]domain.Task)
	for _, c := range children {
		res[*c.ParentID] = append(res[*c.ParentID], c)
	}
	return res, nil
}

func (r Repo) ListChildren(ctx context.Context, q Queryer, taskID int64) ([]int64, error) {
	rows, err := q.QueryContext(ctx, r.rebind(`SELECT id FROM tasks WHERE parent_id=? ORDER BY id`), taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// deleteBatch keeps IN lists well below the bind variable limits of both
// drivers.
const deleteBatch = 500

// DeleteTasks removes the given rows and reports how many were deleted.
func (r Repo) DeleteTasks(ctx context.Context, q Queryer, ids []int64) (int64, error) {
	var total int64
	for start := 0; start < len(ids); start += deleteBatch {
		end := min(start+deleteBatch, len(ids))
		chunk := ids[start:end]
		res, err := q.ExecContext(ctx, r.rebind(fmt.Sprintf(`DELETE FROM tasks WHERE id IN (%s)`, db.Placeholders(len(chunk)))), int64Args(chunk)...)
		if err != nil {
			return total, classify(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}
