package repo

import (
	"context"
	"database/sql"
	"errors"

	"taskline/internal/domain"
)

func (r Repo) InsertUser(ctx context.Context, q Queryer, u domain.User) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx, r.rebind(`INSERT INTO users(name,email,created_at) VALUES (?,?,?) RETURNING id`),
		u.Name, nullableStringPtr(u.Email), FormatTime(u.CreatedAt)).Scan(&id)
	if err != nil {
		return 0, classify(err)
	}
	return id, nil
}

func (r Repo) GetUser(ctx context.Context, q Queryer, id int64) (domain.User, error) {
	var u domain.User
	var email sql.NullString
	var created dbTime
	err := q.QueryRowContext(ctx, r.rebind(`SELECT id,name,email,created_at FROM users WHERE id=?`), id).
		Scan(&u.ID, &u.Name, &email, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return u, ErrNotFound
	}
	u.Email = stringPtr(email)
	u.CreatedAt = created.Time
	return u, err
}

func (r Repo) ListUsers(ctx context.Context, q Queryer) ([]domain.User, error) {
	rows, err := q.QueryContext(ctx, `SELECT id,name,email,created_at FROM users ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		var u domain.User
		var email sql.NullString
		var created dbTime
		if err := rows.Scan(&u.ID, &u.Name, &email, &created); err != nil {
			return nil, err
		}
		u.Email = stringPtr(email)
		u.CreatedAt = created.Time
		res = append(res, u)
	}
	return res, rows.Err()
}
