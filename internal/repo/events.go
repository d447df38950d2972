package repo

import (
	"context"
	"database/sql"

	"taskline/internal/domain"
)

// LatestEvents returns the newest events, optionally narrowed to one entity.
func (r Repo) LatestEvents(ctx context.Context, q Queryer, limit int, entityKind string, entityID int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id,ts,type,entity_kind,entity_id,request_id,payload_json FROM events`
	var args []any
	if entityKind != "" {
		query += ` WHERE entity_kind=? AND entity_id=?`
		args = append(args, entityKind, entityID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := q.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var ts dbTime
		var entity sql.NullInt64
		var requestID sql.NullString
		if err := rows.Scan(&e.ID, &ts, &e.Type, &e.EntityKind, &entity, &requestID, &e.Payload); err != nil {
			return nil, err
		}
		e.TS = ts.Time
		e.EntityID = int64Ptr(entity)
		e.RequestID = requestID.String
		res = append(res, e)
	}
	return res, rows.Err()
}
