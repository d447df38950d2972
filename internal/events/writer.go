package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"taskline/internal/db"
	"taskline/internal/logging"
	"taskline/internal/repo"
)

// Writer appends audit rows inside the caller's transaction so that an event
// exists exactly when the change it describes was committed.
type Writer struct {
	Dialect db.Dialect
	Now     func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, q repo.Queryer, evtType, entityKind string, entityID int64, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = q.ExecContext(ctx, w.Dialect.Rebind(`INSERT INTO events(ts,type,entity_kind,entity_id,request_id,payload_json) VALUES (?,?,?,?,?,?)`),
		repo.FormatTime(w.Now()), evtType, entityKind, nullableID(entityID), nullable(logging.RequestID(ctx)), string(data))
	if err != nil {
		return fmt.Errorf("append %s event: %w", evtType, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}
