package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"signalsim/internal/domain"
)

const (
	TypeUpsert = "intersection.upsert"
	TypeDelete = "intersection.delete"
	TypeTick   = "intersection.tick"
	TypeReset  = "intersection.reset"
)

type Payload map[string]any

type (
	requestIDKey struct{}
	actorKey     struct{}
)

// WithRequestID tags ctx so appended events can be traced to a request.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the id stored by WithRequestID, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// WithActor tags ctx with the authenticated subject behind a request.
func WithActor(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, actorKey{}, subject)
}

// Actor returns the subject stored by WithActor, if any.
func Actor(ctx context.Context) string {
	s, _ := ctx.Value(actorKey{}).(string)
	return s
}

// Journal is the append-only event log.
type Journal struct {
	DB  *sql.DB
	Now func() time.Time
}

func (j Journal) Append(ctx context.Context, evtType, intersectionID string, payload Payload) error {
	now := time.Now
	if j.Now != nil {
		now = j.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = j.DB.ExecContext(ctx, `INSERT INTO events(ts,type,intersection_id,request_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, intersectionID, nullable(RequestID(ctx)), nullable(Actor(ctx)), string(data))
	return err
}

// Latest returns up to limit events, newest first. An empty intersectionID
// matches every intersection.
func (j Journal) Latest(ctx context.Context, limit int, intersectionID string) ([]domain.Event, error) {
	query := `SELECT id,ts,type,intersection_id,COALESCE(request_id,''),COALESCE(actor_id,''),payload_json FROM events`
	var args []any
	if intersectionID != "" {
		query += ` WHERE intersection_id=?`
		args = append(args, intersectionID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	return j.query(ctx, query, args...)
}

// After returns up to limit events with id > cursor, oldest first.
func (j Journal) After(ctx context.Context, cursor int64, limit int) ([]domain.Event, error) {
	return j.query(ctx, `SELECT id,ts,type,intersection_id,COALESCE(request_id,''),COALESCE(actor_id,''),payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

// LastID returns the newest event id, or 0 when the journal is empty.
func (j Journal) LastID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := j.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func (j Journal) query(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := j.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.IntersectionID, &e.RequestID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
