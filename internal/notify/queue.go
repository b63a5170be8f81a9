// Package notify delivers ordered per-agent notification events. Enqueue is
// synchronous with the registry transition that caused it; delivery is
// at-least-once and consumers dedupe by event id.
package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"missionline/internal/domain"
)

type Queue struct {
	DB  *sql.DB
	Now func() time.Time
}

type Payload map[string]any

func (q Queue) now() time.Time {
	if q.Now != nil {
		return q.Now()
	}
	return time.Now()
}

// Enqueue appends an event for the agent inside the caller's transaction.
// The per-agent seq preserves FIFO order independent of wall-clock ties.
func (q Queue) Enqueue(ctx context.Context, tx *sql.Tx, agentID, kind string, payload Payload) error {
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal notification payload: %w", err)
	}
	var seq sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(seq) FROM notifications WHERE agent_id=?`, agentID).Scan(&seq); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO notifications(id,agent_id,kind,payload_json,enqueued_at,seq,delivered) VALUES (?,?,?,?,?,?,0)`,
		uuid.New().String(), agentID, kind, string(data), q.now().UTC().Format(time.RFC3339), seq.Int64+1)
	return err
}

// Pending returns undelivered events for the agent in enqueue order.
func (q Queue) Pending(ctx context.Context, agentID string, limit int) ([]domain.NotificationEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.DB.QueryContext(ctx,
		`SELECT id,agent_id,kind,payload_json,enqueued_at,delivered FROM notifications WHERE agent_id=? AND delivered=0 ORDER BY seq LIMIT ?`,
		agentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows)
}

// History returns all events for the agent in enqueue order, delivered or not.
func (q Queue) History(ctx context.Context, agentID string, limit int) ([]domain.NotificationEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.DB.QueryContext(ctx,
		`SELECT id,agent_id,kind,payload_json,enqueued_at,delivered FROM notifications WHERE agent_id=? ORDER BY seq LIMIT ?`,
		agentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows)
}

// MarkDelivered acknowledges one event. Acknowledging twice is harmless,
// which is what makes redelivery safe.
func (q Queue) MarkDelivered(ctx context.Context, eventID string) error {
	_, err := q.DB.ExecContext(ctx, `UPDATE notifications SET delivered=1 WHERE id=?`, eventID)
	return err
}

func collect(rows *sql.Rows) ([]domain.NotificationEvent, error) {
	var res []domain.NotificationEvent
	for rows.Next() {
		var e domain.NotificationEvent
		var delivered int
		if err := rows.Scan(&e.ID, &e.AgentID, &e.Kind, &e.Payload, &e.EnqueuedAt, &delivered); err != nil {
			return nil, err
		}
		e.Delivered = delivered != 0
		res = append(res, e)
	}
	return res, rows.Err()
}
