// Package decisions is the append-only audit trail of coordinator decisions.
// Raw records only; nothing here summarizes, mutates or deletes.
package decisions

import (
	"context"
	"database/sql"
	"time"

	"missionline/internal/domain"
)

// Decision kinds recorded by the registry.
const (
	KindMissionCreated   = "mission.created"
	KindBidAccepted      = "bid.accepted"
	KindWindowClosed     = "window.closed"
	KindNoBids           = "no_bids"
	KindWinnerSelected   = "winner.selected"
	KindManualOverride   = "manual.override"
	KindBondRequested    = "bond.requested"
	KindBondConfirmed    = "bond.confirmed"
	KindBondRetry        = "bond.retry"
	KindBondTimeout      = "bond.timeout"
	KindBondFailed       = "bond.failed"
	KindCascadeAssigned  = "cascade.assigned"
	KindStaleConfirm     = "confirmation.discarded"
	KindWorkSubmitted    = "work.submitted"
	KindVerified         = "verification.recorded"
	KindSettled          = "settled"
	KindSettleConfirmed  = "settlement.confirmed"
	KindSettleRetry      = "settlement.retry"
	KindSettleUnreconc   = "settlement.unreconciled"
	KindDisputed         = "disputed"
	KindCancelled        = "cancelled"
	KindExpired          = "expired"
	KindReliabilityMark  = "reliability.strike"
	KindBondReleased     = "bond.released"
	KindBondReleaseAsked = "bond_release.requested"
)

type Log struct {
	DB  *sql.DB
	Now func() time.Time
}

func (l Log) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Append writes one decision record inside the caller's transaction so the
// record commits atomically with the transition it explains.
func (l Log) Append(ctx context.Context, tx *sql.Tx, kind, missionID, agentID, reason string) error {
	ts := l.now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `INSERT INTO decisions(ts,kind,mission_id,agent_id,reason) VALUES (?,?,?,?,?)`,
		ts, kind, nullable(missionID), nullable(agentID), reason)
	return err
}

// Latest returns the most recent n records, newest first.
func (l Log) Latest(ctx context.Context, n int, missionID string) ([]domain.DecisionRecord, error) {
	if n <= 0 {
		n = 20
	}
	query := `SELECT id,ts,kind,COALESCE(mission_id,''),COALESCE(agent_id,''),reason FROM decisions`
	var args []any
	if missionID != "" {
		query += ` WHERE mission_id=?`
		args = append(args, missionID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, n)
	return l.query(ctx, query, args...)
}

// Between returns records in [from, to], oldest first.
func (l Log) Between(ctx context.Context, from, to time.Time) ([]domain.DecisionRecord, error) {
	return l.query(ctx,
		`SELECT id,ts,kind,COALESCE(mission_id,''),COALESCE(agent_id,''),reason FROM decisions WHERE ts>=? AND ts<=? ORDER BY id`,
		from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339))
}

// After returns records with id greater than cursor, oldest first. Used by
// the webhook dispatcher.
func (l Log) After(ctx context.Context, cursor int64, limit int) ([]domain.DecisionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	return l.query(ctx,
		`SELECT id,ts,kind,COALESCE(mission_id,''),COALESCE(agent_id,''),reason FROM decisions WHERE id>? ORDER BY id LIMIT ?`,
		cursor, limit)
}

// LatestID returns the current head of the log, 0 when empty.
func (l Log) LatestID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	err := l.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM decisions`).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func (l Log) query(ctx context.Context, query string, args ...any) ([]domain.DecisionRecord, error) {
	rows, err := l.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DecisionRecord
	for rows.Next() {
		var d domain.DecisionRecord
		if err := rows.Scan(&d.ID, &d.TS, &d.Kind, &d.MissionID, &d.AgentID, &d.Reason); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
