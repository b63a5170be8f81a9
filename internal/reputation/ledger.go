// Package reputation is the append-only score ledger. Agent scores are never
// written in place; every change is a new entry and the current score is the
// NewScore of the latest one.
package reputation

import (
	"context"
	"database/sql"
	"time"

	"missionline/internal/domain"
)

type Ledger struct {
	DB       *sql.DB
	Starting float64
	Now      func() time.Time
}

func (l Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// CurrentScore returns the agent's score from the latest entry, or the
// configured starting score when the agent has no history yet.
func (l Ledger) CurrentScore(ctx context.Context, agentID string) (float64, error) {
	return l.currentScore(ctx, l.DB.QueryRowContext, agentID)
}

func (l Ledger) CurrentScoreTx(ctx context.Context, tx *sql.Tx, agentID string) (float64, error) {
	return l.currentScore(ctx, tx.QueryRowContext, agentID)
}

func (l Ledger) currentScore(ctx context.Context, queryRow func(context.Context, string, ...any) *sql.Row, agentID string) (float64, error) {
	var score float64
	err := queryRow(ctx, `SELECT new_score FROM reputation_entries WHERE agent_id=? ORDER BY id DESC LIMIT 1`, agentID).Scan(&score)
	if err == sql.ErrNoRows {
		return l.Starting, nil
	}
	if err != nil {
		return 0, err
	}
	return score, nil
}

// Append records a delta as a new entry inside the caller's transaction and
// returns the resulting score. Scores are clamped to [0, 100].
func (l Ledger) Append(ctx context.Context, tx *sql.Tx, agentID string, delta float64, reason string) (float64, error) {
	old, err := l.CurrentScoreTx(ctx, tx, agentID)
	if err != nil {
		return 0, err
	}
	next := old + delta
	if next < 0 {
		next = 0
	}
	if next > 100 {
		next = 100
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO reputation_entries(agent_id,old_score,new_score,reason,ts) VALUES (?,?,?,?,?)`,
		agentID, old, next, reason, l.now().UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return next, nil
}

// History returns the agent's entries, oldest first, optionally bounded by time.
func (l Ledger) History(ctx context.Context, agentID string, from, to *time.Time) ([]domain.ReputationEntry, error) {
	query := `SELECT id,agent_id,old_score,new_score,reason,ts FROM reputation_entries WHERE agent_id=?`
	args := []any{agentID}
	if from != nil {
		query += ` AND ts>=?`
		args = append(args, from.UTC().Format(time.RFC3339))
	}
	if to != nil {
		query += ` AND ts<=?`
		args = append(args, to.UTC().Format(time.RFC3339))
	}
	query += ` ORDER BY id`
	rows, err := l.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ReputationEntry
	for rows.Next() {
		var e domain.ReputationEntry
		if err := rows.Scan(&e.ID, &e.AgentID, &e.OldScore, &e.NewScore, &e.Reason, &e.TS); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// Replay folds the agent's history from the starting score and returns the
// reconstructed current value. Audit helper; must equal CurrentScore.
func (l Ledger) Replay(ctx context.Context, agentID string) (float64, error) {
	entries, err := l.History(ctx, agentID, nil, nil)
	if err != nil {
		return 0, err
	}
	score := l.Starting
	for _, e := range entries {
		score = e.NewScore
	}
	return score, nil
}
