package repo

import (
	"context"
	"database/sql"
	"errors"

	"missionline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const missionColumns = `id,proposer_id,objective,escrow,status,window_closes_at,winner_agent_id,bond_deadline,cancel_reason,created_at,updated_at`

func scanMission(scan func(dest ...any) error) (domain.Mission, error) {
	var m domain.Mission
	var winner, deadline, reason sql.NullString
	err := scan(&m.ID, &m.ProposerID, &m.Objective, &m.Escrow, &m.Status,
		&m.WindowClosesAt, &winner, &deadline, &reason, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	if winner.Valid {
		m.WinnerAgentID = &winner.String
	}
	if deadline.Valid {
		m.BondDeadline = &deadline.String
	}
	if reason.Valid {
		m.CancelReason = &reason.String
	}
	return m, nil
}

func (r Repo) InsertMission(ctx context.Context, tx *sql.Tx, m domain.Mission) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO missions(`+missionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.ProposerID, m.Objective, m.Escrow, m.Status, m.WindowClosesAt,
		m.WinnerAgentID, m.BondDeadline, m.CancelReason, m.CreatedAt, m.UpdatedAt)
	return err
}

func (r Repo) GetMission(ctx context.Context, id string) (domain.Mission, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+missionColumns+` FROM missions WHERE id=?`, id)
	return scanMission(row.Scan)
}

func (r Repo) GetMissionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Mission, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+missionColumns+` FROM missions WHERE id=?`, id)
	return scanMission(row.Scan)
}

func (r Repo) UpdateMission(ctx context.Context, tx *sql.Tx, m domain.Mission) error {
	res, err := tx.ExecContext(ctx, `UPDATE missions SET status=?,winner_agent_id=?,bond_deadline=?,cancel_reason=?,updated_at=? WHERE id=?`,
		m.Status, m.WinnerAgentID, m.BondDeadline, m.CancelReason, m.UpdatedAt, m.ID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListMissions(ctx context.Context, status string) ([]domain.Mission, error) {
	query := `SELECT ` + missionColumns + ` FROM missions`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Mission
	for rows.Next() {
		m, err := scanMission(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// ListLiveMissions returns missions still holding a timer: open windows and
// assigned missions awaiting a bond. Used to resume timers after restart.
func (r Repo) ListLiveMissions(ctx context.Context) ([]domain.Mission, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+missionColumns+` FROM missions WHERE status IN (?,?)`,
		domain.MissionOpen, domain.MissionAssigned)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Mission
	for rows.Next() {
		m, err := scanMission(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// CountActiveAssignments counts missions where the agent is the current
// winner and work is not yet finished.
func (r Repo) CountActiveAssignments(ctx context.Context, agentID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM missions WHERE winner_agent_id=? AND status IN (?,?,?,?)`,
		agentID, domain.MissionAssigned, domain.MissionInProgress, domain.MissionSubmitted, domain.MissionVerifying).Scan(&n)
	return n, err
}

func (r Repo) CountMissionsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM missions GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
