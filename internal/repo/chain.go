package repo

import (
	"context"
	"database/sql"

	"missionline/internal/domain"
)

const chainTaskColumns = `id,mission_id,worker_address,verifier_address,escrow,worker_bond,status,settled,created_at,completed_at`

func scanChainTask(scan func(dest ...any) error) (domain.ChainTask, error) {
	var t domain.ChainTask
	var verifier, completed sql.NullString
	var settled int
	err := scan(&t.ID, &t.MissionID, &t.WorkerAddress, &verifier, &t.Escrow, &t.WorkerBond,
		&t.Status, &settled, &t.CreatedAt, &completed)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Settled = settled != 0
	if verifier.Valid {
		t.VerifierAddr = verifier.String
	}
	if completed.Valid {
		t.CompletedAt = &completed.String
	}
	return t, nil
}

// UpsertChainTask refreshes the local projection from a confirmed chain event.
func (r Repo) UpsertChainTask(ctx context.Context, tx *sql.Tx, t domain.ChainTask) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO chain_tasks(`+chainTaskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
  status=excluded.status, settled=excluded.settled, worker_bond=excluded.worker_bond,
  verifier_address=excluded.verifier_address, completed_at=excluded.completed_at`,
		t.ID, t.MissionID, t.WorkerAddress, nullable(t.VerifierAddr), t.Escrow, t.WorkerBond,
		t.Status, boolToInt(t.Settled), t.CreatedAt, t.CompletedAt)
	return err
}

func (r Repo) GetChainTask(ctx context.Context, id string) (domain.ChainTask, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+chainTaskColumns+` FROM chain_tasks WHERE id=?`, id)
	return scanChainTask(row.Scan)
}

func (r Repo) GetChainTaskByMission(ctx context.Context, missionID string) (domain.ChainTask, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+chainTaskColumns+` FROM chain_tasks WHERE mission_id=?`, missionID)
	return scanChainTask(row.Scan)
}

const chainOpColumns = `id,mission_id,agent_id,kind,amount,status,attempts,created_at,updated_at`

func scanChainOp(scan func(dest ...any) error) (domain.ChainOp, error) {
	var op domain.ChainOp
	var agent sql.NullString
	err := scan(&op.ID, &op.MissionID, &agent, &op.Kind, &op.Amount, &op.Status, &op.Attempts, &op.CreatedAt, &op.UpdatedAt)
	if err == sql.ErrNoRows {
		return op, ErrNotFound
	}
	if agent.Valid {
		op.AgentID = agent.String
	}
	return op, err
}

func (r Repo) InsertChainOp(ctx context.Context, tx *sql.Tx, op domain.ChainOp) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO chain_ops(`+chainOpColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		op.ID, op.MissionID, nullable(op.AgentID), op.Kind, op.Amount, op.Status, op.Attempts, op.CreatedAt, op.UpdatedAt)
	return err
}

func (r Repo) UpdateChainOp(ctx context.Context, tx *sql.Tx, op domain.ChainOp) error {
	res, err := tx.ExecContext(ctx, `UPDATE chain_ops SET status=?, attempts=?, updated_at=? WHERE id=?`,
		op.Status, op.Attempts, op.UpdatedAt, op.ID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// LatestChainOp returns the newest op of the given kind for a mission.
func (r Repo) LatestChainOp(ctx context.Context, tx *sql.Tx, missionID, kind string) (domain.ChainOp, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+chainOpColumns+` FROM chain_ops WHERE mission_id=? AND kind=? ORDER BY created_at DESC, id DESC LIMIT 1`,
		missionID, kind)
	return scanChainOp(row.Scan)
}

func (r Repo) ListChainOps(ctx context.Context, missionID string) ([]domain.ChainOp, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+chainOpColumns+` FROM chain_ops WHERE mission_id=? ORDER BY created_at`, missionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ChainOp
	for rows.Next() {
		op, err := scanChainOp(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, op)
	}
	return res, rows.Err()
}
