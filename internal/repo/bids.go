package repo

import (
	"context"
	"database/sql"
	"time"

	"missionline/internal/domain"
)

const bidColumns = `id,mission_id,agent_id,price,eta_minutes,bond_offered,message,submitted_at`

func scanBid(scan func(dest ...any) error) (domain.Bid, error) {
	var b domain.Bid
	var msg sql.NullString
	err := scan(&b.ID, &b.MissionID, &b.AgentID, &b.Price, &b.EtaMinutes, &b.BondOffered, &msg, &b.SubmittedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	if msg.Valid {
		b.Message = msg.String
	}
	return b, err
}

// UpsertBid inserts the agent's bid or replaces its previous one for the
// same mission. Replacement is only legal while the window is open; the
// registry enforces that before calling here.
func (r Repo) UpsertBid(ctx context.Context, tx *sql.Tx, b domain.Bid) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO bids(`+bidColumns+`) VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(mission_id, agent_id) DO UPDATE SET
  id=excluded.id, price=excluded.price, eta_minutes=excluded.eta_minutes,
  bond_offered=excluded.bond_offered, message=excluded.message, submitted_at=excluded.submitted_at`,
		b.ID, b.MissionID, b.AgentID, b.Price, b.EtaMinutes, b.BondOffered, nullable(b.Message), b.SubmittedAt)
	return err
}

func (r Repo) ListBids(ctx context.Context, missionID string) ([]domain.Bid, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+bidColumns+` FROM bids WHERE mission_id=? ORDER BY submitted_at, agent_id`, missionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Bid
	for rows.Next() {
		b, err := scanBid(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

func (r Repo) ListBidsTx(ctx context.Context, tx *sql.Tx, missionID string) ([]domain.Bid, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+bidColumns+` FROM bids WHERE mission_id=? ORDER BY submitted_at, agent_id`, missionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Bid
	for rows.Next() {
		b, err := scanBid(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

func (r Repo) GetBidByAgent(ctx context.Context, tx *sql.Tx, missionID, agentID string) (domain.Bid, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+bidColumns+` FROM bids WHERE mission_id=? AND agent_id=?`, missionID, agentID)
	return scanBid(row.Scan)
}

func (r Repo) InsertForfeit(ctx context.Context, tx *sql.Tx, missionID, agentID string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO mission_forfeits(mission_id,agent_id,created_at) VALUES (?,?,?)`,
		missionID, agentID, time.Now().UTC().Format(time.RFC3339))
	return err
}

func (r Repo) ListForfeits(ctx context.Context, tx *sql.Tx, missionID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT agent_id FROM mission_forfeits WHERE mission_id=?`, missionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		res = append(res, id)
	}
	return res, rows.Err()
}
