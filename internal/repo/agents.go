package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"missionline/internal/domain"
)

func scanAgent(scan func(dest ...any) error) (domain.Agent, error) {
	var a domain.Agent
	var specialties sql.NullString
	var available int
	err := scan(&a.ID, &a.Role, &specialties, &available, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Available = available != 0
	if specialties.Valid && specialties.String != "" {
		_ = json.Unmarshal([]byte(specialties.String), &a.Specialties)
	}
	return a, nil
}

func (r Repo) InsertAgent(ctx context.Context, tx *sql.Tx, a domain.Agent) error {
	var specialties any
	if len(a.Specialties) > 0 {
		b, err := json.Marshal(a.Specialties)
		if err != nil {
			return err
		}
		specialties = string(b)
	}
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	_, err := exec(ctx, `INSERT INTO agents(id,role,specialties,available,created_at) VALUES (?,?,?,?,?)`,
		a.ID, a.Role, specialties, boolToInt(a.Available), a.CreatedAt)
	return err
}

func (r Repo) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,role,specialties,available,created_at FROM agents WHERE id=?`, id)
	return scanAgent(row.Scan)
}

func (r Repo) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,role,specialties,available,created_at FROM agents ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) SetAgentAvailability(ctx context.Context, id string, available bool) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE agents SET available=? WHERE id=?`, boolToInt(available), id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
