// Package directory resolves agent identities and answers eligibility
// questions for the bidding path.
package directory

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"missionline/internal/config"
	"missionline/internal/domain"
	"missionline/internal/reputation"
	"missionline/internal/repo"
)

type Directory struct {
	DB     *sql.DB
	Repo   repo.Repo
	Ledger reputation.Ledger
	Policy config.PolicyConfig
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) *Directory {
	return &Directory{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Ledger: reputation.Ledger{DB: db, Starting: cfg.Policy.StartingReputation},
		Policy: cfg.Policy,
		Now:    time.Now,
	}
}

// GetAgent returns the stored profile with its live reputation score.
func (d *Directory) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	a, err := d.Repo.GetAgent(ctx, id)
	if err != nil {
		return domain.Agent{}, err
	}
	score, err := d.Ledger.CurrentScore(ctx, id)
	if err != nil {
		return domain.Agent{}, err
	}
	a.Reputation = score
	return a, nil
}

func (d *Directory) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	agents, err := d.Repo.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	for i := range agents {
		score, err := d.Ledger.CurrentScore(ctx, agents[i].ID)
		if err != nil {
			return nil, err
		}
		agents[i].Reputation = score
	}
	return agents, nil
}

// IsEligible reports whether the agent may bid on the mission. The returned
// string explains a refusal.
func (d *Directory) IsEligible(ctx context.Context, a domain.Agent, m domain.Mission) (bool, string, error) {
	if a.Role != domain.AgentRoleWorker {
		return false, fmt.Sprintf("role %s cannot bid", a.Role), nil
	}
	if !a.Available {
		return false, "agent is unavailable", nil
	}
	if min := d.Policy.MinReputation; min > 0 && a.Reputation < min {
		return false, fmt.Sprintf("reputation %.1f below minimum %.1f", a.Reputation, min), nil
	}
	if max := d.Policy.MaxActiveAssignments; max > 0 {
		active, err := d.Repo.CountActiveAssignments(ctx, a.ID)
		if err != nil {
			return false, "", err
		}
		if active >= max {
			return false, fmt.Sprintf("agent holds %d active assignments (limit %d)", active, max), nil
		}
	}
	return true, "", nil
}

// RegisterAgent stores a new profile and mints its first API key. The raw
// key is returned once and only its hash is persisted.
func (d *Directory) RegisterAgent(ctx context.Context, id, role string, specialties []string) (domain.Agent, string, error) {
	switch role {
	case domain.AgentRoleWorker, domain.AgentRoleVerifier:
	default:
		return domain.Agent{}, "", fmt.Errorf("unknown agent role %q", role)
	}
	now := d.now().UTC()
	a := domain.Agent{
		ID:          id,
		Role:        role,
		Specialties: specialties,
		Available:   true,
		Reputation:  d.Policy.StartingReputation,
		CreatedAt:   now.Format(time.RFC3339),
	}
	rawKey := uuid.New().String()
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agent{}, "", err
	}
	defer tx.Rollback()
	if err := d.Repo.InsertAgent(ctx, tx, a); err != nil {
		return domain.Agent{}, "", fmt.Errorf("insert agent: %w", err)
	}
	if err := d.Repo.InsertAPIKey(ctx, tx, domain.APIKey{
		ID:        uuid.New().String(),
		AgentID:   id,
		Name:      "default",
		KeyHash:   repo.HashAPIKey(rawKey),
		CreatedAt: now.Format(time.RFC3339),
	}); err != nil {
		return domain.Agent{}, "", fmt.Errorf("insert api key: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Agent{}, "", err
	}
	return a, rawKey, nil
}

// MintAPIKey issues an additional named key for an existing agent.
func (d *Directory) MintAPIKey(ctx context.Context, agentID, name string) (string, error) {
	if _, err := d.Repo.GetAgent(ctx, agentID); err != nil {
		return "", err
	}
	rawKey := uuid.New().String()
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	if err := d.Repo.InsertAPIKey(ctx, tx, domain.APIKey{
		ID:        uuid.New().String(),
		AgentID:   agentID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(rawKey),
		CreatedAt: d.now().UTC().Format(time.RFC3339),
	}); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return rawKey, nil
}

func (d *Directory) ListKeys(ctx context.Context, agentID string) ([]domain.APIKey, error) {
	return d.Repo.ListAPIKeys(ctx, agentID)
}

func (d *Directory) RevokeKey(ctx context.Context, keyID string) error {
	return d.Repo.DeleteAPIKey(ctx, keyID)
}

// ValidateCredential maps a raw API key to its agent.
func (d *Directory) ValidateCredential(ctx context.Context, rawKey string) (domain.Agent, error) {
	key, err := d.Repo.GetAPIKeyByHash(ctx, repo.HashAPIKey(rawKey))
	if err != nil {
		return domain.Agent{}, err
	}
	return d.GetAgent(ctx, key.AgentID)
}

func (d *Directory) SetAvailability(ctx context.Context, agentID string, available bool) error {
	return d.Repo.SetAgentAvailability(ctx, agentID, available)
}

func (d *Directory) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}
