package directory_test

import (
	"context"
	"testing"
	"time"

	"missionline/internal/config"
	"missionline/internal/db"
	"missionline/internal/directory"
	"missionline/internal/domain"
	"missionline/internal/migrate"
)

func newDirectory(t *testing.T) (*directory.Directory, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("mkt-test")
	cfg.Policy.MinReputation = 20
	d := directory.New(conn, cfg)
	d.Now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return d, context.Background()
}

func TestRegisterAndValidate(t *testing.T) {
	d, ctx := newDirectory(t)
	a, rawKey, err := d.RegisterAgent(ctx, "agent-1", domain.AgentRoleWorker, []string{"translation"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if rawKey == "" {
		t.Fatal("raw key not returned")
	}
	if a.Reputation != 50 {
		t.Fatalf("want starting reputation 50, got %.1f", a.Reputation)
	}

	got, err := d.ValidateCredential(ctx, rawKey)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if got.ID != "agent-1" {
		t.Fatalf("want agent-1, got %s", got.ID)
	}
	if _, err := d.ValidateCredential(ctx, "wrong-key"); err == nil {
		t.Fatal("bad key should be rejected")
	}
}

func TestRegisterRejectsUnknownRole(t *testing.T) {
	d, ctx := newDirectory(t)
	if _, _, err := d.RegisterAgent(ctx, "agent-1", "auditor", nil); err == nil {
		t.Fatal("unknown role should be rejected")
	}
}

func TestEligibility(t *testing.T) {
	d, ctx := newDirectory(t)
	m := domain.Mission{ID: "m1", Escrow: 100, Status: domain.MissionOpen}

	worker := domain.Agent{ID: "w1", Role: domain.AgentRoleWorker, Available: true, Reputation: 50}
	if ok, why, err := d.IsEligible(ctx, worker, m); err != nil || !ok {
		t.Fatalf("worker should be eligible: %s %v", why, err)
	}

	verifier := domain.Agent{ID: "v1", Role: domain.AgentRoleVerifier, Available: true, Reputation: 50}
	if ok, _, _ := d.IsEligible(ctx, verifier, m); ok {
		t.Fatal("verifiers must not bid")
	}

	offline := domain.Agent{ID: "w2", Role: domain.AgentRoleWorker, Available: false, Reputation: 50}
	if ok, _, _ := d.IsEligible(ctx, offline, m); ok {
		t.Fatal("unavailable agent must not bid")
	}

	lowRep := domain.Agent{ID: "w3", Role: domain.AgentRoleWorker, Available: true, Reputation: 10}
	if ok, why, _ := d.IsEligible(ctx, lowRep, m); ok {
		t.Fatalf("reputation below floor must not bid: %s", why)
	}
}
