package registry_test

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"missionline/internal/chain"
	"missionline/internal/config"
	"missionline/internal/db"
	"missionline/internal/decisions"
	"missionline/internal/domain"
	"missionline/internal/migrate"
	"missionline/internal/registry"
	"missionline/internal/repo"
)

// recordingBridge captures chain requests without delivering confirmations;
// tests invoke the registry's handler methods directly to script outcomes.
type recordingBridge struct {
	mu           sync.Mutex
	bondRequests []bondRequest
	settlements  []string
	releases     []string
}

type bondRequest struct {
	MissionID string
	AgentID   string
	Amount    float64
}

func (b *recordingBridge) RequestBondPosting(_ context.Context, missionID, agentID string, amount float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bondRequests = append(b.bondRequests, bondRequest{missionID, agentID, amount})
	return nil
}

func (b *recordingBridge) RequestSettlement(_ context.Context, missionID, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.settlements = append(b.settlements, missionID)
	return nil
}

func (b *recordingBridge) RequestBondRelease(_ context.Context, missionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.releases = append(b.releases, missionID)
	return nil
}

func (b *recordingBridge) GetTask(context.Context, string) (domain.ChainTask, error) {
	return domain.ChainTask{}, errors.New("no task")
}

func (b *recordingBridge) Subscribe(chain.Handler) {}

func (b *recordingBridge) lastBond(t *testing.T) bondRequest {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.bondRequests) == 0 {
		t.Fatal("no bond posting requested")
	}
	return b.bondRequests[len(b.bondRequests)-1]
}

func (b *recordingBridge) bondCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.bondRequests)
}

type fakeDirectory struct {
	agents map[string]domain.Agent
}

func (d fakeDirectory) GetAgent(_ context.Context, id string) (domain.Agent, error) {
	a, ok := d.agents[id]
	if !ok {
		return domain.Agent{}, repo.ErrNotFound
	}
	return a, nil
}

func (d fakeDirectory) IsEligible(_ context.Context, a domain.Agent, _ domain.Mission) (bool, string, error) {
	if !a.Available {
		return false, "agent unavailable", nil
	}
	return true, "", nil
}

func seedAgents(t *testing.T, conn *sql.DB, agents map[string]domain.Agent) {
	t.Helper()
	ctx := context.Background()
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	r := repo.Repo{DB: conn}
	for _, a := range agents {
		a.CreatedAt = "2026-03-01T12:00:00Z"
		if err := r.InsertAgent(ctx, tx, a); err != nil {
			t.Fatalf("seed agent %s: %v", a.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

type testEnv struct {
	Reg    *registry.Registry
	Bridge *recordingBridge
	DB     *sql.DB
	Dir    fakeDirectory
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	bridge := &recordingBridge{}
	agents := fakeDirectory{agents: map[string]domain.Agent{
		"agent-x": {ID: "agent-x", Role: domain.AgentRoleWorker, Available: true, Reputation: 50},
		"agent-y": {ID: "agent-y", Role: domain.AgentRoleWorker, Available: true, Reputation: 50},
		"agent-z": {ID: "agent-z", Role: domain.AgentRoleWorker, Available: true, Reputation: 50},
		"offline": {ID: "offline", Role: domain.AgentRoleWorker, Available: false, Reputation: 50},
	}}
	seedAgents(t, conn, agents.agents)
	reg := registry.New(conn, config.Default("mkt-test"), bridge, agents)
	reg.Now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return testEnv{Reg: reg, Bridge: bridge, DB: conn, Dir: agents, Ctx: context.Background()}
}

func (e testEnv) openMission(t *testing.T) domain.Mission {
	t.Helper()
	m, err := e.Reg.CreateMission(e.Ctx, registry.CreateMissionOptions{
		ProposerID: "proposer-1",
		Objective:  "translate dataset",
		Escrow:     100,
		Window:     30 * time.Minute,
	})
	if err != nil {
		t.Fatalf("create mission: %v", err)
	}
	return m
}

func (e testEnv) bid(t *testing.T, missionID, agentID string, price float64, eta int, bond float64) domain.Bid {
	t.Helper()
	b, _, err := e.Reg.SubmitBid(e.Ctx, registry.SubmitBidOptions{
		MissionID:   missionID,
		AgentID:     agentID,
		Price:       price,
		EtaMinutes:  eta,
		BondOffered: bond,
	})
	if err != nil {
		t.Fatalf("bid %s: %v", agentID, err)
	}
	return b
}

func (e testEnv) assigned(t *testing.T, missionID string) domain.Mission {
	t.Helper()
	e.bid(t, missionID, "agent-x", 100, 30, 50)
	e.bid(t, missionID, "agent-y", 90, 45, 80)
	if err := e.Reg.CloseBiddingWindow(e.Ctx, missionID, "tester"); err != nil {
		t.Fatalf("close window: %v", err)
	}
	m, err := e.Reg.GetMission(e.Ctx, missionID)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func hasDecision(t *testing.T, env testEnv, missionID, kind string) bool {
	t.Helper()
	recs, err := env.Reg.GetDecisionHistory(env.Ctx, 100, missionID)
	if err != nil {
		t.Fatalf("decision history: %v", err)
	}
	for _, r := range recs {
		if r.Kind == kind {
			return true
		}
	}
	return false
}

func TestWinnerSelection(t *testing.T) {
	env := newTestEnv(t)
	m := env.openMission(t)
	m = env.assigned(t, m.ID)

	if m.Status != domain.MissionAssigned {
		t.Fatalf("want assigned, got %s", m.Status)
	}
	// under default weights the cheaper, higher-bond bid wins
	if m.WinnerAgentID == nil || *m.WinnerAgentID != "agent-y" {
		t.Fatalf("want agent-y as winner, got %v", m.WinnerAgentID)
	}
	if m.BondDeadline == nil {
		t.Fatal("bond deadline not set")
	}
	req := env.Bridge.lastBond(t)
	if req.AgentID != "agent-y" || req.Amount != 80 {
		t.Fatalf("bond request mismatch: %+v", req)
	}
	for _, kind := range []string{decisions.KindWindowClosed, decisions.KindWinnerSelected, decisions.KindBondRequested} {
		if !hasDecision(t, env, m.ID, kind) {
			t.Fatalf("missing decision %s", kind)
		}
	}
	// winner and losers both notified, in order
	won, err := env.Reg.Notify.Pending(env.Ctx, "agent-y", 10)
	if err != nil || len(won) == 0 {
		t.Fatalf("winner notifications: %v %v", won, err)
	}
	if won[len(won)-1].Kind != domain.EventBidWon {
		t.Fatalf("want bid.won, got %s", won[len(won)-1].Kind)
	}
	lost, err := env.Reg.Notify.Pending(env.Ctx, "agent-x", 10)
	if err != nil || len(lost) == 0 || lost[len(lost)-1].Kind != domain.EventBidLost {
		t.Fatalf("loser notifications: %v %v", lost, err)
	}
}

func TestCloseWithNoBidsExpires(t *testing.T) {
	env := newTestEnv(t)
	m := env.openMission(t)
	if err := env.Reg.CloseBiddingWindow(env.Ctx, m.ID, "tester"); err != nil {
		t.Fatalf("close: %v", err)
	}
	m, err := env.Reg.GetMission(env.Ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != domain.MissionExpired {
		t.Fatalf("want expired, got %s", m.Status)
	}
	if !hasDecision(t, env, m.ID, decisions.KindNoBids) {
		t.Fatal("missing no_bids decision")
	}
	// closing again is a no-op
	if err := env.Reg.CloseBiddingWindow(env.Ctx, m.ID, "tester"); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestBidValidation(t *testing.T) {
	env := newTestEnv(t)
	m := env.openMission(t)

	_, _, err := env.Reg.SubmitBid(env.Ctx, registry.SubmitBidOptions{MissionID: m.ID, AgentID: "agent-x", Price: 0, EtaMinutes: 30, BondOffered: 10})
	if !errors.Is(err, registry.ErrInvalidBid) {
		t.Fatalf("zero price: want ErrInvalidBid, got %v", err)
	}
	_, _, err = env.Reg.SubmitBid(env.Ctx, registry.SubmitBidOptions{MissionID: m.ID, AgentID: "offline", Price: 10, EtaMinutes: 30, BondOffered: 10})
	if !errors.Is(err, registry.ErrUnauthorizedAgent) {
		t.Fatalf("unavailable agent: want ErrUnauthorizedAgent, got %v", err)
	}
	_, _, err = env.Reg.SubmitBid(env.Ctx, registry.SubmitBidOptions{MissionID: m.ID, AgentID: "nobody", Price: 10, EtaMinutes: 30, BondOffered: 10})
	if !errors.Is(err, registry.ErrUnauthorizedAgent) {
		t.Fatalf("unknown agent: want ErrUnauthorizedAgent, got %v", err)
	}

	env.assigned(t, m.ID)
	_, _, err = env.Reg.SubmitBid(env.Ctx, registry.SubmitBidOptions{MissionID: m.ID, AgentID: "agent-z", Price: 10, EtaMinutes: 30, BondOffered: 10})
	if !errors.Is(err, registry.ErrWindowClosed) {
		t.Fatalf("bid after close: want ErrWindowClosed, got %v", err)
	}
}

func TestBidReplacement(t *testing.T) {
	env := newTestEnv(t)
	m := env.openMission(t)
	env.bid(t, m.ID, "agent-x", 100, 60, 20)
	_, rank, err := env.Reg.SubmitBid(env.Ctx, registry.SubmitBidOptions{
		MissionID: m.ID, AgentID: "agent-x", Price: 40, EtaMinutes: 30, BondOffered: 30,
	})
	if err != nil {
		t.Fatalf("replacement bid: %v", err)
	}
	if rank != 1 {
		t.Fatalf("sole bidder should rank 1, got %d", rank)
	}
	bids, err := env.Reg.ListBids(env.Ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(bids) != 1 || bids[0].Price != 40 {
		t.Fatalf("replacement should overwrite, got %+v", bids)
	}
}

func TestBidRankRebuiltAfterRestart(t *testing.T) {
	env := newTestEnv(t)
	m := env.openMission(t)
	env.bid(t, m.ID, "agent-y", 90, 45, 80)

	// a fresh registry over the same database starts with an empty rank
	// cache; a weaker bid must still rank behind the persisted one
	reg2 := registry.New(env.DB, config.Default("mkt-test"), env.Bridge, env.Dir)
	reg2.Now = env.Reg.Now
	_, rank, err := reg2.SubmitBid(env.Ctx, registry.SubmitBidOptions{
		MissionID: m.ID, AgentID: "agent-x", Price: 100, EtaMinutes: 30, BondOffered: 50,
	})
	if err != nil {
		t.Fatalf("bid after restart: %v", err)
	}
	if rank != 2 {
		t.Fatalf("want rank 2 behind the stored bid, got %d", rank)
	}

	_, rank, err = reg2.SubmitBid(env.Ctx, registry.SubmitBidOptions{
		MissionID: m.ID, AgentID: "agent-z", Price: 50, EtaMinutes: 20, BondOffered: 45,
	})
	if err != nil {
		t.Fatalf("bid after restart: %v", err)
	}
	if rank != 1 {
		t.Fatalf("cheaper faster bid should rank 1, got %d", rank)
	}
}

func TestBondConfirmationStartsWork(t *testing.T) {
	env := newTestEnv(t)
	m := env.openMission(t)
	m = env.assigned(t, m.ID)

	env.Reg.OnBondConfirmed(m.ID, "agent-y")
	m, _ = env.Reg.GetMission(env.Ctx, m.ID)
	if m.Status != domain.MissionInProgress {
		t.Fatalf("want in_progress, got %s", m.Status)
	}
	if !hasDecision(t, env, m.ID, decisions.KindBondConfirmed) {
		t.Fatal("missing bond.confirmed decision")
	}
	events, err := env.Reg.Notify.Pending(env.Ctx, "agent-y", 10)
	if err != nil {
		t.Fatal(err)
	}
	last := events[len(events)-1]
	if last.Kind != domain.EventTaskStarted {
		t.Fatalf("want task.started, got %s", last.Kind)
	}

	// redelivered confirmation is a silent no-op
	before, _ := env.Reg.GetDecisionHistory(env.Ctx, 100, m.ID)
	env.Reg.OnBondConfirmed(m.ID, "agent-y")
	after, _ := env.Reg.GetDecisionHistory(env.Ctx, 100, m.ID)
	if len(after) != len(before) {
		t.Fatalf("duplicate confirmation should not append decisions: %d -> %d", len(before), len(after))
	}
}

func TestStaleConfirmationDiscarded(t *testing.T) {
	env := newTestEnv(t)
	m := env.openMission(t)
	m = env.assigned(t, m.ID)

	// confirmation for an agent that is not the current winner
	env.Reg.OnBondConfirmed(m.ID, "agent-x")
	got, _ := env.Reg.GetMission(env.Ctx, m.ID)
	if got.Status != domain.MissionAssigned {
		t.Fatalf("stale confirmation must not change state, got %s", got.Status)
	}
	if !hasDecision(t, env, m.ID, decisions.KindStaleConfirm) {
		t.Fatal("missing confirmation.discarded decision")
	}
}

func TestBondTimeoutCascades(t *testing.T) {
	env := newTestEnv(t)
	m := env.openMission(t)
	m = env.assigned(t, m.ID) // winner agent-y

	env.Reg.OnBondTimeout(m.ID)
	m, _ = env.Reg.GetMission(env.Ctx, m.ID)
	if m.Status != domain.MissionAssigned {
		t.Fatalf("cascade should reassign, got %s", m.Status)
	}
	if m.WinnerAgentID == nil || *m.WinnerAgentID != "agent-x" {
		t.Fatalf("want agent-x after cascade, got %v", m.WinnerAgentID)
	}
	req := env.Bridge.lastBond(t)
	if req.AgentID != "agent-x" || req.Amount != 50 {
		t.Fatalf("cascade bond request mismatch: %+v", req)
	}
	for _, kind := range []string{decisions.KindBondTimeout, decisions.KindReliabilityMark, decisions.KindCascadeAssigned} {
		if !hasDecision(t, env, m.ID, kind) {
			t.Fatalf("missing decision %s", kind)
		}
	}
	forfeited, err := env.Reg.Notify.Pending(env.Ctx, "agent-y", 10)
	if err != nil {
		t.Fatal(err)
	}
	if forfeited[len(forfeited)-1].Kind != domain.EventBondForfeited {
		t.Fatalf("forfeiter should be told, got %s", forfeited[len(forfeited)-1].Kind)
	}

	// second timeout exhausts the bidder pool
	env.Reg.OnBondTimeout(m.ID)
	m, _ = env.Reg.GetMission(env.Ctx, m.ID)
	if m.Status != domain.MissionExpired {
		t.Fatalf("want expired after pool exhausted, got %s", m.Status)
	}
	if !hasDecision(t, env, m.ID, decisions.KindExpired) {
		t.Fatal("missing expired decision")
	}

	// a forfeited agent is never re-selected: the late confirmation from
	// agent-y must be discarded
	env.Reg.OnBondConfirmed(m.ID, "agent-y")
	m, _ = env.Reg.GetMission(env.Ctx, m.ID)
	if m.Status != domain.MissionExpired {
		t.Fatalf("late confirmation resurrected mission: %s", m.Status)
	}
}

func TestBondTimeoutAfterConfirmationIsNoop(t *testing.T) {
	env := newTestEnv(t)
	m := env.openMission(t)
	m = env.assigned(t, m.ID)
	env.Reg.OnBondConfirmed(m.ID, "agent-y")

	env.Reg.OnBondTimeout(m.ID)
	m, _ = env.Reg.GetMission(env.Ctx, m.ID)
	if m.Status != domain.MissionInProgress {
		t.Fatalf("timeout after confirmation must be a no-op, got %s", m.Status)
	}
}

func TestBondFailureRetriesThenCascades(t *testing.T) {
	env := newTestEnv(t)
	m := env.openMission(t)
	m = env.assigned(t, m.ID) // winner agent-y, attempt 1 requested

	start := env.Bridge.bondCount()
	// attempts 2 and 3 retry
	env.Reg.OnBondFailed(m.ID, "agent-y", "rpc timeout")
	env.Reg.OnBondFailed(m.ID, "agent-y", "rpc timeout")
	if got := env.Bridge.bondCount(); got != start+2 {
		t.Fatalf("want 2 retries, got %d new requests", got-start)
	}
	if !hasDecision(t, env, m.ID, decisions.KindBondRetry) {
		t.Fatal("missing bond.retry decision")
	}
	m, _ = env.Reg.GetMission(env.Ctx, m.ID)
	if m.WinnerAgentID == nil || *m.WinnerAgentID != "agent-y" {
		t.Fatalf("retries must not reassign, got %v", m.WinnerAgentID)
	}

	// attempt budget exhausted: cascade to agent-x
	env.Reg.OnBondFailed(m.ID, "agent-y", "rpc timeout")
	m, _ = env.Reg.GetMission(env.Ctx, m.ID)
	if m.WinnerAgentID == nil || *m.WinnerAgentID != "agent-x" {
		t.Fatalf("want cascade to agent-x, got %v", m.WinnerAgentID)
	}
	if !hasDecision(t, env, m.ID, decisions.KindBondFailed) {
		t.Fatal("missing bond.failed decision")
	}
}

func TestSettlementFlow(t *testing.T) {
	env := newTestEnv(t)
	m := env.openMission(t)
	m = env.assigned(t, m.ID)
	env.Reg.OnBondConfirmed(m.ID, "agent-y")

	if _, err := env.Reg.SubmitWork(env.Ctx, m.ID, "agent-y"); err != nil {
		t.Fatalf("submit work: %v", err)
	}
	// only the assigned worker may submit
	if _, err := env.Reg.SubmitWork(env.Ctx, m.ID, "agent-x"); !errors.Is(err, registry.ErrNotAssignedWorker) {
		t.Fatalf("want ErrNotAssignedWorker, got %v", err)
	}

	m, err := env.Reg.RecordVerification(env.Ctx, m.ID, chain.OutcomeApproved, "verifier-1")
	if err != nil {
		t.Fatalf("record verification: %v", err)
	}
	if m.Status != domain.MissionSettled {
		t.Fatalf("want settled, got %s", m.Status)
	}
	env.Bridge.mu.Lock()
	settlements := len(env.Bridge.settlements)
	env.Bridge.mu.Unlock()
	if settlements != 1 {
		t.Fatalf("want 1 settlement request, got %d", settlements)
	}
	score, err := env.Reg.Ledger.CurrentScore(env.Ctx, "agent-y")
	if err != nil {
		t.Fatal(err)
	}
	if score != 55 { // starting 50 + settle reward 5
		t.Fatalf("want reputation 55, got %.1f", score)
	}

	env.Reg.OnSettlementConfirmed(m.ID)
	if !hasDecision(t, env, m.ID, decisions.KindSettleConfirmed) {
		t.Fatal("missing settlement.confirmed decision")
	}
}

func TestSettlementRetriesThenUnreconciled(t *testing.T) {
	env := newTestEnv(t)
	m := env.openMission(t)
	m = env.assigned(t, m.ID)
	env.Reg.OnBondConfirmed(m.ID, "agent-y")
	if _, err := env.Reg.SubmitWork(env.Ctx, m.ID, "agent-y"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Reg.RecordVerification(env.Ctx, m.ID, chain.OutcomeApproved, "verifier-1"); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ { // max_settlement_attempts
		env.Reg.OnSettlementFailed(m.ID, "chain congested")
	}
	m2, _ := env.Reg.GetMission(env.Ctx, m.ID)
	if m2.Status != domain.MissionSettled {
		t.Fatalf("unreconciled settlement must not change state, got %s", m2.Status)
	}
	if !hasDecision(t, env, m.ID, decisions.KindSettleUnreconc) {
		t.Fatal("missing settlement.unreconciled decision")
	}
}

func TestVerificationRejectedDisputes(t *testing.T) {
	env := newTestEnv(t)
	m := env.openMission(t)
	m = env.assigned(t, m.ID)
	env.Reg.OnBondConfirmed(m.ID, "agent-y")
	if _, err := env.Reg.SubmitWork(env.Ctx, m.ID, "agent-y"); err != nil {
		t.Fatal(err)
	}

	m, err := env.Reg.RecordVerification(env.Ctx, m.ID, chain.OutcomeRejected, "verifier-1")
	if err != nil {
		t.Fatalf("record verification: %v", err)
	}
	if m.Status != domain.MissionDisputed {
		t.Fatalf("want disputed, got %s", m.Status)
	}
	score, err := env.Reg.Ledger.CurrentScore(env.Ctx, "agent-y")
	if err != nil {
		t.Fatal(err)
	}
	if score != 47 { // starting 50 - dispute penalty 3
		t.Fatalf("want reputation 47, got %.1f", score)
	}
	// disputed is terminal for verification
	if _, err := env.Reg.RecordVerification(env.Ctx, m.ID, chain.OutcomeApproved, "verifier-1"); !errors.Is(err, registry.ErrInvalidTransition) {
		t.Fatalf("want ErrInvalidTransition, got %v", err)
	}
}

func TestManualAssignment(t *testing.T) {
	env := newTestEnv(t)
	m := env.openMission(t)
	env.bid(t, m.ID, "agent-x", 100, 30, 50)
	env.bid(t, m.ID, "agent-y", 90, 45, 80)

	if err := env.Reg.ManualAssignment(env.Ctx, m.ID, "agent-x", "trusted partner", "admin"); err != nil {
		t.Fatalf("manual assignment: %v", err)
	}
	m, _ = env.Reg.GetMission(env.Ctx, m.ID)
	if m.Status != domain.MissionAssigned || m.WinnerAgentID == nil || *m.WinnerAgentID != "agent-x" {
		t.Fatalf("want agent-x assigned, got %s %v", m.Status, m.WinnerAgentID)
	}
	if !hasDecision(t, env, m.ID, decisions.KindManualOverride) {
		t.Fatal("missing manual.override decision")
	}
	// the override uses the agent's own bid bond when one exists
	if req := env.Bridge.lastBond(t); req.AgentID != "agent-x" || req.Amount != 50 {
		t.Fatalf("bond request mismatch: %+v", req)
	}

	// a second assignment conflicts
	err := env.Reg.ManualAssignment(env.Ctx, m.ID, "agent-y", "changed my mind", "admin")
	if !errors.Is(err, registry.ErrAssignmentConflict) {
		t.Fatalf("want ErrAssignmentConflict, got %v", err)
	}
}

func TestCancelReleasesBond(t *testing.T) {
	env := newTestEnv(t)
	m := env.openMission(t)
	m = env.assigned(t, m.ID)
	env.Reg.OnBondConfirmed(m.ID, "agent-y")

	m, err := env.Reg.CancelMission(env.Ctx, m.ID, "requirements changed", "proposer-1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if m.Status != domain.MissionCancelled {
		t.Fatalf("want cancelled, got %s", m.Status)
	}
	if m.CancelReason == nil || *m.CancelReason != "requirements changed" {
		t.Fatalf("cancel reason not stored: %v", m.CancelReason)
	}
	env.Bridge.mu.Lock()
	releases := len(env.Bridge.releases)
	env.Bridge.mu.Unlock()
	if releases != 1 {
		t.Fatalf("want bond release requested, got %d", releases)
	}
	env.Reg.OnBondReleased(m.ID)
	if !hasDecision(t, env, m.ID, decisions.KindBondReleased) {
		t.Fatal("missing bond.released decision")
	}

	// cancelled is terminal
	if _, err := env.Reg.CancelMission(env.Ctx, m.ID, "again", "proposer-1"); !errors.Is(err, registry.ErrInvalidTransition) {
		t.Fatalf("want ErrInvalidTransition, got %v", err)
	}
}

func TestCancelOpenMissionSkipsRelease(t *testing.T) {
	env := newTestEnv(t)
	m := env.openMission(t)
	env.bid(t, m.ID, "agent-x", 100, 30, 50)

	m, err := env.Reg.CancelMission(env.Ctx, m.ID, "no longer needed", "proposer-1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if m.Status != domain.MissionCancelled {
		t.Fatalf("want cancelled, got %s", m.Status)
	}
	env.Bridge.mu.Lock()
	releases := len(env.Bridge.releases)
	env.Bridge.mu.Unlock()
	if releases != 0 {
		t.Fatalf("no bond was posted, release should not be requested")
	}
	events, err := env.Reg.Notify.Pending(env.Ctx, "agent-x", 10)
	if err != nil {
		t.Fatal(err)
	}
	if events[len(events)-1].Kind != domain.EventCancelled {
		t.Fatalf("bidders should learn of cancellation, got %s", events[len(events)-1].Kind)
	}
}

func TestCreateMissionValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Reg.CreateMission(env.Ctx, registry.CreateMissionOptions{
		ProposerID: "proposer-1", Objective: "x", Escrow: 0, Window: time.Hour,
	})
	if !errors.Is(err, registry.ErrInvalidMission) {
		t.Fatalf("zero escrow: want ErrInvalidMission, got %v", err)
	}
	_, err = env.Reg.CreateMission(env.Ctx, registry.CreateMissionOptions{
		ProposerID: "proposer-1", Objective: "x", Escrow: 100, Window: 0,
	})
	if !errors.Is(err, registry.ErrInvalidMission) {
		t.Fatalf("zero window: want ErrInvalidMission, got %v", err)
	}
}
