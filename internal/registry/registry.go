// Package registry owns the mission lifecycle: bidding windows, winner
// selection, bond-timeout cascades and settlement reconciliation. All
// mutations to one mission are serialized behind a per-mission lock; chain
// callbacks and timers enter through the same lock and never race a caller.
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"missionline/internal/chain"
	"missionline/internal/config"
	"missionline/internal/decisions"
	"missionline/internal/domain"
	"missionline/internal/notify"
	"missionline/internal/reputation"
	"missionline/internal/repo"
)

// AgentDirectory is the consumed identity/eligibility surface.
type AgentDirectory interface {
	GetAgent(ctx context.Context, id string) (domain.Agent, error)
	IsEligible(ctx context.Context, agent domain.Agent, m domain.Mission) (bool, string, error)
}

type Registry struct {
	DB        *sql.DB
	Repo      repo.Repo
	Decisions decisions.Log
	Notify    notify.Queue
	Ledger    reputation.Ledger
	Bridge    chain.Bridge
	Directory AgentDirectory
	Config    *config.Config
	Now       func() time.Time

	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	timers   map[string]*missionTimers
	rankings map[string][]ScoredBid
}

type missionTimers struct {
	window *time.Timer
	bond   *time.Timer
}

// New wires a registry over an open database. The caller still has to
// Subscribe the registry on its bridge and, on startup, ResumeTimers.
func New(db *sql.DB, cfg *config.Config, bridge chain.Bridge, dir AgentDirectory) *Registry {
	return &Registry{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Decisions: decisions.Log{DB: db},
		Notify:    notify.Queue{DB: db},
		Ledger:    reputation.Ledger{DB: db, Starting: cfg.Policy.StartingReputation},
		Bridge:    bridge,
		Directory: dir,
		Config:    cfg,
		Now:       time.Now,
		locks:     make(map[string]*sync.Mutex),
		timers:    make(map[string]*missionTimers),
		rankings:  make(map[string][]ScoredBid),
	}
}

func (r *Registry) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Registry) missionLock(id string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[id]
	if !ok {
		l = &sync.Mutex{}
		r.locks[id] = l
	}
	return l
}

// CreateMissionOptions are parameters for opening a mission for bidding.
type CreateMissionOptions struct {
	ProposerID string
	Objective  string
	Escrow     float64
	Window     time.Duration
}

func (r *Registry) CreateMission(ctx context.Context, opts CreateMissionOptions) (domain.Mission, error) {
	if opts.ProposerID == "" {
		return domain.Mission{}, fmt.Errorf("%w: proposer required", ErrInvalidMission)
	}
	if opts.Objective == "" {
		return domain.Mission{}, fmt.Errorf("%w: objective required", ErrInvalidMission)
	}
	if opts.Escrow <= 0 {
		return domain.Mission{}, fmt.Errorf("%w: escrow must be positive", ErrInvalidMission)
	}
	if opts.Window <= 0 {
		return domain.Mission{}, fmt.Errorf("%w: bidding window must be positive", ErrInvalidMission)
	}
	now := r.now().UTC()
	m := domain.Mission{
		ID:             uuid.New().String(),
		ProposerID:     opts.ProposerID,
		Objective:      opts.Objective,
		Escrow:         opts.Escrow,
		Status:         domain.MissionOpen,
		WindowClosesAt: now.Add(opts.Window).Format(time.RFC3339),
		CreatedAt:      now.Format(time.RFC3339),
		UpdatedAt:      now.Format(time.RFC3339),
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mission{}, err
	}
	defer tx.Rollback()
	if err := r.Repo.InsertMission(ctx, tx, m); err != nil {
		return domain.Mission{}, fmt.Errorf("insert mission: %w", err)
	}
	if err := r.Decisions.Append(ctx, tx, decisions.KindMissionCreated, m.ID, "", fmt.Sprintf("escrow %.2f, window %s", m.Escrow, opts.Window)); err != nil {
		return domain.Mission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Mission{}, err
	}
	r.scheduleWindowClose(m.ID, now.Add(opts.Window))
	return m, nil
}

// SubmitBidOptions are parameters for a competitive bid.
type SubmitBidOptions struct {
	MissionID   string
	AgentID     string
	Price       float64
	EtaMinutes  int
	BondOffered float64
	Message     string
}

// SubmitBid validates and records a bid and returns it with its current
// 1-based rank. A second bid from the same agent replaces the first while
// the window is open.
func (r *Registry) SubmitBid(ctx context.Context, opts SubmitBidOptions) (domain.Bid, int, error) {
	lock := r.missionLock(opts.MissionID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Bid{}, 0, err
	}
	defer tx.Rollback()

	m, err := r.Repo.GetMissionTx(ctx, tx, opts.MissionID)
	if err != nil {
		return domain.Bid{}, 0, err
	}
	now := r.now().UTC()
	if m.Status != domain.MissionOpen {
		return domain.Bid{}, 0, fmt.Errorf("%w: mission is %s", ErrWindowClosed, m.Status)
	}
	if closes, perr := time.Parse(time.RFC3339, m.WindowClosesAt); perr == nil && !now.Before(closes) {
		return domain.Bid{}, 0, fmt.Errorf("%w: window expired at %s", ErrWindowClosed, m.WindowClosesAt)
	}
	agent, err := r.Directory.GetAgent(ctx, opts.AgentID)
	if err != nil {
		return domain.Bid{}, 0, fmt.Errorf("%w: %s", ErrUnauthorizedAgent, opts.AgentID)
	}
	ok, why, err := r.Directory.IsEligible(ctx, agent, m)
	if err != nil {
		return domain.Bid{}, 0, err
	}
	if !ok {
		return domain.Bid{}, 0, fmt.Errorf("%w: %s", ErrUnauthorizedAgent, why)
	}
	if opts.Price <= 0 {
		return domain.Bid{}, 0, fmt.Errorf("%w: price must be positive", ErrInvalidBid)
	}
	if opts.EtaMinutes <= 0 {
		return domain.Bid{}, 0, fmt.Errorf("%w: eta must be positive", ErrInvalidBid)
	}
	if opts.BondOffered <= 0 {
		return domain.Bid{}, 0, fmt.Errorf("%w: bond must be positive", ErrInvalidBid)
	}
	if min := r.Config.Policy.MinBond; min > 0 && opts.BondOffered < min {
		return domain.Bid{}, 0, fmt.Errorf("%w: bond %.2f below minimum %.2f", ErrInvalidBid, opts.BondOffered, min)
	}

	// The rank cache does not survive restarts; rebuild it from persisted
	// bids so the returned rank accounts for bids placed before this process.
	if len(r.ranked(m.ID)) == 0 {
		existing, err := r.Repo.ListBidsTx(ctx, tx, m.ID)
		if err != nil {
			return domain.Bid{}, 0, err
		}
		if len(existing) > 0 {
			rebuilt, err := r.rankTx(ctx, tx, m, existing, nil)
			if err != nil {
				return domain.Bid{}, 0, err
			}
			r.setRanked(m.ID, rebuilt)
		}
	}

	b := domain.Bid{
		ID:          uuid.New().String(),
		MissionID:   opts.MissionID,
		AgentID:     opts.AgentID,
		Price:       opts.Price,
		EtaMinutes:  opts.EtaMinutes,
		BondOffered: opts.BondOffered,
		Message:     opts.Message,
		SubmittedAt: now.Format(time.RFC3339),
	}
	if err := r.Repo.UpsertBid(ctx, tx, b); err != nil {
		return domain.Bid{}, 0, fmt.Errorf("upsert bid: %w", err)
	}
	if err := r.Decisions.Append(ctx, tx, decisions.KindBidAccepted, m.ID, b.AgentID,
		fmt.Sprintf("price %.2f, eta %dm, bond %.2f", b.Price, b.EtaMinutes, b.BondOffered)); err != nil {
		return domain.Bid{}, 0, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Bid{}, 0, err
	}

	sb := ScoredBid{Bid: b, Reputation: agent.Reputation, Score: ScoreBid(r.Config.Ranker, m, b, agent.Reputation)}
	ranked, rank := InsertRanked(r.ranked(m.ID), sb)
	r.setRanked(m.ID, ranked)
	return b, rank, nil
}

// CloseBiddingWindow freezes the bid list and selects a winner. Closing a
// window that is already closed is a no-op.
func (r *Registry) CloseBiddingWindow(ctx context.Context, missionID, actorID string) error {
	lock := r.missionLock(missionID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	m, err := r.Repo.GetMissionTx(ctx, tx, missionID)
	if err != nil {
		return err
	}
	if m.Status != domain.MissionOpen {
		return nil
	}
	now := r.now().UTC()
	bids, err := r.Repo.ListBidsTx(ctx, tx, missionID)
	if err != nil {
		return err
	}
	if len(bids) == 0 {
		m.Status = domain.MissionExpired
		m.UpdatedAt = now.Format(time.RFC3339)
		if err := r.Repo.UpdateMission(ctx, tx, m); err != nil {
			return err
		}
		if err := r.Decisions.Append(ctx, tx, decisions.KindNoBids, m.ID, "", "window closed with no bids"); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		r.stopTimers(m.ID)
		r.dropRanked(m.ID)
		return nil
	}

	if err := r.Decisions.Append(ctx, tx, decisions.KindWindowClosed, m.ID, "", fmt.Sprintf("closed by %s with %d bids", actorID, len(bids))); err != nil {
		return err
	}
	ranked, err := r.rankTx(ctx, tx, m, bids, nil)
	if err != nil {
		return err
	}
	winner := ranked[0]
	assign, err := r.assignWinnerTx(ctx, tx, &m, winner.Bid.AgentID, winner.Bid.BondOffered,
		decisions.KindWinnerSelected, fmt.Sprintf("rank 1 of %d, score %.4f", len(ranked), winner.Score))
	if err != nil {
		return err
	}
	for _, sb := range ranked[1:] {
		if err := r.Notify.Enqueue(ctx, tx, sb.Bid.AgentID, domain.EventBidLost, notify.Payload{"mission_id": m.ID}); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	r.dropRanked(m.ID)
	r.applyAssignment(assign)
	return nil
}

// ManualAssignment bypasses ranking on an admin's authority. The bond
// deadline and timeout cascade apply exactly as on the ranked path.
func (r *Registry) ManualAssignment(ctx context.Context, missionID, agentID, reason, actorID string) error {
	lock := r.missionLock(missionID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	m, err := r.Repo.GetMissionTx(ctx, tx, missionID)
	if err != nil {
		return err
	}
	switch m.Status {
	case domain.MissionOpen, domain.MissionBiddingClosed:
	case domain.MissionAssigned:
		return fmt.Errorf("%w: winner already selected", ErrAssignmentConflict)
	default:
		return fmt.Errorf("%w: %s -> assigned", ErrInvalidTransition, m.Status)
	}
	agent, err := r.Directory.GetAgent(ctx, agentID)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnauthorizedAgent, agentID)
	}
	if ok, why, err := r.Directory.IsEligible(ctx, agent, m); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("%w: %s", ErrUnauthorizedAgent, why)
	}

	// The override bond falls back to the agent's own bid when one exists.
	bond := r.Config.Policy.MinBond
	if bid, err := r.Repo.GetBidByAgent(ctx, tx, missionID, agentID); err == nil {
		bond = bid.BondOffered
	} else if bond <= 0 {
		bond = m.Escrow / 10
	}

	if err := r.Decisions.Append(ctx, tx, decisions.KindManualOverride, m.ID, agentID,
		fmt.Sprintf("override by %s: %s", actorID, reason)); err != nil {
		return err
	}
	bids, err := r.Repo.ListBidsTx(ctx, tx, missionID)
	if err != nil {
		return err
	}
	assign, err := r.assignWinnerTx(ctx, tx, &m, agentID, bond, decisions.KindWinnerSelected, "manual override")
	if err != nil {
		return err
	}
	for _, b := range bids {
		if b.AgentID == agentID {
			continue
		}
		if err := r.Notify.Enqueue(ctx, tx, b.AgentID, domain.EventBidLost, notify.Payload{"mission_id": m.ID, "superseded": true}); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	r.stopWindowTimer(m.ID)
	r.dropRanked(m.ID)
	r.applyAssignment(assign)
	return nil
}

// SubmitWork marks the assignment delivered. Only the current worker of an
// in-progress mission may call it.
func (r *Registry) SubmitWork(ctx context.Context, missionID, agentID string) (domain.Mission, error) {
	lock := r.missionLock(missionID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mission{}, err
	}
	defer tx.Rollback()

	m, err := r.Repo.GetMissionTx(ctx, tx, missionID)
	if err != nil {
		return domain.Mission{}, err
	}
	if m.Status != domain.MissionInProgress || m.WinnerAgentID == nil || *m.WinnerAgentID != agentID {
		return domain.Mission{}, fmt.Errorf("%w: mission %s is %s", ErrNotAssignedWorker, missionID, m.Status)
	}
	m.Status = domain.MissionSubmitted
	m.UpdatedAt = r.now().UTC().Format(time.RFC3339)
	if err := r.Repo.UpdateMission(ctx, tx, m); err != nil {
		return domain.Mission{}, err
	}
	if err := r.Decisions.Append(ctx, tx, decisions.KindWorkSubmitted, m.ID, agentID, "work delivered"); err != nil {
		return domain.Mission{}, err
	}
	if err := r.Notify.Enqueue(ctx, tx, agentID, domain.EventWorkSubmitted, notify.Payload{"mission_id": m.ID}); err != nil {
		return domain.Mission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Mission{}, err
	}
	return m, nil
}

// RecordVerification applies an external verifier's decision. Approval
// settles the mission and fires the settlement request; rejection moves it
// to disputed. The outcome itself is opaque input, never computed here.
func (r *Registry) RecordVerification(ctx context.Context, missionID, outcome, verifierID string) (domain.Mission, error) {
	lock := r.missionLock(missionID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mission{}, err
	}
	defer tx.Rollback()

	m, err := r.Repo.GetMissionTx(ctx, tx, missionID)
	if err != nil {
		return domain.Mission{}, err
	}
	if m.Status != domain.MissionSubmitted && m.Status != domain.MissionVerifying {
		return domain.Mission{}, fmt.Errorf("%w: %s -> verification", ErrInvalidTransition, m.Status)
	}
	if m.WinnerAgentID == nil {
		return domain.Mission{}, fmt.Errorf("%w: mission has no worker", ErrInvalidTransition)
	}
	worker := *m.WinnerAgentID
	now := r.now().UTC()
	if err := r.Decisions.Append(ctx, tx, decisions.KindVerified, m.ID, verifierID, fmt.Sprintf("outcome %s", outcome)); err != nil {
		return domain.Mission{}, err
	}

	var requestSettlement bool
	switch outcome {
	case chain.OutcomeApproved:
		m.Status = domain.MissionSettled
		if _, err := r.Ledger.Append(ctx, tx, worker, r.Config.Policy.SettleReward, "mission settled: "+m.ID); err != nil {
			return domain.Mission{}, err
		}
		if err := r.Decisions.Append(ctx, tx, decisions.KindSettled, m.ID, worker, "verification approved"); err != nil {
			return domain.Mission{}, err
		}
		if err := r.Notify.Enqueue(ctx, tx, worker, domain.EventSettled, notify.Payload{"mission_id": m.ID}); err != nil {
			return domain.Mission{}, err
		}
		if err := r.insertChainOp(ctx, tx, m.ID, "", domain.ChainOpSettlement, m.Escrow); err != nil {
			return domain.Mission{}, err
		}
		requestSettlement = true
	case chain.OutcomeRejected:
		m.Status = domain.MissionDisputed
		if _, err := r.Ledger.Append(ctx, tx, worker, -r.Config.Policy.DisputePenalty, "verification rejected: "+m.ID); err != nil {
			return domain.Mission{}, err
		}
		if err := r.Decisions.Append(ctx, tx, decisions.KindDisputed, m.ID, worker, "verification rejected"); err != nil {
			return domain.Mission{}, err
		}
		if err := r.Notify.Enqueue(ctx, tx, worker, domain.EventDisputed, notify.Payload{"mission_id": m.ID}); err != nil {
			return domain.Mission{}, err
		}
	default:
		return domain.Mission{}, fmt.Errorf("%w: unknown outcome %q", ErrInvalidTransition, outcome)
	}
	m.UpdatedAt = now.Format(time.RFC3339)
	if err := r.Repo.UpdateMission(ctx, tx, m); err != nil {
		return domain.Mission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Mission{}, err
	}
	if requestSettlement {
		_ = r.Bridge.RequestSettlement(context.WithoutCancel(ctx), m.ID, outcome)
	}
	return m, nil
}

// CancelMission aborts from any non-terminal state. Pending or posted bonds
// trigger a release request so funds never stay stranded.
func (r *Registry) CancelMission(ctx context.Context, missionID, reason, actorID string) (domain.Mission, error) {
	lock := r.missionLock(missionID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mission{}, err
	}
	defer tx.Rollback()

	m, err := r.Repo.GetMissionTx(ctx, tx, missionID)
	if err != nil {
		return domain.Mission{}, err
	}
	if domain.TerminalMissionState(m.Status) {
		return domain.Mission{}, fmt.Errorf("%w: %s -> cancelled", ErrInvalidTransition, m.Status)
	}
	bondInPlay := false
	switch m.Status {
	case domain.MissionAssigned, domain.MissionInProgress, domain.MissionSubmitted, domain.MissionVerifying:
		bondInPlay = true
	}
	bids, err := r.Repo.ListBidsTx(ctx, tx, missionID)
	if err != nil {
		return domain.Mission{}, err
	}
	m.Status = domain.MissionCancelled
	m.CancelReason = &reason
	m.UpdatedAt = r.now().UTC().Format(time.RFC3339)
	if err := r.Repo.UpdateMission(ctx, tx, m); err != nil {
		return domain.Mission{}, err
	}
	if err := r.Decisions.Append(ctx, tx, decisions.KindCancelled, m.ID, "", fmt.Sprintf("cancelled by %s: %s", actorID, reason)); err != nil {
		return domain.Mission{}, err
	}
	notified := map[string]bool{}
	for _, b := range bids {
		if notified[b.AgentID] {
			continue
		}
		notified[b.AgentID] = true
		if err := r.Notify.Enqueue(ctx, tx, b.AgentID, domain.EventCancelled, notify.Payload{"mission_id": m.ID, "reason": reason}); err != nil {
			return domain.Mission{}, err
		}
	}
	if bondInPlay {
		if err := r.insertChainOp(ctx, tx, m.ID, "", domain.ChainOpBondRelease, 0); err != nil {
			return domain.Mission{}, err
		}
		if err := r.Decisions.Append(ctx, tx, decisions.KindBondReleaseAsked, m.ID, "", "release bond after cancellation"); err != nil {
			return domain.Mission{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Mission{}, err
	}
	r.stopTimers(m.ID)
	r.dropRanked(m.ID)
	if bondInPlay {
		_ = r.Bridge.RequestBondRelease(context.WithoutCancel(ctx), m.ID)
	}
	return m, nil
}

// --- read accessors ---

func (r *Registry) GetMission(ctx context.Context, id string) (domain.Mission, error) {
	return r.Repo.GetMission(ctx, id)
}

func (r *Registry) ListBids(ctx context.Context, missionID string) ([]domain.Bid, error) {
	return r.Repo.ListBids(ctx, missionID)
}

func (r *Registry) GetDecisionHistory(ctx context.Context, limit int, missionID string) ([]domain.DecisionRecord, error) {
	return r.Decisions.Latest(ctx, limit, missionID)
}

// GetTask reads the on-chain task: local projection first, bridge on miss.
func (r *Registry) GetTask(ctx context.Context, id string) (domain.ChainTask, error) {
	t, err := r.Repo.GetChainTask(ctx, id)
	if err == nil {
		return t, nil
	}
	return r.Bridge.GetTask(ctx, id)
}

// --- assignment internals ---

// pendingAssignment carries the post-commit side effects of selecting a
// winner: start the bond clock and fire the bridge request.
type pendingAssignment struct {
	missionID string
	agentID   string
	bond      float64
	deadline  time.Time
}

func (r *Registry) assignWinnerTx(ctx context.Context, tx *sql.Tx, m *domain.Mission, agentID string, bond float64, kind, reason string) (pendingAssignment, error) {
	now := r.now().UTC()
	deadline := now.Add(r.Config.BondDeadline())
	deadlineStr := deadline.Format(time.RFC3339)
	m.Status = domain.MissionAssigned
	m.WinnerAgentID = &agentID
	m.BondDeadline = &deadlineStr
	m.UpdatedAt = now.Format(time.RFC3339)
	if err := r.Repo.UpdateMission(ctx, tx, *m); err != nil {
		return pendingAssignment{}, err
	}
	if err := r.Decisions.Append(ctx, tx, kind, m.ID, agentID, reason); err != nil {
		return pendingAssignment{}, err
	}
	if err := r.insertChainOp(ctx, tx, m.ID, agentID, domain.ChainOpBondPost, bond); err != nil {
		return pendingAssignment{}, err
	}
	if err := r.Decisions.Append(ctx, tx, decisions.KindBondRequested, m.ID, agentID, fmt.Sprintf("bond %.2f due by %s", bond, deadlineStr)); err != nil {
		return pendingAssignment{}, err
	}
	if err := r.Notify.Enqueue(ctx, tx, agentID, domain.EventBidWon, notify.Payload{"mission_id": m.ID, "bond": bond, "bond_deadline": deadlineStr}); err != nil {
		return pendingAssignment{}, err
	}
	return pendingAssignment{missionID: m.ID, agentID: agentID, bond: bond, deadline: deadline}, nil
}

func (r *Registry) applyAssignment(a pendingAssignment) {
	r.scheduleBondTimeout(a.missionID, a.deadline)
	_ = r.Bridge.RequestBondPosting(context.Background(), a.missionID, a.agentID, a.bond)
}

func (r *Registry) insertChainOp(ctx context.Context, tx *sql.Tx, missionID, agentID, kind string, amount float64) error {
	now := r.now().UTC().Format(time.RFC3339)
	return r.Repo.InsertChainOp(ctx, tx, domain.ChainOp{
		ID:        uuid.New().String(),
		MissionID: missionID,
		AgentID:   agentID,
		Kind:      kind,
		Amount:    amount,
		Status:    domain.ChainOpPending,
		Attempts:  1,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

// rankTx scores a bid set with reputation snapshots read inside the
// transaction, excluding forfeited agents.
func (r *Registry) rankTx(ctx context.Context, tx *sql.Tx, m domain.Mission, bids []domain.Bid, exclude map[string]bool) ([]ScoredBid, error) {
	reps := make(map[string]float64, len(bids))
	for _, b := range bids {
		if _, ok := reps[b.AgentID]; ok {
			continue
		}
		score, err := r.Ledger.CurrentScoreTx(ctx, tx, b.AgentID)
		if err != nil {
			return nil, err
		}
		reps[b.AgentID] = score
	}
	return RankBids(r.Config.Ranker, m, bids, reps, exclude), nil
}

// --- rank cache (open windows only) ---

func (r *Registry) ranked(missionID string) []ScoredBid {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rankings[missionID]
}

func (r *Registry) setRanked(missionID string, ranked []ScoredBid) {
	r.mu.Lock()
	r.rankings[missionID] = ranked
	r.mu.Unlock()
}

func (r *Registry) dropRanked(missionID string) {
	r.mu.Lock()
	delete(r.rankings, missionID)
	r.mu.Unlock()
}
