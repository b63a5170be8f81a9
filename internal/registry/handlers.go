package registry

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"missionline/internal/decisions"
	"missionline/internal/domain"
	"missionline/internal/notify"
)

// The registry is the bridge's Handler. Callbacks arrive on bridge
// goroutines; each one takes the mission lock and runs its own transaction,
// so a late or duplicate confirmation can never corrupt state.

// OnBondConfirmed transitions assigned -> in_progress when the confirmation
// matches the current winner and arrives before the deadline. Anything else
// is recorded as a discarded confirmation and changes nothing.
func (r *Registry) OnBondConfirmed(missionID, agentID string) {
	ctx := context.Background()
	lock := r.missionLock(missionID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		log.Printf("bond confirm %s: %v", missionID, err)
		return
	}
	defer tx.Rollback()

	m, err := r.Repo.GetMissionTx(ctx, tx, missionID)
	if err != nil {
		log.Printf("bond confirm %s: %v", missionID, err)
		return
	}
	now := r.now().UTC()

	// Redelivered confirmation for the worker already on the task.
	if m.Status == domain.MissionInProgress && m.WinnerAgentID != nil && *m.WinnerAgentID == agentID {
		return
	}
	valid := m.Status == domain.MissionAssigned && m.WinnerAgentID != nil && *m.WinnerAgentID == agentID
	if valid && m.BondDeadline != nil {
		if deadline, perr := time.Parse(time.RFC3339, *m.BondDeadline); perr == nil && now.After(deadline) {
			valid = false
		}
	}
	if !valid {
		if err := r.Decisions.Append(ctx, tx, decisions.KindStaleConfirm, missionID, agentID,
			fmt.Sprintf("bond confirmation for %s while mission is %s", agentID, m.Status)); err != nil {
			log.Printf("bond confirm %s: %v", missionID, err)
			return
		}
		if err := tx.Commit(); err != nil {
			log.Printf("bond confirm %s: %v", missionID, err)
		}
		return
	}

	m.Status = domain.MissionInProgress
	m.UpdatedAt = now.Format(time.RFC3339)
	if err := r.Repo.UpdateMission(ctx, tx, m); err != nil {
		log.Printf("bond confirm %s: %v", missionID, err)
		return
	}
	op, err := r.Repo.LatestChainOp(ctx, tx, missionID, domain.ChainOpBondPost)
	if err != nil {
		log.Printf("bond confirm %s: %v", missionID, err)
		return
	}
	op.Status = domain.ChainOpConfirmed
	op.UpdatedAt = now.Format(time.RFC3339)
	if err := r.Repo.UpdateChainOp(ctx, tx, op); err != nil {
		log.Printf("bond confirm %s: %v", missionID, err)
		return
	}
	if err := r.Decisions.Append(ctx, tx, decisions.KindBondConfirmed, missionID, agentID, "bond escrowed on chain"); err != nil {
		log.Printf("bond confirm %s: %v", missionID, err)
		return
	}
	if err := r.Notify.Enqueue(ctx, tx, agentID, domain.EventTaskStarted, notify.Payload{"mission_id": missionID}); err != nil {
		log.Printf("bond confirm %s: %v", missionID, err)
		return
	}
	if err := r.Repo.UpsertChainTask(ctx, tx, domain.ChainTask{
		ID:            missionID,
		MissionID:     missionID,
		WorkerAddress: agentID,
		Escrow:        m.Escrow,
		WorkerBond:    op.Amount,
		Status:        "working",
		CreatedAt:     now.Format(time.RFC3339),
	}); err != nil {
		log.Printf("bond confirm %s: %v", missionID, err)
		return
	}
	if err := tx.Commit(); err != nil {
		log.Printf("bond confirm %s: %v", missionID, err)
		return
	}
	r.stopBondTimer(missionID)
}

// OnBondFailed retries the posting up to chain.max_bond_attempts, then
// treats the winner like a timeout and cascades to the next bidder.
func (r *Registry) OnBondFailed(missionID, agentID, reason string) {
	ctx := context.Background()
	lock := r.missionLock(missionID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		log.Printf("bond fail %s: %v", missionID, err)
		return
	}
	defer tx.Rollback()

	m, err := r.Repo.GetMissionTx(ctx, tx, missionID)
	if err != nil {
		log.Printf("bond fail %s: %v", missionID, err)
		return
	}
	if m.Status != domain.MissionAssigned || m.WinnerAgentID == nil || *m.WinnerAgentID != agentID {
		if err := r.Decisions.Append(ctx, tx, decisions.KindStaleConfirm, missionID, agentID,
			fmt.Sprintf("bond failure for %s while mission is %s", agentID, m.Status)); err != nil {
			log.Printf("bond fail %s: %v", missionID, err)
			return
		}
		if err := tx.Commit(); err != nil {
			log.Printf("bond fail %s: %v", missionID, err)
		}
		return
	}

	op, err := r.Repo.LatestChainOp(ctx, tx, missionID, domain.ChainOpBondPost)
	if err != nil {
		log.Printf("bond fail %s: %v", missionID, err)
		return
	}
	if op.Attempts < r.Config.Chain.MaxBondAttempts {
		op.Attempts++
		op.UpdatedAt = r.now().UTC().Format(time.RFC3339)
		if err := r.Repo.UpdateChainOp(ctx, tx, op); err != nil {
			log.Printf("bond fail %s: %v", missionID, err)
			return
		}
		if err := r.Decisions.Append(ctx, tx, decisions.KindBondRetry, missionID, agentID,
			fmt.Sprintf("attempt %d of %d: %s", op.Attempts, r.Config.Chain.MaxBondAttempts, reason)); err != nil {
			log.Printf("bond fail %s: %v", missionID, err)
			return
		}
		if err := tx.Commit(); err != nil {
			log.Printf("bond fail %s: %v", missionID, err)
			return
		}
		_ = r.Bridge.RequestBondPosting(ctx, missionID, agentID, op.Amount)
		return
	}

	op.Status = domain.ChainOpAbandoned
	op.UpdatedAt = r.now().UTC().Format(time.RFC3339)
	if err := r.Repo.UpdateChainOp(ctx, tx, op); err != nil {
		log.Printf("bond fail %s: %v", missionID, err)
		return
	}
	if err := r.Decisions.Append(ctx, tx, decisions.KindBondFailed, missionID, agentID,
		fmt.Sprintf("gave up after %d attempts: %s", op.Attempts, reason)); err != nil {
		log.Printf("bond fail %s: %v", missionID, err)
		return
	}
	assign, cascaded, err := r.cascadeTx(ctx, tx, m, agentID, "bond posting failed")
	if err != nil {
		log.Printf("bond fail %s: %v", missionID, err)
		return
	}
	if err := tx.Commit(); err != nil {
		log.Printf("bond fail %s: %v", missionID, err)
		return
	}
	r.stopBondTimer(missionID)
	if cascaded {
		r.applyAssignment(assign)
	}
}

// OnBondTimeout fires when the posting deadline passes with no
// confirmation. A confirmation that already landed makes it a no-op.
func (r *Registry) OnBondTimeout(missionID string) {
	ctx := context.Background()
	lock := r.missionLock(missionID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		log.Printf("bond timeout %s: %v", missionID, err)
		return
	}
	defer tx.Rollback()

	m, err := r.Repo.GetMissionTx(ctx, tx, missionID)
	if err != nil {
		log.Printf("bond timeout %s: %v", missionID, err)
		return
	}
	if m.Status != domain.MissionAssigned || m.WinnerAgentID == nil {
		return
	}
	winner := *m.WinnerAgentID
	if err := r.Decisions.Append(ctx, tx, decisions.KindBondTimeout, missionID, winner, "bond not posted before deadline"); err != nil {
		log.Printf("bond timeout %s: %v", missionID, err)
		return
	}
	op, err := r.Repo.LatestChainOp(ctx, tx, missionID, domain.ChainOpBondPost)
	if err == nil && op.Status == domain.ChainOpPending {
		op.Status = domain.ChainOpAbandoned
		op.UpdatedAt = r.now().UTC().Format(time.RFC3339)
		if err := r.Repo.UpdateChainOp(ctx, tx, op); err != nil {
			log.Printf("bond timeout %s: %v", missionID, err)
			return
		}
	}
	assign, cascaded, err := r.cascadeTx(ctx, tx, m, winner, "bond deadline expired")
	if err != nil {
		log.Printf("bond timeout %s: %v", missionID, err)
		return
	}
	if err := tx.Commit(); err != nil {
		log.Printf("bond timeout %s: %v", missionID, err)
		return
	}
	if cascaded {
		r.applyAssignment(assign)
	}
}

// cascadeTx forfeits the current winner and hands the mission to the best
// remaining bidder, or expires it when no bidder is left. The forfeiting
// agent is excluded from re-selection permanently for this mission.
func (r *Registry) cascadeTx(ctx context.Context, tx *sql.Tx, m domain.Mission, forfeiter, why string) (pendingAssignment, bool, error) {
	now := r.now().UTC()
	if err := r.Repo.InsertForfeit(ctx, tx, m.ID, forfeiter); err != nil {
		return pendingAssignment{}, false, err
	}
	if err := r.Decisions.Append(ctx, tx, decisions.KindReliabilityMark, m.ID, forfeiter, why); err != nil {
		return pendingAssignment{}, false, err
	}
	if err := r.Notify.Enqueue(ctx, tx, forfeiter, domain.EventBondForfeited, notify.Payload{"mission_id": m.ID, "reason": why}); err != nil {
		return pendingAssignment{}, false, err
	}

	forfeits, err := r.Repo.ListForfeits(ctx, tx, m.ID)
	if err != nil {
		return pendingAssignment{}, false, err
	}
	exclude := make(map[string]bool, len(forfeits))
	for _, a := range forfeits {
		exclude[a] = true
	}
	bids, err := r.Repo.ListBidsTx(ctx, tx, m.ID)
	if err != nil {
		return pendingAssignment{}, false, err
	}
	ranked, err := r.rankTx(ctx, tx, m, bids, exclude)
	if err != nil {
		return pendingAssignment{}, false, err
	}
	if len(ranked) == 0 {
		m.Status = domain.MissionExpired
		m.WinnerAgentID = nil
		m.BondDeadline = nil
		m.UpdatedAt = now.Format(time.RFC3339)
		if err := r.Repo.UpdateMission(ctx, tx, m); err != nil {
			return pendingAssignment{}, false, err
		}
		if err := r.Decisions.Append(ctx, tx, decisions.KindExpired, m.ID, "", "no eligible bidders remain"); err != nil {
			return pendingAssignment{}, false, err
		}
		return pendingAssignment{}, false, nil
	}
	next := ranked[0]
	assign, err := r.assignWinnerTx(ctx, tx, &m, next.Bid.AgentID, next.Bid.BondOffered,
		decisions.KindCascadeAssigned, fmt.Sprintf("reassigned after %s forfeited, score %.4f", forfeiter, next.Score))
	if err != nil {
		return pendingAssignment{}, false, err
	}
	return assign, true, nil
}

// OnSettlementConfirmed finalizes the payout record for a settled mission.
func (r *Registry) OnSettlementConfirmed(missionID string) {
	ctx := context.Background()
	lock := r.missionLock(missionID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		log.Printf("settlement confirm %s: %v", missionID, err)
		return
	}
	defer tx.Rollback()

	m, err := r.Repo.GetMissionTx(ctx, tx, missionID)
	if err != nil {
		log.Printf("settlement confirm %s: %v", missionID, err)
		return
	}
	if m.Status != domain.MissionSettled {
		if err := r.Decisions.Append(ctx, tx, decisions.KindStaleConfirm, missionID, "",
			fmt.Sprintf("settlement confirmation while mission is %s", m.Status)); err != nil {
			log.Printf("settlement confirm %s: %v", missionID, err)
			return
		}
		if err := tx.Commit(); err != nil {
			log.Printf("settlement confirm %s: %v", missionID, err)
		}
		return
	}
	if err := r.markChainOp(ctx, tx, missionID, domain.ChainOpSettlement, domain.ChainOpConfirmed); err != nil {
		log.Printf("settlement confirm %s: %v", missionID, err)
		return
	}
	agent := ""
	if m.WinnerAgentID != nil {
		agent = *m.WinnerAgentID
	}
	if err := r.Decisions.Append(ctx, tx, decisions.KindSettleConfirmed, missionID, agent, "escrow released on chain"); err != nil {
		log.Printf("settlement confirm %s: %v", missionID, err)
		return
	}
	if err := tx.Commit(); err != nil {
		log.Printf("settlement confirm %s: %v", missionID, err)
	}
}

// OnSettlementFailed retries up to chain.max_settlement_attempts, then
// leaves the mission settled but flags it unreconciled for operators.
func (r *Registry) OnSettlementFailed(missionID, reason string) {
	ctx := context.Background()
	lock := r.missionLock(missionID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		log.Printf("settlement fail %s: %v", missionID, err)
		return
	}
	defer tx.Rollback()

	m, err := r.Repo.GetMissionTx(ctx, tx, missionID)
	if err != nil {
		log.Printf("settlement fail %s: %v", missionID, err)
		return
	}
	if m.Status != domain.MissionSettled {
		return
	}
	op, err := r.Repo.LatestChainOp(ctx, tx, missionID, domain.ChainOpSettlement)
	if err != nil {
		log.Printf("settlement fail %s: %v", missionID, err)
		return
	}
	if op.Attempts < r.Config.Chain.MaxSettlementAttempts {
		op.Attempts++
		op.UpdatedAt = r.now().UTC().Format(time.RFC3339)
		if err := r.Repo.UpdateChainOp(ctx, tx, op); err != nil {
			log.Printf("settlement fail %s: %v", missionID, err)
			return
		}
		if err := r.Decisions.Append(ctx, tx, decisions.KindSettleRetry, missionID, "",
			fmt.Sprintf("attempt %d of %d: %s", op.Attempts, r.Config.Chain.MaxSettlementAttempts, reason)); err != nil {
			log.Printf("settlement fail %s: %v", missionID, err)
			return
		}
		if err := tx.Commit(); err != nil {
			log.Printf("settlement fail %s: %v", missionID, err)
			return
		}
		_ = r.Bridge.RequestSettlement(ctx, missionID, "approved")
		return
	}
	op.Status = domain.ChainOpFailed
	op.UpdatedAt = r.now().UTC().Format(time.RFC3339)
	if err := r.Repo.UpdateChainOp(ctx, tx, op); err != nil {
		log.Printf("settlement fail %s: %v", missionID, err)
		return
	}
	if err := r.Decisions.Append(ctx, tx, decisions.KindSettleUnreconc, missionID, "",
		fmt.Sprintf("gave up after %d attempts: %s", op.Attempts, reason)); err != nil {
		log.Printf("settlement fail %s: %v", missionID, err)
		return
	}
	if err := tx.Commit(); err != nil {
		log.Printf("settlement fail %s: %v", missionID, err)
	}
}

// OnBondReleased records that a cancelled mission's bond came back.
func (r *Registry) OnBondReleased(missionID string) {
	ctx := context.Background()
	lock := r.missionLock(missionID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		log.Printf("bond release %s: %v", missionID, err)
		return
	}
	defer tx.Rollback()

	if err := r.markChainOp(ctx, tx, missionID, domain.ChainOpBondRelease, domain.ChainOpConfirmed); err != nil {
		log.Printf("bond release %s: %v", missionID, err)
		return
	}
	if err := r.Decisions.Append(ctx, tx, decisions.KindBondReleased, missionID, "", "bond returned to agent"); err != nil {
		log.Printf("bond release %s: %v", missionID, err)
		return
	}
	if err := tx.Commit(); err != nil {
		log.Printf("bond release %s: %v", missionID, err)
	}
}

func (r *Registry) markChainOp(ctx context.Context, tx *sql.Tx, missionID, kind, status string) error {
	op, err := r.Repo.LatestChainOp(ctx, tx, missionID, kind)
	if err != nil {
		return err
	}
	op.Status = status
	op.UpdatedAt = r.now().UTC().Format(time.RFC3339)
	return r.Repo.UpdateChainOp(ctx, tx, op)
}

// --- timers ---

func (r *Registry) scheduleWindowClose(missionID string, at time.Time) {
	d := at.Sub(r.now())
	if d < 0 {
		d = 0
	}
	r.mu.Lock()
	t, ok := r.timers[missionID]
	if !ok {
		t = &missionTimers{}
		r.timers[missionID] = t
	}
	if t.window != nil {
		t.window.Stop()
	}
	t.window = time.AfterFunc(d, func() {
		if err := r.CloseBiddingWindow(context.Background(), missionID, "scheduler"); err != nil {
			log.Printf("window close %s: %v", missionID, err)
		}
	})
	r.mu.Unlock()
}

func (r *Registry) scheduleBondTimeout(missionID string, at time.Time) {
	d := at.Sub(r.now())
	if d < 0 {
		d = 0
	}
	r.mu.Lock()
	t, ok := r.timers[missionID]
	if !ok {
		t = &missionTimers{}
		r.timers[missionID] = t
	}
	if t.bond != nil {
		t.bond.Stop()
	}
	t.bond = time.AfterFunc(d, func() { r.OnBondTimeout(missionID) })
	r.mu.Unlock()
}

func (r *Registry) stopWindowTimer(missionID string) {
	r.mu.Lock()
	if t, ok := r.timers[missionID]; ok && t.window != nil {
		t.window.Stop()
		t.window = nil
	}
	r.mu.Unlock()
}

func (r *Registry) stopBondTimer(missionID string) {
	r.mu.Lock()
	if t, ok := r.timers[missionID]; ok && t.bond != nil {
		t.bond.Stop()
		t.bond = nil
	}
	r.mu.Unlock()
}

func (r *Registry) stopTimers(missionID string) {
	r.mu.Lock()
	if t, ok := r.timers[missionID]; ok {
		if t.window != nil {
			t.window.Stop()
		}
		if t.bond != nil {
			t.bond.Stop()
		}
		delete(r.timers, missionID)
	}
	r.mu.Unlock()
}

// ResumeTimers re-arms window and bond deadlines for live missions after a
// restart. Deadlines already in the past fire immediately.
func (r *Registry) ResumeTimers(ctx context.Context) error {
	live, err := r.Repo.ListLiveMissions(ctx)
	if err != nil {
		return err
	}
	for _, m := range live {
		switch m.Status {
		case domain.MissionOpen:
			if at, err := time.Parse(time.RFC3339, m.WindowClosesAt); err == nil {
				r.scheduleWindowClose(m.ID, at)
			}
		case domain.MissionAssigned:
			if m.BondDeadline == nil {
				continue
			}
			if at, err := time.Parse(time.RFC3339, *m.BondDeadline); err == nil {
				r.scheduleBondTimeout(m.ID, at)
			}
		}
	}
	return nil
}
