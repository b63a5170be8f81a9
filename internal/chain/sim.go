package chain

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"missionline/internal/domain"
)

// SimBridge is an in-process bridge used by the CLI dev loop and tests. It
// confirms every request after Latency unless a failure is scripted for the
// mission. It is not a chain; it only honors the Bridge timing contract.
type SimBridge struct {
	Latency time.Duration

	mu       sync.Mutex
	handler  Handler
	tasks    map[string]domain.ChainTask
	failBond map[string]int // missionID -> remaining bond failures to report
}

func NewSimBridge(latency time.Duration) *SimBridge {
	return &SimBridge{
		Latency:  latency,
		tasks:    make(map[string]domain.ChainTask),
		failBond: make(map[string]int),
	}
}

func (s *SimBridge) Subscribe(h Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// FailNextBonds scripts the next n bond postings for a mission to fail.
func (s *SimBridge) FailNextBonds(missionID string, n int) {
	s.mu.Lock()
	s.failBond[missionID] = n
	s.mu.Unlock()
}

func (s *SimBridge) RequestBondPosting(ctx context.Context, missionID, agentID string, amount float64) error {
	if amount <= 0 {
		return fmt.Errorf("bond amount must be positive")
	}
	s.after(func(h Handler) {
		s.mu.Lock()
		fail := s.failBond[missionID] > 0
		if fail {
			s.failBond[missionID]--
		} else {
			s.tasks[missionID] = domain.ChainTask{
				ID:            uuid.New().String(),
				MissionID:     missionID,
				WorkerAddress: agentID,
				WorkerBond:    amount,
				Status:        "bonded",
				CreatedAt:     time.Now().UTC().Format(time.RFC3339),
			}
		}
		s.mu.Unlock()
		if fail {
			h.OnBondFailed(missionID, agentID, "simulated bond failure")
			return
		}
		h.OnBondConfirmed(missionID, agentID)
	})
	return nil
}

func (s *SimBridge) RequestSettlement(ctx context.Context, missionID, outcome string) error {
	s.after(func(h Handler) {
		s.mu.Lock()
		if t, ok := s.tasks[missionID]; ok {
			t.Status = "settled"
			t.Settled = true
			now := time.Now().UTC().Format(time.RFC3339)
			t.CompletedAt = &now
			s.tasks[missionID] = t
		}
		s.mu.Unlock()
		h.OnSettlementConfirmed(missionID)
	})
	return nil
}

func (s *SimBridge) RequestBondRelease(ctx context.Context, missionID string) error {
	s.after(func(h Handler) {
		s.mu.Lock()
		if t, ok := s.tasks[missionID]; ok {
			t.Status = "released"
			s.tasks[missionID] = t
		}
		s.mu.Unlock()
		h.OnBondReleased(missionID)
	})
	return nil
}

func (s *SimBridge) GetTask(ctx context.Context, id string) (domain.ChainTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.ID == id || t.MissionID == id {
			return t, nil
		}
	}
	return domain.ChainTask{}, fmt.Errorf("chain task %s not found", id)
}

func (s *SimBridge) after(fn func(Handler)) {
	go func() {
		if s.Latency > 0 {
			time.Sleep(s.Latency)
		}
		s.mu.Lock()
		h := s.handler
		s.mu.Unlock()
		if h == nil {
			log.Printf("chain: dropping callback, no handler subscribed")
			return
		}
		fn(h)
	}()
}
