package chain

import (
	"context"
	"sync"
	"testing"
	"time"
)

type captureHandler struct {
	mu        sync.Mutex
	confirmed []string
	failed    []string
	settled   []string
	released  []string
	done      chan struct{}
}

func newCaptureHandler(expected int) *captureHandler {
	return &captureHandler{done: make(chan struct{}, expected)}
}

func (h *captureHandler) OnBondConfirmed(missionID, agentID string) {
	h.mu.Lock()
	h.confirmed = append(h.confirmed, missionID+"/"+agentID)
	h.mu.Unlock()
	h.done <- struct{}{}
}

func (h *captureHandler) OnBondFailed(missionID, agentID, reason string) {
	h.mu.Lock()
	h.failed = append(h.failed, missionID+"/"+agentID)
	h.mu.Unlock()
	h.done <- struct{}{}
}

func (h *captureHandler) OnSettlementConfirmed(missionID string) {
	h.mu.Lock()
	h.settled = append(h.settled, missionID)
	h.mu.Unlock()
	h.done <- struct{}{}
}

func (h *captureHandler) OnSettlementFailed(missionID, reason string) {
	h.done <- struct{}{}
}

func (h *captureHandler) OnBondReleased(missionID string) {
	h.mu.Lock()
	h.released = append(h.released, missionID)
	h.mu.Unlock()
	h.done <- struct{}{}
}

func (h *captureHandler) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-h.done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for callback %d of %d", i+1, n)
		}
	}
}

func TestSimBridgeConfirmsBond(t *testing.T) {
	s := NewSimBridge(time.Millisecond)
	h := newCaptureHandler(1)
	s.Subscribe(h)
	if err := s.RequestBondPosting(context.Background(), "m1", "agent-x", 25); err != nil {
		t.Fatalf("request: %v", err)
	}
	h.wait(t, 1)
	if len(h.confirmed) != 1 || h.confirmed[0] != "m1/agent-x" {
		t.Fatalf("want confirmation for m1/agent-x, got %v", h.confirmed)
	}
	task, err := s.GetTask(context.Background(), "m1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.WorkerBond != 25 || task.Status != "bonded" {
		t.Fatalf("task not recorded: %+v", task)
	}
}

func TestSimBridgeScriptedFailures(t *testing.T) {
	s := NewSimBridge(time.Millisecond)
	h := newCaptureHandler(3)
	s.Subscribe(h)
	s.FailNextBonds("m1", 2)

	for i := 0; i < 3; i++ {
		if err := s.RequestBondPosting(context.Background(), "m1", "agent-x", 25); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		h.wait(t, 1)
	}
	if len(h.failed) != 2 {
		t.Fatalf("want 2 scripted failures, got %d", len(h.failed))
	}
	if len(h.confirmed) != 1 {
		t.Fatalf("third attempt should confirm, got %d confirmations", len(h.confirmed))
	}
}

func TestSimBridgeRejectsZeroBond(t *testing.T) {
	s := NewSimBridge(0)
	if err := s.RequestBondPosting(context.Background(), "m1", "agent-x", 0); err == nil {
		t.Fatal("zero bond should be rejected")
	}
}

func TestSimBridgeSettlementAndRelease(t *testing.T) {
	s := NewSimBridge(time.Millisecond)
	h := newCaptureHandler(3)
	s.Subscribe(h)
	if err := s.RequestBondPosting(context.Background(), "m1", "agent-x", 25); err != nil {
		t.Fatal(err)
	}
	h.wait(t, 1)
	if err := s.RequestSettlement(context.Background(), "m1", OutcomeApproved); err != nil {
		t.Fatal(err)
	}
	h.wait(t, 1)
	if len(h.settled) != 1 {
		t.Fatalf("want settlement confirmation, got %v", h.settled)
	}
	task, err := s.GetTask(context.Background(), "m1")
	if err != nil {
		t.Fatal(err)
	}
	if !task.Settled || task.CompletedAt == nil {
		t.Fatalf("task should be settled: %+v", task)
	}

	if err := s.RequestBondRelease(context.Background(), "m1"); err != nil {
		t.Fatal(err)
	}
	h.wait(t, 1)
	if len(h.released) != 1 {
		t.Fatalf("want release confirmation, got %v", h.released)
	}
}
