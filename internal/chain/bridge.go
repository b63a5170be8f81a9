// Package chain abstracts the escrow/bond contracts. Requests are
// fire-and-forget; outcomes arrive later as discrete callbacks on the
// Handler, and the registry must tolerate arbitrary delay, duplicates and
// stale confirmations.
package chain

import (
	"context"

	"missionline/internal/domain"
)

// Outcome of a settlement request.
const (
	OutcomeApproved = "approved"
	OutcomeRejected = "rejected"
)

// Bridge is the consumed contract. Implementations must never block the
// caller on chain confirmation; they acknowledge the request and report the
// result through the Handler registered with Subscribe.
type Bridge interface {
	RequestBondPosting(ctx context.Context, missionID, agentID string, amount float64) error
	RequestSettlement(ctx context.Context, missionID, outcome string) error
	RequestBondRelease(ctx context.Context, missionID string) error
	// GetTask reads the on-chain task record, bypassing any local projection.
	GetTask(ctx context.Context, id string) (domain.ChainTask, error)
	Subscribe(h Handler)
}

// Handler receives asynchronous chain confirmations. The registry implements
// it; calls are serialized per mission on the registry side, not here.
type Handler interface {
	OnBondConfirmed(missionID, agentID string)
	OnBondFailed(missionID, agentID, reason string)
	OnSettlementConfirmed(missionID string)
	OnSettlementFailed(missionID, reason string)
	OnBondReleased(missionID string)
}
