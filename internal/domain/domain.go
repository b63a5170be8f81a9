package domain

// Mission states. A mission never re-enters "open" once the window closes.
const (
	MissionOpen          = "open"
	MissionBiddingClosed = "bidding_closed"
	MissionAssigned      = "assigned"
	MissionInProgress    = "in_progress"
	MissionSubmitted     = "submitted"
	MissionVerifying     = "verifying"
	MissionSettled       = "settled"
	MissionDisputed      = "disputed"
	MissionCancelled     = "cancelled"
	MissionExpired       = "expired"
)

// TerminalMissionState reports whether no further transitions are possible.
func TerminalMissionState(s string) bool {
	switch s {
	case MissionSettled, MissionDisputed, MissionCancelled, MissionExpired:
		return true
	}
	return false
}

type Mission struct {
	ID             string  `json:"id"`
	ProposerID     string  `json:"proposer_id"`
	Objective      string  `json:"objective"`
	Escrow         float64 `json:"escrow"`
	Status         string  `json:"status" enum:"open,bidding_closed,assigned,in_progress,submitted,verifying,settled,disputed,cancelled,expired"`
	WindowClosesAt string  `json:"window_closes_at" format:"date-time"`
	WinnerAgentID  *string `json:"winner_agent_id,omitempty"`
	BondDeadline   *string `json:"bond_deadline,omitempty" format:"date-time"`
	CancelReason   *string `json:"cancel_reason,omitempty"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
}

// Bid is immutable once the bidding window closes. While the window is open
// a resubmission from the same agent replaces the prior bid.
type Bid struct {
	ID          string  `json:"id"`
	MissionID   string  `json:"mission_id"`
	AgentID     string  `json:"agent_id"`
	Price       float64 `json:"price"`
	EtaMinutes  int     `json:"eta_minutes"`
	BondOffered float64 `json:"bond_offered"`
	Message     string  `json:"message,omitempty"`
	SubmittedAt string  `json:"submitted_at" format:"date-time"`
}

// ChainTask is the local read-through projection of the on-chain task record.
// The chain owns it; rows are written only from confirmed bridge events.
type ChainTask struct {
	ID            string  `json:"id"`
	MissionID     string  `json:"mission_id"`
	WorkerAddress string  `json:"worker_address"`
	VerifierAddr  string  `json:"verifier_address,omitempty"`
	Escrow        float64 `json:"escrow"`
	WorkerBond    float64 `json:"worker_bond"`
	Status        string  `json:"status" enum:"pending,bonded,working,submitted,settled,released"`
	Settled       bool    `json:"settled"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	CompletedAt   *string `json:"completed_at,omitempty" format:"date-time"`
}

// Agent roles distinguish workers from verifiers over the same entity.
const (
	AgentRoleWorker   = "worker"
	AgentRoleVerifier = "verifier"
)

type Agent struct {
	ID          string   `json:"id"`
	Role        string   `json:"role" enum:"worker,verifier"`
	Specialties []string `json:"specialties,omitempty"`
	Available   bool     `json:"available"`
	Reputation  float64  `json:"reputation"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
}

// Notification event kinds delivered to agents.
const (
	EventBidWon        = "bid.won"
	EventBidLost       = "bid.lost"
	EventTaskStarted   = "task.started"
	EventWorkSubmitted = "work.submitted"
	EventSettled       = "mission.settled"
	EventDisputed      = "mission.disputed"
	EventCancelled     = "mission.cancelled"
	EventBondForfeited = "bond.forfeited"
)

// NotificationEvent delivery is at-least-once; consumers dedupe by ID.
type NotificationEvent struct {
	ID         string `json:"id"`
	AgentID    string `json:"agent_id"`
	Kind       string `json:"kind"`
	Payload    string `json:"payload_json"`
	EnqueuedAt string `json:"enqueued_at" format:"date-time"`
	Delivered  bool   `json:"delivered"`
}

// DecisionRecord rows are append-only; nothing updates or deletes them.
type DecisionRecord struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts" format:"date-time"`
	Kind      string `json:"kind"`
	MissionID string `json:"mission_id,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`
	Reason    string `json:"reason"`
}

// ReputationEntry is one append in the reputation ledger. The current score
// of an agent is always the NewScore of its latest entry.
type ReputationEntry struct {
	ID       int64   `json:"id"`
	AgentID  string  `json:"agent_id"`
	OldScore float64 `json:"old_score"`
	NewScore float64 `json:"new_score"`
	Reason   string  `json:"reason"`
	TS       string  `json:"ts" format:"date-time"`
}

// Chain operation kinds and statuses tracked for reconciliation.
const (
	ChainOpBondPost    = "bond_post"
	ChainOpSettlement  = "settlement"
	ChainOpBondRelease = "bond_release"

	ChainOpPending   = "pending"
	ChainOpConfirmed = "confirmed"
	ChainOpFailed    = "failed"
	ChainOpAbandoned = "abandoned"
)

type ChainOp struct {
	ID        string  `json:"id"`
	MissionID string  `json:"mission_id"`
	AgentID   string  `json:"agent_id,omitempty"`
	Kind      string  `json:"kind" enum:"bond_post,settlement,bond_release"`
	Amount    float64 `json:"amount"`
	Status    string  `json:"status" enum:"pending,confirmed,failed,abandoned"`
	Attempts  int     `json:"attempts"`
	CreatedAt string  `json:"created_at" format:"date-time"`
	UpdatedAt string  `json:"updated_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	AgentID   string `json:"agent_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
