package registry

import "errors"

// Validation errors returned synchronously to callers. Timer- and
// chain-driven transitions never surface these; they resolve internally and
// leave a decision record instead.
var (
	ErrInvalidMission     = errors.New("invalid mission")
	ErrInvalidBid         = errors.New("invalid bid")
	ErrWindowClosed       = errors.New("bidding window closed")
	ErrUnauthorizedAgent  = errors.New("agent not eligible")
	ErrNotAssignedWorker  = errors.New("not the assigned worker")
	ErrAssignmentConflict = errors.New("assignment conflict")
	ErrInvalidTransition  = errors.New("invalid mission transition")
)
