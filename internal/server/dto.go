package server

import (
	"encoding/json"

	"missionline/internal/domain"
)

// Request payloads

type CreateMissionRequest struct {
	ProposerID    string  `json:"proposer_id"`
	Objective     string  `json:"objective"`
	Escrow        float64 `json:"escrow"`
	WindowMinutes *int    `json:"window_minutes,omitempty"`
}

type SubmitBidRequest struct {
	AgentID     string  `json:"agent_id,omitempty"`
	Price       float64 `json:"price"`
	EtaMinutes  int     `json:"eta_minutes"`
	BondOffered float64 `json:"bond_offered"`
	Message     *string `json:"message,omitempty"`
}

type ManualAssignRequest struct {
	AgentID string `json:"agent_id,omitempty"`
	Reason  string `json:"reason"`
}

type VerifyRequest struct {
	Outcome    string `json:"outcome" enum:"approved,rejected"`
	VerifierID string `json:"verifier_id"`
}

type CancelMissionRequest struct {
	Reason string `json:"reason"`
}

type RegisterAgentRequest struct {
	ID          string   `json:"id"`
	Role        string   `json:"role" enum:"worker,verifier"`
	Specialties []string `json:"specialties,omitempty"`
}

// Response payloads

type BidResponse struct {
	domain.Bid
	Rank int `json:"rank,omitempty"`
}

type RegisteredAgentResponse struct {
	Agent  domain.Agent `json:"agent"`
	APIKey string       `json:"api_key"`
}

type NotificationResponse struct {
	ID         string          `json:"id"`
	AgentID    string          `json:"agent_id"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt string          `json:"enqueued_at"`
	Delivered  bool            `json:"delivered"`
}

func notificationResponse(e domain.NotificationEvent) NotificationResponse {
	payload := json.RawMessage("{}")
	if e.Payload != "" && json.Valid([]byte(e.Payload)) {
		payload = json.RawMessage(e.Payload)
	}
	return NotificationResponse{
		ID:         e.ID,
		AgentID:    e.AgentID,
		Kind:       e.Kind,
		Payload:    payload,
		EnqueuedAt: e.EnqueuedAt,
		Delivered:  e.Delivered,
	}
}

func mapNotifications(events []domain.NotificationEvent) []NotificationResponse {
	out := make([]NotificationResponse, 0, len(events))
	for _, e := range events {
		out = append(out, notificationResponse(e))
	}
	return out
}
