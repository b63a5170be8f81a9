package missionlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Missionline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Mission represents the API mission model.
type Mission struct {
	ID             string  `json:"id"`
	ProposerID     string  `json:"proposer_id"`
	Objective      string  `json:"objective"`
	Escrow         float64 `json:"escrow"`
	Status         string  `json:"status"`
	WindowClosesAt string  `json:"window_closes_at"`
	WinnerAgentID  *string `json:"winner_agent_id,omitempty"`
	BondDeadline   *string `json:"bond_deadline,omitempty"`
}

// Bid represents a submitted bid with its rank at submission time.
type Bid struct {
	ID          string  `json:"id"`
	MissionID   string  `json:"mission_id"`
	AgentID     string  `json:"agent_id"`
	Price       float64 `json:"price"`
	EtaMinutes  int     `json:"eta_minutes"`
	BondOffered float64 `json:"bond_offered"`
	SubmittedAt string  `json:"submitted_at"`
	Rank        int     `json:"rank,omitempty"`
}

// Decision is one record from the append-only decision log.
type Decision struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts"`
	Kind      string `json:"kind"`
	MissionID string `json:"mission_id,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`
	Reason    string `json:"reason"`
}

// Notification is one queued event for an agent.
type Notification struct {
	ID         string          `json:"id"`
	AgentID    string          `json:"agent_id"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt string          `json:"enqueued_at"`
	Delivered  bool            `json:"delivered"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateMission posts a mission for bidding.
func (c *Client) CreateMission(ctx context.Context, objective string, escrow float64, windowMinutes int) (Mission, error) {
	body := map[string]any{
		"objective": objective,
		"escrow":    escrow,
	}
	if windowMinutes > 0 {
		body["window_minutes"] = windowMinutes
	}
	var resp Mission
	err := c.do(ctx, http.MethodPost, "v0/missions", body, &resp)
	return resp, err
}

// GetMission fetches a mission by id.
func (c *Client) GetMission(ctx context.Context, id string) (Mission, error) {
	var resp Mission
	err := c.do(ctx, http.MethodGet, "v0/missions/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// SubmitBid submits or replaces the caller's bid on a mission.
func (c *Client) SubmitBid(ctx context.Context, missionID string, price float64, etaMinutes int, bond float64) (Bid, error) {
	body := map[string]any{
		"price":        price,
		"eta_minutes":  etaMinutes,
		"bond_offered": bond,
	}
	var resp Bid
	endpoint := fmt.Sprintf("v0/missions/%s/bids", url.PathEscape(missionID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// SubmitWork marks the caller's assignment delivered.
func (c *Client) SubmitWork(ctx context.Context, missionID string) (Mission, error) {
	var resp Mission
	endpoint := fmt.Sprintf("v0/missions/%s/work", url.PathEscape(missionID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Decisions returns recent decision records, optionally scoped to a mission.
func (c *Client) Decisions(ctx context.Context, missionID string, limit int) ([]Decision, error) {
	endpoint := "v0/decisions"
	params := url.Values{}
	if missionID != "" {
		params.Set("mission_id", missionID)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if encoded := params.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var resp []Decision
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Notifications returns an agent's pending notifications, oldest first.
func (c *Client) Notifications(ctx context.Context, agentID string) ([]Notification, error) {
	var resp []Notification
	endpoint := fmt.Sprintf("v0/agents/%s/notifications", url.PathEscape(agentID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// AckNotification marks a notification delivered.
func (c *Client) AckNotification(ctx context.Context, eventID string) error {
	endpoint := fmt.Sprintf("v0/notifications/%s/ack", url.PathEscape(eventID))
	return c.do(ctx, http.MethodPost, endpoint, nil, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
