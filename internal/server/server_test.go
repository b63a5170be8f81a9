package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"missionline/internal/app"
	"missionline/internal/chain"
	"missionline/internal/domain"
)

type testServer struct {
	URL    string
	App    *app.App
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	a, err := app.Bootstrap(context.Background(), app.Options{
		Workspace: t.TempDir(),
		Bridge:    chain.NewSimBridge(10 * time.Millisecond),
	})
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	handler, err := New(Config{App: a, BasePath: "/v0", Auth: AuthConfig{AllowAgentHeader: true}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		App:    a,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			a.Close()
		},
	}
	t.Cleanup(testSrv.close)
	return testSrv
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Agent-Id", "tester")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func registerAgent(t *testing.T, srv *testServer, id, role string) string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/agents", map[string]any{
		"id":   id,
		"role": role,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register agent %s: %d %s", id, res.StatusCode, string(data))
	}
	var out RegisteredAgentResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal agent: %v", err)
	}
	return out.APIKey
}

func TestMissionBiddingFlow(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	keyX := registerAgent(t, srv, "agent-x", "worker")
	keyY := registerAgent(t, srv, "agent-y", "worker")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/missions", map[string]any{
		"proposer_id":    "proposer-1",
		"objective":      "label 500 images",
		"escrow":         100,
		"window_minutes": 60,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create mission: %d %s", res.StatusCode, string(data))
	}
	var m domain.Mission
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal mission: %v", err)
	}
	if m.Status != domain.MissionOpen {
		t.Fatalf("want open mission, got %s", m.Status)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/missions/"+m.ID+"/bids", map[string]any{
		"price": 100, "eta_minutes": 30, "bond_offered": 50,
	}, map[string]string{"X-Agent-Id": "", "X-Api-Key": keyX})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("bid x: %d %s", res.StatusCode, string(data))
	}
	var bid BidResponse
	if err := json.Unmarshal(data, &bid); err != nil {
		t.Fatalf("unmarshal bid: %v", err)
	}
	if bid.Rank != 1 {
		t.Fatalf("first bid should rank 1, got %d", bid.Rank)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/missions/"+m.ID+"/bids", map[string]any{
		"price": 90, "eta_minutes": 45, "bond_offered": 80,
	}, map[string]string{"X-Agent-Id": "", "X-Api-Key": keyY})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("bid y: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/missions/"+m.ID+"/close", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("close: %d %s", res.StatusCode, string(data))
	}
	var closed domain.Mission
	if err := json.Unmarshal(data, &closed); err != nil {
		t.Fatalf("unmarshal closed: %v", err)
	}
	if closed.Status != domain.MissionAssigned {
		t.Fatalf("want assigned, got %s", closed.Status)
	}
	if closed.WinnerAgentID == nil || *closed.WinnerAgentID != "agent-y" {
		t.Fatalf("want agent-y winner, got %v", closed.WinnerAgentID)
	}

	// bidding after close conflicts
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/missions/"+m.ID+"/bids", map[string]any{
		"agent_id": "agent-x", "price": 10, "eta_minutes": 10, "bond_offered": 10,
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("want 409 for late bid, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "window_closed" {
		t.Fatalf("want window_closed, got %s", envelope.Error.Code)
	}
}

func TestWorkAndVerification(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	registerAgent(t, srv, "agent-x", "worker")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/missions", map[string]any{
		"proposer_id": "proposer-1", "objective": "scrape", "escrow": 50, "window_minutes": 60,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", res.StatusCode, string(data))
	}
	var m domain.Mission
	_ = json.Unmarshal(data, &m)

	doJSON(t, client, http.MethodPost, srv.URL+"/v0/missions/"+m.ID+"/bids", map[string]any{
		"agent_id": "agent-x", "price": 40, "eta_minutes": 60, "bond_offered": 10,
	}, nil)
	doJSON(t, client, http.MethodPost, srv.URL+"/v0/missions/"+m.ID+"/close", nil, nil)

	// sim bridge confirms the bond shortly after assignment
	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := srv.App.Registry.GetMission(context.Background(), m.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status == domain.MissionInProgress {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("bond never confirmed, status %s", got.Status)
		}
		time.Sleep(20 * time.Millisecond)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/missions/"+m.ID+"/work", nil,
		map[string]string{"X-Agent-Id": "agent-x"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit work: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/missions/"+m.ID+"/verify", map[string]any{
		"outcome": "approved", "verifier_id": "verifier-1",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("verify: %d %s", res.StatusCode, string(data))
	}
	var settled domain.Mission
	_ = json.Unmarshal(data, &settled)
	if settled.Status != domain.MissionSettled {
		t.Fatalf("want settled, got %s", settled.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/decisions?mission_id="+m.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("decisions: %d %s", res.StatusCode, string(data))
	}
	var decisionsOut []domain.DecisionRecord
	if err := json.Unmarshal(data, &decisionsOut); err != nil {
		t.Fatalf("unmarshal decisions: %v", err)
	}
	if len(decisionsOut) == 0 {
		t.Fatal("decision trail should not be empty")
	}
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t)
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v0/missions", nil)
	if err != nil {
		t.Fatal(err)
	}
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("want 401 without credentials, got %d", res.StatusCode)
	}
	// health stays open
	res2, err := srv.Client().Get(srv.URL + "/v0/health")
	if err != nil {
		t.Fatal(err)
	}
	defer res2.Body.Close()
	if res2.StatusCode != http.StatusOK {
		t.Fatalf("health should not require auth, got %d", res2.StatusCode)
	}
}
