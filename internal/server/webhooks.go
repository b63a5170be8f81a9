package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"missionline/internal/app"
	"missionline/internal/config"
	"missionline/internal/domain"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// webhookDispatcher tails the decision log and pushes new records to every
// configured endpoint. Each hook keeps its own cursor so a slow endpoint
// never loses records, only lags.
type webhookDispatcher struct {
	app      *app.App
	webhooks []config.WebhookConfig
	client   *http.Client
	mu       sync.Mutex
	cursors  map[int]int64
}

func startWebhookDispatcher(a *app.App) {
	if a.Config == nil || len(a.Config.Webhooks) == 0 {
		return
	}
	d := &webhookDispatcher{
		app:      a,
		webhooks: a.Config.Webhooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		cursors:  make(map[int]int64),
	}
	go d.run()
}

func (d *webhookDispatcher) run() {
	ticker := time.NewTicker(defaultWebhookInterval)
	defer ticker.Stop()
	for {
		d.dispatchAll()
		<-ticker.C
	}
}

func (d *webhookDispatcher) dispatchAll() {
	for i, hook := range d.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(i, hook)
	}
}

func (d *webhookDispatcher) dispatchWebhook(idx int, hook config.WebhookConfig) {
	ctx := context.Background()
	cursor := d.cursorFor(idx)
	records, err := d.app.Registry.Decisions.After(ctx, cursor, defaultWebhookBatch)
	if err != nil {
		log.Printf("webhook: fetch decisions failed: %v", err)
		return
	}
	if len(records) == 0 {
		return
	}
	filter := newDecisionFilter(hook.Decisions)
	for _, rec := range records {
		if !filter.match(rec.Kind) {
			d.setCursor(idx, rec.ID)
			continue
		}
		if err := d.postDecision(ctx, hook, rec); err != nil {
			log.Printf("webhook: deliver to %s failed: %v", hook.URL, err)
			return
		}
		d.setCursor(idx, rec.ID)
	}
}

func (d *webhookDispatcher) cursorFor(idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.app.Registry.Decisions.LatestID(context.Background())
	if err != nil {
		log.Printf("webhook: init cursor failed: %v", err)
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *webhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookDecision struct {
	ID        int64  `json:"id"`
	Kind      string `json:"kind"`
	MissionID string `json:"mission_id,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`
	Reason    string `json:"reason"`
	TS        string `json:"ts"`
}

func (d *webhookDispatcher) postDecision(ctx context.Context, hook config.WebhookConfig, rec domain.DecisionRecord) error {
	data, err := json.Marshal(webhookDecision{
		ID:        rec.ID,
		Kind:      rec.Kind,
		MissionID: rec.MissionID,
		AgentID:   rec.AgentID,
		Reason:    rec.Reason,
		TS:        rec.TS,
	})
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := d.client
	if timeout != d.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Missionline-Decision", rec.Kind)
	req.Header.Set("X-Missionline-Delivery", fmt.Sprintf("%d", rec.ID))
	req.Header.Set("X-Missionline-Marketplace", d.app.Config.Marketplace.ID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Missionline-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type decisionFilter struct {
	all bool
	set map[string]struct{}
}

func newDecisionFilter(kinds []string) decisionFilter {
	if len(kinds) == 0 {
		return decisionFilter{all: true}
	}
	set := make(map[string]struct{}, len(kinds))
	for _, k := range kinds {
		key := strings.TrimSpace(k)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return decisionFilter{all: true}
	}
	return decisionFilter{set: set}
}

func (f decisionFilter) match(kind string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[kind]
	return ok
}
