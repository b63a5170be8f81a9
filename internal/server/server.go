package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"missionline/internal/app"
	"missionline/internal/chain"
	"missionline/internal/domain"
	"missionline/internal/registry"
	"missionline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	App      *app.App
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"window_closed"`
	Message string         `json:"message" example:"bidding window has closed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Missionline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.App.Registry.Repo))
	hcfg := huma.DefaultConfig("Missionline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg.App)
	registerMissions(group, cfg.App)
	registerBids(group, cfg.App)
	registerLifecycle(group, cfg.App)
	registerDecisions(group, cfg.App)
	registerNotifications(group, cfg.App)
	registerAgents(group, cfg.App)
	registerTasks(group, cfg.App)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.App)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, registry.ErrWindowClosed):
		return newAPIError(http.StatusConflict, "window_closed", err.Error(), nil)
	case errors.Is(err, registry.ErrAssignmentConflict):
		return newAPIError(http.StatusConflict, "assignment_conflict", err.Error(), nil)
	case errors.Is(err, registry.ErrInvalidTransition):
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), nil)
	case errors.Is(err, registry.ErrUnauthorizedAgent):
		return newAPIError(http.StatusForbidden, "agent_not_eligible", err.Error(), nil)
	case errors.Is(err, registry.ErrNotAssignedWorker):
		return newAPIError(http.StatusForbidden, "not_assigned_worker", err.Error(), nil)
	case errors.Is(err, registry.ErrInvalidBid), errors.Is(err, registry.ErrInvalidMission):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Missionline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerStatus(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Marketplace status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		counts, err := a.Registry.Repo.CountMissionsByStatus(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"marketplace_id": a.Config.Marketplace.ID,
			"mission_counts": counts,
		}}, nil
	})
}

func registerMissions(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-mission",
		Method:        http.MethodPost,
		Path:          "/missions",
		Summary:       "Post a mission for bidding",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body CreateMissionRequest `json:"body"`
	}) (*struct {
		Body domain.Mission `json:"body"`
	}, error) {
		proposer := input.Body.ProposerID
		if proposer == "" {
			if id, authErr := agentIDFromContext(ctx); authErr == nil {
				proposer = id
			}
		}
		window := a.Config.BiddingWindow()
		if input.Body.WindowMinutes != nil {
			window = time.Duration(*input.Body.WindowMinutes) * time.Minute
		}
		m, err := a.Registry.CreateMission(ctx, registry.CreateMissionOptions{
			ProposerID: proposer,
			Objective:  input.Body.Objective,
			Escrow:     input.Body.Escrow,
			Window:     window,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Mission `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-missions",
		Method:      http.MethodGet,
		Path:        "/missions",
		Summary:     "List missions",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
	}) (*struct {
		Body []domain.Mission `json:"body"`
	}, error) {
		items, err := a.Registry.Repo.ListMissions(ctx, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Mission `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-mission",
		Method:      http.MethodGet,
		Path:        "/missions/{mission_id}",
		Summary:     "Get mission",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MissionID string `path:"mission_id"`
	}) (*struct {
		Body domain.Mission `json:"body"`
	}, error) {
		m, err := a.Registry.GetMission(ctx, input.MissionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Mission `json:"body"`
		}{Body: m}, nil
	})
}

func registerBids(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-bid",
		Method:        http.MethodPost,
		Path:          "/missions/{mission_id}/bids",
		Summary:       "Submit or replace a bid",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		MissionID string           `path:"mission_id"`
		Body      SubmitBidRequest `json:"body"`
	}) (*struct {
		Body BidResponse `json:"body"`
	}, error) {
		agentID := input.Body.AgentID
		if agentID == "" {
			id, authErr := agentIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			agentID = id
		}
		message := ""
		if input.Body.Message != nil {
			message = *input.Body.Message
		}
		b, rank, err := a.Registry.SubmitBid(ctx, registry.SubmitBidOptions{
			MissionID:   input.MissionID,
			AgentID:     agentID,
			Price:       input.Body.Price,
			EtaMinutes:  input.Body.EtaMinutes,
			BondOffered: input.Body.BondOffered,
			Message:     message,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BidResponse `json:"body"`
		}{Body: BidResponse{Bid: b, Rank: rank}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-bids",
		Method:      http.MethodGet,
		Path:        "/missions/{mission_id}/bids",
		Summary:     "List bids on a mission",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MissionID string `path:"mission_id"`
	}) (*struct {
		Body []domain.Bid `json:"body"`
	}, error) {
		if _, err := a.Registry.GetMission(ctx, input.MissionID); err != nil {
			return nil, handleError(err)
		}
		items, err := a.Registry.ListBids(ctx, input.MissionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Bid `json:"body"`
		}{Body: items}, nil
	})
}

func registerLifecycle(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "close-bidding",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/close",
		Summary:     "Close the bidding window and select a winner",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		MissionID string `path:"mission_id"`
	}) (*struct {
		Body domain.Mission `json:"body"`
	}, error) {
		actorID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := a.Registry.CloseBiddingWindow(ctx, input.MissionID, actorID); err != nil {
			return nil, handleError(err)
		}
		m, err := a.Registry.GetMission(ctx, input.MissionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Mission `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-mission",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/assign",
		Summary:     "Manually assign a mission",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		MissionID string              `path:"mission_id"`
		Body      ManualAssignRequest `json:"body"`
	}) (*struct {
		Body domain.Mission `json:"body"`
	}, error) {
		actorID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.AgentID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "agent_id is required", nil)
		}
		if err := a.Registry.ManualAssignment(ctx, input.MissionID, input.Body.AgentID, input.Body.Reason, actorID); err != nil {
			return nil, handleError(err)
		}
		m, err := a.Registry.GetMission(ctx, input.MissionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Mission `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-work",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/work",
		Summary:     "Submit completed work",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		MissionID string `path:"mission_id"`
	}) (*struct {
		Body domain.Mission `json:"body"`
	}, error) {
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := a.Registry.SubmitWork(ctx, input.MissionID, agentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Mission `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-verification",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/verify",
		Summary:     "Record a verification outcome",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		MissionID string        `path:"mission_id"`
		Body      VerifyRequest `json:"body"`
	}) (*struct {
		Body domain.Mission `json:"body"`
	}, error) {
		verifier := input.Body.VerifierID
		if verifier == "" {
			id, authErr := agentIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			verifier = id
		}
		switch input.Body.Outcome {
		case chain.OutcomeApproved, chain.OutcomeRejected:
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "outcome must be approved or rejected", nil)
		}
		m, err := a.Registry.RecordVerification(ctx, input.MissionID, input.Body.Outcome, verifier)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Mission `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-mission",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/cancel",
		Summary:     "Cancel a mission",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		MissionID string               `path:"mission_id"`
		Body      CancelMissionRequest `json:"body"`
	}) (*struct {
		Body domain.Mission `json:"body"`
	}, error) {
		actorID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := a.Registry.CancelMission(ctx, input.MissionID, input.Body.Reason, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Mission `json:"body"`
		}{Body: m}, nil
	})
}

func registerDecisions(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-decisions",
		Method:      http.MethodGet,
		Path:        "/decisions",
		Summary:     "Decision audit trail",
	}, func(ctx context.Context, input *struct {
		MissionID string `query:"mission_id"`
		Limit     int    `query:"limit"`
	}) (*struct {
		Body []domain.DecisionRecord `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 {
			limit = 50
		}
		items, err := a.Registry.GetDecisionHistory(ctx, limit, input.MissionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.DecisionRecord `json:"body"`
		}{Body: items}, nil
	})
}

func registerNotifications(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "agent-notifications",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}/notifications",
		Summary:     "Pending notifications for an agent, oldest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
		All     bool   `query:"all"`
		Limit   int    `query:"limit"`
	}) (*struct {
		Body []NotificationResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 {
			limit = 100
		}
		var (
			events []domain.NotificationEvent
			err    error
		)
		if input.All {
			events, err = a.Registry.Notify.History(ctx, input.AgentID, limit)
		} else {
			events, err = a.Registry.Notify.Pending(ctx, input.AgentID, limit)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []NotificationResponse `json:"body"`
		}{Body: mapNotifications(events)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "ack-notification",
		Method:      http.MethodPost,
		Path:        "/notifications/{event_id}/ack",
		Summary:     "Mark a notification delivered",
	}, func(ctx context.Context, input *struct {
		EventID string `path:"event_id"`
	}) (*struct{}, error) {
		if err := a.Registry.Notify.MarkDelivered(ctx, input.EventID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerAgents(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-agent",
		Method:        http.MethodPost,
		Path:          "/agents",
		Summary:       "Register an agent",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body RegisterAgentRequest `json:"body"`
	}) (*struct {
		Body RegisteredAgentResponse `json:"body"`
	}, error) {
		if input.Body.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		agent, rawKey, err := a.Directory.RegisterAgent(ctx, input.Body.ID, input.Body.Role, input.Body.Specialties)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RegisteredAgentResponse `json:"body"`
		}{Body: RegisteredAgentResponse{Agent: agent, APIKey: rawKey}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List agents",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Agent `json:"body"`
	}, error) {
		items, err := a.Directory.ListAgents(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Agent `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agent",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}",
		Summary:     "Get agent profile",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct {
		Body domain.Agent `json:"body"`
	}, error) {
		agent, err := a.Directory.GetAgent(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Agent `json:"body"`
		}{Body: agent}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "agent-reputation",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}/reputation",
		Summary:     "Reputation history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
		From    string `query:"from"`
		To      string `query:"to"`
	}) (*struct {
		Body []domain.ReputationEntry `json:"body"`
	}, error) {
		var from, to *time.Time
		if input.From != "" {
			t, err := time.Parse(time.RFC3339, input.From)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "from must be RFC3339", nil)
			}
			from = &t
		}
		if input.To != "" {
			t, err := time.Parse(time.RFC3339, input.To)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "to must be RFC3339", nil)
			}
			to = &t
		}
		items, err := a.Registry.Ledger.History(ctx, input.AgentID, from, to)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ReputationEntry `json:"body"`
		}{Body: items}, nil
	})
}

func registerTasks(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get the on-chain task record",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body domain.ChainTask `json:"body"`
	}, error) {
		t, err := a.Registry.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ChainTask `json:"body"`
		}{Body: t}, nil
	})
}
