package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"missionline/internal/app"
	"missionline/internal/chain"
	"missionline/internal/config"
	"missionline/internal/db"
	"missionline/internal/domain"
	"missionline/internal/registry"
	"missionline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ml",
	Short: "Missionline CLI",
	Long: `Missionline coordinates a two-sided task marketplace.
Proposers post missions with escrowed budgets; worker agents bid with a
price, an eta and a bond. When the bidding window closes the ranker picks
a winner, who must post its bond on chain before the deadline or the
mission cascades to the next bidder. Every selection, timeout and
settlement lands in the append-only decision log ('ml decisions tail').`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("MISSIONLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(missionCmd())
	rootCmd.AddCommand(bidCmd())
	rootCmd.AddCommand(workCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(decisionsCmd())
	rootCmd.AddCommand(notificationsCmd())
	rootCmd.AddCommand(reputationCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func missionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "mission", Short: "Manage missions"}
	cmd.AddCommand(missionCreateCmd())
	cmd.AddCommand(missionListCmd())
	cmd.AddCommand(missionShowCmd())
	cmd.AddCommand(missionCloseCmd())
	cmd.AddCommand(missionAssignCmd())
	cmd.AddCommand(missionCancelCmd())
	return cmd
}

func missionCreateCmd() *cobra.Command {
	var objective, proposer string
	var escrow float64
	var windowMinutes int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Post a mission for bidding",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if proposer == "" {
					proposer = viper.GetString("actor-id")
				}
				window := a.Config.BiddingWindow()
				if windowMinutes > 0 {
					window = time.Duration(windowMinutes) * time.Minute
				}
				m, err := a.Registry.CreateMission(ctx, registry.CreateMissionOptions{
					ProposerID: proposer,
					Objective:  objective,
					Escrow:     escrow,
					Window:     window,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&objective, "objective", "", "mission objective")
	cmd.Flags().StringVar(&proposer, "proposer", "", "proposer id (defaults to --actor-id)")
	cmd.Flags().Float64Var(&escrow, "escrow", 0, "escrowed budget")
	cmd.Flags().IntVar(&windowMinutes, "window", 0, "bidding window in minutes")
	return cmd
}

func missionListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List missions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Registry.Repo.ListMissions(ctx, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Objective", "Escrow", "Status", "Winner", "Window closes"})
				for _, m := range items {
					winner := ""
					if m.WinnerAgentID != nil {
						winner = *m.WinnerAgentID
					}
					tw.AppendRow(table.Row{m.ID, m.Objective, m.Escrow, m.Status, winner, m.WindowClosesAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func missionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <mission-id>",
		Short: "Show a mission with its bids",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				m, err := a.Registry.GetMission(ctx, args[0])
				if err != nil {
					return err
				}
				bids, err := a.Registry.ListBids(ctx, args[0])
				if err != nil {
					return err
				}
				ops, err := a.Registry.Repo.ListChainOps(ctx, args[0])
				if err != nil {
					return err
				}
				out := map[string]any{"mission": m, "bids": bids, "chain_ops": ops}
				if task, err := a.Registry.Repo.GetChainTaskByMission(ctx, args[0]); err == nil {
					out["chain_task"] = task
				}
				return printJSONOrTable(out)
			})
		},
	}
	return cmd
}

func missionCloseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "close <mission-id>",
		Short: "Close the bidding window and select a winner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Registry.CloseBiddingWindow(ctx, args[0], viper.GetString("actor-id")); err != nil {
					return err
				}
				m, err := a.Registry.GetMission(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	return cmd
}

func missionAssignCmd() *cobra.Command {
	var agentID, reason string
	cmd := &cobra.Command{
		Use:   "assign <mission-id>",
		Short: "Manually assign a mission to an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if agentID == "" {
				return fmt.Errorf("--agent required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Registry.ManualAssignment(ctx, args[0], agentID, reason, viper.GetString("actor-id")); err != nil {
					return err
				}
				m, err := a.Registry.GetMission(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent to assign")
	cmd.Flags().StringVar(&reason, "reason", "", "override reason")
	return cmd
}

func missionCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <mission-id>",
		Short: "Cancel a mission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				m, err := a.Registry.CancelMission(ctx, args[0], reason, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

func bidCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "bid", Short: "Manage bids"}
	cmd.AddCommand(bidSubmitCmd())
	cmd.AddCommand(bidListCmd())
	return cmd
}

func bidSubmitCmd() *cobra.Command {
	var agentID, message string
	var price, bond float64
	var eta int
	cmd := &cobra.Command{
		Use:   "submit <mission-id>",
		Short: "Submit or replace a bid",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if agentID == "" {
				agentID = viper.GetString("actor-id")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				b, rank, err := a.Registry.SubmitBid(ctx, registry.SubmitBidOptions{
					MissionID:   args[0],
					AgentID:     agentID,
					Price:       price,
					EtaMinutes:  eta,
					BondOffered: bond,
					Message:     message,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"bid": b, "rank": rank})
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "bidding agent (defaults to --actor-id)")
	cmd.Flags().Float64Var(&price, "price", 0, "bid price")
	cmd.Flags().IntVar(&eta, "eta", 0, "estimated completion in minutes")
	cmd.Flags().Float64Var(&bond, "bond", 0, "bond offered")
	cmd.Flags().StringVar(&message, "message", "", "optional note to the proposer")
	return cmd
}

func bidListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <mission-id>",
		Short: "List bids on a mission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				bids, err := a.Registry.ListBids(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(bids)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Agent", "Price", "ETA (min)", "Bond", "Submitted"})
				for _, b := range bids {
					tw.AppendRow(table.Row{b.AgentID, b.Price, b.EtaMinutes, b.BondOffered, b.SubmittedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func workCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "work", Short: "Worker operations"}
	var agentID string
	submit := &cobra.Command{
		Use:   "submit <mission-id>",
		Short: "Submit completed work",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if agentID == "" {
				agentID = viper.GetString("actor-id")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				m, err := a.Registry.SubmitWork(ctx, args[0], agentID)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	submit.Flags().StringVar(&agentID, "agent", "", "submitting agent (defaults to --actor-id)")
	cmd.AddCommand(submit)
	return cmd
}

func verifyCmd() *cobra.Command {
	var outcome, verifier string
	cmd := &cobra.Command{
		Use:   "verify <mission-id>",
		Short: "Record a verification outcome",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch outcome {
			case chain.OutcomeApproved, chain.OutcomeRejected:
			default:
				return fmt.Errorf("--outcome must be approved or rejected")
			}
			if verifier == "" {
				verifier = viper.GetString("actor-id")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				m, err := a.Registry.RecordVerification(ctx, args[0], outcome, verifier)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&outcome, "outcome", "", "approved or rejected")
	cmd.Flags().StringVar(&verifier, "verifier", "", "verifier id (defaults to --actor-id)")
	return cmd
}

func agentCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "agent", Short: "Manage agents"}
	cmd.AddCommand(agentAddCmd())
	cmd.AddCommand(agentListCmd())
	cmd.AddCommand(agentKeyCmd())
	cmd.AddCommand(agentKeysCmd())
	cmd.AddCommand(agentRevokeKeyCmd())
	cmd.AddCommand(agentAvailabilityCmd())
	return cmd
}

func agentAddCmd() *cobra.Command {
	var role string
	var specialties []string
	cmd := &cobra.Command{
		Use:   "add <agent-id>",
		Short: "Register an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				agent, rawKey, err := a.Directory.RegisterAgent(ctx, args[0], role, specialties)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"agent": agent, "api_key": rawKey})
				}
				fmt.Printf("registered %s (%s)\napi key: %s\nstore it now; only its hash is kept\n", agent.ID, agent.Role, rawKey)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", domain.AgentRoleWorker, "worker or verifier")
	cmd.Flags().StringSliceVar(&specialties, "specialty", nil, "agent specialty (repeatable)")
	return cmd
}

func agentListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				agents, err := a.Directory.ListAgents(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(agents)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Role", "Available", "Reputation", "Specialties"})
				for _, ag := range agents {
					tw.AppendRow(table.Row{ag.ID, ag.Role, ag.Available, fmt.Sprintf("%.1f", ag.Reputation), strings.Join(ag.Specialties, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func agentKeyCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "key <agent-id>",
		Short: "Mint a new API key for an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rawKey, err := a.Directory.MintAPIKey(ctx, args[0], name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"api_key": rawKey})
				}
				fmt.Printf("api key: %s\nstore it now; only its hash is kept\n", rawKey)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "default", "key name")
	return cmd
}

func agentKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys [agent-id]",
		Short: "List API keys",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			agentID := ""
			if len(args) == 1 {
				agentID = args[0]
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				keys, err := a.Directory.ListKeys(ctx, agentID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Agent", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.AgentID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func agentRevokeKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke-key <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Directory.RevokeKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func agentAvailabilityCmd() *cobra.Command {
	var available bool
	cmd := &cobra.Command{
		Use:   "availability <agent-id>",
		Short: "Set agent availability",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Directory.SetAvailability(ctx, args[0], available)
			})
		},
	}
	cmd.Flags().BoolVar(&available, "available", true, "availability flag")
	return cmd
}

func decisionsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "decisions", Short: "Decision audit trail"}
	var mission string
	var limit int
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest decisions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Registry.GetDecisionHistory(ctx, limit, mission)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Kind", "Mission", "Agent", "Reason"})
				for _, d := range items {
					tw.AppendRow(table.Row{d.TS, d.Kind, d.MissionID, d.AgentID, d.Reason})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().StringVar(&mission, "mission", "", "filter by mission id")
	tail.Flags().IntVar(&limit, "limit", 50, "max records")
	cmd.AddCommand(tail)
	return cmd
}

func notificationsCmd() *cobra.Command {
	var all bool
	var limit int
	cmd := &cobra.Command{
		Use:   "notifications <agent-id>",
		Short: "Show an agent's notification queue, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var (
					events []domain.NotificationEvent
					err    error
				)
				if all {
					events, err = a.Registry.Notify.History(ctx, args[0], limit)
				} else {
					events, err = a.Registry.Notify.Pending(ctx, args[0], limit)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Enqueued", "Kind", "Delivered", "Payload"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.EnqueuedAt, e.Kind, e.Delivered, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include delivered notifications")
	cmd.Flags().IntVar(&limit, "limit", 100, "max records")
	return cmd
}

func reputationCmd() *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "reputation <agent-id>",
		Short: "Show an agent's reputation history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var fromT, toT *time.Time
				if from != "" {
					t, err := time.Parse(time.RFC3339, from)
					if err != nil {
						return fmt.Errorf("--from must be RFC3339: %w", err)
					}
					fromT = &t
				}
				if to != "" {
					t, err := time.Parse(time.RFC3339, to)
					if err != nil {
						return fmt.Errorf("--to must be RFC3339: %w", err)
					}
					toT = &t
				}
				entries, err := a.Registry.Ledger.History(ctx, args[0], fromT, toT)
				if err != nil {
					return err
				}
				score, err := a.Registry.Ledger.CurrentScore(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"score": score, "history": entries})
				}
				fmt.Printf("current score: %.1f\n", score)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Old", "New", "Reason"})
				for _, entry := range entries {
					tw.AppendRow(table.Row{entry.TS, entry.OldScore, entry.NewScore, entry.Reason})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "start of window (RFC3339)")
	cmd.Flags().StringVar(&to, "to", "", "end of window (RFC3339)")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Marketplace status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				counts, err := a.Registry.Repo.CountMissionsByStatus(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"marketplace_id": a.Config.Marketplace.ID,
					"mission_counts": counts,
				})
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Manage missionline.yml"}
	var marketplaceID string
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default missionline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(marketplaceID)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	initCmd.Flags().StringVar(&marketplaceID, "id", "local", "marketplace id")
	cmd.AddCommand(initCmd)

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the active config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
	cmd.AddCommand(showCmd)
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowAgentHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.Bootstrap(cmd.Context(), app.Options{
				Workspace:    viper.GetString("workspace"),
				ResumeTimers: true,
			})
			if err != nil {
				return err
			}
			defer a.Close()
			authCfg := server.AuthConfig{
				JWTSecret:        os.Getenv("MISSIONLINE_JWT_SECRET"),
				AllowAgentHeader: allowAgentHeader,
			}
			if authCfg.JWTSecret == "" && !allowAgentHeader {
				return fmt.Errorf("MISSIONLINE_JWT_SECRET is required for bearer auth (or pass --allow-agent-header for local use)")
			}
			handler, err := server.New(server.Config{App: a, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Missionline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowAgentHeader, "allow-agent-header", false, "accept X-Agent-Id without credentials (dev only)")
	return cmd
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Bootstrap(ctx, app.Options{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}
