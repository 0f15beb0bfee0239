package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"vigil/internal/config"
	"vigil/internal/db"
	"vigil/internal/engine"
	"vigil/internal/envelope"
	"vigil/internal/escalate"
	"vigil/internal/migrate"
	"vigil/internal/observability"
	"vigil/internal/repo"
	"vigil/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "vigil",
	Short: "Vigil orchestration CLI",
	Long: `Vigil turns asset risk events into incident-response workflows.
It evaluates forecast and risk events against trigger thresholds, opens a
workflow per incident, dispatches inspection requests with bounded retries,
notifies management, and escalates unacknowledged incidents to the police
authority when the acknowledgment SLA lapses.`,
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
	viper.SetEnvPrefix("VIGIL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(eventCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(forecastCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage configuration"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default vigil.yml to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, config.DefaultYAML(), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

func eventCmd() *cobra.Command {
	evt := &cobra.Command{Use: "event", Short: "Ingest events from files"}
	evt.AddCommand(eventRiskCmd())
	evt.AddCommand(eventForecastCmd())
	return evt
}

func eventRiskCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "risk",
		Short: "Evaluate an asset.risk.computed event",
		RunE: func(cmd *cobra.Command, args []string) error {
			evt, err := readEventFile(file)
			if err != nil {
				return err
			}
			data, err := envelope.ValidateRiskComputed(evt)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				decision, err := e.HandleRiskEvent(ctx, evt, data)
				if err != nil {
					return err
				}
				return printJSONOrTable(decision)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path to event JSON (default stdin)")
	return cmd
}

func eventForecastCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "forecast",
		Short: "Cache an asset.failure.predicted event",
		RunE: func(cmd *cobra.Command, args []string) error {
			evt, err := readEventFile(file)
			if err != nil {
				return err
			}
			data, err := envelope.ValidateFailurePredicted(evt)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.HandleForecastEvent(ctx, evt, data); err != nil {
					return err
				}
				fmt.Printf("cached forecast for %s (p=%.2f)\n", data.AssetID, data.FailureProbability72)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path to event JSON (default stdin)")
	return cmd
}

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{Use: "workflow", Short: "Inspect and drive workflows"}
	wf.AddCommand(workflowListCmd())
	wf.AddCommand(workflowShowCmd())
	wf.AddCommand(workflowAckCmd())
	wf.AddCommand(workflowCompleteCmd())
	wf.AddCommand(workflowSweepCmd())
	return wf
}

func workflowListCmd() *cobra.Command {
	var f repo.WorkflowFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s *repo.Store) error {
				items, err := s.ListWorkflows(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Asset", "Status", "Priority", "Stage", "Attempts", "Updated"})
				for _, w := range items {
					tw.AppendRow(table.Row{w.ID, w.AssetID, w.Status, w.Priority, w.EscalationStage, fmt.Sprintf("%d/%d", w.Attempts, w.MaxAttempts), w.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.AssetID, "asset", "", "asset id filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func workflowShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <workflow-id>",
		Short: "Show one workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s *repo.Store) error {
				w, err := s.GetWorkflow(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	return cmd
}

func workflowAckCmd() *cobra.Command {
	var by, notes string
	cmd := &cobra.Command{
		Use:   "ack <workflow-id>",
		Short: "Acknowledge a management notification",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if by == "" {
				return fmt.Errorf("--by required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.Acknowledge(ctx, args[0], by, notes)
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&by, "by", "", "acknowledging operator id")
	cmd.Flags().StringVar(&notes, "notes", "", "acknowledgment notes")
	return cmd
}

func workflowCompleteCmd() *cobra.Command {
	var performedBy, summary, completedAt string
	cmd := &cobra.Command{
		Use:   "complete <workflow-id>",
		Short: "Record maintenance completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var done *time.Time
			if completedAt != "" {
				t, err := time.Parse(time.RFC3339, completedAt)
				if err != nil {
					return fmt.Errorf("invalid --completed-at, want RFC3339")
				}
				done = &t
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.CompleteMaintenance(ctx, args[0], performedBy, summary, done)
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&performedBy, "by", "", "maintenance crew id")
	cmd.Flags().StringVar(&summary, "summary", "", "work summary")
	cmd.Flags().StringVar(&completedAt, "completed-at", "", "completion time (RFC3339, default now)")
	return cmd
}

func workflowSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one escalation sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.EscalateOverdue(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("escalated %d workflow(s)\n", n)
				return nil
			})
		},
	}
}

func forecastCmd() *cobra.Command {
	fc := &cobra.Command{Use: "forecast", Short: "Inspect cached forecasts"}
	fc.AddCommand(&cobra.Command{
		Use:   "show <asset-id>",
		Short: "Show the cached forecast for an asset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s *repo.Store) error {
				f, err := s.GetForecast(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(f)
			})
		},
	})
	return fc
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Audit log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var assetID, evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s *repo.Store) error {
				items, err := s.LatestEvents(ctx, n, assetID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Type", "Asset", "Entity", "Actor"})
				for _, evt := range items {
					tw.AppendRow(table.Row{evt.TS, evt.Type, evt.AssetID, evt.EntityKind + "/" + evt.EntityID, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&assetID, "asset", "", "asset id filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind filter")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server and escalation scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			shutdownTracing, err := observability.InitTracingFromEnv(cfg.Service.Name)
			if err != nil {
				return err
			}
			defer shutdownTracing(context.Background())

			dispatcher := engine.NewHTTPDispatcher(cfg.Inspection.Endpoint, cfg.Dispatch.Endpoint)
			e := engine.New(conn, cfg, dispatcher, dispatcher)

			authCfg := server.AuthConfig{JWTSecret: os.Getenv("VIGIL_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("VIGIL_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}

			stopSched := escalate.New(cfg, e.EscalateOverdue).Start(cmd.Context())
			defer stopSched()

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Vigil API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	dispatcher := engine.NewHTTPDispatcher(cfg.Inspection.Endpoint, cfg.Dispatch.Endpoint)
	return fn(ctx, engine.New(conn, cfg, dispatcher, dispatcher))
}

func withStore(ctx context.Context, fn func(context.Context, *repo.Store) error) error {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, &repo.Store{DB: conn})
}

func readEventFile(path string) (envelope.Event, error) {
	var evt envelope.Event
	var data []byte
	var err error
	if path == "" || path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return evt, err
	}
	if err := json.Unmarshal(data, &evt); err != nil {
		return evt, fmt.Errorf("invalid event json: %w", err)
	}
	return evt, nil
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
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
