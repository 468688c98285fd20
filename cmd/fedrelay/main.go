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
	"go.uber.org/zap"

	"fedrelay/internal/app"
	"fedrelay/internal/config"
	"fedrelay/internal/db"
	"fedrelay/internal/migrate"
	"fedrelay/internal/relay"
)

var rootCmd = &cobra.Command{
	Use:   "fedrelay",
	Short: "Fedrelay coordination relay",
	Long: `Fedrelay relays coordination traffic between the sites of a federated
computation. Sites register once and receive an API key; a coordinator site
creates a project, defines its ordered task sequence, and drives runs through
create/start/stop commands. Participant sites poll their per-run mailbox for
opaque messages, acknowledge what they processed, and report progress. The
relay never inspects payloads; it only orders, stores, and redelivers them.`,
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
	viper.SetEnvPrefix("FEDRELAY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("site-id", "local-admin", "acting site identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("site-id", rootCmd.PersistentFlags().Lookup("site-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(siteCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(logCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
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
			fmt.Printf("Initialized workspace: %s, %s\n", path, db.Path(workspace))
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			return migrate.Migrate(conn)
		},
	}
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Listen = addr
			}
			logger, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer logger.Sync()

			a, err := app.New(app.Options{Workspace: workspace, Config: cfg, Logger: logger})
			if err != nil {
				return err
			}
			defer a.Close()

			handler, err := a.Handler()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			a.Start(ctx)

			srv := &http.Server{Addr: cfg.Server.Listen, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				srv.Shutdown(shutdownCtx)
			}()
			logger.Info("serving relay API",
				zap.String("addr", cfg.Server.Listen),
				zap.String("base_path", cfg.Server.BasePath),
			)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	return cmd
}

func siteCmd() *cobra.Command {
	site := &cobra.Command{Use: "site", Short: "Manage sites"}
	site.AddCommand(siteRegisterCmd())
	site.AddCommand(siteListCmd())
	site.AddCommand(siteKeyCmd())
	return site
}

func siteRegisterCmd() *cobra.Command {
	var id, name string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a site and print its API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				site, key, err := a.Registry.RegisterSite(ctx, id, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"site": site, "api_key": key})
				}
				fmt.Printf("Registered site %s (%s)\n", site.ID, site.Name)
				fmt.Printf("API key (store it now, shown once): %s\n", key)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "site id (generated when empty)")
	cmd.Flags().StringVar(&name, "name", "", "site name")
	return cmd
}

func siteListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sites",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				sites, err := a.Repo.ListSites(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sites)
				}
				t := newTable("ID", "NAME", "STATUS", "LAST SEEN")
				for _, s := range sites {
					t.AppendRow(table.Row{s.ID, s.Name, s.Status, strOrDash(s.LastSeenAt)})
				}
				fmt.Println(t.Render())
				return nil
			})
		},
	}
}

func siteKeyCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "issue-key <site-id>",
		Short: "Issue an additional API key for a site",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				key, err := a.Registry.IssueKey(ctx, args[0], name)
				if err != nil {
					return err
				}
				fmt.Println(key)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectAddTaskCmd())
	prj.AddCommand(projectAddParticipantCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var id, name, coordinator string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" || coordinator == "" {
				return fmt.Errorf("--name and --coordinator required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Registry.CreateProject(ctx, id, name, coordinator)
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id (generated when empty)")
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&coordinator, "coordinator", "", "coordinator site id")
	return cmd
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				projects, err := a.Repo.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(projects)
				}
				t := newTable("ID", "NAME", "COORDINATOR", "STATUS")
				for _, p := range projects {
					t.AppendRow(table.Row{p.ID, p.Name, p.CoordinatorID, p.Status})
				}
				fmt.Println(t.Render())
				return nil
			})
		},
	}
}

func projectAddTaskCmd() *cobra.Command {
	var project, name, params string
	cmd := &cobra.Command{
		Use:   "add-task",
		Short: "Append a task definition",
		RunE: func(cmd *cobra.Command, args []string) error {
			if project == "" || name == "" {
				return fmt.Errorf("--project and --name required")
			}
			if params != "" && !json.Valid([]byte(params)) {
				return fmt.Errorf("--params must be valid JSON")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Registry.AddTask(ctx, project, name, json.RawMessage(params))
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project id")
	cmd.Flags().StringVar(&name, "name", "", "task name")
	cmd.Flags().StringVar(&params, "params", "", "task parameters (JSON)")
	return cmd
}

func projectAddParticipantCmd() *cobra.Command {
	var project, site string
	cmd := &cobra.Command{
		Use:   "add-participant",
		Short: "Join a site to a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if project == "" || site == "" {
				return fmt.Errorf("--project and --site required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Registry.AddParticipant(ctx, project, site, viper.GetString("site-id"))
			})
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project id")
	cmd.Flags().StringVar(&site, "site", "", "site id")
	return cmd
}

func runCmd() *cobra.Command {
	run := &cobra.Command{Use: "run", Short: "Manage runs"}
	run.AddCommand(runCreateCmd())
	run.AddCommand(runListCmd())
	run.AddCommand(runStartCmd())
	run.AddCommand(runStopCmd())
	run.AddCommand(runStatusCmd())
	return run
}

// coordinatorFor resolves a run's coordinator; the local CLI acts with the
// coordinator's authority, there is no remote caller to authenticate.
func coordinatorFor(ctx context.Context, a *app.App, runID string) (string, error) {
	r, err := a.Repo.GetRun(ctx, runID)
	if err != nil {
		return "", err
	}
	p, err := a.Repo.GetProject(ctx, r.ProjectID)
	if err != nil {
		return "", err
	}
	return p.CoordinatorID, nil
}

func runCreateCmd() *cobra.Command {
	var project string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			if project == "" {
				return fmt.Errorf("--project required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Repo.GetProject(ctx, project)
				if err != nil {
					return err
				}
				r, err := a.Relay.CreateRun(ctx, project, p.CoordinatorID)
				if err != nil {
					return err
				}
				return printJSON(r)
			})
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project id")
	return cmd
}

func runListCmd() *cobra.Command {
	var project string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				runs, err := a.Repo.ListRuns(ctx, project)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				t := newTable("ID", "PROJECT", "STATE", "CREATED", "ENDED")
				for _, r := range runs {
					t.AppendRow(table.Row{r.ID, r.ProjectID, r.State, r.CreatedAt, strOrDash(r.EndedAt)})
				}
				fmt.Println(t.Render())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project id filter")
	return cmd
}

func runStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <run-id>",
		Short: "Start a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return issueCommand(cmd.Context(), args[0], relay.CommandStart, nil)
		},
	}
	return cmd
}

func runStopCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop <run-id>",
		Short: "Stop a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return issueCommand(cmd.Context(), args[0], relay.CommandStop, nil)
		},
	}
	return cmd
}

func issueCommand(ctx context.Context, runID, cmdType string, params json.RawMessage) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		coordinator, err := coordinatorFor(ctx, a, runID)
		if err != nil {
			return err
		}
		r, err := a.Relay.IssueCommand(ctx, runID, coordinator, relay.Command{Type: cmdType, Parameters: params})
		if err != nil {
			return err
		}
		return printJSON(r)
	})
}

func runStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show run state and participants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				r, err := a.Repo.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				participants, err := a.Repo.ListRunParticipants(ctx, args[0])
				if err != nil {
					return err
				}
				warnings, err := a.Repo.ListWarnings(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"run": r, "participants": participants, "warnings": warnings})
				}
				fmt.Printf("Run %s [%s] project=%s quorum=%s\n", r.ID, r.State, r.ProjectID, r.Quorum)
				if r.FailureReason != "" {
					fmt.Printf("Failure: %s\n", r.FailureReason)
				}
				t := newTable("SITE", "TASK", "STATUS", "ACKED", "HEARTBEAT")
				for _, p := range participants {
					t.AppendRow(table.Row{p.SiteID, p.TaskOrdinal, p.Status, p.StartAcked, strOrDash(p.LastHeartbeatAt)})
				}
				fmt.Println(t.Render())
				for _, w := range warnings {
					fmt.Printf("warning: %s site=%s %s\n", w.Kind, w.SiteID, w.Detail)
				}
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Event log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var project string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events, err := a.Repo.ListEvents(ctx, project, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				for _, e := range events {
					fmt.Printf("%s %-20s %s/%s actor=%s %s\n", e.TS, e.Type, e.EntityKind, e.EntityID, e.ActorID, e.Payload)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&project, "project", "", "project id filter")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.New(app.Options{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(headers ...any) table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row(headers))
	return t
}

func strOrDash(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}
