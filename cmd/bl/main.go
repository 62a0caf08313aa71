package main

import (
	"context"
	"database/sql"
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

	"briefline/internal/asana"
	"briefline/internal/config"
	"briefline/internal/db"
	"briefline/internal/engine"
	"briefline/internal/gdocs"
	"briefline/internal/llm"
	"briefline/internal/migrate"
	"briefline/internal/repo"
	"briefline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "bl",
	Short: "Briefline CLI",
	Long: `Briefline turns campaign brief documents into project tasks.
How it works:
- Point it at a Google Doc campaign brief; the model extracts the campaign and its tasks.
- Field values from the brief are matched against the target project's live custom-field
  schema: exact name matches first, semantic matching as a fallback, and anything the
  model invents is dropped.
- Tasks are created one at a time so a single failure never blocks the rest.
- Every run and every per-task outcome is recorded; inspect with 'bl run show'.
Use 'bl brief preview' to see what would be created without touching the project.`,
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
	viper.SetEnvPrefix("BRIEFLINE")
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
	rootCmd.AddCommand(briefCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func briefCmd() *cobra.Command {
	b := &cobra.Command{
		Use:   "brief",
		Short: "Process campaign briefs",
		Long:  "Submit a Google Doc brief for processing, preview what a run would create, or verify that a target project and section are reachable.",
	}
	b.AddCommand(briefProcessCmd())
	b.AddCommand(briefPreviewCmd())
	b.AddCommand(briefVerifyCmd())
	return b
}

func briefProcessCmd() *cobra.Command {
	var opts engine.ProcessOptions
	cmd := &cobra.Command{
		Use:   "process <doc-url>",
		Short: "Process a brief and create tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.DocRef = args[0]
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ProcessBrief(ctx, opts)
				if err != nil {
					return err
				}
				return printRunResult(res)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ProjectName, "project", "", "registered project name")
	cmd.Flags().StringVar(&opts.ProjectGID, "project-gid", "", "target project gid")
	cmd.Flags().StringVar(&opts.SectionGID, "section-gid", "", "target section gid")
	cmd.Flags().StringVar(&opts.AssigneeGID, "assignee-gid", "", "assignee gid for created tasks")
	return cmd
}

func briefPreviewCmd() *cobra.Command {
	var opts engine.ProcessOptions
	cmd := &cobra.Command{
		Use:   "preview <doc-url>",
		Short: "Extract and resolve a brief without creating tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.DocRef = args[0]
			opts.Preview = true
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ProcessBrief(ctx, opts)
				if err != nil {
					return err
				}
				return printRunResult(res)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ProjectName, "project", "", "registered project name")
	cmd.Flags().StringVar(&opts.ProjectGID, "project-gid", "", "target project gid")
	cmd.Flags().StringVar(&opts.SectionGID, "section-gid", "", "target section gid")
	return cmd
}

func briefVerifyCmd() *cobra.Command {
	var projectGID, sectionGID string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the target project, section and field schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.VerifyTarget(ctx, projectGID, sectionGID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Project: %s", res.ProjectGID)
				if res.ProjectName != "" {
					fmt.Printf(" (%s)", res.ProjectName)
				}
				fmt.Println()
				if res.SectionGID != "" {
					fmt.Printf("Section: %s (%s)\n", res.SectionGID, res.SectionName)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"GID", "Field", "Type", "Options"})
				for _, f := range res.Fields {
					tw.AppendRow(table.Row{f.GID, f.Name, f.Type, f.Options})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectGID, "project-gid", "", "target project gid")
	cmd.Flags().StringVar(&sectionGID, "section-gid", "", "target section gid")
	return cmd
}

func runCmd() *cobra.Command {
	r := &cobra.Command{
		Use:   "run",
		Short: "Inspect runs",
		Long:  "Runs are the audit record of brief processing: one row per submission plus a per-task outcome list.",
	}
	r.AddCommand(runListCmd())
	r.AddCommand(runShowCmd())
	return r
}

func runListCmd() *cobra.Command {
	var f repo.RunFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				runs, err := r.ListRuns(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Campaign", "Status", "Created", "Failed", "Preview", "At"})
				for _, run := range runs {
					tw.AppendRow(table.Row{run.ID, run.CampaignName, run.Status, run.TasksCreated, run.TasksFailed, run.Preview, run.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.ProjectGID, "project-gid", "", "project gid filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 20, "max rows")
	return cmd
}

func runShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run with its per-task outcomes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				run, err := r.GetRun(ctx, id)
				if err != nil {
					return err
				}
				tasks, err := r.ListRunTasks(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"run": run, "tasks": tasks})
				}
				fmt.Printf("Run %s: %s (%s)\n", run.ID, run.CampaignName, run.Status)
				fmt.Printf("Doc: %s\n", run.DocURL)
				fmt.Printf("Tasks: %d expected, %d created, %d failed\n", run.TasksExpected, run.TasksCreated, run.TasksFailed)
				if run.ErrorMessage != nil {
					fmt.Printf("Error: %s\n", *run.ErrorMessage)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "Name", "Status", "External", "Error"})
				for _, t := range tasks {
					ext := ""
					if t.ExternalGID != nil {
						ext = *t.ExternalGID
					}
					errMsg := ""
					if t.ErrorMsg != nil {
						errMsg = *t.ErrorMsg
					}
					tw.AppendRow(table.Row{t.Position, t.Name, t.Status, ext, errMsg})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func projectCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "project",
		Short: "Manage registered projects",
		Long:  "Registered projects map a short name to a project gid and optional section gid, so briefs can target them by name.",
	}
	p.AddCommand(projectListCmd())
	p.AddCommand(projectAddCmd())
	p.AddCommand(projectRemoveCmd())
	return p
}

func projectListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjectConfigs(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func projectAddCmd() *cobra.Command {
	var name, projectGID, sectionGID string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a project mapping",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				pc, err := e.RegisterProject(ctx, name, projectGID, sectionGID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(pc)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&projectGID, "project-gid", "", "project gid")
	cmd.Flags().StringVar(&sectionGID, "section-gid", "", "section gid (optional)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("project-gid")
	return cmd
}

func projectRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a registered project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RemoveProject(ctx, id, viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	a.AddCommand(apikeyCreateCmd())
	a.AddCommand(apikeyListCmd())
	a.AddCommand(apikeyRevokeCmd())
	return a
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (secret shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key, secret, err := e.CreateAPIKey(ctx, viper.GetString("actor-id"), name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "name": key.Name, "key": secret})
				}
				fmt.Printf("Created key %s for %s\n", key.ID, key.ActorID)
				fmt.Printf("Secret (store it now, it is not shown again): %s\n", secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				for i := range keys {
					keys[i].KeyHash = ""
				}
				return printJSONOrTable(keys)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id filter")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RevokeAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config is briefline.yml in the workspace: server address, auth secret, Asana and Gemini credentials, default target project, and the resolver confidence threshold.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var projectGID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default briefline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(projectGID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&projectGID, "project-gid", "", "default target project gid")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: runs started and finished, tasks created or failed, projects registered.",
	}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var runID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.ListEvents(ctx, n, runID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&runID, "run", "", "run id filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacyActor bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			conn, err := openDB(workspace)
			if err != nil {
				return err
			}
			defer conn.Close()
			e := newEngine(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:              cfg.Auth.JWTSecret,
				AllowLegacyActorHeader: allowLegacyActor,
			}
			if secret := os.Getenv("BRIEFLINE_JWT_SECRET"); secret != "" {
				authCfg.JWTSecret = secret
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("auth.jwt_secret (or BRIEFLINE_JWT_SECRET) is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Briefline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacyActor, "allow-legacy-actor-header", false, "accept unauthenticated X-Actor-Id (dev only)")
	return cmd
}

// --- helpers ---

func openDB(workspace string) (*sql.DB, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func newEngine(conn *sql.DB, cfg *config.Config) engine.Engine {
	docs := gdocs.New(gdocs.Config{Token: cfg.GDocs.Token, BaseURL: cfg.GDocs.BaseURL})
	tasks := engine.AsanaSystem{Client: asana.New(asana.Config{
		AccessToken:  cfg.Asana.AccessToken,
		WorkspaceGID: cfg.Asana.WorkspaceGID,
		BaseURL:      cfg.Asana.BaseURL,
	})}
	model := llm.NewGemini(llm.GeminiConfig{
		APIKey:          cfg.Gemini.APIKey,
		Model:           cfg.Gemini.Model,
		BaseURL:         cfg.Gemini.BaseURL,
		MaxOutputTokens: cfg.Gemini.MaxOutputTokens,
	})
	return engine.New(conn, cfg, docs, tasks, model)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	conn, err := openDB(workspace)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, newEngine(conn, cfg))
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := openDB(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, repo.Repo{DB: conn})
}

func printRunResult(res engine.RunResult) error {
	if viper.GetBool("json") {
		return printJSON(map[string]any{"run": res.Run, "tasks": res.Tasks, "warnings": res.Warnings})
	}
	mode := ""
	if res.Run.Preview {
		mode = " (preview)"
	}
	fmt.Printf("Run %s%s: %s [%s]\n", res.Run.ID, mode, res.Run.CampaignName, res.Run.Status)
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"#", "Name", "Status", "External", "Error"})
	for _, t := range res.Tasks {
		ext := ""
		if t.ExternalURL != nil {
			ext = *t.ExternalURL
		} else if t.ExternalGID != nil {
			ext = *t.ExternalGID
		}
		errMsg := ""
		if t.ErrorMsg != nil {
			errMsg = *t.ErrorMsg
		}
		tw.AppendRow(table.Row{t.Position, t.Name, t.Status, ext, errMsg})
	}
	tw.Render()
	for _, w := range res.Warnings {
		fmt.Println("warning:", w)
	}
	return nil
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
