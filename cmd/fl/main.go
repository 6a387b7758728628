package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"fixline/internal/app"
	"fixline/internal/config"
	"fixline/internal/domain"
	"fixline/internal/logging"
	"fixline/internal/pipeline"
	"fixline/internal/recipe"
	"fixline/internal/recommend"
	"fixline/internal/repo"
	"fixline/internal/server"
	"fixline/internal/workspace"
	fixlinesdk "fixline/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "fl",
	Short: "Fixline CLI",
	Long: `Fixline applies OpenRewrite recipes to a repository through the Moderne CLI.
- Automation: sync a repository, ask a model which recipes fit a goal, apply each recipe as its own commit, keep only the ones that still build, push the branch.
- Workspace: the directory the mod CLI syncs repositories into and builds LSTs for.
- Jobs: every long operation runs in the background; poll it with 'fl job status'.
- Remote mode: pass --remote to talk to a running 'fl serve' instead of driving mod locally.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FIXLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("dir", "d", ".", "directory holding fixline.yml")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("remote", "", "base URL of a fixline server")
	rootCmd.PersistentFlags().String("token", "", "bearer token for --remote")
	rootCmd.PersistentFlags().String("api-key", "", "API key for --remote")
	for _, name := range []string{"dir", "json", "verbose", "actor-id", "remote", "token", "api-key"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(automateCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(recipesCmd())
	rootCmd.AddCommand(workspaceCmd())
	rootCmd.AddCommand(recommendCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(tokenCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				cfg := a.Config
				authCfg := server.AuthConfig{
					JWTSecret: cfg.JWTSecret(),
					Issuer:    cfg.Server.Auth.Issuer,
					Audience:  cfg.Server.Auth.Audience,
					Logger:    a.Logger.Named("auth"),
				}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("%s is required for bearer auth", cfg.Server.Auth.JWTSecretEnv)
				}
				handler, err := server.New(server.Config{
					Engine:   a.Engine,
					Repo:     a.Repo,
					Policy:   a.Policy,
					BasePath: basePath,
					Auth:     authCfg,
				})
				if err != nil {
					return err
				}
				if addr == "" {
					addr = cfg.Server.Addr
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				hooks := server.NewWebhookDispatcher(a.Repo, cfg.Server.Webhooks, a.Logger.Named("webhooks"))

				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					a.Logger.Info("serving API", zap.String("addr", addr), zap.String("base_path", basePath))
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error { return hooks.Run(gctx) })
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
				fmt.Printf("Serving Fixline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, metrics at /metrics)\n", addr, basePath, basePath)
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func automateCmd() *cobra.Command {
	var req fixlinesdk.AutomationRequest
	var forceClean, noWait bool
	cmd := &cobra.Command{
		Use:   "automate",
		Short: "Run the full fix pipeline for a repository",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("force-clean") {
				req.ForceClean = &forceClean
			}
			if c := remoteClient(); c != nil {
				sub, err := c.SubmitAutomation(cmd.Context(), req)
				if err != nil {
					return err
				}
				if noWait {
					return printJSONOrTable(sub)
				}
				job, err := c.WaitJob(cmd.Context(), sub.JobID, 2*time.Second)
				if err != nil {
					return err
				}
				return printJob(job)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				id, err := a.Engine.SubmitFullAutomation(ctx, viper.GetString("actor-id"), pipeline.Params{
					RepoURL:      req.RepoURL,
					Goal:         req.Goal,
					BranchName:   req.BranchName,
					SourceBranch: req.SourceBranch,
					ForceClean:   forceClean,
				})
				if err != nil {
					return err
				}
				return waitAndPrint(ctx, a, id)
			})
		},
	}
	cmd.Flags().StringVar(&req.RepoURL, "repo-url", "", "repository URL")
	cmd.Flags().StringVar(&req.Goal, "goal", "", "what the change should achieve")
	cmd.Flags().StringVar(&req.BranchName, "branch", "", "branch to create and push")
	cmd.Flags().StringVar(&req.SourceBranch, "source-branch", "", "branch to start from (default main)")
	cmd.Flags().BoolVar(&forceClean, "force-clean", false, "delete the local checkout before syncing")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "return after submission (remote only)")
	_ = cmd.MarkFlagRequired("repo-url")
	_ = cmd.MarkFlagRequired("goal")
	_ = cmd.MarkFlagRequired("branch")
	return cmd
}

func jobCmd() *cobra.Command {
	job := &cobra.Command{
		Use:   "job",
		Short: "Inspect background jobs",
		Long:  "Local job history needs jobs.store=sqlite with a db.path; otherwise use --remote.",
	}
	job.AddCommand(jobStatusCmd())
	job.AddCommand(jobListCmd())
	job.AddCommand(jobEventsCmd())
	return job
}

func jobStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if c := remoteClient(); c != nil {
				job, err := c.GetJob(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJob(job)
			}
			return withJobHistory(cmd.Context(), func(ctx context.Context, a *app.App) error {
				job, ok := a.Engine.Poll(ctx, args[0])
				if !ok {
					return fmt.Errorf("job %s not found", args[0])
				}
				return printJob(toSDKJob(job))
			})
		},
	}
}

func jobListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			var jobs []fixlinesdk.Job
			if c := remoteClient(); c != nil {
				items, err := c.ListJobs(cmd.Context(), limit)
				if err != nil {
					return err
				}
				jobs = items
			} else {
				err := withJobHistory(cmd.Context(), func(ctx context.Context, a *app.App) error {
					items, err := a.Engine.List(ctx, limit)
					for _, j := range items {
						jobs = append(jobs, toSDKJob(j))
					}
					return err
				})
				if err != nil {
					return err
				}
			}
			if viper.GetBool("json") {
				return printJSON(jobs)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Type", "Status", "Progress", "Updated"})
			for _, j := range jobs {
				tw.AppendRow(table.Row{j.ID, j.Type, j.Status, j.Progress, j.UpdatedAt})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of jobs")
	return cmd
}

func jobEventsCmd() *cobra.Command {
	var limit int
	var cursor string
	cmd := &cobra.Command{
		Use:   "events <job-id>",
		Short: "List lifecycle events of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if c := remoteClient(); c != nil {
				page, err := c.JobEvents(cmd.Context(), args[0], limit, cursor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(page)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Actor"})
				for _, e := range page.Items {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.ActorID})
				}
				tw.Render()
				if page.NextCursor != "" {
					fmt.Printf("next cursor: %s\n", page.NextCursor)
				}
				return nil
			}
			return withJobHistory(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.EventsAfter(ctx, limit, 0, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "number of events")
	cmd.Flags().StringVar(&cursor, "cursor", "", "page cursor (remote only)")
	return cmd
}

func recipesCmd() *cobra.Command {
	rec := &cobra.Command{Use: "recipes", Short: "Browse the recipe catalog"}
	var query string
	list := &cobra.Command{
		Use:   "list",
		Short: "Search recipes by id or description",
		RunE: func(cmd *cobra.Command, args []string) error {
			var items []fixlinesdk.Recipe
			if c := remoteClient(); c != nil {
				res, err := c.ListRecipes(cmd.Context(), query)
				if err != nil {
					return err
				}
				items = res
			} else {
				err := withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
					res, err := a.Engine.Recipes(ctx, query)
					for _, r := range res {
						items = append(items, fixlinesdk.Recipe{ID: r.ID, DisplayName: r.DisplayName, Description: r.Description})
					}
					return err
				})
				if err != nil {
					return err
				}
			}
			if viper.GetBool("json") {
				return printJSON(items)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Description"})
			for _, r := range items {
				tw.AppendRow(table.Row{r.ID, truncate(r.Description, 80)})
			}
			tw.Render()
			return nil
		},
	}
	list.Flags().StringVar(&query, "query", "", "case-insensitive filter")
	rec.AddCommand(list)
	return rec
}

func workspaceCmd() *cobra.Command {
	ws := &cobra.Command{
		Use:   "workspace",
		Short: "Drive the mod CLI workspace",
	}
	ws.AddCommand(workspaceSyncCmd())
	ws.AddCommand(workspaceBuildCmd())
	ws.AddCommand(workspaceRunCmd())
	ws.AddCommand(workspaceClearCmd())
	return ws
}

func workspaceSyncCmd() *cobra.Command {
	var repoURL, branch string
	var forceClean bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Clone or refresh one repository into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				out, err := a.Workspace.Sync(ctx, repoURL, branch, forceClean, uuid.NewString())
				if err != nil {
					return err
				}
				path, err := a.Workspace.Locate(repoURL)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"repo_path": path, "output": out})
				}
				fmt.Printf("Synced %s into %s\n", workspace.RepoName(repoURL), path)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&repoURL, "repo-url", "", "repository URL")
	cmd.Flags().StringVar(&branch, "branch", pipeline.DefaultSourceRef, "branch to sync")
	cmd.Flags().BoolVar(&forceClean, "force-clean", false, "delete the workspace first")
	_ = cmd.MarkFlagRequired("repo-url")
	return cmd
}

func workspaceBuildCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "build",
		Short: "Build LSTs for the synced workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			if c := remoteClient(); c != nil {
				sub, err := c.SubmitBuild(cmd.Context())
				if err != nil {
					return err
				}
				job, err := c.WaitJob(cmd.Context(), sub.JobID, 2*time.Second)
				if err != nil {
					return err
				}
				return printJob(job)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				id, err := a.Engine.SubmitBuild(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return waitAndPrint(ctx, a, id)
			})
		},
	}
}

func workspaceRunCmd() *cobra.Command {
	var recipeID string
	var options []string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one recipe across the workspace without applying it",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := parseOptions(options)
			if err != nil {
				return err
			}
			if c := remoteClient(); c != nil {
				sub, err := c.SubmitRecipeRun(cmd.Context(), recipeID, opts)
				if err != nil {
					return err
				}
				job, err := c.WaitJob(cmd.Context(), sub.JobID, 2*time.Second)
				if err != nil {
					return err
				}
				return printJob(job)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				id, err := a.Engine.SubmitRecipeRun(ctx, viper.GetString("actor-id"), recipeID, opts)
				if err != nil {
					return err
				}
				return waitAndPrint(ctx, a, id)
			})
		},
	}
	cmd.Flags().StringVar(&recipeID, "recipe", "", "recipe id")
	cmd.Flags().StringArrayVar(&options, "option", nil, "recipe option as key=value (repeatable)")
	_ = cmd.MarkFlagRequired("recipe")
	return cmd
}

func workspaceClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete the workspace directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			if c := remoteClient(); c != nil {
				msg, err := c.ClearWorkspace(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Println(msg)
				return nil
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				msg, err := a.Engine.ClearWorkspace()
				if err != nil {
					return err
				}
				fmt.Println(msg)
				return nil
			})
		},
	}
}

func recommendCmd() *cobra.Command {
	var goal string
	var files []string
	cmd := &cobra.Command{
		Use:   "recommend",
		Short: "Ask the model which recipes fit a goal",
		Long:  "Prints the recipes the pipeline would try for the given build files, including injected Java upgrades.",
		RunE: func(cmd *cobra.Command, args []string) error {
			contents := map[string]string{}
			for _, f := range files {
				data, err := os.ReadFile(f)
				if err != nil {
					return err
				}
				contents[filepath.Base(f)] = string(data)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				raw := recommend.EmptyResponse
				if a.Pipeline.Recommender != nil {
					out, err := a.Pipeline.Recommender.Recommend(ctx, goal, contents)
					if err != nil {
						return err
					}
					raw = out
				}
				suggested, err := recommend.Parse(raw)
				if err != nil {
					a.Logger.Warn("failed to parse recommendation", zap.Error(err))
				}
				all := append(recipe.Fallbacks(goal, suggested), suggested...)
				if viper.GetBool("json") {
					return printJSON(all)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "Recipe", "Options", "Justification"})
				for i, r := range all {
					tw.AppendRow(table.Row{i + 1, r.ID, formatOptions(r.Options), truncate(r.Justification, 60)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&goal, "goal", "", "what the change should achieve")
	cmd.Flags().StringArrayVar(&files, "file", nil, "build file to send (repeatable)")
	_ = cmd.MarkFlagRequired("goal")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect fixline.yml",
		Long:  "Config lives in fixline.yml next to where you run fl (see --dir). Secrets are read from the env vars it names.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default fixline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("dir"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate fixline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("dir"))
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
}

func apikeyCmd() *cobra.Command {
	keys := &cobra.Command{Use: "apikey", Short: "Manage API keys for the HTTP server"}
	keys.AddCommand(apikeyCreateCmd())
	keys.AddCommand(apikeyListCmd())
	keys.AddCommand(apikeyRevokeCmd())
	return keys
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, role, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if !a.Policy.KnownRole(role) {
					return fmt.Errorf("unknown role %q", role)
				}
				plain, err := repo.GenerateAPIKey()
				if err != nil {
					return err
				}
				key := domain.APIKey{
					ID:      uuid.NewString(),
					ActorID: actorID,
					Name:    name,
					Role:    role,
					KeyHash: repo.HashAPIKey(plain),
				}
				if err := a.Repo.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				out := map[string]string{"id": key.ID, "actor_id": actorID, "role": role, "key": plain}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("API key %s for %s (%s):\n%s\n", key.ID, actorID, role, plain)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&role, "role", repo.DefaultAPIKeyRole, "RBAC role")
	cmd.Flags().StringVar(&name, "name", "", "label")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				keys, err := a.Repo.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Role", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Role, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "filter by actor")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Repo.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Revoked %s\n", args[0])
				return nil
			})
		},
	}
}

func tokenCmd() *cobra.Command {
	var actorID string
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token signed with the server secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			token, err := server.SignToken(server.AuthConfig{
				JWTSecret: cfg.JWTSecret(),
				Issuer:    cfg.Server.Auth.Issuer,
				Audience:  cfg.Server.Auth.Audience,
			}, actorID, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "subject of the token")
	cmd.Flags().StringSliceVar(&roles, "role", []string{"operator"}, "roles to embed")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "lifetime (0 for none)")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	return config.LoadOptional(viper.GetString("dir"))
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log.Level, viper.GetBool("verbose"))
	if err != nil {
		return err
	}
	defer logger.Sync()
	base, err := filepath.Abs(viper.GetString("dir"))
	if err != nil {
		return err
	}
	a, err := app.New(ctx, cfg, logger, app.Options{BaseDir: base})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func withJobHistory(ctx context.Context, fn func(context.Context, *app.App) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		if a.Config.Jobs.Store != "sqlite" || a.Config.DB.Path == "" {
			return errors.New("local job history needs jobs.store=sqlite and db.path; use --remote for a running server")
		}
		return fn(ctx, a)
	})
}

func remoteClient() *fixlinesdk.Client {
	base := strings.TrimSpace(viper.GetString("remote"))
	if base == "" {
		return nil
	}
	c := fixlinesdk.New(base)
	c.Timeout = 30 * time.Second
	c.BearerToken = viper.GetString("token")
	c.APIKey = viper.GetString("api-key")
	return c
}

func waitAndPrint(ctx context.Context, a *app.App, id string) error {
	job, err := a.Engine.Wait(ctx, id, 500*time.Millisecond)
	if err != nil {
		return err
	}
	return printJob(toSDKJob(job))
}

func toSDKJob(j domain.Job) fixlinesdk.Job {
	out := fixlinesdk.Job{
		ID:        j.ID,
		Type:      j.Type,
		Status:    string(j.Status),
		Progress:  j.Progress,
		Params:    j.Params,
		Error:     j.Error,
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
	}
	if j.Result != nil {
		out.Result = &fixlinesdk.Result{
			Status:  string(j.Result.Status),
			Message: j.Result.Message,
			Error:   j.Result.Error,
			Branch:  j.Result.Branch,
			URL:     j.Result.URL,
			Output:  j.Result.Output,
			Logs:    j.Result.Logs,
		}
	}
	return out
}

func printJob(job fixlinesdk.Job) error {
	if viper.GetBool("json") {
		return printJSON(job)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendRow(table.Row{"Job", job.ID})
	tw.AppendRow(table.Row{"Type", job.Type})
	tw.AppendRow(table.Row{"Status", job.Status})
	tw.AppendRow(table.Row{"Progress", job.Progress})
	if r := job.Result; r != nil {
		if r.Message != "" {
			tw.AppendRow(table.Row{"Message", r.Message})
		}
		if r.Branch != "" {
			tw.AppendRow(table.Row{"Branch", r.Branch})
		}
		if r.URL != "" {
			tw.AppendRow(table.Row{"URL", r.URL})
		}
	}
	if job.Error != "" {
		tw.AppendRow(table.Row{"Error", firstLine(job.Error)})
	}
	tw.Render()
	if job.Result != nil && viper.GetBool("verbose") {
		for _, entry := range job.Result.Logs {
			fmt.Println("---")
			fmt.Println(entry)
		}
	}
	if job.Status == fixlinesdk.StatusFailed {
		return fmt.Errorf("job %s failed", job.ID)
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

func parseOptions(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid option %q, want key=value", p)
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
}

func formatOptions(opts map[string]string) string {
	keys := make([]string, 0, len(opts))
	for k := range opts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+opts[k])
	}
	return strings.Join(parts, " ")
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
