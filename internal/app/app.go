// Package app wires configuration into the running components.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"fixline/internal/artifacts"
	"fixline/internal/command"
	"fixline/internal/config"
	"fixline/internal/db"
	"fixline/internal/engine"
	"fixline/internal/engine/auth"
	"fixline/internal/events"
	"fixline/internal/metrics"
	"fixline/internal/migrate"
	"fixline/internal/modcli"
	"fixline/internal/pipeline"
	"fixline/internal/recipe"
	"fixline/internal/recommend"
	"fixline/internal/repo"
	"fixline/internal/vcs"
	"fixline/internal/workspace"
)

// Options override pieces of the wiring, mostly for tests.
type Options struct {
	// Runner executes the mod CLI. Defaults to command.Exec.
	Runner command.Runner
	// Recommender replaces the OpenAI client.
	Recommender recommend.Recommender
	// BaseDir resolves relative paths in the config. Defaults to the working directory.
	BaseDir string
}

// App holds the components shared by the CLI and the server.
type App struct {
	Config    *config.Config
	Logger    *zap.Logger
	DB        *sql.DB
	Repo      repo.Repo
	Engine    *engine.Engine
	Pipeline  *pipeline.Pipeline
	Workspace workspace.Workspace
	Mod       modcli.Client
	Policy    auth.Policy
	Metrics   *metrics.Metrics
}

func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// New opens the database, runs migrations and assembles the engine.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts Options) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	base := opts.BaseDir
	if base == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		base = wd
	}

	conn, err := db.Open(db.Config{Path: resolve(base, cfg.DB.Path)})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	r := repo.Repo{DB: conn}

	policy, err := auth.NewPolicy(cfg.RolePermissions())
	if err != nil {
		conn.Close()
		return nil, err
	}

	runner := opts.Runner
	if runner == nil {
		runner = command.Exec{Logger: logger.Named("command")}
	}
	mod := modcli.New(runner, cfg.Mod.Binary)
	ws := workspace.Workspace{
		Path:    resolve(base, cfg.Workspace.Path),
		TempDir: resolve(base, cfg.Workspace.TempDir),
		Mod:     mod,
		Logger:  logger.Named("workspace"),
	}
	catalogPath := resolve(base, cfg.Recipes.CatalogPath)

	recommender := opts.Recommender
	if recommender == nil {
		ai := recommend.NewOpenAI(cfg.LLMAPIKey(), cfg.LLM.BaseURL, cfg.LLM.Model)
		ai.Logger = logger.Named("recommend")
		ai.Catalog = func(ctx context.Context) ([]string, error) {
			cat, err := recipe.LoadCatalog(ctx, catalogPath, mod)
			if err != nil {
				return nil, err
			}
			return cat.IDs(recommend.CatalogSample), nil
		}
		if ai.Enabled() {
			recommender = ai
		} else {
			logger.Warn("no model API key configured; recommendations limited to built-in fallbacks",
				zap.String("env", cfg.LLM.APIKeyEnv))
		}
	}

	archiveCfg := cfg.Artifacts
	if v := os.Getenv("FIXLINE_ARTIFACTS_ACCESS_KEY"); v != "" {
		archiveCfg.AccessKey = v
	}
	if v := os.Getenv("FIXLINE_ARTIFACTS_SECRET_KEY"); v != "" {
		archiveCfg.SecretKey = v
	}
	archiver, err := artifacts.New(archiveCfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("artifacts: %w", err)
	}

	m := metrics.Default
	pl := &pipeline.Pipeline{
		Workspace:   ws,
		Mod:         mod,
		Recommender: recommender,
		GitToken:    cfg.GitToken(),
		Identity:    vcs.Signature{Name: cfg.Git.UserName, Email: cfg.Git.UserEmail},
		Remote:      cfg.Git.Remote,
		Excludes:    cfg.Git.Excludes,
		SummaryFile: cfg.Git.SummaryFile,
		Archiver:    archiver,
		Metrics:     m,
		Logger:      logger.Named("pipeline"),
	}

	var store repo.JobStore = repo.NewMemoryStore()
	if cfg.Jobs.Store == "sqlite" {
		store = r
	}
	eng := engine.New(store, cfg.Jobs.MaxConcurrent)
	eng.Events = events.Writer{DB: conn}
	eng.Pipeline = pl
	eng.Mod = mod
	eng.CatalogPath = catalogPath
	eng.Metrics = m
	eng.Logger = logger.Named("engine")

	return &App{
		Config:    cfg,
		Logger:    logger,
		DB:        conn,
		Repo:      r,
		Engine:    eng,
		Pipeline:  pl,
		Workspace: ws,
		Mod:       mod,
		Policy:    policy,
		Metrics:   m,
	}, nil
}

// Close waits for running jobs and releases the database.
func (a *App) Close() error {
	a.Engine.Close()
	return a.DB.Close()
}
