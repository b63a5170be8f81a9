// Package app assembles the coordinator from its parts: database, config,
// directory, bridge and registry. The CLI and the server both boot through
// Bootstrap so they share one wiring path.
package app

import (
	"context"
	"database/sql"
	"os"
	"time"

	"missionline/internal/chain"
	"missionline/internal/config"
	"missionline/internal/db"
	"missionline/internal/directory"
	"missionline/internal/migrate"
	"missionline/internal/registry"
)

type App struct {
	DB        *sql.DB
	Config    *config.Config
	Directory *directory.Directory
	Bridge    chain.Bridge
	Registry  *registry.Registry
}

// Options tune Bootstrap. A nil Bridge gets the simulated one.
type Options struct {
	Workspace string
	Bridge    chain.Bridge
	// ResumeTimers re-arms bidding windows and bond deadlines from the
	// database. Long-running processes want this; one-shot CLI calls do not.
	ResumeTimers bool
}

// Bootstrap opens the workspace database, runs migrations, loads (or seeds)
// missionline.yml and wires the registry to its bridge.
func Bootstrap(ctx context.Context, opts Options) (*App, error) {
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	cfg, err := resolveConfig(opts.Workspace)
	if err != nil {
		conn.Close()
		return nil, err
	}
	bridge := opts.Bridge
	if bridge == nil {
		bridge = chain.NewSimBridge(200 * time.Millisecond)
	}
	dir := directory.New(conn, cfg)
	reg := registry.New(conn, cfg, bridge, dir)
	bridge.Subscribe(reg)
	if opts.ResumeTimers {
		if err := reg.ResumeTimers(ctx); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return &App{DB: conn, Config: cfg, Directory: dir, Bridge: bridge, Registry: reg}, nil
}

func (a *App) Close() error {
	return a.DB.Close()
}

// resolveConfig loads missionline.yml, writing a default one on first use.
func resolveConfig(workspace string) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg != nil {
		return cfg, nil
	}
	cfg = config.Default("local")
	if err := os.WriteFile(config.Path(workspace), []byte(config.GenerateDefault("local")), 0o644); err != nil {
		return nil, err
	}
	return cfg, nil
}
