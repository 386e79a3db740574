package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mtzanidakis/sminos/internal/compare"
	"github.com/mtzanidakis/sminos/internal/config"
	"github.com/mtzanidakis/sminos/internal/container"
	"github.com/mtzanidakis/sminos/internal/janitor"
	"github.com/mtzanidakis/sminos/internal/natsbus"
	"github.com/mtzanidakis/sminos/internal/notify"
	"github.com/mtzanidakis/sminos/internal/orchestrator"
	"github.com/mtzanidakis/sminos/internal/pools"
	"github.com/mtzanidakis/sminos/internal/recovery"
	"github.com/mtzanidakis/sminos/internal/registry"
	"github.com/mtzanidakis/sminos/internal/runner"
	"github.com/mtzanidakis/sminos/internal/selector"
	"github.com/mtzanidakis/sminos/internal/store"
	"github.com/mtzanidakis/sminos/internal/swarm"
	"github.com/mtzanidakis/sminos/internal/vault"
	"github.com/mtzanidakis/sminos/internal/web"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version":
		fmt.Printf("sminos %s\n", version)
	case "serve":
		if err := runServe(); err != nil {
			slog.Error("gateway failed", "error", err)
			os.Exit(1)
		}
	case "build-image":
		if err := runBuildImage(); err != nil {
			slog.Error("image build failed", "error", err)
			os.Exit(1)
		}
	case "backup":
		if err := runBackup(os.Args[2:]); err != nil {
			slog.Error("backup failed", "error", err)
			os.Exit(1)
		}
	case "restore":
		if err := runRestore(os.Args[2:]); err != nil {
			slog.Error("restore failed", "error", err)
			os.Exit(1)
		}
	case "vault":
		if err := runVault(os.Args[2:]); err != nil {
			slog.Error("vault command failed", "error", err)
			os.Exit(1)
		}
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: sminos <command>

Commands:
  serve        Start the sminos gateway service
  build-image  Build the default solver container image
  backup       Archive the database, config and pool workspaces
  restore      Unpack a backup archive
  vault        Manage encrypted solver secrets
  version      Print version
`)
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("starting sminos gateway", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SQLite store
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path)

	// Embedded NATS
	bus, err := natsbus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer bus.Close()
	slog.Info("nats started", "port", bus.Port())

	nc, err := natsbus.NewClient(bus)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer nc.Close()

	// Container workers reach the bus over the docker network, so the
	// in-process URL is only a fallback when no nats_url is configured.
	if cfg.Runner.NATSUrl == "" {
		cfg.Runner.NATSUrl = bus.ClientURL()
	}

	// Secrets vault
	var vlt *vault.Vault
	if cfg.Vault.Passphrase != "" {
		vlt = vault.New(cfg.Vault.Passphrase)
	} else {
		slog.Warn("vault passphrase not set, secret resolution disabled")
	}

	// Solver registry
	reg := registry.New(db, cfg.Solvers, cfg.Runner)
	if err := reg.Sync(); err != nil {
		return fmt.Errorf("sync solver registry: %w", err)
	}

	// Solver pools
	poolMgr := pools.NewManager(db, cfg.Pools)
	if err := poolMgr.EnsureDefaultPool(); err != nil {
		return fmt.Errorf("ensure default pool: %w", err)
	}

	sel := selector.New(reg, cfg.Selector)
	cmp := compare.New(nil)

	// Swarm lifecycle
	swarms := swarm.NewManager(db, nc, cmp, cfg.Swarm)
	if n, err := swarms.RecoverStale(); err != nil {
		slog.Warn("stale swarm recovery failed", "error", err)
	} else if n > 0 {
		slog.Info("recovered stale swarms", "count", n)
	}

	// Failure recovery and circuit breakers
	rec := recovery.NewManager(db, nc, reg, sel, nil, cfg.Recovery)

	// Container manager; without docker only exec solvers run
	ctrMgr, err := container.NewManager(cfg.Runner)
	if err != nil {
		slog.Warn("docker unavailable, container solvers disabled", "error", err)
		ctrMgr = nil
	}

	rt := runner.NewRuntime(cfg.Runner, nc, ctrMgr)

	// Orchestrator (also answers host.ipc.* for the sq CLI)
	orch := orchestrator.New(orchestrator.Deps{
		Store:    db,
		Bus:      nc,
		Swarms:   swarms,
		Registry: reg,
		Selector: sel,
		Pools:    poolMgr,
		Recovery: rec,
		Runtime:  rt,
		Compare:  cmp,
		Vault:    vlt,
	}, cfg.Swarm)

	// Maintenance jobs
	jan := janitor.New(janitor.Deps{
		Store:       db,
		Checkpoints: rec,
		Swarms:      orch,
		Containers:  ctrMgr,
		Bus:         nc,
	}, cfg.Janitor, cfg.Swarm.HistoryCap)
	if err := jan.SeedBuiltins(); err != nil {
		return fmt.Errorf("seed maintenance jobs: %w", err)
	}
	go jan.Start(ctx)
	slog.Info("janitor started")

	// Telegram notifier
	if notify.Enabled(cfg.Telegram) {
		ntf, err := notify.New(cfg.Telegram, db, swarms, nc)
		if err != nil {
			return fmt.Errorf("init telegram notifier: %w", err)
		}
		go func() {
			if err := ntf.Start(ctx); err != nil {
				slog.Error("notifier error", "error", err)
			}
		}()
	} else {
		slog.Warn("telegram not configured, notifier disabled")
	}

	// Web dashboard
	if cfg.Web.Enabled {
		srv := web.NewServer(web.Deps{
			Store:    db,
			Bus:      nc,
			Orch:     orch,
			Swarms:   swarms,
			Registry: reg,
			Pools:    poolMgr,
			Recovery: rec,
			Vault:    vlt,
		}, cfg.Web, version)
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
		slog.Info("web server started", "port", cfg.Web.Port)
	}

	// SIGHUP reloads solver definitions and tunable settings in place
	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	go func() {
		cur := cfg
		for range hupCh {
			next, err := config.Load()
			if err != nil {
				slog.Error("config reload failed", "error", err)
				continue
			}
			applyReload(cur, next, reg, sel, jan)
			cur = next
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig)
	cancel()

	// Cleanup
	if ctrMgr != nil {
		ctrMgr.StopAll(context.Background())
	}
	return nil
}

// applyReload folds a changed config into the running components. Fields
// that cannot change without a restart are logged and skipped.
func applyReload(old, next *config.Config, reg *registry.Registry, sel *selector.Selector, jan *janitor.Janitor) {
	d := config.Diff(old, next)

	for _, field := range d.NonReloadable {
		slog.Warn("config change requires restart", "field", field)
	}
	if !d.HasChanges() {
		return
	}

	if len(d.SolversAdded)+len(d.SolversRemoved)+len(d.SolversChanged) > 0 {
		if err := reg.Reload(next.Solvers); err != nil {
			slog.Error("solver reload failed", "error", err)
		} else {
			slog.Info("solvers reloaded",
				"added", len(d.SolversAdded),
				"removed", len(d.SolversRemoved),
				"changed", len(d.SolversChanged))
		}
	}
	if d.SelectorChanged {
		sel.SetDefaultOrder(d.NewDefaultOrder)
		slog.Info("selector default order updated", "order", d.NewDefaultOrder)
	}
	if d.JanitorChanged {
		jan.UpdateConfig(d.NewJanitor.PollInterval)
		slog.Info("janitor poll interval updated", "interval", d.NewJanitor.PollInterval)
	}
	if d.SwarmChanged || d.RecoveryChanged {
		slog.Warn("swarm and recovery settings only apply to swarms submitted after a restart")
	}
}

// runBuildImage builds the default solver image from Dockerfile.solver in
// the working directory.
func runBuildImage() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	mgr, err := container.NewManager(cfg.Runner)
	if err != nil {
		return fmt.Errorf("init container manager: %w", err)
	}

	ctx := context.Background()
	if err := mgr.Ping(ctx); err != nil {
		return fmt.Errorf("docker unreachable: %w", err)
	}

	if err := mgr.BuildImage(ctx); err != nil {
		return err
	}
	fmt.Printf("Image %s built\n", cfg.Runner.Image)
	return nil
}
