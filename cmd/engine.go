package cmd

import (
	"log/slog"
	"strings"
	"time"

	"github.com/nextlevelbuilder/gofer/internal/agent"
	"github.com/nextlevelbuilder/gofer/internal/aggregator"
	"github.com/nextlevelbuilder/gofer/internal/auth"
	"github.com/nextlevelbuilder/gofer/internal/bus"
	"github.com/nextlevelbuilder/gofer/internal/cache"
	"github.com/nextlevelbuilder/gofer/internal/config"
	"github.com/nextlevelbuilder/gofer/internal/convo"
	"github.com/nextlevelbuilder/gofer/internal/orchestrate"
	"github.com/nextlevelbuilder/gofer/internal/ratelimit"
	"github.com/nextlevelbuilder/gofer/internal/router"
	"github.com/nextlevelbuilder/gofer/internal/sizer"
	"github.com/nextlevelbuilder/gofer/internal/store"
	"github.com/nextlevelbuilder/gofer/internal/store/pg"
	"github.com/nextlevelbuilder/gofer/internal/store/sqlite"
	"github.com/nextlevelbuilder/gofer/internal/worker"
)

// engine bundles the wired service graph behind the CLI commands. chain and
// router are kept so the gateway's config watcher can reload them in place.
type engine struct {
	cfg     *config.Config
	chain   *auth.Chain
	router  *router.Router
	tracker *ratelimit.Tracker
	cache   *cache.Cache
	driver  *worker.Driver
	shaper  *sizer.Sizer
	convos  *convo.Store
	agents  *agent.Supervisor
	orch    *orchestrate.Orchestrator
	runlog  store.RunLog
}

// buildEngine wires the engine from config. b may be nil for commands that
// have no event consumers.
func buildEngine(cfg *config.Config, b *bus.Bus) (*engine, error) {
	chain := auth.FromConfig(cfg)

	// The tracker prices usage through the router and the router consults
	// the tracker for availability; the closure breaks the cycle.
	var rt *router.Router
	tracker := ratelimit.New(func(model string) (float64, float64, bool) {
		return rt.Prices(model)
	})
	rt = router.FromConfig(cfg, tracker, chain)

	var cacheStore *cache.Cache
	if cfg.Cache.Enabled {
		cacheStore = cache.New(cfg.Cache.MaxEntries, time.Duration(cfg.Cache.TTLMinutes)*time.Minute)
		if path := cachePath(cfg); path != "" {
			if err := cacheStore.Load(path); err != nil {
				slog.Warn("cache.load_failed", "path", path, "error", err)
			}
		}
	}

	var opts []worker.Option
	if cfg.Auth.MarketplaceKey != "" && cfg.Aggregator.BaseURL != "" {
		market, err := aggregator.New(cfg, Version)
		if err != nil {
			slog.Warn("aggregator.disabled", "error", err)
		} else {
			opts = append(opts, worker.WithMarketplace(market))
		}
	}
	driver := worker.New(cfg, rt, chain, tracker, cacheStore, opts...)

	shaper := sizer.FromConfig(cfg)

	runlog, err := openRunLog(cfg)
	if err != nil {
		return nil, err
	}

	eng := &engine{
		cfg:     cfg,
		chain:   chain,
		router:  rt,
		tracker: tracker,
		cache:   cacheStore,
		driver:  driver,
		shaper:  shaper,
		convos:  convo.FromConfig(cfg),
		agents:  agent.New(cfg, driver, shaper, agent.WithRunLog(runlog)),
		runlog:  runlog,
	}
	eng.orch = orchestrate.New(cfg, orchestrate.Deps{
		Router:  rt,
		Driver:  driver,
		Convos:  eng.convos,
		Agents:  eng.agents,
		Tracker: tracker,
		Cache:   cacheStore,
		RunLog:  runlog,
		Bus:     b,
	})
	return eng, nil
}

// Close persists the cache and releases the run log. Errors are logged,
// never returned: shutdown must not fail over housekeeping.
func (e *engine) Close() {
	if e.cache != nil {
		if path := cachePath(e.cfg); path != "" {
			if err := e.cache.Persist(path); err != nil {
				slog.Warn("cache.persist_failed", "path", path, "error", err)
			}
		}
	}
	if err := e.runlog.Close(); err != nil {
		slog.Warn("store.close_failed", "error", err)
	}
}

// reload applies a freshly loaded config to the running engine: the shared
// config is swapped in place and the credential chain and model catalog are
// rebuilt. Components that read config per call pick the rest up on their
// next request.
func (e *engine) reload(fresh *config.Config) {
	e.cfg.ReplaceFrom(fresh)
	e.chain.Reload(e.cfg)
	e.router.Reload(e.cfg)
	slog.Info("config.reloaded", "hash", e.cfg.Hash())
}

func cachePath(cfg *config.Config) string {
	return config.ExpandHome(cfg.Cache.Path)
}

// openRunLog picks the store backend by DSN: empty disables the run log,
// postgres:// selects Postgres, anything else is a SQLite file path.
func openRunLog(cfg *config.Config) (store.RunLog, error) {
	dsn := cfg.Store.DSN
	switch {
	case dsn == "":
		return store.Disabled{}, nil
	case strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://"):
		return pg.Open(dsn)
	default:
		return sqlite.Open(config.ExpandHome(dsn))
	}
}
