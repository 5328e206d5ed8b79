package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ppiankov/govgate/internal/authz"
	"github.com/ppiankov/govgate/internal/breakglass"
	"github.com/ppiankov/govgate/internal/catalog"
	"github.com/ppiankov/govgate/internal/change"
	"github.com/ppiankov/govgate/internal/config"
	"github.com/ppiankov/govgate/internal/enforce"
	"github.com/ppiankov/govgate/internal/killswitch"
	"github.com/ppiankov/govgate/internal/ledger"
	"github.com/ppiankov/govgate/internal/policy"
	"github.com/ppiankov/govgate/internal/ratelimit"
	"github.com/ppiankov/govgate/internal/review"
	"github.com/ppiankov/govgate/internal/store/sqlite"
)

// App holds every wired component.
type App struct {
	Config       *config.Config
	Log          zerolog.Logger
	Ledger       *ledger.Ledger
	Authz        *authz.Authorizer
	KillSwitches *killswitch.Registry
	BreakGlass   *breakglass.Registry
	Policies     *policy.Registry
	Reviews      *review.Queue
	Limiter      *ratelimit.Limiter
	Catalog      *catalog.Catalog
	Pipeline     *enforce.Pipeline
	Changes      *change.Service

	closers []func() error
}

// stores groups the record stores selected by the storage driver.
type stores struct {
	ledger   ledger.Store
	kill     killswitch.Store
	glass    breakglass.Store
	policies policy.Store
	reviews  review.Store
	changes  change.Store
}

// Options adjust wiring beyond the config file.
type Options struct {
	// Executor performs approved changes. Nil records the transition only.
	Executor change.Executor
}

// New builds the application from cfg. The caller must Close it.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger, opts Options) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Log: log}

	st, err := a.openStores(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Ledger = ledger.New(st.ledger)
	a.Authz = authz.New(cfg.Authz.Roles, cfg.Authz.Tiers)
	a.Reviews = review.NewQueue(st.reviews, a.Ledger, a.Authz)
	a.KillSwitches = killswitch.NewRegistry(st.kill, a.Ledger, a.Authz, log.With().Str("component", "killswitch").Logger())
	a.BreakGlass = breakglass.NewRegistry(st.glass, a.Ledger, a.Authz, a.Reviews, breakglass.Limits{
		DefaultDuration: cfg.BreakGlass.DefaultDuration,
		MaxDuration:     cfg.BreakGlass.MaxDuration,
	}, log.With().Str("component", "breakglass").Logger())
	a.Policies = policy.NewRegistry(st.policies, policy.NewEvaluator(), a.Ledger, a.Authz, log.With().Str("component", "policy").Logger())
	a.Limiter = ratelimit.NewLimiter(cfg.RateLimits, a.counter())

	a.Catalog, err = catalog.New(nil)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Pipeline = enforce.New(enforce.Deps{
		Ledger:       a.Ledger,
		KillSwitches: a.KillSwitches,
		BreakGlass:   a.BreakGlass,
		Policies:     a.Policies.Evaluator(),
		Reviews:      a.Reviews,
		Limiter:      a.Limiter,
		Catalog:      a.Catalog,
		Log:          log.With().Str("component", "enforce").Logger(),
	})
	a.Changes = change.NewService(st.changes, a.Ledger, a.Pipeline, a.Authz, a.Catalog, change.Options{
		Weights:     cfg.Change.Weights,
		Executor:    opts.Executor,
		ExecTimeout: cfg.Change.ExecTimeout,
		Log:         log.With().Str("component", "change").Logger(),
	})
	a.Pipeline.SetChangeApprovals(a.Changes)

	if err := a.Policies.Refresh(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.ReloadPolicies(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.ReloadCatalog(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) openStores(ctx context.Context) (*stores, error) {
	var st stores
	switch a.Config.Storage.Driver {
	case config.DriverSQLite:
		db, err := sqlite.Open(ctx, sqlite.Config{Path: a.Config.Storage.SQLitePath})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		st = stores{
			ledger:   sqlite.NewLedgerStore(db),
			kill:     sqlite.NewKillSwitchStore(db),
			glass:    sqlite.NewBreakGlassStore(db),
			policies: sqlite.NewPolicyStore(db),
			reviews:  sqlite.NewReviewStore(db),
			changes:  sqlite.NewChangeStore(db),
		}
	default:
		st = stores{
			ledger:   ledger.NewMemoryStore(),
			kill:     killswitch.NewMemoryStore(),
			glass:    breakglass.NewMemoryStore(),
			policies: policy.NewMemoryStore(),
			reviews:  review.NewMemoryStore(),
			changes:  change.NewMemoryStore(),
		}
	}

	if path := a.Config.Storage.LedgerPath; path != "" {
		fs, err := ledger.OpenFile(path)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, fs.Close)
		st.ledger = fs
	}
	return &st, nil
}

// counter returns the shared Redis counter when configured, else nil so the
// limiter keeps windows in memory.
func (a *App) counter() ratelimit.Counter {
	rc := a.Config.Redis
	if rc.Addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
	a.closers = append(a.closers, client.Close)
	c := ratelimit.NewRedisCounter(client)
	c.Log = a.Log.With().Str("component", "ratelimit").Logger()
	if rc.Prefix != "" {
		c.Prefix = rc.Prefix
	}
	return c
}

// ReloadPolicies imports the policy file. Only changed policies are written
// and recorded in the ledger.
func (a *App) ReloadPolicies(ctx context.Context) error {
	if a.Config.PolicyPath == "" {
		return nil
	}
	policies, hash, err := policy.LoadFile(a.Config.PolicyPath)
	if err != nil {
		return err
	}
	n, err := a.Policies.Import(ctx, policies, hash)
	if err != nil {
		return fmt.Errorf("app: import policies: %w", err)
	}
	a.Log.Info().Str("path", a.Config.PolicyPath).Str("hash", hash).Int("changed", n).Msg("policies loaded")
	return nil
}

// ReloadCatalog swaps in the catalog file. On error the previous catalog
// stays in force.
func (a *App) ReloadCatalog() error {
	if a.Config.CatalogPath == "" {
		return nil
	}
	data, hash, err := catalog.LoadFile(a.Config.CatalogPath)
	if err != nil {
		return err
	}
	if err := a.Catalog.Replace(data); err != nil {
		return err
	}
	w, c, k := a.Catalog.Counts()
	a.Log.Info().Str("path", a.Config.CatalogPath).Str("hash", hash).
		Int("workflows", w).Int("capabilities", c).Int("connectors", k).Msg("catalog loaded")
	return nil
}

// Close releases stores and connections in reverse order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
