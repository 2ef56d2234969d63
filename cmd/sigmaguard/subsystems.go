package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/danielgonzagat/peninaocubo-sub002/pkg/budget"
	"github.com/danielgonzagat/peninaocubo-sub002/pkg/cache"
	"github.com/danielgonzagat/peninaocubo-sub002/pkg/config"
	"github.com/danielgonzagat/peninaocubo-sub002/pkg/gate"
	"github.com/danielgonzagat/peninaocubo-sub002/pkg/keyring"
	"github.com/danielgonzagat/peninaocubo-sub002/pkg/ledger"
	"github.com/danielgonzagat/peninaocubo-sub002/pkg/observability"
	"github.com/danielgonzagat/peninaocubo-sub002/pkg/provider"
	"github.com/danielgonzagat/peninaocubo-sub002/pkg/resiliency"
	"github.com/danielgonzagat/peninaocubo-sub002/pkg/router"
	"github.com/danielgonzagat/peninaocubo-sub002/pkg/store"
)

const (
	ledgerLogName = "ledger"
	cacheLogName  = "cache"
)

// subsystems holds everything a command may need, opened lazily per command.
type subsystems struct {
	cfg     *config.Config
	keys    *keyring.Keyring
	db      *sql.DB
	dialect store.Dialect
	obs     *observability.Provider
	closers []func() error
}

func (s *subsystems) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		_ = s.closers[i]()
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	_ = lvl.UnmarshalText([]byte(strings.ToUpper(level)))
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// openBase loads configuration and opens the database.
func openBase(ctx context.Context, cfgPath string) (*subsystems, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(newLogger(cfg.LogLevel))

	s := &subsystems{cfg: cfg, obs: observability.Disabled()}
	dsn := cfg.Storage.DatabaseURL
	if !strings.Contains(dsn, "://") && !strings.HasPrefix(dsn, ":memory:") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
		slog.Info("lite mode: using sqlite", "path", dsn)
	}
	s.db, s.dialect, err = store.OpenDB(ctx, dsn)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, s.db.Close)
	return s, nil
}

// loadKeys reads the master key. Outside production a missing key falls back
// to an ephemeral one, so cached entries and tokens do not survive restarts.
func (s *subsystems) loadKeys() error {
	k, err := keyring.FromEnv()
	if errors.Is(err, keyring.ErrNoMasterKey) && os.Getenv("SIGMA_PRODUCTION") != "1" {
		slog.Warn("no master key configured; using an ephemeral key", "env", keyring.MasterKeyEnvVar)
		k, err = keyring.Ephemeral()
	}
	if err != nil {
		return err
	}
	s.keys = k
	return nil
}

func (s *subsystems) ledgerLog(ctx context.Context) (*store.SQLLog, error) {
	log := store.NewSQLLog(s.db, s.dialect, ledgerLogName)
	if err := log.Init(ctx); err != nil {
		return nil, err
	}
	return log, nil
}

func (s *subsystems) openLedger(ctx context.Context) (*ledger.Ledger, error) {
	log, err := s.ledgerLog(ctx)
	if err != nil {
		return nil, err
	}
	return ledger.Open(ctx, log)
}

func (s *subsystems) openBudget(ctx context.Context) (*budget.Tracker, error) {
	var opts []budget.Option
	if s.dialect == store.DialectPostgres {
		pg := budget.NewPostgresStorage(s.db)
		if err := pg.Init(ctx); err != nil {
			return nil, err
		}
		opts = append(opts, budget.WithStorage(pg))
	} else {
		slog.Warn("budget spend is kept in memory; a restart forgets spend for the current period")
	}
	t := budget.NewTracker(s.cfg.BudgetLimits(), opts...)
	if err := t.Restore(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *subsystems) openCache(ctx context.Context) (*cache.Cache, error) {
	key, err := s.keys.Derive(keyring.PurposeCacheMAC)
	if err != nil {
		return nil, err
	}
	opts := []cache.Option{
		cache.WithFastCapacity(s.cfg.Cache.FastCapacity),
		cache.WithDefaultTTL(s.cfg.Cache.DefaultTTL),
		cache.WithEvents(s.obs),
	}
	switch s.cfg.Cache.SlowTier {
	case "log":
		log := store.NewSQLLog(s.db, s.dialect, cacheLogName)
		if err := log.Init(ctx); err != nil {
			return nil, err
		}
		tier, err := cache.OpenLogTier(ctx, log)
		if err != nil {
			return nil, err
		}
		opts = append(opts, cache.WithSlowTier(tier))
	case "redis":
		st := s.cfg.Storage
		client, err := cache.DialRedis(ctx, strings.TrimPrefix(st.RedisAddr, "redis://"), st.RedisPassword, st.RedisDB)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, client.Close)
		opts = append(opts, cache.WithSlowTier(cache.NewRedisTier(client, "")))
	}
	return cache.New(key, opts...)
}

// buildRouter wires the whole dispatch pipeline.
func (s *subsystems) buildRouter(ctx context.Context) (*router.Router, error) {
	l, err := s.openLedger(ctx)
	if err != nil {
		return nil, err
	}
	tracker, err := s.openBudget(ctx)
	if err != nil {
		return nil, err
	}
	c, err := s.openCache(ctx)
	if err != nil {
		return nil, err
	}
	g, err := gate.New(s.cfg.Gate.Thresholds, s.cfg.Gate.Checks)
	if err != nil {
		return nil, err
	}
	obs := s.obs
	breakers := resiliency.NewRegistry(s.cfg.Circuit,
		resiliency.WithTransitionHook(func(name string, from, to resiliency.State) {
			obs.RecordBreakerTransition(context.Background(), name, string(from), string(to))
		}))

	backends := make([]router.Backend, 0, len(s.cfg.Providers))
	for _, p := range s.cfg.Providers {
		backends = append(backends, router.Backend{ID: p.ID, MaxCost: p.MaxCost, Quality: p.Quality, Timeout: p.Timeout})
	}
	return router.New(backends, provider.NewHTTPClient(s.cfg.Endpoints()), tracker, breakers, l,
		router.WithCache(c),
		router.WithGate(g),
		router.WithWeights(s.cfg.Optimizer),
		router.WithObservability(obs),
	)
}
