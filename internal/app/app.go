// Package app wires all Aventura subsystems into a running application.
//
// The App struct owns the full lifecycle: New opens the story store and
// builds the classifier, chapter memory, context builder and turn engine;
// Shutdown drains background work and tears everything down in order.
//
// For testing, inject doubles via functional options (WithStore, WithLogger).
// When an option is not provided, New creates real implementations from the
// config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/surfacecoaster/Aventura-custom/internal/chapter"
	"github.com/surfacecoaster/Aventura-custom/internal/classify"
	"github.com/surfacecoaster/Aventura-custom/internal/config"
	"github.com/surfacecoaster/Aventura-custom/internal/ctxbuild"
	"github.com/surfacecoaster/Aventura-custom/internal/health"
	"github.com/surfacecoaster/Aventura-custom/internal/observe"
	"github.com/surfacecoaster/Aventura-custom/internal/store"
	"github.com/surfacecoaster/Aventura-custom/internal/store/postgres"
	"github.com/surfacecoaster/Aventura-custom/internal/store/sqlite"
	"github.com/surfacecoaster/Aventura-custom/internal/turn"
)

// ErrNoLLM is returned by [App.Engine] when no LLM provider is configured.
var ErrNoLLM = errors.New("app: no llm provider configured")

// pinger is implemented by stores backed by a database connection.
type pinger interface {
	Ping(ctx context.Context) error
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	log       *slog.Logger
	metrics   *observe.Metrics

	// Subsystems, initialised in New and torn down in Shutdown.
	store      store.Store
	pgStore    *postgres.Store
	builder    *ctxbuild.Builder
	memory     *chapter.Memory
	classifier *classify.Classifier
	engine     *turn.Engine

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a story store instead of opening one from config.
// The injected store is not closed by Shutdown.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithLogger sets the logger used by every subsystem.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithMetrics sets the metric instruments used by every subsystem.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. providers comes from
// [BuildProviders]. The turn engine is only built when providers.LLM is set;
// store-only commands work without it.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}

	// ── 1. Story store ───────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Context builder ───────────────────────────────────────────────
	a.initContext()

	// ── 3. Memory pipeline + engine ──────────────────────────────────────
	if providers.LLM != nil {
		a.initPipeline()
		eng, err := a.newEngine()
		if err != nil {
			_ = a.Shutdown(ctx)
			return nil, fmt.Errorf("app: init engine: %w", err)
		}
		a.engine = eng
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}

	sc := a.cfg.Storage
	switch sc.Driver {
	case config.StorageMemory:
		a.store = store.NewMemStore()
	case config.StorageSQLite:
		s, err := sqlite.Open(sc.DSN)
		if err != nil {
			return err
		}
		a.store = s
		a.closers = append(a.closers, s.Close)
	case config.StoragePostgres:
		s, err := postgres.NewStore(ctx, sc.DSN, sc.EmbeddingDimensions)
		if err != nil {
			return err
		}
		a.store = s
		a.pgStore = s
		a.closers = append(a.closers, s.Close)
	default:
		return fmt.Errorf("unsupported storage driver %q", sc.Driver)
	}
	a.log.Info("story store opened", "driver", sc.Driver)
	return nil
}

func (a *App) initContext() {
	cc := a.cfg.Context
	opts := []ctxbuild.Option{
		ctxbuild.WithLimits(cc.Limits),
		ctxbuild.WithLogger(a.log),
		ctxbuild.WithMetrics(a.metrics),
	}
	if cc.PhoneticMatching {
		opts = append(opts, ctxbuild.WithPhoneticMatching(ctxbuild.NewPhoneticMatcher()))
	}
	if cc.EnableTier3 && a.providers.LLM != nil {
		opts = append(opts, ctxbuild.WithCurator(ctxbuild.NewLLMCurator(a.providers.LLM,
			ctxbuild.WithCuratorModel(a.cfg.Models.Memory),
			ctxbuild.WithCuratorLogger(a.log),
			ctxbuild.WithCuratorMetrics(a.metrics),
		)))
	}
	a.builder = ctxbuild.New(opts...)
}

func (a *App) initPipeline() {
	llmProvider := a.providers.LLM

	clsOpts := []classify.Option{
		classify.WithLogger(a.log),
		classify.WithMetrics(a.metrics),
	}
	if m := a.cfg.Models.Classifier; m != "" {
		clsOpts = append(clsOpts, classify.WithModel(m))
	}
	a.classifier = classify.New(llmProvider, clsOpts...)

	memOpts := []chapter.Option{
		chapter.WithLogger(a.log),
		chapter.WithMetrics(a.metrics),
	}
	if m := a.cfg.Models.Memory; m != "" {
		memOpts = append(memOpts, chapter.WithModel(m))
	}
	if a.providers.Embeddings != nil {
		memOpts = append(memOpts,
			chapter.WithEmbeddings(a.providers.Embeddings),
			chapter.WithCandidateLimit(a.cfg.Context.RetrievalCandidates),
		)
		if a.pgStore != nil {
			memOpts = append(memOpts, chapter.WithCandidateSource(a.pgStore))
		}
	}
	a.memory = chapter.New(llmProvider, memOpts...)
}

func (a *App) newEngine() (*turn.Engine, error) {
	nc := a.cfg.Narrator
	return turn.NewEngine(turn.Config{
		Narrator:       a.providers.LLM,
		Store:          a.store,
		NarrationModel: a.cfg.Models.Narration,
		Temperature:    nc.Temperature,
		MaxTokens:      nc.MaxTokens,
		SystemPrompt:   nc.SystemPrompt,
		HistoryLimit:   nc.HistoryLimit,
		Classifier:     a.classifier,
		Memory:         a.memory,
		Context:        a.builder,
		DefaultMemory:  a.cfg.Memory,
		Logger:         a.log,
		Metrics:        a.metrics,
	})
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Store returns the story store.
func (a *App) Store() store.Store { return a.store }

// Context returns the context builder.
func (a *App) Context() *ctxbuild.Builder { return a.builder }

// Memory returns the chapter memory service, or nil without an LLM provider.
func (a *App) Memory() *chapter.Memory { return a.memory }

// Engine returns the turn engine, or [ErrNoLLM] when no LLM provider is
// configured.
func (a *App) Engine() (*turn.Engine, error) {
	if a.engine == nil {
		return nil, ErrNoLLM
	}
	return a.engine, nil
}

// HealthCheckers returns the readiness checks for the running subsystems.
func (a *App) HealthCheckers() []health.Checker {
	var checks []health.Checker
	if p, ok := a.store.(pinger); ok {
		checks = append(checks, health.Checker{Name: "store", Check: p.Ping})
	}
	if a.engine != nil {
		eng := a.engine
		checks = append(checks, health.Checker{
			Name:     "persistence",
			Optional: true,
			Check: func(context.Context) error {
				if eng.Degraded() {
					return errors.New("recent story saves failed")
				}
				return nil
			},
		})
	}
	return checks
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown waits for background turn work, then runs the closers in order.
// It respects the context deadline: if ctx expires before all closers
// finish, remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		if a.engine != nil {
			a.engine.Close(ctx)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
