package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teemow/inboxlink/internal/auth"
	"github.com/teemow/inboxlink/internal/clickup"
	"github.com/teemow/inboxlink/internal/config"
	"github.com/teemow/inboxlink/internal/emailtask"
	"github.com/teemow/inboxlink/internal/hierarchy"
	"github.com/teemow/inboxlink/internal/instrumentation"
	"github.com/teemow/inboxlink/internal/links"
	"github.com/teemow/inboxlink/internal/logging"
	"github.com/teemow/inboxlink/internal/messages"
	"github.com/teemow/inboxlink/internal/store"
	"github.com/teemow/inboxlink/internal/timer"
)

// Options configures a ServerContext.
type Options struct {
	Config config.Config
	// Store is used instead of opening Config.Store.DSN. The caller keeps
	// ownership.
	Store      store.Store
	HTTPClient *http.Client
	Logger     *slog.Logger
	Metrics    *instrumentation.Metrics
	Audit      *instrumentation.AuditLogger
	// Sleep replaces the retry wait of the ClickUp client.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

// ServerContext owns the store and every service built on it. All
// transports share one ServerContext.
type ServerContext struct {
	ctx    context.Context
	cancel context.CancelFunc

	cfg       config.Config
	linksCfg  atomic.Pointer[config.Links]
	kv        store.Store
	ownsStore bool

	auth       *auth.Service
	reconciler *links.Reconciler
	cache      *hierarchy.Cache
	timer      *timer.Service
	tasks      *emailtask.Service
	dispatcher *messages.Dispatcher

	logger  *slog.Logger
	metrics *instrumentation.Metrics

	mu       sync.RWMutex
	shutdown bool
	bg       sync.WaitGroup
}

// NewServerContext opens the store, migrates it and wires the services.
func NewServerContext(ctx context.Context, opts Options) (*ServerContext, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = &instrumentation.Metrics{}
	}
	cfg := opts.Config

	kv, owns := opts.Store, false
	if kv == nil {
		var err error
		if kv, err = store.Open(ctx, cfg.Store.DSN); err != nil {
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
		owns = true
	}
	closeOnErr := func(err error) (*ServerContext, error) {
		if owns {
			_ = kv.Close()
		}
		return nil, err
	}

	if _, err := store.Migrate(ctx, kv); err != nil {
		return closeOnErr(fmt.Errorf("failed to migrate store: %w", err))
	}

	tokenURL := ""
	if cfg.ClickUp.BaseURL != "" {
		tokenURL = cfg.ClickUp.BaseURL + "/oauth/token"
	}
	authSvc := auth.NewService(auth.Options{
		KV: kv,
		Client: clickup.Options{
			BaseURL:    cfg.ClickUp.BaseURL,
			HTTPClient: opts.HTTPClient,
			MaxRetries: cfg.ClickUp.MaxRetries,
			BaseDelay:  cfg.ClickUp.BaseDelay,
			Sleep:      opts.Sleep,
		},
		HTTPClient: opts.HTTPClient,
		TokenURL:   tokenURL,
		Logger:     logger,
		Metrics:    metrics,
	})
	if _, err := authSvc.Load(ctx); err != nil {
		return closeOnErr(fmt.Errorf("failed to load credentials: %w", err))
	}
	client := authSvc.Client()

	reconciler := links.NewReconciler(links.Options{
		Index:        links.NewIndex(kv, logger),
		Tasks:        client,
		KV:           kv,
		ValidateJobs: cfg.ClickUp.Concurrency,
		Logger:       logger,
		Metrics:      metrics,
		Now:          opts.Now,
	})
	cache := hierarchy.New(hierarchy.Options{
		KV:          kv,
		Source:      client,
		Concurrency: cfg.ClickUp.Concurrency,
		Logger:      logger,
		Metrics:     metrics,
		Now:         opts.Now,
	})
	timerSvc := timer.NewService(client, kv, logger)

	sc := &ServerContext{
		cfg:        cfg,
		kv:         kv,
		ownsStore:  owns,
		auth:       authSvc,
		reconciler: reconciler,
		cache:      cache,
		timer:      timerSvc,
		logger:     logger,
		metrics:    metrics,
	}
	sc.ctx, sc.cancel = context.WithCancel(context.WithoutCancel(ctx))
	lc := cfg.Links
	sc.linksCfg.Store(&lc)

	sc.tasks = emailtask.NewService(emailtask.Options{
		API:      client,
		Links:    reconciler,
		Settings: sc.taskSettings,
		Logger:   logger,
	})

	dispatcher, err := messages.New(messages.Deps{
		KV:        kv,
		Auth:      authSvc,
		Links:     reconciler,
		Hierarchy: cache,
		Timer:     timerSvc,
		Tasks:     sc.tasks,
		Defaults:  sc.LinksConfig,
		Logger:    logger,
		Metrics:   metrics,
		Audit:     opts.Audit,
		Now:       opts.Now,
	})
	if err != nil {
		sc.cancel()
		return closeOnErr(err)
	}
	sc.dispatcher = dispatcher
	if err := dispatcher.ApplySettings(ctx); err != nil {
		sc.cancel()
		return closeOnErr(err)
	}
	return sc, nil
}

func (sc *ServerContext) taskSettings(ctx context.Context) emailtask.Settings {
	s, err := sc.dispatcher.Settings(ctx)
	if err != nil {
		sc.logger.Warn("failed to read settings, using defaults", logging.Err(err))
		lc := sc.LinksConfig()
		return emailtask.Settings{Strategy: lc.Strategy, FieldName: lc.FieldName}
	}
	return emailtask.Settings{
		Strategy:       s.LinkStrategy,
		FieldName:      s.ThreadIDFieldName,
		AutoStartTimer: s.AutoStartTimer,
	}
}

// Context is cancelled on Shutdown.
func (sc *ServerContext) Context() context.Context { return sc.ctx }

// Config returns the configuration the context was built with.
func (sc *ServerContext) Config() config.Config { return sc.cfg }

// LinksConfig returns the current [links] section.
func (sc *ServerContext) LinksConfig() config.Links { return *sc.linksCfg.Load() }

// UpdateLinksConfig swaps the [links] defaults and re-applies the settings.
func (sc *ServerContext) UpdateLinksConfig(l config.Links) {
	sc.linksCfg.Store(&l)
	if err := sc.dispatcher.ApplySettings(sc.ctx); err != nil {
		sc.logger.Warn("failed to apply link settings", logging.Err(err))
	}
}

func (sc *ServerContext) Store() store.Store { return sc.kv }
func (sc *ServerContext) Auth() *auth.Service { return sc.auth }
func (sc *ServerContext) Links() *links.Reconciler { return sc.reconciler }
func (sc *ServerContext) Hierarchy() *hierarchy.Cache { return sc.cache }
func (sc *ServerContext) Timer() *timer.Service { return sc.timer }
func (sc *ServerContext) Tasks() *emailtask.Service { return sc.tasks }
func (sc *ServerContext) Dispatcher() *messages.Dispatcher { return sc.dispatcher }
func (sc *ServerContext) Metrics() *instrumentation.Metrics { return sc.metrics }

// StartBackground runs the periodic link validation until Shutdown.
func (sc *ServerContext) StartBackground() {
	interval := sc.LinksConfig().ValidateInterval
	if interval <= 0 {
		return
	}
	sc.bg.Add(1)
	go func() {
		defer sc.bg.Done()
		sc.reconciler.RunValidation(sc.ctx, interval)
	}()
}

// IsShutdown reports whether Shutdown was called.
func (sc *ServerContext) IsShutdown() bool {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.shutdown
}

// Shutdown stops background work and closes an owned store.
func (sc *ServerContext) Shutdown() error {
	sc.mu.Lock()
	if sc.shutdown {
		sc.mu.Unlock()
		return nil
	}
	sc.shutdown = true
	sc.mu.Unlock()

	sc.cancel()
	sc.bg.Wait()
	sc.cache.Close()

	var errs []error
	if sc.ownsStore {
		if err := sc.kv.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close store: %w", err))
		}
	}
	return errors.Join(errs...)
}
