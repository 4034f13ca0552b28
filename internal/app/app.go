// Package app wires the Terrarium relay runtime: config, logging, the route
// layer, and every component behind it.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"terrarium/internal/api"
	"terrarium/internal/chatlog"
	"terrarium/internal/fanout"
	"terrarium/internal/health"
	"terrarium/internal/ratelimit"
	"terrarium/internal/sig"
	"terrarium/internal/store"
)

// App is the relay runtime.
type App struct {
	cfg Config
	log Logger

	store    *store.Store
	fanout   *fanout.Registry
	health   *health.Aggregator
	chatlog  *chatlog.Pipeline
	limiter  *ratelimit.Limiter
	verifier *sig.Verifier
	handler  *api.Handler
}

// New constructs a fully wired App instance from config and logger.
// Every component is owned here and injected down; nothing is a package
// singleton, so tests can build isolated instances.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	clk := clock.New()

	st := store.New(log, store.Options{
		TTL:        cfg.ChatTTL,
		StaleAfter: cfg.WorkerStaleAfter,
		Clock:      clk,
	})

	reg := fanout.NewRegistry(log, fanout.Options{
		SendQueueSize:    cfg.WSSendQueue,
		MaxBufferedBytes: cfg.WSMaxBuffered,
		WriteTimeout:     cfg.WSWriteTimeout,
		PingInterval:     cfg.WSPingInterval,
		PingTimeout:      cfg.WSPingTimeout,
		Clock:            clk,
	})

	agg := health.New(clk, cfg.WorkerStaleAfter)

	logs := chatlog.New(log, chatlog.Options{
		Enabled:       cfg.LogEnabled,
		Dir:           cfg.LogDir,
		MaxTotalBytes: cfg.LogMaxBytes,
		QueueCap:      cfg.LogQueueCap,
		Clock:         clk,
	})

	limiter := ratelimit.New(clk, cfg.RateWindow, cfg.RateIPMax, cfg.RateChatMax)
	verifier := sig.New(clk, cfg.HMACEnabled, cfg.HMACSecret, cfg.HMACSkew)

	metrics := api.NewMetrics(reg.VisitorCount, reg.WorkerCount, logs.Depth, logs.Dropped)

	handler := api.NewHandler(api.Deps{
		Log:     log,
		Clock:   clk,
		Store:   st,
		Fanout:  reg,
		Health:  agg,
		Chatlog: logs,
		Limiter: limiter,
		Auth:    api.NewAuth(cfg.AccessCode, cfg.ServiceToken, verifier),
		Metrics: metrics,
		Limits: api.Limits{
			MaxBodyBytes:    cfg.MaxBodyBytes,
			MaxMessageChars: cfg.MaxMessageChars,
		},
		WSOriginPatterns: cfg.WSAllowedOrigins,
	})

	return &App{
		cfg:      cfg,
		log:      log,
		store:    st,
		fanout:   reg,
		health:   agg,
		chatlog:  logs,
		limiter:  limiter,
		verifier: verifier,
		handler:  handler,
	}, nil
}

// Router builds the full route tree, middleware included.
func (a *App) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins(a.cfg.WSAllowedOrigins),
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Access-Code", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	a.handler.Register(r)

	return WithRequestLogging(r, a.log)
}

// Run starts the HTTP server and heartbeat loop, and blocks until context
// cancellation or a fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Router(),
		ReadHeaderTimeout: a.cfg.ReadHeaderTimeout,
		ReadTimeout:       a.cfg.ReadTimeout,
		WriteTimeout:      a.cfg.WriteTimeout,
		IdleTimeout:       a.cfg.IdleTimeout,
	}

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go a.fanout.RunHeartbeat(hbCtx)

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "hmac", a.verifier.Enabled(), "log_dir", a.cfg.LogDir)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	// Flush whatever audit records are still queued before exiting.
	if err := a.chatlog.Drain(shutdownCtx); err != nil {
		a.log.Error("chatlog.drain.fail", "err", err)
	}

	a.log.Info("server.stopped")
	return nil
}

// corsOrigins expands allowlisted hosts into the scheme-qualified origins
// the cors middleware matches against.
func corsOrigins(hosts []string) []string {
	out := make([]string, 0, len(hosts)*2)
	for _, h := range hosts {
		out = append(out, "http://"+h, "https://"+h)
	}
	return out
}
