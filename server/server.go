// Package server provides a reusable StoryNest server that can be
// embedded in other binaries (e.g. an all-in-one test harness).
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/storynest/storynest/internal/api"
	"github.com/storynest/storynest/internal/auth"
	"github.com/storynest/storynest/internal/bus"
	"github.com/storynest/storynest/internal/config"
	"github.com/storynest/storynest/internal/db"
	"github.com/storynest/storynest/internal/devices"
	"github.com/storynest/storynest/internal/email"
	"github.com/storynest/storynest/internal/generate"
	"github.com/storynest/storynest/internal/notify"
	"github.com/storynest/storynest/internal/push"
	"github.com/storynest/storynest/internal/queue"
	"github.com/storynest/storynest/internal/stream"
	"github.com/storynest/storynest/internal/worker"
)

// reclaimEvery is how often expired leases are reclaimed; it stays well
// under the lease duration so a stalled job is noticed within one lease.
const reclaimEvery = 10 * time.Second

// sweepEvery is how often expired terminal jobs are purged.
const sweepEvery = time.Minute

// Server is a wired StoryNest instance. NewServer builds it; Serve runs
// it until the context ends.
type Server struct {
	cfg    *config.Config
	sqlDB  *sql.DB
	bus    *bus.Bus
	store  *queue.Store
	hub    *stream.Hub
	dispat *notify.Dispatcher
	pools  []*worker.Pool
	auth   *auth.Store
	server *http.Server
}

// NewServer opens the database, runs migrations and wires all
// components. Call Serve to start listening.
func NewServer(cfg *config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	sqlDB, err := db.Open(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	b := bus.New()

	opts := queue.DefaultOptions()
	opts.MaxAttempts = cfg.Queue.MaxAttempts
	opts.BackoffBase = time.Duration(cfg.Queue.BackoffBaseSecs) * time.Second
	opts.BackoffFactor = cfg.Queue.BackoffFactor
	opts.SucceededTTL = time.Duration(cfg.Queue.SucceededTTLMin) * time.Minute
	opts.FailedTTL = time.Duration(cfg.Queue.FailedTTLMin) * time.Minute
	opts.AvgJobTime = time.Duration(cfg.Queue.AvgJobSecs) * time.Second
	opts.Concurrency = cfg.Pools.Stories + cfg.Pools.Voices

	store := queue.NewStore(sqlDB, b, opts)
	registry := devices.NewRegistry(sqlDB)
	authStore := auth.NewStore(sqlDB)
	hub := stream.NewHub(b)

	gen := generate.NewClient(cfg.Generator.BaseURL, cfg.Generator.APIKey,
		time.Duration(cfg.Generator.TimeoutSecs)*time.Second)

	pools := []*worker.Pool{
		worker.NewPool(worker.Config{
			Name:  "stories",
			Kinds: []queue.Kind{queue.KindStoryForPrompt, queue.KindStoryForChild},
			Size:  cfg.Pools.Stories,
		}, store, gen),
		worker.NewPool(worker.Config{
			Name:  "voices",
			Kinds: []queue.Kind{queue.KindVoiceClone},
			Size:  cfg.Pools.Voices,
		}, store, gen),
	}

	var provider push.Provider
	if cfg.Push.Enabled {
		provider = push.NewFCM(cfg.Push.FCMKey, 10*time.Second)
	} else {
		provider = push.Disabled{}
	}

	var mailer notify.Mailer
	var directory notify.Directory
	if cfg.Email.Enabled {
		mailer = email.NewSender(cfg.Email.Host, cfg.Email.Port,
			cfg.Email.Username, cfg.Email.Password, cfg.Email.From, true)
		directory = authStore
	}

	dispatcher := notify.NewDispatcher(b, registry, provider, mailer, directory)

	handler := api.NewHandler(store, registry, hub, cfg.RateLimit.SubmitsPerMinute)

	httpServer := &http.Server{
		Handler:           api.NewRouter(handler, authStore),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Server{
		cfg:    cfg,
		sqlDB:  sqlDB,
		bus:    b,
		store:  store,
		hub:    hub,
		dispat: dispatcher,
		pools:  pools,
		auth:   authStore,
		server: httpServer,
	}, nil
}

// Auth returns the auth store for direct access (e.g. provisioning a
// first user and session from the CLI).
func (s *Server) Auth() *auth.Store {
	return s.auth
}

// Store returns the job store for direct access in embedding binaries.
func (s *Server) Store() *queue.Store {
	return s.store
}

// Serve starts the HTTP listener and all background loops. It blocks
// until ctx is cancelled, then performs graceful shutdown: stop taking
// requests, stop the pools, drain the event consumers, close the DB.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		_ = s.sqlDB.Close()
		return fmt.Errorf("listen tcp: %w", err)
	}

	// Background loops get their own context so HTTP shutdown can drain
	// first: in-flight requests may still enqueue, and the consumers
	// should see those events.
	bgCtx, bgCancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	for _, p := range s.pools {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Run(bgCtx)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.hub.Run(bgCtx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.dispat.Run(bgCtx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.store.Maintain(bgCtx, reclaimEvery, sweepEvery)
	}()

	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		slog.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)

		bgCancel()
		wg.Wait()
		close(shutdownDone)
	}()

	slog.Info("listening", "addr", s.cfg.Addr)
	if err := s.server.Serve(ln); err != http.ErrServerClosed {
		bgCancel()
		_ = s.sqlDB.Close()
		return fmt.Errorf("serve: %w", err)
	}

	<-shutdownDone

	// Checkpoint WAL into the main DB file before closing.
	if _, err := s.sqlDB.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		slog.Warn("WAL checkpoint failed", "error", err)
	}
	_ = s.sqlDB.Close()
	return nil
}
