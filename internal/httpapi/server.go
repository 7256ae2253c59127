// Package httpapi is the HTTP surface (§6.1): every route is prefixed
// /v0/namespace/{ns}, requires X-API-Key, and echoes or generates
// X-Exosphere-Request-ID (the one exception is GET /health, which is
// unprefixed and needs no key), exactly the way the teacher's
// internal/server/server.go builds a stdlib net/http.ServeMux with Go
// 1.22+ method+pattern routing and wraps it in a small middleware
// chain (csrfProtect) rather than reaching for a router library.
package httpapi

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/danshapiro/exostate/internal/config"
	"github.com/danshapiro/exostate/internal/docstore"
	"github.com/danshapiro/exostate/internal/graphvalidate"
	"github.com/danshapiro/exostate/internal/jsonschemax"
	"github.com/danshapiro/exostate/internal/scheduler"
	"github.com/danshapiro/exostate/internal/secretenvelope"
	"github.com/danshapiro/exostate/internal/signals"
	"github.com/danshapiro/exostate/internal/successor"
	"github.com/danshapiro/exostate/internal/trigger"
)

// Server is the state manager's HTTP control surface: one stdlib
// ServeMux, a bundle of collaborators every handler shares, and the
// middleware chain wrapping it.
type Server struct {
	cfg       config.Settings
	store     docstore.Store
	schemas   *jsonschemax.Cache
	encrypter *secretenvelope.Encrypter
	graphOpts graphvalidate.Options

	triggerDeps   trigger.Deps
	signalDeps    signals.Deps
	successorDeps successor.Deps

	baseCtx context.Context
	cancel  context.CancelFunc
	httpSrv *http.Server
	logger  *log.Logger
}

// New wires every component against store and returns a Server ready
// to ListenAndServe. encrypter may be nil (e.g. SECRETS_ENCRYPTION_KEY
// unset); the /secrets endpoint then always fails as Unexpected.
func New(cfg config.Settings, store docstore.Store, encrypter *secretenvelope.Encrypter) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	schemas := jsonschemax.NewCache()

	successorDeps := successor.Deps{
		Templates: store.GraphTemplates(),
		States:    store.States(),
		StoreEnt:  store.StoreEntries(),
	}

	s := &Server{
		cfg:       cfg,
		store:     store,
		schemas:   schemas,
		encrypter: encrypter,
		graphOpts: graphvalidate.Options{ApprovedSystemNamespaces: cfg.ApprovedSystemNamespaces},
		triggerDeps: trigger.Deps{
			Templates: store.GraphTemplates(),
			Runs:      store.Runs(),
			StoreEnt:  store.StoreEntries(),
			States:    store.States(),
		},
		signalDeps: signals.Deps{
			Templates: store.GraphTemplates(),
			Nodes:     store.RegisteredNodes(),
			States:    store.States(),
			Successor: successorDeps,
			Schemas:   schemas,
		},
		successorDeps: successorDeps,
		baseCtx:       ctx,
		cancel:        cancel,
		logger:        log.New(os.Stderr, "[exostate] ", log.LstdFlags),
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpSrv = &http.Server{
		Handler:      s.middleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	return s
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("PUT /v0/namespace/{ns}/graph/{g}", s.handleUpsertGraph)
	mux.HandleFunc("GET /v0/namespace/{ns}/graph/{g}", s.handleGetGraph)
	mux.HandleFunc("GET /v0/namespace/{ns}/graphs/", s.handleListGraphs)
	mux.HandleFunc("PUT /v0/namespace/{ns}/nodes/", s.handleRegisterNodes)
	mux.HandleFunc("GET /v0/namespace/{ns}/nodes/", s.handleListNodes)
	mux.HandleFunc("POST /v0/namespace/{ns}/graph/{g}/trigger", s.handleTrigger)
	mux.HandleFunc("POST /v0/namespace/{ns}/states/enqueue", s.handleEnqueue)
	mux.HandleFunc("POST /v0/namespace/{ns}/state/{id}/executed", s.handleExecuted)
	mux.HandleFunc("POST /v0/namespace/{ns}/state/{id}/errored", s.handleErrored)
	mux.HandleFunc("POST /v0/namespace/{ns}/state/{id}/prune", s.handlePrune)
	mux.HandleFunc("POST /v0/namespace/{ns}/state/{id}/re-enqueue-after", s.handleReenqueueAfter)
	mux.HandleFunc("GET /v0/namespace/{ns}/state/{id}/secrets", s.handleSecrets)
	mux.HandleFunc("GET /v0/namespace/{ns}/runs/{page}/{size}", s.handleListRuns)
	mux.HandleFunc("GET /v0/namespace/{ns}/states/run/{run_id}/graph", s.handleRunGraph)
	mux.HandleFunc("GET /health", s.handleHealth)
}

// ListenAndServe starts the server, blocking until Shutdown (or a
// SIGINT/SIGTERM relayed by the caller's context) stops it.
func (s *Server) ListenAndServe(addr string) error {
	s.logger.Printf("listening on %s", addr)
	s.httpSrv.Addr = addr
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server and its background
// context.
func (s *Server) Shutdown() {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	_ = s.httpSrv.Shutdown(shutdownCtx)
	s.cancel()
}

// StartSweeper launches the optional lease-expiry sweeper (§4.6,
// DESIGN.md open question 2) in the background; a no-op if deadline
// is zero.
func (s *Server) StartSweeper(interval, deadline time.Duration) {
	sw := &scheduler.Sweeper{States: s.store.States(), Interval: interval, Deadline: deadline}
	go sw.Run(s.baseCtx)
}
