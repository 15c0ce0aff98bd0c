// Package api exposes the observation surface: a JSON status API, an SSE
// event stream, and a websocket bridge onto the event bus.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/bhanudas/sf-agentbench/internal/eventbus"
	"github.com/bhanudas/sf-agentbench/internal/eventstore"
	"github.com/bhanudas/sf-agentbench/internal/orgpool"
	"github.com/bhanudas/sf-agentbench/internal/scheduler"
	"github.com/bhanudas/sf-agentbench/internal/workerpool"
)

// Server is the HTTP API server
type Server struct {
	bus   *eventbus.Bus
	pool  *workerpool.Pool
	sched *scheduler.Scheduler
	orgs  *orgpool.Pool
	store *eventstore.Store
	addr  string
	mux   *http.ServeMux
	log   *zap.Logger

	sseHub  *SSEHub
	wsHub   *WSHub
	httpSrv *http.Server

	busToken int
}

// NewServer creates a new API server. store may be nil when event
// persistence is disabled.
func NewServer(bus *eventbus.Bus, pool *workerpool.Pool, sched *scheduler.Scheduler, orgs *orgpool.Pool, store *eventstore.Store, addr string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		bus:    bus,
		pool:   pool,
		sched:  sched,
		orgs:   orgs,
		store:  store,
		addr:   addr,
		mux:    http.NewServeMux(),
		log:    logger,
		sseHub: NewSSEHub(),
		wsHub:  NewWSHub(logger),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/status", s.statusHandler())
	s.mux.HandleFunc("/api/history", s.historyHandler())
	s.mux.HandleFunc("/api/units", s.unitsHandler())
	s.mux.HandleFunc("/api/orgs", s.orgsHandler())
	s.mux.HandleFunc("/api/command", s.commandHandler())
	s.mux.HandleFunc("/api/events", s.sseHandler())
	s.mux.HandleFunc("/ws", s.wsHandler())
}

// Start begins serving and bridges bus events to connected clients.
// It blocks until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	go s.sseHub.Run()
	go s.wsHub.Run()

	s.busToken = s.bus.SubscribeAll(func(ev eventbus.Event) {
		s.sseHub.Broadcast(ev)
		s.wsHub.Broadcast(ev)
	})

	s.httpSrv = &http.Server{Addr: s.addr, Handler: s.mux}
	s.log.Info("api server listening", zap.String("addr", s.addr))
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the listener and detaches from the bus
func (s *Server) Shutdown(ctx context.Context) error {
	s.bus.Unsubscribe(s.busToken)
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Handler returns the route mux, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.mux
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
