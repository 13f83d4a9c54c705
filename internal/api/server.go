// Package api implements the engine's HTTP/JSON control surface: read
// the population, inspect a strategy, tune live config, retire a
// strategy by hand, and stream the evolution log over a websocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/evostrat/engine/internal/config"
	"github.com/evostrat/engine/internal/evolog"
	"github.com/evostrat/engine/internal/registry"
	"github.com/evostrat/engine/pkg/model"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// SnapshotSource derives the population snapshot on demand; the
// scheduler implements it.
type SnapshotSource interface {
	Snapshot(ctx context.Context) (*model.PopulationSnapshot, error)
}

// Server is the engine's HTTP/WebSocket control surface.
type Server struct {
	logger *zap.Logger
	addr   string
	reg    *registry.Registry
	cfg    *config.Store
	log    *evolog.Log
	snap   SnapshotSource

	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client
}

// NewServer builds a Server listening on addr.
func NewServer(logger *zap.Logger, addr string, reg *registry.Registry, cfg *config.Store, log *evolog.Log) *Server {
	s := &Server{
		logger:  logger.Named("api"),
		addr:    addr,
		reg:     reg,
		cfg:     cfg,
		log:     log,
		router:  mux.NewRouter(),
		clients: make(map[string]*client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.setupRoutes()
	return s
}

// SetSnapshotSource wires the scheduler's snapshot view in after both
// are constructed (the scheduler itself depends on nothing here).
func (s *Server) SetSnapshotSource(src SnapshotSource) { s.snap = src }

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/api/v1/population", s.handleListPopulation).Methods("GET")
	s.router.HandleFunc("/api/v1/population/snapshot", s.handlePopulationSnapshot).Methods("GET")
	s.router.HandleFunc("/api/v1/strategies/{id}", s.handleGetStrategy).Methods("GET")
	s.router.HandleFunc("/api/v1/strategies/{id}/retire", s.handleRetireStrategy).Methods("POST")
	s.router.HandleFunc("/api/v1/config", s.handleListConfig).Methods("GET")
	s.router.HandleFunc("/api/v1/config/{key}", s.handleSetConfig).Methods("PUT")
	s.router.HandleFunc("/api/v1/events/recent", s.handleRecentEvents).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// Start launches the HTTP server; call in its own goroutine, it blocks
// until Stop shuts it down.
func (s *Server) Start() error {
	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	s.logger.Info("starting api server", zap.String("addr", s.addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully shuts down the HTTP server and every websocket client.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	for _, c := range s.clients {
		c.conn.Close()
	}
	s.mu.Unlock()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Router exposes the underlying mux.Router, mainly for tests that want
// to exercise handlers via httptest.NewServer without a real listener.
func (s *Server) Router() *mux.Router {
	return s.router
}

// EvolutionLog exposes the server's evolution log, mainly for tests that
// want to record an event and observe it over the websocket stream.
func (s *Server) EvolutionLog() *evolog.Log {
	return s.log
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"status": "healthy", "time": time.Now().Unix()})
}

// handleListPopulation returns the population, optionally filtered by
// tier/type/enabled query params.
func (s *Server) handleListPopulation(w http.ResponseWriter, r *http.Request) {
	f := registry.Filter{RetiredOK: r.URL.Query().Get("include_retired") == "true"}
	if t := r.URL.Query().Get("tier"); t != "" {
		n, err := strconv.Atoi(t)
		if err == nil {
			f.Tier = model.Tier(n)
			f.HasTier = true
		}
	}
	if typ := r.URL.Query().Get("type"); typ != "" {
		f.Type = model.StrategyType(typ)
		f.HasType = true
	}
	if en := r.URL.Query().Get("enabled"); en != "" {
		if b, err := strconv.ParseBool(en); err == nil {
			f.Enabled = &b
		}
	}
	strategies, err := s.reg.List(r.Context(), f)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"strategies": strategies, "count": len(strategies)})
}

func (s *Server) handlePopulationSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.snap == nil {
		http.Error(w, "snapshot source not configured", http.StatusServiceUnavailable)
		return
	}
	snap, err := s.snap.Snapshot(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, snap)
}

func (s *Server) handleGetStrategy(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	strat, err := s.reg.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			http.Error(w, "strategy not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, strat)
}

func (s *Server) handleRetireStrategy(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Reason == "" {
		body.Reason = "operator_retire"
	}
	if err := s.reg.Retire(r.Context(), id, body.Reason); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.log.Record(r.Context(), model.EvolutionEvent{Timestamp: time.Now().UTC(), StrategyID: id, Kind: model.EventEliminated, Reason: body.Reason})
	writeJSON(w, map[string]any{"id": id, "status": "retired"})
}

func (s *Server) handleListConfig(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]string, len(config.DefaultValues))
	for k := range config.DefaultValues {
		out[k] = s.cfg.Get(k)
	}
	writeJSON(w, out)
}

// handleSetConfig applies an operator-driven override to a live config
// key; any threshold can be overridden live.
func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	var body struct {
		Value  string `json:"value"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Reason == "" {
		body.Reason = "operator_override"
	}
	if err := s.cfg.Set(r.Context(), key, body.Value, body.Reason); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"key": key, "value": body.Value})
}

func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	n := 100
	if raw := r.URL.Query().Get("n"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			n = parsed
		}
	}
	writeJSON(w, map[string]any{"events": s.log.Recent(n)})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
