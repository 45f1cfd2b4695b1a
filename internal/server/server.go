package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"thermalign/internal/metrics"
	"thermalign/internal/orchestrator"
	"thermalign/internal/pipeline"
	"thermalign/internal/storage"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Runner starts an alignment run under a given id.
type Runner interface {
	RunWithID(ctx context.Context, runID, inputDir, outputDir string) (orchestrator.Summary, error)
}

// Subscriber publishes pair results as they complete.
type Subscriber interface {
	Subscribe() (<-chan pipeline.Result, func())
}

// Server exposes the run ledger, run submission and a live result feed.
type Server struct {
	addr   string
	store  *storage.Store
	runner Runner
	feed   Subscriber
	hub    *hub
	hubRun sync.Once
	log    *slog.Logger
	server *http.Server
	runCtx context.Context
}

// NewServer creates a server. store may be nil, in which case ledger
// endpoints answer 503.
func NewServer(addr string, store *storage.Store, runner Runner, feed Subscriber, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		addr:   addr,
		store:  store,
		runner: runner,
		feed:   feed,
		hub:    newHub(log),
		log:    log,
		runCtx: context.Background(),
	}
}

// Start serves until ctx is cancelled. Runs submitted over HTTP are
// cancelled with it.
func (s *Server) Start(ctx context.Context) error {
	s.runCtx = ctx
	s.startHub(ctx)
	if s.feed != nil {
		go s.pumpResults(ctx)
	}

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down server...")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("Server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Handler returns the routed HTTP handler. The stream hub is started on first
// use, bound to the context passed to Start or to a background context when
// the handler is served directly.
func (s *Server) Handler() http.Handler {
	s.startHub(s.runCtx)
	r := mux.NewRouter()
	r.Use(metrics.Middleware)
	s.setupRoutes(r)
	return r
}

func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/runs", s.handleRuns).Methods("GET")
	r.HandleFunc("/runs", s.handleStartRun).Methods("POST")
	r.HandleFunc("/runs/{id}", s.handleRun).Methods("GET")
	r.HandleFunc("/runs/{id}/pairs", s.handleRunPairs).Methods("GET")
	r.HandleFunc("/stream", s.handleStream).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
}

func (s *Server) startHub(ctx context.Context) {
	s.hubRun.Do(func() { go s.hub.run(ctx) })
}

// Serve is a convenience wrapper around NewServer and Start.
func Serve(ctx context.Context, addr string, store *storage.Store, runner Runner, feed Subscriber, log *slog.Logger) error {
	return NewServer(addr, store, runner, feed, log).Start(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := s.store.RecentRuns(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	rec, err := s.store.Run(mux.Vars(r)["id"])
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRunPairs(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	id := mux.Vars(r)["id"]
	if _, err := s.store.Run(id); errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	recs, err := s.store.RunPairs(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []storage.PairRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

type startRunRequest struct {
	InputDir  string `json:"input_dir"`
	OutputDir string `json:"output_dir"`
}

type startRunResponse struct {
	ID string `json:"id"`
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		http.Error(w, "runs cannot be started on this server", http.StatusServiceUnavailable)
		return
	}
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.InputDir == "" || req.OutputDir == "" {
		http.Error(w, "input_dir and output_dir are required", http.StatusBadRequest)
		return
	}

	runID := orchestrator.NewRunID()
	go func() {
		if _, err := s.runner.RunWithID(s.runCtx, runID, req.InputDir, req.OutputDir); err != nil {
			s.log.Error("run failed", "run", runID, "error", err)
		}
	}()
	s.log.Info("run queued", "run", runID, "input", req.InputDir, "output", req.OutputDir)
	writeJSON(w, http.StatusAccepted, startRunResponse{ID: runID})
}

func (s *Server) requireStore(w http.ResponseWriter) bool {
	if s.store == nil {
		http.Error(w, "run ledger disabled", http.StatusServiceUnavailable)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
