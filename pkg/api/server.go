package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/ritzau/asset-pipeline/pkg/depgraph"
	"github.com/ritzau/asset-pipeline/pkg/logging"
	"github.com/ritzau/asset-pipeline/pkg/processor"
	"github.com/ritzau/asset-pipeline/pkg/pubsub"
)

// Server exposes the processor's status queries and event streams over
// HTTP. It is read-only; nothing here mutates processor state.
type Server struct {
	router    *mux.Router
	manager   *processor.Manager
	graph     *depgraph.DependencyGraph
	publisher pubsub.Publisher
}

// Topics clients may stream over SSE. The job dispatch topic is
// deliberately absent; it belongs to the compile tier.
var subscribableTopics = map[string]bool{
	pubsub.TopicAssetMessage:     true,
	pubsub.TopicIdleState:        true,
	pubsub.TopicNumRemainingJobs: true,
	pubsub.TopicJobStatus:        true,
}

// NewServer creates the API server
func NewServer(manager *processor.Manager, graph *depgraph.DependencyGraph, publisher pubsub.Publisher) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		manager:   manager,
		graph:     graph,
		publisher: publisher,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/subscribe/{topic}", s.handleSubscribe).Methods("GET")

	s.router.HandleFunc("/api/jobs", s.handleJobs).Methods("GET")
	s.router.HandleFunc("/api/jobs/{runKey}/log", s.handleJobLog).Methods("GET")
	s.router.HandleFunc("/api/paths/product", s.handleProductPath).Methods("GET")
	s.router.HandleFunc("/api/paths/source", s.handleSourcePath).Methods("GET")
	s.router.HandleFunc("/api/status", s.handleStatus).Methods("GET")
	s.router.HandleFunc("/api/cycles", s.handleCycles).Methods("GET")
}

// handleJobs answers job status queries by run key or source path
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	req := processor.AssetJobsInfoRequest{
		SourcePath: r.URL.Query().Get("source"),
	}
	if raw := r.URL.Query().Get("runKey"); raw != "" {
		runKey, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid runKey", http.StatusBadRequest)
			return
		}
		req.JobRunKey = runKey
	}
	if req.JobRunKey == 0 && req.SourcePath == "" {
		http.Error(w, "runKey or source required", http.StatusBadRequest)
		return
	}

	resp := s.manager.ProcessGetAssetJobsInfoRequest(req)
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleJobLog(w http.ResponseWriter, r *http.Request) {
	runKey, err := strconv.ParseUint(mux.Vars(r)["runKey"], 10, 64)
	if err != nil {
		http.Error(w, "invalid runKey", http.StatusBadRequest)
		return
	}

	resp := s.manager.ProcessGetAssetJobLogRequest(processor.AssetJobLogRequest{JobRunKey: runKey})
	if !resp.Found {
		http.Error(w, "log not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, resp.Log)
}

// handleProductPath maps a full source or product path to the relative
// product path clients address assets by
func (s *Server) handleProductPath(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		http.Error(w, "path required", http.StatusBadRequest)
		return
	}
	rel, ok := s.manager.GetRelativeProductPathFromFullSourceOrProductPath(path)
	if !ok {
		http.Error(w, "path not in any scan folder or the cache", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"relativePath": rel})
}

// handleSourcePath maps a relative product path back to its source
func (s *Server) handleSourcePath(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		http.Error(w, "path required", http.StatusBadRequest)
		return
	}
	abs, ok := s.manager.GetFullSourcePathFromRelativeProductPath(path)
	if !ok {
		http.Error(w, "no source known for product path", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"sourcePath": abs})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"idle":          s.manager.IsIdle(),
		"remainingJobs": s.manager.RemainingJobs(),
	})
}

func (s *Server) handleCycles(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	cycles := s.graph.Cycles()
	if cycles == nil {
		cycles = []depgraph.Cycle{}
	}
	json.NewEncoder(w).Encode(cycles)
}

// handleSubscribe streams a topic's events as Server-Sent Events
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	topic := mux.Vars(r)["topic"]
	if !subscribableTopics[topic] {
		http.Error(w, "unknown topic", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	// Initial comment establishes the stream (Safari compatibility)
	fmt.Fprintf(w, ": connected\n\n")
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}

	sub, err := s.publisher.Subscribe(r.Context(), topic)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer sub.Close()

	for event := range sub.Events() {
		if err := pubsub.WriteSSE(w, event); err != nil {
			logging.Debug("SSE client disconnected", "topic", topic, "error", err)
			return
		}
		if flusher, ok := w.(http.Flusher); ok {
			flusher.Flush()
		}
	}
}

// Start serves the API on the given port, blocking until the listener fails
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	logging.Info("API server listening", "addr", addr)
	return http.ListenAndServe(addr, s.router)
}
