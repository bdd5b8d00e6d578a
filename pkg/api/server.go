package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/sentinelops/taskforge/pkg/limits"
	"github.com/sentinelops/taskforge/pkg/log"
	"github.com/sentinelops/taskforge/pkg/manager"
	"github.com/sentinelops/taskforge/pkg/metrics"
	"github.com/sentinelops/taskforge/pkg/translator"
	"github.com/sentinelops/taskforge/pkg/types"
)

// Translator is the slice of the task translator the API needs.
type Translator interface {
	Translate(ctx context.Context, request string) (types.Task, error)
}

var _ Translator = (*translator.Translator)(nil)

// Config wires the API server to the rest of the system.
type Config struct {
	Manager    *manager.Manager
	Translator Translator
	Counters   *metrics.Counters
}

// Server is the HTTP/JSON facade over the task manager.
type Server struct {
	mgr        *manager.Manager
	translator Translator
	counters   *metrics.Counters
	mux        *http.ServeMux
	http       *http.Server
	logger     zerolog.Logger
}

// NewServer builds the API server and registers its routes.
func NewServer(cfg Config) *Server {
	counters := cfg.Counters
	if counters == nil {
		counters = metrics.Default
	}
	s := &Server{
		mgr:        cfg.Manager,
		translator: cfg.Translator,
		counters:   counters,
		mux:        http.NewServeMux(),
		logger:     log.WithComponent("api"),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", metrics.Handler())
	s.mux.HandleFunc("GET /metrics/counters", s.handleCounters)

	s.mux.HandleFunc("POST /translate", s.handleTranslate)

	s.mux.HandleFunc("POST /task", s.handleCreateTask)
	s.mux.HandleFunc("GET /tasks", s.handleListTasks)
	s.mux.HandleFunc("GET /task/{id}", s.handleGetTask)
	s.mux.HandleFunc("PUT /task/{id}/stop", s.handleStopTask)
	s.mux.HandleFunc("PUT /task/{id}/complete", s.handleCompleteTask)
	s.mux.HandleFunc("POST /task/{id}/restart", s.handleRestartTask)
	s.mux.HandleFunc("GET /task/{id}/tree", s.handleTaskTree)
	s.mux.HandleFunc("GET /task/{id}/graph", s.handleTaskGraph)

	s.mux.HandleFunc("GET /node/{id}", s.handleGetNode)
	s.mux.HandleFunc("GET /node/{id}/log", s.handleNodeLog)
	s.mux.HandleFunc("PUT /node/{id}/stop", s.handleStopNode)
	s.mux.HandleFunc("PUT /node/{id}/complete", s.handleCompleteNode)
	s.mux.HandleFunc("PUT /node/{id}/start", s.handleStartNode)
	s.mux.HandleFunc("POST /node/{id}/restart", s.handleRestartNode)
	s.mux.HandleFunc("DELETE /node/{id}", s.handleRemoveNode)

	s.mux.HandleFunc("GET /limits", s.handleGetLimits)
	s.mux.HandleFunc("PUT /limits", s.handleSetLimits)
}

// Handler returns the instrumented root handler.
func (s *Server) Handler() http.Handler {
	return s.instrument(s.mux)
}

// Start serves the API on addr and blocks until the server stops.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Info().Str("addr", addr).Msg("api listening")
	return s.http.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// statusRecorder captures the response code for the request metric.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now(),
	})
}

func (s *Server) handleCounters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.counters.Snapshot())
}

func (s *Server) handleTranslate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Request string `json:"request"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Request == "" {
		writeError(w, http.StatusBadRequest, "body must be {\"request\": \"...\"}")
		return
	}
	if s.translator == nil {
		writeError(w, http.StatusServiceUnavailable, "translator not configured")
		return
	}

	task, err := s.translator.Translate(r.Context(), body.Request)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// handleCreateTask accepts either a structured task or a free-text request
// that is translated first.
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		types.Task
		Request string `json:"request"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	task := body.Task
	if task.Abstract == "" {
		if body.Request == "" {
			writeError(w, http.StatusBadRequest, "provide a task or a request to translate")
			return
		}
		if s.translator == nil {
			writeError(w, http.StatusServiceUnavailable, "translator not configured")
			return
		}
		var err error
		task, err = s.translator.Translate(r.Context(), body.Request)
		if err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
	}

	taskID, err := s.mgr.CreateTask(task)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.mgr.ListAllTasks())
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	view, ok := s.mgr.GetTaskStatus(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleStopTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.mgr.CancelTask(id) {
		writeJSON(w, http.StatusOK, map[string]string{"task_id": id, "status": "cancelled"})
		return
	}
	if _, ok := s.mgr.GetTaskStatus(id); !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"task_id": id, "status": "no-op"})
}

func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.mgr.MarkTaskComplete(id) {
		writeError(w, http.StatusConflict, "task not found or already terminal")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"task_id": id, "status": "completed"})
}

func (s *Server) handleRestartTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Comments string `json:"comments"`
	}
	decodeOptional(r, &body)

	newID, err := s.mgr.RestartTask(r.PathValue("id"), body.Comments)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": newID})
}

func (s *Server) handleTaskTree(w http.ResponseWriter, r *http.Request) {
	nodes, ok := s.mgr.GetTaskNodes(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (s *Server) handleTaskGraph(w http.ResponseWriter, r *http.Request) {
	graph, ok := s.mgr.GetTaskGraph(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, graph)
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.mgr.GetNodeDetails(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "node not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleNodeLog(w http.ResponseWriter, r *http.Request) {
	logText, err := s.mgr.GetNodeLog(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, logText)
}

func (s *Server) handleStopNode(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.mgr.CancelNode(id) {
		writeError(w, http.StatusNotFound, "node not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"node_id": id, "status": "cancelled"})
}

func (s *Server) handleCompleteNode(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.mgr.MarkNodeComplete(id) {
		writeError(w, http.StatusConflict, "node not found or already terminal")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"node_id": id, "status": "completed"})
}

func (s *Server) handleStartNode(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.mgr.ForceStartNode(id); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"node_id": id, "status": "working"})
}

func (s *Server) handleRestartNode(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Comments string `json:"comments"`
	}
	decodeOptional(r, &body)

	newID, err := s.mgr.RestartNode(r.PathValue("id"), body.Comments)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"node_id": newID})
}

func (s *Server) handleRemoveNode(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.mgr.RemoveNode(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"node_id": id, "status": "removed"})
}

func (s *Server) handleGetLimits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, limits.Get().Wire())
}

// handleSetLimits overlays the request document onto the current limits
// and installs the result atomically.
func (s *Server) handleSetLimits(w http.ResponseWriter, r *http.Request) {
	var wire limits.Wire
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	updated := wire.Overlay(limits.Get())
	limits.Set(updated)
	s.logger.Info().Msg("limits updated via api")
	writeJSON(w, http.StatusOK, updated.Wire())
}

func decodeOptional(r *http.Request, v any) {
	if r.Body == nil {
		return
	}
	_ = json.NewDecoder(r.Body).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
