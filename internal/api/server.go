// Package api exposes the admin/debug HTTP surface: session, worker and
// target management, page actions, workflow orchestration, and a raw
// protocol debug proxy.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/tabmux/tabmux/internal/registry"
	"github.com/tabmux/tabmux/internal/tools"
	"github.com/tabmux/tabmux/pkg/models"
)

// Server wires the HTTP routes to the core components.
type Server struct {
	log       *zap.Logger
	reg       *registry.Registry
	actions   *tools.Handler
	workflows *workflowStore
	limiter   *sessionLimiter
	router    *mux.Router

	// browserEndpoint is the http debugging base of the live browser, used
	// by the debug proxy to splice clients onto the protocol socket.
	browserEndpoint string

	staleThreshold int
}

type Options struct {
	BrowserEndpoint string
	StaleThreshold  int
	RequestsPerHour int
	Burst           int
}

func NewServer(log *zap.Logger, reg *registry.Registry, actions *tools.Handler, opts Options) *Server {
	s := &Server{
		log:             log,
		reg:             reg,
		actions:         actions,
		workflows:       newWorkflowStore(),
		limiter:         newSessionLimiter(opts.RequestsPerHour, opts.Burst),
		router:          mux.NewRouter(),
		browserEndpoint: opts.BrowserEndpoint,
		staleThreshold:  opts.StaleThreshold,
	}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.Use(s.rateLimitMiddleware)

	v1.HandleFunc("/sessions", s.handleCreateSession).Methods(http.MethodPost)
	v1.HandleFunc("/sessions", s.handleListSessions).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{id}", s.handleGetSession).Methods(http.MethodGet)

	v1.HandleFunc("/sessions/{id}/workers", s.handleCreateWorker).Methods(http.MethodPost)
	v1.HandleFunc("/sessions/{id}/workers/{workerId}", s.handleDeleteWorker).Methods(http.MethodDelete)

	v1.HandleFunc("/sessions/{id}/targets", s.handleCreateTarget).Methods(http.MethodPost)
	v1.HandleFunc("/sessions/{id}/targets/{targetId}", s.handleCloseTarget).Methods(http.MethodDelete)
	v1.HandleFunc("/sessions/{id}/targets/{targetId}/navigate", s.handleNavigate).Methods(http.MethodPost)
	v1.HandleFunc("/sessions/{id}/targets/{targetId}/snapshot", s.handleSnapshot).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{id}/targets/{targetId}/click", s.handleClick).Methods(http.MethodPost)
	v1.HandleFunc("/sessions/{id}/targets/{targetId}/evaluate", s.handleEvaluate).Methods(http.MethodPost)

	v1.HandleFunc("/sessions/{id}/workflows", s.handleCreateWorkflow).Methods(http.MethodPost)
	v1.HandleFunc("/workflows/{workflowId}", s.handleGetWorkflow).Methods(http.MethodGet)
	v1.HandleFunc("/workflows/{workflowId}/update", s.handleUpdateWorkflow).Methods(http.MethodPost)
	v1.HandleFunc("/workflows/{workflowId}/collect", s.handleCollectWorkflow).Methods(http.MethodPost)

	v1.HandleFunc("/sessions/{id}/debug/ws", s.handleDebugProxy).Methods(http.MethodGet)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	sess, err := s.reg.GetOrCreateSession(r.Context(), req.ID)
	if err != nil {
		s.writeInternal(w, "create session", err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.reg.ListSessions()})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.reg.GetSession(mux.Vars(r)["id"])
	if err != nil {
		s.writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleCreateWorker(w http.ResponseWriter, r *http.Request) {
	var req models.CreateWorkerRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	worker, err := s.reg.CreateWorker(r.Context(), mux.Vars(r)["id"], req)
	if err != nil {
		s.writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, worker)
}

func (s *Server) handleDeleteWorker(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.reg.DeleteWorker(r.Context(), vars["id"], vars["workerId"]); err != nil {
		s.writeRegistryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateTarget(w http.ResponseWriter, r *http.Request) {
	var req models.CreateTargetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	res, err := s.reg.CreateTarget(r.Context(), mux.Vars(r)["id"], req)
	if err != nil {
		s.writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleCloseTarget(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.reg.CloseTarget(r.Context(), vars["id"], vars["targetId"]); err != nil {
		s.writeInternal(w, "close target", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNavigate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	vars := mux.Vars(r)
	if err := s.actions.Navigate(r.Context(), vars["id"], vars["targetId"], req.URL); err != nil {
		s.writeActionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "navigated"})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	nodes, err := s.actions.Snapshot(r.Context(), vars["id"], vars["targetId"])
	if err != nil {
		s.writeActionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": nodes})
}

func (s *Server) handleClick(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Ref string `json:"ref"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Ref == "" {
		writeError(w, http.StatusBadRequest, "ref is required")
		return
	}
	vars := mux.Vars(r)
	if err := s.actions.Click(r.Context(), vars["id"], vars["targetId"], req.Ref); err != nil {
		s.writeActionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "clicked"})
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Expression string `json:"expression"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Expression == "" {
		writeError(w, http.StatusBadRequest, "expression is required")
		return
	}
	vars := mux.Vars(r)
	value, err := s.actions.Evaluate(r.Context(), vars["id"], vars["targetId"], req.Expression)
	if err != nil {
		s.writeActionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"value": value})
}

func (s *Server) writeRegistryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrSessionNotFound),
		errors.Is(err, registry.ErrWorkerNotFound),
		errors.Is(err, registry.ErrTargetNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, registry.ErrWorkerExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, registry.ErrDefaultWorker):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.writeInternal(w, "registry", err)
	}
}

func (s *Server) writeActionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrTargetNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, tools.ErrRefNotFound):
		writeError(w, http.StatusGone, err.Error())
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func (s *Server) writeInternal(w http.ResponseWriter, op string, err error) {
	s.log.Error(op+" failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
