package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/gorilla/mux"

	"github.com/tabmux/tabmux/internal/workflow"
	"github.com/tabmux/tabmux/pkg/models"
)

// workflowStore tracks live workflows by id.
type workflowStore struct {
	mu   sync.RWMutex
	byID map[string]*workflow.Workflow
}

func newWorkflowStore() *workflowStore {
	return &workflowStore{byID: make(map[string]*workflow.Workflow)}
}

func (ws *workflowStore) add(wf *workflow.Workflow) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.byID[wf.ID] = wf
}

func (ws *workflowStore) get(id string) (*workflow.Workflow, bool) {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	wf, ok := ws.byID[id]
	return wf, ok
}

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Workers        []models.WorkerSpec `json:"workers"`
		StaleThreshold int                 `json:"staleThreshold,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Workers) == 0 {
		writeError(w, http.StatusBadRequest, "workers are required")
		return
	}

	sessionID := mux.Vars(r)["id"]
	if _, err := s.reg.GetSession(sessionID); err != nil {
		s.writeRegistryError(w, err)
		return
	}

	threshold := req.StaleThreshold
	if threshold <= 0 {
		threshold = s.staleThreshold
	}
	wf := workflow.New(s.log, s.reg, sessionID, workflow.WithStaleThreshold(threshold))
	if err := wf.Init(r.Context(), req.Workers); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.workflows.add(wf)

	writeJSON(w, http.StatusCreated, map[string]any{
		"workflowId": wf.ID,
		"state":      wf.State(),
		"workers":    wf.Results(),
	})
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, ok := s.workflows.get(mux.Vars(r)["workflowId"])
	if !ok {
		writeError(w, http.StatusNotFound, "workflow not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"workflowId": wf.ID,
		"state":      wf.State(),
		"workers":    wf.Results(),
	})
}

func (s *Server) handleUpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, ok := s.workflows.get(mux.Vars(r)["workflowId"])
	if !ok {
		writeError(w, http.StatusNotFound, "workflow not found")
		return
	}

	var req struct {
		Worker  string              `json:"worker"`
		Status  models.WorkerStatus `json:"status"`
		Payload json.RawMessage     `json:"payload,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Worker == "" || req.Status == "" {
		writeError(w, http.StatusBadRequest, "worker and status are required")
		return
	}

	if err := wf.Update(req.Worker, req.Status, req.Payload); err != nil {
		switch {
		case errors.Is(err, workflow.ErrUnknownWorker):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, workflow.ErrNotRunning):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": wf.State()})
}

func (s *Server) handleCollectWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, ok := s.workflows.get(mux.Vars(r)["workflowId"])
	if !ok {
		writeError(w, http.StatusNotFound, "workflow not found")
		return
	}

	q := r.URL.Query()
	if q.Get("partial") == "true" {
		results := wf.CollectPartial(q.Get("onlySuccessful") == "true")
		writeJSON(w, http.StatusOK, map[string]any{
			"state":   wf.State(),
			"workers": results,
			"partial": true,
		})
		return
	}

	results, err := wf.Collect(r.Context())
	if err != nil {
		writeError(w, http.StatusRequestTimeout, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state":   wf.State(),
		"workers": results,
	})
}
