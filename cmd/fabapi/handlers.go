package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/taskfabric/fabric/internal/apperrors"
	"github.com/taskfabric/fabric/internal/logging"
	"github.com/taskfabric/fabric/pkg/coordinator"
	"github.com/taskfabric/fabric/pkg/queue"
	"github.com/taskfabric/fabric/pkg/registry"
	"github.com/taskfabric/fabric/pkg/store"
	"github.com/taskfabric/fabric/pkg/task"
)

// api holds the handlers' dependencies: the store for direct reads the
// higher-level components don't already expose, plus the Registry,
// Coordinator, and Queue Engine themselves.
type api struct {
	log   *logging.Logger
	store store.Store
	reg   *registry.Registry
	eng   *queue.Engine
	coord *coordinator.Coordinator
	hub   *hub
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) && appErr.StatusCode != 0 {
		status = appErr.StatusCode
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

type submitTaskRequest struct {
	Class        string         `json:"class"`
	Priority     task.Priority  `json:"priority"`
	Payload      []byte         `json:"payload"`
	PromptSuffix string         `json:"prompt_suffix,omitempty"`
	TimeoutMS    int64          `json:"timeout_ms"`
	MaxRetries   int            `json:"max_retries"`
	Context      map[string]any `json:"context,omitempty"`
}

func (a *api) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.NewValidationError("malformed task body: "+err.Error()))
		return
	}
	if req.Class == "" {
		writeError(w, apperrors.NewValidationError("class is required"))
		return
	}
	priority := req.Priority
	if priority == "" {
		priority = task.PriorityNormal
	}
	id, err := a.eng.Enqueue(r.Context(), task.Task{
		Class:        req.Class,
		Priority:     priority,
		Payload:      req.Payload,
		PromptSuffix: req.PromptSuffix,
		TimeoutMS:    req.TimeoutMS,
		MaxRetries:   req.MaxRetries,
		Context:      req.Context,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (a *api) getTask(w http.ResponseWriter, r *http.Request) {
	class := chi.URLParam(r, "class")
	id := chi.URLParam(r, "id")

	raw, ok, err := a.store.HGet(r.Context(), store.TasksKey(class), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, apperrors.NewNotFoundError("task", id))
		return
	}
	var t task.Task
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		writeError(w, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "unmarshal task"))
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type reprioritizeRequest struct {
	Priority task.Priority `json:"priority"`
	Reason   string        `json:"reason"`
}

func (a *api) reprioritizeTask(w http.ResponseWriter, r *http.Request) {
	class := chi.URLParam(r, "class")
	id := chi.URLParam(r, "id")

	var req reprioritizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.NewValidationError("malformed body: "+err.Error()))
		return
	}
	if err := a.eng.Reprioritize(r.Context(), class, id, req.Priority, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type pauseRequest struct {
	Reason string `json:"reason"`
}

func (a *api) pauseQueue(w http.ResponseWriter, r *http.Request) {
	class := chi.URLParam(r, "class")
	var req pauseRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if err := a.eng.Pause(r.Context(), class, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) resumeQueue(w http.ResponseWriter, r *http.Request) {
	class := chi.URLParam(r, "class")
	if err := a.eng.Resume(r.Context(), class); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) listAgents(w http.ResponseWriter, r *http.Request) {
	filter := task.DiscoverFilter{
		Class:      r.URL.Query().Get("class"),
		Capability: r.URL.Query().Get("capability"),
	}
	agents, err := a.reg.Discover(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

func (a *api) inspectLock(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, apperrors.NewValidationError("path query parameter is required"))
		return
	}
	insp, err := a.coord.Inspect(r.Context(), path)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, insp)
}
