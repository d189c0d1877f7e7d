package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ktr0328/orchestrator-core/internal/catalog"
	"github.com/ktr0328/orchestrator-core/internal/controlplane"
	"github.com/ktr0328/orchestrator-core/internal/store"
)

// Handler wires HTTP requests to the control plane.
type Handler struct {
	cp        *controlplane.ControlPlane
	startedAt time.Time
	version   string
}

type apiErrorPayload struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

type apiErrorResponse struct {
	Error apiErrorPayload `json:"error"`
}

type launchRequest struct {
	Input          map[string]any `json:"input"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type preferencesPatch struct {
	RecipeDefaults    map[string]map[string]any `json:"recipe_defaults,omitempty"`
	WorkerConcurrency map[string]int            `json:"worker_concurrency,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Upgrades are accepted from any origin; no Origin check is made.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NewHandler creates a Handler bound to cp.
func NewHandler(cp *controlplane.ControlPlane, startedAt time.Time, version string) *Handler {
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	if version == "" {
		version = Version
	}
	return &Handler{cp: cp, startedAt: startedAt, version: version}
}

// Register registers all HTTP routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/v1/recipes", h.handleRecipes)
	mux.HandleFunc("/v1/recipes/", h.handleRecipeLaunch)
	mux.HandleFunc("/v1/jobs", h.handleJobs)
	mux.HandleFunc("/v1/jobs/", h.handleJobOps)
	mux.HandleFunc("/v1/dashboard", h.handleDashboard)
	mux.HandleFunc("/v1/preferences", h.handlePreferences)
	mux.HandleFunc("/v1/events", h.handleEvents)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"version":    h.version,
		"uptime_sec": time.Since(h.startedAt).Seconds(),
	})
}

// handleRecipes lists every recipe in the catalog.
func (h *Handler) handleRecipes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recipes": h.cp.Recipes()})
}

// handleRecipeLaunch launches a recipe at POST /v1/recipes/{id}/launch.
func (h *Handler) handleRecipeLaunch(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/recipes/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "launch" {
		writeNotFound(w)
		return
	}
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	recipeID := parts[0]

	defer r.Body.Close()
	var req launchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("invalid payload: %v", err), nil)
		return
	}

	result, err := h.cp.LaunchRecipe(r.Context(), recipeID, req.Input, catalog.BuildOptions{IdempotencyKey: req.IdempotencyKey})
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

// handleJobs lists every known job.
func (h *Handler) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	jobs, err := h.cp.Jobs()
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "store_error", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (h *Handler) handleJobOps(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/jobs/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		writeNotFound(w)
		return
	}
	jobID := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		h.getJob(w, jobID)
		return
	}

	action := parts[1]
	switch action {
	case "cancel":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		h.cancelJob(w, r, jobID)
	case "retry":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		h.retryJob(w, r, jobID)
	default:
		writeNotFound(w)
	}
}

// getJob fetches one job by id.
func (h *Handler) getJob(w http.ResponseWriter, jobID string) {
	job, err := h.cp.Job(jobID)
	if err != nil {
		handleJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

// cancelJob requests cancellation of one job.
func (h *Handler) cancelJob(w http.ResponseWriter, r *http.Request, jobID string) {
	defer r.Body.Close()
	var payload cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("invalid payload: %v", err), nil)
		return
	}
	ok, message := h.cp.CancelJob(jobID, payload.Reason)
	writeJSON(w, http.StatusOK, map[string]any{"ok": ok, "message": message})
}

// retryJob resubmits a failed or cancelled job carrying its last input forward.
func (h *Handler) retryJob(w http.ResponseWriter, r *http.Request, jobID string) {
	result, err := h.cp.RetryJob(r.Context(), jobID)
	if err != nil {
		handleJobError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

// handleDashboard returns the current dashboard snapshot.
func (h *Handler) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	snapshot, err := h.cp.DashboardSnapshot()
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "store_error", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": snapshot})
}

// handlePreferences reads or patches saved recipe defaults and worker
// concurrency preferences.
func (h *Handler) handlePreferences(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, h.cp.Preferences())
	case http.MethodPost, http.MethodPatch:
		h.updatePreferences(w, r)
	default:
		writeMethodNotAllowed(w)
	}
}

func (h *Handler) updatePreferences(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var patch preferencesPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil && !errors.Is(err, io.EOF) {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("invalid payload: %v", err), nil)
		return
	}
	for recipeID, defaults := range patch.RecipeDefaults {
		if err := h.cp.UpdateRecipeDefaults(recipeID, defaults); err != nil {
			writeAPIError(w, http.StatusInternalServerError, "store_error", err.Error(), nil)
			return
		}
	}
	for worker, n := range patch.WorkerConcurrency {
		if err := h.cp.UpdateWorkerConcurrency(worker, n); err != nil {
			writeAPIError(w, http.StatusInternalServerError, "store_error", err.Error(), nil)
			return
		}
	}
	writeJSON(w, http.StatusOK, h.cp.Preferences())
}

// handleEvents streams engine events over a websocket: the backlog
// (optionally filtered to job_id) replays first, then live events stream
// until the client disconnects.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	jobID := r.URL.Query().Get("job_id")
	var backlogLimit int
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			backlogLimit = n
		}
	}

	for _, evt := range h.cp.Events(jobID, backlogLimit) {
		if err := conn.WriteJSON(evt); err != nil {
			return
		}
	}

	ch, unsubscribe := h.cp.Subscribe()
	defer unsubscribe()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if jobID != "" && evt.JobID != jobID {
				continue
			}
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func handleJobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrJobNotFound):
		writeAPIError(w, http.StatusNotFound, "not_found", err.Error(), nil)
	default:
		writeAPIError(w, http.StatusBadRequest, "invalid_request", err.Error(), nil)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, status int, code, message string, details interface{}) {
	writeJSON(w, status, apiErrorResponse{Error: apiErrorPayload{Code: code, Message: message, Details: details}})
}

func writeNotFound(w http.ResponseWriter) {
	writeAPIError(w, http.StatusNotFound, "not_found", "resource not found", nil)
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", nil)
}
