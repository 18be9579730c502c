package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/shehryarbajwa/browserpilot/internal/runner"
	"github.com/shehryarbajwa/browserpilot/internal/session"
	"github.com/shehryarbajwa/browserpilot/internal/store"
	"github.com/shehryarbajwa/browserpilot/pkg/models"
)

const maxBodySize = 64 * 1024

// SessionCreator starts new sessions.
type SessionCreator interface {
	CreateSession(req models.CreateSessionRequest) (models.SessionInfo, error)
}

// MemoryReader exposes the learning memory for a domain.
type MemoryReader interface {
	Hints(ctx context.Context, domain string) ([]string, error)
	Stats(ctx context.Context, domain string) (store.Stats, error)
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	registry *session.Registry
	creator  SessionCreator
	memory   MemoryReader
	version  string
	started  time.Time
}

// NewHandler creates a new HTTP handler. memory may be nil.
func NewHandler(registry *session.Registry, creator SessionCreator, memory MemoryReader, version string) *Handler {
	return &Handler{
		registry: registry,
		creator:  creator,
		memory:   memory,
		version:  version,
		started:  time.Now(),
	}
}

// CreateSession handles POST /v1/sessions
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req models.CreateSessionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	info, err := h.creator.CreateSession(req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

// ListSessions handles GET /v1/sessions. An optional phase query parameter
// filters the result.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	phase := models.Phase(strings.ToUpper(r.URL.Query().Get("phase")))

	sessions := h.registry.List()
	if phase != "" {
		filtered := sessions[:0]
		for _, s := range sessions {
			if s.Phase == phase {
				filtered = append(filtered, s)
			}
		}
		sessions = filtered
	}
	writeJSON(w, http.StatusOK, sessions)
}

// GetSession handles GET /v1/sessions/{id}
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.registry.Get(mux.Vars(r)["id"])
	if err != nil {
		writeErr(w, err)
		return
	}

	detail := models.SessionDetail{SessionInfo: sess.Info()}
	if result, ok := sess.Result(); ok {
		detail.Result = &result
	}
	writeJSON(w, http.StatusOK, detail)
}

// DeleteSession handles DELETE /v1/sessions/{id}
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Destroy(mux.Vars(r)["id"]); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SendCommand handles POST /v1/sessions/{id}/commands, the HTTP route for
// clients without a WebSocket.
func (h *Handler) SendCommand(w http.ResponseWriter, r *http.Request) {
	var cmd models.Command
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&cmd); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	info, err := h.registry.Command(mux.Vars(r)["id"], cmd)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, info)
}

// GetMemory handles GET /v1/memory/{domain}
func (h *Handler) GetMemory(w http.ResponseWriter, r *http.Request) {
	if h.memory == nil {
		writeError(w, http.StatusServiceUnavailable, "learning memory not configured")
		return
	}
	domain := strings.ToLower(mux.Vars(r)["domain"])

	stats, err := h.memory.Stats(r.Context(), domain)
	if err != nil {
		log.Error().Err(err).Str("domain", domain).Msg("read memory stats")
		writeError(w, http.StatusInternalServerError, "failed to read memory")
		return
	}
	hints, err := h.memory.Hints(r.Context(), domain)
	if err != nil {
		log.Error().Err(err).Str("domain", domain).Msg("read memory hints")
		writeError(w, http.StatusInternalServerError, "failed to read memory")
		return
	}
	if hints == nil {
		hints = []string{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"domain":    domain,
		"successes": stats.Successes,
		"failures":  stats.Failures,
		"hints":     hints,
	})
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"version":   h.version,
		"uptime":    time.Since(h.started).Round(time.Second).String(),
		"sessions":  h.registry.Len(),
		"observers": h.registry.ObserverCount(),
		"features": map[string]bool{
			"websocket": true,
			"sse":       true,
			"commands":  true,
			"memory":    h.memory != nil,
		},
	})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrCapacity):
		return http.StatusServiceUnavailable
	case errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, runner.ErrInvalidRequest), errors.Is(err, session.ErrInvalidCommand):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrFinished), errors.Is(err, session.ErrAlreadyExists):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("request failed")
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Debug().Err(err).Msg("write response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
