package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/vanshika/fintrace/riskpipe/internal/analytics"
	"github.com/vanshika/fintrace/riskpipe/internal/domain"
	"github.com/vanshika/fintrace/riskpipe/internal/service"
)

// Submitter accepts transactions for asynchronous assessment.
type Submitter interface {
	Submit(ctx context.Context, body []byte) (service.Accepted, error)
}

// GraphReader answers the read-only graph analytics queries.
type GraphReader interface {
	FanIn(ctx context.Context, userID string) (analytics.FanIn, error)
	Cycle(ctx context.Context, userID string) (domain.Cycle, error)
}

// APIHandlers exposes HTTP handlers for the REST API.
type APIHandlers struct {
	logger *slog.Logger
	intake Submitter
	graph  GraphReader
}

// NewAPIHandlers constructs an APIHandlers instance. graph may be nil when the
// process runs without a graph store.
func NewAPIHandlers(logger *slog.Logger, intake Submitter, graph GraphReader) *APIHandlers {
	return &APIHandlers{
		logger: logger,
		intake: intake,
		graph:  graph,
	}
}

func (h *APIHandlers) assessTransaction(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read request body")
		return
	}

	accepted, err := h.intake.Submit(r.Context(), body)
	if err != nil {
		if errors.Is(err, service.ErrInvalidTransaction) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.ErrorContext(r.Context(), "failed to queue transaction", "error", err)
		writeError(w, http.StatusServiceUnavailable, "transaction queue unavailable")
		return
	}

	respondJSON(w, http.StatusAccepted, accepted)
}

type cycleResponse struct {
	UserID string       `json:"userId"`
	Cycle  domain.Cycle `json:"cycle"`
	Length int          `json:"length"`
}

func (h *APIHandlers) userFanIn(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.graphUser(w, r)
	if !ok {
		return
	}
	fan, err := h.graph.FanIn(r.Context(), userID)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to compute fan-in", "error", err, "userId", userID)
		writeError(w, http.StatusInternalServerError, "failed to compute fan-in")
		return
	}
	respondJSON(w, http.StatusOK, fan)
}

func (h *APIHandlers) userCycle(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.graphUser(w, r)
	if !ok {
		return
	}
	cycle, err := h.graph.Cycle(r.Context(), userID)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to search cycles", "error", err, "userId", userID)
		writeError(w, http.StatusInternalServerError, "failed to search cycles")
		return
	}
	respondJSON(w, http.StatusOK, cycleResponse{UserID: userID, Cycle: cycle, Length: cycle.Len()})
}

func (h *APIHandlers) graphUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	if h.graph == nil {
		writeError(w, http.StatusNotImplemented, "graph analytics are not enabled")
		return "", false
	}
	userID := strings.TrimSpace(chi.URLParam(r, "userId"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user ID is required")
		return "", false
	}
	return userID, true
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{
		"error": msg,
	})
}
