// Package api exposes the speech engine over HTTP
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/avatar-speech/internal/journal"
	"github.com/lexiqai/avatar-speech/internal/observability"
	"github.com/lexiqai/avatar-speech/internal/speech"
)

const maxBodyBytes = 64 << 10

// Engine is the part of speech.Engine the handlers drive
type Engine interface {
	Send(ctx context.Context, mode speech.Mode, text string) (*speech.Session, error)
	DefaultMode() speech.Mode
	Interrupt() bool
}

// History reads the utterance journal
type History interface {
	Recent(ctx context.Context, limit int) ([]journal.Entry, error)
	Get(ctx context.Context, id string) (*journal.Entry, error)
	Transitions(ctx context.Context, id string) ([]journal.Transition, error)
}

// SpeakRequest is the body of POST /speak
type SpeakRequest struct {
	Text string `json:"text"`
	Mode string `json:"mode,omitempty"` // "chat" or "direct"; empty uses the engine default
}

// SpeakResponse describes the accepted utterance
type SpeakResponse struct {
	SessionID   string    `json:"session_id"`
	Mode        string    `json:"mode"`
	Text        string    `json:"text"` // Text being spoken (the reply in chat mode)
	StartAt     time.Time `json:"start_at"`
	PreBufferMs int64     `json:"pre_buffer_ms"`
}

// InterruptResponse is the body returned by POST /interrupt
type InterruptResponse struct {
	Interrupted bool `json:"interrupted"`
}

// UtteranceSummary is one entry of GET /utterances
type UtteranceSummary struct {
	ID        string    `json:"id"`
	Mode      string    `json:"mode"`
	Text      string    `json:"text"`
	State     string    `json:"state"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// TransitionSummary is one state change of an utterance
type TransitionSummary struct {
	State  string    `json:"state"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// UtteranceDetail is the body of GET /utterances/{id}
type UtteranceDetail struct {
	UtteranceSummary
	CorrelationID string              `json:"correlation_id,omitempty"`
	StartAt       time.Time           `json:"start_at"`
	Transitions   []TransitionSummary `json:"transitions"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Handler serves the speech endpoints
type Handler struct {
	engine  Engine
	history History
	logger  zerolog.Logger
}

// NewHandler creates the handlers. history may be nil.
func NewHandler(engine Engine, history History, logger zerolog.Logger) *Handler {
	return &Handler{
		engine:  engine,
		history: history,
		logger:  logger,
	}
}

// Register mounts the endpoints on mux. renderer, when set, serves the
// renderer websocket at /renderer.
func (h *Handler) Register(mux *http.ServeMux, renderer http.Handler) {
	mux.HandleFunc("/speak", h.Speak)
	mux.HandleFunc("/interrupt", h.Interrupt)
	if h.history != nil {
		mux.HandleFunc("/utterances", h.Utterances)
		mux.HandleFunc("/utterances/{id}", h.Utterance)
	}
	if renderer != nil {
		mux.Handle("/renderer", renderer)
	}
}

// Speak handles POST /speak
func (h *Handler) Speak(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	correlationID := r.Header.Get(observability.CorrelationHeader)
	if correlationID == "" {
		correlationID = observability.NewCorrelationID()
	}
	logger := observability.WithCorrelationID(h.logger, correlationID)
	w.Header().Set(observability.CorrelationHeader, correlationID)

	var req SpeakRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	mode := h.engine.DefaultMode()
	if req.Mode != "" {
		m, err := speech.ParseMode(req.Mode)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		mode = m
	}

	ctx := observability.ContextWithCorrelationID(r.Context(), correlationID)
	session, err := h.engine.Send(ctx, mode, req.Text)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			logger.Error().Err(err).Msg("Failed to start utterance")
		}
		writeError(w, status, err.Error())
		return
	}

	u := session.Utterance()
	logger.Info().
		Str("session_id", u.ID).
		Str("mode", string(u.Mode)).
		Msg("Utterance accepted")

	writeJSON(w, http.StatusAccepted, SpeakResponse{
		SessionID:   u.ID,
		Mode:        string(u.Mode),
		Text:        u.Text,
		StartAt:     u.Start,
		PreBufferMs: u.PreBuffer.Milliseconds(),
	})
}

// Interrupt handles POST /interrupt
func (h *Handler) Interrupt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, InterruptResponse{Interrupted: h.engine.Interrupt()})
}

// Utterances handles GET /utterances?limit=N
func (h *Handler) Utterances(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	entries, err := h.history.Recent(r.Context(), limit)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list utterances")
		writeError(w, http.StatusInternalServerError, "failed to list utterances")
		return
	}

	out := make([]UtteranceSummary, 0, len(entries))
	for _, e := range entries {
		out = append(out, summarize(e))
	}
	writeJSON(w, http.StatusOK, out)
}

// Utterance handles GET /utterances/{id}
func (h *Handler) Utterance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	id := r.PathValue("id")
	entry, err := h.history.Get(r.Context(), id)
	if errors.Is(err, journal.ErrNotFound) {
		writeError(w, http.StatusNotFound, "utterance not found")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("session_id", id).Msg("Failed to load utterance")
		writeError(w, http.StatusInternalServerError, "failed to load utterance")
		return
	}

	history, err := h.history.Transitions(r.Context(), id)
	if err != nil {
		h.logger.Error().Err(err).Str("session_id", id).Msg("Failed to load transitions")
		writeError(w, http.StatusInternalServerError, "failed to load utterance")
		return
	}

	transitions := make([]TransitionSummary, 0, len(history))
	for _, t := range history {
		transitions = append(transitions, TransitionSummary{State: t.State, Detail: t.Detail, At: t.At})
	}
	writeJSON(w, http.StatusOK, UtteranceDetail{
		UtteranceSummary: summarize(*entry),
		CorrelationID:    entry.CorrelationID,
		StartAt:          entry.StartAt,
		Transitions:      transitions,
	})
}

func summarize(e journal.Entry) UtteranceSummary {
	return UtteranceSummary{
		ID:        e.ID,
		Mode:      e.Mode,
		Text:      e.Text,
		State:     e.State,
		Detail:    e.Detail,
		CreatedAt: e.CreatedAt,
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, speech.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, speech.ErrEmptyText), errors.Is(err, speech.ErrNoResponder):
		return http.StatusBadRequest
	case errors.Is(err, speech.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
