package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/parley-labs/parley-core/internal/session"
)

type startRequest struct {
	Topic string `json:"topic"`
}

type lineRequest struct {
	Text string `json:"text"`
}

type stateResponse struct {
	SessionID        string `json:"session_id"`
	Phase            string `json:"phase"`
	Lines            int    `json:"lines"`
	GenerationFailed bool   `json:"generation_failed"`
	RecordingKind    string `json:"recording_kind"`
	RecordingPath    string `json:"recording_path,omitempty"`
}

func (r *Runtime) registerSessionRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /session/start", r.handleSessionStart)
	mux.HandleFunc("POST /session/line", r.handleSessionLine)
	mux.HandleFunc("POST /session/retry", r.handleSessionRetry)
	mux.HandleFunc("POST /session/edit/begin", r.handleEditBegin)
	mux.HandleFunc("POST /session/edit/end", r.handleEditEnd)
	mux.HandleFunc("POST /session/clip/start", r.handleClipStart)
	mux.HandleFunc("POST /session/clip/stop", r.handleClipStop)
	mux.HandleFunc("POST /session/speech", r.handleSessionSpeech)
	mux.HandleFunc("POST /session/perform", r.handleSessionPerform)
	mux.HandleFunc("POST /session/teardown", r.handleSessionTeardown)
	mux.HandleFunc("GET /session/state", r.handleSessionState)
}

func (r *Runtime) handleSessionStart(w http.ResponseWriter, req *http.Request) {
	var body startRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Topic == "" {
		http.Error(w, "topic is required", http.StatusBadRequest)
		return
	}
	if err := r.session.Begin(req.Context(), body.Topic); err != nil {
		writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (r *Runtime) handleSessionLine(w http.ResponseWriter, req *http.Request) {
	var body lineRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := r.session.SubmitUserLine(req.Context(), body.Text); err != nil {
		writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (r *Runtime) handleSessionRetry(w http.ResponseWriter, req *http.Request) {
	if err := r.session.RetryGeneration(req.Context()); err != nil {
		writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (r *Runtime) handleEditBegin(w http.ResponseWriter, _ *http.Request) {
	if err := r.session.BeginEditing(); err != nil {
		writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (r *Runtime) handleEditEnd(w http.ResponseWriter, _ *http.Request) {
	if err := r.session.EndEditing(); err != nil {
		writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (r *Runtime) handleClipStart(w http.ResponseWriter, _ *http.Request) {
	if err := r.session.StartUserClip(); err != nil {
		writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (r *Runtime) handleClipStop(w http.ResponseWriter, _ *http.Request) {
	if err := r.session.StopUserClip(); err != nil {
		writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (r *Runtime) handleSessionSpeech(w http.ResponseWriter, req *http.Request) {
	if err := r.session.SubmitUserSpeech(req.Context()); err != nil {
		writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleSessionPerform kicks the performance off in the background; the
// caller follows progress through bus events or /session/state.
func (r *Runtime) handleSessionPerform(w http.ResponseWriter, _ *http.Request) {
	if r.session.Phase() != session.PhaseScripting {
		writeSessionError(w, session.ErrBadPhase)
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.session.Perform(context.Background()); err != nil && !errors.Is(err, session.ErrBadPhase) {
			r.logger.Error("performance failed", slog.String("error", err.Error()))
		}
	}()
	w.WriteHeader(http.StatusAccepted)
}

func (r *Runtime) handleSessionTeardown(w http.ResponseWriter, _ *http.Request) {
	r.session.Teardown()
	w.WriteHeader(http.StatusOK)
}

func (r *Runtime) handleSessionState(w http.ResponseWriter, _ *http.Request) {
	resp := stateResponse{
		SessionID:        r.session.SessionID(),
		Phase:            string(r.session.Phase()),
		GenerationFailed: r.session.GenerationFailed(),
	}
	if scr := r.session.Script(); scr != nil {
		resp.Lines = scr.Len()
	}
	rec := r.session.Recording()
	resp.RecordingKind = rec.Kind
	resp.RecordingPath = rec.Path

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrRateLimited):
		http.Error(w, err.Error(), http.StatusTooManyRequests)
	case errors.Is(err, session.ErrSubmissionBusy):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, session.ErrBadPhase):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, session.ErrEmptyLine):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, session.ErrNoMicrophone),
		errors.Is(err, session.ErrNoRecognizer),
		errors.Is(err, session.ErrNoClip):
		http.Error(w, err.Error(), http.StatusPreconditionFailed)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
