package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"burstpub/internal/run"
	logx "burstpub/pkg/logx"
)

const maxBodyBytes = 1 << 16

// submitRequest uses pointers so a missing field is distinguishable from an
// explicit zero.
type submitRequest struct {
	MessageCount *int `json:"messageCount"`
	WorkTime     *int `json:"workTime"`
}

type submitResponse struct {
	RunID     string `json:"runId"`
	Error     string `json:"error,omitempty"`
	StatusURL string `json:"statusUrl,omitempty"`
}

type statusResponse struct {
	RunID      string     `json:"runId"`
	Status     string     `json:"status"` // running | succeeded | failed
	Error      string     `json:"error,omitempty"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Service) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/runs", s.handleSubmit)
	mux.HandleFunc("GET /api/runs/{id}", s.handleStatus)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	return mux
}

func (s *Service) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body: " + err.Error()})
		return
	}
	if req.MessageCount == nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "messageCount is required"})
		return
	}

	wait, explicit, err := s.waitFor(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	rq := run.Request{MessageCount: *req.MessageCount}
	if req.WorkTime != nil {
		rq.WorkTime = *req.WorkTime
	}

	runID, err := s.coord.StartRun(rq)
	switch {
	case errors.Is(err, run.ErrInvalidRequest):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	case errors.Is(err, run.ErrStopped):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "not accepting runs"})
		return
	case err != nil:
		s.log.Error("run submit failed", logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}

	// wait=0 is an explicit fire-and-forget.
	if explicit && wait == 0 {
		writeJSON(w, http.StatusAccepted, submitResponse{RunID: runID, StatusURL: statusURL(runID)})
		return
	}

	res, done, err := s.coord.Await(r.Context(), runID, wait)
	if err != nil || !done {
		// The run keeps going; the caller polls for the result.
		writeJSON(w, http.StatusAccepted, submitResponse{RunID: runID, StatusURL: statusURL(runID)})
		return
	}

	resp := submitResponse{RunID: runID}
	if !res.OK {
		resp.Error = res.Diagnostic
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")

	res, done, err := s.coord.Lookup(r.Context(), runID)
	switch {
	case errors.Is(err, run.ErrUnknownRun):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown run"})
		return
	case err != nil:
		s.log.Error("run lookup failed", logx.String("run_id", runID), logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}

	if !done {
		writeJSON(w, http.StatusAccepted, statusResponse{RunID: runID, Status: "running"})
		return
	}

	resp := statusResponse{RunID: res.RunID, Status: "succeeded"}
	if !res.OK {
		resp.Status = "failed"
		resp.Error = res.Diagnostic
	}
	if !res.Started.IsZero() {
		t := res.Started
		resp.StartedAt = &t
	}
	if !res.Finished.IsZero() {
		t := res.Finished
		resp.FinishedAt = &t
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) handleHealthz(w http.ResponseWriter, r *http.Request) {
	type health struct {
		Status string       `json:"status"`
		Runs   run.Snapshot `json:"runs"`
	}
	writeJSON(w, http.StatusOK, health{Status: "ok", Runs: s.coord.Snapshot()})
}

// waitFor resolves the effective wait for a submit: the "wait" query when
// present, the configured default otherwise. explicit reports whether the
// caller set it.
func (s *Service) waitFor(r *http.Request) (wait time.Duration, explicit bool, err error) {
	raw := r.URL.Query().Get("wait")
	if raw == "" {
		s.mu.Lock()
		d := s.cfg.DefaultWait
		s.mu.Unlock()
		return d, false, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, false, errors.New("wait must be a duration like 30s or 2m")
	}
	if d < 0 {
		return 0, false, errors.New("wait must be >= 0")
	}
	return d, true, nil
}

func statusURL(runID string) string {
	return "/api/runs/" + runID
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
