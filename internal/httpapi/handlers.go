package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"tutordash/internal/activity"
	"tutordash/internal/dashboard"
	"tutordash/internal/dispatch"
	"tutordash/internal/queue"
	"tutordash/internal/storage"
	logx "tutordash/pkg/logx"
)

const maxBodyBytes = 64 << 10

type connectionView struct {
	ConnectionID string    `json:"connectionId"`
	UserEmail    string    `json:"userEmail"`
	ConnectedAt  time.Time `json:"connectedAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

type errorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Debug("encode response failed", logx.Err(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := any(map[string]string{"status": "ok"})
	if s.deps.Health != nil {
		body = s.deps.Health()
	}
	s.writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Status == nil {
		s.writeError(w, http.StatusServiceUnavailable, "status writes are disabled")
		return
	}
	var u activity.Update
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&u); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed body: "+err.Error())
		return
	}

	res, err := s.deps.Status.Apply(r.Context(), u)
	var fe *activity.FieldError
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusAccepted, res)
	case errors.As(err, &fe):
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid update", Fields: fe.Fields})
	case errors.Is(err, activity.ErrInvalid):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, activity.ErrUnknownStudent):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, activity.ErrNoTutor):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.log.Error("status update failed", logx.String("student", u.StudentEmail), logx.Err(err))
		s.writeError(w, http.StatusInternalServerError, "status update failed")
	}
}

func modeParam(r *http.Request) (dashboard.Mode, bool) {
	return dashboard.ParseMode(strings.TrimSpace(r.URL.Query().Get("mode")))
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	if s.deps.Dispatcher == nil {
		s.writeError(w, http.StatusServiceUnavailable, "dispatch is disabled")
		return
	}
	mode, ok := modeParam(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "mode must be full or incremental")
		return
	}
	tutor := storage.NormalizeEmail(mux.Vars(r)["email"])
	out, err := s.deps.Dispatcher.Dispatch(r.Context(), tutor, mode)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusAccepted, out)
	case errors.Is(err, dispatch.ErrNoTutor):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, queue.ErrQueueFull):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.log.Error("on-demand dispatch failed", logx.String("tutor", tutor), logx.Err(err))
		s.writeError(w, http.StatusInternalServerError, "dispatch failed")
	}
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if s.deps.Collector == nil {
		s.writeError(w, http.StatusServiceUnavailable, "collector is disabled")
		return
	}
	mode, ok := modeParam(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "mode must be full or incremental")
		return
	}
	tutor := storage.NormalizeEmail(mux.Vars(r)["email"])
	if tutor == "" {
		s.writeError(w, http.StatusBadRequest, "tutor email is required")
		return
	}
	snap, err := s.deps.Collector.Collect(r.Context(), tutor, mode)
	if err != nil {
		s.log.Error("collect failed", logx.String("tutor", tutor), logx.Err(err))
		s.writeError(w, http.StatusInternalServerError, "collect failed")
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	if s.deps.Connections == nil {
		s.writeError(w, http.StatusServiceUnavailable, "registry is disabled")
		return
	}
	var (
		rows []storage.Connection
		err  error
	)
	if user := storage.NormalizeEmail(r.URL.Query().Get("user")); user != "" {
		rows, err = s.deps.Connections.ListActive(r.Context(), user)
	} else {
		rows, err = s.deps.Connections.ListAll(r.Context())
	}
	if err != nil {
		s.log.Error("list connections failed", logx.Err(err))
		s.writeError(w, http.StatusInternalServerError, "list connections failed")
		return
	}
	out := make([]connectionView, 0, len(rows))
	for _, c := range rows {
		out = append(out, connectionView{ConnectionID: c.ID, UserEmail: c.UserEmail, ConnectedAt: c.ConnectedAt, ExpiresAt: c.ExpiresAt})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"connections": out, "count": len(out)})
}

func (s *Server) handleDeleteConnection(w http.ResponseWriter, r *http.Request) {
	if s.deps.Connections == nil {
		s.writeError(w, http.StatusServiceUnavailable, "registry is disabled")
		return
	}
	id := strings.TrimSpace(mux.Vars(r)["id"])
	existed, err := s.deps.Connections.Unregister(r.Context(), id)
	if err != nil {
		s.log.Error("unregister failed", logx.String("connection_id", id), logx.Err(err))
		s.writeError(w, http.StatusInternalServerError, "unregister failed")
		return
	}
	kicked := false
	if s.deps.Kicker != nil {
		kicked = s.deps.Kicker.Kick(id)
	}
	if !existed && !kicked {
		s.writeError(w, http.StatusNotFound, "connection not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
