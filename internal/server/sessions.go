package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/wesm/sessiontrack/internal/auth"
	"github.com/wesm/sessiontrack/internal/timeutil"
	"github.com/wesm/sessiontrack/internal/tracking"
)

// sessionRequest is the body of the lifecycle endpoints. Status is
// accepted for compatibility with older clients and ignored.
type sessionRequest struct {
	App       string `json:"app"`
	User      string `json:"user"`
	SessionID string `json:"session_id"`
	Time      string `json:"time"`
	Status    string `json:"status,omitempty"`
}

// command builds the tracking command. The body user wins over
// the token user so trusted backends can act on behalf of others.
func (req sessionRequest) command(id *auth.Identity) tracking.Command {
	user := strings.TrimSpace(req.User)
	if user == "" && id != nil {
		user = id.User
	}
	return tracking.Command{
		App:       req.App,
		User:      user,
		SessionID: req.SessionID,
		Time:      req.Time,
	}
}

type sessionStartResponse struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	StartTime time.Time `json:"start_time"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
}

type sessionOperationResponse struct {
	SessionID              string    `json:"session_id"`
	Status                 string    `json:"status"`
	Timestamp              time.Time `json:"timestamp"`
	TotalActiveTimeSeconds float64   `json:"total_active_time_seconds"`
	Message                string    `json:"message"`
}

type sessionEndResponse struct {
	SessionID              string    `json:"session_id"`
	UserID                 string    `json:"user_id"`
	StartTime              time.Time `json:"start_time"`
	EndTime                time.Time `json:"end_time"`
	TotalActiveTime        string    `json:"total_active_time"`
	TotalActiveTimeSeconds float64   `json:"total_active_time_seconds"`
	Message                string    `json:"message"`
}

func (s *Server) handleStartSession(
	w http.ResponseWriter, r *http.Request, id *auth.Identity,
) {
	var req sessionRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	sess, err := s.svc.Start(r.Context(), req.command(id))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionStartResponse{
		SessionID: sess.ID,
		UserID:    sess.User,
		StartTime: sess.CreatedAt,
		Status:    string(sess.Status),
		Message:   "Session started successfully",
	})
}

func (s *Server) handlePauseSession(
	w http.ResponseWriter, r *http.Request, id *auth.Identity,
) {
	s.handleOperation(w, r, id, s.svc.Pause, "Session paused successfully")
}

func (s *Server) handleResumeSession(
	w http.ResponseWriter, r *http.Request, id *auth.Identity,
) {
	s.handleOperation(w, r, id, s.svc.Resume, "Session resumed successfully")
}

func (s *Server) handleOperation(
	w http.ResponseWriter, r *http.Request, id *auth.Identity,
	op func(context.Context, tracking.Command) (*tracking.Session, error),
	msg string,
) {
	var req sessionRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	sess, err := op(r.Context(), req.command(id))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionOperationResponse{
		SessionID:              sess.ID,
		Status:                 string(sess.Status),
		Timestamp:              sess.LastEventTime(),
		TotalActiveTimeSeconds: sess.TotalActiveTime,
		Message:                msg,
	})
}

func (s *Server) handleEndSession(
	w http.ResponseWriter, r *http.Request, id *auth.Identity,
) {
	var req sessionRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	sess, err := s.svc.End(r.Context(), req.command(id))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	resp := sessionEndResponse{
		SessionID:              sess.ID,
		UserID:                 sess.User,
		StartTime:              sess.CreatedAt,
		TotalActiveTime:        timeutil.ISODuration(sess.TotalActiveTime),
		TotalActiveTimeSeconds: sess.TotalActiveTime,
		Message:                "Session ended successfully",
	}
	if sess.EndedAt != nil {
		resp.EndTime = *sess.EndedAt
	}
	writeJSON(w, http.StatusOK, resp)
}
