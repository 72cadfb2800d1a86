package server

import (
	"net/http"
	"time"

	"github.com/wesm/sessiontrack/internal/auth"
	"github.com/wesm/sessiontrack/internal/tracking"
)

type pageTrackRequest struct {
	App       string `json:"app"`
	User      string `json:"user"`
	Page      string `json:"page"`
	TimeSpent int    `json:"timespent"`
	Time      string `json:"time,omitempty"`
}

type pageTrackResponse struct {
	Message   string    `json:"message"`
	Page      string    `json:"page"`
	TimeSpent int       `json:"timespent"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) handleTrackPage(w http.ResponseWriter, r *http.Request) {
	var req pageTrackRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	v, err := s.svc.RecordVisit(r.Context(), tracking.VisitInput{
		App:       req.App,
		User:      req.User,
		Page:      req.Page,
		TimeSpent: req.TimeSpent,
		Time:      req.Time,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pageTrackResponse{
		Message:   "Page visit tracked successfully",
		Page:      v.Page,
		TimeSpent: v.TimeSpent,
		Timestamp: v.Timestamp,
	})
}

func (s *Server) handlePageStats(
	w http.ResponseWriter, r *http.Request, _ *auth.Identity,
) {
	aggregate(w, r, s.engine.PageStats, nil)
}
