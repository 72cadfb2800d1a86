package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/wesm/sessiontrack/internal/analytics"
	"github.com/wesm/sessiontrack/internal/auth"
)

// parseQuery decodes an {app, user} body. App is required; a blank
// or "all" user aggregates every user of the app.
func parseQuery(w http.ResponseWriter, r *http.Request) (analytics.Query, bool) {
	var q analytics.Query
	if !decodeBody(w, r, &q, false) {
		return q, false
	}
	q.App = strings.TrimSpace(q.App)
	q.User = strings.TrimSpace(q.User)
	if q.App == "" {
		writeError(w, http.StatusBadRequest, "app is required")
		return q, false
	}
	return q, true
}

// aggregate runs one analytics operation and writes its result,
// passed through wrap when set.
func aggregate[T any](
	w http.ResponseWriter, r *http.Request,
	op func(context.Context, analytics.Query) (T, error),
	wrap func(T) any,
) {
	q, ok := parseQuery(w, r)
	if !ok {
		return
	}
	res, err := op(r.Context(), q)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if wrap != nil {
		writeJSON(w, http.StatusOK, wrap(res))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleHeatmap(
	w http.ResponseWriter, r *http.Request, _ *auth.Identity,
) {
	aggregate(w, r, s.engine.Heatmap, func(h *analytics.HeatmapResult) any {
		return map[string]any{"heatmap_data": h}
	})
}

func (s *Server) handleMostActive(
	w http.ResponseWriter, r *http.Request, _ *auth.Identity,
) {
	aggregate(w, r, s.engine.MostActive, nil)
}

func (s *Server) handleSessionStats(
	w http.ResponseWriter, r *http.Request, _ *auth.Identity,
) {
	aggregate(w, r, s.engine.Stats, nil)
}

func (s *Server) handleSummary(
	w http.ResponseWriter, r *http.Request, _ *auth.Identity,
) {
	aggregate(w, r, s.engine.Summary, nil)
}

func (s *Server) handleTimeline(
	w http.ResponseWriter, r *http.Request, _ *auth.Identity,
) {
	aggregate(w, r, s.engine.Timeline, nil)
}

func (s *Server) handleTimelineDetail(
	w http.ResponseWriter, r *http.Request, _ *auth.Identity,
) {
	aggregate(w, r, s.engine.DetailedTimeline, nil)
}

func (s *Server) handleDailyTimeSpent(
	w http.ResponseWriter, r *http.Request, _ *auth.Identity,
) {
	aggregate(w, r, s.engine.DailyTimeSpent, nil)
}

func (s *Server) handleTimeByPage(
	w http.ResponseWriter, r *http.Request, _ *auth.Identity,
) {
	aggregate(w, r, s.engine.TimeByPage, nil)
}

// Public variants serve dashboards without a token.

func (s *Server) handlePublicSummary(w http.ResponseWriter, r *http.Request) {
	aggregate(w, r, s.engine.Summary, nil)
}

func (s *Server) handlePublicTimeline(w http.ResponseWriter, r *http.Request) {
	aggregate(w, r, s.engine.Timeline, nil)
}
