package analytics

import (
	"sort"
	"time"

	"github.com/wesm/sessiontrack/internal/timeutil"
	"github.com/wesm/sessiontrack/internal/tracking"
)

// --- Summary ---

// SessionDuration identifies one session and its active time.
type SessionDuration struct {
	SessionID string  `json:"session_id"`
	Duration  float64 `json:"duration"`
}

// SummaryResult aggregates durations in seconds, with ISO-8601 and
// minute renderings alongside.
type SummaryResult struct {
	TotalSessions            int             `json:"total_sessions"`
	TotalDuration            float64         `json:"total_duration"`
	TotalDurationFormatted   string          `json:"total_duration_formatted"`
	TotalDurationMinutes     float64         `json:"total_duration_minutes"`
	AverageDuration          float64         `json:"average_duration"`
	AverageDurationFormatted string          `json:"average_duration_formatted"`
	AverageDurationMinutes   float64         `json:"average_duration_minutes"`
	LongestSession           SessionDuration `json:"longest_session"`
	ShortestSession          SessionDuration `json:"shortest_session"`
}

// ComputeSummary totals every session's persisted active time.
// Longest and shortest consider ended sessions only and stay zero
// when none have ended.
func ComputeSummary(sessions []tracking.Session) *SummaryResult {
	res := &SummaryResult{TotalSessions: len(sessions)}

	var longest, shortest *tracking.Session
	for i := range sessions {
		s := &sessions[i]
		res.TotalDuration += s.TotalActiveTime
		if s.Status != tracking.StatusEnded {
			continue
		}
		if longest == nil || s.TotalActiveTime > longest.TotalActiveTime ||
			(s.TotalActiveTime == longest.TotalActiveTime && s.ID < longest.ID) {
			longest = s
		}
		if shortest == nil || s.TotalActiveTime < shortest.TotalActiveTime ||
			(s.TotalActiveTime == shortest.TotalActiveTime && s.ID < shortest.ID) {
			shortest = s
		}
	}
	if res.TotalSessions > 0 {
		res.AverageDuration = round2(
			res.TotalDuration / float64(res.TotalSessions),
		)
	}
	res.TotalDurationFormatted = timeutil.ISODuration(res.TotalDuration)
	res.TotalDurationMinutes = minutes(res.TotalDuration)
	res.AverageDurationFormatted = timeutil.ISODuration(res.AverageDuration)
	res.AverageDurationMinutes = minutes(res.AverageDuration)
	if longest != nil {
		res.LongestSession = SessionDuration{longest.ID, longest.TotalActiveTime}
		res.ShortestSession = SessionDuration{shortest.ID, shortest.TotalActiveTime}
	}
	return res
}

// --- Timeline ---

// TimelineItem is one session in a timeline. Events is set only
// for the detailed timeline.
type TimelineItem struct {
	SessionID         string           `json:"session_id"`
	User              string           `json:"username"`
	Status            tracking.Status  `json:"status"`
	StartTime         time.Time        `json:"start_time"`
	EndTime           *time.Time       `json:"end_time"`
	Duration          float64          `json:"duration"`
	DurationFormatted string           `json:"duration_formatted"`
	Events            []tracking.Event `json:"events,omitempty"`
}

// TimelineResult lists sessions oldest first.
type TimelineResult struct {
	Sessions   []TimelineItem `json:"sessions"`
	TotalCount int            `json:"total_count"`
}

// ComputeTimeline orders sessions by creation time, breaking ties
// by session id.
func ComputeTimeline(sessions []tracking.Session, withEvents bool) *TimelineResult {
	sorted := append([]tracking.Session(nil), sessions...)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	res := &TimelineResult{
		Sessions:   make([]TimelineItem, 0, len(sorted)),
		TotalCount: len(sorted),
	}
	for _, s := range sorted {
		item := TimelineItem{
			SessionID:         s.ID,
			User:              s.User,
			Status:            s.Status,
			StartTime:         s.CreatedAt,
			EndTime:           s.EndedAt,
			Duration:          s.TotalActiveTime,
			DurationFormatted: timeutil.ISODuration(s.TotalActiveTime),
		}
		if withEvents {
			item.Events = append([]tracking.Event{}, s.Events...)
		}
		res.Sessions = append(res.Sessions, item)
	}
	return res
}

// --- Daily time spent ---

// DailyTime is the total ended-session time for one date.
type DailyTime struct {
	Date             string  `json:"date"`
	TotalTimeSeconds float64 `json:"total_time_seconds"`
	TotalTimeISO     string  `json:"total_time_formatted"`
	TotalTimeMinutes float64 `json:"total_time_minutes"`
}

// DailyTimeResult lists dates ascending.
type DailyTimeResult struct {
	DailyTime []DailyTime `json:"daily_time"`
	TotalDays int         `json:"total_days"`
}

// ComputeDailyTimeSpent groups ended sessions by the UTC date of
// their creation.
func ComputeDailyTimeSpent(sessions []tracking.Session) *DailyTimeResult {
	byDate := map[string]float64{}
	for _, s := range sessions {
		if s.Status != tracking.StatusEnded {
			continue
		}
		byDate[timeutil.DateOf(s.CreatedAt)] += s.TotalActiveTime
	}

	res := &DailyTimeResult{DailyTime: make([]DailyTime, 0, len(byDate))}
	for _, date := range sortedKeys(byDate) {
		secs := byDate[date]
		res.DailyTime = append(res.DailyTime, DailyTime{
			Date:             date,
			TotalTimeSeconds: secs,
			TotalTimeISO:     timeutil.ISODuration(secs),
			TotalTimeMinutes: minutes(secs),
		})
	}
	res.TotalDays = len(res.DailyTime)
	return res
}
