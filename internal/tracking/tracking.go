// Package tracking implements session lifecycle time accounting
// and page-visit recording on top of a pluggable Store.
package tracking

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/wesm/sessiontrack/internal/timeutil"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive Status = "active"
	StatusPaused Status = "paused"
	StatusEnded  Status = "ended"
)

// Open reports whether a session in this status may still
// transition.
func (s Status) Open() bool {
	return s == StatusActive || s == StatusPaused
}

// EventKind names the lifecycle operation that produced an event.
type EventKind string

const (
	EventStart  EventKind = "start"
	EventPause  EventKind = "pause"
	EventResume EventKind = "resume"
	EventEnd    EventKind = "end"
)

// Event is one entry of a session's append-only history.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Status    Status    `json:"status"`
	EventTime string    `json:"event_time"`
	Kind      EventKind `json:"kind"`
}

// Session is the persisted record of one session lifecycle.
type Session struct {
	ID              string     `json:"session_id"`
	App             string     `json:"app"`
	User            string     `json:"username"`
	CreatedAt       time.Time  `json:"created_at"`
	EndedAt         *time.Time `json:"ended_at"`
	Status          Status     `json:"status"`
	Events          []Event    `json:"events"`
	TotalActiveTime float64    `json:"total_active_time"`

	// LastActive marks the start of the current active
	// interval. Nil unless Status is active.
	LastActive *time.Time `json:"-"`
	// Version counts applied events and guards concurrent
	// updates in the stores.
	Version int `json:"-"`
}

// Clone returns a deep copy of s.
func (s *Session) Clone() *Session {
	c := *s
	c.Events = append([]Event(nil), s.Events...)
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	if s.LastActive != nil {
		t := *s.LastActive
		c.LastActive = &t
	}
	return &c
}

// LastEventTime returns the timestamp of the most recent event, or
// the zero time when there are none.
func (s *Session) LastEventTime() time.Time {
	if len(s.Events) == 0 {
		return time.Time{}
	}
	return s.Events[len(s.Events)-1].Timestamp
}

// PageVisit is one immutable page-visit record.
type PageVisit struct {
	ID        int64     `json:"-"`
	App       string    `json:"app"`
	User      string    `json:"user_id"`
	Page      string    `json:"page"`
	TimeSpent int       `json:"timespent"`
	Timestamp time.Time `json:"timestamp"`
}

// TimeRange restricts queries to From < t <= To. A zero bound is
// open on that side.
type TimeRange struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t falls inside the range.
func (r *TimeRange) Contains(t time.Time) bool {
	if r == nil {
		return true
	}
	if !r.From.IsZero() && !t.After(r.From) {
		return false
	}
	if !r.To.IsZero() && t.After(r.To) {
		return false
	}
	return true
}

// AllUsers reports whether user selects every user of an app.
func AllUsers(user string) bool {
	return user == "" || strings.EqualFold(user, "all")
}

// Store persists sessions and page visits.
type Store interface {
	InsertSession(ctx context.Context, s *Session) error
	// UpdateSessionAtomic loads the session, and if its status
	// still equals expected, applies mutate and persists the
	// result in one atomic step. It returns false without
	// writing when the status (or version) moved. An error
	// from mutate aborts the update and is returned as-is.
	UpdateSessionAtomic(
		ctx context.Context, id string, expected Status,
		mutate func(*Session) error,
	) (bool, error)
	// GetSession returns nil, nil when the session is absent.
	GetSession(ctx context.Context, id string) (*Session, error)
	// FindOpenSession returns the active or paused session of
	// (app, user), or nil, nil.
	FindOpenSession(ctx context.Context, app, user string) (*Session, error)
	InsertVisit(ctx context.Context, v *PageVisit) error
	// QueryVisits and QuerySessions treat an empty or "all"
	// user as every user of app. A nil range selects all time;
	// sessions are matched on CreatedAt.
	QueryVisits(
		ctx context.Context, app, user string, r *TimeRange,
	) ([]PageVisit, error)
	QuerySessions(
		ctx context.Context, app, user string, r *TimeRange,
	) ([]Session, error)
}

// PruneResult counts records removed by Prune.
type PruneResult struct {
	Sessions int `json:"sessions"`
	Visits   int `json:"visits"`
}

// Pruner is implemented by stores that support deleting old
// history: ended sessions created before the cutoff and visits
// recorded before it.
type Pruner interface {
	Prune(ctx context.Context, before time.Time, dryRun bool) (PruneResult, error)
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock at timeutil.Precision.
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now().UTC().Truncate(timeutil.Precision)
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// Error kinds. Match with errors.Is.
var (
	ErrInvalidTransition      = errors.New("invalid transition")
	ErrDuplicateActiveSession = errors.New("active session already exists")
	ErrSessionNotFound        = errors.New("session not found")
	ErrNonMonotonicTimestamp  = errors.New("timestamp precedes last event")
	ErrInvalidPageVisit       = errors.New("invalid page visit")
	ErrStoreUnavailable       = errors.New("store unavailable")
)

// Retryable reports whether err is transient and the operation
// may be retried unchanged.
func Retryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}
