// Package analytics derives time-bucketed aggregates from recorded
// sessions and page visits. Every operation is a read-only re-scan
// of the store followed by a pure reduction, so results are
// deterministic for a given record set and reference time.
package analytics

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/wesm/sessiontrack/internal/tracking"
)

// Window lengths. A month is a fixed 30 days.
const (
	Day   = 24 * time.Hour
	Week  = 7 * Day
	Month = 30 * Day

	// ActivityWindow bounds Heatmap, MostActive and Stats.
	ActivityWindow = Month

	mostActiveDays  = 5
	mostActiveHours = 3
)

// Query scopes an aggregation. An empty or "all" User selects
// every user of App.
type Query struct {
	App  string `json:"app"`
	User string `json:"user,omitempty"`
}

// Engine runs aggregations against a store.
type Engine struct {
	store   tracking.Store
	now     func() time.Time
	timeout time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithNow overrides the reference time, for tests.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithStoreTimeout sets the per-call store deadline.
func WithStoreTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// New creates an Engine reading from store.
func New(store tracking.Store, opts ...Option) *Engine {
	e := &Engine{
		store:   store,
		now:     func() time.Time { return time.Now().UTC() },
		timeout: tracking.DefaultStoreTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// window returns the activity range ending at now.
func window(now time.Time, d time.Duration) *tracking.TimeRange {
	return &tracking.TimeRange{From: now.Add(-d), To: now}
}

func (e *Engine) sessions(
	ctx context.Context, q Query, r *tracking.TimeRange,
) ([]tracking.Session, error) {
	var out []tracking.Session
	err := tracking.CallStore(ctx, e.timeout, func(ctx context.Context) error {
		var err error
		out, err = e.store.QuerySessions(ctx, q.App, q.User, r)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	// Discard results if the caller gave up mid-scan.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) visits(
	ctx context.Context, q Query, r *tracking.TimeRange,
) ([]tracking.PageVisit, error) {
	var out []tracking.PageVisit
	err := tracking.CallStore(ctx, e.timeout, func(ctx context.Context) error {
		var err error
		out, err = e.store.QueryVisits(ctx, q.App, q.User, r)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("querying page visits: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// PageStats aggregates every visit of q.
func (e *Engine) PageStats(ctx context.Context, q Query) (*PageStatsResult, error) {
	visits, err := e.visits(ctx, q, nil)
	if err != nil {
		return nil, err
	}
	return ComputePageStats(visits, e.now()), nil
}

// TimeByPage sums time spent per page.
func (e *Engine) TimeByPage(ctx context.Context, q Query) (*TimeByPageResult, error) {
	visits, err := e.visits(ctx, q, nil)
	if err != nil {
		return nil, err
	}
	return ComputeTimeByPage(visits), nil
}

// Heatmap counts sessions created in the last 30 days.
func (e *Engine) Heatmap(ctx context.Context, q Query) (*HeatmapResult, error) {
	now := e.now()
	sessions, err := e.sessions(ctx, q, window(now, ActivityWindow))
	if err != nil {
		return nil, err
	}
	return ComputeHeatmap(sessions, now), nil
}

// MostActive ranks the busiest days of the last 30 days.
func (e *Engine) MostActive(ctx context.Context, q Query) (*MostActiveResult, error) {
	now := e.now()
	sessions, err := e.sessions(ctx, q, window(now, ActivityWindow))
	if err != nil {
		return nil, err
	}
	return ComputeMostActive(sessions, now), nil
}

// Stats reports user counts and average ended-session time for
// the last 30 days.
func (e *Engine) Stats(ctx context.Context, q Query) (*StatsResult, error) {
	now := e.now()
	sessions, err := e.sessions(ctx, q, window(now, ActivityWindow))
	if err != nil {
		return nil, err
	}
	return ComputeStats(sessions, now), nil
}

// Summary aggregates durations over every session of q.
func (e *Engine) Summary(ctx context.Context, q Query) (*SummaryResult, error) {
	sessions, err := e.sessions(ctx, q, nil)
	if err != nil {
		return nil, err
	}
	return ComputeSummary(sessions), nil
}

// Timeline lists sessions in creation order.
func (e *Engine) Timeline(ctx context.Context, q Query) (*TimelineResult, error) {
	sessions, err := e.sessions(ctx, q, nil)
	if err != nil {
		return nil, err
	}
	return ComputeTimeline(sessions, false), nil
}

// DetailedTimeline is Timeline with each session's events.
func (e *Engine) DetailedTimeline(ctx context.Context, q Query) (*TimelineResult, error) {
	sessions, err := e.sessions(ctx, q, nil)
	if err != nil {
		return nil, err
	}
	return ComputeTimeline(sessions, true), nil
}

// DailyTimeSpent sums ended-session time per creation date.
func (e *Engine) DailyTimeSpent(ctx context.Context, q Query) (*DailyTimeResult, error) {
	sessions, err := e.sessions(ctx, q, nil)
	if err != nil {
		return nil, err
	}
	return ComputeDailyTimeSpent(sessions), nil
}

// round2 rounds to two decimal places.
func round2(x float64) float64 {
	return math.Round(x*100) / 100
}

func minutes(seconds float64) float64 {
	return round2(seconds / 60)
}
