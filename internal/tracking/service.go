package tracking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wesm/sessiontrack/internal/timeutil"
)

// DefaultStoreTimeout bounds every store call made by Service.
const DefaultStoreTimeout = 5 * time.Second

// ErrMissingScope is returned when app or user is blank.
var ErrMissingScope = errors.New("app and user are required")

// Command identifies the session a lifecycle operation targets and
// carries the caller's event time. SessionID is optional for
// Pause, Resume and End; without it the open session of
// (App, User) is used.
type Command struct {
	App       string
	User      string
	SessionID string
	Time      string
}

// VisitInput is a page-visit to record. Time defaults to now.
type VisitInput struct {
	App       string
	User      string
	Page      string
	TimeSpent int
	Time      string
}

// Service applies lifecycle events and page visits to a Store.
type Service struct {
	store   Store
	clock   Clock
	timeout time.Duration
	newID   func() string
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the clock used for visit timestamps.
func WithClock(c Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithStoreTimeout sets the per-call store deadline. Zero or
// negative values are ignored.
func WithStoreTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithIDFunc overrides session id generation, for tests.
func WithIDFunc(f func() string) Option {
	return func(s *Service) {
		if f != nil {
			s.newID = f
		}
	}
}

// NewService creates a Service backed by store.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:   store,
		clock:   SystemClock{},
		timeout: DefaultStoreTimeout,
		newID:   func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store returns the underlying store.
func (s *Service) Store() Store { return s.store }

// Start opens a new active session for (App, User).
func (s *Service) Start(ctx context.Context, cmd Command) (*Session, error) {
	app, user, err := scope(cmd.App, cmd.User)
	if err != nil {
		return nil, err
	}
	t, err := timeutil.Parse(cmd.Time)
	if err != nil {
		return nil, err
	}

	var open *Session
	err = CallStore(ctx, s.timeout, func(ctx context.Context) error {
		var err error
		open, err = s.store.FindOpenSession(ctx, app, user)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("finding open session: %w", err)
	}
	if open != nil {
		return nil, fmt.Errorf(
			"%w: %s for %s/%s",
			ErrDuplicateActiveSession, open.ID, app, user,
		)
	}

	sess := newSession(s.newID(), app, user, t, cmd.Time)
	err = CallStore(ctx, s.timeout, func(ctx context.Context) error {
		return s.store.InsertSession(ctx, sess)
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateActiveSession) {
			return nil, err
		}
		return nil, fmt.Errorf("inserting session: %w", err)
	}
	return sess, nil
}

// Pause accrues the current active interval and pauses the session.
func (s *Service) Pause(ctx context.Context, cmd Command) (*Session, error) {
	return s.transition(ctx, cmd, applyPause)
}

// Resume starts a new active interval on a paused session.
func (s *Service) Resume(ctx context.Context, cmd Command) (*Session, error) {
	return s.transition(ctx, cmd, applyResume)
}

// End closes an active or paused session, accruing any open
// active interval.
func (s *Service) End(ctx context.Context, cmd Command) (*Session, error) {
	return s.transition(ctx, cmd, applyEnd)
}

func (s *Service) transition(
	ctx context.Context, cmd Command,
	apply func(*Session, time.Time, string) error,
) (*Session, error) {
	t, err := timeutil.Parse(cmd.Time)
	if err != nil {
		return nil, err
	}
	sess, err := s.lookup(ctx, cmd)
	if err != nil {
		return nil, err
	}

	// Reject obviously invalid transitions without a write.
	if err := apply(sess.Clone(), t, cmd.Time); err != nil {
		return nil, err
	}

	var updated *Session
	var ok bool
	err = CallStore(ctx, s.timeout, func(ctx context.Context) error {
		var err error
		ok, err = s.store.UpdateSessionAtomic(
			ctx, sess.ID, sess.Status,
			func(cur *Session) error {
				if err := apply(cur, t, cmd.Time); err != nil {
					return err
				}
				updated = cur.Clone()
				return nil
			},
		)
		return err
	})
	if err != nil {
		if isDomainError(err) {
			return nil, err
		}
		return nil, fmt.Errorf("updating session %s: %w", sess.ID, err)
	}
	if !ok {
		return nil, fmt.Errorf(
			"%w: session %s changed concurrently",
			ErrInvalidTransition, sess.ID,
		)
	}
	return updated, nil
}

// lookup resolves the target session of cmd.
func (s *Service) lookup(ctx context.Context, cmd Command) (*Session, error) {
	app := strings.TrimSpace(cmd.App)
	user := strings.TrimSpace(cmd.User)
	id := strings.TrimSpace(cmd.SessionID)
	// A session id narrows the lookup but never widens it past
	// the app; user may be omitted only when the id is given.
	if app == "" || (id == "" && user == "") {
		return nil, ErrMissingScope
	}

	var sess *Session
	err := CallStore(ctx, s.timeout, func(ctx context.Context) error {
		var err error
		if id != "" {
			sess, err = s.store.GetSession(ctx, id)
			return err
		}
		sess, err = s.store.FindOpenSession(ctx, app, user)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("looking up session: %w", err)
	}
	if sess == nil {
		if id != "" {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		return nil, fmt.Errorf(
			"%w: no open session for %s/%s", ErrSessionNotFound, app, user,
		)
	}
	if sess.App != app || (user != "" && sess.User != user) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess, nil
}

// GetSession returns a session by id, scoped to app.
func (s *Service) GetSession(ctx context.Context, app, id string) (*Session, error) {
	var sess *Session
	err := CallStore(ctx, s.timeout, func(ctx context.Context) error {
		var err error
		sess, err = s.store.GetSession(ctx, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("getting session: %w", err)
	}
	if sess == nil || (app != "" && sess.App != app) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess, nil
}

// RecordVisit validates and stores one page visit.
func (s *Service) RecordVisit(ctx context.Context, in VisitInput) (*PageVisit, error) {
	app := strings.TrimSpace(in.App)
	user := strings.TrimSpace(in.User)
	page := strings.TrimSpace(in.Page)
	switch {
	case app == "":
		return nil, fmt.Errorf("%w: app is required", ErrInvalidPageVisit)
	case user == "":
		return nil, fmt.Errorf("%w: user is required", ErrInvalidPageVisit)
	case page == "":
		return nil, fmt.Errorf("%w: page is required", ErrInvalidPageVisit)
	case in.TimeSpent < 0:
		return nil, fmt.Errorf(
			"%w: timespent %d is negative", ErrInvalidPageVisit, in.TimeSpent,
		)
	}

	ts := s.clock.Now().UTC()
	if in.Time != "" {
		t, err := timeutil.Parse(in.Time)
		if err != nil {
			return nil, err
		}
		ts = t
	}

	v := &PageVisit{
		App:       app,
		User:      user,
		Page:      page,
		TimeSpent: in.TimeSpent,
		Timestamp: ts,
	}
	err := CallStore(ctx, s.timeout, func(ctx context.Context) error {
		return s.store.InsertVisit(ctx, v)
	})
	if err != nil {
		return nil, fmt.Errorf("inserting page visit: %w", err)
	}
	return v, nil
}

// CallStore runs fn under a per-call deadline. A deadline hit that
// did not come from the caller's own context is reported as
// ErrStoreUnavailable.
func CallStore(
	ctx context.Context, timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	if timeout <= 0 {
		timeout = DefaultStoreTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := fn(cctx)
	if err == nil {
		return nil
	}
	if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) &&
		!errors.Is(err, ErrStoreUnavailable) {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return err
}

func scope(app, user string) (string, string, error) {
	app = strings.TrimSpace(app)
	user = strings.TrimSpace(user)
	if app == "" || user == "" {
		return "", "", ErrMissingScope
	}
	return app, user, nil
}

func isDomainError(err error) bool {
	for _, target := range []error{
		ErrInvalidTransition, ErrNonMonotonicTimestamp,
		ErrSessionNotFound, ErrDuplicateActiveSession,
		ErrStoreUnavailable,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
