package tracking

import (
	"fmt"
	"time"

	"github.com/wesm/sessiontrack/internal/timeutil"
)

// Transition rules. Each function validates the session's current
// state against the requested event and mutates it in place only
// when the transition is allowed.

func newSession(id, app, user string, t time.Time, raw string) *Session {
	start := t
	return &Session{
		ID:         id,
		App:        app,
		User:       user,
		CreatedAt:  t,
		Status:     StatusActive,
		LastActive: &start,
		Events: []Event{{
			Timestamp: t,
			Status:    StatusActive,
			EventTime: raw,
			Kind:      EventStart,
		}},
		Version: 1,
	}
}

func applyPause(s *Session, t time.Time, raw string) error {
	if s.Status != StatusActive {
		return fmt.Errorf(
			"%w: cannot pause %s session", ErrInvalidTransition, s.Status,
		)
	}
	if err := accrue(s, t); err != nil {
		return err
	}
	s.Status = StatusPaused
	s.LastActive = nil
	appendEvent(s, t, raw, EventPause)
	return nil
}

func applyResume(s *Session, t time.Time, raw string) error {
	if s.Status != StatusPaused {
		return fmt.Errorf(
			"%w: cannot resume %s session", ErrInvalidTransition, s.Status,
		)
	}
	if err := checkMonotonic(s, t); err != nil {
		return err
	}
	resumed := t
	s.Status = StatusActive
	s.LastActive = &resumed
	appendEvent(s, t, raw, EventResume)
	return nil
}

func applyEnd(s *Session, t time.Time, raw string) error {
	switch s.Status {
	case StatusActive:
		if err := accrue(s, t); err != nil {
			return err
		}
	case StatusPaused:
		if err := checkMonotonic(s, t); err != nil {
			return err
		}
	default:
		return fmt.Errorf(
			"%w: session already ended", ErrInvalidTransition,
		)
	}
	ended := t
	s.Status = StatusEnded
	s.EndedAt = &ended
	s.LastActive = nil
	appendEvent(s, t, raw, EventEnd)
	return nil
}

// accrue adds the active interval ending at t to the total.
func accrue(s *Session, t time.Time) error {
	if err := checkMonotonic(s, t); err != nil {
		return err
	}
	marker := s.CreatedAt
	if s.LastActive != nil {
		marker = *s.LastActive
	}
	delta := timeutil.SecondsBetween(marker, t)
	if delta < 0 {
		return fmt.Errorf(
			"%w: %s is before active marker %s",
			ErrNonMonotonicTimestamp,
			timeutil.Format(t), timeutil.Format(marker),
		)
	}
	s.TotalActiveTime += delta
	return nil
}

func checkMonotonic(s *Session, t time.Time) error {
	last := s.LastEventTime()
	if !last.IsZero() && t.Before(last) {
		return fmt.Errorf(
			"%w: %s is before %s",
			ErrNonMonotonicTimestamp,
			timeutil.Format(t), timeutil.Format(last),
		)
	}
	return nil
}

func appendEvent(s *Session, t time.Time, raw string, kind EventKind) {
	s.Events = append(s.Events, Event{
		Timestamp: t,
		Status:    s.Status,
		EventTime: raw,
		Kind:      kind,
	})
	s.Version++
}
