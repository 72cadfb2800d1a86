package mongostore

import (
	"time"

	"github.com/wesm/sessiontrack/internal/tracking"
)

type eventDoc struct {
	Timestamp time.Time `bson:"timestamp"`
	Status    string    `bson:"status"`
	EventTime string    `bson:"event_time"`
	Kind      string    `bson:"kind"`
}

type sessionDoc struct {
	SessionID       string     `bson:"session_id"`
	Username        string     `bson:"username"`
	App             string     `bson:"app"`
	CreatedAt       time.Time  `bson:"created_at"`
	EndedAt         *time.Time `bson:"ended_at"`
	Events          []eventDoc `bson:"events"`
	TotalActiveTime float64    `bson:"total_active_time"`
	Status          string     `bson:"status"`
	LastActiveAt    *time.Time `bson:"last_active_at"`
	Version         int        `bson:"version"`
	// Open backs the partial unique index on (app, username).
	Open bool `bson:"open"`
}

type visitDoc struct {
	Page      string    `bson:"page"`
	Timespent int       `bson:"timespent"`
	Timestamp time.Time `bson:"timestamp"`
	UserID    string    `bson:"user_id"`
	App       string    `bson:"app"`
}

func toSessionDoc(s *tracking.Session) sessionDoc {
	events := make([]eventDoc, 0, len(s.Events))
	for _, e := range s.Events {
		events = append(events, eventDoc{
			Timestamp: e.Timestamp.UTC(),
			Status:    string(e.Status),
			EventTime: e.EventTime,
			Kind:      string(e.Kind),
		})
	}
	return sessionDoc{
		SessionID:       s.ID,
		Username:        s.User,
		App:             s.App,
		CreatedAt:       s.CreatedAt.UTC(),
		EndedAt:         utcPtr(s.EndedAt),
		Events:          events,
		TotalActiveTime: s.TotalActiveTime,
		Status:          string(s.Status),
		LastActiveAt:    utcPtr(s.LastActive),
		Version:         s.Version,
		Open:            s.Status.Open(),
	}
}

func (d *sessionDoc) toSession() *tracking.Session {
	events := make([]tracking.Event, 0, len(d.Events))
	for _, e := range d.Events {
		events = append(events, tracking.Event{
			Timestamp: e.Timestamp.UTC(),
			Status:    tracking.Status(e.Status),
			EventTime: e.EventTime,
			Kind:      tracking.EventKind(e.Kind),
		})
	}
	return &tracking.Session{
		ID:              d.SessionID,
		App:             d.App,
		User:            d.Username,
		CreatedAt:       d.CreatedAt.UTC(),
		EndedAt:         utcPtr(d.EndedAt),
		Status:          tracking.Status(d.Status),
		Events:          events,
		TotalActiveTime: d.TotalActiveTime,
		LastActive:      utcPtr(d.LastActiveAt),
		Version:         d.Version,
	}
}

func toVisitDoc(v *tracking.PageVisit) visitDoc {
	return visitDoc{
		Page:      v.Page,
		Timespent: v.TimeSpent,
		Timestamp: v.Timestamp.UTC(),
		UserID:    v.User,
		App:       v.App,
	}
}

func (d visitDoc) toVisit() tracking.PageVisit {
	return tracking.PageVisit{
		App:       d.App,
		User:      d.UserID,
		Page:      d.Page,
		TimeSpent: d.Timespent,
		Timestamp: d.Timestamp.UTC(),
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
