package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/wesm/sessiontrack/internal/timeutil"
	"github.com/wesm/sessiontrack/internal/tracking"
)

// sessionCols lists the columns scanned by scanSessionRow.
const sessionCols = `id, app, username, status, created_at,
	ended_at, last_active_at, total_active_time, version`

// rowScanner is satisfied by both *sql.Row and *sql.Rows,
// allowing a single scan helper for both.
type rowScanner interface {
	Scan(dest ...any) error
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// scanSessionRow scans sessionCols into a Session without events.
func scanSessionRow(rs rowScanner) (tracking.Session, error) {
	var (
		s          tracking.Session
		status     string
		createdAt  string
		endedAt    sql.NullString
		lastActive sql.NullString
	)
	err := rs.Scan(
		&s.ID, &s.App, &s.User, &status, &createdAt,
		&endedAt, &lastActive, &s.TotalActiveTime, &s.Version,
	)
	if err != nil {
		return s, err
	}
	s.Status = tracking.Status(status)
	if s.CreatedAt, err = timeutil.ParseStored(createdAt); err != nil {
		return s, err
	}
	if s.EndedAt, err = parseTimePtr(endedAt); err != nil {
		return s, err
	}
	if s.LastActive, err = parseTimePtr(lastActive); err != nil {
		return s, err
	}
	return s, nil
}

// InsertSession stores a new session and its initial events. A
// second open session for the same (app, user) is rejected by the
// partial unique index.
func (db *DB) InsertSession(ctx context.Context, s *tracking.Session) error {
	err := db.Update(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (`+sessionCols+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			s.ID, s.App, s.User, string(s.Status),
			formatTime(s.CreatedAt), formatTimePtr(s.EndedAt),
			formatTimePtr(s.LastActive), s.TotalActiveTime, s.Version,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf(
					"%w: %s/%s", tracking.ErrDuplicateActiveSession,
					s.App, s.User,
				)
			}
			return fmt.Errorf("inserting session %s: %w", s.ID, err)
		}
		return insertEvents(ctx, tx, s.ID, s.Events, 0)
	})
	return classify(err)
}

func insertEvents(
	ctx context.Context, tx *sql.Tx, id string,
	events []tracking.Event, firstSeq int,
) error {
	if len(events) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO session_events
			(session_id, seq, ts, status, kind, event_time)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing event insert: %w", err)
	}
	defer stmt.Close()

	for i, e := range events {
		if _, err := stmt.ExecContext(ctx,
			id, firstSeq+i, formatTime(e.Timestamp),
			string(e.Status), string(e.Kind), e.EventTime,
		); err != nil {
			return fmt.Errorf("inserting event %d: %w", firstSeq+i, err)
		}
	}
	return nil
}

// UpdateSessionAtomic applies mutate to the current record inside
// the write transaction. The UPDATE is guarded on the expected
// status and the version read, so a concurrent writer on another
// connection makes it a no-op that reports false.
func (db *DB) UpdateSessionAtomic(
	ctx context.Context, id string, expected tracking.Status,
	mutate func(*tracking.Session) error,
) (bool, error) {
	var ok bool
	err := db.Update(ctx, func(tx *sql.Tx) error {
		cur, err := getSession(ctx, tx, id)
		if err != nil {
			return err
		}
		if cur == nil || cur.Status != expected {
			return nil
		}
		prevVersion := cur.Version
		prevEvents := len(cur.Events)

		if err := mutate(cur); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE sessions
			SET status = ?, ended_at = ?, last_active_at = ?,
				total_active_time = ?, version = ?
			WHERE id = ? AND status = ? AND version = ?`,
			string(cur.Status), formatTimePtr(cur.EndedAt),
			formatTimePtr(cur.LastActive), cur.TotalActiveTime,
			cur.Version, id, string(expected), prevVersion,
		)
		if err != nil {
			return fmt.Errorf("updating session %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return nil
		}
		if err := insertEvents(
			ctx, tx, id, cur.Events[prevEvents:], prevEvents,
		); err != nil {
			return err
		}
		ok = true
		return nil
	})
	if err != nil {
		return false, classify(err)
	}
	return ok, nil
}

// GetSession returns a single session with its events, or nil if
// it does not exist.
func (db *DB) GetSession(
	ctx context.Context, id string,
) (*tracking.Session, error) {
	s, err := getSession(ctx, db.reader, id)
	return s, classify(err)
}

func getSession(
	ctx context.Context, q querier, id string,
) (*tracking.Session, error) {
	row := q.QueryRowContext(
		ctx,
		"SELECT "+sessionCols+" FROM sessions WHERE id = ?",
		id,
	)
	s, err := scanSessionRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting session %s: %w", id, err)
	}
	events, err := loadEvents(ctx, q, "session_id = ?", []any{id})
	if err != nil {
		return nil, err
	}
	s.Events = events[id]
	return &s, nil
}

// FindOpenSession returns the active or paused session of
// (app, user), or nil.
func (db *DB) FindOpenSession(
	ctx context.Context, app, user string,
) (*tracking.Session, error) {
	var id string
	err := db.reader.QueryRowContext(ctx, `
		SELECT id FROM sessions
		WHERE app = ? AND username = ? AND status != 'ended'
		LIMIT 1`,
		app, user,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classify(fmt.Errorf("finding open session: %w", err))
	}
	return db.GetSession(ctx, id)
}

// QuerySessions returns the sessions of app (optionally one user)
// created within r, oldest first, with events attached.
func (db *DB) QuerySessions(
	ctx context.Context, app, user string, r *tracking.TimeRange,
) ([]tracking.Session, error) {
	where, args := buildScope(app, user, r, "username", "created_at")

	rows, err := db.reader.QueryContext(ctx,
		"SELECT "+sessionCols+" FROM sessions WHERE "+where+
			" ORDER BY created_at, id",
		args...,
	)
	if err != nil {
		return nil, classify(fmt.Errorf("querying sessions: %w", err))
	}
	sessions, err := scanSessionRows(rows)
	if err != nil {
		return nil, classify(err)
	}
	if len(sessions) == 0 {
		return sessions, nil
	}

	events, err := loadEvents(ctx, db.reader,
		"session_id IN (SELECT id FROM sessions WHERE "+where+")",
		args,
	)
	if err != nil {
		return nil, classify(err)
	}
	for i := range sessions {
		sessions[i].Events = events[sessions[i].ID]
	}
	return sessions, nil
}

// scanSessionRows iterates rows and scans each using
// scanSessionRow.
func scanSessionRows(rows *sql.Rows) ([]tracking.Session, error) {
	defer rows.Close()
	sessions := []tracking.Session{}
	for rows.Next() {
		s, err := scanSessionRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// loadEvents returns events grouped by session id, in sequence
// order, for rows matching where.
func loadEvents(
	ctx context.Context, q querier, where string, args []any,
) (map[string][]tracking.Event, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT session_id, ts, status, kind, event_time
		FROM session_events WHERE `+where+`
		ORDER BY session_id, seq`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	out := map[string][]tracking.Event{}
	for rows.Next() {
		var (
			id, ts, status, kind string
			e                    tracking.Event
		)
		if err := rows.Scan(&id, &ts, &status, &kind, &e.EventTime); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		if e.Timestamp, err = timeutil.ParseStored(ts); err != nil {
			return nil, err
		}
		e.Status = tracking.Status(status)
		e.Kind = tracking.EventKind(kind)
		out[id] = append(out[id], e)
	}
	return out, rows.Err()
}

// placeholders returns n comma-separated "?" markers.
func placeholders(n int) string {
	return strings.Repeat(",?", n)[1:]
}
