package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/wesm/sessiontrack/internal/timeutil"
	"github.com/wesm/sessiontrack/internal/tracking"
)

// InsertVisit appends a page-visit record and sets v.ID.
func (db *DB) InsertVisit(ctx context.Context, v *tracking.PageVisit) error {
	err := db.Update(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO page_visits
				(app, username, page, timespent, visited_at)
			VALUES (?, ?, ?, ?, ?)`,
			v.App, v.User, v.Page, v.TimeSpent, formatTime(v.Timestamp),
		)
		if err != nil {
			return fmt.Errorf("inserting page visit: %w", err)
		}
		v.ID, err = res.LastInsertId()
		return err
	})
	return classify(err)
}

// QueryVisits returns the visits of app (optionally one user)
// recorded within r, in insertion order.
func (db *DB) QueryVisits(
	ctx context.Context, app, user string, r *tracking.TimeRange,
) ([]tracking.PageVisit, error) {
	where, args := buildScope(app, user, r, "username", "visited_at")
	rows, err := db.reader.QueryContext(ctx, `
		SELECT id, app, username, page, timespent, visited_at
		FROM page_visits WHERE `+where+`
		ORDER BY id`,
		args...,
	)
	if err != nil {
		return nil, classify(fmt.Errorf("querying page visits: %w", err))
	}
	defer rows.Close()

	visits := []tracking.PageVisit{}
	for rows.Next() {
		var (
			v  tracking.PageVisit
			at string
		)
		if err := rows.Scan(
			&v.ID, &v.App, &v.User, &v.Page, &v.TimeSpent, &at,
		); err != nil {
			return nil, fmt.Errorf("scanning page visit: %w", err)
		}
		if v.Timestamp, err = timeutil.ParseStored(at); err != nil {
			return nil, err
		}
		visits = append(visits, v)
	}
	return visits, classify(rows.Err())
}
