package db

import (
	"context"
	"fmt"
)

// Stats holds whole-database counts.
type Stats struct {
	SessionCount     int `json:"session_count"`
	OpenSessionCount int `json:"open_session_count"`
	VisitCount       int `json:"visit_count"`
	AppCount         int `json:"app_count"`
	UserCount        int `json:"user_count"`
}

// GetStats returns row counts across all apps.
func (db *DB) GetStats(ctx context.Context) (Stats, error) {
	const query = `
		SELECT
			(SELECT COUNT(*) FROM sessions),
			(SELECT COUNT(*) FROM sessions WHERE status != 'ended'),
			(SELECT COUNT(*) FROM page_visits),
			(SELECT COUNT(*) FROM (
				SELECT app FROM sessions UNION SELECT app FROM page_visits)),
			(SELECT COUNT(*) FROM (
				SELECT app, username FROM sessions
				UNION SELECT app, username FROM page_visits))`

	var s Stats
	err := db.reader.QueryRowContext(ctx, query).Scan(
		&s.SessionCount,
		&s.OpenSessionCount,
		&s.VisitCount,
		&s.AppCount,
		&s.UserCount,
	)
	if err != nil {
		return Stats{}, classify(fmt.Errorf("fetching stats: %w", err))
	}
	return s, nil
}
