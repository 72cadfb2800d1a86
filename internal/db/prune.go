package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/wesm/sessiontrack/internal/tracking"
)

// FindPruneCandidates returns the ids of ended sessions created
// before the cutoff, oldest first. Open sessions are never pruned.
func (db *DB) FindPruneCandidates(
	ctx context.Context, before time.Time,
) ([]string, error) {
	rows, err := db.reader.QueryContext(ctx, `
		SELECT id FROM sessions
		WHERE status = 'ended' AND created_at < ?
		ORDER BY created_at, id`,
		formatTime(before),
	)
	if err != nil {
		return nil, fmt.Errorf("finding prune candidates: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning prune candidate: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Prune deletes ended sessions created before the cutoff and page
// visits recorded before it. With dryRun it only counts.
func (db *DB) Prune(
	ctx context.Context, before time.Time, dryRun bool,
) (tracking.PruneResult, error) {
	var res tracking.PruneResult
	ids, err := db.FindPruneCandidates(ctx, before)
	if err != nil {
		return res, classify(err)
	}
	if dryRun {
		res.Sessions = len(ids)
		err := db.reader.QueryRowContext(ctx,
			"SELECT count(*) FROM page_visits WHERE visited_at < ?",
			formatTime(before),
		).Scan(&res.Visits)
		if err != nil {
			return res, classify(fmt.Errorf("counting page visits: %w", err))
		}
		return res, nil
	}

	err = db.Update(ctx, func(tx *sql.Tx) error {
		n, err := deleteSessions(ctx, tx, ids)
		if err != nil {
			return err
		}
		res.Sessions = n

		r, err := tx.ExecContext(ctx,
			"DELETE FROM page_visits WHERE visited_at < ?",
			formatTime(before),
		)
		if err != nil {
			return fmt.Errorf("deleting page visits: %w", err)
		}
		v, _ := r.RowsAffected()
		res.Visits = int(v)
		return nil
	})
	if err != nil {
		return tracking.PruneResult{}, classify(err)
	}
	return res, nil
}

// deleteSessions removes sessions by id, batching DELETEs in
// groups of 500 to stay under SQLite variable limits. Events go
// with them via ON DELETE CASCADE.
func deleteSessions(
	ctx context.Context, tx *sql.Tx, ids []string,
) (int, error) {
	total := 0
	const batchSize = 500
	for i := 0; i < len(ids); i += batchSize {
		end := min(i+batchSize, len(ids))
		batch := ids[i:end]

		args := make([]any, len(batch))
		for j, id := range batch {
			args[j] = id
		}
		res, err := tx.ExecContext(ctx,
			"DELETE FROM sessions WHERE id IN ("+
				placeholders(len(batch))+")",
			args...,
		)
		if err != nil {
			return 0, fmt.Errorf("deleting batch: %w", err)
		}
		n, _ := res.RowsAffected()
		total += int(n)
	}
	return total, nil
}
