package store

import (
	"context"
	"fmt"
	"time"
)

// DeleteAgedDelayRecords removes raw delay records collected before the
// cutoff. Unprocessed records from the most recent stat date are never
// deleted, so a record cannot vanish before a rollup has consumed it.
func (s *Store) DeleteAgedDelayRecords(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.DB().ExecContext(ctx, `
		DELETE FROM realtime_delay_records
		WHERE collected_at < $1
		  AND NOT (
			processed = false
			AND DATE(collected_at) = (SELECT MAX(DATE(collected_at)) FROM realtime_delay_records)
		  )
	`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("deleting aged delay records: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting deleted delay records: %w", err)
	}

	s.logger.Info("Deleted aged delay records", "deleted", deleted, "cutoff", cutoff)
	return deleted, nil
}

// DeleteAgedPositions removes vehicle position history recorded before
// the cutoff.
func (s *Store) DeleteAgedPositions(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.DB().ExecContext(ctx, `
		DELETE FROM realtime_vehicle_positions
		WHERE record_timestamp < $1
	`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("deleting aged vehicle positions: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting deleted vehicle positions: %w", err)
	}

	s.logger.Info("Deleted aged vehicle positions", "deleted", deleted, "cutoff", cutoff)
	return deleted, nil
}

// ConfigEntries reads the punctuality_config key/value table. It is the
// config store's source.
func (s *Store) ConfigEntries(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.DB().QueryContext(ctx, `
		SELECT config_key, config_value FROM punctuality_config
	`)
	if err != nil {
		return nil, fmt.Errorf("querying config entries: %w", err)
	}
	defer rows.Close()

	entries := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scanning config entry: %w", err)
		}
		entries[key] = value
	}
	return entries, rows.Err()
}
