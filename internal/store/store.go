// Package store is the PostgreSQL persistence layer for raw telemetry
// facts and punctuality rollups.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/transitpulse/punctuality-service/internal/common/db"
	"github.com/transitpulse/punctuality-service/internal/common/logger"
	"github.com/transitpulse/punctuality-service/pkg/models"
)

type Store struct {
	db     *db.DB
	logger logger.Logger
}

func New(database *db.DB, log logger.Logger) *Store {
	return &Store{
		db:     database,
		logger: log,
	}
}

// InsertVehiclePositions bulk-inserts a batch of decoded vehicle
// positions using COPY.
func (s *Store) InsertVehiclePositions(ctx context.Context, positions []models.VehiclePosition) (int, error) {
	if len(positions) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(pq.CopyIn("realtime_vehicle_positions",
		"vehicle_id", "trip_id", "route_id", "latitude", "longitude",
		"bearing", "speed", "position_timestamp", "record_timestamp",
		"current_status", "stop_id"))
	if err != nil {
		return 0, fmt.Errorf("preparing vehicle position copy: %w", err)
	}

	recordedAt := time.Now().UTC()
	count := 0
	for _, p := range positions {
		if _, err := stmt.Exec(
			p.VehicleID, p.TripID, p.RouteID, p.Latitude, p.Longitude,
			p.Bearing, p.Speed, p.Timestamp.UTC(), recordedAt,
			nullString(p.CurrentStatus), nullString(p.StopID),
		); err != nil {
			stmt.Close()
			return 0, fmt.Errorf("buffering vehicle position: %w", err)
		}
		count++
	}

	if _, err := stmt.Exec(); err != nil {
		stmt.Close()
		return 0, fmt.Errorf("flushing vehicle position copy: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return 0, fmt.Errorf("closing vehicle position copy: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing vehicle positions: %w", err)
	}

	return count, nil
}

// AppendDelayRecord persists one raw delay fact, unprocessed.
func (s *Store) AppendDelayRecord(ctx context.Context, rec models.DelayRecord) error {
	_, err := s.db.DB().ExecContext(ctx, `
		INSERT INTO realtime_delay_records
			(trip_id, route_id, stop_id, stop_sequence, vehicle_id,
			 scheduled_time, actual_time, collected_at,
			 arrival_delay, departure_delay, processed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, false)
	`, rec.TripID, rec.RouteID, rec.StopID, rec.StopSequence, nullString(rec.VehicleID),
		rec.ScheduledTime.UTC(), rec.ActualTime.UTC(), rec.CollectedAt.UTC(),
		rec.ArrivalDelay, rec.DepartureDelay)
	if err != nil {
		return fmt.Errorf("inserting delay record: %w", err)
	}
	return nil
}

// UnprocessedRouteIDs lists routes that still have unprocessed records
// collected on the given date.
func (s *Store) UnprocessedRouteIDs(ctx context.Context, date time.Time) ([]string, error) {
	rows, err := s.db.DB().QueryContext(ctx, `
		SELECT DISTINCT route_id
		FROM realtime_delay_records
		WHERE DATE(collected_at) = DATE($1)
		  AND processed = false
		ORDER BY route_id
	`, date.UTC())
	if err != nil {
		return nil, fmt.Errorf("querying unprocessed routes: %w", err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

// RouteDayRecords returns all raw records for a (route, date) key,
// processed or not, so the aggregate is always recomputed from the full
// day's facts.
func (s *Store) RouteDayRecords(ctx context.Context, routeID string, date time.Time) ([]models.DelayRecord, error) {
	rows, err := s.db.DB().QueryContext(ctx, `
		SELECT id, trip_id, route_id, stop_id, stop_sequence,
		       COALESCE(vehicle_id, ''), scheduled_time, actual_time,
		       collected_at, arrival_delay, departure_delay, processed
		FROM realtime_delay_records
		WHERE route_id = $1 AND DATE(collected_at) = DATE($2)
	`, routeID, date.UTC())
	if err != nil {
		return nil, fmt.Errorf("querying route day records: %w", err)
	}
	defer rows.Close()
	return scanDelayRecords(rows)
}

// UpsertRouteDay writes the route-day aggregate and marks the key's raw
// records processed in one transaction; a failure rolls both back so the
// records are retried on the next rollup.
func (s *Store) UpsertRouteDay(ctx context.Context, agg models.RouteDailyPunctuality) error {
	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO route_daily_punctuality
			(route_id, stat_date, total_trips, on_time_trips, early_trips,
			 late_trips, very_late_trips, avg_arrival_delay, max_arrival_delay,
			 min_arrival_delay, punctuality_rate, early_rate, late_rate, very_late_rate)
		VALUES ($1, DATE($2), $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (route_id, stat_date) DO UPDATE SET
			total_trips = EXCLUDED.total_trips,
			on_time_trips = EXCLUDED.on_time_trips,
			early_trips = EXCLUDED.early_trips,
			late_trips = EXCLUDED.late_trips,
			very_late_trips = EXCLUDED.very_late_trips,
			avg_arrival_delay = EXCLUDED.avg_arrival_delay,
			max_arrival_delay = EXCLUDED.max_arrival_delay,
			min_arrival_delay = EXCLUDED.min_arrival_delay,
			punctuality_rate = EXCLUDED.punctuality_rate,
			early_rate = EXCLUDED.early_rate,
			late_rate = EXCLUDED.late_rate,
			very_late_rate = EXCLUDED.very_late_rate,
			updated_at = CURRENT_TIMESTAMP
	`, agg.RouteID, agg.StatDate.UTC(), agg.TotalTrips, agg.OnTimeTrips, agg.EarlyTrips,
		agg.LateTrips, agg.VeryLateTrips, agg.AvgArrivalDelay, agg.MaxArrivalDelay,
		agg.MinArrivalDelay, agg.PunctualityRate, agg.EarlyRate, agg.LateRate, agg.VeryLateRate)
	if err != nil {
		return fmt.Errorf("upserting route day aggregate: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE realtime_delay_records
		SET processed = true
		WHERE route_id = $1 AND DATE(collected_at) = DATE($2) AND processed = false
	`, agg.RouteID, agg.StatDate.UTC())
	if err != nil {
		return fmt.Errorf("marking records processed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing route day rollup: %w", err)
	}
	return nil
}

// ProcessedStopIDs lists stops with processed records on the date.
func (s *Store) ProcessedStopIDs(ctx context.Context, date time.Time) ([]string, error) {
	rows, err := s.db.DB().QueryContext(ctx, `
		SELECT DISTINCT stop_id
		FROM realtime_delay_records
		WHERE DATE(collected_at) = DATE($1)
		  AND processed = true
		ORDER BY stop_id
	`, date.UTC())
	if err != nil {
		return nil, fmt.Errorf("querying processed stops: %w", err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

// StopDayRecords returns the date's processed records for a stop.
func (s *Store) StopDayRecords(ctx context.Context, stopID string, date time.Time) ([]models.DelayRecord, error) {
	rows, err := s.db.DB().QueryContext(ctx, `
		SELECT id, trip_id, route_id, stop_id, stop_sequence,
		       COALESCE(vehicle_id, ''), scheduled_time, actual_time,
		       collected_at, arrival_delay, departure_delay, processed
		FROM realtime_delay_records
		WHERE stop_id = $1 AND DATE(collected_at) = DATE($2) AND processed = true
	`, stopID, date.UTC())
	if err != nil {
		return nil, fmt.Errorf("querying stop day records: %w", err)
	}
	defer rows.Close()
	return scanDelayRecords(rows)
}

func (s *Store) UpsertStopDay(ctx context.Context, agg models.StopDailyPunctuality) error {
	_, err := s.db.DB().ExecContext(ctx, `
		INSERT INTO stop_daily_punctuality
			(stop_id, stat_date, total_visits, on_time_visits, early_visits,
			 late_visits, very_late_visits, avg_arrival_delay, max_arrival_delay,
			 min_arrival_delay, punctuality_rate)
		VALUES ($1, DATE($2), $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (stop_id, stat_date) DO UPDATE SET
			total_visits = EXCLUDED.total_visits,
			on_time_visits = EXCLUDED.on_time_visits,
			early_visits = EXCLUDED.early_visits,
			late_visits = EXCLUDED.late_visits,
			very_late_visits = EXCLUDED.very_late_visits,
			avg_arrival_delay = EXCLUDED.avg_arrival_delay,
			max_arrival_delay = EXCLUDED.max_arrival_delay,
			min_arrival_delay = EXCLUDED.min_arrival_delay,
			punctuality_rate = EXCLUDED.punctuality_rate,
			updated_at = CURRENT_TIMESTAMP
	`, agg.StopID, agg.StatDate.UTC(), agg.TotalVisits, agg.OnTimeVisits, agg.EarlyVisits,
		agg.LateVisits, agg.VeryLateVisits, agg.AvgArrivalDelay, agg.MaxArrivalDelay,
		agg.MinArrivalDelay, agg.PunctualityRate)
	if err != nil {
		return fmt.Errorf("upserting stop day aggregate: %w", err)
	}
	return nil
}

// ProcessedHourKeys lists the distinct (route, stop, scheduled hour)
// slices among the date's processed records.
func (s *Store) ProcessedHourKeys(ctx context.Context, date time.Time) ([]models.HourKey, error) {
	rows, err := s.db.DB().QueryContext(ctx, `
		SELECT DISTINCT route_id, stop_id, EXTRACT(HOUR FROM scheduled_time)::int
		FROM realtime_delay_records
		WHERE DATE(collected_at) = DATE($1)
		  AND processed = true
		ORDER BY route_id, stop_id, 3
	`, date.UTC())
	if err != nil {
		return nil, fmt.Errorf("querying hour keys: %w", err)
	}
	defer rows.Close()

	var keys []models.HourKey
	for rows.Next() {
		var k models.HourKey
		if err := rows.Scan(&k.RouteID, &k.StopID, &k.Hour); err != nil {
			return nil, fmt.Errorf("scanning hour key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *Store) HourRecords(ctx context.Context, key models.HourKey, date time.Time) ([]models.DelayRecord, error) {
	rows, err := s.db.DB().QueryContext(ctx, `
		SELECT id, trip_id, route_id, stop_id, stop_sequence,
		       COALESCE(vehicle_id, ''), scheduled_time, actual_time,
		       collected_at, arrival_delay, departure_delay, processed
		FROM realtime_delay_records
		WHERE route_id = $1 AND stop_id = $2
		  AND EXTRACT(HOUR FROM scheduled_time) = $3
		  AND DATE(collected_at) = DATE($4)
		  AND processed = true
	`, key.RouteID, key.StopID, key.Hour, date.UTC())
	if err != nil {
		return nil, fmt.Errorf("querying hour records: %w", err)
	}
	defer rows.Close()
	return scanDelayRecords(rows)
}

func (s *Store) UpsertHourly(ctx context.Context, agg models.HourlyPunctuality) error {
	_, err := s.db.DB().ExecContext(ctx, `
		INSERT INTO hourly_punctuality_stats
			(route_id, stop_id, hour_of_day, stat_date, total_trips,
			 on_time_trips, avg_arrival_delay, max_arrival_delay, punctuality_rate)
		VALUES ($1, $2, $3, DATE($4), $5, $6, $7, $8, $9)
		ON CONFLICT (route_id, stop_id, hour_of_day, stat_date) DO UPDATE SET
			total_trips = EXCLUDED.total_trips,
			on_time_trips = EXCLUDED.on_time_trips,
			avg_arrival_delay = EXCLUDED.avg_arrival_delay,
			max_arrival_delay = EXCLUDED.max_arrival_delay,
			punctuality_rate = EXCLUDED.punctuality_rate,
			updated_at = CURRENT_TIMESTAMP
	`, agg.RouteID, agg.StopID, agg.HourOfDay, agg.StatDate.UTC(), agg.TotalTrips,
		agg.OnTimeTrips, agg.AvgArrivalDelay, agg.MaxArrivalDelay, agg.PunctualityRate)
	if err != nil {
		return fmt.Errorf("upserting hourly aggregate: %w", err)
	}
	return nil
}

func (s *Store) RouteDayAggregates(ctx context.Context, date time.Time) ([]models.RouteDailyPunctuality, error) {
	rows, err := s.db.DB().QueryContext(ctx, `
		SELECT route_id, stat_date, total_trips, on_time_trips, early_trips,
		       late_trips, very_late_trips, avg_arrival_delay, max_arrival_delay,
		       min_arrival_delay, punctuality_rate, early_rate, late_rate, very_late_rate
		FROM route_daily_punctuality
		WHERE stat_date = DATE($1)
		ORDER BY route_id
	`, date.UTC())
	if err != nil {
		return nil, fmt.Errorf("querying route day aggregates: %w", err)
	}
	defer rows.Close()
	return scanRouteAggs(rows)
}

func (s *Store) HourlyAggregates(ctx context.Context, date time.Time) ([]models.HourlyPunctuality, error) {
	rows, err := s.db.DB().QueryContext(ctx, `
		SELECT route_id, stop_id, hour_of_day, stat_date, total_trips,
		       on_time_trips, avg_arrival_delay, max_arrival_delay, punctuality_rate
		FROM hourly_punctuality_stats
		WHERE stat_date = DATE($1)
		ORDER BY route_id, stop_id, hour_of_day
	`, date.UTC())
	if err != nil {
		return nil, fmt.Errorf("querying hourly aggregates: %w", err)
	}
	defer rows.Close()

	var aggs []models.HourlyPunctuality
	for rows.Next() {
		var a models.HourlyPunctuality
		if err := rows.Scan(&a.RouteID, &a.StopID, &a.HourOfDay, &a.StatDate, &a.TotalTrips,
			&a.OnTimeTrips, &a.AvgArrivalDelay, &a.MaxArrivalDelay, &a.PunctualityRate); err != nil {
			return nil, fmt.Errorf("scanning hourly aggregate: %w", err)
		}
		aggs = append(aggs, a)
	}
	return aggs, rows.Err()
}

func (s *Store) UpsertSystemOverview(ctx context.Context, ov models.SystemOverview) error {
	_, err := s.db.DB().ExecContext(ctx, `
		INSERT INTO system_punctuality_overview
			(stat_date, total_routes, total_trips, system_punctuality_rate,
			 system_avg_delay_minutes, morning_peak_rate, evening_peak_rate, off_peak_rate)
		VALUES (DATE($1), $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (stat_date) DO UPDATE SET
			total_routes = EXCLUDED.total_routes,
			total_trips = EXCLUDED.total_trips,
			system_punctuality_rate = EXCLUDED.system_punctuality_rate,
			system_avg_delay_minutes = EXCLUDED.system_avg_delay_minutes,
			morning_peak_rate = EXCLUDED.morning_peak_rate,
			evening_peak_rate = EXCLUDED.evening_peak_rate,
			off_peak_rate = EXCLUDED.off_peak_rate,
			updated_at = CURRENT_TIMESTAMP
	`, ov.StatDate.UTC(), ov.TotalRoutes, ov.TotalTrips, ov.PunctualityRate,
		ov.AvgDelayMinutes, ov.MorningPeakRate, ov.EveningPeakRate, ov.OffPeakRate)
	if err != nil {
		return fmt.Errorf("upserting system overview: %w", err)
	}
	return nil
}

func (s *Store) RoutePunctualityRange(ctx context.Context, routeID string, from, to time.Time) ([]models.RouteDailyPunctuality, error) {
	rows, err := s.db.DB().QueryContext(ctx, `
		SELECT route_id, stat_date, total_trips, on_time_trips, early_trips,
		       late_trips, very_late_trips, avg_arrival_delay, max_arrival_delay,
		       min_arrival_delay, punctuality_rate, early_rate, late_rate, very_late_rate
		FROM route_daily_punctuality
		WHERE route_id = $1 AND stat_date BETWEEN DATE($2) AND DATE($3)
		ORDER BY stat_date
	`, routeID, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("querying route punctuality range: %w", err)
	}
	defer rows.Close()
	return scanRouteAggs(rows)
}

func (s *Store) SystemOverview(ctx context.Context, date time.Time) (*models.SystemOverview, error) {
	var ov models.SystemOverview
	err := s.db.DB().QueryRowContext(ctx, `
		SELECT stat_date, total_routes, total_trips, system_punctuality_rate,
		       system_avg_delay_minutes, morning_peak_rate, evening_peak_rate, off_peak_rate
		FROM system_punctuality_overview
		WHERE stat_date = DATE($1)
	`, date.UTC()).Scan(&ov.StatDate, &ov.TotalRoutes, &ov.TotalTrips, &ov.PunctualityRate,
		&ov.AvgDelayMinutes, &ov.MorningPeakRate, &ov.EveningPeakRate, &ov.OffPeakRate)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying system overview: %w", err)
	}
	return &ov, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func scanDelayRecords(rows *sql.Rows) ([]models.DelayRecord, error) {
	var recs []models.DelayRecord
	for rows.Next() {
		var r models.DelayRecord
		if err := rows.Scan(&r.ID, &r.TripID, &r.RouteID, &r.StopID, &r.StopSequence,
			&r.VehicleID, &r.ScheduledTime, &r.ActualTime,
			&r.CollectedAt, &r.ArrivalDelay, &r.DepartureDelay, &r.Processed); err != nil {
			return nil, fmt.Errorf("scanning delay record: %w", err)
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

func scanRouteAggs(rows *sql.Rows) ([]models.RouteDailyPunctuality, error) {
	var aggs []models.RouteDailyPunctuality
	for rows.Next() {
		var a models.RouteDailyPunctuality
		if err := rows.Scan(&a.RouteID, &a.StatDate, &a.TotalTrips, &a.OnTimeTrips, &a.EarlyTrips,
			&a.LateTrips, &a.VeryLateTrips, &a.AvgArrivalDelay, &a.MaxArrivalDelay,
			&a.MinArrivalDelay, &a.PunctualityRate, &a.EarlyRate, &a.LateRate, &a.VeryLateRate); err != nil {
			return nil, fmt.Errorf("scanning route aggregate: %w", err)
		}
		aggs = append(aggs, a)
	}
	return aggs, rows.Err()
}
