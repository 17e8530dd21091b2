// Package aggregate maintains punctuality rollups over raw delay facts.
package aggregate

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/transitpulse/punctuality-service/internal/common/logger"
	"github.com/transitpulse/punctuality-service/internal/punctuality"
	"github.com/transitpulse/punctuality-service/pkg/models"
)

// DefaultMinTripsForWorst is the floor applied to the worst-routes
// ranking so single-trip routes cannot dominate the bottom list.
const DefaultMinTripsForWorst = 10

// Store is the persistence surface the engine drives. The Postgres
// implementation lives in internal/store; tests use an in-memory fake.
type Store interface {
	AppendDelayRecord(ctx context.Context, rec models.DelayRecord) error

	// Day rollup support. UpsertRouteDay must, in one transaction,
	// upsert the aggregate and mark the key's records for the date
	// processed; a failure rolls both back.
	UnprocessedRouteIDs(ctx context.Context, date time.Time) ([]string, error)
	RouteDayRecords(ctx context.Context, routeID string, date time.Time) ([]models.DelayRecord, error)
	UpsertRouteDay(ctx context.Context, agg models.RouteDailyPunctuality) error
	ProcessedStopIDs(ctx context.Context, date time.Time) ([]string, error)
	StopDayRecords(ctx context.Context, stopID string, date time.Time) ([]models.DelayRecord, error)
	UpsertStopDay(ctx context.Context, agg models.StopDailyPunctuality) error

	// Hour rollup support, scoped to processed records.
	ProcessedHourKeys(ctx context.Context, date time.Time) ([]models.HourKey, error)
	HourRecords(ctx context.Context, key models.HourKey, date time.Time) ([]models.DelayRecord, error)
	UpsertHourly(ctx context.Context, agg models.HourlyPunctuality) error

	// System overview support and read projections.
	RouteDayAggregates(ctx context.Context, date time.Time) ([]models.RouteDailyPunctuality, error)
	HourlyAggregates(ctx context.Context, date time.Time) ([]models.HourlyPunctuality, error)
	UpsertSystemOverview(ctx context.Context, ov models.SystemOverview) error
	RoutePunctualityRange(ctx context.Context, routeID string, from, to time.Time) ([]models.RouteDailyPunctuality, error)
	SystemOverview(ctx context.Context, date time.Time) (*models.SystemOverview, error)
}

// Engine records raw delay facts and recomputes the persisted rollups.
type Engine struct {
	store            Store
	tracker          *punctuality.Tracker
	thresholds       punctuality.Thresholds
	minTripsForWorst int
	logger           logger.Logger
}

func New(store Store, thresholds punctuality.Thresholds, log logger.Logger) *Engine {
	return &Engine{
		store:            store,
		tracker:          punctuality.NewTracker(thresholds),
		thresholds:       thresholds,
		minTripsForWorst: DefaultMinTripsForWorst,
		logger:           log,
	}
}

// SetThresholds applies reloaded classification thresholds to subsequent
// recording and rollup passes.
func (e *Engine) SetThresholds(t punctuality.Thresholds) {
	e.thresholds = t
	e.tracker.SetThresholds(t)
}

// Tracker exposes the in-memory running cache for live queries.
func (e *Engine) Tracker() *punctuality.Tracker {
	return e.tracker
}

// Record appends one raw delay fact and updates the running cache. It
// has no rollup side effect.
func (e *Engine) Record(ctx context.Context, rec models.DelayRecord) error {
	if err := e.store.AppendDelayRecord(ctx, rec); err != nil {
		return fmt.Errorf("appending delay record: %w", err)
	}
	e.tracker.Add(rec)
	return nil
}

// RollupDay recomputes route-day aggregates for every route with
// unprocessed records on the date, then stop-day aggregates over the
// date's processed records. Each key is one transaction: a failed upsert
// leaves that key's records unprocessed for retry on the next cycle and
// does not block the remaining keys.
func (e *Engine) RollupDay(ctx context.Context, date time.Time) error {
	routeIDs, err := e.store.UnprocessedRouteIDs(ctx, date)
	if err != nil {
		return fmt.Errorf("listing unprocessed routes: %w", err)
	}

	failed := 0
	for _, routeID := range routeIDs {
		if err := ctx.Err(); err != nil {
			return err
		}
		recs, err := e.store.RouteDayRecords(ctx, routeID, date)
		if err != nil {
			e.logger.Error("Failed to load route day records", "route_id", routeID, "error", err)
			failed++
			continue
		}
		if len(recs) == 0 {
			continue
		}
		agg := ComputeRouteDay(routeID, date, recs, e.thresholds)
		if err := e.store.UpsertRouteDay(ctx, agg); err != nil {
			e.logger.Error("Route day upsert failed, records stay unprocessed",
				"route_id", routeID, "error", err)
			failed++
			continue
		}
	}

	stopIDs, err := e.store.ProcessedStopIDs(ctx, date)
	if err != nil {
		return fmt.Errorf("listing stops: %w", err)
	}
	for _, stopID := range stopIDs {
		if err := ctx.Err(); err != nil {
			return err
		}
		recs, err := e.store.StopDayRecords(ctx, stopID, date)
		if err != nil {
			e.logger.Error("Failed to load stop day records", "stop_id", stopID, "error", err)
			failed++
			continue
		}
		if len(recs) == 0 {
			continue
		}
		agg := ComputeStopDay(stopID, date, recs, e.thresholds)
		if err := e.store.UpsertStopDay(ctx, agg); err != nil {
			e.logger.Error("Stop day upsert failed", "stop_id", stopID, "error", err)
			failed++
		}
	}

	if failed > 0 {
		return fmt.Errorf("day rollup: %d key(s) failed", failed)
	}
	return nil
}

// RollupHour recomputes the hourly slices for the date from processed
// records, partitioned by hour of the scheduled stop time.
func (e *Engine) RollupHour(ctx context.Context, date time.Time) error {
	keys, err := e.store.ProcessedHourKeys(ctx, date)
	if err != nil {
		return fmt.Errorf("listing hour keys: %w", err)
	}

	failed := 0
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		recs, err := e.store.HourRecords(ctx, key, date)
		if err != nil {
			e.logger.Error("Failed to load hour records",
				"route_id", key.RouteID, "stop_id", key.StopID, "hour", key.Hour, "error", err)
			failed++
			continue
		}
		if len(recs) == 0 {
			continue
		}
		agg := ComputeHourly(key, date, recs, e.thresholds)
		if err := e.store.UpsertHourly(ctx, agg); err != nil {
			e.logger.Error("Hourly upsert failed",
				"route_id", key.RouteID, "stop_id", key.StopID, "hour", key.Hour, "error", err)
			failed++
		}
	}

	if failed > 0 {
		return fmt.Errorf("hour rollup: %d key(s) failed", failed)
	}
	return nil
}

// RollupSystemOverview derives the system-day row from the persisted
// route-day aggregates plus the hourly table's peak slices.
func (e *Engine) RollupSystemOverview(ctx context.Context, date time.Time) error {
	routes, err := e.store.RouteDayAggregates(ctx, date)
	if err != nil {
		return fmt.Errorf("loading route aggregates: %w", err)
	}
	if len(routes) == 0 {
		return nil
	}
	hourly, err := e.store.HourlyAggregates(ctx, date)
	if err != nil {
		return fmt.Errorf("loading hourly aggregates: %w", err)
	}

	ov := ComputeSystemOverview(date, routes, hourly)
	if err := e.store.UpsertSystemOverview(ctx, ov); err != nil {
		return fmt.Errorf("upserting system overview: %w", err)
	}
	return nil
}

// RoutePunctuality returns the persisted daily aggregates for a route
// within [from, to].
func (e *Engine) RoutePunctuality(ctx context.Context, routeID string, from, to time.Time) ([]models.RouteDailyPunctuality, error) {
	return e.store.RoutePunctualityRange(ctx, routeID, from, to)
}

// BestWorstRoutes returns the n best and n worst routes for the date by
// punctuality rate. The minimum-trip floor applies only to the worst
// ranking.
func (e *Engine) BestWorstRoutes(ctx context.Context, date time.Time, n int) (best, worst []models.RouteRanking, err error) {
	routes, err := e.store.RouteDayAggregates(ctx, date)
	if err != nil {
		return nil, nil, fmt.Errorf("loading route aggregates: %w", err)
	}

	rankings := make([]models.RouteRanking, 0, len(routes))
	for _, r := range routes {
		rankings = append(rankings, models.RouteRanking{
			RouteID:         r.RouteID,
			PunctualityRate: r.PunctualityRate,
			TotalTrips:      r.TotalTrips,
			AvgDelayMinutes: r.AvgArrivalDelay / 60,
		})
	}

	sort.Slice(rankings, func(i, j int) bool {
		return rankings[i].PunctualityRate > rankings[j].PunctualityRate
	})

	for _, r := range rankings {
		if len(best) == n {
			break
		}
		best = append(best, r)
	}
	for i := len(rankings) - 1; i >= 0 && len(worst) < n; i-- {
		if rankings[i].TotalTrips < e.minTripsForWorst {
			continue
		}
		worst = append(worst, rankings[i])
	}

	return best, worst, nil
}

// SystemOverview returns the persisted system-day row, or nil if the
// date has no rollup yet.
func (e *Engine) SystemOverview(ctx context.Context, date time.Time) (*models.SystemOverview, error) {
	return e.store.SystemOverview(ctx, date)
}
