// Package collector runs the periodic collection loop: fetch the
// realtime feed, derive speeds and delay records, persist them, and
// trigger the daily rollups and retention cleanup.
package collector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/transitpulse/punctuality-service/internal/common/config"
	"github.com/transitpulse/punctuality-service/internal/common/logger"
	"github.com/transitpulse/punctuality-service/internal/configstore"
	"github.com/transitpulse/punctuality-service/internal/metrics"
	"github.com/transitpulse/punctuality-service/internal/publisher"
	"github.com/transitpulse/punctuality-service/internal/punctuality"
	"github.com/transitpulse/punctuality-service/internal/speed"
	"github.com/transitpulse/punctuality-service/pkg/models"
)

// FeedClient fetches and decodes the realtime feed.
type FeedClient interface {
	FetchVehiclePositions(ctx context.Context) ([]models.VehiclePosition, error)
	FetchTripUpdates(ctx context.Context) ([]models.TripStopUpdate, error)
}

// Engine is the aggregation side of the pipeline.
type Engine interface {
	Record(ctx context.Context, rec models.DelayRecord) error
	RollupDay(ctx context.Context, date time.Time) error
	RollupHour(ctx context.Context, date time.Time) error
	RollupSystemOverview(ctx context.Context, date time.Time) error
	SetThresholds(t punctuality.Thresholds)
}

// PositionStore persists raw positions and ages out old rows.
type PositionStore interface {
	InsertVehiclePositions(ctx context.Context, positions []models.VehiclePosition) (int, error)
	DeleteAgedDelayRecords(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteAgedPositions(ctx context.Context, cutoff time.Time) (int64, error)
}

// SpeedPublisher streams derived speed samples to live consumers.
type SpeedPublisher interface {
	PublishSpeed(s publisher.SpeedSample) error
}

// Configs serves runtime settings and reloads them from the database.
type Configs interface {
	Snapshot() configstore.Settings
	Reload(ctx context.Context) error
}

// Scheduler drives the collection loop. Start and Stop are safe to call
// from any goroutine; Stop blocks until the loop has drained.
type Scheduler struct {
	log     logger.Logger
	cfg     config.CollectorConfig
	feed    FeedClient
	engine  Engine
	store   PositionStore
	configs Configs
	est     *speed.Estimator
	pub     SpeedPublisher // nil disables live publishing
	met     *metrics.Collector

	now func() time.Time

	mu        sync.RWMutex
	isRunning bool
	cancelFn  context.CancelFunc
	wg        sync.WaitGroup

	consecutiveFailures int
}

func NewScheduler(
	log logger.Logger,
	cfg config.CollectorConfig,
	feed FeedClient,
	engine Engine,
	store PositionStore,
	configs Configs,
	est *speed.Estimator,
	pub SpeedPublisher,
	met *metrics.Collector,
) *Scheduler {
	return &Scheduler{
		log:     log,
		cfg:     cfg,
		feed:    feed,
		engine:  engine,
		store:   store,
		configs: configs,
		est:     est,
		pub:     pub,
		met:     met,
		now:     time.Now,
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return fmt.Errorf("scheduler is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancelFn = cancel
	s.isRunning = true

	s.wg.Add(1)
	go s.run(runCtx)

	s.log.Info("Collection scheduler started",
		"reload_interval", s.cfg.ConfigReloadInterval.String(),
		"cleanup_hour", s.cfg.CleanupHour)
	return nil
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	cancel := s.cancelFn
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.log.Info("Collection scheduler stopped")
}

func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	interval := s.configs.Snapshot().CollectionInterval
	collectTicker := time.NewTicker(interval)
	defer collectTicker.Stop()

	reloadTicker := time.NewTicker(s.cfg.ConfigReloadInterval)
	defer reloadTicker.Stop()

	cleanupTimer := time.NewTimer(untilNextCleanup(s.now(), s.cfg.CleanupHour))
	defer cleanupTimer.Stop()

	// First cycle runs immediately rather than one interval in.
	s.collectCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-collectTicker.C:
			s.collectCycle(ctx)
		case <-reloadTicker.C:
			if next := s.reloadConfig(ctx, interval); next != interval {
				interval = next
				collectTicker.Reset(interval)
			}
		case <-cleanupTimer.C:
			s.cleanup(ctx)
			cleanupTimer.Reset(untilNextCleanup(s.now(), s.cfg.CleanupHour))
		}
	}
}

// reloadConfig refreshes settings from the database and returns the
// collection interval to run with. A failed reload keeps the previous
// settings.
func (s *Scheduler) reloadConfig(ctx context.Context, current time.Duration) time.Duration {
	if err := s.configs.Reload(ctx); err != nil {
		s.log.Warn("Config reload failed, keeping previous settings", "error", err)
		return current
	}
	snap := s.configs.Snapshot()
	s.engine.SetThresholds(snap.Thresholds())
	if snap.CollectionInterval != current {
		s.log.Info("Collection interval changed",
			"previous", current.String(),
			"current", snap.CollectionInterval.String())
	}
	return snap.CollectionInterval
}

func (s *Scheduler) collectCycle(ctx context.Context) {
	start := s.now()
	s.met.CyclesTotal.Inc()

	if err := s.runCycle(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.met.CycleErrors.Inc()
		s.consecutiveFailures++
		s.met.ConsecutiveFailures.Set(float64(s.consecutiveFailures))
		s.log.Error("Collection cycle failed", "error", err,
			"consecutive_failures", s.consecutiveFailures)
		return
	}

	s.consecutiveFailures = 0
	s.met.ConsecutiveFailures.Set(0)
	s.met.CycleDuration.Observe(s.now().Sub(start).Seconds())
}

func (s *Scheduler) runCycle(ctx context.Context) error {
	positions, err := s.feed.FetchVehiclePositions(ctx)
	if err != nil {
		return fmt.Errorf("fetching vehicle positions: %w", err)
	}
	updates, err := s.feed.FetchTripUpdates(ctx)
	if err != nil {
		return fmt.Errorf("fetching trip updates: %w", err)
	}

	s.ingestPositions(ctx, positions)
	if len(positions) > 0 {
		if _, err := s.store.InsertVehiclePositions(ctx, positions); err != nil {
			return fmt.Errorf("storing vehicle positions: %w", err)
		}
		s.met.VehiclePositions.Add(float64(len(positions)))
	}

	if err := s.ingestUpdates(ctx, updates); err != nil {
		return err
	}

	s.rollup(ctx)
	return nil
}

// ingestPositions feeds the speed estimator and publishes derived
// samples. Publish failures are logged and dropped.
func (s *Scheduler) ingestPositions(_ context.Context, positions []models.VehiclePosition) {
	for _, p := range positions {
		if p.VehicleID == "" || p.Timestamp.IsZero() {
			s.met.MalformedEntities.Inc()
			continue
		}
		sample := s.est.Update(p.VehicleID, p.Latitude, p.Longitude, p.Timestamp)
		if sample == nil {
			continue
		}
		s.met.SpeedSamples.Inc()
		if s.pub == nil {
			continue
		}
		err := s.pub.PublishSpeed(publisher.SpeedSample{
			VehicleID: p.VehicleID,
			RouteID:   p.RouteID,
			Latitude:  p.Latitude,
			Longitude: p.Longitude,
			SpeedKMH:  sample.SpeedKMH,
			Timestamp: p.Timestamp,
		})
		if err != nil {
			s.log.Warn("Dropping speed sample", "vehicle_id", p.VehicleID, "error", err)
		}
	}
	s.met.TrackedVehicles.Set(float64(s.est.VehicleCount()))
}

func (s *Scheduler) ingestUpdates(ctx context.Context, updates []models.TripStopUpdate) error {
	collected := s.now()
	stored := 0
	for _, u := range updates {
		if u.TripID == "" || u.RouteID == "" || u.StopID == "" || u.ScheduledTime.IsZero() {
			s.met.MalformedEntities.Inc()
			continue
		}
		rec := models.DelayRecord{
			TripID:         u.TripID,
			RouteID:        u.RouteID,
			StopID:         u.StopID,
			StopSequence:   u.StopSequence,
			VehicleID:      u.VehicleID,
			ScheduledTime:  u.ScheduledTime,
			ActualTime:     u.ActualTime,
			CollectedAt:    collected,
			ArrivalDelay:   u.ArrivalDelay,
			DepartureDelay: u.DepartureDelay,
		}
		if err := s.engine.Record(ctx, rec); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Warn("Failed to record delay",
				"trip_id", u.TripID, "stop_id", u.StopID, "error", err)
			continue
		}
		stored++
	}
	if stored > 0 {
		s.met.TripStopUpdates.Add(float64(len(updates)))
		s.met.DelayRecords.Add(float64(stored))
	}
	return nil
}

// rollup folds unprocessed records into the daily, hourly, and system
// aggregates. Per-key failures inside a rollup are retried on the next
// cycle because failed keys stay unprocessed.
func (s *Scheduler) rollup(ctx context.Context) {
	start := s.now()
	today := start

	if err := s.engine.RollupDay(ctx, today); err != nil {
		s.log.Warn("Route-day rollup incomplete", "error", err)
	}
	if err := s.engine.RollupHour(ctx, today); err != nil {
		s.log.Warn("Hourly rollup incomplete", "error", err)
	}
	if err := s.engine.RollupSystemOverview(ctx, today); err != nil {
		s.log.Warn("System overview rollup failed", "error", err)
	}

	s.met.RollupDuration.Observe(s.now().Sub(start).Seconds())
}

// cleanup deletes raw rows older than the retention window.
func (s *Scheduler) cleanup(ctx context.Context) {
	snap := s.configs.Snapshot()
	cutoff := s.now().AddDate(0, 0, -snap.RetentionDays)

	delays, err := s.store.DeleteAgedDelayRecords(ctx, cutoff)
	if err != nil {
		s.log.Error("Delay record cleanup failed", "error", err)
	} else {
		s.met.CleanupDeleted.WithLabelValues("realtime_delay_records").Add(float64(delays))
	}

	positions, err := s.store.DeleteAgedPositions(ctx, cutoff)
	if err != nil {
		s.log.Error("Vehicle position cleanup failed", "error", err)
	} else {
		s.met.CleanupDeleted.WithLabelValues("realtime_vehicle_positions").Add(float64(positions))
	}

	s.log.Info("Retention cleanup finished",
		"cutoff", cutoff.Format(time.RFC3339),
		"delay_records_deleted", delays,
		"positions_deleted", positions)
}

// untilNextCleanup returns the duration from now to the next occurrence
// of the given local hour.
func untilNextCleanup(now time.Time, hour int) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now)
}
