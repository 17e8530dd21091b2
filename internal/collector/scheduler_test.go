package collector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/transitpulse/punctuality-service/internal/common/config"
	"github.com/transitpulse/punctuality-service/internal/common/logger"
	"github.com/transitpulse/punctuality-service/internal/configstore"
	"github.com/transitpulse/punctuality-service/internal/metrics"
	"github.com/transitpulse/punctuality-service/internal/punctuality"
	"github.com/transitpulse/punctuality-service/internal/speed"
	"github.com/transitpulse/punctuality-service/pkg/models"
)

type fakeFeed struct {
	positions []models.VehiclePosition
	updates   []models.TripStopUpdate
	posErr    error
	updErr    error
}

func (f *fakeFeed) FetchVehiclePositions(ctx context.Context) ([]models.VehiclePosition, error) {
	return f.positions, f.posErr
}

func (f *fakeFeed) FetchTripUpdates(ctx context.Context) ([]models.TripStopUpdate, error) {
	return f.updates, f.updErr
}

type fakeEngine struct {
	mu         sync.Mutex
	records    []models.DelayRecord
	recordErr  error
	rollupDays int
	thresholds punctuality.Thresholds
}

func (f *fakeEngine) Record(ctx context.Context, rec models.DelayRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recordErr != nil {
		return f.recordErr
	}
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeEngine) RollupDay(ctx context.Context, date time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rollupDays++
	return nil
}

func (f *fakeEngine) RollupHour(ctx context.Context, date time.Time) error         { return nil }
func (f *fakeEngine) RollupSystemOverview(ctx context.Context, date time.Time) error { return nil }

func (f *fakeEngine) SetThresholds(t punctuality.Thresholds) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.thresholds = t
}

func (f *fakeEngine) recorded() []models.DelayRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.DelayRecord, len(f.records))
	copy(out, f.records)
	return out
}

type fakeStore struct {
	mu        sync.Mutex
	inserted  int
	insertErr error
	deleted   []time.Time
}

func (f *fakeStore) InsertVehiclePositions(ctx context.Context, positions []models.VehiclePosition) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return 0, f.insertErr
	}
	f.inserted += len(positions)
	return len(positions), nil
}

func (f *fakeStore) DeleteAgedDelayRecords(ctx context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, cutoff)
	return 3, nil
}

func (f *fakeStore) DeleteAgedPositions(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

type fakeConfigs struct {
	settings  configstore.Settings
	reloadErr error
	reloads   int
}

func (f *fakeConfigs) Snapshot() configstore.Settings { return f.settings }

func (f *fakeConfigs) Reload(ctx context.Context) error {
	f.reloads++
	return f.reloadErr
}

func testLogger() logger.Logger {
	return logger.New(logger.ParseLogLevel("error"))
}

func newTestScheduler(feed *fakeFeed, engine *fakeEngine, store *fakeStore, configs *fakeConfigs) *Scheduler {
	return NewScheduler(
		testLogger(),
		config.CollectorConfig{ConfigReloadInterval: time.Hour, CleanupHour: 2},
		feed, engine, store, configs,
		speed.NewEstimator(),
		nil,
		metrics.NewCollector(),
	)
}

func TestFetchFailureSkipsWholeCycle(t *testing.T) {
	feed := &fakeFeed{posErr: errors.New("upstream 503")}
	engine := &fakeEngine{}
	store := &fakeStore{}
	s := newTestScheduler(feed, engine, store, &fakeConfigs{settings: configstore.DefaultSettings()})

	s.collectCycle(context.Background())

	if store.inserted != 0 {
		t.Errorf("expected no positions stored after fetch failure, got %d", store.inserted)
	}
	if engine.rollupDays != 0 {
		t.Errorf("expected no rollup after fetch failure, got %d", engine.rollupDays)
	}
	if s.consecutiveFailures != 1 {
		t.Errorf("expected 1 consecutive failure, got %d", s.consecutiveFailures)
	}
}

func TestSuccessResetsFailureCounter(t *testing.T) {
	feed := &fakeFeed{posErr: errors.New("upstream 503")}
	engine := &fakeEngine{}
	store := &fakeStore{}
	s := newTestScheduler(feed, engine, store, &fakeConfigs{settings: configstore.DefaultSettings()})

	s.collectCycle(context.Background())
	s.collectCycle(context.Background())
	if s.consecutiveFailures != 2 {
		t.Fatalf("expected 2 consecutive failures, got %d", s.consecutiveFailures)
	}

	feed.posErr = nil
	s.collectCycle(context.Background())
	if s.consecutiveFailures != 0 {
		t.Errorf("expected failure counter reset after success, got %d", s.consecutiveFailures)
	}
	if engine.rollupDays != 1 {
		t.Errorf("expected 1 rollup after successful cycle, got %d", engine.rollupDays)
	}
}

func TestMalformedUpdateIsSkippedBatchContinues(t *testing.T) {
	sched := time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC)
	feed := &fakeFeed{
		updates: []models.TripStopUpdate{
			{TripID: "t1", RouteID: "r1", StopID: "", ScheduledTime: sched}, // missing stop
			{TripID: "", RouteID: "r1", StopID: "s1", ScheduledTime: sched}, // missing trip
			{TripID: "t2", RouteID: "r1", StopID: "s2"},                     // missing schedule
			{TripID: "t4", StopID: "s4", ScheduledTime: sched},              // missing route
			{TripID: "t3", StopID: "s3", RouteID: "r1", ScheduledTime: sched, ArrivalDelay: 90},
		},
	}
	engine := &fakeEngine{}
	s := newTestScheduler(feed, engine, &fakeStore{}, &fakeConfigs{settings: configstore.DefaultSettings()})

	s.collectCycle(context.Background())

	recs := engine.recorded()
	if len(recs) != 1 {
		t.Fatalf("expected 1 record from 5 updates, got %d", len(recs))
	}
	if recs[0].TripID != "t3" || recs[0].ArrivalDelay != 90 {
		t.Errorf("unexpected record stored: %+v", recs[0])
	}
	if recs[0].CollectedAt.IsZero() {
		t.Error("expected CollectedAt to be stamped")
	}
}

func TestRecordFailureDoesNotAbortCycle(t *testing.T) {
	sched := time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC)
	feed := &fakeFeed{
		updates: []models.TripStopUpdate{
			{TripID: "t1", StopID: "s1", ScheduledTime: sched},
		},
	}
	engine := &fakeEngine{recordErr: errors.New("constraint violation")}
	s := newTestScheduler(feed, engine, &fakeStore{}, &fakeConfigs{settings: configstore.DefaultSettings()})

	s.collectCycle(context.Background())

	if s.consecutiveFailures != 0 {
		t.Errorf("per-record failure should not fail the cycle, got %d failures", s.consecutiveFailures)
	}
	if engine.rollupDays != 1 {
		t.Errorf("expected rollup to still run, got %d", engine.rollupDays)
	}
}

func TestReloadAppliesNewIntervalAndThresholds(t *testing.T) {
	configs := &fakeConfigs{settings: configstore.Settings{
		EarlyThresholdSeconds:    30,
		OnTimeThresholdSeconds:   90,
		VeryLateThresholdSeconds: 240,
		CollectionInterval:       5 * time.Minute,
		RetentionDays:            90,
	}}
	engine := &fakeEngine{}
	s := newTestScheduler(&fakeFeed{}, engine, &fakeStore{}, configs)

	next := s.reloadConfig(context.Background(), 2*time.Minute)

	if next != 5*time.Minute {
		t.Errorf("expected interval 5m after reload, got %s", next)
	}
	if engine.thresholds.OnTimeSeconds != 90 {
		t.Errorf("expected thresholds pushed to engine, got %+v", engine.thresholds)
	}
}

func TestReloadFailureKeepsInterval(t *testing.T) {
	configs := &fakeConfigs{
		settings:  configstore.DefaultSettings(),
		reloadErr: errors.New("db down"),
	}
	engine := &fakeEngine{}
	s := newTestScheduler(&fakeFeed{}, engine, &fakeStore{}, configs)

	next := s.reloadConfig(context.Background(), 2*time.Minute)

	if next != 2*time.Minute {
		t.Errorf("expected interval unchanged on reload failure, got %s", next)
	}
	if engine.thresholds != (punctuality.Thresholds{}) {
		t.Errorf("expected no threshold push on reload failure, got %+v", engine.thresholds)
	}
}

func TestCleanupUsesRetentionCutoff(t *testing.T) {
	configs := &fakeConfigs{settings: configstore.DefaultSettings()}
	store := &fakeStore{}
	s := newTestScheduler(&fakeFeed{}, &fakeEngine{}, store, configs)

	fixed := time.Date(2026, 8, 28, 2, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	s.cleanup(context.Background())

	if len(store.deleted) != 1 {
		t.Fatalf("expected 1 cleanup call, got %d", len(store.deleted))
	}
	want := fixed.AddDate(0, 0, -configs.settings.RetentionDays)
	if !store.deleted[0].Equal(want) {
		t.Errorf("cutoff = %s, want %s", store.deleted[0], want)
	}
}

func TestUntilNextCleanup(t *testing.T) {
	tests := []struct {
		name string
		now  time.Time
		hour int
		want time.Duration
	}{
		{
			name: "later today",
			now:  time.Date(2026, 8, 28, 0, 30, 0, 0, time.UTC),
			hour: 2,
			want: 90 * time.Minute,
		},
		{
			name: "already passed rolls to tomorrow",
			now:  time.Date(2026, 8, 28, 3, 0, 0, 0, time.UTC),
			hour: 2,
			want: 23 * time.Hour,
		},
		{
			name: "exactly at the hour waits a full day",
			now:  time.Date(2026, 8, 28, 2, 0, 0, 0, time.UTC),
			hour: 2,
			want: 24 * time.Hour,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := untilNextCleanup(tt.now, tt.hour); got != tt.want {
				t.Errorf("untilNextCleanup(%s, %d) = %s, want %s", tt.now, tt.hour, got, tt.want)
			}
		})
	}
}

func TestStartStopDrains(t *testing.T) {
	configs := &fakeConfigs{settings: configstore.Settings{
		EarlyThresholdSeconds:    60,
		OnTimeThresholdSeconds:   120,
		VeryLateThresholdSeconds: 300,
		CollectionInterval:       10 * time.Millisecond,
		RetentionDays:            90,
	}}
	engine := &fakeEngine{}
	s := newTestScheduler(&fakeFeed{}, engine, &fakeStore{}, configs)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(context.Background()); err == nil {
		t.Error("expected error starting an already-running scheduler")
	}

	time.Sleep(50 * time.Millisecond)
	s.Stop()

	if s.IsRunning() {
		t.Error("expected IsRunning false after Stop")
	}
	if engine.rollupDays == 0 {
		t.Error("expected at least one cycle before Stop")
	}
	// Stop again is a no-op.
	s.Stop()
}
