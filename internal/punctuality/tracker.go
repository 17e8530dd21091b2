package punctuality

import (
	"time"

	"github.com/transitpulse/punctuality-service/pkg/models"
)

// RunningRecord is the in-memory running statistic for one (route, stop)
// pair, updated incrementally as delay records arrive. It serves live
// queries within a collection cycle; the persisted rollups recomputed
// from raw records remain the source of truth.
type RunningRecord struct {
	RouteID string
	StopID  string

	TripCount     int
	OnTimeCount   int
	EarlyCount    int
	LateCount     int
	VeryLateCount int

	AvgArrivalDelay   float64
	AvgDepartureDelay float64
	MaxDelay          int
	MinDelay          int

	Start time.Time
	End   time.Time
}

// Tracker owns the running statistics cache.
type Tracker struct {
	thresholds Thresholds
	records    map[string]*RunningRecord
}

func NewTracker(t Thresholds) *Tracker {
	return &Tracker{
		thresholds: t,
		records:    make(map[string]*RunningRecord),
	}
}

// SetThresholds swaps the classification thresholds used for subsequent
// records. Already-tallied counts are not reclassified.
func (tr *Tracker) SetThresholds(t Thresholds) {
	tr.thresholds = t
}

// Add folds one delay record into the running statistic for its key.
func (tr *Tracker) Add(rec models.DelayRecord) {
	key := rec.RouteID + "|" + rec.StopID
	r, ok := tr.records[key]
	if !ok {
		r = &RunningRecord{
			RouteID:  rec.RouteID,
			StopID:   rec.StopID,
			MaxDelay: rec.ArrivalDelay,
			MinDelay: rec.ArrivalDelay,
			Start:    rec.ScheduledTime,
			End:      rec.ScheduledTime,
		}
		tr.records[key] = r
	}

	r.TripCount++

	switch Classify(rec.ArrivalDelay, tr.thresholds) {
	case StatusOnTime:
		r.OnTimeCount++
	case StatusEarly:
		r.EarlyCount++
	case StatusLate:
		r.LateCount++
	case StatusVeryLate:
		r.VeryLateCount++
	}

	// Incremental mean: new = old + (x - old) / n.
	r.AvgArrivalDelay += (float64(rec.ArrivalDelay) - r.AvgArrivalDelay) / float64(r.TripCount)
	if rec.DepartureDelay != 0 {
		r.AvgDepartureDelay += (float64(rec.DepartureDelay) - r.AvgDepartureDelay) / float64(r.TripCount)
	}

	if rec.ArrivalDelay > r.MaxDelay {
		r.MaxDelay = rec.ArrivalDelay
	}
	if rec.ArrivalDelay < r.MinDelay {
		r.MinDelay = rec.ArrivalDelay
	}

	if rec.ScheduledTime.Before(r.Start) {
		r.Start = rec.ScheduledTime
	}
	if rec.ScheduledTime.After(r.End) {
		r.End = rec.ScheduledTime
	}
}

// Get returns a copy of the running record for a (route, stop) pair.
func (tr *Tracker) Get(routeID, stopID string) (RunningRecord, bool) {
	r, ok := tr.records[routeID+"|"+stopID]
	if !ok {
		return RunningRecord{}, false
	}
	return *r, true
}

// Len returns the number of tracked (route, stop) pairs.
func (tr *Tracker) Len() int {
	return len(tr.records)
}

// Reset drops all running records.
func (tr *Tracker) Reset() {
	tr.records = make(map[string]*RunningRecord)
}
