package models

import "time"

// VehiclePosition is a decoded GTFS-realtime vehicle position entity.
type VehiclePosition struct {
	VehicleID     string
	TripID        string
	RouteID       string
	Latitude      float64
	Longitude     float64
	Bearing       float64
	Speed         float64
	Timestamp     time.Time
	CurrentStatus string
	StopID        string
}

// TripStopUpdate is a decoded GTFS-realtime stop time update, flattened
// to one entry per (trip, stop).
type TripStopUpdate struct {
	TripID         string
	RouteID        string
	StopID         string
	StopSequence   int
	VehicleID      string
	ScheduledTime  time.Time
	ActualTime     time.Time
	ArrivalDelay   int // seconds, positive means late
	DepartureDelay int // seconds
}

// DelayRecord is the persisted raw fact derived from a TripStopUpdate.
// Records are append-only; only the Processed flag is mutated once a
// rollup cycle has folded the record into the daily aggregates.
type DelayRecord struct {
	ID             int64
	TripID         string
	RouteID        string
	StopID         string
	StopSequence   int
	VehicleID      string
	ScheduledTime  time.Time
	ActualTime     time.Time
	CollectedAt    time.Time
	ArrivalDelay   int
	DepartureDelay int
	Processed      bool
}
