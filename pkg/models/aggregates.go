package models

import "time"

// RouteDailyPunctuality is the per-route daily rollup row. It is always
// recomputed from the full set of the day's raw records for the route,
// never patched incrementally, so upserting it is idempotent.
type RouteDailyPunctuality struct {
	RouteID         string
	StatDate        time.Time
	TotalTrips      int
	OnTimeTrips     int
	EarlyTrips      int
	LateTrips       int
	VeryLateTrips   int
	AvgArrivalDelay float64
	MaxArrivalDelay int
	MinArrivalDelay int
	PunctualityRate float64
	EarlyRate       float64
	LateRate        float64
	VeryLateRate    float64
}

// StopDailyPunctuality is the per-stop daily rollup row.
type StopDailyPunctuality struct {
	StopID          string
	StatDate        time.Time
	TotalVisits     int
	OnTimeVisits    int
	EarlyVisits     int
	LateVisits      int
	VeryLateVisits  int
	AvgArrivalDelay float64
	MaxArrivalDelay int
	MinArrivalDelay int
	PunctualityRate float64
}

// HourKey identifies one hourly aggregate slice. Hour is the hour of the
// scheduled stop time, not of collection.
type HourKey struct {
	RouteID string
	StopID  string
	Hour    int
}

// HourlyPunctuality is the per-(route, stop, hour) rollup row.
type HourlyPunctuality struct {
	RouteID         string
	StopID          string
	HourOfDay       int
	StatDate        time.Time
	TotalTrips      int
	OnTimeTrips     int
	AvgArrivalDelay float64
	MaxArrivalDelay int
	PunctualityRate float64
}

// SystemOverview is the one-per-day system-wide rollup. The punctuality
// rate is trip-weighted across routes rather than a mean of per-route
// rates, so low-volume routes do not skew it.
type SystemOverview struct {
	StatDate        time.Time
	TotalRoutes     int
	TotalTrips      int
	PunctualityRate float64
	AvgDelayMinutes float64
	MorningPeakRate float64
	EveningPeakRate float64
	OffPeakRate     float64
}

// RouteRanking is a row of the best/worst route projections.
type RouteRanking struct {
	RouteID         string
	PunctualityRate float64
	TotalTrips      int
	AvgDelayMinutes float64
}
