// Package speed derives per-vehicle speed from consecutive GPS fixes.
package speed

import (
	"math"
	"time"
)

// EarthRadiusMeters is the mean Earth radius used by the haversine formula.
const EarthRadiusMeters = 6371000.0

// Default filtering thresholds.
const (
	DefaultMinTimeDelta         = 5 * time.Second
	DefaultMinDistanceThreshold = 5.0 // meters
	DefaultMaxSpeedKMH          = 120.0
)

// Position is the latest accepted GPS sample for a vehicle.
type Position struct {
	Latitude  float64
	Longitude float64
	Timestamp time.Time
}

// Sample is a derived speed observation. It is handed to the caller and
// not retained; only the underlying position advances the history.
type Sample struct {
	VehicleID        string
	SpeedMPS         float64
	SpeedKMH         float64
	DistanceMeters   float64
	TimeDeltaSeconds float64
	Previous         Position
	Current          Position
}

// Estimator keeps one previous position per vehicle and turns incoming
// fixes into speed samples. It is owned state, not a package global; the
// collection loop is the single writer, so no lock is held.
type Estimator struct {
	minTimeDelta time.Duration
	minDistance  float64
	maxSpeedKMH  float64
	history      map[string]Position
}

func NewEstimator() *Estimator {
	return &Estimator{
		minTimeDelta: DefaultMinTimeDelta,
		minDistance:  DefaultMinDistanceThreshold,
		maxSpeedKMH:  DefaultMaxSpeedKMH,
		history:      make(map[string]Position),
	}
}

// Update processes one GPS fix. It returns nil for the first fix of a
// vehicle and for fixes arriving less than the minimum time delta after
// the stored one; the latter also leaves the stored position untouched so
// rapid duplicate updates cannot thrash the window.
func (e *Estimator) Update(vehicleID string, latitude, longitude float64, timestamp time.Time) *Sample {
	current := Position{Latitude: latitude, Longitude: longitude, Timestamp: timestamp}

	previous, ok := e.history[vehicleID]
	if !ok {
		e.history[vehicleID] = current
		return nil
	}

	timeDelta := timestamp.Sub(previous.Timestamp)
	if timeDelta < e.minTimeDelta {
		return nil
	}

	distance := HaversineDistance(previous.Latitude, previous.Longitude, latitude, longitude)

	var speedMPS, speedKMH float64
	if distance >= e.minDistance {
		speedMPS = distance / timeDelta.Seconds()
		speedKMH = speedMPS * 3.6
	}

	// A speed above the plausibility ceiling is a GPS or feed glitch:
	// report zero but still trust the position itself.
	if speedKMH > e.maxSpeedKMH {
		speedMPS = 0
		speedKMH = 0
	}

	e.history[vehicleID] = current

	return &Sample{
		VehicleID:        vehicleID,
		SpeedMPS:         speedMPS,
		SpeedKMH:         speedKMH,
		DistanceMeters:   distance,
		TimeDeltaSeconds: timeDelta.Seconds(),
		Previous:         previous,
		Current:          current,
	}
}

// VehicleCount returns the number of vehicles currently tracked.
func (e *Estimator) VehicleCount() int {
	return len(e.history)
}

// TrackedVehicles returns the IDs of all tracked vehicles.
func (e *Estimator) TrackedVehicles() []string {
	ids := make([]string, 0, len(e.history))
	for id := range e.history {
		ids = append(ids, id)
	}
	return ids
}

// LastPosition returns the stored position for a vehicle, if any.
func (e *Estimator) LastPosition(vehicleID string) (Position, bool) {
	pos, ok := e.history[vehicleID]
	return pos, ok
}

// ClearVehicle drops the stored position for one vehicle.
func (e *Estimator) ClearVehicle(vehicleID string) bool {
	if _, ok := e.history[vehicleID]; !ok {
		return false
	}
	delete(e.history, vehicleID)
	return true
}

// ClearAll drops all stored positions.
func (e *Estimator) ClearAll() {
	e.history = make(map[string]Position)
}

// HaversineDistance returns the great-circle distance in meters between
// two latitude/longitude points.
func HaversineDistance(lat1, lon1, lat2, lon2 float64) float64 {
	lat1Rad := lat1 * math.Pi / 180
	lat2Rad := lat2 * math.Pi / 180
	deltaLat := (lat2 - lat1) * math.Pi / 180
	deltaLon := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(deltaLat/2)*math.Sin(deltaLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*math.Sin(deltaLon/2)*math.Sin(deltaLon/2)
	c := 2 * math.Asin(math.Sqrt(a))

	return EarthRadiusMeters * c
}
