package aggregate

import (
	"time"

	"github.com/transitpulse/punctuality-service/internal/punctuality"
	"github.com/transitpulse/punctuality-service/pkg/models"
)

// statusCounts tallies a set of arrival delays. The buckets intentionally
// use independent predicates rather than the mutually exclusive
// classifier: on-time is judged by absolute value, so a record can count
// as both on-time and early. The punctuality rate reported downstream is
// the absolute-value on-time share.
type statusCounts struct {
	total    int
	onTime   int
	early    int
	late     int
	veryLate int
	sum      float64
	max      int
	min      int
}

func countDelays(recs []models.DelayRecord, t punctuality.Thresholds) statusCounts {
	c := statusCounts{}
	for i, rec := range recs {
		d := rec.ArrivalDelay
		c.total++
		c.sum += float64(d)
		if i == 0 {
			c.max = d
			c.min = d
		} else {
			if d > c.max {
				c.max = d
			}
			if d < c.min {
				c.min = d
			}
		}
		if abs(d) <= t.OnTimeSeconds {
			c.onTime++
		}
		if d < -t.EarlySeconds {
			c.early++
		}
		if d > t.OnTimeSeconds && d <= t.VeryLateSeconds {
			c.late++
		}
		if d > t.VeryLateSeconds {
			c.veryLate++
		}
	}
	return c
}

func (c statusCounts) avg() float64 {
	if c.total == 0 {
		return 0
	}
	return c.sum / float64(c.total)
}

func (c statusCounts) rate(n int) float64 {
	if c.total == 0 {
		return 0
	}
	return float64(n) * 100 / float64(c.total)
}

// ComputeRouteDay recomputes the route-day aggregate from the full set of
// that key's raw records. Calling it twice over the same records yields
// an identical row, which is what makes the rollup upsert idempotent.
func ComputeRouteDay(routeID string, date time.Time, recs []models.DelayRecord, t punctuality.Thresholds) models.RouteDailyPunctuality {
	c := countDelays(recs, t)
	return models.RouteDailyPunctuality{
		RouteID:         routeID,
		StatDate:        date,
		TotalTrips:      c.total,
		OnTimeTrips:     c.onTime,
		EarlyTrips:      c.early,
		LateTrips:       c.late,
		VeryLateTrips:   c.veryLate,
		AvgArrivalDelay: c.avg(),
		MaxArrivalDelay: c.max,
		MinArrivalDelay: c.min,
		PunctualityRate: c.rate(c.onTime),
		EarlyRate:       c.rate(c.early),
		LateRate:        c.rate(c.late),
		VeryLateRate:    c.rate(c.veryLate),
	}
}

// ComputeStopDay recomputes the stop-day aggregate.
func ComputeStopDay(stopID string, date time.Time, recs []models.DelayRecord, t punctuality.Thresholds) models.StopDailyPunctuality {
	c := countDelays(recs, t)
	return models.StopDailyPunctuality{
		StopID:          stopID,
		StatDate:        date,
		TotalVisits:     c.total,
		OnTimeVisits:    c.onTime,
		EarlyVisits:     c.early,
		LateVisits:      c.late,
		VeryLateVisits:  c.veryLate,
		AvgArrivalDelay: c.avg(),
		MaxArrivalDelay: c.max,
		MinArrivalDelay: c.min,
		PunctualityRate: c.rate(c.onTime),
	}
}

// ComputeHourly recomputes the (route, stop, hour) aggregate.
func ComputeHourly(key models.HourKey, date time.Time, recs []models.DelayRecord, t punctuality.Thresholds) models.HourlyPunctuality {
	c := countDelays(recs, t)
	return models.HourlyPunctuality{
		RouteID:         key.RouteID,
		StopID:          key.StopID,
		HourOfDay:       key.Hour,
		StatDate:        date,
		TotalTrips:      c.total,
		OnTimeTrips:     c.onTime,
		AvgArrivalDelay: c.avg(),
		MaxArrivalDelay: c.max,
		PunctualityRate: c.rate(c.onTime),
	}
}

// Peak hour windows, inclusive.
const (
	MorningPeakStart = 7
	MorningPeakEnd   = 9
	EveningPeakStart = 17
	EveningPeakEnd   = 19
)

// ComputeSystemOverview derives the system-day row from the day's route
// aggregates plus hourly slices for peak/off-peak rates. All rates are
// trip-weighted sums, not means of per-key rates.
func ComputeSystemOverview(date time.Time, routes []models.RouteDailyPunctuality, hourly []models.HourlyPunctuality) models.SystemOverview {
	ov := models.SystemOverview{StatDate: date}

	var onTime, total int
	var delaySum float64
	for _, r := range routes {
		ov.TotalRoutes++
		total += r.TotalTrips
		onTime += r.OnTimeTrips
		delaySum += r.AvgArrivalDelay * float64(r.TotalTrips)
	}
	ov.TotalTrips = total
	if total > 0 {
		ov.PunctualityRate = float64(onTime) * 100 / float64(total)
		ov.AvgDelayMinutes = delaySum / float64(total) / 60
	}

	var morningOn, morningTotal, eveningOn, eveningTotal, offOn, offTotal int
	for _, h := range hourly {
		switch {
		case h.HourOfDay >= MorningPeakStart && h.HourOfDay <= MorningPeakEnd:
			morningOn += h.OnTimeTrips
			morningTotal += h.TotalTrips
		case h.HourOfDay >= EveningPeakStart && h.HourOfDay <= EveningPeakEnd:
			eveningOn += h.OnTimeTrips
			eveningTotal += h.TotalTrips
		default:
			offOn += h.OnTimeTrips
			offTotal += h.TotalTrips
		}
	}
	if morningTotal > 0 {
		ov.MorningPeakRate = float64(morningOn) * 100 / float64(morningTotal)
	}
	if eveningTotal > 0 {
		ov.EveningPeakRate = float64(eveningOn) * 100 / float64(eveningTotal)
	}
	if offTotal > 0 {
		ov.OffPeakRate = float64(offOn) * 100 / float64(offTotal)
	}

	return ov
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
