// Package metrics exposes Prometheus instrumentation for the collection
// pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	reg *prometheus.Registry

	CyclesTotal prometheus.Counter
	CycleErrors prometheus.Counter

	VehiclePositions  prometheus.Counter
	TripStopUpdates   prometheus.Counter
	MalformedEntities prometheus.Counter
	DelayRecords      prometheus.Counter
	SpeedSamples      prometheus.Counter

	CycleDuration  prometheus.Histogram
	RollupDuration prometheus.Histogram

	CleanupDeleted *prometheus.CounterVec // table label

	TrackedVehicles     prometheus.Gauge
	ConsecutiveFailures prometheus.Gauge

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		CyclesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "punctuality_collection_cycles_total",
			Help: "Total collection cycles started.",
		}),
		CycleErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "punctuality_collection_cycle_errors_total",
			Help: "Total collection cycles aborted by a fetch or store error.",
		}),
		VehiclePositions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "punctuality_vehicle_positions_total",
			Help: "Total vehicle position entities ingested.",
		}),
		TripStopUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "punctuality_trip_stop_updates_total",
			Help: "Total trip stop update entities ingested.",
		}),
		MalformedEntities: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "punctuality_malformed_entities_total",
			Help: "Total entities skipped for missing required fields.",
		}),
		DelayRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "punctuality_delay_records_total",
			Help: "Total raw delay records persisted.",
		}),
		SpeedSamples: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "punctuality_speed_samples_total",
			Help: "Total derived speed samples.",
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "punctuality_cycle_duration_seconds",
			Help:    "Duration of one fetch-classify-rollup cycle.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		RollupDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "punctuality_rollup_duration_seconds",
			Help:    "Duration of one full rollup pass.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		CleanupDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "punctuality_cleanup_deleted_total",
			Help: "Rows deleted by retention cleanup.",
		}, []string{"table"}),
		TrackedVehicles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "punctuality_tracked_vehicles",
			Help: "Vehicles currently held in the speed estimator window.",
		}),
		ConsecutiveFailures: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "punctuality_consecutive_cycle_failures",
			Help: "Consecutive failed collection cycles.",
		}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "punctuality_nats_published_total",
			Help: "Total NATS speed samples published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "punctuality_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "punctuality_nats_connected",
			Help: "1 if the NATS connection is established, 0 otherwise.",
		}),
	}

	reg.MustRegister(
		c.CyclesTotal, c.CycleErrors,
		c.VehiclePositions, c.TripStopUpdates, c.MalformedEntities,
		c.DelayRecords, c.SpeedSamples,
		c.CycleDuration, c.RollupDuration,
		c.CleanupDeleted,
		c.TrackedVehicles, c.ConsecutiveFailures,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected,
	)

	return c
}

// PublishOK, PublishError, and SetConnected satisfy the publisher's
// metrics surface.
func (c *Collector) PublishOK()    { c.NATSPublished.Inc() }
func (c *Collector) PublishError() { c.NATSPublishErrs.Inc() }

func (c *Collector) SetConnected(connected bool) {
	if connected {
		c.NATSConnected.Set(1)
	} else {
		c.NATSConnected.Set(0)
	}
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

// Serve starts an HTTP server exposing /metrics on addr. The caller owns
// shutdown.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		// A metrics listener failure must not take the collector down.
		_ = srv.ListenAndServe()
	}()
	return srv
}
