// Package publisher streams derived speed samples over NATS for live
// consumers. Publishing is best-effort and never blocks collection.
package publisher

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/transitpulse/punctuality-service/internal/common/logger"
)

// Metrics is the subset of instrumentation the publisher reports to.
type Metrics interface {
	PublishOK()
	PublishError()
	SetConnected(connected bool)
}

// SpeedSample is the wire payload for one derived speed observation.
type SpeedSample struct {
	VehicleID string    `json:"vehicle_id"`
	RouteID   string    `json:"route_id"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	SpeedKMH  float64   `json:"speed_kmh"`
	Timestamp time.Time `json:"timestamp"`
}

type Publisher struct {
	conn    *nats.Conn
	log     logger.Logger
	metrics Metrics
}

// New connects to the NATS server at url. The connection reconnects
// indefinitely; transient outages only drop samples.
func New(url string, log logger.Logger, m Metrics) (*Publisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("punctuality-service"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			m.SetConnected(false)
			log.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			m.SetConnected(true)
			log.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			m.SetConnected(false)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	m.SetConnected(true)
	log.Info("Connected to NATS", "url", conn.ConnectedUrl())
	return &Publisher{conn: conn, log: log, metrics: m}, nil
}

// PublishSpeed emits one sample on speed.<route>.<vehicle>.
func (p *Publisher) PublishSpeed(s SpeedSample) error {
	subject := fmt.Sprintf("speed.%s.%s", subjectToken(s.RouteID), subjectToken(s.VehicleID))
	payload, err := json.Marshal(s)
	if err != nil {
		p.metrics.PublishError()
		return fmt.Errorf("encoding speed sample: %w", err)
	}
	if err := p.conn.Publish(subject, payload); err != nil {
		p.metrics.PublishError()
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	p.metrics.PublishOK()
	return nil
}

// Close drains pending publishes before closing the connection.
func (p *Publisher) Close() {
	if p.conn == nil {
		return
	}
	if err := p.conn.Drain(); err != nil {
		p.log.Warn("NATS drain failed", "error", err)
		p.conn.Close()
	}
}

// subjectToken replaces characters that NATS treats as subject structure.
func subjectToken(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ':
			return '_'
		}
		return r
	}, s)
}
