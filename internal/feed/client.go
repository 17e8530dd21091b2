// Package feed fetches and decodes GTFS-realtime feeds into the flat
// entity structs consumed by the collection pipeline.
package feed

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"

	"github.com/transitpulse/punctuality-service/internal/common/config"
	"github.com/transitpulse/punctuality-service/internal/common/logger"
	"github.com/transitpulse/punctuality-service/pkg/models"
)

const (
	feedVehiclePositions = "vehiclepositions"
	feedTripUpdates      = "tripupdates"

	userAgent = "punctuality-service/1.0"
)

// Client talks to a 511-style GTFS-realtime API.
type Client struct {
	baseURL    string
	apiKey     string
	agency     string
	httpClient *http.Client
	logger     logger.Logger
}

func NewClient(cfg config.FeedConfig, log logger.Logger) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		agency:  cfg.Agency,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     30 * time.Second,
			},
		},
		logger: log,
	}
}

// FetchVehiclePositions fetches and flattens the vehicle position feed.
func (c *Client) FetchVehiclePositions(ctx context.Context) ([]models.VehiclePosition, error) {
	msg, err := c.fetchFeed(ctx, feedVehiclePositions)
	if err != nil {
		return nil, err
	}
	positions := parseVehiclePositions(msg)
	c.logger.Debug("Fetched vehicle positions", "entities", len(msg.Entity), "positions", len(positions))
	return positions, nil
}

// FetchTripUpdates fetches the trip update feed and flattens it to one
// entry per (trip, stop).
func (c *Client) FetchTripUpdates(ctx context.Context) ([]models.TripStopUpdate, error) {
	msg, err := c.fetchFeed(ctx, feedTripUpdates)
	if err != nil {
		return nil, err
	}
	updates := parseTripUpdates(msg)
	c.logger.Debug("Fetched trip updates", "entities", len(msg.Entity), "stop_updates", len(updates))
	return updates, nil
}

func (c *Client) fetchFeed(ctx context.Context, feedType string) (*gtfsrt.FeedMessage, error) {
	endpoint := fmt.Sprintf("%s/%s?%s", c.baseURL, feedType, url.Values{
		"api_key": {c.apiKey},
		"agency":  {c.agency},
	}.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/x-protobuf")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s feed: %w", feedType, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s feed: HTTP %d", feedType, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s feed body: %w", feedType, err)
	}

	msg := &gtfsrt.FeedMessage{}
	if err := proto.Unmarshal(body, msg); err != nil {
		return nil, fmt.Errorf("unmarshaling %s feed: %w", feedType, err)
	}

	return msg, nil
}

// parseVehiclePositions flattens vehicle entities. Entities missing the
// vehicle or position block are dropped here; everything else is the
// scheduler's per-entity validation problem.
func parseVehiclePositions(msg *gtfsrt.FeedMessage) []models.VehiclePosition {
	var positions []models.VehiclePosition
	for _, entity := range msg.GetEntity() {
		vehicle := entity.GetVehicle()
		if vehicle == nil || vehicle.GetPosition() == nil {
			continue
		}
		pos := vehicle.GetPosition()
		p := models.VehiclePosition{
			VehicleID: vehicle.GetVehicle().GetId(),
			TripID:    vehicle.GetTrip().GetTripId(),
			RouteID:   vehicle.GetTrip().GetRouteId(),
			Latitude:  float64(pos.GetLatitude()),
			Longitude: float64(pos.GetLongitude()),
			Bearing:   float64(pos.GetBearing()),
			Speed:     float64(pos.GetSpeed()),
			StopID:    vehicle.GetStopId(),
		}
		if vehicle.Timestamp != nil {
			p.Timestamp = time.Unix(int64(vehicle.GetTimestamp()), 0).UTC()
		}
		if vehicle.CurrentStatus != nil {
			p.CurrentStatus = vehicle.GetCurrentStatus().String()
		}
		positions = append(positions, p)
	}
	return positions
}

// parseTripUpdates flattens stop time updates. The scheduled time is
// reconstructed as predicted time minus delay; stop updates without a
// predicted arrival time carry a zero ScheduledTime and are rejected
// downstream.
func parseTripUpdates(msg *gtfsrt.FeedMessage) []models.TripStopUpdate {
	var updates []models.TripStopUpdate
	for _, entity := range msg.GetEntity() {
		tu := entity.GetTripUpdate()
		if tu == nil {
			continue
		}
		tripID := tu.GetTrip().GetTripId()
		routeID := tu.GetTrip().GetRouteId()
		vehicleID := tu.GetVehicle().GetId()

		for _, stu := range tu.GetStopTimeUpdate() {
			u := models.TripStopUpdate{
				TripID:       tripID,
				RouteID:      routeID,
				StopID:       stu.GetStopId(),
				StopSequence: int(stu.GetStopSequence()),
				VehicleID:    vehicleID,
			}
			if arrival := stu.GetArrival(); arrival != nil {
				u.ArrivalDelay = int(arrival.GetDelay())
				if arrival.Time != nil {
					u.ActualTime = time.Unix(arrival.GetTime(), 0).UTC()
					u.ScheduledTime = u.ActualTime.Add(-time.Duration(u.ArrivalDelay) * time.Second)
				}
			}
			if departure := stu.GetDeparture(); departure != nil {
				u.DepartureDelay = int(departure.GetDelay())
			}
			updates = append(updates, u)
		}
	}
	return updates
}
