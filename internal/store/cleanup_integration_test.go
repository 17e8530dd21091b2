//go:build integration

package store

import (
	"context"
	"os"
	"sort"
	"testing"
	"time"

	"github.com/transitpulse/punctuality-service/internal/common/db"
	"github.com/transitpulse/punctuality-service/internal/common/logger"
	"github.com/transitpulse/punctuality-service/pkg/models"
)

// Runs against a throwaway database:
//
//	TEST_DATABASE_URL=postgres://... go test -tags integration ./internal/store/
func newIntegrationStore(t *testing.T) *Store {
	t.Helper()

	connStr := os.Getenv("TEST_DATABASE_URL")
	if connStr == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	log := logger.New(logger.ParseLogLevel("error"))
	database, err := db.New(context.Background(), connStr, log)
	if err != nil {
		t.Fatalf("connecting to test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	_, err = database.DB().Exec(`
		CREATE TABLE IF NOT EXISTS realtime_delay_records (
			id              BIGSERIAL PRIMARY KEY,
			trip_id         TEXT NOT NULL,
			route_id        TEXT NOT NULL,
			stop_id         TEXT NOT NULL,
			stop_sequence   INTEGER NOT NULL DEFAULT 0,
			vehicle_id      TEXT,
			scheduled_time  TIMESTAMPTZ NOT NULL,
			actual_time     TIMESTAMPTZ NOT NULL,
			collected_at    TIMESTAMPTZ NOT NULL,
			arrival_delay   INTEGER NOT NULL,
			departure_delay INTEGER NOT NULL DEFAULT 0,
			processed       BOOLEAN NOT NULL DEFAULT false
		)
	`)
	if err != nil {
		t.Fatalf("creating delay records table: %v", err)
	}
	if _, err := database.DB().Exec(`TRUNCATE realtime_delay_records`); err != nil {
		t.Fatalf("truncating delay records: %v", err)
	}

	return New(database, log)
}

func insertDelayRecord(t *testing.T, s *Store, tripID string, collectedAt time.Time, processed bool) {
	t.Helper()

	err := s.AppendDelayRecord(context.Background(), models.DelayRecord{
		TripID:        tripID,
		RouteID:       "R1",
		StopID:        "S1",
		ScheduledTime: collectedAt,
		ActualTime:    collectedAt,
		CollectedAt:   collectedAt,
		ArrivalDelay:  60,
	})
	if err != nil {
		t.Fatalf("inserting delay record %s: %v", tripID, err)
	}
	if processed {
		if _, err := s.db.DB().Exec(
			`UPDATE realtime_delay_records SET processed = true WHERE trip_id = $1`, tripID,
		); err != nil {
			t.Fatalf("marking %s processed: %v", tripID, err)
		}
	}
}

func remainingTripIDs(t *testing.T, s *Store) []string {
	t.Helper()

	rows, err := s.db.DB().Query(`SELECT trip_id FROM realtime_delay_records`)
	if err != nil {
		t.Fatalf("querying remaining records: %v", err)
	}
	defer rows.Close()
	ids, err := scanStrings(rows)
	if err != nil {
		t.Fatalf("scanning remaining records: %v", err)
	}
	sort.Strings(ids)
	return ids
}

func TestDeleteAgedDelayRecordsRespectsCutoff(t *testing.T) {
	s := newIntegrationStore(t)
	now := time.Now().UTC()
	cutoff := now.AddDate(0, 0, -90)

	insertDelayRecord(t, s, "aged", now.AddDate(0, 0, -91), true)
	insertDelayRecord(t, s, "fresh", now.AddDate(0, 0, -89), false)

	deleted, err := s.DeleteAgedDelayRecords(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("DeleteAgedDelayRecords: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}

	ids := remainingTripIDs(t, s)
	if len(ids) != 1 || ids[0] != "fresh" {
		t.Errorf("remaining = %v, want only the record inside the retention window", ids)
	}
}

func TestDeleteAgedDelayRecordsSparesUnprocessedLatestDay(t *testing.T) {
	s := newIntegrationStore(t)
	now := time.Now().UTC()
	cutoff := now.AddDate(0, 0, -90)

	// Every record predates the cutoff; the most recent stat date is
	// -92d. Its unprocessed record must survive so an outage cannot
	// destroy facts no rollup has consumed yet.
	insertDelayRecord(t, s, "ancient", now.AddDate(0, 0, -95), true)
	insertDelayRecord(t, s, "latest-processed", now.AddDate(0, 0, -92), true)
	insertDelayRecord(t, s, "latest-unprocessed", now.AddDate(0, 0, -92), false)

	deleted, err := s.DeleteAgedDelayRecords(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("DeleteAgedDelayRecords: %v", err)
	}
	if deleted != 2 {
		t.Errorf("deleted = %d, want 2", deleted)
	}

	ids := remainingTripIDs(t, s)
	if len(ids) != 1 || ids[0] != "latest-unprocessed" {
		t.Errorf("remaining = %v, want only the unprocessed record of the latest stat date", ids)
	}
}
