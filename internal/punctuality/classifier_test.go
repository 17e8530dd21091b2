package punctuality

import (
	"testing"
	"time"

	"github.com/transitpulse/punctuality-service/pkg/models"
)

func TestClassifyFixedThresholds(t *testing.T) {
	th := Thresholds{EarlySeconds: 60, OnTimeSeconds: 120, VeryLateSeconds: 300}

	cases := []struct {
		delay int
		want  Status
	}{
		{-200, StatusEarly},
		{-61, StatusEarly},
		{-60, StatusOnTime},
		{-30, StatusOnTime},
		{0, StatusOnTime},
		{90, StatusOnTime},
		{120, StatusOnTime},
		{121, StatusLate},
		{200, StatusLate},
		{300, StatusLate}, // boundary is exclusive: very_late starts above 300
		{301, StatusVeryLate},
		{10000, StatusVeryLate},
	}

	for _, c := range cases {
		if got := Classify(c.delay, th); got != c.want {
			t.Errorf("Classify(%d) = %s, want %s", c.delay, got, c.want)
		}
	}
}

func TestClassifyIsTotal(t *testing.T) {
	th := DefaultThresholds()
	valid := map[Status]bool{
		StatusEarly:    true,
		StatusOnTime:   true,
		StatusLate:     true,
		StatusVeryLate: true,
	}

	for delay := -1000; delay <= 1000; delay++ {
		if got := Classify(delay, th); !valid[got] {
			t.Fatalf("Classify(%d) returned unknown status %q", delay, got)
		}
	}
}

func TestClassifyEarlyCheckPrecedesOnTime(t *testing.T) {
	// With on_time (120) > early (60) the regions overlap for delays in
	// (-120, -60); the signed early check wins there.
	th := DefaultThresholds()
	if got := Classify(-100, th); got != StatusEarly {
		t.Errorf("Classify(-100) = %s, want %s", got, StatusEarly)
	}
}

func TestThresholdsValidate(t *testing.T) {
	if err := DefaultThresholds().Validate(); err != nil {
		t.Errorf("default thresholds should validate: %v", err)
	}

	bad := Thresholds{EarlySeconds: 300, OnTimeSeconds: 120, VeryLateSeconds: 60}
	if err := bad.Validate(); err == nil {
		t.Error("expected validation error for inverted thresholds")
	}

	zero := Thresholds{}
	if err := zero.Validate(); err == nil {
		t.Error("expected validation error for zero thresholds")
	}
}

func TestTrackerRunningStatistics(t *testing.T) {
	tr := NewTracker(DefaultThresholds())

	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	delays := []int{90, -120, 300, 60, 30}
	for i, d := range delays {
		tr.Add(models.DelayRecord{
			RouteID:       "R1",
			StopID:        "S1",
			ArrivalDelay:  d,
			ScheduledTime: base.Add(time.Duration(i) * time.Minute),
		})
	}

	rec, ok := tr.Get("R1", "S1")
	if !ok {
		t.Fatal("expected running record for R1/S1")
	}

	if rec.TripCount != 5 {
		t.Errorf("trip count = %d, want 5", rec.TripCount)
	}
	if rec.OnTimeCount != 3 {
		t.Errorf("on-time count = %d, want 3", rec.OnTimeCount)
	}
	if rec.EarlyCount != 1 {
		t.Errorf("early count = %d, want 1", rec.EarlyCount)
	}
	if rec.LateCount != 1 {
		t.Errorf("late count = %d, want 1", rec.LateCount)
	}
	if rec.AvgArrivalDelay != 72 {
		t.Errorf("avg delay = %f, want 72", rec.AvgArrivalDelay)
	}
	if rec.MaxDelay != 300 || rec.MinDelay != -120 {
		t.Errorf("max/min = %d/%d, want 300/-120", rec.MaxDelay, rec.MinDelay)
	}
	if !rec.Start.Equal(base) || !rec.End.Equal(base.Add(4*time.Minute)) {
		t.Errorf("time range = %v..%v", rec.Start, rec.End)
	}
}

func TestTrackerKeysAreIndependent(t *testing.T) {
	tr := NewTracker(DefaultThresholds())
	tr.Add(models.DelayRecord{RouteID: "R1", StopID: "S1", ArrivalDelay: 50})
	tr.Add(models.DelayRecord{RouteID: "R1", StopID: "S2", ArrivalDelay: 400})

	if tr.Len() != 2 {
		t.Errorf("expected 2 keys, got %d", tr.Len())
	}

	s1, _ := tr.Get("R1", "S1")
	if s1.VeryLateCount != 0 {
		t.Error("S1 must not see S2's very-late record")
	}

	tr.Reset()
	if tr.Len() != 0 {
		t.Errorf("expected empty tracker after reset, got %d", tr.Len())
	}
}
