package job

import (
	"testing"
	"time"
)

func TestNextRunCronInTimezone(t *testing.T) {
	j := &ScheduledJob{
		ScheduleType: ScheduleCron,
		CronExpr:     "0 9 * * *",
		Timezone:     "America/New_York",
	}

	// 14:00 UTC is 10:00 in New York during DST, so today's 09:00
	// window has passed and the next run is tomorrow.
	now := time.Date(2026, 6, 15, 14, 0, 0, 0, time.UTC)
	next, err := NextRun(j, now)
	if err != nil {
		t.Fatal(err)
	}

	loc, _ := time.LoadLocation("America/New_York")
	want := time.Date(2026, 6, 16, 9, 0, 0, 0, loc).UTC()
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestNextRunCronDefaultsToUTC(t *testing.T) {
	j := &ScheduledJob{ScheduleType: ScheduleCron, CronExpr: "30 6 * * *"}

	now := time.Date(2026, 6, 15, 5, 0, 0, 0, time.UTC)
	next, err := NextRun(j, now)
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2026, 6, 15, 6, 30, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestNextRunIntervalFromNow(t *testing.T) {
	j := &ScheduledJob{ScheduleType: ScheduleInterval, Interval: 15 * time.Minute}

	now := time.Date(2026, 6, 15, 5, 0, 0, 0, time.UTC)
	next, err := NextRun(j, now)
	if err != nil {
		t.Fatal(err)
	}
	if !next.Equal(now.Add(15 * time.Minute)) {
		t.Errorf("next = %v, want now+15m", next)
	}
}

func TestNextRunMissedCronWindowsDoNotCatchUp(t *testing.T) {
	j := &ScheduledJob{ScheduleType: ScheduleCron, CronExpr: "0 * * * *"}

	// The job was down for several hours. The next run is the next
	// top of the hour after now, not a replay of each missed hour.
	now := time.Date(2026, 6, 15, 17, 20, 0, 0, time.UTC)
	next, err := NextRun(j, now)
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2026, 6, 15, 18, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestNextRunRejectsBadInput(t *testing.T) {
	cases := []*ScheduledJob{
		{ScheduleType: ScheduleCron, CronExpr: "not a cron"},
		{ScheduleType: ScheduleCron, CronExpr: "0 9 * * *", Timezone: "Mars/Olympus"},
		{ScheduleType: ScheduleInterval, Interval: 0},
		{ScheduleType: "HOURLY"},
	}
	for _, j := range cases {
		if _, err := NextRun(j, time.Now()); err == nil {
			t.Errorf("expected error for %+v", j)
		}
	}
}
