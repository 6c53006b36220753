package job

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/xraph/conduit/fault"
)

// NextRun computes a job's next fire time strictly after now. CRON
// expressions are evaluated in the job's timezone; INTERVAL jobs fire
// every Interval from now, so a missed window is not replayed.
func NextRun(j *ScheduledJob, now time.Time) (time.Time, error) {
	switch j.ScheduleType {
	case ScheduleCron:
		loc := time.UTC
		if j.Timezone != "" {
			l, err := time.LoadLocation(j.Timezone)
			if err != nil {
				return time.Time{}, fault.New(fault.CategoryValidation, "bad_timezone",
					"unknown timezone %q", j.Timezone)
			}
			loc = l
		}
		sched, err := cron.ParseStandard(j.CronExpr)
		if err != nil {
			return time.Time{}, fault.New(fault.CategoryValidation, "bad_cron",
				"invalid cron expression %q: %v", j.CronExpr, err)
		}
		return sched.Next(now.In(loc)).UTC(), nil

	case ScheduleInterval:
		if j.Interval <= 0 {
			return time.Time{}, fault.New(fault.CategoryValidation, "bad_interval",
				"interval must be positive")
		}
		return now.UTC().Add(j.Interval), nil

	default:
		return time.Time{}, fault.New(fault.CategoryValidation, "bad_schedule_type",
			"unknown schedule type %q", j.ScheduleType)
	}
}
