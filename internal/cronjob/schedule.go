package cronjob

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field expressions (minute hour dom month dow)
// and @hourly-style descriptors.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NextRun computes the next due instant of s relative to ref. last is the
// previous fire (zero if never fired) and created the job creation time.
// A zero result means the schedule is exhausted.
func NextRun(s Schedule, ref, last, created time.Time, loc *time.Location) (time.Time, error) {
	switch s.Kind {
	case ScheduleAt:
		if !last.IsZero() {
			return time.Time{}, nil
		}
		at := time.UnixMilli(s.AtMs)
		if at.Before(ref) {
			return ref, nil
		}
		return at, nil

	case ScheduleEvery:
		if s.EveryMs <= 0 {
			return time.Time{}, fmt.Errorf("every interval must be positive, got %dms", s.EveryMs)
		}
		every := time.Duration(s.EveryMs) * time.Millisecond
		if !last.IsZero() {
			return last.Add(every), nil
		}
		if s.AnchorMs > 0 {
			return nextAnchored(time.UnixMilli(s.AnchorMs), every, ref), nil
		}
		return created.Add(every), nil

	case ScheduleCron:
		sched, err := parseCron(s.Expr, s.TZ, loc)
		if err != nil {
			return time.Time{}, err
		}
		return sched.Next(ref), nil

	default:
		return time.Time{}, fmt.Errorf("unknown schedule kind: %s", s.Kind)
	}
}

// nextAnchored returns the first anchor+k*every that is not before ref.
func nextAnchored(anchor time.Time, every time.Duration, ref time.Time) time.Time {
	if !anchor.Before(ref) {
		return anchor
	}
	steps := (ref.Sub(anchor) + every - 1) / every
	return anchor.Add(steps * every)
}

func parseCron(expr, tz string, loc *time.Location) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty cron expression")
	}
	spec := expr
	if !strings.HasPrefix(expr, "CRON_TZ=") && !strings.HasPrefix(expr, "TZ=") {
		switch {
		case tz != "":
			spec = "CRON_TZ=" + tz + " " + expr
		case loc != nil:
			spec = "CRON_TZ=" + loc.String() + " " + expr
		default:
			spec = "CRON_TZ=UTC " + expr
		}
	}
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	return sched, nil
}

// ValidateSchedule rejects schedules that could never be evaluated.
func ValidateSchedule(s Schedule) error {
	switch s.Kind {
	case ScheduleAt:
		if s.AtMs <= 0 {
			return invalid("schedule.atMs", "must be a positive epoch millisecond timestamp")
		}
	case ScheduleEvery:
		if s.EveryMs <= 0 {
			return invalid("schedule.everyMs", "must be positive, got %d", s.EveryMs)
		}
		if s.AnchorMs < 0 {
			return invalid("schedule.anchorMs", "must not be negative")
		}
	case ScheduleCron:
		if s.TZ != "" {
			if _, err := time.LoadLocation(s.TZ); err != nil {
				return invalid("schedule.tz", "unknown time zone %q", s.TZ)
			}
		}
		if _, err := parseCron(s.Expr, s.TZ, nil); err != nil {
			return invalid("schedule.expr", "%v", err)
		}
	case "":
		return invalid("schedule.kind", "required")
	default:
		return invalid("schedule.kind", "unknown kind %q", s.Kind)
	}
	return nil
}

// ParseAt accepts RFC 3339 timestamps, epoch milliseconds, or a duration
// relative to now ("+20m").
func ParseAt(value string, now time.Time) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, invalid("schedule.at", "required")
	}
	if strings.HasPrefix(value, "+") {
		d, err := time.ParseDuration(value[1:])
		if err != nil || d <= 0 {
			return 0, invalid("schedule.at", "bad relative duration %q", value)
		}
		return now.Add(d).UnixMilli(), nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UnixMilli(), nil
	}
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil && ms > 0 {
		return ms, nil
	}
	return 0, invalid("schedule.at", "expected RFC 3339, epoch ms or +duration, got %q", value)
}

// backoffSteps defines retry delays for failed one-shot jobs.
var backoffSteps = []time.Duration{
	30 * time.Second,
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	60 * time.Minute, // cap
}

// backoffDelay returns the retry delay for the given consecutive error count.
func backoffDelay(consecutiveErr int) time.Duration {
	idx := consecutiveErr - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(backoffSteps) {
		idx = len(backoffSteps) - 1
	}
	return backoffSteps[idx]
}
