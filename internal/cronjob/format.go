package cronjob

import (
	"fmt"
	"strings"
	"time"

	"github.com/tgifai/crond/internal/pkg/utils"
)

// FormatMs renders an epoch-millisecond instant in loc, or "-" for zero.
func FormatMs(ms int64, loc *time.Location) string {
	if ms <= 0 {
		return "-"
	}
	if loc == nil {
		loc = time.UTC
	}
	return time.UnixMilli(ms).In(loc).Format(time.RFC3339)
}

// DescribeSchedule returns a short human form such as "every 5m0s".
func DescribeSchedule(s Schedule) string {
	switch s.Kind {
	case ScheduleAt:
		return "at " + FormatMs(s.AtMs, time.UTC)
	case ScheduleEvery:
		d := time.Duration(s.EveryMs) * time.Millisecond
		if s.AnchorMs > 0 {
			return fmt.Sprintf("every %s from %s", d, FormatMs(s.AnchorMs, time.UTC))
		}
		return "every " + d.String()
	case ScheduleCron:
		if s.TZ != "" {
			return fmt.Sprintf("cron %q (%s)", s.Expr, s.TZ)
		}
		return fmt.Sprintf("cron %q", s.Expr)
	default:
		return string(s.Kind)
	}
}

// FormatJobList renders jobs as a plain-text table, one job per line.
func FormatJobList(jobs []Job, loc *time.Location) string {
	if len(jobs) == 0 {
		return "No cron jobs."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%-36s  %-24s  %-8s  %-28s  %-25s  %s\n", "ID", "NAME", "ENABLED", "SCHEDULE", "NEXT RUN", "LAST")
	for _, j := range jobs {
		last := "-"
		if j.State.LastStatus != "" {
			last = string(j.State.LastStatus)
			if j.State.LastError != "" {
				last += ": " + utils.Truncate(j.State.LastError, 40)
			}
		}
		fmt.Fprintf(&b, "%-36s  %-24s  %-8t  %-28s  %-25s  %s\n",
			j.ID,
			utils.Truncate(j.Name, 21),
			j.Enabled,
			utils.Truncate(DescribeSchedule(j.Schedule), 25),
			FormatMs(j.State.NextRunAtMs, loc),
			last,
		)
	}
	return strings.TrimRight(b.String(), "\n")
}
