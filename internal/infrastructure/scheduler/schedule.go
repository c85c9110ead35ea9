package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field expressions and descriptors such as
// "@daily". Day-of-month and day-of-week follow cron's usual rule: when
// both are restricted, either one matching is enough.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses "@every <duration>", a descriptor or a 5-field cron
// expression.
func ParseSchedule(spec string) (Schedule, error) {
	spec = strings.TrimSpace(spec)
	if rest, ok := strings.CutPrefix(spec, "@every "); ok {
		d, err := time.ParseDuration(strings.TrimSpace(rest))
		if err != nil {
			return nil, fmt.Errorf("parse schedule %q: %w", spec, err)
		}
		return Every(d)
	}

	s, err := cronParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	return &CronSchedule{raw: spec, schedule: s}, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// INTERVAL
// ══════════════════════════════════════════════════════════════════════════════

// IntervalSchedule runs a job at a fixed interval.
type IntervalSchedule struct {
	interval time.Duration
}

// Every returns an interval schedule. Intervals under a second are rejected.
func Every(d time.Duration) (*IntervalSchedule, error) {
	if d < time.Second {
		return nil, fmt.Errorf("interval %s is shorter than 1s", d)
	}
	return &IntervalSchedule{interval: d}, nil
}

// Next implements Schedule.
func (s *IntervalSchedule) Next(t time.Time) time.Time {
	return t.Add(s.interval)
}

func (s *IntervalSchedule) String() string {
	return "@every " + s.interval.String()
}

// ══════════════════════════════════════════════════════════════════════════════
// CRON
// ══════════════════════════════════════════════════════════════════════════════

// CronSchedule adapts a parsed cron expression to Schedule.
type CronSchedule struct {
	raw      string
	schedule cron.Schedule
}

// Next implements Schedule. It returns the zero time when the expression
// can never match (for example "0 0 31 2 *").
func (c *CronSchedule) Next(t time.Time) time.Time {
	return c.schedule.Next(t)
}

func (c *CronSchedule) String() string {
	return c.raw
}
