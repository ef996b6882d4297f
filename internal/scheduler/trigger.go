package scheduler

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidExpression is returned for schedule expressions that are neither
// an interval nor a cron expression.
var ErrInvalidExpression = errors.New("invalid schedule expression")

// Trigger computes when a task runs next.
type Trigger interface {
	// Next returns the next run time strictly after now.
	Next(now time.Time) time.Time
	// Periodic reports whether the trigger is a fixed interval.
	Periodic() bool
	String() string
}

type interval time.Duration

func (i interval) Next(now time.Time) time.Time { return now.Add(time.Duration(i)) }
func (i interval) Periodic() bool               { return true }
func (i interval) String() string               { return "every " + time.Duration(i).String() }

type cronTrigger struct {
	expr     string
	schedule cron.Schedule
}

func (c cronTrigger) Next(now time.Time) time.Time { return c.schedule.Next(now) }
func (c cronTrigger) Periodic() bool               { return false }
func (c cronTrigger) String() string               { return "cron " + c.expr }

var suffixed = regexp.MustCompile(`^(\d+)\s*([a-z]+)$`)

var units = map[string]time.Duration{
	"ms": time.Millisecond, "msec": time.Millisecond, "millisecond": time.Millisecond, "milliseconds": time.Millisecond,
	"s": time.Second, "sec": time.Second, "secs": time.Second, "second": time.Second, "seconds": time.Second,
	"m": time.Minute, "min": time.Minute, "mins": time.Minute, "minute": time.Minute, "minutes": time.Minute,
	"h": time.Hour, "hour": time.Hour, "hours": time.Hour,
	"d": 24 * time.Hour, "day": 24 * time.Hour, "days": 24 * time.Hour,
}

// ParseTrigger accepts Go durations ("10s", "1h30m"), single-unit intervals
// ("10sec", "5min", "1hour", "2days") and cron expressions, including the
// "@every"/"@hourly" descriptors.
func ParseTrigger(expr string) (Trigger, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidExpression)
	}

	if d, err := time.ParseDuration(expr); err == nil {
		return newInterval(expr, d)
	}

	if m := suffixed.FindStringSubmatch(strings.ToLower(expr)); m != nil {
		if unit, ok := units[m[2]]; ok {
			n, err := strconv.ParseInt(m[1], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: %q: %v", ErrInvalidExpression, expr, err)
			}
			return newInterval(expr, time.Duration(n)*unit)
		}
	}

	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidExpression, expr, err)
	}
	return cronTrigger{expr: expr, schedule: schedule}, nil
}

func newInterval(expr string, d time.Duration) (Trigger, error) {
	if d <= 0 {
		return nil, fmt.Errorf("%w: %q: interval must be positive", ErrInvalidExpression, expr)
	}
	return interval(d), nil
}
