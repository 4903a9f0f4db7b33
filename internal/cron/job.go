package cron

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ScheduleType tags the schedule union.
type ScheduleType string

const (
	TypeOnce     ScheduleType = "once"
	TypeInterval ScheduleType = "interval"
	TypeCron     ScheduleType = "cron"
)

// PayloadKind tells the dispatcher how to handle a firing without
// inspecting the prompt text.
type PayloadKind string

const (
	KindPrompt    PayloadKind = "prompt"
	KindHeartbeat PayloadKind = "heartbeat"
)

// Schedule is the tagged union of the three trigger shapes.
type Schedule struct {
	Type       ScheduleType `json:"type"`
	At         *time.Time   `json:"at,omitempty"`         // once
	EveryMs    int64        `json:"everyMs,omitempty"`    // interval
	Expression string       `json:"expression,omitempty"` // cron, 5-field
}

// Once builds a one-shot schedule from an ISO-8601 timestamp. The input
// must carry a timezone so it denotes an absolute instant.
func Once(at string) (Schedule, error) {
	t, err := time.Parse(time.RFC3339, at)
	if err != nil {
		return Schedule{}, fmt.Errorf("cron: once schedule needs an absolute RFC 3339 instant: %w", err)
	}
	return Schedule{Type: TypeOnce, At: &t}, nil
}

// OnceAt builds a one-shot schedule from an instant.
func OnceAt(t time.Time) Schedule {
	return Schedule{Type: TypeOnce, At: &t}
}

// Every builds a fixed-interval schedule.
func Every(d time.Duration) Schedule {
	return Schedule{Type: TypeInterval, EveryMs: d.Milliseconds()}
}

// Expr builds a cron-expression schedule.
func Expr(expression string) Schedule {
	return Schedule{Type: TypeCron, Expression: expression}
}

// Job is one scheduled task.
type Job struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Prompt    string      `json:"prompt"`
	Kind      PayloadKind `json:"kind"`
	Schedule  Schedule    `json:"schedule"`
	SessionID string      `json:"sessionId,omitempty"`
	Enabled   bool        `json:"enabled"`
	LastRun   *time.Time  `json:"lastRun,omitempty"`
	NextRun   *time.Time  `json:"nextRun,omitempty"`
	Created   time.Time   `json:"created"`
	RunCount  int         `json:"runCount"`
}

// cronFieldBounds holds the inclusive value range of each of the five
// fields: minute, hour, day-of-month, month, day-of-week.
var cronFieldBounds = [5][2]int{{0, 59}, {0, 23}, {1, 31}, {1, 12}, {0, 6}}

// ValidateCronExpr checks a 5-field cron expression: comma lists of `*`,
// integers, ranges `a-b` (a <= b), steps `*/n` and `a-b/n`. Wrap-around
// ranges (a > b) are invalid.
func ValidateCronExpr(expr string) error {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return fmt.Errorf("cron: expression needs exactly 5 fields, got %d", len(fields))
	}
	for i, field := range fields {
		for _, part := range strings.Split(field, ",") {
			if err := validateCronPart(part, cronFieldBounds[i][0], cronFieldBounds[i][1]); err != nil {
				return fmt.Errorf("cron: field %d: %w", i+1, err)
			}
		}
	}
	return nil
}

// cronDaySets expands the day-of-month and day-of-week fields of a
// validated expression into their matched value sets.
func cronDaySets(expr string) (dom, dow map[int]bool) {
	fields := strings.Fields(expr)
	dom = expandCronField(fields[2], cronFieldBounds[2][0], cronFieldBounds[2][1])
	dow = expandCronField(fields[4], cronFieldBounds[4][0], cronFieldBounds[4][1])
	return dom, dow
}

// expandCronField lists the values matched by one validated cron field.
// A stepped single value n/s runs from n to the field maximum.
func expandCronField(field string, lo, hi int) map[int]bool {
	set := make(map[int]bool, hi-lo+1)
	for _, part := range strings.Split(field, ",") {
		step := 1
		body := part
		if idx := strings.IndexByte(part, '/'); idx >= 0 {
			body = part[:idx]
			if n, err := strconv.Atoi(part[idx+1:]); err == nil && n > 0 {
				step = n
			}
		}
		a, b := lo, hi
		if body != "*" {
			if idx := strings.IndexByte(body, '-'); idx >= 0 {
				a, _ = strconv.Atoi(body[:idx])
				b, _ = strconv.Atoi(body[idx+1:])
			} else {
				a, _ = strconv.Atoi(body)
				b = a
				if strings.IndexByte(part, '/') >= 0 {
					b = hi
				}
			}
		}
		for v := a; v <= b; v += step {
			set[v] = true
		}
	}
	return set
}

func validateCronPart(part string, lo, hi int) error {
	if part == "" {
		return fmt.Errorf("empty entry")
	}

	body := part
	if idx := strings.IndexByte(part, '/'); idx >= 0 {
		body = part[:idx]
		step, err := strconv.Atoi(part[idx+1:])
		if err != nil || step <= 0 {
			return fmt.Errorf("invalid step in %q", part)
		}
	}

	if body == "*" {
		return nil
	}

	if idx := strings.IndexByte(body, '-'); idx >= 0 {
		a, errA := strconv.Atoi(body[:idx])
		b, errB := strconv.Atoi(body[idx+1:])
		if errA != nil || errB != nil {
			return fmt.Errorf("invalid range %q", body)
		}
		if a > b {
			return fmt.Errorf("range %q wraps around", body)
		}
		if a < lo || b > hi {
			return fmt.Errorf("range %q out of bounds %d-%d", body, lo, hi)
		}
		return nil
	}

	v, err := strconv.Atoi(body)
	if err != nil {
		return fmt.Errorf("invalid value %q", body)
	}
	if v < lo || v > hi {
		return fmt.Errorf("value %d out of bounds %d-%d", v, lo, hi)
	}
	return nil
}
