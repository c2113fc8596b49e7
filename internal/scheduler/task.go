package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	kagoerrors "github.com/harunnryd/kago/internal/errors"

	"github.com/robfig/cron/v3"
)

type ScheduleKind string

const (
	KindCron     ScheduleKind = "cron"
	KindInterval ScheduleKind = "interval"
	KindOnce     ScheduleKind = "once"
)

type TaskStatus string

const (
	StatusActive TaskStatus = "active"
	StatusPaused TaskStatus = "paused"
)

// Task is one scheduled prompt owned by a chat.
type Task struct {
	ID            string       `json:"id"`
	ChatID        string       `json:"chatId"`
	Label         string       `json:"label,omitempty"`
	Prompt        string       `json:"prompt"`
	ScheduleKind  ScheduleKind `json:"scheduleKind"`
	ScheduleValue string       `json:"scheduleValue"`
	NextRun       *time.Time   `json:"nextRun"`
	Status        TaskStatus   `json:"status"`
	CreatedAt     time.Time    `json:"createdAt"`
	Model         string       `json:"model,omitempty"`
	LastRun       *time.Time   `json:"lastRun,omitempty"`
	LastResult    string       `json:"lastResult,omitempty"`
}

// Name is the label when set, otherwise the id.
func (t Task) Name() string {
	if t.Label != "" {
		return t.Label
	}
	return t.ID
}

func (t Task) IsDue(now time.Time) bool {
	return t.Status == StatusActive && t.NextRun != nil && !t.NextRun.After(now)
}

func ParseKind(s string) (ScheduleKind, error) {
	switch k := ScheduleKind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindCron, KindInterval, KindOnce:
		return k, nil
	default:
		return "", fmt.Errorf("unknown schedule kind %q: %w", s, kagoerrors.ErrScheduleInvalid)
	}
}

// NextRun computes the next fire time strictly after from.
// Cron expressions are evaluated in loc; interval values are milliseconds;
// once values are absolute RFC3339 times.
func NextRun(kind ScheduleKind, value string, from time.Time, loc *time.Location) (*time.Time, error) {
	value = strings.TrimSpace(value)
	if loc == nil {
		loc = time.UTC
	}

	var next time.Time
	switch kind {
	case KindCron:
		sched, err := cron.ParseStandard(value)
		if err != nil {
			return nil, fmt.Errorf("cron %q: %v: %w", value, err, kagoerrors.ErrScheduleInvalid)
		}
		next = sched.Next(from.In(loc))
		if next.IsZero() {
			return nil, fmt.Errorf("cron %q never fires: %w", value, kagoerrors.ErrScheduleInvalid)
		}
	case KindInterval:
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil || ms <= 0 {
			return nil, fmt.Errorf("interval %q must be a positive millisecond count: %w", value, kagoerrors.ErrScheduleInvalid)
		}
		next = from.Add(time.Duration(ms) * time.Millisecond)
	case KindOnce:
		at, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return nil, fmt.Errorf("once %q must be an RFC3339 time: %w", value, kagoerrors.ErrScheduleInvalid)
		}
		next = at
	default:
		return nil, fmt.Errorf("unknown schedule kind %q: %w", kind, kagoerrors.ErrScheduleInvalid)
	}

	next = next.UTC()
	return &next, nil
}

// advance applies the post-run transition: once tasks pause with no next run,
// recurring tasks move forward from now.
func advance(t *Task, now time.Time, loc *time.Location) error {
	if t.ScheduleKind == KindOnce {
		t.Status = StatusPaused
		t.NextRun = nil
		return nil
	}
	next, err := NextRun(t.ScheduleKind, t.ScheduleValue, now, loc)
	if err != nil {
		t.NextRun = nil
		return err
	}
	t.NextRun = next
	return nil
}
