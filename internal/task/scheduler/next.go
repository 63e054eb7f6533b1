package scheduler

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"otto/internal/storage"
)

// NextRun returns the next natural time after a run that was due at
// scheduledFor and finished at now. Intervals step from scheduledFor and skip
// slots already in the past, so a stalled process fires once rather than
// bursting through the backlog. Cron is evaluated in loc.
func (p ParsedSpec) NextRun(scheduledFor, now time.Time, loc *time.Location) (time.Time, error) {
	switch p.Type {
	case storage.ScheduleInterval:
		if p.Every <= 0 {
			return time.Time{}, fmt.Errorf("interval must be > 0")
		}
		next := scheduledFor.Add(p.Every)
		if !next.After(now) {
			missed := now.Sub(scheduledFor) / p.Every
			next = scheduledFor.Add((missed + 1) * p.Every)
		}
		return next, nil
	case storage.ScheduleCron:
		if p.cron == nil {
			return time.Time{}, fmt.Errorf("cron schedule not parsed")
		}
		if loc == nil {
			loc = time.Local
		}
		next := p.cron.Next(now.In(loc))
		if next.IsZero() {
			return time.Time{}, fmt.Errorf("cron %q has no future activation", p.Expr)
		}
		return next, nil
	default:
		return time.Time{}, fmt.Errorf("%s schedules do not recur", p.Type)
	}
}

// JobSpec is an external scheduling request before it becomes a row.
type JobSpec struct {
	ID           string               `json:"id,omitempty"`
	Type         string               `json:"type"`
	Name         string               `json:"name,omitempty"`
	ScheduleType storage.ScheduleType `json:"scheduleType,omitempty"`
	Schedule     string               `json:"schedule,omitempty"`
	Payload      json.RawMessage      `json:"payload,omitempty"`
	ModelRef     string               `json:"modelRef,omitempty"`
	StartAt      time.Time            `json:"startAt,omitempty"`
}

// PlanJob validates spec and computes the first scheduled_for.
//
// An empty ScheduleType is inferred from Schedule; an empty schedule is a
// one-shot due at StartAt (or now). Without StartAt, intervals first fire one
// period from now and cron at its next activation.
func PlanJob(spec JobSpec, now time.Time, loc *time.Location) (storage.NewJob, error) {
	if strings.TrimSpace(spec.Type) == "" {
		return storage.NewJob{}, fmt.Errorf("%w: job type is required", storage.ErrInvalid)
	}

	var (
		p   ParsedSpec
		err error
	)
	switch {
	case spec.ScheduleType != "":
		p, err = ParseScheduleAs(spec.ScheduleType, spec.Schedule)
	case strings.TrimSpace(spec.Schedule) == "":
		p = ParsedSpec{Type: storage.ScheduleOneShot}
	default:
		p, err = ParseSchedule(spec.Schedule)
	}
	if err != nil {
		return storage.NewJob{}, fmt.Errorf("%w: %v", storage.ErrInvalid, err)
	}

	var first time.Time
	switch {
	case !spec.StartAt.IsZero():
		first = spec.StartAt
	case p.Type == storage.ScheduleOneShot:
		first = p.At
		if first.IsZero() {
			first = now
		}
	case p.Type == storage.ScheduleInterval:
		first = now.Add(p.Every)
	default:
		first, err = p.NextRun(now, now, loc)
		if err != nil {
			return storage.NewJob{}, fmt.Errorf("%w: %v", storage.ErrInvalid, err)
		}
	}

	return storage.NewJob{
		ID:           spec.ID,
		Type:         strings.TrimSpace(spec.Type),
		Name:         strings.TrimSpace(spec.Name),
		ScheduleType: p.Type,
		Schedule:     p.Expr,
		Payload:      spec.Payload,
		ScheduledFor: first,
		ModelRef:     strings.TrimSpace(spec.ModelRef),
	}, nil
}
