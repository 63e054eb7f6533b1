package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"otto/internal/storage"
)

// cronParser accepts both 5-field and 6-field (with seconds) specs plus
// descriptors like @hourly and @every 55m.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParsedSpec is a schedule expression resolved to its kind.
//
// Supported forms:
//   - Cron: "*/5 * * * *", "0 30 9 * * *", "@hourly", "@every 55m"
//   - Interval duration: "55m", "2h30m"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
//   - One-shot: RFC3339 timestamp, e.g. "2026-01-02T09:00:00+07:00"
//
// Optional prefixes force the kind: "cron:", "interval:" / "every:", "at:".
type ParsedSpec struct {
	Type   storage.ScheduleType
	Expr   string // normalized expression, stored as schedule_expr
	Every  time.Duration
	At     time.Time
	Source string // "cron" | "duration" | "hhmm" | "rfc3339"

	cron cron.Schedule
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseSchedule infers the kind of raw and validates it.
func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCron(strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "interval:"):
		return parseInterval(strings.TrimSpace(s[len("interval:"):]))
	case strings.HasPrefix(low, "every:"):
		return parseInterval(strings.TrimSpace(s[len("every:"):]))
	case strings.HasPrefix(low, "at:"):
		return parseAt(strings.TrimSpace(s[len("at:"):]))
	}

	// whitespace or leading '@' => cron
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return parseCron(s)
	}
	if reHHMM.MatchString(s) {
		return parseInterval(s)
	}
	if _, err := time.ParseDuration(s); err == nil {
		return parseInterval(s)
	}
	if _, err := time.Parse(time.RFC3339, s); err == nil {
		return parseAt(s)
	}

	return ParsedSpec{}, fmt.Errorf(
		"invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '02:30', duration like '55m', or an RFC3339 time)",
		raw,
	)
}

// ParseScheduleAs parses expr as the given kind. One-shot jobs may carry an
// empty expression; their time then comes from scheduled_for.
func ParseScheduleAs(typ storage.ScheduleType, expr string) (ParsedSpec, error) {
	expr = strings.TrimSpace(expr)
	switch typ {
	case storage.ScheduleCron:
		return parseCron(strings.TrimPrefix(expr, "cron:"))
	case storage.ScheduleInterval:
		v := strings.TrimPrefix(strings.TrimPrefix(expr, "interval:"), "every:")
		return parseInterval(v)
	case storage.ScheduleOneShot:
		if expr == "" {
			return ParsedSpec{Type: storage.ScheduleOneShot}, nil
		}
		return parseAt(strings.TrimPrefix(expr, "at:"))
	default:
		return ParsedSpec{}, fmt.Errorf("unknown schedule type %q", typ)
	}
}

func parseCron(expr string) (ParsedSpec, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return ParsedSpec{}, fmt.Errorf("cron schedule required")
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return ParsedSpec{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return ParsedSpec{Type: storage.ScheduleCron, Expr: expr, Source: "cron", cron: sched}, nil
}

func parseInterval(v string) (ParsedSpec, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return ParsedSpec{}, fmt.Errorf("interval required")
	}
	if reHHMM.MatchString(v) {
		d, err := parseHHMMDuration(v)
		if err != nil {
			return ParsedSpec{}, err
		}
		return ParsedSpec{Type: storage.ScheduleInterval, Expr: v, Every: d, Source: "hhmm"}, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return ParsedSpec{}, fmt.Errorf("invalid interval %q (use HH:MM or Go duration like '55m'/'2h30m')", v)
	}
	if d <= 0 {
		return ParsedSpec{}, fmt.Errorf("interval must be > 0")
	}
	return ParsedSpec{Type: storage.ScheduleInterval, Expr: v, Every: d, Source: "duration"}, nil
}

func parseAt(v string) (ParsedSpec, error) {
	at, err := time.Parse(time.RFC3339, strings.TrimSpace(v))
	if err != nil {
		return ParsedSpec{}, fmt.Errorf("invalid one-shot time %q (use RFC3339)", v)
	}
	return ParsedSpec{Type: storage.ScheduleOneShot, Expr: at.Format(time.RFC3339), At: at, Source: "rfc3339"}, nil
}

// parseHHMMDuration reads "H:MM" as a duration; hours up to 999, minutes 0..59.
func parseHHMMDuration(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, fmt.Errorf("invalid HH:MM %q", v)
	}
	hh, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if mm > 59 {
		return 0, fmt.Errorf("invalid minutes in %q", v)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}
