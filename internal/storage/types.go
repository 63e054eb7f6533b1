package storage

import (
	"database/sql"
	"encoding/json"
	"time"
)

type ScheduleType string

const (
	ScheduleInterval ScheduleType = "interval"
	ScheduleCron     ScheduleType = "cron"
	ScheduleOneShot  ScheduleType = "one_shot"
)

func (t ScheduleType) Valid() bool {
	switch t {
	case ScheduleInterval, ScheduleCron, ScheduleOneShot:
		return true
	}
	return false
}

// Recurring reports whether a finished run re-arms the job.
func (t ScheduleType) Recurring() bool { return t == ScheduleInterval || t == ScheduleCron }

type JobStatus string

const (
	JobScheduled JobStatus = "scheduled"
	// JobLeased is reported, never stored: a scheduled job with a live lease.
	JobLeased    JobStatus = "leased"
	JobDone      JobStatus = "done"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

func (s JobStatus) Terminal() bool {
	return s == JobDone || s == JobFailed || s == JobCancelled
}

type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunFailure RunStatus = "failure"
)

type MessageStatus string

const (
	MessageQueued MessageStatus = "queued"
	MessageSent   MessageStatus = "sent"
	MessageFailed MessageStatus = "failed"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh:
		return true
	}
	return false
}

// Job is one unit of scheduled work. Zero times mean "unset".
type Job struct {
	ID            string
	Type          string
	Name          string
	ScheduleType  ScheduleType
	Schedule      string
	Payload       json.RawMessage
	Status        JobStatus
	ScheduledFor  time.Time
	LockOwner     string
	LockExpiresAt time.Time
	ModelRef      string
	LastRunAt     time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// LeaseLive reports whether someone holds an unexpired lease at now.
func (j Job) LeaseLive(now time.Time) bool {
	return j.LockOwner != "" && !j.LockExpiresAt.Before(now)
}

// EffectiveStatus folds a live lease into the reported status.
func (j Job) EffectiveStatus(now time.Time) JobStatus {
	if j.Status == JobScheduled && j.LeaseLive(now) {
		return JobLeased
	}
	return j.Status
}

// NewJob is the input of CreateJob.
type NewJob struct {
	ID           string // optional; generated when empty
	Type         string
	Name         string
	ScheduleType ScheduleType
	Schedule     string
	Payload      json.RawMessage
	ScheduledFor time.Time
	ModelRef     string
}

type JobRun struct {
	ID               string
	JobID            string
	ScheduledFor     time.Time
	StartedAt        time.Time
	FinishedAt       time.Time
	Status           RunStatus
	ErrorCode        string
	ErrorMessage     string
	Result           json.RawMessage
	PromptProvenance string
	CreatedAt        time.Time
}

// RunOutcome is what the scheduler records when a run completes.
type RunOutcome struct {
	Status           RunStatus
	ErrorCode        string
	ErrorMessage     string
	Result           json.RawMessage
	PromptProvenance string
}

// JobAdvance is the job state written together with a finished run.
// Status scheduled re-arms the job at ScheduledFor; done/failed end it.
type JobAdvance struct {
	Status       JobStatus
	ScheduledFor time.Time
}

// RunNowResult mirrors the run-now response body.
type RunNowResult struct {
	ID           string
	Status       string
	ScheduledFor time.Time
}

const RunNowScheduled = "run_now_scheduled"

type OutboundMessage struct {
	ID             string
	ChatID         int64
	Content        string
	DedupeKey      string // empty means no dedupe
	Status         MessageStatus
	Priority       Priority
	Attempts       int
	LastError      string
	NextAttemptAt  time.Time
	SentAt         time.Time
	CreatedAt      time.Time
	LeaseOwner     string // delivery worker currently sending the row
	LeaseExpiresAt time.Time
}

// ---- row mapping ----

type jobRow struct {
	ID            string         `db:"id"`
	Type          string         `db:"type"`
	Name          string         `db:"name"`
	ScheduleType  string         `db:"schedule_type"`
	Schedule      string         `db:"schedule_expr"`
	Payload       string         `db:"payload_json"`
	Status        string         `db:"status"`
	ScheduledFor  int64          `db:"scheduled_for"`
	LockOwner     sql.NullString `db:"lock_owner"`
	LockExpiresAt sql.NullInt64  `db:"lock_expires_at"`
	ModelRef      sql.NullString `db:"model_ref"`
	LastRunAt     sql.NullInt64  `db:"last_run_at"`
	CreatedAt     int64          `db:"created_at"`
	UpdatedAt     int64          `db:"updated_at"`
}

const jobColumns = `id, type, name, schedule_type, schedule_expr, payload_json, status, scheduled_for,
	lock_owner, lock_expires_at, model_ref, last_run_at, created_at, updated_at`

func (r jobRow) toJob() Job {
	j := Job{
		ID:            r.ID,
		Type:          r.Type,
		Name:          r.Name,
		ScheduleType:  ScheduleType(r.ScheduleType),
		Schedule:      r.Schedule,
		Status:        JobStatus(r.Status),
		ScheduledFor:  fromMillis(r.ScheduledFor),
		LockOwner:     r.LockOwner.String,
		LockExpiresAt: fromNullMillis(r.LockExpiresAt),
		ModelRef:      r.ModelRef.String,
		LastRunAt:     fromNullMillis(r.LastRunAt),
		CreatedAt:     fromMillis(r.CreatedAt),
		UpdatedAt:     fromMillis(r.UpdatedAt),
	}
	if r.Payload != "" {
		j.Payload = json.RawMessage(r.Payload)
	}
	return j
}

type runRow struct {
	ID               string         `db:"id"`
	JobID            string         `db:"job_id"`
	ScheduledFor     int64          `db:"scheduled_for"`
	StartedAt        int64          `db:"started_at"`
	FinishedAt       sql.NullInt64  `db:"finished_at"`
	Status           string         `db:"status"`
	ErrorCode        sql.NullString `db:"error_code"`
	ErrorMessage     sql.NullString `db:"error_message"`
	ResultJSON       sql.NullString `db:"result_json"`
	PromptProvenance sql.NullString `db:"prompt_provenance"`
	CreatedAt        int64          `db:"created_at"`
}

const runColumns = `id, job_id, scheduled_for, started_at, finished_at, status, error_code,
	error_message, result_json, prompt_provenance, created_at`

func (r runRow) toRun() JobRun {
	run := JobRun{
		ID:               r.ID,
		JobID:            r.JobID,
		ScheduledFor:     fromMillis(r.ScheduledFor),
		StartedAt:        fromMillis(r.StartedAt),
		FinishedAt:       fromNullMillis(r.FinishedAt),
		Status:           RunStatus(r.Status),
		ErrorCode:        r.ErrorCode.String,
		ErrorMessage:     r.ErrorMessage.String,
		PromptProvenance: r.PromptProvenance.String,
		CreatedAt:        fromMillis(r.CreatedAt),
	}
	if r.ResultJSON.Valid && r.ResultJSON.String != "" {
		run.Result = json.RawMessage(r.ResultJSON.String)
	}
	return run
}

type messageRow struct {
	ID            string         `db:"id"`
	ChatID        int64          `db:"chat_id"`
	Content       string         `db:"content"`
	DedupeKey     sql.NullString `db:"dedupe_key"`
	Status        string         `db:"status"`
	Priority      string         `db:"priority"`
	Attempts      int            `db:"attempts"`
	LastError     sql.NullString `db:"last_error"`
	NextAttemptAt int64          `db:"next_attempt_at"`
	SentAt        sql.NullInt64  `db:"sent_at"`
	CreatedAt     int64          `db:"created_at"`
	LeaseOwner    sql.NullString `db:"lease_owner"`
	LeaseExpires  sql.NullInt64  `db:"lease_expires_at"`
}

const messageColumns = `id, chat_id, content, dedupe_key, status, priority, attempts, last_error,
	next_attempt_at, sent_at, created_at, lease_owner, lease_expires_at`

func (r messageRow) toMessage() OutboundMessage {
	return OutboundMessage{
		ID:             r.ID,
		ChatID:         r.ChatID,
		Content:        r.Content,
		DedupeKey:      r.DedupeKey.String,
		Status:         MessageStatus(r.Status),
		Priority:       Priority(r.Priority),
		Attempts:       r.Attempts,
		LastError:      r.LastError.String,
		NextAttemptAt:  fromMillisOrZero(r.NextAttemptAt),
		SentAt:         fromNullMillis(r.SentAt),
		CreatedAt:      fromMillis(r.CreatedAt),
		LeaseOwner:     r.LeaseOwner.String,
		LeaseExpiresAt: fromNullMillis(r.LeaseExpires),
	}
}

// ---- time and null helpers ----

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func fromMillisOrZero(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return fromMillis(ms)
}

func fromNullMillis(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return fromMillis(v.Int64)
}

func nullStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullJSON(v json.RawMessage) any {
	if len(v) == 0 {
		return nil
	}
	return string(v)
}
