package eventbus

import "time"

// Event types published by the scheduler and the outbound queue.
const (
	TypeTickCompleted      = "scheduler.tick.completed"
	TypeLeaseContended     = "job.lease.contended"
	TypeRunFinished        = "job.run.finished"
	TypeOutboundEnqueued   = "outbound.enqueued"
	TypeOutboundDelivered  = "outbound.delivered"
	TypeOutboundSendFailed = "outbound.send_failed"
)

type TickCompleted struct {
	Selected  int
	Claimed   int
	Contended int
	Succeeded int
	Failed    int
	Took      time.Duration
}

type LeaseContended struct {
	JobID string
}

type RunFinished struct {
	JobID     string
	RunID     string
	JobType   string
	Success   bool
	ErrorCode string
	Took      time.Duration
}

type OutboundEnqueued struct {
	DedupeKey      string
	QueuedCount    int
	DuplicateCount int
}

type OutboundDelivered struct {
	MessageID string
	ChatID    int64
	Attempts  int
}

type OutboundSendFailed struct {
	MessageID string
	Attempts  int
	Final     bool
	Error     string
}
