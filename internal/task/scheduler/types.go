package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"otto/internal/storage"
)

// Repository is the slice of the store the tick loop drives. *storage.Store
// satisfies it; tests use an in-memory double.
type Repository interface {
	ListEligibleJobs(ctx context.Context, now time.Time, limit int) ([]storage.Job, error)
	ClaimLease(ctx context.Context, jobID, owner string, now, expiresAt time.Time) (bool, error)
	ReleaseLease(ctx context.Context, jobID, owner string) (bool, error)
	StartRun(ctx context.Context, jobID, owner string) (storage.JobRun, error)
	FinishRun(ctx context.Context, runID, owner string, outcome storage.RunOutcome, next storage.JobAdvance) (bool, error)
}

// Phase is where the tick state machine currently is.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseSelecting   Phase = "selecting"
	PhaseLeasing     Phase = "leasing"
	PhaseDispatching Phase = "dispatching"
	PhaseRecording   Phase = "recording"
)

// TickReport counts what one tick did. Errors counts jobs that were claimed
// but could not be run or recorded because the store failed.
type TickReport struct {
	Selected  int           `json:"selected"`
	Claimed   int           `json:"claimed"`
	Contended int           `json:"contended"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Errors    int           `json:"errors"`
	Started   time.Time     `json:"started"`
	Took      time.Duration `json:"took"`
}

// Action executes one job. The context deadline never outlives the lease.
type Action func(ctx context.Context, job storage.Job) (Result, error)

// Result is what a successful action hands back for the run row.
type Result struct {
	Output           json.RawMessage
	PromptProvenance string
}

// Error codes written to job_runs.error_code.
const (
	CodeUnknownType     = "unknown_type"
	CodePanic           = "panic"
	CodeTimeout         = "timeout"
	CodeActionError     = "action_error"
	CodeInvalidSchedule = "invalid_schedule"
	CodeInvalidPayload  = "invalid_payload"
	CodeCancelled       = "cancelled"
)

// ActionError is a classified action failure.
type ActionError struct {
	Code string
	Err  error
}

func (e *ActionError) Error() string {
	if e.Err == nil {
		return e.Code
	}
	return e.Code + ": " + e.Err.Error()
}

func (e *ActionError) Unwrap() error { return e.Err }

// ErrInvalidPayload marks a payload an action cannot use. Recorded as
// invalid_payload rather than action_error.
var ErrInvalidPayload = errors.New("invalid payload")

// classify maps an action error onto an ActionError code.
func classify(err error, deadline context.Context) *ActionError {
	var ae *ActionError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &ae):
		return ae
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(deadline.Err(), context.DeadlineExceeded):
		return &ActionError{Code: CodeTimeout, Err: err}
	case errors.Is(err, context.Canceled):
		return &ActionError{Code: CodeCancelled, Err: err}
	case errors.Is(err, ErrInvalidPayload):
		return &ActionError{Code: CodeInvalidPayload, Err: err}
	default:
		return &ActionError{Code: CodeActionError, Err: err}
	}
}

func panicError(p any) *ActionError {
	return &ActionError{Code: CodePanic, Err: fmt.Errorf("panic: %v", p)}
}
