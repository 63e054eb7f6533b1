package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"otto/internal/outbound"
	"otto/internal/storage"
)

// TypeSendMessage is the built-in job type that posts a chat message.
const TypeSendMessage = "send_message"

// Enqueuer is what send_message needs from the outbound queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, m outbound.Message) (outbound.Result, error)
}

type sendMessagePayload struct {
	ChatID    int64            `json:"chat_id,omitempty"`
	Content   string           `json:"content"`
	DedupeKey string           `json:"dedupe_key,omitempty"`
	Priority  storage.Priority `json:"priority,omitempty"`
}

// SendMessageAction enqueues the payload content. Without an explicit key
// the dedupe key is derived from the job and its due time, so a run that is
// dispatched twice (lease expired mid-run) queues the message once.
func SendMessageAction(q Enqueuer) Action {
	return func(ctx context.Context, job storage.Job) (Result, error) {
		var p sendMessagePayload
		if len(job.Payload) > 0 {
			if err := json.Unmarshal(job.Payload, &p); err != nil {
				return Result{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
			}
		}
		if strings.TrimSpace(p.Content) == "" {
			return Result{}, fmt.Errorf("%w: content is required", ErrInvalidPayload)
		}
		key := strings.TrimSpace(p.DedupeKey)
		if key == "" {
			key = fmt.Sprintf("job:%s@%d", job.ID, job.ScheduledFor.UnixMilli())
		}
		res, err := q.Enqueue(ctx, outbound.Message{
			ChatID:    p.ChatID,
			Content:   p.Content,
			DedupeKey: key,
			Priority:  p.Priority,
		})
		if errors.Is(err, outbound.ErrInvalidMessage) {
			return Result{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if err != nil {
			return Result{}, err
		}
		out, err := json.Marshal(res)
		if err != nil {
			return Result{}, err
		}
		return Result{Output: out}, nil
	}
}
