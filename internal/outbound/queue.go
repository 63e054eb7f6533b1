package outbound

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"otto/internal/eventbus"
	"otto/internal/storage"
	logx "otto/pkg/logx"
)

const DefaultChunkLimit = 4000

var ErrInvalidMessage = errors.New("invalid message")

const (
	StatusEnqueued  = "enqueued"
	StatusDuplicate = "duplicate"
)

// Repository is the enqueue slice of the store.
type Repository interface {
	EnqueueOrIgnore(ctx context.Context, m storage.OutboundMessage) (id string, inserted bool, err error)
}

// Message is one logical outbound message before splitting.
type Message struct {
	ChatID    int64
	Content   string
	DedupeKey string
	Priority  storage.Priority
}

// Result aggregates the per-chunk outcomes of one Enqueue call.
// MessageIDs lists rows created by this call only.
type Result struct {
	Status         string   `json:"status"`
	QueuedCount    int      `json:"queuedCount"`
	DuplicateCount int      `json:"duplicateCount"`
	MessageIDs     []string `json:"messageIds"`
	DedupeKey      string   `json:"dedupeKey,omitempty"`
}

type Config struct {
	ChunkLimit    int
	DefaultChatID int64
}

type Queue struct {
	repo Repository
	cfg  Config
	log  logx.Logger
	bus  eventbus.Bus
}

func NewQueue(repo Repository, cfg Config, log logx.Logger, bus eventbus.Bus) *Queue {
	if cfg.ChunkLimit <= 0 {
		cfg.ChunkLimit = DefaultChunkLimit
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Queue{repo: repo, cfg: cfg, log: log, bus: bus}
}

func (q *Queue) ChunkLimit() int { return q.cfg.ChunkLimit }

// Enqueue splits m and inserts every chunk independently. Chunks already
// inserted stay queued when a later chunk fails; the error is returned with
// the partial Result, and retrying with the same dedupe key is safe.
func (q *Queue) Enqueue(ctx context.Context, m Message) (Result, error) {
	if strings.TrimSpace(m.Content) == "" {
		return Result{}, fmt.Errorf("%w: content is empty", ErrInvalidMessage)
	}
	if m.ChatID == 0 {
		m.ChatID = q.cfg.DefaultChatID
	}
	if m.ChatID == 0 {
		return Result{}, fmt.Errorf("%w: chat id is required (no default chat configured)", ErrInvalidMessage)
	}
	if m.Priority == "" {
		m.Priority = storage.PriorityNormal
	}
	if !m.Priority.Valid() {
		return Result{}, fmt.Errorf("%w: unknown priority %q", ErrInvalidMessage, m.Priority)
	}

	chunks := Split(m.Content, q.cfg.ChunkLimit)
	res := Result{DedupeKey: m.DedupeKey, MessageIDs: []string{}}
	for i, chunk := range chunks {
		key := m.DedupeKey
		if len(chunks) > 1 {
			key = ChunkKey(m.DedupeKey, i+1, len(chunks))
		}
		id, inserted, err := q.repo.EnqueueOrIgnore(ctx, storage.OutboundMessage{
			ChatID:    m.ChatID,
			Content:   chunk,
			DedupeKey: key,
			Priority:  m.Priority,
		})
		if err != nil {
			res.Status = aggregateStatus(res)
			q.log.Warn("enqueue chunk failed",
				logx.String("dedupe_key", m.DedupeKey),
				logx.Int("chunk", i+1),
				logx.Int("chunks", len(chunks)),
				logx.Err(err),
			)
			return res, fmt.Errorf("enqueue chunk %d/%d: %w", i+1, len(chunks), err)
		}
		if inserted {
			res.QueuedCount++
			res.MessageIDs = append(res.MessageIDs, id)
		} else {
			res.DuplicateCount++
		}
	}
	res.Status = aggregateStatus(res)

	q.log.Debug("message enqueued",
		logx.String("status", res.Status),
		logx.Int("queued", res.QueuedCount),
		logx.Int("duplicates", res.DuplicateCount),
		logx.String("dedupe_key", m.DedupeKey),
	)
	eventbus.Publish(q.bus, eventbus.TypeOutboundEnqueued, eventbus.OutboundEnqueued{
		DedupeKey:      m.DedupeKey,
		QueuedCount:    res.QueuedCount,
		DuplicateCount: res.DuplicateCount,
	})
	return res, nil
}

// A call is a duplicate only when nothing new was queued.
func aggregateStatus(r Result) string {
	if r.QueuedCount == 0 && r.DuplicateCount > 0 {
		return StatusDuplicate
	}
	return StatusEnqueued
}
