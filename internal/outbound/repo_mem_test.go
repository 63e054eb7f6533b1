package outbound

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"otto/internal/storage"
)

// memRepo is an in-memory Repository and DeliveryRepository.
type memRepo struct {
	mu     sync.Mutex
	seq    int
	rows   map[string]*storage.OutboundMessage
	byKey  map[string]string
	order  []string
	failOn int // fail the Nth EnqueueOrIgnore call (1-based); 0 disables
	calls  int
}

func newMemRepo() *memRepo {
	return &memRepo{rows: map[string]*storage.OutboundMessage{}, byKey: map[string]string{}}
}

func (r *memRepo) EnqueueOrIgnore(_ context.Context, m storage.OutboundMessage) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.failOn > 0 && r.calls == r.failOn {
		return "", false, errors.New("store unavailable")
	}
	if m.DedupeKey != "" {
		if id, ok := r.byKey[m.DedupeKey]; ok {
			return id, false, nil
		}
	}
	r.seq++
	m.ID = fmt.Sprintf("m%d", r.seq)
	m.Status = storage.MessageQueued
	m.CreatedAt = time.Unix(int64(r.seq), 0)
	r.rows[m.ID] = &m
	r.order = append(r.order, m.ID)
	if m.DedupeKey != "" {
		r.byKey[m.DedupeKey] = m.ID
	}
	return m.ID, true, nil
}

func leaseFree(m *storage.OutboundMessage, now time.Time) bool {
	return m.LeaseOwner == "" || m.LeaseExpiresAt.Before(now)
}

func (r *memRepo) ListDeliverable(_ context.Context, now time.Time, limit int) ([]storage.OutboundMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []storage.OutboundMessage
	for _, id := range r.order {
		m := r.rows[id]
		if m.Status == storage.MessageQueued && !m.NextAttemptAt.After(now) && leaseFree(m, now) {
			out = append(out, *m)
		}
	}
	rank := map[storage.Priority]int{storage.PriorityHigh: 0, storage.PriorityNormal: 1, storage.PriorityLow: 2}
	sort.SliceStable(out, func(i, j int) bool { return rank[out[i].Priority] < rank[out[j].Priority] })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memRepo) ClaimMessage(_ context.Context, id, owner string, now, expiresAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.rows[id]
	if !ok || m.Status != storage.MessageQueued || m.NextAttemptAt.After(now) || !leaseFree(m, now) {
		return false, nil
	}
	m.LeaseOwner, m.LeaseExpiresAt = owner, expiresAt
	return true, nil
}

// held returns the row when owner holds its lease.
func (r *memRepo) held(id, owner string) (*storage.OutboundMessage, error) {
	m, ok := r.rows[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if m.Status != storage.MessageQueued || m.LeaseOwner != owner {
		return nil, storage.ErrStateConflict
	}
	return m, nil
}

func (r *memRepo) MarkSent(_ context.Context, id, owner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, err := r.held(id, owner)
	if err != nil {
		return err
	}
	m.Status = storage.MessageSent
	m.Attempts++
	m.LeaseOwner, m.LeaseExpiresAt = "", time.Time{}
	return nil
}

func (r *memRepo) MarkAttemptFailed(_ context.Context, id, owner, lastErr string, retryAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, err := r.held(id, owner)
	if err != nil {
		return err
	}
	m.Attempts++
	m.LastError = lastErr
	m.NextAttemptAt = retryAt
	if retryAt.IsZero() {
		m.Status = storage.MessageFailed
	}
	m.LeaseOwner, m.LeaseExpiresAt = "", time.Time{}
	return nil
}

func (r *memRepo) get(id string) storage.OutboundMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.rows[id]
}

func (r *memRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}
