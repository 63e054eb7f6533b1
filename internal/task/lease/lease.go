// Package lease grants exclusive, time-bounded processing rights on a job.
//
// A lease is the owner token plus expiry stored on the job row. Claiming is
// one conditional UPDATE against the store; there is no in-memory lock and no
// reaper, since an expired lease simply makes the job eligible again.
package lease

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Store is the slice of the repository the manager needs.
type Store interface {
	ClaimLease(ctx context.Context, jobID, owner string, now, expiresAt time.Time) (bool, error)
	ReleaseLease(ctx context.Context, jobID, owner string) (bool, error)
}

// Lease is a successful claim.
type Lease struct {
	JobID     string
	Owner     string
	ExpiresAt time.Time
}

// Remaining returns how much of the lease is left at now.
func (l Lease) Remaining(now time.Time) time.Duration {
	if d := l.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Manager claims leases for one worker identity.
type Manager struct {
	store Store
	owner string
	ttl   time.Duration
	now   func() time.Time
}

// NewManager returns a manager with a fresh worker token. ttl must be > 0.
func NewManager(store Store, ttl time.Duration) (*Manager, error) {
	if store == nil {
		return nil, errors.New("lease: store is required")
	}
	if ttl <= 0 {
		return nil, errors.New("lease: ttl must be > 0")
	}
	return &Manager{
		store: store,
		owner: "otto-" + uuid.NewString(),
		ttl:   ttl,
		now:   time.Now,
	}, nil
}

// WithClock returns a copy that reads time from now.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	cp := *m
	if now != nil {
		cp.now = now
	}
	return &cp
}

// WithOwner returns a copy claiming under a fixed token.
func (m *Manager) WithOwner(owner string) *Manager {
	cp := *m
	if owner != "" {
		cp.owner = owner
	}
	return &cp
}

func (m *Manager) Owner() string      { return m.owner }
func (m *Manager) TTL() time.Duration { return m.ttl }

// Claim tries to take the lease on jobID. Losing the race is (Lease{}, false, nil).
func (m *Manager) Claim(ctx context.Context, jobID string) (Lease, bool, error) {
	now := m.now()
	exp := now.Add(m.ttl)
	ok, err := m.store.ClaimLease(ctx, jobID, m.owner, now, exp)
	if err != nil || !ok {
		return Lease{}, false, err
	}
	return Lease{JobID: jobID, Owner: m.owner, ExpiresAt: exp}, true, nil
}

// Release drops the lease if this manager still holds it.
func (m *Manager) Release(ctx context.Context, l Lease) error {
	if l.JobID == "" {
		return nil
	}
	_, err := m.store.ReleaseLease(ctx, l.JobID, l.Owner)
	return err
}
