package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "otto/pkg/logx"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func openTestStore(t *testing.T) (*Store, *fakeClock, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "otto.db")
	st, err := Open(context.Background(), Config{Path: path, BusyTimeout: 2 * time.Second}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	clk := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	st.SetClock(clk.Now)
	return st, clk, path
}

func createDueJob(t *testing.T, st *Store, clk *fakeClock, typ ScheduleType) Job {
	t.Helper()
	job, err := st.CreateJob(context.Background(), NewJob{
		Type:         "send_message",
		Name:         "test",
		ScheduleType: typ,
		Schedule:     "5m",
		Payload:      json.RawMessage(`{"content":"hi"}`),
		ScheduledFor: clk.Now().Add(-time.Second),
	})
	require.NoError(t, err)
	return job
}

func TestOpenTwiceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	_, _, path := openTestStore(t)

	var before int
	st1, err := Open(ctx, Config{Path: path}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st1.DB().GetContext(ctx, &before, `SELECT COUNT(1) FROM schema_migrations`))
	require.NoError(t, st1.Close())

	st2, err := Open(ctx, Config{Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st2.Close()
	var after int
	require.NoError(t, st2.DB().GetContext(ctx, &after, `SELECT COUNT(1) FROM schema_migrations`))

	assert.Equal(t, len(Migrations), before)
	assert.Equal(t, before, after)

	applied, err := Migrate(ctx, st2.DB(), Migrations)
	require.NoError(t, err)
	assert.Empty(t, applied)
}

func TestMigrationsAddModelRef(t *testing.T) {
	st, _, _ := openTestStore(t)
	var cols []struct {
		CID     int     `db:"cid"`
		Name    string  `db:"name"`
		Type    string  `db:"type"`
		NotNull int     `db:"notnull"`
		Default *string `db:"dflt_value"`
		PK      int     `db:"pk"`
	}
	require.NoError(t, st.DB().SelectContext(context.Background(), &cols, `PRAGMA table_info(jobs)`))

	names := make([]string, 0, len(cols))
	for _, c := range cols {
		names = append(names, c.Name)
	}
	assert.Contains(t, names, "model_ref")
	assert.Contains(t, names, "lock_owner")
	assert.Contains(t, names, "lock_expires_at")
}

func TestMigrateRollsBackFailedUnit(t *testing.T) {
	ctx := context.Background()
	st, _, _ := openTestStore(t)

	bad := []Migration{{
		ID: "9001_broken",
		Statements: []string{
			`CREATE TABLE scratch (id INTEGER)`,
			`THIS IS NOT SQL`,
		},
	}}
	_, err := Migrate(ctx, st.DB(), bad)
	require.Error(t, err)

	var n int
	require.NoError(t, st.DB().GetContext(ctx, &n,
		`SELECT COUNT(1) FROM sqlite_master WHERE type = 'table' AND name = 'scratch'`))
	assert.Zero(t, n, "partial DDL must not survive")
	require.NoError(t, st.DB().GetContext(ctx, &n,
		`SELECT COUNT(1) FROM schema_migrations WHERE id = '9001_broken'`))
	assert.Zero(t, n)

	good := []Migration{{ID: "9001_broken", Statements: []string{`CREATE TABLE scratch (id INTEGER)`}}}
	applied, err := Migrate(ctx, st.DB(), good)
	require.NoError(t, err)
	assert.Equal(t, []string{"9001_broken"}, applied)
}

func TestMigrateRejectsDuplicateIDs(t *testing.T) {
	st, _, _ := openTestStore(t)
	_, err := Migrate(context.Background(), st.DB(), []Migration{
		{ID: "a", Statements: []string{`SELECT 1`}},
		{ID: "a", Statements: []string{`SELECT 1`}},
	})
	require.ErrorIs(t, err, ErrInvalid)
}

func TestListEligibleJobs(t *testing.T) {
	ctx := context.Background()
	st, clk, _ := openTestStore(t)
	now := clk.Now()

	mk := func(id string, at time.Time) {
		_, err := st.CreateJob(ctx, NewJob{ID: id, Type: "noop", ScheduleType: ScheduleOneShot, ScheduledFor: at})
		require.NoError(t, err)
	}
	mk("late", now.Add(-time.Minute))
	mk("early", now.Add(-time.Hour))
	mk("future", now.Add(time.Hour))
	mk("leased", now.Add(-2*time.Hour))
	mk("expired", now.Add(-3*time.Hour))
	mk("cancelled", now.Add(-4*time.Hour))

	ok, err := st.ClaimLease(ctx, "leased", "w1", now, now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = st.ClaimLease(ctx, "expired", "w1", now.Add(-10*time.Minute), now.Add(-5*time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	_, err = st.MarkJobTerminal(ctx, "cancelled", JobCancelled)
	require.NoError(t, err)

	jobs, err := st.ListEligibleJobs(ctx, now, 10)
	require.NoError(t, err)
	ids := make([]string, 0, len(jobs))
	for _, j := range jobs {
		ids = append(ids, j.ID)
	}
	assert.Equal(t, []string{"expired", "early", "late"}, ids)

	jobs, err = st.ListEligibleJobs(ctx, now, 2)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestClaimLeaseMutualExclusion(t *testing.T) {
	ctx := context.Background()
	st, clk, _ := openTestStore(t)
	job := createDueJob(t, st, clk, ScheduleInterval)
	now := clk.Now()

	const workers = 8
	var (
		wg    sync.WaitGroup
		wins  atomic.Int32
		start = make(chan struct{})
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			ok, err := st.ClaimLease(ctx, job.ID, fmt.Sprintf("worker-%d", i), now, now.Add(time.Minute))
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}(i)
	}
	close(start)
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobLeased, got.EffectiveStatus(now))
	assert.Equal(t, JobScheduled, got.Status)
}

func TestClaimLeaseAcrossHandles(t *testing.T) {
	ctx := context.Background()
	st, clk, path := openTestStore(t)
	job := createDueJob(t, st, clk, ScheduleInterval)
	now := clk.Now()

	other, err := Open(ctx, Config{Path: path}, logx.Nop())
	require.NoError(t, err)
	defer other.Close()

	ok, err := st.ClaimLease(ctx, job.ID, "a", now, now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = other.ClaimLease(ctx, job.ID, "b", now, now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "live lease must block a second process")

	later := now.Add(2 * time.Minute)
	ok, err = other.ClaimLease(ctx, job.ID, "b", later, later.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok, "expired lease is reclaimable without a reaper")
}

func TestReleaseLeaseOnlyByOwner(t *testing.T) {
	ctx := context.Background()
	st, clk, _ := openTestStore(t)
	job := createDueJob(t, st, clk, ScheduleInterval)
	now := clk.Now()

	ok, err := st.ClaimLease(ctx, job.ID, "a", now, now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	released, err := st.ReleaseLease(ctx, job.ID, "b")
	require.NoError(t, err)
	assert.False(t, released)

	released, err = st.ReleaseLease(ctx, job.ID, "a")
	require.NoError(t, err)
	assert.True(t, released)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, got.LockOwner)
	assert.True(t, got.LockExpiresAt.IsZero())
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	st, clk, _ := openTestStore(t)
	job := createDueJob(t, st, clk, ScheduleInterval)
	now := clk.Now()

	_, err := st.StartRun(ctx, job.ID, "w")
	require.ErrorIs(t, err, ErrStateConflict, "no lease, no run")

	ok, err := st.ClaimLease(ctx, job.ID, "w", now, now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	run, err := st.StartRun(ctx, job.ID, "w")
	require.NoError(t, err)
	assert.Equal(t, RunRunning, run.Status)
	assert.Equal(t, job.ScheduledFor, run.ScheduledFor)

	next := now.Add(5 * time.Minute)
	advanced, err := st.FinishRun(ctx, run.ID, "w",
		RunOutcome{Status: RunSuccess, Result: json.RawMessage(`{"ok":true}`)},
		JobAdvance{Status: JobScheduled, ScheduledFor: next})
	require.NoError(t, err)
	assert.True(t, advanced)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobScheduled, got.Status)
	assert.Equal(t, next, got.ScheduledFor)
	assert.Empty(t, got.LockOwner)
	assert.Equal(t, now, got.LastRunAt)

	stored, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunSuccess, stored.Status)
	assert.JSONEq(t, `{"ok":true}`, string(stored.Result))
	assert.False(t, stored.FinishedAt.IsZero())

	_, err = st.FinishRun(ctx, run.ID, "w", RunOutcome{Status: RunFailure}, JobAdvance{Status: JobFailed})
	require.ErrorIs(t, err, ErrStateConflict, "finished runs are immutable")

	runs, err := st.ListRuns(ctx, job.ID, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)
}

func TestFinishRunAfterLeaseLostLeavesJob(t *testing.T) {
	ctx := context.Background()
	st, clk, _ := openTestStore(t)
	job := createDueJob(t, st, clk, ScheduleOneShot)
	now := clk.Now()

	ok, err := st.ClaimLease(ctx, job.ID, "slow", now, now.Add(time.Second))
	require.NoError(t, err)
	require.True(t, ok)
	run, err := st.StartRun(ctx, job.ID, "slow")
	require.NoError(t, err)

	later := now.Add(time.Minute)
	ok, err = st.ClaimLease(ctx, job.ID, "fast", later, later.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	advanced, err := st.FinishRun(ctx, run.ID, "slow",
		RunOutcome{Status: RunFailure, ErrorCode: "timeout"}, JobAdvance{Status: JobFailed})
	require.NoError(t, err)
	assert.False(t, advanced)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobScheduled, got.Status)
	assert.Equal(t, "fast", got.LockOwner)
}

func TestScheduleRunNow(t *testing.T) {
	ctx := context.Background()
	st, clk, _ := openTestStore(t)
	job, err := st.CreateJob(ctx, NewJob{
		Type:         "noop",
		ScheduleType: ScheduleCron,
		Schedule:     "0 9 * * *",
		ScheduledFor: clk.Now().Add(24 * time.Hour),
	})
	require.NoError(t, err)

	eligible, err := st.ListEligibleJobs(ctx, clk.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, eligible)

	res, err := st.ScheduleRunNow(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, RunNowScheduled, res.Status)
	assert.Equal(t, clk.Now(), res.ScheduledFor)

	eligible, err = st.ListEligibleJobs(ctx, clk.Now(), 10)
	require.NoError(t, err)
	require.Len(t, eligible, 1)
	assert.Equal(t, job.ID, eligible[0].ID)

	now := clk.Now()
	ok, err := st.ClaimLease(ctx, job.ID, "w", now, now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	_, err = st.ScheduleRunNow(ctx, job.ID)
	require.ErrorIs(t, err, ErrStateConflict)

	clk.Advance(2 * time.Minute)
	_, err = st.ScheduleRunNow(ctx, job.ID)
	require.NoError(t, err, "an expired lease does not block run-now")

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, got.LockOwner)

	_, err = st.ScheduleRunNow(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestScheduleRunNowTerminalStates(t *testing.T) {
	ctx := context.Background()
	st, clk, _ := openTestStore(t)

	done := createDueJob(t, st, clk, ScheduleOneShot)
	_, err := st.MarkJobTerminal(ctx, done.ID, JobDone)
	require.NoError(t, err)
	_, err = st.ScheduleRunNow(ctx, done.ID)
	require.NoError(t, err)
	got, err := st.GetJob(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, JobScheduled, got.Status)

	cancelled := createDueJob(t, st, clk, ScheduleOneShot)
	_, err = st.MarkJobTerminal(ctx, cancelled.ID, JobCancelled)
	require.NoError(t, err)
	_, err = st.ScheduleRunNow(ctx, cancelled.ID)
	require.ErrorIs(t, err, ErrStateConflict)
	_, err = st.MarkJobTerminal(ctx, cancelled.ID, JobDone)
	require.ErrorIs(t, err, ErrStateConflict)
}

func TestCreateJobValidation(t *testing.T) {
	ctx := context.Background()
	st, clk, _ := openTestStore(t)

	_, err := st.CreateJob(ctx, NewJob{ScheduleType: ScheduleOneShot, ScheduledFor: clk.Now()})
	require.ErrorIs(t, err, ErrInvalid)
	_, err = st.CreateJob(ctx, NewJob{Type: "x", ScheduleType: "weekly", ScheduledFor: clk.Now()})
	require.ErrorIs(t, err, ErrInvalid)

	_, err = st.CreateJob(ctx, NewJob{ID: "j1", Type: "x", ScheduleType: ScheduleOneShot, ScheduledFor: clk.Now(), ModelRef: "gpt-x"})
	require.NoError(t, err)
	_, err = st.CreateJob(ctx, NewJob{ID: "j1", Type: "x", ScheduleType: ScheduleOneShot, ScheduledFor: clk.Now()})
	require.ErrorIs(t, err, ErrStateConflict)

	got, err := st.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, "gpt-x", got.ModelRef)
	assert.JSONEq(t, `{}`, string(got.Payload))

	_, err = st.GetJob(ctx, "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestEnqueueOrIgnore(t *testing.T) {
	ctx := context.Background()
	st, _, _ := openTestStore(t)

	id1, inserted, err := st.EnqueueOrIgnore(ctx, OutboundMessage{ChatID: 1, Content: "hello", DedupeKey: "k"})
	require.NoError(t, err)
	assert.True(t, inserted)

	id2, inserted, err := st.EnqueueOrIgnore(ctx, OutboundMessage{ChatID: 1, Content: "hello", DedupeKey: "k"})
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, id1, id2)

	n, err := st.CountMessagesByDedupePrefix(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// No key, no dedupe.
	_, inserted, err = st.EnqueueOrIgnore(ctx, OutboundMessage{ChatID: 1, Content: "hello"})
	require.NoError(t, err)
	assert.True(t, inserted)
	_, inserted, err = st.EnqueueOrIgnore(ctx, OutboundMessage{ChatID: 1, Content: "hello"})
	require.NoError(t, err)
	assert.True(t, inserted)

	msg, err := st.GetMessage(ctx, id1)
	require.NoError(t, err)
	assert.Equal(t, MessageQueued, msg.Status)
	assert.Equal(t, PriorityNormal, msg.Priority)

	_, _, err = st.EnqueueOrIgnore(ctx, OutboundMessage{ChatID: 1, Content: ""})
	require.ErrorIs(t, err, ErrInvalid)
	_, _, err = st.EnqueueOrIgnore(ctx, OutboundMessage{ChatID: 1, Content: "x", Priority: "urgent"})
	require.ErrorIs(t, err, ErrInvalid)
}

func TestDeliveryTransitions(t *testing.T) {
	ctx := context.Background()
	st, clk, _ := openTestStore(t)

	low, _, err := st.EnqueueOrIgnore(ctx, OutboundMessage{ChatID: 1, Content: "low", Priority: PriorityLow})
	require.NoError(t, err)
	clk.Advance(time.Millisecond)
	high, _, err := st.EnqueueOrIgnore(ctx, OutboundMessage{ChatID: 1, Content: "high", Priority: PriorityHigh})
	require.NoError(t, err)

	msgs, err := st.ListDeliverable(ctx, clk.Now(), 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, high, msgs[0].ID)

	claim := func(id string) {
		t.Helper()
		ok, err := st.ClaimMessage(ctx, id, "w1", clk.Now(), clk.Now().Add(time.Minute))
		require.NoError(t, err)
		require.True(t, ok)
	}

	claim(low)
	retryAt := clk.Now().Add(time.Minute)
	require.NoError(t, st.MarkAttemptFailed(ctx, low, "w1", "boom", retryAt))
	msgs, err = st.ListDeliverable(ctx, clk.Now(), 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1, "backed-off message waits for its retry time")

	err = st.MarkSent(ctx, high, "w1")
	require.ErrorIs(t, err, ErrStateConflict, "sending without the lease is refused")
	claim(high)
	require.NoError(t, st.MarkSent(ctx, high, "w1"))
	err = st.MarkSent(ctx, high, "w1")
	require.True(t, errors.Is(err, ErrStateConflict))

	clk.Advance(2 * time.Minute)
	claim(low)
	require.NoError(t, st.MarkAttemptFailed(ctx, low, "w1", "gave up", time.Time{}))
	got, err := st.GetMessage(ctx, low)
	require.NoError(t, err)
	assert.Equal(t, MessageFailed, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, "gave up", got.LastError)

	sent, err := st.GetMessage(ctx, high)
	require.NoError(t, err)
	assert.Equal(t, MessageSent, sent.Status)
	assert.False(t, sent.SentAt.IsZero())
	assert.Empty(t, sent.LeaseOwner)
}

func TestClaimMessageAcrossHandles(t *testing.T) {
	ctx := context.Background()
	st, clk, path := openTestStore(t)
	id, _, err := st.EnqueueOrIgnore(ctx, OutboundMessage{ChatID: 1, Content: "hi", DedupeKey: "k"})
	require.NoError(t, err)
	now := clk.Now()

	other, err := Open(ctx, Config{Path: path}, logx.Nop())
	require.NoError(t, err)
	defer other.Close()

	const workers = 8
	var (
		wg    sync.WaitGroup
		wins  atomic.Int32
		start = make(chan struct{})
	)
	for i := 0; i < workers; i++ {
		handle := st
		if i%2 == 1 {
			handle = other
		}
		wg.Add(1)
		go func(i int, h *Store) {
			defer wg.Done()
			<-start
			ok, err := h.ClaimMessage(ctx, id, fmt.Sprintf("worker-%d", i), now, now.Add(time.Minute))
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}(i, handle)
	}
	close(start)
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())

	msgs, err := other.ListDeliverable(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs, "leased message is not offered to other workers")

	got, err := st.GetMessage(ctx, id)
	require.NoError(t, err)
	holder := got.LeaseOwner
	require.NotEmpty(t, holder)
	require.ErrorIs(t, other.MarkSent(ctx, id, "intruder"), ErrStateConflict)

	later := now.Add(2 * time.Minute)
	ok, err := other.ClaimMessage(ctx, id, "late", later, later.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok, "expired delivery lease is reclaimable")
	require.ErrorIs(t, st.MarkSent(ctx, id, holder), ErrStateConflict, "the previous holder lost the row")
	require.NoError(t, other.MarkSent(ctx, id, "late"))

	ok, err = st.ClaimMessage(ctx, id, "again", later, later.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "sent messages are not claimable")
}

func TestClosedStoreIsUnavailable(t *testing.T) {
	st, _, _ := openTestStore(t)
	require.NoError(t, st.Close())
	_, err := st.GetJob(context.Background(), "x")
	require.ErrorIs(t, err, ErrUnavailable)
	require.ErrorIs(t, st.Ping(context.Background()), ErrUnavailable)
}
