package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveSchedulerDefaults(t *testing.T) {
	sc, err := ResolveScheduler(Env{})
	require.NoError(t, err)
	assert.True(t, sc.Enabled)
	assert.Equal(t, 60*time.Second, sc.Tick)
	assert.Equal(t, 20, sc.BatchSize)
	assert.Equal(t, 90*time.Second, sc.LockLease)
	assert.Empty(t, sc.Timezone)
}

func TestResolveSchedulerLeaseShorterThanTick(t *testing.T) {
	_, err := ResolveScheduler(Env{
		"OTTO_SCHEDULER_TICK_MS":       "60000",
		"OTTO_SCHEDULER_LOCK_LEASE_MS": "30000",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalid))
	assert.Contains(t, err.Error(), "OTTO_SCHEDULER_LOCK_LEASE_MS")
}

func TestResolveSchedulerPrefixWins(t *testing.T) {
	sc, err := ResolveScheduler(Env{
		"SCHEDULER_BATCH_SIZE":      "5",
		"OTTO_SCHEDULER_BATCH_SIZE": "7",
		"SCHEDULER_ENABLED":         "off",
	})
	require.NoError(t, err)
	assert.Equal(t, 7, sc.BatchSize)
	assert.False(t, sc.Enabled)
}

func TestResolveSchedulerRejectsGarbage(t *testing.T) {
	cases := map[string]Env{
		"tick not a number": {"OTTO_SCHEDULER_TICK_MS": "soon"},
		"tick zero":         {"OTTO_SCHEDULER_TICK_MS": "0"},
		"batch negative":    {"OTTO_SCHEDULER_BATCH_SIZE": "-1"},
		"bad bool":          {"OTTO_SCHEDULER_ENABLED": "maybe"},
		"bad timezone":      {"OTTO_SCHEDULER_TIMEZONE": "Mars/Olympus"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ResolveScheduler(env)
			require.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestResolveDefaults(t *testing.T) {
	cfg, err := Resolve(Env{})
	require.NoError(t, err)
	assert.Equal(t, DefaultStorePath, cfg.Store.Path)
	assert.Equal(t, 5*time.Second, cfg.Store.BusyTimeout)
	assert.Equal(t, 4000, cfg.Outbound.ChunkLimit)
	assert.True(t, cfg.Delivery.Enabled)
	assert.Equal(t, 3, cfg.Delivery.RetryMax)
	assert.Equal(t, DefaultHTTPAddr, cfg.HTTP.Addr)
	assert.Equal(t, "INFO", cfg.Logging.Level)
}

func TestResolveEmptyHTTPAddrDisablesAPI(t *testing.T) {
	cfg, err := Resolve(Env{"OTTO_HTTP_ADDR": ""})
	require.NoError(t, err)
	assert.Empty(t, cfg.HTTP.Addr)
}

func TestResolveJoinsErrors(t *testing.T) {
	_, err := Resolve(Env{
		"OTTO_OUTBOUND_CHUNK_LIMIT": "0",
		"OTTO_DELIVERY_POLL_MS":     "x",
	})
	require.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "OTTO_OUTBOUND_CHUNK_LIMIT")
	assert.Contains(t, err.Error(), "OTTO_DELIVERY_POLL_MS")
}

func TestReadFileFlattensNestedYAML(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "otto.yaml")
	require.NoError(t, os.WriteFile(p, []byte("scheduler:\n  tick_ms: 30000\n  lock_lease_ms: 45000\nOUTBOUND_CHUNK_LIMIT: 100\n"), 0o600))

	env, err := ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "30000", env["SCHEDULER_TICK_MS"])
	assert.Equal(t, "45000", env["SCHEDULER_LOCK_LEASE_MS"])
	assert.Equal(t, "100", env["OUTBOUND_CHUNK_LIMIT"])
}

func TestReadFileJSON(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "otto.json")
	require.NoError(t, os.WriteFile(p, []byte(`{"delivery":{"retry_max":5}}`), 0o600))

	env, err := ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "5", env["DELIVERY_RETRY_MAX"])
}

func TestManagerEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "otto.yaml")
	require.NoError(t, os.WriteFile(p, []byte("SCHEDULER_BATCH_SIZE: 3\nOUTBOUND_CHUNK_LIMIT: 50\n"), 0o600))

	m := NewManager(p, Env{"OTTO_SCHEDULER_BATCH_SIZE": "9"})
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Scheduler.BatchSize)
	assert.Equal(t, 50, cfg.Outbound.ChunkLimit)
	assert.Same(t, cfg, m.Get())
}

func TestManagerReloadPublishesOnlyChanges(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "otto.yaml")
	require.NoError(t, os.WriteFile(p, []byte("OUTBOUND_CHUNK_LIMIT: 50\n"), 0o600))

	m := NewManager(p, Env{})
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	assert.False(t, m.reload(), "unchanged content must not publish")

	require.NoError(t, os.WriteFile(p, []byte("OUTBOUND_CHUNK_LIMIT: 60\n"), 0o600))
	require.True(t, m.reload())
	select {
	case cfg := <-ch:
		assert.Equal(t, 60, cfg.Outbound.ChunkLimit)
	default:
		t.Fatal("expected published config")
	}

	require.NoError(t, os.WriteFile(p, []byte("OUTBOUND_CHUNK_LIMIT: 0\n"), 0o600))
	assert.False(t, m.reload(), "invalid content must be rejected")
	assert.Equal(t, 60, m.Get().Outbound.ChunkLimit)
}

func TestManagerWatchWithoutPathReturns(t *testing.T) {
	m := NewManager("", Env{})
	require.NoError(t, m.Watch(context.Background()))
}

func TestSummarizeChange(t *testing.T) {
	a, err := Resolve(Env{})
	require.NoError(t, err)
	b := *a
	b.Scheduler.BatchSize = 5
	b.Telegram.Token = "secret"
	s := SummarizeChange(a, &b)
	assert.Contains(t, s, "scheduler.batch_size=20->5")
	assert.Contains(t, s, "telegram.token=<changed>")
	assert.NotContains(t, s, "secret")
	assert.Equal(t, "none", SummarizeChange(a, a))
}
