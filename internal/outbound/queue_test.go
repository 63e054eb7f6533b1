package outbound

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otto/internal/eventbus"
	"otto/internal/storage"
	logx "otto/pkg/logx"
)

func TestSplitRoundTrip(t *testing.T) {
	cases := []struct {
		content string
		limit   int
		want    int
	}{
		{"a", 10, 1},
		{"abcdefghij", 10, 1},
		{"abcdefghijk", 10, 2},
		{strings.Repeat("x", 25), 10, 3},
		{strings.Repeat("é", 9), 4, 3},
		{"héllo wörld 👋🏽 done", 3, 7},
	}
	for _, tc := range cases {
		chunks := Split(tc.content, tc.limit)
		assert.Len(t, chunks, tc.want, "content %q limit %d", tc.content, tc.limit)
		assert.Equal(t, tc.content, strings.Join(chunks, ""))
		for _, c := range chunks {
			assert.LessOrEqual(t, len([]rune(c)), tc.limit)
		}
	}
	assert.Empty(t, Split("", 10))
}

func TestChunkKeysAreUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 1; i <= 5; i++ {
		k := ChunkKey("daily", i, 5)
		assert.False(t, seen[k])
		seen[k] = true
	}
	assert.Equal(t, "daily:2/5", ChunkKey("daily", 2, 5))
	assert.Empty(t, ChunkKey("", 1, 2))
}

func TestEnqueueSingleChunkKeepsKey(t *testing.T) {
	repo := newMemRepo()
	q := NewQueue(repo, Config{ChunkLimit: 10, DefaultChatID: 42}, logx.Nop(), nil)

	res, err := q.Enqueue(context.Background(), Message{Content: "hello", DedupeKey: "greet"})
	require.NoError(t, err)
	assert.Equal(t, StatusEnqueued, res.Status)
	assert.Equal(t, 1, res.QueuedCount)
	assert.Equal(t, "greet", res.DedupeKey)
	require.Len(t, res.MessageIDs, 1)

	row := repo.get(res.MessageIDs[0])
	assert.Equal(t, "greet", row.DedupeKey)
	assert.Equal(t, int64(42), row.ChatID)
	assert.Equal(t, storage.PriorityNormal, row.Priority)
}

func TestEnqueueSplitsAndDedupesPerChunk(t *testing.T) {
	repo := newMemRepo()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()
	q := NewQueue(repo, Config{ChunkLimit: 4}, logx.Nop(), bus)
	msg := Message{ChatID: 7, Content: "abcdefghij", DedupeKey: "k", Priority: storage.PriorityHigh}

	first, err := q.Enqueue(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, StatusEnqueued, first.Status)
	assert.Equal(t, 3, first.QueuedCount)
	assert.Zero(t, first.DuplicateCount)
	assert.Len(t, first.MessageIDs, 3)
	assert.Equal(t, "k:1/3", repo.get(first.MessageIDs[0]).DedupeKey)
	assert.Equal(t, "k:3/3", repo.get(first.MessageIDs[2]).DedupeKey)
	assert.Equal(t, "ij", repo.get(first.MessageIDs[2]).Content)

	second, err := q.Enqueue(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, second.Status)
	assert.Zero(t, second.QueuedCount)
	assert.Equal(t, 3, second.DuplicateCount)
	assert.Empty(t, second.MessageIDs)
	assert.Equal(t, 3, repo.count())

	ev := <-events
	assert.Equal(t, eventbus.TypeOutboundEnqueued, ev.Type)
}

func TestEnqueuePartialFailureKeepsEarlierChunks(t *testing.T) {
	repo := newMemRepo()
	repo.failOn = 2
	q := NewQueue(repo, Config{ChunkLimit: 2}, logx.Nop(), nil)
	msg := Message{ChatID: 1, Content: "aabbcc", DedupeKey: "p"}

	res, err := q.Enqueue(context.Background(), msg)
	require.Error(t, err)
	assert.Equal(t, 1, res.QueuedCount)
	assert.Equal(t, 1, repo.count())

	// Retrying resumes chunk by chunk.
	res, err = q.Enqueue(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, 2, res.QueuedCount)
	assert.Equal(t, 1, res.DuplicateCount)
	assert.Equal(t, StatusEnqueued, res.Status)
	assert.Equal(t, 3, repo.count())
}

func TestEnqueueWithoutKeyNeverDedupes(t *testing.T) {
	repo := newMemRepo()
	q := NewQueue(repo, Config{ChunkLimit: 3}, logx.Nop(), nil)

	for i := 0; i < 2; i++ {
		res, err := q.Enqueue(context.Background(), Message{ChatID: 1, Content: "abcdef"})
		require.NoError(t, err)
		assert.Equal(t, 2, res.QueuedCount)
	}
	assert.Equal(t, 4, repo.count())
}

func TestEnqueueValidation(t *testing.T) {
	q := NewQueue(newMemRepo(), Config{}, logx.Nop(), nil)
	assert.Equal(t, DefaultChunkLimit, q.ChunkLimit())

	_, err := q.Enqueue(context.Background(), Message{ChatID: 1, Content: "  "})
	require.ErrorIs(t, err, ErrInvalidMessage)
	_, err = q.Enqueue(context.Background(), Message{Content: "hi"})
	require.ErrorIs(t, err, ErrInvalidMessage)
	_, err = q.Enqueue(context.Background(), Message{ChatID: 1, Content: "hi", Priority: "urgent"})
	require.ErrorIs(t, err, ErrInvalidMessage)
}

func TestEnqueueAgainstStoreNeverDuplicatesRows(t *testing.T) {
	ctx := context.Background()
	st, err := storage.Open(ctx, storage.Config{Path: filepath.Join(t.TempDir(), "q.db")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	q := NewQueue(st, Config{ChunkLimit: 5}, logx.Nop(), nil)
	msg := Message{ChatID: 9, Content: strings.Repeat("z", 12), DedupeKey: "report-2026-03-01"}

	first, err := q.Enqueue(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, 3, first.QueuedCount)

	second, err := q.Enqueue(ctx, msg)
	require.NoError(t, err)
	assert.Zero(t, second.QueuedCount)
	assert.Equal(t, 3, second.DuplicateCount)

	n, err := st.CountMessagesByDedupePrefix(ctx, "report-2026-03-01")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
