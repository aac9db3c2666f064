package queue

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/finlens/kpiflow/internal/model"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func msg(analysisID, docID string, stage model.PipelineStage) Message {
	return Message{AnalysisID: analysisID, DocumentID: docID, Stage: stage}
}

func TestMemoryQueue_FIFOOrder(t *testing.T) {
	t.Parallel()
	q := NewMemory(time.Minute)
	defer q.Close()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, msg("a-1", "d-1", model.StageParse)))
	require.NoError(t, q.Enqueue(ctx, msg("a-1", "d-2", model.StageParse)))
	require.NoError(t, q.Enqueue(ctx, msg("a-1", "d-1", model.StageEmbed)))

	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "d-1", first.DocumentID)
	assert.Equal(t, model.StageParse, first.Stage)
	assert.Equal(t, 1, first.Attempts)

	second, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "d-2", second.DocumentID)

	third, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StageEmbed, third.Stage)
}

func TestMemoryQueue_RedeliversUnacked(t *testing.T) {
	t.Parallel()
	q := NewMemory(30 * time.Millisecond)
	defer q.Close()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, msg("a-1", "d-1", model.StageParse)))

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts)

	// No ack: the message comes back with a bumped attempt counter.
	again, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, got.ID, again.ID)
	assert.Equal(t, 2, again.Attempts)
}

func TestMemoryQueue_AckStopsRedelivery(t *testing.T) {
	t.Parallel()
	q := NewMemory(20 * time.Millisecond)
	defer q.Close()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, msg("a-1", "d-1", model.StageParse)))

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Ack(ctx, got.ID))

	time.Sleep(60 * time.Millisecond)
	pending, inflight := q.Depth()
	assert.Zero(t, pending)
	assert.Zero(t, inflight)
}

func TestMemoryQueue_DequeueBlocksUntilEnqueue(t *testing.T) {
	t.Parallel()
	q := NewMemory(time.Minute)
	defer q.Close()
	ctx := context.Background()

	done := make(chan *Message, 1)
	go func() {
		m, err := q.Dequeue(ctx)
		require.NoError(t, err)
		done <- m
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.Enqueue(ctx, msg("a-1", "d-1", model.StageRetrieve)))

	select {
	case m := <-done:
		assert.Equal(t, "d-1", m.DocumentID)
	case <-time.After(2 * time.Second):
		t.Fatal("dequeue never woke up")
	}
}

func TestMemoryQueue_DequeueHonorsContext(t *testing.T) {
	t.Parallel()
	q := NewMemory(time.Minute)
	defer q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSQLiteQueue_FIFOOrder(t *testing.T) {
	t.Parallel()
	q, err := NewSQLite(newTestDB(t))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, msg("a-1", "d-1", model.StageParse)))
	require.NoError(t, q.Enqueue(ctx, msg("a-1", "d-2", model.StageParse)))

	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "d-1", first.DocumentID)
	assert.Equal(t, 1, first.Attempts)

	second, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "d-2", second.DocumentID)
}

func TestSQLiteQueue_VisibilityTimeout(t *testing.T) {
	t.Parallel()
	q, err := NewSQLite(newTestDB(t), WithVisibility(40*time.Millisecond), WithPollInterval(10*time.Millisecond))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, msg("a-1", "d-1", model.StageExtract)))

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)

	// Within the window the message stays invisible.
	shortCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	_, err = q.Dequeue(shortCtx)
	cancel()
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Past the window it is redelivered with more attempts.
	again, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, got.ID, again.ID)
	assert.Equal(t, 2, again.Attempts)
}

func TestSQLiteQueue_AckDeletes(t *testing.T) {
	t.Parallel()
	q, err := NewSQLite(newTestDB(t), WithVisibility(10*time.Millisecond), WithPollInterval(5*time.Millisecond))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, msg("a-1", "d-1", model.StageParse)))

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Ack(ctx, got.ID))

	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = q.Dequeue(shortCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
