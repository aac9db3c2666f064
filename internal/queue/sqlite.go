package queue

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/finlens/kpiflow/internal/model"
)

// SQLiteQueue is a durable queue sharing the status store's database file.
// Delivery order follows enqueue order; visibility timeouts give
// at-least-once semantics across process restarts.
type SQLiteQueue struct {
	db           *sql.DB
	visibility   time.Duration
	pollInterval time.Duration
}

// SQLiteQueueOption tunes a SQLiteQueue.
type SQLiteQueueOption func(*SQLiteQueue)

// WithVisibility sets the redelivery window for unacked messages.
func WithVisibility(d time.Duration) SQLiteQueueOption {
	return func(q *SQLiteQueue) { q.visibility = d }
}

// WithPollInterval sets how often Dequeue re-checks an empty queue.
func WithPollInterval(d time.Duration) SQLiteQueueOption {
	return func(q *SQLiteQueue) { q.pollInterval = d }
}

// NewSQLite creates a queue on an existing database handle.
func NewSQLite(db *sql.DB, opts ...SQLiteQueueOption) (*SQLiteQueue, error) {
	q := &SQLiteQueue{
		db:           db,
		visibility:   2 * time.Minute,
		pollInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(q)
	}
	if err := q.migrate(); err != nil {
		return nil, err
	}
	return q, nil
}

const queueMigration = `
CREATE TABLE IF NOT EXISTS work_queue (
	id          TEXT PRIMARY KEY,
	analysis_id TEXT NOT NULL,
	document_id TEXT NOT NULL,
	stage       TEXT NOT NULL,
	attempts    INTEGER NOT NULL DEFAULT 0,
	visible_at  DATETIME NOT NULL,
	enqueued_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_work_queue_visible ON work_queue(visible_at, enqueued_at);
`

func (q *SQLiteQueue) migrate() error {
	_, err := q.db.Exec(queueMigration)
	return eris.Wrap(err, "queue: migrate")
}

func (q *SQLiteQueue) Enqueue(ctx context.Context, msg Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO work_queue (id, analysis_id, document_id, stage, attempts, visible_at, enqueued_at) VALUES (?, ?, ?, ?, 0, ?, ?)`,
		msg.ID, msg.AnalysisID, msg.DocumentID, string(msg.Stage), now, now,
	)
	return eris.Wrapf(err, "queue: enqueue %s/%s", msg.AnalysisID, string(msg.Stage))
}

// Dequeue claims the oldest visible message and pushes its visibility out by
// the redelivery window. Blocks, polling, until a message arrives or ctx ends.
func (q *SQLiteQueue) Dequeue(ctx context.Context) (*Message, error) {
	for {
		msg, err := q.tryDequeue(ctx)
		if err != nil {
			return nil, err
		}
		if msg != nil {
			return msg, nil
		}

		timer := time.NewTimer(q.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (q *SQLiteQueue) tryDequeue(ctx context.Context) (*Message, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "queue: begin dequeue")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	row := tx.QueryRowContext(ctx,
		`SELECT id, analysis_id, document_id, stage, attempts FROM work_queue
		 WHERE visible_at <= ? ORDER BY enqueued_at, id LIMIT 1`,
		now,
	)

	var msg Message
	var stage string
	err = row.Scan(&msg.ID, &msg.AnalysisID, &msg.DocumentID, &stage, &msg.Attempts)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "queue: scan message")
	}
	msg.Stage = model.PipelineStage(stage)
	msg.Attempts++

	if _, err := tx.ExecContext(ctx,
		`UPDATE work_queue SET visible_at = ?, attempts = attempts + 1 WHERE id = ?`,
		now.Add(q.visibility), msg.ID,
	); err != nil {
		return nil, eris.Wrapf(err, "queue: claim message %s", msg.ID)
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "queue: commit dequeue")
	}
	return &msg, nil
}

func (q *SQLiteQueue) Ack(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM work_queue WHERE id = ?`, id)
	return eris.Wrapf(err, "queue: ack %s", id)
}

// Close is a no-op; the database handle is owned by the store.
func (q *SQLiteQueue) Close() error {
	return nil
}

var _ Queue = (*SQLiteQueue)(nil)
