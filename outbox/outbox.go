package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Enqueue appends a message to the transactional outbox inside the caller's
// transaction, so the message commits (or rolls back) with the state change
// that produced it.
func Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`, topic, body); err != nil {
		return fmt.Errorf("outbox: enqueue %s: %w", topic, err)
	}
	return nil
}

// Publisher delivers one message to the host application's notification
// transport. Delivery errors bump the attempt counter; the message is retried
// until maxAttempts.
type Publisher func(ctx context.Context, topic string, payload []byte) error

// Worker drains pending outbox messages.
type Worker struct {
	pool        *pgxpool.Pool
	publish     Publisher
	log         *zap.Logger
	maxAttempts int
}

func NewWorker(pool *pgxpool.Pool, publish Publisher, log *zap.Logger) *Worker {
	if publish == nil {
		publish = func(ctx context.Context, topic string, payload []byte) error {
			log.Info("outbox message", zap.String("topic", topic), zap.ByteString("payload", payload))
			return nil
		}
	}
	return &Worker{pool: pool, publish: publish, log: log, maxAttempts: 5}
}

// DrainOnce claims up to limit pending messages with SKIP LOCKED, publishes
// them, and marks each processed or dead. Returns how many were published.
func (w *Worker) DrainOnce(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 10
	}

	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("outbox: begin drain tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, topic, payload, attempts
		FROM outbox
		WHERE status = 'pending'
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`, limit)
	if err != nil {
		return 0, fmt.Errorf("outbox: select pending: %w", err)
	}

	type pending struct {
		id       string
		topic    string
		payload  []byte
		attempts int
	}
	batch := make([]pending, 0, limit)
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.topic, &p.payload, &p.attempts); err != nil {
			rows.Close()
			return 0, fmt.Errorf("outbox: scan pending: %w", err)
		}
		batch = append(batch, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("outbox: iterate pending: %w", err)
	}

	published := 0
	now := time.Now()
	for _, p := range batch {
		if err := w.publish(ctx, p.topic, p.payload); err != nil {
			next := "pending"
			if p.attempts+1 >= w.maxAttempts {
				next = "dead"
				w.log.Warn("outbox message dead", zap.String("id", p.id), zap.String("topic", p.topic), zap.Error(err))
			}
			if _, err := tx.Exec(ctx, `UPDATE outbox SET attempts = attempts + 1, last_attempt = $2, status = $3 WHERE id = $1`, p.id, now, next); err != nil {
				return published, fmt.Errorf("outbox: record failure: %w", err)
			}
			continue
		}
		if _, err := tx.Exec(ctx, `UPDATE outbox SET status = 'processed', attempts = attempts + 1, last_attempt = $2 WHERE id = $1`, p.id, now); err != nil {
			return published, fmt.Errorf("outbox: mark processed: %w", err)
		}
		published++
	}

	if err := tx.Commit(ctx); err != nil {
		return published, fmt.Errorf("outbox: commit drain: %w", err)
	}
	return published, nil
}
