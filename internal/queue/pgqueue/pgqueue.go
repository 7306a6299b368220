// Package pgqueue implements queue.Queue on a PostgreSQL table using
// SELECT ... FOR UPDATE SKIP LOCKED.
package pgqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/barcode-identifier/barrel/internal/queue"
)

const (
	enqueueSQL = `INSERT INTO blast_jobs (run_id) VALUES ($1)
	ON CONFLICT (run_id) DO UPDATE SET visible_at = now()`

	// The job is leased by pushing its visibility into the future, so a
	// worker that dies without acking releases it after the lease.
	receiveSQL = `UPDATE blast_jobs
	SET attempts = attempts + 1, visible_at = now() + make_interval(secs => $1)
	WHERE run_id = (
		SELECT run_id FROM blast_jobs
		WHERE visible_at <= now()
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	)
	RETURNING run_id, attempts`

	ackSQL   = `DELETE FROM blast_jobs WHERE run_id = $1`
	nackSQL  = `UPDATE blast_jobs SET visible_at = now() + make_interval(secs => $2) WHERE run_id = $1`
	depthSQL = `SELECT count(*) FROM blast_jobs WHERE visible_at <= now()`

	// An interrupted receive is handed back without counting as an attempt.
	releaseSQL = `UPDATE blast_jobs SET visible_at = now(), attempts = GREATEST(attempts - 1, 0) WHERE run_id = $1`
	extendSQL  = `UPDATE blast_jobs SET visible_at = now() + make_interval(secs => $2) WHERE run_id = $1`
)

// DB is the subset of pgxpool.Pool used by the queue.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Config configures polling and leases.
type Config struct {
	PollInterval time.Duration
	Lease        time.Duration
	Backoff      queue.Backoff
}

var _ queue.Queue = (*Queue)(nil)

// Queue is a PostgreSQL backed job queue.
type Queue struct {
	db  DB
	cfg Config
}

// New returns a Queue over the blast_jobs table.
func New(db DB, cfg Config) *Queue {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 30 * time.Minute
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff = queue.DefaultBackoff
	}
	return &Queue{db: db, cfg: cfg}
}

// Enqueue adds a run. Enqueueing a run twice makes it visible immediately.
func (q *Queue) Enqueue(ctx context.Context, runID uuid.UUID) error {
	if _, err := q.db.Exec(ctx, enqueueSQL, runID); err != nil {
		return fmt.Errorf("enqueueing run %s: %w", runID, err)
	}
	return nil
}

// Receive polls until a job is visible or ctx is done.
func (q *Queue) Receive(ctx context.Context) (*queue.Delivery, error) {
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()
	for {
		d, err := q.tryReceive(ctx)
		if err != nil || d != nil {
			return d, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (q *Queue) tryReceive(ctx context.Context) (*queue.Delivery, error) {
	var d queue.Delivery
	err := q.db.QueryRow(ctx, receiveSQL, q.cfg.Lease.Seconds()).Scan(&d.RunID, &d.Attempt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("receiving job: %w", err)
	}
	d.Receipt = d.RunID.String()
	return &d, nil
}

// Ack removes the job.
func (q *Queue) Ack(ctx context.Context, d *queue.Delivery) error {
	if _, err := q.db.Exec(ctx, ackSQL, d.RunID); err != nil {
		return fmt.Errorf("acking run %s: %w", d.RunID, err)
	}
	return nil
}

// Nack hides the job for the backoff delay of its attempt.
func (q *Queue) Nack(ctx context.Context, d *queue.Delivery) error {
	delay := q.cfg.Backoff.Delay(d.Attempt)
	if _, err := q.db.Exec(ctx, nackSQL, d.RunID, delay.Seconds()); err != nil {
		return fmt.Errorf("nacking run %s: %w", d.RunID, err)
	}
	return nil
}

// Release makes the job visible now and gives back its attempt.
func (q *Queue) Release(ctx context.Context, d *queue.Delivery) error {
	if _, err := q.db.Exec(ctx, releaseSQL, d.RunID); err != nil {
		return fmt.Errorf("releasing run %s: %w", d.RunID, err)
	}
	return nil
}

// Extend pushes the job's visibility one lease into the future.
func (q *Queue) Extend(ctx context.Context, d *queue.Delivery) error {
	if _, err := q.db.Exec(ctx, extendSQL, d.RunID, q.cfg.Lease.Seconds()); err != nil {
		return fmt.Errorf("extending lease of run %s: %w", d.RunID, err)
	}
	return nil
}

// Depth counts visible jobs.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRow(ctx, depthSQL).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting jobs: %w", err)
	}
	return n, nil
}
