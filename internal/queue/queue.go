// Package queue defines the job queue that hands BLAST runs from the API to
// workers.
package queue

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-faster/errors"
	"github.com/google/uuid"
)

// ErrClosed is returned by Receive after the queue was shut down.
var ErrClosed = errors.New("queue closed")

// Delivery is a received job. It must be acknowledged or negatively
// acknowledged exactly once.
type Delivery struct {
	RunID uuid.UUID
	// Attempt counts receives of this job, starting at 1.
	Attempt int
	// Receipt identifies the delivery to the backend.
	Receipt string
}

// Queue transports run ids to workers.
type Queue interface {
	Enqueue(ctx context.Context, runID uuid.UUID) error
	// Receive blocks until a job is available or ctx is done.
	Receive(ctx context.Context) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	// Nack makes the job visible again after the redelivery delay of its
	// attempt.
	Nack(ctx context.Context, d *Delivery) error
	// Release makes the job visible immediately, for a delivery that was
	// interrupted rather than failed.
	Release(ctx context.Context, d *Delivery) error
	// Extend renews the lease of a job that is still being worked on.
	Extend(ctx context.Context, d *Delivery) error
	// Depth returns the approximate number of waiting jobs.
	Depth(ctx context.Context) (int, error)
}

// Backoff computes redelivery delays. Each attempt waits Multiplier times
// longer than the previous one, capped at Max.
type Backoff struct {
	Initial    time.Duration `default:"10s"`
	Multiplier float64       `default:"1.5"`
	Max        time.Duration `default:"20s"`
}

// DefaultBackoff redelivers after 10s, 15s and then every 20s.
var DefaultBackoff = Backoff{Initial: 10 * time.Second, Multiplier: 1.5, Max: 20 * time.Second}

// Delay returns how long a job stays invisible after its attempt-th failure.
func (b Backoff) Delay(attempt int) time.Duration {
	eb := &backoff.ExponentialBackOff{
		InitialInterval:     b.Initial,
		RandomizationFactor: 0,
		Multiplier:          b.Multiplier,
		MaxInterval:         b.Max,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	eb.Reset()
	d := b.Initial
	for range max(attempt, 1) {
		d = eb.NextBackOff()
	}
	return d
}
