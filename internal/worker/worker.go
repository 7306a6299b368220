// Package worker consumes queued BLAST runs and executes them.
package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/barcode-identifier/barrel/internal/domain/run"
	"github.com/barcode-identifier/barrel/internal/queue"
)

// Executor performs a run and records terminal failures.
type Executor interface {
	Execute(ctx context.Context, id uuid.UUID) error
	Fail(ctx context.Context, id uuid.UUID, err error) error
}

// Config controls concurrency and retries.
type Config struct {
	Concurrency int           `default:"2" usage:"Concurrent BLAST runs"`
	JobTimeout  time.Duration `default:"1h" usage:"Maximum duration of one run"`
	MaxAttempts int           `default:"3" usage:"Attempts before a run is marked failed"`
	// ErrorDelay is the pause after a failed receive.
	ErrorDelay time.Duration `default:"5s" usage:"Pause after a queue error"`
	// Heartbeat is how often the lease of a running job is renewed. It must
	// be well below the queue lease.
	Heartbeat time.Duration `default:"5m" usage:"Lease renewal interval of a running job"`
}

// Worker runs Concurrency consumers over a queue.
type Worker struct {
	queue queue.Queue
	exec  Executor
	cfg   Config

	started   metric.Int64Counter
	completed metric.Int64Counter
	failed    metric.Int64Counter
	retried   metric.Int64Counter
	duration  metric.Float64Histogram
}

// New creates a Worker and registers its instruments.
func New(q queue.Queue, exec Executor, cfg Config, mp metric.MeterProvider) (*Worker, error) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.ErrorDelay <= 0 {
		cfg.ErrorDelay = 5 * time.Second
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 5 * time.Minute
	}
	w := &Worker{queue: q, exec: exec, cfg: cfg}

	meter := mp.Meter("barrel/worker")
	var err error
	if w.started, err = meter.Int64Counter("barrel.runs.started",
		metric.WithDescription("Runs picked up by a worker")); err != nil {
		return nil, errors.Wrap(err, "runs.started")
	}
	if w.completed, err = meter.Int64Counter("barrel.runs.completed",
		metric.WithDescription("Runs finished successfully")); err != nil {
		return nil, errors.Wrap(err, "runs.completed")
	}
	if w.failed, err = meter.Int64Counter("barrel.runs.failed",
		metric.WithDescription("Runs marked as failed")); err != nil {
		return nil, errors.Wrap(err, "runs.failed")
	}
	if w.retried, err = meter.Int64Counter("barrel.runs.retried",
		metric.WithDescription("Run attempts returned to the queue")); err != nil {
		return nil, errors.Wrap(err, "runs.retried")
	}
	if w.duration, err = meter.Float64Histogram("barrel.runs.duration",
		metric.WithDescription("Duration of run attempts"),
		metric.WithUnit("s")); err != nil {
		return nil, errors.Wrap(err, "runs.duration")
	}
	if _, err = meter.Int64ObservableGauge("barrel.queue.depth",
		metric.WithDescription("Runs waiting in the queue"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			n, err := q.Depth(ctx)
			if err != nil {
				return err
			}
			o.Observe(int64(n))
			return nil
		})); err != nil {
		return nil, errors.Wrap(err, "queue.depth")
	}
	return w, nil
}

// Run blocks until ctx is cancelled. Jobs in progress finish or are
// returned to the queue.
func (w *Worker) Run(ctx context.Context) error {
	zctx.From(ctx).Info("Worker started", zap.Int("concurrency", w.cfg.Concurrency))
	g, ctx := errgroup.WithContext(ctx)
	for i := range w.cfg.Concurrency {
		g.Go(func() error {
			return w.consume(zctx.With(ctx, zap.Int("consumer", i)))
		})
	}
	return g.Wait()
}

func (w *Worker) consume(ctx context.Context) error {
	lg := zctx.From(ctx)
	for {
		d, err := w.queue.Receive(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			lg.Error("Receive failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.cfg.ErrorDelay):
			}
			continue
		}
		w.Handle(ctx, d)
	}
}

// Handle executes one delivery and settles it with the queue. The lease of
// the delivery is renewed every Heartbeat while the run executes.
func (w *Worker) Handle(ctx context.Context, d *queue.Delivery) {
	ctx = zctx.With(ctx, zap.Stringer("run_id", d.RunID), zap.Int("attempt", d.Attempt))
	lg := zctx.From(ctx)
	// Settling must survive shutdown of the consumer.
	settleCtx := context.WithoutCancel(ctx)

	w.started.Add(ctx, 1)
	start := time.Now()
	stop := w.heartbeat(ctx, d)
	err := w.execute(ctx, d.RunID)
	stop()
	elapsed := time.Since(start)

	outcome := "completed"
	switch {
	case err == nil:
		w.completed.Add(settleCtx, 1)
		lg.Info("Run finished", zap.Duration("duration", elapsed))
		w.ack(settleCtx, d)
	case ctx.Err() != nil:
		outcome = "interrupted"
		lg.Warn("Run interrupted, releasing to queue", zap.Error(err))
		w.release(settleCtx, d)
	case errors.Is(err, run.ErrNotFound):
		outcome = "deleted"
		lg.Info("Run was deleted, dropping job", zap.Error(err))
		w.ack(settleCtx, d)
	case run.IsPermanent(err) || d.Attempt >= w.cfg.MaxAttempts:
		outcome = "failed"
		w.failed.Add(settleCtx, 1)
		lg.Error("Run failed", zap.Error(err), zap.Bool("permanent", run.IsPermanent(err)))
		if ferr := w.exec.Fail(settleCtx, d.RunID, err); ferr != nil && !errors.Is(ferr, run.ErrNotFound) {
			lg.Error("Mark run failed", zap.Error(ferr))
			w.nack(settleCtx, d)
			break
		}
		w.ack(settleCtx, d)
	default:
		outcome = "retried"
		w.retried.Add(settleCtx, 1)
		lg.Warn("Run attempt failed, retrying", zap.Error(err))
		w.nack(settleCtx, d)
	}
	w.duration.Record(settleCtx, elapsed.Seconds(),
		metric.WithAttributes(attribute.String("outcome", outcome)))
}

// heartbeat extends the lease of d until the returned stop is called. Stop
// waits for an Extend in flight, so no renewal follows settling.
func (w *Worker) heartbeat(ctx context.Context, d *queue.Delivery) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(w.cfg.Heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.queue.Extend(ctx, d); err != nil && ctx.Err() == nil {
					zctx.From(ctx).Warn("Extend lease failed", zap.Error(err))
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (w *Worker) execute(ctx context.Context, id uuid.UUID) (err error) {
	if w.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.JobTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			zctx.From(ctx).Error("Run panicked", zap.ByteString("stack", debug.Stack()))
			err = run.Permanent(fmt.Errorf("panic: %v", r))
		}
	}()
	return w.exec.Execute(ctx, id)
}

func (w *Worker) ack(ctx context.Context, d *queue.Delivery) {
	if err := w.queue.Ack(ctx, d); err != nil {
		zctx.From(ctx).Error("Ack failed", zap.Error(err))
	}
}

func (w *Worker) nack(ctx context.Context, d *queue.Delivery) {
	if err := w.queue.Nack(ctx, d); err != nil {
		zctx.From(ctx).Error("Nack failed", zap.Error(err))
	}
}

func (w *Worker) release(ctx context.Context, d *queue.Delivery) {
	if err := w.queue.Release(ctx, d); err != nil {
		zctx.From(ctx).Error("Release failed", zap.Error(err))
	}
}
