package app

import (
	"context"
	"os"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/barcode-identifier/barrel/internal/alignment"
	"github.com/barcode-identifier/barrel/internal/blast"
	"github.com/barcode-identifier/barrel/internal/domain/run"
	"github.com/barcode-identifier/barrel/internal/genbank"
	"github.com/barcode-identifier/barrel/internal/queue"
	"github.com/barcode-identifier/barrel/internal/queue/pgqueue"
	"github.com/barcode-identifier/barrel/internal/queue/sqsqueue"
	"github.com/barcode-identifier/barrel/internal/storage/postgres"
	"github.com/barcode-identifier/barrel/internal/worker"
)

// deps are the components shared by the API server and the worker.
type deps struct {
	pool   *pgxpool.Pool
	users  *postgres.UserRepository
	libs   *postgres.LibraryRepository
	seqs   *postgres.SequenceRepository
	runs   *postgres.RunRepository
	runner *blast.Runner
	queue  queue.Queue
}

func newDeps(ctx context.Context, cfg *Config) (*deps, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create data dir")
	}
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "create db pool")
	}
	if err := postgres.RunMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "run migrations")
	}
	q, err := newQueue(ctx, cfg.Queue, pool)
	if err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "create queue")
	}
	return &deps{
		pool:  pool,
		users: postgres.NewUserRepository(pool),
		libs:  postgres.NewLibraryRepository(pool),
		seqs:  postgres.NewSequenceRepository(pool),
		runs:  postgres.NewRunRepository(pool),
		runner: blast.NewRunner(blast.Config{
			DataDir:        cfg.DataDir,
			BinDir:         cfg.BLAST.BinDir,
			Blastn:         cfg.BLAST.Blastn,
			Makeblastdb:    cfg.BLAST.Makeblastdb,
			EValue:         cfg.BLAST.EValue,
			MaxTargetSeqs:  cfg.BLAST.MaxTargetSeqs,
			CommandTimeout: cfg.BLAST.CommandTimeout,
		}),
		queue: q,
	}, nil
}

func (d *deps) Close() { d.pool.Close() }

func newQueue(ctx context.Context, cfg QueueConfig, pool *pgxpool.Pool) (queue.Queue, error) {
	switch cfg.Backend {
	case "sqs":
		client, err := sqsqueue.NewClient(ctx, cfg.SQSRegion, cfg.SQSEndpoint)
		if err != nil {
			return nil, err
		}
		q, err := sqsqueue.New(ctx, client, sqsqueue.Config{
			QueueName:  cfg.SQSName,
			QueueURL:   cfg.SQSURL,
			Wait:       cfg.SQSWait,
			Visibility: cfg.SQSVisibility,
			Backoff:    cfg.Backoff,
		})
		if err != nil {
			return nil, err
		}
		return q, nil
	case "postgres":
		return pgqueue.New(pool, pgqueue.Config{
			PollInterval: cfg.PollInterval,
			Lease:        cfg.Lease,
			Backoff:      cfg.Backoff,
		}), nil
	default:
		return nil, errors.Errorf("unknown queue backend %q", cfg.Backend)
	}
}

// newWorker builds the run executor and a queue consumer around it.
func (d *deps) newWorker(cfg *Config, m *app.Telemetry) (*worker.Worker, error) {
	var aligner run.Aligner
	if cfg.Alignment.Enabled {
		aligner = alignment.NewClient(alignment.Config{
			BaseURL:      cfg.Alignment.BaseURL,
			Email:        cfg.Alignment.Email,
			PollInterval: cfg.Alignment.PollInterval,
			Timeout:      cfg.Alignment.Timeout,
		}, nil, m.TracerProvider())
	}
	exec := run.NewExecutor(d.runs, d.seqs, d.runner, aligner, d.runner, cfg.BLAST.Threshold)
	return worker.New(d.queue, exec, cfg.Worker.worker(), m.MeterProvider())
}

func (d *deps) newFetcher(cfg *Config, m *app.Telemetry) *genbank.Client {
	return genbank.NewClient(genbank.Config{
		BaseURL:           cfg.NCBI.BaseURL,
		Email:             cfg.NCBI.Email,
		Tool:              cfg.NCBI.Tool,
		APIKey:            cfg.NCBI.APIKey,
		RequestsPerSecond: cfg.NCBI.RequestsPerSecond,
		BatchSize:         cfg.NCBI.BatchSize,
		MaxAccessions:     cfg.NCBI.MaxAccessions,
		Retries:           cfg.NCBI.Retries,
	}, nil, m.TracerProvider())
}
