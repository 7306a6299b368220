package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/barcode-identifier/barrel/internal/domain/run"
)

const (
	runColumns = `id, blastdb_id, library_id, received_at, job_name,
		create_hit_tree, alignment_job_id, create_db_tree, complete_alignment_job_id,
		hit_tree, db_tree, status, start_time, end_time, error_time, blast_version, errors`

	createRunSQL = `INSERT INTO runs (` + runColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`
	getRunSQL        = `SELECT ` + runColumns + ` FROM runs WHERE id = $1`
	listRunsSQL      = `SELECT ` + runColumns + ` FROM runs ORDER BY received_at DESC, id`
	listRunsByLibSQL = `SELECT ` + runColumns + ` FROM runs WHERE library_id = ANY($1) ORDER BY received_at DESC, id`

	updateRunSQL = `UPDATE runs SET
		blastdb_id = $2, library_id = $3, job_name = $4,
		create_hit_tree = $5, alignment_job_id = $6, create_db_tree = $7, complete_alignment_job_id = $8,
		hit_tree = $9, db_tree = $10, status = $11, start_time = $12, end_time = $13,
		error_time = $14, blast_version = $15, errors = $16
	WHERE id = $1`

	markRunErrorSQL = `UPDATE runs SET
		status = 'ERR',
		error_time = $3,
		errors = CASE WHEN errors = '' THEN $2 ELSE errors || E'\n' || $2 END
	WHERE id = $1`

	deleteRunSQL = `DELETE FROM runs WHERE id = $1`

	createQuerySQL = `INSERT INTO run_queries (id, run_id, position, definition, query_sequence,
		original_species_name, results_species_name, accuracy_category)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	listQueriesSQL = `SELECT id, run_id, position, definition, query_sequence,
		original_species_name, results_species_name, accuracy_category
	FROM run_queries WHERE run_id = $1 ORDER BY position`
	updateQuerySQL = `UPDATE run_queries SET
		original_species_name = $2, results_species_name = $3, accuracy_category = $4
	WHERE id = $1`

	deleteHitsSQL = `DELETE FROM hits WHERE run_id = $1`
	listHitsSQL   = `SELECT id, run_id, sequence_id, query_accession_version, subject_accession_version,
		percent_identity, alignment_length, mismatches, gap_opens,
		query_start, query_end, sequence_start, sequence_end, evalue, bit_score
	FROM hits WHERE run_id = $1
	ORDER BY query_accession_version, bit_score DESC, id`
)

var hitColumns = []string{
	"id", "run_id", "sequence_id", "query_accession_version", "subject_accession_version",
	"percent_identity", "alignment_length", "mismatches", "gap_opens",
	"query_start", "query_end", "sequence_start", "sequence_end", "evalue", "bit_score",
}

var _ run.Repository = (*RunRepository)(nil)

// RunRepository stores runs, their queries and BLAST hits.
type RunRepository struct {
	pool *pgxpool.Pool
}

// NewRunRepository returns a RunRepository that uses the given pool.
func NewRunRepository(pool *pgxpool.Pool) *RunRepository {
	return &RunRepository{pool: pool}
}

func scanRun(row pgx.Row) (*run.Run, error) {
	var (
		r      run.Run
		status string
	)
	err := row.Scan(
		&r.ID, &r.BlastDbID, &r.LibraryID, &r.ReceivedAt, &r.JobName,
		&r.CreateHitTree, &r.AlignmentJobID, &r.CreateDbTree, &r.CompleteAlignmentJobID,
		&r.HitTree, &r.DbTree, &status, &r.StartTime, &r.EndTime, &r.ErrorTime, &r.BlastVersion, &r.Errors,
	)
	if err != nil {
		return nil, err
	}
	r.Status = run.Status(status)
	return &r, nil
}

// Create stores a run and its queries in one transaction.
func (r *RunRepository) Create(ctx context.Context, rn *run.Run, queries []run.Query) error {
	return inTx(ctx, r.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, createRunSQL,
			rn.ID, rn.BlastDbID, rn.LibraryID, rn.ReceivedAt, rn.JobName,
			rn.CreateHitTree, rn.AlignmentJobID, rn.CreateDbTree, rn.CompleteAlignmentJobID,
			rn.HitTree, rn.DbTree, string(rn.Status), rn.StartTime, rn.EndTime, rn.ErrorTime, rn.BlastVersion, rn.Errors,
		)
		if err != nil {
			return fmt.Errorf("inserting run: %w", err)
		}

		batch := &pgx.Batch{}
		for _, q := range queries {
			batch.Queue(createQuerySQL, q.ID, rn.ID, q.Position, q.Definition, q.Sequence,
				q.OriginalSpecies, q.ResultsSpecies, q.Category)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("inserting run queries: %w", err)
		}
		return nil
	})
}

// Get returns run.ErrNotFound for unknown ids.
func (r *RunRepository) Get(ctx context.Context, id uuid.UUID) (*run.Run, error) {
	rn, err := scanRun(r.pool.QueryRow(ctx, getRunSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, run.ErrNotFound
		}
		return nil, fmt.Errorf("getting run %s: %w", id, err)
	}
	return rn, nil
}

// List returns runs newest first. A nil libraryIDs lists every run.
func (r *RunRepository) List(ctx context.Context, libraryIDs []uuid.UUID) ([]run.Run, error) {
	var (
		rows pgx.Rows
		err  error
	)
	switch {
	case libraryIDs == nil:
		rows, err = r.pool.Query(ctx, listRunsSQL)
	case len(libraryIDs) == 0:
		return nil, nil
	default:
		rows, err = r.pool.Query(ctx, listRunsByLibSQL, libraryIDs)
	}
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	runs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (run.Run, error) {
		rn, err := scanRun(row)
		if err != nil {
			return run.Run{}, err
		}
		return *rn, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning runs: %w", err)
	}
	return runs, nil
}

// Update saves every mutable column of the run.
func (r *RunRepository) Update(ctx context.Context, rn *run.Run) error {
	tag, err := r.pool.Exec(ctx, updateRunSQL,
		rn.ID, rn.BlastDbID, rn.LibraryID, rn.JobName,
		rn.CreateHitTree, rn.AlignmentJobID, rn.CreateDbTree, rn.CompleteAlignmentJobID,
		rn.HitTree, rn.DbTree, string(rn.Status), rn.StartTime, rn.EndTime,
		rn.ErrorTime, rn.BlastVersion, rn.Errors,
	)
	if err != nil {
		return fmt.Errorf("updating run %s: %w", rn.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return run.ErrNotFound
	}
	return nil
}

// MarkError moves the run to ERR and appends msg to its errors atomically.
func (r *RunRepository) MarkError(ctx context.Context, id uuid.UUID, msg string, at time.Time) error {
	tag, err := r.pool.Exec(ctx, markRunErrorSQL, id, msg, at)
	if err != nil {
		return fmt.Errorf("marking run %s errored: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return run.ErrNotFound
	}
	return nil
}

// Delete removes a run with its queries, hits and pending job.
func (r *RunRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, deleteRunSQL, id)
	if err != nil {
		return fmt.Errorf("deleting run %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return run.ErrNotFound
	}
	return nil
}

// ListQueries returns the queries of a run in submission order.
func (r *RunRepository) ListQueries(ctx context.Context, runID uuid.UUID) ([]run.Query, error) {
	rows, err := r.pool.Query(ctx, listQueriesSQL, runID)
	if err != nil {
		return nil, fmt.Errorf("listing queries: %w", err)
	}
	queries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (run.Query, error) {
		var q run.Query
		err := row.Scan(&q.ID, &q.RunID, &q.Position, &q.Definition, &q.Sequence,
			&q.OriginalSpecies, &q.ResultsSpecies, &q.Category)
		return q, err
	})
	if err != nil {
		return nil, fmt.Errorf("scanning queries: %w", err)
	}
	return queries, nil
}

// UpdateQueries saves species names and classification of queries.
func (r *RunRepository) UpdateQueries(ctx context.Context, queries []run.Query) error {
	if len(queries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, q := range queries {
		batch.Queue(updateQuerySQL, q.ID, q.OriginalSpecies, q.ResultsSpecies, q.Category)
	}
	if err := r.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("updating queries: %w", err)
	}
	return nil
}

// ReplaceHits swaps the hits of a run in one transaction.
func (r *RunRepository) ReplaceHits(ctx context.Context, runID uuid.UUID, hits []run.Hit) error {
	return inTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, deleteHitsSQL, runID); err != nil {
			return fmt.Errorf("deleting hits: %w", err)
		}
		if len(hits) == 0 {
			return nil
		}
		rows := make([][]any, len(hits))
		for i, h := range hits {
			rows[i] = []any{
				h.ID, runID, h.SequenceID, h.QueryAccessionVersion, h.SubjectAccessionVersion,
				h.PercentIdentity, h.AlignmentLength, h.Mismatches, h.GapOpens,
				h.QueryStart, h.QueryEnd, h.SequenceStart, h.SequenceEnd, h.EValue, h.BitScore,
			}
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"hits"}, hitColumns, pgx.CopyFromRows(rows)); err != nil {
			return fmt.Errorf("copying hits: %w", err)
		}
		return nil
	})
}

// ListHits returns hits grouped by query, best bit score first.
func (r *RunRepository) ListHits(ctx context.Context, runID uuid.UUID) ([]run.Hit, error) {
	rows, err := r.pool.Query(ctx, listHitsSQL, runID)
	if err != nil {
		return nil, fmt.Errorf("listing hits: %w", err)
	}
	hits, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (run.Hit, error) {
		var h run.Hit
		err := row.Scan(&h.ID, &h.RunID, &h.SequenceID, &h.QueryAccessionVersion, &h.SubjectAccessionVersion,
			&h.PercentIdentity, &h.AlignmentLength, &h.Mismatches, &h.GapOpens,
			&h.QueryStart, &h.QueryEnd, &h.SequenceStart, &h.SequenceEnd, &h.EValue, &h.BitScore)
		return h, err
	})
	if err != nil {
		return nil, fmt.Errorf("scanning hits: %w", err)
	}
	return hits, nil
}
