// Package run tracks BLAST search jobs from submission to classified results.
package run

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Sentinel errors for run operations.
var (
	ErrNotFound         = errors.New("run not found")
	ErrFileNotFound     = errors.New("run file not found")
	ErrQueueUnavailable = errors.New("run could not be queued")
	ErrNoTarget         = errors.New("blast database or library required")
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusUnknown  Status = "UNK"
	StatusDenied   Status = "DEN"
	StatusQueued   Status = "QUE"
	StatusStarted  Status = "STA"
	StatusErrored  Status = "ERR"
	StatusFinished Status = "FIN"
)

// Done reports whether the run reached a final state.
func (s Status) Done() bool {
	return s == StatusDenied || s == StatusErrored || s == StatusFinished
}

// Run is a BLAST search of query sequences against a published version.
type Run struct {
	ID        uuid.UUID
	BlastDbID *uuid.UUID
	// LibraryID is the library of the version, nil once it was deleted.
	LibraryID  *uuid.UUID
	ReceivedAt time.Time
	JobName    string

	CreateHitTree          bool
	AlignmentJobID         string
	CreateDbTree           bool
	CompleteAlignmentJobID string
	HitTree                string
	DbTree                 string

	Status       Status
	StartTime    *time.Time
	EndTime      *time.Time
	ErrorTime    *time.Time
	BlastVersion string
	Errors       string
}

// Query is one submitted query sequence.
type Query struct {
	ID       uuid.UUID
	RunID    uuid.UUID
	Position int
	// Definition is the FASTA header without '>'.
	Definition      string
	Sequence        string
	OriginalSpecies string
	ResultsSpecies  string
	Category        string
}

// Hit is one row of BLAST tabular output.
type Hit struct {
	ID         uuid.UUID
	RunID      uuid.UUID
	SequenceID *uuid.UUID

	QueryAccessionVersion   string
	SubjectAccessionVersion string
	PercentIdentity         decimal.Decimal
	AlignmentLength         int
	Mismatches              int
	GapOpens                int
	QueryStart              int
	QueryEnd                int
	SequenceStart           int
	SequenceEnd             int
	EValue                  decimal.Decimal
	BitScore                decimal.Decimal
}

// Repository provides persistence for runs, their queries and hits.
type Repository interface {
	Create(ctx context.Context, r *Run, queries []Query) error
	Get(ctx context.Context, id uuid.UUID) (*Run, error)
	// List returns runs against the given libraries; nil libraryIDs lists all.
	List(ctx context.Context, libraryIDs []uuid.UUID) ([]Run, error)
	Update(ctx context.Context, r *Run) error
	// MarkError sets ERR, the error time and appends msg to the errors.
	MarkError(ctx context.Context, id uuid.UUID, msg string, at time.Time) error
	Delete(ctx context.Context, id uuid.UUID) error

	ListQueries(ctx context.Context, runID uuid.UUID) ([]Query, error)
	UpdateQueries(ctx context.Context, queries []Query) error
	// ReplaceHits deletes existing hits of the run and stores hits.
	ReplaceHits(ctx context.Context, runID uuid.UUID, hits []Hit) error
	ListHits(ctx context.Context, runID uuid.UUID) ([]Hit, error)
}

// AppendError joins a new message onto previously recorded errors.
func AppendError(errs, msg string) string {
	if errs == "" {
		return msg
	}
	return errs + "\n" + msg
}

// PermanentError marks a run failure that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as a PermanentError.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err or any error it wraps is permanent.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}
