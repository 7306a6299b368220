package run

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/barcode-identifier/barrel/internal/domain/access"
	"github.com/barcode-identifier/barrel/internal/domain/auth"
	"github.com/barcode-identifier/barrel/internal/domain/library"
	"github.com/barcode-identifier/barrel/internal/fasta"
)

// Result file names inside a run directory.
const (
	FileQuery          = "query.fasta"
	FileResults        = "results.txt"
	FileClassification = "classification.tsv"
	FileMatrix         = "k2p_matrix.phy"
	FileHitTree        = "hit_tree.nwk"
	FileDbTree         = "db_tree.nwk"
)

// Files lists every downloadable run file.
var Files = []string{FileQuery, FileResults, FileClassification, FileMatrix, FileHitTree, FileDbTree}

// Libraries resolves versions a user may search and decides run permissions.
type Libraries interface {
	RunTarget(ctx context.Context, u *auth.User, id uuid.UUID) (*library.Version, *library.Library, error)
	LatestVersion(ctx context.Context, u *auth.User, libraryID uuid.UUID) (*library.Version, error)
	EditableLibraryIDs(ctx context.Context, u *auth.User) ([]uuid.UUID, error)
	CanDeleteLibrary(ctx context.Context, u *auth.User, id uuid.UUID) (bool, error)
}

// Enqueuer hands run IDs to the worker queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, runID uuid.UUID) error
}

// Storage locates and removes run directories.
type Storage interface {
	RunDir(runID uuid.UUID) string
	RemoveRun(runID uuid.UUID) error
}

// Service encapsulates run submission and retrieval.
type Service struct {
	runs      Repository
	libraries Libraries
	queue     Enqueuer
	storage   Storage
	limits    fasta.Limits
	now       func() time.Time
}

// NewService creates a run Service.
func NewService(runs Repository, libraries Libraries, queue Enqueuer, storage Storage, limits fasta.Limits) *Service {
	return &Service{
		runs:      runs,
		libraries: libraries,
		queue:     queue,
		storage:   storage,
		limits:    limits,
		now:       time.Now,
	}
}

// SubmitRequest holds the input for a BLAST run. Either BlastDbID or
// LibraryID (latest published version) selects the database.
type SubmitRequest struct {
	BlastDbID     *uuid.UUID
	LibraryID     *uuid.UUID
	JobName       string
	Queries       string
	CreateHitTree bool
	CreateDbTree  bool
}

// Details is a run with its queries and hits.
type Details struct {
	Run     *Run
	Queries []Query
	Hits    []Hit
}

// Submit validates queries, records a queued run and enqueues it. When the
// queue rejects it the run is stored as denied and ErrQueueUnavailable is
// returned alongside it.
func (s *Service) Submit(ctx context.Context, u *auth.User, req SubmitRequest) (*Run, error) {
	v, lib, err := s.target(ctx, u, req)
	if err != nil {
		return nil, err
	}

	records, err := fasta.Parse(strings.NewReader(req.Queries), s.limits)
	if err != nil {
		return nil, err
	}

	r := &Run{
		ID:            uuid.New(),
		BlastDbID:     &v.ID,
		LibraryID:     &lib.ID,
		ReceivedAt:    s.now(),
		JobName:       strings.TrimSpace(req.JobName),
		CreateHitTree: req.CreateHitTree,
		CreateDbTree:  req.CreateDbTree,
		Status:        StatusQueued,
	}
	queries := make([]Query, len(records))
	for i, rec := range records {
		queries[i] = Query{
			ID:              uuid.New(),
			RunID:           r.ID,
			Position:        i,
			Definition:      rec.Header,
			Sequence:        rec.Sequence,
			OriginalSpecies: rec.Description(),
		}
	}
	if err := s.runs.Create(ctx, r, queries); err != nil {
		return nil, errors.Wrap(err, "create run")
	}

	if err := s.queue.Enqueue(ctx, r.ID); err != nil {
		r.Status = StatusDenied
		r.Errors = AppendError(r.Errors, err.Error())
		now := s.now()
		r.ErrorTime = &now
		if uerr := s.runs.Update(ctx, r); uerr != nil {
			return nil, errors.Wrapf(uerr, "mark run denied after %v", err)
		}
		return r, errors.Wrap(ErrQueueUnavailable, err.Error())
	}
	return r, nil
}

func (s *Service) target(ctx context.Context, u *auth.User, req SubmitRequest) (*library.Version, *library.Library, error) {
	switch {
	case req.BlastDbID != nil:
		return s.libraries.RunTarget(ctx, u, *req.BlastDbID)
	case req.LibraryID != nil:
		latest, err := s.libraries.LatestVersion(ctx, u, *req.LibraryID)
		if err != nil {
			return nil, nil, err
		}
		return s.libraries.RunTarget(ctx, u, latest.ID)
	}
	return nil, nil, ErrNoTarget
}

// Get returns a run with its queries and hits. Runs are readable by anyone
// holding their ID.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Details, error) {
	r, err := s.runs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	queries, err := s.runs.ListQueries(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "list queries")
	}
	hits, err := s.runs.ListHits(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "list hits")
	}
	return &Details{Run: r, Queries: queries, Hits: hits}, nil
}

// Status returns a run without its queries and hits.
func (s *Service) Status(ctx context.Context, id uuid.UUID) (*Run, error) {
	return s.runs.Get(ctx, id)
}

// List returns the runs against libraries u may edit.
func (s *Service) List(ctx context.Context, u *auth.User) ([]Run, error) {
	if u == nil {
		return nil, auth.ErrUnauthorized
	}
	if u.IsSuperuser {
		return s.runs.List(ctx, nil)
	}
	ids, err := s.libraries.EditableLibraryIDs(ctx, u)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []Run{}, nil
	}
	return s.runs.List(ctx, ids)
}

// Delete removes a run and its files. It requires delete permission on the
// library searched; runs whose version is gone need a superuser.
func (s *Service) Delete(ctx context.Context, u *auth.User, id uuid.UUID) error {
	if u == nil {
		return auth.ErrUnauthorized
	}
	r, err := s.runs.Get(ctx, id)
	if err != nil {
		return err
	}
	allowed := u.IsSuperuser
	if !allowed && r.LibraryID != nil {
		if allowed, err = s.libraries.CanDeleteLibrary(ctx, u, *r.LibraryID); err != nil {
			return err
		}
	}
	if !allowed {
		return access.ErrForbidden
	}
	if err := s.storage.RemoveRun(r.ID); err != nil {
		return errors.Wrap(err, "remove run files")
	}
	if err := s.runs.Delete(ctx, r.ID); err != nil {
		return errors.Wrap(err, "delete run")
	}
	return nil
}

// FilePath returns the path of a result file of a run.
func (s *Service) FilePath(ctx context.Context, id uuid.UUID, name string) (string, error) {
	if !slices.Contains(Files, name) {
		return "", ErrFileNotFound
	}
	r, err := s.runs.Get(ctx, id)
	if err != nil {
		return "", err
	}
	p := filepath.Join(s.storage.RunDir(r.ID), name)
	if _, err := os.Stat(p); err != nil {
		if os.IsNotExist(err) {
			return "", ErrFileNotFound
		}
		return "", errors.Wrap(err, "stat run file")
	}
	return p, nil
}
