package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/barcode-identifier/barrel/internal/domain/library"
)

const (
	// $1 is the viewer whose share level is loaded, NULL for anonymous.
	selectLibrarySQL = `SELECT l.id, l.owner_id, COALESCE(u.username, ''), l.public,
		l.custom_name, l.description, l.marker_gene, l.created_at, COALESCE(s.permission, '')
	FROM libraries l
	LEFT JOIN users u ON u.id = l.owner_id
	LEFT JOIN library_shares s ON s.library_id = l.id AND s.user_id = $1`

	getLibrarySQL    = selectLibrarySQL + ` WHERE l.id = $2`
	listLibrariesSQL = selectLibrarySQL + ` ORDER BY l.custom_name, l.id`

	createLibrarySQL = `INSERT INTO libraries (id, owner_id, public, custom_name, description, marker_gene, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`
	updateLibrarySQL = `UPDATE libraries
	SET public = $2, custom_name = $3, description = $4, marker_gene = $5
	WHERE id = $1`
	deleteLibrarySQL = `DELETE FROM libraries WHERE id = $1`

	listSharesSQL = `SELECT s.library_id, s.user_id, u.username, s.permission
	FROM library_shares s JOIN users u ON u.id = s.user_id
	WHERE s.library_id = $1 ORDER BY u.username`
	upsertShareSQL = `INSERT INTO library_shares (library_id, user_id, permission) VALUES ($1, $2, $3)
	ON CONFLICT (library_id, user_id) DO UPDATE SET permission = EXCLUDED.permission`
	deleteShareSQL = `DELETE FROM library_shares WHERE library_id = $1 AND user_id = $2`

	selectVersionSQL = `SELECT b.id, b.library_id, b.genbank_version, b.major_version, b.minor_version,
		b.description, b.locked, b.created_at,
		(SELECT count(*) FROM sequences s WHERE s.blastdb_id = b.id)
	FROM blastdbs b`

	getVersionSQL   = selectVersionSQL + ` WHERE b.id = $1`
	listVersionsSQL = selectVersionSQL + ` WHERE b.library_id = $1
	ORDER BY b.genbank_version, b.major_version, b.minor_version, b.created_at`
	latestVersionSQL = selectVersionSQL + ` WHERE b.library_id = $1 AND b.locked
	ORDER BY b.genbank_version DESC, b.major_version DESC, b.minor_version DESC LIMIT 1`

	createVersionSQL = `INSERT INTO blastdbs (id, library_id, genbank_version, major_version, minor_version, description, locked, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	updateVersionSQL = `UPDATE blastdbs
	SET genbank_version = $2, major_version = $3, minor_version = $4, description = $5
	WHERE id = $1 AND NOT locked`
	deleteVersionSQL = `DELETE FROM blastdbs WHERE id = $1`

	// Sequence writes and publishing serialize on the version row.
	lockVersionSQL    = selectVersionSQL + ` WHERE b.id = $1 FOR UPDATE OF b`
	versionLockedSQL  = `SELECT locked FROM blastdbs WHERE id = $1`
	publishVersionSQL = `UPDATE blastdbs
	SET genbank_version = $2, major_version = $3, minor_version = $4, locked = true
	WHERE id = $1 AND NOT locked`

	addHistorySQL = `INSERT INTO blastdb_history (id, blastdb_id, change_reason, added, deleted, search_terms, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`
	listHistorySQL = `SELECT id, blastdb_id, change_reason, added, deleted, search_terms, created_at
	FROM blastdb_history WHERE blastdb_id = $1 ORDER BY created_at, id`
)

var _ library.Repository = (*LibraryRepository)(nil)

// LibraryRepository stores libraries, shares, versions and version history.
type LibraryRepository struct {
	pool *pgxpool.Pool
}

// NewLibraryRepository returns a LibraryRepository that uses the given pool.
func NewLibraryRepository(pool *pgxpool.Pool) *LibraryRepository {
	return &LibraryRepository{pool: pool}
}

func scanLibrary(row pgx.Row) (library.Library, error) {
	var l library.Library
	err := row.Scan(&l.ID, &l.OwnerID, &l.OwnerName, &l.Public,
		&l.Name, &l.Description, &l.MarkerGene, &l.CreatedAt, &l.ViewerShare)
	return l, err
}

// Create inserts a library.
func (r *LibraryRepository) Create(ctx context.Context, l *library.Library) error {
	_, err := r.pool.Exec(ctx, createLibrarySQL,
		l.ID, l.OwnerID, l.Public, l.Name, l.Description, l.MarkerGene, l.CreatedAt)
	if err != nil {
		return fmt.Errorf("creating library %q: %w", l.Name, err)
	}
	return nil
}

// Get returns library.ErrNotFound for unknown ids.
func (r *LibraryRepository) Get(ctx context.Context, id uuid.UUID, viewer *uuid.UUID) (*library.Library, error) {
	l, err := scanLibrary(r.pool.QueryRow(ctx, getLibrarySQL, viewer, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, library.ErrNotFound
		}
		return nil, fmt.Errorf("getting library %s: %w", id, err)
	}
	return &l, nil
}

// Update saves the editable fields of a library.
func (r *LibraryRepository) Update(ctx context.Context, l *library.Library) error {
	tag, err := r.pool.Exec(ctx, updateLibrarySQL, l.ID, l.Public, l.Name, l.Description, l.MarkerGene)
	if err != nil {
		return fmt.Errorf("updating library %s: %w", l.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return library.ErrNotFound
	}
	return nil
}

// Delete removes a library with its versions and shares.
func (r *LibraryRepository) Delete(ctx context.Context, id uuid.UUID) error {
	if _, err := r.pool.Exec(ctx, deleteLibrarySQL, id); err != nil {
		return fmt.Errorf("deleting library %s: %w", id, err)
	}
	return nil
}

// List returns every library ordered by name.
func (r *LibraryRepository) List(ctx context.Context, viewer *uuid.UUID) ([]library.Library, error) {
	rows, err := r.pool.Query(ctx, listLibrariesSQL, viewer)
	if err != nil {
		return nil, fmt.Errorf("listing libraries: %w", err)
	}
	libs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (library.Library, error) {
		return scanLibrary(row)
	})
	if err != nil {
		return nil, fmt.Errorf("scanning libraries: %w", err)
	}
	return libs, nil
}

// ListShares returns the explicit shares of a library.
func (r *LibraryRepository) ListShares(ctx context.Context, libraryID uuid.UUID) ([]library.Share, error) {
	rows, err := r.pool.Query(ctx, listSharesSQL, libraryID)
	if err != nil {
		return nil, fmt.Errorf("listing shares: %w", err)
	}
	shares, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (library.Share, error) {
		var s library.Share
		err := row.Scan(&s.LibraryID, &s.UserID, &s.Username, &s.Level)
		return s, err
	})
	if err != nil {
		return nil, fmt.Errorf("scanning shares: %w", err)
	}
	return shares, nil
}

// UpsertShare grants or changes a share.
func (r *LibraryRepository) UpsertShare(ctx context.Context, s library.Share) error {
	if _, err := r.pool.Exec(ctx, upsertShareSQL, s.LibraryID, s.UserID, string(s.Level)); err != nil {
		return fmt.Errorf("saving share: %w", err)
	}
	return nil
}

// DeleteShare revokes a share.
func (r *LibraryRepository) DeleteShare(ctx context.Context, libraryID, userID uuid.UUID) error {
	if _, err := r.pool.Exec(ctx, deleteShareSQL, libraryID, userID); err != nil {
		return fmt.Errorf("deleting share: %w", err)
	}
	return nil
}

func scanVersion(row pgx.Row) (library.Version, error) {
	var v library.Version
	err := row.Scan(&v.ID, &v.LibraryID, &v.GenBankVersion, &v.MajorVersion, &v.MinorVersion,
		&v.Description, &v.Locked, &v.CreatedAt, &v.SequenceCount)
	return v, err
}

func collectVersions(rows pgx.Rows) ([]library.Version, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (library.Version, error) {
		return scanVersion(row)
	})
}

// CreateVersion inserts a version.
func (r *LibraryRepository) CreateVersion(ctx context.Context, v *library.Version) error {
	_, err := r.pool.Exec(ctx, createVersionSQL, v.ID, v.LibraryID,
		v.GenBankVersion, v.MajorVersion, v.MinorVersion, v.Description, v.Locked, v.CreatedAt)
	if err != nil {
		return fmt.Errorf("creating version: %w", err)
	}
	return nil
}

// GetVersion returns library.ErrVersionNotFound for unknown ids.
func (r *LibraryRepository) GetVersion(ctx context.Context, id uuid.UUID) (*library.Version, error) {
	v, err := scanVersion(r.pool.QueryRow(ctx, getVersionSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, library.ErrVersionNotFound
		}
		return nil, fmt.Errorf("getting version %s: %w", id, err)
	}
	return &v, nil
}

// UpdateVersion saves the number and description of a draft. Published
// versions yield library.ErrLocked.
func (r *LibraryRepository) UpdateVersion(ctx context.Context, v *library.Version) error {
	tag, err := r.pool.Exec(ctx, updateVersionSQL, v.ID,
		v.GenBankVersion, v.MajorVersion, v.MinorVersion, v.Description)
	if err != nil {
		return fmt.Errorf("updating version %s: %w", v.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return notDraft(ctx, r.pool, v.ID)
	}
	return nil
}

// notDraft explains why a draft-only statement matched no row.
func notDraft(ctx context.Context, q querier, id uuid.UUID) error {
	var locked bool
	if err := q.QueryRow(ctx, versionLockedSQL, id).Scan(&locked); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return library.ErrVersionNotFound
		}
		return fmt.Errorf("getting version %s: %w", id, err)
	}
	if locked {
		return library.ErrLocked
	}
	return library.ErrVersionNotFound
}

// PublishVersion locks the draft row, lets publish build and number it and
// marks it locked in the same transaction. Concurrent sequence writes wait
// for the transaction and then fail with library.ErrLocked.
func (r *LibraryRepository) PublishVersion(ctx context.Context, id uuid.UUID, publish func(ctx context.Context, v *library.Version) error) (*library.Version, error) {
	var out *library.Version
	err := inTx(ctx, r.pool, func(tx pgx.Tx) error {
		v, err := scanVersion(tx.QueryRow(ctx, lockVersionSQL, id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return library.ErrVersionNotFound
			}
			return fmt.Errorf("locking version %s: %w", id, err)
		}
		if v.Locked {
			return library.ErrLocked
		}
		if err := publish(ctx, &v); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, publishVersionSQL, v.ID, v.GenBankVersion, v.MajorVersion, v.MinorVersion)
		if err != nil {
			return fmt.Errorf("publishing version %s: %w", id, err)
		}
		if tag.RowsAffected() == 0 {
			return notDraft(ctx, tx, id)
		}
		v.Locked = true
		out = &v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteVersion removes a version with its sequences and history.
func (r *LibraryRepository) DeleteVersion(ctx context.Context, id uuid.UUID) error {
	if _, err := r.pool.Exec(ctx, deleteVersionSQL, id); err != nil {
		return fmt.Errorf("deleting version %s: %w", id, err)
	}
	return nil
}

// ListVersions returns versions ordered by number. Drafts sort first.
func (r *LibraryRepository) ListVersions(ctx context.Context, libraryID uuid.UUID) ([]library.Version, error) {
	rows, err := r.pool.Query(ctx, listVersionsSQL, libraryID)
	if err != nil {
		return nil, fmt.Errorf("listing versions: %w", err)
	}
	versions, err := collectVersions(rows)
	if err != nil {
		return nil, fmt.Errorf("scanning versions: %w", err)
	}
	return versions, nil
}

// LatestPublished returns library.ErrNoPublishedVersion when no version of
// the library is locked.
func (r *LibraryRepository) LatestPublished(ctx context.Context, libraryID uuid.UUID) (*library.Version, error) {
	v, err := scanVersion(r.pool.QueryRow(ctx, latestVersionSQL, libraryID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, library.ErrNoPublishedVersion
		}
		return nil, fmt.Errorf("getting latest version: %w", err)
	}
	return &v, nil
}

// AddHistory records a history entry.
func (r *LibraryRepository) AddHistory(ctx context.Context, h *library.History) error {
	_, err := r.pool.Exec(ctx, addHistorySQL, h.ID, h.BlastDbID, h.Reason,
		nonNil(h.Added), nonNil(h.Deleted), nonNil(h.SearchTerms), h.CreatedAt)
	if err != nil {
		return fmt.Errorf("adding history: %w", err)
	}
	return nil
}

// ListHistory returns the history of a version, oldest first.
func (r *LibraryRepository) ListHistory(ctx context.Context, blastdbID uuid.UUID) ([]library.History, error) {
	rows, err := r.pool.Query(ctx, listHistorySQL, blastdbID)
	if err != nil {
		return nil, fmt.Errorf("listing history: %w", err)
	}
	history, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (library.History, error) {
		var h library.History
		err := row.Scan(&h.ID, &h.BlastDbID, &h.Reason, &h.Added, &h.Deleted, &h.SearchTerms, &h.CreatedAt)
		return h, err
	})
	if err != nil {
		return nil, fmt.Errorf("scanning history: %w", err)
	}
	return history, nil
}

// nonNil keeps NOT NULL array columns from receiving NULL.
func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
