// Package library manages reference libraries, their versioned BLAST
// databases and the sequences inside them.
package library

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/barcode-identifier/barrel/internal/domain/access"
	"github.com/barcode-identifier/barrel/internal/domain/auth"
	"github.com/barcode-identifier/barrel/internal/domain/sequence"
)

// Sentinel errors for library operations.
var (
	ErrNotFound            = errors.New("library not found")
	ErrVersionNotFound     = errors.New("library version not found")
	ErrLocked              = errors.New("library version is locked")
	ErrNotLocked           = errors.New("library version is not published")
	ErrNoPublishedVersion  = errors.New("library has no published version")
	ErrEmptyVersion        = errors.New("library version has no sequences")
	ErrNameRequired        = errors.New("library name required")
	ErrNothingToAdd        = errors.New("accessions or search term required")
	ErrNoAccessions        = errors.New("accessions required")
	ErrCannotShareWithSelf = errors.New("cannot share a library with its owner")
)

// AccessionsAlreadyExistError lists accessions already present in a version.
type AccessionsAlreadyExistError struct {
	Accessions []string
}

func (e *AccessionsAlreadyExistError) Error() string {
	return fmt.Sprintf("accessions already exist: %s", strings.Join(e.Accessions, ", "))
}

// AccessionsNotFoundError lists accessions missing from a version.
type AccessionsNotFoundError struct {
	Accessions []string
}

func (e *AccessionsNotFoundError) Error() string {
	return fmt.Sprintf("accessions not found: %s", strings.Join(e.Accessions, ", "))
}

// Library is a named, owned collection of reference database versions.
type Library struct {
	ID          uuid.UUID
	OwnerID     *uuid.UUID
	OwnerName   string
	Public      bool
	Name        string
	Description string
	MarkerGene  string
	CreatedAt   time.Time

	// ViewerShare is the share level of the user the library was loaded for.
	ViewerShare access.Level
}

// Subject returns the permission subject for the loading user.
func (l *Library) Subject() access.Subject {
	return access.Subject{OwnerID: l.OwnerID, Public: l.Public, Share: l.ViewerShare}
}

// Share is an explicit permission granted to a user.
type Share struct {
	LibraryID uuid.UUID
	UserID    uuid.UUID
	Username  string
	Level     access.Level
}

// Version is a BLAST database built from a library. Drafts are unlocked and
// numbered 0.0.0 until published.
type Version struct {
	ID             uuid.UUID
	LibraryID      uuid.UUID
	GenBankVersion int16
	MajorVersion   int16
	MinorVersion   int16
	Description    string
	Locked         bool
	CreatedAt      time.Time
	SequenceCount  int
}

// Number returns the version as "G.M.m".
func (v *Version) Number() string {
	return fmt.Sprintf("%d.%d.%d", v.GenBankVersion, v.MajorVersion, v.MinorVersion)
}

// Change reasons recorded in the version history.
const (
	ReasonCreated  = "Initial save"
	ReasonAdded    = "Added sequences"
	ReasonDeleted  = "Deleted sequences"
	ReasonUpdated  = "Updated sequences"
	ReasonFiltered = "Filtered sequences"
	ReasonImported = "Imported sequences"
	ReasonLocked   = "Locked database"
	ReasonEdited   = "Edited details"
)

// History is one entry of a version's change log.
type History struct {
	ID          uuid.UUID
	BlastDbID   uuid.UUID
	Reason      string
	Added       []string
	Deleted     []string
	SearchTerms []string
	CreatedAt   time.Time
}

// Repository provides persistence for libraries, shares, versions and history.
type Repository interface {
	Create(ctx context.Context, l *Library) error
	// Get loads a library with the share level of viewer, if any.
	Get(ctx context.Context, id uuid.UUID, viewer *uuid.UUID) (*Library, error)
	Update(ctx context.Context, l *Library) error
	Delete(ctx context.Context, id uuid.UUID) error
	// List returns every library with the share level of viewer, if any.
	List(ctx context.Context, viewer *uuid.UUID) ([]Library, error)

	ListShares(ctx context.Context, libraryID uuid.UUID) ([]Share, error)
	UpsertShare(ctx context.Context, s Share) error
	DeleteShare(ctx context.Context, libraryID, userID uuid.UUID) error

	CreateVersion(ctx context.Context, v *Version) error
	GetVersion(ctx context.Context, id uuid.UUID) (*Version, error)
	// UpdateVersion saves a draft. Published versions yield ErrLocked.
	UpdateVersion(ctx context.Context, v *Version) error
	// PublishVersion runs publish on the draft while holding it exclusively
	// and then stores it locked. Published versions yield ErrLocked.
	PublishVersion(ctx context.Context, id uuid.UUID, publish func(ctx context.Context, v *Version) error) (*Version, error)
	DeleteVersion(ctx context.Context, id uuid.UUID) error
	ListVersions(ctx context.Context, libraryID uuid.UUID) ([]Version, error)
	LatestPublished(ctx context.Context, libraryID uuid.UUID) (*Version, error)

	AddHistory(ctx context.Context, h *History) error
	ListHistory(ctx context.Context, blastdbID uuid.UUID) ([]History, error)
}

// FetchRequest selects GenBank records by accession and/or search term.
type FetchRequest struct {
	Accessions     []string
	Term           string
	RaiseIfMissing bool
}

// Fetcher retrieves sequence records and their taxonomy from GenBank.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) ([]sequence.Sequence, error)
	// ResolveTaxonomy fills Taxa of every sequence and returns the taxonomy
	// nodes that were referenced.
	ResolveTaxonomy(ctx context.Context, seqs []sequence.Sequence) ([]sequence.TaxonomyNode, error)
}

// DatabaseBuilder writes and removes the BLAST database files of a version.
type DatabaseBuilder interface {
	BuildDatabase(ctx context.Context, libraryID, blastdbID uuid.UUID, seqs []sequence.Sequence) error
	RemoveDatabase(libraryID, blastdbID uuid.UUID) error
}

// UserLookup resolves share grantees by username.
type UserLookup interface {
	GetUserByUsername(ctx context.Context, username string) (*auth.User, error)
}
