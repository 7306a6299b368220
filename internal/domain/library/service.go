package library

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/barcode-identifier/barrel/internal/domain/access"
	"github.com/barcode-identifier/barrel/internal/domain/auth"
	"github.com/barcode-identifier/barrel/internal/domain/sequence"
)

// Service encapsulates library, version and sequence business logic.
// Every operation takes the calling user; nil means anonymous.
type Service struct {
	libraries Repository
	sequences sequence.Repository
	users     UserLookup
	fetcher   Fetcher
	builder   DatabaseBuilder
	now       func() time.Time
}

// NewService creates a library Service with the required dependencies.
func NewService(
	libraries Repository,
	sequences sequence.Repository,
	users UserLookup,
	fetcher Fetcher,
	builder DatabaseBuilder,
) *Service {
	return &Service{
		libraries: libraries,
		sequences: sequences,
		users:     users,
		fetcher:   fetcher,
		builder:   builder,
		now:       time.Now,
	}
}

func userID(u *auth.User) *uuid.UUID {
	if u == nil {
		return nil
	}
	return &u.ID
}

type permission func(*auth.User, access.Subject) bool

// loadLibrary returns ErrNotFound when u cannot see the library at all and
// access.ErrForbidden when u can see it but lacks the permission.
func (s *Service) loadLibrary(ctx context.Context, u *auth.User, id uuid.UUID, can permission) (*Library, error) {
	lib, err := s.libraries.Get(ctx, id, userID(u))
	if err != nil {
		return nil, err
	}
	if !access.CanView(u, lib.Subject()) {
		return nil, ErrNotFound
	}
	if can != nil && !can(u, lib.Subject()) {
		return nil, access.ErrForbidden
	}
	return lib, nil
}

func (s *Service) loadVersion(ctx context.Context, u *auth.User, id uuid.UUID, can permission) (*Version, *Library, error) {
	v, err := s.libraries.GetVersion(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	lib, err := s.loadLibrary(ctx, u, v.LibraryID, can)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil, ErrVersionNotFound
		}
		return nil, nil, err
	}
	return v, lib, nil
}

func (s *Service) loadDraft(ctx context.Context, u *auth.User, id uuid.UUID) (*Version, *Library, error) {
	v, lib, err := s.loadVersion(ctx, u, id, access.CanEdit)
	if err != nil {
		return nil, nil, err
	}
	if v.Locked {
		return nil, nil, ErrLocked
	}
	return v, lib, nil
}

func (s *Service) addHistory(ctx context.Context, v *Version, reason string, added, deleted, terms []string) error {
	h := &History{
		ID:          uuid.New(),
		BlastDbID:   v.ID,
		Reason:      reason,
		Added:       added,
		Deleted:     deleted,
		SearchTerms: terms,
		CreatedAt:   s.now(),
	}
	if err := s.libraries.AddHistory(ctx, h); err != nil {
		return errors.Wrap(err, "add history")
	}
	return nil
}

// CreateLibraryRequest holds the input for creating a library.
type CreateLibraryRequest struct {
	Name        string
	Description string
	MarkerGene  string
	Public      bool
}

// CreateLibrary creates a library owned by u.
func (s *Service) CreateLibrary(ctx context.Context, u *auth.User, req CreateLibraryRequest) (*Library, error) {
	if !access.CanCreateLibrary(u) {
		return nil, access.ErrForbidden
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, ErrNameRequired
	}
	lib := &Library{
		ID:          uuid.New(),
		OwnerID:     &u.ID,
		OwnerName:   u.Username,
		Public:      req.Public,
		Name:        name,
		Description: req.Description,
		MarkerGene:  req.MarkerGene,
		CreatedAt:   s.now(),
	}
	if err := s.libraries.Create(ctx, lib); err != nil {
		return nil, errors.Wrap(err, "create library")
	}
	return lib, nil
}

// GetLibrary returns a library visible to u.
func (s *Service) GetLibrary(ctx context.Context, u *auth.User, id uuid.UUID) (*Library, error) {
	return s.loadLibrary(ctx, u, id, nil)
}

// ListLibraries returns every library visible to u.
func (s *Service) ListLibraries(ctx context.Context, u *auth.User) ([]Library, error) {
	return s.filterLibraries(ctx, u, access.CanView)
}

// EditableLibraryIDs returns the libraries u may edit.
func (s *Service) EditableLibraryIDs(ctx context.Context, u *auth.User) ([]uuid.UUID, error) {
	libs, err := s.filterLibraries(ctx, u, access.CanEdit)
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, len(libs))
	for i := range libs {
		ids[i] = libs[i].ID
	}
	return ids, nil
}

func (s *Service) filterLibraries(ctx context.Context, u *auth.User, can permission) ([]Library, error) {
	all, err := s.libraries.List(ctx, userID(u))
	if err != nil {
		return nil, errors.Wrap(err, "list libraries")
	}
	out := make([]Library, 0, len(all))
	for i := range all {
		if can(u, all[i].Subject()) {
			out = append(out, all[i])
		}
	}
	return out, nil
}

// UpdateLibraryRequest holds optional changes to a library.
type UpdateLibraryRequest struct {
	Name        *string
	Description *string
	MarkerGene  *string
	Public      *bool
}

// UpdateLibrary applies changes to a library u may edit.
func (s *Service) UpdateLibrary(ctx context.Context, u *auth.User, id uuid.UUID, req UpdateLibraryRequest) (*Library, error) {
	lib, err := s.loadLibrary(ctx, u, id, access.CanEdit)
	if err != nil {
		return nil, err
	}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return nil, ErrNameRequired
		}
		lib.Name = name
	}
	if req.Description != nil {
		lib.Description = *req.Description
	}
	if req.MarkerGene != nil {
		lib.MarkerGene = *req.MarkerGene
	}
	if req.Public != nil {
		lib.Public = *req.Public
	}
	if err := s.libraries.Update(ctx, lib); err != nil {
		return nil, errors.Wrap(err, "update library")
	}
	return lib, nil
}

// DeleteLibrary removes a library, its versions and their database files.
func (s *Service) DeleteLibrary(ctx context.Context, u *auth.User, id uuid.UUID) error {
	lib, err := s.loadLibrary(ctx, u, id, access.CanDelete)
	if err != nil {
		return err
	}
	versions, err := s.libraries.ListVersions(ctx, lib.ID)
	if err != nil {
		return errors.Wrap(err, "list versions")
	}
	for i := range versions {
		if err := s.builder.RemoveDatabase(lib.ID, versions[i].ID); err != nil {
			return errors.Wrapf(err, "remove database %s", versions[i].ID)
		}
	}
	if err := s.libraries.Delete(ctx, lib.ID); err != nil {
		return errors.Wrap(err, "delete library")
	}
	return nil
}

// ListShares returns the explicit permissions on a library.
func (s *Service) ListShares(ctx context.Context, u *auth.User, id uuid.UUID) ([]Share, error) {
	lib, err := s.loadLibrary(ctx, u, id, access.CanDelete)
	if err != nil {
		return nil, err
	}
	return s.libraries.ListShares(ctx, lib.ID)
}

// SetShare grants level on a library to the named user.
func (s *Service) SetShare(ctx context.Context, u *auth.User, id uuid.UUID, username string, level access.Level) (*Share, error) {
	lib, err := s.loadLibrary(ctx, u, id, access.CanDelete)
	if err != nil {
		return nil, err
	}
	grantee, err := s.users.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if lib.OwnerID != nil && *lib.OwnerID == grantee.ID {
		return nil, ErrCannotShareWithSelf
	}
	share := Share{LibraryID: lib.ID, UserID: grantee.ID, Username: grantee.Username, Level: level}
	if err := s.libraries.UpsertShare(ctx, share); err != nil {
		return nil, errors.Wrap(err, "upsert share")
	}
	return &share, nil
}

// RemoveShare revokes the named user's explicit permission.
func (s *Service) RemoveShare(ctx context.Context, u *auth.User, id uuid.UUID, username string) error {
	lib, err := s.loadLibrary(ctx, u, id, access.CanDelete)
	if err != nil {
		return err
	}
	grantee, err := s.users.GetUserByUsername(ctx, username)
	if err != nil {
		return err
	}
	return s.libraries.DeleteShare(ctx, lib.ID, grantee.ID)
}

// ListVersions returns the versions of a library visible to u.
func (s *Service) ListVersions(ctx context.Context, u *auth.User, id uuid.UUID) ([]Version, error) {
	lib, err := s.loadLibrary(ctx, u, id, nil)
	if err != nil {
		return nil, err
	}
	return s.libraries.ListVersions(ctx, lib.ID)
}

// LatestVersion returns the most recent published version of a library.
func (s *Service) LatestVersion(ctx context.Context, u *auth.User, id uuid.UUID) (*Version, error) {
	lib, err := s.loadLibrary(ctx, u, id, nil)
	if err != nil {
		return nil, err
	}
	return s.libraries.LatestPublished(ctx, lib.ID)
}

// GetVersion returns a version and its library.
func (s *Service) GetVersion(ctx context.Context, u *auth.User, id uuid.UUID) (*Version, *Library, error) {
	return s.loadVersion(ctx, u, id, nil)
}

// RunTarget returns a published version u may run BLAST searches against.
func (s *Service) RunTarget(ctx context.Context, u *auth.User, id uuid.UUID) (*Version, *Library, error) {
	v, lib, err := s.loadVersion(ctx, u, id, access.CanRun)
	if err != nil {
		return nil, nil, err
	}
	if !v.Locked {
		return nil, nil, ErrNotLocked
	}
	return v, lib, nil
}

// CanEditLibrary reports whether u may edit the library with the given id.
func (s *Service) CanEditLibrary(ctx context.Context, u *auth.User, id uuid.UUID) (bool, error) {
	_, err := s.loadLibrary(ctx, u, id, access.CanEdit)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, access.ErrForbidden), errors.Is(err, ErrNotFound):
		return false, nil
	}
	return false, err
}

// CanDeleteLibrary reports whether u may delete the library with the given id.
func (s *Service) CanDeleteLibrary(ctx context.Context, u *auth.User, id uuid.UUID) (bool, error) {
	_, err := s.loadLibrary(ctx, u, id, access.CanDelete)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, access.ErrForbidden), errors.Is(err, ErrNotFound):
		return false, nil
	}
	return false, err
}

// CreateVersionRequest holds the input for creating a draft version.
type CreateVersionRequest struct {
	// BaseID names a version whose accessions are re-fetched into the draft.
	BaseID      *uuid.UUID
	Accessions  []string
	SearchTerm  string
	Filter      sequence.Filter
	Description string
	Lock        bool
}

// CreateVersion creates a draft version of a library, populates it from
// GenBank and optionally publishes it.
func (s *Service) CreateVersion(ctx context.Context, u *auth.User, libraryID uuid.UUID, req CreateVersionRequest) (*Version, error) {
	lib, err := s.loadLibrary(ctx, u, libraryID, access.CanEdit)
	if err != nil {
		return nil, err
	}

	accessions := append([]string(nil), req.Accessions...)
	var baseSeqs []sequence.Sequence
	if req.BaseID != nil {
		base, _, err := s.loadVersion(ctx, u, *req.BaseID, nil)
		if err != nil {
			return nil, errors.Wrap(err, "load base version")
		}
		baseSeqs, err = s.sequences.ListByBlastDb(ctx, base.ID)
		if err != nil {
			return nil, errors.Wrap(err, "list base sequences")
		}
		for i := range baseSeqs {
			accessions = append(accessions, baseSeqs[i].Version)
		}
	}

	v := &Version{
		ID:          uuid.New(),
		LibraryID:   lib.ID,
		Description: req.Description,
		CreatedAt:   s.now(),
	}
	if err := s.libraries.CreateVersion(ctx, v); err != nil {
		return nil, errors.Wrap(err, "create version")
	}
	if err := s.addHistory(ctx, v, ReasonCreated, nil, nil, nil); err != nil {
		return nil, err
	}

	added, err := s.addSequences(ctx, v, accessions, req.SearchTerm, req.Filter)
	if err != nil && !errors.Is(err, ErrNothingToAdd) {
		if delErr := s.libraries.DeleteVersion(ctx, v.ID); delErr != nil {
			return nil, errors.Wrapf(err, "populate version (cleanup failed: %v)", delErr)
		}
		return nil, err
	}

	if len(baseSeqs) > 0 {
		if err := s.cloneAnnotations(ctx, baseSeqs, added); err != nil {
			return nil, err
		}
	}

	if req.Lock {
		return s.lock(ctx, v)
	}
	v.SequenceCount = len(added)
	return v, nil
}

// cloneAnnotations copies annotations from base sequences onto added
// sequences with the same accession version.
func (s *Service) cloneAnnotations(ctx context.Context, base, added []sequence.Sequence) error {
	if len(added) == 0 {
		return nil
	}
	anns, err := s.sequences.ListAnnotationsByBlastDb(ctx, base[0].BlastDbID)
	if err != nil {
		return errors.Wrap(err, "list base annotations")
	}
	bySeq := make(map[uuid.UUID][]sequence.Annotation)
	for _, a := range anns {
		bySeq[a.SequenceID] = append(bySeq[a.SequenceID], a)
	}
	baseByVersion := make(map[string]uuid.UUID, len(base))
	for i := range base {
		baseByVersion[base[i].Version] = base[i].ID
	}

	var clones []sequence.Annotation
	for i := range added {
		oldID, ok := baseByVersion[added[i].Version]
		if !ok {
			continue
		}
		for _, a := range bySeq[oldID] {
			a.ID = uuid.New()
			a.SequenceID = added[i].ID
			clones = append(clones, a)
		}
	}
	if len(clones) == 0 {
		return nil
	}
	if err := s.sequences.CreateAnnotations(ctx, clones); err != nil {
		return errors.Wrap(err, "clone annotations")
	}
	return nil
}

// UpdateVersion changes the description of a draft version.
func (s *Service) UpdateVersion(ctx context.Context, u *auth.User, id uuid.UUID, description string) (*Version, error) {
	v, _, err := s.loadDraft(ctx, u, id)
	if err != nil {
		return nil, err
	}
	v.Description = description
	if err := s.libraries.UpdateVersion(ctx, v); err != nil {
		return nil, errors.Wrap(err, "update version")
	}
	if err := s.addHistory(ctx, v, ReasonEdited, nil, nil, nil); err != nil {
		return nil, err
	}
	return v, nil
}

// DeleteVersion removes a version and its database files. Drafts may be
// deleted by editors, published versions only by owners.
func (s *Service) DeleteVersion(ctx context.Context, u *auth.User, id uuid.UUID) error {
	v, lib, err := s.loadVersion(ctx, u, id, access.CanEdit)
	if err != nil {
		return err
	}
	if v.Locked && !access.CanDelete(u, lib.Subject()) {
		return access.ErrForbidden
	}
	if err := s.builder.RemoveDatabase(lib.ID, v.ID); err != nil {
		return errors.Wrap(err, "remove database files")
	}
	if err := s.libraries.DeleteVersion(ctx, v.ID); err != nil {
		return errors.Wrap(err, "delete version")
	}
	return nil
}

// LockVersion publishes a draft: it is numbered relative to the latest
// published version, its BLAST database is built and it becomes immutable.
func (s *Service) LockVersion(ctx context.Context, u *auth.User, id uuid.UUID) (*Version, error) {
	v, _, err := s.loadDraft(ctx, u, id)
	if err != nil {
		return nil, err
	}
	return s.lock(ctx, v)
}

func (s *Service) lock(ctx context.Context, v *Version) (*Version, error) {
	locked, err := s.libraries.PublishVersion(ctx, v.ID, s.publish)
	if err != nil {
		return nil, err
	}
	if err := s.addHistory(ctx, locked, ReasonLocked, nil, nil, nil); err != nil {
		return nil, err
	}
	return locked, nil
}

// publish builds the BLAST database of a draft and numbers it relative to
// the latest published version.
func (s *Service) publish(ctx context.Context, v *Version) error {
	current, err := s.sequences.ListByBlastDb(ctx, v.ID)
	if err != nil {
		return errors.Wrap(err, "list sequences")
	}
	if len(current) == 0 {
		return ErrEmptyVersion
	}

	last, err := s.libraries.LatestPublished(ctx, v.LibraryID)
	switch {
	case errors.Is(err, ErrNoPublishedVersion):
		last = nil
	case err != nil:
		return errors.Wrap(err, "latest published version")
	}

	var summary sequence.UpdateSummary
	if last != nil {
		previous, err := s.sequences.ListByBlastDb(ctx, last.ID)
		if err != nil {
			return errors.Wrap(err, "list published sequences")
		}
		summary = sequence.Compare(previous, current)
	}

	if err := s.builder.BuildDatabase(ctx, v.LibraryID, v.ID, current); err != nil {
		return errors.Wrap(err, "build blast database")
	}

	v.GenBankVersion, v.MajorVersion, v.MinorVersion = NextVersion(last, summary)
	v.SequenceCount = len(current)
	return nil
}

// History returns the change log of a version.
func (s *Service) History(ctx context.Context, u *auth.User, id uuid.UUID) ([]History, error) {
	v, _, err := s.loadVersion(ctx, u, id, nil)
	if err != nil {
		return nil, err
	}
	return s.libraries.ListHistory(ctx, v.ID)
}
