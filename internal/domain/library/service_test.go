package library

import (
	"cmp"
	"context"
	"slices"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/barcode-identifier/barrel/internal/domain/access"
	"github.com/barcode-identifier/barrel/internal/domain/auth"
	"github.com/barcode-identifier/barrel/internal/domain/sequence"
)

// --- Mock implementations ---

type shareKey struct{ library, user uuid.UUID }

type mockLibraryRepo struct {
	libraries map[uuid.UUID]Library
	shares    map[shareKey]Share
	versions  map[uuid.UUID]Version
	history   []History
}

func newMockLibraryRepo() *mockLibraryRepo {
	return &mockLibraryRepo{
		libraries: map[uuid.UUID]Library{},
		shares:    map[shareKey]Share{},
		versions:  map[uuid.UUID]Version{},
	}
}

func (m *mockLibraryRepo) withShare(l Library, viewer *uuid.UUID) *Library {
	if viewer != nil {
		if sh, ok := m.shares[shareKey{l.ID, *viewer}]; ok {
			l.ViewerShare = sh.Level
		}
	}
	return &l
}

func (m *mockLibraryRepo) Create(_ context.Context, l *Library) error {
	m.libraries[l.ID] = *l
	return nil
}

func (m *mockLibraryRepo) Get(_ context.Context, id uuid.UUID, viewer *uuid.UUID) (*Library, error) {
	l, ok := m.libraries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m.withShare(l, viewer), nil
}

func (m *mockLibraryRepo) Update(_ context.Context, l *Library) error {
	m.libraries[l.ID] = *l
	return nil
}

func (m *mockLibraryRepo) Delete(_ context.Context, id uuid.UUID) error {
	delete(m.libraries, id)
	for vid, v := range m.versions {
		if v.LibraryID == id {
			delete(m.versions, vid)
		}
	}
	return nil
}

func (m *mockLibraryRepo) List(_ context.Context, viewer *uuid.UUID) ([]Library, error) {
	var out []Library
	for _, l := range m.libraries {
		out = append(out, *m.withShare(l, viewer))
	}
	slices.SortFunc(out, func(a, b Library) int { return cmp.Compare(a.Name, b.Name) })
	return out, nil
}

func (m *mockLibraryRepo) ListShares(_ context.Context, libraryID uuid.UUID) ([]Share, error) {
	var out []Share
	for k, s := range m.shares {
		if k.library == libraryID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *mockLibraryRepo) UpsertShare(_ context.Context, s Share) error {
	m.shares[shareKey{s.LibraryID, s.UserID}] = s
	return nil
}

func (m *mockLibraryRepo) DeleteShare(_ context.Context, libraryID, userID uuid.UUID) error {
	delete(m.shares, shareKey{libraryID, userID})
	return nil
}

func (m *mockLibraryRepo) CreateVersion(_ context.Context, v *Version) error {
	m.versions[v.ID] = *v
	return nil
}

func (m *mockLibraryRepo) GetVersion(_ context.Context, id uuid.UUID) (*Version, error) {
	v, ok := m.versions[id]
	if !ok {
		return nil, ErrVersionNotFound
	}
	return &v, nil
}

func (m *mockLibraryRepo) UpdateVersion(_ context.Context, v *Version) error {
	if m.versions[v.ID].Locked {
		return ErrLocked
	}
	m.versions[v.ID] = *v
	return nil
}

func (m *mockLibraryRepo) PublishVersion(ctx context.Context, id uuid.UUID, publish func(context.Context, *Version) error) (*Version, error) {
	v, ok := m.versions[id]
	if !ok {
		return nil, ErrVersionNotFound
	}
	if v.Locked {
		return nil, ErrLocked
	}
	if err := publish(ctx, &v); err != nil {
		return nil, err
	}
	v.Locked = true
	m.versions[id] = v
	return &v, nil
}

func (m *mockLibraryRepo) locked(id uuid.UUID) bool {
	return m.versions[id].Locked
}

func (m *mockLibraryRepo) DeleteVersion(_ context.Context, id uuid.UUID) error {
	delete(m.versions, id)
	return nil
}

func (m *mockLibraryRepo) ListVersions(_ context.Context, libraryID uuid.UUID) ([]Version, error) {
	var out []Version
	for _, v := range m.versions {
		if v.LibraryID == libraryID {
			out = append(out, v)
		}
	}
	return out, nil
}

func (m *mockLibraryRepo) LatestPublished(ctx context.Context, libraryID uuid.UUID) (*Version, error) {
	all, _ := m.ListVersions(ctx, libraryID)
	var best *Version
	for i := range all {
		v := &all[i]
		if !v.Locked {
			continue
		}
		if best == nil || cmp.Or(
			cmp.Compare(v.GenBankVersion, best.GenBankVersion),
			cmp.Compare(v.MajorVersion, best.MajorVersion),
			cmp.Compare(v.MinorVersion, best.MinorVersion),
		) > 0 {
			best = v
		}
	}
	if best == nil {
		return nil, ErrNoPublishedVersion
	}
	return best, nil
}

func (m *mockLibraryRepo) AddHistory(_ context.Context, h *History) error {
	m.history = append(m.history, *h)
	return nil
}

func (m *mockLibraryRepo) ListHistory(_ context.Context, blastdbID uuid.UUID) ([]History, error) {
	var out []History
	for _, h := range m.history {
		if h.BlastDbID == blastdbID {
			out = append(out, h)
		}
	}
	return out, nil
}

type mockSequenceRepo struct {
	seqs        []sequence.Sequence
	annotations []sequence.Annotation
	taxonomy    map[int64]sequence.TaxonomyNode
	// locked reports published versions, which reject writes.
	locked func(blastdbID uuid.UUID) bool
}

func (m *mockSequenceRepo) checkDrafts(seqs []sequence.Sequence) error {
	for _, s := range seqs {
		if m.locked != nil && m.locked(s.BlastDbID) {
			return ErrLocked
		}
	}
	return nil
}

func newMockSequenceRepo() *mockSequenceRepo {
	return &mockSequenceRepo{taxonomy: map[int64]sequence.TaxonomyNode{}}
}

func (m *mockSequenceRepo) Get(_ context.Context, id uuid.UUID) (*sequence.Sequence, error) {
	for i := range m.seqs {
		if m.seqs[i].ID == id {
			s := m.seqs[i]
			return &s, nil
		}
	}
	return nil, sequence.ErrNotFound
}

func (m *mockSequenceRepo) ListByBlastDb(_ context.Context, blastdbID uuid.UUID) ([]sequence.Sequence, error) {
	var out []sequence.Sequence
	for _, s := range m.seqs {
		if s.BlastDbID == blastdbID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *mockSequenceRepo) ListByVersions(ctx context.Context, blastdbID uuid.UUID, versions []string) ([]sequence.Sequence, error) {
	all, _ := m.ListByBlastDb(ctx, blastdbID)
	var out []sequence.Sequence
	for _, s := range all {
		if slices.Contains(versions, s.Version) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *mockSequenceRepo) Create(_ context.Context, seqs []sequence.Sequence) error {
	if err := m.checkDrafts(seqs); err != nil {
		return err
	}
	m.seqs = append(m.seqs, seqs...)
	return nil
}

func (m *mockSequenceRepo) Update(_ context.Context, seqs []sequence.Sequence) error {
	if err := m.checkDrafts(seqs); err != nil {
		return err
	}
	for _, s := range seqs {
		for i := range m.seqs {
			if m.seqs[i].ID == s.ID {
				m.seqs[i] = s
			}
		}
	}
	return nil
}

func (m *mockSequenceRepo) Delete(_ context.Context, ids []uuid.UUID) error {
	var targets []sequence.Sequence
	for _, s := range m.seqs {
		if slices.Contains(ids, s.ID) {
			targets = append(targets, s)
		}
	}
	if err := m.checkDrafts(targets); err != nil {
		return err
	}
	m.seqs = slices.DeleteFunc(m.seqs, func(s sequence.Sequence) bool {
		return slices.Contains(ids, s.ID)
	})
	return nil
}

func (m *mockSequenceRepo) SaveTaxonomy(_ context.Context, nodes []sequence.TaxonomyNode) error {
	for _, n := range nodes {
		m.taxonomy[n.ID] = n
	}
	return nil
}

func (m *mockSequenceRepo) ListAnnotations(_ context.Context, sequenceID uuid.UUID) ([]sequence.Annotation, error) {
	var out []sequence.Annotation
	for _, a := range m.annotations {
		if a.SequenceID == sequenceID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *mockSequenceRepo) ListAnnotationsByBlastDb(_ context.Context, blastdbID uuid.UUID) ([]sequence.Annotation, error) {
	ids := map[uuid.UUID]bool{}
	for _, s := range m.seqs {
		if s.BlastDbID == blastdbID {
			ids[s.ID] = true
		}
	}
	var out []sequence.Annotation
	for _, a := range m.annotations {
		if ids[a.SequenceID] {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *mockSequenceRepo) CreateAnnotations(_ context.Context, anns []sequence.Annotation) error {
	m.annotations = append(m.annotations, anns...)
	return nil
}

// mockFetcher serves records keyed by accession number.
type mockFetcher struct {
	records map[string]sequence.Sequence
	terms   map[string][]string
	err     error
	onFetch func()
}

func (m *mockFetcher) Fetch(_ context.Context, req FetchRequest) ([]sequence.Sequence, error) {
	if m.err != nil {
		return nil, m.err
	}
	if m.onFetch != nil {
		m.onFetch()
	}
	accessions := append([]string(nil), req.Accessions...)
	accessions = append(accessions, m.terms[req.Term]...)
	var out []sequence.Sequence
	for _, a := range accessions {
		found := false
		for _, r := range m.records {
			if r.AccessionNumber == a || r.Version == a {
				out = append(out, r)
				found = true
				break
			}
		}
		if !found && req.RaiseIfMissing {
			return nil, errors.Errorf("missing %s", a)
		}
	}
	return out, nil
}

func (m *mockFetcher) ResolveTaxonomy(_ context.Context, seqs []sequence.Sequence) ([]sequence.TaxonomyNode, error) {
	var nodes []sequence.TaxonomyNode
	for i := range seqs {
		n := sequence.TaxonomyNode{ID: seqs[i].TaxID, Rank: sequence.RankSpecies, ScientificName: seqs[i].Organism}
		seqs[i].Taxa = sequence.Taxa{sequence.RankSpecies: n}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

type mockBuilder struct {
	built   []uuid.UUID
	removed []uuid.UUID
	err     error
}

func (m *mockBuilder) BuildDatabase(_ context.Context, _, blastdbID uuid.UUID, _ []sequence.Sequence) error {
	if m.err != nil {
		return m.err
	}
	m.built = append(m.built, blastdbID)
	return nil
}

func (m *mockBuilder) RemoveDatabase(_, blastdbID uuid.UUID) error {
	m.removed = append(m.removed, blastdbID)
	return nil
}

type mockUsers map[string]*auth.User

func (m mockUsers) GetUserByUsername(_ context.Context, username string) (*auth.User, error) {
	u, ok := m[username]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return u, nil
}

// --- Helpers ---

type fixture struct {
	svc       *Service
	libraries *mockLibraryRepo
	sequences *mockSequenceRepo
	fetcher   *mockFetcher
	builder   *mockBuilder

	owner, staff, other *auth.User
}

func record(accession, version, organism, dna string) sequence.Sequence {
	return sequence.Sequence{
		AccessionNumber: accession,
		Version:         version,
		Definition:      organism + " cytochrome oxidase subunit I",
		Organism:        organism,
		DNASequence:     dna,
		TaxID:           int64(len(accession)),
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	owner := &auth.User{ID: uuid.New(), Username: "owner", IsStaff: true}
	f := &fixture{
		libraries: newMockLibraryRepo(),
		sequences: newMockSequenceRepo(),
		fetcher: &mockFetcher{records: map[string]sequence.Sequence{
			"MN1": record("MN1", "MN1.1", "Salmo trutta", "ACGTACGTAC"),
			"MN2": record("MN2", "MN2.1", "Salmo salar", "ACGTACGTAT"),
			"MN3": record("MN3", "MN3.1", "Salmo sp.", "ACGTNNGTAT"),
		}},
		builder: &mockBuilder{},
		owner:   owner,
		staff:   &auth.User{ID: uuid.New(), Username: "staff", IsStaff: true},
		other:   &auth.User{ID: uuid.New(), Username: "other"},
	}
	f.sequences.locked = f.libraries.locked
	users := mockUsers{"owner": f.owner, "staff": f.staff, "other": f.other}
	f.svc = NewService(f.libraries, f.sequences, users, f.fetcher, f.builder)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return now }
	return f
}

func (f *fixture) library(t *testing.T, public bool) *Library {
	t.Helper()
	lib, err := f.svc.CreateLibrary(context.Background(), f.owner, CreateLibraryRequest{Name: "Fish COI", Public: public})
	require.NoError(t, err)
	return lib
}

func (f *fixture) version(t *testing.T, lib *Library, req CreateVersionRequest) *Version {
	t.Helper()
	v, err := f.svc.CreateVersion(context.Background(), f.owner, lib.ID, req)
	require.NoError(t, err)
	return v
}

// --- Tests ---

func TestNextVersion(t *testing.T) {
	last := &Version{GenBankVersion: 2, MajorVersion: 3, MinorVersion: 4}
	tests := []struct {
		name    string
		last    *Version
		summary sequence.UpdateSummary
		want    [3]int16
	}{
		{name: "First", want: [3]int16{1, 0, 0}},
		{name: "Added", last: last, summary: sequence.UpdateSummary{Added: []string{"A"}}, want: [3]int16{3, 0, 0}},
		{name: "Deleted", last: last, summary: sequence.UpdateSummary{Deleted: []string{"A"}}, want: [3]int16{3, 0, 0}},
		{name: "VersionChanged", last: last, summary: sequence.UpdateSummary{AccessionVersionChanged: []string{"A"}}, want: [3]int16{3, 0, 0}},
		{name: "Metadata", last: last, summary: sequence.UpdateSummary{MetadataChanged: []string{"A"}}, want: [3]int16{2, 4, 0}},
		{name: "NoChange", last: last, summary: sequence.UpdateSummary{NoChange: []string{"A"}}, want: [3]int16{2, 3, 5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, m, n := NextVersion(tt.last, tt.summary)
			assert.Equal(t, tt.want, [3]int16{g, m, n})
		})
	}
}

func TestCreateLibrary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateLibrary(ctx, f.other, CreateLibraryRequest{Name: "x"})
	require.ErrorIs(t, err, access.ErrForbidden)

	_, err = f.svc.CreateLibrary(ctx, f.owner, CreateLibraryRequest{Name: "  "})
	require.ErrorIs(t, err, ErrNameRequired)

	lib, err := f.svc.CreateLibrary(ctx, f.owner, CreateLibraryRequest{Name: " Fish COI "})
	require.NoError(t, err)
	assert.Equal(t, "Fish COI", lib.Name)
	assert.Equal(t, f.owner.ID, *lib.OwnerID)
}

func TestLibraryVisibility(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	private := f.library(t, false)
	public := f.library(t, true)

	_, err := f.svc.GetLibrary(ctx, f.other, private.ID)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = f.svc.GetLibrary(ctx, nil, public.ID)
	require.NoError(t, err)

	_, err = f.svc.SetShare(ctx, f.owner, public.ID, "other", access.LevelDeny)
	require.NoError(t, err)
	_, err = f.svc.GetLibrary(ctx, f.other, public.ID)
	require.ErrorIs(t, err, ErrNotFound)

	libs, err := f.svc.ListLibraries(ctx, f.other)
	require.NoError(t, err)
	assert.Empty(t, libs)

	libs, err = f.svc.ListLibraries(ctx, nil)
	require.NoError(t, err)
	require.Len(t, libs, 1)
	assert.Equal(t, public.ID, libs[0].ID)
}

func TestUpdateLibrary_Permissions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lib := f.library(t, false)
	name := "Renamed"

	_, err := f.svc.SetShare(ctx, f.owner, lib.ID, "other", access.LevelView)
	require.NoError(t, err)
	_, err = f.svc.UpdateLibrary(ctx, f.other, lib.ID, UpdateLibraryRequest{Name: &name})
	require.ErrorIs(t, err, access.ErrForbidden)

	_, err = f.svc.SetShare(ctx, f.owner, lib.ID, "other", access.LevelEdit)
	require.NoError(t, err)
	got, err := f.svc.UpdateLibrary(ctx, f.other, lib.ID, UpdateLibraryRequest{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Name)

	ids, err := f.svc.EditableLibraryIDs(ctx, f.other)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{lib.ID}, ids)

	err = f.svc.DeleteLibrary(ctx, f.other, lib.ID)
	require.ErrorIs(t, err, access.ErrForbidden)
}

func TestSetShare_Owner(t *testing.T) {
	f := newFixture(t)
	lib := f.library(t, false)

	_, err := f.svc.SetShare(context.Background(), f.owner, lib.ID, "owner", access.LevelView)
	require.ErrorIs(t, err, ErrCannotShareWithSelf)

	_, err = f.svc.SetShare(context.Background(), f.owner, lib.ID, "ghost", access.LevelView)
	require.ErrorIs(t, err, auth.ErrNotFound)
}

func TestLockVersion_Numbering(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lib := f.library(t, true)

	v1 := f.version(t, lib, CreateVersionRequest{Accessions: []string{"MN1", "MN2"}, Lock: true})
	assert.Equal(t, "1.0.0", v1.Number())
	assert.True(t, v1.Locked)
	assert.Equal(t, 2, v1.SequenceCount)
	assert.Contains(t, f.builder.built, v1.ID)

	v2 := f.version(t, lib, CreateVersionRequest{BaseID: &v1.ID, Lock: true})
	assert.Equal(t, "1.0.1", v2.Number())

	rec := f.fetcher.records["MN2"]
	rec.Country = "Norway"
	f.fetcher.records["MN2"] = rec
	v3 := f.version(t, lib, CreateVersionRequest{BaseID: &v2.ID, Lock: true})
	assert.Equal(t, "1.1.0", v3.Number())

	v4 := f.version(t, lib, CreateVersionRequest{BaseID: &v3.ID, Accessions: []string{"MN3"}, Lock: true})
	assert.Equal(t, "2.0.0", v4.Number())

	latest, err := f.svc.LatestVersion(ctx, nil, lib.ID)
	require.NoError(t, err)
	assert.Equal(t, v4.ID, latest.ID)

	_, err = f.svc.LockVersion(ctx, f.owner, v4.ID)
	require.ErrorIs(t, err, ErrLocked)
}

func TestLockVersion_StaleDraft(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lib := f.library(t, false)
	v := f.version(t, lib, CreateVersionRequest{Accessions: []string{"MN1"}})
	stale := *v

	_, err := f.svc.LockVersion(ctx, f.owner, v.ID)
	require.NoError(t, err)

	// A second lock that loaded the draft before the first one committed.
	_, err = f.svc.lock(ctx, &stale)
	require.ErrorIs(t, err, ErrLocked)
	assert.Len(t, f.builder.built, 1)
}

func TestAddSequences_LockedWhileFetching(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lib := f.library(t, false)
	v := f.version(t, lib, CreateVersionRequest{Accessions: []string{"MN1"}})

	f.fetcher.onFetch = func() {
		f.fetcher.onFetch = nil
		_, err := f.svc.LockVersion(ctx, f.owner, v.ID)
		require.NoError(t, err)
	}
	_, err := f.svc.AddSequences(ctx, f.owner, v.ID, AddSequencesRequest{Accessions: []string{"MN2"}})
	require.ErrorIs(t, err, ErrLocked)

	seqs, err := f.sequences.ListByBlastDb(ctx, v.ID)
	require.NoError(t, err)
	require.Len(t, seqs, 1)
	assert.Equal(t, "MN1", seqs[0].AccessionNumber)
}

func TestLockVersion_Empty(t *testing.T) {
	f := newFixture(t)
	lib := f.library(t, false)
	v := f.version(t, lib, CreateVersionRequest{})
	assert.False(t, v.Locked)

	_, err := f.svc.LockVersion(context.Background(), f.owner, v.ID)
	require.ErrorIs(t, err, ErrEmptyVersion)
	assert.Empty(t, f.builder.built)
}

func TestLockVersion_BuildFailureKeepsDraft(t *testing.T) {
	f := newFixture(t)
	lib := f.library(t, false)
	v := f.version(t, lib, CreateVersionRequest{Accessions: []string{"MN1"}})

	f.builder.err = errors.New("makeblastdb: exit status 1")
	_, err := f.svc.LockVersion(context.Background(), f.owner, v.ID)
	require.Error(t, err)

	got, err := f.svc.libraries.GetVersion(context.Background(), v.ID)
	require.NoError(t, err)
	assert.False(t, got.Locked)
}

func TestCreateVersion_FetchFailureRemovesDraft(t *testing.T) {
	f := newFixture(t)
	lib := f.library(t, false)
	f.fetcher.err = errors.New("ncbi down")

	_, err := f.svc.CreateVersion(context.Background(), f.owner, lib.ID, CreateVersionRequest{Accessions: []string{"MN1"}})
	require.Error(t, err)
	assert.Empty(t, f.libraries.versions)
}

func TestCreateVersion_ClonesAnnotations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lib := f.library(t, false)
	v1 := f.version(t, lib, CreateVersionRequest{Accessions: []string{"MN1"}, Lock: true})

	seqs, err := f.svc.ListSequences(ctx, f.owner, v1.ID)
	require.NoError(t, err)
	require.Len(t, seqs, 1)
	_, err = f.svc.Annotate(ctx, f.owner, seqs[0].ID, sequence.AnnotationMisidentification, "looks like S. salar")
	require.NoError(t, err)

	v2 := f.version(t, lib, CreateVersionRequest{BaseID: &v1.ID})
	seqs, err = f.svc.ListSequences(ctx, f.owner, v2.ID)
	require.NoError(t, err)
	require.Len(t, seqs, 1)

	_, anns, err := f.svc.GetSequence(ctx, f.owner, seqs[0].ID)
	require.NoError(t, err)
	require.Len(t, anns, 1)
	assert.Equal(t, "looks like S. salar", anns[0].Comment)
}

func TestAddSequences(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lib := f.library(t, false)
	v := f.version(t, lib, CreateVersionRequest{Accessions: []string{"MN1"}})

	_, err := f.svc.AddSequences(ctx, f.owner, v.ID, AddSequencesRequest{Accessions: []string{"MN1.1"}})
	var exists *AccessionsAlreadyExistError
	require.ErrorAs(t, err, &exists)
	assert.Equal(t, []string{"MN1.1"}, exists.Accessions)

	_, err = f.svc.AddSequences(ctx, f.owner, v.ID, AddSequencesRequest{})
	require.ErrorIs(t, err, ErrNothingToAdd)

	maxN := 1
	added, err := f.svc.AddSequences(ctx, f.owner, v.ID, AddSequencesRequest{
		Accessions: []string{"MN2", "MN3"},
		Filter:     sequence.Filter{MaxAmbiguousBases: &maxN},
	})
	require.NoError(t, err)
	require.Len(t, added, 1)
	assert.Equal(t, "MN2.1", added[0].Version)
	assert.Equal(t, sequence.SourceGenBank, added[0].Source)
	assert.Equal(t, v.ID, added[0].BlastDbID)

	history, err := f.svc.History(ctx, f.owner, v.ID)
	require.NoError(t, err)
	assert.Equal(t, ReasonAdded, history[len(history)-1].Reason)
	assert.Equal(t, []string{"MN2.1"}, history[len(history)-1].Added)
}

func TestAddSequences_SearchTermSkipsExisting(t *testing.T) {
	f := newFixture(t)
	lib := f.library(t, false)
	v := f.version(t, lib, CreateVersionRequest{Accessions: []string{"MN1"}})
	f.fetcher.terms = map[string][]string{"Salmo[ORGN]": {"MN1", "MN3"}}

	added, err := f.svc.AddSequences(context.Background(), f.owner, v.ID, AddSequencesRequest{SearchTerm: "Salmo[ORGN]"})
	require.NoError(t, err)
	require.Len(t, added, 1)
	assert.Equal(t, "MN3", added[0].AccessionNumber)

	// MN3 is "Salmo sp." and gets flagged automatically.
	anns, err := f.svc.ListAnnotations(context.Background(), f.owner, added[0].ID)
	require.NoError(t, err)
	require.NotEmpty(t, anns)
	assert.Equal(t, sequence.AnnotationUnresolvedTaxonomy, anns[0].Type)
	assert.Nil(t, anns[0].PosterID)
}

func TestSequenceChanges_RejectedWhenLocked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lib := f.library(t, false)
	v := f.version(t, lib, CreateVersionRequest{Accessions: []string{"MN1"}, Lock: true})

	_, err := f.svc.AddSequences(ctx, f.owner, v.ID, AddSequencesRequest{Accessions: []string{"MN2"}})
	require.ErrorIs(t, err, ErrLocked)
	_, err = f.svc.DeleteSequences(ctx, f.owner, v.ID, []string{"MN1"})
	require.ErrorIs(t, err, ErrLocked)
	_, err = f.svc.RefreshSequences(ctx, f.owner, v.ID, nil)
	require.ErrorIs(t, err, ErrLocked)
	_, err = f.svc.UpdateVersion(ctx, f.owner, v.ID, "new")
	require.ErrorIs(t, err, ErrLocked)
}

func TestDeleteSequences(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lib := f.library(t, false)
	v := f.version(t, lib, CreateVersionRequest{Accessions: []string{"MN1", "MN2"}})

	_, err := f.svc.DeleteSequences(ctx, f.owner, v.ID, []string{"MN9"})
	var missing *AccessionsNotFoundError
	require.ErrorAs(t, err, &missing)

	_, err = f.svc.DeleteSequences(ctx, f.owner, v.ID, nil)
	require.ErrorIs(t, err, ErrNoAccessions)

	n, err := f.svc.DeleteSequences(ctx, f.owner, v.ID, []string{"MN1", "MN1.1"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	seqs, err := f.svc.ListSequences(ctx, f.owner, v.ID)
	require.NoError(t, err)
	require.Len(t, seqs, 1)
	assert.Equal(t, "MN2", seqs[0].AccessionNumber)
}

func TestRefreshSequences(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lib := f.library(t, false)
	v := f.version(t, lib, CreateVersionRequest{Accessions: []string{"MN1", "MN2", "MN3"}})

	rec := f.fetcher.records["MN1"]
	rec.Version = "MN1.2"
	f.fetcher.records["MN1"] = rec
	rec = f.fetcher.records["MN2"]
	rec.Isolate = "B12"
	f.fetcher.records["MN2"] = rec
	delete(f.fetcher.records, "MN3")

	summary, err := f.svc.RefreshSequences(ctx, f.owner, v.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"MN1"}, summary.AccessionVersionChanged)
	assert.Equal(t, []string{"MN2"}, summary.MetadataChanged)
	assert.Equal(t, []string{"MN3"}, summary.Deleted)
	assert.Empty(t, summary.Added)

	seqs, err := f.svc.ListSequences(ctx, f.owner, v.ID)
	require.NoError(t, err)
	require.Len(t, seqs, 2)
	byAcc := map[string]sequence.Sequence{}
	for _, s := range seqs {
		byAcc[s.AccessionNumber] = s
	}
	assert.Equal(t, "MN1.2", byAcc["MN1"].Version)
	assert.Equal(t, "B12", byAcc["MN2"].Isolate)
}

func TestFilterSequences(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lib := f.library(t, false)
	v := f.version(t, lib, CreateVersionRequest{Accessions: []string{"MN1", "MN2", "MN3"}})

	removed, err := f.svc.FilterSequences(ctx, f.owner, v.ID, sequence.Filter{Blacklist: []string{"MN2.1"}})
	require.NoError(t, err)
	require.Len(t, removed, 1)
	assert.Equal(t, "MN2", removed[0].AccessionNumber)

	history, err := f.svc.History(ctx, f.owner, v.ID)
	require.NoError(t, err)
	last := history[len(history)-1]
	assert.Equal(t, ReasonFiltered, last.Reason)
	assert.Equal(t, []string{"MN2.1"}, last.Deleted)
	assert.Equal(t, []string{"Remove using blacklist MN2.1"}, last.SearchTerms)
}

func TestImportSequences(t *testing.T) {
	f := newFixture(t)
	lib := f.library(t, false)
	v := f.version(t, lib, CreateVersionRequest{})

	added, err := f.svc.ImportSequences(context.Background(), f.owner, v.ID, []sequence.Sequence{
		record("LOCAL1", "LOCAL1.1", "Salmo trutta", "ACGT"),
	})
	require.NoError(t, err)
	require.Len(t, added, 1)
	assert.Equal(t, sequence.SourceImported, added[0].Source)
}

func TestDeleteVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lib := f.library(t, false)
	published := f.version(t, lib, CreateVersionRequest{Accessions: []string{"MN1"}, Lock: true})
	draft := f.version(t, lib, CreateVersionRequest{Accessions: []string{"MN2"}})

	_, err := f.svc.SetShare(ctx, f.owner, lib.ID, "other", access.LevelEdit)
	require.NoError(t, err)

	require.ErrorIs(t, f.svc.DeleteVersion(ctx, f.other, published.ID), access.ErrForbidden)
	require.NoError(t, f.svc.DeleteVersion(ctx, f.other, draft.ID))
	require.NoError(t, f.svc.DeleteVersion(ctx, f.owner, published.ID))
	assert.ElementsMatch(t, []uuid.UUID{draft.ID, published.ID}, f.builder.removed)
}

func TestRunTarget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lib := f.library(t, false)
	draft := f.version(t, lib, CreateVersionRequest{Accessions: []string{"MN1"}})

	_, _, err := f.svc.RunTarget(ctx, f.owner, draft.ID)
	require.ErrorIs(t, err, ErrNotLocked)

	published, err := f.svc.LockVersion(ctx, f.owner, draft.ID)
	require.NoError(t, err)

	_, _, err = f.svc.RunTarget(ctx, f.other, published.ID)
	require.ErrorIs(t, err, ErrVersionNotFound)

	_, err = f.svc.SetShare(ctx, f.owner, lib.ID, "other", access.LevelRun)
	require.NoError(t, err)
	v, _, err := f.svc.RunTarget(ctx, f.other, published.ID)
	require.NoError(t, err)
	assert.Equal(t, published.ID, v.ID)
}

func TestAnnotate_RequiresUser(t *testing.T) {
	f := newFixture(t)
	lib := f.library(t, true)
	v := f.version(t, lib, CreateVersionRequest{Accessions: []string{"MN1"}})
	seqs, err := f.svc.ListSequences(context.Background(), nil, v.ID)
	require.NoError(t, err)
	require.Len(t, seqs, 1)

	_, err = f.svc.Annotate(context.Background(), nil, seqs[0].ID, sequence.AnnotationOther, "x")
	require.ErrorIs(t, err, auth.ErrUnauthorized)

	a, err := f.svc.Annotate(context.Background(), f.other, seqs[0].ID, sequence.AnnotationOther, "x")
	require.NoError(t, err)
	assert.Equal(t, "other", a.PosterName)
}
