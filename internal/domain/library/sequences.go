package library

import (
	"context"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/barcode-identifier/barrel/internal/domain/auth"
	"github.com/barcode-identifier/barrel/internal/domain/sequence"
)

// AddSequencesRequest selects GenBank records to add to a draft.
type AddSequencesRequest struct {
	Accessions []string
	SearchTerm string
	Filter     sequence.Filter
}

// ListSequences returns the sequences of a version visible to u.
func (s *Service) ListSequences(ctx context.Context, u *auth.User, id uuid.UUID) ([]sequence.Sequence, error) {
	v, _, err := s.loadVersion(ctx, u, id, nil)
	if err != nil {
		return nil, err
	}
	return s.sequences.ListByBlastDb(ctx, v.ID)
}

// Export returns a version and its sequences for download.
func (s *Service) Export(ctx context.Context, u *auth.User, id uuid.UUID) (*Version, []sequence.Sequence, error) {
	v, _, err := s.loadVersion(ctx, u, id, nil)
	if err != nil {
		return nil, nil, err
	}
	seqs, err := s.sequences.ListByBlastDb(ctx, v.ID)
	if err != nil {
		return nil, nil, errors.Wrap(err, "list sequences")
	}
	return v, seqs, nil
}

// AddSequences fetches accessions and search results from GenBank into a
// draft version. Accessions already in the version are rejected.
func (s *Service) AddSequences(ctx context.Context, u *auth.User, id uuid.UUID, req AddSequencesRequest) ([]sequence.Sequence, error) {
	v, _, err := s.loadDraft(ctx, u, id)
	if err != nil {
		return nil, err
	}
	existing, err := s.sequences.ListByBlastDb(ctx, v.ID)
	if err != nil {
		return nil, errors.Wrap(err, "list sequences")
	}
	if conflicts := conflictingAccessions(existing, req.Accessions); len(conflicts) > 0 {
		return nil, &AccessionsAlreadyExistError{Accessions: conflicts}
	}
	return s.addSequences(ctx, v, req.Accessions, req.SearchTerm, req.Filter)
}

func conflictingAccessions(existing []sequence.Sequence, requested []string) []string {
	present := make(map[string]struct{}, 2*len(existing))
	for i := range existing {
		present[existing[i].AccessionNumber] = struct{}{}
		present[existing[i].Version] = struct{}{}
	}
	var out []string
	for _, a := range requested {
		if _, ok := present[strings.TrimSpace(a)]; ok {
			out = append(out, a)
		}
	}
	return out
}

// addSequences fetches, filters and stores records in v. Records whose
// accession is already present are skipped.
func (s *Service) addSequences(ctx context.Context, v *Version, accessions []string, term string, filter sequence.Filter) ([]sequence.Sequence, error) {
	if len(accessions) == 0 && strings.TrimSpace(term) == "" {
		return nil, ErrNothingToAdd
	}
	fetched, err := s.fetcher.Fetch(ctx, FetchRequest{Accessions: accessions, Term: term, RaiseIfMissing: true})
	if err != nil {
		return nil, err
	}

	existing, err := s.sequences.ListByBlastDb(ctx, v.ID)
	if err != nil {
		return nil, errors.Wrap(err, "list sequences")
	}
	present := make(map[string]struct{}, len(existing))
	for i := range existing {
		present[existing[i].AccessionNumber] = struct{}{}
	}
	fresh := fetched[:0]
	for i := range fetched {
		if _, ok := present[fetched[i].AccessionNumber]; ok {
			continue
		}
		present[fetched[i].AccessionNumber] = struct{}{}
		fresh = append(fresh, fetched[i])
	}

	var terms []string
	if term != "" {
		terms = []string{term}
	}
	return s.store(ctx, v, fresh, filter, sequence.SourceGenBank, ReasonAdded, terms)
}

// store resolves taxonomy, applies the filter and persists seqs into v with
// automatic annotations and a history entry.
func (s *Service) store(
	ctx context.Context,
	v *Version,
	seqs []sequence.Sequence,
	filter sequence.Filter,
	source sequence.DataSource,
	reason string,
	terms []string,
) ([]sequence.Sequence, error) {
	if len(seqs) == 0 {
		return nil, nil
	}
	nodes, err := s.fetcher.ResolveTaxonomy(ctx, seqs)
	if err != nil {
		return nil, errors.Wrap(err, "resolve taxonomy")
	}
	if err := s.sequences.SaveTaxonomy(ctx, nodes); err != nil {
		return nil, errors.Wrap(err, "save taxonomy")
	}

	kept, rejected := filter.Split(seqs)
	s.logRejected(ctx, filter, rejected)
	if len(kept) == 0 {
		return nil, nil
	}

	now := s.now()
	var anns []sequence.Annotation
	added := make([]string, len(kept))
	for i := range kept {
		kept[i].ID = uuid.New()
		kept[i].BlastDbID = v.ID
		if kept[i].Source == "" {
			kept[i].Source = source
		}
		kept[i].CreatedAt = now
		kept[i].UpdatedAt = now
		anns = append(anns, sequence.AutoAnnotations(&kept[i], now)...)
		added[i] = kept[i].Version
	}
	if err := s.sequences.Create(ctx, kept); err != nil {
		return nil, errors.Wrap(err, "create sequences")
	}
	if len(anns) > 0 {
		if err := s.sequences.CreateAnnotations(ctx, anns); err != nil {
			return nil, errors.Wrap(err, "create annotations")
		}
	}
	if err := s.addHistory(ctx, v, reason, added, nil, terms); err != nil {
		return nil, err
	}
	return kept, nil
}

func (s *Service) logRejected(ctx context.Context, filter sequence.Filter, rejected []sequence.Sequence) {
	if len(rejected) == 0 {
		return
	}
	lg := zctx.From(ctx)
	for i := range rejected {
		lg.Info("Sequence rejected by filter",
			zap.String("accession", rejected[i].Version),
			zap.String("reason", filter.Violation(&rejected[i])),
		)
	}
}

// ImportSequences stores records parsed from an uploaded GenBank file in a
// draft version.
func (s *Service) ImportSequences(ctx context.Context, u *auth.User, id uuid.UUID, seqs []sequence.Sequence) ([]sequence.Sequence, error) {
	v, _, err := s.loadDraft(ctx, u, id)
	if err != nil {
		return nil, err
	}
	existing, err := s.sequences.ListByBlastDb(ctx, v.ID)
	if err != nil {
		return nil, errors.Wrap(err, "list sequences")
	}
	versions := make([]string, len(seqs))
	for i := range seqs {
		versions[i] = seqs[i].AccessionNumber
	}
	if conflicts := conflictingAccessions(existing, versions); len(conflicts) > 0 {
		return nil, &AccessionsAlreadyExistError{Accessions: conflicts}
	}
	for i := range seqs {
		seqs[i].Source = sequence.SourceImported
	}
	return s.store(ctx, v, seqs, sequence.Filter{}, sequence.SourceImported, ReasonImported, nil)
}

// DeleteSequences removes the given accessions from a draft version and
// returns how many were deleted.
func (s *Service) DeleteSequences(ctx context.Context, u *auth.User, id uuid.UUID, accessions []string) (int, error) {
	if len(accessions) == 0 {
		return 0, ErrNoAccessions
	}
	v, _, err := s.loadDraft(ctx, u, id)
	if err != nil {
		return 0, err
	}
	existing, err := s.sequences.ListByBlastDb(ctx, v.ID)
	if err != nil {
		return 0, errors.Wrap(err, "list sequences")
	}
	selected, missing := selectAccessions(existing, accessions)
	if len(missing) > 0 {
		return 0, &AccessionsNotFoundError{Accessions: missing}
	}
	return s.deleteSequences(ctx, v, selected, ReasonDeleted, nil)
}

func (s *Service) deleteSequences(ctx context.Context, v *Version, seqs []sequence.Sequence, reason string, terms []string) (int, error) {
	if len(seqs) == 0 {
		return 0, nil
	}
	ids := make([]uuid.UUID, len(seqs))
	deleted := make([]string, len(seqs))
	for i := range seqs {
		ids[i] = seqs[i].ID
		deleted[i] = seqs[i].Version
	}
	if err := s.sequences.Delete(ctx, ids); err != nil {
		return 0, errors.Wrap(err, "delete sequences")
	}
	if err := s.addHistory(ctx, v, reason, nil, deleted, terms); err != nil {
		return 0, err
	}
	return len(seqs), nil
}

// selectAccessions picks the sequences named by accession number or
// accession version. An empty request selects everything.
func selectAccessions(existing []sequence.Sequence, accessions []string) (selected []sequence.Sequence, missing []string) {
	if len(accessions) == 0 {
		return existing, nil
	}
	byKey := make(map[string]int, 2*len(existing))
	for i := range existing {
		byKey[existing[i].AccessionNumber] = i
		byKey[existing[i].Version] = i
	}
	seen := make(map[int]struct{}, len(accessions))
	for _, a := range accessions {
		i, ok := byKey[strings.TrimSpace(a)]
		if !ok {
			missing = append(missing, a)
			continue
		}
		if _, dup := seen[i]; dup {
			continue
		}
		seen[i] = struct{}{}
		selected = append(selected, existing[i])
	}
	return selected, missing
}

// RefreshSequences re-downloads the selected accessions (all when empty).
// Records GenBank no longer returns are deleted.
func (s *Service) RefreshSequences(ctx context.Context, u *auth.User, id uuid.UUID, accessions []string) (*sequence.UpdateSummary, error) {
	v, _, err := s.loadDraft(ctx, u, id)
	if err != nil {
		return nil, err
	}
	existing, err := s.sequences.ListByBlastDb(ctx, v.ID)
	if err != nil {
		return nil, errors.Wrap(err, "list sequences")
	}
	selected, missing := selectAccessions(existing, accessions)
	if len(missing) > 0 {
		return nil, &AccessionsNotFoundError{Accessions: missing}
	}
	if len(selected) == 0 {
		return &sequence.UpdateSummary{}, nil
	}

	numbers := make([]string, len(selected))
	for i := range selected {
		numbers[i] = selected[i].AccessionNumber
	}
	fetched, err := s.fetcher.Fetch(ctx, FetchRequest{Accessions: numbers})
	if err != nil {
		return nil, err
	}
	nodes, err := s.fetcher.ResolveTaxonomy(ctx, fetched)
	if err != nil {
		return nil, errors.Wrap(err, "resolve taxonomy")
	}
	if err := s.sequences.SaveTaxonomy(ctx, nodes); err != nil {
		return nil, errors.Wrap(err, "save taxonomy")
	}

	summary := sequence.Compare(selected, fetched)
	byNumber := make(map[string]*sequence.Sequence, len(selected))
	for i := range selected {
		byNumber[selected[i].AccessionNumber] = &selected[i]
	}
	now := s.now()
	var updates []sequence.Sequence
	for i := range fetched {
		prev, ok := byNumber[fetched[i].AccessionNumber]
		if !ok {
			continue
		}
		next := fetched[i]
		next.ID = prev.ID
		next.BlastDbID = prev.BlastDbID
		next.Source = prev.Source
		next.CreatedAt = prev.CreatedAt
		next.UpdatedAt = now
		updates = append(updates, next)
	}
	if len(updates) > 0 {
		if err := s.sequences.Update(ctx, updates); err != nil {
			return nil, errors.Wrap(err, "update sequences")
		}
	}

	var gone []sequence.Sequence
	for _, a := range summary.Deleted {
		gone = append(gone, *byNumber[a])
	}
	if len(gone) > 0 {
		if _, err := s.deleteSequences(ctx, v, gone, ReasonDeleted, nil); err != nil {
			return nil, err
		}
	}

	changed := append(append([]string(nil), summary.AccessionVersionChanged...), summary.MetadataChanged...)
	if len(changed) > 0 {
		if err := s.addHistory(ctx, v, ReasonUpdated, changed, nil, nil); err != nil {
			return nil, err
		}
	}
	// Nothing new is added by a refresh; anything Compare reports as added
	// was not part of the selection.
	summary.Added = nil
	return &summary, nil
}

// FilterSequences deletes the sequences of a draft that violate filter and
// returns them.
func (s *Service) FilterSequences(ctx context.Context, u *auth.User, id uuid.UUID, filter sequence.Filter) ([]sequence.Sequence, error) {
	v, _, err := s.loadDraft(ctx, u, id)
	if err != nil {
		return nil, err
	}
	existing, err := s.sequences.ListByBlastDb(ctx, v.ID)
	if err != nil {
		return nil, errors.Wrap(err, "list sequences")
	}
	_, rejected := filter.Split(existing)
	s.logRejected(ctx, filter, rejected)
	if _, err := s.deleteSequences(ctx, v, rejected, ReasonFiltered, filter.Reasons()); err != nil {
		return nil, err
	}
	return rejected, nil
}

// GetSequence returns a sequence and its annotations.
func (s *Service) GetSequence(ctx context.Context, u *auth.User, id uuid.UUID) (*sequence.Sequence, []sequence.Annotation, error) {
	seq, err := s.visibleSequence(ctx, u, id)
	if err != nil {
		return nil, nil, err
	}
	anns, err := s.sequences.ListAnnotations(ctx, seq.ID)
	if err != nil {
		return nil, nil, errors.Wrap(err, "list annotations")
	}
	return seq, anns, nil
}

func (s *Service) visibleSequence(ctx context.Context, u *auth.User, id uuid.UUID) (*sequence.Sequence, error) {
	seq, err := s.sequences.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, _, err := s.loadVersion(ctx, u, seq.BlastDbID, nil); err != nil {
		if errors.Is(err, ErrVersionNotFound) {
			return nil, sequence.ErrNotFound
		}
		return nil, err
	}
	return seq, nil
}

// ListAnnotations returns the annotations on a sequence visible to u.
func (s *Service) ListAnnotations(ctx context.Context, u *auth.User, id uuid.UUID) ([]sequence.Annotation, error) {
	seq, err := s.visibleSequence(ctx, u, id)
	if err != nil {
		return nil, err
	}
	return s.sequences.ListAnnotations(ctx, seq.ID)
}

// Annotate leaves a remark on a sequence. Any signed-in user who can view
// the sequence may annotate it.
func (s *Service) Annotate(ctx context.Context, u *auth.User, id uuid.UUID, typ sequence.AnnotationType, comment string) (*sequence.Annotation, error) {
	if u == nil {
		return nil, auth.ErrUnauthorized
	}
	seq, err := s.visibleSequence(ctx, u, id)
	if err != nil {
		return nil, err
	}
	a := sequence.Annotation{
		ID:         uuid.New(),
		SequenceID: seq.ID,
		PosterID:   &u.ID,
		PosterName: u.Username,
		Type:       typ,
		Comment:    comment,
		CreatedAt:  s.now(),
	}
	if err := s.sequences.CreateAnnotations(ctx, []sequence.Annotation{a}); err != nil {
		return nil, errors.Wrap(err, "create annotation")
	}
	return &a, nil
}
