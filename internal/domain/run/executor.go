package run

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/barcode-identifier/barrel/internal/domain/classify"
	"github.com/barcode-identifier/barrel/internal/domain/sequence"
	"github.com/barcode-identifier/barrel/internal/fasta"
)

// References loads the sequences of a version.
type References interface {
	ListByBlastDb(ctx context.Context, blastdbID uuid.UUID) ([]sequence.Sequence, error)
	ListByVersions(ctx context.Context, blastdbID uuid.UUID, versions []string) ([]sequence.Sequence, error)
}

// Searcher runs blastn against a published version.
type Searcher interface {
	Version(ctx context.Context) (string, error)
	// Search writes tabular output to outPath and returns the parsed hits.
	Search(ctx context.Context, libraryID, blastdbID uuid.UUID, queryPath, outPath string) ([]Hit, error)
}

// Alignment is a multiple sequence alignment with its guide tree.
type Alignment struct {
	JobID     string
	Names     []string
	Sequences []string
	// Tree is in Newick format.
	Tree string
}

// Aligner aligns sequences with an external service.
type Aligner interface {
	Align(ctx context.Context, records []fasta.Record) (*Alignment, error)
}

// Executor performs queued runs.
type Executor struct {
	runs       Repository
	references References
	searcher   Searcher
	aligner    Aligner
	storage    Storage
	threshold  float64
	now        func() time.Time
}

// NewExecutor creates an Executor. aligner may be nil, in which case no
// trees or classifications are produced.
func NewExecutor(
	runs Repository,
	references References,
	searcher Searcher,
	aligner Aligner,
	storage Storage,
	threshold float64,
) *Executor {
	if threshold <= 0 {
		threshold = classify.DefaultThreshold
	}
	return &Executor{
		runs:       runs,
		references: references,
		searcher:   searcher,
		aligner:    aligner,
		storage:    storage,
		threshold:  threshold,
		now:        time.Now,
	}
}

// Fail records err on the run.
func (e *Executor) Fail(ctx context.Context, id uuid.UUID, err error) error {
	return e.runs.MarkError(ctx, id, err.Error(), e.now())
}

// Execute runs BLAST for a queued run, stores its hits and, when trees are
// requested, aligns and classifies the queries. Finished runs are skipped.
// Failures that retrying cannot fix are returned as PermanentError.
func (e *Executor) Execute(ctx context.Context, id uuid.UUID) error {
	lg := zctx.From(ctx).With(zap.Stringer("run_id", id))

	r, err := e.runs.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Permanent(err)
		}
		return errors.Wrap(err, "get run")
	}
	if r.Status.Done() {
		lg.Info("Run already done", zap.String("status", string(r.Status)))
		return nil
	}
	if r.BlastDbID == nil || r.LibraryID == nil {
		return Permanent(errors.New("blast database was deleted"))
	}

	start := e.now()
	r.Status = StatusStarted
	r.StartTime = &start
	if err := e.runs.Update(ctx, r); err != nil {
		return errors.Wrap(err, "mark started")
	}

	queries, err := e.runs.ListQueries(ctx, r.ID)
	if err != nil {
		return errors.Wrap(err, "list queries")
	}
	dir := e.storage.RunDir(r.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "create run dir")
	}
	queryPath := filepath.Join(dir, FileQuery)
	if err := writeQueries(queryPath, queries); err != nil {
		return err
	}

	if r.BlastVersion, err = e.searcher.Version(ctx); err != nil {
		return errors.Wrap(err, "blast version")
	}
	hits, err := e.searcher.Search(ctx, *r.LibraryID, *r.BlastDbID, queryPath, filepath.Join(dir, FileResults))
	if err != nil {
		return errors.Wrap(err, "blastn")
	}
	refs, err := e.linkHits(ctx, r, hits)
	if err != nil {
		return err
	}
	if err := e.runs.ReplaceHits(ctx, r.ID, hits); err != nil {
		return errors.Wrap(err, "save hits")
	}
	lg.Info("Blast search complete", zap.Int("queries", len(queries)), zap.Int("hits", len(hits)))

	if (r.CreateHitTree || r.CreateDbTree) && e.aligner != nil {
		if err := e.classify(ctx, r, dir, queries, hits, refs); err != nil {
			return err
		}
	}

	end := e.now()
	r.Status = StatusFinished
	r.EndTime = &end
	if err := e.runs.Update(ctx, r); err != nil {
		return errors.Wrap(err, "mark finished")
	}
	lg.Info("Run finished", zap.Duration("duration", end.Sub(start)))
	return nil
}

func writeQueries(path string, queries []Query) error {
	records := make([]fasta.Record, len(queries))
	for i, q := range queries {
		records[i] = fasta.Record{Header: q.Definition, Sequence: q.Sequence}
	}
	var buf bytes.Buffer
	if err := fasta.Write(&buf, records); err != nil {
		return errors.Wrap(err, "encode queries")
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return errors.Wrap(err, "write queries")
	}
	return nil
}

// linkHits points hits at the reference sequences they matched and returns
// those sequences keyed by accession version.
func (e *Executor) linkHits(ctx context.Context, r *Run, hits []Hit) (map[string]sequence.Sequence, error) {
	var versions []string
	seen := map[string]struct{}{}
	for _, h := range hits {
		if _, ok := seen[h.SubjectAccessionVersion]; !ok {
			seen[h.SubjectAccessionVersion] = struct{}{}
			versions = append(versions, h.SubjectAccessionVersion)
		}
	}
	refs := make(map[string]sequence.Sequence, len(versions))
	if len(versions) == 0 {
		return refs, nil
	}
	seqs, err := e.references.ListByVersions(ctx, *r.BlastDbID, versions)
	if err != nil {
		return nil, errors.Wrap(err, "list hit sequences")
	}
	for _, s := range seqs {
		refs[s.Version] = s
	}
	for i := range hits {
		hits[i].ID = uuid.New()
		hits[i].RunID = r.ID
		if s, ok := refs[hits[i].SubjectAccessionVersion]; ok {
			id := s.ID
			hits[i].SequenceID = &id
		}
	}
	return refs, nil
}

// Clustal Omega rejects alignments of a single sequence.
const minTreeSequences = 2

type treeInput struct {
	ids     []string
	records []fasta.Record
}

func (t *treeInput) clone() *treeInput {
	return &treeInput{
		ids:     slices.Clone(t.ids),
		records: slices.Clone(t.records),
	}
}

func (t *treeInput) add(id, seq string) {
	t.records = append(t.records, fasta.Record{
		Header:   fmt.Sprintf("seq%06d", len(t.records)),
		Sequence: seq,
	})
	t.ids = append(t.ids, id)
}

// restore maps aliased names back to tree IDs.
func (t *treeInput) restore(a *Alignment) error {
	pairs := make([]string, 0, 2*len(t.ids))
	byAlias := make(map[string]string, len(t.ids))
	for i, rec := range t.records {
		byAlias[rec.Header] = t.ids[i]
		pairs = append(pairs, rec.Header, t.ids[i])
	}
	for i, n := range a.Names {
		id, ok := byAlias[n]
		if !ok {
			return errors.Errorf("unexpected sequence %q in alignment", n)
		}
		a.Names[i] = id
	}
	a.Tree = strings.NewReplacer(pairs...).Replace(a.Tree)
	return nil
}

func (e *Executor) align(ctx context.Context, in *treeInput) (*Alignment, error) {
	a, err := e.aligner.Align(ctx, in.records)
	if err != nil {
		return nil, err
	}
	if err := in.restore(a); err != nil {
		return nil, Permanent(err)
	}
	return a, nil
}

func (e *Executor) classify(
	ctx context.Context,
	r *Run,
	dir string,
	queries []Query,
	hits []Hit,
	refs map[string]sequence.Sequence,
) error {
	all, err := e.references.ListByBlastDb(ctx, *r.BlastDbID)
	if err != nil {
		return errors.Wrap(err, "list references")
	}
	inLibrary := make(map[string]struct{}, len(all))
	for _, s := range all {
		inLibrary[classify.StripAbbreviations(s.Organism)] = struct{}{}
	}

	queryTreeIDs := make(map[string]string, len(queries))
	var queryInput treeInput
	for _, q := range queries {
		id := fasta.Record{Header: q.Definition}.ID()
		treeID := classify.TreeID(id, q.OriginalSpecies, true)
		queryTreeIDs[id] = treeID
		queryInput.add(treeID, q.Sequence)
	}

	lg := zctx.From(ctx)
	var matrixSource *Alignment
	if r.CreateHitTree {
		in := queryInput.clone()
		for _, s := range sortedRefs(refs) {
			in.add(classify.TreeID(s.Version, s.Organism, false), s.DNASequence)
		}
		if len(in.records) < minTreeSequences {
			lg.Info("Skipping hit tree", zap.Int("sequences", len(in.records)))
		} else {
			a, err := e.align(ctx, in)
			if err != nil {
				return errors.Wrap(err, "align hits")
			}
			r.AlignmentJobID, r.HitTree = a.JobID, a.Tree
			matrixSource = a
			if err := os.WriteFile(filepath.Join(dir, FileHitTree), []byte(a.Tree), 0o644); err != nil {
				return errors.Wrap(err, "write hit tree")
			}
		}
	}
	if r.CreateDbTree {
		in := queryInput.clone()
		for _, s := range all {
			in.add(classify.TreeID(s.Version, s.Organism, false), s.DNASequence)
		}
		if len(in.records) < minTreeSequences {
			lg.Info("Skipping database tree", zap.Int("sequences", len(in.records)))
		} else {
			a, err := e.align(ctx, in)
			if err != nil {
				return errors.Wrap(err, "align database")
			}
			r.CompleteAlignmentJobID, r.DbTree = a.JobID, a.Tree
			if matrixSource == nil {
				matrixSource = a
			}
			if err := os.WriteFile(filepath.Join(dir, FileDbTree), []byte(a.Tree), 0o644); err != nil {
				return errors.Wrap(err, "write db tree")
			}
		}
	}

	// Without any tree no query has a hit, so every query is classified
	// without distances.
	var m *classify.Matrix
	if matrixSource != nil {
		if m, err = classify.BuildMatrix(matrixSource.Names, matrixSource.Sequences); err != nil {
			return Permanent(errors.Wrap(err, "distance matrix"))
		}
		var phy bytes.Buffer
		if err := m.WritePhylip(&phy); err != nil {
			return errors.Wrap(err, "encode matrix")
		}
		if err := os.WriteFile(filepath.Join(dir, FileMatrix), phy.Bytes(), 0o644); err != nil {
			return errors.Wrap(err, "write matrix")
		}
	}

	byQuery := make(map[string][]classify.Hit)
	for _, h := range hits {
		s, ok := refs[h.SubjectAccessionVersion]
		if !ok {
			continue
		}
		byQuery[h.QueryAccessionVersion] = append(byQuery[h.QueryAccessionVersion], classify.Hit{
			TreeID:          classify.TreeID(s.Version, s.Organism, false),
			Species:         s.Taxa[sequence.RankSpecies].ScientificName,
			PercentIdentity: h.PercentIdentity,
		})
	}

	c := &classify.Classifier{Matrix: m, Threshold: e.threshold, References: inLibrary}
	results := make([]classify.Result, 0, len(queries))
	for i := range queries {
		id := fasta.Record{Header: queries[i].Definition}.ID()
		res, err := c.Classify(classify.Query{
			TreeID:  queryTreeIDs[id],
			Species: queries[i].OriginalSpecies,
			Hits:    byQuery[id],
		})
		if err != nil {
			return Permanent(errors.Wrapf(err, "classify %s", id))
		}
		queries[i].ResultsSpecies = res.ReferenceSpecies
		queries[i].Category = string(res.Category)
		results = append(results, res)
	}
	if err := e.runs.UpdateQueries(ctx, queries); err != nil {
		return errors.Wrap(err, "save classifications")
	}

	var tsv bytes.Buffer
	if err := classify.WriteTSV(&tsv, results); err != nil {
		return errors.Wrap(err, "encode classification")
	}
	if err := os.WriteFile(filepath.Join(dir, FileClassification), tsv.Bytes(), 0o644); err != nil {
		return errors.Wrap(err, "write classification")
	}
	return nil
}

func sortedRefs(refs map[string]sequence.Sequence) []sequence.Sequence {
	out := make([]sequence.Sequence, 0, len(refs))
	for _, s := range refs {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b sequence.Sequence) int { return strings.Compare(a.Version, b.Version) })
	return out
}
