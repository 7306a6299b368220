package postgres

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/barcode-identifier/barrel/internal/domain/library"
	"github.com/barcode-identifier/barrel/internal/domain/sequence"
)

// sequenceColumns is shared by selects, COPY and the update statement.
var sequenceColumns = []string{
	"id", "blastdb_id", "accession_number", "version", "definition", "organism",
	"organelle", "isolate", "country", "specimen_voucher", "dna_sequence",
	"translation", "lat_lon", "type_material", "keywords", "journal", "authors",
	"title", "taxid", "taxonomy", "genbank_modification_date", "identified_by",
	"collected_by", "collection_date", "data_source",
	"taxon_superkingdom", "taxon_kingdom", "taxon_phylum", "taxon_class",
	"taxon_order", "taxon_family", "taxon_genus", "taxon_species",
	"created_at", "updated_at",
}

const (
	selectSequenceSQL = `SELECT id, blastdb_id, accession_number, version, definition, organism,
		organelle, isolate, country, specimen_voucher, dna_sequence,
		translation, lat_lon, type_material, keywords, journal, authors,
		title, taxid, taxonomy, genbank_modification_date, identified_by,
		collected_by, collection_date, data_source,
		taxon_superkingdom, taxon_kingdom, taxon_phylum, taxon_class,
		taxon_order, taxon_family, taxon_genus, taxon_species,
		created_at, updated_at
	FROM sequences`

	getSequenceSQL            = selectSequenceSQL + ` WHERE id = $1`
	listSequencesSQL          = selectSequenceSQL + ` WHERE blastdb_id = $1 ORDER BY accession_number`
	listSequencesByVersionSQL = selectSequenceSQL + ` WHERE blastdb_id = $1 AND version = ANY($2) ORDER BY accession_number`

	updateSequenceSQL = `UPDATE sequences SET
		accession_number = $2, version = $3, definition = $4, organism = $5,
		organelle = $6, isolate = $7, country = $8, specimen_voucher = $9, dna_sequence = $10,
		translation = $11, lat_lon = $12, type_material = $13, keywords = $14, journal = $15, authors = $16,
		title = $17, taxid = $18, taxonomy = $19, genbank_modification_date = $20, identified_by = $21,
		collected_by = $22, collection_date = $23, data_source = $24,
		taxon_superkingdom = $25, taxon_kingdom = $26, taxon_phylum = $27, taxon_class = $28,
		taxon_order = $29, taxon_family = $30, taxon_genus = $31, taxon_species = $32,
		updated_at = $33
	WHERE id = $1`

	deleteSequencesSQL = `DELETE FROM sequences WHERE id = ANY($1)`

	// Row locks on the versions being written, taken in id order.
	lockDraftsSQL            = `SELECT locked FROM blastdbs WHERE id = ANY($1) ORDER BY id FOR UPDATE`
	lockDraftsOfSequencesSQL = `SELECT b.locked FROM blastdbs b
	WHERE b.id IN (SELECT blastdb_id FROM sequences WHERE id = ANY($1))
	ORDER BY b.id FOR UPDATE OF b`

	saveTaxonSQL = `INSERT INTO taxonomy_nodes (id, rank, scientific_name) VALUES ($1, $2, $3)
	ON CONFLICT (id) DO UPDATE SET rank = EXCLUDED.rank, scientific_name = EXCLUDED.scientific_name`
	getTaxaSQL = `SELECT id, rank, scientific_name FROM taxonomy_nodes WHERE id = ANY($1)`

	selectAnnotationSQL = `SELECT a.id, a.sequence_id, a.poster_id, COALESCE(u.username, ''),
		a.annotation_type, a.comment, a.created_at
	FROM annotations a LEFT JOIN users u ON u.id = a.poster_id`

	listAnnotationsSQL          = selectAnnotationSQL + ` WHERE a.sequence_id = $1 ORDER BY a.created_at, a.id`
	listAnnotationsByBlastDbSQL = selectAnnotationSQL + `
	JOIN sequences s ON s.id = a.sequence_id
	WHERE s.blastdb_id = $1 ORDER BY a.created_at, a.id`

	createAnnotationSQL = `INSERT INTO annotations (id, sequence_id, poster_id, annotation_type, comment, created_at)
	VALUES ($1, $2, $3, $4, $5, $6)`
)

var _ sequence.Repository = (*SequenceRepository)(nil)

// SequenceRepository stores sequences, taxonomy nodes and annotations.
type SequenceRepository struct {
	pool *pgxpool.Pool
}

// NewSequenceRepository returns a SequenceRepository that uses the given pool.
func NewSequenceRepository(pool *pgxpool.Pool) *SequenceRepository {
	return &SequenceRepository{pool: pool}
}

// taxonIDs returns the taxon column values of s in sequence.Ranks order.
func taxonIDs(s *sequence.Sequence) []any {
	out := make([]any, len(sequence.Ranks))
	for i, r := range sequence.Ranks {
		if n, ok := s.Taxa[r]; ok {
			id := n.ID
			out[i] = &id
		} else {
			out[i] = (*int64)(nil)
		}
	}
	return out
}

// scannedSequence holds a row before its taxa are resolved.
type scannedSequence struct {
	seq   sequence.Sequence
	taxon [8]*int64
}

func scanSequence(row pgx.CollectableRow) (scannedSequence, error) {
	var (
		out    scannedSequence
		s      = &out.seq
		source string
	)
	dest := []any{
		&s.ID, &s.BlastDbID, &s.AccessionNumber, &s.Version, &s.Definition, &s.Organism,
		&s.Organelle, &s.Isolate, &s.Country, &s.SpecimenVoucher, &s.DNASequence,
		&s.Translation, &s.LatLon, &s.TypeMaterial, &s.Keywords, &s.Journal, &s.Authors,
		&s.Title, &s.TaxID, &s.Taxonomy, &s.ModifiedAt, &s.IdentifiedBy,
		&s.CollectedBy, &s.CollectionDate, &source,
	}
	for i := range out.taxon {
		dest = append(dest, &out.taxon[i])
	}
	dest = append(dest, &s.CreatedAt, &s.UpdatedAt)
	if err := row.Scan(dest...); err != nil {
		return out, err
	}
	s.Source = sequence.DataSource(source)
	return out, nil
}

// querySequences runs a sequence select and resolves taxa.
func (r *SequenceRepository) querySequences(ctx context.Context, sql string, args ...any) ([]sequence.Sequence, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("querying sequences: %w", err)
	}
	scanned, err := pgx.CollectRows(rows, scanSequence)
	if err != nil {
		return nil, fmt.Errorf("scanning sequences: %w", err)
	}

	var ids []int64
	seen := map[int64]struct{}{}
	for i := range scanned {
		for _, id := range scanned[i].taxon {
			if id == nil {
				continue
			}
			if _, ok := seen[*id]; !ok {
				seen[*id] = struct{}{}
				ids = append(ids, *id)
			}
		}
	}
	nodes := map[int64]sequence.TaxonomyNode{}
	if len(ids) > 0 {
		rows, err := r.pool.Query(ctx, getTaxaSQL, ids)
		if err != nil {
			return nil, fmt.Errorf("querying taxonomy: %w", err)
		}
		list, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (sequence.TaxonomyNode, error) {
			var (
				n    sequence.TaxonomyNode
				rank string
			)
			err := row.Scan(&n.ID, &rank, &n.ScientificName)
			n.Rank = sequence.Rank(rank)
			return n, err
		})
		if err != nil {
			return nil, fmt.Errorf("scanning taxonomy: %w", err)
		}
		for _, n := range list {
			nodes[n.ID] = n
		}
	}

	out := make([]sequence.Sequence, len(scanned))
	for i := range scanned {
		s := scanned[i].seq
		for j, id := range scanned[i].taxon {
			if id == nil {
				continue
			}
			if n, ok := nodes[*id]; ok {
				if s.Taxa == nil {
					s.Taxa = sequence.Taxa{}
				}
				s.Taxa[sequence.Ranks[j]] = n
			}
		}
		out[i] = s
	}
	return out, nil
}

// Get returns sequence.ErrNotFound for unknown ids.
func (r *SequenceRepository) Get(ctx context.Context, id uuid.UUID) (*sequence.Sequence, error) {
	seqs, err := r.querySequences(ctx, getSequenceSQL, id)
	if err != nil {
		return nil, err
	}
	if len(seqs) == 0 {
		return nil, sequence.ErrNotFound
	}
	return &seqs[0], nil
}

// ListByBlastDb returns the sequences of a version ordered by accession.
func (r *SequenceRepository) ListByBlastDb(ctx context.Context, blastdbID uuid.UUID) ([]sequence.Sequence, error) {
	return r.querySequences(ctx, listSequencesSQL, blastdbID)
}

// ListByVersions returns sequences of a version matching accession versions.
func (r *SequenceRepository) ListByVersions(ctx context.Context, blastdbID uuid.UUID, versions []string) ([]sequence.Sequence, error) {
	if len(versions) == 0 {
		return nil, nil
	}
	return r.querySequences(ctx, listSequencesByVersionSQL, blastdbID, versions)
}

func sequenceValues(s *sequence.Sequence) []any {
	values := []any{
		s.ID, s.BlastDbID, s.AccessionNumber, s.Version, s.Definition, s.Organism,
		s.Organelle, s.Isolate, s.Country, s.SpecimenVoucher, s.DNASequence,
		s.Translation, s.LatLon, s.TypeMaterial, s.Keywords, s.Journal, s.Authors,
		s.Title, s.TaxID, s.Taxonomy, s.ModifiedAt, s.IdentifiedBy,
		s.CollectedBy, s.CollectionDate, string(s.Source),
	}
	values = append(values, taxonIDs(s)...)
	return append(values, s.CreatedAt, s.UpdatedAt)
}

// lockDrafts takes the row locks of the versions a write touches and fails
// with library.ErrLocked when one of them is published.
func lockDrafts(ctx context.Context, tx pgx.Tx, sql string, ids []uuid.UUID) error {
	rows, err := tx.Query(ctx, sql, ids)
	if err != nil {
		return fmt.Errorf("locking versions: %w", err)
	}
	locked, err := pgx.CollectRows(rows, pgx.RowTo[bool])
	if err != nil {
		return fmt.Errorf("locking versions: %w", err)
	}
	if slices.Contains(locked, true) {
		return library.ErrLocked
	}
	return nil
}

func blastDbIDs(seqs []sequence.Sequence) []uuid.UUID {
	ids := make([]uuid.UUID, 0, 1)
	for i := range seqs {
		if !slices.Contains(ids, seqs[i].BlastDbID) {
			ids = append(ids, seqs[i].BlastDbID)
		}
	}
	return ids
}

// Create copies sequences in one statement. An accession already present in
// the version yields sequence.ErrDuplicate, a published version
// library.ErrLocked.
func (r *SequenceRepository) Create(ctx context.Context, seqs []sequence.Sequence) error {
	if len(seqs) == 0 {
		return nil
	}
	rows := make([][]any, len(seqs))
	for i := range seqs {
		rows[i] = sequenceValues(&seqs[i])
	}
	return inTx(ctx, r.pool, func(tx pgx.Tx) error {
		if err := lockDrafts(ctx, tx, lockDraftsSQL, blastDbIDs(seqs)); err != nil {
			return err
		}
		_, err := tx.CopyFrom(ctx, pgx.Identifier{"sequences"}, sequenceColumns, pgx.CopyFromRows(rows))
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("creating sequences: %w", sequence.ErrDuplicate)
			}
			return fmt.Errorf("creating sequences: %w", err)
		}
		return nil
	})
}

// Update saves the metadata of existing sequences in one batch.
func (r *SequenceRepository) Update(ctx context.Context, seqs []sequence.Sequence) error {
	if len(seqs) == 0 {
		return nil
	}
	now := time.Now()
	batch := &pgx.Batch{}
	for i := range seqs {
		v := sequenceValues(&seqs[i])
		// Drop blastdb_id and created_at, replace updated_at.
		args := append([]any{v[0]}, v[2:len(v)-2]...)
		args = append(args, now)
		batch.Queue(updateSequenceSQL, args...)
	}
	return inTx(ctx, r.pool, func(tx pgx.Tx) error {
		if err := lockDrafts(ctx, tx, lockDraftsSQL, blastDbIDs(seqs)); err != nil {
			return err
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("updating sequences: %w", sequence.ErrDuplicate)
			}
			return fmt.Errorf("updating sequences: %w", err)
		}
		return nil
	})
}

// Delete removes sequences with their annotations. Sequences of a published
// version yield library.ErrLocked.
func (r *SequenceRepository) Delete(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	return inTx(ctx, r.pool, func(tx pgx.Tx) error {
		if err := lockDrafts(ctx, tx, lockDraftsOfSequencesSQL, ids); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, deleteSequencesSQL, ids); err != nil {
			return fmt.Errorf("deleting sequences: %w", err)
		}
		return nil
	})
}

// SaveTaxonomy upserts taxonomy nodes.
func (r *SequenceRepository) SaveTaxonomy(ctx context.Context, nodes []sequence.TaxonomyNode) error {
	if len(nodes) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, n := range nodes {
		batch.Queue(saveTaxonSQL, n.ID, string(n.Rank), n.ScientificName)
	}
	if err := r.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("saving taxonomy: %w", err)
	}
	return nil
}

func (r *SequenceRepository) queryAnnotations(ctx context.Context, sql string, id uuid.UUID) ([]sequence.Annotation, error) {
	rows, err := r.pool.Query(ctx, sql, id)
	if err != nil {
		return nil, fmt.Errorf("listing annotations: %w", err)
	}
	anns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (sequence.Annotation, error) {
		var (
			a   sequence.Annotation
			typ string
		)
		err := row.Scan(&a.ID, &a.SequenceID, &a.PosterID, &a.PosterName, &typ, &a.Comment, &a.CreatedAt)
		a.Type = sequence.AnnotationType(typ)
		return a, err
	})
	if err != nil {
		return nil, fmt.Errorf("scanning annotations: %w", err)
	}
	return anns, nil
}

// ListAnnotations returns the annotations of a sequence, oldest first.
func (r *SequenceRepository) ListAnnotations(ctx context.Context, sequenceID uuid.UUID) ([]sequence.Annotation, error) {
	return r.queryAnnotations(ctx, listAnnotationsSQL, sequenceID)
}

// ListAnnotationsByBlastDb returns the annotations of every sequence of a
// version.
func (r *SequenceRepository) ListAnnotationsByBlastDb(ctx context.Context, blastdbID uuid.UUID) ([]sequence.Annotation, error) {
	return r.queryAnnotations(ctx, listAnnotationsByBlastDbSQL, blastdbID)
}

// CreateAnnotations inserts annotations in one batch.
func (r *SequenceRepository) CreateAnnotations(ctx context.Context, anns []sequence.Annotation) error {
	if len(anns) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, a := range anns {
		batch.Queue(createAnnotationSQL, a.ID, a.SequenceID, a.PosterID, string(a.Type), a.Comment, a.CreatedAt)
	}
	if err := r.pool.SendBatch(ctx, batch).Close(); err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("creating annotations: %w", sequence.ErrNotFound)
		}
		return fmt.Errorf("creating annotations: %w", err)
	}
	return nil
}
