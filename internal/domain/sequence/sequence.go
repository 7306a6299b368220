// Package sequence models GenBank accessions stored in a reference library
// version, together with their taxonomy and annotations.
package sequence

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
)

// Sentinel errors for sequence storage.
var (
	ErrNotFound  = errors.New("sequence not found")
	ErrDuplicate = errors.New("accession already exists in this version")
)

// DataSource tells where a sequence record came from.
type DataSource string

const (
	SourceGenBank  DataSource = "GB"
	SourceImported DataSource = "IM"
)

// Rank is a taxonomic rank tracked for every sequence.
type Rank string

const (
	RankSuperkingdom Rank = "superkingdom"
	RankKingdom      Rank = "kingdom"
	RankPhylum       Rank = "phylum"
	RankClass        Rank = "class"
	RankOrder        Rank = "order"
	RankFamily       Rank = "family"
	RankGenus        Rank = "genus"
	RankSpecies      Rank = "species"
)

// Ranks lists tracked ranks from the root down.
var Ranks = []Rank{
	RankSuperkingdom, RankKingdom, RankPhylum, RankClass,
	RankOrder, RankFamily, RankGenus, RankSpecies,
}

// ParseRank maps an NCBI rank name to a tracked Rank.
func ParseRank(s string) (Rank, bool) {
	for _, r := range Ranks {
		if string(r) == s {
			return r, true
		}
	}
	return "", false
}

// TaxonomyNode is an NCBI Taxonomy entry.
type TaxonomyNode struct {
	ID             int64  `json:"id"`
	Rank           Rank   `json:"rank"`
	ScientificName string `json:"scientific_name"`
}

// Taxa holds the lineage of a sequence, keyed by rank.
type Taxa map[Rank]TaxonomyNode

// Complete reports whether every tracked rank is present.
func (t Taxa) Complete() bool {
	for _, r := range Ranks {
		if _, ok := t[r]; !ok {
			return false
		}
	}
	return true
}

// Sequence is a single accession inside a library version.
type Sequence struct {
	ID        uuid.UUID
	BlastDbID uuid.UUID

	AccessionNumber string
	Version         string
	Definition      string
	Organism        string
	Organelle       string
	Isolate         string
	Country         string
	SpecimenVoucher string
	DNASequence     string
	Translation     string
	LatLon          string
	TypeMaterial    string
	Keywords        string
	Journal         string
	Authors         string
	Title           string
	TaxID           int64
	Taxonomy        string
	ModifiedAt      *time.Time

	IdentifiedBy   string
	CollectedBy    string
	CollectionDate string

	Source DataSource
	Taxa   Taxa

	CreatedAt time.Time
	UpdatedAt time.Time
}

// AnnotationType classifies a remark on a sequence.
type AnnotationType string

const (
	AnnotationUnresolvedTaxonomy AnnotationType = "UNRESOLVED_TAXONOMY"
	AnnotationMisidentification  AnnotationType = "MISIDENTIFICATION"
	AnnotationSequenceQuality    AnnotationType = "SEQUENCE_QUALITY"
	AnnotationOther              AnnotationType = "OTHER"
)

// ParseAnnotationType validates an annotation type.
func ParseAnnotationType(s string) (AnnotationType, error) {
	switch t := AnnotationType(s); t {
	case AnnotationUnresolvedTaxonomy, AnnotationMisidentification, AnnotationSequenceQuality, AnnotationOther:
		return t, nil
	}
	return "", errors.Errorf("unknown annotation type %q", s)
}

// Annotation is a remark left on a sequence by a user or by Barrel itself.
type Annotation struct {
	ID         uuid.UUID
	SequenceID uuid.UUID
	// PosterID is nil for automatic annotations.
	PosterID   *uuid.UUID
	PosterName string
	Type       AnnotationType
	Comment    string
	CreatedAt  time.Time
}

// Repository provides persistence for sequences, taxonomy and annotations.
type Repository interface {
	Get(ctx context.Context, id uuid.UUID) (*Sequence, error)
	ListByBlastDb(ctx context.Context, blastdbID uuid.UUID) ([]Sequence, error)
	ListByVersions(ctx context.Context, blastdbID uuid.UUID, versions []string) ([]Sequence, error)
	Create(ctx context.Context, seqs []Sequence) error
	Update(ctx context.Context, seqs []Sequence) error
	Delete(ctx context.Context, ids []uuid.UUID) error
	SaveTaxonomy(ctx context.Context, nodes []TaxonomyNode) error
	ListAnnotations(ctx context.Context, sequenceID uuid.UUID) ([]Annotation, error)
	ListAnnotationsByBlastDb(ctx context.Context, blastdbID uuid.UUID) ([]Annotation, error)
	CreateAnnotations(ctx context.Context, anns []Annotation) error
}
