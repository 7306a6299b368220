package sequence

import (
	"bytes"
	"encoding/csv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intp(v int) *int { return &v }

func fullTaxa() Taxa {
	t := Taxa{}
	for i, r := range Ranks {
		t[r] = TaxonomyNode{ID: int64(i + 1), Rank: r, ScientificName: string(r)}
	}
	return t
}

func TestFilter_Violation(t *testing.T) {
	seq := Sequence{AccessionNumber: "AB123", Version: "AB123.1", DNASequence: "ACGTNNACGT", Taxa: fullTaxa()}

	tests := []struct {
		name   string
		filter Filter
		reject bool
	}{
		{name: "Empty", filter: Filter{}},
		{name: "BlacklistAccession", filter: Filter{Blacklist: []string{"AB123"}}, reject: true},
		{name: "BlacklistVersion", filter: Filter{Blacklist: []string{"AB123.1"}}, reject: true},
		{name: "TooShort", filter: Filter{MinLength: intp(11)}, reject: true},
		{name: "LongEnough", filter: Filter{MinLength: intp(10)}},
		{name: "TooLong", filter: Filter{MaxLength: intp(9)}, reject: true},
		{name: "TooManyNs", filter: Filter{MaxAmbiguousBases: intp(1)}, reject: true},
		{name: "ZeroNsAllowed", filter: Filter{MaxAmbiguousBases: intp(0)}, reject: true},
		{name: "NsWithinLimit", filter: Filter{MaxAmbiguousBases: intp(2)}},
		{name: "TaxonomyComplete", filter: Filter{RequireTaxonomy: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.reject, tt.filter.Violation(&seq) != "")
		})
	}

	partial := seq
	partial.Taxa = Taxa{RankSpecies: {ID: 1, Rank: RankSpecies}}
	assert.NotEmpty(t, Filter{RequireTaxonomy: true}.Violation(&partial))
}

func TestFilter_Split(t *testing.T) {
	seqs := []Sequence{
		{AccessionNumber: "A", DNASequence: "ACGT"},
		{AccessionNumber: "B", DNASequence: "ACGTACGT"},
	}
	kept, rejected := Filter{MinLength: intp(5)}.Split(seqs)
	require.Len(t, kept, 1)
	require.Len(t, rejected, 1)
	assert.Equal(t, "B", kept[0].AccessionNumber)
	assert.Equal(t, "A", rejected[0].AccessionNumber)
}

func TestFilter_Reasons(t *testing.T) {
	f := Filter{MinLength: intp(100), Blacklist: []string{"X1"}}
	assert.Equal(t, []string{"Remove using blacklist X1", "Delete length < 100 bp"}, f.Reasons())
	assert.True(t, Filter{}.IsZero())
	assert.False(t, f.IsZero())
}

func TestCompare(t *testing.T) {
	last := []Sequence{
		{AccessionNumber: "A", Version: "A.1", DNASequence: "ACGT"},
		{AccessionNumber: "B", Version: "B.1", DNASequence: "ACGT"},
		{AccessionNumber: "C", Version: "C.1", DNASequence: "ACGT", Country: "Canada"},
		{AccessionNumber: "D", Version: "D.1", DNASequence: "ACGT"},
	}
	current := []Sequence{
		{AccessionNumber: "A", Version: "A.1", DNASequence: "ACGT"},
		{AccessionNumber: "B", Version: "B.2", DNASequence: "ACGT"},
		{AccessionNumber: "C", Version: "C.1", DNASequence: "ACGT", Country: "Peru"},
		{AccessionNumber: "E", Version: "E.1", DNASequence: "ACGT"},
	}

	s := Compare(last, current)
	assert.Equal(t, []string{"A"}, s.NoChange)
	assert.Equal(t, []string{"B"}, s.AccessionVersionChanged)
	assert.Equal(t, []string{"C"}, s.MetadataChanged)
	assert.Equal(t, []string{"D"}, s.Deleted)
	assert.Equal(t, []string{"E"}, s.Added)
	assert.True(t, s.Structural())

	metaOnly := Compare(last[2:3], current[2:3])
	assert.False(t, metaOnly.Structural())
	assert.Equal(t, []string{"C"}, metaOnly.MetadataChanged)
}

func TestCompare_SequenceChangeIsStructural(t *testing.T) {
	last := []Sequence{{AccessionNumber: "A", Version: "A.1", DNASequence: "ACGT"}}
	current := []Sequence{{AccessionNumber: "A", Version: "A.1", DNASequence: "ACGA"}}
	assert.Equal(t, []string{"A"}, Compare(last, current).AccessionVersionChanged)
}

func TestAutoAnnotations(t *testing.T) {
	s := &Sequence{
		ID:         uuid.New(),
		Definition: "Salmo cf. trutta voucher 12 cytochrome oxidase",
		Taxonomy:   "Eukaryota,Chordata,unclassified Salmo",
	}
	anns := AutoAnnotations(s, time.Now())
	require.Len(t, anns, 2)
	for _, a := range anns {
		assert.Equal(t, AnnotationUnresolvedTaxonomy, a.Type)
		assert.Equal(t, s.ID, a.SequenceID)
		assert.Nil(t, a.PosterID)
	}
	assert.Contains(t, anns[0].Comment, `"cf."`)
	assert.Contains(t, anns[1].Comment, `"unclassified"`)

	clean := &Sequence{Definition: "Salmo trutta", Taxonomy: "Eukaryota,Chordata"}
	assert.Empty(t, AutoAnnotations(clean, time.Now()))
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	err := WriteCSV(&buf, []Sequence{{
		AccessionNumber: "A", Version: "A.1", Definition: "def, with comma",
		DNASequence: "ACGT", Source: SourceGenBank, Taxa: fullTaxa(),
	}})
	require.NoError(t, err)

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, csvHeader, rows[0])
	assert.Equal(t, "def, with comma", rows[1][2])
	assert.Equal(t, "species", rows[1][18])
	assert.Equal(t, "ACGT", rows[1][20])
}

func TestParseRank(t *testing.T) {
	r, ok := ParseRank("genus")
	assert.True(t, ok)
	assert.Equal(t, RankGenus, r)

	_, ok = ParseRank("subgenus")
	assert.False(t, ok)
}
