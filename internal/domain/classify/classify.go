package classify

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Category is the accuracy category assigned to a query sequence.
type Category string

const (
	NoHits                     Category = "No hits"
	CorrectID                  Category = "Correct ID"
	NewID                      Category = "New ID"
	IncorrectID                Category = "Incorrect ID"
	TentativeCorrectID         Category = "Tentative Correct ID"
	UnknownID                  Category = "Unknown ID"
	TentativeAdditionalSpecies Category = "Tentative Additional Species"
	IncorrectIDNoMatch         Category = "Incorrect ID without Match"
)

// DefaultThreshold is the divergence separating confident from tentative calls.
const DefaultThreshold = 0.01

// UnspecifiedSpecies names references that have no species-level taxon.
const UnspecifiedSpecies = "Reference_unspecified_species"

// TreeID builds the identifier used for a sequence in alignments and trees.
// Spaces are not allowed in alignment identifiers.
func TreeID(id, species string, query bool) string {
	parts := []string{id, strings.ReplaceAll(species, " ", "_")}
	if query {
		parts = append(parts, "query")
	}
	return strings.Join(parts, "|")
}

// StripAbbreviations removes "cf." and "aff." tokens from a species name.
func StripAbbreviations(name string) string {
	fields := strings.Fields(name)
	out := fields[:0]
	for _, f := range fields {
		if f == "cf." || f == "aff." {
			continue
		}
		out = append(out, f)
	}
	return strings.Join(out, " ")
}

// labelledToSpecies reports whether a query name identifies a species.
func labelledToSpecies(name string) bool {
	return !strings.Contains(name, "sp.") && len(strings.Fields(name)) >= 2
}

// Hit is a BLAST hit reduced to what classification needs.
type Hit struct {
	TreeID          string
	Species         string
	PercentIdentity decimal.Decimal
}

// CompareHits returns 1 if b is a better hit than a, -1 if a is better and 0
// if they are equally good.
func CompareHits(a, b Hit) int {
	return b.PercentIdentity.Cmp(a.PercentIdentity)
}

// BestHits returns every hit tied for the highest percent identity, in
// input order.
func BestHits(hits []Hit) []Hit {
	var best []Hit
	for _, h := range hits {
		if len(best) == 0 {
			best = append(best, h)
			continue
		}
		switch CompareHits(best[0], h) {
		case 1:
			best = []Hit{h}
		case 0:
			best = append(best, h)
		}
	}
	return best
}

// Categorize applies the decision table for one query/reference pair.
// inLibrary tells whether the query species occurs among the references.
func Categorize(querySpecies, referenceSpecies string, divergence, threshold float64, inLibrary bool) Category {
	if divergence < threshold {
		switch {
		case querySpecies == referenceSpecies:
			return CorrectID
		case !labelledToSpecies(querySpecies):
			return NewID
		default:
			return IncorrectID
		}
	}
	switch {
	case querySpecies == referenceSpecies:
		return TentativeCorrectID
	case !labelledToSpecies(querySpecies):
		return UnknownID
	case !inLibrary:
		return TentativeAdditionalSpecies
	default:
		return IncorrectIDNoMatch
	}
}

// Query is a query sequence with its hits.
type Query struct {
	TreeID  string
	Species string
	Hits    []Hit
}

// Result is the classification of one query.
type Result struct {
	QueryTreeID      string
	QuerySpecies     string
	ReferenceTreeID  string
	ReferenceSpecies string
	Divergence       float64
	Category         Category
}

// Classifier categorizes queries against a distance matrix.
type Classifier struct {
	Matrix    *Matrix
	Threshold float64
	// References is the set of species present among reference sequences.
	References map[string]struct{}
}

// Classify picks the reference among the best hits (preferring one whose
// species matches the query) and categorizes the query.
func (c *Classifier) Classify(q Query) (Result, error) {
	species := StripAbbreviations(q.Species)
	res := Result{QueryTreeID: q.TreeID, QuerySpecies: species}

	best := BestHits(q.Hits)
	if len(best) == 0 {
		res.ReferenceSpecies = "No hits"
		res.Category = NoHits
		return res, nil
	}

	ref := best[0]
	for _, h := range best {
		if h.Species == species {
			ref = h
			break
		}
	}
	res.ReferenceTreeID = ref.TreeID
	res.ReferenceSpecies = ref.Species
	if res.ReferenceSpecies == "" {
		res.ReferenceSpecies = UnspecifiedSpecies
	}

	d, ok := c.Matrix.Get(q.TreeID, ref.TreeID)
	if !ok {
		return res, errors.Errorf("no distance between %s and %s", q.TreeID, ref.TreeID)
	}
	res.Divergence = d

	threshold := c.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	_, inLibrary := c.References[species]
	res.Category = Categorize(species, res.ReferenceSpecies, d, threshold, inLibrary)
	return res, nil
}

// WriteTSV writes classification results with a header row. Both ID
// columns hold the query's tree identifier.
func WriteTSV(w io.Writer, results []Result) error {
	bw := bufio.NewWriter(w)
	bw.WriteString("query_id\ttree_id\tquery_species\treference_species\taccuracy_category\n")
	for _, r := range results {
		fmt.Fprintf(bw, "%s\t%s\t%s\t%s\t%s\n", r.QueryTreeID, r.QueryTreeID, r.QuerySpecies, r.ReferenceSpecies, r.Category)
	}
	return bw.Flush()
}
