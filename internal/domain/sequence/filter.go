package sequence

import (
	"fmt"
	"slices"
	"strings"
)

// Filter describes which sequences are acceptable in a library version.
// Nil bounds are not enforced.
type Filter struct {
	MinLength         *int     `json:"min_length,omitempty"`
	MaxLength         *int     `json:"max_length,omitempty"`
	MaxAmbiguousBases *int     `json:"max_ambiguous_bases,omitempty"`
	Blacklist         []string `json:"blacklist,omitempty"`
	RequireTaxonomy   bool     `json:"require_taxonomy,omitempty"`
}

// IsZero reports whether the filter rejects nothing.
func (f Filter) IsZero() bool {
	return f.MinLength == nil && f.MaxLength == nil && f.MaxAmbiguousBases == nil &&
		len(f.Blacklist) == 0 && !f.RequireTaxonomy
}

// AmbiguousBases counts N bases in a nucleotide sequence.
func AmbiguousBases(dna string) int {
	return strings.Count(strings.ToUpper(dna), "N")
}

// Violation returns the first reason s is rejected, or "" if it passes.
func (f Filter) Violation(s *Sequence) string {
	n := len(s.DNASequence)
	switch {
	case slices.Contains(f.Blacklist, s.AccessionNumber) || slices.Contains(f.Blacklist, s.Version):
		return "blacklisted"
	case f.MinLength != nil && n < *f.MinLength:
		return fmt.Sprintf("length %d < %d bp", n, *f.MinLength)
	case f.MaxLength != nil && n > *f.MaxLength:
		return fmt.Sprintf("length %d > %d bp", n, *f.MaxLength)
	case f.MaxAmbiguousBases != nil && AmbiguousBases(s.DNASequence) > *f.MaxAmbiguousBases:
		return fmt.Sprintf("more than %d ambiguous bases", *f.MaxAmbiguousBases)
	case f.RequireTaxonomy && !s.Taxa.Complete():
		return "incomplete taxonomy"
	}
	return ""
}

// Reasons describes the filter for the change history.
func (f Filter) Reasons() []string {
	var out []string
	if len(f.Blacklist) > 0 {
		out = append(out, "Remove using blacklist "+strings.Join(f.Blacklist, ", "))
	}
	if f.MinLength != nil {
		out = append(out, fmt.Sprintf("Delete length < %d bp", *f.MinLength))
	}
	if f.MaxLength != nil {
		out = append(out, fmt.Sprintf("Delete length > %d bp", *f.MaxLength))
	}
	if f.MaxAmbiguousBases != nil {
		out = append(out, fmt.Sprintf("Delete if Ns > %d bp", *f.MaxAmbiguousBases))
	}
	if f.RequireTaxonomy {
		out = append(out, "Delete if taxonomy incomplete")
	}
	return out
}

// Split partitions seqs into those accepted and those rejected by f.
func (f Filter) Split(seqs []Sequence) (kept, rejected []Sequence) {
	for i := range seqs {
		if f.Violation(&seqs[i]) != "" {
			rejected = append(rejected, seqs[i])
		} else {
			kept = append(kept, seqs[i])
		}
	}
	return kept, rejected
}
