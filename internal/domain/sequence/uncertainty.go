package sequence

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// uncertaintyMarkers flag lineages or definitions whose identification is
// provisional.
var uncertaintyMarkers = []string{
	"cf.", "aff.", "sp.", "environment", "undescribed", "uncultured",
	"complex", "unclassified", "nom.", "nud.", "unidentif",
}

// UncertaintyMarkers returns the markers found in the lineage or definition.
func UncertaintyMarkers(s *Sequence) []string {
	var found []string
	for _, m := range uncertaintyMarkers {
		if strings.Contains(s.Taxonomy, m) || strings.Contains(s.Definition, m) {
			found = append(found, m)
		}
	}
	return found
}

// AutoAnnotations returns one unresolved-taxonomy annotation per marker
// found in s. s must already have an ID.
func AutoAnnotations(s *Sequence, now time.Time) []Annotation {
	markers := UncertaintyMarkers(s)
	out := make([]Annotation, 0, len(markers))
	for _, m := range markers {
		out = append(out, Annotation{
			ID:         uuid.New(),
			SequenceID: s.ID,
			Type:       AnnotationUnresolvedTaxonomy,
			Comment:    fmt.Sprintf("(Auto-annotation by Barrel) Potential taxonomic uncertainty due to presence of %q string within lineage or definition.", m),
			CreatedAt:  now,
		})
	}
	return out
}
