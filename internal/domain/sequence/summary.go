package sequence

// UpdateSummary lists accession numbers by the kind of change between two
// sets of sequences.
type UpdateSummary struct {
	NoChange                []string `json:"no_change"`
	AccessionVersionChanged []string `json:"accession_version_changed"`
	MetadataChanged         []string `json:"metadata_changed"`
	Deleted                 []string `json:"deleted"`
	Added                   []string `json:"added"`
}

// Structural reports whether sequences were added, removed or had their
// accession version or nucleotides changed.
func (s UpdateSummary) Structural() bool {
	return len(s.Added) > 0 || len(s.Deleted) > 0 || len(s.AccessionVersionChanged) > 0
}

// MetadataEqual compares the descriptive GenBank fields of two sequences.
func MetadataEqual(a, b *Sequence) bool {
	return a.Definition == b.Definition &&
		a.DNASequence == b.DNASequence &&
		a.Organism == b.Organism &&
		a.Organelle == b.Organelle &&
		a.Isolate == b.Isolate &&
		a.Country == b.Country &&
		a.SpecimenVoucher == b.SpecimenVoucher &&
		a.TypeMaterial == b.TypeMaterial &&
		a.LatLon == b.LatLon
}

// Compare summarizes how current differs from last, matching sequences by
// accession number.
func Compare(last, current []Sequence) UpdateSummary {
	var s UpdateSummary

	byLast := make(map[string]*Sequence, len(last))
	for i := range last {
		byLast[last[i].AccessionNumber] = &last[i]
	}
	inCurrent := make(map[string]struct{}, len(current))
	for i := range current {
		inCurrent[current[i].AccessionNumber] = struct{}{}
	}

	for i := range last {
		if _, ok := inCurrent[last[i].AccessionNumber]; !ok {
			s.Deleted = append(s.Deleted, last[i].AccessionNumber)
		}
	}
	for i := range current {
		cur := &current[i]
		prev, ok := byLast[cur.AccessionNumber]
		switch {
		case !ok:
			s.Added = append(s.Added, cur.AccessionNumber)
		case prev.Version != cur.Version || prev.DNASequence != cur.DNASequence:
			s.AccessionVersionChanged = append(s.AccessionVersionChanged, cur.AccessionNumber)
		case !MetadataEqual(prev, cur):
			s.MetadataChanged = append(s.MetadataChanged, cur.AccessionNumber)
		default:
			s.NoChange = append(s.NoChange, cur.AccessionNumber)
		}
	}
	return s
}
