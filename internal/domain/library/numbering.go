package library

import "github.com/barcode-identifier/barrel/internal/domain/sequence"

// NextVersion computes the number of a version being published, given the
// latest published version (nil for the first) and how its sequences differ.
func NextVersion(last *Version, summary sequence.UpdateSummary) (genbank, major, minor int16) {
	switch {
	case last == nil:
		return 1, 0, 0
	case summary.Structural():
		return last.GenBankVersion + 1, 0, 0
	case len(summary.MetadataChanged) > 0:
		return last.GenBankVersion, last.MajorVersion + 1, 0
	default:
		return last.GenBankVersion, last.MajorVersion, last.MinorVersion + 1
	}
}
