package sequence

import (
	"encoding/csv"
	"io"
	"strconv"

	"github.com/go-faster/errors"
)

var csvHeader = []string{
	"accession_number", "version", "definition", "organism", "organelle",
	"isolate", "country", "specimen_voucher", "type_material", "lat_lon",
	"taxid", "superkingdom", "kingdom", "phylum", "class", "order",
	"family", "genus", "species", "data_source", "dna_sequence",
}

// WriteCSV writes seqs as a CSV table with a header row.
func WriteCSV(w io.Writer, seqs []Sequence) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return errors.Wrap(err, "write header")
	}
	for i := range seqs {
		s := &seqs[i]
		row := []string{
			s.AccessionNumber, s.Version, s.Definition, s.Organism, s.Organelle,
			s.Isolate, s.Country, s.SpecimenVoucher, s.TypeMaterial, s.LatLon,
			strconv.FormatInt(s.TaxID, 10),
		}
		for _, r := range Ranks {
			row = append(row, s.Taxa[r].ScientificName)
		}
		row = append(row, string(s.Source), s.DNASequence)
		if err := cw.Write(row); err != nil {
			return errors.Wrapf(err, "write %s", s.Version)
		}
	}
	cw.Flush()
	return cw.Error()
}
