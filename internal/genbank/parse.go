package genbank

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/klauspost/pgzip"

	"github.com/barcode-identifier/barrel/internal/domain/sequence"
)

// NotAvailable fills source qualifiers of records without a source feature.
const NotAvailable = "N/A"

const dateLayout = "02-Jan-2006"

var sourceQualifiers = []string{
	"organism", "organelle", "isolate", "country", "specimen_voucher",
	"type_material", "lat_lon", "identified_by", "collected_by", "collection_date",
}

type qualifier struct {
	name  string
	value string
}

type feature struct {
	key        string
	qualifiers []qualifier
}

func (f *feature) values(name string) []string {
	var out []string
	for _, q := range f.qualifiers {
		if q.name == name {
			out = append(out, q.value)
		}
	}
	return out
}

func (f *feature) first(name string) (string, bool) {
	for _, q := range f.qualifiers {
		if q.name == name {
			return q.value, true
		}
	}
	return "", false
}

// rawRecord collects the text of one flatfile entry.
type rawRecord struct {
	locus      string
	definition []string
	accession  string
	version    string
	keywords   []string
	organism   []string
	lineage    []string
	authors    []string
	title      []string
	journal    []string
	references int
	features   []*feature
	seq        strings.Builder
	hasOrigin  bool
}

// OpenFile returns a reader over a flatfile that may be gzip compressed.
func OpenFile(r io.Reader) (io.ReadCloser, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(2)
	if err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		zr, err := pgzip.NewReader(br)
		if err != nil {
			return nil, errors.Wrap(err, "open gzip")
		}
		return zr, nil
	}
	return io.NopCloser(br), nil
}

// Parse reads GenBank flatfile records. Records without sequence data are
// skipped.
func Parse(r io.Reader) ([]sequence.Sequence, error) {
	var out []sequence.Sequence
	err := Scan(r, func(s sequence.Sequence) error {
		out = append(out, s)
		return nil
	})
	return out, err
}

// ErrNoRecords is returned by ParseFile for input without any usable record.
var ErrNoRecords = errors.New("no GenBank records with sequence data")

// ParseFile parses an uploaded flatfile, optionally gzip compressed.
func ParseFile(r io.Reader) ([]sequence.Sequence, error) {
	rc, err := OpenFile(r)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	seqs, err := Parse(rc)
	if err != nil {
		return nil, err
	}
	if len(seqs) == 0 {
		return nil, ErrNoRecords
	}
	return seqs, nil
}

// Scan calls fn for every record in r as it is parsed.
func Scan(r io.Reader, fn func(sequence.Sequence) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)

	var (
		cur     *rawRecord
		section string
		last    *[]string
		line    int
	)
	for sc.Scan() {
		line++
		text := strings.TrimRight(sc.Text(), " \r")
		if text == "" {
			continue
		}
		if text == "//" {
			if cur != nil {
				if s, ok := cur.build(); ok {
					if err := fn(s); err != nil {
						return err
					}
				}
			}
			cur, section, last = nil, "", nil
			continue
		}
		if cur == nil {
			if !strings.HasPrefix(text, "LOCUS") {
				continue
			}
			cur = &rawRecord{}
		}

		switch {
		case section == "ORIGIN" && text[0] == ' ':
			for _, f := range strings.Fields(text) {
				if _, err := strconv.Atoi(f); err == nil {
					continue
				}
				cur.seq.WriteString(strings.ToUpper(f))
			}
			continue
		case section == "FEATURES" && text[0] == ' ':
			if err := cur.featureLine(text); err != nil {
				return errors.Wrapf(err, "line %d", line)
			}
			continue
		}

		key, value := splitLine(text)
		if key == "" {
			if last != nil {
				*last = append(*last, value)
			}
			continue
		}
		if text[0] != ' ' {
			section = key
		}
		last = nil
		switch key {
		case "LOCUS":
			cur.locus = value
		case "DEFINITION":
			last = &cur.definition
		case "ACCESSION":
			cur.accession = firstField(value)
		case "VERSION":
			cur.version = firstField(value)
		case "KEYWORDS":
			last = &cur.keywords
		case "ORGANISM":
			cur.organism = append(cur.organism, value)
			last = &cur.lineage
			continue
		case "REFERENCE":
			cur.references++
		case "AUTHORS":
			if cur.references == 1 {
				last = &cur.authors
			}
		case "TITLE":
			if cur.references == 1 {
				last = &cur.title
			}
		case "JOURNAL":
			if cur.references == 1 {
				last = &cur.journal
			}
		case "ORIGIN":
			cur.hasOrigin = true
		}
		if last != nil {
			*last = append(*last, value)
		}
	}
	if err := sc.Err(); err != nil {
		return errors.Wrap(err, "read genbank")
	}
	return nil
}

// splitLine splits a header line into its keyword (columns 0-11) and value.
// Continuation lines have an empty keyword.
func splitLine(text string) (key, value string) {
	if len(text) <= 12 {
		return strings.TrimSpace(text), ""
	}
	return strings.TrimSpace(text[:12]), strings.TrimSpace(text[12:])
}

func firstField(s string) string {
	if f := strings.Fields(s); len(f) > 0 {
		return f[0]
	}
	return ""
}

// featureLine handles a line of the FEATURES table. Feature keys start at
// column 5, qualifiers at column 21.
func (r *rawRecord) featureLine(text string) error {
	if len(text) > 5 && text[5] != ' ' {
		r.features = append(r.features, &feature{key: firstField(text)})
		return nil
	}
	if len(r.features) == 0 {
		return errors.New("qualifier before first feature")
	}
	f := r.features[len(r.features)-1]
	body := strings.TrimSpace(text)
	if strings.HasPrefix(body, "/") {
		name, value, _ := strings.Cut(body[1:], "=")
		f.qualifiers = append(f.qualifiers, qualifier{name: name, value: value})
		return nil
	}
	if len(f.qualifiers) == 0 {
		// Continued location.
		return nil
	}
	q := &f.qualifiers[len(f.qualifiers)-1]
	if q.name == "translation" {
		q.value += body
	} else {
		q.value += " " + body
	}
	return nil
}

func unquote(v string) string {
	if len(v) >= 2 && strings.HasPrefix(v, `"`) && strings.HasSuffix(v, `"`) {
		v = v[1 : len(v)-1]
	}
	return strings.ReplaceAll(v, `""`, `"`)
}

func (r *rawRecord) source() *feature {
	for _, f := range r.features {
		if f.key == "source" {
			return f
		}
	}
	return nil
}

func (r *rawRecord) build() (sequence.Sequence, bool) {
	if !r.hasOrigin || r.seq.Len() == 0 {
		return sequence.Sequence{}, false
	}
	s := sequence.Sequence{
		AccessionNumber: firstField(r.locus),
		Version:         r.version,
		Definition:      strings.TrimSuffix(strings.Join(r.definition, " "), "."),
		DNASequence:     r.seq.String(),
		Keywords:        joinList(r.keywords),
		Taxonomy:        joinList(r.lineage),
		Authors:         strings.Join(r.authors, " "),
		Title:           strings.Join(r.title, " "),
		Journal:         strings.Join(r.journal, " "),
		Source:          sequence.SourceGenBank,
	}
	if s.AccessionNumber == "" {
		s.AccessionNumber = r.accession
	}
	if s.Version == "" {
		s.Version = s.AccessionNumber
	}
	if f := strings.Fields(r.locus); len(f) > 0 {
		if t, err := time.Parse(dateLayout, f[len(f)-1]); err == nil {
			s.ModifiedAt = &t
		}
	}
	for _, f := range r.features {
		if f.key != "CDS" {
			continue
		}
		if v, ok := f.first("translation"); ok {
			s.Translation = unquote(v)
			break
		}
	}

	src := r.source()
	if src == nil {
		for _, name := range sourceQualifiers {
			setQualifier(&s, name, NotAvailable)
		}
		return s, true
	}
	for _, name := range sourceQualifiers {
		v, _ := src.first(name)
		setQualifier(&s, name, unquote(v))
	}
	for _, x := range src.values("db_xref") {
		db, id, ok := strings.Cut(unquote(x), ":")
		if !ok || db != "taxon" {
			continue
		}
		if n, err := strconv.ParseInt(id, 10, 64); err == nil {
			s.TaxID = n
			break
		}
	}
	if s.TypeMaterial == "" {
		s.TypeMaterial = typeFromNotes(src.values("note"))
	}
	return s, true
}

// typeFromNotes infers type material from /note qualifiers that mention a
// paratype or holotype.
func typeFromNotes(notes []string) string {
	if len(notes) == 0 {
		return ""
	}
	parts := make([]string, len(notes))
	for i, n := range notes {
		parts[i] = unquote(n)
	}
	joined := strings.Join(parts, "\n")
	lower := strings.ToLower(joined)
	if strings.Contains(lower, "paratype") || strings.Contains(lower, "holotype") {
		if strings.HasPrefix(lower, "type: ") && len(lower) > 6 {
			return joined[6:]
		}
	}
	return joined
}

// joinList converts a ';' separated flatfile list ending with '.' into a
// comma separated one.
func joinList(lines []string) string {
	text := strings.TrimSuffix(strings.TrimSpace(strings.Join(lines, " ")), ".")
	if text == "" {
		return ""
	}
	parts := strings.Split(text, ";")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return strings.Join(parts, ",")
}

func setQualifier(s *sequence.Sequence, name, value string) {
	switch name {
	case "organism":
		s.Organism = value
	case "organelle":
		s.Organelle = value
	case "isolate":
		s.Isolate = value
	case "country":
		s.Country = value
	case "specimen_voucher":
		s.SpecimenVoucher = value
	case "type_material":
		s.TypeMaterial = value
	case "lat_lon":
		s.LatLon = value
	case "identified_by":
		s.IdentifiedBy = value
	case "collected_by":
		s.CollectedBy = value
	case "collection_date":
		s.CollectionDate = value
	}
}

