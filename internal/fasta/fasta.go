// Package fasta reads and writes nucleotide FASTA.
package fasta

import (
	"bufio"
	"io"
	"strings"

	"github.com/go-faster/errors"
)

// Record is a single FASTA entry.
type Record struct {
	Header   string
	Sequence string
}

// ID returns the first whitespace-separated token of the header.
func (r Record) ID() string {
	id, _, _ := strings.Cut(strings.TrimSpace(r.Header), " ")
	return id
}

// Description returns the header without its identifier.
func (r Record) Description() string {
	_, rest, _ := strings.Cut(strings.TrimSpace(r.Header), " ")
	return strings.TrimSpace(rest)
}

// Limits bounds what Parse accepts. Zero values disable a check.
type Limits struct {
	MaxRecords int
	MaxLength  int
}

// Parse errors.
var (
	ErrEmpty          = errors.New("no sequences found")
	ErrMissingHeader  = errors.New("sequence data before first header")
	ErrTooManyRecords = errors.New("too many sequences")
)

// InvalidSequenceError reports a record that is not a valid nucleotide sequence.
type InvalidSequenceError struct {
	Header string
	Reason string
}

func (e *InvalidSequenceError) Error() string {
	return "sequence " + e.Header + ": " + e.Reason
}

const iupac = "ACGTURYSWKMBDHVN-"

// ValidNucleotides reports whether s contains only IUPAC nucleotide codes.
func ValidNucleotides(s string) bool {
	for i := range len(s) {
		if !strings.ContainsRune(iupac, rune(s[i])) {
			return false
		}
	}
	return true
}

// Parse reads every record from r. Sequences are upper-cased and stripped of
// whitespace. Record IDs must be unique.
func Parse(r io.Reader, lim Limits) ([]Record, error) {
	var (
		out  []Record
		cur  *Record
		sb   strings.Builder
		seen = make(map[string]struct{})
	)
	flush := func() error {
		if cur == nil {
			return nil
		}
		cur.Sequence = sb.String()
		sb.Reset()
		switch {
		case cur.Sequence == "":
			return &InvalidSequenceError{Header: cur.ID(), Reason: "empty sequence"}
		case !ValidNucleotides(cur.Sequence):
			return &InvalidSequenceError{Header: cur.ID(), Reason: "invalid nucleotide characters"}
		case lim.MaxLength > 0 && len(cur.Sequence) > lim.MaxLength:
			return &InvalidSequenceError{Header: cur.ID(), Reason: "sequence too long"}
		}
		if _, ok := seen[cur.ID()]; ok {
			return &InvalidSequenceError{Header: cur.ID(), Reason: "duplicate sequence ID"}
		}
		seen[cur.ID()] = struct{}{}
		out = append(out, *cur)
		if lim.MaxRecords > 0 && len(out) > lim.MaxRecords {
			return ErrTooManyRecords
		}
		return nil
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, ">") {
			if err := flush(); err != nil {
				return nil, err
			}
			cur = &Record{Header: strings.TrimSpace(line[1:])}
			continue
		}
		if cur == nil {
			return nil, ErrMissingHeader
		}
		for _, f := range strings.Fields(line) {
			sb.WriteString(strings.ToUpper(f))
		}
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "read fasta")
	}
	if err := flush(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrEmpty
	}
	return out, nil
}

// Write writes records with one header line and one sequence line each.
func Write(w io.Writer, records []Record) error {
	bw := bufio.NewWriter(w)
	for _, rec := range records {
		if _, err := bw.WriteString(">" + rec.Header + "\n" + rec.Sequence + "\n"); err != nil {
			return errors.Wrap(err, "write fasta")
		}
	}
	return bw.Flush()
}
