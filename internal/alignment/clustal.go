package alignment

import (
	"bufio"
	"io"
	"strings"

	"github.com/go-faster/errors"
)

// ParseClustal reads a Clustal format alignment. Blocks hold lines of
// `name sequence [position]`; conservation lines start with whitespace.
// Names are returned in order of first appearance.
func ParseClustal(r io.Reader) (names, sequences []string, err error) {
	var (
		index = map[string]int{}
		parts []*strings.Builder
	)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "CLUSTAL") {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			continue
		}
		f := strings.Fields(line)
		if len(f) < 2 {
			return nil, nil, errors.Errorf("malformed alignment line %q", line)
		}
		i, ok := index[f[0]]
		if !ok {
			i = len(names)
			index[f[0]] = i
			names = append(names, f[0])
			parts = append(parts, &strings.Builder{})
		}
		parts[i].WriteString(strings.ToUpper(f[1]))
	}
	if err := sc.Err(); err != nil {
		return nil, nil, errors.Wrap(err, "read alignment")
	}
	if len(names) == 0 {
		return nil, nil, errors.New("empty alignment")
	}
	sequences = make([]string, len(parts))
	for i, b := range parts {
		sequences[i] = b.String()
	}
	for i := range sequences {
		if len(sequences[i]) != len(sequences[0]) {
			return nil, nil, errors.Errorf("sequence %s has length %d, expected %d",
				names[i], len(sequences[i]), len(sequences[0]))
		}
	}
	return names, sequences, nil
}
