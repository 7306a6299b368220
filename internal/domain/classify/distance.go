// Package classify assigns accuracy categories to BLAST query sequences
// from their best hits and Kimura 2-parameter distances (Janzen et al. 2022).
package classify

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/go-faster/errors"
)

// ErrUndefinedDistance is returned when two sequences share no comparable
// bases or are too divergent for the K2P model.
var ErrUndefinedDistance = errors.New("k2p distance undefined")

func isTransition(a, b byte) bool {
	if a > b {
		a, b = b, a
	}
	return (a == 'A' && b == 'G') || (a == 'C' && b == 'T')
}

func isTransversion(a, b byte) bool {
	if a > b {
		a, b = b, a
	}
	switch {
	case a == 'A' && (b == 'C' || b == 'T'):
		return true
	case a == 'C' && b == 'G':
		return true
	case a == 'G' && b == 'T':
		return true
	}
	return false
}

// K2P returns the Kimura 2-parameter distance between two aligned
// sequences. Columns with a gap in either sequence are skipped.
func K2P(x, y string) (float64, error) {
	if len(x) != len(y) {
		return 0, errors.Errorf("aligned lengths differ: %d != %d", len(x), len(y))
	}
	x, y = strings.ToUpper(x), strings.ToUpper(y)

	var transitions, transversions, bases int
	for i := range len(x) {
		a, b := x[i], y[i]
		if a == '-' || b == '-' {
			continue
		}
		switch {
		case isTransition(a, b):
			transitions++
		case isTransversion(a, b):
			transversions++
		}
		bases++
	}
	if bases == 0 {
		return 0, ErrUndefinedDistance
	}

	p := float64(transitions) / float64(bases)
	q := float64(transversions) / float64(bases)
	a, b := 1-2*p-q, 1-2*q
	if a <= 0 || b <= 0 {
		return 0, ErrUndefinedDistance
	}
	d := -0.5*math.Log(a) - 0.25*math.Log(b)
	if d == 0 {
		// Avoid negative zero.
		return 0, nil
	}
	return d, nil
}

// Matrix is a symmetric distance matrix over named sequences.
type Matrix struct {
	Names  []string
	index  map[string]int
	values [][]float64
}

// NewMatrix creates a zeroed matrix.
func NewMatrix(names []string) *Matrix {
	m := &Matrix{
		Names:  names,
		index:  make(map[string]int, len(names)),
		values: make([][]float64, len(names)),
	}
	for i, n := range names {
		m.index[n] = i
		m.values[i] = make([]float64, len(names))
	}
	return m
}

// Get returns the distance between two named sequences.
func (m *Matrix) Get(a, b string) (float64, bool) {
	if m == nil {
		return 0, false
	}
	i, ok := m.index[a]
	if !ok {
		return 0, false
	}
	j, ok := m.index[b]
	if !ok {
		return 0, false
	}
	return m.values[i][j], true
}

func (m *Matrix) set(i, j int, v float64) {
	m.values[i][j] = v
	m.values[j][i] = v
}

// BuildMatrix computes pairwise K2P distances for aligned sequences.
func BuildMatrix(names, aligned []string) (*Matrix, error) {
	if len(names) != len(aligned) {
		return nil, errors.Errorf("%d names for %d sequences", len(names), len(aligned))
	}
	m := NewMatrix(names)
	for i := 0; i < len(names)-1; i++ {
		for j := i + 1; j < len(names); j++ {
			d, err := K2P(aligned[i], aligned[j])
			if err != nil {
				return nil, errors.Wrapf(err, "distance %s to %s", names[i], names[j])
			}
			m.set(i, j, d)
		}
	}
	return m, nil
}

// WritePhylip writes the full square matrix in PHYLIP distance format.
func (m *Matrix) WritePhylip(w io.Writer) error {
	width := 12
	for _, n := range m.Names {
		width = max(width, len(n)+1)
	}

	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "    %d\n", len(m.Names))
	for i, n := range m.Names {
		fmt.Fprintf(bw, "%-*s", width, n)
		for j := range m.Names {
			if j > 0 {
				bw.WriteString("  ")
			}
			fmt.Fprintf(bw, "%.4f", m.values[i][j])
		}
		bw.WriteByte('\n')
	}
	return bw.Flush()
}
