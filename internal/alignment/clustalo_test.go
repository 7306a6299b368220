package alignment

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/barcode-identifier/barrel/internal/fasta"
)

const clustalOutput = `CLUSTAL O(1.2.4) multiple sequence alignment


seq000000      ACGTACGTAC--	10
seq000001      ACGTACGTACGT	12
seq000002      acgtac-tacgt	11
               ****** ***

seq000000      GGAA	14
seq000001      GGAT	16
seq000002      GGAA	15
               ***
`

func TestParseClustal(t *testing.T) {
	names, seqs, err := ParseClustal(strings.NewReader(clustalOutput))
	require.NoError(t, err)
	assert.Equal(t, []string{"seq000000", "seq000001", "seq000002"}, names)
	assert.Equal(t, []string{"ACGTACGTAC--GGAA", "ACGTACGTACGTGGAT", "ACGTAC-TACGTGGAA"}, seqs)
}

func TestParseClustal_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "Empty", input: "CLUSTAL O(1.2.4)\n\n"},
		{name: "MissingSequence", input: "seq1\n"},
		{name: "Ragged", input: "a ACGT\nb ACG\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ParseClustal(strings.NewReader(tt.input))
			require.Error(t, err)
		})
	}
}

func TestDecodeStatus(t *testing.T) {
	s, err := decodeStatus([]byte(`{"status":"FINISHED"}`))
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, s)

	s, err = decodeStatus([]byte("RUNNING\n"))
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, s)

	assert.True(t, StatusFailure.Failed())
	assert.False(t, StatusQueued.Failed())
}

type fakeEBI struct {
	polls    atomic.Int32
	final    Status
	sequence string
}

func (f *fakeEBI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/run":
		_ = r.ParseForm()
		f.sequence = r.Form.Get("sequence")
		io.WriteString(w, "clustalo-R20240101-000000-0001-1234-p1m\n")
	case strings.HasPrefix(r.URL.Path, "/status/"):
		if f.polls.Add(1) < 2 {
			io.WriteString(w, `{"status":"RUNNING"}`)
			return
		}
		io.WriteString(w, `{"status":"`+string(f.final)+`"}`)
	case strings.HasSuffix(r.URL.Path, "/aln-clustal_num"):
		io.WriteString(w, clustalOutput)
	case strings.HasSuffix(r.URL.Path, "/phylotree"):
		io.WriteString(w, "(\nseq000000:0.1,\nseq000001:0.2,\nseq000002:0.3);\n")
	default:
		http.NotFound(w, r)
	}
}

func newTestClient(t *testing.T, f *fakeEBI) *Client {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return NewClient(Config{
		BaseURL:      srv.URL,
		Email:        "lab@example.org",
		PollInterval: 5 * time.Millisecond,
		Timeout:      5 * time.Second,
	}, srv.Client(), noop.NewTracerProvider())
}

func TestAlign(t *testing.T) {
	f := &fakeEBI{final: StatusFinished}
	c := newTestClient(t, f)

	a, err := c.Align(context.Background(), []fasta.Record{
		{Header: "seq000000", Sequence: "ACGTACGTACGGAA"},
		{Header: "seq000001", Sequence: "ACGTACGTACGTGGAT"},
	})
	require.NoError(t, err)
	assert.Equal(t, "clustalo-R20240101-000000-0001-1234-p1m", a.JobID)
	assert.Len(t, a.Names, 3)
	assert.Equal(t, "ACGTACGTAC--GGAA", a.Sequences[0])
	assert.True(t, strings.HasSuffix(a.Tree, ");"))
	assert.Equal(t, ">seq000000\nACGTACGTACGGAA\n>seq000001\nACGTACGTACGTGGAT\n", f.sequence)
	assert.GreaterOrEqual(t, f.polls.Load(), int32(2))
}

func TestAlign_JobFailed(t *testing.T) {
	c := newTestClient(t, &fakeEBI{final: StatusFailure})

	_, err := c.Align(context.Background(), []fasta.Record{{Header: "a", Sequence: "ACGT"}})
	var jobErr *JobError
	require.ErrorAs(t, err, &jobErr)
	assert.Equal(t, StatusFailure, jobErr.Status)
}
