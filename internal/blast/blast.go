// Package blast runs the NCBI BLAST+ binaries and manages the files of
// reference databases and runs under the data directory.
package blast

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/barcode-identifier/barrel/internal/domain/library"
	"github.com/barcode-identifier/barrel/internal/domain/run"
	"github.com/barcode-identifier/barrel/internal/domain/sequence"
	"github.com/barcode-identifier/barrel/internal/fasta"
)

// OutputFormat is the tabular format requested from blastn.
const OutputFormat = "6 qaccver saccver pident length mismatch gapopen qstart qend sstart send evalue bitscore"

const (
	databaseName  = "database"
	databaseFasta = "database.fasta"
)

// Config locates the binaries and the data directory.
type Config struct {
	DataDir        string
	BinDir         string
	Blastn         string
	Makeblastdb    string
	EValue         string
	MaxTargetSeqs  int
	CommandTimeout time.Duration
}

// Runner implements database builds and searches on the local filesystem.
type Runner struct {
	cfg Config
}

var (
	_ library.DatabaseBuilder = (*Runner)(nil)
	_ run.Searcher            = (*Runner)(nil)
	_ run.Storage             = (*Runner)(nil)
)

// NewRunner creates a Runner.
func NewRunner(cfg Config) *Runner {
	if cfg.Blastn == "" {
		cfg.Blastn = "blastn"
	}
	if cfg.Makeblastdb == "" {
		cfg.Makeblastdb = "makeblastdb"
	}
	return &Runner{cfg: cfg}
}

// Binary returns the path used to invoke name.
func (r *Runner) Binary(name string) string {
	if r.cfg.BinDir == "" {
		return name
	}
	return filepath.Join(r.cfg.BinDir, name)
}

// Binaries lists the executables the runner depends on.
func (r *Runner) Binaries() []string {
	return []string{r.Binary(r.cfg.Blastn), r.Binary(r.cfg.Makeblastdb)}
}

// DatabaseDir is <data>/libraries/<library>/<blastdb>.
func (r *Runner) DatabaseDir(libraryID, blastdbID uuid.UUID) string {
	return filepath.Join(r.cfg.DataDir, "libraries", libraryID.String(), blastdbID.String())
}

// RunDir is <data>/runs/<run>.
func (r *Runner) RunDir(runID uuid.UUID) string {
	return filepath.Join(r.cfg.DataDir, "runs", runID.String())
}

// RemoveRun deletes every file of a run.
func (r *Runner) RemoveRun(runID uuid.UUID) error {
	if err := os.RemoveAll(r.RunDir(runID)); err != nil {
		return errors.Wrap(err, "remove run files")
	}
	return nil
}

// RemoveDatabase deletes the files of a version.
func (r *Runner) RemoveDatabase(libraryID, blastdbID uuid.UUID) error {
	if err := os.RemoveAll(r.DatabaseDir(libraryID, blastdbID)); err != nil {
		return errors.Wrap(err, "remove database files")
	}
	return nil
}

// BuildDatabase recreates the database directory of a version, writes its
// sequences keyed by accession version and runs makeblastdb over them.
func (r *Runner) BuildDatabase(ctx context.Context, libraryID, blastdbID uuid.UUID, seqs []sequence.Sequence) error {
	dir := r.DatabaseDir(libraryID, blastdbID)
	if err := os.RemoveAll(dir); err != nil {
		return errors.Wrap(err, "clear database dir")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "create database dir")
	}

	records := make([]fasta.Record, len(seqs))
	for i, s := range seqs {
		records[i] = fasta.Record{Header: s.Version, Sequence: s.DNASequence}
	}
	f, err := os.Create(filepath.Join(dir, databaseFasta))
	if err != nil {
		return errors.Wrap(err, "create database fasta")
	}
	if err := fasta.Write(f, records); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "close database fasta")
	}

	_, err = r.exec(ctx, dir, r.cfg.Makeblastdb,
		"-in", databaseFasta,
		"-dbtype", "nucl",
		"-out", databaseName,
		"-title", databaseName,
		"-parse_seqids",
	)
	if err != nil {
		return err
	}
	zctx.From(ctx).Info("BLAST database built",
		zap.Stringer("blastdb_id", blastdbID),
		zap.Int("sequences", len(seqs)),
	)
	return nil
}

// Version returns the first line of `blastn -version`.
func (r *Runner) Version(ctx context.Context) (string, error) {
	out, err := r.exec(ctx, "", r.cfg.Blastn, "-version")
	if err != nil {
		return "", err
	}
	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	return strings.TrimSpace(line), nil
}

// Search runs blastn of queryPath against a version's database, writing the
// tabular output to outPath.
func (r *Runner) Search(ctx context.Context, libraryID, blastdbID uuid.UUID, queryPath, outPath string) ([]run.Hit, error) {
	db := filepath.Join(r.DatabaseDir(libraryID, blastdbID), databaseName)
	if _, err := os.Stat(filepath.Join(filepath.Dir(db), databaseFasta)); err != nil {
		return nil, run.Permanent(errors.Wrap(err, "database files missing"))
	}
	args := []string{
		"-query", queryPath,
		"-db", db,
		"-out", outPath,
		"-outfmt", OutputFormat,
	}
	if r.cfg.EValue != "" {
		args = append(args, "-evalue", r.cfg.EValue)
	}
	if r.cfg.MaxTargetSeqs > 0 {
		args = append(args, "-max_target_seqs", strconv.Itoa(r.cfg.MaxTargetSeqs))
	}
	if _, err := r.exec(ctx, "", r.cfg.Blastn, args...); err != nil {
		return nil, err
	}

	f, err := os.Open(outPath)
	if err != nil {
		return nil, errors.Wrap(err, "open results")
	}
	defer f.Close()
	return ParseHits(f)
}

func (r *Runner) exec(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	if r.cfg.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.CommandTimeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, r.Binary(name), args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	zctx.From(ctx).Debug("Command finished",
		zap.String("command", name),
		zap.Duration("duration", time.Since(start)),
		zap.Error(err),
	)
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return nil, errors.Wrapf(err, "%s", name)
		}
		return nil, errors.Wrapf(err, "%s: %s", name, msg)
	}
	return stdout.Bytes(), nil
}

// ParseHits reads blastn tabular output in OutputFormat.
func ParseHits(rd io.Reader) ([]run.Hit, error) {
	var hits []run.Hit
	sc := bufio.NewScanner(rd)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		h, err := parseHit(strings.Split(text, "\t"))
		if err != nil {
			return nil, errors.Wrapf(err, "results line %d", line)
		}
		hits = append(hits, h)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "read results")
	}
	return hits, nil
}

func parseHit(f []string) (run.Hit, error) {
	if len(f) != 12 {
		return run.Hit{}, errors.Errorf("expected 12 columns, got %d", len(f))
	}
	h := run.Hit{
		QueryAccessionVersion:   f[0],
		SubjectAccessionVersion: f[1],
	}
	var err error
	decimals := []struct {
		dst *decimal.Decimal
		src string
	}{
		{&h.PercentIdentity, f[2]},
		{&h.EValue, f[10]},
		{&h.BitScore, f[11]},
	}
	for _, d := range decimals {
		if *d.dst, err = decimal.NewFromString(d.src); err != nil {
			return run.Hit{}, errors.Wrapf(err, "parse %q", d.src)
		}
	}
	ints := []struct {
		dst *int
		src string
	}{
		{&h.AlignmentLength, f[3]},
		{&h.Mismatches, f[4]},
		{&h.GapOpens, f[5]},
		{&h.QueryStart, f[6]},
		{&h.QueryEnd, f[7]},
		{&h.SequenceStart, f[8]},
		{&h.SequenceEnd, f[9]},
	}
	for _, i := range ints {
		if *i.dst, err = strconv.Atoi(i.src); err != nil {
			return run.Hit{}, errors.Wrapf(err, "parse %q", i.src)
		}
	}
	return h, nil
}
