// Command import-sequences loads GenBank flatfiles, plain or gzip
// compressed, into a draft version.
//
// Release dumps repeat accessions across files, and holding every version in
// a map does not fit in memory for the larger divisions. Pass 1 builds one
// bloom filter per file concurrently and collects versions that may repeat.
// Pass 2 streams the files again, dedupes only those candidates exactly and
// imports the rest in batches.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/barcode-identifier/barrel/internal/blast"
	"github.com/barcode-identifier/barrel/internal/domain/auth"
	"github.com/barcode-identifier/barrel/internal/domain/library"
	"github.com/barcode-identifier/barrel/internal/domain/sequence"
	"github.com/barcode-identifier/barrel/internal/genbank"
	"github.com/barcode-identifier/barrel/internal/storage/postgres"
)

const (
	bloomFPR      = 0.001
	progressEvery = 10_000
)

type options struct {
	databaseURL string
	blastdb     uuid.UUID
	username    string
	workers     int
	batchSize   int
	expected    uint
	ncbiEmail   string
	files       []string
}

func main() {
	var (
		o       options
		blastdb string
	)

	flag.StringVar(&o.databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&blastdb, "blastdb", "", "ID of the draft version to import into")
	flag.StringVar(&o.username, "username", "admin", "user performing the import, must be able to edit the library")
	flag.IntVar(&o.workers, "workers", 4, "files indexed concurrently")
	flag.IntVar(&o.batchSize, "batch", 500, "records per import batch")
	flag.UintVar(&o.expected, "expected", 1_000_000, "expected records per file, sizes the bloom filters")
	flag.StringVar(&o.ncbiEmail, "ncbi-email", "", "contact address sent to NCBI for taxonomy lookups")
	flag.Parse()

	if o.databaseURL == "" {
		o.databaseURL = os.Getenv("DATABASE_URL")
	}
	if o.databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	id, err := uuid.Parse(blastdb)
	if err != nil {
		slog.Error("valid --blastdb is required", slog.String("error", err.Error()))
		os.Exit(1)
	}
	o.blastdb = id
	o.files = flag.Args()
	if len(o.files) == 0 {
		slog.Error("no input files: pass GenBank flatfiles as arguments")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, o); err != nil {
		slog.Error("import failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("import completed successfully")
}

func run(ctx context.Context, o options) error {
	slog.Info("pass 1: building bloom filters", slog.Int("files", len(o.files)))

	ix, err := buildIndex(ctx, o.files, o.workers, o.expected)
	if err != nil {
		return errors.Wrap(err, "build index")
	}
	slog.Info("pass 1 complete", slog.Int("candidates", len(ix.candidates)))

	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, o.databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	users := postgres.NewUserRepository(pool)
	u, err := users.GetUserByUsername(ctx, o.username)
	if err != nil {
		return errors.Wrapf(err, "get user %s", o.username)
	}
	svc := library.NewService(
		postgres.NewLibraryRepository(pool),
		postgres.NewSequenceRepository(pool),
		users,
		genbank.NewClient(genbank.Config{Email: o.ncbiEmail}, nil, noop.NewTracerProvider()),
		blast.NewRunner(blast.Config{}),
	)

	slog.Info("pass 2: importing records")

	b := &batcher{size: max(o.batchSize, 1), flush: importer(svc, u, o.blastdb)}
	if err := ix.stream(ctx, o.files, func(ctx context.Context, s sequence.Sequence) error {
		return b.add(ctx, s)
	}); err != nil {
		return err
	}
	if err := b.close(ctx); err != nil {
		return err
	}
	slog.Info("pass 2 complete", slog.Int("imported", b.imported), slog.Int("skipped", ix.skipped))
	return nil
}

// index holds one bloom filter per input file and the versions that may
// occur more than once.
type index struct {
	filters    []*bloom.BloomFilter
	candidates map[string]struct{}
	skipped    int
}

func buildIndex(ctx context.Context, files []string, workers int, expected uint) (*index, error) {
	filters := make([]*bloom.BloomFilter, len(files))
	local := make([][]string, len(files))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(workers, 1))
	for i, path := range files {
		g.Go(func() error {
			f := bloom.NewWithEstimates(max(expected, 1), bloomFPR)
			n := 0
			err := scanFile(ctx, path, func(_ context.Context, s sequence.Sequence) error {
				if f.TestAndAddString(s.Version) {
					local[i] = append(local[i], s.Version)
				}
				n++
				if n%progressEvery == 0 {
					slog.Info("index progress", slog.String("path", path), slog.Int("records", n))
				}
				return nil
			})
			if err != nil {
				return errors.Wrapf(err, "index %s", path)
			}
			slog.Info("indexed file", slog.String("path", path), slog.Int("records", n))
			filters[i] = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	ix := &index{filters: filters, candidates: make(map[string]struct{})}
	for _, versions := range local {
		for _, v := range versions {
			ix.candidates[v] = struct{}{}
		}
	}
	return ix, nil
}

// maybeRepeated reports whether version, read from file i, may appear
// elsewhere. False is definite.
func (ix *index) maybeRepeated(i int, version string) bool {
	if _, ok := ix.candidates[version]; ok {
		return true
	}
	for j, f := range ix.filters {
		if j != i && f.TestString(version) {
			return true
		}
	}
	return false
}

// stream calls fn with the first record of every version, in file order.
func (ix *index) stream(ctx context.Context, files []string, fn func(context.Context, sequence.Sequence) error) error {
	seen := make(map[string]struct{})
	for i, path := range files {
		err := scanFile(ctx, path, func(ctx context.Context, s sequence.Sequence) error {
			if ix.maybeRepeated(i, s.Version) {
				if _, ok := seen[s.Version]; ok {
					ix.skipped++
					slog.Warn("duplicate record skipped", slog.String("version", s.Version))
					return nil
				}
				seen[s.Version] = struct{}{}
			}
			return fn(ctx, s)
		})
		if err != nil {
			return errors.Wrapf(err, "read %s", path)
		}
	}
	return nil
}

func scanFile(ctx context.Context, path string, fn func(context.Context, sequence.Sequence) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	rc, err := genbank.OpenFile(f)
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()

	return genbank.Scan(rc, func(s sequence.Sequence) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return fn(ctx, s)
	})
}

type batcher struct {
	size     int
	flush    func(context.Context, []sequence.Sequence) (int, error)
	pending  []sequence.Sequence
	imported int
}

func (b *batcher) add(ctx context.Context, s sequence.Sequence) error {
	b.pending = append(b.pending, s)
	if len(b.pending) < b.size {
		return nil
	}
	return b.close(ctx)
}

// close flushes pending records. The batcher stays usable.
func (b *batcher) close(ctx context.Context) error {
	if len(b.pending) == 0 {
		return nil
	}
	n, err := b.flush(ctx, b.pending)
	if err != nil {
		return errors.Wrapf(err, "import records %d-%d", b.imported+1, b.imported+len(b.pending))
	}
	b.imported += n
	b.pending = nil
	slog.Info("import progress", slog.Int("imported", b.imported))
	return nil
}

func importer(svc *library.Service, u *auth.User, id uuid.UUID) func(context.Context, []sequence.Sequence) (int, error) {
	return func(ctx context.Context, seqs []sequence.Sequence) (int, error) {
		added, err := svc.ImportSequences(ctx, u, id, seqs)
		return len(added), err
	}
}
