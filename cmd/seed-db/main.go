// Command seed-db applies the schema, creates or updates a user and
// optionally publishes a public library built from an accession list.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/barcode-identifier/barrel/internal/blast"
	"github.com/barcode-identifier/barrel/internal/domain/auth"
	"github.com/barcode-identifier/barrel/internal/domain/library"
	"github.com/barcode-identifier/barrel/internal/genbank"
	"github.com/barcode-identifier/barrel/internal/storage/postgres"
)

type options struct {
	databaseURL string
	secretKey   string
	username    string
	password    string
	superuser   bool
	staff       bool
	token       bool

	library        string
	markerGene     string
	accessionsFile string
	dataDir        string
	ncbiEmail      string
}

func main() {
	var o options

	flag.StringVar(&o.databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&o.secretKey, "secret-key", "", "token hashing key, required with -token (or SECRET_KEY env)")
	flag.StringVar(&o.username, "username", "admin", "user to create or update")
	flag.StringVar(&o.password, "password", "", "password of the user (or BARREL_SEED_PASSWORD env)")
	flag.BoolVar(&o.superuser, "superuser", false, "grant superuser rights")
	flag.BoolVar(&o.staff, "staff", true, "grant staff rights, required to create libraries")
	flag.BoolVar(&o.token, "token", false, "issue an API token for the user and print it")
	flag.StringVar(&o.library, "library", "", "create a public library with this name")
	flag.StringVar(&o.markerGene, "marker-gene", "", "marker gene of the library, e.g. CO1")
	flag.StringVar(&o.accessionsFile, "accessions", "", "file with one GenBank accession per line for the first version")
	flag.StringVar(&o.dataDir, "data-dir", "/var/data", "directory for BLAST databases")
	flag.StringVar(&o.ncbiEmail, "ncbi-email", "", "contact address sent to NCBI")
	flag.Parse()

	if o.databaseURL == "" {
		o.databaseURL = os.Getenv("DATABASE_URL")
	}
	if o.databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	if o.password == "" {
		o.password = os.Getenv("BARREL_SEED_PASSWORD")
	}
	if o.password == "" {
		slog.Error("password is required: set --password or BARREL_SEED_PASSWORD")
		os.Exit(1)
	}
	if o.secretKey == "" {
		o.secretKey = os.Getenv("SECRET_KEY")
	}
	if o.token && o.secretKey == "" {
		slog.Error("secret key is required with --token: set --secret-key or SECRET_KEY")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, o); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, o options) error {
	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, o.databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	users := postgres.NewUserRepository(pool)
	u, err := seedUser(ctx, users, o)
	if err != nil {
		return errors.Wrap(err, "seed user")
	}

	if o.token {
		token, _, err := auth.NewService(users, []byte(o.secretKey), 0).Login(ctx, o.username, o.password)
		if err != nil {
			return errors.Wrap(err, "issue token")
		}
		slog.Info("issued API token", slog.String("username", u.Username))
		fmt.Println(token)
	}

	if o.library == "" {
		return nil
	}
	return seedLibrary(ctx, library.NewService(
		postgres.NewLibraryRepository(pool),
		postgres.NewSequenceRepository(pool),
		users,
		genbank.NewClient(genbank.Config{Email: o.ncbiEmail}, nil, noop.NewTracerProvider()),
		blast.NewRunner(blast.Config{DataDir: o.dataDir}),
	), u, o)
}

func seedUser(ctx context.Context, users *postgres.UserRepository, o options) (*auth.User, error) {
	hash, err := auth.HashPassword(o.password)
	if err != nil {
		return nil, err
	}
	u := &auth.User{
		Username:     o.username,
		PasswordHash: hash,
		IsStaff:      o.staff || o.superuser,
		IsSuperuser:  o.superuser,
	}
	if err := users.UpsertUser(ctx, u); err != nil {
		return nil, err
	}
	slog.Info("upserted user",
		slog.String("username", u.Username),
		slog.Bool("staff", u.IsStaff),
		slog.Bool("superuser", u.IsSuperuser),
	)
	return u, nil
}

func seedLibrary(ctx context.Context, svc *library.Service, u *auth.User, o options) error {
	lib, err := svc.CreateLibrary(ctx, u, library.CreateLibraryRequest{
		Name:       o.library,
		MarkerGene: o.markerGene,
		Public:     true,
	})
	if err != nil {
		return errors.Wrap(err, "create library")
	}
	slog.Info("created library", slog.String("id", lib.ID.String()), slog.String("name", o.library))

	if o.accessionsFile == "" {
		return nil
	}
	accessions, err := readAccessions(o.accessionsFile)
	if err != nil {
		return err
	}

	slog.Info("fetching accessions from GenBank", slog.Int("count", len(accessions)))

	v, err := svc.CreateVersion(ctx, u, lib.ID, library.CreateVersionRequest{
		Accessions:  accessions,
		Description: "Initial version",
		Lock:        true,
	})
	if err != nil {
		return errors.Wrap(err, "create version")
	}
	slog.Info("published version",
		slog.String("id", v.ID.String()),
		slog.String("number", v.Number()),
	)
	return nil
}

func readAccessions(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	return out, nil
}
