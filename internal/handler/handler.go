// Package handler exposes the Barrel domain services over a JSON HTTP API.
package handler

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/barcode-identifier/barrel/internal/domain/access"
	"github.com/barcode-identifier/barrel/internal/domain/auth"
	"github.com/barcode-identifier/barrel/internal/domain/library"
	"github.com/barcode-identifier/barrel/internal/domain/run"
	"github.com/barcode-identifier/barrel/internal/domain/sequence"
)

// Authenticator issues and resolves API tokens.
type Authenticator interface {
	Login(ctx context.Context, username, password string) (string, *auth.User, error)
	Logout(ctx context.Context, token string) error
	Authenticate(ctx context.Context, token string) (*auth.User, error)
}

// Libraries is the library service as used by the API.
type Libraries interface {
	CreateLibrary(ctx context.Context, u *auth.User, req library.CreateLibraryRequest) (*library.Library, error)
	GetLibrary(ctx context.Context, u *auth.User, id uuid.UUID) (*library.Library, error)
	ListLibraries(ctx context.Context, u *auth.User) ([]library.Library, error)
	UpdateLibrary(ctx context.Context, u *auth.User, id uuid.UUID, req library.UpdateLibraryRequest) (*library.Library, error)
	DeleteLibrary(ctx context.Context, u *auth.User, id uuid.UUID) error

	ListShares(ctx context.Context, u *auth.User, id uuid.UUID) ([]library.Share, error)
	SetShare(ctx context.Context, u *auth.User, id uuid.UUID, username string, level access.Level) (*library.Share, error)
	RemoveShare(ctx context.Context, u *auth.User, id uuid.UUID, username string) error

	ListVersions(ctx context.Context, u *auth.User, id uuid.UUID) ([]library.Version, error)
	LatestVersion(ctx context.Context, u *auth.User, id uuid.UUID) (*library.Version, error)
	CreateVersion(ctx context.Context, u *auth.User, libraryID uuid.UUID, req library.CreateVersionRequest) (*library.Version, error)
	GetVersion(ctx context.Context, u *auth.User, id uuid.UUID) (*library.Version, *library.Library, error)
	UpdateVersion(ctx context.Context, u *auth.User, id uuid.UUID, description string) (*library.Version, error)
	DeleteVersion(ctx context.Context, u *auth.User, id uuid.UUID) error
	LockVersion(ctx context.Context, u *auth.User, id uuid.UUID) (*library.Version, error)
	History(ctx context.Context, u *auth.User, id uuid.UUID) ([]library.History, error)

	ListSequences(ctx context.Context, u *auth.User, id uuid.UUID) ([]sequence.Sequence, error)
	AddSequences(ctx context.Context, u *auth.User, id uuid.UUID, req library.AddSequencesRequest) ([]sequence.Sequence, error)
	DeleteSequences(ctx context.Context, u *auth.User, id uuid.UUID, accessions []string) (int, error)
	RefreshSequences(ctx context.Context, u *auth.User, id uuid.UUID, accessions []string) (*sequence.UpdateSummary, error)
	FilterSequences(ctx context.Context, u *auth.User, id uuid.UUID, filter sequence.Filter) ([]sequence.Sequence, error)
	ImportSequences(ctx context.Context, u *auth.User, id uuid.UUID, seqs []sequence.Sequence) ([]sequence.Sequence, error)
	Export(ctx context.Context, u *auth.User, id uuid.UUID) (*library.Version, []sequence.Sequence, error)

	GetSequence(ctx context.Context, u *auth.User, id uuid.UUID) (*sequence.Sequence, []sequence.Annotation, error)
	ListAnnotations(ctx context.Context, u *auth.User, id uuid.UUID) ([]sequence.Annotation, error)
	Annotate(ctx context.Context, u *auth.User, id uuid.UUID, typ sequence.AnnotationType, comment string) (*sequence.Annotation, error)
}

// Runs is the run service as used by the API.
type Runs interface {
	Submit(ctx context.Context, u *auth.User, req run.SubmitRequest) (*run.Run, error)
	Get(ctx context.Context, id uuid.UUID) (*run.Details, error)
	Status(ctx context.Context, id uuid.UUID) (*run.Run, error)
	List(ctx context.Context, u *auth.User) ([]run.Run, error)
	Delete(ctx context.Context, u *auth.User, id uuid.UUID) error
	FilePath(ctx context.Context, id uuid.UUID, name string) (string, error)
}

var (
	_ Authenticator = (*auth.Service)(nil)
	_ Libraries     = (*library.Service)(nil)
	_ Runs          = (*run.Service)(nil)
)

// Config holds non-dependency configuration for the Handler.
type Config struct {
	// MaxUploadBytes bounds GenBank uploads and query files. Zero means 64 MiB.
	MaxUploadBytes int64
}

// Handler serves the /api routes.
type Handler struct {
	auth      Authenticator
	libraries Libraries
	runs      Runs
	maxUpload int64
}

// New constructs a Handler with the required domain services.
func New(cfg Config, authn Authenticator, libraries Libraries, runs Runs) *Handler {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 64 << 20
	}
	return &Handler{
		auth:      authn,
		libraries: libraries,
		runs:      runs,
		maxUpload: cfg.MaxUploadBytes,
	}
}

// Echo returns an echo instance with every route mounted under /api.
func (h *Handler) Echo() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = ErrorHandler

	api := e.Group("/api", h.Authenticate)
	h.Register(api)
	return e
}

// Register mounts the API routes on g.
func (h *Handler) Register(g *echo.Group) {
	g.POST("/login", h.Login)
	g.POST("/logout", h.Logout)
	g.GET("/me", h.Me)

	g.GET("/libraries", h.ListLibraries)
	g.POST("/libraries", h.CreateLibrary)
	g.GET("/libraries/:id", h.GetLibrary)
	g.PATCH("/libraries/:id", h.UpdateLibrary)
	g.DELETE("/libraries/:id", h.DeleteLibrary)
	g.GET("/libraries/:id/shares", h.ListShares)
	g.PUT("/libraries/:id/shares/:username", h.SetShare)
	g.DELETE("/libraries/:id/shares/:username", h.RemoveShare)
	g.GET("/libraries/:id/versions", h.ListVersions)
	g.POST("/libraries/:id/versions", h.CreateVersion)
	g.GET("/libraries/:id/versions/latest", h.LatestVersion)
	g.POST("/libraries/:id/runs", h.SubmitLibraryRun)

	g.GET("/blastdbs/:id", h.GetVersion)
	g.PATCH("/blastdbs/:id", h.UpdateVersion)
	g.DELETE("/blastdbs/:id", h.DeleteVersion)
	g.POST("/blastdbs/:id/lock", h.LockVersion)
	g.GET("/blastdbs/:id/history", h.History)
	g.GET("/blastdbs/:id/sequences", h.ListSequences)
	g.POST("/blastdbs/:id/sequences", h.AddSequences)
	g.DELETE("/blastdbs/:id/sequences", h.DeleteSequences)
	g.POST("/blastdbs/:id/sequences/refresh", h.RefreshSequences)
	g.POST("/blastdbs/:id/sequences/filter", h.FilterSequences)
	g.POST("/blastdbs/:id/upload", h.Upload)
	g.GET("/blastdbs/:id/export", h.Export)
	g.POST("/blastdbs/:id/runs", h.SubmitRun)

	g.GET("/sequences/:id", h.GetSequence)
	g.GET("/sequences/:id/annotations", h.ListAnnotations)
	g.POST("/sequences/:id/annotations", h.Annotate)

	g.GET("/runs", h.ListRuns)
	g.GET("/runs/:id", h.GetRun)
	g.DELETE("/runs/:id", h.DeleteRun)
	g.GET("/runs/:id/status", h.RunStatus)
	g.GET("/runs/:id/files/:name", h.RunFile)
}

// RouteFinder resolves a request to its registered route pattern, so that
// metrics and logs group "/api/runs/:id" rather than every run ID.
func RouteFinder(e *echo.Echo) func(r *http.Request) (string, bool) {
	return func(r *http.Request) (string, bool) {
		c := e.NewContext(nil, nil)
		e.Router().Find(r.Method, r.URL.Path, c)
		if c.Path() == "" {
			return "", false
		}
		return r.Method + " " + c.Path(), true
	}
}

func pathID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func bind(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "can not understand the request body")
	}
	return nil
}
