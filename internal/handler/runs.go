package handler

import (
	"io"
	"net/http"
	"strings"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/barcode-identifier/barrel/internal/domain/run"
)

// SubmitLibraryRun queues a BLAST search against the latest published
// version of a library.
func (h *Handler) SubmitLibraryRun(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	return h.submit(c, nil, &id)
}

// submit accepts JSON or a multipart form. A "query_file" part replaces the
// query_sequence field.
func (h *Handler) submit(c echo.Context, blastdbID, libraryID *uuid.UUID) error {
	c.Request().Body = http.MaxBytesReader(c.Response(), c.Request().Body, h.maxUpload)

	var req runRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if strings.HasPrefix(c.Request().Header.Get(echo.HeaderContentType), echo.MIMEMultipartForm) {
		if fh, err := c.FormFile("query_file"); err == nil {
			f, err := fh.Open()
			if err != nil {
				return err
			}
			data, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "read query file")
			}
			req.Queries = string(data)
		}
	}

	submit := run.SubmitRequest{
		BlastDbID:     blastdbID,
		LibraryID:     libraryID,
		JobName:       req.JobName,
		Queries:       req.Queries,
		CreateHitTree: req.CreateHitTree == nil || *req.CreateHitTree,
		CreateDbTree:  req.CreateDbTree == nil || *req.CreateDbTree,
	}
	r, err := h.runs.Submit(c.Request().Context(), currentUser(c), submit)
	if err != nil {
		if errors.Is(err, run.ErrQueueUnavailable) && r != nil {
			return c.JSON(http.StatusServiceUnavailable, struct {
				errorResponse
				Run runStatusResponse `json:"run"`
			}{
				errorResponse: errorResponse{Code: http.StatusServiceUnavailable, Message: err.Error()},
				Run:           toRunStatus(r),
			})
		}
		return err
	}
	return c.JSON(http.StatusCreated, toRunStatus(r))
}

// ListRuns returns the runs the caller may manage, newest first.
func (h *Handler) ListRuns(c echo.Context) error {
	runs, err := h.runs.List(c.Request().Context(), currentUser(c))
	if err != nil {
		return err
	}
	out := make([]runResponse, len(runs))
	for i := range runs {
		out[i] = toRun(&runs[i])
	}
	return c.JSON(http.StatusOK, out)
}

// GetRun returns a run with its queries and hits. Anyone holding the run ID
// may read it.
func (h *Handler) GetRun(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	d, err := h.runs.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toDetails(d))
}

func (h *Handler) RunStatus(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	r, err := h.runs.Status(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toRunStatus(r))
}

func (h *Handler) DeleteRun(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if err := h.runs.Delete(c.Request().Context(), currentUser(c), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// RunFile downloads one of the result files of a run.
func (h *Handler) RunFile(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	name := c.Param("name")
	p, err := h.runs.FilePath(c.Request().Context(), id, name)
	if err != nil {
		return err
	}
	return c.Attachment(p, id.String()+"_"+name)
}
