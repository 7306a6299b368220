package handler

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/barcode-identifier/barrel/internal/domain/library"
	"github.com/barcode-identifier/barrel/internal/domain/sequence"
	"github.com/barcode-identifier/barrel/internal/fasta"
	"github.com/barcode-identifier/barrel/internal/genbank"
)

type versionDetails struct {
	versionResponse
	Library libraryResponse `json:"library_details"`
}

func (h *Handler) GetVersion(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	v, lib, err := h.libraries.GetVersion(c.Request().Context(), currentUser(c), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, versionDetails{versionResponse: toVersion(v), Library: toLibrary(lib)})
}

// UpdateVersion edits the description of a version.
func (h *Handler) UpdateVersion(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req struct {
		Description string `json:"description"`
	}
	if err := bind(c, &req); err != nil {
		return err
	}
	v, err := h.libraries.UpdateVersion(c.Request().Context(), currentUser(c), id, req.Description)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toVersion(v))
}

func (h *Handler) DeleteVersion(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if err := h.libraries.DeleteVersion(c.Request().Context(), currentUser(c), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// LockVersion publishes a draft and builds its BLAST database.
func (h *Handler) LockVersion(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	v, err := h.libraries.LockVersion(c.Request().Context(), currentUser(c), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toVersion(v))
}

func (h *Handler) History(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	history, err := h.libraries.History(c.Request().Context(), currentUser(c), id)
	if err != nil {
		return err
	}
	out := make([]historyResponse, len(history))
	for i, e := range history {
		out[i] = historyResponse{
			ID:          e.ID,
			Reason:      e.Reason,
			Added:       nonNil(e.Added),
			Deleted:     nonNil(e.Deleted),
			SearchTerms: nonNil(e.SearchTerms),
			CreatedAt:   e.CreatedAt,
		}
	}
	return c.JSON(http.StatusOK, out)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func (h *Handler) ListSequences(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	seqs, err := h.libraries.ListSequences(c.Request().Context(), currentUser(c), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toSequences(seqs))
}

// AddSequences fetches accessions and search results into a draft.
func (h *Handler) AddSequences(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req accessionsRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	added, err := h.libraries.AddSequences(c.Request().Context(), currentUser(c), id, library.AddSequencesRequest{
		Accessions: req.Accessions,
		SearchTerm: req.SearchTerm,
		Filter:     req.Filter,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, toSequences(added))
}

func (h *Handler) DeleteSequences(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req accessionsRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	n, err := h.libraries.DeleteSequences(c.Request().Context(), currentUser(c), id, req.Accessions)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]int{"deleted": n})
}

// RefreshSequences re-downloads the selected accessions, or all of them when
// the body lists none, and reports what changed.
func (h *Handler) RefreshSequences(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req accessionsRequest
	if c.Request().ContentLength != 0 {
		if err := bind(c, &req); err != nil {
			return err
		}
	}
	summary, err := h.libraries.RefreshSequences(c.Request().Context(), currentUser(c), id, req.Accessions)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, summary)
}

// FilterSequences removes sequences violating the filter and returns them.
func (h *Handler) FilterSequences(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var filter sequence.Filter
	if err := bind(c, &filter); err != nil {
		return err
	}
	removed, err := h.libraries.FilterSequences(c.Request().Context(), currentUser(c), id, filter)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toSequences(removed))
}

// Upload imports a GenBank flatfile, optionally gzip compressed, sent as the
// "file" field of a multipart form.
func (h *Handler) Upload(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	c.Request().Body = http.MaxBytesReader(c.Response(), c.Request().Body, h.maxUpload)
	fh, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "multipart field \"file\" required")
	}
	f, err := fh.Open()
	if err != nil {
		return err
	}
	defer f.Close()

	seqs, err := genbank.ParseFile(f)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("parse %s: %v", fh.Filename, err))
	}
	added, err := h.libraries.ImportSequences(c.Request().Context(), currentUser(c), id, seqs)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, toSequences(added))
}

// Export downloads the sequences of a version as FASTA (default) or CSV.
func (h *Handler) Export(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	format := c.QueryParam("format")
	if format == "" {
		format = "fasta"
	}
	if format != "fasta" && format != "csv" {
		return echo.NewHTTPError(http.StatusBadRequest, "format must be fasta or csv")
	}

	v, seqs, err := h.libraries.Export(c.Request().Context(), currentUser(c), id)
	if err != nil {
		return err
	}

	var (
		buf         bytes.Buffer
		contentType string
	)
	switch format {
	case "csv":
		contentType = "text/csv"
		err = sequence.WriteCSV(&buf, seqs)
	default:
		contentType = "text/x-fasta"
		records := make([]fasta.Record, len(seqs))
		for i, s := range seqs {
			records[i] = fasta.Record{Header: s.Version + " " + s.Organism, Sequence: s.DNASequence}
		}
		err = fasta.Write(&buf, records)
	}
	if err != nil {
		return err
	}

	name := fmt.Sprintf("blastdb_%s.%s", v.Number(), format)
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", name))
	return c.Blob(http.StatusOK, contentType, buf.Bytes())
}

// SubmitRun queues a BLAST search against a published version.
func (h *Handler) SubmitRun(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	return h.submit(c, &id, nil)
}
