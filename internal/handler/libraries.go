package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/barcode-identifier/barrel/internal/domain/access"
	"github.com/barcode-identifier/barrel/internal/domain/library"
)

// ListLibraries returns every library visible to the caller.
func (h *Handler) ListLibraries(c echo.Context) error {
	libs, err := h.libraries.ListLibraries(c.Request().Context(), currentUser(c))
	if err != nil {
		return err
	}
	out := make([]libraryResponse, len(libs))
	for i := range libs {
		out[i] = toLibrary(&libs[i])
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) CreateLibrary(c echo.Context) error {
	var req libraryRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	create := library.CreateLibraryRequest{}
	if req.Name != nil {
		create.Name = *req.Name
	}
	if req.Description != nil {
		create.Description = *req.Description
	}
	if req.MarkerGene != nil {
		create.MarkerGene = *req.MarkerGene
	}
	if req.Public != nil {
		create.Public = *req.Public
	}
	lib, err := h.libraries.CreateLibrary(c.Request().Context(), currentUser(c), create)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, toLibrary(lib))
}

func (h *Handler) GetLibrary(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	lib, err := h.libraries.GetLibrary(c.Request().Context(), currentUser(c), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toLibrary(lib))
}

// UpdateLibrary applies the fields present in the body.
func (h *Handler) UpdateLibrary(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req libraryRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	lib, err := h.libraries.UpdateLibrary(c.Request().Context(), currentUser(c), id, library.UpdateLibraryRequest{
		Name:        req.Name,
		Description: req.Description,
		MarkerGene:  req.MarkerGene,
		Public:      req.Public,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toLibrary(lib))
}

func (h *Handler) DeleteLibrary(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if err := h.libraries.DeleteLibrary(c.Request().Context(), currentUser(c), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ListShares(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	shares, err := h.libraries.ListShares(c.Request().Context(), currentUser(c), id)
	if err != nil {
		return err
	}
	out := make([]shareResponse, len(shares))
	for i, s := range shares {
		out[i] = shareResponse{UserID: s.UserID, Username: s.Username, Permission: s.Level}
	}
	return c.JSON(http.StatusOK, out)
}

// SetShare grants the permission in the body to the user named in the path.
func (h *Handler) SetShare(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req shareRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	level, err := access.ParseLevel(string(req.Permission))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	s, err := h.libraries.SetShare(c.Request().Context(), currentUser(c), id, c.Param("username"), level)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, shareResponse{UserID: s.UserID, Username: s.Username, Permission: s.Level})
}

func (h *Handler) RemoveShare(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if err := h.libraries.RemoveShare(c.Request().Context(), currentUser(c), id, c.Param("username")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ListVersions(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	versions, err := h.libraries.ListVersions(c.Request().Context(), currentUser(c), id)
	if err != nil {
		return err
	}
	out := make([]versionResponse, len(versions))
	for i := range versions {
		out[i] = toVersion(&versions[i])
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) LatestVersion(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	v, err := h.libraries.LatestVersion(c.Request().Context(), currentUser(c), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toVersion(v))
}

// CreateVersion creates a draft from GenBank accessions, a search term and
// optionally the accessions of a base version, publishing it when asked.
func (h *Handler) CreateVersion(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req versionRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	v, err := h.libraries.CreateVersion(c.Request().Context(), currentUser(c), id, library.CreateVersionRequest{
		BaseID:      req.BaseID,
		Accessions:  req.Accessions,
		SearchTerm:  req.SearchTerm,
		Filter:      req.Filter,
		Description: req.Description,
		Lock:        req.Lock,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, toVersion(v))
}
