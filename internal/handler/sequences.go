package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/barcode-identifier/barrel/internal/domain/sequence"
)

// GetSequence returns a sequence with its annotations.
func (h *Handler) GetSequence(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	s, anns, err := h.libraries.GetSequence(c.Request().Context(), currentUser(c), id)
	if err != nil {
		return err
	}
	out := toSequence(s)
	out.Annotations = toAnnotations(anns)
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) ListAnnotations(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	anns, err := h.libraries.ListAnnotations(c.Request().Context(), currentUser(c), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toAnnotations(anns))
}

func (h *Handler) Annotate(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req annotationRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	typ, err := sequence.ParseAnnotationType(req.Type)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	a, err := h.libraries.Annotate(c.Request().Context(), currentUser(c), id, typ, req.Comment)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, toAnnotations([]sequence.Annotation{*a})[0])
}
