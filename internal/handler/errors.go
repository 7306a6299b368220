package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/barcode-identifier/barrel/internal/domain/access"
	"github.com/barcode-identifier/barrel/internal/domain/auth"
	"github.com/barcode-identifier/barrel/internal/domain/library"
	"github.com/barcode-identifier/barrel/internal/domain/run"
	"github.com/barcode-identifier/barrel/internal/domain/sequence"
	"github.com/barcode-identifier/barrel/internal/fasta"
	"github.com/barcode-identifier/barrel/internal/genbank"
)

var (
	notFound = []error{
		library.ErrNotFound,
		library.ErrVersionNotFound,
		library.ErrNoPublishedVersion,
		sequence.ErrNotFound,
		run.ErrNotFound,
		run.ErrFileNotFound,
		auth.ErrNotFound,
	}
	conflict = []error{
		library.ErrLocked,
		library.ErrNotLocked,
		library.ErrEmptyVersion,
		sequence.ErrDuplicate,
	}
	badRequest = []error{
		library.ErrNameRequired,
		library.ErrNothingToAdd,
		library.ErrNoAccessions,
		library.ErrCannotShareWithSelf,
		run.ErrNoTarget,
		genbank.ErrNoInput,
		genbank.ErrNoRecords,
		fasta.ErrEmpty,
		fasta.ErrMissingHeader,
		fasta.ErrTooManyRecords,
	}
)

func isAny(err error, targets []error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// statusOf maps a domain error to an HTTP status. Zero means unexpected.
func statusOf(err error) int {
	var (
		exists     *library.AccessionsAlreadyExistError
		missing    *library.AccessionsNotFoundError
		limit      *genbank.AccessionLimitExceededError
		noData     *genbank.InsufficientAccessionDataError
		connection *genbank.ConnectionError
		invalid    *fasta.InvalidSequenceError
	)
	switch {
	case errors.Is(err, auth.ErrUnauthorized), errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, access.ErrForbidden):
		return http.StatusForbidden
	case isAny(err, notFound):
		return http.StatusNotFound
	case isAny(err, conflict), errors.As(err, &exists):
		return http.StatusConflict
	case isAny(err, badRequest),
		errors.As(err, &missing),
		errors.As(err, &limit),
		errors.As(err, &noData),
		errors.As(err, &invalid):
		return http.StatusBadRequest
	case errors.As(err, &connection):
		return http.StatusBadGateway
	case errors.Is(err, run.ErrQueueUnavailable):
		return http.StatusServiceUnavailable
	}
	return 0
}

// ErrorHandler renders every error as {"code","message"}. Domain errors map
// to their status; anything else is logged and reported as 500.
func ErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	ctx := c.Request().Context()

	code := statusOf(err)
	msg := err.Error()

	var he *echo.HTTPError
	switch {
	case code != 0:
	case errors.As(err, &he):
		code = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		} else {
			msg = http.StatusText(code)
		}
	default:
		zctx.From(ctx).Error("Request failed", zap.Error(err))
		code = http.StatusInternalServerError
		msg = http.StatusText(code)
	}

	// Anonymous callers are asked to authenticate rather than told no.
	if code == http.StatusForbidden && auth.UserFromContext(ctx) == nil {
		code = http.StatusUnauthorized
		msg = "authentication required"
	}

	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(code)
		return
	}
	if err := c.JSON(code, errorResponse{Code: code, Message: msg}); err != nil {
		zctx.From(ctx).Warn("Write error response", zap.Error(err))
	}
}
