package handler

import (
	"net/http"
	"strings"

	"github.com/go-faster/sdk/zctx"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/barcode-identifier/barrel/internal/domain/auth"
)

// tokenFromHeader extracts the token of an "Authorization: Token <t>" or
// "Authorization: Bearer <t>" header.
func tokenFromHeader(h string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(h), " ")
	if !ok {
		return "", false
	}
	switch strings.ToLower(scheme) {
	case "token", "bearer":
	default:
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// Authenticate resolves the request token to a user and stores it in the
// request context. Requests without an Authorization header proceed
// anonymously; a malformed or unknown token is rejected with 401.
func (h *Handler) Authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		header := c.Request().Header.Get(echo.HeaderAuthorization)
		if header == "" {
			return next(c)
		}
		token, ok := tokenFromHeader(header)
		if !ok {
			return auth.ErrUnauthorized
		}

		req := c.Request()
		ctx := req.Context()
		u, err := h.auth.Authenticate(ctx, token)
		if err != nil {
			return err
		}
		ctx = zctx.With(auth.WithUser(ctx, u), zap.String("user", u.Username))
		c.SetRequest(req.WithContext(ctx))
		return next(c)
	}
}

func currentUser(c echo.Context) *auth.User {
	return auth.UserFromContext(c.Request().Context())
}

// Login exchanges a username and password for an API token.
func (h *Handler) Login(c echo.Context) error {
	var req loginRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if req.Username == "" || req.Password == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "username and password required")
	}
	token, u, err := h.auth.Login(c.Request().Context(), req.Username, req.Password)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, loginResponse{Token: token, User: toUser(u)})
}

// Logout revokes the token the request was made with.
func (h *Handler) Logout(c echo.Context) error {
	token, ok := tokenFromHeader(c.Request().Header.Get(echo.HeaderAuthorization))
	if !ok || currentUser(c) == nil {
		return auth.ErrUnauthorized
	}
	if err := h.auth.Logout(c.Request().Context(), token); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// Me returns the authenticated user.
func (h *Handler) Me(c echo.Context) error {
	u := currentUser(c)
	if u == nil {
		return auth.ErrUnauthorized
	}
	return c.JSON(http.StatusOK, toUser(u))
}
