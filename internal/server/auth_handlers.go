package server

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/archon/internal/audit"
	"github.com/fyrsmithlabs/archon/internal/auth"
	"github.com/fyrsmithlabs/archon/internal/catalog"
)

// RegisterRequest is the body for POST /api/v1/auth/register.
type RegisterRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role,omitempty"`
}

// LoginRequest is the body for POST /api/v1/auth/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// RefreshRequest is the body for POST /api/v1/auth/refresh.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// TokenResponse carries a token pair plus the authenticated user.
type TokenResponse struct {
	AccessToken  string        `json:"access_token"`
	RefreshToken string        `json:"refresh_token"`
	ExpiresIn    int64         `json:"expires_in"`
	User         *catalog.User `json:"user,omitempty"`
}

func (s *Server) handleRegister(c echo.Context) error {
	if s.auth == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "authentication unavailable")
	}
	var req RegisterRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	caller := s.optionalClaims(c)
	callerIsAdmin := caller != nil && caller.Role == auth.RoleAdmin

	user, err := s.auth.Register(c.Request().Context(), req.Username, req.Password, req.Role, callerIsAdmin)
	switch {
	case errors.Is(err, auth.ErrRegistrationClosed):
		return echo.NewHTTPError(http.StatusForbidden, "registration requires an admin")
	case errors.Is(err, auth.ErrUsernameTaken):
		return echo.NewHTTPError(http.StatusConflict, "username already taken")
	case err != nil:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	s.recordAudit(c, audit.Event{
		Action:  audit.ActionUserRegistered,
		Details: map[string]any{"username": user.Username, "role": user.Role},
	})
	return c.JSON(http.StatusCreated, user)
}

func (s *Server) handleLogin(c echo.Context) error {
	if s.auth == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "authentication unavailable")
	}
	var req LoginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	pair, user, err := s.auth.Login(c.Request().Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrBadCredentials) {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
		}
		s.log.Error("login failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "login failed")
	}

	s.recordAudit(c, audit.Event{
		Action:  audit.ActionUserLogin,
		Details: map[string]any{"username": user.Username},
	})
	return c.JSON(http.StatusOK, TokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresIn:    pair.ExpiresIn,
		User:         user,
	})
}

func (s *Server) handleRefresh(c echo.Context) error {
	if s.auth == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "authentication unavailable")
	}
	var req RefreshRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	pair, err := s.auth.Refresh(c.Request().Context(), req.RefreshToken)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid refresh token")
	}
	return c.JSON(http.StatusOK, TokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresIn:    pair.ExpiresIn,
	})
}

// recordAudit appends to the hash chain when auditing is wired.
func (s *Server) recordAudit(c echo.Context, ev audit.Event) {
	if s.audit == nil {
		return
	}
	ev.UserIP = clientIP(c)
	s.audit.RecordBestEffort(c.Request().Context(), ev)
}
