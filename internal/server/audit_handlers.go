package server

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/archon/internal/auth"
	"github.com/fyrsmithlabs/archon/internal/catalog"
)

// handleListAudit lists audit entries, newest first. document_id
// narrows to one document's trail.
func (s *Server) handleListAudit(c echo.Context) error {
	ctx := c.Request().Context()

	if raw := c.QueryParam("document_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid document_id")
		}
		entries, err := s.store.ListAuditEntriesByDocument(ctx, id)
		if err != nil {
			s.log.Error("listing audit entries", zap.Error(err))
			return echo.NewHTTPError(http.StatusInternalServerError, "listing audit entries failed")
		}
		return c.JSON(http.StatusOK, auditEntries(entries))
	}

	if claims := s.claims(c); claims == nil || !auth.RoleAtLeast(claims.Role, auth.RoleAdmin) {
		return echo.NewHTTPError(http.StatusForbidden, "full audit trail requires admin role")
	}

	limit, offset := pagination(c, 50)
	entries, err := s.store.ListAuditEntries(ctx, limit, offset)
	if err != nil {
		s.log.Error("listing audit entries", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "listing audit entries failed")
	}
	return c.JSON(http.StatusOK, auditEntries(entries))
}

func auditEntries(entries []*catalog.AuditEntry) []*catalog.AuditEntry {
	if entries == nil {
		return []*catalog.AuditEntry{}
	}
	return entries
}

// handleVerifyAudit walks the whole hash chain and reports breaks.
func (s *Server) handleVerifyAudit(c echo.Context) error {
	if s.audit == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "auditing unavailable")
	}
	result, err := s.audit.Verify(c.Request().Context())
	if err != nil {
		s.log.Error("verifying audit chain", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "verifying audit chain failed")
	}
	return c.JSON(http.StatusOK, result)
}
