package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/archon/internal/audit"
	"github.com/fyrsmithlabs/archon/internal/catalog"
)

// handleListDocuments lists documents, optionally filtered by scan_id
// and file_type. Text content is omitted from listings.
func (s *Server) handleListDocuments(c echo.Context) error {
	var scanID int64
	if raw := c.QueryParam("scan_id"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid scan_id")
		}
		scanID = v
	}
	limit, offset := pagination(c, 50)

	docs, err := s.store.ListDocuments(c.Request().Context(), scanID,
		catalog.FileType(c.QueryParam("file_type")), limit, offset)
	if err != nil {
		s.log.Error("listing documents", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "listing documents failed")
	}
	if docs == nil {
		docs = []*catalog.Document{}
	}
	for _, d := range docs {
		d.TextContent = ""
	}
	return c.JSON(http.StatusOK, docs)
}

// DocumentResponse is the body for GET /api/v1/documents/:id.
type DocumentResponse struct {
	*catalog.Document
	Entities []*catalog.Entity `json:"entities"`
}

func (s *Server) handleGetDocument(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	doc, err := s.store.GetDocument(ctx, id)
	if errors.Is(err, catalog.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "document not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "loading document failed")
	}
	ents, err := s.store.ListEntitiesByDocument(ctx, id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "loading document failed")
	}
	if ents == nil {
		ents = []*catalog.Entity{}
	}

	s.recordAudit(c, audit.Event{
		Action:     audit.ActionDocumentViewed,
		DocumentID: &id,
		ScanID:     &doc.ScanID,
		Details:    map[string]any{"file_path": doc.FilePath},
	})
	return c.JSON(http.StatusOK, DocumentResponse{Document: doc, Entities: ents})
}

func (s *Server) handleReindexDocument(c echo.Context) error {
	if s.ingest == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "ingestion unavailable")
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if err := s.ingest.Reindex(c.Request().Context(), id, clientIP(c)); err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "document not found")
		}
		s.log.Error("reindexing document", zap.Int64("document_id", id), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "reindexing failed")
	}
	return c.NoContent(http.StatusAccepted)
}
