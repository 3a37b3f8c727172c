package server

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/archon/internal/audit"
	"github.com/fyrsmithlabs/archon/internal/search"
)

// handleSearch runs hybrid retrieval.
//
// Query parameters: q (required), limit, offset, weight (semantic
// weight in [0,1], default 0.5), file_type (repeatable), scan_id
// (repeatable), path (file path prefix).
func (s *Server) handleSearch(c echo.Context) error {
	query := c.QueryParam("q")
	if query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q is required")
	}
	limit, offset := pagination(c, 20)

	weight := 0.5
	if raw := c.QueryParam("weight"); raw != "" {
		w, err := strconv.ParseFloat(raw, 64)
		if err != nil || w < 0 || w > 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "weight must be in [0,1]")
		}
		weight = w
	}

	scanIDs, err := parseScanIDs(c.QueryParams()["scan_id"])
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	req := search.Request{
		Query:          query,
		Limit:          limit,
		Offset:         offset,
		SemanticWeight: weight,
		FileTypes:      c.QueryParams()["file_type"],
		ScanIDs:        scanIDs,
		ProjectPath:    c.QueryParam("path"),
	}
	resp, err := s.search.Search(c.Request().Context(), req)
	if err != nil {
		s.log.Error("search failed", zap.String("query", query), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "search failed")
	}

	s.metrics.SearchQueries.WithLabelValues(searchMode(weight)).Inc()
	s.recordAudit(c, audit.Event{
		Action: audit.ActionSearchPerformed,
		Details: map[string]any{
			"query":   query,
			"weight":  weight,
			"results": resp.TotalResults,
		},
	})
	return c.JSON(http.StatusOK, resp)
}

func searchMode(weight float64) string {
	switch weight {
	case 0:
		return "lexical"
	case 1:
		return "semantic"
	default:
		return "hybrid"
	}
}

func parseScanIDs(raw []string) ([]int64, error) {
	var ids []int64
	for _, r := range raw {
		id, err := strconv.ParseInt(r, 10, 64)
		if err != nil || id <= 0 {
			return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid scan_id "+r)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
