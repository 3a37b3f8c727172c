package server

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/archon/internal/audit"
	"github.com/fyrsmithlabs/archon/internal/catalog"
)

func entityFilter(c echo.Context) catalog.EntityFilter {
	f := catalog.EntityFilter{
		Type:        c.QueryParam("type"),
		ProjectPath: c.QueryParam("path"),
		Focus:       c.QueryParam("focus"),
	}
	if v, err := strconv.Atoi(c.QueryParam("min_count")); err == nil && v > 0 {
		f.MinCount = v
	}
	if v, err := strconv.Atoi(c.QueryParam("limit")); err == nil && v > 0 && v <= 1000 {
		f.Limit = v
	}
	return f
}

// EntityListResponse is the body for GET /api/v1/entities.
type EntityListResponse struct {
	Entities   []*catalog.EntityAggregate `json:"entities"`
	TypeCounts map[string]int             `json:"type_counts"`
}

func (s *Server) handleListEntities(c echo.Context) error {
	ctx := c.Request().Context()
	aggs, err := s.store.AggregateEntities(ctx, entityFilter(c))
	if err != nil {
		s.log.Error("aggregating entities", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "listing entities failed")
	}
	counts, err := s.store.EntityTypeCounts(ctx)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "listing entities failed")
	}
	if aggs == nil {
		aggs = []*catalog.EntityAggregate{}
	}
	return c.JSON(http.StatusOK, EntityListResponse{Entities: aggs, TypeCounts: counts})
}

// GraphNode is one vertex of the entity co-occurrence graph.
type GraphNode struct {
	Text  string `json:"text"`
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// GraphEdge links two entities appearing in the same documents.
type GraphEdge struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Weight int    `json:"weight"` // shared document count
}

// GraphResponse is the body for GET /api/v1/entities/graph.
type GraphResponse struct {
	Nodes []GraphNode `json:"nodes"`
	Edges []GraphEdge `json:"edges"`
}

func (s *Server) handleEntityGraph(c echo.Context) error {
	ctx := c.Request().Context()
	filter := entityFilter(c)

	aggs, err := s.store.AggregateEntities(ctx, filter)
	if err != nil {
		s.log.Error("aggregating entities", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "building entity graph failed")
	}
	pairs, err := s.store.EntityCooccurrences(ctx, filter)
	if err != nil {
		s.log.Error("loading entity co-occurrences", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "building entity graph failed")
	}

	resp := GraphResponse{Nodes: []GraphNode{}, Edges: []GraphEdge{}}
	known := make(map[string]struct{}, len(aggs))
	for _, a := range aggs {
		known[a.Text] = struct{}{}
		resp.Nodes = append(resp.Nodes, GraphNode{Text: a.Text, Type: a.Type, Count: a.TotalCount})
	}
	for pair, shared := range pairs {
		// Only connect nodes the filter kept.
		if _, ok := known[pair[0]]; !ok {
			continue
		}
		if _, ok := known[pair[1]]; !ok {
			continue
		}
		resp.Edges = append(resp.Edges, GraphEdge{Source: pair[0], Target: pair[1], Weight: shared})
	}
	return c.JSON(http.StatusOK, resp)
}

// MergeEntitiesRequest is the body for POST /api/v1/entities/merge.
type MergeEntitiesRequest struct {
	Target  string   `json:"target"`
	Type    string   `json:"type"`
	Sources []string `json:"sources"`
}

// MergeEntitiesResponse reports how many rows the merge touched.
type MergeEntitiesResponse struct {
	Merged int `json:"merged"`
}

func (s *Server) handleMergeEntities(c echo.Context) error {
	var req MergeEntitiesRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Target == "" || req.Type == "" || len(req.Sources) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "target, type and sources are required")
	}

	merged, err := s.store.MergeEntities(c.Request().Context(), req.Target, req.Type, req.Sources)
	if err != nil {
		s.log.Error("merging entities", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "merging entities failed")
	}

	s.recordAudit(c, audit.Event{
		Action: audit.ActionEntityMerged,
		Details: map[string]any{
			"target":  req.Target,
			"type":    req.Type,
			"sources": req.Sources,
			"merged":  merged,
		},
	})
	return c.JSON(http.StatusOK, MergeEntitiesResponse{Merged: merged})
}
