package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/archon/internal/catalog"
	"github.com/fyrsmithlabs/archon/internal/ingest"
	"github.com/fyrsmithlabs/archon/internal/progress"
)

// CreateScanRequest is the body for POST /api/v1/scans.
type CreateScanRequest struct {
	RootPath          string `json:"root_path"`
	EmbeddingsEnabled *bool  `json:"embeddings_enabled,omitempty"` // default true
}

// EstimateRequest is the body for POST /api/v1/scans/estimate.
type EstimateRequest struct {
	RootPath string `json:"root_path"`
}

func (s *Server) handleCreateScan(c echo.Context) error {
	if s.ingest == nil || s.tasks == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "ingestion unavailable")
	}
	var req CreateScanRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.RootPath == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "root_path is required")
	}

	ctx := c.Request().Context()
	resolved, err := s.ingest.ValidateRoot(req.RootPath)
	if err != nil {
		if errors.Is(err, ingest.ErrOutsideRoot) {
			return echo.NewHTTPError(http.StatusForbidden, "path is outside the allowed scan root")
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	// A live scan of the same path is handed back, not duplicated.
	if active, err := s.store.FindActiveScanByPath(ctx, resolved); err == nil {
		return c.JSON(http.StatusOK, active)
	} else if !errors.Is(err, catalog.ErrNotFound) {
		s.log.Error("checking for active scan", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "scan lookup failed")
	}

	embeddings := true
	if req.EmbeddingsEnabled != nil {
		embeddings = *req.EmbeddingsEnabled
	}
	scan, err := s.store.CreateScan(ctx, resolved, embeddings)
	if err != nil {
		s.log.Error("creating scan", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "creating scan failed")
	}
	if _, err := s.tasks.Enqueue(ctx, scan.ID); err != nil {
		s.log.Error("enqueueing scan", zap.Int64("scan_id", scan.ID), zap.Error(err))
		_ = s.store.MarkScanTerminal(ctx, scan.ID, catalog.ScanFailed, "task enqueue failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "scheduling scan failed")
	}
	return c.JSON(http.StatusAccepted, scan)
}

func (s *Server) handleListScans(c echo.Context) error {
	scans, err := s.store.ListScans(c.Request().Context())
	if err != nil {
		s.log.Error("listing scans", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "listing scans failed")
	}
	if scans == nil {
		scans = []*catalog.Scan{}
	}
	return c.JSON(http.StatusOK, scans)
}

func (s *Server) handleGetScan(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	scan, err := s.store.GetScan(c.Request().Context(), id)
	if errors.Is(err, catalog.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "scan not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "loading scan failed")
	}
	return c.JSON(http.StatusOK, scan)
}

func (s *Server) handleScanErrors(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	limit, offset := pagination(c, 50)
	errs, err := s.store.ListScanErrors(c.Request().Context(), id, limit, offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "listing scan errors failed")
	}
	if errs == nil {
		errs = []*catalog.ScanError{}
	}
	return c.JSON(http.StatusOK, errs)
}

func (s *Server) handleCancelScan(c echo.Context) error {
	if s.tasks == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "ingestion unavailable")
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	scan, err := s.store.GetScan(ctx, id)
	if errors.Is(err, catalog.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "scan not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "loading scan failed")
	}
	if scan.Status.Terminal() {
		return echo.NewHTTPError(http.StatusConflict, "scan already finished")
	}

	if err := s.tasks.Cancel(ctx, id); err != nil {
		s.log.Warn("cancelling scan task", zap.Int64("scan_id", id), zap.Error(err))
	}
	// A pending scan has no worker to flip its state; do it here. A
	// running one transitions when its context unwinds.
	if scan.Status == catalog.ScanPending {
		if err := s.store.MarkScanTerminal(ctx, id, catalog.ScanCancelled, ""); err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "cancelling scan failed")
		}
	}
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) handleResumeScan(c echo.Context) error {
	if s.tasks == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "ingestion unavailable")
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := s.store.RequeueScan(ctx, id); err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return echo.NewHTTPError(http.StatusConflict, "only failed or cancelled scans can be resumed")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "resuming scan failed")
	}
	if _, err := s.tasks.Enqueue(ctx, id); err != nil {
		s.log.Error("re-enqueueing scan", zap.Int64("scan_id", id), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "scheduling scan failed")
	}
	scan, err := s.store.GetScan(ctx, id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "loading scan failed")
	}
	return c.JSON(http.StatusAccepted, scan)
}

func (s *Server) handleDeleteScan(c echo.Context) error {
	if s.ingest == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "ingestion unavailable")
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	scan, err := s.store.GetScan(ctx, id)
	if errors.Is(err, catalog.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "scan not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "loading scan failed")
	}
	if !scan.Status.Terminal() {
		return echo.NewHTTPError(http.StatusConflict, "cancel the scan before deleting it")
	}
	if err := s.ingest.DeleteScanData(ctx, id, clientIP(c)); err != nil {
		s.log.Error("deleting scan", zap.Int64("scan_id", id), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "deleting scan failed")
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleEstimateScan(c echo.Context) error {
	if s.ingest == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "ingestion unavailable")
	}
	var req EstimateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.RootPath == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "root_path is required")
	}
	est, err := s.ingest.Estimate(c.Request().Context(), req.RootPath)
	if err != nil {
		if errors.Is(err, ingest.ErrOutsideRoot) {
			return echo.NewHTTPError(http.StatusForbidden, "path is outside the allowed scan root")
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, est)
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Tokens are checked by the auth middleware; the API serves
	// non-browser clients so origins are not restricted.
	CheckOrigin: func(*http.Request) bool { return true },
}

// ProgressFrame is one websocket emission. Type is "progress" while
// the scan runs, then exactly one "complete" or "error" frame.
type ProgressFrame struct {
	Type string            `json:"type"`
	Data progress.Snapshot `json:"data"`
}

func frameType(snap progress.Snapshot) string {
	if !snap.Terminal() {
		return "progress"
	}
	if snap.Status == string(catalog.ScanFailed) {
		return "error"
	}
	return "complete"
}

// handleScanProgress upgrades to a websocket and streams progress
// snapshots until the scan reaches a terminal state.
func (s *Server) handleScanProgress(c echo.Context) error {
	if s.watch == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "progress streaming unavailable")
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if _, err := s.store.GetScan(c.Request().Context(), id); errors.Is(err, catalog.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "scan not found")
	} else if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "loading scan failed")
	}

	conn, err := wsUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	// Reader pump: the client never sends data frames, but reading is
	// the only way gorilla surfaces a close. Stops the poll loop when
	// the client goes away mid-scan.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	snaps := s.watch.Subscribe(ctx, id, progress.DefaultPollInterval)
	for snap := range snaps {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(ProgressFrame{Type: frameType(snap), Data: snap}); err != nil {
			s.log.Debug("progress websocket closed", zap.Int64("scan_id", id), zap.Error(err))
			return nil
		}
	}
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return nil
}

func pathID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func pagination(c echo.Context, defaultLimit int) (limit, offset int) {
	limit = defaultLimit
	if v, err := strconv.Atoi(c.QueryParam("limit")); err == nil && v > 0 && v <= 200 {
		limit = v
	}
	if v, err := strconv.Atoi(c.QueryParam("offset")); err == nil && v >= 0 {
		offset = v
	}
	return limit, offset
}
