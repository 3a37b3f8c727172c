package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateScan inserts a new scan in pending state and returns it.
func (s *Store) CreateScan(ctx context.Context, rootPath string, embeddingsEnabled bool) (*Scan, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO scans (root_path, status, embeddings_enabled, created_at)
		VALUES (?, ?, ?, ?)`,
		rootPath, ScanPending, embeddingsEnabled, now)
	if err != nil {
		return nil, fmt.Errorf("inserting scan: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("scan id: %w", err)
	}
	return s.GetScan(ctx, id)
}

// GetScan returns a scan by id, or ErrNotFound.
func (s *Store) GetScan(ctx context.Context, id int64) (*Scan, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, root_path, status, total_files, processed_files, failed_files,
		       embeddings_enabled, task_handle, error_message, created_at, started_at, completed_at
		FROM scans WHERE id = ?`, id)
	return scanScan(row)
}

// ListScans returns all scans, newest first.
func (s *Store) ListScans(ctx context.Context) ([]*Scan, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, root_path, status, total_files, processed_files, failed_files,
		       embeddings_enabled, task_handle, error_message, created_at, started_at, completed_at
		FROM scans ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing scans: %w", err)
	}
	defer rows.Close()

	var scans []*Scan
	for rows.Next() {
		sc, err := scanScan(rows)
		if err != nil {
			return nil, err
		}
		scans = append(scans, sc)
	}
	return scans, rows.Err()
}

// FindActiveScanByPath returns a pending or running scan on the given
// resolved root path, if any. Used by the API to deduplicate scan
// creation.
func (s *Store) FindActiveScanByPath(ctx context.Context, rootPath string) (*Scan, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, root_path, status, total_files, processed_files, failed_files,
		       embeddings_enabled, task_handle, error_message, created_at, started_at, completed_at
		FROM scans WHERE root_path = ? AND status IN (?, ?)
		ORDER BY id DESC LIMIT 1`,
		rootPath, ScanPending, ScanRunning)
	sc, err := scanScan(row)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	return sc, err
}

// MarkScanRunning transitions a scan to running and records its task
// handle and start time.
func (s *Store) MarkScanRunning(ctx context.Context, id int64, taskHandle string) error {
	now := time.Now().UTC()
	return s.updateScan(ctx, id, `
		UPDATE scans SET status = ?, task_handle = ?, started_at = ? WHERE id = ?`,
		ScanRunning, taskHandle, now, id)
}

// MarkScanTerminal transitions a scan to a terminal status at most once:
// a scan already in a terminal state is left untouched.
func (s *Store) MarkScanTerminal(ctx context.Context, id int64, status ScanStatus, errMsg string) error {
	if !status.Terminal() {
		return fmt.Errorf("status %q is not terminal", status)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE scans SET status = ?, error_message = ?, completed_at = ?, task_handle = ''
		WHERE id = ? AND status NOT IN (?, ?, ?)`,
		status, errMsg, now, id, ScanCompleted, ScanFailed, ScanCancelled)
	if err != nil {
		return fmt.Errorf("updating scan %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Either missing or already terminal; distinguish for callers.
		if _, err := s.GetScan(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// RequeueScan reopens a failed or cancelled scan so a new run can
// resume it. Completed, pending and running scans are left untouched
// and reported as ErrNotFound.
func (s *Store) RequeueScan(ctx context.Context, id int64) error {
	return s.updateScan(ctx, id, `
		UPDATE scans SET status = ?, error_message = '', completed_at = NULL
		WHERE id = ? AND status IN (?, ?)`,
		ScanPending, id, ScanFailed, ScanCancelled)
}

// UpdateScanTotals updates the discovered-files count. Called
// periodically during detection so progress renders before discovery
// completes.
func (s *Store) UpdateScanTotals(ctx context.Context, id int64, totalFiles int) error {
	return s.updateScan(ctx, id, `UPDATE scans SET total_files = ? WHERE id = ?`, totalFiles, id)
}

// IncrementScanProcessed bumps processed_files by one.
func (s *Store) IncrementScanProcessed(ctx context.Context, id int64) error {
	return s.updateScan(ctx, id, `UPDATE scans SET processed_files = processed_files + 1 WHERE id = ?`, id)
}

// IncrementScanFailed bumps failed_files by one.
func (s *Store) IncrementScanFailed(ctx context.Context, id int64) error {
	return s.updateScan(ctx, id, `UPDATE scans SET failed_files = failed_files + 1 WHERE id = ?`, id)
}

// DeleteScan removes the scan and, via cascade, its documents, entities
// and scan errors.
func (s *Store) DeleteScan(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scans WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting scan %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordScanError appends a non-fatal per-file error row.
func (s *Store) RecordScanError(ctx context.Context, scanID int64, filePath, errorType, message string) error {
	const maxMessage = 1000
	if len(message) > maxMessage {
		message = message[:maxMessage]
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scan_errors (scan_id, file_path, error_type, message, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		scanID, filePath, errorType, message, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("recording scan error: %w", err)
	}
	return nil
}

// ListScanErrors returns the most recent errors for a scan, newest
// first, capped at limit.
func (s *Store) ListScanErrors(ctx context.Context, scanID int64, limit, offset int) ([]*ScanError, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scan_id, file_path, error_type, message, created_at
		FROM scan_errors WHERE scan_id = ?
		ORDER BY id DESC LIMIT ? OFFSET ?`, scanID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing scan errors: %w", err)
	}
	defer rows.Close()

	var out []*ScanError
	for rows.Next() {
		var e ScanError
		if err := rows.Scan(&e.ID, &e.ScanID, &e.FilePath, &e.ErrorType, &e.Message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning scan error: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *Store) updateScan(ctx context.Context, id int64, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating scan %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScan(row rowScanner) (*Scan, error) {
	var sc Scan
	var startedAt, completedAt sql.NullTime
	err := row.Scan(&sc.ID, &sc.RootPath, &sc.Status, &sc.TotalFiles, &sc.ProcessedFiles,
		&sc.FailedFiles, &sc.EmbeddingsEnabled, &sc.TaskHandle, &sc.ErrorMessage,
		&sc.CreatedAt, &startedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning scan row: %w", err)
	}
	if startedAt.Valid {
		t := startedAt.Time
		sc.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		sc.CompletedAt = &t
	}
	return &sc, nil
}
