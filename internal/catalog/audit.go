package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// InsertAuditEntry appends an audit row. The hash chain itself is
// computed by the audit package; this only persists.
func (s *Store) InsertAuditEntry(ctx context.Context, e *AuditEntry) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_entries (action, document_id, scan_id, details, user_ip,
			entry_hash, previous_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Action, nullInt64(e.DocumentID), nullInt64(e.ScanID), e.Details, e.UserIP,
		e.EntryHash, e.PreviousHash, e.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	e.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("audit entry id: %w", err)
	}
	return nil
}

// LastAuditEntry returns the most recent audit entry, or ErrNotFound on
// an empty chain.
func (s *Store) LastAuditEntry(ctx context.Context) (*AuditEntry, error) {
	row := s.db.QueryRowContext(ctx, auditSelect+` ORDER BY id DESC LIMIT 1`)
	return scanAuditEntry(row)
}

// ListAuditEntries returns entries in chain (id) order.
func (s *Store) ListAuditEntries(ctx context.Context, limit, offset int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryAuditEntries(ctx, auditSelect+` ORDER BY id ASC LIMIT ? OFFSET ?`, limit, offset)
}

// ListAuditEntriesByDocument returns a document's audit trail in chain
// order.
func (s *Store) ListAuditEntriesByDocument(ctx context.Context, documentID int64) ([]*AuditEntry, error) {
	return s.queryAuditEntries(ctx, auditSelect+` WHERE document_id = ? ORDER BY id ASC`, documentID)
}

// AllAuditEntries streams the complete chain in id order for
// verification.
func (s *Store) AllAuditEntries(ctx context.Context) ([]*AuditEntry, error) {
	return s.queryAuditEntries(ctx, auditSelect + ` ORDER BY id ASC`)
}

const auditSelect = `
	SELECT id, action, document_id, scan_id, details, user_ip, entry_hash, previous_hash, created_at
	FROM audit_entries`

func (s *Store) queryAuditEntries(ctx context.Context, query string, args ...any) ([]*AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit entries: %w", err)
	}
	defer rows.Close()

	var out []*AuditEntry
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanAuditEntry(row rowScanner) (*AuditEntry, error) {
	var e AuditEntry
	var docID, scanID sql.NullInt64
	err := row.Scan(&e.ID, &e.Action, &docID, &scanID, &e.Details, &e.UserIP,
		&e.EntryHash, &e.PreviousHash, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning audit entry: %w", err)
	}
	if docID.Valid {
		v := docID.Int64
		e.DocumentID = &v
	}
	if scanID.Valid {
		v := scanID.Int64
		e.ScanID = &v
	}
	return &e, nil
}
