package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// InsertDocumentTx inserts a document inside an open transaction and
// sets doc.ID from the new row. (scan_id, file_path) uniqueness is
// enforced by the schema; a conflict returns ErrDuplicate.
func (s *Store) InsertDocumentTx(ctx context.Context, tx *sql.Tx, doc *Document) error {
	refs, err := json.Marshal(doc.VectorRefs)
	if err != nil {
		return fmt.Errorf("marshaling vector refs: %w", err)
	}
	if doc.IndexedAt.IsZero() {
		doc.IndexedAt = time.Now().UTC()
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO documents (scan_id, file_path, file_name, file_type, file_size,
			text_content, text_length, has_ocr, archive_path, hash_md5, hash_sha256,
			file_modified_at, indexed_at, lexical_ref, vector_refs)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ScanID, doc.FilePath, doc.FileName, doc.FileType, doc.FileSize,
		doc.TextContent, doc.TextLength, doc.HasOCR, doc.ArchivePath,
		doc.HashMD5, doc.HashSHA256, nullTime(doc.FileModifiedAt),
		doc.IndexedAt, doc.LexicalRef, string(refs))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: document %q in scan %d", ErrDuplicate, doc.FilePath, doc.ScanID)
		}
		return fmt.Errorf("inserting document: %w", err)
	}
	doc.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("document id: %w", err)
	}
	return nil
}

// UpdateDocumentRefsTx records the index back-references after lexical
// and vector indexing.
func (s *Store) UpdateDocumentRefsTx(ctx context.Context, tx *sql.Tx, id int64, lexicalRef string, vectorRefs []string) error {
	refs, err := json.Marshal(vectorRefs)
	if err != nil {
		return fmt.Errorf("marshaling vector refs: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE documents SET lexical_ref = ?, vector_refs = ? WHERE id = ?`,
		lexicalRef, string(refs), id)
	if err != nil {
		return fmt.Errorf("updating document refs: %w", err)
	}
	return nil
}

// UpdateDocumentRefs is the non-transactional variant used by
// single-document re-indexing.
func (s *Store) UpdateDocumentRefs(ctx context.Context, id int64, lexicalRef string, vectorRefs []string) error {
	refs, err := json.Marshal(vectorRefs)
	if err != nil {
		return fmt.Errorf("marshaling vector refs: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE documents SET lexical_ref = ?, vector_refs = ? WHERE id = ?`,
		lexicalRef, string(refs), id)
	if err != nil {
		return fmt.Errorf("updating document refs: %w", err)
	}
	return nil
}

// GetDocument returns a document by id, or ErrNotFound.
func (s *Store) GetDocument(ctx context.Context, id int64) (*Document, error) {
	row := s.db.QueryRowContext(ctx, documentSelect+` WHERE id = ?`, id)
	return scanDocument(row)
}

// DocumentExists reports whether a document row exists for
// (scan_id, file_path). Used by resume to skip already-ingested files.
func (s *Store) DocumentExists(ctx context.Context, scanID int64, filePath string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM documents WHERE scan_id = ? AND file_path = ?`, scanID, filePath).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking document existence: %w", err)
	}
	return true, nil
}

// ScanFilePaths returns the set of file paths already ingested for a
// scan. Loaded once at resume time instead of one query per file.
func (s *Store) ScanFilePaths(ctx context.Context, scanID int64) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT file_path FROM documents WHERE scan_id = ?`, scanID)
	if err != nil {
		return nil, fmt.Errorf("listing scan file paths: %w", err)
	}
	defer rows.Close()

	paths := make(map[string]struct{})
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scanning file path: %w", err)
		}
		paths[p] = struct{}{}
	}
	return paths, rows.Err()
}

// ListDocuments returns documents filtered by optional scan id and file
// type, newest first.
func (s *Store) ListDocuments(ctx context.Context, scanID int64, fileType FileType, limit, offset int) ([]*Document, error) {
	if limit <= 0 {
		limit = 50
	}
	var conds []string
	var args []any
	if scanID > 0 {
		conds = append(conds, "scan_id = ?")
		args = append(args, scanID)
	}
	if fileType != "" {
		conds = append(conds, "file_type = ?")
		args = append(args, fileType)
	}
	query := documentSelect
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// DocumentIDsByScan returns all document ids belonging to a scan.
func (s *Store) DocumentIDsByScan(ctx context.Context, scanID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM documents WHERE scan_id = ?`, scanID)
	if err != nil {
		return nil, fmt.Errorf("listing document ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning document id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const documentSelect = `
	SELECT id, scan_id, file_path, file_name, file_type, file_size,
	       text_content, text_length, has_ocr, archive_path, hash_md5, hash_sha256,
	       file_modified_at, indexed_at, lexical_ref, vector_refs
	FROM documents`

func scanDocument(row rowScanner) (*Document, error) {
	var d Document
	var modifiedAt sql.NullTime
	var refs string
	err := row.Scan(&d.ID, &d.ScanID, &d.FilePath, &d.FileName, &d.FileType, &d.FileSize,
		&d.TextContent, &d.TextLength, &d.HasOCR, &d.ArchivePath, &d.HashMD5, &d.HashSHA256,
		&modifiedAt, &d.IndexedAt, &d.LexicalRef, &refs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning document row: %w", err)
	}
	if modifiedAt.Valid {
		t := modifiedAt.Time
		d.FileModifiedAt = &t
	}
	if err := json.Unmarshal([]byte(refs), &d.VectorRefs); err != nil {
		return nil, fmt.Errorf("unmarshaling vector refs: %w", err)
	}
	return &d, nil
}
