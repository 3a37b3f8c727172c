package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// UpsertEntityTx inserts an entity row inside an open transaction,
// summing counts when (document_id, text, type) already exists.
func (s *Store) UpsertEntityTx(ctx context.Context, tx *sql.Tx, e *Entity) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO entities (document_id, text, type, count, start_char)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(document_id, text, type)
		DO UPDATE SET count = count + excluded.count`,
		e.DocumentID, e.Text, e.Type, e.Count, nullIntPtr(e.StartChar))
	if err != nil {
		return fmt.Errorf("upserting entity: %w", err)
	}
	return nil
}

// DeleteEntitiesByDocument removes all entity rows of a document.
// Used before re-indexing.
func (s *Store) DeleteEntitiesByDocument(ctx context.Context, documentID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM entities WHERE document_id = ?`, documentID)
	if err != nil {
		return fmt.Errorf("deleting entities for document %d: %w", documentID, err)
	}
	return nil
}

// ListEntitiesByDocument returns a document's entities ordered by count.
func (s *Store) ListEntitiesByDocument(ctx context.Context, documentID int64) ([]*Entity, error) {
	return s.queryEntities(ctx, `
		SELECT id, document_id, text, type, count, start_char
		FROM entities WHERE document_id = ? ORDER BY count DESC, text ASC`, documentID)
}

// EntityFilter narrows entity aggregation queries.
type EntityFilter struct {
	Type        string
	MinCount    int
	Limit       int
	ProjectPath string // document file_path prefix
	Focus       string // exact entity text to pivot on
}

// EntityAggregate is an entity text/type pair summed over documents.
type EntityAggregate struct {
	Text          string `json:"text"`
	Type          string `json:"type"`
	TotalCount    int    `json:"total_count"`
	DocumentCount int    `json:"document_count"`
}

// AggregateEntities sums entity occurrences across documents, applying
// the filter. Backs the entity listing and the graph nodes.
func (s *Store) AggregateEntities(ctx context.Context, f EntityFilter) ([]*EntityAggregate, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	var conds []string
	var args []any
	if f.Type != "" {
		conds = append(conds, "e.type = ?")
		args = append(args, f.Type)
	}
	if f.ProjectPath != "" {
		conds = append(conds, "d.file_path LIKE ? ESCAPE '\\'")
		args = append(args, likePrefix(f.ProjectPath))
	}
	query := `
		SELECT e.text, e.type, SUM(e.count) AS total, COUNT(DISTINCT e.document_id) AS docs
		FROM entities e JOIN documents d ON d.id = e.document_id`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " GROUP BY e.text, e.type"
	if f.MinCount > 0 {
		query += " HAVING SUM(e.count) >= ?"
		args = append(args, f.MinCount)
	}
	query += " ORDER BY total DESC LIMIT ?"
	args = append(args, f.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("aggregating entities: %w", err)
	}
	defer rows.Close()

	var out []*EntityAggregate
	for rows.Next() {
		var a EntityAggregate
		if err := rows.Scan(&a.Text, &a.Type, &a.TotalCount, &a.DocumentCount); err != nil {
			return nil, fmt.Errorf("scanning entity aggregate: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// EntityCooccurrences returns, for each pair of entities sharing a
// document, the number of shared documents. Feeds the entity graph.
func (s *Store) EntityCooccurrences(ctx context.Context, f EntityFilter) (map[[2]string]int, error) {
	if f.Limit <= 0 {
		f.Limit = 500
	}
	var conds []string
	var args []any
	if f.Type != "" {
		conds = append(conds, "a.type = ? AND b.type = ?")
		args = append(args, f.Type, f.Type)
	}
	if f.Focus != "" {
		conds = append(conds, "(a.text = ? OR b.text = ?)")
		args = append(args, f.Focus, f.Focus)
	}
	query := `
		SELECT a.text, b.text, COUNT(DISTINCT a.document_id) AS shared
		FROM entities a JOIN entities b
		  ON a.document_id = b.document_id AND a.text < b.text`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " GROUP BY a.text, b.text ORDER BY shared DESC LIMIT ?"
	args = append(args, f.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("entity co-occurrences: %w", err)
	}
	defer rows.Close()

	edges := make(map[[2]string]int)
	for rows.Next() {
		var a, b string
		var shared int
		if err := rows.Scan(&a, &b, &shared); err != nil {
			return nil, fmt.Errorf("scanning co-occurrence: %w", err)
		}
		edges[[2]string{a, b}] = shared
	}
	return edges, rows.Err()
}

// MergeEntities folds every occurrence of the source texts into target:
// rows are re-labelled then coalesced per document with counts summed.
func (s *Store) MergeEntities(ctx context.Context, target string, entityType string, sources []string) (int, error) {
	if len(sources) == 0 {
		return 0, nil
	}
	merged := 0
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		for _, src := range sources {
			if src == target {
				continue
			}
			rows, err := tx.QueryContext(ctx, `
				SELECT document_id, count FROM entities WHERE text = ? AND type = ?`, src, entityType)
			if err != nil {
				return fmt.Errorf("loading source entity %q: %w", src, err)
			}
			type occ struct {
				doc   int64
				count int
			}
			var occs []occ
			for rows.Next() {
				var o occ
				if err := rows.Scan(&o.doc, &o.count); err != nil {
					rows.Close()
					return fmt.Errorf("scanning source entity: %w", err)
				}
				occs = append(occs, o)
			}
			rows.Close()
			if err := rows.Err(); err != nil {
				return err
			}

			for _, o := range occs {
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO entities (document_id, text, type, count)
					VALUES (?, ?, ?, ?)
					ON CONFLICT(document_id, text, type)
					DO UPDATE SET count = count + excluded.count`,
					o.doc, target, entityType, o.count); err != nil {
					return fmt.Errorf("merging entity into %q: %w", target, err)
				}
			}
			res, err := tx.ExecContext(ctx, `DELETE FROM entities WHERE text = ? AND type = ?`, src, entityType)
			if err != nil {
				return fmt.Errorf("deleting source entity %q: %w", src, err)
			}
			n, _ := res.RowsAffected()
			merged += int(n)
		}
		return nil
	})
	return merged, err
}

// EntityTypeCounts returns total occurrences per entity type.
func (s *Store) EntityTypeCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT type, SUM(count) FROM entities GROUP BY type`)
	if err != nil {
		return nil, fmt.Errorf("counting entity types: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var t string
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return nil, fmt.Errorf("scanning entity type count: %w", err)
		}
		counts[t] = n
	}
	return counts, rows.Err()
}

func (s *Store) queryEntities(ctx context.Context, query string, args ...any) ([]*Entity, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying entities: %w", err)
	}
	defer rows.Close()

	var out []*Entity
	for rows.Next() {
		var e Entity
		var start sql.NullInt64
		if err := rows.Scan(&e.ID, &e.DocumentID, &e.Text, &e.Type, &e.Count, &start); err != nil {
			return nil, fmt.Errorf("scanning entity: %w", err)
		}
		if start.Valid {
			v := int(start.Int64)
			e.StartChar = &v
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func nullIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

// likePrefix escapes LIKE metacharacters and appends the wildcard so a
// user-supplied path prefix cannot widen the match.
func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}
