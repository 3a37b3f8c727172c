// Package lexical adapts Meilisearch for keyword search over extracted
// document text.
package lexical

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/meilisearch/meilisearch-go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/archon/internal/catalog"
)

// cropLength is the snippet length in words around matches.
const cropLength = 200

// Config holds the Meilisearch connection settings.
type Config struct {
	Host   string
	APIKey string
	Index  string
}

// Doc is the indexed shape of a document. Text is stored in full; the
// catalog remains authoritative.
type Doc struct {
	ID             int64  `json:"id"`
	ScanID         int64  `json:"scan_id"`
	FilePath       string `json:"file_path"`
	FileName       string `json:"file_name"`
	FileType       string `json:"file_type"`
	TextContent    string `json:"text_content"`
	FileSize       int64  `json:"file_size"`
	FileModifiedAt int64  `json:"file_modified_at,omitempty"` // unix seconds
	IndexedAt      int64  `json:"indexed_at"`
}

// Query is one lexical search request.
type Query struct {
	Text        string
	Limit       int64
	Offset      int64
	FileTypes   []string
	ScanIDs     []int64
	ProjectPath string
}

// Hit is one lexical match with its highlighted snippet.
type Hit struct {
	ID       int64  `json:"id"`
	ScanID   int64  `json:"scan_id"`
	FilePath string `json:"file_path"`
	FileName string `json:"file_name"`
	FileType string `json:"file_type"`
	Snippet  string `json:"snippet"`
}

// SearchResult is a page of lexical hits.
type SearchResult struct {
	Hits               []Hit `json:"hits"`
	EstimatedTotalHits int64 `json:"estimated_total_hits"`
	ProcessingTimeMs   int64 `json:"processing_time_ms"`
}

// Index is the Meilisearch-backed lexical adapter.
type Index struct {
	client meilisearch.ServiceManager
	index  meilisearch.IndexManager
	log    *zap.Logger
}

// New connects to Meilisearch and pushes the index settings. Settings
// application is asynchronous on the Meilisearch side; searches work
// throughout.
func New(cfg Config, log *zap.Logger) (*Index, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("lexical: host required")
	}
	if cfg.Index == "" {
		cfg.Index = "documents"
	}
	var opts []meilisearch.Option
	if cfg.APIKey != "" {
		opts = append(opts, meilisearch.WithAPIKey(cfg.APIKey))
	}
	client := meilisearch.New(cfg.Host, opts...)
	idx := client.Index(cfg.Index)

	_, err := idx.UpdateSettings(&meilisearch.Settings{
		SearchableAttributes: []string{"text_content", "file_name", "file_path"},
		FilterableAttributes: []string{"file_type", "scan_id", "file_modified_at", "file_path"},
		SortableAttributes:   []string{"file_modified_at", "indexed_at", "file_size"},
	})
	if err != nil {
		return nil, fmt.Errorf("lexical: updating index settings: %w", err)
	}
	return &Index{client: client, index: idx, log: log.Named("lexical")}, nil
}

// Ping checks Meilisearch availability.
func (ix *Index) Ping(ctx context.Context) error {
	if !ix.client.IsHealthy() {
		return fmt.Errorf("lexical: meilisearch unhealthy")
	}
	return nil
}

// IndexDocument adds or replaces one document and returns its lexical
// reference.
func (ix *Index) IndexDocument(ctx context.Context, doc *catalog.Document) (string, error) {
	entry := Doc{
		ID:          doc.ID,
		ScanID:      doc.ScanID,
		FilePath:    doc.FilePath,
		FileName:    doc.FileName,
		FileType:    string(doc.FileType),
		TextContent: doc.TextContent,
		FileSize:    doc.FileSize,
		IndexedAt:   doc.IndexedAt.Unix(),
	}
	if doc.FileModifiedAt != nil {
		entry.FileModifiedAt = doc.FileModifiedAt.Unix()
	}
	if _, err := ix.index.AddDocumentsWithContext(ctx, []Doc{entry}); err != nil {
		return "", fmt.Errorf("lexical: indexing document %d: %w", doc.ID, err)
	}
	return strconv.FormatInt(doc.ID, 10), nil
}

// Search runs a keyword query with highlighting and snippet cropping.
func (ix *Index) Search(ctx context.Context, q Query) (*SearchResult, error) {
	if q.Limit <= 0 {
		q.Limit = 20
	}
	filter, err := BuildFilter(q.FileTypes, q.ScanIDs, q.ProjectPath)
	if err != nil {
		return nil, err
	}

	req := &meilisearch.SearchRequest{
		Limit:                 q.Limit,
		Offset:                q.Offset,
		AttributesToHighlight: []string{"text_content", "file_name"},
		HighlightPreTag:       "<mark>",
		HighlightPostTag:      "</mark>",
		AttributesToCrop:      []string{"text_content"},
		CropLength:            cropLength,
	}
	if filter != "" {
		req.Filter = filter
	}

	start := time.Now()
	resp, err := ix.index.SearchWithContext(ctx, q.Text, req)
	if err != nil {
		return nil, fmt.Errorf("lexical: search: %w", err)
	}

	result := &SearchResult{
		EstimatedTotalHits: resp.EstimatedTotalHits,
		ProcessingTimeMs:   resp.ProcessingTimeMs,
	}
	if result.ProcessingTimeMs == 0 {
		result.ProcessingTimeMs = time.Since(start).Milliseconds()
	}
	for _, raw := range resp.Hits {
		hit, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		result.Hits = append(result.Hits, hitFromRaw(hit))
	}
	return result, nil
}

// Delete removes one document from the index.
func (ix *Index) Delete(ctx context.Context, documentID int64) error {
	if _, err := ix.index.DeleteDocumentWithContext(ctx, strconv.FormatInt(documentID, 10)); err != nil {
		return fmt.Errorf("lexical: deleting document %d: %w", documentID, err)
	}
	return nil
}

// DeleteByScan removes every document of a scan.
func (ix *Index) DeleteByScan(ctx context.Context, scanID int64) error {
	filter := fmt.Sprintf("scan_id = %d", scanID)
	if _, err := ix.index.DeleteDocumentsByFilterWithContext(ctx, filter); err != nil {
		return fmt.Errorf("lexical: deleting scan %d documents: %w", scanID, err)
	}
	return nil
}

func hitFromRaw(raw map[string]interface{}) Hit {
	h := Hit{
		ID:       int64(numField(raw, "id")),
		ScanID:   int64(numField(raw, "scan_id")),
		FilePath: strField(raw, "file_path"),
		FileName: strField(raw, "file_name"),
		FileType: strField(raw, "file_type"),
	}
	// _formatted carries the highlighted, cropped rendering.
	if formatted, ok := raw["_formatted"].(map[string]interface{}); ok {
		h.Snippet = strField(formatted, "text_content")
	}
	if h.Snippet == "" {
		h.Snippet = strField(raw, "text_content")
	}
	return h
}

func numField(m map[string]interface{}, key string) float64 {
	v, _ := m[key].(float64)
	return v
}

func strField(m map[string]interface{}, key string) string {
	v, _ := m[key].(string)
	return v
}
