// Package vectorstore adapts Qdrant for chunk-level semantic search.
package vectorstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var tracer = otel.Tracer("archon.vectorstore.qdrant")

// payloadTextLimit caps the chunk excerpt stored in point payloads.
const payloadTextLimit = 1000

// Config holds the Qdrant gRPC client configuration.
type Config struct {
	Host string
	// Port is the gRPC port (6334), not the HTTP REST port.
	Port       int
	Collection string
	// Dimension must match the embedding client's vector width.
	Dimension int
	UseTLS    bool

	MaxRetries              int
	RetryBackoff            time.Duration
	CircuitBreakerThreshold int
	MaxMessageSize          int
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.Collection == "" {
		c.Collection = "archon_chunks"
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = time.Second
	}
	if c.CircuitBreakerThreshold == 0 {
		c.CircuitBreakerThreshold = 5
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024
	}
}

// DocumentMeta is the per-document payload replicated onto each point.
type DocumentMeta struct {
	DocumentID int64
	ScanID     int64
	FilePath   string
	FileName   string
	FileType   string
}

// ChunkVector pairs a chunk with its embedding for upsert.
type ChunkVector struct {
	Index  int
	Text   string
	Vector []float32
}

// Filters narrows a search.
type Filters struct {
	FileTypes []string
	ScanIDs   []int64
}

// SearchOptions tune candidate recall and diversification.
type SearchOptions struct {
	UseMMR              bool
	Lambda              float64
	CandidateMultiplier int
	MinScore            float32
}

// Result is one matched chunk, the best one of its document.
type Result struct {
	PointID    string  `json:"point_id"`
	DocumentID int64   `json:"document_id"`
	ScanID     int64   `json:"scan_id"`
	FilePath   string  `json:"file_path"`
	FileName   string  `json:"file_name"`
	FileType   string  `json:"file_type"`
	ChunkIndex int     `json:"chunk_index"`
	ChunkText  string  `json:"chunk_text"`
	Score      float32 `json:"score"`

	vector []float32
}

// Store is the Qdrant-backed chunk index.
type Store struct {
	client *qdrant.Client
	config Config

	circuitBreaker struct {
		failures int
		lastFail time.Time
		mu       sync.Mutex
	}
}

// New connects to Qdrant and verifies the connection.
func New(config Config) (*Store, error) {
	config.ApplyDefaults()
	if config.Dimension <= 0 {
		return nil, fmt.Errorf("vectorstore: dimension required")
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   config.Host,
		Port:   config.Port,
		UseTLS: config.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(config.MaxMessageSize),
				grpc.MaxCallSendMsgSize(config.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("vectorstore: connecting: %w", err)
	}

	s := &Store{client: client, config: config}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("vectorstore: health check: %w", err)
	}
	return s, nil
}

// Close closes the gRPC connection.
func (s *Store) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// Ping checks Qdrant availability.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.client.HealthCheck(ctx)
	return err
}

// EnsureCollection creates the chunk collection and its payload indexes
// when missing. Idempotent; called once at startup.
func (s *Store) EnsureCollection(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "vectorstore.EnsureCollection")
	defer span.End()
	span.SetAttributes(attribute.String("collection", s.config.Collection))

	exists, err := s.client.CollectionExists(ctx, s.config.Collection)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("checking collection: %w", err)
	}
	if !exists {
		err = s.retry(ctx, "create collection", func() error {
			return s.client.CreateCollection(ctx, &qdrant.CreateCollection{
				CollectionName: s.config.Collection,
				VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
					Size:     uint64(s.config.Dimension),
					Distance: qdrant.Distance_Cosine,
				}),
			})
		})
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}

	// Payload indexes back the search filters and the deletion selectors.
	for field, fieldType := range map[string]qdrant.FieldType{
		"document_id": qdrant.FieldType_FieldTypeInteger,
		"scan_id":     qdrant.FieldType_FieldTypeInteger,
		"file_type":   qdrant.FieldType_FieldTypeKeyword,
	} {
		_, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: s.config.Collection,
			FieldName:      field,
			FieldType:      &fieldType,
		})
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("creating %s index: %w", field, err)
		}
	}
	return nil
}

// PointID derives the deterministic point id for a document chunk, so
// re-indexing overwrites instead of duplicating.
func PointID(documentID int64, chunkIndex int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%d:%d", documentID, chunkIndex))).String()
}

// UpsertChunks stores one point per chunk and returns the point ids in
// chunk order.
func (s *Store) UpsertChunks(ctx context.Context, meta DocumentMeta, chunks []ChunkVector) ([]string, error) {
	ctx, span := tracer.Start(ctx, "vectorstore.UpsertChunks")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("document_id", meta.DocumentID),
		attribute.Int("chunks", len(chunks)),
	)

	if len(chunks) == 0 {
		return nil, nil
	}

	ids := make([]string, len(chunks))
	points := make([]*qdrant.PointStruct, len(chunks))
	for i, ch := range chunks {
		if len(ch.Vector) != s.config.Dimension {
			err := fmt.Errorf("chunk %d: vector dimension %d, want %d", ch.Index, len(ch.Vector), s.config.Dimension)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		excerpt := ch.Text
		if len(excerpt) > payloadTextLimit {
			excerpt = excerpt[:payloadTextLimit]
		}
		ids[i] = PointID(meta.DocumentID, ch.Index)
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewID(ids[i]),
			Vectors: qdrant.NewVectors(ch.Vector...),
			Payload: qdrant.NewValueMap(map[string]any{
				"document_id": meta.DocumentID,
				"scan_id":     meta.ScanID,
				"file_path":   meta.FilePath,
				"file_name":   meta.FileName,
				"file_type":   meta.FileType,
				"chunk_index": int64(ch.Index),
				"chunk_text":  excerpt,
			}),
		}
	}

	err := s.retry(ctx, "upsert chunks", func() error {
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: s.config.Collection,
			Points:         points,
		})
		return err
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return ids, nil
}

// Search returns the top-k chunks for queryVector, at most one per
// document. Candidate recall is k times the multiplier (2 plain, 18
// under MMR) so per-document deduplication and diversification still
// leave k results.
func (s *Store) Search(ctx context.Context, queryVector []float32, k int, filters Filters, opts SearchOptions) ([]Result, error) {
	ctx, span := tracer.Start(ctx, "vectorstore.Search")
	defer span.End()
	span.SetAttributes(attribute.Int("k", k), attribute.Bool("mmr", opts.UseMMR))

	if len(queryVector) != s.config.Dimension {
		return nil, fmt.Errorf("query vector dimension %d, want %d", len(queryVector), s.config.Dimension)
	}
	if k <= 0 {
		return nil, nil
	}

	multiplier := opts.CandidateMultiplier
	if multiplier <= 0 {
		multiplier = 2
		if opts.UseMMR {
			multiplier = 18
		}
	}

	query := &qdrant.QueryPoints{
		CollectionName: s.config.Collection,
		Query:          qdrant.NewQuery(queryVector...),
		Limit:          qdrant.PtrOf(uint64(k * multiplier)),
		WithPayload:    qdrant.NewWithPayload(true),
		// Vectors feed the MMR pairwise similarities.
		WithVectors: qdrant.NewWithVectors(opts.UseMMR),
		Filter:      buildFilter(filters),
	}
	if opts.MinScore > 0 {
		query.ScoreThreshold = qdrant.PtrOf(opts.MinScore)
	}

	var scored []*qdrant.ScoredPoint
	err := s.retry(ctx, "search", func() error {
		var err error
		scored, err = s.client.Query(ctx, query)
		return err
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	candidates := dedupeByDocument(scored)
	if opts.UseMMR {
		candidates = mmrSelect(queryVector, candidates, k, opts.Lambda)
	}
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	span.SetAttributes(attribute.Int("results", len(candidates)))
	return candidates, nil
}

// DeleteByDocument removes every point of a document.
func (s *Store) DeleteByDocument(ctx context.Context, documentID int64) error {
	return s.deleteByFilter(ctx, "delete by document", &qdrant.Filter{
		Must: []*qdrant.Condition{qdrant.NewMatchInt("document_id", documentID)},
	})
}

// DeleteByScan removes every point of a scan.
func (s *Store) DeleteByScan(ctx context.Context, scanID int64) error {
	return s.deleteByFilter(ctx, "delete by scan", &qdrant.Filter{
		Must: []*qdrant.Condition{qdrant.NewMatchInt("scan_id", scanID)},
	})
}

func (s *Store) deleteByFilter(ctx context.Context, op string, filter *qdrant.Filter) error {
	ctx, span := tracer.Start(ctx, "vectorstore.DeleteByFilter")
	defer span.End()

	err := s.retry(ctx, op, func() error {
		_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: s.config.Collection,
			Points:         qdrant.NewPointsSelectorFilter(filter),
		})
		return err
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func buildFilter(f Filters) *qdrant.Filter {
	var must []*qdrant.Condition
	if len(f.FileTypes) > 0 {
		must = append(must, qdrant.NewMatchKeywords("file_type", f.FileTypes...))
	}
	if len(f.ScanIDs) > 0 {
		must = append(must, qdrant.NewMatchInts("scan_id", f.ScanIDs...))
	}
	if len(must) == 0 {
		return nil
	}
	return &qdrant.Filter{Must: must}
}

// dedupeByDocument keeps the highest-scoring chunk per document,
// preserving score order.
func dedupeByDocument(points []*qdrant.ScoredPoint) []Result {
	seen := make(map[int64]struct{}, len(points))
	var out []Result
	for _, p := range points {
		r := resultFromPoint(p)
		if _, dup := seen[r.DocumentID]; dup {
			continue
		}
		seen[r.DocumentID] = struct{}{}
		out = append(out, r)
	}
	return out
}

func resultFromPoint(p *qdrant.ScoredPoint) Result {
	payload := p.GetPayload()
	r := Result{
		PointID:    p.GetId().GetUuid(),
		DocumentID: payload["document_id"].GetIntegerValue(),
		ScanID:     payload["scan_id"].GetIntegerValue(),
		FilePath:   payload["file_path"].GetStringValue(),
		FileName:   payload["file_name"].GetStringValue(),
		FileType:   payload["file_type"].GetStringValue(),
		ChunkIndex: int(payload["chunk_index"].GetIntegerValue()),
		ChunkText:  payload["chunk_text"].GetStringValue(),
		Score:      p.GetScore(),
	}
	if vs := p.GetVectors().GetVector(); vs != nil {
		r.vector = vs.GetData()
	}
	return r
}

// retry runs operation with exponential backoff on transient gRPC
// failures, tripping a circuit breaker on repeated errors.
func (s *Store) retry(ctx context.Context, op string, operation func() error) error {
	backoff := s.config.RetryBackoff
	for attempt := 0; ; attempt++ {
		err := operation()
		if err == nil {
			s.resetCircuitBreaker()
			return nil
		}
		if s.isCircuitOpen() {
			return fmt.Errorf("%s: circuit breaker open", op)
		}
		if !isTransient(err) {
			return fmt.Errorf("%s failed: %w", op, err)
		}
		s.recordFailure()
		if attempt == s.config.MaxRetries {
			return fmt.Errorf("%s failed after %d retries: %w", op, s.config.MaxRetries, err)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s canceled: %w", op, ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}
}

func (s *Store) recordFailure() {
	s.circuitBreaker.mu.Lock()
	defer s.circuitBreaker.mu.Unlock()
	s.circuitBreaker.failures++
	s.circuitBreaker.lastFail = time.Now()
}

func (s *Store) resetCircuitBreaker() {
	s.circuitBreaker.mu.Lock()
	defer s.circuitBreaker.mu.Unlock()
	s.circuitBreaker.failures = 0
}

func (s *Store) isCircuitOpen() bool {
	s.circuitBreaker.mu.Lock()
	defer s.circuitBreaker.mu.Unlock()
	if s.circuitBreaker.failures >= s.config.CircuitBreakerThreshold {
		if time.Since(s.circuitBreaker.lastFail) > 30*time.Second {
			s.circuitBreaker.failures = 0
			return false
		}
		return true
	}
	return false
}

// isTransient reports whether a gRPC error is worth retrying.
func isTransient(err error) bool {
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.ResourceExhausted, grpccodes.Aborted:
		return true
	}
	return false
}
