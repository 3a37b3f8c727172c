// Package ingest runs scans: it walks evidence trees, expands
// containers, extracts text, hashes files and feeds the lexical and
// vector indexes. Per-file failures are recorded and never abort the
// scan.
package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/archon/internal/archive"
	"github.com/fyrsmithlabs/archon/internal/audit"
	"github.com/fyrsmithlabs/archon/internal/catalog"
	"github.com/fyrsmithlabs/archon/internal/embeddings"
	"github.com/fyrsmithlabs/archon/internal/entities"
	"github.com/fyrsmithlabs/archon/internal/extract"
	"github.com/fyrsmithlabs/archon/internal/hasher"
	"github.com/fyrsmithlabs/archon/internal/progress"
	"github.com/fyrsmithlabs/archon/internal/telemetry"
	"github.com/fyrsmithlabs/archon/internal/vectorstore"
)

// Per-file error taxonomy persisted in scan_errors.error_type.
const (
	ErrTypeEmptyContent = "EmptyContent"
	ErrTypeExtraction   = "ExtractionError"
	ErrTypeUnsupported  = "UnsupportedType"
	ErrTypeArchive      = "ArchiveError"
	ErrTypeMount        = "MountError"
	ErrTypeHashing      = "HashingError"
	ErrTypeCatalog      = "CatalogError"
	ErrTypeLexical      = "IndexingError"
	ErrTypeEmbedding    = "EmbeddingError"
	ErrTypeNER          = "NERError"
)

// ErrOutsideRoot rejects scan paths that escape the configured root.
var ErrOutsideRoot = errors.New("ingest: path is outside the scan root")

// Extractor turns a file into text items.
type Extractor interface {
	Extract(ctx context.Context, path string) ([]extract.Item, error)
}

// Lexical is the keyword index surface the pipeline writes to.
type Lexical interface {
	IndexDocument(ctx context.Context, doc *catalog.Document) (string, error)
	Delete(ctx context.Context, documentID int64) error
	DeleteByScan(ctx context.Context, scanID int64) error
}

// Vectors is the chunk index surface the pipeline writes to.
type Vectors interface {
	UpsertChunks(ctx context.Context, meta vectorstore.DocumentMeta, chunks []vectorstore.ChunkVector) ([]string, error)
	DeleteByDocument(ctx context.Context, documentID int64) error
	DeleteByScan(ctx context.Context, scanID int64) error
}

// Embedder produces document embeddings. Nil disables semantic
// indexing entirely.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// EntityExtractor runs NER over extracted text. Nil disables it.
type EntityExtractor interface {
	Extract(text string) ([]entities.Entity, error)
}

// Mounter exposes forensic disk images as directory trees.
type Mounter interface {
	Mount(ctx context.Context, imagePath string) (dir string, cleanup func(), err error)
}

// Publisher receives progress snapshots. Satisfied by *progress.Bus.
type Publisher interface {
	Publish(ctx context.Context, snap progress.Snapshot)
}

// Config tunes the pipeline.
type Config struct {
	// ScanRoot constrains scan paths: every root must canonicalize
	// inside it.
	ScanRoot        string
	MaxArchiveDepth int
	ChunkSize       int // approximate tokens
	ChunkOverlap    int // approximate tokens
}

// Deps are the orchestrator's collaborators. Store, Extractor and
// Lexical are required; the rest may be nil and degrade the pipeline
// accordingly.
type Deps struct {
	Store     *catalog.Store
	Extractor Extractor
	Lexical   Lexical
	Vectors   Vectors
	Embedder  Embedder
	Entities  EntityExtractor
	Mounter   Mounter
	Progress  Publisher
	Audit     *audit.Logger
	Metrics   *telemetry.Metrics
	Log       *zap.Logger
}

// Orchestrator drives one scan at a time from pending to a terminal
// state.
type Orchestrator struct {
	store     *catalog.Store
	extractor Extractor
	lexical   Lexical
	vectors   Vectors
	embedder  Embedder
	ner       EntityExtractor
	mounter   Mounter
	bus       Publisher
	audit     *audit.Logger
	metrics   *telemetry.Metrics
	log       *zap.Logger
	cfg       Config
}

// New creates an Orchestrator.
func New(deps Deps, cfg Config) *Orchestrator {
	if cfg.MaxArchiveDepth <= 0 {
		cfg.MaxArchiveDepth = archive.DefaultMaxDepth
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 500
	}
	if cfg.ChunkOverlap < 0 {
		cfg.ChunkOverlap = 0
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = telemetry.New()
	}
	return &Orchestrator{
		store:     deps.Store,
		extractor: deps.Extractor,
		lexical:   deps.Lexical,
		vectors:   deps.Vectors,
		embedder:  deps.Embedder,
		ner:       deps.Entities,
		mounter:   deps.Mounter,
		bus:       deps.Progress,
		audit:     deps.Audit,
		metrics:   metrics,
		log:       deps.Log.Named("ingest"),
		cfg:       cfg,
	}
}

// ValidateRoot canonicalizes path and checks it lies inside the
// configured scan root. Returns the resolved path.
func (o *Orchestrator) ValidateRoot(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", path, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", path, err)
	}
	root, err := filepath.EvalSymlinks(o.cfg.ScanRoot)
	if err != nil {
		return "", fmt.Errorf("resolving scan root: %w", err)
	}
	rel, err := filepath.Rel(root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	return resolved, nil
}

// counters mirrors the catalog counts for progress snapshots so the
// walk does not re-read the scan row per file. containers tracks which
// expanded archives have had their detection-time entry replaced by
// their members, keeping processed+failed within total.
type counters struct {
	processed  int
	failed     int
	total      int
	containers map[string]struct{}
}

// Run executes the scan to a terminal state. Already-terminal scans
// are a no-op so duplicate task deliveries are safe. A non-terminal
// scan with existing documents resumes: ingested paths are skipped.
func (o *Orchestrator) Run(ctx context.Context, scanID int64, taskHandle string) error {
	scan, err := o.store.GetScan(ctx, scanID)
	if err != nil {
		return err
	}
	if scan.Status.Terminal() {
		o.log.Info("scan already terminal, skipping",
			zap.Int64("scan_id", scanID), zap.String("status", string(scan.Status)))
		return nil
	}
	if err := o.store.MarkScanRunning(ctx, scanID, taskHandle); err != nil {
		return err
	}
	o.recordAudit(ctx, audit.Event{
		Action:  audit.ActionScanStarted,
		ScanID:  &scanID,
		Details: map[string]any{"root_path": scan.RootPath, "resumed": scan.ProcessedFiles > 0},
	})
	o.metrics.ActiveScans.Inc()
	defer o.metrics.ActiveScans.Dec()

	o.publish(ctx, progress.Snapshot{ScanID: scanID, Phase: progress.PhaseDetection})
	total, err := countFiles(ctx, scan.RootPath, func(n int) {
		// Running count so progress renders before discovery finishes.
		if err := o.store.UpdateScanTotals(ctx, scanID, n); err != nil {
			o.log.Warn("updating scan totals", zap.Error(err))
		}
	})
	if err != nil {
		return o.finish(ctx, scanID, catalog.ScanFailed, err.Error(), err)
	}
	if err := o.store.UpdateScanTotals(ctx, scanID, total); err != nil {
		o.log.Warn("updating scan totals", zap.Error(err))
	}

	skip, err := o.store.ScanFilePaths(ctx, scanID)
	if err != nil {
		return o.finish(ctx, scanID, catalog.ScanFailed, err.Error(), err)
	}
	counts := &counters{
		processed:  scan.ProcessedFiles,
		failed:     scan.FailedFiles,
		total:      total,
		containers: make(map[string]struct{}),
	}

	expander := archive.New(o.cfg.MaxArchiveDepth, o.log, o.expanderErrFunc(ctx, scanID, counts))
	walkErr := expander.Walk(ctx, scan.RootPath, func(leaf archive.Leaf) error {
		return o.processLeaf(ctx, scan, leaf, skip, counts)
	})

	switch {
	case ctx.Err() != nil:
		return o.finish(ctx, scanID, catalog.ScanCancelled, "", nil)
	case walkErr != nil:
		return o.finish(ctx, scanID, catalog.ScanFailed, walkErr.Error(), walkErr)
	default:
		return o.finish(ctx, scanID, catalog.ScanCompleted, "", nil)
	}
}

func (o *Orchestrator) finish(ctx context.Context, scanID int64, status catalog.ScanStatus, errMsg string, cause error) error {
	// Cancellation must still persist state: detach from the dead ctx.
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
	}
	if err := o.store.MarkScanTerminal(ctx, scanID, status, errMsg); err != nil {
		o.log.Error("marking scan terminal", zap.Int64("scan_id", scanID), zap.Error(err))
	}
	action := audit.ActionScanCompleted
	switch status {
	case catalog.ScanFailed:
		action = audit.ActionScanFailed
	case catalog.ScanCancelled:
		action = audit.ActionScanCancelled
	}
	details := map[string]any{}
	if errMsg != "" {
		details["error"] = errMsg
	}
	o.recordAudit(ctx, audit.Event{Action: action, ScanID: &scanID, Details: details})
	o.publishTerminal(ctx, scanID, status)
	o.log.Info("scan finished", zap.Int64("scan_id", scanID), zap.String("status", string(status)))
	return cause
}

// publishTerminal emits the closing snapshot with final counts and the
// ten most recent errors.
func (o *Orchestrator) publishTerminal(ctx context.Context, scanID int64, status catalog.ScanStatus) {
	snap := progress.Snapshot{ScanID: scanID, Phase: progress.PhaseTerminal, Status: string(status)}
	if scan, err := o.store.GetScan(ctx, scanID); err == nil {
		snap.Processed = scan.ProcessedFiles
		snap.Failed = scan.FailedFiles
		snap.Total = scan.TotalFiles
	}
	if errs, err := o.store.ListScanErrors(ctx, scanID, 10, 0); err == nil {
		for _, e := range errs {
			snap.Errors = append(snap.Errors, progress.ErrorSummary{
				FilePath:  e.FilePath,
				ErrorType: e.ErrorType,
				Message:   e.Message,
			})
		}
	}
	o.publish(ctx, snap)
}

func (o *Orchestrator) expanderErrFunc(ctx context.Context, scanID int64, counts *counters) archive.ErrorFunc {
	return func(path string, err error) {
		o.fileFailed(ctx, scanID, path, ErrTypeArchive, err, counts)
	}
}

func (o *Orchestrator) processLeaf(ctx context.Context, scan *catalog.Scan, leaf archive.Leaf, skip map[string]struct{}, counts *counters) error {
	docPath := leaf.VirtualPath()
	archivePath := strings.Join(leaf.ArchiveTrail, "/")
	if docPath == "" {
		docPath = leaf.MemberPath
		if docPath == "" {
			docPath = filepath.Base(leaf.Path)
		}
		archivePath = ""
	}
	if len(leaf.ArchiveTrail) > 0 {
		// The container was counted as one file during detection; its
		// first member takes over that slot, the rest grow the total.
		delta := 1
		if _, seen := counts.containers[leaf.ArchiveTrail[0]]; !seen {
			counts.containers[leaf.ArchiveTrail[0]] = struct{}{}
			delta--
		}
		o.growTotals(ctx, scan.ID, counts, delta)
	}
	return o.ingestFile(ctx, scan, leaf.Path, docPath, archivePath, leaf.Size, skip, counts)
}

// growTotals keeps total_files ahead of processed+failed as containers
// expand into more files than detection counted.
func (o *Orchestrator) growTotals(ctx context.Context, scanID int64, counts *counters, delta int) {
	if delta == 0 {
		return
	}
	counts.total += delta
	if err := o.store.UpdateScanTotals(ctx, scanID, counts.total); err != nil {
		o.log.Warn("updating scan totals", zap.Error(err))
	}
}

// ensureTotals raises the total when failures surface entries that
// detection never saw, such as refused or unreadable archive members.
func (o *Orchestrator) ensureTotals(ctx context.Context, scanID int64, counts *counters) {
	if done := counts.processed + counts.failed; done > counts.total {
		o.growTotals(ctx, scanID, counts, done-counts.total)
	}
}

// ingestFile runs the per-file pipeline. Returns an error only on
// cancellation; everything else is recorded and swallowed.
func (o *Orchestrator) ingestFile(ctx context.Context, scan *catalog.Scan, phys, docPath, archivePath string, size int64, skip map[string]struct{}, counts *counters) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, done := skip[docPath]; done {
		return nil
	}
	// Unexpanded containers (nesting limit) were already recorded by the
	// expander's error callback.
	if archive.IsContainer(phys) {
		return nil
	}

	o.publish(ctx, progress.Snapshot{
		ScanID:      scan.ID,
		Phase:       progress.PhaseProcessing,
		CurrentFile: docPath,
		Processed:   counts.processed,
		Failed:      counts.failed,
		Total:       counts.total,
	})

	if extract.IsForensicImage(phys) {
		return o.ingestForensicImage(ctx, scan, phys, docPath, skip, counts)
	}

	items, err := o.extractor.Extract(ctx, phys)
	if err != nil {
		typ := ErrTypeExtraction
		if errors.Is(err, extract.ErrUnsupported) {
			typ = ErrTypeUnsupported
		}
		o.fileFailed(ctx, scan.ID, docPath, typ, err, counts)
		return nil
	}

	digests, err := hasher.HashFile(ctx, phys)
	if err != nil {
		// Hashing failures degrade to empty digests, the text survives.
		o.recordScanError(ctx, scan.ID, docPath, ErrTypeHashing, err)
		digests = &hasher.Digests{}
	}
	var modTime *time.Time
	if info, err := os.Stat(phys); err == nil {
		t := info.ModTime().UTC()
		modTime = &t
	}

	// Multi-part files (mbox, PST) catalog one document per part.
	if len(items) > 1 {
		o.growTotals(ctx, scan.ID, counts, len(items)-1)
	}

	for i, item := range items {
		itemPath := docPath
		if len(items) > 1 {
			itemPath = fmt.Sprintf("%s#%d", docPath, i)
		}
		if _, done := skip[itemPath]; done {
			continue
		}
		if strings.TrimSpace(item.Text) == "" {
			o.fileFailed(ctx, scan.ID, itemPath, ErrTypeEmptyContent, errors.New("no extractable text"), counts)
			continue
		}
		name := filepath.Base(phys)
		if item.Name != "" {
			name = item.Name
		}
		modified := modTime
		if item.IntrinsicDate != nil {
			modified = item.IntrinsicDate
		}
		doc := &catalog.Document{
			ScanID:         scan.ID,
			FilePath:       itemPath,
			FileName:       name,
			FileType:       extract.DetectType(phys),
			FileSize:       size,
			TextContent:    item.Text,
			TextLength:     len(item.Text),
			HasOCR:         item.UsedOCR,
			ArchivePath:    archivePath,
			HashMD5:        digests.MD5,
			HashSHA256:     digests.SHA256,
			FileModifiedAt: modified,
		}
		if err := o.indexDocument(ctx, scan, doc); err != nil {
			if errors.Is(err, catalog.ErrDuplicate) {
				continue
			}
			o.fileFailed(ctx, scan.ID, itemPath, ErrTypeCatalog, err, counts)
			continue
		}
		counts.processed++
		if err := o.store.IncrementScanProcessed(ctx, scan.ID); err != nil {
			o.log.Warn("incrementing processed count", zap.Error(err))
		}
		o.ensureTotals(ctx, scan.ID, counts)
		o.metrics.DocumentsProcessed.WithLabelValues(string(doc.FileType)).Inc()
	}
	return nil
}

// indexDocument persists the catalog row first so evidence survives
// index outages, then best-efforts the lexical and vector indexes.
func (o *Orchestrator) indexDocument(ctx context.Context, scan *catalog.Scan, doc *catalog.Document) error {
	err := o.store.WithTx(ctx, func(tx *sql.Tx) error {
		return o.store.InsertDocumentTx(ctx, tx, doc)
	})
	if err != nil {
		return err
	}

	lexRef, err := o.lexical.IndexDocument(ctx, doc)
	if err != nil {
		o.recordScanError(ctx, scan.ID, doc.FilePath, ErrTypeLexical, err)
		lexRef = ""
	}

	var vectorRefs []string
	if scan.EmbeddingsEnabled && o.embedder != nil && o.vectors != nil && !extract.Deferred(doc.TextContent) {
		vectorRefs, err = o.embedDocument(ctx, doc)
		if err != nil {
			o.recordScanError(ctx, scan.ID, doc.FilePath, ErrTypeEmbedding, err)
			vectorRefs = nil
		}
	}

	if lexRef != "" || len(vectorRefs) > 0 {
		if err := o.store.UpdateDocumentRefs(ctx, doc.ID, lexRef, vectorRefs); err != nil {
			o.log.Warn("updating document refs", zap.Int64("document_id", doc.ID), zap.Error(err))
		}
		doc.LexicalRef = lexRef
		doc.VectorRefs = vectorRefs
	}

	if o.ner != nil {
		o.extractEntities(ctx, scan.ID, doc)
	}
	return nil
}

func (o *Orchestrator) embedDocument(ctx context.Context, doc *catalog.Document) ([]string, error) {
	chunks := embeddings.ChunkText(doc.TextContent, o.cfg.ChunkSize, o.cfg.ChunkOverlap)
	if len(chunks) == 0 {
		return nil, nil
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vecs, err := o.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	o.metrics.EmbeddingBatches.Inc()

	cvs := make([]vectorstore.ChunkVector, len(chunks))
	for i, c := range chunks {
		cvs[i] = vectorstore.ChunkVector{Index: c.Index, Text: c.Text, Vector: vecs[i]}
	}
	return o.vectors.UpsertChunks(ctx, vectorstore.DocumentMeta{
		DocumentID: doc.ID,
		ScanID:     doc.ScanID,
		FilePath:   doc.FilePath,
		FileName:   doc.FileName,
		FileType:   string(doc.FileType),
	}, cvs)
}

func (o *Orchestrator) extractEntities(ctx context.Context, scanID int64, doc *catalog.Document) {
	ents, err := o.ner.Extract(doc.TextContent)
	if err != nil {
		o.recordScanError(ctx, scanID, doc.FilePath, ErrTypeNER, err)
		return
	}
	if len(ents) == 0 {
		return
	}
	err = o.store.WithTx(ctx, func(tx *sql.Tx) error {
		for _, e := range ents {
			start := e.StartChar
			row := &catalog.Entity{
				DocumentID: doc.ID,
				Text:       e.Text,
				Type:       e.Type,
				Count:      e.Count,
				StartChar:  &start,
			}
			if err := o.store.UpsertEntityTx(ctx, tx, row); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		o.recordScanError(ctx, scanID, doc.FilePath, ErrTypeNER, err)
	}
}

// ingestForensicImage mounts a disk image and walks its tree, nesting
// document paths under the image path.
func (o *Orchestrator) ingestForensicImage(ctx context.Context, scan *catalog.Scan, phys, docPath string, skip map[string]struct{}, counts *counters) error {
	if o.mounter == nil {
		o.fileFailed(ctx, scan.ID, docPath, ErrTypeMount, errors.New("forensic image mounting unavailable"), counts)
		return nil
	}
	dir, cleanup, err := o.mounter.Mount(ctx, phys)
	if err != nil {
		o.fileFailed(ctx, scan.ID, docPath, ErrTypeMount, err, counts)
		return nil
	}
	defer cleanup()

	expander := archive.New(o.cfg.MaxArchiveDepth, o.log, o.expanderErrFunc(ctx, scan.ID, counts))
	first := true
	return expander.Walk(ctx, dir, func(leaf archive.Leaf) error {
		// The image counted as one file during detection; its contents
		// replace it in the totals.
		delta := 1
		if first {
			first = false
			delta--
		}
		o.growTotals(ctx, scan.ID, counts, delta)
		sub := leaf.VirtualPath()
		archivePath := docPath
		if sub == "" {
			sub = leaf.MemberPath
			if sub == "" {
				sub = filepath.Base(leaf.Path)
			}
		} else {
			archivePath = docPath + "/" + strings.Join(leaf.ArchiveTrail, "/")
		}
		return o.ingestFile(ctx, scan, leaf.Path, docPath+"/"+sub, archivePath, leaf.Size, skip, counts)
	})
}

// Reindex re-runs extraction-independent indexing for one document:
// stale vectors and entities are dropped, then the lexical index,
// embeddings and NER run again from the stored text.
func (o *Orchestrator) Reindex(ctx context.Context, documentID int64, userIP string) error {
	doc, err := o.store.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}
	scan, err := o.store.GetScan(ctx, doc.ScanID)
	if err != nil {
		return err
	}

	if o.vectors != nil {
		if err := o.vectors.DeleteByDocument(ctx, documentID); err != nil {
			return fmt.Errorf("dropping stale vectors: %w", err)
		}
	}
	if err := o.store.DeleteEntitiesByDocument(ctx, documentID); err != nil {
		return err
	}

	lexRef, err := o.lexical.IndexDocument(ctx, doc)
	if err != nil {
		return fmt.Errorf("lexical reindex: %w", err)
	}
	var vectorRefs []string
	if scan.EmbeddingsEnabled && o.embedder != nil && o.vectors != nil && !extract.Deferred(doc.TextContent) {
		vectorRefs, err = o.embedDocument(ctx, doc)
		if err != nil {
			return fmt.Errorf("vector reindex: %w", err)
		}
	}
	if err := o.store.UpdateDocumentRefs(ctx, documentID, lexRef, vectorRefs); err != nil {
		return err
	}
	if o.ner != nil {
		o.extractEntities(ctx, doc.ScanID, doc)
	}

	o.recordAudit(ctx, audit.Event{
		Action:     audit.ActionDocumentReindexed,
		DocumentID: &documentID,
		ScanID:     &doc.ScanID,
		Details:    map[string]any{"file_path": doc.FilePath},
		UserIP:     userIP,
	})
	return nil
}

// DeleteScanData removes a scan and everything derived from it: index
// entries first, then the catalog rows via cascade.
func (o *Orchestrator) DeleteScanData(ctx context.Context, scanID int64, userIP string) error {
	scan, err := o.store.GetScan(ctx, scanID)
	if err != nil {
		return err
	}
	if err := o.lexical.DeleteByScan(ctx, scanID); err != nil {
		o.log.Warn("purging lexical index", zap.Int64("scan_id", scanID), zap.Error(err))
	}
	if o.vectors != nil {
		if err := o.vectors.DeleteByScan(ctx, scanID); err != nil {
			o.log.Warn("purging vector index", zap.Int64("scan_id", scanID), zap.Error(err))
		}
	}
	if err := o.store.DeleteScan(ctx, scanID); err != nil {
		return err
	}
	o.recordAudit(ctx, audit.Event{
		Action:  audit.ActionScanDeleted,
		ScanID:  &scanID,
		Details: map[string]any{"root_path": scan.RootPath},
		UserIP:  userIP,
	})
	return nil
}

// Embedding cost parameters for the pre-scan estimate. The token count
// is approximate (1 token per 4 bytes of file data) since nothing has
// been extracted yet.
const (
	estimateCharsPerToken = 4
	embedCostPerMegaToken = 0.15
	freeTierDailyTokens   = 1_000_000
)

// EmbeddingEstimate projects the embedding cost of a scan root.
type EmbeddingEstimate struct {
	Tokens            int64   `json:"tokens"`
	CostUSD           float64 `json:"cost_usd"`
	FreeTierAvailable bool    `json:"free_tier_available"`
	Note              string  `json:"note"`
}

type Estimate struct {
	TotalFiles     int               `json:"total_files"`
	TotalBytes     int64             `json:"total_bytes"`
	ByType         map[string]int    `json:"by_type"`
	Containers     int               `json:"containers"`
	ForensicImages int               `json:"forensic_images"`
	Embedding      EmbeddingEstimate `json:"embedding_estimate"`
}

// Estimate walks the tree counting files by type. Containers are
// counted as single files, not expanded.
func (o *Orchestrator) Estimate(ctx context.Context, root string) (*Estimate, error) {
	resolved, err := o.ValidateRoot(root)
	if err != nil {
		return nil, err
	}
	est := &Estimate{ByType: make(map[string]int)}
	err = filepath.WalkDir(resolved, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		est.TotalFiles++
		est.TotalBytes += info.Size()
		est.ByType[string(extract.DetectType(path))]++
		if archive.IsContainer(path) {
			est.Containers++
		}
		if extract.IsForensicImage(path) {
			est.ForensicImages++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	tokens := est.TotalBytes / estimateCharsPerToken
	est.Embedding = EmbeddingEstimate{
		Tokens:            tokens,
		CostUSD:           float64(tokens) / 1e6 * embedCostPerMegaToken,
		FreeTierAvailable: tokens <= freeTierDailyTokens,
		Note:              "estimation approximative: 1 token pour 4 caractères de texte extrait",
	}
	return est, nil
}

func (o *Orchestrator) fileFailed(ctx context.Context, scanID int64, filePath, errType string, cause error, counts *counters) {
	o.recordScanError(ctx, scanID, filePath, errType, cause)
	counts.failed++
	if err := o.store.IncrementScanFailed(ctx, scanID); err != nil {
		o.log.Warn("incrementing failed count", zap.Error(err))
	}
	o.ensureTotals(ctx, scanID, counts)
}

func (o *Orchestrator) recordScanError(ctx context.Context, scanID int64, filePath, errType string, cause error) {
	o.log.Warn("file-level ingestion error",
		zap.Int64("scan_id", scanID),
		zap.String("file", filePath),
		zap.String("type", errType),
		zap.Error(cause))
	if err := o.store.RecordScanError(ctx, scanID, filePath, errType, cause.Error()); err != nil {
		o.log.Error("recording scan error", zap.Error(err))
	}
	o.metrics.ScanErrors.Inc()
}

func (o *Orchestrator) recordAudit(ctx context.Context, ev audit.Event) {
	if o.audit != nil {
		o.audit.RecordBestEffort(ctx, ev)
	}
}

func (o *Orchestrator) publish(ctx context.Context, snap progress.Snapshot) {
	if o.bus != nil {
		o.bus.Publish(ctx, snap)
	}
}

// countFiles counts regular files under root, reporting the running
// count every countReportEvery files so large trees show progress
// while discovery is still underway.
const countReportEvery = 100

func countFiles(ctx context.Context, root string, report func(int)) (int, error) {
	info, err := os.Stat(root)
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", root, err)
	}
	if !info.IsDir() {
		return 1, nil
	}
	n := 0
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if d.Type().IsRegular() {
			n++
			if report != nil && n%countReportEvery == 0 {
				report(n)
			}
		}
		return nil
	})
	return n, err
}
