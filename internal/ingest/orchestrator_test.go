package ingest

import (
	"archive/zip"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/archon/internal/audit"
	"github.com/fyrsmithlabs/archon/internal/catalog"
	"github.com/fyrsmithlabs/archon/internal/entities"
	"github.com/fyrsmithlabs/archon/internal/extract"
	"github.com/fyrsmithlabs/archon/internal/logging"
	"github.com/fyrsmithlabs/archon/internal/progress"
	"github.com/fyrsmithlabs/archon/internal/vectorstore"
)

type fakeExtractor struct {
	mu     sync.Mutex
	calls  []string
	items  map[string][]extract.Item
	errs   map[string]error
	onCall func(base string)
}

func (f *fakeExtractor) Extract(ctx context.Context, path string) ([]extract.Item, error) {
	base := filepath.Base(path)
	f.mu.Lock()
	f.calls = append(f.calls, base)
	f.mu.Unlock()
	if f.onCall != nil {
		f.onCall(base)
	}
	if err, ok := f.errs[base]; ok {
		return nil, err
	}
	if items, ok := f.items[base]; ok {
		return items, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return []extract.Item{{Text: string(raw)}}, nil
}

func (f *fakeExtractor) called(base string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == base {
			return true
		}
	}
	return false
}

type fakeLexical struct {
	indexed      []int64
	deletedDocs  []int64
	deletedScans []int64
	err          error
}

func (f *fakeLexical) IndexDocument(ctx context.Context, doc *catalog.Document) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.indexed = append(f.indexed, doc.ID)
	return fmt.Sprintf("%d", doc.ID), nil
}

func (f *fakeLexical) Delete(ctx context.Context, documentID int64) error {
	f.deletedDocs = append(f.deletedDocs, documentID)
	return nil
}

func (f *fakeLexical) DeleteByScan(ctx context.Context, scanID int64) error {
	f.deletedScans = append(f.deletedScans, scanID)
	return nil
}

type fakeVectors struct {
	upserts      map[int64]int // document id -> chunk count
	deletedDocs  []int64
	deletedScans []int64
}

func newFakeVectors() *fakeVectors {
	return &fakeVectors{upserts: make(map[int64]int)}
}

func (f *fakeVectors) UpsertChunks(ctx context.Context, meta vectorstore.DocumentMeta, chunks []vectorstore.ChunkVector) ([]string, error) {
	f.upserts[meta.DocumentID] = len(chunks)
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		ids[i] = fmt.Sprintf("p-%d-%d", meta.DocumentID, c.Index)
	}
	return ids, nil
}

func (f *fakeVectors) DeleteByDocument(ctx context.Context, documentID int64) error {
	f.deletedDocs = append(f.deletedDocs, documentID)
	return nil
}

func (f *fakeVectors) DeleteByScan(ctx context.Context, scanID int64) error {
	f.deletedScans = append(f.deletedScans, scanID)
	return nil
}

type fakeEmbedder struct {
	batches int
	err     error
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.batches++
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{0.1, 0.2}
	}
	return out, nil
}

type fakeNER struct{}

func (fakeNER) Extract(text string) ([]entities.Entity, error) {
	if !strings.Contains(text, "Acme") {
		return nil, nil
	}
	return []entities.Entity{{Text: "Acme", Type: "ORG", Count: 1, StartChar: strings.Index(text, "Acme")}}, nil
}

type memPublisher struct {
	mu    sync.Mutex
	snaps []progress.Snapshot
}

func (m *memPublisher) Publish(ctx context.Context, snap progress.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps = append(m.snaps, snap)
}

func (m *memPublisher) last() progress.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.snaps) == 0 {
		return progress.Snapshot{}
	}
	return m.snaps[len(m.snaps)-1]
}

type fixture struct {
	store *catalog.Store
	ex    *fakeExtractor
	lex   *fakeLexical
	vec   *fakeVectors
	emb   *fakeEmbedder
	pub   *memPublisher
	orch  *Orchestrator
	root  string
}

func newFixture(t *testing.T, root string) *fixture {
	t.Helper()
	store, err := catalog.Open(filepath.Join(t.TempDir(), "archon.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	log := logging.NewNop()
	f := &fixture{
		store: store,
		ex:    &fakeExtractor{items: map[string][]extract.Item{}, errs: map[string]error{}},
		lex:   &fakeLexical{},
		vec:   newFakeVectors(),
		emb:   &fakeEmbedder{},
		pub:   &memPublisher{},
		root:  root,
	}
	f.orch = New(Deps{
		Store:     store,
		Extractor: f.ex,
		Lexical:   f.lex,
		Vectors:   f.vec,
		Embedder:  f.emb,
		Entities:  fakeNER{},
		Progress:  f.pub,
		Audit:     audit.NewLogger(store, log),
		Log:       log,
	}, Config{ScanRoot: root})
	return f
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestRunIngestsTree(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writeFile(t, root, "a.txt", "John Smith works at Acme Corp in Paris.")
	writeFile(t, root, "sub/b.txt", "quarterly numbers")
	f := newFixture(t, root)

	scan, err := f.store.CreateScan(ctx, root, true)
	require.NoError(t, err)
	require.NoError(t, f.orch.Run(ctx, scan.ID, "task-1"))

	got, err := f.store.GetScan(ctx, scan.ID)
	require.NoError(t, err)
	assert.Equal(t, catalog.ScanCompleted, got.Status)
	assert.Equal(t, 2, got.ProcessedFiles)
	assert.Equal(t, 0, got.FailedFiles)
	assert.Equal(t, 2, got.TotalFiles)
	assert.Empty(t, got.TaskHandle, "terminal scans drop their task handle")

	docs, err := f.store.ListDocuments(ctx, scan.ID, "", 10, 0)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	byPath := map[string]*catalog.Document{}
	for _, d := range docs {
		byPath[d.FilePath] = d
	}
	a := byPath["a.txt"]
	require.NotNil(t, a, "paths are stored relative to the scan root, got %v", docs)
	assert.NotEmpty(t, a.LexicalRef)
	assert.NotEmpty(t, a.VectorRefs)
	assert.NotEmpty(t, a.HashSHA256)
	assert.Equal(t, catalog.FileTypeText, a.FileType)
	require.NotNil(t, byPath["sub/b.txt"])

	ents, err := f.store.ListEntitiesByDocument(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, ents, 1)
	assert.Equal(t, "Acme", ents[0].Text)

	last := f.pub.last()
	assert.True(t, last.Terminal())
	assert.Equal(t, string(catalog.ScanCompleted), last.Status)
	assert.Equal(t, 2, last.Processed)
}

func TestRunResumeSkipsIngestedFiles(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writeFile(t, root, "a.txt", "already ingested")
	writeFile(t, root, "b.txt", "new material")
	f := newFixture(t, root)

	scan, err := f.store.CreateScan(ctx, root, false)
	require.NoError(t, err)
	// Pre-ingest a.txt as if a previous run got that far.
	err = f.store.WithTx(ctx, func(tx *sql.Tx) error {
		return f.store.InsertDocumentTx(ctx, tx, &catalog.Document{
			ScanID: scan.ID, FilePath: "a.txt", FileName: "a.txt",
			FileType: catalog.FileTypeText, TextContent: "already ingested",
		})
	})
	require.NoError(t, err)

	require.NoError(t, f.orch.Run(ctx, scan.ID, "task-2"))

	assert.False(t, f.ex.called("a.txt"), "resumed scan must not re-extract ingested files")
	assert.True(t, f.ex.called("b.txt"))
	docs, err := f.store.ListDocuments(ctx, scan.ID, "", 10, 0)
	require.NoError(t, err)
	assert.Len(t, docs, 2)
}

func TestRunTerminalScanIsNoOp(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writeFile(t, root, "a.txt", "content")
	f := newFixture(t, root)

	scan, err := f.store.CreateScan(ctx, root, false)
	require.NoError(t, err)
	require.NoError(t, f.store.MarkScanTerminal(ctx, scan.ID, catalog.ScanCancelled, ""))

	require.NoError(t, f.orch.Run(ctx, scan.ID, "task-3"))
	assert.Empty(t, f.ex.calls)
	got, err := f.store.GetScan(ctx, scan.ID)
	require.NoError(t, err)
	assert.Equal(t, catalog.ScanCancelled, got.Status, "terminal state must not change")
}

func TestDeferredSentinelSkipsEmbedding(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writeFile(t, root, "scan.jpg", "binary")
	f := newFixture(t, root)
	f.ex.items["scan.jpg"] = []extract.Item{{Text: extract.ImageDeferredSentinel + ": scan.jpg"}}

	scan, err := f.store.CreateScan(ctx, root, true)
	require.NoError(t, err)
	require.NoError(t, f.orch.Run(ctx, scan.ID, "task-4"))

	assert.Zero(t, f.emb.batches, "sentinel text must not be embedded")
	assert.Empty(t, f.vec.upserts)

	docs, err := f.store.ListDocuments(ctx, scan.ID, "", 10, 0)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.NotEmpty(t, docs[0].LexicalRef, "sentinel documents stay keyword-searchable")
	assert.Empty(t, docs[0].VectorRefs)
}

func TestEmptyContentRecordedAsFailure(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writeFile(t, root, "blank.txt", "   \n\t ")
	f := newFixture(t, root)

	scan, err := f.store.CreateScan(ctx, root, false)
	require.NoError(t, err)
	require.NoError(t, f.orch.Run(ctx, scan.ID, "task-5"))

	got, err := f.store.GetScan(ctx, scan.ID)
	require.NoError(t, err)
	assert.Equal(t, catalog.ScanCompleted, got.Status)
	assert.Equal(t, 0, got.ProcessedFiles)
	assert.Equal(t, 1, got.FailedFiles)

	errs, err := f.store.ListScanErrors(ctx, scan.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, ErrTypeEmptyContent, errs[0].ErrorType)

	last := f.pub.last()
	assert.True(t, last.Terminal())
	require.Len(t, last.Errors, 1)
	assert.Equal(t, ErrTypeEmptyContent, last.Errors[0].ErrorType)
}

func TestPerFileFailureDoesNotAbortScan(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writeFile(t, root, "bad.txt", "x")
	writeFile(t, root, "good.txt", "fine content")
	f := newFixture(t, root)
	f.ex.errs["bad.txt"] = errors.New("parser exploded")

	scan, err := f.store.CreateScan(ctx, root, false)
	require.NoError(t, err)
	require.NoError(t, f.orch.Run(ctx, scan.ID, "task-6"))

	got, err := f.store.GetScan(ctx, scan.ID)
	require.NoError(t, err)
	assert.Equal(t, catalog.ScanCompleted, got.Status)
	assert.Equal(t, 1, got.ProcessedFiles)
	assert.Equal(t, 1, got.FailedFiles)

	errs, err := f.store.ListScanErrors(ctx, scan.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, ErrTypeExtraction, errs[0].ErrorType)
	assert.Equal(t, "bad.txt", errs[0].FilePath)
}

func TestCancellationMidScan(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "first")
	writeFile(t, root, "b.txt", "second")
	writeFile(t, root, "c.txt", "third")
	f := newFixture(t, root)

	ctx, cancel := context.WithCancel(context.Background())
	f.ex.onCall = func(string) { cancel() }

	scan, err := f.store.CreateScan(ctx, root, false)
	require.NoError(t, err)
	require.NoError(t, f.orch.Run(ctx, scan.ID, "task-7"))

	got, err := f.store.GetScan(context.Background(), scan.ID)
	require.NoError(t, err)
	assert.Equal(t, catalog.ScanCancelled, got.Status)
	assert.Less(t, got.ProcessedFiles, 3)

	last := f.pub.last()
	assert.True(t, last.Terminal())
	assert.Equal(t, string(catalog.ScanCancelled), last.Status)
}

func TestRunExpandsArchives(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writeZip(t, filepath.Join(root, "dump.zip"), map[string]string{
		"inner/readme.txt": "inside the archive",
	})
	f := newFixture(t, root)

	scan, err := f.store.CreateScan(ctx, root, false)
	require.NoError(t, err)
	require.NoError(t, f.orch.Run(ctx, scan.ID, "task-8"))

	docs, err := f.store.ListDocuments(ctx, scan.ID, "", 10, 0)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "dump.zip/inner/readme.txt", docs[0].FilePath)
	assert.Equal(t, "dump.zip", docs[0].ArchivePath)
}

func TestArchiveExpansionGrowsTotals(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writeFile(t, root, "loose.txt", "outside the archive")
	writeZip(t, filepath.Join(root, "dump.zip"), map[string]string{
		"one.txt":       "first member",
		"two.txt":       "second member",
		"sub/three.txt": "third member",
	})
	f := newFixture(t, root)

	scan, err := f.store.CreateScan(ctx, root, false)
	require.NoError(t, err)
	require.NoError(t, f.orch.Run(ctx, scan.ID, "task-12"))

	got, err := f.store.GetScan(ctx, scan.ID)
	require.NoError(t, err)
	assert.Equal(t, catalog.ScanCompleted, got.Status)
	// Detection sees two files; the archive entry is replaced by its
	// three members, so the total grows to four.
	assert.Equal(t, 4, got.TotalFiles)
	assert.Equal(t, 4, got.ProcessedFiles)
	assert.Equal(t, 0, got.FailedFiles)
	assert.LessOrEqual(t, got.ProcessedFiles+got.FailedFiles, got.TotalFiles)
}

func TestMultiPartExtractionGrowsTotals(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writeFile(t, root, "inbox.mbox", "raw")
	f := newFixture(t, root)
	f.ex.items["inbox.mbox"] = []extract.Item{
		{Text: "premier message", Name: "msg-0"},
		{Text: "second message", Name: "msg-1"},
		{Text: "troisième message", Name: "msg-2"},
	}

	scan, err := f.store.CreateScan(ctx, root, false)
	require.NoError(t, err)
	require.NoError(t, f.orch.Run(ctx, scan.ID, "task-14"))

	got, err := f.store.GetScan(ctx, scan.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.ProcessedFiles)
	assert.Equal(t, 3, got.TotalFiles)
	assert.LessOrEqual(t, got.ProcessedFiles+got.FailedFiles, got.TotalFiles)
}

func TestCorruptNestedArchiveKeepsCountsConsistent(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	// inner.zip fails to expand; detection only ever saw dump.zip.
	writeZip(t, filepath.Join(root, "dump.zip"), map[string]string{
		"good.txt":  "lisible",
		"inner.zip": "pas une archive",
	})
	f := newFixture(t, root)

	scan, err := f.store.CreateScan(ctx, root, false)
	require.NoError(t, err)
	require.NoError(t, f.orch.Run(ctx, scan.ID, "task-13"))

	got, err := f.store.GetScan(ctx, scan.ID)
	require.NoError(t, err)
	assert.Equal(t, catalog.ScanCompleted, got.Status)
	assert.Equal(t, 1, got.ProcessedFiles)
	assert.Equal(t, 1, got.FailedFiles)
	assert.LessOrEqual(t, got.ProcessedFiles+got.FailedFiles, got.TotalFiles)
}

type fakeMounter struct {
	dir       string
	cleanedUp bool
}

func (m *fakeMounter) Mount(ctx context.Context, imagePath string) (string, func(), error) {
	return m.dir, func() { m.cleanedUp = true }, nil
}

func TestForensicImageMountedAndWalked(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writeFile(t, root, "disk.e01", "not a real image")

	mounted := t.TempDir()
	writeFile(t, mounted, "secret/notes.txt", "hidden evidence")

	f := newFixture(t, root)
	m := &fakeMounter{dir: mounted}
	f.orch.mounter = m

	scan, err := f.store.CreateScan(ctx, root, false)
	require.NoError(t, err)
	require.NoError(t, f.orch.Run(ctx, scan.ID, "task-9"))

	docs, err := f.store.ListDocuments(ctx, scan.ID, "", 10, 0)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "disk.e01/secret/notes.txt", docs[0].FilePath)
	assert.Equal(t, "disk.e01", docs[0].ArchivePath)
	assert.True(t, m.cleanedUp, "mount must be released after the walk")
}

func TestReindexDropsStaleDerivedData(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writeFile(t, root, "a.txt", "Acme memo")
	f := newFixture(t, root)

	scan, err := f.store.CreateScan(ctx, root, true)
	require.NoError(t, err)
	require.NoError(t, f.orch.Run(ctx, scan.ID, "task-10"))
	docs, err := f.store.ListDocuments(ctx, scan.ID, "", 10, 0)
	require.NoError(t, err)
	require.Len(t, docs, 1)

	require.NoError(t, f.orch.Reindex(ctx, docs[0].ID, "127.0.0.1"))
	assert.Contains(t, f.vec.deletedDocs, docs[0].ID)

	ents, err := f.store.ListEntitiesByDocument(ctx, docs[0].ID)
	require.NoError(t, err)
	require.Len(t, ents, 1)
	assert.Equal(t, 1, ents[0].Count, "entity counts must not double on reindex")
}

func TestDeleteScanDataPurgesIndexes(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writeFile(t, root, "a.txt", "content")
	f := newFixture(t, root)

	scan, err := f.store.CreateScan(ctx, root, false)
	require.NoError(t, err)
	require.NoError(t, f.orch.Run(ctx, scan.ID, "task-11"))

	require.NoError(t, f.orch.DeleteScanData(ctx, scan.ID, "127.0.0.1"))
	assert.Contains(t, f.lex.deletedScans, scan.ID)
	assert.Contains(t, f.vec.deletedScans, scan.ID)
	_, err = f.store.GetScan(ctx, scan.ID)
	assert.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestValidateRoot(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "case1")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	f := newFixture(t, root)

	resolved, err := f.orch.ValidateRoot(sub)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(resolved, "case1"))

	_, err = f.orch.ValidateRoot(os.TempDir())
	assert.ErrorIs(t, err, ErrOutsideRoot)
	_, err = f.orch.ValidateRoot(filepath.Join(root, "..", ".."))
	assert.ErrorIs(t, err, ErrOutsideRoot)
}

func TestEstimateCountsWithoutIngesting(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writeFile(t, root, "a.txt", "text")
	writeFile(t, root, "b.pdf", "%PDF")
	writeFile(t, root, "dump.zip", "PK")
	writeFile(t, root, "disk.e01", "EWF")
	f := newFixture(t, root)

	est, err := f.orch.Estimate(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, 4, est.TotalFiles)
	assert.Equal(t, 1, est.Containers)
	assert.Equal(t, 1, est.ForensicImages)
	assert.Equal(t, 1, est.ByType["text"])
	assert.Equal(t, 1, est.ByType["pdf"])
	assert.Equal(t, est.TotalBytes/4, est.Embedding.Tokens)
	assert.True(t, est.Embedding.FreeTierAvailable)
	assert.Empty(t, f.ex.calls, "estimation must not extract anything")
}

func writeZip(t *testing.T, path string, members map[string]string) {
	t.Helper()
	out, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(out)
	for name, content := range members {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, out.Close())
}
