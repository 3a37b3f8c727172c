// Package extract turns heterogeneous evidence files into plain text.
// Extraction strategies are dispatched on file extension; OCR-dependent
// strategies degrade to a deferred-OCR sentinel when no OCR engine is
// available.
package extract

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/archon/internal/catalog"
)

// Sentinels recorded when OCR is unavailable. The embedding pass skips
// any text starting with one of these.
const (
	ImageDeferredSentinel = "[IMAGE] OCR déféré"
	VideoDeferredSentinel = "[VIDEO] OCR déféré"
)

// ErrForensicImage flags paths the registry cannot extract directly;
// the caller mounts them and recurses instead.
var ErrForensicImage = errors.New("extract: forensic image requires mounting")

// ErrUnsupported flags extensions with no strategy.
var ErrUnsupported = errors.New("extract: unsupported file type")

// Item is one extracted document. Most files yield exactly one; mbox
// and PST containers yield one per message with Name set.
type Item struct {
	Name          string // sub-document name, empty for the file itself
	Text          string
	UsedOCR       bool
	IntrinsicDate *time.Time // creation date from file metadata, if any
}

// Deferred reports whether text is a deferred-OCR sentinel.
func Deferred(text string) bool {
	return strings.HasPrefix(text, ImageDeferredSentinel) ||
		strings.HasPrefix(text, VideoDeferredSentinel)
}

// Options tune the OCR-dependent strategies.
type Options struct {
	OCRLanguages  []string // tesseract language codes, default fr+eng
	VideoTimeout  time.Duration
	PSTTimeout    time.Duration
	DisableOCR    bool
	MaxVideoShots int
}

// Registry dispatches extraction by extension.
type Registry struct {
	log  *zap.Logger
	ocr  *OCREngine
	opts Options
}

// NewRegistry builds the registry. The OCR engine probes for tesseract
// once; ffmpeg and readpst are probed per call.
func NewRegistry(log *zap.Logger, opts Options) *Registry {
	if len(opts.OCRLanguages) == 0 {
		opts.OCRLanguages = []string{"fra", "eng"}
	}
	if opts.VideoTimeout <= 0 {
		opts.VideoTimeout = 60 * time.Second
	}
	if opts.PSTTimeout <= 0 {
		opts.PSTTimeout = 300 * time.Second
	}
	if opts.MaxVideoShots <= 0 {
		opts.MaxVideoShots = 20
	}
	var ocr *OCREngine
	if !opts.DisableOCR {
		ocr = NewOCREngine(opts.OCRLanguages, log)
	}
	return &Registry{log: log.Named("extract"), ocr: ocr, opts: opts}
}

// DetectType classifies a path by extension.
func DetectType(path string) catalog.FileType {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return catalog.FileTypePDF
	case ".jpg", ".jpeg", ".png", ".gif", ".bmp", ".tif", ".tiff", ".webp":
		return catalog.FileTypeImage
	case ".txt", ".md", ".csv", ".json", ".xml", ".html", ".htm", ".log":
		return catalog.FileTypeText
	case ".mp4", ".avi", ".mkv", ".mov", ".wmv", ".webm":
		return catalog.FileTypeVideo
	case ".eml", ".mbox", ".pst":
		return catalog.FileTypeEmail
	default:
		return catalog.FileTypeUnknown
	}
}

// IsForensicImage reports whether path looks like a disk image that
// must be mounted rather than extracted.
func IsForensicImage(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".e01", ".dd", ".raw", ".img", ".aff":
		return true
	}
	return false
}

// Extract produces the text items for path. Returns ErrForensicImage
// for disk images and ErrUnsupported for unknown extensions.
func (r *Registry) Extract(ctx context.Context, path string) ([]Item, error) {
	if IsForensicImage(path) {
		return nil, ErrForensicImage
	}
	switch DetectType(path) {
	case catalog.FileTypeText:
		return r.extractText(path)
	case catalog.FileTypePDF:
		return r.extractPDF(ctx, path)
	case catalog.FileTypeImage:
		return r.extractImage(ctx, path)
	case catalog.FileTypeVideo:
		return r.extractVideo(ctx, path)
	case catalog.FileTypeEmail:
		return r.extractEmail(ctx, path)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, filepath.Ext(path))
	}
}
