package extract

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"
	"go.uber.org/zap"
)

// ocrPageThreshold: pages whose embedded text strips below this length
// are considered scanned and re-read through OCR.
const ocrPageThreshold = 50

func (r *Registry) extractPDF(ctx context.Context, path string) ([]Item, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening pdf: %w", err)
	}
	defer f.Close()

	date := pdfDate(reader)

	var sb strings.Builder
	usedOCR := false
	for i := 1; i <= reader.NumPage(); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			r.log.Debug("pdf page text failed", zap.String("path", path), zap.Int("page", i), zap.Error(err))
			text = ""
		}
		stripped := strings.TrimSpace(text)
		if len(stripped) < ocrPageThreshold && r.ocr.Available() {
			if ocrText, err := r.ocrPDFPage(ctx, path, i); err == nil {
				// Keep whichever reading of the page carries more text.
				if len(ocrText) > len(stripped) {
					text = ocrText
					usedOCR = true
				}
			} else {
				r.log.Debug("pdf page ocr failed", zap.String("path", path), zap.Int("page", i), zap.Error(err))
			}
		}
		if strings.TrimSpace(text) != "" {
			sb.WriteString(strings.TrimSpace(text))
			sb.WriteString("\n\n")
		}
	}

	return []Item{{Text: strings.TrimSpace(sb.String()), UsedOCR: usedOCR, IntrinsicDate: date}}, nil
}

// ocrPDFPage renders one page at 2x (144 dpi) with pdftoppm and runs it
// through OCR.
func (r *Registry) ocrPDFPage(ctx context.Context, path string, page int) (string, error) {
	bin, err := exec.LookPath("pdftoppm")
	if err != nil {
		return "", fmt.Errorf("pdftoppm unavailable: %w", err)
	}
	tmp, err := os.MkdirTemp("", "archon-pdfocr-*")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(tmp)

	prefix := filepath.Join(tmp, "page")
	n := strconv.Itoa(page)
	cmd := exec.CommandContext(ctx, bin, "-singlefile", "-f", n, "-l", n, "-r", "144", "-png", path, prefix)
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("rendering pdf page: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return r.ocr.Run(ctx, prefix+".png")
}

// pdfDate pulls the document creation date from the Info dictionary,
// preferring CreationDate over ModDate.
func pdfDate(reader *pdf.Reader) *time.Time {
	defer func() { recover() }() // malformed trailers panic inside the parser

	info := reader.Trailer().Key("Info")
	if info.IsNull() {
		return nil
	}
	for _, key := range []string{"CreationDate", "ModDate"} {
		v := info.Key(key)
		if v.IsNull() {
			continue
		}
		if t, ok := parsePDFDate(v.RawString()); ok {
			return &t
		}
	}
	return nil
}

// parsePDFDate parses "D:YYYYMMDDHHmmSS" with an optional +HH'mm' zone
// suffix, normalizing to UTC.
func parsePDFDate(raw string) (time.Time, bool) {
	s := strings.TrimPrefix(strings.TrimSpace(raw), "D:")
	if len(s) < 8 {
		return time.Time{}, false
	}

	digits := s
	var loc = time.UTC
	if i := strings.IndexAny(s, "+-Z"); i >= 0 {
		digits = s[:i]
		if s[i] != 'Z' {
			zone := strings.ReplaceAll(s[i:], "'", "")
			if len(zone) >= 5 {
				if hh, err1 := strconv.Atoi(zone[1:3]); err1 == nil {
					if mm, err2 := strconv.Atoi(zone[3:5]); err2 == nil {
						offset := hh*3600 + mm*60
						if zone[0] == '-' {
							offset = -offset
						}
						loc = time.FixedZone("pdf", offset)
					}
				}
			}
		}
	}

	// Pad missing time components with zeros.
	for len(digits) < 14 {
		digits += "0"
	}
	t, err := time.ParseInLocation("20060102150405", digits[:14], loc)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}
