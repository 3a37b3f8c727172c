package extract

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

// OCREngine shells out to tesseract. Availability is probed once at
// construction; a missing binary makes every Run return an error and
// the image/video strategies fall back to their sentinels.
type OCREngine struct {
	binary string
	langs  string
	log    *zap.Logger
}

// NewOCREngine probes for the tesseract binary.
func NewOCREngine(languages []string, log *zap.Logger) *OCREngine {
	e := &OCREngine{langs: strings.Join(languages, "+"), log: log.Named("ocr")}
	bin, err := exec.LookPath("tesseract")
	if err != nil {
		log.Warn("tesseract not found, OCR disabled", zap.Error(err))
		return e
	}
	e.binary = bin
	return e
}

// Available reports whether OCR can run.
func (e *OCREngine) Available() bool {
	return e != nil && e.binary != ""
}

// Run OCRs an image file and returns the recognized text, trimmed.
func (e *OCREngine) Run(ctx context.Context, imagePath string) (string, error) {
	if !e.Available() {
		return "", fmt.Errorf("ocr: tesseract unavailable")
	}
	// "stdout" makes tesseract print instead of writing a sidecar file.
	cmd := exec.CommandContext(ctx, e.binary, imagePath, "stdout", "-l", e.langs)
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("ocr: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(out.String()), nil
}
