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

	"go.uber.org/zap"
)

// frameInterval samples one frame per 30 seconds of stream.
const frameInterval = 30 * time.Second

// minFrameText discards OCR noise from near-empty frames.
const minFrameText = 20

// frameDedupPrefix: frames whose first 100 lower-cased characters were
// already seen carry no new information (static titles, watermarks).
const frameDedupPrefix = 100

func (r *Registry) extractVideo(ctx context.Context, path string) ([]Item, error) {
	if !r.ocr.Available() {
		return []Item{{Text: fmt.Sprintf("%s: %s", VideoDeferredSentinel, filepath.Base(path))}}, nil
	}
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return []Item{{Text: fmt.Sprintf("%s: %s", VideoDeferredSentinel, filepath.Base(path))}}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.VideoTimeout)
	defer cancel()

	duration, err := probeDuration(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("probing video: %w", err)
	}

	shots := int(duration/frameInterval) + 1
	if shots > r.opts.MaxVideoShots {
		shots = r.opts.MaxVideoShots
	}

	tmp, err := os.MkdirTemp("", "archon-frames-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmp)

	var blocks []string
	seen := make(map[string]struct{})
	usedOCR := false
	for i := 0; i < shots; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		at := time.Duration(i) * frameInterval
		frame := filepath.Join(tmp, fmt.Sprintf("frame-%03d.png", i))
		if err := grabFrame(ctx, path, at, frame); err != nil {
			r.log.Debug("frame grab failed", zap.String("path", path), zap.Duration("at", at), zap.Error(err))
			continue
		}
		text, err := r.ocr.Run(ctx, frame)
		if err != nil || len(text) < minFrameText {
			continue
		}
		usedOCR = true
		key := strings.ToLower(text)
		if len(key) > frameDedupPrefix {
			key = key[:frameDedupPrefix]
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		blocks = append(blocks, fmt.Sprintf("[%s]\n%s", formatTimestamp(at), text))
	}

	if len(blocks) == 0 {
		return []Item{{Text: fmt.Sprintf("%s: %s", VideoDeferredSentinel, filepath.Base(path))}}, nil
	}
	return []Item{{Text: strings.Join(blocks, "\n\n"), UsedOCR: usedOCR}}, nil
}

func probeDuration(ctx context.Context, path string) (time.Duration, error) {
	bin, err := exec.LookPath("ffprobe")
	if err != nil {
		return 0, fmt.Errorf("ffprobe unavailable: %w", err)
	}
	cmd := exec.CommandContext(ctx, bin,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe: %w", err)
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("parsing duration %q: %w", strings.TrimSpace(string(out)), err)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func grabFrame(ctx context.Context, path string, at time.Duration, out string) error {
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-ss", fmt.Sprintf("%.2f", at.Seconds()),
		"-i", path,
		"-frames:v", "1",
		"-q:v", "2",
		"-y", out)
	if raw, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ffmpeg: %w: %s", err, lastLine(string(raw)))
	}
	return nil
}

func formatTimestamp(d time.Duration) string {
	total := int(d.Seconds())
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, total%3600/60, total%60)
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return lines[len(lines)-1]
}
