package extract

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rwcarlsen/goexif/exif"
)

func (r *Registry) extractImage(ctx context.Context, path string) ([]Item, error) {
	date := exifDate(path)

	if !r.ocr.Available() {
		return []Item{{
			Text:          fmt.Sprintf("%s: %s", ImageDeferredSentinel, filepath.Base(path)),
			IntrinsicDate: date,
		}}, nil
	}

	text, err := r.ocr.Run(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("image ocr: %w", err)
	}
	return []Item{{Text: text, UsedOCR: true, IntrinsicDate: date}}, nil
}

// exifTimeLayout is the EXIF date format; EXIF carries no zone, UTC is
// assumed.
const exifTimeLayout = "2006:01:02 15:04:05"

// exifDate returns the best intrinsic capture date of an image:
// DateTimeOriginal, then DateTimeDigitized, then DateTime. Nil when the
// file has no usable EXIF.
func exifDate(path string) *time.Time {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	x, err := exif.Decode(f)
	if err != nil {
		return nil
	}
	for _, field := range []exif.FieldName{exif.DateTimeOriginal, exif.DateTimeDigitized, exif.DateTime} {
		tag, err := x.Get(field)
		if err != nil {
			continue
		}
		raw, err := tag.StringVal()
		if err != nil {
			continue
		}
		if t, err := time.ParseInLocation(exifTimeLayout, raw, time.UTC); err == nil {
			return &t
		}
	}
	return nil
}
