package extract

import (
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

func (r *Registry) extractText(path string) ([]Item, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading text file: %w", err)
	}
	return []Item{{Text: DecodeText(raw)}}, nil
}

// DecodeText decodes raw bytes trying UTF-8, then Latin-1, then
// Windows-1252, falling back to lossy UTF-8 with replacement runes.
// Latin-1 maps every byte, so its output is rejected when it contains
// C1 control characters; those bytes are almost always Windows-1252
// punctuation in evidence dumps.
func DecodeText(raw []byte) string {
	if utf8.Valid(raw) {
		return string(raw)
	}
	if s, err := charmap.ISO8859_1.NewDecoder().String(string(raw)); err == nil && !hasC1Controls(s) {
		return s
	}
	if s, err := charmap.Windows1252.NewDecoder().String(string(raw)); err == nil {
		return s
	}
	return strings.ToValidUTF8(string(raw), string(utf8.RuneError))
}

func hasC1Controls(s string) bool {
	for _, r := range s {
		if r >= 0x80 && r <= 0x9f {
			return true
		}
	}
	return false
}
