// Package entities extracts named entities (people, organizations,
// places, dates) from document text for the investigation graph.
package entities

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/jdkato/prose/v2"
	"go.uber.org/zap"
)

// maxTextLength caps NER input; beyond this the tail adds noise faster
// than signal.
const maxTextLength = 100_000

// maxEntityLength caps a single entity text.
const maxEntityLength = 255

// Entity is one coalesced named entity within a document.
type Entity struct {
	Text      string `json:"text"`
	Type      string `json:"type"` // PER, ORG, LOC, MISC, DATE
	Count     int    `json:"count"`
	StartChar int    `json:"start_char"` // offset of the first occurrence
}

// Extractor wraps the prose NER model.
type Extractor struct {
	log *zap.Logger
}

// New creates an Extractor.
func New(log *zap.Logger) *Extractor {
	return &Extractor{log: log.Named("entities")}
}

// Extract runs NER over text and returns one row per (text, type) pair
// with occurrence counts. Entities shorter than 2 non-whitespace
// characters are dropped.
func (e *Extractor) Extract(text string) ([]Entity, error) {
	if len(text) > maxTextLength {
		text = text[:maxTextLength]
	}
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	doc, err := prose.NewDocument(text,
		prose.WithExtraction(true),
		prose.WithTagging(true),
		prose.WithTokenization(true),
		prose.WithSegmentation(false),
	)
	if err != nil {
		return nil, fmt.Errorf("entities: parsing document: %w", err)
	}

	type key struct {
		text string
		typ  string
	}
	byKey := make(map[key]*Entity)
	var order []key
	for _, ent := range doc.Entities() {
		name := strings.TrimSpace(ent.Text)
		if nonSpaceLen(name) < 2 {
			continue
		}
		if len(name) > maxEntityLength {
			name = name[:maxEntityLength]
		}
		k := key{text: name, typ: NormalizeLabel(ent.Label)}
		if existing, ok := byKey[k]; ok {
			existing.Count++
			continue
		}
		start := strings.Index(text, name)
		if start < 0 {
			start = 0
		}
		byKey[k] = &Entity{Text: name, Type: k.typ, Count: 1, StartChar: start}
		order = append(order, k)
	}

	out := make([]Entity, 0, len(order))
	for _, k := range order {
		out = append(out, *byKey[k])
	}
	return out, nil
}

// NormalizeLabel maps model labels onto the catalog's entity types.
func NormalizeLabel(label string) string {
	switch strings.ToUpper(label) {
	case "PERSON", "PER":
		return "PER"
	case "ORG", "ORGANIZATION":
		return "ORG"
	case "GPE", "LOC", "LOCATION", "FAC", "FACILITY":
		return "LOC"
	case "DATE", "TIME":
		return "DATE"
	default:
		return "MISC"
	}
}

func nonSpaceLen(s string) int {
	n := 0
	for _, r := range s {
		if !unicode.IsSpace(r) {
			n++
		}
	}
	return n
}
