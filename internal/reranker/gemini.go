package reranker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

// GeminiScorer asks a Gemini model to grade passage relevance in JSON
// mode. Model output is parsed tolerantly: scores clamp to [0,1] and
// any parse failure degrades to an empty map so retrieval order wins.
type GeminiScorer struct {
	models *genai.Models
	model  string
	log    *zap.Logger
}

// NewGeminiScorer creates a scorer on an existing genai client.
func NewGeminiScorer(client *genai.Client, model string, log *zap.Logger) *GeminiScorer {
	if model == "" {
		model = "gemini-2.0-flash"
	}
	return &GeminiScorer{models: client.Models, model: model, log: log.Named("reranker")}
}

// Score implements Scorer.
func (s *GeminiScorer) Score(ctx context.Context, query string, passages []Passage) (map[int64]float64, error) {
	if len(passages) < 2 {
		return map[int64]float64{}, nil
	}

	var sb strings.Builder
	sb.WriteString("Note la pertinence de chaque passage pour la requête, entre 0.0 (hors sujet) et 1.0 (répond directement).\n")
	sb.WriteString("Réponds uniquement avec un objet JSON {\"<id>\": <score>} couvrant tous les passages.\n\n")
	fmt.Fprintf(&sb, "Requête: %s\n\nPassages:\n", query)
	for _, p := range passages {
		fmt.Fprintf(&sb, "[%d] %s\n\n", p.ID, Truncate(p.Text))
	}

	resp, err := s.models.GenerateContent(ctx, s.model, genai.Text(sb.String()), &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		return nil, fmt.Errorf("reranker: generating scores: %w", err)
	}

	scores := ParseScores(resp.Text())
	if len(scores) == 0 {
		s.log.Warn("reranker output unparseable, keeping retrieval order",
			zap.Int("passages", len(passages)))
	}
	return scores, nil
}

// ParseScores extracts an {"id": score} object from model output. The
// object may be wrapped in prose or code fences; values clamp to [0,1].
// Anything unparseable yields an empty map.
func ParseScores(raw string) map[int64]float64 {
	obj := extractJSONObject(raw)
	if obj == "" {
		return map[int64]float64{}
	}

	var parsed map[string]json.Number
	if err := json.Unmarshal([]byte(obj), &parsed); err != nil {
		return map[int64]float64{}
	}

	out := make(map[int64]float64, len(parsed))
	for key, num := range parsed {
		id, err := strconv.ParseInt(strings.TrimSpace(key), 10, 64)
		if err != nil {
			continue
		}
		score, err := num.Float64()
		if err != nil {
			continue
		}
		if score < 0 {
			score = 0
		}
		if score > 1 {
			score = 1
		}
		out[id] = score
	}
	return out
}

// extractJSONObject returns the first balanced {...} block in s.
func extractJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
