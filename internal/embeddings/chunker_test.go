package embeddings

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkTextEmpty(t *testing.T) {
	assert.Nil(t, ChunkText("", 500, 50))
}

func TestChunkTextSingleWindow(t *testing.T) {
	chunks := ChunkText("short document", 500, 50)
	require.Len(t, chunks, 1)
	assert.Equal(t, 0, chunks[0].Index)
	assert.Equal(t, 0, chunks[0].Start)
	assert.Equal(t, len("short document"), chunks[0].End)
	assert.Equal(t, "short document", chunks[0].Text)
}

func TestChunkTextOverlap(t *testing.T) {
	// 10-token windows with 2-token overlap: 40-char windows, 32-char step.
	text := strings.Repeat("abcdefghij", 10) // 100 chars
	chunks := ChunkText(text, 10, 2)

	require.Len(t, chunks, 3)
	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		assert.Equal(t, c.Text, text[c.Start:c.End])
	}
	assert.Equal(t, 0, chunks[0].Start)
	assert.Equal(t, 40, chunks[0].End)
	assert.Equal(t, 32, chunks[1].Start)
	// Consecutive windows share the 8-char overlap.
	assert.Equal(t, text[32:40], chunks[0].Text[32:])
	assert.Equal(t, text[32:40], chunks[1].Text[:8])
	// Last chunk is the tail remainder.
	assert.Equal(t, 64, chunks[2].Start)
	assert.Equal(t, 100, chunks[2].End)
}

func TestChunkTextStableIndexes(t *testing.T) {
	text := strings.Repeat("x", 5000)
	first := ChunkText(text, 500, 50)
	second := ChunkText(text, 500, 50)
	assert.Equal(t, first, second)
}

func TestChunkTextUnicode(t *testing.T) {
	// Multi-byte runes must not be split mid-encoding.
	text := strings.Repeat("é", 50)
	chunks := ChunkText(text, 10, 0)
	require.Len(t, chunks, 2)
	assert.Equal(t, strings.Repeat("é", 40), chunks[0].Text)
	assert.Equal(t, strings.Repeat("é", 10), chunks[1].Text)
}

func TestChunkTextBadOverlapIgnored(t *testing.T) {
	text := strings.Repeat("x", 100)
	chunks := ChunkText(text, 10, 10)
	// Overlap >= size would loop forever; it degrades to no overlap.
	require.Len(t, chunks, 3)
	assert.Equal(t, 40, chunks[1].Start)
}