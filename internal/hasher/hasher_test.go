package hasher

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashReaderKnownVectors(t *testing.T) {
	d, err := HashReader(context.Background(), strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", d.MD5)
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", d.SHA256)

	d, err = HashReader(context.Background(), strings.NewReader("abc"))
	require.NoError(t, err)
	assert.Equal(t, "900150983cd24fb0d6963f7d28e17f72", d.MD5)
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", d.SHA256)
}

func TestHashFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "evidence.bin")
	// Larger than one read chunk to exercise the streaming loop.
	payload := bytes.Repeat([]byte("archon"), 4096)
	require.NoError(t, os.WriteFile(path, payload, 0o644))

	fromFile, err := HashFile(context.Background(), path)
	require.NoError(t, err)
	fromReader, err := HashReader(context.Background(), bytes.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, fromReader, fromFile)
}

func TestHashFileMissing(t *testing.T) {
	_, err := HashFile(context.Background(), filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestHashReaderCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := HashReader(ctx, strings.NewReader("data"))
	assert.ErrorIs(t, err, context.Canceled)
}
