// Package hasher computes the evidence-integrity digests recorded for
// every ingested file.
package hasher

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// readChunk keeps memory flat on multi-gigabyte evidence files.
const readChunk = 8 * 1024

// Digests holds both digests of a file. MD5 is kept for matching
// against legacy hash sets, SHA-256 is the integrity reference.
type Digests struct {
	MD5    string `json:"md5"`
	SHA256 string `json:"sha256"`
}

// HashFile streams path once through both hash functions. The context
// is checked between chunks so a cancelled scan stops promptly on large
// files.
func HashFile(ctx context.Context, path string) (*Digests, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	return HashReader(ctx, f)
}

// HashReader streams r through md5 and sha256 simultaneously.
func HashReader(ctx context.Context, r io.Reader) (*Digests, error) {
	md5Sum := md5.New()
	shaSum := sha256.New()
	buf := make([]byte, readChunk)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := r.Read(buf)
		if n > 0 {
			md5Sum.Write(buf[:n])
			shaSum.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading for hashing: %w", err)
		}
	}
	return &Digests{
		MD5:    hex.EncodeToString(md5Sum.Sum(nil)),
		SHA256: hex.EncodeToString(shaSum.Sum(nil)),
	}, nil
}
