// Package archive expands directory trees and nested container files
// (zip, tar, rar, 7z) into a stream of leaf files for the ingestion
// pipeline, with depth bounding and path-traversal protection.
package archive

import (
	"archive/tar"
	"archive/zip"
	"compress/bzip2"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bodgit/sevenzip"
	"github.com/nwaples/rardecode/v2"
	"go.uber.org/zap"
)

// DefaultMaxDepth bounds nested container expansion.
const DefaultMaxDepth = 5

// ErrUnsafePath marks archive entries with absolute or parent-traversal
// names.
var ErrUnsafePath = errors.New("archive: unsafe entry path")

// Leaf is one extracted regular file. Path points at real bytes on disk
// (inside a temp dir for archive members); ArchiveTrail records the
// chain of containers it came from, outermost first, and MemberPath the
// member's path inside the innermost container.
type Leaf struct {
	Path         string
	ArchiveTrail []string
	MemberPath   string
	Size         int64
}

// VirtualPath renders the container trail plus the member path, e.g.
// "dump.zip/mails.tar.gz/inbox/msg1.eml". Empty trail yields "".
func (l Leaf) VirtualPath() string {
	if len(l.ArchiveTrail) == 0 {
		return ""
	}
	return strings.Join(l.ArchiveTrail, "/") + "/" + l.MemberPath
}

// ErrorFunc receives non-fatal per-entry failures (unreadable
// container, refused member, depth exceeded). Expansion continues.
type ErrorFunc func(path string, err error)

// Expander walks roots and unpacks recognized containers recursively.
type Expander struct {
	maxDepth int
	log      *zap.Logger
	onError  ErrorFunc
}

// New creates an Expander. maxDepth <= 0 selects DefaultMaxDepth;
// onError may be nil.
func New(maxDepth int, log *zap.Logger, onError ErrorFunc) *Expander {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	if onError == nil {
		onError = func(string, error) {}
	}
	return &Expander{maxDepth: maxDepth, log: log.Named("archive"), onError: onError}
}

// Walk visits every leaf file under root, expanding containers as it
// goes. Temp dirs created for extraction are removed before Walk
// returns. fn errors abort the walk.
func (e *Expander) Walk(ctx context.Context, root string, fn func(Leaf) error) error {
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("stat %s: %w", root, err)
	}
	if info.IsDir() {
		return e.walkDir(ctx, root, nil, 0, fn)
	}
	return e.visitFile(ctx, root, "", info.Size(), nil, 0, fn)
}

func (e *Expander) walkDir(ctx context.Context, dir string, trail []string, depth int, fn func(Leaf) error) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			e.onError(path, err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			e.onError(path, err)
			return nil
		}
		member := ""
		if rel, err := filepath.Rel(dir, path); err == nil {
			member = filepath.ToSlash(rel)
		}
		return e.visitFile(ctx, path, member, info.Size(), trail, depth, fn)
	})
}

func (e *Expander) visitFile(ctx context.Context, path, member string, size int64, trail []string, depth int, fn func(Leaf) error) error {
	kind := containerKind(path)
	leaf := Leaf{Path: path, ArchiveTrail: append([]string(nil), trail...), MemberPath: member, Size: size}
	if kind == kindNone {
		return fn(leaf)
	}

	if depth >= e.maxDepth {
		e.onError(path, fmt.Errorf("archive nesting deeper than %d, not expanded", e.maxDepth))
		return fn(leaf)
	}

	tmp, err := os.MkdirTemp("", "archon-expand-*")
	if err != nil {
		return fmt.Errorf("creating extraction dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	if err := e.extract(ctx, kind, path, tmp); err != nil {
		e.onError(path, fmt.Errorf("expanding container: %w", err))
		return nil
	}

	name := filepath.Base(path)
	if member != "" {
		name = member
	}
	e.log.Debug("container expanded", zap.String("path", path), zap.Int("depth", depth+1))
	return e.walkDir(ctx, tmp, append(append([]string(nil), trail...), name), depth+1, fn)
}

type kind int

const (
	kindNone kind = iota
	kindZip
	kindTar
	kindTarGz
	kindTarBz2
	kindRar
	kind7z
)

func containerKind(path string) kind {
	name := strings.ToLower(filepath.Base(path))
	switch {
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"):
		return kindTarGz
	case strings.HasSuffix(name, ".tar.bz2"), strings.HasSuffix(name, ".tbz2"):
		return kindTarBz2
	case strings.HasSuffix(name, ".tar"):
		return kindTar
	case strings.HasSuffix(name, ".zip"):
		return kindZip
	case strings.HasSuffix(name, ".rar"):
		return kindRar
	case strings.HasSuffix(name, ".7z"):
		return kind7z
	}
	return kindNone
}

// IsContainer reports whether path has a recognized container
// extension.
func IsContainer(path string) bool {
	return containerKind(path) != kindNone
}

func (e *Expander) extract(ctx context.Context, k kind, src, dst string) error {
	switch k {
	case kindZip:
		return e.extractZip(ctx, src, dst)
	case kindTar, kindTarGz, kindTarBz2:
		return e.extractTar(ctx, k, src, dst)
	case kindRar:
		return e.extractRar(ctx, src, dst)
	case kind7z:
		return e.extract7z(ctx, src, dst)
	}
	return fmt.Errorf("unknown container kind %d", k)
}

func (e *Expander) extractZip(ctx context.Context, src, dst string) error {
	r, err := zip.OpenReader(src)
	// ErrInsecurePath still yields a usable reader; safeJoin refuses the
	// offending members individually so the rest of the archive extracts.
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		return err
	}
	defer r.Close()

	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			continue
		}
		target, err := safeJoin(dst, f.Name)
		if err != nil {
			e.onError(src+"!"+f.Name, err)
			continue
		}
		rc, err := f.Open()
		if err != nil {
			e.onError(src+"!"+f.Name, err)
			continue
		}
		err = writeFile(target, rc)
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *Expander) extractTar(ctx context.Context, k kind, src, dst string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	var r io.Reader = f
	switch k {
	case kindTarGz:
		gz, err := gzip.NewReader(f)
		if err != nil {
			return err
		}
		defer gz.Close()
		r = gz
	case kindTarBz2:
		r = bzip2.NewReader(f)
	}

	tr := tar.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if errors.Is(err, tar.ErrInsecurePath) {
			e.onError(src+"!"+hdr.Name, fmt.Errorf("%w: %q", ErrUnsafePath, hdr.Name))
			continue
		}
		if err != nil {
			return err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		target, err := safeJoin(dst, hdr.Name)
		if err != nil {
			e.onError(src+"!"+hdr.Name, err)
			continue
		}
		if err := writeFile(target, tr); err != nil {
			return err
		}
	}
}

func (e *Expander) extractRar(ctx context.Context, src, dst string) error {
	r, err := rardecode.OpenReader(src)
	if err != nil {
		return err
	}
	defer r.Close()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if hdr.IsDir {
			continue
		}
		target, err := safeJoin(dst, hdr.Name)
		if err != nil {
			e.onError(src+"!"+hdr.Name, err)
			continue
		}
		if err := writeFile(target, r); err != nil {
			return err
		}
	}
}

func (e *Expander) extract7z(ctx context.Context, src, dst string) error {
	r, err := sevenzip.OpenReader(src)
	if err != nil {
		return err
	}
	defer r.Close()

	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			continue
		}
		target, err := safeJoin(dst, f.Name)
		if err != nil {
			e.onError(src+"!"+f.Name, err)
			continue
		}
		rc, err := f.Open()
		if err != nil {
			e.onError(src+"!"+f.Name, err)
			continue
		}
		err = writeFile(target, rc)
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// safeJoin resolves an archive member name under dst, refusing absolute
// names and any parent-directory traversal segment.
func safeJoin(dst, name string) (string, error) {
	clean := filepath.ToSlash(name)
	if strings.HasPrefix(clean, "/") || (len(clean) > 1 && clean[1] == ':') {
		return "", fmt.Errorf("%w: absolute name %q", ErrUnsafePath, name)
	}
	for _, seg := range strings.Split(clean, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: traversal in %q", ErrUnsafePath, name)
		}
	}
	return filepath.Join(dst, filepath.FromSlash(clean)), nil
}

func writeFile(target string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("creating member directory: %w", err)
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("creating member file: %w", err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("writing member file: %w", err)
	}
	return out.Close()
}
