package extract

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Mounter exposes forensic disk images (.e01, .aff, raw dd) as
// directory trees via external mount helpers. Mounting needs elevated
// privileges; failures surface to the caller, which records the error
// and skips the image.
type Mounter struct {
	timeout time.Duration
	log     *zap.Logger
}

// NewMounter builds a Mounter. timeout <= 0 selects two minutes.
func NewMounter(timeout time.Duration, log *zap.Logger) *Mounter {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Mounter{timeout: timeout, log: log.Named("forensic")}
}

// Mount exposes the image's filesystem at the returned directory.
// cleanup unmounts and removes the mount points; always call it, also
// on later errors.
func (m *Mounter) Mount(ctx context.Context, imagePath string) (dir string, cleanup func(), err error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	base, err := os.MkdirTemp("", "archon-image-*")
	if err != nil {
		return "", nil, err
	}
	var undo []func()
	cleanup = func() {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		os.RemoveAll(base)
	}
	fail := func(err error) (string, func(), error) {
		cleanup()
		return "", func() {}, err
	}

	// Raw-exposure step for container formats; raw images mount directly.
	rawPath := imagePath
	switch strings.ToLower(filepath.Ext(imagePath)) {
	case ".e01":
		rawDir := filepath.Join(base, "raw")
		if err := os.Mkdir(rawDir, 0o755); err != nil {
			return fail(err)
		}
		if err := runMountTool(ctx, "ewfmount", imagePath, rawDir); err != nil {
			return fail(fmt.Errorf("ewfmount: %w", err))
		}
		undo = append(undo, func() { unmount(rawDir) })
		rawPath = filepath.Join(rawDir, "ewf1")
	case ".aff":
		rawDir := filepath.Join(base, "raw")
		if err := os.Mkdir(rawDir, 0o755); err != nil {
			return fail(err)
		}
		if err := runMountTool(ctx, "affuse", imagePath, rawDir); err != nil {
			return fail(fmt.Errorf("affuse: %w", err))
		}
		undo = append(undo, func() { unmount(rawDir) })
		rawPath = filepath.Join(rawDir, filepath.Base(imagePath)+".raw")
	}

	fsDir := filepath.Join(base, "fs")
	if err := os.Mkdir(fsDir, 0o755); err != nil {
		return fail(err)
	}
	if err := runMountTool(ctx, "mount", "-o", "ro,loop", rawPath, fsDir); err != nil {
		return fail(fmt.Errorf("loop mount (root privileges required?): %w", err))
	}
	undo = append(undo, func() { unmount(fsDir) })

	m.log.Info("forensic image mounted", zap.String("image", imagePath), zap.String("dir", fsDir))
	return fsDir, cleanup, nil
}

func runMountTool(ctx context.Context, tool string, args ...string) error {
	bin, err := exec.LookPath(tool)
	if err != nil {
		return fmt.Errorf("%s unavailable: %w", tool, err)
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%w: %s", err, lastLine(string(out)))
	}
	return nil
}

func unmount(dir string) {
	for _, tool := range [][]string{{"umount", dir}, {"fusermount", "-u", dir}} {
		if bin, err := exec.LookPath(tool[0]); err == nil {
			if err := exec.Command(bin, tool[1:]...).Run(); err == nil {
				return
			}
		}
	}
}
