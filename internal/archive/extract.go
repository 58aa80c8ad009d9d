package archive

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/ralt/updatekit/internal/models"
)

// maxEntrySize bounds a single extracted file (1GB).
const maxEntrySize = 1 << 30

// extractDir returns destRoot/<name without extension>, creating it.
func extractDir(destRoot, name string) (string, error) {
	base := TrimExtension(filepath.Base(name))
	if base == "" || base == "." {
		return "", models.NewError(models.ErrFileOp, name, fmt.Errorf("cannot derive extraction directory"))
	}
	dest := filepath.Join(destRoot, base)
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", models.NewError(models.ErrFileOp, dest, err)
	}
	return dest, nil
}

// safeJoin joins rel onto dest and rejects paths escaping dest.
func safeJoin(dest, rel string) (string, error) {
	target := filepath.Join(dest, filepath.FromSlash(rel))
	cleanDest := filepath.Clean(dest) + string(os.PathSeparator)
	if !strings.HasPrefix(target, cleanDest) {
		return "", fmt.Errorf("illegal file path in archive: %s", rel)
	}
	return target, nil
}

// writeEntry materialises one entry below dest. Existing files are kept
// unless opts.Overwrite is set. Links are skipped.
func writeEntry(dest string, entry Entry, opts ExtractOptions, open func() (io.ReadCloser, error)) error {
	target, err := safeJoin(dest, entry.RelativePath)
	if err != nil {
		return models.NewError(models.ErrFileOp, entry.RelativePath, err)
	}

	switch entry.Type {
	case TypeDir:
		if err := os.MkdirAll(target, 0o755); err != nil {
			return models.NewError(models.ErrFileOp, target, err)
		}
		return nil
	case TypeSymlink:
		logrus.Debugf("Skipping link %s", entry.RelativePath)
		return nil
	}

	if !opts.Overwrite {
		if _, err := os.Lstat(target); err == nil {
			logrus.Debugf("Keeping existing file %s", target)
			return nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return models.NewError(models.ErrFileOp, target, err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return models.NewError(models.ErrFileOp, target, err)
	}

	perm := entry.Mode.Perm()
	if perm == 0 {
		perm = 0o644
	}

	rc, err := open()
	if err != nil {
		return err
	}
	defer rc.Close()

	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return models.NewError(models.ErrFileOp, target, err)
	}
	if _, err := io.Copy(f, io.LimitReader(rc, maxEntrySize)); err != nil {
		f.Close()
		return models.NewError(models.ErrFileOp, target, err)
	}
	if err := f.Close(); err != nil {
		return models.NewError(models.ErrFileOp, target, err)
	}
	return nil
}
