package archive

import (
	"archive/tar"
	"archive/zip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
)

// File is an in-memory archive member used when writing packages.
type File struct {
	Path    string
	Data    []byte
	Mode    fs.FileMode
	ModTime time.Time
}

// Write encodes files as an archive of the given kind.
func Write(w io.Writer, kind Kind, files []File) error {
	switch {
	case kind == KindZip:
		return writeZip(w, files)
	case kind.IsTar():
		return writeTar(w, kind, files)
	default:
		return fmt.Errorf("cannot write %s archives", kind)
	}
}

func writeZip(w io.Writer, files []File) error {
	zw := zip.NewWriter(w)
	for _, f := range files {
		header := &zip.FileHeader{
			Name:     CleanPath(f.Path),
			Method:   zip.Deflate,
			Modified: modTime(f),
		}
		header.SetMode(fileMode(f))
		fw, err := zw.CreateHeader(header)
		if err != nil {
			return fmt.Errorf("failed to write zip header: %w", err)
		}
		if _, err := fw.Write(f.Data); err != nil {
			return fmt.Errorf("failed to write %s to zip: %w", f.Path, err)
		}
	}
	return zw.Close()
}

func writeTar(w io.Writer, kind Kind, files []File) error {
	cw, err := newCompressor(kind, w)
	if err != nil {
		return err
	}
	tw := tar.NewWriter(cw)
	for _, f := range files {
		header := &tar.Header{
			Name:     CleanPath(f.Path),
			Mode:     int64(fileMode(f).Perm()),
			Size:     int64(len(f.Data)),
			ModTime:  modTime(f),
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("failed to write tar header: %w", err)
		}
		if _, err := tw.Write(f.Data); err != nil {
			return fmt.Errorf("failed to write %s to tar: %w", f.Path, err)
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return cw.Close()
}

// CollectDir reads every regular file below dir as an archive member,
// sorted by path.
func CollectDir(ctx context.Context, dir string) ([]File, error) {
	var files []File

	err := filepath.Walk(dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if !info.Mode().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return fmt.Errorf("failed to get relative path: %w", err)
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}

		logrus.Debugf("Adding %s", rel)
		files = append(files, File{
			Path:    filepath.ToSlash(rel),
			Data:    data,
			Mode:    info.Mode().Perm(),
			ModTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to collect directory: %w", err)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

func fileMode(f File) fs.FileMode {
	if f.Mode == 0 {
		return 0o644
	}
	return f.Mode
}

func modTime(f File) time.Time {
	if f.ModTime.IsZero() {
		return time.Unix(0, 0).UTC()
	}
	return f.ModTime
}
