// Package archive opens zip and tar based application packages, lists and
// reads their entries, resolves package metadata and extracts them to disk.
package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/ralt/updatekit/internal/models"
)

var (
	// ErrEntryNotFound is returned when a package has no entry at a path.
	ErrEntryNotFound = errors.New("entry not found")

	// ErrNoMetadata is returned when neither embedded nor detached
	// metadata exists for a package.
	ErrNoMetadata = errors.New("package has no metadata")
)

// EntryType distinguishes files from directories.
type EntryType int

const (
	TypeFile EntryType = iota
	TypeDir
	TypeSymlink
)

// String returns the string representation of EntryType
func (t EntryType) String() string {
	switch t {
	case TypeDir:
		return "dir"
	case TypeSymlink:
		return "symlink"
	default:
		return "file"
	}
}

// Entry is one member of a package. Content is read on demand.
type Entry struct {
	Name         string
	RelativePath string
	Size         int64
	Type         EntryType
	Mode         fs.FileMode
	ModTime      time.Time

	open func() (io.ReadCloser, error)
}

// IsDir reports whether the entry is a directory.
func (e Entry) IsDir() bool {
	return e.Type == TypeDir
}

// Open returns a reader over the entry's content.
func (e Entry) Open() (io.ReadCloser, error) {
	if e.open == nil || e.Type != TypeFile {
		return nil, fmt.Errorf("%s is not a regular file", e.RelativePath)
	}
	return e.open()
}

// ReadContent returns the entry's content.
func (e Entry) ReadContent() ([]byte, error) {
	rc, err := e.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// ExtractOptions controls Package.Extract.
type ExtractOptions struct {
	// Overwrite replaces files that already exist in the destination.
	Overwrite bool
}

// Package is an opened application package.
type Package interface {
	// Name is the package's file name.
	Name() string
	// Path is the file the package was opened from, empty for packages
	// opened from memory.
	Path() string
	Kind() Kind
	// Entries lists every entry. Each call starts a fresh listing.
	Entries(ctx context.Context) ([]Entry, error)
	// Entry returns the entry at relPath or ErrEntryNotFound.
	Entry(ctx context.Context, relPath string) (Entry, error)
	// Metadata returns embedded metadata, else detached metadata, else
	// an error wrapping ErrNoMetadata.
	Metadata(ctx context.Context) (*models.Metadata, error)
	// Extract writes the entries below destRoot/<name without extension>
	// and returns that directory.
	Extract(ctx context.Context, destRoot string, opts ExtractOptions) (string, error)
	Close() error
}

// Open opens an in-memory package. name selects the archive kind.
func Open(name string, data []byte) (Package, error) {
	kind := DetectKind(name, data)
	switch {
	case kind == KindZip:
		return openZip(name, "", bytes.NewReader(data), int64(len(data)), nil)
	case kind.IsTar():
		src := func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		}
		return openTar(name, "", kind, src)
	default:
		return nil, models.NewError(models.ErrUnsupportedFormat, name, fmt.Errorf("unsupported package format"))
	}
}

// OpenFile opens the package stored at path. Tar based packages are
// streamed from disk on every access.
func OpenFile(filePath string) (Package, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, models.NewError(models.ErrFileOp, filePath, err)
	}

	header := make([]byte, 512)
	n, err := io.ReadFull(f, header)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		f.Close()
		return nil, models.NewError(models.ErrFileOp, filePath, err)
	}
	name := filepath.Base(filePath)
	kind := DetectKind(name, header[:n])

	switch {
	case kind == KindZip:
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, models.NewError(models.ErrFileOp, filePath, err)
		}
		return openZip(name, filePath, f, info.Size(), f)
	case kind.IsTar():
		f.Close()
		src := func() (io.ReadCloser, error) {
			return os.Open(filePath)
		}
		return openTar(name, filePath, kind, src)
	default:
		f.Close()
		return nil, models.NewError(models.ErrUnsupportedFormat, filePath, fmt.Errorf("unsupported package format"))
	}
}

// Walk calls fn for every regular file in p with a reader over its
// content. Tar packages are read in a single pass.
func Walk(ctx context.Context, p Package, fn func(entry Entry, r io.Reader) error) error {
	if tp, ok := p.(*tarPackage); ok {
		return tp.walk(ctx, func(hdr *tar.Header, rel string, r io.Reader) (bool, error) {
			entry := tp.entry(hdr, rel)
			if entry.Type != TypeFile {
				return false, nil
			}
			return false, fn(entry, r)
		})
	}

	entries, err := p.Entries(ctx)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.Type != TypeFile {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rc, err := entry.Open()
		if err != nil {
			return err
		}
		err = fn(entry, rc)
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// CleanPath normalises an entry path: forward slashes, no leading "./" or
// "/", no trailing slash. The archive root becomes "".
func CleanPath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = path.Clean("/" + p)
	return strings.TrimPrefix(p, "/")
}

// resolveMetadata applies the metadata precedence shared by all package
// kinds: embedded document, then detached sidecar, then none.
func resolveMetadata(ctx context.Context, p Package) (*models.Metadata, error) {
	for _, name := range []string{"metadata.json", "_META_/metadata.json"} {
		entry, err := p.Entry(ctx, name)
		if errors.Is(err, ErrEntryNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		data, err := entry.ReadContent()
		if err != nil {
			return nil, models.NewError(models.ErrParse, p.Name(), fmt.Errorf("reading %s: %w", name, err))
		}
		return models.ParseMetadata(p.Name()+"/"+name, data)
	}

	if p.Path() != "" {
		detached := p.Path() + ".metadata.json"
		data, err := os.ReadFile(detached)
		switch {
		case err == nil:
			return models.ParseMetadata(detached, data)
		case !errors.Is(err, fs.ErrNotExist):
			return nil, models.NewError(models.ErrFileOp, detached, err)
		}
	}

	return nil, models.NewError(models.ErrNotFound, p.Name(), ErrNoMetadata)
}
