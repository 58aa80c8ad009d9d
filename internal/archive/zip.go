package archive

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"path"

	"github.com/sirupsen/logrus"

	"github.com/ralt/updatekit/internal/models"
)

// zipPackage indexes the central directory once; entries are read by
// random access.
type zipPackage struct {
	name   string
	path   string
	reader *zip.Reader
	index  map[string]*zip.File
	closer io.Closer
}

func openZip(name, filePath string, r io.ReaderAt, size int64, closer io.Closer) (Package, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		if closer != nil {
			closer.Close()
		}
		return nil, models.NewError(models.ErrParse, name, fmt.Errorf("invalid zip archive: %w", err))
	}

	p := &zipPackage{
		name:   name,
		path:   filePath,
		reader: zr,
		index:  make(map[string]*zip.File, len(zr.File)),
		closer: closer,
	}
	for _, f := range zr.File {
		rel := CleanPath(f.Name)
		if rel == "" {
			continue
		}
		p.index[rel] = f
	}
	logrus.Debugf("Opened zip package %s with %d entries", name, len(p.index))
	return p, nil
}

func (p *zipPackage) Name() string { return p.name }
func (p *zipPackage) Path() string { return p.path }
func (p *zipPackage) Kind() Kind   { return KindZip }

func (p *zipPackage) Entries(ctx context.Context) ([]Entry, error) {
	entries := make([]Entry, 0, len(p.reader.File))
	for _, f := range p.reader.File {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rel := CleanPath(f.Name)
		if rel == "" {
			continue
		}
		entries = append(entries, zipEntry(rel, f))
	}
	return entries, nil
}

func (p *zipPackage) Entry(_ context.Context, relPath string) (Entry, error) {
	rel := CleanPath(relPath)
	f, ok := p.index[rel]
	if !ok {
		return Entry{}, fmt.Errorf("%s in %s: %w", rel, p.name, ErrEntryNotFound)
	}
	return zipEntry(rel, f), nil
}

func (p *zipPackage) Metadata(ctx context.Context) (*models.Metadata, error) {
	return resolveMetadata(ctx, p)
}

func (p *zipPackage) Extract(ctx context.Context, destRoot string, opts ExtractOptions) (string, error) {
	dest, err := extractDir(destRoot, p.name)
	if err != nil {
		return "", err
	}

	entries, err := p.Entries(ctx)
	if err != nil {
		return "", err
	}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if err := writeEntry(dest, entry, opts, entry.Open); err != nil {
			return "", err
		}
	}
	logrus.Debugf("Extracted %s to %s", p.name, dest)
	return dest, nil
}

func (p *zipPackage) Close() error {
	if p.closer == nil {
		return nil
	}
	return p.closer.Close()
}

func zipEntry(rel string, f *zip.File) Entry {
	info := f.FileInfo()
	entryType := TypeFile
	switch {
	case info.IsDir():
		entryType = TypeDir
	case info.Mode()&fs.ModeSymlink != 0:
		entryType = TypeSymlink
	}
	return Entry{
		Name:         path.Base(rel),
		RelativePath: rel,
		Size:         int64(f.UncompressedSize64),
		Type:         entryType,
		Mode:         info.Mode(),
		ModTime:      f.Modified,
		open:         f.Open,
	}
}
