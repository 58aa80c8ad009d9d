package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/sirupsen/logrus"

	"github.com/ralt/updatekit/internal/models"
)

// tarPackage reads a tar stream sequentially. Listing scans the whole
// stream and reading one entry scans from the start until it is found.
type tarPackage struct {
	name string
	path string
	kind Kind
	src  func() (io.ReadCloser, error)
}

func openTar(name, filePath string, kind Kind, src func() (io.ReadCloser, error)) (Package, error) {
	p := &tarPackage{name: name, path: filePath, kind: kind, src: src}

	// Fail early on a stream whose compression header is broken.
	rc, err := p.open()
	if err != nil {
		return nil, err
	}
	rc.Close()
	return p, nil
}

func (p *tarPackage) Name() string { return p.name }
func (p *tarPackage) Path() string { return p.path }
func (p *tarPackage) Kind() Kind   { return p.kind }

// stream couples a tar reader with the readers it was built from.
type stream struct {
	*tar.Reader
	closers []io.Closer
}

func (s *stream) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i].Close())
	}
	return errors.Join(errs...)
}

func (p *tarPackage) open() (*stream, error) {
	raw, err := p.src()
	if err != nil {
		return nil, models.NewError(models.ErrFileOp, p.name, err)
	}
	dr, err := newDecompressor(p.kind, raw)
	if err != nil {
		raw.Close()
		return nil, models.NewError(models.ErrParse, p.name, fmt.Errorf("invalid %s stream: %w", p.kind, err))
	}
	return &stream{Reader: tar.NewReader(dr), closers: []io.Closer{raw, dr}}, nil
}

// walk calls fn for every header in the stream until fn returns stop.
func (p *tarPackage) walk(ctx context.Context, fn func(hdr *tar.Header, rel string, r io.Reader) (stop bool, err error)) error {
	s, err := p.open()
	if err != nil {
		return err
	}
	defer s.Close()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := s.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return models.NewError(models.ErrParse, p.name, fmt.Errorf("reading tar: %w", err))
		}
		if hdr.Typeflag == tar.TypeXGlobalHeader {
			continue
		}
		rel := CleanPath(hdr.Name)
		if rel == "" {
			continue
		}
		stop, err := fn(hdr, rel, s)
		if err != nil || stop {
			return err
		}
	}
}

func (p *tarPackage) Entries(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	err := p.walk(ctx, func(hdr *tar.Header, rel string, _ io.Reader) (bool, error) {
		entries = append(entries, p.entry(hdr, rel))
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (p *tarPackage) Entry(ctx context.Context, relPath string) (Entry, error) {
	want := CleanPath(relPath)
	var found *Entry
	err := p.walk(ctx, func(hdr *tar.Header, rel string, _ io.Reader) (bool, error) {
		if rel != want {
			return false, nil
		}
		e := p.entry(hdr, rel)
		found = &e
		return true, nil
	})
	if err != nil {
		return Entry{}, err
	}
	if found == nil {
		return Entry{}, fmt.Errorf("%s in %s: %w", want, p.name, ErrEntryNotFound)
	}
	return *found, nil
}

func (p *tarPackage) Metadata(ctx context.Context) (*models.Metadata, error) {
	return resolveMetadata(ctx, p)
}

// Extract streams the archive once, writing entries as they are read.
func (p *tarPackage) Extract(ctx context.Context, destRoot string, opts ExtractOptions) (string, error) {
	dest, err := extractDir(destRoot, p.name)
	if err != nil {
		return "", err
	}

	err = p.walk(ctx, func(hdr *tar.Header, rel string, r io.Reader) (bool, error) {
		open := func() (io.ReadCloser, error) { return io.NopCloser(r), nil }
		return false, writeEntry(dest, p.entry(hdr, rel), opts, open)
	})
	if err != nil {
		return "", err
	}
	logrus.Debugf("Extracted %s to %s", p.name, dest)
	return dest, nil
}

func (p *tarPackage) Close() error { return nil }

// openEntry rescans the stream and returns a reader positioned at rel.
func (p *tarPackage) openEntry(rel string) (io.ReadCloser, error) {
	s, err := p.open()
	if err != nil {
		return nil, err
	}
	for {
		hdr, err := s.Next()
		if errors.Is(err, io.EOF) {
			s.Close()
			return nil, fmt.Errorf("%s in %s: %w", rel, p.name, ErrEntryNotFound)
		}
		if err != nil {
			s.Close()
			return nil, models.NewError(models.ErrParse, p.name, fmt.Errorf("reading tar: %w", err))
		}
		if CleanPath(hdr.Name) == rel {
			return s, nil
		}
	}
}

func (p *tarPackage) entry(hdr *tar.Header, rel string) Entry {
	entryType := TypeFile
	switch hdr.Typeflag {
	case tar.TypeDir:
		entryType = TypeDir
	case tar.TypeSymlink, tar.TypeLink:
		entryType = TypeSymlink
	}
	return Entry{
		Name:         path.Base(rel),
		RelativePath: rel,
		Size:         hdr.Size,
		Type:         entryType,
		Mode:         hdr.FileInfo().Mode(),
		ModTime:      hdr.ModTime,
		open: func() (io.ReadCloser, error) {
			return p.openEntry(rel)
		},
	}
}
