package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/mod/semver"

	"github.com/ralt/updatekit/internal/archive"
	"github.com/ralt/updatekit/internal/models"
	"github.com/ralt/updatekit/internal/resolver"
	"github.com/ralt/updatekit/internal/utils"
	"github.com/ralt/updatekit/internal/verify"
)

// Cache is a flat directory of downloaded packages. Each release is
// derived from the package file and its sidecars; there is no index.
type Cache struct {
	*settings
	dir string

	mu       sync.Mutex
	packages map[string]archive.Package
}

// NewCache opens the cache at dir, creating the directory if needed.
func NewCache(dir string, opts ...ClientOption) (*Cache, error) {
	if dir == "" {
		return nil, models.NewError(models.ErrInvalidConfig, "cache.dir", fmt.Errorf("cache directory is empty"))
	}
	if err := utils.EnsureDir(dir); err != nil {
		return nil, models.NewError(models.ErrFileOp, dir, err)
	}
	return &Cache{
		settings: newSettings(opts),
		dir:      dir,
		packages: make(map[string]archive.Package),
	}, nil
}

func (c *Cache) Name() string { return "cache" }

// Dir returns the cache directory.
func (c *Cache) Dir() string { return c.dir }

// GetReleases lists the packages in the cache. Files that cannot be
// opened or carry no usable metadata become invalid releases.
func (c *Cache) GetReleases(ctx context.Context, opts Options) ([]models.Release, error) {
	files, err := c.scan(ctx, opts.Prefix)
	if err != nil {
		return nil, err
	}

	releases := make([]models.Release, 0, len(files))
	invalid := 0
	for _, name := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r := c.toRelease(ctx, name)
		if !r.IsValid() {
			invalid++
			logrus.Debugf("Cached file %s is invalid: %s", name, r.Error)
		}
		releases = append(releases, r)
	}
	if invalid > 0 {
		logrus.Warnf("Cache %s holds %d invalid packages", c.dir, invalid)
	}
	return Finalize(releases, opts)
}

func (c *Cache) GetLatest(ctx context.Context, opts Options) (*models.Release, error) {
	releases, err := c.GetReleases(ctx, opts)
	if err != nil {
		return nil, err
	}
	return latestOf(releases, opts)
}

// scan returns the names of supported package files in the cache.
func (c *Cache) scan(ctx context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, models.NewError(models.ErrFileOp, c.dir, fmt.Errorf("failed to scan cache: %w", err))
	}

	var files []string
	for _, e := range entries {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if e.IsDir() || !archive.HasSupportedExtension(e.Name()) {
			continue
		}
		if prefix != "" && !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		logrus.Debugf("Found cached package: %s", e.Name())
		files = append(files, e.Name())
	}

	sort.Strings(files)
	logrus.Debugf("Found %d packages in %s", len(files), c.dir)
	return files, nil
}

func (c *Cache) toRelease(ctx context.Context, fileName string) models.Release {
	location := filepath.Join(c.dir, fileName)
	name := archive.TrimExtension(fileName)

	pkg, err := c.open(location)
	if err != nil {
		return models.NewInvalidRelease(name, err.Error())
	}

	meta, err := pkg.Metadata(ctx)
	switch {
	case errors.Is(err, archive.ErrNoMetadata):
		return models.NewInvalidRelease(name, "no metadata: "+fileName)
	case err != nil:
		return models.NewInvalidRelease(name, err.Error())
	}
	version := strings.TrimPrefix(meta.Version, "v")
	if !semver.IsValid("v" + version) {
		return models.NewInvalidRelease(name, "invalid version in metadata: "+meta.Version)
	}

	r := models.Release{
		Name:           meta.Name,
		Version:        version,
		DisplayVersion: meta.Version,
		Tag:            version,
		FileName:       fileName,
		Location:       location,
		Remote:         false,
		Repository:     c.Name(),
	}
	if r.Name == "" {
		r.Name = name
	}
	if info, err := os.Stat(location); err == nil {
		r.Size = info.Size()
		r.PublishedDate = info.ModTime()
	}
	r = r.WithMetadata(meta)
	if r.Channel == "" {
		r.Channel = resolver.ChannelOf(r.Version)
	}
	r.Platform, r.Arch = ParsePlatform(fileName)

	if utils.FileExists(location + ".asc") {
		r.Signature = location + ".asc"
	}
	if extracted := filepath.Join(c.dir, name); utils.DirExists(extracted) {
		r.ExtractedPackagePath = extracted
	}

	result, err := verify.Verify(ctx, pkg, c.trusted)
	if err != nil {
		logrus.Warnf("Verification of %s failed: %v", fileName, err)
	}
	r.Verification = &result

	return r
}

// open returns the memoised package for path.
func (c *Cache) open(path string) (archive.Package, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if pkg, ok := c.packages[path]; ok {
		return pkg, nil
	}
	pkg, err := archive.OpenFile(path)
	if err != nil {
		return nil, err
	}
	c.packages[path] = pkg
	return pkg, nil
}

// forget closes and drops the memoised package for path.
func (c *Cache) forget(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if pkg, ok := c.packages[path]; ok {
		pkg.Close()
		delete(c.packages, path)
	}
}

// Store writes a package into the cache and returns its path.
func (c *Cache) Store(ctx context.Context, fileName string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	base := filepath.Base(fileName)
	if base != fileName || base == "." || base == ".." {
		return "", models.NewError(models.ErrFileOp, fileName, fmt.Errorf("invalid cache file name"))
	}

	dest := filepath.Join(c.dir, base)
	c.forget(dest)
	if err := utils.WriteFile(dest, data, 0644); err != nil {
		return "", models.NewError(models.ErrFileOp, dest, err)
	}
	logrus.Infof("Stored %s in cache", base)
	return dest, nil
}

// StoreSidecar writes a file next to a cached package, e.g. its ".asc"
// signature.
func (c *Cache) StoreSidecar(ctx context.Context, fileName, suffix string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dest := filepath.Join(c.dir, filepath.Base(fileName)+suffix)
	if err := utils.WriteFile(dest, data, 0644); err != nil {
		return models.NewError(models.ErrFileOp, dest, err)
	}
	return nil
}

// Clear closes all open packages and removes everything in the cache
// directory.
func (c *Cache) Clear(ctx context.Context) error {
	c.mu.Lock()
	for p, pkg := range c.packages {
		pkg.Close()
		delete(c.packages, p)
	}
	c.mu.Unlock()

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return models.NewError(models.ErrFileOp, c.dir, err)
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := os.RemoveAll(filepath.Join(c.dir, e.Name())); err != nil {
			return models.NewError(models.ErrFileOp, e.Name(), err)
		}
	}
	logrus.Infof("Cleared %d entries from %s", len(entries), c.dir)
	return nil
}

// Package returns the opened package of a cached release.
func (c *Cache) Package(ctx context.Context, r models.Release) (archive.Package, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	location := r.Location
	if location == "" || location == models.LocationMemory {
		location = filepath.Join(c.dir, r.FileName)
	}
	if !strings.HasPrefix(filepath.Clean(location), filepath.Clean(c.dir)+string(os.PathSeparator)) {
		return nil, models.NewError(models.ErrNotFound, location, fmt.Errorf("release is not in the cache"))
	}
	return c.open(location)
}

// Entries lists the entries of a cached release.
func (c *Cache) Entries(ctx context.Context, r models.Release) ([]archive.Entry, error) {
	pkg, err := c.Package(ctx, r)
	if err != nil {
		return nil, err
	}
	return pkg.Entries(ctx)
}

// Entry returns one entry of a cached release.
func (c *Cache) Entry(ctx context.Context, r models.Release, relPath string) (archive.Entry, error) {
	pkg, err := c.Package(ctx, r)
	if err != nil {
		return archive.Entry{}, err
	}
	return pkg.Entry(ctx, relPath)
}

// Extract unpacks a cached release next to its file and returns the
// directory.
func (c *Cache) Extract(ctx context.Context, r models.Release, opts archive.ExtractOptions) (string, error) {
	pkg, err := c.Package(ctx, r)
	if err != nil {
		return "", err
	}
	return pkg.Extract(ctx, c.dir, opts)
}

// Close releases all open package handles.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for p, pkg := range c.packages {
		errs = append(errs, pkg.Close())
		delete(c.packages, p)
	}
	return errors.Join(errs...)
}
