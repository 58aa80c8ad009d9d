package updater

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/ralt/updatekit/internal/archive"
	"github.com/ralt/updatekit/internal/models"
	"github.com/ralt/updatekit/internal/repository"
	"github.com/ralt/updatekit/internal/utils"
	"github.com/ralt/updatekit/internal/verify"
)

// ErrUntrusted is returned by Download when RequireTrusted is set and the
// package signature is missing, invalid or made by an untrusted key.
var ErrUntrusted = errors.New("package is not signed by a trusted key")

// DownloadOptions controls Download.
type DownloadOptions struct {
	// OnProgress receives the completed percentage, only when it grows.
	OnProgress func(percent int)
	// WriteToCache stores the package and its signature in the cache.
	WriteToCache bool
	// RequireTrusted rejects packages whose signature is not trusted.
	RequireTrusted bool
	// PublicKey, when set, verifies the release's detached signature.
	PublicKey []byte
}

// Download fetches the bytes of release, checks them and returns a copy of
// the release held in memory.
func (m *Manager) Download(ctx context.Context, release models.Release, opts DownloadOptions) (models.Release, error) {
	if !release.IsValid() {
		return models.Release{}, models.NewError(models.ErrInvalidConfig, release.Name, fmt.Errorf("cannot download invalid release: %s", release.Error))
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	log := logrus.WithField("release", release.Name+"@"+release.Version)

	lastPercent := 0
	progress := func(p float64) {
		percent := int(p * 100)
		if percent <= lastPercent {
			return
		}
		lastPercent = percent
		m.emit(Event{Type: EventProgress, Release: release, Percent: percent})
		if opts.OnProgress != nil {
			opts.OnProgress(percent)
		}
	}

	data, fromCache, err := m.fetchPackage(ctx, release, progress)
	if err != nil {
		return models.Release{}, err
	}

	if release.Checksums != nil && release.Checksums.MD5 != "" {
		if err := verify.VerifyChecksums(data, &models.Checksums{MD5: release.Checksums.MD5}); err != nil {
			return models.Release{}, models.NewError(models.ErrVerification, release.FileName, err)
		}
		log.Debugf("MD5 checksum verified")
	}

	var signature []byte
	if release.Signature != "" {
		signature, err = m.readResource(ctx, release.Signature)
		if err != nil {
			if opts.PublicKey != nil {
				return models.Release{}, err
			}
			log.Warnf("Could not retrieve detached signature: %v", err)
		}
	}
	if opts.PublicKey != nil {
		if signature == nil {
			return models.Release{}, models.NewError(models.ErrVerification, release.FileName, fmt.Errorf("release has no detached signature"))
		}
		ok, err := verify.VerifyDetachedSignature(data, opts.PublicKey, signature)
		if err != nil {
			return models.Release{}, err
		}
		if !ok {
			return models.Release{}, models.NewError(models.ErrVerification, release.FileName, fmt.Errorf("detached signature does not match"))
		}
		log.Debugf("Detached signature verified")
	}

	pkg, err := archive.Open(fileNameOf(release), data)
	if err != nil {
		return models.Release{}, err
	}
	result, err := verify.Verify(ctx, pkg, m.trusted)
	pkg.Close()
	if err != nil {
		return models.Release{}, err
	}
	if opts.RequireTrusted && !result.IsTrusted {
		return models.Release{}, models.NewError(models.ErrVerification, release.FileName, ErrUntrusted)
	}

	if opts.WriteToCache && !fromCache {
		if err := m.writeToCache(ctx, release, data, signature); err != nil {
			return models.Release{}, err
		}
	}

	downloaded := release
	downloaded.Location = models.LocationMemory
	downloaded.Remote = false
	downloaded.Data = data
	downloaded.Verification = &result

	log.Infof("Downloaded %d bytes (signed: %v, trusted: %v)", len(data), result.IsValid, result.IsTrusted)
	m.emit(Event{Type: EventDownloaded, Release: downloaded})
	return downloaded, nil
}

// fetchPackage returns the release bytes, reading a cached copy of the same
// file instead of the network when one exists.
func (m *Manager) fetchPackage(ctx context.Context, release models.Release, progress func(float64)) ([]byte, bool, error) {
	if release.Location == models.LocationMemory && release.Data != nil {
		return release.Data, false, nil
	}

	if release.Remote && m.cache != nil {
		cached, err := m.cache.GetReleases(ctx, repository.Options{})
		if err != nil {
			logrus.Debugf("Cache lookup failed: %v", err)
		} else if dup, ok := utils.FindDuplicate(cached, release); ok {
			logrus.Infof("Using cached copy of %s at %s", release.FileName, dup.Location)
			data, err := os.ReadFile(dup.Location)
			if err == nil {
				progress(1)
				return data, true, nil
			}
			logrus.Warnf("Reading cached copy failed, downloading: %v", err)
		}
	}

	if !isURL(release.Location) {
		data, err := os.ReadFile(release.Location)
		if err != nil {
			return nil, false, models.NewError(models.ErrFileOp, release.Location, err)
		}
		progress(1)
		return data, !release.Remote, nil
	}

	data, err := m.engine.Fetch(ctx, release.Location, progress)
	if err != nil {
		return nil, false, err
	}
	return data, false, nil
}

// readResource reads a URL through the engine and anything else from disk.
func (m *Manager) readResource(ctx context.Context, location string) ([]byte, error) {
	if isURL(location) {
		return m.engine.Fetch(ctx, location, nil)
	}
	data, err := os.ReadFile(location)
	if err != nil {
		return nil, models.NewError(models.ErrFileOp, location, err)
	}
	return data, nil
}

func (m *Manager) writeToCache(ctx context.Context, release models.Release, data, signature []byte) error {
	if m.cache == nil {
		logrus.Warnf("No cache configured, %s is not stored", release.FileName)
		return nil
	}
	name := fileNameOf(release)
	if _, err := m.cache.Store(ctx, name, data); err != nil {
		return err
	}
	if signature != nil {
		if err := m.cache.StoreSidecar(ctx, name, ".asc", signature); err != nil {
			return err
		}
	}
	if release.Metadata != nil {
		meta, err := release.Metadata.Marshal()
		if err != nil {
			return err
		}
		if err := m.cache.StoreSidecar(ctx, name, ".metadata.json", meta); err != nil {
			return err
		}
	}
	return nil
}

func fileNameOf(r models.Release) string {
	if r.FileName != "" {
		return r.FileName
	}
	if r.Location != "" && r.Location != models.LocationMemory {
		if i := strings.LastIndex(r.Location, "/"); i >= 0 && isURL(r.Location) {
			return r.Location[i+1:]
		}
		return filepath.Base(r.Location)
	}
	return r.Name
}

func isURL(location string) bool {
	return strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://")
}
