// Package updater combines a local cache and a remote repository into a
// single view of available releases, and downloads, verifies and loads
// them.
package updater

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ralt/updatekit/internal/download"
	"github.com/ralt/updatekit/internal/models"
	"github.com/ralt/updatekit/internal/registry"
	"github.com/ralt/updatekit/internal/repository"
	"github.com/ralt/updatekit/internal/resolver"
)

// EventType identifies a Manager event.
type EventType int

const (
	EventProgress EventType = iota
	EventDownloaded
	EventLoaded
)

// String returns the string representation of EventType
func (t EventType) String() string {
	switch t {
	case EventProgress:
		return "update-progress"
	case EventDownloaded:
		return "update-downloaded"
	case EventLoaded:
		return "update-loaded"
	default:
		return "unknown"
	}
}

// Event is emitted to the handler installed with WithEventHandler.
type Event struct {
	Type    EventType
	Release models.Release
	// Percent is set for EventProgress.
	Percent int
	// Address is set for EventLoaded.
	Address string
}

// Manager orchestrates listing, selection, download and loading of
// releases.
type Manager struct {
	cache    *repository.Cache
	remote   repository.Repository
	engine   *download.Engine
	trusted  openpgp.EntityList
	registry *registry.Registry
	onEvent  func(Event)

	// Downloads hold the read side, ClearCache the write side.
	mu sync.RWMutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithCache sets the local cache.
func WithCache(c *repository.Cache) Option {
	return func(m *Manager) {
		m.cache = c
	}
}

// WithRemote sets the remote repository.
func WithRemote(r repository.Repository) Option {
	return func(m *Manager) {
		m.remote = r
	}
}

// WithEngine sets the download engine.
func WithEngine(e *download.Engine) Option {
	return func(m *Manager) {
		m.engine = e
	}
}

// WithTrustedKeys sets the keys whose package signatures are trusted.
func WithTrustedKeys(keys openpgp.EntityList) Option {
	return func(m *Manager) {
		m.trusted = keys
	}
}

// WithRegistry sets the registry releases are loaded into.
func WithRegistry(r *registry.Registry) Option {
	return func(m *Manager) {
		m.registry = r
	}
}

// WithEventHandler installs a callback for progress and lifecycle events.
func WithEventHandler(fn func(Event)) Option {
	return func(m *Manager) {
		m.onEvent = fn
	}
}

// New creates a Manager. Without an engine a default one is created;
// without a registry, Load fails.
func New(opts ...Option) *Manager {
	m := &Manager{}
	for _, opt := range opts {
		opt(m)
	}
	if m.engine == nil {
		m.engine = download.New()
	}
	return m
}

func (m *Manager) emit(e Event) {
	if m.onEvent != nil {
		m.onEvent(e)
	}
}

// ListOptions controls GetReleases.
type ListOptions struct {
	Sort       bool
	OnlyCache  bool
	OnlyRemote bool
	// Version is a semver range matched against coerced versions.
	Version string
	// IncludeInvalid keeps releases that failed to parse, after the
	// valid ones.
	IncludeInvalid bool
	// Filter, when set, drops valid releases it rejects.
	Filter func(models.Release) bool
}

// LatestOptions controls GetLatest.
type LatestOptions struct {
	OnlyCache  bool
	OnlyRemote bool
	Version    string
}

// GetReleases lists cached and remote releases concurrently. A source that
// fails is logged and contributes nothing.
func (m *Manager) GetReleases(ctx context.Context, opts ListOptions) ([]models.Release, error) {
	var rng *resolver.Range
	if opts.Version != "" {
		var err error
		if rng, err = resolver.ParseRange(opts.Version); err != nil {
			return nil, models.NewError(models.ErrInvalidConfig, "version", err)
		}
	}

	var cached, remote []models.Release
	g, gctx := errgroup.WithContext(ctx)
	if !opts.OnlyRemote {
		g.Go(func() error {
			cached = m.list(gctx, m.cacheRepo())
			return nil
		})
	}
	if !opts.OnlyCache {
		g.Go(func() error {
			remote = m.list(gctx, m.remote)
			return nil
		})
	}
	g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	filter := func(r models.Release) bool {
		if rng != nil && !rng.Contains(r.Version) {
			return false
		}
		return opts.Filter == nil || opts.Filter(r)
	}

	var releases, invalid []models.Release
	if opts.Sort {
		releases, invalid = resolver.Merge(cached, remote, filter)
		if opts.IncludeInvalid {
			releases = append(releases, invalid...)
		}
	} else {
		for _, r := range append(cached, remote...) {
			switch {
			case !r.IsValid():
				invalid = append(invalid, r)
				if opts.IncludeInvalid {
					releases = append(releases, r)
				}
			case filter(r):
				releases = append(releases, r)
			}
		}
	}

	if len(invalid) > 0 {
		logrus.Warnf("Detected %d corrupted releases", len(invalid))
		reasons := make([]string, 0, len(invalid))
		for _, r := range invalid {
			reasons = append(reasons, fmt.Sprintf("%s: %s", r.Name, r.Error))
		}
		logrus.Debugf("Invalid releases:\n%s", strings.Join(reasons, "\n"))
	}
	return releases, nil
}

// cacheRepo avoids wrapping a nil *Cache in a non-nil interface.
func (m *Manager) cacheRepo() repository.Repository {
	if m.cache == nil {
		return nil
	}
	return m.cache
}

func (m *Manager) list(ctx context.Context, repo repository.Repository) []models.Release {
	if repo == nil {
		return nil
	}
	// Invalid entries are kept so they can be counted and reported once
	// the sources are merged.
	releases, err := repo.GetReleases(ctx, repository.Options{IncludeInvalid: true})
	if err != nil {
		if repository.IsRateLimited(err) {
			logrus.Warnf("Repository %s is rate limited, ignoring it: %v", repo.Name(), err)
		} else {
			logrus.WithField("repository", repo.Name()).Warnf("Listing releases failed: %v", err)
		}
		if states := m.engine.BreakerStates(); len(states) > 0 {
			logrus.WithField("circuits", states).Debug("Circuit breaker states")
		}
		return nil
	}
	return releases
}

// GetLatest returns the newest release, preferring the cached copy when
// cache and remote offer the same version. It returns nil when nothing
// qualifies.
func (m *Manager) GetLatest(ctx context.Context, opts LatestOptions) (*models.Release, error) {
	releases, err := m.GetReleases(ctx, ListOptions{
		Sort:       true,
		OnlyCache:  opts.OnlyCache,
		OnlyRemote: opts.OnlyRemote,
		Version:    opts.Version,
	})
	if err != nil {
		return nil, err
	}
	if len(releases) == 0 {
		return nil, nil
	}

	var cached, remote *models.Release
	for i := range releases {
		r := &releases[i]
		if r.Remote && remote == nil {
			remote = r
		}
		if !r.Remote && cached == nil {
			cached = r
		}
	}
	return resolver.Latest(cached, remote), nil
}

// UpdateInfo is the result of CheckForUpdate.
type UpdateInfo struct {
	Available bool
	// Source is the repository the latest release comes from.
	Source string
	Latest *models.Release
}

// CheckForUpdate reports whether a release newer than currentVersion
// exists among the releases opts selects. A latest release that is
// already cached is reported but not flagged as available.
func (m *Manager) CheckForUpdate(ctx context.Context, currentVersion string, opts LatestOptions) (UpdateInfo, error) {
	latest, err := m.GetLatest(ctx, opts)
	if err != nil {
		return UpdateInfo{}, err
	}
	if latest == nil {
		return UpdateInfo{}, nil
	}

	info := UpdateInfo{Source: latest.Repository, Latest: latest}
	info.Available = latest.Remote && resolver.IsNewer(latest.Version, currentVersion)
	if info.Available {
		logrus.Infof("Update available: %s %s (running %s)", latest.Name, latest.Version, currentVersion)
	} else {
		logrus.Debugf("No update: latest is %s from %s, running %s", latest.Version, info.Source, currentVersion)
	}
	return info, nil
}

// ClearCache removes every cached package. It waits for running downloads.
func (m *Manager) ClearCache(ctx context.Context) error {
	if m.cache == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cache.Clear(ctx)
}
