package repository

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"sync"

	"github.com/git-pkgs/purl"

	"github.com/ralt/updatekit/internal/models"
)

// Matcher reports whether a repository kind handles a location.
type Matcher func(u *url.URL) bool

// Constructor builds a repository for a location.
type Constructor func(location string, opts ...ClientOption) (Repository, error)

type registration struct {
	kind    string
	matches Matcher
	build   Constructor
}

var (
	kindsMu sync.RWMutex
	kinds   []registration
)

// Register adds a repository kind consulted by New before the built-in
// kinds. Registering a kind again replaces it.
func Register(kind string, matches Matcher, build Constructor) {
	kindsMu.Lock()
	defer kindsMu.Unlock()

	for i := range kinds {
		if kinds[i].kind == kind {
			kinds[i] = registration{kind, matches, build}
			return
		}
	}
	kinds = append(kinds, registration{kind, matches, build})
}

// New returns the repository for location: GitHub for github.com URLs,
// a blob store for *.blob.core.windows.net URLs and the local cache for
// file:// URLs and paths.
func New(location string, opts ...ClientOption) (Repository, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return nil, models.NewError(models.ErrInvalidConfig, "repository", fmt.Errorf("repository location is empty"))
	}

	u, err := url.Parse(location)
	if err != nil || isLocalPath(location, u) {
		return NewCache(location, opts...)
	}

	kindsMu.RLock()
	for _, k := range kinds {
		if k.matches(u) {
			kindsMu.RUnlock()
			return k.build(location, opts...)
		}
	}
	kindsMu.RUnlock()

	host := strings.ToLower(u.Hostname())
	switch {
	case u.Scheme == "file":
		return NewCache(filepath.FromSlash(u.Path), opts...)
	case host == "github.com" || host == "www.github.com":
		return NewGitHub(location, opts...)
	case strings.HasSuffix(host, ".blob.core.windows.net"):
		return NewBlobStore(location, opts...)
	default:
		return nil, models.NewError(models.ErrInvalidConfig, location, fmt.Errorf("unsupported repository location"))
	}
}

// isLocalPath reports whether location is a filesystem path rather than a
// URL. Windows drive letters parse as one-letter schemes.
func isLocalPath(location string, u *url.URL) bool {
	if u.Scheme == "" {
		return true
	}
	return len(u.Scheme) == 1 && filepath.VolumeName(location) != ""
}

// FromPURL creates the repository named by a Package URL such as
// "pkg:github/owner/repo@^1.2". The version part is returned as a range
// for Options.Version.
func FromPURL(s string, opts ...ClientOption) (Repository, string, error) {
	p, err := purl.Parse(s)
	if err != nil {
		return nil, "", models.NewError(models.ErrInvalidConfig, s, fmt.Errorf("invalid package URL: %w", err))
	}

	switch p.Type {
	case "github":
		if p.Namespace == "" {
			return nil, "", models.NewError(models.ErrInvalidConfig, s, fmt.Errorf("github package URL needs an owner"))
		}
		repo, err := NewGitHub("https://github.com/"+p.Namespace+"/"+p.Name, opts...)
		if err != nil {
			return nil, "", err
		}
		return repo, p.Version, nil
	default:
		return nil, "", models.NewError(models.ErrInvalidConfig, s, fmt.Errorf("unsupported package URL type %q", p.Type))
	}
}
