// Package repository lists application releases from GitHub, from blob
// storage containers and from a local cache directory.
package repository

import (
	"context"
	"net/http"
	"regexp"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"

	"github.com/ralt/updatekit/internal/download"
	"github.com/ralt/updatekit/internal/models"
	"github.com/ralt/updatekit/internal/resolver"
)

// Repository is a source of releases.
type Repository interface {
	Name() string

	// GetReleases lists the releases of the repository. Releases that
	// could not be parsed are dropped unless opts.IncludeInvalid is set.
	GetReleases(ctx context.Context, opts Options) ([]models.Release, error)

	// GetLatest returns the newest valid release, or nil if there is none.
	GetLatest(ctx context.Context, opts Options) (*models.Release, error)
}

// Options narrows a release listing.
type Options struct {
	// Version is a version range, e.g. ">=1.2.0 <2".
	Version string
	// Sort orders the result newest first.
	Sort bool
	// IncludeInvalid keeps releases that failed to parse.
	IncludeInvalid bool
	// Prefix keeps only files whose name starts with Prefix.
	Prefix string
}

// Mapper rewrites a release right after it was read from a listing.
type Mapper func(models.Release) models.Release

type settings struct {
	engine          *download.Engine
	httpClient      *http.Client
	token           string
	userAgent       string
	apiBaseURL      string
	downloadBaseURL string
	mapper          Mapper
	trusted         openpgp.EntityList
}

// ClientOption configures a repository during construction.
type ClientOption func(*settings)

// WithEngine sets the download engine used for listings and metadata.
func WithEngine(e *download.Engine) ClientOption {
	return func(s *settings) {
		s.engine = e
	}
}

// WithHTTPClient sets the HTTP client used for API requests.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(s *settings) {
		s.httpClient = c
	}
}

// WithToken sets a GitHub token. It is only sent to GitHub hosts.
func WithToken(token string) ClientOption {
	return func(s *settings) {
		s.token = token
	}
}

// WithUserAgent sets the User-Agent header of API requests.
func WithUserAgent(ua string) ClientOption {
	return func(s *settings) {
		s.userAgent = ua
	}
}

// WithAPIBaseURL overrides the GitHub API base URL, primarily for tests.
func WithAPIBaseURL(base string) ClientOption {
	return func(s *settings) {
		s.apiBaseURL = strings.TrimRight(base, "/")
	}
}

// WithDownloadBaseURL overrides the base of GitHub release download URLs.
func WithDownloadBaseURL(base string) ClientOption {
	return func(s *settings) {
		s.downloadBaseURL = strings.TrimRight(base, "/")
	}
}

// WithMapper installs a function applied to every release of a blob store
// listing before its channel is derived.
func WithMapper(m Mapper) ClientOption {
	return func(s *settings) {
		s.mapper = m
	}
}

// WithTrustedKeys sets the keys the cache uses to mark packages trusted.
func WithTrustedKeys(keys openpgp.EntityList) ClientOption {
	return func(s *settings) {
		s.trusted = keys
	}
}

func newSettings(opts []ClientOption) *settings {
	s := &settings{
		httpClient:      http.DefaultClient,
		userAgent:       "updatekit/dev",
		apiBaseURL:      "https://api.github.com",
		downloadBaseURL: "https://github.com",
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.engine == nil {
		s.engine = download.New(download.WithUserAgent(s.userAgent))
	}
	return s
}

// Finalize applies opts to a listing: the version range, invalid release
// filtering and sorting.
func Finalize(releases []models.Release, opts Options) ([]models.Release, error) {
	var rng *resolver.Range
	if opts.Version != "" {
		var err error
		rng, err = resolver.ParseRange(opts.Version)
		if err != nil {
			return nil, models.NewError(models.ErrInvalidConfig, "version", err)
		}
	}

	out := make([]models.Release, 0, len(releases))
	for _, r := range releases {
		if !r.IsValid() {
			if opts.IncludeInvalid {
				out = append(out, r)
			}
			continue
		}
		if rng != nil && !rng.Contains(r.Version) {
			continue
		}
		out = append(out, r)
	}

	if opts.Sort {
		resolver.Sort(out)
	}
	return out, nil
}

// WithPrefix wraps repo so listings without an explicit prefix use
// prefix.
func WithPrefix(repo Repository, prefix string) Repository {
	if prefix == "" {
		return repo
	}
	return prefixed{Repository: repo, prefix: prefix}
}

type prefixed struct {
	Repository
	prefix string
}

func (p prefixed) GetReleases(ctx context.Context, opts Options) ([]models.Release, error) {
	if opts.Prefix == "" {
		opts.Prefix = p.prefix
	}
	return p.Repository.GetReleases(ctx, opts)
}

func (p prefixed) GetLatest(ctx context.Context, opts Options) (*models.Release, error) {
	if opts.Prefix == "" {
		opts.Prefix = p.prefix
	}
	return p.Repository.GetLatest(ctx, opts)
}

// latestOf returns the first release after sorting and dropping invalid
// ones.
func latestOf(releases []models.Release, opts Options) (*models.Release, error) {
	opts.Sort = true
	opts.IncludeInvalid = false
	valid, err := Finalize(releases, opts)
	if err != nil {
		return nil, err
	}
	if len(valid) == 0 {
		return nil, nil
	}
	latest := valid[0]
	return &latest, nil
}

// versionMatcher finds a semantic version inside a file name.
var versionMatcher = regexp.MustCompile(`(?i)\bv?(?:0|[1-9]\d*)\.(?:0|[1-9]\d*)\.(?:0|[1-9]\d*)(?:-[\da-z-]+(?:\.[\da-z-]+)*)?(?:\+[\da-z-]+(?:\.[\da-z-]+)*)?\b`)

// ExtractVersion returns the first semantic version found in s without a
// leading "v", or "".
func ExtractVersion(s string) string {
	return strings.TrimPrefix(strings.TrimPrefix(versionMatcher.FindString(s), "v"), "V")
}

var (
	platformAliases = map[string]string{
		"linux":   "linux",
		"darwin":  "darwin",
		"mac":     "darwin",
		"macos":   "darwin",
		"osx":     "darwin",
		"windows": "windows",
		"win":     "windows",
		"win32":   "windows",
		"win64":   "windows",
	}
	archAliases = map[string]string{
		"amd64":   "amd64",
		"x86_64":  "amd64",
		"x64":     "amd64",
		"arm64":   "arm64",
		"aarch64": "arm64",
		"386":     "386",
		"i386":    "386",
		"ia32":    "386",
		"x86":     "386",
		"armv7":   "arm",
		"armhf":   "arm",
	}
)

var nameSeparators = regexp.MustCompile(`[-_.\s]+`)

// ParsePlatform reads platform and architecture tokens from a file name
// such as "app_1.0.0_linux_amd64.tar.gz".
func ParsePlatform(fileName string) (platform, arch string) {
	lower := strings.ToLower(fileName)
	// x86_64 contains a separator, match it before splitting.
	if strings.Contains(lower, "x86_64") {
		arch = "amd64"
		lower = strings.ReplaceAll(lower, "x86_64", "")
	}
	for _, tok := range nameSeparators.Split(lower, -1) {
		if p, ok := platformAliases[tok]; ok && platform == "" {
			platform = p
		}
		if a, ok := archAliases[tok]; ok && arch == "" {
			arch = a
		}
	}
	return platform, arch
}
