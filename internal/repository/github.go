package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/mod/semver"

	"github.com/ralt/updatekit/internal/archive"
	"github.com/ralt/updatekit/internal/download"
	"github.com/ralt/updatekit/internal/models"
	"github.com/ralt/updatekit/internal/resolver"
)

const (
	// defaultPerPage is the number of releases fetched per API page.
	defaultPerPage = 30

	// maxPages is the upper bound on pagination to avoid runaway requests.
	maxPages = 3

	// maxJSONResponseBytes is the upper bound on JSON API response size (10 MB).
	maxJSONResponseBytes = 10 << 20
)

// RateLimitError is returned when the GitHub API rate limit is exceeded.
type RateLimitError struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Error formats the rate limit details as a human-readable message.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("GitHub API rate limit exceeded (%d remaining, resets at %s)",
		e.Remaining, e.ResetAt.UTC().Format("15:04 UTC"))
}

type (
	// githubRelease is the JSON wire format for a GitHub Release API response.
	githubRelease struct {
		TagName         string        `json:"tag_name"`
		Name            string        `json:"name"`
		Prerelease      bool          `json:"prerelease"`
		Draft           bool          `json:"draft"`
		TargetCommitish string        `json:"target_commitish"`
		CreatedAt       string        `json:"created_at"`
		PublishedAt     string        `json:"published_at"`
		Assets          []githubAsset `json:"assets"`
	}

	// githubAsset is the JSON wire format for a GitHub Release asset.
	githubAsset struct {
		Name               string `json:"name"`
		BrowserDownloadURL string `json:"browser_download_url"`
		Size               int64  `json:"size"`
		ContentType        string `json:"content_type"`
	}
)

// GitHub lists the releases of a GitHub repository.
type GitHub struct {
	*settings
	repoURL string
	owner   string
	repo    string
}

// NewGitHub creates a repository for a URL such as
// https://github.com/owner/repo(.git).
func NewGitHub(repoURL string, opts ...ClientOption) (*GitHub, error) {
	parts := strings.Split(strings.Trim(strings.TrimSpace(repoURL), "/"), "/")
	if len(parts) < 2 {
		return nil, models.NewError(models.ErrInvalidConfig, repoURL, fmt.Errorf("expected a github.com/<owner>/<repo> URL"))
	}
	owner := parts[len(parts)-2]
	repo := strings.TrimSuffix(parts[len(parts)-1], ".git")
	if owner == "" || repo == "" || strings.Contains(owner, ":") {
		return nil, models.NewError(models.ErrInvalidConfig, repoURL, fmt.Errorf("expected a github.com/<owner>/<repo> URL"))
	}

	return &GitHub{
		settings: newSettings(opts),
		repoURL:  repoURL,
		owner:    owner,
		repo:     repo,
	}, nil
}

func (g *GitHub) Name() string {
	return "github:" + g.owner + "/" + g.repo
}

// GetReleases lists published releases. Each archive asset of a release
// becomes one Release.
func (g *GitHub) GetReleases(ctx context.Context, opts Options) ([]models.Release, error) {
	raw, err := g.listReleases(ctx)
	if err != nil {
		return nil, err
	}

	var releases []models.Release
	for _, gr := range raw {
		if gr.Draft {
			continue
		}
		releases = append(releases, g.toReleases(gr, opts.Prefix)...)
	}
	logrus.Debugf("%s: %d releases from %d tags", g.Name(), len(releases), len(raw))

	return Finalize(releases, opts)
}

// GetLatest returns the newest release, augmented with the metadata.json
// asset of its tag when one exists.
func (g *GitHub) GetLatest(ctx context.Context, opts Options) (*models.Release, error) {
	releases, err := g.GetReleases(ctx, opts)
	if err != nil {
		return nil, err
	}
	latest, err := latestOf(releases, opts)
	if err != nil || latest == nil {
		return latest, err
	}

	metaURL := fmt.Sprintf("%s/%s/%s/releases/download/%s/metadata.json",
		g.downloadBaseURL, g.owner, g.repo, url.PathEscape(latest.Tag))
	var meta models.Metadata
	if err := g.engine.DownloadJSON(ctx, metaURL, &meta); err != nil {
		logrus.Debugf("%s: no metadata for %s: %v", g.Name(), latest.Tag, err)
		return latest, nil
	}
	withMeta := latest.WithMetadata(&meta)
	return &withMeta, nil
}

func (g *GitHub) listReleases(ctx context.Context) ([]githubRelease, error) {
	pageURL := fmt.Sprintf("%s/repos/%s/%s/releases?per_page=%d",
		g.apiBaseURL, g.owner, g.repo, defaultPerPage)

	var all []githubRelease

	for page := 0; page < maxPages && pageURL != ""; page++ {
		resp, err := g.doRequest(ctx, pageURL)
		if err != nil {
			return nil, models.NewError(models.ErrNetwork, g.Name(), fmt.Errorf("listing releases: %w", err))
		}

		if rlErr := checkRateLimit(resp); rlErr != nil {
			resp.Body.Close()
			return nil, models.NewError(models.ErrNetwork, g.Name(), rlErr)
		}

		switch resp.StatusCode {
		case http.StatusOK:
		case http.StatusNotFound:
			resp.Body.Close()
			return nil, models.NewError(models.ErrNotFound, g.Name(), download.ErrNotFound)
		default:
			resp.Body.Close()
			return nil, models.NewError(models.ErrNetwork, g.Name(), fmt.Errorf("listing releases: unexpected status %d", resp.StatusCode))
		}

		var raw []githubRelease
		err = json.NewDecoder(io.LimitReader(resp.Body, maxJSONResponseBytes)).Decode(&raw)
		resp.Body.Close()
		if err != nil {
			return nil, models.NewError(models.ErrParse, g.Name(), fmt.Errorf("decoding releases: %w", err))
		}
		all = append(all, raw...)

		pageURL = parseLinkHeader(resp.Header.Get("Link"))
	}

	return all, nil
}

// toReleases converts one GitHub release into a Release per qualifying
// asset. Tags look like "v1.2.3-beta_20200101"; everything after the first
// underscore is ignored.
func (g *GitHub) toReleases(gr githubRelease, prefix string) []models.Release {
	versionTag := strings.Split(gr.TagName, "_")[0]
	version := strings.TrimPrefix(versionTag, "v")
	if !semver.IsValid("v" + version) {
		return []models.Release{models.NewInvalidRelease(gr.TagName, "parse error / invalid version: "+versionTag)}
	}

	published := parseTime(gr.PublishedAt)
	if published.IsZero() {
		published = parseTime(gr.CreatedAt)
	}

	signatures := make(map[string]string)
	for _, a := range gr.Assets {
		if strings.HasSuffix(a.Name, ".asc") {
			signatures[strings.TrimSuffix(a.Name, ".asc")] = a.BrowserDownloadURL
		}
	}

	var releases []models.Release
	for _, a := range gr.Assets {
		if !archive.HasSupportedExtension(a.Name) {
			continue
		}
		if prefix != "" && !strings.HasPrefix(a.Name, prefix) {
			continue
		}
		platform, arch := ParsePlatform(a.Name)
		releases = append(releases, models.Release{
			Name:           gr.TagName,
			Version:        version,
			DisplayVersion: versionTag,
			DisplayName:    gr.Name,
			Channel:        resolver.ChannelOf(version),
			Tag:            gr.TagName,
			Commit:         gr.TargetCommitish,
			PublishedDate:  published,
			IsPrerelease:   gr.Prerelease,
			Platform:       platform,
			Arch:           arch,
			FileName:       a.Name,
			Size:           a.Size,
			Location:       a.BrowserDownloadURL,
			Signature:      signatures[a.Name],
			Remote:         true,
			Repository:     g.Name(),
		})
	}

	if len(releases) == 0 {
		return []models.Release{models.NewInvalidRelease(gr.TagName, "release does not contain an app package")}
	}
	return releases
}

// doRequest creates and executes an HTTP request with common GitHub API headers.
func (g *GitHub) doRequest(ctx context.Context, reqURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	req.Header.Set("User-Agent", g.userAgent)

	// Only attach the auth token when the request targets a known GitHub host.
	if g.token != "" && isGitHubHost(req.URL, g.apiBaseURL) {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request %s: %w", redactURL(reqURL), err)
	}
	return resp, nil
}

// checkRateLimit returns a RateLimitError when X-RateLimit-Remaining is zero.
func checkRateLimit(resp *http.Response) error {
	remaining := resp.Header.Get("X-RateLimit-Remaining")
	if remaining == "" {
		return nil
	}

	rem, err := strconv.Atoi(remaining)
	if err != nil || rem > 0 {
		return nil
	}

	limit, _ := strconv.Atoi(resp.Header.Get("X-RateLimit-Limit"))
	resetUnix, _ := strconv.ParseInt(resp.Header.Get("X-RateLimit-Reset"), 10, 64)

	return &RateLimitError{
		Limit:     limit,
		Remaining: 0,
		ResetAt:   time.Unix(resetUnix, 0),
	}
}

// parseLinkHeader extracts the URL for the "next" page from a GitHub API Link header.
//
// Example header: <https://api.github.com/...?page=2>; rel="next", <...>; rel="last"
func parseLinkHeader(header string) string {
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if !strings.Contains(part, `rel="next"`) {
			continue
		}

		start := strings.Index(part, "<")
		end := strings.Index(part, ">")
		if start >= 0 && end > start {
			return part[start+1 : end]
		}
	}
	return ""
}

// isGitHubHost reports whether reqURL targets the configured API host, or
// github.com when the API is api.github.com.
func isGitHubHost(reqURL *url.URL, baseURL string) bool {
	base, err := url.Parse(baseURL)
	if err != nil {
		return false
	}
	if strings.EqualFold(reqURL.Host, base.Host) {
		return true
	}
	return strings.EqualFold(base.Host, "api.github.com") && strings.EqualFold(reqURL.Host, "github.com")
}

// redactURL strips query parameters and fragments from a URL for error messages.
func redactURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "<invalid-url>"
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// IsRateLimited reports whether err was caused by GitHub rate limiting.
func IsRateLimited(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}
