package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/ralt/updatekit/internal/download"
	"github.com/ralt/updatekit/internal/models"
)

func asset(srvURL, tag, name string) githubAsset {
	return githubAsset{
		Name:               name,
		BrowserDownloadURL: fmt.Sprintf("%s/owner/app/releases/download/%s/%s", srvURL, tag, name),
		Size:               1024,
	}
}

func newGitHubServer(t *testing.T) (*httptest.Server, *GitHub) {
	t.Helper()

	var srvURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/repos/owner/app/releases":
			// Tags deliberately out of order.
			releases := []githubRelease{
				{TagName: "v1.2.0-beta_1600000100", Name: "Beta", Prerelease: true, Assets: []githubAsset{
					asset(srvURL, "v1.2.0-beta_1600000100", "app-1.2.0-beta-linux-x64.zip"),
					asset(srvURL, "v1.2.0-beta_1600000100", "app-1.2.0-beta-linux-x64.zip.asc"),
				}},
				{TagName: "v1.10.0_1600000300", TargetCommitish: "main", PublishedAt: "2020-09-13T12:26:40Z", Assets: []githubAsset{
					asset(srvURL, "v1.10.0_1600000300", "app-1.10.0.zip"),
					asset(srvURL, "v1.10.0_1600000300", "app-1.10.0.zip.asc"),
					asset(srvURL, "v1.10.0_1600000300", "checksums.txt"),
				}},
				{TagName: "v2.0.0", Draft: true, Assets: []githubAsset{
					asset(srvURL, "v2.0.0", "app-2.0.0.zip"),
				}},
				{TagName: "v1.9.3_1600000200", Assets: []githubAsset{
					asset(srvURL, "v1.9.3_1600000200", "app-1.9.3.tar.gz"),
				}},
				{TagName: "nightly-build", Assets: []githubAsset{
					asset(srvURL, "nightly-build", "app.zip"),
				}},
				{TagName: "v1.0.0", Assets: []githubAsset{
					asset(srvURL, "v1.0.0", "notes.txt"),
				}},
			}
			w.Header().Set("Content-Type", "application/json")
			if err := json.NewEncoder(w).Encode(releases); err != nil {
				t.Errorf("encoding releases: %v", err)
			}
		case r.URL.Path == "/owner/app/releases/download/v1.10.0_1600000300/metadata.json":
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"name":"app","version":"1.10.0","displayName":"App Ten","md5":"0123456789abcdef0123456789abcdef"}`)
		default:
			http.NotFound(w, r)
		}
	}))
	srvURL = srv.URL
	t.Cleanup(srv.Close)

	g, err := NewGitHub("https://github.com/owner/app.git",
		WithAPIBaseURL(srv.URL),
		WithDownloadBaseURL(srv.URL),
		WithHTTPClient(srv.Client()),
		WithEngine(download.New(download.WithHTTPClient(srv.Client()), download.WithMaxRetries(0))),
	)
	if err != nil {
		t.Fatalf("NewGitHub failed: %v", err)
	}
	return srv, g
}

func TestNewGitHubParsesOwnerAndRepo(t *testing.T) {
	g, err := NewGitHub("https://github.com/owner/app.git")
	if err != nil {
		t.Fatal(err)
	}
	if g.owner != "owner" || g.repo != "app" || g.Name() != "github:owner/app" {
		t.Errorf("unexpected repository %s/%s", g.owner, g.repo)
	}

	if _, err := NewGitHub("app"); !models.IsType(err, models.ErrInvalidConfig) {
		t.Errorf("expected InvalidConfig error, got %v", err)
	}
}

func TestGitHubGetReleases(t *testing.T) {
	srv, g := newGitHubServer(t)

	releases, err := g.GetReleases(context.Background(), Options{Sort: true, IncludeInvalid: true})
	if err != nil {
		t.Fatalf("GetReleases failed: %v", err)
	}
	if len(releases) != 5 {
		t.Fatalf("expected 5 releases (3 valid, 2 invalid), got %d", len(releases))
	}

	wantVersions := []string{"1.10.0", "1.9.3", "1.2.0-beta"}
	for i, v := range wantVersions {
		if releases[i].Version != v {
			t.Errorf("releases[%d].Version = %q, want %q", i, releases[i].Version, v)
		}
		if !releases[i].Remote {
			t.Errorf("releases[%d] should be remote", i)
		}
	}
	for _, r := range releases[3:] {
		if r.IsValid() {
			t.Errorf("expected invalid release, got %+v", r)
		}
	}
	if releases[3].Error != "parse error / invalid version: nightly-build" {
		t.Errorf("unexpected invalid reason %q", releases[3].Error)
	}
	if !strings.Contains(releases[4].Error, "does not contain an app package") {
		t.Errorf("unexpected invalid reason %q", releases[4].Error)
	}

	ten := releases[0]
	if ten.Channel != "dev" || ten.Tag != "v1.10.0_1600000300" || ten.Commit != "main" {
		t.Errorf("unexpected release %+v", ten)
	}
	if ten.DisplayVersion != "v1.10.0" {
		t.Errorf("DisplayVersion = %q, want v1.10.0", ten.DisplayVersion)
	}
	if ten.Signature != srv.URL+"/owner/app/releases/download/v1.10.0_1600000300/app-1.10.0.zip.asc" {
		t.Errorf("unexpected signature %q", ten.Signature)
	}
	if ten.PublishedDate.IsZero() {
		t.Error("expected published date")
	}

	beta := releases[2]
	if beta.Channel != "beta" || !beta.IsPrerelease {
		t.Errorf("unexpected beta release %+v", beta)
	}
	if beta.Platform != "linux" || beta.Arch != "amd64" {
		t.Errorf("unexpected platform %s/%s", beta.Platform, beta.Arch)
	}
}

func TestGitHubGetReleasesFiltered(t *testing.T) {
	_, g := newGitHubServer(t)

	releases, err := g.GetReleases(context.Background(), Options{Sort: true, Version: ">=1.5.0"})
	if err != nil {
		t.Fatal(err)
	}
	if len(releases) != 2 || releases[0].Version != "1.10.0" || releases[1].Version != "1.9.3" {
		t.Errorf("unexpected releases %+v", releases)
	}

	releases, err = g.GetReleases(context.Background(), Options{})
	if err != nil || len(releases) != 3 {
		t.Errorf("expected invalid releases dropped by default, got %d, %v", len(releases), err)
	}

	releases, err = g.GetReleases(context.Background(), Options{Prefix: "app-1.9"})
	if err != nil {
		t.Fatal(err)
	}
	if len(releases) != 1 || releases[0].FileName != "app-1.9.3.tar.gz" {
		t.Errorf("unexpected prefix result %+v", releases)
	}

	if _, err := g.GetReleases(context.Background(), Options{Version: ">=banana"}); !models.IsType(err, models.ErrInvalidConfig) {
		t.Errorf("expected InvalidConfig for bad range, got %v", err)
	}
}

func TestGitHubGetLatestWithMetadata(t *testing.T) {
	_, g := newGitHubServer(t)

	latest, err := g.GetLatest(context.Background(), Options{})
	if err != nil {
		t.Fatalf("GetLatest failed: %v", err)
	}
	if latest == nil || latest.Version != "1.10.0" {
		t.Fatalf("unexpected latest %+v", latest)
	}
	if latest.Metadata == nil || latest.DisplayName != "App Ten" {
		t.Errorf("expected metadata to be applied, got %+v", latest)
	}
	if latest.Checksums == nil || latest.Checksums.MD5 != "0123456789abcdef0123456789abcdef" {
		t.Errorf("expected checksums from metadata, got %+v", latest.Checksums)
	}

	// Metadata is optional.
	latest, err = g.GetLatest(context.Background(), Options{Version: "<1.10.0"})
	if err != nil {
		t.Fatal(err)
	}
	if latest == nil || latest.Version != "1.9.3" || latest.Metadata != nil {
		t.Errorf("unexpected latest without metadata %+v", latest)
	}

	latest, err = g.GetLatest(context.Background(), Options{Version: ">=5"})
	if err != nil || latest != nil {
		t.Errorf("expected no latest release, got %+v, %v", latest, err)
	}
}

func TestGitHubPagination(t *testing.T) {
	var srvURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("page") == "2" {
			json.NewEncoder(w).Encode([]githubRelease{
				{TagName: "v1.0.0", Assets: []githubAsset{{Name: "app-1.0.0.zip"}}},
			})
			return
		}
		w.Header().Set("Link", fmt.Sprintf(`<%s/repos/owner/app/releases?per_page=30&page=2>; rel="next"`, srvURL))
		json.NewEncoder(w).Encode([]githubRelease{
			{TagName: "v2.0.0", Assets: []githubAsset{{Name: "app-2.0.0.zip"}}},
		})
	}))
	defer srv.Close()
	srvURL = srv.URL

	g, err := NewGitHub("https://github.com/owner/app", WithAPIBaseURL(srv.URL), WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatal(err)
	}
	releases, err := g.GetReleases(context.Background(), Options{Sort: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(releases) != 2 || releases[0].Version != "2.0.0" || releases[1].Version != "1.0.0" {
		t.Errorf("unexpected releases across pages %+v", releases)
	}
}

func TestGitHubRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Limit", "60")
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.Header().Set("X-RateLimit-Reset", "1700000000")
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	g, err := NewGitHub("https://github.com/owner/app", WithAPIBaseURL(srv.URL), WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatal(err)
	}
	_, err = g.GetReleases(context.Background(), Options{})

	var rl *RateLimitError
	if !errors.As(err, &rl) || rl.Limit != 60 {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
	if !IsRateLimited(err) || !models.IsType(err, models.ErrNetwork) {
		t.Errorf("expected network typed rate limit error, got %v", err)
	}
}

func TestGitHubTokenOnlyForGitHubHosts(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.Header.Get("Accept") != "application/vnd.github+json" {
			t.Errorf("unexpected Accept header %q", r.Header.Get("Accept"))
		}
		fmt.Fprint(w, "[]")
	}))
	defer srv.Close()

	g, err := NewGitHub("https://github.com/owner/app", WithAPIBaseURL(srv.URL), WithHTTPClient(srv.Client()), WithToken("secret"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := g.GetReleases(context.Background(), Options{}); err != nil {
		t.Fatal(err)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("expected token on API host, got %q", gotAuth)
	}

	api, _ := url.Parse("https://api.github.com/repos/x")
	if !isGitHubHost(api, "https://api.github.com") {
		t.Error("api.github.com should receive the token")
	}
	dl, _ := url.Parse("https://github.com/owner/app/releases/download/v1/app.zip")
	if !isGitHubHost(dl, "https://api.github.com") {
		t.Error("github.com downloads should receive the token")
	}
	cdn, _ := url.Parse("https://objects.githubusercontent.com/app.zip")
	if isGitHubHost(cdn, "https://api.github.com") {
		t.Error("third-party hosts must not receive the token")
	}
}

func TestParseLinkHeader(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"", ""},
		{`<https://api.github.com/x?page=2>; rel="next", <https://api.github.com/x?page=5>; rel="last"`, "https://api.github.com/x?page=2"},
		{`<https://api.github.com/x?page=5>; rel="last"`, ""},
	}
	for _, tt := range tests {
		if got := parseLinkHeader(tt.header); got != tt.want {
			t.Errorf("parseLinkHeader(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}

func TestParsePlatform(t *testing.T) {
	tests := []struct {
		name, platform, arch string
	}{
		{"app_1.0.0_linux_amd64.tar.gz", "linux", "amd64"},
		{"app-1.0.0-darwin-arm64.zip", "darwin", "arm64"},
		{"app-1.0.0-win-x86_64.zip", "windows", "amd64"},
		{"app-1.0.0-mac.zip", "darwin", ""},
		{"app-1.0.0.zip", "", ""},
	}
	for _, tt := range tests {
		p, a := ParsePlatform(tt.name)
		if p != tt.platform || a != tt.arch {
			t.Errorf("ParsePlatform(%q) = %s/%s, want %s/%s", tt.name, p, a, tt.platform, tt.arch)
		}
	}
}
