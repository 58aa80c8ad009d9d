package updater

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/packet"

	"github.com/ralt/updatekit/internal/archive"
	"github.com/ralt/updatekit/internal/download"
	"github.com/ralt/updatekit/internal/models"
	"github.com/ralt/updatekit/internal/registry"
	"github.com/ralt/updatekit/internal/repository"
	"github.com/ralt/updatekit/internal/signer"
	"github.com/ralt/updatekit/internal/verify"
)

// staticRepo serves a fixed release list.
type staticRepo struct {
	releases []models.Release
	err      error
}

func (s *staticRepo) Name() string { return "static" }

func (s *staticRepo) GetReleases(ctx context.Context, opts repository.Options) ([]models.Release, error) {
	if s.err != nil {
		return nil, s.err
	}
	return repository.Finalize(append([]models.Release{}, s.releases...), opts)
}

func (s *staticRepo) GetLatest(ctx context.Context, opts repository.Options) (*models.Release, error) {
	releases, err := s.GetReleases(ctx, repository.Options{Sort: true})
	if err != nil || len(releases) == 0 {
		return nil, err
	}
	return &releases[0], nil
}

func packageFiles(version string) []archive.File {
	return []archive.File{
		{Path: "metadata.json", Data: []byte(`{"name":"app","version":"` + version + `"}`)},
		{Path: "index.html", Data: []byte("<html>" + version + "</html>")},
	}
}

func packageBytes(t *testing.T, files []archive.File) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := archive.Write(&buf, archive.KindZip, files); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// fileServer serves the given files and counts GET requests per path.
func fileServer(t *testing.T, files map[string][]byte) (*httptest.Server, *int32) {
	t.Helper()
	var gets int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, ok := files[strings.TrimPrefix(r.URL.Path, "/")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		if r.Method == http.MethodGet {
			atomic.AddInt32(&gets, 1)
		}
		http.ServeContent(w, r, r.URL.Path, time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(srv.Close)
	return srv, &gets
}

func remoteRelease(srvURL, version string) models.Release {
	fileName := "app-" + version + ".zip"
	return models.Release{
		Name:       "app",
		Version:    version,
		Channel:    "dev",
		FileName:   fileName,
		Location:   srvURL + "/" + fileName,
		Remote:     true,
		Repository: "static",
	}
}

func newCache(t *testing.T, versions ...string) *repository.Cache {
	t.Helper()
	dir := t.TempDir()
	for _, v := range versions {
		if err := os.WriteFile(filepath.Join(dir, "app-"+v+".zip"), packageBytes(t, packageFiles(v)), 0644); err != nil {
			t.Fatal(err)
		}
	}
	cache, err := repository.NewCache(dir)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { cache.Close() })
	return cache
}

func newEngine() *download.Engine {
	return download.New(download.WithHTTPClient(http.DefaultClient), download.WithMaxRetries(0))
}

func versions(releases []models.Release) string {
	var out []string
	for _, r := range releases {
		if !r.IsValid() {
			out = append(out, "invalid")
			continue
		}
		src := "remote"
		if !r.Remote {
			src = "cache"
		}
		out = append(out, r.Version+"/"+src)
	}
	return strings.Join(out, ",")
}

func TestGetReleasesMergesSources(t *testing.T) {
	ctx := context.Background()
	remote := &staticRepo{releases: []models.Release{
		remoteRelease("http://example.invalid", "1.2.0"),
		models.NewInvalidRelease("nightly", "parse error / invalid version: nightly"),
		remoteRelease("http://example.invalid", "1.3.0"),
	}}
	m := New(WithCache(newCache(t, "1.2.0")), WithRemote(remote), WithEngine(newEngine()))

	releases, err := m.GetReleases(ctx, ListOptions{Sort: true})
	if err != nil {
		t.Fatal(err)
	}
	if got := versions(releases); got != "1.3.0/remote,1.2.0/cache,1.2.0/remote" {
		t.Errorf("releases = %s", got)
	}

	releases, err = m.GetReleases(ctx, ListOptions{Sort: true, IncludeInvalid: true})
	if err != nil {
		t.Fatal(err)
	}
	if got := versions(releases); got != "1.3.0/remote,1.2.0/cache,1.2.0/remote,invalid" {
		t.Errorf("releases with invalid = %s", got)
	}

	releases, err = m.GetReleases(ctx, ListOptions{Sort: true, Version: "<1.3.0"})
	if err != nil {
		t.Fatal(err)
	}
	if got := versions(releases); got != "1.2.0/cache,1.2.0/remote" {
		t.Errorf("ranged releases = %s", got)
	}

	releases, err = m.GetReleases(ctx, ListOptions{OnlyCache: true})
	if err != nil {
		t.Fatal(err)
	}
	if got := versions(releases); got != "1.2.0/cache" {
		t.Errorf("cache-only releases = %s", got)
	}

	releases, err = m.GetReleases(ctx, ListOptions{OnlyRemote: true,
		Filter: func(r models.Release) bool { return r.Version != "1.3.0" }})
	if err != nil {
		t.Fatal(err)
	}
	if got := versions(releases); got != "1.2.0/remote" {
		t.Errorf("filtered releases = %s", got)
	}

	if _, err := m.GetReleases(ctx, ListOptions{Version: ">=abc"}); !models.IsType(err, models.ErrInvalidConfig) {
		t.Errorf("expected InvalidConfig for bad range, got %v", err)
	}
}

func TestGetReleasesDropsCorruptCacheFiles(t *testing.T) {
	cache := newCache(t, "1.2.0")
	if err := os.WriteFile(filepath.Join(cache.Dir(), "broken.zip"), []byte("definitely not a zip"), 0644); err != nil {
		t.Fatal(err)
	}
	m := New(WithCache(cache), WithEngine(newEngine()))

	for _, sorted := range []bool{true, false} {
		releases, err := m.GetReleases(context.Background(), ListOptions{Sort: sorted})
		if err != nil {
			t.Fatal(err)
		}
		if got := versions(releases); got != "1.2.0/cache" {
			t.Errorf("sort=%v: releases = %s", sorted, got)
		}
	}

	releases, err := m.GetReleases(context.Background(), ListOptions{Sort: true, IncludeInvalid: true})
	if err != nil {
		t.Fatal(err)
	}
	if got := versions(releases); got != "1.2.0/cache,invalid" {
		t.Errorf("releases with invalid = %s", got)
	}
}

func TestGetReleasesDegradesFailingSource(t *testing.T) {
	remote := &staticRepo{err: models.NewError(models.ErrNetwork, "static", errors.New("connection refused"))}
	m := New(WithCache(newCache(t, "1.0.0")), WithRemote(remote), WithEngine(newEngine()))

	releases, err := m.GetReleases(context.Background(), ListOptions{Sort: true})
	if err != nil {
		t.Fatalf("expected failing remote to be ignored, got %v", err)
	}
	if got := versions(releases); got != "1.0.0/cache" {
		t.Errorf("releases = %s", got)
	}
}

func TestGetLatestPrefersCache(t *testing.T) {
	ctx := context.Background()
	remote := &staticRepo{releases: []models.Release{remoteRelease("http://example.invalid", "1.2.0")}}
	m := New(WithCache(newCache(t, "1.2.0", "1.1.0")), WithRemote(remote), WithEngine(newEngine()))

	latest, err := m.GetLatest(ctx, LatestOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if latest == nil || latest.Version != "1.2.0" || latest.Remote {
		t.Errorf("expected cached 1.2.0, got %+v", latest)
	}

	latest, err = m.GetLatest(ctx, LatestOptions{OnlyRemote: true})
	if err != nil {
		t.Fatal(err)
	}
	if latest == nil || !latest.Remote {
		t.Errorf("expected remote release, got %+v", latest)
	}

	latest, err = New(WithEngine(newEngine())).GetLatest(ctx, LatestOptions{})
	if err != nil || latest != nil {
		t.Errorf("expected no release without sources, got %+v, %v", latest, err)
	}
}

func TestCheckForUpdate(t *testing.T) {
	ctx := context.Background()
	remote := &staticRepo{releases: []models.Release{
		remoteRelease("http://example.invalid", "1.3.0"),
		remoteRelease("http://example.invalid", "2.0.0"),
	}}
	m := New(WithCache(newCache(t, "1.2.0")), WithRemote(remote), WithEngine(newEngine()))

	info, err := m.CheckForUpdate(ctx, "1.2.0", LatestOptions{Version: "<2"})
	if err != nil {
		t.Fatal(err)
	}
	if !info.Available || info.Source != "static" || info.Latest.Version != "1.3.0" {
		t.Errorf("expected update to 1.3.0, got %+v", info)
	}

	info, err = m.CheckForUpdate(ctx, "v1.3.0", LatestOptions{Version: "<2"})
	if err != nil {
		t.Fatal(err)
	}
	if info.Available {
		t.Errorf("expected no update when running latest in range, got %+v", info)
	}

	info, err = m.CheckForUpdate(ctx, "v1.3.0", LatestOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !info.Available || info.Latest.Version != "2.0.0" {
		t.Errorf("expected update to 2.0.0 without a range, got %+v", info)
	}

	if _, err := m.CheckForUpdate(ctx, "1.0.0", LatestOptions{Version: ">=abc"}); !models.IsType(err, models.ErrInvalidConfig) {
		t.Errorf("expected InvalidConfig for bad range, got %v", err)
	}

	cacheOnly := New(WithCache(newCache(t, "2.0.0")), WithEngine(newEngine()))
	info, err = cacheOnly.CheckForUpdate(ctx, "1.0.0", LatestOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if info.Available || info.Source != "cache" {
		t.Errorf("cached release is not an available update: %+v", info)
	}
}

func TestDownload(t *testing.T) {
	ctx := context.Background()
	data := packageBytes(t, packageFiles("1.3.0"))
	srv, gets := fileServer(t, map[string][]byte{"app-1.3.0.zip": data})
	cache := newCache(t)

	var events []EventType
	m := New(WithCache(cache), WithEngine(newEngine()), WithEventHandler(func(e Event) {
		events = append(events, e.Type)
	}))

	release := remoteRelease(srv.URL, "1.3.0")
	release.Checksums = &models.Checksums{MD5: verify.MD5(data)}

	var percents []int
	downloaded, err := m.Download(ctx, release, DownloadOptions{
		WriteToCache: true,
		OnProgress:   func(p int) { percents = append(percents, p) },
	})
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if downloaded.Location != models.LocationMemory || downloaded.Remote || !bytes.Equal(downloaded.Data, data) {
		t.Errorf("unexpected downloaded release %+v", downloaded)
	}
	if downloaded.Verification == nil || downloaded.Verification.IsValid {
		t.Errorf("unsigned package should not verify: %+v", downloaded.Verification)
	}
	if len(percents) == 0 || percents[len(percents)-1] != 100 {
		t.Errorf("expected progress to reach 100, got %v", percents)
	}
	for i := 1; i < len(percents); i++ {
		if percents[i] <= percents[i-1] {
			t.Errorf("progress not increasing: %v", percents)
		}
	}
	if len(events) == 0 || events[len(events)-1] != EventDownloaded {
		t.Errorf("expected downloaded event last, got %v", events)
	}

	cached, err := cache.GetReleases(ctx, repository.Options{})
	if err != nil || len(cached) != 1 || cached[0].Version != "1.3.0" {
		t.Fatalf("expected stored release in cache, got %+v, %v", cached, err)
	}

	// A second download reuses the cached copy.
	if _, err := m.Download(ctx, release, DownloadOptions{}); err != nil {
		t.Fatal(err)
	}
	if n := atomic.LoadInt32(gets); n != 1 {
		t.Errorf("expected one GET, got %d", n)
	}
}

func TestDownloadChecksumMismatch(t *testing.T) {
	data := packageBytes(t, packageFiles("1.3.0"))
	srv, _ := fileServer(t, map[string][]byte{"app-1.3.0.zip": data})
	m := New(WithEngine(newEngine()))

	release := remoteRelease(srv.URL, "1.3.0")
	release.Checksums = &models.Checksums{MD5: "00000000000000000000000000000000"}

	_, err := m.Download(context.Background(), release, DownloadOptions{})
	if !errors.Is(err, verify.ErrChecksumMismatch) || !models.IsType(err, models.ErrVerification) {
		t.Errorf("expected checksum verification error, got %v", err)
	}
}

func newSigner(t *testing.T, name string) *signer.GPGSigner {
	t.Helper()
	entity, err := openpgp.NewEntity(name, "", name+"@example.com", &packet.Config{Algorithm: packet.PubKeyAlgoEdDSA})
	if err != nil {
		t.Fatal(err)
	}
	s, err := signer.NewGPGSignerFromEntity(entity)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestDownloadRequireTrusted(t *testing.T) {
	ctx := context.Background()
	alice := newSigner(t, "alice")

	signedFiles, err := verify.SignFiles(packageFiles("1.3.0"), alice)
	if err != nil {
		t.Fatal(err)
	}
	signed := packageBytes(t, signedFiles)
	unsigned := packageBytes(t, packageFiles("1.2.0"))
	srv, _ := fileServer(t, map[string][]byte{"app-1.3.0.zip": signed, "app-1.2.0.zip": unsigned})

	m := New(WithEngine(newEngine()), WithTrustedKeys(openpgp.EntityList{alice.Entity()}))

	downloaded, err := m.Download(ctx, remoteRelease(srv.URL, "1.3.0"), DownloadOptions{RequireTrusted: true})
	if err != nil {
		t.Fatalf("expected trusted package to download, got %v", err)
	}
	if !downloaded.Verification.IsValid || !downloaded.Verification.IsTrusted {
		t.Errorf("unexpected verification %+v", downloaded.Verification)
	}

	_, err = m.Download(ctx, remoteRelease(srv.URL, "1.2.0"), DownloadOptions{RequireTrusted: true})
	if !errors.Is(err, ErrUntrusted) {
		t.Errorf("expected ErrUntrusted, got %v", err)
	}

	untrusting := New(WithEngine(newEngine()))
	_, err = untrusting.Download(ctx, remoteRelease(srv.URL, "1.3.0"), DownloadOptions{RequireTrusted: true})
	if !errors.Is(err, ErrUntrusted) {
		t.Errorf("expected ErrUntrusted for unknown key, got %v", err)
	}
}

func TestDownloadDetachedSignature(t *testing.T) {
	ctx := context.Background()
	alice := newSigner(t, "alice")
	data := packageBytes(t, packageFiles("1.3.0"))
	sig, err := alice.SignDetached(data)
	if err != nil {
		t.Fatal(err)
	}
	pub, err := alice.GetPublicKey()
	if err != nil {
		t.Fatal(err)
	}
	badSig, err := newSigner(t, "mallory").SignDetached(data)
	if err != nil {
		t.Fatal(err)
	}
	srv, _ := fileServer(t, map[string][]byte{
		"app-1.3.0.zip":     data,
		"app-1.3.0.zip.asc": sig,
		"bad.asc":           badSig,
	})
	cache := newCache(t)
	m := New(WithCache(cache), WithEngine(newEngine()))

	release := remoteRelease(srv.URL, "1.3.0")
	release.Signature = srv.URL + "/app-1.3.0.zip.asc"
	if _, err := m.Download(ctx, release, DownloadOptions{PublicKey: pub, WriteToCache: true}); err != nil {
		t.Fatalf("expected valid detached signature, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(cache.Dir(), "app-1.3.0.zip.asc")); err != nil {
		t.Errorf("expected signature sidecar in cache: %v", err)
	}

	release.Signature = srv.URL + "/bad.asc"
	_, err = New(WithEngine(newEngine())).Download(ctx, release, DownloadOptions{PublicKey: pub})
	if !models.IsType(err, models.ErrVerification) {
		t.Errorf("expected verification error, got %v", err)
	}

	release.Signature = ""
	_, err = New(WithEngine(newEngine())).Download(ctx, release, DownloadOptions{PublicKey: pub})
	if !models.IsType(err, models.ErrVerification) {
		t.Errorf("expected verification error without signature, got %v", err)
	}
}

func TestDownloadInvalidRelease(t *testing.T) {
	_, err := New().Download(context.Background(), models.NewInvalidRelease("app", "broken"), DownloadOptions{})
	if !models.IsType(err, models.ErrInvalidConfig) {
		t.Errorf("expected InvalidConfig, got %v", err)
	}
}

func TestLoad(t *testing.T) {
	ctx := context.Background()
	data := packageBytes(t, packageFiles("1.3.0"))
	srv, _ := fileServer(t, map[string][]byte{"app-1.3.0.zip": data})
	cache := newCache(t, "1.2.0")
	reg := registry.New()
	defer reg.Close()

	m := New(WithCache(cache), WithEngine(newEngine()), WithRegistry(reg))

	id, address, err := m.Load(ctx, remoteRelease(srv.URL, "1.3.0"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if address != registry.Address(id, "") || id != registry.Fingerprint("app", "1.3.0") {
		t.Errorf("unexpected id %s address %s", id, address)
	}
	content, err := reg.EntryContent(ctx, id, "index.html")
	if err != nil || string(content) != "<html>1.3.0</html>" {
		t.Errorf("EntryContent = %q, %v", content, err)
	}

	latest, err := m.GetLatest(ctx, LatestOptions{OnlyCache: true})
	if err != nil || latest == nil {
		t.Fatalf("GetLatest failed: %v", err)
	}
	if _, _, err := m.Load(ctx, *latest); err != nil {
		t.Fatalf("loading cached release failed: %v", err)
	}
	if reg.Len() != 1 {
		t.Errorf("expected same release to replace module, got %d modules", reg.Len())
	}

	if _, _, err := New().Load(ctx, *latest); !models.IsType(err, models.ErrInvalidConfig) {
		t.Errorf("expected InvalidConfig without registry, got %v", err)
	}
}

func TestClearCache(t *testing.T) {
	ctx := context.Background()
	cache := newCache(t, "1.0.0", "1.1.0")
	m := New(WithCache(cache), WithEngine(newEngine()))

	if err := m.ClearCache(ctx); err != nil {
		t.Fatal(err)
	}
	releases, err := m.GetReleases(ctx, ListOptions{OnlyCache: true})
	if err != nil || len(releases) != 0 {
		t.Errorf("expected empty cache, got %d releases, %v", len(releases), err)
	}
	if err := New().ClearCache(ctx); err != nil {
		t.Errorf("ClearCache without cache: %v", err)
	}
}
