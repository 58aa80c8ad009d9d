package repository

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ralt/updatekit/internal/archive"
	"github.com/ralt/updatekit/internal/models"
	"github.com/ralt/updatekit/internal/resolver"
	"github.com/ralt/updatekit/internal/verify"
)

// maxListingPages bounds NextMarker pagination.
const maxListingPages = 100

// enumerationResults is the XML wire format of a container listing.
type enumerationResults struct {
	XMLName    xml.Name `xml:"EnumerationResults"`
	Blobs      []blob   `xml:"Blobs>Blob"`
	NextMarker string   `xml:"NextMarker"`
}

type blob struct {
	Name       string         `xml:"Name"`
	Properties blobProperties `xml:"Properties"`
}

type blobProperties struct {
	LastModified  string `xml:"Last-Modified"`
	Etag          string `xml:"Etag"`
	ContentLength string `xml:"Content-Length"`
	ContentType   string `xml:"Content-Type"`
	ContentMD5    string `xml:"Content-MD5"`
}

// BlobStore lists releases stored as blobs in a storage container.
type BlobStore struct {
	*settings
	listURL *url.URL
	baseURL string
}

// NewBlobStore creates a repository for a container URL such as
// https://account.blob.core.windows.net/releases. The listing query is
// added when missing; other query parameters (e.g. a SAS token) are kept
// for the listing only.
func NewBlobStore(containerURL string, opts ...ClientOption) (*BlobStore, error) {
	u, err := url.Parse(strings.TrimSpace(containerURL))
	if err != nil || u.Host == "" {
		return nil, models.NewError(models.ErrInvalidConfig, containerURL, fmt.Errorf("invalid container URL"))
	}

	q := u.Query()
	q.Set("restype", "container")
	q.Set("comp", "list")
	u.RawQuery = q.Encode()

	base := *u
	base.RawQuery = ""
	base.Fragment = ""

	return &BlobStore{
		settings: newSettings(opts),
		listURL:  u,
		baseURL:  strings.TrimRight(base.String(), "/"),
	}, nil
}

func (b *BlobStore) Name() string {
	return "blob:" + b.baseURL
}

// GetReleases lists the container. A blob "<name>.asc" becomes the
// signature of blob "<name>".
func (b *BlobStore) GetReleases(ctx context.Context, opts Options) ([]models.Release, error) {
	blobs, err := b.list(ctx, opts.Prefix)
	if err != nil {
		return nil, err
	}

	names := make(map[string]bool, len(blobs))
	for _, bl := range blobs {
		names[bl.Name] = true
	}

	var releases []models.Release
	for _, bl := range blobs {
		if strings.HasSuffix(bl.Name, ".asc") || !archive.HasSupportedExtension(bl.Name) {
			continue
		}
		r := b.toRelease(bl)
		if names[bl.Name+".asc"] {
			r.Signature = b.blobURL(bl.Name + ".asc")
		}
		if b.mapper != nil {
			r = b.mapper(r)
		}
		if r.IsValid() && r.Channel == "" {
			r.Channel = resolver.ChannelOf(r.Version)
		}
		releases = append(releases, r)
	}
	logrus.Debugf("%s: %d releases from %d blobs", b.Name(), len(releases), len(blobs))

	return Finalize(releases, opts)
}

func (b *BlobStore) GetLatest(ctx context.Context, opts Options) (*models.Release, error) {
	releases, err := b.GetReleases(ctx, opts)
	if err != nil {
		return nil, err
	}
	return latestOf(releases, opts)
}

func (b *BlobStore) list(ctx context.Context, prefix string) ([]blob, error) {
	var (
		all    []blob
		marker string
	)
	for page := 0; page < maxListingPages; page++ {
		u := *b.listURL
		q := u.Query()
		if prefix != "" {
			q.Set("prefix", prefix)
		}
		if marker != "" {
			q.Set("marker", marker)
		}
		u.RawQuery = q.Encode()

		data, err := b.engine.Fetch(ctx, u.String(), nil)
		if err != nil {
			return nil, fmt.Errorf("listing %s: %w", b.baseURL, err)
		}

		var result enumerationResults
		if err := xml.Unmarshal(data, &result); err != nil {
			return nil, models.NewError(models.ErrParse, b.Name(), fmt.Errorf("decoding listing: %w", err))
		}
		all = append(all, result.Blobs...)

		marker = strings.TrimSpace(result.NextMarker)
		if marker == "" {
			return all, nil
		}
	}
	logrus.Warnf("%s: listing truncated after %d pages", b.Name(), maxListingPages)
	return all, nil
}

func (b *BlobStore) toRelease(bl blob) models.Release {
	base := path.Base(bl.Name)
	version := ExtractVersion(archive.TrimExtension(base))
	if version == "" {
		return models.NewInvalidRelease(bl.Name, "no version in file name: "+bl.Name)
	}

	size, _ := strconv.ParseInt(strings.TrimSpace(bl.Properties.ContentLength), 10, 64)
	published, _ := time.Parse(http.TimeFormat, bl.Properties.LastModified)
	platform, arch := ParsePlatform(base)

	r := models.Release{
		Name:           bl.Name,
		Version:        version,
		DisplayVersion: version,
		Tag:            version,
		PublishedDate:  published,
		Platform:       platform,
		Arch:           arch,
		FileName:       base,
		Size:           size,
		Location:       b.blobURL(bl.Name),
		Remote:         true,
		Repository:     b.Name(),
	}
	if md5 := strings.TrimSpace(bl.Properties.ContentMD5); md5 != "" {
		if sum, err := verify.Base64ToHex(md5); err == nil {
			r.Checksums = &models.Checksums{MD5: sum}
		} else {
			logrus.Debugf("%s: ignoring Content-MD5 of %s: %v", b.Name(), bl.Name, err)
		}
	}
	return r
}

func (b *BlobStore) blobURL(name string) string {
	return b.baseURL + "/" + (&url.URL{Path: name}).EscapedPath()
}
