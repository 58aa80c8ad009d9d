package models

import "time"

// LocationMemory marks a release whose bytes have been downloaded into Data.
const LocationMemory = "memory"

// Checksums holds the digests known for a release file, hex encoded.
type Checksums struct {
	MD5    string `json:"md5,omitempty"`
	SHA1   string `json:"sha1,omitempty"`
	SHA256 string `json:"sha256,omitempty"`
	SHA512 string `json:"sha512,omitempty"`
}

// IsZero reports whether no digest is set.
func (c *Checksums) IsZero() bool {
	return c == nil || (c.MD5 == "" && c.SHA1 == "" && c.SHA256 == "" && c.SHA512 == "")
}

// VerificationResult is the outcome of checking a package signature.
type VerificationResult struct {
	IsValid   bool     `json:"isValid"`
	IsTrusted bool     `json:"isTrusted"`
	Signers   []string `json:"signers,omitempty"`
}

// Release represents one discoverable, versioned, downloadable package.
//
// A release that failed to parse carries a non-empty Error and no usable
// version. Such records sort last and are dropped from selection.
type Release struct {
	// Identity
	Name           string    `json:"name"`
	Version        string    `json:"version,omitempty"`
	DisplayVersion string    `json:"displayVersion,omitempty"`
	DisplayName    string    `json:"displayName,omitempty"`
	Channel        string    `json:"channel,omitempty"`
	Tag            string    `json:"tag,omitempty"`
	Commit         string    `json:"commit,omitempty"`
	PublishedDate  time.Time `json:"publishedDate,omitempty"`
	IsPrerelease   bool      `json:"isPrerelease,omitempty"`
	Platform       string    `json:"platform,omitempty"`
	Arch           string    `json:"arch,omitempty"`

	// File information
	FileName  string     `json:"fileName,omitempty"`
	Size      int64      `json:"size,omitempty"`
	Location  string     `json:"location,omitempty"`
	Signature string     `json:"signature,omitempty"`
	Checksums *Checksums `json:"checksums,omitempty"`
	Metadata  *Metadata  `json:"metadata,omitempty"`

	// Origin
	Remote               bool   `json:"remote"`
	Repository           string `json:"repository,omitempty"`
	ExtractedPackagePath string `json:"extractedPackagePath,omitempty"`

	// Set once the release has been downloaded and checked.
	Data         []byte              `json:"-"`
	Verification *VerificationResult `json:"verificationResult,omitempty"`

	Error string `json:"error,omitempty"`
}

// NewInvalidRelease returns a release that records why a candidate could
// not be parsed.
func NewInvalidRelease(name, reason string) Release {
	return Release{Name: name, Error: reason}
}

// IsValid reports whether the release parsed successfully.
func (r Release) IsValid() bool {
	return r.Error == "" && r.Version != ""
}

// WithMetadata returns a copy of r with metadata applied. Fields already
// present on r take precedence except for checksums, which metadata fills.
func (r Release) WithMetadata(m *Metadata) Release {
	if m == nil {
		return r
	}
	r.Metadata = m
	if r.Name == "" {
		r.Name = m.Name
	}
	if r.Version == "" {
		r.Version = m.Version
	}
	if r.DisplayVersion == "" {
		r.DisplayVersion = m.Version
	}
	if r.Channel == "" {
		r.Channel = m.Channel
	}
	if r.DisplayName == "" {
		r.DisplayName = m.DisplayName
	}
	if r.Signature == "" {
		r.Signature = m.Signature
	}
	if sums := m.Checksums(); !sums.IsZero() {
		r.Checksums = sums
	}
	return r
}
