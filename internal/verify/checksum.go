package verify

import (
	"bytes"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ralt/updatekit/internal/models"
)

// ErrChecksumMismatch is wrapped by ChecksumError.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// ChecksumError reports which digest did not match.
type ChecksumError struct {
	Algorithm string
	Expected  string
	Actual    string
}

// Error implements the error interface
func (e *ChecksumError) Error() string {
	return fmt.Sprintf("%s checksum mismatch: expected %s, got %s", e.Algorithm, e.Expected, e.Actual)
}

// Unwrap returns ErrChecksumMismatch
func (e *ChecksumError) Unwrap() error {
	return ErrChecksumMismatch
}

// MD5 returns the hex encoded md5 digest of data.
func MD5(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// Base64ToHex converts a base64 digest, as found in Content-MD5 headers,
// to hex.
func Base64ToHex(s string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("invalid base64 digest: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// Checksums calculates all digests for data in a single pass
func Checksums(data []byte) *models.Checksums {
	sums, _ := checksumReader(bytes.NewReader(data))
	return sums
}

// FileChecksums calculates all digests for a file in a single pass
func FileChecksums(path string) (*models.Checksums, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, 0, err
	}

	sums, err := checksumReader(f)
	if err != nil {
		return nil, 0, err
	}
	return sums, info.Size(), nil
}

func checksumReader(r io.Reader) (*models.Checksums, error) {
	md5Hash := md5.New()
	sha1Hash := sha1.New()
	sha256Hash := sha256.New()
	sha512Hash := sha512.New()

	// Use MultiWriter to calculate all hashes at once
	multiWriter := io.MultiWriter(md5Hash, sha1Hash, sha256Hash, sha512Hash)
	if _, err := io.Copy(multiWriter, r); err != nil {
		return nil, err
	}

	return &models.Checksums{
		MD5:    hex.EncodeToString(md5Hash.Sum(nil)),
		SHA1:   hex.EncodeToString(sha1Hash.Sum(nil)),
		SHA256: hex.EncodeToString(sha256Hash.Sum(nil)),
		SHA512: hex.EncodeToString(sha512Hash.Sum(nil)),
	}, nil
}

// VerifyChecksums compares data against every digest set in expected.
// Unset digests are skipped.
func VerifyChecksums(data []byte, expected *models.Checksums) error {
	if expected.IsZero() {
		return nil
	}
	actual := Checksums(data)

	checks := []struct {
		algorithm, want, got string
	}{
		{"md5", expected.MD5, actual.MD5},
		{"sha1", expected.SHA1, actual.SHA1},
		{"sha256", expected.SHA256, actual.SHA256},
		{"sha512", expected.SHA512, actual.SHA512},
	}
	for _, c := range checks {
		if c.want == "" {
			continue
		}
		if !strings.EqualFold(c.want, c.got) {
			return &ChecksumError{Algorithm: c.algorithm, Expected: c.want, Actual: c.got}
		}
	}
	return nil
}
