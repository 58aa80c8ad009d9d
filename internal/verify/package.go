package verify

import (
	"bytes"
	"context"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/sirupsen/logrus"

	"github.com/ralt/updatekit/internal/archive"
	"github.com/ralt/updatekit/internal/models"
	"github.com/ralt/updatekit/internal/signer"
)

// Reserved entries carrying a package's signature. Everything below
// MetaDir is excluded from the signed manifest.
const (
	MetaDir        = "_META_/"
	SignatureEntry = MetaDir + "signature.asc"
	PublicKeyEntry = MetaDir + "publickey.asc"
)

type manifestLine struct {
	path string
	sum  string
}

func renderManifest(lines []manifestLine) []byte {
	sort.Slice(lines, func(i, j int) bool { return lines[i].path < lines[j].path })
	var buf bytes.Buffer
	for _, l := range lines {
		fmt.Fprintf(&buf, "%s  %s\n", l.sum, l.path)
	}
	return buf.Bytes()
}

// Manifest lists "<sha512>  <path>" for every file of pkg outside MetaDir,
// sorted by path. It is the content covered by a package signature.
func Manifest(ctx context.Context, pkg archive.Package) ([]byte, error) {
	var lines []manifestLine
	err := archive.Walk(ctx, pkg, func(entry archive.Entry, r io.Reader) error {
		if strings.HasPrefix(entry.RelativePath, MetaDir) {
			return nil
		}
		h := sha512.New()
		if _, err := io.Copy(h, r); err != nil {
			return models.NewError(models.ErrParse, pkg.Name(), fmt.Errorf("reading %s: %w", entry.RelativePath, err))
		}
		lines = append(lines, manifestLine{path: entry.RelativePath, sum: hex.EncodeToString(h.Sum(nil))})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return renderManifest(lines), nil
}

// IsSigned reports whether pkg carries a package signature.
func IsSigned(ctx context.Context, pkg archive.Package) (bool, error) {
	_, err := pkg.Entry(ctx, SignatureEntry)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, archive.ErrEntryNotFound):
		return false, nil
	default:
		return false, err
	}
}

// Verify checks the package signature of pkg. Keys shipped inside the
// package can make a signature valid; only keys in trusted make it
// trusted. Unsigned packages yield a zero result and no error.
func Verify(ctx context.Context, pkg archive.Package, trusted openpgp.EntityList) (models.VerificationResult, error) {
	sigEntry, err := pkg.Entry(ctx, SignatureEntry)
	if errors.Is(err, archive.ErrEntryNotFound) {
		logrus.Debugf("%s is not signed", pkg.Name())
		return models.VerificationResult{}, nil
	}
	if err != nil {
		return models.VerificationResult{}, err
	}
	sig, err := sigEntry.ReadContent()
	if err != nil {
		return models.VerificationResult{}, models.NewError(models.ErrVerification, pkg.Name(), err)
	}

	keyring := append(openpgp.EntityList{}, trusted...)
	keyEntry, err := pkg.Entry(ctx, PublicKeyEntry)
	switch {
	case err == nil:
		data, err := keyEntry.ReadContent()
		if err != nil {
			return models.VerificationResult{}, models.NewError(models.ErrVerification, pkg.Name(), err)
		}
		embedded, err := ReadKeyRing(data)
		if err != nil {
			return models.VerificationResult{}, fmt.Errorf("%s: %w", pkg.Name(), err)
		}
		keyring = append(keyring, embedded...)
	case !errors.Is(err, archive.ErrEntryNotFound):
		return models.VerificationResult{}, err
	}
	if len(keyring) == 0 {
		logrus.Warnf("%s is signed but no public key is available", pkg.Name())
		return models.VerificationResult{}, nil
	}

	manifest, err := Manifest(ctx, pkg)
	if err != nil {
		return models.VerificationResult{}, err
	}

	entity, err := checkSignature(keyring, manifest, sig)
	if err != nil {
		if isMismatch(err) {
			logrus.Warnf("Signature of %s does not verify: %v", pkg.Name(), err)
			return models.VerificationResult{}, nil
		}
		return models.VerificationResult{}, models.NewError(models.ErrVerification, pkg.Name(), fmt.Errorf("invalid signature: %w", err))
	}

	result := models.VerificationResult{
		IsValid:   true,
		IsTrusted: containsKey(trusted, entity),
		Signers:   []string{describeSigner(entity)},
	}
	logrus.Debugf("%s signed by %s (trusted: %v)", pkg.Name(), result.Signers[0], result.IsTrusted)
	return result, nil
}

func containsKey(keyring openpgp.EntityList, e *openpgp.Entity) bool {
	if e == nil {
		return false
	}
	for _, k := range keyring {
		if bytes.Equal(k.PrimaryKey.Fingerprint, e.PrimaryKey.Fingerprint) {
			return true
		}
	}
	return false
}

// SignFiles returns files plus the signature and public key entries that
// sign them. Existing MetaDir signature entries are replaced.
func SignFiles(files []archive.File, s signer.Signer) ([]archive.File, error) {
	var (
		out   []archive.File
		lines []manifestLine
	)
	for _, f := range files {
		rel := archive.CleanPath(f.Path)
		if rel == SignatureEntry || rel == PublicKeyEntry {
			continue
		}
		out = append(out, f)
		if strings.HasPrefix(rel, MetaDir) {
			continue
		}
		sum := sha512.Sum512(f.Data)
		lines = append(lines, manifestLine{path: rel, sum: hex.EncodeToString(sum[:])})
	}

	sig, err := s.SignDetached(renderManifest(lines))
	if err != nil {
		return nil, err
	}
	pub, err := s.GetPublicKey()
	if err != nil {
		return nil, fmt.Errorf("failed to export public key: %w", err)
	}

	logrus.Debugf("Signed %d files with key %s", len(lines), s.Fingerprint())
	return append(out,
		archive.File{Path: SignatureEntry, Data: sig},
		archive.File{Path: PublicKeyEntry, Data: pub},
	), nil
}
