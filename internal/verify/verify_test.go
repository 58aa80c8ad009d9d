package verify

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/packet"

	"github.com/ralt/updatekit/internal/archive"
	"github.com/ralt/updatekit/internal/models"
	"github.com/ralt/updatekit/internal/signer"
)

func newTestSigner(t *testing.T, name string) *signer.GPGSigner {
	t.Helper()
	entity, err := openpgp.NewEntity(name, "", name+"@example.com", &packet.Config{Algorithm: packet.PubKeyAlgoEdDSA})
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	s, err := signer.NewGPGSignerFromEntity(entity)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func publicKey(t *testing.T, s signer.Signer) []byte {
	t.Helper()
	pub, err := s.GetPublicKey()
	if err != nil {
		t.Fatal(err)
	}
	return pub
}

func TestMD5(t *testing.T) {
	if got := MD5([]byte("hello")); got != "5d41402abc4b2a76b9719d911017c592" {
		t.Errorf("MD5 = %s", got)
	}
}

func TestBase64ToHex(t *testing.T) {
	got, err := Base64ToHex("XUFAKrxLKna5cZ2REBfFkg==")
	if err != nil {
		t.Fatal(err)
	}
	if got != "5d41402abc4b2a76b9719d911017c592" {
		t.Errorf("Base64ToHex = %s", got)
	}
	if _, err := Base64ToHex("%%%"); err == nil {
		t.Error("expected error for invalid base64")
	}
}

func TestVerifyChecksums(t *testing.T) {
	data := []byte("hello")
	if err := VerifyChecksums(data, Checksums(data)); err != nil {
		t.Errorf("expected matching checksums, got %v", err)
	}
	if err := VerifyChecksums(data, nil); err != nil {
		t.Errorf("expected nil checksums to pass, got %v", err)
	}

	err := VerifyChecksums(data, &models.Checksums{MD5: "00000000000000000000000000000000"})
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("expected ErrChecksumMismatch, got %v", err)
	}
	var ce *ChecksumError
	if !errors.As(err, &ce) || ce.Algorithm != "md5" {
		t.Errorf("expected md5 ChecksumError, got %v", err)
	}
}

func TestFileChecksums(t *testing.T) {
	p := filepath.Join(t.TempDir(), "file.bin")
	if err := os.WriteFile(p, []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}
	sums, size, err := FileChecksums(p)
	if err != nil {
		t.Fatal(err)
	}
	if size != 5 || sums.MD5 != "5d41402abc4b2a76b9719d911017c592" {
		t.Errorf("unexpected checksums %+v size %d", sums, size)
	}
}

func TestVerifyDetachedSignature(t *testing.T) {
	s := newTestSigner(t, "alice")
	other := newTestSigner(t, "mallory")
	content := []byte("app-1.2.3.zip content")

	sig, err := s.SignDetached(content)
	if err != nil {
		t.Fatal(err)
	}

	ok, err := VerifyDetachedSignature(content, publicKey(t, s), sig)
	if err != nil || !ok {
		t.Errorf("expected valid signature, got %v, %v", ok, err)
	}

	ok, err = VerifyDetachedSignature([]byte("tampered"), publicKey(t, s), sig)
	if err != nil || ok {
		t.Errorf("expected tampered content to fail without error, got %v, %v", ok, err)
	}

	ok, err = VerifyDetachedSignature(content, publicKey(t, other), sig)
	if err != nil || ok {
		t.Errorf("expected unknown signer to fail without error, got %v, %v", ok, err)
	}

	_, err = VerifyDetachedSignature(content, []byte("not a key"), sig)
	if !models.IsType(err, models.ErrVerification) {
		t.Errorf("expected Verification error for bad key, got %v", err)
	}

	_, err = VerifyDetachedSignature(content, publicKey(t, s), []byte("-----BEGIN PGP SIGNATURE-----\n\ngarbage\n"))
	if !models.IsType(err, models.ErrVerification) {
		t.Errorf("expected Verification error for bad signature, got %v", err)
	}
}

var packageFiles = []archive.File{
	{Path: "index.html", Data: []byte("<html></html>")},
	{Path: "js/app.js", Data: []byte("run()")},
	{Path: "metadata.json", Data: []byte(`{"name":"app","version":"1.0.0"}`)},
}

func openSigned(t *testing.T, name string, files []archive.File, s signer.Signer) archive.Package {
	t.Helper()
	if s != nil {
		var err error
		files, err = SignFiles(files, s)
		if err != nil {
			t.Fatalf("SignFiles failed: %v", err)
		}
	}
	var buf bytes.Buffer
	if err := archive.Write(&buf, archive.KindFromName(name), files); err != nil {
		t.Fatal(err)
	}
	pkg, err := archive.Open(name, buf.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	return pkg
}

func TestPackageSignature(t *testing.T) {
	ctx := context.Background()
	s := newTestSigner(t, "alice")
	trusted := openpgp.EntityList{s.Entity()}

	for _, name := range []string{"app.zip", "app.tar.gz"} {
		t.Run(name, func(t *testing.T) {
			pkg := openSigned(t, name, packageFiles, s)
			defer pkg.Close()

			signed, err := IsSigned(ctx, pkg)
			if err != nil || !signed {
				t.Fatalf("expected signed package, got %v, %v", signed, err)
			}

			result, err := Verify(ctx, pkg, trusted)
			if err != nil {
				t.Fatalf("Verify failed: %v", err)
			}
			if !result.IsValid || !result.IsTrusted {
				t.Errorf("expected valid trusted result, got %+v", result)
			}
			if len(result.Signers) != 1 {
				t.Errorf("expected one signer, got %v", result.Signers)
			}

			result, err = Verify(ctx, pkg, nil)
			if err != nil {
				t.Fatalf("Verify failed: %v", err)
			}
			if !result.IsValid || result.IsTrusted {
				t.Errorf("expected valid untrusted result, got %+v", result)
			}
		})
	}
}

func TestPackageSignatureUncleanPaths(t *testing.T) {
	ctx := context.Background()
	s := newTestSigner(t, "alice")
	files := []archive.File{
		{Path: "/index.html", Data: []byte("<html></html>")},
		{Path: "js//app.js", Data: []byte("run()")},
		{Path: `assets\logo.svg`, Data: []byte("<svg/>")},
		{Path: "./metadata.json", Data: []byte(`{"name":"app","version":"1.0.0"}`)},
	}

	pkg := openSigned(t, "app.zip", files, s)
	defer pkg.Close()

	result, err := Verify(ctx, pkg, openpgp.EntityList{s.Entity()})
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !result.IsValid || !result.IsTrusted {
		t.Errorf("expected paths to be normalised before signing, got %+v", result)
	}
}

func TestPackageSignatureTampered(t *testing.T) {
	ctx := context.Background()
	s := newTestSigner(t, "alice")

	signedFiles, err := SignFiles(packageFiles, s)
	if err != nil {
		t.Fatal(err)
	}
	for i := range signedFiles {
		if signedFiles[i].Path == "js/app.js" {
			signedFiles[i].Data = []byte("steal()")
		}
	}
	pkg := openSigned(t, "app.zip", signedFiles, nil)

	result, err := Verify(ctx, pkg, openpgp.EntityList{s.Entity()})
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if result.IsValid || result.IsTrusted {
		t.Errorf("expected invalid result, got %+v", result)
	}
}

func TestUnsignedPackage(t *testing.T) {
	ctx := context.Background()
	pkg := openSigned(t, "app.tar.gz", packageFiles, nil)

	signed, err := IsSigned(ctx, pkg)
	if err != nil || signed {
		t.Fatalf("expected unsigned package, got %v, %v", signed, err)
	}
	result, err := Verify(ctx, pkg, nil)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if result.IsValid || result.IsTrusted || result.Signers != nil {
		t.Errorf("expected zero result, got %+v", result)
	}
}

func TestManifestIgnoresMetaDir(t *testing.T) {
	ctx := context.Background()
	plain := openSigned(t, "app.zip", packageFiles, nil)
	withMeta := openSigned(t, "app.zip", append([]archive.File{{Path: "_META_/notes.txt", Data: []byte("x")}}, packageFiles...), nil)

	a, err := Manifest(ctx, plain)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Manifest(ctx, withMeta)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Errorf("manifests differ:\n%s\n%s", a, b)
	}
	if bytes.Count(a, []byte("\n")) != len(packageFiles) {
		t.Errorf("unexpected manifest:\n%s", a)
	}
}
