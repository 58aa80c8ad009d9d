package verify

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/ProtonMail/go-crypto/openpgp"
	pgperrors "github.com/ProtonMail/go-crypto/openpgp/errors"
	"github.com/sirupsen/logrus"

	"github.com/ralt/updatekit/internal/models"
)

var armoredSignaturePrefix = []byte("-----BEGIN PGP SIGNATURE-----")

// ReadKeyRing parses armored or binary OpenPGP public keys.
func ReadKeyRing(data []byte) (openpgp.EntityList, error) {
	keyring, err := openpgp.ReadArmoredKeyRing(bytes.NewReader(data))
	if err != nil {
		// Try as binary key
		keyring, err = openpgp.ReadKeyRing(bytes.NewReader(data))
		if err != nil {
			return nil, models.NewError(models.ErrVerification, "", fmt.Errorf("failed to read key: %w", err))
		}
	}
	if len(keyring) == 0 {
		return nil, models.NewError(models.ErrVerification, "", fmt.Errorf("no keys found"))
	}
	return keyring, nil
}

// ReadKeyRingFile parses the OpenPGP public keys stored at path.
func ReadKeyRingFile(path string) (openpgp.EntityList, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, models.NewError(models.ErrFileOp, path, err)
	}
	keyring, err := ReadKeyRing(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return keyring, nil
}

// VerifyDetachedSignature checks an armored or binary detached signature
// over content against publicKey. A well formed signature that does not
// verify returns false; malformed keys or signatures return an error.
func VerifyDetachedSignature(content, publicKey, signature []byte) (bool, error) {
	keyring, err := ReadKeyRing(publicKey)
	if err != nil {
		return false, err
	}

	signer, err := checkSignature(keyring, content, signature)
	switch {
	case err == nil:
		logrus.Debugf("Signature verified, signed by %s", describeSigner(signer))
		return true, nil
	case isMismatch(err):
		logrus.Debugf("Signature does not verify: %v", err)
		return false, nil
	default:
		return false, models.NewError(models.ErrVerification, "", fmt.Errorf("invalid signature: %w", err))
	}
}

func checkSignature(keyring openpgp.EntityList, content, signature []byte) (*openpgp.Entity, error) {
	if len(bytes.TrimSpace(signature)) == 0 {
		return nil, fmt.Errorf("empty signature")
	}
	if bytes.HasPrefix(bytes.TrimSpace(signature), armoredSignaturePrefix) {
		return openpgp.CheckArmoredDetachedSignature(keyring, bytes.NewReader(content), bytes.NewReader(signature), nil)
	}
	return openpgp.CheckDetachedSignature(keyring, bytes.NewReader(content), bytes.NewReader(signature), nil)
}

// isMismatch reports whether err means "parsed fine, did not verify".
func isMismatch(err error) bool {
	if errors.Is(err, pgperrors.ErrUnknownIssuer) {
		return true
	}
	var sigErr pgperrors.SignatureError
	return errors.As(err, &sigErr)
}

func describeSigner(e *openpgp.Entity) string {
	if e == nil {
		return "unknown"
	}
	fingerprint := fmt.Sprintf("%X", e.PrimaryKey.Fingerprint)
	for name := range e.Identities {
		return fmt.Sprintf("%s (%s)", name, fingerprint)
	}
	return fingerprint
}
