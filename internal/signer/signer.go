// Package signer produces detached OpenPGP signatures for packages and
// their manifests.
package signer

// Signer signs package content
type Signer interface {
	// SignDetached creates an armored detached signature over data
	SignDetached(data []byte) ([]byte, error)

	// GetPublicKey returns the armored public key
	GetPublicKey() ([]byte, error)

	// Fingerprint returns the upper-case hex fingerprint of the signing key
	Fingerprint() string
}
