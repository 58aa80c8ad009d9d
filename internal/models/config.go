package models

import "time"

// Config contains the settings shared by all commands
type Config struct {
	// Sources
	Repository string // GitHub URL, blob container URL, local path or pkg: URL
	CacheDir   string
	Prefix     string // Only consider assets/blobs starting with this prefix

	// Download engine
	Parallel       int
	MaxRedirects   int
	MaxRetries     int
	Timeout        time.Duration
	CircuitBreaker bool
	UserAgent      string

	// GitHub
	GitHubToken string

	// Verification
	PublicKeyPath  string
	RequireTrusted bool

	// Signing (pack/sign commands)
	GPGKeyPath    string
	GPGPassphrase string

	// Hot loading
	RegistryCapacity int
	ServeAddr        string
}
