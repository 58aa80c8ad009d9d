package cli

import (
	"fmt"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/sirupsen/logrus"

	"github.com/ralt/updatekit/internal/download"
	"github.com/ralt/updatekit/internal/models"
	"github.com/ralt/updatekit/internal/registry"
	"github.com/ralt/updatekit/internal/repository"
	"github.com/ralt/updatekit/internal/signer"
	"github.com/ralt/updatekit/internal/updater"
	"github.com/ralt/updatekit/internal/verify"
)

// app builds the components commands need from the loaded configuration.
type app struct {
	cfg models.Config
}

func (a *app) engine() *download.Engine {
	return download.New(
		download.WithUserAgent(a.cfg.UserAgent),
		download.WithMaxRedirects(a.cfg.MaxRedirects),
		download.WithMaxRetries(a.cfg.MaxRetries),
		download.WithParallel(a.cfg.Parallel),
		download.WithTimeout(a.cfg.Timeout),
		download.WithCircuitBreaker(a.cfg.CircuitBreaker),
	)
}

func (a *app) trustedKeys() (openpgp.EntityList, error) {
	if a.cfg.PublicKeyPath == "" {
		return nil, nil
	}
	return verify.ReadKeyRingFile(a.cfg.PublicKeyPath)
}

func (a *app) clientOptions(e *download.Engine, trusted openpgp.EntityList) []repository.ClientOption {
	return []repository.ClientOption{
		repository.WithEngine(e),
		repository.WithToken(a.cfg.GitHubToken),
		repository.WithUserAgent(a.cfg.UserAgent),
		repository.WithTrustedKeys(trusted),
	}
}

func (a *app) signer() (*signer.GPGSigner, error) {
	if a.cfg.GPGKeyPath == "" {
		return nil, models.NewError(models.ErrInvalidConfig, "gpg-key", fmt.Errorf("a signing key is required"))
	}
	s, err := signer.NewGPGSigner(a.cfg.GPGKeyPath, a.cfg.GPGPassphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize GPG signer: %w", err)
	}
	logrus.Infof("GPG signer initialized (%s)", s.Fingerprint())
	return s, nil
}

// manager wires cache, remote repository and registry into an updater.
// It returns the version range carried by a pkg: repository, if any.
func (a *app) manager(reg *registry.Registry, opts ...updater.Option) (*updater.Manager, string, error) {
	e := a.engine()
	trusted, err := a.trustedKeys()
	if err != nil {
		return nil, "", err
	}
	clientOpts := a.clientOptions(e, trusted)

	cache, err := repository.NewCache(a.cfg.CacheDir, clientOpts...)
	if err != nil {
		return nil, "", err
	}

	var (
		remote       repository.Repository
		versionRange string
	)
	switch {
	case a.cfg.Repository == "":
		logrus.Warn("No repository configured, only the cache is used")
	case strings.HasPrefix(a.cfg.Repository, "pkg:"):
		remote, versionRange, err = repository.FromPURL(a.cfg.Repository, clientOpts...)
	default:
		remote, err = repository.New(a.cfg.Repository, clientOpts...)
	}
	if err != nil {
		return nil, "", err
	}
	if remote != nil {
		remote = repository.WithPrefix(remote, a.cfg.Prefix)
	}

	opts = append([]updater.Option{
		updater.WithCache(cache),
		updater.WithEngine(e),
		updater.WithTrustedKeys(trusted),
		updater.WithEventHandler(logEvent),
	}, opts...)
	if remote != nil {
		opts = append(opts, updater.WithRemote(remote))
	}
	if reg != nil {
		opts = append(opts, updater.WithRegistry(reg))
	}
	return updater.New(opts...), versionRange, nil
}

func (a *app) publicKey() ([]byte, error) {
	if a.cfg.PublicKeyPath == "" {
		return nil, nil
	}
	return readFile(a.cfg.PublicKeyPath)
}

func logEvent(e updater.Event) {
	switch e.Type {
	case updater.EventProgress:
		if e.Percent%10 == 0 {
			logrus.Debugf("Downloading %s %s: %d%%", e.Release.Name, e.Release.Version, e.Percent)
		}
	default:
		logrus.Debugf("%s: %s %s", e.Type, e.Release.Name, e.Release.Version)
	}
}
