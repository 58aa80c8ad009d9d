package updater

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/ralt/updatekit/internal/archive"
	"github.com/ralt/updatekit/internal/models"
	"github.com/ralt/updatekit/internal/registry"
)

// Load opens release and registers it, downloading it first when it is
// remote. It returns the module id and the address of its index page.
func (m *Manager) Load(ctx context.Context, release models.Release) (string, string, error) {
	if m.registry == nil {
		return "", "", models.NewError(models.ErrInvalidConfig, "registry", fmt.Errorf("no module registry configured"))
	}

	if release.Remote {
		var err error
		if release, err = m.Download(ctx, release, DownloadOptions{WriteToCache: m.cache != nil}); err != nil {
			return "", "", err
		}
	}

	var (
		pkg archive.Package
		err error
	)
	if release.Data != nil {
		pkg, err = archive.Open(fileNameOf(release), release.Data)
	} else {
		// The registry owns its handle, so the cache's memoised one is
		// not shared.
		pkg, err = archive.OpenFile(release.Location)
	}
	if err != nil {
		return "", "", err
	}

	id, err := m.registry.Register(ctx, pkg, registry.Fingerprint(release.Name, release.Version))
	if err != nil {
		pkg.Close()
		return "", "", err
	}
	address := registry.Address(id, "")
	logrus.Infof("Loaded %s %s at %s", release.Name, release.Version, address)
	m.emit(Event{Type: EventLoaded, Release: release, Address: address})
	return id, address, nil
}
