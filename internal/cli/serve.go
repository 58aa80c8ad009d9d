package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ralt/updatekit/internal/registry"
	"github.com/ralt/updatekit/internal/updater"
)

func newServeCmd(a *app) *cobra.Command {
	var version string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Hot-load the newest release and serve its content over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			reg := registry.New(
				registry.WithCapacity(a.cfg.RegistryCapacity),
				registry.WithRequireSigned(a.cfg.RequireTrusted),
			)
			defer reg.Close()

			m, repoRange, err := a.manager(reg)
			if err != nil {
				return err
			}
			if version == "" {
				version = repoRange
			}

			latest, err := m.GetLatest(ctx, updater.LatestOptions{Version: version})
			if err != nil {
				return err
			}
			if latest == nil {
				return fmt.Errorf("no release found")
			}
			if latest.Remote {
				publicKey, err := a.publicKey()
				if err != nil {
					return err
				}
				downloaded, err := m.Download(ctx, *latest, updater.DownloadOptions{
					WriteToCache:   true,
					RequireTrusted: a.cfg.RequireTrusted,
					PublicKey:      publicKey,
				})
				if err != nil {
					return err
				}
				latest = &downloaded
			}

			id, address, err := m.Load(ctx, *latest)
			if err != nil {
				return err
			}

			return serveRegistry(ctx, a.cfg.ServeAddr, reg, func(base string) {
				logrus.Infof("Serving %s %s (%s) at %s/%s/", latest.Name, latest.Version, address, base, id)
			})
		},
	}

	cmd.Flags().StringVar(&version, "version", "", "Version range to serve")
	cmd.Flags().String("addr", "", "Listen address (default 127.0.0.1:8417)")
	cmd.Flags().Int("registry-capacity", 0, "Maximum number of loaded packages")
	return cmd
}

// serveRegistry serves reg on addr until ctx is done.
func serveRegistry(ctx context.Context, addr string, reg *registry.Registry, ready func(base string)) error {
	mux := http.NewServeMux()
	mux.Handle("/", reg.Handler())

	s := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.ListenAndServe() }()
	ready("http://" + addr)

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logrus.Info("Server stopped")
	return nil
}
