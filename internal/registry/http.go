package registry

import (
	"bytes"
	"errors"
	"net/http"
	"path"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/ralt/updatekit/internal/archive"
)

// Handler serves module entries at /{id}/{path}. Unknown modules answer
// 410 Gone, missing entries 404, and directories their index.html.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet && req.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}

		id, relPath, _ := strings.Cut(strings.TrimPrefix(req.URL.Path, "/"), "/")
		if id == "" {
			http.NotFound(w, req)
			return
		}
		if relPath == "" || strings.HasSuffix(relPath, "/") {
			relPath += "index.html"
		}

		var (
			entry   archive.Entry
			content []byte
		)
		err := r.View(id, func(m *Module) error {
			var err error
			entry, err = m.Package.Entry(req.Context(), relPath)
			if (err == nil && entry.IsDir()) || (errors.Is(err, archive.ErrEntryNotFound) && path.Ext(relPath) == "") {
				// Archives without directory records still serve dir/index.html.
				if index, indexErr := m.Package.Entry(req.Context(), path.Join(relPath, "index.html")); indexErr == nil {
					entry, err = index, nil
					relPath = index.RelativePath
				}
			}
			if err != nil {
				return err
			}
			content, err = entry.ReadContent()
			return err
		})
		switch {
		case errors.Is(err, ErrModuleNotFound):
			http.Error(w, "Module Gone", http.StatusGone)
			return
		case errors.Is(err, archive.ErrEntryNotFound):
			http.NotFound(w, req)
			return
		case err != nil:
			logrus.Errorf("Serving %s/%s: %v", id, relPath, err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		logrus.Debugf("Serving %s from module %s", relPath, id)
		// ServeContent sets Content-Type from the extension and handles
		// ranges and conditional requests.
		http.ServeContent(w, req, entry.Name, entry.ModTime, bytes.NewReader(content))
	})
}
