// Package registry keeps opened packages in memory under stable ids so
// their entries can be served as if from a filesystem.
package registry

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ralt/updatekit/internal/archive"
	"github.com/ralt/updatekit/internal/verify"
)

// Scheme is the URL scheme of module addresses.
const Scheme = "package"

var (
	// ErrModuleNotFound is returned for ids that are not loaded.
	ErrModuleNotFound = errors.New("module not found")

	// ErrUnsigned is returned by Register when signed packages are
	// required and the package carries no signature.
	ErrUnsigned = errors.New("package is not signed")
)

// Module is a loaded package.
type Module struct {
	ID       string
	Package  archive.Package
	Signed   bool
	LoadedAt time.Time

	// Guarded by Registry.mu. A retired module is closed once its last
	// reader is done.
	readers int
	retired bool
}

// Registry maps module ids to opened packages. It owns the packages and
// closes them when they are replaced, unloaded or evicted. A module that
// is being read when it leaves the registry stays open until the read
// finishes.
type Registry struct {
	capacity      int
	requireSigned bool

	mu      sync.Mutex
	modules map[string]*list.Element
	lru     *list.List
}

// Option configures a Registry.
type Option func(*Registry)

// WithCapacity bounds the number of loaded modules; the least recently
// used module is evicted beyond it. Zero means unbounded.
func WithCapacity(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.capacity = n
		}
	}
}

// WithRequireSigned rejects packages without a signature.
func WithRequireSigned(required bool) Option {
	return func(r *Registry) {
		r.requireSigned = required
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		modules: make(map[string]*list.Element),
		lru:     list.New(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register stores pkg under fingerprint, or under a random id when
// fingerprint is empty, and returns the id. A module already registered
// under the same id is replaced and closed.
func (r *Registry) Register(ctx context.Context, pkg archive.Package, fingerprint string) (string, error) {
	if pkg == nil {
		return "", fmt.Errorf("cannot register a nil package")
	}

	id := fingerprint
	if id == "" {
		u, err := uuid.NewRandom()
		if err != nil {
			return "", fmt.Errorf("failed to generate module id: %w", err)
		}
		id = u.String()
	}
	if strings.Contains(id, "/") {
		return "", fmt.Errorf("module id %q must not contain '/'", id)
	}

	signed, err := verify.IsSigned(ctx, pkg)
	if err != nil {
		return "", fmt.Errorf("checking signature of %s: %w", pkg.Name(), err)
	}
	if signed {
		logrus.Infof("Loading signed package %s as %s", pkg.Name(), id)
	} else {
		if r.requireSigned {
			return "", fmt.Errorf("%s: %w", pkg.Name(), ErrUnsigned)
		}
		logrus.Warnf("Loading unsigned package %s as %s", pkg.Name(), id)
	}

	m := &Module{ID: id, Package: pkg, Signed: signed, LoadedAt: time.Now()}

	var closing []*Module
	r.mu.Lock()
	if el, ok := r.modules[id]; ok {
		old := el.Value.(*Module)
		if old.Package != pkg && retire(old, "replaced") {
			closing = append(closing, old)
		}
		el.Value = m
		r.lru.MoveToFront(el)
	} else {
		r.modules[id] = r.lru.PushFront(m)
		for r.capacity > 0 && r.lru.Len() > r.capacity {
			oldest := r.lru.Back()
			evicted := oldest.Value.(*Module)
			r.lru.Remove(oldest)
			delete(r.modules, evicted.ID)
			if retire(evicted, "evicted") {
				closing = append(closing, evicted)
			}
		}
	}
	r.mu.Unlock()

	for _, old := range closing {
		closeModule(old)
	}
	return id, nil
}

// retire marks m as removed from the registry and reports whether it can
// be closed now. Callers hold r.mu.
func retire(m *Module, reason string) bool {
	m.retired = true
	if m.readers > 0 {
		logrus.Debugf("Module %s %s, closing after %d readers", m.ID, reason, m.readers)
		return false
	}
	logrus.Debugf("Module %s %s", m.ID, reason)
	return true
}

func closeModule(m *Module) error {
	err := m.Package.Close()
	if err != nil {
		logrus.Warnf("Closing module %s: %v", m.ID, err)
	}
	return err
}

// Resolve returns the module registered under id. The module's package
// may be closed by a later Register or Unload; use View to read from it.
func (r *Registry) Resolve(id string) (*Module, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	el, ok := r.modules[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrModuleNotFound)
	}
	r.lru.MoveToFront(el)
	return el.Value.(*Module), nil
}

// View calls fn with the module registered under id. The module's package
// stays open until fn returns, even if the module is replaced, evicted or
// unloaded meanwhile.
func (r *Registry) View(id string, fn func(*Module) error) error {
	r.mu.Lock()
	el, ok := r.modules[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%s: %w", id, ErrModuleNotFound)
	}
	r.lru.MoveToFront(el)
	m := el.Value.(*Module)
	m.readers++
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		m.readers--
		done := m.retired && m.readers == 0
		r.mu.Unlock()
		if done {
			closeModule(m)
		}
	}()
	return fn(m)
}

// Entry returns an entry of a loaded module. Its content can only be read
// while the module is loaded; EntryContent reads it safely.
func (r *Registry) Entry(ctx context.Context, id, relPath string) (archive.Entry, error) {
	var entry archive.Entry
	err := r.View(id, func(m *Module) error {
		var err error
		entry, err = m.Package.Entry(ctx, relPath)
		return err
	})
	return entry, err
}

// EntryContent returns the content of an entry of a loaded module. It
// distinguishes ErrModuleNotFound from archive.ErrEntryNotFound.
func (r *Registry) EntryContent(ctx context.Context, id, relPath string) ([]byte, error) {
	var content []byte
	err := r.View(id, func(m *Module) error {
		entry, err := m.Package.Entry(ctx, relPath)
		if err != nil {
			return err
		}
		content, err = entry.ReadContent()
		return err
	})
	return content, err
}

// Unload removes the module registered under id and closes it once no
// reader uses it.
func (r *Registry) Unload(id string) error {
	r.mu.Lock()
	el, ok := r.modules[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%s: %w", id, ErrModuleNotFound)
	}
	r.lru.Remove(el)
	delete(r.modules, id)
	m := el.Value.(*Module)
	closeNow := retire(m, "unloaded")
	r.mu.Unlock()

	if closeNow {
		closeModule(m)
	}
	return nil
}

// Len returns the number of loaded modules.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lru.Len()
}

// IDs returns the loaded module ids, most recently used first.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, r.lru.Len())
	for el := r.lru.Front(); el != nil; el = el.Next() {
		ids = append(ids, el.Value.(*Module).ID)
	}
	return ids
}

// Close unloads every module. Modules still being read are closed when
// their readers finish.
func (r *Registry) Close() error {
	var closing []*Module
	r.mu.Lock()
	for el := r.lru.Front(); el != nil; el = el.Next() {
		if m := el.Value.(*Module); retire(m, "unloaded") {
			closing = append(closing, m)
		}
	}
	r.lru.Init()
	r.modules = make(map[string]*list.Element)
	r.mu.Unlock()

	var errs []error
	for _, m := range closing {
		errs = append(errs, closeModule(m))
	}
	return errors.Join(errs...)
}

// Fingerprint derives a stable module id from a release name and tag, so
// loading the same release again replaces the earlier module.
func Fingerprint(name, tag string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(Scheme+"://"+name+"@"+tag)).String()
}

// Address returns the virtual URL of relPath inside module id. An empty
// path addresses the module's index.html.
func Address(id, relPath string) string {
	relPath = strings.TrimLeft(relPath, "/")
	if relPath == "" {
		relPath = "index.html"
	}
	return fmt.Sprintf("%s://%s/%s", Scheme, id, relPath)
}

// ParseAddress splits a virtual URL into module id and entry path.
func ParseAddress(addr string) (id, relPath string, err error) {
	rest, ok := strings.CutPrefix(addr, Scheme+"://")
	if !ok {
		return "", "", fmt.Errorf("%q is not a %s address", addr, Scheme)
	}
	id, relPath, _ = strings.Cut(rest, "/")
	if id == "" {
		return "", "", fmt.Errorf("%q has no module id", addr)
	}
	if relPath == "" {
		relPath = "index.html"
	}
	return id, relPath, nil
}
