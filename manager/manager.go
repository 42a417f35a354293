// Package manager coordinates the stores of many definitions: stores are
// loaded on first use and can be unloaded when not in use, and access is
// checked against the permissions of roles.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/mjl-/bstore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mjl-/defstore/config"
	_ "github.com/mjl-/defstore/kv/boltkv"
	_ "github.com/mjl-/defstore/kv/levelkv"
	"github.com/mjl-/defstore/mlog"
	"github.com/mjl-/defstore/permission"
)

var (
	ErrPermissionDenied  = permission.ErrPermissionDenied
	ErrStoreInUse        = errors.New("manager: store in use")
	ErrUnknownDefinition = errors.New("manager: unknown definition")
	ErrParam             = errors.New("manager: bad parameters")
	ErrClosed            = errors.New("manager: closed")
	ErrVolatile          = errors.New("manager: store does not persist its data")
)

var (
	metricLoad = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "defstore_manager_load_total",
			Help: "Number of times a definition store was loaded.",
		},
		[]string{"definition"},
	)
	metricUnload = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "defstore_manager_unload_total",
			Help: "Number of times a definition store was unloaded.",
		},
		[]string{"definition"},
	)
	metricDenied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "defstore_manager_permission_denied_total",
			Help: "Number of denied transactions, by role and access.",
		},
		[]string{
			"role",
			"access", // read, write
		},
	)
	metricLoaded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "defstore_manager_loaded",
			Help: "Number of loaded definition stores.",
		},
	)
)

// Config is the configuration for a manager.
type Config struct {
	DataDir        string // Created if it does not exist.
	DefaultBackend string // If empty, bolt.
	Definitions    map[string]DefinitionConfig
	Roles          permission.Roles
}

// DefinitionConfig configures a single definition.
type DefinitionConfig struct {
	Backend string // If empty, the default backend. Stores of volatile backends, like memory, stay loaded until Close.
	Warm    bool   // Never unloaded by UnloadUnused.
}

// ConfigFromStatic returns a manager configuration for a parsed configuration
// file. All problems in the configuration are returned as a single error.
func ConfigFromStatic(c config.Static) (Config, error) {
	if errs := c.Check(); len(errs) > 0 {
		return Config{}, fmt.Errorf("%w: %w", ErrParam, errors.Join(errs...))
	}
	roles, err := c.RolePolicies()
	if err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrParam, err)
	}
	mc := Config{
		DataDir:        c.DataDir,
		DefaultBackend: c.DefaultBackend,
		Definitions:    map[string]DefinitionConfig{},
		Roles:          roles,
	}
	for name, d := range c.Definitions {
		mc.Definitions[name] = DefinitionConfig{d.Backend, d.Warm}
	}
	return mc, nil
}

// Manager holds the links to the stores of all configured definitions.
type Manager struct {
	log     mlog.Log
	root    string
	roles   permission.Roles
	catalog *bstore.DB

	sync.Mutex // For fields below.
	links      map[string]*Link
	warm       map[string]bool
	accessed   map[string]bool // Definitions accessed by the last finished context.
	closed     bool
}

// Stats holds counts of definitions.
type Stats struct {
	Total  int
	Loaded int
	Warm   int
}

// New returns a manager for the definitions in c. No store is loaded yet. The
// data directory is created if needed, and the catalog database in it opened.
func New(ctx context.Context, log mlog.Log, c Config) (*Manager, error) {
	if c.DataDir == "" {
		return nil, fmt.Errorf("%w: missing data directory", ErrParam)
	}
	defBackend := c.DefaultBackend
	if defBackend == "" {
		defBackend = "bolt"
	}

	m := &Manager{
		log:      log,
		root:     c.DataDir,
		roles:    c.Roles,
		links:    map[string]*Link{},
		warm:     map[string]bool{},
		accessed: map[string]bool{},
	}
	if m.roles == nil {
		m.roles = permission.Roles{}
	}
	for name, dc := range c.Definitions {
		if err := config.CheckDefinitionName(name); err != nil {
			return nil, fmt.Errorf("%w: definition %q: %v", ErrParam, name, err)
		}
		backend := dc.Backend
		if backend == "" {
			backend = defBackend
		}
		l, err := newLink(log, name, backend)
		if err != nil {
			return nil, fmt.Errorf("%w: definition %q: %w", ErrParam, name, err)
		}
		m.links[name] = l
		if dc.Warm {
			m.warm[name] = true
		}
	}

	if err := os.MkdirAll(m.root, 0770); err != nil {
		return nil, fmt.Errorf("creating data directory: %v", err)
	}
	opts := bstore.Options{Timeout: 5 * time.Second, Perm: 0660}
	db, err := bstore.Open(ctx, filepath.Join(m.root, config.CatalogFilename), &opts, DBTypes...)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %v", err)
	}
	m.catalog = db

	for _, name := range m.definitions() {
		l := m.links[name]
		p, err := l.Path("")
		if err == nil {
			err = m.register(ctx, name, l.backend, p)
		}
		if err != nil {
			cerr := db.Close()
			log.Check(cerr, "closing catalog after error")
			return nil, fmt.Errorf("registering definition %q: %w", name, err)
		}
	}
	log.Debug("manager initialized", slog.String("datadir", m.root), slog.Int("definitions", len(m.links)))
	return m, nil
}

// definitions returns the sorted definition names.
func (m *Manager) definitions() []string {
	l := make([]string, 0, len(m.links))
	for name := range m.links {
		l = append(l, name)
	}
	sort.Strings(l)
	return l
}

// Definitions returns the names of the configured definitions, sorted.
func (m *Manager) Definitions() []string {
	return m.definitions()
}

func (m *Manager) link(name string) (*Link, error) {
	l, ok := m.links[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDefinition, name)
	}
	return l, nil
}

func (m *Manager) loaded(ctx context.Context, l *Link) {
	metricLoad.WithLabelValues(l.definition).Inc()
	metricLoaded.Inc()
	err := m.recordLoad(ctx, l.definition)
	m.log.Check(err, "updating catalog after load", slog.String("definition", l.definition))
}

// Load loads the store of a definition if it is not yet loaded.
func (m *Manager) Load(ctx context.Context, name string) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	l, err := m.link(name)
	if err != nil {
		return err
	}
	_, loaded, err := l.Load(ctx, m.root)
	if err != nil {
		return err
	}
	if loaded {
		m.loaded(ctx, l)
	}
	return nil
}

// Unload closes the store of a definition. ErrStoreInUse is returned if the store
// is in use, it then stays loaded. Stores of volatile backends are not unloaded,
// ErrVolatile is returned for them.
func (m *Manager) Unload(name string) error {
	l, err := m.link(name)
	if err != nil {
		return err
	}
	return m.unload(l, false)
}

func (m *Manager) unload(l *Link, volatile bool) error {
	if l.volatile && !volatile {
		if l.Loaded() {
			return fmt.Errorf("%w: %s", ErrVolatile, l.definition)
		}
		return nil
	}
	closed, err := l.Unload()
	if err != nil {
		return err
	}
	if closed {
		metricUnload.WithLabelValues(l.definition).Inc()
		metricLoaded.Dec()
	}
	return nil
}

// UnloadUnused unloads the stores of definitions that are loaded, not warm and
// not accessed by the most recently finished context. Stores still in use are
// left loaded, as are stores of volatile backends. The names of the unloaded
// definitions are returned.
func (m *Manager) UnloadUnused() ([]string, error) {
	m.Lock()
	var candidates []*Link
	for _, name := range m.definitions() {
		l := m.links[name]
		if !m.warm[name] && !m.accessed[name] && !l.volatile {
			candidates = append(candidates, l)
		}
	}
	m.Unlock()

	var unloaded []string
	var errs []error
	for _, l := range candidates {
		if !l.Loaded() {
			continue
		}
		if err := m.unload(l, false); errors.Is(err, ErrStoreInUse) {
			m.log.Debugx("not unloading store in use", err, slog.String("definition", l.definition))
		} else if err != nil {
			errs = append(errs, err)
		} else {
			unloaded = append(unloaded, l.definition)
		}
	}
	if len(unloaded) > 0 {
		m.log.Info("unloaded unused definitions", slog.Any("definitions", unloaded))
	}
	return unloaded, errors.Join(errs...)
}

// UnloadAll unloads all stores, including warm stores. Stores of volatile
// backends stay loaded.
func (m *Manager) UnloadAll() error {
	return m.unloadAll(false)
}

func (m *Manager) unloadAll(volatile bool) error {
	var errs []error
	for _, name := range m.definitions() {
		l := m.links[name]
		if l.volatile && !volatile {
			continue
		}
		if err := m.unload(l, volatile); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Warm marks a definition as warm: it is kept loaded by UnloadUnused.
func (m *Manager) Warm(name string) error {
	return m.setWarm(name, true)
}

// Cool clears the warm mark of a definition.
func (m *Manager) Cool(name string) error {
	return m.setWarm(name, false)
}

func (m *Manager) setWarm(name string, warm bool) error {
	if _, err := m.link(name); err != nil {
		return err
	}
	m.Lock()
	defer m.Unlock()
	if warm {
		m.warm[name] = true
	} else {
		delete(m.warm, name)
	}
	return nil
}

// IsLoaded returns whether the store for a definition is loaded. False for
// unknown definitions.
func (m *Manager) IsLoaded(name string) bool {
	l, ok := m.links[name]
	return ok && l.Loaded()
}

// Loaded returns the names of the definitions with loaded stores, sorted.
func (m *Manager) Loaded() []string {
	var r []string
	for _, name := range m.definitions() {
		if m.links[name].Loaded() {
			r = append(r, name)
		}
	}
	return r
}

// Stats returns the number of definitions, and how many are loaded or warm.
func (m *Manager) Stats() Stats {
	m.Lock()
	nwarm := len(m.warm)
	m.Unlock()
	return Stats{Total: len(m.links), Loaded: len(m.Loaded()), Warm: nwarm}
}

func (m *Manager) checkOpen() error {
	m.Lock()
	defer m.Unlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// Close unloads all stores, including those of volatile backends, and closes the
// catalog. If a store is still in use, an error is returned and the manager
// stays open.
func (m *Manager) Close() error {
	m.Lock()
	if m.closed {
		m.Unlock()
		return nil
	}
	m.closed = true
	m.Unlock()

	if err := m.unloadAll(true); err != nil {
		m.Lock()
		m.closed = false
		m.Unlock()
		return err
	}
	if err := m.catalog.Close(); err != nil {
		return fmt.Errorf("closing catalog: %v", err)
	}
	return nil
}
