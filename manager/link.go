package manager

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/mjl-/defstore/kv"
	"github.com/mjl-/defstore/mlog"
	"github.com/mjl-/defstore/store"
)

// Link connects a definition to its store. The store is opened on first use,
// and can be closed again when no transactions or manager contexts use it.
type Link struct {
	definition string
	backend    string
	volatile   bool // Data is lost when the store is closed.
	log        mlog.Log

	sync.Mutex
	db   *store.DB // Nil when not loaded.
	refs int       // Manager contexts using db.
}

func newLink(log mlog.Log, definition, backend string) (*Link, error) {
	volatile, err := kv.Volatile(backend)
	if err != nil {
		return nil, err
	}
	return &Link{
		definition: definition,
		backend:    backend,
		volatile:   volatile,
		log:        log.With(slog.String("definition", definition)),
	}, nil
}

// Definition returns the name of the definition.
func (l *Link) Definition() string {
	return l.definition
}

// Backend returns the name of the backend the definition is stored in.
func (l *Link) Backend() string {
	return l.backend
}

// Volatile returns whether the backend loses its data when the store is closed.
func (l *Link) Volatile() bool {
	return l.volatile
}

// Path returns the location of the backend files for the definition, below root.
func (l *Link) Path(root string) (string, error) {
	fn, err := kv.Filename(l.backend)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, filepath.FromSlash(l.definition), fn), nil
}

// Loaded returns whether the store is open.
func (l *Link) Loaded() bool {
	l.Lock()
	defer l.Unlock()
	return l.db != nil
}

// Load opens the store if it is not yet open, and returns it. The directory for
// the definition is created if needed. Loaded is set if the store was opened by
// this call.
func (l *Link) Load(ctx context.Context, root string) (db *store.DB, loaded bool, rerr error) {
	l.Lock()
	defer l.Unlock()
	return l.load(ctx, root)
}

func (l *Link) load(ctx context.Context, root string) (*store.DB, bool, error) {
	if l.db != nil {
		return l.db, false, nil
	}
	p, err := l.Path(root)
	if err != nil {
		return nil, false, err
	}
	dir := filepath.Dir(p)
	if _, err := os.Stat(dir); !l.volatile && errors.Is(err, fs.ErrNotExist) {
		if err := os.MkdirAll(dir, 0770); err != nil {
			return nil, false, fmt.Errorf("%w: creating directory: %w", store.ErrStorage, err)
		}
		err := syncDir(filepath.Dir(dir))
		l.log.Check(err, "sync parent directory after creating definition directory")
	}
	db, err := store.Open(ctx, l.log, l.definition, l.backend, p)
	if err != nil {
		return nil, false, err
	}
	l.db = db
	l.log.Debug("loaded definition", slog.String("path", p))
	return db, true, nil
}

// acquire loads the store if needed and marks it in use by a manager context
// until release is called.
func (l *Link) acquire(ctx context.Context, root string) (*store.DB, bool, error) {
	l.Lock()
	defer l.Unlock()
	db, loaded, err := l.load(ctx, root)
	if err != nil {
		return nil, false, err
	}
	l.refs++
	return db, loaded, nil
}

func (l *Link) release() {
	l.Lock()
	defer l.Unlock()
	if l.refs <= 0 {
		panic("release of unused link")
	}
	l.refs--
}

// Unload closes the store, and returns whether this call closed it.
// ErrStoreInUse is returned while transactions are open or manager contexts use
// the store. Unloading an unloaded link is a no-op.
func (l *Link) Unload() (closed bool, rerr error) {
	l.Lock()
	defer l.Unlock()
	if l.db == nil {
		return false, nil
	}
	if l.refs > 0 {
		return false, fmt.Errorf("%w: %s: used by %d contexts", ErrStoreInUse, l.definition, l.refs)
	}
	if err := l.db.Close(); err != nil {
		if errors.Is(err, store.ErrInUse) {
			return false, fmt.Errorf("%w: %s: %w", ErrStoreInUse, l.definition, err)
		}
		return false, err
	}
	l.db = nil
	l.log.Debug("unloaded definition")
	return true, nil
}
