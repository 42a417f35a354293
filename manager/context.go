package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"github.com/mjl-/defstore/metrics"
	"github.com/mjl-/defstore/permission"
	"github.com/mjl-/defstore/store"
)

// Context gives access to the stores of definitions for a single Read or Write
// call of a Manager. Transactions are started on first use of a definition,
// and reused for the remainder of the call.
type Context struct {
	ID       string // For logging.
	ctx      context.Context
	m        *Manager
	role     string
	writable bool

	links  map[string]*Link
	reads  map[string]*store.ReadTx
	writes map[string]*store.WriteTx
	done   bool
}

// Role returns the role the context was started for.
func (c *Context) Role() string {
	return c.role
}

// Accessed returns the definitions used in the context so far, sorted.
func (c *Context) Accessed() []string {
	l := make([]string, 0, len(c.links))
	for name := range c.links {
		l = append(l, name)
	}
	sort.Strings(l)
	return l
}

// Read calls fn with a new context for reading. All transactions started in fn
// are rolled back when fn returns.
func (m *Manager) Read(ctx context.Context, role string, fn func(c *Context) error) error {
	return m.run(ctx, role, false, fn)
}

// Write calls fn with a new context for reading and writing. If fn returns nil,
// the write transactions started in fn are committed, in order of definition
// name. Each commit is atomic for its store, but a failing commit does not undo
// commits of earlier definitions. If fn returns an error, all transactions are
// rolled back.
func (m *Manager) Write(ctx context.Context, role string, fn func(c *Context) error) error {
	return m.run(ctx, role, true, fn)
}

func (m *Manager) run(ctx context.Context, role string, writable bool, fn func(c *Context) error) error {
	c, err := m.newContext(ctx, role, writable)
	if err != nil {
		return err
	}
	defer func() {
		x := recover()
		c.close()
		if x != nil {
			m.log.Error("unhandled panic in context", slog.Any("panic", x), slog.String("ctx", c.ID))
			metrics.PanicInc(metrics.Manager)
			panic(x)
		}
	}()
	if err := fn(c); err != nil {
		return err
	}
	if writable {
		return c.commit()
	}
	return nil
}

func (m *Manager) newContext(ctx context.Context, role string, writable bool) (*Context, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Context{
		ID:       uuid.Must(uuid.NewV7()).String(),
		ctx:      ctx,
		m:        m,
		role:     role,
		writable: writable,
		links:    map[string]*Link{},
		reads:    map[string]*store.ReadTx{},
		writes:   map[string]*store.WriteTx{},
	}, nil
}

// use checks permissions for definition name, and loads its store.
func (c *Context) use(name string, write bool) (*store.DB, error) {
	if c.done {
		return nil, store.ErrTxDone
	}
	if err := c.m.roles.Check(c.role, name, write); err != nil {
		access := "read"
		if write {
			access = "write"
		}
		metricDenied.WithLabelValues(c.role, access).Inc()
		c.m.log.Debugx("permission denied", err, slog.String("ctx", c.ID), slog.String("definition", name), slog.String("access", access))
		return nil, err
	}
	l, err := c.m.link(name)
	if err != nil {
		return nil, err
	}
	if l, ok := c.links[name]; ok {
		return l.db, nil
	}
	db, loaded, err := l.acquire(c.ctx, c.m.root)
	if err != nil {
		return nil, err
	}
	if loaded {
		c.m.loaded(c.ctx, l)
	}
	c.links[name] = l
	return db, nil
}

// ReadTx returns a transaction for reading from definition name. In a write
// context, the write transaction for the definition is returned if one was
// started, so staged changes are visible.
func (c *Context) ReadTx(name string) (*store.ReadTx, error) {
	if tx, ok := c.writes[name]; ok {
		return tx.ReadTx, nil
	}
	if tx, ok := c.reads[name]; ok {
		return tx, nil
	}
	db, err := c.use(name, false)
	if err != nil {
		return nil, err
	}
	tx, err := db.BeginRead(c.ctx)
	if err != nil {
		return nil, err
	}
	c.reads[name] = tx
	c.m.log.Trace("started read transaction", slog.String("ctx", c.ID), slog.String("definition", name))
	return tx, nil
}

// WriteTx returns a transaction for writing to definition name. Only available
// in contexts from Manager.Write. A definition that was already read in the
// context must have been opened with WriteTx first.
func (c *Context) WriteTx(name string) (*store.WriteTx, error) {
	if !c.writable {
		return nil, fmt.Errorf("%w: context from manager read", store.ErrTxReadOnly)
	}
	if tx, ok := c.writes[name]; ok {
		return tx, nil
	}
	db, err := c.use(name, true)
	if err != nil {
		return nil, err
	}
	if _, ok := c.reads[name]; ok {
		return nil, fmt.Errorf("%w: definition %q already opened for reading in this context", ErrParam, name)
	}
	tx, err := db.BeginWrite(c.ctx)
	if err != nil {
		return nil, err
	}
	c.writes[name] = tx
	c.m.log.Trace("started write transaction", slog.String("ctx", c.ID), slog.String("definition", name))
	return tx, nil
}

// commit commits the write transactions in order of definition name. After a
// failed commit, the remaining transactions are rolled back by close.
func (c *Context) commit() error {
	names := make([]string, 0, len(c.writes))
	for name := range c.writes {
		names = append(names, name)
	}
	sort.Strings(names)
	for i, name := range names {
		if err := c.writes[name].Commit(); err != nil {
			c.m.log.Errorx("commit failed", err,
				slog.String("ctx", c.ID),
				slog.String("definition", name),
				slog.Any("committed", names[:i]))
			return fmt.Errorf("commit %s: %w", name, err)
		}
	}
	return nil
}

// close finishes all transactions that are still open, releases the stores and
// records the accessed definitions with the manager.
func (c *Context) close() {
	if c.done {
		return
	}
	c.done = true
	var errs []error
	for _, tx := range c.writes {
		errs = append(errs, tx.Rollback())
	}
	for _, tx := range c.reads {
		errs = append(errs, tx.Rollback())
	}
	c.m.log.Check(errors.Join(errs...), "rolling back transactions", slog.String("ctx", c.ID))

	accessed := map[string]bool{}
	for name, l := range c.links {
		l.release()
		accessed[name] = true
	}
	c.m.Lock()
	c.m.accessed = accessed
	c.m.Unlock()
}

// Level returns the access level of the role of the context for a definition.
func (c *Context) Level(name string) permission.Level {
	return c.m.roles.Level(c.role, name)
}
