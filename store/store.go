// Package store provides typed, transactional access to records in a kv
// backend, keeping secondary, relational and subscription trees consistent
// with the records.
//
// A DB holds the trees of one definition. Each record type is described by a
// Model, with functions that extract the primary key, index keys and
// subscription topics from a record. Records are stored in the Main tree of
// their model. All other trees are derived from the Main tree, and can be
// rebuilt from it.
//
// A write transaction stages its changes. Reads in the transaction see the
// staged changes. On commit, the staged changes are applied to the backend in
// order of tree kind, Main first, then Secondary, Relational and Subscription
// trees, and committed atomically.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/semaphore"

	"github.com/mjl-/defstore/kv"
	"github.com/mjl-/defstore/metrics"
	"github.com/mjl-/defstore/mlog"
)

var (
	ErrStorage       = errors.New("store: storage error")
	ErrSerialization = errors.New("store: serialization error")
	ErrTxDone        = errors.New("store: transaction already committed or rolled back")
	ErrTxReadOnly    = errors.New("store: transaction is read-only")
	ErrTxBotched     = errors.New("store: botched transaction") // After a failed write operation.
	ErrParam         = errors.New("store: bad parameters")
	ErrInUse         = errors.New("store: transactions active")
	ErrClosed        = errors.New("store: database closed")
)

var (
	metricCommit = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "defstore_store_commit_total",
			Help: "Number of write transactions finished, by result.",
		},
		[]string{
			"definition",
			"result", // ok, error, rollback
		},
	)
	metricStaged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "defstore_store_staged_operations_total",
			Help: "Number of staged tree operations applied at commit, by tree kind.",
		},
		[]string{"kind"},
	)
	metricCommitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "defstore_store_commit_duration_seconds",
			Help:    "Duration of applying and committing write transactions.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.100, 0.5, 1, 5, 10},
		},
		[]string{"definition"},
	)
)

// Limit on concurrent read transactions for backends without MVCC.
const maxReaders = 1 << 20

// DB is a store for one definition.
type DB struct {
	log        mlog.Log
	definition string
	backend    kv.Backend

	// Held by the single write transaction.
	writer *semaphore.Weighted

	// For backends without MVCC, readers hold one unit, the writer all of them.
	rw *semaphore.Weighted

	sync.Mutex // For fields below.
	active     int
	closed     bool
}

// Open opens a backend of the given kind at path, and returns a DB for it.
func Open(ctx context.Context, log mlog.Log, definition, kind, path string) (*DB, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if definition == "" {
		return nil, fmt.Errorf("%w: empty definition", ErrParam)
	}
	b, err := kv.Open(kind, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	db := New(log, definition, b)
	db.log.Debug("opened database", slog.String("backend", kind), slog.String("path", path))
	return db, nil
}

// New returns a DB on an already opened backend. The DB takes ownership of the
// backend.
func New(log mlog.Log, definition string, backend kv.Backend) *DB {
	return &DB{
		log:        log.With(slog.String("definition", definition)),
		definition: definition,
		backend:    backend,
		writer:     semaphore.NewWeighted(1),
		rw:         semaphore.NewWeighted(maxReaders),
	}
}

// Definition returns the name of the definition the DB stores.
func (db *DB) Definition() string {
	return db.definition
}

// Active returns the number of open transactions.
func (db *DB) Active() int {
	db.Lock()
	defer db.Unlock()
	return db.active
}

// Close closes the backend. Close fails with ErrInUse while transactions are
// open. Closing a closed DB is a no-op.
func (db *DB) Close() error {
	db.Lock()
	defer db.Unlock()
	if db.closed {
		return nil
	}
	if db.active > 0 {
		return fmt.Errorf("%w: %d open transactions", ErrInUse, db.active)
	}
	db.closed = true
	if err := db.backend.Close(); err != nil {
		return fmt.Errorf("%w: closing backend: %w", ErrStorage, err)
	}
	return nil
}

func (db *DB) begin(ctx context.Context, writable bool) (*ReadTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Waiting for the locks ends when ctx is done.
	if writable {
		if err := db.writer.Acquire(ctx, 1); err != nil {
			return nil, err
		}
	}
	mvcc := db.backend.MVCC()
	var n int64 = 1
	if writable {
		n = maxReaders
	}
	if !mvcc {
		if err := db.rw.Acquire(ctx, n); err != nil {
			if writable {
				db.writer.Release(1)
			}
			return nil, err
		}
	}
	unlock := func() {
		if !mvcc {
			db.rw.Release(n)
		}
		if writable {
			db.writer.Release(1)
		}
	}

	db.Lock()
	if db.closed {
		db.Unlock()
		unlock()
		return nil, ErrClosed
	}
	db.active++
	db.Unlock()

	ktx, err := db.backend.Begin(writable)
	if err != nil {
		db.Lock()
		db.active--
		db.Unlock()
		unlock()
		return nil, fmt.Errorf("%w: begin transaction: %w", ErrStorage, err)
	}
	tx := &ReadTx{db: db, ktx: ktx, unlock: unlock, log: db.log}
	if writable {
		tx.ov = overlay{}
	}
	return tx, nil
}

// BeginRead starts a read-only transaction. It must be finished with Rollback.
func (db *DB) BeginRead(ctx context.Context) (*ReadTx, error) {
	return db.begin(ctx, false)
}

// BeginWrite starts a write transaction, waiting for a running write
// transaction to finish. It must be finished with Commit or Rollback.
func (db *DB) BeginWrite(ctx context.Context) (*WriteTx, error) {
	tx, err := db.begin(ctx, true)
	if err != nil {
		return nil, err
	}
	return &WriteTx{ReadTx: tx}, nil
}

// Read calls fn with a new read-only transaction, and finishes the transaction
// when fn returns.
func (db *DB) Read(ctx context.Context, fn func(tx *ReadTx) error) error {
	tx, err := db.BeginRead(ctx)
	if err != nil {
		return err
	}
	defer func() {
		err := tx.Rollback()
		db.log.Check(err, "finishing read transaction")
	}()
	return fn(tx)
}

// Write calls fn with a new write transaction. If fn returns nil, the
// transaction is committed. Otherwise the transaction is rolled back.
func (db *DB) Write(ctx context.Context, fn func(tx *WriteTx) error) (rerr error) {
	tx, err := db.BeginWrite(ctx)
	if err != nil {
		return err
	}
	defer func() {
		x := recover()
		if !tx.done {
			err := tx.Rollback()
			db.log.Check(err, "rolling back write transaction")
		}
		if x != nil {
			db.log.Error("unhandled panic in write transaction", slog.Any("panic", x))
			metrics.PanicInc(metrics.Store)
			panic(x)
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
