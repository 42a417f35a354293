// Package levelkv implements a kv backend on goleveldb.
//
// All trees share the leveldb keyspace. Entries of a tree are stored under
// 't' followed by the escaped tree name, followed by the entry key. Existing
// trees are registered under 'n' followed by the tree name.
//
// A read transaction reads from a leveldb snapshot. A writable transaction
// reads from a snapshot too, with its own changes kept in an in-memory
// overlay, and writes the overlay in a single batch on commit.
package levelkv

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/comparer"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/memdb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/mjl-/defstore/kv"
)

// Names the backends are registered as.
const (
	Name       = "leveldb"
	MemoryName = "memory"
)

func init() {
	kv.Register(Name, "leveldb", func(path string) (kv.Backend, error) {
		return Open(path)
	})
	kv.RegisterVolatile(MemoryName, "memory", func(path string) (kv.Backend, error) {
		return OpenMemory()
	})
}

const (
	prefixTree  = 't'
	prefixNames = 'n'
)

// Options is used to open leveldb databases. A variable for tests.
var Options = func() *opt.Options {
	return &opt.Options{
		Compression: opt.SnappyCompression,
		WriteBuffer: 4 * opt.MiB,
	}
}

// Backend is an opened leveldb database.
type Backend struct {
	ldb *leveldb.DB

	// Held by the one active writable transaction.
	writer sync.Mutex
}

var _ kv.Backend = (*Backend)(nil)

// Open opens or creates a leveldb database in directory path. If the database
// is corrupt, recovery is attempted.
func Open(path string) (*Backend, error) {
	ldb, err := leveldb.OpenFile(path, Options())
	var corrupted *lerrors.ErrCorrupted
	if errors.As(err, &corrupted) {
		ldb, err = leveldb.RecoverFile(path, Options())
	}
	if err != nil {
		return nil, fmt.Errorf("open leveldb database: %w", err)
	}
	return &Backend{ldb: ldb}, nil
}

// OpenMemory returns a backend that keeps its data in memory only.
func OpenMemory() (*Backend, error) {
	ldb, err := leveldb.Open(storage.NewMemStorage(), Options())
	if err != nil {
		return nil, fmt.Errorf("open memory leveldb database: %w", err)
	}
	return &Backend{ldb: ldb}, nil
}

func (b *Backend) MVCC() bool {
	return true
}

func (b *Backend) Close() error {
	return b.ldb.Close()
}

func (b *Backend) Begin(writable bool) (kv.Tx, error) {
	if writable {
		b.writer.Lock()
	}
	snap, err := b.ldb.GetSnapshot()
	if err != nil {
		if writable {
			b.writer.Unlock()
		}
		if errors.Is(err, leveldb.ErrClosed) {
			return nil, kv.ErrClosed
		}
		return nil, err
	}
	t := &tx{b: b, snap: snap}
	if writable {
		t.mem = memdb.New(comparer.DefaultComparer, 0)
	}
	return t, nil
}

// Values in the overlay start with one of these bytes.
const (
	overlayDeleted = 0
	overlayPut     = 1
)

type tx struct {
	b    *Backend
	snap *leveldb.Snapshot
	mem  *memdb.DB // Nil for read-only transactions.
	done bool
}

func (t *tx) Writable() bool {
	return t.mem != nil
}

func (t *tx) check(write bool) error {
	if t.done {
		return kv.ErrTxDone
	}
	if write && t.mem == nil {
		return kv.ErrTxReadOnly
	}
	return nil
}

func treePrefix(name string) []byte {
	return kv.AppendEscaped([]byte{prefixTree}, []byte(name))
}

func nameKey(name string) []byte {
	return append([]byte{prefixNames}, name...)
}

func (t *tx) Tree(name string) (kv.Tree, error) {
	if err := t.check(false); err != nil {
		return nil, err
	}
	return &tree{t, name, treePrefix(name)}, nil
}

func (t *tx) MultiTree(name string) (kv.MultiTree, error) {
	tr, err := t.Tree(name)
	if err != nil {
		return nil, err
	}
	return kv.Multi(tr), nil
}

func (t *tx) TreeNames() ([]string, error) {
	if err := t.check(false); err != nil {
		return nil, err
	}
	var l []string
	err := t.scan([]byte{prefixNames}, func(k, v []byte) error {
		l = append(l, string(k[1:]))
		return nil
	})
	return l, err
}

func (t *tx) DeleteTree(name string) error {
	if err := t.check(true); err != nil {
		return err
	}
	var keys [][]byte
	err := t.scan(treePrefix(name), func(k, v []byte) error {
		keys = append(keys, k)
		return nil
	})
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := t.del(k); err != nil {
			return err
		}
	}
	return t.del(nameKey(name))
}

func (t *tx) get(key []byte) ([]byte, error) {
	if t.mem != nil {
		v, err := t.mem.Get(key)
		if err == nil {
			if v[0] == overlayDeleted {
				return nil, nil
			}
			return append([]byte{}, v[1:]...), nil
		} else if !errors.Is(err, memdb.ErrNotFound) {
			return nil, err
		}
	}
	v, err := t.snap.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	if v == nil {
		v = []byte{}
	}
	return v, nil
}

func (t *tx) put(key, value []byte) error {
	return t.mem.Put(key, append([]byte{overlayPut}, value...))
}

func (t *tx) del(key []byte) error {
	return t.mem.Put(key, []byte{overlayDeleted})
}

// scan calls fn for all keys with prefix, in order, merging the snapshot with
// the overlay. Slices passed to fn are copies.
func (t *tx) scan(prefix []byte, fn func(k, v []byte) error) error {
	r := util.BytesPrefix(prefix)
	si := t.snap.NewIterator(r, nil)
	defer si.Release()
	var oi iterator.Iterator
	if t.mem != nil {
		oi = t.mem.NewIterator(r)
		defer oi.Release()
	}

	sok := si.Next()
	ook := oi != nil && oi.Next()
	for sok || ook {
		var k, v []byte
		if ook && (!sok || bytes.Compare(oi.Key(), si.Key()) <= 0) {
			if sok && bytes.Equal(oi.Key(), si.Key()) {
				sok = si.Next()
			}
			ov := oi.Value()
			if ov[0] == overlayPut {
				k = append([]byte{}, oi.Key()...)
				v = append([]byte{}, ov[1:]...)
			}
			ook = oi.Next()
			if k == nil {
				continue
			}
		} else {
			k = append([]byte{}, si.Key()...)
			v = append([]byte{}, si.Value()...)
			sok = si.Next()
		}
		if err := fn(k, v); err != nil {
			return err
		}
	}
	if err := si.Error(); err != nil {
		return err
	}
	if oi != nil {
		return oi.Error()
	}
	return nil
}

func (t *tx) Commit() error {
	if t.done {
		return kv.ErrTxDone
	}
	defer t.finish()
	if t.mem == nil || t.mem.Len() == 0 {
		return nil
	}
	batch := new(leveldb.Batch)
	it := t.mem.NewIterator(nil)
	defer it.Release()
	for it.Next() {
		if v := it.Value(); v[0] == overlayPut {
			batch.Put(it.Key(), v[1:])
		} else {
			batch.Delete(it.Key())
		}
	}
	if err := it.Error(); err != nil {
		return err
	}
	return t.b.ldb.Write(batch, &opt.WriteOptions{Sync: true})
}

func (t *tx) Rollback() error {
	if t.done {
		return nil
	}
	t.finish()
	return nil
}

func (t *tx) finish() {
	t.done = true
	t.snap.Release()
	if t.mem != nil {
		t.mem.Reset()
		t.b.writer.Unlock()
	}
}

type tree struct {
	t      *tx
	name   string
	prefix []byte
}

func (tr *tree) key(k []byte) []byte {
	return append(append([]byte{}, tr.prefix...), k...)
}

func (tr *tree) Get(key []byte) ([]byte, error) {
	if err := tr.t.check(false); err != nil {
		return nil, err
	}
	return tr.t.get(tr.key(key))
}

func (tr *tree) Insert(key, value []byte) error {
	if err := tr.t.check(true); err != nil {
		return err
	}
	if len(key) == 0 {
		return fmt.Errorf("%w: empty key", kv.ErrKey)
	}
	if err := tr.t.put(nameKey(tr.name), nil); err != nil {
		return err
	}
	return tr.t.put(tr.key(key), value)
}

func (tr *tree) Remove(key []byte) (bool, error) {
	if err := tr.t.check(true); err != nil {
		return false, err
	}
	k := tr.key(key)
	v, err := tr.t.get(k)
	if err != nil || v == nil {
		return false, err
	}
	return true, tr.t.del(k)
}

func (tr *tree) ForEach(fn func(k, v []byte) error) error {
	return tr.Range(nil, fn)
}

func (tr *tree) Range(prefix []byte, fn func(k, v []byte) error) error {
	if err := tr.t.check(false); err != nil {
		return err
	}
	n := len(tr.prefix)
	return tr.t.scan(tr.key(prefix), func(k, v []byte) error {
		return fn(k[n:], v)
	})
}

func (tr *tree) Len() (int, error) {
	n := 0
	err := tr.Range(nil, func(k, v []byte) error {
		n++
		return nil
	})
	return n, err
}
