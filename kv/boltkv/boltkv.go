// Package boltkv implements a kv backend on a bbolt file. Each tree is a
// bucket. Read transactions are MVCC, a single writer runs concurrently with
// readers.
package boltkv

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/mjl-/defstore/kv"
)

// Name the backend is registered as.
const Name = "bolt"

func init() {
	kv.Register(Name, "store.db", func(path string) (kv.Backend, error) {
		return Open(path)
	})
}

// Backend is an opened bolt database.
type Backend struct {
	db *bolt.DB
}

var _ kv.Backend = (*Backend)(nil)

// Open opens or creates the bolt file at path. Waits at most 5 seconds for the
// file lock of another process.
func Open(path string) (*Backend, error) {
	db, err := bolt.Open(path, 0660, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt database: %w", err)
	}
	return &Backend{db}, nil
}

func (b *Backend) MVCC() bool {
	return true
}

func (b *Backend) Close() error {
	return b.db.Close()
}

func (b *Backend) Begin(writable bool) (kv.Tx, error) {
	btx, err := b.db.Begin(writable)
	if errors.Is(err, bolt.ErrDatabaseNotOpen) {
		return nil, kv.ErrClosed
	} else if err != nil {
		return nil, err
	}
	return &tx{btx: btx}, nil
}

type tx struct {
	btx  *bolt.Tx
	done bool
}

func (t *tx) Writable() bool {
	return t.btx.Writable()
}

func (t *tx) Tree(name string) (kv.Tree, error) {
	if t.done {
		return nil, kv.ErrTxDone
	}
	return &tree{t, []byte(name)}, nil
}

func (t *tx) MultiTree(name string) (kv.MultiTree, error) {
	tr, err := t.Tree(name)
	if err != nil {
		return nil, err
	}
	return kv.Multi(tr), nil
}

func (t *tx) TreeNames() ([]string, error) {
	if t.done {
		return nil, kv.ErrTxDone
	}
	var l []string
	err := t.btx.ForEach(func(name []byte, _ *bolt.Bucket) error {
		l = append(l, string(name))
		return nil
	})
	sort.Strings(l)
	return l, err
}

func (t *tx) DeleteTree(name string) error {
	if t.done {
		return kv.ErrTxDone
	}
	if !t.btx.Writable() {
		return kv.ErrTxReadOnly
	}
	err := t.btx.DeleteBucket([]byte(name))
	if errors.Is(err, bolt.ErrBucketNotFound) {
		return nil
	}
	return err
}

func (t *tx) Commit() error {
	if t.done {
		return kv.ErrTxDone
	}
	t.done = true
	if !t.btx.Writable() {
		return t.btx.Rollback()
	}
	return t.btx.Commit()
}

func (t *tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	return t.btx.Rollback()
}

// tree looks up its bucket on each call, a bucket created or deleted through
// the tx stays in sync.
type tree struct {
	t    *tx
	name []byte
}

// bucket returns nil if the bucket does not exist and create is false.
func (tr *tree) bucket(create bool) (*bolt.Bucket, error) {
	if tr.t.done {
		return nil, kv.ErrTxDone
	}
	if create {
		if !tr.t.btx.Writable() {
			return nil, kv.ErrTxReadOnly
		}
		return tr.t.btx.CreateBucketIfNotExists(tr.name)
	}
	return tr.t.btx.Bucket(tr.name), nil
}

func (tr *tree) Get(key []byte) ([]byte, error) {
	b, err := tr.bucket(false)
	if err != nil || b == nil {
		return nil, err
	}
	k, v := b.Cursor().Seek(key)
	if k == nil || !bytes.Equal(k, key) {
		return nil, nil
	}
	return append([]byte{}, v...), nil
}

func (tr *tree) Insert(key, value []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("%w: empty key", kv.ErrKey)
	}
	b, err := tr.bucket(true)
	if err != nil {
		return err
	}
	return b.Put(key, append([]byte{}, value...))
}

func (tr *tree) Remove(key []byte) (bool, error) {
	if tr.t.done {
		return false, kv.ErrTxDone
	}
	if !tr.t.btx.Writable() {
		return false, kv.ErrTxReadOnly
	}
	b, err := tr.bucket(false)
	if err != nil || b == nil {
		return false, err
	}
	c := b.Cursor()
	k, _ := c.Seek(key)
	if k == nil || !bytes.Equal(k, key) {
		return false, nil
	}
	if err := c.Delete(); err != nil {
		return false, err
	}
	return true, nil
}

func (tr *tree) ForEach(fn func(k, v []byte) error) error {
	return tr.Range(nil, fn)
}

func (tr *tree) Range(prefix []byte, fn func(k, v []byte) error) error {
	b, err := tr.bucket(false)
	if err != nil || b == nil {
		return err
	}
	c := b.Cursor()
	var k, v []byte
	if len(prefix) == 0 {
		k, v = c.First()
	} else {
		k, v = c.Seek(prefix)
	}
	for ; k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		if err := fn(append([]byte{}, k...), append([]byte{}, v...)); err != nil {
			return err
		}
	}
	return nil
}

func (tr *tree) Len() (int, error) {
	b, err := tr.bucket(false)
	if err != nil || b == nil {
		return 0, err
	}
	// Bucket stats do not reflect uncommitted changes, so count with a cursor.
	n := 0
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		n++
	}
	return n, nil
}
