// Package kv defines the capabilities an ordered key-value storage engine must
// provide to back a store: named ordered trees, point and prefix reads, and
// atomic commit of changes across all trees of a transaction.
//
// Two tree shapes exist. A Tree maps a key to a single value. A MultiTree maps
// a key to any number of values, each (key, value) pair stored once. A
// MultiTree is built on a Tree with Multi, so engines only implement Tree.
package kv

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrClosed         = errors.New("kv: backend closed")
	ErrTxReadOnly     = errors.New("kv: transaction is read-only")
	ErrTxDone         = errors.New("kv: transaction already committed or rolled back")
	ErrUnknownBackend = errors.New("kv: unknown backend")
	ErrKey            = errors.New("kv: bad key")
)

// Backend is an opened storage engine.
type Backend interface {
	// Begin starts a transaction. At most one writable transaction is active
	// at a time, Begin(true) waits for a previous writable transaction to
	// finish.
	Begin(writable bool) (Tx, error)

	// MVCC returns whether read transactions see a stable snapshot while a
	// writable transaction commits. If false, the caller must keep readers and
	// a writer apart.
	MVCC() bool

	Close() error
}

// Tx is a transaction on a backend. A Tx is not safe for concurrent use.
type Tx interface {
	Writable() bool

	// Tree opens a tree by name. The tree is created by the first insert. A
	// tree that does not exist reads as empty.
	Tree(name string) (Tree, error)

	// MultiTree opens a multimap tree by name, like Tree.
	MultiTree(name string) (MultiTree, error)

	// TreeNames returns the names of all trees that have been created, sorted.
	TreeNames() ([]string, error)

	// DeleteTree removes a tree and all its entries. Removing a tree that does
	// not exist is not an error.
	DeleteTree(name string) error

	// Commit makes all changes of the transaction visible at once, or none of
	// them. For a read-only transaction, Commit releases its resources.
	Commit() error

	// Rollback discards all changes. Rollback after Commit or Rollback is a
	// no-op.
	Rollback() error
}

// Tree is an ordered map of unique keys. Slices passed to and returned from a
// Tree are not retained or shared by the tree.
type Tree interface {
	// Get returns nil if key is absent.
	Get(key []byte) ([]byte, error)
	Insert(key, value []byte) error
	// Remove returns whether key was present.
	Remove(key []byte) (bool, error)
	// ForEach calls fn for each entry in key order. Iteration stops at the
	// first error from fn, which is returned.
	ForEach(fn func(k, v []byte) error) error
	// Range is like ForEach, for keys starting with prefix.
	Range(prefix []byte, fn func(k, v []byte) error) error
	Len() (int, error)
}

// MultiTree is an ordered multimap.
type MultiTree interface {
	// Get returns the values for key, in order.
	Get(key []byte) ([][]byte, error)
	InsertMulti(key, value []byte) error
	// RemoveMulti removes the exact (key, value) pair, returning whether it
	// was present.
	RemoveMulti(key, value []byte) (bool, error)
	// ForEach calls fn for each pair, ordered by key, then value.
	ForEach(fn func(k, v []byte) error) error
	// Len returns the number of pairs.
	Len() (int, error)
}

// OpenFunc opens a backend at path.
type OpenFunc func(path string) (Backend, error)

type registration struct {
	filename string
	volatile bool
	open     OpenFunc
}

var (
	registryMutex sync.Mutex
	registry      = map[string]registration{}
)

// Register makes a backend available under name. Filename is the name of the
// file or directory in a definition's directory the backend stores its data
// in. Register panics if name is registered twice.
func Register(name, filename string, fn OpenFunc) {
	register(name, registration{filename, false, fn})
}

// RegisterVolatile is like Register, for a backend that does not keep its data
// after Close.
func RegisterVolatile(name, filename string, fn OpenFunc) {
	register(name, registration{filename, true, fn})
}

func register(name string, r registration) {
	registryMutex.Lock()
	defer registryMutex.Unlock()
	if _, ok := registry[name]; ok {
		panic(fmt.Sprintf("kv: backend %q registered twice", name))
	}
	registry[name] = r
}

// Volatile returns whether the named backend loses its data when closed.
func Volatile(name string) (bool, error) {
	r, err := lookup(name)
	if err != nil {
		return false, err
	}
	return r.volatile, nil
}

// Filenames returns the file names used by the registered backends, sorted.
func Filenames() []string {
	registryMutex.Lock()
	defer registryMutex.Unlock()
	var l []string
	for _, r := range registry {
		l = append(l, r.filename)
	}
	sort.Strings(l)
	return l
}

// Backends returns the names of registered backends, sorted.
func Backends() []string {
	registryMutex.Lock()
	defer registryMutex.Unlock()
	var l []string
	for name := range registry {
		l = append(l, name)
	}
	sort.Strings(l)
	return l
}

func lookup(name string) (registration, error) {
	registryMutex.Lock()
	defer registryMutex.Unlock()
	r, ok := registry[name]
	if !ok {
		return registration{}, fmt.Errorf("%w: %q", ErrUnknownBackend, name)
	}
	return r, nil
}

// Filename returns the file name the named backend uses within a directory.
func Filename(name string) (string, error) {
	r, err := lookup(name)
	if err != nil {
		return "", err
	}
	return r.filename, nil
}

// Open opens a backend of the named kind at path.
func Open(name, path string) (Backend, error) {
	r, err := lookup(name)
	if err != nil {
		return nil, err
	}
	return r.open(path)
}
