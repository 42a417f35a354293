package store

import (
	"bytes"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/mjl-/defstore/kv"
	"github.com/mjl-/defstore/mlog"
	"github.com/mjl-/defstore/treename"
)

// Tx is a read-only or write transaction. Readers and writers for models are
// created from a Tx.
type Tx interface {
	readTx() *ReadTx
}

// ReadTx is a transaction for reading. A ReadTx is not safe for concurrent use.
type ReadTx struct {
	db     *DB
	ktx    kv.Tx
	ov     overlay // Nil for read-only transactions.
	unlock func()
	log    mlog.Log
	done   bool
}

func (tx *ReadTx) readTx() *ReadTx {
	return tx
}

// DB returns the database of the transaction.
func (tx *ReadTx) DB() *DB {
	return tx.db
}

// Rollback finishes the transaction, discarding staged changes of a write
// transaction. Rollback of a finished transaction is a no-op.
func (tx *ReadTx) Rollback() error {
	if tx.done {
		return nil
	}
	return tx.finish(tx.ktx.Rollback())
}

func (tx *ReadTx) finish(err error) error {
	tx.done = true
	tx.ov = nil
	tx.db.Lock()
	tx.db.active--
	tx.db.Unlock()
	tx.unlock()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return nil
}

func (tx *ReadTx) check() error {
	if tx.done {
		return ErrTxDone
	}
	return nil
}

// WriteTx is a transaction that can make changes.
type WriteTx struct {
	*ReadTx
	ops []op
	err error // Set when a write operation failed halfway, commit is refused.
}

// Rollback discards the staged changes.
func (tx *WriteTx) Rollback() error {
	if tx.done {
		return nil
	}
	metricCommit.WithLabelValues(tx.db.definition, "rollback").Inc()
	tx.ops = nil
	return tx.ReadTx.Rollback()
}

// Commit applies all staged changes to the backend in a single backend
// transaction. Either all changes become visible, or none. On error, the
// transaction is rolled back and a new transaction can retry.
func (tx *WriteTx) Commit() error {
	if tx.done {
		return ErrTxDone
	}
	if tx.err != nil {
		err := tx.Rollback()
		tx.log.Check(err, "rolling back botched transaction")
		return fmt.Errorf("%w: %w", ErrTxBotched, tx.err)
	}

	t0 := time.Now()
	if err := tx.apply(); err != nil {
		metricCommit.WithLabelValues(tx.db.definition, "error").Inc()
		tx.log.Errorx("applying staged operations", err, slog.Int("operations", len(tx.ops)))
		rerr := tx.ktx.Rollback()
		tx.log.Check(rerr, "rolling back backend transaction")
		tx.ops = nil
		tx.ReadTx.finish(nil)
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	n := len(tx.ops)
	tx.ops = nil
	if err := tx.ReadTx.finish(tx.ktx.Commit()); err != nil {
		metricCommit.WithLabelValues(tx.db.definition, "error").Inc()
		tx.log.Errorx("committing backend transaction", err)
		return err
	}
	metricCommit.WithLabelValues(tx.db.definition, "ok").Inc()
	metricCommitDuration.WithLabelValues(tx.db.definition).Observe(float64(time.Since(t0)) / float64(time.Second))
	tx.log.Debug("committed", slog.Int("operations", n), slog.Duration("duration", time.Since(t0)))
	return nil
}

// apply applies the staged operations to the backend transaction, ordered by
// tree kind. Each tree only gets operations of a single kind, so the order of
// operations per tree is unchanged.
func (tx *WriteTx) apply() error {
	sort.SliceStable(tx.ops, func(i, j int) bool {
		return tx.ops[i].priority() < tx.ops[j].priority()
	})
	trees := map[string]kv.Tree{}
	multis := map[string]kv.MultiTree{}
	for _, o := range tx.ops {
		metricStaged.WithLabelValues(o.kind.String()).Inc()
		var err error
		switch o.op {
		case opInsert, opRemove:
			t, ok := trees[o.tree]
			if !ok {
				t, err = tx.ktx.Tree(o.tree)
				if err != nil {
					return err
				}
				trees[o.tree] = t
			}
			if o.op == opInsert {
				err = t.Insert(o.key, o.value)
			} else {
				_, err = t.Remove(o.key)
			}
		case opInsertMulti, opRemoveMulti:
			t, ok := multis[o.tree]
			if !ok {
				t, err = tx.ktx.MultiTree(o.tree)
				if err != nil {
					return err
				}
				multis[o.tree] = t
			}
			if o.op == opInsertMulti {
				err = t.InsertMulti(o.key, o.value)
			} else {
				_, err = t.RemoveMulti(o.key, o.value)
			}
		case opDropTree:
			err = tx.ktx.DeleteTree(o.tree)
		default:
			err = fmt.Errorf("unknown operation %d", o.op)
		}
		if err != nil {
			return fmt.Errorf("%s on tree %q: %w", o.op, o.tree, err)
		}
	}
	return nil
}

type opType int

const (
	opInsert opType = iota
	opRemove
	opInsertMulti
	opRemoveMulti
	opDropTree
)

func (o opType) String() string {
	return [...]string{"insert", "remove", "insert multi", "remove multi", "drop tree"}[o]
}

// op is a staged operation on a tree.
type op struct {
	op         opType
	kind       treename.Kind
	tree       string
	key, value []byte
}

// priority is the order in which operations are applied: Main, Secondary,
// Relational, then Subscription with Accumulator.
func (o op) priority() int {
	switch o.kind {
	case treename.Main:
		return 0
	case treename.Secondary:
		return 1
	case treename.Relational:
		return 2
	}
	return 3
}

// overlay holds the staged state of trees in a write transaction.
type overlay map[string]*treeChanges

type treeChanges struct {
	// Tree is dropped, entries in the backend are ignored.
	dropped bool

	// Key to value, or nil when removed. For multimap trees, the key is the
	// escaped key followed by the value, and the value is empty.
	entries map[string]*[]byte
}

func multiKey(key, value []byte) string {
	return string(kv.AppendEscaped(nil, key)) + string(value)
}

func splitMultiKey(ck string) (key, value []byte, err error) {
	key, value, err = kv.SplitEscaped([]byte(ck))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return key, value, nil
}

func (tx *WriteTx) stage(o op) {
	tx.ops = append(tx.ops, o)
	c := tx.ov[o.tree]
	if c == nil || o.op == opDropTree {
		c = &treeChanges{entries: map[string]*[]byte{}}
		tx.ov[o.tree] = c
	}
	switch o.op {
	case opInsert:
		v := append([]byte{}, o.value...)
		c.entries[string(o.key)] = &v
	case opRemove:
		c.entries[string(o.key)] = nil
	case opInsertMulti:
		v := []byte{}
		c.entries[multiKey(o.key, o.value)] = &v
	case opRemoveMulti:
		c.entries[multiKey(o.key, o.value)] = nil
	case opDropTree:
		c.dropped = true
	}
}

func (tx *WriteTx) insert(kind treename.Kind, tree string, key, value []byte) {
	tx.stage(op{opInsert, kind, tree, key, value})
}

func (tx *WriteTx) remove(kind treename.Kind, tree string, key []byte) {
	tx.stage(op{op: opRemove, kind: kind, tree: tree, key: key})
}

func (tx *WriteTx) insertMulti(kind treename.Kind, tree string, key, value []byte) {
	tx.stage(op{opInsertMulti, kind, tree, key, value})
}

func (tx *WriteTx) removeMulti(kind treename.Kind, tree string, key, value []byte) {
	tx.stage(op{opRemoveMulti, kind, tree, key, value})
}

func (tx *WriteTx) dropTree(kind treename.Kind, tree string) {
	tx.stage(op{op: opDropTree, kind: kind, tree: tree})
}

// get returns the value for key in a unique tree, nil if absent.
func (tx *ReadTx) get(tree string, key []byte) ([]byte, error) {
	c := tx.ov[tree]
	if c != nil {
		if v, ok := c.entries[string(key)]; ok {
			if v == nil {
				return nil, nil
			}
			return *v, nil
		}
		if c.dropped {
			return nil, nil
		}
	}
	t, err := tx.ktx.Tree(tree)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	v, err := t.Get(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return v, nil
}

// multiGet returns the values for key in a multimap tree, sorted.
func (tx *ReadTx) multiGet(tree string, key []byte) ([][]byte, error) {
	c := tx.ov[tree]
	var vals [][]byte
	if c == nil || !c.dropped {
		t, err := tx.ktx.MultiTree(tree)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStorage, err)
		}
		vals, err = t.Get(key)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStorage, err)
		}
	}
	if c == nil {
		return vals, nil
	}

	prefix := string(kv.AppendEscaped(nil, key))
	present := map[string]bool{}
	for _, v := range vals {
		present[string(v)] = true
	}
	for k, v := range c.entries {
		if strings.HasPrefix(k, prefix) {
			present[k[len(prefix):]] = v != nil
		}
	}
	vals = nil
	for v, ok := range present {
		if ok {
			vals = append(vals, []byte(v))
		}
	}
	sort.Slice(vals, func(i, j int) bool {
		return bytes.Compare(vals[i], vals[j]) < 0
	})
	return vals, nil
}

// scan calls fn for all entries of a unique tree in key order.
func (tx *ReadTx) scan(tree string, fn func(k, v []byte) error) error {
	return tx.scanPrefix(tree, nil, fn)
}

// scanPrefix calls fn for the entries of a unique tree with keys starting with
// prefix, in key order.
func (tx *ReadTx) scanPrefix(tree string, prefix []byte, fn func(k, v []byte) error) error {
	each := func(t kv.Tree, fn func(k, v []byte) error) error {
		if len(prefix) == 0 {
			return t.ForEach(fn)
		}
		return t.Range(prefix, fn)
	}

	c := tx.ov[tree]
	if c == nil {
		t, err := tx.ktx.Tree(tree)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrStorage, err)
		}
		return each(t, fn)
	}

	m := map[string][]byte{}
	if !c.dropped {
		t, err := tx.ktx.Tree(tree)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrStorage, err)
		}
		err = each(t, func(k, v []byte) error {
			m[string(k)] = v
			return nil
		})
		if err != nil {
			return fmt.Errorf("%w: %w", ErrStorage, err)
		}
	}
	for k, v := range c.entries {
		if !strings.HasPrefix(k, string(prefix)) {
			continue
		}
		if v == nil {
			delete(m, k)
		} else {
			m[k] = *v
		}
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := fn([]byte(k), m[k]); err != nil {
			return err
		}
	}
	return nil
}

// multiScan calls fn for all pairs of a multimap tree, ordered by key, then
// value.
func (tx *ReadTx) multiScan(tree string, fn func(k, v []byte) error) error {
	t, err := tx.ktx.MultiTree(tree)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	c := tx.ov[tree]
	if c == nil {
		return t.ForEach(fn)
	}

	// Composite keys sort by key, then value.
	m := map[string]bool{}
	if !c.dropped {
		err := t.ForEach(func(k, v []byte) error {
			m[multiKey(k, v)] = true
			return nil
		})
		if err != nil {
			return fmt.Errorf("%w: %w", ErrStorage, err)
		}
	}
	for k, v := range c.entries {
		m[k] = v != nil
	}
	var keys []string
	for k, ok := range m {
		if ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, ck := range keys {
		k, v, err := splitMultiKey(ck)
		if err != nil {
			return err
		}
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

// treeNames returns the names of existing and staged trees starting with
// prefix.
func (tx *ReadTx) treeNames(prefix string) ([]string, error) {
	l, err := tx.ktx.TreeNames()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	seen := map[string]bool{}
	var r []string
	add := func(name string) {
		if strings.HasPrefix(name, prefix) && !seen[name] {
			seen[name] = true
			r = append(r, name)
		}
	}
	for _, name := range l {
		add(name)
	}
	for name := range tx.ov {
		add(name)
	}
	sort.Strings(r)
	return r, nil
}
