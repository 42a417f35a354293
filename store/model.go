package store

import (
	"fmt"
	"sort"

	"github.com/mjl-/defstore/kv"
	"github.com/mjl-/defstore/merkle"
	"github.com/mjl-/defstore/treename"
)

// IndexKey is a key in a secondary or relational index. For secondary keys,
// Name is the name of the index. For relational keys, Name is the name of the
// relation, e.g. "CreatedBy", and Key the primary key of the referenced record,
// possibly of a model in another definition.
type IndexKey struct {
	Name string
	Key  []byte
}

// Model describes how records of type M are stored. Model values are typically
// generated from a schema.
type Model[M any] struct {
	Definition string // If set, must match the definition of the DB.
	Name       string

	// PrimaryKey returns the unique, non-empty key of a record.
	PrimaryKey func(M) []byte

	// Optional.
	SecondaryKeys  func(M) []IndexKey
	RelationalKeys func(M) []IndexKey
	Topics         func(M) []string

	// Canonical encoding of a record, used for storage and the content hash.
	Marshal   func(M) ([]byte, error)
	Unmarshal func([]byte) (M, error)
}

func (m *Model[M]) check(db *DB) error {
	if m == nil || m.Name == "" || m.PrimaryKey == nil || m.Marshal == nil || m.Unmarshal == nil {
		return fmt.Errorf("%w: incomplete model", ErrParam)
	}
	if m.Definition != "" && m.Definition != db.definition {
		return fmt.Errorf("%w: model %q is for definition %q, not %q", ErrParam, m.Name, m.Definition, db.definition)
	}
	return nil
}

// record is a stored record with its derived keys.
type record struct {
	pk         []byte
	data       []byte
	hash       merkle.Hash
	secondary  []IndexKey
	relational []IndexKey
	topics     []string // Sorted, no duplicates.
}

func derive[M any](m *Model[M], v M, pk, data []byte) record {
	r := record{
		pk:   pk,
		data: data,
		hash: merkle.HashRecord(pk, data),
	}
	if m.SecondaryKeys != nil {
		r.secondary = m.SecondaryKeys(v)
	}
	if m.RelationalKeys != nil {
		r.relational = m.RelationalKeys(v)
	}
	if m.Topics != nil {
		seen := map[string]bool{}
		for _, t := range m.Topics(v) {
			if !seen[t] {
				seen[t] = true
				r.topics = append(r.topics, t)
			}
		}
		sort.Strings(r.topics)
	}
	return r
}

func newRecord[M any](m *Model[M], v M) (record, error) {
	pk := m.PrimaryKey(v)
	if len(pk) == 0 {
		return record{}, fmt.Errorf("%w: empty primary key", ErrParam)
	}
	data, err := m.Marshal(v)
	if err != nil {
		return record{}, fmt.Errorf("%w: marshal %s: %w", ErrSerialization, m.Name, err)
	}
	return derive(m, v, pk, data), nil
}

func storedRecord[M any](m *Model[M], pk, data []byte) (M, record, error) {
	v, err := m.Unmarshal(data)
	if err != nil {
		return v, record{}, fmt.Errorf("%w: unmarshal %s %x: %w", ErrSerialization, m.Name, pk, err)
	}
	return v, derive(m, v, pk, data), nil
}

const accumulatorKey = "acc"

func parseHash(tree string, b []byte) (merkle.Hash, error) {
	var h merkle.Hash
	if len(b) != len(h) {
		return h, fmt.Errorf("%w: tree %q: hash of %d bytes", ErrStorage, tree, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// Reader reads records of one model in a transaction.
type Reader[M any] struct {
	tx    *ReadTx
	model *Model[M]
}

// NewReader returns a reader for model in tx, which can be a *ReadTx or
// *WriteTx. Readers for a *WriteTx see the changes staged in it.
func NewReader[M any](tx Tx, model *Model[M]) *Reader[M] {
	return &Reader[M]{tx.readTx(), model}
}

func (r *Reader[M]) check() error {
	if err := r.tx.check(); err != nil {
		return err
	}
	return r.model.check(r.tx.db)
}

func (r *Reader[M]) tree(kind treename.Kind, name string) string {
	return treename.Name(r.tx.db.definition, r.model.Name, kind, name)
}

// Get returns the record with primary key pk. If absent, ok is false and err
// nil.
func (r *Reader[M]) Get(pk []byte) (v M, ok bool, err error) {
	if err := r.check(); err != nil {
		return v, false, err
	}
	data, err := r.tx.get(r.tree(treename.Main, ""), pk)
	if err != nil || data == nil {
		return v, false, err
	}
	v, _, err = storedRecord(r.model, pk, data)
	if err != nil {
		return v, false, err
	}
	return v, true, nil
}

// PKsBySecondary returns the primary keys of records with key in the named
// secondary index, sorted.
func (r *Reader[M]) PKsBySecondary(index string, key []byte) ([][]byte, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	return r.tx.multiGet(r.tree(treename.Secondary, index), key)
}

// PKBySecondary returns the first primary key for key in the named secondary
// index, for unique indices.
func (r *Reader[M]) PKBySecondary(index string, key []byte) ([]byte, bool, error) {
	l, err := r.PKsBySecondary(index, key)
	if err != nil || len(l) == 0 {
		return nil, false, err
	}
	return l[0], true, nil
}

// GetBySecondary returns the records with key in the named secondary index.
func (r *Reader[M]) GetBySecondary(index string, key []byte) ([]M, error) {
	pks, err := r.PKsBySecondary(index, key)
	if err != nil {
		return nil, err
	}
	return r.getAll(pks)
}

// PKsByRelation returns the primary keys of records that reference fk through
// the named relation.
func (r *Reader[M]) PKsByRelation(relation string, fk []byte) ([][]byte, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	return r.tx.multiGet(r.tree(treename.Relational, relation), fk)
}

// GetByRelation returns the records that reference fk through the named
// relation. The referenced record may not exist.
func (r *Reader[M]) GetByRelation(relation string, fk []byte) ([]M, error) {
	pks, err := r.PKsByRelation(relation, fk)
	if err != nil {
		return nil, err
	}
	return r.getAll(pks)
}

func (r *Reader[M]) getAll(pks [][]byte) ([]M, error) {
	var l []M
	for _, pk := range pks {
		v, ok, err := r.Get(pk)
		if err != nil {
			return nil, err
		} else if ok {
			l = append(l, v)
		}
	}
	return l, nil
}

// SubscriptionAccumulator returns the accumulator for topic. It is the zero
// value for a topic without records.
func (r *Reader[M]) SubscriptionAccumulator(topic string) (merkle.Accumulator, error) {
	if err := r.check(); err != nil {
		return merkle.Accumulator{}, err
	}
	return r.accumulator(topic)
}

func (r *Reader[M]) accumulator(topic string) (merkle.Accumulator, error) {
	tree := r.tree(treename.Accumulator, topic)
	buf, err := r.tx.get(tree, []byte(accumulatorKey))
	if err != nil || buf == nil {
		return merkle.Accumulator{}, err
	}
	a, err := merkle.UnmarshalAccumulator(buf)
	if err != nil {
		return a, fmt.Errorf("%w: tree %q: %w", ErrStorage, tree, err)
	}
	return a, nil
}

// SubscriptionKeys returns the primary keys of records in topic, sorted.
func (r *Reader[M]) SubscriptionKeys(topic string) ([][]byte, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	var l [][]byte
	err := r.tx.scan(r.tree(treename.Subscription, topic), func(k, v []byte) error {
		l = append(l, k)
		return nil
	})
	return l, err
}

// SubscriptionTree returns a merkle tree of the records in topic, as of this
// transaction.
func (r *Reader[M]) SubscriptionTree(topic string) (*merkle.Tree, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	tree := r.tree(treename.Subscription, topic)
	var items []merkle.Item
	err := r.tx.scan(tree, func(k, v []byte) error {
		h, err := parseHash(tree, v)
		if err != nil {
			return err
		}
		items = append(items, merkle.Item{Key: k, Hash: h})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return merkle.New(items), nil
}

// Topics returns the topics that have or had records, sorted.
func (r *Reader[M]) Topics() ([]string, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	names, err := r.tx.treeNames(treename.Model(r.tx.db.definition, r.model.Name))
	if err != nil {
		return nil, err
	}
	var l []string
	for _, name := range names {
		p, err := treename.Parse(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStorage, err)
		}
		if p.Kind == treename.Subscription {
			l = append(l, p.Name)
		}
	}
	return l, nil
}

// ForEach calls fn for each record, in order of primary key. If fn returns an
// error, iteration stops and the error is returned.
func (r *Reader[M]) ForEach(fn func(v M) error) error {
	if err := r.check(); err != nil {
		return err
	}
	return r.tx.scan(r.tree(treename.Main, ""), func(pk, data []byte) error {
		v, _, err := storedRecord(r.model, pk, data)
		if err != nil {
			return err
		}
		return fn(v)
	})
}

// Len returns the number of records.
func (r *Reader[M]) Len() (int, error) {
	if err := r.check(); err != nil {
		return 0, err
	}
	n := 0
	err := r.tx.scan(r.tree(treename.Main, ""), func(k, v []byte) error {
		n++
		return nil
	})
	return n, err
}

// Writer changes records of one model in a write transaction.
type Writer[M any] struct {
	*Reader[M]
	wtx *WriteTx
}

// NewWriter returns a writer for model in tx.
func NewWriter[M any](tx *WriteTx, model *Model[M]) *Writer[M] {
	return &Writer[M]{NewReader[M](tx, model), tx}
}

func (w *Writer[M]) check() error {
	if err := w.Reader.check(); err != nil {
		return err
	}
	if w.wtx.err != nil {
		return fmt.Errorf("%w: %w", ErrTxBotched, w.wtx.err)
	}
	return nil
}

// topicState is the subscription state of one record in one topic, read before
// staging changes.
type topicState struct {
	topic string
	prev  *merkle.Hash // Hash currently in the subscription tree.
	acc   merkle.Accumulator
}

func (w *Writer[M]) topicStates(pk []byte, topics ...[]string) ([]*topicState, error) {
	seen := map[string]bool{}
	var l []*topicState
	for _, tl := range topics {
		for _, t := range tl {
			if seen[t] {
				continue
			}
			seen[t] = true
			tree := w.tree(treename.Subscription, t)
			buf, err := w.tx.get(tree, pk)
			if err != nil {
				return nil, err
			}
			s := &topicState{topic: t}
			if buf != nil {
				h, err := parseHash(tree, buf)
				if err != nil {
					return nil, err
				}
				s.prev = &h
			}
			s.acc, err = w.accumulator(t)
			if err != nil {
				return nil, err
			}
			l = append(l, s)
		}
	}
	sort.Slice(l, func(i, j int) bool {
		return l[i].topic < l[j].topic
	})
	return l, nil
}

func (w *Writer[M]) stageAccumulator(topic string, acc merkle.Accumulator) {
	tree := w.tree(treename.Accumulator, topic)
	if acc.Count == 0 {
		w.wtx.remove(treename.Accumulator, tree, []byte(accumulatorKey))
	} else {
		w.wtx.insert(treename.Accumulator, tree, []byte(accumulatorKey), acc.Marshal())
	}
}

func indexKeyID(k IndexKey) string {
	return string(kv.AppendEscaped(nil, []byte(k.Name))) + string(k.Key)
}

// stageIndex stages removal of pairs only in prev, and insertion of all pairs
// in next.
func (w *Writer[M]) stageIndex(kind treename.Kind, pk []byte, prev, next []IndexKey) {
	keep := map[string]bool{}
	for _, k := range next {
		keep[indexKeyID(k)] = true
	}
	for _, k := range prev {
		if !keep[indexKeyID(k)] {
			w.wtx.removeMulti(kind, w.tree(kind, k.Name), k.Key, pk)
		}
	}
	for _, k := range next {
		w.wtx.insertMulti(kind, w.tree(kind, k.Name), k.Key, pk)
	}
}

// Put inserts or replaces a record, updating its index entries, subscriptions
// and the topic accumulators. Index entries and subscriptions of a replaced
// version that the new version does not have are removed.
func (w *Writer[M]) Put(v M) error {
	if err := w.check(); err != nil {
		return err
	}
	nr, err := newRecord(w.model, v)
	if err != nil {
		return err
	}

	// Read all current state before staging anything.
	mainTree := w.tree(treename.Main, "")
	oldData, err := w.tx.get(mainTree, nr.pk)
	if err != nil {
		return err
	}
	var old record
	if oldData != nil {
		_, old, err = storedRecord(w.model, nr.pk, oldData)
		if err != nil {
			return err
		}
	}
	states, err := w.topicStates(nr.pk, old.topics, nr.topics)
	if err != nil {
		return err
	}

	w.wtx.insert(treename.Main, mainTree, nr.pk, nr.data)
	w.stageIndex(treename.Secondary, nr.pk, old.secondary, nr.secondary)
	w.stageIndex(treename.Relational, nr.pk, old.relational, nr.relational)
	subscribed := map[string]bool{}
	for _, t := range nr.topics {
		subscribed[t] = true
	}
	for _, s := range states {
		if s.prev != nil {
			s.acc.Remove(*s.prev)
		}
		tree := w.tree(treename.Subscription, s.topic)
		if subscribed[s.topic] {
			w.wtx.insert(treename.Subscription, tree, nr.pk, nr.hash[:])
			s.acc.Add(nr.hash)
		} else if s.prev != nil {
			w.wtx.remove(treename.Subscription, tree, nr.pk)
		} else {
			continue
		}
		w.stageAccumulator(s.topic, s.acc)
	}
	return nil
}

// Delete removes the record with primary key pk, its index entries and
// subscriptions. Deleting an absent record is a no-op. Records referencing the
// deleted record are not changed.
func (w *Writer[M]) Delete(pk []byte) error {
	if err := w.check(); err != nil {
		return err
	}
	mainTree := w.tree(treename.Main, "")
	data, err := w.tx.get(mainTree, pk)
	if err != nil || data == nil {
		return err
	}
	_, old, err := storedRecord(w.model, pk, data)
	if err != nil {
		return err
	}
	states, err := w.topicStates(pk, old.topics)
	if err != nil {
		return err
	}

	w.wtx.remove(treename.Main, mainTree, pk)
	w.stageIndex(treename.Secondary, pk, old.secondary, nil)
	w.stageIndex(treename.Relational, pk, old.relational, nil)
	for _, s := range states {
		if s.prev == nil {
			continue
		}
		w.wtx.remove(treename.Subscription, w.tree(treename.Subscription, s.topic), pk)
		s.acc.Remove(*s.prev)
		w.stageAccumulator(s.topic, s.acc)
	}
	return nil
}
