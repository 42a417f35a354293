package store

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/mjl-/defstore/treename"
)

// Query selects a range of keys, of the primary keys of a model or of the keys
// in a secondary index. The zero Query selects all keys in ascending order.
type Query struct {
	Prefix []byte // Only keys starting with Prefix.
	Start  []byte // If set, only keys >= Start.
	End    []byte // If set, only keys < End.

	Reverse bool // Descending order. Offset and Limit apply after reversing.
	Offset  int  // Number of selected keys to skip.
	Limit   int  // If > 0, return at most Limit keys.
}

func (q Query) check() error {
	if q.Offset < 0 || q.Limit < 0 {
		return fmt.Errorf("%w: negative offset or limit", ErrParam)
	}
	return nil
}

var errStop = errors.New("stop iteration")

type pair struct {
	k, v []byte
}

// selectKeys calls fn for the entries that each iterates over in key order
// and that q selects.
func selectKeys(q Query, each func(fn func(k, v []byte) error) error, fn func(k, v []byte) error) error {
	var reversed []pair
	skip := q.Offset
	n := 0
	emit := func(k, v []byte) error {
		if skip > 0 {
			skip--
			return nil
		}
		if err := fn(k, v); err != nil {
			return err
		}
		n++
		if q.Limit > 0 && n >= q.Limit {
			return errStop
		}
		return nil
	}
	err := each(func(k, v []byte) error {
		if !bytes.HasPrefix(k, q.Prefix) || len(q.Start) > 0 && bytes.Compare(k, q.Start) < 0 {
			return nil
		}
		if len(q.End) > 0 && bytes.Compare(k, q.End) >= 0 {
			return errStop
		}
		if q.Reverse {
			reversed = append(reversed, pair{k, v})
			return nil
		}
		return emit(k, v)
	})
	for i := len(reversed) - 1; err == nil && i >= 0; i-- {
		err = emit(reversed[i].k, reversed[i].v)
	}
	if errors.Is(err, errStop) {
		return nil
	}
	return err
}

func (r *Reader[M]) query(q Query, fn func(pk, data []byte) error) error {
	if err := r.check(); err != nil {
		return err
	}
	if err := q.check(); err != nil {
		return err
	}
	each := func(fn func(k, v []byte) error) error {
		return r.tx.scanPrefix(r.tree(treename.Main, ""), q.Prefix, fn)
	}
	return selectKeys(q, each, fn)
}

// PKs returns the primary keys selected by q.
func (r *Reader[M]) PKs(q Query) ([][]byte, error) {
	var l [][]byte
	err := r.query(q, func(pk, data []byte) error {
		l = append(l, pk)
		return nil
	})
	return l, err
}

// List returns the records with primary keys selected by q.
func (r *Reader[M]) List(q Query) ([]M, error) {
	var l []M
	err := r.query(q, func(pk, data []byte) error {
		v, _, err := storedRecord(r.model, pk, data)
		if err != nil {
			return err
		}
		l = append(l, v)
		return nil
	})
	return l, err
}

// Count returns the number of records List returns for q, without parsing them.
func (r *Reader[M]) Count(q Query) (int, error) {
	n := 0
	err := r.query(q, func(pk, data []byte) error {
		n++
		return nil
	})
	return n, err
}

// PKsBySecondaryRange returns the primary keys of records with keys in the named
// secondary index selected by q, ordered by index key, then primary key. A
// record with multiple selected keys is returned for each.
func (r *Reader[M]) PKsBySecondaryRange(index string, q Query) ([][]byte, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	if err := q.check(); err != nil {
		return nil, err
	}
	each := func(fn func(k, v []byte) error) error {
		return r.tx.multiScan(r.tree(treename.Secondary, index), fn)
	}
	var l [][]byte
	err := selectKeys(q, each, func(k, pk []byte) error {
		l = append(l, pk)
		return nil
	})
	return l, err
}

// PKsBySecondaryPrefix returns the primary keys of records with keys starting
// with prefix in the named secondary index.
func (r *Reader[M]) PKsBySecondaryPrefix(index string, prefix []byte) ([][]byte, error) {
	return r.PKsBySecondaryRange(index, Query{Prefix: prefix})
}

// GetBySecondaryRange returns the records for PKsBySecondaryRange.
func (r *Reader[M]) GetBySecondaryRange(index string, q Query) ([]M, error) {
	pks, err := r.PKsBySecondaryRange(index, q)
	if err != nil {
		return nil, err
	}
	return r.getAll(pks)
}
