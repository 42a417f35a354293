package store

import (
	"fmt"
	"log/slog"

	"github.com/mjl-/defstore/treename"
)

// Migrate converts all records of model from into records of model to with fn,
// e.g. for a new version of a model. The converted records are put with all
// their derived keys, and all trees of model from are dropped. The models must
// have different names. If fn fails, the transaction is botched and its commit
// refused. The number of migrated records is returned.
func Migrate[O, N any](tx *WriteTx, from *Model[O], to *Model[N], fn func(O) (N, error)) (int, error) {
	r := NewReader[O](tx, from)
	w := NewWriter(tx, to)
	if err := r.check(); err != nil {
		return 0, err
	}
	if err := w.check(); err != nil {
		return 0, err
	}
	if from.Name == to.Name {
		return 0, fmt.Errorf("%w: migrating model %q to itself", ErrParam, from.Name)
	}

	var old []O
	err := r.ForEach(func(v O) error {
		old = append(old, v)
		return nil
	})
	if err != nil {
		return 0, err
	}
	names, err := tx.treeNames(treename.Model(tx.db.definition, from.Name))
	if err != nil {
		return 0, err
	}

	// From here on, failures leave the transaction botched.
	for _, o := range old {
		v, err := fn(o)
		if err == nil {
			err = w.Put(v)
		}
		if err != nil {
			tx.err = fmt.Errorf("migrating %s to %s: %w", from.Name, to.Name, err)
			return 0, tx.err
		}
	}
	for _, name := range names {
		p, err := treename.Parse(name)
		if err != nil {
			tx.err = err
			return 0, fmt.Errorf("%w: %w", ErrStorage, err)
		}
		tx.dropTree(p.Kind, name)
	}
	tx.log.Info("migrated records", slog.String("from", from.Name), slog.String("to", to.Name), slog.Int("records", len(old)))
	return len(old), nil
}
