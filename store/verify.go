package store

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/mjl-/defstore/merkle"
	"github.com/mjl-/defstore/treename"
)

// derivedTrees returns the expected contents of all derived trees of the
// model, computed from the Main tree. For multimap trees, keys are the
// composite key and value, with an empty value.
func (r *Reader[M]) derivedTrees() (map[string]map[string]string, error) {
	trees := map[string]map[string]string{}
	set := func(tree, k, v string) {
		m := trees[tree]
		if m == nil {
			m = map[string]string{}
			trees[tree] = m
		}
		m[k] = v
	}
	accs := map[string]*merkle.Accumulator{}
	err := r.tx.scan(r.tree(treename.Main, ""), func(pk, data []byte) error {
		_, rec, err := storedRecord(r.model, pk, data)
		if err != nil {
			return err
		}
		for _, k := range rec.secondary {
			set(r.tree(treename.Secondary, k.Name), multiKey(k.Key, pk), "")
		}
		for _, k := range rec.relational {
			set(r.tree(treename.Relational, k.Name), multiKey(k.Key, pk), "")
		}
		for _, t := range rec.topics {
			set(r.tree(treename.Subscription, t), string(pk), string(rec.hash[:]))
			a := accs[t]
			if a == nil {
				a = &merkle.Accumulator{}
				accs[t] = a
			}
			a.Add(rec.hash)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for t, a := range accs {
		set(r.tree(treename.Accumulator, t), accumulatorKey, string(a.Marshal()))
	}
	return trees, nil
}

// derivedTreeNames returns the names of existing derived trees of the model.
func (r *Reader[M]) derivedTreeNames() ([]string, []treename.Parts, error) {
	names, err := r.tx.treeNames(treename.Model(r.tx.db.definition, r.model.Name))
	if err != nil {
		return nil, nil, err
	}
	var l []string
	var parts []treename.Parts
	for _, name := range names {
		p, err := treename.Parse(name)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %w", ErrStorage, err)
		}
		if p.Kind != treename.Main {
			l = append(l, name)
			parts = append(parts, p)
		}
	}
	return l, parts, nil
}

// Verify checks that the derived trees of the model match its records. It
// returns a description of each inconsistency found.
func (r *Reader[M]) Verify() ([]string, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	exp, err := r.derivedTrees()
	if err != nil {
		return nil, err
	}
	names, parts, err := r.derivedTreeNames()
	if err != nil {
		return nil, err
	}
	kinds := map[string]treename.Kind{}
	for i, name := range names {
		kinds[name] = parts[i].Kind
	}
	for name := range exp {
		if _, ok := kinds[name]; !ok {
			p, err := treename.Parse(name)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrStorage, err)
			}
			kinds[name] = p.Kind
		}
	}
	var all []string
	for name := range kinds {
		all = append(all, name)
	}
	sort.Strings(all)

	var problems []string
	for _, name := range all {
		got := map[string]string{}
		var err error
		switch kinds[name] {
		case treename.Secondary, treename.Relational:
			err = r.tx.multiScan(name, func(k, v []byte) error {
				got[multiKey(k, v)] = ""
				return nil
			})
		default:
			err = r.tx.scan(name, func(k, v []byte) error {
				got[string(k)] = string(v)
				return nil
			})
		}
		if err != nil {
			return nil, err
		}
		want := exp[name]
		var keys []string
		for k := range want {
			keys = append(keys, k)
		}
		for k := range got {
			if _, ok := want[k]; !ok {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			wv, wok := want[k]
			gv, gok := got[k]
			switch {
			case !gok:
				problems = append(problems, fmt.Sprintf("tree %s: missing entry %x", name, k))
			case !wok:
				problems = append(problems, fmt.Sprintf("tree %s: unexpected entry %x", name, k))
			case wv != gv:
				problems = append(problems, fmt.Sprintf("tree %s: entry %x has value %x, expected %x", name, k, gv, wv))
			}
		}
	}
	return problems, nil
}

// RebuildIndices drops all derived trees of the model and recreates them from
// the records in the Main tree.
func (w *Writer[M]) RebuildIndices() error {
	if err := w.check(); err != nil {
		return err
	}
	exp, err := w.derivedTrees()
	if err != nil {
		return err
	}
	_, parts, err := w.derivedTreeNames()
	if err != nil {
		return err
	}

	// From here on, failures leave the transaction botched.
	for _, p := range parts {
		w.wtx.dropTree(p.Kind, p.String())
	}
	names := make([]string, 0, len(exp))
	for name := range exp {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p, err := treename.Parse(name)
		if err != nil {
			w.wtx.err = err
			return fmt.Errorf("%w: %w", ErrStorage, err)
		}
		keys := make([]string, 0, len(exp[name]))
		for k := range exp[name] {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			switch p.Kind {
			case treename.Secondary, treename.Relational:
				key, pk, err := splitMultiKey(k)
				if err != nil {
					w.wtx.err = err
					return err
				}
				w.wtx.insertMulti(p.Kind, name, key, pk)
			default:
				w.wtx.insert(p.Kind, name, []byte(k), []byte(exp[name][k]))
			}
		}
	}
	w.tx.log.Info("rebuilt indices", slog.String("model", w.model.Name), slog.Int("trees", len(names)))
	return nil
}
