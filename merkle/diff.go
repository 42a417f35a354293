package merkle

import (
	"bytes"
	"fmt"
	"sort"
)

// Diff lists the keys in which two trees differ.
type Diff struct {
	NeededBySelf  [][]byte // Present only in the remote tree.
	NeededByOther [][]byte // Present only in the local tree.
	Conflicting   [][]byte // Present in both, with different hashes.
}

// Empty returns whether the trees were equal.
func (d Diff) Empty() bool {
	return d.Len() == 0
}

// Len returns the number of differing keys.
func (d Diff) Len() int {
	return len(d.NeededBySelf) + len(d.NeededByOther) + len(d.Conflicting)
}

func (d Diff) Summary() string {
	return fmt.Sprintf("needed by self %d, needed by other %d, conflicting %d", len(d.NeededBySelf), len(d.NeededByOther), len(d.Conflicting))
}

// Merge adds the keys of o to d, keeping the lists sorted and without
// duplicates.
func (d *Diff) Merge(o Diff) {
	d.NeededBySelf = mergeKeys(d.NeededBySelf, o.NeededBySelf)
	d.NeededByOther = mergeKeys(d.NeededByOther, o.NeededByOther)
	d.Conflicting = mergeKeys(d.Conflicting, o.Conflicting)
}

func mergeKeys(a, b [][]byte) [][]byte {
	if len(b) == 0 {
		return a
	}
	l := append(append([][]byte{}, a...), b...)
	sortKeys(l)
	o := 0
	for i := range l {
		if i > 0 && bytes.Equal(l[i], l[o-1]) {
			continue
		}
		l[o] = l[i]
		o++
	}
	return l[:o]
}

func sortKeys(l [][]byte) {
	sort.Slice(l, func(i, j int) bool {
		return bytes.Compare(l[i], l[j]) < 0
	})
}

// Compare returns the differences between the local and remote trees. Both
// trees must not change during the comparison.
//
// The trees are walked in lockstep from the roots. Subtrees with equal hashes
// are skipped. Where a subtree differs, its children are compared, until one
// side reaches a leaf or has no node. The items under such differing nodes are
// collected from both sides and classified by key. An item that moved to
// another position because of an insert or removal elsewhere ends up on both
// sides with the same hash, and is not reported.
func Compare(local, remote *Tree) Diff {
	var lc, rc []Item
	walk(local.root(), remote.root(), &lc, &rc)

	lm := make(map[string]Hash, len(lc))
	for _, it := range lc {
		lm[string(it.Key)] = it.Hash
	}
	rm := make(map[string]Hash, len(rc))
	for _, it := range rc {
		rm[string(it.Key)] = it.Hash
	}

	var d Diff
	for _, it := range lc {
		if h, ok := rm[string(it.Key)]; !ok {
			d.NeededByOther = append(d.NeededByOther, it.Key)
		} else if h != it.Hash {
			d.Conflicting = append(d.Conflicting, it.Key)
		}
	}
	for _, it := range rc {
		if _, ok := lm[string(it.Key)]; !ok {
			d.NeededBySelf = append(d.NeededBySelf, it.Key)
		}
	}
	sortKeys(d.NeededBySelf)
	sortKeys(d.NeededByOther)
	sortKeys(d.Conflicting)
	return d
}

func walk(a, b node, ac, bc *[]Item) {
	if a.ok && b.ok && a.hash() == b.hash() {
		return
	}
	if !a.ok || !b.ok || a.level == 0 || b.level == 0 {
		*ac = append(*ac, a.leaves()...)
		*bc = append(*bc, b.leaves()...)
		return
	}
	for i := 0; i < 2; i++ {
		walk(a.child(i), b.child(i), ac, bc)
	}
}
