package kv_test

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/mjl-/defstore/kv"
	_ "github.com/mjl-/defstore/kv/boltkv"
	_ "github.com/mjl-/defstore/kv/levelkv"
)

func tcheckf(t *testing.T, err error, format string, args ...any) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", fmt.Sprintf(format, args...), err)
	}
}

func tcompare(t *testing.T, got, expect any) {
	t.Helper()
	if !reflect.DeepEqual(got, expect) {
		t.Fatalf("got:\n%v\nexpected:\n%v", got, expect)
	}
}

func TestRegistry(t *testing.T) {
	tcompare(t, kv.Backends(), []string{"bolt", "leveldb", "memory"})
	fn, err := kv.Filename("bolt")
	tcheckf(t, err, "filename")
	tcompare(t, fn, "store.db")
	tcompare(t, kv.Filenames(), []string{"leveldb", "memory", "store.db"})
	for _, name := range kv.Backends() {
		v, err := kv.Volatile(name)
		tcheckf(t, err, "volatile")
		tcompare(t, v, name == "memory")
	}
	_, err = kv.Volatile("bogus")
	if !errors.Is(err, kv.ErrUnknownBackend) {
		t.Fatalf("volatile unknown backend: got %v, expected ErrUnknownBackend", err)
	}
	_, err = kv.Open("bogus", t.TempDir())
	if !errors.Is(err, kv.ErrUnknownBackend) {
		t.Fatalf("open unknown backend: got %v, expected ErrUnknownBackend", err)
	}
}

func TestBackends(t *testing.T) {
	for _, name := range kv.Backends() {
		t.Run(name, func(t *testing.T) {
			fn, err := kv.Filename(name)
			tcheckf(t, err, "filename")
			b, err := kv.Open(name, filepath.Join(t.TempDir(), fn))
			tcheckf(t, err, "open backend")
			defer b.Close()
			testBackend(t, b)
		})
	}
}

func entries(t *testing.T, fe func(fn func(k, v []byte) error) error) []string {
	t.Helper()
	var l []string
	err := fe(func(k, v []byte) error {
		l = append(l, fmt.Sprintf("%s=%s", k, v))
		return nil
	})
	tcheckf(t, err, "foreach")
	return l
}

func testBackend(t *testing.T, b kv.Backend) {
	if !b.MVCC() {
		t.Fatalf("expected mvcc")
	}

	// Reading missing tree in read-only tx.
	rtx, err := b.Begin(false)
	tcheckf(t, err, "begin read")
	tr, err := rtx.Tree("a")
	tcheckf(t, err, "tree")
	v, err := tr.Get([]byte("x"))
	tcheckf(t, err, "get")
	if v != nil {
		t.Fatalf("got value %q for missing tree", v)
	}
	n, err := tr.Len()
	tcheckf(t, err, "len")
	tcompare(t, n, 0)
	err = tr.Insert([]byte("x"), []byte("1"))
	if !errors.Is(err, kv.ErrTxReadOnly) {
		t.Fatalf("insert in read tx: got %v, expected ErrTxReadOnly", err)
	}
	tcheckf(t, rtx.Commit(), "commit read")
	if err := rtx.Commit(); !errors.Is(err, kv.ErrTxDone) {
		t.Fatalf("second commit: got %v, expected ErrTxDone", err)
	}
	tcheckf(t, rtx.Rollback(), "rollback after commit")

	// Write to two trees, read own writes.
	wtx, err := b.Begin(true)
	tcheckf(t, err, "begin write")
	ta, err := wtx.Tree("a")
	tcheckf(t, err, "tree a")
	for _, k := range []string{"c", "a", "b", "ab"} {
		tcheckf(t, ta.Insert([]byte(k), []byte("v"+k)), "insert")
	}
	v, err = ta.Get([]byte("b"))
	tcheckf(t, err, "get own write")
	tcompare(t, v, []byte("vb"))
	mt, err := wtx.MultiTree("m")
	tcheckf(t, err, "multitree")
	tcheckf(t, mt.InsertMulti([]byte("k"), []byte("2")), "insertmulti")
	tcheckf(t, mt.InsertMulti([]byte("k"), []byte("1")), "insertmulti")
	tcheckf(t, mt.InsertMulti([]byte("k"), []byte("1")), "insertmulti duplicate")
	tcheckf(t, mt.InsertMulti([]byte("k\x00"), []byte("3")), "insertmulti")
	tcheckf(t, mt.InsertMulti([]byte("j"), []byte("0")), "insertmulti")

	// Concurrent reader does not see uncommitted changes.
	rtx, err = b.Begin(false)
	tcheckf(t, err, "begin read")
	tr, err = rtx.Tree("a")
	tcheckf(t, err, "tree")
	n, err = tr.Len()
	tcheckf(t, err, "len")
	tcompare(t, n, 0)
	tcheckf(t, rtx.Rollback(), "rollback read")

	tcheckf(t, wtx.Commit(), "commit")

	rtx, err = b.Begin(false)
	tcheckf(t, err, "begin read")
	tr, err = rtx.Tree("a")
	tcheckf(t, err, "tree")
	tcompare(t, entries(t, tr.ForEach), []string{"a=va", "ab=vab", "b=vb", "c=vc"})
	tcompare(t, entries(t, func(fn func(k, v []byte) error) error { return tr.Range([]byte("a"), fn) }), []string{"a=va", "ab=vab"})
	rmt, err := rtx.MultiTree("m")
	tcheckf(t, err, "multitree")
	vals, err := rmt.Get([]byte("k"))
	tcheckf(t, err, "get multi")
	tcompare(t, vals, [][]byte{[]byte("1"), []byte("2")})
	tcompare(t, entries(t, rmt.ForEach), []string{"j=0", "k=1", "k=2", "k\x00=3"})
	n, err = rmt.Len()
	tcheckf(t, err, "len multi")
	tcompare(t, n, 4)
	names, err := rtx.TreeNames()
	tcheckf(t, err, "treenames")
	tcompare(t, names, []string{"a", "m"})
	tcheckf(t, rtx.Rollback(), "rollback read")

	// Removes, then rollback.
	wtx, err = b.Begin(true)
	tcheckf(t, err, "begin write")
	ta, err = wtx.Tree("a")
	tcheckf(t, err, "tree")
	removed, err := ta.Remove([]byte("a"))
	tcheckf(t, err, "remove")
	tcompare(t, removed, true)
	removed, err = ta.Remove([]byte("a"))
	tcheckf(t, err, "remove again")
	tcompare(t, removed, false)
	tcompare(t, entries(t, ta.ForEach), []string{"ab=vab", "b=vb", "c=vc"})
	tcheckf(t, wtx.Rollback(), "rollback")

	// Removes and tree delete, committed.
	wtx, err = b.Begin(true)
	tcheckf(t, err, "begin write")
	mt, err = wtx.MultiTree("m")
	tcheckf(t, err, "multitree")
	removed, err = mt.RemoveMulti([]byte("k"), []byte("3"))
	tcheckf(t, err, "removemulti")
	tcompare(t, removed, false)
	removed, err = mt.RemoveMulti([]byte("k"), []byte("2"))
	tcheckf(t, err, "removemulti")
	tcompare(t, removed, true)
	vals, err = mt.Get([]byte("k"))
	tcheckf(t, err, "get multi")
	tcompare(t, vals, [][]byte{[]byte("1")})
	tcheckf(t, wtx.DeleteTree("a"), "delete tree")
	tcheckf(t, wtx.DeleteTree("absent"), "delete absent tree")
	ta, err = wtx.Tree("a")
	tcheckf(t, err, "tree")
	n, err = ta.Len()
	tcheckf(t, err, "len")
	tcompare(t, n, 0)
	tcheckf(t, wtx.Commit(), "commit")
	if err := ta.Insert([]byte("x"), nil); !errors.Is(err, kv.ErrTxDone) {
		t.Fatalf("insert after commit: got %v, expected ErrTxDone", err)
	}

	rtx, err = b.Begin(false)
	tcheckf(t, err, "begin read")
	names, err = rtx.TreeNames()
	tcheckf(t, err, "treenames")
	tcompare(t, names, []string{"m"})
	rmt, err = rtx.MultiTree("m")
	tcheckf(t, err, "multitree")
	tcompare(t, entries(t, rmt.ForEach), []string{"j=0", "k=1", "k\x00=3"})
	tcheckf(t, rtx.Rollback(), "rollback read")

	// Empty values are distinct from absent.
	wtx, err = b.Begin(true)
	tcheckf(t, err, "begin write")
	ta, err = wtx.Tree("e")
	tcheckf(t, err, "tree")
	tcheckf(t, ta.Insert([]byte("k"), nil), "insert empty value")
	tcheckf(t, wtx.Commit(), "commit")
	rtx, err = b.Begin(false)
	tcheckf(t, err, "begin read")
	tr, err = rtx.Tree("e")
	tcheckf(t, err, "tree")
	v, err = tr.Get([]byte("k"))
	tcheckf(t, err, "get")
	if v == nil || !bytes.Equal(v, []byte{}) {
		t.Fatalf("got %v, expected empty non-nil value", v)
	}
	tcheckf(t, rtx.Rollback(), "rollback read")
}
