package manager

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/mjl-/defstore/config"
	"github.com/mjl-/defstore/mlog"
	"github.com/mjl-/defstore/permission"
	"github.com/mjl-/defstore/store"
)

var ctxbg = context.Background()

var pkglog = mlog.New("manager", nil)

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func tcompare(t *testing.T, got, expect any) {
	t.Helper()
	if !reflect.DeepEqual(got, expect) {
		t.Fatalf("got:\n%v\nexpected:\n%v", got, expect)
	}
}

func terr(t *testing.T, err, expect error) {
	t.Helper()
	if !errors.Is(err, expect) {
		t.Fatalf("got error %v, expected %v", err, expect)
	}
}

type Item struct {
	Name  string
	Count int
}

var itemModel = store.Model[Item]{
	Name:       "Item",
	PrimaryKey: func(it Item) []byte { return []byte(it.Name) },
	Marshal:    func(it Item) ([]byte, error) { return json.Marshal(it) },
	Unmarshal: func(buf []byte) (it Item, err error) {
		err = json.Unmarshal(buf, &it)
		return
	},
}

func testConfig(dir string) Config {
	return Config{
		DataDir: dir,
		Definitions: map[string]DefinitionConfig{
			"users":          {Warm: true},
			"shop/inventory": {Backend: "leveldb"},
			"shop/orders":    {},
		},
		Roles: permission.Roles{
			"admin": permission.Explicit(permission.Admin),
			"clerk": permission.Build(permission.Read, map[string]permission.Level{"shop": permission.ReadWrite}),
			"none":  permission.Explicit(permission.None),
		},
	}
}

func newManager(t *testing.T) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	m, err := New(ctxbg, pkglog, testConfig(dir))
	tcheck(t, err, "new manager")
	t.Cleanup(func() {
		err := m.Close()
		tcheck(t, err, "close manager")
	})
	return m, dir
}

func putItem(c *Context, def string, it Item) error {
	tx, err := c.WriteTx(def)
	if err != nil {
		return err
	}
	return store.NewWriter(tx, &itemModel).Put(it)
}

func getItem(c *Context, def, name string) (Item, bool, error) {
	tx, err := c.ReadTx(def)
	if err != nil {
		return Item{}, false, err
	}
	return store.NewReader(tx, &itemModel).Get([]byte(name))
}

func TestLoad(t *testing.T) {
	m, dir := newManager(t)

	tcompare(t, m.Loaded(), []string(nil))
	tcompare(t, m.Stats(), Stats{Total: 3, Loaded: 0, Warm: 1})

	err := m.Load(ctxbg, "shop/orders")
	tcheck(t, err, "load")
	l := m.links["shop/orders"]
	db, loaded, err := l.Load(ctxbg, dir)
	tcheck(t, err, "load again")
	tcompare(t, loaded, false)
	db2, loaded, err := l.Load(ctxbg, dir)
	tcheck(t, err, "load again")
	tcompare(t, loaded, false)
	if db != db2 {
		t.Fatalf("second load returned different store")
	}
	_, err = os.Stat(filepath.Join(dir, "shop", "orders", "store.db"))
	tcheck(t, err, "stat store file")

	err = m.Load(ctxbg, "shop/inventory")
	tcheck(t, err, "load leveldb definition")
	_, err = os.Stat(filepath.Join(dir, "shop", "inventory", "leveldb"))
	tcheck(t, err, "stat leveldb dir")
	tcompare(t, m.Loaded(), []string{"shop/inventory", "shop/orders"})
	tcompare(t, m.IsLoaded("shop/orders"), true)
	tcompare(t, m.IsLoaded("users"), false)
	tcompare(t, m.IsLoaded("bogus"), false)

	terr(t, m.Load(ctxbg, "bogus"), ErrUnknownDefinition)

	err = m.Unload("shop/orders")
	tcheck(t, err, "unload")
	err = m.Unload("shop/orders")
	tcheck(t, err, "unload again")
	tcompare(t, m.Loaded(), []string{"shop/inventory"})

	// Catalog keeps track of loads.
	err = m.Load(ctxbg, "shop/orders")
	tcheck(t, err, "load again")
	dr, err := m.CatalogRecord(ctxbg, "shop/orders")
	tcheck(t, err, "catalog record")
	tcompare(t, dr.Backend, "bolt")
	tcompare(t, dr.Path, filepath.Join("shop", "orders", "store.db"))
	tcompare(t, dr.Loads, int64(2))
	if dr.FirstLoaded.IsZero() || dr.LastLoaded.Before(dr.FirstLoaded) {
		t.Fatalf("bad load times %v %v", dr.FirstLoaded, dr.LastLoaded)
	}
	_, err = m.CatalogRecord(ctxbg, "bogus")
	terr(t, err, ErrUnknownDefinition)
	l2, err := m.Catalog(ctxbg)
	tcheck(t, err, "catalog")
	tcompare(t, len(l2), 3)
	tcompare(t, l2[0].Name, "shop/inventory")
}

func TestUnloadInUse(t *testing.T) {
	m, _ := newManager(t)

	err := m.Read(ctxbg, "admin", func(c *Context) error {
		_, _, err := getItem(c, "shop/orders", "x")
		tcheck(t, err, "get")
		terr(t, m.Unload("shop/orders"), ErrStoreInUse)
		terr(t, m.UnloadAll(), ErrStoreInUse)
		unloaded, err := m.UnloadUnused()
		tcheck(t, err, "unload unused")
		tcompare(t, unloaded, []string(nil))
		return nil
	})
	tcheck(t, err, "read")
	tcompare(t, m.IsLoaded("shop/orders"), true)

	// Transactions directly on the store also keep it loaded.
	db, _, err := m.links["shop/orders"].Load(ctxbg, m.root)
	tcheck(t, err, "load")
	tx, err := db.BeginRead(ctxbg)
	tcheck(t, err, "begin")
	terr(t, m.Unload("shop/orders"), ErrStoreInUse)
	tcompare(t, m.IsLoaded("shop/orders"), true)
	err = tx.Rollback()
	tcheck(t, err, "rollback")

	err = m.Unload("shop/orders")
	tcheck(t, err, "unload")
	tcompare(t, m.IsLoaded("shop/orders"), false)
}

func TestPermissionDenied(t *testing.T) {
	m, dir := newManager(t)

	err := m.Write(ctxbg, "none", func(c *Context) error {
		return putItem(c, "shop/orders", Item{"pen", 1})
	})
	terr(t, err, ErrPermissionDenied)
	tcompare(t, m.IsLoaded("shop/orders"), false)
	_, err = os.Stat(filepath.Join(dir, "shop", "orders"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("store directory exists after denied write: %v", err)
	}

	// Unknown roles have no access.
	err = m.Read(ctxbg, "bogus", func(c *Context) error {
		_, err := c.ReadTx("users")
		return err
	})
	terr(t, err, ErrPermissionDenied)

	// Clerk can read users, not write them, and write shop definitions.
	err = m.Write(ctxbg, "clerk", func(c *Context) error {
		tcompare(t, c.Level("users"), permission.Read)
		tcompare(t, c.Level("shop/inventory"), permission.ReadWrite)
		_, err := c.ReadTx("users")
		tcheck(t, err, "read users")
		terr(t, putItem(c, "users", Item{"x", 1}), ErrPermissionDenied)
		return putItem(c, "shop/inventory", Item{"pen", 10})
	})
	tcheck(t, err, "write as clerk")
	tcompare(t, m.Loaded(), []string{"shop/inventory", "users"})

	// Unknown definitions, checked after permissions.
	err = m.Read(ctxbg, "admin", func(c *Context) error {
		_, err := c.ReadTx("bogus")
		return err
	})
	terr(t, err, ErrUnknownDefinition)
}

func TestWrite(t *testing.T) {
	m, _ := newManager(t)

	err := m.Write(ctxbg, "admin", func(c *Context) error {
		err := putItem(c, "shop/inventory", Item{"pen", 10})
		tcheck(t, err, "put inventory")
		err = putItem(c, "shop/orders", Item{"order1", 2})
		tcheck(t, err, "put order")

		// Own writes are visible.
		it, ok, err := getItem(c, "shop/inventory", "pen")
		tcheck(t, err, "get")
		tcompare(t, ok, true)
		tcompare(t, it, Item{"pen", 10})
		tcompare(t, c.Accessed(), []string{"shop/inventory", "shop/orders"})
		return nil
	})
	tcheck(t, err, "write")

	// Failing function rolls back all stores.
	errFail := errors.New("fail")
	err = m.Write(ctxbg, "admin", func(c *Context) error {
		err := putItem(c, "shop/inventory", Item{"pen", 0})
		tcheck(t, err, "put inventory")
		err = putItem(c, "shop/orders", Item{"order2", 1})
		tcheck(t, err, "put order")
		return errFail
	})
	terr(t, err, errFail)

	err = m.Read(ctxbg, "admin", func(c *Context) error {
		it, ok, err := getItem(c, "shop/inventory", "pen")
		tcheck(t, err, "get")
		tcompare(t, ok, true)
		tcompare(t, it.Count, 10)
		_, ok, err = getItem(c, "shop/orders", "order2")
		tcheck(t, err, "get")
		tcompare(t, ok, false)
		_, ok, err = getItem(c, "shop/orders", "order1")
		tcheck(t, err, "get")
		tcompare(t, ok, true)

		_, err = c.WriteTx("shop/orders")
		terr(t, err, store.ErrTxReadOnly)
		return nil
	})
	tcheck(t, err, "read")

	// A definition read in a write context cannot get a write transaction later.
	err = m.Write(ctxbg, "admin", func(c *Context) error {
		_, err := c.ReadTx("users")
		tcheck(t, err, "read tx")
		_, err = c.WriteTx("users")
		return err
	})
	terr(t, err, ErrParam)

	// Transactions from a finished context cannot be used.
	var leaked *store.ReadTx
	err = m.Read(ctxbg, "admin", func(c *Context) error {
		leaked, err = c.ReadTx("users")
		return err
	})
	tcheck(t, err, "read")
	_, _, err = store.NewReader(leaked, &itemModel).Get([]byte("x"))
	terr(t, err, store.ErrTxDone)
}

func TestUnloadUnused(t *testing.T) {
	m, _ := newManager(t)

	err := m.Write(ctxbg, "admin", func(c *Context) error {
		for _, def := range []string{"users", "shop/inventory", "shop/orders"} {
			if err := putItem(c, def, Item{"x", 1}); err != nil {
				return err
			}
		}
		return nil
	})
	tcheck(t, err, "write")
	tcompare(t, m.Loaded(), []string{"shop/inventory", "shop/orders", "users"})

	err = m.Read(ctxbg, "admin", func(c *Context) error {
		_, err := c.ReadTx("shop/orders")
		return err
	})
	tcheck(t, err, "read")

	// Users is warm, orders accessed in last context.
	unloaded, err := m.UnloadUnused()
	tcheck(t, err, "unload unused")
	tcompare(t, unloaded, []string{"shop/inventory"})
	tcompare(t, m.Loaded(), []string{"shop/orders", "users"})

	err = m.Cool("users")
	tcheck(t, err, "cool")
	err = m.Warm("shop/orders")
	tcheck(t, err, "warm")
	terr(t, m.Warm("bogus"), ErrUnknownDefinition)
	err = m.Read(ctxbg, "admin", func(c *Context) error { return nil })
	tcheck(t, err, "empty read")
	unloaded, err = m.UnloadUnused()
	tcheck(t, err, "unload unused")
	tcompare(t, unloaded, []string{"users"})
	tcompare(t, m.Stats(), Stats{Total: 3, Loaded: 1, Warm: 1})

	err = m.UnloadAll()
	tcheck(t, err, "unload all")
	tcompare(t, m.Loaded(), []string(nil))

	// Data survives unloading.
	err = m.Read(ctxbg, "admin", func(c *Context) error {
		_, ok, err := getItem(c, "users", "x")
		tcompare(t, ok, true)
		return err
	})
	tcheck(t, err, "read after reload")
}

func TestNew(t *testing.T) {
	dir := t.TempDir()

	_, err := New(ctxbg, pkglog, Config{})
	terr(t, err, ErrParam)
	_, err = New(ctxbg, pkglog, Config{DataDir: dir, Definitions: map[string]DefinitionConfig{"a": {Backend: "bogus"}}})
	terr(t, err, ErrParam)
	_, err = New(ctxbg, pkglog, Config{DataDir: dir, Definitions: map[string]DefinitionConfig{"../a": {}}})
	terr(t, err, ErrParam)
	// Would share files with definition "a" or the catalog.
	for _, name := range []string{"a/store.db", "catalog.db", "b/leveldb"} {
		_, err = New(ctxbg, pkglog, Config{DataDir: dir, Definitions: map[string]DefinitionConfig{"a": {}, name: {}}})
		terr(t, err, ErrParam)
	}

	c := Config{DataDir: dir, Definitions: map[string]DefinitionConfig{"a": {}}}
	m, err := New(ctxbg, pkglog, c)
	tcheck(t, err, "new")
	tcheck(t, m.Close(), "close")
	tcheck(t, m.Close(), "close again")
	err = m.Read(ctxbg, "admin", func(c *Context) error { return nil })
	terr(t, err, ErrClosed)

	// Changing the backend of an existing definition is refused.
	c.Definitions["a"] = DefinitionConfig{Backend: "leveldb"}
	_, err = New(ctxbg, pkglog, c)
	terr(t, err, ErrParam)

	ctx, cancel := context.WithCancel(ctxbg)
	cancel()
	c.Definitions["a"] = DefinitionConfig{}
	m, err = New(ctxbg, pkglog, c)
	tcheck(t, err, "new")
	defer m.Close()
	err = m.Read(ctx, "admin", func(c *Context) error { return nil })
	terr(t, err, context.Canceled)
}

func TestConfigFromStatic(t *testing.T) {
	dir := t.TempDir()
	const conf = `DataDir: data
LogLevel: info
Definitions:
	users:
		Warm: true
	shop/orders:
		Backend: memory
Roles:
	clerk:
		Default: read
		Definitions:
			shop: readwrite
`
	p := filepath.Join(dir, "defstore.conf")
	err := os.WriteFile(p, []byte(conf), 0660)
	tcheck(t, err, "write config")
	sc, err := config.ParseFile(p)
	tcheck(t, err, "parse config")
	c, err := ConfigFromStatic(sc)
	tcheck(t, err, "config from static")
	tcompare(t, c.DataDir, filepath.Join(dir, "data"))
	tcompare(t, c.Definitions, map[string]DefinitionConfig{"users": {Warm: true}, "shop/orders": {Backend: "memory"}})

	m, err := New(ctxbg, pkglog, c)
	tcheck(t, err, "new")
	defer m.Close()
	tcompare(t, m.Stats(), Stats{Total: 2, Loaded: 0, Warm: 1})
	err = m.Write(ctxbg, "clerk", func(c *Context) error {
		return putItem(c, "shop/orders", Item{"o", 1})
	})
	tcheck(t, err, "write")
	err = m.Write(ctxbg, "clerk", func(c *Context) error {
		return putItem(c, "users", Item{"u", 1})
	})
	terr(t, err, ErrPermissionDenied)

	_, err = ConfigFromStatic(config.Static{DataDir: "x", LogLevel: "loud"})
	terr(t, err, ErrParam)
	if !strings.Contains(err.Error(), "loud") {
		t.Fatalf("error %q does not mention bad log level", err)
	}
}

func TestPanic(t *testing.T) {
	m, _ := newManager(t)

	func() {
		defer func() {
			if x := recover(); x != "boom" {
				t.Fatalf("got panic %v, expected boom", x)
			}
		}()
		m.Write(ctxbg, "admin", func(c *Context) error {
			err := putItem(c, "shop/orders", Item{"x", 1})
			tcheck(t, err, "put")
			panic("boom")
		})
	}()

	// Transactions were finished, the store is not in use.
	err := m.Unload("shop/orders")
	tcheck(t, err, "unload after panic")
	err = m.Read(ctxbg, "admin", func(c *Context) error {
		_, ok, err := getItem(c, "shop/orders", "x")
		tcompare(t, ok, false)
		return err
	})
	tcheck(t, err, "read")
}

func TestWriteDeniedLater(t *testing.T) {
	m, _ := newManager(t)

	// Writes staged before a denied definition are not committed.
	err := m.Write(ctxbg, "clerk", func(c *Context) error {
		err := putItem(c, "shop/orders", Item{"o", 1})
		tcheck(t, err, "put order")
		return putItem(c, "users", Item{"u", 1})
	})
	terr(t, err, ErrPermissionDenied)

	err = m.Read(ctxbg, "admin", func(c *Context) error {
		_, ok, err := getItem(c, "shop/orders", "o")
		tcompare(t, ok, false)
		return err
	})
	tcheck(t, err, "read")
}

func TestConcurrentWriters(t *testing.T) {
	m, _ := newManager(t)

	// Two contexts each hold a write transaction, and wait for the other's.
	ctx, cancel := context.WithTimeout(ctxbg, 200*time.Millisecond)
	defer cancel()
	var ready sync.WaitGroup
	ready.Add(2)
	write := func(first, second string) error {
		return m.Write(ctx, "admin", func(c *Context) error {
			err := putItem(c, first, Item{"x", 1})
			ready.Done()
			if err != nil {
				return err
			}
			ready.Wait()
			return putItem(c, second, Item{"y", 1})
		})
	}
	errc := make(chan error, 2)
	go func() { errc <- write("users", "shop/orders") }()
	go func() { errc <- write("shop/orders", "users") }()
	for range 2 {
		select {
		case err := <-errc:
			terr(t, err, context.DeadlineExceeded)
		case <-time.After(5 * time.Second):
			t.Fatalf("writers did not give up")
		}
	}

	// Nothing committed, locks released.
	err := m.Write(ctxbg, "admin", func(c *Context) error {
		for _, def := range []string{"shop/orders", "users"} {
			if err := putItem(c, def, Item{"z", 1}); err != nil {
				return err
			}
			_, ok, err := getItem(c, def, "x")
			tcheck(t, err, "get")
			tcompare(t, ok, false)
		}
		return nil
	})
	tcheck(t, err, "write after timeout")
	tcheck(t, m.UnloadAll(), "unload all")
}

func TestVolatile(t *testing.T) {
	dir := t.TempDir()
	c := Config{
		DataDir:     dir,
		Definitions: map[string]DefinitionConfig{"scratch": {Backend: "memory"}, "users": {}},
		Roles:       permission.Roles{"admin": permission.Explicit(permission.Admin)},
	}
	m, err := New(ctxbg, pkglog, c)
	tcheck(t, err, "new")

	tcheck(t, m.Unload("scratch"), "unload before load")
	err = m.Write(ctxbg, "admin", func(c *Context) error {
		return putItem(c, "scratch", Item{"x", 1})
	})
	tcheck(t, err, "write")
	_, err = os.Stat(filepath.Join(dir, "scratch"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("directory created for memory store: %v", err)
	}

	// The store is never unloaded, it would lose its data.
	terr(t, m.Unload("scratch"), ErrVolatile)
	err = m.Read(ctxbg, "admin", func(c *Context) error { return nil })
	tcheck(t, err, "empty read")
	unloaded, err := m.UnloadUnused()
	tcheck(t, err, "unload unused")
	tcompare(t, unloaded, []string(nil))
	tcheck(t, m.UnloadAll(), "unload all")
	tcompare(t, m.Loaded(), []string{"scratch"})

	err = m.Read(ctxbg, "admin", func(c *Context) error {
		it, ok, err := getItem(c, "scratch", "x")
		tcompare(t, ok, true)
		tcompare(t, it, Item{"x", 1})
		return err
	})
	tcheck(t, err, "read")

	tcheck(t, m.Close(), "close")
	tcompare(t, m.Loaded(), []string(nil))
}

func gaugeValue(t *testing.T) float64 {
	t.Helper()
	var mm dto.Metric
	err := metricLoaded.Write(&mm)
	tcheck(t, err, "read gauge")
	return mm.GetGauge().GetValue()
}

func TestUnloadConcurrent(t *testing.T) {
	m, _ := newManager(t)

	before := gaugeValue(t)
	tcheck(t, m.Load(ctxbg, "shop/orders"), "load")
	tcompare(t, gaugeValue(t), before+1)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.Unload("shop/orders")
			if err != nil {
				t.Errorf("unload: %v", err)
			}
		}()
	}
	wg.Wait()
	tcompare(t, gaugeValue(t), before)

	l := m.links["shop/orders"]
	_, _, err := l.Load(ctxbg, m.root)
	tcheck(t, err, "load")
	closed, err := l.Unload()
	tcheck(t, err, "unload")
	tcompare(t, closed, true)
	closed, err = l.Unload()
	tcheck(t, err, "unload again")
	tcompare(t, closed, false)
}
