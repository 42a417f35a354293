package config

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/mjl-/sconf"

	"github.com/mjl-/defstore/kv"
	_ "github.com/mjl-/defstore/kv/boltkv"
	_ "github.com/mjl-/defstore/kv/levelkv"
	"github.com/mjl-/defstore/mlog"
	"github.com/mjl-/defstore/permission"
)

// Static is the parsed form of the configuration file.
type Static struct {
	DataDir          string                `sconf-doc:"NOTE: This config file is in 'sconf' format. Indent with tabs. Comments must be on their own line, they don't end a line. Do not escape or quote strings. Details: https://pkg.go.dev/github.com/mjl-/sconf.\n\n\nDirectory where the catalog database and a directory per definition are stored. If this is a relative path, it is relative to the directory of the config file."`
	LogLevel         string                `sconf-doc:"Default log level, one of: error, info, debug, trace."`
	PackageLogLevels map[string]string     `sconf:"optional" sconf-doc:"Overrides of log level per package (e.g. store, manager)."`
	DefaultBackend   string                `sconf:"optional" sconf-doc:"Backend for definitions that do not specify one: bolt, leveldb or memory. Default bolt. Definitions in memory stay loaded until shutdown, and their data is lost at shutdown."`
	Definitions      map[string]Definition `sconf-doc:"Definitions, each stored in its own backing store. The key is the definition name. Names can be hierarchical, with parts separated by a slash, e.g. shop/inventory."`
	Roles            map[string]Role       `sconf:"optional" sconf-doc:"Roles and their access to definitions. Roles that are not configured have no access."`
}

// Definition is the configuration for a definition.
type Definition struct {
	Backend string `sconf:"optional" sconf-doc:"Backend to store the definition in. Default is DefaultBackend."`
	Warm    bool   `sconf:"optional" sconf-doc:"Keep the definition loaded once loaded, never unload it when unloading unused definitions."`
}

// Role is the configuration of access levels for a role.
type Role struct {
	Default     string            `sconf:"optional" sconf-doc:"Access level for definitions without more specific level: none, read, write, readwrite or admin. Default none."`
	Definitions map[string]string `sconf:"optional" sconf-doc:"Access level per definition. Keys are definition names, or parts of hierarchical names, e.g. shop for all of shop/inventory and shop/orders. The most specific level applies, unless a parent has level admin."`
}

// ParseFile parses the config file at path. A relative DataDir is made relative
// to the directory of the config file.
func ParseFile(path string) (Static, error) {
	c := Static{DataDir: "."}
	if err := sconf.ParseFile(path, &c); err != nil {
		return Static{}, fmt.Errorf("parsing %s: %v", path, err)
	}
	if !filepath.IsAbs(c.DataDir) {
		c.DataDir = filepath.Join(filepath.Dir(path), c.DataDir)
	}
	return c, nil
}

// Parse parses a config file from r.
func Parse(r io.Reader) (Static, error) {
	var c Static
	if err := sconf.Parse(r, &c); err != nil {
		return Static{}, fmt.Errorf("parsing config: %v", err)
	}
	return c, nil
}

// Write writes c in sconf format.
func Write(w io.Writer, c Static) error {
	return sconf.Write(w, c)
}

// Describe writes an example config file, with documentation as comments.
func Describe(w io.Writer) error {
	c := Static{
		DataDir:          "data",
		LogLevel:         "info",
		PackageLogLevels: map[string]string{"x": "debug"},
		DefaultBackend:   "bolt",
		Definitions:      map[string]Definition{"x": {}},
		Roles: map[string]Role{
			"x": {Default: "none", Definitions: map[string]string{"x": "readwrite"}},
		},
	}
	return sconf.Describe(w, &c)
}

// Check returns all problems found in the configuration.
func (c Static) Check() (errs []error) {
	addErrorf := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.DataDir == "" {
		addErrorf("missing DataDir")
	}
	if _, err := c.LogLevels(); err != nil {
		errs = append(errs, err)
	}
	if len(c.Definitions) == 0 {
		addErrorf("no definitions")
	}
	if c.DefaultBackend != "" {
		if _, err := kv.Filename(c.DefaultBackend); err != nil {
			addErrorf("default backend: %v", err)
		}
	}
	for name, d := range c.Definitions {
		if err := CheckDefinitionName(name); err != nil {
			addErrorf("definition %q: %v", name, err)
		}
		if d.Backend != "" {
			if _, err := kv.Filename(d.Backend); err != nil {
				addErrorf("definition %q: %v", name, err)
			}
		}
	}
	for name, r := range c.Roles {
		if r.Default != "" {
			if _, err := permission.ParseLevel(r.Default); err != nil {
				addErrorf("role %q: default: %v", name, err)
			}
		}
		for def, s := range r.Definitions {
			if _, err := permission.ParseLevel(s); err != nil {
				addErrorf("role %q: definition %q: %v", name, def, err)
			}
		}
	}
	return errs
}

// CatalogFilename is the name of the catalog database in the data directory.
const CatalogFilename = "catalog.db"

// CheckDefinitionName checks that name can be used as a definition name, and
// as a path for its data below the data directory. Parts cannot be the name of
// the catalog database or of a file of a backend, those would collide with the
// data of other definitions.
func CheckDefinitionName(name string) error {
	if name == "" {
		return fmt.Errorf("empty name")
	}
	reserved := map[string]bool{CatalogFilename: true}
	for _, fn := range kv.Filenames() {
		reserved[fn] = true
	}
	for _, p := range strings.Split(name, "/") {
		switch {
		case p == "":
			return fmt.Errorf("empty part in %q", name)
		case p == "." || p == "..":
			return fmt.Errorf("part %q not allowed", p)
		case strings.ContainsAny(p, "\\\x00"):
			return fmt.Errorf("bad character in %q", p)
		case reserved[p]:
			return fmt.Errorf("part %q is reserved", p)
		}
	}
	return nil
}

// LogLevels returns the log levels to pass to mlog.SetConfig.
func (c Static) LogLevels() (map[string]slog.Level, error) {
	levels, unknown := mlog.ParseLevels(c.LogLevel, c.PackageLogLevels)
	if len(unknown) > 0 {
		return nil, fmt.Errorf("unknown log levels %s", strings.Join(unknown, ", "))
	}
	return levels, nil
}

// RolePolicies returns the permission policies for the configured roles.
func (c Static) RolePolicies() (permission.Roles, error) {
	roles := permission.Roles{}
	for name, r := range c.Roles {
		var def permission.Level
		if r.Default != "" {
			l, err := permission.ParseLevel(r.Default)
			if err != nil {
				return nil, fmt.Errorf("role %q: %v", name, err)
			}
			def = l
		}
		levels := map[string]permission.Level{}
		for d, s := range r.Definitions {
			l, err := permission.ParseLevel(s)
			if err != nil {
				return nil, fmt.Errorf("role %q: definition %q: %v", name, d, err)
			}
			levels[d] = l
		}
		roles[name] = permission.Build(def, levels)
	}
	return roles, nil
}
