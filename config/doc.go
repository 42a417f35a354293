/*
Package config holds the configuration file definitions.

The configuration file is read once, at startup. It lists the definitions, the
backend each is stored in, and the access levels of roles.

Each definition is stored in a directory named after it below DataDir. Parts of
definition names cannot be "catalog.db" or a backend file name ("store.db",
"leveldb", "memory"), those would clash with other data.

# sconf

The config file is in "sconf" format. Properties of sconf files:

  - Indentation with tabs only.
  - "#" as first non-whitespace character makes the line a comment. Lines with a
    value cannot also have a comment.
  - Values don't have syntax indicating their type. For example, strings are
    not quoted/escaped and can never span multiple lines.
  - Fields that are optional can be left out completely. But the value of an
    optional field may itself have required fields.

See https://pkg.go.dev/github.com/mjl-/sconf for details.

# Example

	DataDir: data
	LogLevel: info
	PackageLogLevels:
		store: debug
	DefaultBackend: bolt
	Definitions:
		users:
			Warm: true
		shop/inventory:
			Backend: leveldb
		shop/orders: nil
	Roles:
		clerk:
			Default: read
			Definitions:
				shop: readwrite
		auditor:
			Definitions:
				shop/orders: read
*/
package config
