//go:build cgo

package eventstore

// Registering github.com/mattn/go-sqlite3 under its own driver name keeps
// it available as an Options.Driver choice without making it the default:
// modernc.org/sqlite stays the driver agentrund ships with, since it needs
// no C toolchain at build time.
import (
	_ "github.com/mattn/go-sqlite3"
)

// CGODriverName is the database/sql driver name github.com/mattn/go-sqlite3
// registers itself under. Pass it as Options.Driver to use it in a cgo
// build instead of the default pure-Go driver.
const CGODriverName = "sqlite3"
