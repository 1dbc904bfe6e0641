//go:build !cgo

package store

import (
	_ "modernc.org/sqlite"
)

// driverName selects the pure-Go SQLite driver for cross-compiled builds.
// sqlite-vec is unavailable without cgo, so semantic search degrades to
// disabled and the SQL exploration loop still works.
const driverName = "sqlite"
