//go:build cgo

package store

import (
	_ "github.com/mattn/go-sqlite3"
)

// driverName selects the cgo SQLite driver, which is what the sqlite-vec
// extension binds against (see init_vec.go).
const driverName = "sqlite3"
