//go:build sqlite_vec && cgo

package store

import (
	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
)

func init() {
	// Auto-load sqlite-vec into every new connection so the speeches vector
	// table and vec_distance_cosine are available. Builds without the
	// sqlite_vec tag fall back to plain SQL exploration.
	vec.Auto()
}
