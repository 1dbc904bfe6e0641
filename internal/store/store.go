// Package store provides access to the UN speeches corpus: a SQLite
// database with one row per General Assembly address plus an optional
// sqlite-vec virtual table holding speech embeddings for semantic search.
// Exploration opens the corpus read-only so oracle-proposed SQL can never
// mutate it; the embedding populator opens it read-write.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"rostrum/internal/explore"
	"rostrum/internal/logging"
)

// SpeechStore wraps the corpus database connection.
type SpeechStore struct {
	db        *sql.DB
	path      string
	vecTable  string
	readOnly  bool
	vectorExt bool
	mu        sync.RWMutex
}

// Open opens the corpus read-write. Used by the embedding populator, which
// needs to insert into the vector table.
func Open(path, vecTable string) (*SpeechStore, error) {
	return open(path, vecTable, false)
}

// OpenReadOnly opens the corpus in SQLite's read-only mode. Every write,
// including one smuggled into an exploratory query, fails at the engine
// level.
func OpenReadOnly(path, vecTable string) (*SpeechStore, error) {
	return open(path, vecTable, true)
}

func open(path, vecTable string, readOnly bool) (*SpeechStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	logging.Store("Opening corpus at %s (read_only=%v)", path, readOnly)

	dsn := "file:" + path
	if readOnly {
		dsn += "?mode=ro"
	}
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open corpus database: %w", err)
	}
	// Single connection keeps vec0 virtual tables and PRAGMAs on the same
	// underlying handle.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if !readOnly {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
		}
		if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
			logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to verify corpus database: %w", err)
	}

	s := &SpeechStore{db: db, path: path, vecTable: vecTable, readOnly: readOnly}
	s.detectVecExtension()
	if s.vectorExt {
		logging.Store("sqlite-vec extension detected and enabled")
	} else {
		logging.Get(logging.CategoryStore).Warn("sqlite-vec extension not available; semantic search disabled")
	}
	return s, nil
}

// detectVecExtension probes for sqlite-vec by creating a throwaway vec0
// virtual table. In read-only mode the probe cannot run, so it asks for the
// vec_version() function instead.
func (s *SpeechStore) detectVecExtension() {
	if s.db == nil {
		return
	}
	if s.readOnly {
		var version string
		if err := s.db.QueryRow("SELECT vec_version()").Scan(&version); err == nil {
			s.vectorExt = true
			logging.StoreDebug("sqlite-vec version: %s", version)
		}
		return
	}
	if _, err := s.db.Exec("CREATE VIRTUAL TABLE IF NOT EXISTS vec_probe USING vec0(embedding float[4])"); err == nil {
		s.vectorExt = true
		_, _ = s.db.Exec("DROP TABLE IF EXISTS vec_probe")
	}
}

// VectorReady reports whether sqlite-vec is loaded in this process.
func (s *SpeechStore) VectorReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.vectorExt
}

// Path returns the corpus database path.
func (s *SpeechStore) Path() string {
	return s.path
}

// ExecuteQuery runs one SQL statement and returns all result rows with
// their column names. Column shapes are not known in advance (the query
// text comes from the reasoning model), so every column is scanned
// dynamically. Satisfies explore.QueryStore.
func (s *SpeechStore) ExecuteQuery(ctx context.Context, query string) (explore.Rows, error) {
	timer := logging.StartTimer(logging.CategoryStore, "ExecuteQuery")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return explore.Rows{}, fmt.Errorf("corpus store is closed")
	}
	logging.StoreDebug("Executing query (%d chars)", len(query))

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return explore.Rows{}, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return explore.Rows{}, fmt.Errorf("failed to read result columns: %w", err)
	}

	out := explore.Rows{Columns: cols}
	for rows.Next() {
		values := make([]any, len(cols))
		valuePtrs := make([]any, len(cols))
		for i := range values {
			valuePtrs[i] = &values[i]
		}
		if err := rows.Scan(valuePtrs...); err != nil {
			return explore.Rows{}, fmt.Errorf("failed to scan result row: %w", err)
		}
		for i, v := range values {
			// Drivers hand TEXT back as []byte; render it as text.
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		out.Records = append(out.Records, values)
	}
	if err := rows.Err(); err != nil {
		return explore.Rows{}, err
	}

	logging.StoreDebug("Query returned %d rows, %d columns", len(out.Records), len(cols))
	return out, nil
}

// SchemaDescription renders the corpus schema as "name: CREATE TABLE ..."
// lines, one per table, for the oracle's system turn. SQLite-internal
// tables are excluded.
func (s *SpeechStore) SchemaDescription(ctx context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return "", fmt.Errorf("corpus store is closed")
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT name, sql FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%' ORDER BY name")
	if err != nil {
		return "", fmt.Errorf("failed to read schema: %w", err)
	}
	defer rows.Close()

	var lines []string
	for rows.Next() {
		var name string
		var ddl sql.NullString
		if err := rows.Scan(&name, &ddl); err != nil {
			return "", fmt.Errorf("failed to scan schema row: %w", err)
		}
		lines = append(lines, fmt.Sprintf("%s: %s", name, ddl.String))
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	if len(lines) == 0 {
		return "", fmt.Errorf("corpus database has no tables")
	}
	return strings.Join(lines, "\n"), nil
}

// Stats summarizes the corpus for the status command.
type Stats struct {
	Speeches   int64
	Countries  int64
	YearMin    int64
	YearMax    int64
	Embeddings int64
	VectorExt  bool
}

// Stats computes corpus statistics. Counts that cannot be computed (for
// example the embedding count when the vector table does not exist yet)
// are reported as zero rather than failing the whole call.
func (s *SpeechStore) Stats(ctx context.Context) (Stats, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Stats")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return Stats{}, fmt.Errorf("corpus store is closed")
	}

	st := Stats{VectorExt: s.vectorExt}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM speeches").Scan(&st.Speeches); err != nil {
		return Stats{}, fmt.Errorf("failed to count speeches: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(DISTINCT country) FROM speeches").Scan(&st.Countries); err != nil {
		logging.StoreDebug("Failed to count countries: %v", err)
	}
	if err := s.db.QueryRowContext(ctx, "SELECT MIN(year), MAX(year) FROM speeches").Scan(&st.YearMin, &st.YearMax); err != nil {
		logging.StoreDebug("Failed to read year range: %v", err)
	}
	if s.vectorExt {
		query := fmt.Sprintf("SELECT COUNT(*) FROM %s", s.vecTable)
		if err := s.db.QueryRowContext(ctx, query).Scan(&st.Embeddings); err != nil {
			logging.StoreDebug("Failed to count embeddings: %v", err)
		}
	}

	logging.StoreDebug("Corpus stats: speeches=%d countries=%d embeddings=%d", st.Speeches, st.Countries, st.Embeddings)
	return st, nil
}

// Close releases the database connection.
func (s *SpeechStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	logging.Store("Closing corpus store")
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
