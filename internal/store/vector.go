package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"strings"

	"rostrum/internal/logging"
)

// Speech is one corpus row. Text carries the full address and is populated
// only by the calls that need it (MissingEmbeddings, SemanticSearch);
// metadata-only listings leave it empty.
type Speech struct {
	RowID       int64
	Country     string
	CountryName string
	Session     int64
	Year        int64
	Speaker     string
	Text        string
}

// SpeechMatch is one semantic search hit.
type SpeechMatch struct {
	Speech
	Similarity float64 // cosine similarity, 1.0 = identical direction
	Rank       int     // 1-based result rank
}

// SpeechVector pairs a speech with its stored embedding.
type SpeechVector struct {
	Speech
	Embedding []float32
}

// SpeechFilter narrows EmbeddedSpeeches. Zero value selects everything.
type SpeechFilter struct {
	CountryNames []string // matched against country_name, OR-ed
	Year         int64    // restrict to one assembly year, 0 = all years
	Limit        int      // 0 = no limit
}

// EnsureVectorTable creates the speeches vector table if it does not exist.
func (s *SpeechStore) EnsureVectorTable(ctx context.Context, dims int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return fmt.Errorf("corpus store is closed")
	}
	if !s.vectorExt {
		return fmt.Errorf("sqlite-vec extension not available; rebuild with -tags sqlite_vec to enable semantic search")
	}

	query := fmt.Sprintf("CREATE VIRTUAL TABLE IF NOT EXISTS %s USING vec0(embedding float[%d])", s.vecTable, dims)
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create vector table %s: %w", s.vecTable, err)
	}
	logging.StoreDebug("Vector table %s ready (dims=%d)", s.vecTable, dims)
	return nil
}

// HasEmbedding reports whether a speech row already has a stored vector.
func (s *SpeechStore) HasEmbedding(ctx context.Context, rowID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return false, fmt.Errorf("corpus store is closed")
	}
	query := fmt.Sprintf("SELECT rowid FROM %s WHERE rowid = ?", s.vecTable)
	var got int64
	err := s.db.QueryRowContext(ctx, query, rowID).Scan(&got)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// UpsertEmbedding stores one speech embedding keyed by the speech rowid.
func (s *SpeechStore) UpsertEmbedding(ctx context.Context, rowID int64, embedding []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return fmt.Errorf("corpus store is closed")
	}
	if s.readOnly {
		return fmt.Errorf("corpus store is read-only")
	}

	query := fmt.Sprintf("INSERT OR REPLACE INTO %s(rowid, embedding) VALUES (?, ?)", s.vecTable)
	if _, err := s.db.ExecContext(ctx, query, rowID, encodeFloat32Slice(embedding)); err != nil {
		return fmt.Errorf("failed to store embedding for rowid %d: %w", rowID, err)
	}
	return nil
}

// CountEmbeddings returns how many speeches have stored vectors.
func (s *SpeechStore) CountEmbeddings(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return 0, fmt.Errorf("corpus store is closed")
	}
	var count int64
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", s.vecTable)
	if err := s.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// MissingEmbeddings returns speeches that do not yet have a stored vector,
// full text included, in rowid order. The populate command works through
// this list; already-embedded rows are skipped so repeated runs resume
// where the last one stopped.
func (s *SpeechStore) MissingEmbeddings(ctx context.Context, limit int) ([]Speech, error) {
	timer := logging.StartTimer(logging.CategoryStore, "MissingEmbeddings")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, fmt.Errorf("corpus store is closed")
	}

	query := fmt.Sprintf(`
		SELECT s.rowid, s.country, s.country_name, s.session, s.year,
		       COALESCE(s.speaker, 'Unknown') AS speaker, s.text
		FROM speeches s
		WHERE s.rowid NOT IN (SELECT rowid FROM %s)
		ORDER BY s.rowid`, s.vecTable)
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending speeches: %w", err)
	}
	defer rows.Close()

	var pending []Speech
	for rows.Next() {
		var sp Speech
		if err := rows.Scan(&sp.RowID, &sp.Country, &sp.CountryName, &sp.Session, &sp.Year, &sp.Speaker, &sp.Text); err != nil {
			return nil, fmt.Errorf("failed to scan speech row: %w", err)
		}
		pending = append(pending, sp)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	logging.StoreDebug("%d speeches pending embedding", len(pending))
	return pending, nil
}

// SemanticSearch returns the topK speeches nearest to the query embedding
// by cosine distance, best first.
func (s *SpeechStore) SemanticSearch(ctx context.Context, queryEmbedding []float32, topK int) ([]SpeechMatch, error) {
	timer := logging.StartTimer(logging.CategoryStore, "SemanticSearch")
	defer timer.Stop()

	if topK <= 0 {
		topK = 5
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, fmt.Errorf("corpus store is closed")
	}
	if !s.vectorExt {
		return nil, fmt.Errorf("sqlite-vec extension not available")
	}

	query := fmt.Sprintf(`
		SELECT s.rowid, s.country, s.country_name, s.session, s.year,
		       COALESCE(s.speaker, 'Unknown') AS speaker, s.text,
		       vec_distance_cosine(v.embedding, ?) AS distance
		FROM %s v
		JOIN speeches s ON s.rowid = v.rowid
		ORDER BY distance ASC
		LIMIT ?`, s.vecTable)

	rows, err := s.db.QueryContext(ctx, query, encodeFloat32Slice(queryEmbedding), topK)
	if err != nil {
		return nil, fmt.Errorf("semantic search failed: %w", err)
	}
	defer rows.Close()

	var matches []SpeechMatch
	rank := 1
	for rows.Next() {
		var m SpeechMatch
		var distance float64
		if err := rows.Scan(&m.RowID, &m.Country, &m.CountryName, &m.Session, &m.Year, &m.Speaker, &m.Text, &distance); err != nil {
			logging.Get(logging.CategoryStore).Warn("Failed to scan search row: %v", err)
			continue
		}
		// Cosine distance is 1 - similarity.
		m.Similarity = 1.0 - distance
		m.Rank = rank
		rank++
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	logging.StoreDebug("Semantic search returned %d matches", len(matches))
	return matches, nil
}

// EmbeddedSpeeches returns speeches that have stored vectors, with their
// embeddings decoded, ordered by year. The similarity and comparison
// analyses run on this listing. Text is not loaded.
func (s *SpeechStore) EmbeddedSpeeches(ctx context.Context, filter SpeechFilter) ([]SpeechVector, error) {
	timer := logging.StartTimer(logging.CategoryStore, "EmbeddedSpeeches")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, fmt.Errorf("corpus store is closed")
	}
	if !s.vectorExt {
		return nil, fmt.Errorf("sqlite-vec extension not available")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, `
		SELECT s.rowid, s.country, s.country_name, s.session, s.year,
		       COALESCE(s.speaker, 'Unknown') AS speaker, v.embedding
		FROM speeches s
		JOIN %s v ON s.rowid = v.rowid`, s.vecTable)
	var conds []string
	var args []any
	if len(filter.CountryNames) > 0 {
		placeholders := strings.Repeat("?, ", len(filter.CountryNames))
		conds = append(conds, fmt.Sprintf("s.country_name IN (%s)", strings.TrimSuffix(placeholders, ", ")))
		for _, name := range filter.CountryNames {
			args = append(args, name)
		}
	}
	if filter.Year > 0 {
		conds = append(conds, "s.year = ?")
		args = append(args, filter.Year)
	}
	if len(conds) > 0 {
		sb.WriteString(" WHERE " + strings.Join(conds, " AND "))
	}
	sb.WriteString(" ORDER BY s.year")
	if filter.Limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list embedded speeches: %w", err)
	}
	defer rows.Close()

	var out []SpeechVector
	for rows.Next() {
		var sv SpeechVector
		var blob []byte
		if err := rows.Scan(&sv.RowID, &sv.Country, &sv.CountryName, &sv.Session, &sv.Year, &sv.Speaker, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan embedded speech: %w", err)
		}
		sv.Embedding = decodeFloat32Slice(blob)
		out = append(out, sv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	logging.StoreDebug("Loaded %d embedded speeches", len(out))
	return out, nil
}

// encodeFloat32Slice packs a vector into the little-endian blob format
// sqlite-vec expects.
func encodeFloat32Slice(vec []float32) []byte {
	buf := &bytes.Buffer{}
	if err := binary.Write(buf, binary.LittleEndian, vec); err != nil {
		// Cannot happen with bytes.Buffer
		return nil
	}
	return buf.Bytes()
}

// decodeFloat32Slice unpacks a sqlite-vec blob back into a vector.
func decodeFloat32Slice(blob []byte) []float32 {
	if len(blob) == 0 || len(blob)%4 != 0 {
		return nil
	}
	vec := make([]float32, len(blob)/4)
	if err := binary.Read(bytes.NewReader(blob), binary.LittleEndian, &vec); err != nil {
		return nil
	}
	return vec
}
