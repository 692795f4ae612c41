package memory

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/straycat-ai/straycat/internal/embeddings"
)

// Store is the memory facade. It persists records in SQLite and keeps
// vectors in an in-memory index for similarity ranking. Safe for
// concurrent readers and writers; atomicity is per record only.
type Store struct {
	db       *sql.DB
	embedder Embedder
	logger   *slog.Logger

	mu  sync.RWMutex
	idx map[Kind][]*entry
	dim int // pinned by the first stored vector; 0 = not yet pinned
	seq int64
}

// entry is one indexed record. seq preserves insertion order for the
// most-recent-first tie-break.
type entry struct {
	rec Record
	seq int64
}

// Open opens (or creates) the memory database at path and loads the
// vector index. The connection uses WAL mode for concurrent access.
func Open(path string, embedder Embedder, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open memory database: %w", err)
	}
	s, err := NewStore(db, embedder, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore creates a memory store on an already-open database
// connection. It creates the schema if needed and loads all stored
// vectors into the index.
func NewStore(db *sql.DB, embedder Embedder, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Store{
		db:       db,
		embedder: embedder,
		logger:   logger,
		idx:      make(map[Kind][]*entry),
	}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("memory migrate: %w", err)
	}
	if err := s.loadIndex(); err != nil {
		return nil, fmt.Errorf("memory load index: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS memories (
			id         TEXT NOT NULL,
			kind       TEXT NOT NULL,
			text       TEXT NOT NULL,
			metadata   TEXT,
			embedding  BLOB NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (kind, id)
		);
		CREATE INDEX IF NOT EXISTS idx_memories_kind ON memories(kind);
	`)
	return err
}

func (s *Store) loadIndex() error {
	rows, err := s.db.Query(`
		SELECT id, kind, text, metadata, embedding, created_at
		FROM memories ORDER BY rowid
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var rec Record
		var kind, metaJSON, createdAt string
		var blob []byte
		if err := rows.Scan(&rec.ID, &kind, &rec.Text, &metaJSON, &blob, &createdAt); err != nil {
			return err
		}
		rec.Kind = Kind(kind)
		rec.Vector = decodeVector(blob)
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		if metaJSON != "" {
			_ = json.Unmarshal([]byte(metaJSON), &rec.Metadata)
		}
		if s.dim == 0 {
			s.dim = len(rec.Vector)
		}
		s.seq++
		s.idx[rec.Kind] = append(s.idx[rec.Kind], &entry{rec: rec, seq: s.seq})
		count++
	}
	if count > 0 {
		s.logger.Info("memory index loaded", "records", count, "dim", s.dim)
	}
	return rows.Err()
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Store embeds text and inserts a new record of the given kind. The
// record is visible to recall only after Store returns successfully.
func (s *Store) Store(ctx context.Context, kind Kind, text string, metadata map[string]any) (string, error) {
	if !kind.Valid() {
		return "", kindErr(kind)
	}

	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return "", fmt.Errorf("embed: %w", err)
	}

	return s.StoreVector(ctx, kind, text, vec, metadata)
}

// StoreVector inserts a record with a precomputed embedding, for
// callers that already hold a vector for the text.
func (s *Store) StoreVector(ctx context.Context, kind Kind, text string, vec []float32, metadata map[string]any) (string, error) {
	if !kind.Valid() {
		return "", kindErr(kind)
	}
	if len(vec) == 0 {
		return "", fmt.Errorf("empty embedding for %q", kind)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}

	rec := Record{
		ID:        id.String(),
		Kind:      kind,
		Text:      text,
		Metadata:  metadata,
		Vector:    vec,
		CreatedAt: time.Now().UTC(),
	}

	metaJSON := ""
	if len(metadata) > 0 {
		b, err := json.Marshal(metadata)
		if err != nil {
			return "", fmt.Errorf("marshal metadata: %w", err)
		}
		metaJSON = string(b)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dim == 0 {
		s.dim = len(vec)
	} else if len(vec) != s.dim {
		return "", fmt.Errorf("%w: got %d, store uses %d", ErrDimensionMismatch, len(vec), s.dim)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memories (id, kind, text, metadata, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.ID, string(kind), text, metaJSON, encodeVector(vec), rec.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("insert memory: %w", err)
	}

	s.seq++
	s.idx[kind] = append(s.idx[kind], &entry{rec: rec, seq: s.seq})

	return rec.ID, nil
}

// Recall embeds the query text and returns up to k records of the given
// kind, ranked by cosine similarity descending, ties broken by most
// recent insertion first.
func (s *Store) Recall(ctx context.Context, kind Kind, query string, k int) ([]Record, error) {
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return s.RecallVector(ctx, kind, vec, k)
}

// RecallVector ranks records of the given kind against a query vector.
func (s *Store) RecallVector(_ context.Context, kind Kind, vec []float32, k int) ([]Record, error) {
	if !kind.Valid() {
		return nil, kindErr(kind)
	}
	if k <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	type scored struct {
		e     *entry
		score float32
	}
	scores := make([]scored, 0, len(s.idx[kind]))
	for _, e := range s.idx[kind] {
		scores = append(scores, scored{e: e, score: embeddings.CosineSimilarity(vec, e.rec.Vector)})
	}

	sort.SliceStable(scores, func(i, j int) bool {
		if scores[i].score != scores[j].score {
			return scores[i].score > scores[j].score
		}
		return scores[i].e.seq > scores[j].e.seq
	})

	if k > len(scores) {
		k = len(scores)
	}
	out := make([]Record, 0, k)
	for _, sc := range scores[:k] {
		rec := sc.e.rec
		rec.Score = sc.score
		out = append(out, rec)
	}
	return out, nil
}

// Delete removes a record by kind and identifier. Deleting a
// non-existent identifier is a no-op, not an error.
func (s *Store) Delete(ctx context.Context, kind Kind, id string) error {
	if !kind.Valid() {
		return kindErr(kind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE kind = ? AND id = ?`, string(kind), id)
	if err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}

	entries := s.idx[kind]
	for i, e := range entries {
		if e.rec.ID == id {
			s.idx[kind] = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	return nil
}

// Count returns the number of records stored per kind.
func (s *Store) Count() map[Kind]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[Kind]int, len(s.idx))
	for _, k := range Kinds() {
		counts[k] = len(s.idx[k])
	}
	return counts
}

// Dimension returns the pinned embedding dimensionality, or 0 if no
// record has been stored yet.
func (s *Store) Dimension() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dim
}

func encodeVector(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(data []byte) []float32 {
	if len(data) == 0 {
		return nil
	}
	result := make([]float32, len(data)/4)
	for i := range result {
		result[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return result
}
