// Package recall keeps a small local vector index over past conversation
// turns so the assistant can pull relevant history into a prompt. The
// index is a flat JSON file scanned with cosine similarity; at the scale
// of one assistant's history a linear scan beats carrying a vector
// database.
package recall

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Entry is one indexed conversation turn.
type Entry struct {
	MessageID uuid.UUID `json:"message_id"`
	SessionID uuid.UUID `json:"session_id"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Vector    []float32 `json:"vector"`
	CreatedAt time.Time `json:"created_at"`
}

// Hit is one search result.
type Hit struct {
	Entry Entry
	Score float64
}

// Store is the on-disk index. Safe for concurrent use.
type Store struct {
	path   string
	logger *zap.Logger

	mu      sync.RWMutex
	entries []Entry
}

// Open loads the index at path, creating an empty one if the file does
// not exist yet.
func Open(path string, logger *zap.Logger) (*Store, error) {
	s := &Store{path: path, logger: logger}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("recall: read index: %w", err)
	}
	if err := json.Unmarshal(raw, &s.entries); err != nil {
		return nil, fmt.Errorf("recall: decode index %s: %w", path, err)
	}
	logger.Info("recall index loaded", zap.String("path", path), zap.Int("entries", len(s.entries)))
	return s, nil
}

// Add appends entries and persists the index.
func (s *Store) Add(entries ...Entry) error {
	if len(entries) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entries...)
	return s.save()
}

// save writes the index atomically. Caller holds s.mu.
func (s *Store) save() error {
	raw, err := json.Marshal(s.entries)
	if err != nil {
		return fmt.Errorf("recall: encode index: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("recall: create index dir: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("recall: write index: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("recall: replace index: %w", err)
	}
	return nil
}

// Search returns the topK entries most similar to vector, best first.
// Entries whose vectors have a different dimension are skipped.
func (s *Store) Search(vector []float32, topK int) []Hit {
	if topK <= 0 || len(vector) == 0 {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	hits := make([]Hit, 0, len(s.entries))
	for _, e := range s.entries {
		if len(e.Vector) != len(vector) {
			continue
		}
		hits = append(hits, Hit{Entry: e, Score: cosine(vector, e.Vector)})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits
}

// Count returns the number of indexed entries.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func cosine(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
