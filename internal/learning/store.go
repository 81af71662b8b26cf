package learning

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/rawblock/bandaid/pkg/models"
)

// VectorStore holds learned-pattern embeddings keyed by pattern id,
// persisted as a JSON snapshot under the data directory. Reads take the
// shared lock; every mutation (including the dedupe increment) runs
// read-modify-write under the exclusive lock and rewrites the snapshot
// with an atomic rename.
type VectorStore struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]*storedPattern
	path    string
	log     *logrus.Entry
}

type storedPattern struct {
	Pattern   models.LearnedPattern `json:"pattern"`
	Embedding []float64             `json:"embedding"`
}

// NewVectorStore opens (or creates) the snapshot at dir/patterns.json.
func NewVectorStore(logger *logrus.Logger, dir string) (*VectorStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create vector store dir: %w", err)
	}
	s := &VectorStore{
		entries: make(map[uuid.UUID]*storedPattern),
		path:    filepath.Join(dir, "patterns.json"),
		log:     logger.WithField("component", "vector_store"),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	s.log.WithField("patterns", len(s.entries)).Info("vector store opened")
	return s, nil
}

func (s *VectorStore) load() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read vector store: %w", err)
	}
	var stored []storedPattern
	if err := json.Unmarshal(raw, &stored); err != nil {
		return fmt.Errorf("parse vector store %s: %w", s.path, err)
	}
	for i := range stored {
		p := stored[i]
		s.entries[p.Pattern.ID] = &p
	}
	return nil
}

// persistLocked writes the snapshot. Callers hold the exclusive lock.
func (s *VectorStore) persistLocked() error {
	stored := make([]storedPattern, 0, len(s.entries))
	for _, e := range s.entries {
		stored = append(stored, *e)
	}
	sort.Slice(stored, func(i, j int) bool {
		return stored[i].Pattern.FirstSeen.Before(stored[j].Pattern.FirstSeen)
	})

	raw, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write vector store: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// Add stores a new pattern with its embedding.
func (s *VectorStore) Add(pattern models.LearnedPattern, embedding []float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[pattern.ID] = &storedPattern{Pattern: pattern, Embedding: embedding}
	return s.persistLocked()
}

// AbsorbOrIncrement inserts the pattern unless an existing one matches
// the embedding at or above dupThreshold, in which case that pattern's
// detection count is bumped instead. Lookup and mutation share one
// critical section so racing absorbs of the same text cannot both
// insert. Returns the stored pattern and whether it was a duplicate.
func (s *VectorStore) AbsorbOrIncrement(pattern models.LearnedPattern, embedding []float64, dupThreshold float64) (models.LearnedPattern, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *storedPattern
	bestSim := dupThreshold
	for _, e := range s.entries {
		if sim := Cosine(embedding, e.Embedding); sim >= bestSim {
			best, bestSim = e, sim
		}
	}
	if best != nil {
		best.Pattern.DetectionCount++
		best.Pattern.LastSeen = pattern.LastSeen
		if err := s.persistLocked(); err != nil {
			return models.LearnedPattern{}, false, err
		}
		return best.Pattern, true, nil
	}

	s.entries[pattern.ID] = &storedPattern{Pattern: pattern, Embedding: embedding}
	if err := s.persistLocked(); err != nil {
		return models.LearnedPattern{}, false, err
	}
	return pattern, false, nil
}

// QuerySimilar returns up to k patterns with cosine similarity >=
// threshold, ordered descending.
func (s *VectorStore) QuerySimilar(embedding []float64, k int, threshold float64) []models.PatternMatch {
	s.mu.RLock()
	matches := make([]models.PatternMatch, 0, len(s.entries))
	for _, e := range s.entries {
		sim := Cosine(embedding, e.Embedding)
		if sim >= threshold {
			matches = append(matches, models.PatternMatch{Pattern: e.Pattern, Similarity: sim})
		}
	}
	s.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Similarity > matches[j].Similarity
	})
	if k > 0 && len(matches) > k {
		matches = matches[:k]
	}
	return matches
}

// IncrementDetection bumps detection_count and last_seen on an existing
// pattern. Returns the updated pattern.
func (s *VectorStore) IncrementDetection(id uuid.UUID, lastSeen time.Time) (models.LearnedPattern, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return models.LearnedPattern{}, fmt.Errorf("pattern %s not found", id)
	}
	e.Pattern.DetectionCount++
	e.Pattern.LastSeen = lastSeen
	if err := s.persistLocked(); err != nil {
		return models.LearnedPattern{}, err
	}
	return e.Pattern, nil
}

// Get returns the pattern by id, or false when absent.
func (s *VectorStore) Get(id uuid.UUID) (models.LearnedPattern, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return models.LearnedPattern{}, false
	}
	return e.Pattern, true
}

// Count returns the number of stored patterns.
func (s *VectorStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// List pages through patterns ordered by first_seen descending.
func (s *VectorStore) List(limit, offset int) []models.LearnedPattern {
	s.mu.RLock()
	all := make([]models.LearnedPattern, 0, len(s.entries))
	for _, e := range s.entries {
		all = append(all, e.Pattern)
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		return all[i].FirstSeen.After(all[j].FirstSeen)
	})
	if offset >= len(all) {
		return nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all
}

// PurgeBefore removes patterns whose first_seen is strictly older than
// the cutoff. Returns the number removed.
func (s *VectorStore) PurgeBefore(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, e := range s.entries {
		if e.Pattern.FirstSeen.Before(cutoff) {
			delete(s.entries, id)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	if err := s.persistLocked(); err != nil {
		return removed, err
	}
	s.log.WithFields(logrus.Fields{"removed": removed, "cutoff": cutoff}).
		Info("old patterns purged")
	return removed, nil
}
