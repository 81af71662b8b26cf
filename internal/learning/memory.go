package learning

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/rawblock/bandaid/pkg/models"
)

// DuplicateThreshold is the cosine similarity above which an absorb is
// treated as a re-detection of an existing pattern rather than a new
// one. Stricter than the matching threshold on purpose.
const DuplicateThreshold = 0.95

// MetadataMirror receives the relational copy of pattern metadata so
// the dashboard can join patterns against events. The event journal
// implements it; failures there never fail the vector-store write.
type MetadataMirror interface {
	InsertPatternMetadata(ctx context.Context, pattern models.LearnedPattern) error
	UpdatePatternMetadata(ctx context.Context, id uuid.UUID, detectionCount int, lastSeen time.Time) error
}

// PatternMemory is the learned-pattern facade: embed, match, absorb
// with dedupe, purge. Embedding runs on the caller's goroutine; the
// orchestrator schedules absorb on the background pool.
type PatternMemory struct {
	embedder Embedder
	store    *VectorStore
	mirror   MetadataMirror
	log      *logrus.Entry
}

func NewPatternMemory(logger *logrus.Logger, embedder Embedder, store *VectorStore, mirror MetadataMirror) *PatternMemory {
	return &PatternMemory{
		embedder: embedder,
		store:    store,
		mirror:   mirror,
		log:      logger.WithField("component", "pattern_memory"),
	}
}

// FindSimilar embeds the text and returns up to k matches at or above
// the threshold, ordered by descending cosine similarity.
func (m *PatternMemory) FindSimilar(ctx context.Context, text string, k int, threshold float64) ([]models.PatternMatch, error) {
	embedding, err := m.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return m.store.QuerySimilar(embedding, k, threshold), nil
}

// Absorb stores a new attack pattern, unless a near-identical one
// (cosine >= DuplicateThreshold) already exists, in which case the existing
// pattern's detection count is incremented instead and no id returned.
func (m *PatternMemory) Absorb(ctx context.Context, text string, kinds []models.ThreatKind, confidence float64, sourceEventID uuid.UUID, redactedText string) (*uuid.UUID, error) {
	if len(kinds) == 0 {
		return nil, fmt.Errorf("absorb requires at least one threat kind")
	}
	embedding, err := m.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed pattern: %w", err)
	}

	now := time.Now().UTC()
	pattern := models.LearnedPattern{
		ID:             uuid.New(),
		ThreatKinds:    kinds,
		DetectionCount: 1,
		FirstSeen:      now,
		LastSeen:       now,
		SourceEventID:  sourceEventID,
		RedactedText:   redactedText,
	}
	stored, duplicate, err := m.store.AbsorbOrIncrement(pattern, embedding, DuplicateThreshold)
	if err != nil {
		return nil, err
	}
	if duplicate {
		if m.mirror != nil {
			if err := m.mirror.UpdatePatternMetadata(ctx, stored.ID, stored.DetectionCount, stored.LastSeen); err != nil {
				m.log.WithError(err).Warn("pattern metadata mirror update failed")
			}
		}
		m.log.WithFields(logrus.Fields{
			"pattern_id":      stored.ID,
			"detection_count": stored.DetectionCount,
		}).Debug("duplicate pattern, detection count incremented")
		return nil, nil
	}
	if m.mirror != nil {
		if err := m.mirror.InsertPatternMetadata(ctx, stored); err != nil {
			m.log.WithError(err).Warn("pattern metadata mirror insert failed")
		}
	}
	m.log.WithFields(logrus.Fields{
		"pattern_id": stored.ID,
		"kinds":      kinds,
		"confidence": confidence,
	}).Info("learned new attack pattern")
	return &stored.ID, nil
}

// PurgeBefore removes patterns older than the cutoff from the vector
// store. The relational mirror is purged by the journal's own retention
// pass with the same cutoff.
func (m *PatternMemory) PurgeBefore(_ context.Context, cutoff time.Time) (int, error) {
	return m.store.PurgeBefore(cutoff)
}

// Get looks a pattern up by id.
func (m *PatternMemory) Get(id uuid.UUID) (models.LearnedPattern, bool) { return m.store.Get(id) }

// Count returns the stored pattern count.
func (m *PatternMemory) Count() int { return m.store.Count() }

// List pages through stored patterns for the dashboard.
func (m *PatternMemory) List(limit, offset int) []models.LearnedPattern {
	return m.store.List(limit, offset)
}
