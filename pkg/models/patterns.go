package models

import (
	"time"

	"github.com/google/uuid"
)

// LearnedPattern is a confirmed attack absorbed into pattern memory.
// The embedding lives in the vector store; the remaining fields are
// mirrored into the relational journal for dashboard queries.
type LearnedPattern struct {
	ID             uuid.UUID    `json:"id"`
	ThreatKinds    []ThreatKind `json:"threatKinds"`
	DetectionCount int          `json:"detectionCount"`
	FirstSeen      time.Time    `json:"firstSeen"`
	LastSeen       time.Time    `json:"lastSeen"`
	SourceEventID  uuid.UUID    `json:"sourceEventId"`
	RedactedText   string       `json:"redactedText"`
}

// PatternMatch pairs a learned pattern with its cosine similarity to a
// query text.
type PatternMatch struct {
	Pattern    LearnedPattern `json:"pattern"`
	Similarity float64        `json:"similarity"`
}
