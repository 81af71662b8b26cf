package models

import (
	"time"

	"github.com/google/uuid"
)

// ThreatKind classifies what a detector found. The set is closed: the
// journal schema constrains the column to exactly these values.
type ThreatKind string

const (
	ThreatPromptInjection    ThreatKind = "prompt_injection"
	ThreatPII                ThreatKind = "pii"
	ThreatFinancialSecret    ThreatKind = "financial_secret"
	ThreatBlockchainAddress  ThreatKind = "blockchain_address"
	ThreatPrivateKey         ThreatKind = "private_key"
	ThreatSeedPhrase         ThreatKind = "seed_phrase"
	ThreatAPIKeyLeak         ThreatKind = "api_key_leak"
	ThreatToxicContent       ThreatKind = "toxic_content"
	ThreatJailbreak          ThreatKind = "jailbreak"
)

// ThreatKinds lists every valid kind, used by config validation.
var ThreatKinds = []ThreatKind{
	ThreatPromptInjection, ThreatPII, ThreatFinancialSecret,
	ThreatBlockchainAddress, ThreatPrivateKey, ThreatSeedPhrase,
	ThreatAPIKeyLeak, ThreatToxicContent, ThreatJailbreak,
}

// EventType is the journaled outcome of a validation or a response scan.
type EventType string

const (
	EventBlocked                 EventType = "blocked"
	EventAllowed                 EventType = "allowed"
	EventMediumConfidenceWarning EventType = "medium_confidence_warning"
	EventDataLeakAlert           EventType = "data_leak_alert"
)

// Severity grades an event for the dashboard and alerting.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// DetectionLayer names the pipeline stage that produced the primary signal.
type DetectionLayer string

const (
	LayerRegex          DetectionLayer = "regex"
	LayerNER            DetectionLayer = "ner"
	LayerGuard          DetectionLayer = "guard"
	LayerEmbeddingMatch DetectionLayer = "embedding_match"
	LayerSeedPhrase     DetectionLayer = "seed_phrase"
)

// ThreatDetection is a single detector hit. Transient: it lives for one
// validate call and is never persisted directly.
type ThreatDetection struct {
	Kind        ThreatKind `json:"kind"`
	Confidence  float64    `json:"confidence"`
	MatchedText string     `json:"matchedText"`
}

// ValidationResult records one layer's contribution to the audit trail
// of a validate call.
type ValidationResult struct {
	Layer      DetectionLayer `json:"layer"`
	Passed     bool           `json:"passed"`
	Confidence float64        `json:"confidence"`
	Threats    []ThreatKind   `json:"threats,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// SecurityEvent is the immutable journal record of one decision.
// Confidence is set iff ThreatKind is set.
type SecurityEvent struct {
	ID               uuid.UUID       `json:"id"`
	Timestamp        time.Time       `json:"timestamp"`
	EventType        EventType       `json:"eventType"`
	ThreatKind       *ThreatKind     `json:"threatKind,omitempty"`
	Confidence       *float64        `json:"confidence,omitempty"`
	RequestID        uuid.UUID       `json:"requestId"`
	RedactedContent  string          `json:"redactedContent"`
	Severity         Severity        `json:"severity"`
	DetectionLayer   *DetectionLayer `json:"detectionLayer,omitempty"`
	LearnedPatternID *uuid.UUID      `json:"learnedPatternId,omitempty"`
	Provider         string          `json:"provider,omitempty"`
	Model            string          `json:"model,omitempty"`
}

// NewSecurityEvent stamps identity and time on a fresh event.
func NewSecurityEvent(eventType EventType, requestID uuid.UUID) SecurityEvent {
	return SecurityEvent{
		ID:        uuid.New(),
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		RequestID: requestID,
	}
}

// SetThreat fills the threat fields together so the kind/confidence
// pairing invariant cannot be violated piecemeal.
func (e *SecurityEvent) SetThreat(kind ThreatKind, confidence float64, layer DetectionLayer) {
	e.ThreatKind = &kind
	e.Confidence = &confidence
	e.DetectionLayer = &layer
}
