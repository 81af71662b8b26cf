package security

import (
	"fmt"

	"github.com/rawblock/bandaid/pkg/models"
)

// Tier buckets a confidence score against the configured cutpoints.
type Tier string

const (
	TierHigh   Tier = "high"
	TierMedium Tier = "medium"
	TierLow    Tier = "low"
)

// Action is what the orchestrator does with a tiered score.
type Action string

const (
	ActionBlock           Action = "block"
	ActionValidateFurther Action = "validate_further"
	ActionAllow           Action = "allow"
)

// Kinds whose exposure is unrecoverable rank critical at high
// confidence; the merely expensive rank high.
var criticalKinds = map[models.ThreatKind]bool{
	models.ThreatPrivateKey:      true,
	models.ThreatSeedPhrase:      true,
	models.ThreatFinancialSecret: true,
	models.ThreatPromptInjection: true,
}

var highSeverityKinds = map[models.ThreatKind]bool{
	models.ThreatAPIKeyLeak:        true,
	models.ThreatBlockchainAddress: true,
}

// ConfidenceTiers implements the three-tier decision rules. Immutable
// after construction.
type ConfidenceTiers struct {
	High      float64
	MediumMin float64
	Low       float64
}

// NewConfidenceTiers validates the cutpoint ordering invariant
// (high > medium > low > 0, all <= 1).
func NewConfidenceTiers(high, mediumMin, low float64) (*ConfidenceTiers, error) {
	for name, v := range map[string]float64{"high": high, "medium_min": mediumMin, "low": low} {
		if v < 0 || v > 1 {
			return nil, fmt.Errorf("confidence threshold %s out of range [0,1]: %v", name, v)
		}
	}
	if !(high > mediumMin && mediumMin > low && low > 0) {
		return nil, fmt.Errorf("confidence thresholds must satisfy high > medium > low > 0, got %v/%v/%v", high, mediumMin, low)
	}
	return &ConfidenceTiers{High: high, MediumMin: mediumMin, Low: low}, nil
}

// TierOf buckets a score. Everything below the medium cutpoint is low.
func (t *ConfidenceTiers) TierOf(confidence float64) Tier {
	switch {
	case confidence >= t.High:
		return TierHigh
	case confidence >= t.MediumMin:
		return TierMedium
	default:
		return TierLow
	}
}

// ActionFor maps a score to block / further-validate / allow. Medium
// confidence blocks outright when the policy classifier is unavailable.
func (t *ConfidenceTiers) ActionFor(confidence float64, guardEnabled bool) Action {
	switch t.TierOf(confidence) {
	case TierHigh:
		return ActionBlock
	case TierMedium:
		if guardEnabled {
			return ActionValidateFurther
		}
		return ActionBlock
	default:
		return ActionAllow
	}
}

// SeverityFor applies the severity matrix over tier and kind.
func (t *ConfidenceTiers) SeverityFor(confidence float64, kind models.ThreatKind) models.Severity {
	switch t.TierOf(confidence) {
	case TierHigh:
		if criticalKinds[kind] {
			return models.SeverityCritical
		}
		if highSeverityKinds[kind] {
			return models.SeverityHigh
		}
		return models.SeverityMedium
	case TierMedium:
		if criticalKinds[kind] || highSeverityKinds[kind] {
			return models.SeverityHigh
		}
		return models.SeverityMedium
	default:
		if confidence >= t.Low {
			return models.SeverityMedium
		}
		return models.SeverityLow
	}
}

// LeakSeverity grades a response-side data leak by kind. Leaks never
// rank below high: the secret has already left the model.
func LeakSeverity(kind models.ThreatKind) models.Severity {
	switch kind {
	case models.ThreatPrivateKey, models.ThreatSeedPhrase:
		return models.SeverityCritical
	case models.ThreatBlockchainAddress, models.ThreatAPIKeyLeak,
		models.ThreatPII, models.ThreatFinancialSecret:
		return models.SeverityHigh
	default:
		return models.SeverityHigh
	}
}
