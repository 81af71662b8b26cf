package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rawblock/bandaid/pkg/models"
)

func defaultTiers(t *testing.T) *ConfidenceTiers {
	t.Helper()
	tiers, err := NewConfidenceTiers(0.9, 0.5, 0.3)
	require.NoError(t, err)
	return tiers
}

func TestNewConfidenceTiers(t *testing.T) {
	tests := []struct {
		name              string
		high, medium, low float64
		wantErr           bool
	}{
		{"defaults", 0.9, 0.5, 0.3, false},
		{"inverted ordering", 0.5, 0.9, 0.3, true},
		{"equal cutpoints", 0.9, 0.9, 0.3, true},
		{"zero low", 0.9, 0.5, 0, true},
		{"out of range", 1.5, 0.5, 0.3, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewConfidenceTiers(tc.high, tc.medium, tc.low)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTierOf(t *testing.T) {
	tiers := defaultTiers(t)
	assert.Equal(t, TierHigh, tiers.TierOf(0.95))
	assert.Equal(t, TierHigh, tiers.TierOf(0.9))
	assert.Equal(t, TierMedium, tiers.TierOf(0.89))
	assert.Equal(t, TierMedium, tiers.TierOf(0.5))
	assert.Equal(t, TierLow, tiers.TierOf(0.49))
	assert.Equal(t, TierLow, tiers.TierOf(0))
}

func TestActionFor(t *testing.T) {
	tiers := defaultTiers(t)
	assert.Equal(t, ActionBlock, tiers.ActionFor(0.95, true))
	assert.Equal(t, ActionValidateFurther, tiers.ActionFor(0.6, true))
	// Medium confidence blocks outright when the classifier is off.
	assert.Equal(t, ActionBlock, tiers.ActionFor(0.6, false))
	assert.Equal(t, ActionAllow, tiers.ActionFor(0.2, true))
	assert.Equal(t, ActionAllow, tiers.ActionFor(0.2, false))
}

func TestSeverityFor(t *testing.T) {
	tiers := defaultTiers(t)

	tests := []struct {
		name       string
		confidence float64
		kind       models.ThreatKind
		want       models.Severity
	}{
		{"high private key", 0.95, models.ThreatPrivateKey, models.SeverityCritical},
		{"high seed phrase", 0.98, models.ThreatSeedPhrase, models.SeverityCritical},
		{"high injection", 0.9, models.ThreatPromptInjection, models.SeverityCritical},
		{"high api key", 0.95, models.ThreatAPIKeyLeak, models.SeverityHigh},
		{"high address", 0.95, models.ThreatBlockchainAddress, models.SeverityHigh},
		{"high pii", 0.95, models.ThreatPII, models.SeverityMedium},
		{"medium private key", 0.6, models.ThreatPrivateKey, models.SeverityHigh},
		{"medium address", 0.6, models.ThreatBlockchainAddress, models.SeverityHigh},
		{"medium pii", 0.6, models.ThreatPII, models.SeverityMedium},
		{"low band", 0.35, models.ThreatPII, models.SeverityMedium},
		{"below low", 0.1, models.ThreatPII, models.SeverityLow},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tiers.SeverityFor(tc.confidence, tc.kind))
		})
	}
}

func TestLeakSeverity(t *testing.T) {
	assert.Equal(t, models.SeverityCritical, LeakSeverity(models.ThreatPrivateKey))
	assert.Equal(t, models.SeverityCritical, LeakSeverity(models.ThreatSeedPhrase))
	assert.Equal(t, models.SeverityHigh, LeakSeverity(models.ThreatPII))
	assert.Equal(t, models.SeverityHigh, LeakSeverity(models.ThreatBlockchainAddress))
	// Leaks never rank below high.
	assert.Equal(t, models.SeverityHigh, LeakSeverity(models.ThreatToxicContent))
}
