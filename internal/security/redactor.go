package security

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/rawblock/bandaid/pkg/models"
)

// Redaction rewrites detected spans with kind-specific markers before
// anything touches the journal. The markers are stable strings the
// dashboard (and tests) key off.

const maxRedactedLength = 1000

var (
	emailRe = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)

	phoneRes = []*regexp.Regexp{
		regexp.MustCompile(`\b\d{3}[-.]?\d{3}[-.]?\d{4}\b`),
		regexp.MustCompile(`\(\d{3}\)\s*\d{3}[-.]?\d{4}`),
		regexp.MustCompile(`\+\d{1,3}\s?\d{4,14}\b`),
	}

	ssnRe = regexp.MustCompile(`\b\d{3}[-\s]\d{2}[-\s]\d{4}\b`)

	creditCardRe = regexp.MustCompile(`\b\d{4}[\s-]?\d{4}[\s-]?\d{4}[\s-]?\d{4}\b`)

	streetRe = regexp.MustCompile(`(?i)\b\d+\s+[A-Z][a-z]+(\s+[A-Z][a-z]+)*\s+(St|Street|Ave|Avenue|Rd|Road|Blvd|Boulevard|Dr|Drive|Ln|Lane|Ct|Court|Way|Pl|Place|Pkwy|Parkway)\.?(\s+(Apt|Suite|Unit|#)\s*[A-Za-z0-9]+)?\b`)
	zipRe    = regexp.MustCompile(`\b\d{5}(-\d{4})?\b`)

	ethAddrRedactRe       = regexp.MustCompile(ethereumAddressPattern)
	btcLegacyRedactRe     = regexp.MustCompile(bitcoinLegacyPattern)
	btcSegwitRedactRe     = regexp.MustCompile(bitcoinSegwitPattern)
	hexKeyRedactRe        = regexp.MustCompile(hexPrivateKeyPattern)
	wifRedactRe           = regexp.MustCompile(bitcoinWIFPattern)
	pemRedactRe           = regexp.MustCompile(pemPrivateKeyPattern)
	contextualKeyRedactRe = regexp.MustCompile(contextualPrivateKeyPattern)

	prefixedAPIKeyRedactRe = regexp.MustCompile(`\b(sk|pk)[-_][a-zA-Z0-9\-]{15,}\b`)
	assignedAPIKeyRedactRe = regexp.MustCompile(`(?i)api[_-]?key[\s:=]+['"]?[a-zA-Z0-9]{20,}`)
)

// Redactor applies kind-specific masking. When disabled by config it
// replaces the whole content with the configured placeholder so raw
// text never reaches storage either way.
type Redactor struct {
	Enabled     bool
	Placeholder string
	bip39Words  map[string]bool
}

func NewRedactor(enabled bool, placeholder string, catalog *PatternCatalog) *Redactor {
	r := &Redactor{Enabled: enabled, Placeholder: placeholder}
	if catalog != nil {
		r.bip39Words = catalog.bip39Words
	}
	if r.Placeholder == "" {
		r.Placeholder = "[REDACTED]"
	}
	return r
}

// RedactEmail masks email addresses.
func RedactEmail(text string) string {
	return emailRe.ReplaceAllString(text, "***EMAIL_REDACTED***")
}

// RedactPhone masks common US and international phone formats.
func RedactPhone(text string) string {
	for _, re := range phoneRes {
		text = re.ReplaceAllString(text, "***PHONE_REDACTED***")
	}
	return text
}

// RedactSSN masks social security numbers.
func RedactSSN(text string) string {
	return ssnRe.ReplaceAllString(text, "***SSN_REDACTED***")
}

// RedactCreditCard masks 16-digit card numbers.
func RedactCreditCard(text string) string {
	return creditCardRe.ReplaceAllString(text, "***CC_REDACTED***")
}

// RedactAddress masks street addresses and ZIP codes.
func RedactAddress(text string) string {
	text = streetRe.ReplaceAllString(text, "***ADDRESS_REDACTED***")
	return zipRe.ReplaceAllString(text, "***ZIP_REDACTED***")
}

// RedactBlockchainAddress masks wallet addresses.
func RedactBlockchainAddress(text string) string {
	text = ethAddrRedactRe.ReplaceAllString(text, "[ETH_ADDRESS_REDACTED]")
	text = btcLegacyRedactRe.ReplaceAllString(text, "[BTC_ADDRESS_REDACTED]")
	return btcSegwitRedactRe.ReplaceAllString(text, "[BTC_ADDRESS_REDACTED]")
}

// RedactPrivateKey masks PEM, hex-64 and WIF key material.
func RedactPrivateKey(text string) string {
	text = pemRedactRe.ReplaceAllString(text, "[PRIVATE_KEY_REDACTED]")
	text = contextualKeyRedactRe.ReplaceAllString(text, "$1: [PRIVATE_KEY_REDACTED]")
	text = hexKeyRedactRe.ReplaceAllString(text, "[PRIVATE_KEY_REDACTED]")
	return wifRedactRe.ReplaceAllString(text, "[PRIVATE_KEY_REDACTED]")
}

// RedactAPIKey masks prefixed keys and api_key assignments.
func RedactAPIKey(text string) string {
	text = prefixedAPIKeyRedactRe.ReplaceAllString(text, "[API_KEY_REDACTED]")
	return assignedAPIKeyRedactRe.ReplaceAllString(text, "api_key=[API_KEY_REDACTED]")
}

// RedactSeedPhrase replaces 12/18/24-word dictionary windows word by
// word. Without a wordlist a lowercase-alpha heuristic is used.
func (r *Redactor) RedactSeedPhrase(text string) string {
	words := strings.Fields(text)
	for _, length := range seedPhraseLengths {
		for i := 0; i+length <= len(words); i++ {
			window := words[i : i+length]
			if !r.looksLikeSeed(window) {
				continue
			}
			original := strings.Join(window, " ")
			masked := strings.TrimSpace(strings.Repeat("[SEED_WORD_REDACTED] ", length))
			text = strings.Replace(text, original, masked, 1)
		}
	}
	return text
}

func (r *Redactor) looksLikeSeed(window []string) bool {
	for _, w := range window {
		if r.bip39Words != nil {
			if w != strings.ToLower(w) || !r.bip39Words[w] {
				return false
			}
			continue
		}
		if w != strings.ToLower(w) || len(w) < 3 || len(w) > 8 {
			return false
		}
		for _, c := range w {
			if c < 'a' || c > 'z' {
				return false
			}
		}
	}
	return true
}

// redactPII applies every PII sub-marker.
func (r *Redactor) redactPII(text string) string {
	text = RedactEmail(text)
	text = RedactPhone(text)
	text = RedactSSN(text)
	text = RedactCreditCard(text)
	return RedactAddress(text)
}

// redactSecrets applies every financial-secret marker.
func (r *Redactor) redactSecrets(text string) string {
	text = RedactBlockchainAddress(text)
	text = RedactPrivateKey(text)
	text = RedactAPIKey(text)
	return r.RedactSeedPhrase(text)
}

// RedactByKind masks only the spans relevant to the detected kinds.
func (r *Redactor) RedactByKind(text string, kinds []models.ThreatKind) string {
	for _, kind := range kinds {
		switch kind {
		case models.ThreatPII:
			text = r.redactPII(text)
		case models.ThreatBlockchainAddress:
			text = RedactBlockchainAddress(text)
		case models.ThreatPrivateKey:
			text = RedactPrivateKey(text)
		case models.ThreatAPIKeyLeak:
			text = RedactAPIKey(text)
		case models.ThreatSeedPhrase:
			text = r.RedactSeedPhrase(text)
		case models.ThreatFinancialSecret:
			text = r.redactSecrets(text)
		}
	}
	return text
}

// RedactForStorage produces the bounded redacted_content value for a
// security event: masked spans, 1000-char truncation with ellipsis, and
// a compact per-kind threat summary suffix.
func (r *Redactor) RedactForStorage(text string, threats map[models.ThreatKind][]string) string {
	if !r.Enabled {
		return r.Placeholder
	}

	if len(threats) > 0 {
		kinds := make([]models.ThreatKind, 0, len(threats))
		for k := range threats {
			kinds = append(kinds, k)
		}
		sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
		text = r.RedactByKind(text, kinds)

		text = truncateOnRuneBoundary(text, maxRedactedLength)
		summary := make([]string, 0, len(kinds))
		for _, k := range kinds {
			summary = append(summary, fmt.Sprintf("%s:%d", k, len(threats[k])))
		}
		return fmt.Sprintf("%s... [threats: %s]", text, strings.Join(summary, ", "))
	}

	if len(text) > maxRedactedLength {
		return truncateOnRuneBoundary(text, maxRedactedLength) + "..."
	}
	return text
}

// truncateOnRuneBoundary cuts to at most max bytes without splitting a
// multi-byte rune.
func truncateOnRuneBoundary(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// MaskSecret shows only a short prefix and suffix of a sensitive value,
// for log lines that need to identify a credential without leaking it.
func MaskSecret(value string) string {
	const keep = 4
	if len(value) <= keep*2 {
		return "***"
	}
	return value[:keep] + "***" + value[len(value)-keep:]
}
