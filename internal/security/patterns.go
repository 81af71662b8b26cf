// Package security implements the multi-layer validation pipeline:
// the compiled pattern catalog, the NER and policy-classifier clients,
// confidence tiering, redaction, and the orchestrator that composes
// them into a block/warn/allow decision.
package security

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/sirupsen/logrus"

	"github.com/rawblock/bandaid/pkg/models"
)

// Prompt-injection phrase patterns. A single hit scores 0.80; each
// additional pattern hit adds 0.05, capped at 0.95.
var promptInjectionPatterns = []string{
	// Direct instruction override (allow any single word between verb and target)
	`(?i)ignore\s+(\w+\s+)?(previous|prior|above)\s+(instructions?|commands?|rules?|prompts?)`,
	`(?i)disregard\s+(\w+\s+)?(previous|prior|above)\s+(instructions?|commands?|rules?)`,
	`(?i)forget\s+(\w+\s+)?(previous|prior|above)\s+(instructions?|commands?|rules?)`,
	`(?i)override\s+(\w+\s+)?(previous|prior|system)\s+(instructions?|commands?|settings?)`,
	// System-prompt extraction
	`(?i)(show|reveal|display|print|output)(\s+me)?\s+(your|the)\s+(\w+\s+)?(system\s+)?(prompt|instructions?|rules?)`,
	`(?i)tell\s+me\s+(your|the)\s+(\w+\s+)?(system\s+)?(prompt|instructions?|rules?)`,
	`(?i)what\s+(are|is)\s+your\s+(system\s+)?(prompt|instructions?|rules?)`,
	`(?i)repeat\s+(your|the)\s+(system\s+)?(prompt|instructions?)`,
	`(?i)repeat\s+the\s+(text|content|instructions?)\s+(above|before)`,
	`(?i)\b(my|your|the)\s+system\s+prompt\b`,
	// Role manipulation
	`(?i)you\s+are\s+now\s+(a|an|the)`,
	`(?i)act\s+as\s+(a|an|the|if)`,
	`(?i)pretend\s+(you|to)\s+(are|be|have)`,
	`(?i)pretend\s+that\s+you`,
	`(?i)roleplay\s+as`,
	`(?i)simulate\s+(a|an|being)`,
	// DAN-style jailbreaks
	`(?i)\b(DAN|do\s+anything\s+now)\b`,
	`(?i)you\s+(have|can)\s+break(en)?\s+(free|out)`,
	`(?i)no\s+longer\s+(have|bound\s+by)\s+(rules|restrictions|limitations)`,
	// Developer / debug mode
	`(?i)(enable|activate|enter|switch\s+to)\s+(developer|debug|admin|god)\s+mode`,
	`(?i)developer\s+mode\s+enabled`,
	// Encoding wrappers
	`(?i)(base64|hex|rot13|encode|decode).*ignore`,
	`(?i)(base64|hex|rot13).*previous.*instructions?`,
}

const (
	ethereumAddressPattern = `\b0x[a-fA-F0-9]{40}\b`
	bitcoinLegacyPattern   = `\b[13][a-km-zA-HJ-NP-Z1-9]{25,34}\b`
	bitcoinSegwitPattern   = `\bbc1[a-z0-9]{39,59}\b`

	hexPrivateKeyPattern = `\b(0x)?[a-fA-F0-9]{64}\b`
	bitcoinWIFPattern    = `\b[5KL][1-9A-HJ-NP-Za-km-z]{50,51}\b`

	contextualPrivateKeyPattern = `(?i)(private[_\s]?key|secret[_\s]?key|priv[_\s]?key|wallet[_\s]?key)[\s:=]+[a-fA-F0-9]{64}\b`

	pemPrivateKeyPattern = `-----BEGIN (?:RSA |EC |OPENSSH )?PRIVATE KEY-----[\s\S]*?-----END (?:RSA |EC |OPENSSH )?PRIVATE KEY-----`

	privateKeyContextPattern = `(?i)(private|secret|wallet|priv)[\s_]?key`
)

var apiKeyPatterns = []string{
	// OpenAI / Anthropic style prefixed keys
	`(?i)\b(sk|pk)[-_][\w\-]{15,100}\b`,
	// Explicit api_key assignments, optionally provider-prefixed
	`(?i)(\w+_)?api[_-]?key[\s:=]+['"]?[a-zA-Z0-9/+=\-_]{15,}\b`,
	// AWS secret access keys
	`(?i)(aws|amazon)[_\s]?secret[_\s]?access[_\s]?key[\s:=]+['"]?[a-zA-Z0-9/+=]{20,}\b`,
	// Google API keys
	`\bAIza[a-zA-Z0-9\-_]{35,}\b`,
	// Generic long alphanumeric tokens, confidence gated by context words
	`\b[a-zA-Z0-9]{40,}\b`,
}

var apiKeyContextWords = []string{"api_key", "apikey", "api-key", "token", "secret", "auth"}

var seedPhraseLengths = []int{12, 18, 24}

// PatternCatalog holds every compiled rule family. Immutable after
// construction; Detect is a pure function over text.
type PatternCatalog struct {
	promptInjection      []*regexp.Regexp
	ethereumAddress      *regexp.Regexp
	bitcoinLegacy        *regexp.Regexp
	bitcoinSegwit        *regexp.Regexp
	hexPrivateKey        *regexp.Regexp
	bitcoinWIF           *regexp.Regexp
	contextualPrivateKey *regexp.Regexp
	pemPrivateKey        *regexp.Regexp
	privateKeyContext    *regexp.Regexp
	apiKey               []*regexp.Regexp

	bip39Words map[string]bool // nil disables seed-phrase detection
	log        *logrus.Entry
}

// CatalogOption customizes catalog construction.
type CatalogOption func(*PatternCatalog)

// WithBIP39Words injects a wordlist directly, bypassing the file load.
func WithBIP39Words(words []string) CatalogOption {
	return func(c *PatternCatalog) {
		set := make(map[string]bool, len(words))
		for _, w := range words {
			set[strings.ToLower(strings.TrimSpace(w))] = true
		}
		c.bip39Words = set
	}
}

// NewPatternCatalog compiles all rule families once. A missing BIP39
// wordlist is the only tolerated failure: seed-phrase detection is
// disabled and a warning logged once.
func NewPatternCatalog(logger *logrus.Logger, wordlistPath string, opts ...CatalogOption) *PatternCatalog {
	c := &PatternCatalog{
		ethereumAddress:      regexp.MustCompile(ethereumAddressPattern),
		bitcoinLegacy:        regexp.MustCompile(bitcoinLegacyPattern),
		bitcoinSegwit:        regexp.MustCompile(bitcoinSegwitPattern),
		hexPrivateKey:        regexp.MustCompile(hexPrivateKeyPattern),
		bitcoinWIF:           regexp.MustCompile(bitcoinWIFPattern),
		contextualPrivateKey: regexp.MustCompile(contextualPrivateKeyPattern),
		pemPrivateKey:        regexp.MustCompile(pemPrivateKeyPattern),
		privateKeyContext:    regexp.MustCompile(privateKeyContextPattern),
		log:                  logger.WithField("component", "pattern_catalog"),
	}
	for _, p := range promptInjectionPatterns {
		c.promptInjection = append(c.promptInjection, regexp.MustCompile(p))
	}
	for _, p := range apiKeyPatterns {
		c.apiKey = append(c.apiKey, regexp.MustCompile(p))
	}

	for _, opt := range opts {
		opt(c)
	}
	if c.bip39Words == nil && wordlistPath != "" {
		if err := c.loadBIP39Wordlist(wordlistPath); err != nil {
			c.log.WithError(err).Warn("bip39 wordlist unavailable, seed phrase detection disabled")
		}
	}
	return c
}

func (c *PatternCatalog) loadBIP39Wordlist(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("load bip39 wordlist: %w", err)
	}
	set := make(map[string]bool, 2048)
	for _, line := range strings.Split(string(raw), "\n") {
		word := strings.ToLower(strings.TrimSpace(line))
		if word != "" {
			set[word] = true
		}
	}
	c.bip39Words = set
	c.log.WithField("word_count", len(set)).Info("bip39 wordlist loaded")
	return nil
}

// SeedPhraseEnabled reports whether the wordlist loaded.
func (c *PatternCatalog) SeedPhraseEnabled() bool {
	return c.bip39Words != nil
}

// Detect runs every rule family and returns detections ordered by
// descending confidence. Pure and idempotent.
func (c *PatternCatalog) Detect(text string) []models.ThreatDetection {
	var out []models.ThreatDetection
	out = append(out, c.DetectPromptInjection(text)...)
	out = append(out, c.DetectBlockchainAddress(text)...)
	out = append(out, c.DetectPrivateKey(text)...)
	out = append(out, c.DetectAPIKey(text)...)
	out = append(out, c.DetectSeedPhrase(text)...)

	// Stable: keeps PEM ahead of hex-64 over the same span, and family
	// order deterministic at equal confidence.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Confidence > out[j].Confidence
	})
	return out
}

// DetectPromptInjection collapses all pattern hits into one detection
// whose confidence grows with the number of matched patterns.
func (c *PatternCatalog) DetectPromptInjection(text string) []models.ThreatDetection {
	var matched []string
	for _, p := range c.promptInjection {
		if m := p.FindString(text); m != "" {
			matched = append(matched, m)
		}
	}
	if len(matched) == 0 {
		return nil
	}
	confidence := 0.80 + float64(len(matched)-1)*0.05
	if confidence > 0.95 {
		confidence = 0.95
	}
	return []models.ThreatDetection{{
		Kind:        models.ThreatPromptInjection,
		Confidence:  confidence,
		MatchedText: matched[0],
	}}
}

// DetectBlockchainAddress emits one detection per wallet address.
// Bitcoin candidates must pass a base58 checksum; Ethereum has no
// checksum short of EIP-55 casing, so the regex hit stands alone.
func (c *PatternCatalog) DetectBlockchainAddress(text string) []models.ThreatDetection {
	var out []models.ThreatDetection
	for _, addr := range c.ethereumAddress.FindAllString(text, -1) {
		out = append(out, models.ThreatDetection{
			Kind:        models.ThreatBlockchainAddress,
			Confidence:  0.95,
			MatchedText: addr,
		})
	}
	for _, addr := range c.bitcoinLegacy.FindAllString(text, -1) {
		if !validBase58Check(addr) {
			continue
		}
		out = append(out, models.ThreatDetection{
			Kind:        models.ThreatBlockchainAddress,
			Confidence:  0.95,
			MatchedText: addr,
		})
	}
	for _, addr := range c.bitcoinSegwit.FindAllString(text, -1) {
		out = append(out, models.ThreatDetection{
			Kind:        models.ThreatBlockchainAddress,
			Confidence:  0.95,
			MatchedText: addr,
		})
	}
	return out
}

// DetectPrivateKey checks PEM envelopes first (0.99), then contextual
// hex-64 (0.98), bare hex-64 (0.85), and Bitcoin WIF (0.95 with a
// private-key keyword nearby, 0.70 without).
func (c *PatternCatalog) DetectPrivateKey(text string) []models.ThreatDetection {
	var out []models.ThreatDetection
	for _, m := range c.pemPrivateKey.FindAllString(text, -1) {
		out = append(out, models.ThreatDetection{
			Kind: models.ThreatPrivateKey, Confidence: 0.99, MatchedText: m,
		})
	}
	for _, m := range c.contextualPrivateKey.FindAllString(text, -1) {
		out = append(out, models.ThreatDetection{
			Kind: models.ThreatPrivateKey, Confidence: 0.98, MatchedText: m,
		})
	}
	for _, m := range c.hexPrivateKey.FindAllString(text, -1) {
		out = append(out, models.ThreatDetection{
			Kind: models.ThreatPrivateKey, Confidence: 0.85, MatchedText: m,
		})
	}
	hasContext := c.privateKeyContext.MatchString(text)
	for _, m := range c.bitcoinWIF.FindAllString(text, -1) {
		if !validBase58Check(m) {
			continue
		}
		confidence := 0.70
		if hasContext {
			confidence = 0.95
		}
		out = append(out, models.ThreatDetection{
			Kind: models.ThreatPrivateKey, Confidence: confidence, MatchedText: m,
		})
	}
	return out
}

// DetectAPIKey returns at most one detection: 0.90 when a context word
// like "token" or "api_key" appears, 0.60 otherwise.
func (c *PatternCatalog) DetectAPIKey(text string) []models.ThreatDetection {
	var first string
	for _, p := range c.apiKey {
		if m := p.FindString(text); m != "" {
			first = m
			break
		}
	}
	if first == "" {
		return nil
	}
	lower := strings.ToLower(text)
	confidence := 0.60
	for _, kw := range apiKeyContextWords {
		if strings.Contains(lower, kw) {
			confidence = 0.90
			break
		}
	}
	return []models.ThreatDetection{{
		Kind:        models.ThreatAPIKeyLeak,
		Confidence:  confidence,
		MatchedText: first,
	}}
}

// DetectSeedPhrase slides 12/18/24-word windows over the lowercased
// tokens. A full dictionary window scores 0.98; one or two misses
// score 0.75. Disabled when the wordlist failed to load.
func (c *PatternCatalog) DetectSeedPhrase(text string) []models.ThreatDetection {
	if c.bip39Words == nil {
		return nil
	}
	words := strings.Fields(strings.ToLower(text))

	var out []models.ThreatDetection
	for _, length := range seedPhraseLengths {
		for i := 0; i+length <= len(words); i++ {
			window := words[i : i+length]
			matches := 0
			for _, w := range window {
				if c.bip39Words[w] {
					matches++
				}
			}
			switch {
			case matches >= length:
				out = append(out, models.ThreatDetection{
					Kind:        models.ThreatSeedPhrase,
					Confidence:  0.98,
					MatchedText: strings.Join(window, " "),
				})
			case matches >= length-2:
				out = append(out, models.ThreatDetection{
					Kind:        models.ThreatSeedPhrase,
					Confidence:  0.75,
					MatchedText: strings.Join(window, " "),
				})
			}
		}
	}
	return out
}

// validBase58Check verifies the 4-byte double-SHA256 checksum that both
// legacy addresses and WIF keys carry. Filters out regex-shaped noise.
func validBase58Check(candidate string) bool {
	_, _, err := base58.CheckDecode(candidate)
	return err == nil
}
