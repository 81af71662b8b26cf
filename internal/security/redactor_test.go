package security

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rawblock/bandaid/pkg/models"
)

func testRedactor() *Redactor {
	return NewRedactor(true, "[REDACTED]", testCatalog(WithBIP39Words(bip39TestWords)))
}

func TestPIIRedaction(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		redact func(string) string
		marker string
		gone   string
	}{
		{"email", "contact alice@example.com today", RedactEmail, "***EMAIL_REDACTED***", "alice@example.com"},
		{"phone dashed", "call 555-123-4567", RedactPhone, "***PHONE_REDACTED***", "555-123-4567"},
		{"phone parens", "call (555) 123-4567", RedactPhone, "***PHONE_REDACTED***", "(555) 123-4567"},
		{"ssn", "ssn 123-45-6789 on file", RedactSSN, "***SSN_REDACTED***", "123-45-6789"},
		{"credit card", "pay with 4111 1111 1111 1111", RedactCreditCard, "***CC_REDACTED***", "4111 1111 1111 1111"},
		{"street address", "ship to 123 Main Street Apt 4", RedactAddress, "***ADDRESS_REDACTED***", "123 Main Street"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			out := tc.redact(tc.text)
			assert.Contains(t, out, tc.marker)
			assert.NotContains(t, out, tc.gone)
		})
	}
}

func TestSecretRedaction(t *testing.T) {
	t.Run("ethereum address", func(t *testing.T) {
		out := RedactBlockchainAddress("send to 0x742d35Cc6634C0532925a3b844Bc454e4438f44e")
		assert.Contains(t, out, "[ETH_ADDRESS_REDACTED]")
		assert.NotContains(t, out, "0x742d35Cc")
	})

	t.Run("wif key", func(t *testing.T) {
		out := RedactPrivateKey("key 5HueCGU8rMjxEXxiPuD5BDku4MkFqeZyd4dZ1jvhTVqvbTLvyTJ")
		assert.Contains(t, out, "[PRIVATE_KEY_REDACTED]")
		assert.NotContains(t, out, "5HueCGU8")
	})

	t.Run("api key", func(t *testing.T) {
		out := RedactAPIKey("token sk-test1234567890abcdefghij")
		assert.Contains(t, out, "[API_KEY_REDACTED]")
		assert.NotContains(t, out, "sk-test")
	})

	t.Run("seed phrase", func(t *testing.T) {
		r := testRedactor()
		out := r.RedactSeedPhrase("abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about")
		assert.Contains(t, out, "[SEED_WORD_REDACTED]")
		assert.NotContains(t, out, "abandon")
	})
}

func TestRedactForStorage(t *testing.T) {
	r := testRedactor()

	t.Run("marks spans and appends summary", func(t *testing.T) {
		addr := "0x742d35Cc6634C0532925a3b844Bc454e4438f44e"
		out := r.RedactForStorage("Send 2 ETH to "+addr+" please.",
			map[models.ThreatKind][]string{models.ThreatBlockchainAddress: {addr}})
		assert.Contains(t, out, "[ETH_ADDRESS_REDACTED]")
		assert.Contains(t, out, "[threats: blockchain_address:1]")
		assert.NotContains(t, out, addr)
	})

	t.Run("summary kinds sorted", func(t *testing.T) {
		out := r.RedactForStorage("text",
			map[models.ThreatKind][]string{
				models.ThreatPrivateKey:        {"a", "b"},
				models.ThreatBlockchainAddress: {"c"},
			})
		assert.Contains(t, out, "[threats: blockchain_address:1, private_key:2]")
	})

	t.Run("truncates long text", func(t *testing.T) {
		long := strings.Repeat("x", 1500)
		out := r.RedactForStorage(long, nil)
		require.Len(t, out, 1003)
		assert.True(t, strings.HasSuffix(out, "..."))
	})

	t.Run("truncation lands on a rune boundary", func(t *testing.T) {
		// The last rune straddles the byte cutoff; a byte slice would
		// leave an invalid UTF-8 tail.
		long := strings.Repeat("a", maxRedactedLength-1) + "日本語"

		out := r.RedactForStorage(long, nil)
		assert.True(t, utf8.ValidString(out))
		assert.True(t, strings.HasSuffix(out, "a..."))

		out = r.RedactForStorage(long,
			map[models.ThreatKind][]string{models.ThreatPromptInjection: {"x"}})
		assert.True(t, utf8.ValidString(out))
		assert.Contains(t, out, "[threats: prompt_injection:1]")
	})

	t.Run("short clean text untouched", func(t *testing.T) {
		assert.Equal(t, "hello", r.RedactForStorage("hello", nil))
	})

	t.Run("disabled redaction stores placeholder only", func(t *testing.T) {
		off := NewRedactor(false, "[GONE]", nil)
		out := off.RedactForStorage("secret stuff",
			map[models.ThreatKind][]string{models.ThreatPrivateKey: {"secret"}})
		assert.Equal(t, "[GONE]", out)
	})
}

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "sk-t***ghij", MaskSecret("sk-test1234567890abcdefghij"))
	assert.Equal(t, "***", MaskSecret("short"))
}
