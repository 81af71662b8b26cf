// Package learning implements the self-learning pattern memory: text
// embeddings, the persisted vector index, and the absorb/match facade
// the orchestrator drives.
package learning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// EmbeddingDim is the fixed embedding dimension. Matches the sentence
// transformer family served by the inference sidecar.
const EmbeddingDim = 384

// Embedder turns text into a unit vector. Implementations must be pure:
// the same text always yields the same vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
	Dim() int
}

// HTTPEmbedder calls the inference sidecar's embedding endpoint.
type HTTPEmbedder struct {
	modelName  string
	endpoint   string
	httpClient *http.Client
	log        *logrus.Entry
}

func NewHTTPEmbedder(logger *logrus.Logger, modelName, endpoint string) *HTTPEmbedder {
	return &HTTPEmbedder{
		modelName:  modelName,
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        logger.WithField("component", "embedder"),
	}
}

func (e *HTTPEmbedder) Dim() int { return EmbeddingDim }

func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	body, err := json.Marshal(map[string]string{"model": e.modelName, "input": text})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("embedding request failed: status %d: %s", resp.StatusCode, payload)
	}

	var out struct {
		Embedding []float64 `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}
	if len(out.Embedding) != EmbeddingDim {
		return nil, fmt.Errorf("unexpected embedding dimension %d, want %d", len(out.Embedding), EmbeddingDim)
	}
	return Normalize(out.Embedding), nil
}

// HashingEmbedder is the local-first fallback: a deterministic
// feature-hashing embedding over word unigrams and bigrams. Far weaker
// than a sentence transformer at paraphrase matching, but it keeps the
// learning loop (dedupe, exact and near-exact re-detection) working
// with no sidecar running.
type HashingEmbedder struct{}

func NewHashingEmbedder() *HashingEmbedder { return &HashingEmbedder{} }

func (h *HashingEmbedder) Dim() int { return EmbeddingDim }

func (h *HashingEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	vec := make([]float64, EmbeddingDim)
	tokens := tokenize(text)
	for i, tok := range tokens {
		addFeature(vec, tok)
		if i+1 < len(tokens) {
			addFeature(vec, tok+" "+tokens[i+1])
		}
	}
	return Normalize(vec), nil
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
}

// addFeature hashes the token into a bucket; a second hash bit decides
// the sign so opposing features cancel rather than accumulate.
func addFeature(vec []float64, token string) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(token))
	sum := h.Sum64()
	bucket := sum % EmbeddingDim
	if sum&(1<<63) != 0 {
		vec[bucket] -= 1
	} else {
		vec[bucket] += 1
	}
}

// Normalize scales a vector to unit length. The zero vector is
// returned unchanged.
func Normalize(vec []float64) []float64 {
	var sum float64
	for _, v := range vec {
		sum += v * v
	}
	if sum == 0 {
		return vec
	}
	norm := math.Sqrt(sum)
	out := make([]float64, len(vec))
	for i, v := range vec {
		out[i] = v / norm
	}
	return out
}

// Cosine computes similarity between unit vectors, clamped to [0, 1].
func Cosine(a, b []float64) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	for i := range a {
		dot += a[i] * b[i]
	}
	if dot < 0 {
		return 0
	}
	if dot > 1 {
		return 1
	}
	return dot
}
