package security

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rawblock/bandaid/pkg/models"
)

// EntityDetector combines token-classification tagging (PER/ORG/LOC
// mapped to PII) with the pattern catalog's financial-secret rules.
// The tagger is served by a local inference sidecar speaking the
// HuggingFace token-classification JSON shape; the catalog covers what
// a tagger cannot (keys, addresses, seed phrases).
type EntityDetector struct {
	modelName           string
	endpoint            string
	confidenceThreshold float64
	catalog             *PatternCatalog
	httpClient          *http.Client
	log                 *logrus.Entry

	initOnce sync.Once
	initErr  error
}

// EntityResult is the outcome of one validate call.
type EntityResult struct {
	HasThreats    bool
	MaxConfidence float64
	Threats       map[models.ThreatKind][]string
}

type nerEntity struct {
	EntityGroup string  `json:"entity_group"`
	Score       float64 `json:"score"`
	Word        string  `json:"word"`
}

var nerEntityKinds = map[string]string{
	"PER": "person",
	"ORG": "organization",
	"LOC": "location",
}

// NewEntityDetector wires the detector. endpoint may be empty, in which
// case only the catalog contributes (the tagger is treated as disabled
// after a failed lazy init).
func NewEntityDetector(logger *logrus.Logger, modelName, endpoint string, catalog *PatternCatalog) *EntityDetector {
	return &EntityDetector{
		modelName:           modelName,
		endpoint:            endpoint,
		confidenceThreshold: 0.7,
		catalog:             catalog,
		httpClient:          &http.Client{Timeout: 30 * time.Second},
		log:                 logger.WithField("component", "entity_detector"),
	}
}

// initialize performs the lazy first-use health check against the
// sidecar. Serialized; subsequent calls return the cached result.
func (d *EntityDetector) initialize(ctx context.Context) error {
	d.initOnce.Do(func() {
		if d.endpoint == "" {
			d.initErr = fmt.Errorf("ner endpoint not configured")
			return
		}
		d.log.WithFields(logrus.Fields{"model": d.modelName, "endpoint": d.endpoint}).
			Info("initializing entity detector")

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.endpoint+"/health", nil)
		if err != nil {
			d.initErr = err
			return
		}
		resp, err := d.httpClient.Do(req)
		if err != nil {
			d.initErr = fmt.Errorf("ner sidecar unreachable: %w", err)
			return
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			d.initErr = fmt.Errorf("ner sidecar unhealthy: status %d", resp.StatusCode)
			return
		}
		d.log.Info("entity detector initialized")
	})
	return d.initErr
}

// DetectEntities runs the tagger alone. Tagger failure returns the
// empty result with the error alongside so callers can record the
// breadcrumb and degrade.
func (d *EntityDetector) DetectEntities(ctx context.Context, text string) (EntityResult, error) {
	if err := d.initialize(ctx); err != nil {
		return EntityResult{}, err
	}
	entities, err := d.tag(ctx, text)
	if err != nil {
		return EntityResult{}, err
	}

	threats := make(map[models.ThreatKind][]string)
	maxConfidence := 0.0
	for _, e := range entities {
		if e.Score < d.confidenceThreshold {
			continue
		}
		prefix, ok := nerEntityKinds[e.EntityGroup]
		if !ok {
			continue
		}
		if e.Score > maxConfidence {
			maxConfidence = e.Score
		}
		threats[models.ThreatPII] = append(threats[models.ThreatPII],
			fmt.Sprintf("%s:%s", prefix, e.Word))
	}
	if len(threats) == 0 {
		return EntityResult{}, nil
	}
	return EntityResult{HasThreats: true, MaxConfidence: maxConfidence, Threats: threats}, nil
}

// Validate tags the text and merges catalog detections. Tagger failure
// degrades to catalog-only results with the error returned alongside.
func (d *EntityDetector) Validate(ctx context.Context, text string) (EntityResult, error) {
	tagged, taggerErr := d.DetectEntities(ctx, text)

	threats := make(map[models.ThreatKind][]string)
	maxConfidence := tagged.MaxConfidence
	for kind, matches := range tagged.Threats {
		threats[kind] = append(threats[kind], matches...)
	}

	for _, det := range d.catalog.Detect(text) {
		threats[det.Kind] = append(threats[det.Kind], det.MatchedText)
		if det.Confidence > maxConfidence {
			maxConfidence = det.Confidence
		}
	}

	if len(threats) == 0 {
		return EntityResult{}, taggerErr
	}
	return EntityResult{
		HasThreats:    true,
		MaxConfidence: maxConfidence,
		Threats:       threats,
	}, taggerErr
}

func (d *EntityDetector) tag(ctx context.Context, text string) ([]nerEntity, error) {
	body, err := json.Marshal(map[string]string{"inputs": text})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint+"/predict", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ner request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("ner request failed: status %d: %s", resp.StatusCode, payload)
	}

	var entities []nerEntity
	if err := json.NewDecoder(resp.Body).Decode(&entities); err != nil {
		return nil, fmt.Errorf("decode ner response: %w", err)
	}
	return entities, nil
}
