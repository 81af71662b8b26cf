package security

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/rawblock/bandaid/internal/metrics"
	"github.com/rawblock/bandaid/internal/worker"
	"github.com/rawblock/bandaid/pkg/models"
)

const (
	// patternMatchThreshold is the cosine similarity floor for treating
	// a learned pattern as a hit.
	patternMatchThreshold = 0.85
	// patternMatchConfidence is the minimum confidence a learned-pattern
	// hit contributes, regardless of raw similarity.
	patternMatchConfidence = 0.95
	// learnMinConfidence gates which blocks are worth remembering.
	learnMinConfidence = 0.8
)

// EventSink receives journal writes. Satisfied by *storage.Journal and
// by *storage.BatchWriter.
type EventSink interface {
	InsertEvent(ctx context.Context, e models.SecurityEvent) error
}

// EntityTagger is the NER stage seen by the orchestrator.
type EntityTagger interface {
	DetectEntities(ctx context.Context, text string) (EntityResult, error)
	Validate(ctx context.Context, text string) (EntityResult, error)
}

// PolicyClassifier is the guard stage seen by the orchestrator.
type PolicyClassifier interface {
	Validate(ctx context.Context, text string) GuardVerdict
}

// PatternMatcher is the learned-pattern memory seen by the orchestrator.
type PatternMatcher interface {
	FindSimilar(ctx context.Context, text string, k int, threshold float64) ([]models.PatternMatch, error)
	Absorb(ctx context.Context, text string, kinds []models.ThreatKind, confidence float64, sourceEventID uuid.UUID, redactedText string) (*uuid.UUID, error)
}

// Checks toggles individual pipeline layers.
type Checks struct {
	NER        bool
	Guard      bool
	Regex      bool
	SeedPhrase bool
	Embeddings bool
}

// ValidateInput is one pre-call validation request.
type ValidateInput struct {
	Text      string
	RequestID uuid.UUID
	Provider  string
	Model     string
}

// Decision is the orchestrator's answer: the journaled event plus the
// per-layer audit trail for this call.
type Decision struct {
	Allowed bool
	Event   models.SecurityEvent
	Results []models.ValidationResult
}

// Orchestrator drives the multi-layer validation pipeline and emits
// exactly one SecurityEvent per validate call.
type Orchestrator struct {
	catalog  *PatternCatalog
	entities EntityTagger
	guard    PolicyClassifier
	tiers    *ConfidenceTiers
	redactor *Redactor
	memory   PatternMatcher
	journal  EventSink
	alerts   EventSink
	pool     *worker.Pool
	checks   Checks
	disabled map[models.ThreatKind]bool
	log      *logrus.Entry
}

// Deps collects the orchestrator's collaborators. Journal is required;
// Alerts defaults to Journal; nil detectors behave as disabled layers.
type Deps struct {
	Catalog  *PatternCatalog
	Entities EntityTagger
	Guard    PolicyClassifier
	Tiers    *ConfidenceTiers
	Redactor *Redactor
	Memory   PatternMatcher
	Journal  EventSink
	Alerts   EventSink
	Pool     *worker.Pool
	Checks   Checks
	Disabled map[models.ThreatKind]bool
}

func NewOrchestrator(logger *logrus.Logger, deps Deps) *Orchestrator {
	alerts := deps.Alerts
	if alerts == nil {
		alerts = deps.Journal
	}
	disabled := deps.Disabled
	if disabled == nil {
		disabled = map[models.ThreatKind]bool{}
	}
	return &Orchestrator{
		catalog:  deps.Catalog,
		entities: deps.Entities,
		guard:    deps.Guard,
		tiers:    deps.Tiers,
		redactor: deps.Redactor,
		memory:   deps.Memory,
		journal:  deps.Journal,
		alerts:   alerts,
		pool:     deps.Pool,
		checks:   deps.Checks,
		disabled: disabled,
		log:      logger.WithField("component", "orchestrator"),
	}
}

// ValidateRequest runs the pipeline over one prompt. Later stages may
// raise the running decision but never lower it; ties keep the earlier
// stage's attribution.
func (o *Orchestrator) ValidateRequest(ctx context.Context, in ValidateInput) (Decision, error) {
	if strings.TrimSpace(in.Text) == "" {
		return Decision{}, fmt.Errorf("validate: empty input text")
	}
	start := time.Now()
	defer func() { metrics.ValidationDuration.Observe(time.Since(start).Seconds()) }()

	var (
		results      []models.ValidationResult
		threats      = make(map[models.ThreatKind][]string)
		maxConf      float64
		primaryKind  models.ThreatKind
		primaryLayer models.DetectionLayer
		patternID    *uuid.UUID
	)
	merge := func(kind models.ThreatKind, confidence float64, layer models.DetectionLayer) {
		if primaryKind == "" || confidence > maxConf {
			primaryKind, primaryLayer = kind, layer
		}
		if confidence > maxConf {
			maxConf = confidence
		}
	}

	// Layer 1: learned-pattern memory.
	if o.checks.Embeddings && o.memory != nil {
		matches, err := o.memory.FindSimilar(ctx, in.Text, 1, patternMatchThreshold)
		if err != nil {
			o.log.WithError(err).Warn("learned-pattern lookup failed")
			results = append(results, models.ValidationResult{
				Layer: models.LayerEmbeddingMatch, Passed: true,
				Details: map[string]any{"error": err.Error()},
			})
		} else if len(matches) > 0 {
			p := matches[0].Pattern
			kinds := o.enabledKinds(p.ThreatKinds)
			if len(kinds) > 0 {
				conf := matches[0].Similarity
				if conf < patternMatchConfidence {
					conf = patternMatchConfidence
				}
				merge(kinds[0], conf, models.LayerEmbeddingMatch)
				id := p.ID
				patternID = &id
				for _, k := range kinds {
					threats[k] = append(threats[k], "learned:"+p.ID.String())
				}
				results = append(results, models.ValidationResult{
					Layer: models.LayerEmbeddingMatch, Passed: false,
					Confidence: conf, Threats: kinds,
					Details: map[string]any{
						"pattern_id": p.ID.String(),
						"similarity": matches[0].Similarity,
					},
				})
			}
		}
	}

	// Layer 2: pattern catalog. Seed-phrase windows are attributed to
	// their own layer so the dashboard can tell them from plain regex.
	if o.checks.Regex || o.checks.SeedPhrase {
		var regexConf, seedConf float64
		var regexKinds, seedKinds []models.ThreatKind
		for _, det := range o.catalog.Detect(in.Text) {
			if o.disabled[det.Kind] {
				continue
			}
			if det.Kind == models.ThreatSeedPhrase {
				if !o.checks.SeedPhrase {
					continue
				}
				merge(det.Kind, det.Confidence, models.LayerSeedPhrase)
				seedKinds = appendKind(seedKinds, det.Kind)
				if det.Confidence > seedConf {
					seedConf = det.Confidence
				}
			} else {
				if !o.checks.Regex {
					continue
				}
				merge(det.Kind, det.Confidence, models.LayerRegex)
				regexKinds = appendKind(regexKinds, det.Kind)
				if det.Confidence > regexConf {
					regexConf = det.Confidence
				}
			}
			threats[det.Kind] = append(threats[det.Kind], det.MatchedText)
		}
		if o.checks.Regex {
			results = append(results, models.ValidationResult{
				Layer: models.LayerRegex, Passed: len(regexKinds) == 0,
				Confidence: regexConf, Threats: regexKinds,
			})
		}
		if o.checks.SeedPhrase && o.catalog.SeedPhraseEnabled() {
			results = append(results, models.ValidationResult{
				Layer: models.LayerSeedPhrase, Passed: len(seedKinds) == 0,
				Confidence: seedConf, Threats: seedKinds,
			})
		}
	}

	// Layer 3: entity detector. Non-fatal on failure.
	if o.checks.NER && o.entities != nil {
		res, err := o.entities.DetectEntities(ctx, in.Text)
		if err != nil {
			o.log.WithError(err).Warn("entity detector unavailable")
			results = append(results, models.ValidationResult{
				Layer: models.LayerNER, Passed: true,
				Details: map[string]any{"error": err.Error()},
			})
		} else {
			var nerKinds []models.ThreatKind
			for kind, matched := range res.Threats {
				if o.disabled[kind] {
					continue
				}
				merge(kind, res.MaxConfidence, models.LayerNER)
				nerKinds = appendKind(nerKinds, kind)
				threats[kind] = append(threats[kind], matched...)
			}
			results = append(results, models.ValidationResult{
				Layer: models.LayerNER, Passed: len(nerKinds) == 0,
				Confidence: res.MaxConfidence, Threats: nerKinds,
			})
		}
	}

	// Layers 4-5: tiering, with the policy classifier as the
	// medium-confidence escape hatch.
	guardEnabled := o.checks.Guard && o.guard != nil
	tier := o.tiers.TierOf(maxConf)
	shouldBlock := tier == TierHigh
	if tier == TierMedium {
		if !guardEnabled {
			shouldBlock = true
		} else {
			verdict := o.guard.Validate(ctx, in.Text)
			guardResult := models.ValidationResult{
				Layer: models.LayerGuard, Passed: !verdict.Unsafe,
				Confidence: verdict.Confidence,
			}
			if verdict.Unsafe {
				shouldBlock = true
				if verdict.Confidence > maxConf {
					maxConf = verdict.Confidence
				}
				if primaryKind == "" {
					primaryKind = models.ThreatPromptInjection
				}
				primaryLayer = models.LayerGuard
				guardResult.Threats = []models.ThreatKind{primaryKind}
				guardResult.Details = map[string]any{"categories": categoryList(verdict.Categories)}
			}
			results = append(results, guardResult)
		}
	}

	// Final decision and journal record.
	eventType := models.EventAllowed
	switch {
	case shouldBlock:
		eventType = models.EventBlocked
	case maxConf >= o.tiers.MediumMin:
		eventType = models.EventMediumConfidenceWarning
	}

	event := models.NewSecurityEvent(eventType, in.RequestID)
	event.Provider, event.Model = in.Provider, in.Model
	event.Severity = models.SeverityInfo
	if primaryKind != "" {
		event.SetThreat(primaryKind, maxConf, primaryLayer)
		event.Severity = o.tiers.SeverityFor(maxConf, primaryKind)
	}
	event.LearnedPatternID = patternID
	event.RedactedContent = o.redactor.RedactForStorage(in.Text, threats)

	if err := o.journal.InsertEvent(ctx, event); err != nil {
		metrics.JournalErrors.Inc()
		o.log.WithError(err).WithField("event_id", event.ID).
			Error("journal write failed, decision unaffected")
	}

	metrics.ValidationsTotal.WithLabelValues(string(eventType)).Inc()
	if primaryKind != "" {
		metrics.ThreatsDetected.WithLabelValues(string(primaryKind), string(primaryLayer)).Inc()
	}
	o.logDecision(event, tier)

	// Layer 6: remember what we blocked, off the request path.
	if shouldBlock && primaryKind != "" && o.checks.Embeddings &&
		o.memory != nil && o.pool != nil && maxConf >= learnMinConfidence {
		o.scheduleLearning(in.Text, event, threatKinds(threats, primaryKind), maxConf)
	}

	return Decision{Allowed: !shouldBlock, Event: event, Results: results}, nil
}

// ScanResponse runs leak detection over a completed response. Alerts
// are journaled per detected kind; the response itself is never
// blocked, so there is nothing to return.
func (o *Orchestrator) ScanResponse(ctx context.Context, text string, requestID uuid.UUID, provider, model string) {
	if strings.TrimSpace(text) == "" || o.entities == nil {
		return
	}
	res, err := o.entities.Validate(ctx, text)
	if err != nil {
		o.log.WithError(err).Debug("response scan degraded to catalog-only detection")
	}
	if !res.HasThreats {
		return
	}

	kinds := make([]models.ThreatKind, 0, len(res.Threats))
	for kind := range res.Threats {
		kinds = appendKind(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	for _, kind := range kinds {
		event := models.NewSecurityEvent(models.EventDataLeakAlert, requestID)
		event.Provider, event.Model = provider, model
		event.SetThreat(kind, res.MaxConfidence, models.LayerNER)
		event.Severity = LeakSeverity(kind)
		event.RedactedContent = o.redactor.RedactForStorage(text,
			map[models.ThreatKind][]string{kind: res.Threats[kind]})

		if err := o.alerts.InsertEvent(ctx, event); err != nil {
			metrics.JournalErrors.Inc()
			o.log.WithError(err).Error("leak alert journal write failed")
			continue
		}
		metrics.LeakAlerts.WithLabelValues(string(kind)).Inc()
		o.log.WithFields(logrus.Fields{
			"request_id": requestID,
			"kind":       kind,
			"severity":   event.Severity,
		}).Warn("data leak detected in model response")
	}
}

func (o *Orchestrator) scheduleLearning(text string, event models.SecurityEvent, kinds []models.ThreatKind, confidence float64) {
	redacted := event.RedactedContent
	eventID := event.ID
	o.pool.SubmitLearn(func(ctx context.Context) {
		id, err := o.memory.Absorb(ctx, text, kinds, confidence, eventID, redacted)
		switch {
		case err != nil:
			metrics.LearnedPatterns.WithLabelValues("error").Inc()
			o.log.WithError(err).Warn("pattern learning failed")
		case id == nil:
			metrics.LearnedPatterns.WithLabelValues("duplicate").Inc()
		default:
			metrics.LearnedPatterns.WithLabelValues("new").Inc()
		}
	})
}

func (o *Orchestrator) logDecision(event models.SecurityEvent, tier Tier) {
	fields := logrus.Fields{
		"request_id": event.RequestID,
		"event_type": event.EventType,
		"severity":   event.Severity,
		"tier":       tier,
	}
	if event.ThreatKind != nil {
		fields["threat_kind"] = *event.ThreatKind
		fields["confidence"] = *event.Confidence
		fields["layer"] = *event.DetectionLayer
	}
	switch event.EventType {
	case models.EventBlocked:
		o.log.WithFields(fields).Warn("request blocked")
	case models.EventMediumConfidenceWarning:
		o.log.WithFields(fields).Info("request allowed with warning")
	default:
		o.log.WithFields(fields).Debug("request allowed")
	}
}

// enabledKinds filters the disabled set out, preserving order.
func (o *Orchestrator) enabledKinds(kinds []models.ThreatKind) []models.ThreatKind {
	out := make([]models.ThreatKind, 0, len(kinds))
	for _, k := range kinds {
		if !o.disabled[k] {
			out = append(out, k)
		}
	}
	return out
}

func appendKind(kinds []models.ThreatKind, kind models.ThreatKind) []models.ThreatKind {
	for _, k := range kinds {
		if k == kind {
			return kinds
		}
	}
	return append(kinds, kind)
}

// threatKinds lists the detected kinds for the learner, primary first.
func threatKinds(threats map[models.ThreatKind][]string, primary models.ThreatKind) []models.ThreatKind {
	kinds := []models.ThreatKind{primary}
	rest := make([]models.ThreatKind, 0, len(threats))
	for kind := range threats {
		if kind != primary {
			rest = append(rest, kind)
		}
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i] < rest[j] })
	return append(kinds, rest...)
}

func categoryList(categories map[string]bool) []string {
	out := make([]string, 0, len(categories))
	for c := range categories {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
