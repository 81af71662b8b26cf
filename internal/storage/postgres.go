// Package storage implements the security event journal on PostgreSQL
// and the relational mirror of learned-pattern metadata.
package storage

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/rawblock/bandaid/pkg/models"
)

// schemaSQL is compiled into the binary at build time so schema init
// works inside the Docker runtime image, which does not copy
// internal/storage/schema.sql into the final stage.
//
//go:embed schema.sql
var schemaSQL string

// Journal is the append-only security event store. Events are immutable
// once written; the only delete path is the retention purge.
type Journal struct {
	pool *pgxpool.Pool
	log  *logrus.Entry
}

// Connect initializes the pgx connection pool and verifies it.
func Connect(ctx context.Context, logger *logrus.Logger, connStr string) (*Journal, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	log := logger.WithField("component", "journal")
	log.Info("connected to PostgreSQL")
	return &Journal{pool: pool, log: log}, nil
}

// Close gracefully closes the connection pool.
func (j *Journal) Close() {
	if j.pool != nil {
		j.pool.Close()
	}
}

// InitSchema executes the embedded DDL. Idempotent.
func (j *Journal) InitSchema(ctx context.Context) error {
	if _, err := j.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema migrations: %w", err)
	}
	j.log.Info("event journal schema initialized")
	return nil
}

const insertEventSQL = `
	INSERT INTO security_events
		(id, ts, event_type, threat_kind, confidence, request_id,
		 redacted_content, severity, detection_layer, learned_pattern_id,
		 provider, model)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12);
`

func eventArgs(e models.SecurityEvent) []any {
	return []any{
		e.ID, e.Timestamp, e.EventType, e.ThreatKind, e.Confidence,
		e.RequestID, e.RedactedContent, e.Severity, e.DetectionLayer,
		e.LearnedPatternID, e.Provider, e.Model,
	}
}

// InsertEvent appends one event to the journal.
func (j *Journal) InsertEvent(ctx context.Context, e models.SecurityEvent) error {
	if _, err := j.pool.Exec(ctx, insertEventSQL, eventArgs(e)...); err != nil {
		return fmt.Errorf("failed to insert security event: %w", err)
	}
	return nil
}

// InsertEventsBatch appends a batch of events in a single transaction.
// All or nothing.
func (j *Journal) InsertEventsBatch(ctx context.Context, events []models.SecurityEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := j.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, e := range events {
		if _, err := tx.Exec(ctx, insertEventSQL, eventArgs(e)...); err != nil {
			return fmt.Errorf("failed to insert security event %s: %w", e.ID, err)
		}
	}
	return tx.Commit(ctx)
}

// EventFilter narrows a journal query. Zero values mean no constraint.
type EventFilter struct {
	EventType  models.EventType
	ThreatKind models.ThreatKind
	Severity   models.Severity
	RequestID  *uuid.UUID
	Since      *time.Time
	Until      *time.Time
}

func (f EventFilter) where() (string, []any) {
	var clauses []string
	var args []any
	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if f.EventType != "" {
		add("event_type = $%d", f.EventType)
	}
	if f.ThreatKind != "" {
		add("threat_kind = $%d", f.ThreatKind)
	}
	if f.Severity != "" {
		add("severity = $%d", f.Severity)
	}
	if f.RequestID != nil {
		add("request_id = $%d", *f.RequestID)
	}
	if f.Since != nil {
		add("ts >= $%d", *f.Since)
	}
	if f.Until != nil {
		add("ts < $%d", *f.Until)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// QueryEvents pages through the journal newest-first. The returned
// total is an exact COUNT over the same filter, so the dashboard's page
// arithmetic stays consistent with the rows it shows.
func (j *Journal) QueryEvents(ctx context.Context, filter EventFilter, page, limit int) ([]models.SecurityEvent, int, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * limit

	where, args := filter.where()

	var total int
	if err := j.pool.QueryRow(ctx, "SELECT COUNT(*) FROM security_events"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	dataSQL := fmt.Sprintf(`
		SELECT id, ts, event_type, threat_kind, confidence, request_id,
		       redacted_content, severity, detection_layer, learned_pattern_id,
		       provider, model
		FROM security_events%s
		ORDER BY ts DESC
		LIMIT $%d OFFSET $%d`, where, len(args)+1, len(args)+2)
	rows, err := j.pool.Query(ctx, dataSQL, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	events := make([]models.SecurityEvent, 0, limit)
	for rows.Next() {
		var e models.SecurityEvent
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.EventType, &e.ThreatKind,
			&e.Confidence, &e.RequestID, &e.RedactedContent, &e.Severity,
			&e.DetectionLayer, &e.LearnedPatternID, &e.Provider, &e.Model); err != nil {
			return nil, 0, err
		}
		events = append(events, e)
	}
	if rows.Err() != nil {
		return nil, 0, rows.Err()
	}
	return events, total, nil
}

// Stats summarizes the journal for the dashboard.
type Stats struct {
	TotalEvents   int                       `json:"totalEvents"`
	ByEventType   map[models.EventType]int  `json:"byEventType"`
	ByThreatKind  map[models.ThreatKind]int `json:"byThreatKind"`
	BySeverity    map[models.Severity]int   `json:"bySeverity"`
	PatternsTotal int                       `json:"patternsTotal"`
	OldestEvent   *time.Time                `json:"oldestEvent,omitempty"`
	NewestEvent   *time.Time                `json:"newestEvent,omitempty"`
}

// GetStats aggregates event counts across the whole journal.
func (j *Journal) GetStats(ctx context.Context) (Stats, error) {
	stats := Stats{
		ByEventType:  make(map[models.EventType]int),
		ByThreatKind: make(map[models.ThreatKind]int),
		BySeverity:   make(map[models.Severity]int),
	}

	rows, err := j.pool.Query(ctx, `
		SELECT event_type, severity, threat_kind, COUNT(*)
		FROM security_events
		GROUP BY event_type, severity, threat_kind`)
	if err != nil {
		return Stats{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var eventType models.EventType
		var severity models.Severity
		var kind *models.ThreatKind
		var count int
		if err := rows.Scan(&eventType, &severity, &kind, &count); err != nil {
			return Stats{}, err
		}
		stats.TotalEvents += count
		stats.ByEventType[eventType] += count
		stats.BySeverity[severity] += count
		if kind != nil {
			stats.ByThreatKind[*kind] += count
		}
	}
	if rows.Err() != nil {
		return Stats{}, rows.Err()
	}

	err = j.pool.QueryRow(ctx,
		`SELECT MIN(ts), MAX(ts) FROM security_events`).
		Scan(&stats.OldestEvent, &stats.NewestEvent)
	if err != nil {
		return Stats{}, err
	}

	if err := j.pool.QueryRow(ctx, `SELECT COUNT(*) FROM learned_patterns`).Scan(&stats.PatternsTotal); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

// CleanupOldEvents deletes events older than the retention window.
// Returns the number of rows removed.
func (j *Journal) CleanupOldEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := j.pool.Exec(ctx, `DELETE FROM security_events WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up old events: %w", err)
	}
	if tag.RowsAffected() > 0 {
		j.log.WithFields(logrus.Fields{
			"removed": tag.RowsAffected(),
			"cutoff":  cutoff,
		}).Info("old events purged")
	}
	return tag.RowsAffected(), nil
}

// InsertPatternMetadata mirrors a new learned pattern into the
// relational store.
func (j *Journal) InsertPatternMetadata(ctx context.Context, p models.LearnedPattern) error {
	kinds, err := json.Marshal(p.ThreatKinds)
	if err != nil {
		return err
	}
	_, err = j.pool.Exec(ctx, `
		INSERT INTO learned_patterns
			(id, threat_kinds, detection_count, first_seen, last_seen,
			 source_event_id, redacted_text)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		p.ID, kinds, p.DetectionCount, p.FirstSeen, p.LastSeen,
		p.SourceEventID, p.RedactedText)
	if err != nil {
		return fmt.Errorf("failed to insert pattern metadata: %w", err)
	}
	return nil
}

// UpdatePatternMetadata bumps the mirrored detection counters.
func (j *Journal) UpdatePatternMetadata(ctx context.Context, id uuid.UUID, detectionCount int, lastSeen time.Time) error {
	tag, err := j.pool.Exec(ctx, `
		UPDATE learned_patterns
		SET detection_count = $2, last_seen = $3
		WHERE id = $1`,
		id, detectionCount, lastSeen)
	if err != nil {
		return fmt.Errorf("failed to update pattern metadata: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("pattern metadata not found: %s", id)
	}
	return nil
}

// GetPatternMetadata fetches one mirrored pattern row.
func (j *Journal) GetPatternMetadata(ctx context.Context, id uuid.UUID) (models.LearnedPattern, error) {
	var p models.LearnedPattern
	var kinds []byte
	err := j.pool.QueryRow(ctx, `
		SELECT id, threat_kinds, detection_count, first_seen, last_seen,
		       source_event_id, redacted_text
		FROM learned_patterns WHERE id = $1`, id).
		Scan(&p.ID, &kinds, &p.DetectionCount, &p.FirstSeen, &p.LastSeen,
			&p.SourceEventID, &p.RedactedText)
	if err != nil {
		return models.LearnedPattern{}, err
	}
	if err := json.Unmarshal(kinds, &p.ThreatKinds); err != nil {
		return models.LearnedPattern{}, fmt.Errorf("corrupt threat_kinds for pattern %s: %w", id, err)
	}
	return p, nil
}

// TopPatterns returns the most re-detected patterns for the dashboard.
func (j *Journal) TopPatterns(ctx context.Context, limit int) ([]models.LearnedPattern, error) {
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	rows, err := j.pool.Query(ctx, `
		SELECT id, threat_kinds, detection_count, first_seen, last_seen,
		       source_event_id, redacted_text
		FROM learned_patterns
		ORDER BY detection_count DESC, last_seen DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	patterns := make([]models.LearnedPattern, 0, limit)
	for rows.Next() {
		var p models.LearnedPattern
		var kinds []byte
		if err := rows.Scan(&p.ID, &kinds, &p.DetectionCount, &p.FirstSeen,
			&p.LastSeen, &p.SourceEventID, &p.RedactedText); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(kinds, &p.ThreatKinds); err != nil {
			return nil, fmt.Errorf("corrupt threat_kinds for pattern %s: %w", p.ID, err)
		}
		patterns = append(patterns, p)
	}
	return patterns, rows.Err()
}

// DeletePatternsBefore purges mirrored pattern rows older than the
// cutoff, matching the vector store's retention pass.
func (j *Journal) DeletePatternsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := j.pool.Exec(ctx, `DELETE FROM learned_patterns WHERE first_seen < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge pattern metadata: %w", err)
	}
	return tag.RowsAffected(), nil
}
