package storage

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// PatternPurger is the vector-store side of the retention pass.
type PatternPurger interface {
	PurgeBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// RetentionScheduler runs the periodic retention purge: events and
// learned patterns older than the window are removed from the journal
// and the vector store with the same cutoff so the two stay aligned.
type RetentionScheduler struct {
	journal  *Journal
	patterns PatternPurger
	days     int
	interval time.Duration
	log      *logrus.Entry
}

func NewRetentionScheduler(logger *logrus.Logger, journal *Journal, patterns PatternPurger, retentionDays int) *RetentionScheduler {
	return &RetentionScheduler{
		journal:  journal,
		patterns: patterns,
		days:     retentionDays,
		interval: time.Hour,
		log:      logger.WithField("component", "retention"),
	}
}

// Run purges once at startup, then hourly until the context ends.
func (s *RetentionScheduler) Run(ctx context.Context) {
	if err := s.purge(ctx); err != nil {
		s.log.WithError(err).Warn("retention purge failed")
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.purge(ctx); err != nil {
				s.log.WithError(err).Warn("retention purge failed")
			}
		}
	}
}

func (s *RetentionScheduler) purge(ctx context.Context) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.days)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := s.journal.CleanupOldEvents(gctx, cutoff)
		return err
	})
	g.Go(func() error {
		if _, err := s.journal.DeletePatternsBefore(gctx, cutoff); err != nil {
			return err
		}
		if s.patterns != nil {
			if _, err := s.patterns.PurgeBefore(gctx, cutoff); err != nil {
				return err
			}
		}
		return nil
	})
	return g.Wait()
}
