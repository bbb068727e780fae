// Package analytics rolls up one calendar day of ledger and audit activity
// into the daily_stats table.
package analytics

import (
	"context"
	"fmt"
	"time"

	"notifyd/internal/storage"
	logx "notifyd/pkg/logx"
)

const dayLayout = "2006-01-02"

type Store interface {
	RequestStats(ctx context.Context, from, to time.Time) (map[string]int64, storage.Counts, error)
	AuditStats(ctx context.Context, from, to time.Time) (map[string]int64, error)
	PutDailyStats(ctx context.Context, d storage.DailyStats) error
}

type Service struct {
	store Store
	loc   func() *time.Location
	now   func() time.Time
	log   logx.Logger
}

// New builds the aggregator. loc is consulted on every run so a timezone
// change from config reload applies to the next run.
func New(store Store, loc func() *time.Location, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if loc == nil {
		loc = func() *time.Location { return time.UTC }
	}
	return &Service{store: store, loc: loc, now: time.Now, log: log}
}

// Aggregate computes and stores the stats for the calendar day containing
// day, in the configured timezone. Re-running a day overwrites it.
func (s *Service) Aggregate(ctx context.Context, day time.Time) (storage.DailyStats, error) {
	loc := s.loc()
	d := day.In(loc)
	from := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, loc)
	to := from.AddDate(0, 0, 1)

	byStatus, counts, err := s.store.RequestStats(ctx, from, to)
	if err != nil {
		return storage.DailyStats{}, fmt.Errorf("request stats: %w", err)
	}
	byType, err := s.store.AuditStats(ctx, from, to)
	if err != nil {
		return storage.DailyStats{}, fmt.Errorf("audit stats: %w", err)
	}

	stats := storage.DailyStats{
		Day:              from.Format(dayLayout),
		RequestsByStatus: byStatus,
		AuditByType:      byType,
		// Single-target requests carry no counts; a sent one is one recipient.
		RecipientsSent:   int64(counts.Sent) + byStatus["sent"],
		RecipientsFailed: int64(counts.Failed),
		GeneratedAt:      s.now(),
	}
	for _, n := range byStatus {
		stats.RequestsTotal += n
	}
	for _, n := range byType {
		stats.AuditTotal += n
	}
	if err := s.store.PutDailyStats(ctx, stats); err != nil {
		return storage.DailyStats{}, fmt.Errorf("save stats: %w", err)
	}
	s.log.Info("daily stats saved",
		logx.String("day", stats.Day),
		logx.Int64("requests", stats.RequestsTotal),
		logx.Int64("audit", stats.AuditTotal),
		logx.Int64("sent", stats.RecipientsSent),
		logx.Int64("failed", stats.RecipientsFailed),
	)
	return stats, nil
}

// Job aggregates the previous day; it is meant to run shortly after
// midnight.
func (s *Service) Job() func(ctx context.Context) error {
	return func(ctx context.Context) error {
		_, err := s.Aggregate(ctx, s.now().In(s.loc()).AddDate(0, 0, -1))
		return err
	}
}
