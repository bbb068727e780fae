// Package retention purges ledger and audit rows past the retention horizon.
package retention

import (
	"context"
	"errors"
	"fmt"
	"time"

	logx "notifyd/pkg/logx"
)

// DefaultHorizon is how long requests and audit entries are kept.
const DefaultHorizon = 30 * 24 * time.Hour

type Store interface {
	DeleteRequestsCreatedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteAuditSentBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// ChangeLog prunes consumed change-log rows.
type ChangeLog interface {
	DeleteChangesConsumedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type Result struct {
	Cutoff   time.Time
	Requests int64
	Audit    int64
	Changes  int64
}

type Option func(*Sweeper)

func WithHorizon(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.horizon = d
		}
	}
}

func WithLogger(l logx.Logger) Option { return func(s *Sweeper) { s.log = l } }

// WithChangeLog also prunes change-log rows every consumer has passed.
func WithChangeLog(c ChangeLog) Option { return func(s *Sweeper) { s.changes = c } }

type Sweeper struct {
	store   Store
	changes ChangeLog
	horizon time.Duration
	log     logx.Logger
}

func New(store Store, opts ...Option) *Sweeper {
	s := &Sweeper{store: store, horizon: DefaultHorizon, log: logx.Nop()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Sweep deletes rows stamped at or before now minus the horizon. Each table
// is purged by one statement; a failure on one does not stop the others and
// all failures are joined. Sweeping twice with the same now deletes nothing
// the second time.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (Result, error) {
	res := Result{Cutoff: now.Add(-s.horizon)}
	var errs []error

	n, err := s.store.DeleteRequestsCreatedBefore(ctx, res.Cutoff)
	if err != nil {
		errs = append(errs, fmt.Errorf("delete requests: %w", err))
	}
	res.Requests = n

	n, err = s.store.DeleteAuditSentBefore(ctx, res.Cutoff)
	if err != nil {
		errs = append(errs, fmt.Errorf("delete audit: %w", err))
	}
	res.Audit = n

	if s.changes != nil {
		n, err = s.changes.DeleteChangesConsumedBefore(ctx, res.Cutoff)
		if err != nil {
			errs = append(errs, fmt.Errorf("delete changes: %w", err))
		}
		res.Changes = n
	}

	err = errors.Join(errs...)
	fields := []logx.Field{
		logx.Time("cutoff", res.Cutoff),
		logx.Int64("requests", res.Requests),
		logx.Int64("audit", res.Audit),
		logx.Int64("changes", res.Changes),
	}
	if err != nil {
		s.log.Error("retention sweep failed", append(fields, logx.Err(err))...)
	} else {
		s.log.Info("retention sweep done", fields...)
	}
	return res, err
}

// Job adapts Sweep for the scheduler.
func (s *Sweeper) Job(clock func() time.Time) func(ctx context.Context) error {
	if clock == nil {
		clock = time.Now
	}
	return func(ctx context.Context) error {
		_, err := s.Sweep(ctx, clock())
		return err
	}
}
