package trigger

import (
	"context"
	"time"

	"notifyd/internal/eventbus"
	"notifyd/internal/storage"
	logx "notifyd/pkg/logx"
)

// Change is one change-log row.
type Change = storage.Change

// ChangeLog is the subset of the store the feed reads and checkpoints.
type ChangeLog interface {
	ChangesAfter(ctx context.Context, seq int64, limit int) ([]storage.Change, error)
	Cursor(ctx context.Context, name string) (int64, error)
	SetCursor(ctx context.Context, name string, seq int64) error
}

type FeedConfig struct {
	// Name keys the persisted cursor.
	Name         string
	PollInterval time.Duration
	BatchSize    int
}

func (c FeedConfig) withDefaults() FeedConfig {
	if c.Name == "" {
		c.Name = "dispatcher"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	return c
}

// Feed delivers change-log rows to a Runner at least once.
//
// The persisted cursor only advances past rows whose work has finished, in
// sequence order, so a crash redelivers everything after the last
// contiguous completion.
type Feed struct {
	cfg    FeedConfig
	store  ChangeLog
	runner *Runner
	bus    eventbus.Bus
	log    logx.Logger
}

func NewFeed(cfg FeedConfig, store ChangeLog, runner *Runner, bus eventbus.Bus, log logx.Logger) *Feed {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Feed{cfg: cfg.withDefaults(), store: store, runner: runner, bus: bus, log: log}
}

// Run polls until ctx is canceled. Local writes wake it early through the
// event bus; writes from other processes are picked up by the poll.
func (f *Feed) Run(ctx context.Context) error {
	start, err := f.store.Cursor(ctx, f.cfg.Name)
	if err != nil {
		return err
	}
	acks := newAckTracker(start)
	next := start
	f.log.Info("change feed started", logx.String("cursor", f.cfg.Name), logx.Int64("from", start))

	var wake <-chan eventbus.Event
	if f.bus != nil {
		ch, unsub := f.bus.Subscribe(16)
		defer unsub()
		wake = ch
	}
	ticker := time.NewTicker(f.cfg.PollInterval)
	defer ticker.Stop()

	for {
		n, last, err := f.poll(ctx, acks, next)
		next = last
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			f.log.Warn("change feed poll failed", logx.Err(err))
		}
		if n == f.cfg.BatchSize && err == nil {
			continue
		}

		if !waitForWork(ctx, wake, ticker.C) {
			f.log.Info("change feed stopped", logx.Int64("cursor", acks.watermark()), logx.Int("pending", acks.pending()))
			return nil
		}
	}
}

// waitForWork blocks until a change is signalled or the poll interval
// elapses. It returns false once ctx ends.
func waitForWork(ctx context.Context, wake <-chan eventbus.Event, tick <-chan time.Time) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case ev := <-wake:
			if ev.Type == eventbus.TypeChangesAppended {
				return true
			}
		case <-tick:
			return true
		}
	}
}

// poll submits one page of changes after seq. It returns how many rows it
// read and the last sequence handed off.
func (f *Feed) poll(ctx context.Context, acks *ackTracker, seq int64) (int, int64, error) {
	changes, err := f.store.ChangesAfter(ctx, seq, f.cfg.BatchSize)
	if err != nil {
		return 0, seq, err
	}
	for _, c := range changes {
		ev, ok := EventFromChange(c)
		acks.add(c.Seq)
		if !ok {
			f.ack(acks, c.Seq, nil)
			seq = c.Seq
			continue
		}
		s := c.Seq
		if err := f.runner.Submit(ctx, ev, func(err error) { f.ack(acks, s, err) }); err != nil {
			// Not handed off; the row is read again on the next poll.
			acks.forget(s)
			return len(changes), seq, err
		}
		seq = c.Seq
	}
	return len(changes), seq, nil
}

func (f *Feed) ack(acks *ackTracker, seq int64, err error) {
	if err != nil {
		if Redeliverable(err) {
			f.log.Debug("change left for redelivery", logx.Int64("seq", seq), logx.Err(err))
			return
		}
		f.log.Warn("change finished with error", logx.Int64("seq", seq), logx.Err(err))
	}
	mark, moved := acks.ack(seq)
	if !moved {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.store.SetCursor(ctx, f.cfg.Name, mark); err != nil {
		f.log.Warn("cursor save failed", logx.Int64("seq", mark), logx.Err(err))
	}
}
