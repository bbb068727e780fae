package engine

import (
	"context"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"time"

	"notifyd/internal/eventbus"
	logx "notifyd/pkg/logx"
)

// work drains p.queue until the pool quits.
func (s *Service) work(ctx context.Context, p *pool) error {
	for {
		select {
		case <-p.quit:
			return context.Canceled
		default:
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.quit:
			return context.Canceled
		case j := <-p.queue:
			s.inFlight.Add(1)
			s.execute(ctx, p, j)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) execute(ctx context.Context, p *pool, j job) {
	defer j.unlock()
	started := time.Now()
	waited := max(started.Sub(j.queued), 0)

	s.mu.Lock()
	limit := s.cfg.MaxQueueDelay
	s.mu.Unlock()
	if limit > 0 && waited > limit {
		s.droppedStale(started, j.task, waited)
		s.remember(HistoryItem{ID: j.task.ID, Name: j.task.Name, Started: started, QueueDelay: waited, Error: "stale_queue_delay"})
		s.finish(j.task, ErrStale)
		return
	}

	attempts, err := s.attempts(ctx, p, j)
	took := time.Since(started)

	ev := TaskEvent{ID: j.task.ID, Name: j.task.Name, Started: started, QueueDelay: waited, Duration: took, Attempts: attempts}
	fields := []logx.Field{logx.String("task", j.task.Name), logx.Duration("queue_delay", waited), logx.Duration("dur", took), logx.Int("attempts", attempts)}
	switch {
	case err != nil:
		ev.Error = err.Error()
		s.log.Warn("task.failed", append(fields, logx.Err(err))...)
		s.publish(eventbus.TypeTaskFailed, ev)
	case took >= 750*time.Millisecond:
		s.log.Info("task.completed", fields...)
		s.publish(eventbus.TypeTaskFinished, ev)
	default:
		s.log.Debug("task.completed", fields...)
		s.publish(eventbus.TypeTaskFinished, ev)
	}
	s.remember(HistoryItem{
		ID: ev.ID, Name: ev.Name, Started: started,
		QueueDelay: waited, Duration: took, Attempts: attempts, Error: ev.Error,
	})
	s.finish(j.task, err)
}

// attempts runs j up to 1+RetryMax times and returns how many ran.
func (s *Service) attempts(ctx context.Context, p *pool, j job) (int, error) {
	for n := 1; ; n++ {
		err := s.attempt(ctx, j)
		if err == nil {
			return n, nil
		}
		if cause, ok := unwrapPermanent(err); ok {
			return n, cause
		}
		if n > j.opt.RetryMax {
			return n, err
		}
		delay := retryDelay(j.opt, n)
		s.log.Debug("task retry scheduled", logx.String("task", j.task.Name), logx.Int("attempt", n+1), logx.Duration("delay", delay), logx.Err(err))
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return n, ctx.Err()
		case <-p.quit:
			t.Stop()
			return n, ErrStopping
		case <-t.C:
		}
	}
}

func (s *Service) attempt(ctx context.Context, j job) (err error) {
	if j.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task.panic", logx.String("task", j.task.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return j.task.Run(ctx)
}

func (s *Service) finish(t Task, err error) {
	if t.OnDone == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("task.on_done panic", logx.String("task", t.Name), logx.Any("panic", r))
		}
	}()
	t.OnDone(err)
}

// retryDelay doubles RetryBase per failed attempt up to RetryMaxDelay,
// then spreads it by up to 20% either way.
func retryDelay(opt TaskOptions, failed int) time.Duration {
	d := opt.RetryBase
	for i := 1; i < failed && d < opt.RetryMaxDelay; i++ {
		d *= 2
	}
	d = min(d, opt.RetryMaxDelay)
	spread := (rand.Float64()*2 - 1) * 0.2 * float64(d)
	return min(max(d+time.Duration(spread), 0), opt.RetryMaxDelay)
}
