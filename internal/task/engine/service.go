// Package engine is the bounded worker pool every dispatch and scheduled
// job runs on.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"notifyd/internal/eventbus"
	rtsup "notifyd/internal/runtime/supervisor"
	logx "notifyd/pkg/logx"
)

type Service struct {
	log logx.Logger
	bus eventbus.Bus

	mu  sync.Mutex
	cfg Config
	run *pool

	seq       atomic.Uint64
	inFlight  atomic.Int32
	dropFull  atomic.Uint64
	dropStale atomic.Uint64

	states sync.Map // task name -> *RunState

	histMu  sync.Mutex
	history []HistoryItem

	fullWarn  rate.Sometimes
	staleWarn rate.Sometimes
}

// pool is one Start..Stop generation of workers.
type pool struct {
	queue    chan job
	quit     chan struct{}
	sup      *rtsup.Supervisor
	drained  chan struct{}
	stopping bool
}

type job struct {
	task    Task
	queued  time.Time
	timeout time.Duration
	opt     TaskOptions
	guard   *RunState
}

func (j job) unlock() {
	if j.guard != nil {
		j.guard.release()
	}
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:       log,
		bus:       bus,
		cfg:       cfg.normalized(),
		fullWarn:  rate.Sometimes{Interval: 5 * time.Second},
		staleWarn: rate.Sometimes{Interval: 5 * time.Second},
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply installs cfg. A running pool is rebuilt when its size changes or
// the engine is disabled; queued tasks are discarded and their producers
// redeliver them.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.normalized()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	live := s.run != nil && !s.run.stopping
	s.mu.Unlock()

	if live && (!cfg.Enabled || prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize) {
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start launches the workers. It is a no-op when disabled or already
// running, and waits for a pending Stop to finish first.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	for s.run != nil {
		p := s.run
		if !p.stopping {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		select {
		case <-p.drained:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	cfg := s.cfg
	if !cfg.Enabled {
		s.mu.Unlock()
		return
	}
	p := &pool{
		queue:   make(chan job, cfg.QueueSize),
		quit:    make(chan struct{}),
		drained: make(chan struct{}),
		// Worker failures restart the worker and leave the process alone.
		sup: rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false)),
	}
	s.run = p
	s.mu.Unlock()

	for i := range cfg.Workers {
		p.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			return s.work(c, p)
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop signals the workers and waits for them until ctx ends. Running
// tasks see their context canceled.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	p := s.run
	if p == nil {
		s.mu.Unlock()
		return
	}
	initiated := !p.stopping
	if initiated {
		p.stopping = true
		close(p.quit)
		p.sup.Cancel()
		go s.reap(p)
	}
	s.mu.Unlock()

	select {
	case <-p.drained:
		if initiated {
			s.log.Info("task engine stopped")
		}
	case <-ctx.Done():
		s.log.Warn("task engine stop timed out", logx.Err(ctx.Err()))
	}
}

func (s *Service) reap(p *pool) {
	_ = p.sup.Wait(context.Background())
	s.mu.Lock()
	if s.run == p {
		s.run = nil
	}
	s.mu.Unlock()
	s.inFlight.Store(0)
	close(p.drained)
}

// Enqueue adds t without waiting and returns ErrQueueFull when there is
// no room.
func (s *Service) Enqueue(t Task) error {
	return s.enqueue(context.Background(), t, false)
}

// Submit waits for queue space until ctx ends or the engine stops.
func (s *Service) Submit(ctx context.Context, t Task) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.enqueue(ctx, t, true)
}

func (s *Service) enqueue(ctx context.Context, t Task, wait bool) error {
	if t.Run == nil {
		return errors.New("task Run is nil")
	}
	if t.Name = strings.TrimSpace(t.Name); t.Name == "" {
		return errors.New("task Name is required")
	}
	now := time.Now()
	if strings.TrimSpace(t.ID) == "" {
		t.ID = fmt.Sprintf("tsk-%x-%x", now.UnixNano(), s.seq.Add(1))
	}

	s.mu.Lock()
	cfg, p := s.cfg, s.run
	stopping := p != nil && p.stopping
	s.mu.Unlock()
	switch {
	case !cfg.Enabled:
		return ErrDisabled
	case p == nil:
		return ErrStopped
	case stopping:
		return ErrStopping
	}

	j := job{task: t, queued: now, timeout: t.Timeout, opt: t.Opt.resolve(cfg)}
	if j.timeout <= 0 {
		j.timeout = cfg.DefaultTimeout
	}
	if j.opt.Overlap == OverlapSkipIfRunning {
		guard := t.State
		if guard == nil {
			v, _ := s.states.LoadOrStore(t.Name, &RunState{})
			guard = v.(*RunState)
		}
		if !guard.tryAcquire() {
			s.publish(eventbus.TypeTaskSkipped, TaskEvent{ID: t.ID, Name: t.Name, Started: now, Error: "overlap_skip"})
			s.log.Debug("task skipped due to overlap", logx.String("task", t.Name), logx.String("id", t.ID))
			return ErrOverlapSkip
		}
		j.guard = guard
	}

	if !wait {
		select {
		case p.queue <- j:
			return nil
		default:
			j.unlock()
			s.droppedFull(now, t, p.queue)
			return ErrQueueFull
		}
	}
	select {
	case p.queue <- j:
		return nil
	case <-ctx.Done():
		j.unlock()
		return ctx.Err()
	case <-p.quit:
		j.unlock()
		return ErrStopping
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, p := s.cfg, s.run
	s.mu.Unlock()

	snap := Snapshot{
		Enabled:          cfg.Enabled,
		Workers:          cfg.Workers,
		InFlight:         int(s.inFlight.Load()),
		DroppedQueueFull: s.dropFull.Load(),
		DroppedStale:     s.dropStale.Load(),
	}
	if p != nil {
		snap.QueueLen, snap.QueueCap = len(p.queue), cap(p.queue)
	}
	s.histMu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.histMu.Unlock()
	return snap
}

func (s *Service) remember(item HistoryItem) {
	s.mu.Lock()
	limit := s.cfg.HistorySize
	s.mu.Unlock()

	s.histMu.Lock()
	s.history = append(s.history, item)
	if over := len(s.history) - limit; over > 0 {
		s.history = append(s.history[:0], s.history[over:]...)
	}
	s.histMu.Unlock()
}

func (s *Service) publish(typ string, ev TaskEvent) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
	}
}

func (s *Service) droppedFull(now time.Time, t Task, q chan job) {
	n := s.dropFull.Add(1)
	s.publish(eventbus.TypeTaskDropped, TaskEvent{ID: t.ID, Name: t.Name, Started: now, Error: "queue_full"})
	s.fullWarn.Do(func() {
		s.log.Warn("task dropped: queue full",
			logx.String("task", t.Name),
			logx.Int("queue_cap", cap(q)),
			logx.Uint64("dropped_queue_full", n),
		)
	})
}

func (s *Service) droppedStale(now time.Time, t Task, waited time.Duration) {
	n := s.dropStale.Add(1)
	s.publish(eventbus.TypeTaskDropped, TaskEvent{ID: t.ID, Name: t.Name, Started: now, QueueDelay: waited, Error: "stale_queue_delay"})
	s.staleWarn.Do(func() {
		s.log.Warn("task dropped: stale queue",
			logx.String("task", t.Name),
			logx.Duration("queue_delay", waited),
			logx.Uint64("dropped_stale", n),
		)
	})
}
