package trigger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"notifyd/internal/dispatch"
	"notifyd/internal/ledger"
	"notifyd/internal/task/engine"
	logx "notifyd/pkg/logx"
)

// Dispatcher runs one intent to completion.
type Dispatcher interface {
	Dispatch(ctx context.Context, in dispatch.Intent) dispatch.Outcome
}

// RequestCreator writes ledger requests.
type RequestCreator interface {
	Create(ctx context.Context, r ledger.NewRequest) (string, error)
}

// Submitter is the subset of engine.Service the runner needs.
type Submitter interface {
	Submit(ctx context.Context, t engine.Task) error
}

type RunnerConfig struct {
	// DispatchTimeout bounds one dispatch task; 0 uses the engine default.
	DispatchTimeout time.Duration
}

// Runner executes routing decisions as task-engine tasks. Every invocation
// is its own task and is never retried.
type Runner struct {
	router  *Router
	tasks   Submitter
	disp    Dispatcher
	creator RequestCreator
	cfg     RunnerConfig
	log     logx.Logger
}

func NewRunner(router *Router, tasks Submitter, disp Dispatcher, creator RequestCreator, cfg RunnerConfig, log logx.Logger) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	if router == nil {
		router = NewRouter(WithRouterLogger(log))
	}
	return &Runner{router: router, tasks: tasks, disp: disp, creator: creator, cfg: cfg, log: log}
}

// Submit routes ev and enqueues the resulting work, blocking while the
// engine queue is full. onDone, if set, is called once the work has
// finished; for a noop it is called before Submit returns.
func (r *Runner) Submit(ctx context.Context, ev Event, onDone func(error)) error {
	d := r.router.Route(ev)
	if d.Noop() {
		if onDone != nil {
			onDone(nil)
		}
		return nil
	}

	task := engine.Task{
		Opt:    engine.TaskOptions{RetryMax: -1},
		OnDone: onDone,
	}
	switch {
	case d.Welcome != nil:
		w := *d.Welcome
		task.Name = "welcome"
		// The wait counts against the timeout.
		if r.cfg.DispatchTimeout > 0 {
			task.Timeout = r.cfg.DispatchTimeout + d.Delay
		}
		task.Run = func(ctx context.Context) error { return r.welcome(ctx, ev.ID, w, d.Delay) }
	default:
		in := d.Intent
		task.Name = "dispatch." + string(in.Kind())
		task.Timeout = r.cfg.DispatchTimeout
		task.Run = func(ctx context.Context) error {
			r.disp.Dispatch(ctx, in)
			return nil
		}
	}
	if err := r.tasks.Submit(ctx, task); err != nil {
		return fmt.Errorf("submit %s: %w", task.Name, err)
	}
	return nil
}

// welcome waits delay, then creates the welcome request. The wait ends
// early only when ctx is canceled. The request id is derived from the user
// id so a redelivered creation event does not greet twice.
func (r *Runner) welcome(ctx context.Context, eventID string, w Welcome, delay time.Duration) error {
	if delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	req := dispatch.WelcomeRequest(w.UserID, w.Name)
	req.ID = WelcomeRequestID(w.UserID)
	id, err := r.creator.Create(ctx, req)
	if err != nil {
		r.log.Error("welcome request failed", logx.String("user", w.UserID), logx.String("event", eventID), logx.Err(err))
		return engine.NoRetry(err)
	}
	r.log.Info("welcome request created", logx.String("user", w.UserID), logx.String("request", id))
	return nil
}

// WelcomeRequestID is the ledger id of a user's welcome request.
func WelcomeRequestID(userID string) string { return "welcome-" + userID }

// Redeliverable reports whether a task error means the work never ran to
// completion and the event should be delivered again.
func Redeliverable(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, engine.ErrStopping)
}
