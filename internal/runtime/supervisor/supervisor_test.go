package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestGoRecoversPanicAndRecordsError(t *testing.T) {
	s := New(context.Background())
	s.Go("boom", func(ctx context.Context) error {
		panic("kaboom")
	})
	if err := s.Wait(waitCtx(t)); err == nil {
		t.Fatal("expected panic to surface as supervisor error")
	}
}

func TestCanceledIsNotAFailure(t *testing.T) {
	s := New(context.Background(), WithCancelOnError(true))
	s.Go("quiet", func(ctx context.Context) error { return context.Canceled })
	if err := s.Wait(waitCtx(t)); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if s.Context().Err() != nil {
		t.Fatal("context canceled by a clean exit")
	}
}

func TestCancelOnError(t *testing.T) {
	s := New(context.Background(), WithCancelOnError(true))
	s.Go("bad", func(ctx context.Context) error { return errors.New("bad") })
	s.Go0("loop", func(ctx context.Context) { <-ctx.Done() })
	if err := s.Wait(waitCtx(t)); err == nil || err.Error() != "bad: bad" {
		t.Fatalf("err = %v", err)
	}
}

func TestGoRestartRetriesUntilSuccess(t *testing.T) {
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("flaky", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond))

	if err := s.Wait(waitCtx(t)); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}
}

func TestGoRestartPublishesFirstError(t *testing.T) {
	s := New(context.Background(), WithCancelOnError(true))
	s.GoRestart("server", func(ctx context.Context) error {
		return errors.New("listen failed")
	}, WithPublishFirstError(true), WithRestartBackoff(time.Millisecond, time.Millisecond))

	if err := s.Wait(waitCtx(t)); err == nil {
		t.Fatal("expected published error")
	}
}

func TestStopCancelsContext(t *testing.T) {
	s := New(context.Background())
	var stopped atomic.Bool
	s.Go0("loop", func(ctx context.Context) {
		<-ctx.Done()
		stopped.Store(true)
	})
	if err := s.Stop(waitCtx(t)); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !stopped.Load() {
		t.Fatal("loop did not observe cancellation")
	}
}
