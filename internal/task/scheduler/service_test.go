package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"notifyd/internal/task/engine"
	logx "notifyd/pkg/logx"
)

type recordingEngine struct {
	mu    sync.Mutex
	tasks []engine.Task
	err   error
}

func (r *recordingEngine) Enqueue(t engine.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, t)
	return r.err
}

func (r *recordingEngine) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

func noop(context.Context) error { return nil }

func TestAddCronValidates(t *testing.T) {
	s := New(Config{Enabled: true}, &recordingEngine{}, logx.Nop())
	if err := s.AddCron("", "@daily", 0, noop); err == nil {
		t.Fatal("expected error for empty name")
	}
	if err := s.AddCron("x", "not cron", 0, noop); err == nil {
		t.Fatal("expected error for bad spec")
	}
	if err := s.AddCron("x", "@daily", 0, nil); err == nil {
		t.Fatal("expected error for nil job")
	}
	if err := s.AddDaily("x", "25:00", 0, noop); err == nil {
		t.Fatal("expected error for bad HH:MM")
	}
}

func TestAddReplacesByName(t *testing.T) {
	s := New(Config{Enabled: true, Timezone: "UTC"}, &recordingEngine{}, logx.Nop())
	if err := s.AddDaily("retention.sweep", "03:00", time.Minute, noop); err != nil {
		t.Fatalf("AddDaily: %v", err)
	}
	if err := s.AddDaily("retention.sweep", "04:00", time.Minute, noop); err != nil {
		t.Fatalf("AddDaily: %v", err)
	}
	snap := s.Snapshot()
	if len(snap.Schedules) != 1 || snap.Schedules[0].Spec != "0 4 * * *" {
		t.Fatalf("schedules = %+v", snap.Schedules)
	}
	if !s.Remove("retention.sweep") || s.Remove("retention.sweep") {
		t.Fatal("Remove should succeed exactly once")
	}
}

func TestStartRegistersPendingSchedules(t *testing.T) {
	s := New(Config{Enabled: true, Timezone: "Africa/Accra"}, &recordingEngine{}, logx.Nop())
	if err := s.AddSchedule("analytics.daily", "0 1 * * *", 0, noop); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}
	s.Start(context.Background())
	t.Cleanup(func() { s.Stop(context.Background()) })

	snap := s.Snapshot()
	if !snap.Running || len(snap.Schedules) != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
	next := snap.Schedules[0].Next
	if next.IsZero() {
		t.Fatal("next run not computed")
	}
	if h := next.In(s.Location()).Hour(); h != 1 {
		t.Fatalf("next hour = %d, want 1", h)
	}
}

func TestDisabledSchedulerDoesNotStart(t *testing.T) {
	s := New(Config{}, &recordingEngine{}, logx.Nop())
	s.Start(context.Background())
	if s.Snapshot().Running {
		t.Fatal("disabled scheduler should not run")
	}
}

func TestTriggerEnqueuesTask(t *testing.T) {
	eng := &recordingEngine{}
	s := New(Config{Enabled: true, Timezone: "UTC"}, eng, logx.Nop())
	s.Start(context.Background())
	t.Cleanup(func() { s.Stop(context.Background()) })

	if err := s.AddCron("tick", "* * * * * *", time.Second, noop); err != nil {
		t.Fatalf("AddCron: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for eng.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if eng.count() == 0 {
		t.Fatal("no task enqueued")
	}
	eng.mu.Lock()
	task := eng.tasks[0]
	eng.mu.Unlock()
	if task.Name != "tick" || task.Opt.Overlap != engine.OverlapSkipIfRunning || task.State == nil {
		t.Fatalf("task = %+v", task)
	}
}

func TestInvalidTimezoneFallsBackToUTC(t *testing.T) {
	s := New(Config{Timezone: "Mars/Olympus"}, nil, logx.Nop())
	if s.Location() != time.UTC {
		t.Fatalf("loc = %v, want UTC", s.Location())
	}
}

func TestReportEnqueueErrorIgnoresOverlap(t *testing.T) {
	s := New(Config{}, nil, logx.Nop())
	s.reportEnqueueError("x", engine.ErrOverlapSkip)
	if _, ok := s.enqWarn.Load("x"); ok {
		t.Fatal("overlap skip should not be throttled as a warning")
	}
	s.reportEnqueueError("x", errors.New("queue full"))
	if _, ok := s.enqWarn.Load("x"); !ok {
		t.Fatal("warning not recorded")
	}
}
