package trigger

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"notifyd/internal/dispatch"
	"notifyd/internal/eventbus"
	"notifyd/internal/ledger"
	"notifyd/internal/storage"
	"notifyd/internal/task/engine"
	logx "notifyd/pkg/logx"
)

type recordingDispatcher struct {
	mu      sync.Mutex
	intents []dispatch.Intent
}

func (d *recordingDispatcher) Dispatch(_ context.Context, in dispatch.Intent) dispatch.Outcome {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.intents = append(d.intents, in)
	return dispatch.Outcome{Kind: in.Kind(), Result: dispatch.ResultSent}
}

func (d *recordingDispatcher) snapshot() []dispatch.Intent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]dispatch.Intent(nil), d.intents...)
}

type recordingCreator struct {
	mu   sync.Mutex
	reqs []ledger.NewRequest
	err  error
}

func (c *recordingCreator) Create(_ context.Context, r ledger.NewRequest) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reqs = append(c.reqs, r)
	return r.ID, c.err
}

func startTasks(t *testing.T) *engine.Service {
	t.Helper()
	eng := engine.New(engine.Config{Enabled: true, Workers: 2}, logx.Nop(), nil)
	eng.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		eng.Stop(ctx)
	})
	return eng
}

func openStore(t *testing.T, bus eventbus.Bus) *storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "feed.db")}, logx.Nop(), bus)
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func runFeed(t *testing.T, f *Feed) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := f.Run(ctx); err != nil {
			t.Errorf("Run: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func TestFeedDeliversChangesAndCheckpoints(t *testing.T) {
	bus := eventbus.New()
	st := openStore(t, bus)
	ctx := context.Background()

	if err := st.PutOrder(ctx, storage.Order{ID: "ORDER0001XYZ", UserID: "u1", TotalAmount: 40, Status: "confirmed"}); err != nil {
		t.Fatalf("PutOrder: %v", err)
	}
	if err := st.PutOrder(ctx, storage.Order{ID: "ORDER0001XYZ", UserID: "u1", TotalAmount: 40, Status: "shipped"}); err != nil {
		t.Fatalf("PutOrder: %v", err)
	}
	led := ledger.New(st)
	if _, err := led.Create(ctx, ledger.NewRequest{ID: "req-1", Type: ledger.TypeBulk, Category: "grains", Title: "t", Body: "b"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	disp := &recordingDispatcher{}
	runner := NewRunner(nil, startTasks(t), disp, led, RunnerConfig{}, logx.Nop())
	f := NewFeed(FeedConfig{Name: "test", PollInterval: 20 * time.Millisecond}, st, runner, bus, logx.Nop())
	runFeed(t, f)

	waitFor(t, "two dispatches", func() bool { return len(disp.snapshot()) == 2 })
	var order dispatch.OrderStatusChanged
	var bulk dispatch.BulkBroadcast
	for _, in := range disp.snapshot() {
		switch v := in.(type) {
		case dispatch.OrderStatusChanged:
			order = v
		case dispatch.BulkBroadcast:
			bulk = v
		}
	}
	if order.NewStatus != "shipped" || order.OldStatus != "confirmed" || order.EventID == "" {
		t.Fatalf("order intent = %+v", order)
	}
	if bulk.RequestID != "req-1" || bulk.Category != "grains" {
		t.Fatalf("bulk intent = %+v", bulk)
	}

	waitFor(t, "cursor", func() bool {
		seq, _ := st.Cursor(ctx, "test")
		return seq == 2
	})

	if _, err := led.Create(ctx, ledger.NewRequest{ID: "req-2", Type: ledger.TypeSingle, UserID: "u2"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	waitFor(t, "cursor after second request", func() bool {
		seq, _ := st.Cursor(ctx, "test")
		return seq == 3
	})
}

func TestFeedResumesFromCursor(t *testing.T) {
	st := openStore(t, nil)
	ctx := context.Background()
	led := ledger.New(st)
	for _, id := range []string{"a", "b"} {
		if _, err := led.Create(ctx, ledger.NewRequest{ID: id, Type: ledger.TypeSingle, UserID: "u"}); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	if err := st.SetCursor(ctx, "resume", 1); err != nil {
		t.Fatalf("SetCursor: %v", err)
	}

	disp := &recordingDispatcher{}
	runner := NewRunner(nil, startTasks(t), disp, led, RunnerConfig{}, logx.Nop())
	runFeed(t, NewFeed(FeedConfig{Name: "resume", PollInterval: 10 * time.Millisecond}, st, runner, nil, logx.Nop()))

	waitFor(t, "dispatch", func() bool { return len(disp.snapshot()) == 1 })
	time.Sleep(50 * time.Millisecond)
	got := disp.snapshot()
	if len(got) != 1 || dispatch.RequestID(got[0]) != "b" {
		t.Fatalf("dispatched = %+v, want only b", got)
	}
}

func TestFeedSkipsUnchangedOrders(t *testing.T) {
	st := openStore(t, nil)
	ctx := context.Background()
	_ = st.PutOrder(ctx, storage.Order{ID: "o1", UserID: "u1", TotalAmount: 1, Status: "shipped"})
	_ = st.PutOrder(ctx, storage.Order{ID: "o1", UserID: "u1", TotalAmount: 2, Status: "shipped"})

	disp := &recordingDispatcher{}
	runner := NewRunner(nil, startTasks(t), disp, ledger.New(st), RunnerConfig{}, logx.Nop())
	runFeed(t, NewFeed(FeedConfig{Name: "noop", PollInterval: 10 * time.Millisecond}, st, runner, nil, logx.Nop()))

	waitFor(t, "cursor", func() bool {
		seq, _ := st.Cursor(ctx, "noop")
		return seq == 1
	})
	if n := len(disp.snapshot()); n != 0 {
		t.Fatalf("dispatches = %d, want 0", n)
	}
}

func TestWelcomeCreatesSingleRequest(t *testing.T) {
	creator := &recordingCreator{}
	r := NewRunner(nil, nil, nil, creator, RunnerConfig{}, logx.Nop())
	if err := r.welcome(context.Background(), "ev", Welcome{UserID: "u7", Name: "Esi"}, 0); err != nil {
		t.Fatalf("welcome: %v", err)
	}
	if len(creator.reqs) != 1 {
		t.Fatalf("requests = %d", len(creator.reqs))
	}
	req := creator.reqs[0]
	if req.ID != WelcomeRequestID("u7") || req.Type != ledger.TypeSingle || req.UserID != "u7" {
		t.Fatalf("request = %+v", req)
	}
	if req.Body != "Hi Esi! Discover fresh produce and farming supplies in your area." {
		t.Fatalf("body = %q", req.Body)
	}
	if req.Data["type"] != "welcome" || req.Data["screen"] != "home" {
		t.Fatalf("data = %v", req.Data)
	}
}

func TestWelcomeWaitEndsOnCancel(t *testing.T) {
	creator := &recordingCreator{}
	r := NewRunner(nil, nil, nil, creator, RunnerConfig{}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := r.welcome(ctx, "ev", Welcome{UserID: "u"}, time.Hour)
	if !errors.Is(err, context.Canceled) || !Redeliverable(err) {
		t.Fatalf("err = %v, want canceled", err)
	}
	if len(creator.reqs) != 0 {
		t.Fatal("request created after cancel")
	}
}

func TestWelcomeCreateFailureIsNotRetried(t *testing.T) {
	creator := &recordingCreator{err: errors.New("disk full")}
	r := NewRunner(nil, nil, nil, creator, RunnerConfig{}, logx.Nop())
	err := r.welcome(context.Background(), "ev", Welcome{UserID: "u"}, 0)
	if err == nil || Redeliverable(err) {
		t.Fatalf("err = %v", err)
	}
}

func TestRunnerNoopCallsOnDoneInline(t *testing.T) {
	r := NewRunner(nil, nil, nil, nil, RunnerConfig{}, logx.Nop())
	called := false
	if err := r.Submit(context.Background(), Event{Kind: "unknown"}, func(err error) { called = err == nil }); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !called {
		t.Fatal("onDone not called for noop")
	}
}

func TestRunnerSubmitsUnretriedDispatchTask(t *testing.T) {
	sub := &captureSubmitter{}
	r := NewRunner(nil, sub, &recordingDispatcher{}, nil, RunnerConfig{DispatchTimeout: time.Second}, logx.Nop())
	ev := Event{ID: "e", Kind: KindRequestCreated, DocumentID: "r1", After: raw(`{"type":"single","user_id":"u"}`)}
	if err := r.Submit(context.Background(), ev, nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(sub.tasks) != 1 {
		t.Fatalf("tasks = %d", len(sub.tasks))
	}
	task := sub.tasks[0]
	if task.Name != "dispatch.single" || task.Opt.RetryMax != -1 || task.Timeout != time.Second {
		t.Fatalf("task = %+v", task)
	}
	if err := task.Run(context.Background()); err != nil {
		t.Fatalf("dispatch task returned %v", err)
	}

	welcome := Event{ID: "w", Kind: KindUserCreated, DocumentID: "u1", After: raw(`{"name":"A"}`)}
	if err := r.Submit(context.Background(), welcome, nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if w := sub.tasks[1]; w.Name != "welcome" || w.Timeout != time.Second+WelcomeDelay {
		t.Fatalf("welcome task = %+v", w)
	}
}

type captureSubmitter struct{ tasks []engine.Task }

func (c *captureSubmitter) Submit(_ context.Context, t engine.Task) error {
	c.tasks = append(c.tasks, t)
	return nil
}
