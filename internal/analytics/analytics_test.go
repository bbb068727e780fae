package analytics

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
	_ "time/tzdata"

	"notifyd/internal/storage"
	logx "notifyd/pkg/logx"
)

func TestAggregateDayInTimezone(t *testing.T) {
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "stats.db")}, logx.Nop(), nil)
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()

	loc, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		t.Fatalf("LoadLocation: %v", err)
	}
	dayStart := time.Date(2026, 5, 10, 0, 0, 0, 0, loc)

	insert := func(id string, at time.Time, outcome *storage.RequestOutcome) {
		t.Helper()
		if _, err := st.InsertRequest(ctx, storage.Request{ID: id, Type: "bulk", CreatedAt: at}); err != nil {
			t.Fatalf("InsertRequest: %v", err)
		}
		if outcome == nil {
			return
		}
		if ok, err := st.ClaimRequest(ctx, id, "c", at, at.Add(-time.Hour)); err != nil || !ok {
			t.Fatalf("ClaimRequest: %v %v", ok, err)
		}
		if err := st.FinishRequest(ctx, id, "c", *outcome); err != nil {
			t.Fatalf("FinishRequest: %v", err)
		}
	}
	insert("before", dayStart.Add(-time.Minute), nil)
	insert("bulk", dayStart.Add(time.Hour), &storage.RequestOutcome{Status: "completed", At: dayStart.Add(time.Hour), Counts: &storage.Counts{Targeted: 5, Sent: 4, Failed: 1}})
	insert("single", dayStart.Add(2*time.Hour), &storage.RequestOutcome{Status: "sent", At: dayStart.Add(2 * time.Hour), Sent: true})
	insert("pending", dayStart.Add(23*time.Hour), nil)
	insert("after", dayStart.AddDate(0, 0, 1), nil)

	for i, at := range []time.Time{dayStart.Add(time.Minute), dayStart.Add(-time.Second)} {
		e := storage.AuditEntry{ID: string(rune('x' + i)), UserID: "u", Title: "t", Body: "b", Type: "order_update", SentAt: at}
		if err := st.AppendAudit(ctx, e); err != nil {
			t.Fatalf("AppendAudit: %v", err)
		}
	}

	svc := New(st, func() *time.Location { return loc }, logx.Nop())
	got, err := svc.Aggregate(ctx, dayStart.Add(12*time.Hour).UTC())
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if got.Day != "2026-05-10" {
		t.Fatalf("day = %s", got.Day)
	}
	if got.RequestsTotal != 3 || got.RequestsByStatus["pending"] != 1 || got.RequestsByStatus["completed"] != 1 {
		t.Fatalf("requests = %d %v", got.RequestsTotal, got.RequestsByStatus)
	}
	if got.RecipientsSent != 5 || got.RecipientsFailed != 1 {
		t.Fatalf("recipients sent=%d failed=%d, want 5 and 1", got.RecipientsSent, got.RecipientsFailed)
	}
	if got.AuditTotal != 1 || got.AuditByType["order_update"] != 1 {
		t.Fatalf("audit = %d %v", got.AuditTotal, got.AuditByType)
	}

	saved, err := st.GetDailyStats(ctx, "2026-05-10")
	if err != nil {
		t.Fatalf("GetDailyStats: %v", err)
	}
	if saved.RequestsTotal != 3 || saved.RecipientsSent != 5 {
		t.Fatalf("saved = %+v", saved)
	}
}

type brokenStore struct{}

func (brokenStore) RequestStats(context.Context, time.Time, time.Time) (map[string]int64, storage.Counts, error) {
	return nil, storage.Counts{}, errors.New("db gone")
}
func (brokenStore) AuditStats(context.Context, time.Time, time.Time) (map[string]int64, error) {
	return nil, nil
}
func (brokenStore) PutDailyStats(context.Context, storage.DailyStats) error { return nil }

func TestJobReportsStoreErrors(t *testing.T) {
	svc := New(brokenStore{}, nil, logx.Nop())
	if err := svc.Job()(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

type capturingStore struct {
	brokenStore
	from, to time.Time
}

func (c *capturingStore) RequestStats(_ context.Context, from, to time.Time) (map[string]int64, storage.Counts, error) {
	c.from, c.to = from, to
	return map[string]int64{}, storage.Counts{}, nil
}

func TestJobTargetsPreviousDay(t *testing.T) {
	cs := &capturingStore{}
	svc := New(cs, nil, logx.Nop())
	svc.now = func() time.Time { return time.Date(2026, 1, 1, 2, 30, 0, 0, time.UTC) }
	if err := svc.Job()(context.Background()); err != nil {
		t.Fatalf("Job: %v", err)
	}
	want := time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC)
	if !cs.from.Equal(want) || !cs.to.Equal(want.AddDate(0, 0, 1)) {
		t.Fatalf("window = [%v, %v)", cs.from, cs.to)
	}
}
