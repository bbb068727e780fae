package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"notifyd/internal/eventbus"
	logx "notifyd/pkg/logx"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "notifyd.db")}, logx.Nop(), eventbus.New())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "postgres", Path: "x"}, logx.Nop(), nil); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestUsersWithTokenFiltersByInterest(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	users := []User{
		{ID: "u1", Name: "Ama", DeviceToken: "t1", Interests: []string{"Vegetables", "fruits"}},
		{ID: "u2", Name: "Kofi", DeviceToken: "t2", Interests: []string{"fruits"}},
		{ID: "u3", Name: "Esi", Interests: []string{"vegetables"}},
	}
	for _, u := range users {
		if err := st.PutUser(ctx, u); err != nil {
			t.Fatalf("PutUser(%s): %v", u.ID, err)
		}
	}

	all, err := st.UsersWithToken(ctx, "")
	if err != nil {
		t.Fatalf("UsersWithToken: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("len(all) = %d, want 2", len(all))
	}

	veg, err := st.UsersWithToken(ctx, "vegetables")
	if err != nil {
		t.Fatalf("UsersWithToken(vegetables): %v", err)
	}
	if len(veg) != 1 || veg[0].ID != "u1" {
		t.Fatalf("unexpected vegetables users: %+v", veg)
	}
}

func TestPutUserUpdateKeepsSingleChange(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.PutUser(ctx, User{ID: "u1", Name: "Ama"}); err != nil {
		t.Fatalf("PutUser: %v", err)
	}
	if err := st.PutUser(ctx, User{ID: "u1", Name: "Ama", DeviceToken: "tok"}); err != nil {
		t.Fatalf("PutUser update: %v", err)
	}
	changes, err := st.ChangesAfter(ctx, 0, 10)
	if err != nil {
		t.Fatalf("ChangesAfter: %v", err)
	}
	if len(changes) != 1 || changes[0].Collection != "users" || changes[0].Kind != "create" {
		t.Fatalf("unexpected changes: %+v", changes)
	}
	u, err := st.GetUser(ctx, "u1")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if u.DeviceToken != "tok" {
		t.Fatalf("DeviceToken = %q, want tok", u.DeviceToken)
	}
}

func TestOrderUpdateAppendsChangeWithSnapshots(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.PutOrder(ctx, Order{ID: "o1", UserID: "u1", TotalAmount: 12.5, Status: "confirmed"}); err != nil {
		t.Fatalf("PutOrder: %v", err)
	}
	if err := st.PutOrder(ctx, Order{ID: "o1", UserID: "u1", TotalAmount: 12.5, Status: "shipped"}); err != nil {
		t.Fatalf("PutOrder update: %v", err)
	}

	changes, err := st.ChangesAfter(ctx, 0, 10)
	if err != nil {
		t.Fatalf("ChangesAfter: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("len(changes) = %d, want 1 (inserts are not logged)", len(changes))
	}
	c := changes[0]
	if c.Collection != "orders" || c.DocID != "o1" || c.Kind != "update" {
		t.Fatalf("unexpected change: %+v", c)
	}
	if len(c.Before) == 0 || len(c.After) == 0 {
		t.Fatal("expected before and after snapshots")
	}
}

func TestClaimAndFinishRequest(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	ok, err := st.InsertRequest(ctx, Request{ID: "r1", Type: "single", UserID: "u1", Title: "t", Body: "b"})
	if err != nil || !ok {
		t.Fatalf("InsertRequest = %v, %v", ok, err)
	}
	ok, err = st.InsertRequest(ctx, Request{ID: "r1", Type: "bulk"})
	if err != nil || ok {
		t.Fatalf("duplicate InsertRequest = %v, %v; want false, nil", ok, err)
	}

	claimed, err := st.ClaimRequest(ctx, "r1", "a", now, now.Add(-time.Minute))
	if err != nil || !claimed {
		t.Fatalf("ClaimRequest(a) = %v, %v", claimed, err)
	}
	claimed, err = st.ClaimRequest(ctx, "r1", "b", now, now.Add(-time.Minute))
	if err != nil || claimed {
		t.Fatalf("ClaimRequest(b) on live claim = %v, %v; want false", claimed, err)
	}

	if err := st.FinishRequest(ctx, "r1", "b", RequestOutcome{Status: "sent"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("FinishRequest by non-owner err = %v, want ErrConflict", err)
	}
	out := RequestOutcome{Status: "completed", At: now, Counts: &Counts{Targeted: 3, Sent: 2, Failed: 1}}
	if err := st.FinishRequest(ctx, "r1", "a", out); err != nil {
		t.Fatalf("FinishRequest: %v", err)
	}
	if err := st.FinishRequest(ctx, "r1", "a", RequestOutcome{Status: "failed"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("second FinishRequest err = %v, want ErrConflict", err)
	}

	r, err := st.GetRequest(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	if r.Status != "completed" || r.TotalTargeted != 3 || r.TotalSent != 2 || r.TotalFailed != 1 {
		t.Fatalf("unexpected request: %+v", r)
	}
	if r.ProcessedAt.IsZero() || !r.SentAt.IsZero() {
		t.Fatalf("unexpected timestamps: processed=%v sent=%v", r.ProcessedAt, r.SentAt)
	}

	// Terminal rows cannot be claimed, even with an expired lease.
	claimed, err = st.ClaimRequest(ctx, "r1", "c", now.Add(time.Hour), now.Add(time.Hour))
	if err != nil || claimed {
		t.Fatalf("ClaimRequest on terminal = %v, %v", claimed, err)
	}
}

func TestStaleClaimCanBeTakenOver(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	t0 := time.Now().Add(-10 * time.Minute)

	if _, err := st.InsertRequest(ctx, Request{ID: "r1", Type: "bulk"}); err != nil {
		t.Fatalf("InsertRequest: %v", err)
	}
	if ok, _ := st.ClaimRequest(ctx, "r1", "a", t0, t0.Add(-time.Minute)); !ok {
		t.Fatal("first claim failed")
	}
	now := time.Now()
	ok, err := st.ClaimRequest(ctx, "r1", "b", now, now.Add(-5*time.Minute))
	if err != nil || !ok {
		t.Fatalf("takeover = %v, %v", ok, err)
	}
}

func TestClaimDedupHonoursExpiry(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	ok, err := st.ClaimDedup(ctx, "order:o1:7", now, now.Add(time.Hour))
	if err != nil || !ok {
		t.Fatalf("first ClaimDedup = %v, %v", ok, err)
	}
	ok, err = st.ClaimDedup(ctx, "order:o1:7", now, now.Add(time.Hour))
	if err != nil || ok {
		t.Fatalf("second ClaimDedup = %v, %v; want false", ok, err)
	}
	later := now.Add(2 * time.Hour)
	ok, err = st.ClaimDedup(ctx, "order:o1:7", later, later.Add(time.Hour))
	if err != nil || !ok {
		t.Fatalf("ClaimDedup after expiry = %v, %v", ok, err)
	}
}

func TestDeleteBeforeIsInclusive(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	cutoff := time.UnixMilli(1_700_000_000_000)

	for i, at := range []time.Time{cutoff.Add(-time.Hour), cutoff, cutoff.Add(time.Millisecond)} {
		id := string(rune('a' + i))
		if _, err := st.InsertRequest(ctx, Request{ID: id, Type: "single", CreatedAt: at}); err != nil {
			t.Fatalf("InsertRequest: %v", err)
		}
		if err := st.AppendAudit(ctx, AuditEntry{ID: id, UserID: "u", Title: "t", Body: "b", Type: "order_update", SentAt: at}); err != nil {
			t.Fatalf("AppendAudit: %v", err)
		}
	}

	n, err := st.DeleteRequestsCreatedBefore(ctx, cutoff)
	if err != nil || n != 2 {
		t.Fatalf("DeleteRequestsCreatedBefore = %d, %v; want 2", n, err)
	}
	n, err = st.DeleteAuditSentBefore(ctx, cutoff)
	if err != nil || n != 2 {
		t.Fatalf("DeleteAuditSentBefore = %d, %v; want 2", n, err)
	}
	if _, err := st.GetRequest(ctx, "c"); err != nil {
		t.Fatalf("newest request should survive: %v", err)
	}
}

func TestCursorOnlyMovesForward(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.SetCursor(ctx, "feed", 10); err != nil {
		t.Fatalf("SetCursor: %v", err)
	}
	if err := st.SetCursor(ctx, "feed", 4); err != nil {
		t.Fatalf("SetCursor: %v", err)
	}
	seq, err := st.Cursor(ctx, "feed")
	if err != nil || seq != 10 {
		t.Fatalf("Cursor = %d, %v; want 10", seq, err)
	}
}

func TestRequestInsertPublishesChange(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4)
	defer unsub()

	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "n.db")}, logx.Nop(), bus)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	if _, err := st.InsertRequest(context.Background(), Request{ID: "r1", Type: "single"}); err != nil {
		t.Fatalf("InsertRequest: %v", err)
	}
	select {
	case ev := <-ch:
		if ev.Type != eventbus.TypeChangesAppended {
			t.Fatalf("event type = %s", ev.Type)
		}
	default:
		t.Fatal("expected a changes-appended event")
	}
}
