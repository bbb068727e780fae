package dispatch

import (
	"strings"
	"testing"

	"notifyd/internal/ledger"
)

func TestOrderMessageCoversStatuses(t *testing.T) {
	tests := []struct {
		status string
		title  string
		body   string
	}{
		{"confirmed", "Order Confirmed! ✅", "(GH₵12.50) has been confirmed"},
		{"shipped", "Order Shipped! 🚚", "is on its way"},
		{"delivered", "Order Delivered! 📦", "has been delivered"},
		{"cancelled", "Order Cancelled ❌", "Refund will be processed"},
		{"created", "Order Update", "status has been updated to created"},
		{"returned", "Order Update", "status has been updated to returned"},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			msg := OrderMessage(OrderStatusChanged{OrderID: "abcdefghijk", NewStatus: tt.status, OrderTotal: 12.5})
			if msg.Title != tt.title {
				t.Fatalf("Title = %q, want %q", msg.Title, tt.title)
			}
			if !strings.Contains(msg.Body, tt.body) || !strings.Contains(msg.Body, "#abcdefgh") {
				t.Fatalf("Body = %q", msg.Body)
			}
			if msg.Data["orderId"] != "abcdefghijk" || msg.Data["status"] != tt.status {
				t.Fatalf("Data = %v", msg.Data)
			}
		})
	}
}

func TestShortIDKeepsShortIDs(t *testing.T) {
	if got := shortID("o1"); got != "o1" {
		t.Fatalf("shortID = %q", got)
	}
}

func TestWelcomeRequest(t *testing.T) {
	r := WelcomeRequest("u1", "Ama")
	if r.Type != ledger.TypeSingle || r.UserID != "u1" {
		t.Fatalf("request = %+v", r)
	}
	if r.Body != "Hi Ama! Discover fresh produce and farming supplies in your area." {
		t.Fatalf("Body = %q", r.Body)
	}
	if r.Data["type"] != "welcome" || r.Data["screen"] != "home" {
		t.Fatalf("Data = %v", r.Data)
	}
}

func TestIntentFromEntry(t *testing.T) {
	tests := []struct {
		typ  string
		kind Kind
	}{
		{"single", KindSingle},
		{"bulk", KindBulk},
		{"new_product", KindTargetedList},
	}
	for _, tt := range tests {
		in, err := IntentFromEntry(ledger.Entry{ID: "r1", Type: tt.typ})
		if err != nil {
			t.Fatalf("%s: %v", tt.typ, err)
		}
		if in.Kind() != tt.kind || RequestID(in) != "r1" {
			t.Fatalf("%s: got %s/%s", tt.typ, in.Kind(), RequestID(in))
		}
	}
	if _, err := IntentFromEntry(ledger.Entry{Type: "sms"}); err != ErrUnknownType {
		t.Fatalf("err = %v, want ErrUnknownType", err)
	}
}
