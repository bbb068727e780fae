package dispatch

import (
	"errors"
	"strings"

	"notifyd/internal/ledger"
)

// Kind names an intent variant.
type Kind string

const (
	KindOrderStatusChanged Kind = "order_status_changed"
	KindSingle             Kind = "single"
	KindBulk               Kind = "bulk"
	KindTargetedList       Kind = "targeted_list"
)

var ErrUnknownType = errors.New("dispatch: unknown request type")

// Intent is one unit of dispatch work. The concrete types below are the
// only implementations.
type Intent interface {
	Kind() Kind
	intent()
}

// OrderStatusChanged is derived from an order update; it has no ledger
// entry and is recorded in the audit log instead.
type OrderStatusChanged struct {
	// EventID identifies the change that produced the intent. Redelivery of
	// the same change carries the same id.
	EventID    string
	OrderID    string
	UserID     string
	OldStatus  string
	NewStatus  string
	OrderTotal float64
}

type SingleTarget struct {
	RequestID string
	UserID    string
	Title     string
	Body      string
	Data      map[string]string
}

type BulkBroadcast struct {
	RequestID string
	Title     string
	Body      string
	Data      map[string]string
	// Category filters recipients by interest tag; "" or "all" means everyone.
	Category string
}

type TargetedList struct {
	RequestID string
	UserIDs   []string
	Title     string
	Body      string
	Data      map[string]string
}

func (OrderStatusChanged) Kind() Kind { return KindOrderStatusChanged }
func (SingleTarget) Kind() Kind       { return KindSingle }
func (BulkBroadcast) Kind() Kind      { return KindBulk }
func (TargetedList) Kind() Kind       { return KindTargetedList }

func (OrderStatusChanged) intent() {}
func (SingleTarget) intent()       {}
func (BulkBroadcast) intent()      {}
func (TargetedList) intent()       {}

// RequestID returns the ledger id an intent is bound to, or "".
func RequestID(in Intent) string {
	switch v := in.(type) {
	case SingleTarget:
		return v.RequestID
	case BulkBroadcast:
		return v.RequestID
	case TargetedList:
		return v.RequestID
	}
	return ""
}

// IntentFromEntry maps a ledger entry to its intent. Entries with an unknown
// type return ErrUnknownType.
func IntentFromEntry(e ledger.Entry) (Intent, error) {
	switch ledger.Type(strings.TrimSpace(e.Type)) {
	case ledger.TypeSingle:
		return SingleTarget{RequestID: e.ID, UserID: e.UserID, Title: e.Title, Body: e.Body, Data: e.Data}, nil
	case ledger.TypeBulk:
		return BulkBroadcast{RequestID: e.ID, Title: e.Title, Body: e.Body, Data: e.Data, Category: e.Category}, nil
	case ledger.TypeNewProduct:
		return TargetedList{RequestID: e.ID, UserIDs: e.TargetUserIDs, Title: e.Title, Body: e.Body, Data: e.Data}, nil
	default:
		return nil, ErrUnknownType
	}
}

// normalizeCategory lower-cases the filter; "all" and "" both mean no filter.
func normalizeCategory(c string) string {
	c = strings.ToLower(strings.TrimSpace(c))
	if c == "all" {
		return ""
	}
	return c
}
