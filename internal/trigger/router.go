// Package trigger turns document-store changes into dispatch work.
//
// The Router is pure: it inspects one change event and decides what, if
// anything, should be dispatched. The Runner executes decisions on the task
// engine, and the Feed delivers change-log rows to the Runner at least once.
package trigger

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"notifyd/internal/dispatch"
	"notifyd/internal/ledger"
	logx "notifyd/pkg/logx"
)

// EventKind names the kind of change an event describes.
type EventKind string

const (
	KindOrderUpdated   EventKind = "order.updated"
	KindRequestCreated EventKind = "request.created"
	KindUserCreated    EventKind = "user.created"
)

// WelcomeDelay is how long a new user waits for the welcome notification.
const WelcomeDelay = 5 * time.Second

// Event is one change to a watched collection. Before and After are JSON
// snapshots of the document; Before is empty for creations.
type Event struct {
	ID         string          `json:"event_id"`
	Kind       EventKind       `json:"kind"`
	DocumentID string          `json:"document_id"`
	Before     json.RawMessage `json:"before,omitempty"`
	After      json.RawMessage `json:"after,omitempty"`
}

// Welcome asks for a welcome request to be created for a new user.
type Welcome struct {
	UserID string
	Name   string
}

// Decision is the result of routing one event. Exactly one of Intent and
// Welcome is set, or neither for a noop.
type Decision struct {
	Intent  dispatch.Intent
	Welcome *Welcome
	// Delay applies before the action runs.
	Delay time.Duration
	// Reason explains a noop.
	Reason string
}

// Noop reports whether the decision has no action.
func (d Decision) Noop() bool { return d.Intent == nil && d.Welcome == nil }

type orderSnapshot struct {
	UserID      string  `json:"user_id"`
	TotalAmount float64 `json:"total_amount"`
	Status      string  `json:"status"`
}

type requestSnapshot struct {
	Type          string            `json:"type"`
	UserID        string            `json:"user_id"`
	TargetUserIDs []string          `json:"target_user_ids"`
	Category      string            `json:"category"`
	Title         string            `json:"title"`
	Body          string            `json:"body"`
	Data          map[string]string `json:"data"`
}

type userSnapshot struct {
	Name string `json:"name"`
}

type RouterOption func(*Router)

func WithRouterLogger(l logx.Logger) RouterOption { return func(r *Router) { r.log = l } }

// WithUnroutable registers a callback for events dropped as unclassifiable.
func WithUnroutable(fn func(reason string)) RouterOption {
	return func(r *Router) { r.unroutable = fn }
}

type Router struct {
	log        logx.Logger
	unroutable func(reason string)
}

func NewRouter(opts ...RouterOption) *Router {
	r := &Router{log: logx.Nop()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Route classifies ev. It touches neither the ledger nor the gateway.
func (r *Router) Route(ev Event) Decision {
	log := r.log.With(logx.String("event", ev.ID), logx.String("doc", ev.DocumentID))
	switch ev.Kind {
	case KindOrderUpdated:
		return r.orderUpdated(log, ev)
	case KindRequestCreated:
		return r.requestCreated(log, ev)
	case KindUserCreated:
		return r.userCreated(log, ev)
	default:
		return r.drop(log, fmt.Sprintf("unknown event kind %q", ev.Kind))
	}
}

func (r *Router) orderUpdated(log logx.Logger, ev Event) Decision {
	if len(ev.Before) == 0 || len(ev.After) == 0 {
		return r.drop(log, "order update without before/after snapshot")
	}
	var before, after orderSnapshot
	if err := json.Unmarshal(ev.Before, &before); err != nil {
		return r.drop(log, fmt.Sprintf("decode before: %v", err))
	}
	if err := json.Unmarshal(ev.After, &after); err != nil {
		return r.drop(log, fmt.Sprintf("decode after: %v", err))
	}
	if before.Status == after.Status {
		log.Debug("order status unchanged", logx.String("status", after.Status))
		return Decision{Reason: "status unchanged"}
	}
	log.Info("order status changed", logx.String("from", before.Status), logx.String("to", after.Status))
	return Decision{Intent: dispatch.OrderStatusChanged{
		EventID:    ev.ID,
		OrderID:    ev.DocumentID,
		UserID:     after.UserID,
		OldStatus:  before.Status,
		NewStatus:  after.Status,
		OrderTotal: after.TotalAmount,
	}}
}

func (r *Router) requestCreated(log logx.Logger, ev Event) Decision {
	req, err := RequestFromEvent(ev)
	if err != nil {
		return r.drop(log, err.Error())
	}
	in, err := dispatch.IntentFromEntry(ledger.Entry{
		ID:            req.ID,
		Type:          string(req.Type),
		UserID:        req.UserID,
		TargetUserIDs: req.TargetUserIDs,
		Category:      req.Category,
		Title:         req.Title,
		Body:          req.Body,
		Data:          req.Data,
	})
	if err != nil {
		return r.drop(log, fmt.Sprintf("unknown request type %q", req.Type))
	}
	log.Info("notification request", logx.String("type", string(req.Type)))
	return Decision{Intent: in}
}

// RequestFromEvent decodes the snapshot of a request.created event. The
// document id becomes the request id.
func RequestFromEvent(ev Event) (ledger.NewRequest, error) {
	if len(ev.After) == 0 {
		return ledger.NewRequest{}, errors.New("request without snapshot")
	}
	var snap requestSnapshot
	if err := json.Unmarshal(ev.After, &snap); err != nil {
		return ledger.NewRequest{}, fmt.Errorf("decode request: %w", err)
	}
	return ledger.NewRequest{
		ID:            ev.DocumentID,
		Type:          ledger.Type(snap.Type),
		UserID:        snap.UserID,
		TargetUserIDs: snap.TargetUserIDs,
		Category:      snap.Category,
		Title:         snap.Title,
		Body:          snap.Body,
		Data:          snap.Data,
	}, nil
}

func (r *Router) userCreated(log logx.Logger, ev Event) Decision {
	var snap userSnapshot
	if len(ev.After) > 0 {
		if err := json.Unmarshal(ev.After, &snap); err != nil {
			return r.drop(log, fmt.Sprintf("decode user: %v", err))
		}
	}
	if strings.TrimSpace(ev.DocumentID) == "" {
		return r.drop(log, "user without id")
	}
	log.Info("new user registered", logx.String("name", snap.Name))
	return Decision{Delay: WelcomeDelay, Welcome: &Welcome{UserID: ev.DocumentID, Name: snap.Name}}
}

func (r *Router) drop(log logx.Logger, reason string) Decision {
	log.Warn("event ignored", logx.String("reason", reason))
	if r.unroutable != nil {
		r.unroutable(reason)
	}
	return Decision{Reason: reason}
}

// EventFromChange maps a change-log row to an event. Rows from collections
// the dispatcher does not watch return ok=false.
func EventFromChange(c Change) (Event, bool) {
	ev := Event{
		ID:         fmt.Sprintf("change:%d", c.Seq),
		DocumentID: c.DocID,
		Before:     c.Before,
		After:      c.After,
	}
	switch {
	case c.Collection == "orders" && c.Kind == "update":
		ev.Kind = KindOrderUpdated
	case c.Collection == "users" && c.Kind == "create":
		ev.Kind = KindUserCreated
	case c.Collection == "notification_requests" && c.Kind == "create":
		ev.Kind = KindRequestCreated
	default:
		return Event{}, false
	}
	return ev, true
}
