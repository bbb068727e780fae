// Package ledger tracks the lifecycle of notification requests.
//
// An entry is created pending, claimed by exactly one dispatcher, and then
// finished once with sent, completed or failed. Terminal entries are never
// transitioned again; a redelivered trigger that reaches Claim for a
// terminal entry gets ErrTerminal and must not send anything.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"notifyd/internal/storage"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition may happen.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusCompleted || s == StatusFailed
}

// Type is the request kind stored on an entry.
type Type string

const (
	TypeSingle     Type = "single"
	TypeBulk       Type = "bulk"
	TypeNewProduct Type = "new_product"
)

var (
	ErrNotFound = errors.New("ledger: entry not found")
	ErrTerminal = errors.New("ledger: entry already terminal")
	ErrClaimed  = errors.New("ledger: entry claimed by another dispatcher")
	ErrFinished = errors.New("ledger: claim already finished")
)

// Entry is one ledger row.
type Entry = storage.Request

// Counts are the recipient totals written on completion.
type Counts = storage.Counts

// Store is the subset of the document store the ledger writes through.
type Store interface {
	InsertRequest(ctx context.Context, r storage.Request) (bool, error)
	GetRequest(ctx context.Context, id string) (storage.Request, error)
	ClaimRequest(ctx context.Context, id, claimant string, at, staleBefore time.Time) (bool, error)
	FinishRequest(ctx context.Context, id, claimant string, out storage.RequestOutcome) error
}

type Option func(*Ledger)

// WithLease sets how long a claim is honoured before another dispatcher may
// take it over.
func WithLease(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.lease = d
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

type Ledger struct {
	store Store
	lease time.Duration
	now   func() time.Time
}

func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{store: store, lease: 10 * time.Minute, now: time.Now}
	for _, o := range opts {
		o(l)
	}
	return l
}

// NewRequest is what producers submit.
type NewRequest struct {
	ID            string // generated when empty
	Type          Type
	UserID        string
	TargetUserIDs []string
	Category      string
	Title         string
	Body          string
	Data          map[string]string
}

// Create inserts a pending entry and returns its id. Creating an id that
// already exists is not an error; the existing entry wins.
func (l *Ledger) Create(ctx context.Context, r NewRequest) (string, error) {
	if strings.TrimSpace(string(r.Type)) == "" {
		return "", errors.New("ledger: request type is required")
	}
	id := strings.TrimSpace(r.ID)
	if id == "" {
		id = uuid.NewString()
	}
	_, err := l.store.InsertRequest(ctx, storage.Request{
		ID:            id,
		Type:          string(r.Type),
		UserID:        r.UserID,
		TargetUserIDs: r.TargetUserIDs,
		Category:      r.Category,
		Title:         r.Title,
		Body:          r.Body,
		Data:          r.Data,
		Status:        string(StatusPending),
		CreatedAt:     l.now(),
	})
	if err != nil {
		return "", fmt.Errorf("ledger create %s: %w", id, err)
	}
	return id, nil
}

func (l *Ledger) Get(ctx context.Context, id string) (Entry, error) {
	e, err := l.store.GetRequest(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return Entry{}, ErrNotFound
	}
	return e, err
}

// Claim takes ownership of a pending entry. It returns ErrTerminal when the
// entry was already processed and ErrClaimed while another dispatcher holds
// a live claim.
func (l *Ledger) Claim(ctx context.Context, id string) (*Claim, error) {
	e, err := l.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if Status(e.Status).Terminal() {
		return nil, ErrTerminal
	}

	claimant := uuid.NewString()
	now := l.now()
	ok, err := l.store.ClaimRequest(ctx, id, claimant, now, now.Add(-l.lease))
	if err != nil {
		return nil, fmt.Errorf("ledger claim %s: %w", id, err)
	}
	if !ok {
		// Lost a race; tell the caller why.
		cur, gerr := l.Get(ctx, id)
		if gerr == nil && Status(cur.Status).Terminal() {
			return nil, ErrTerminal
		}
		return nil, ErrClaimed
	}
	e.ClaimedBy = claimant
	e.ClaimedAt = now
	return &Claim{Entry: e, l: l, claimant: claimant}, nil
}

// Claim is a live ownership of one pending entry. Exactly one of the Mark
// methods may succeed.
type Claim struct {
	Entry Entry

	l        *Ledger
	claimant string

	mu   sync.Mutex
	done bool
}

// MarkSent finishes a single-recipient request that was delivered.
func (c *Claim) MarkSent(ctx context.Context, providerResponse string) error {
	return c.finish(ctx, storage.RequestOutcome{
		Status:           string(StatusSent),
		Sent:             true,
		ProviderResponse: providerResponse,
	})
}

// MarkCompleted finishes a fan-out request with its recipient counts.
func (c *Claim) MarkCompleted(ctx context.Context, counts Counts) error {
	return c.finish(ctx, storage.RequestOutcome{
		Status: string(StatusCompleted),
		Sent:   true,
		Counts: &counts,
	})
}

// MarkFailed finishes a request that could not be delivered.
func (c *Claim) MarkFailed(ctx context.Context, reason string) error {
	return c.finish(ctx, storage.RequestOutcome{
		Status: string(StatusFailed),
		Error:  reason,
	})
}

// Finished reports whether a Mark call already succeeded.
func (c *Claim) Finished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

func (c *Claim) finish(ctx context.Context, out storage.RequestOutcome) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return ErrFinished
	}
	out.At = c.l.now()
	if err := c.l.store.FinishRequest(ctx, c.Entry.ID, c.claimant, out); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return fmt.Errorf("ledger finish %s: %w", c.Entry.ID, ErrClaimed)
		}
		return fmt.Errorf("ledger finish %s: %w", c.Entry.ID, err)
	}
	c.done = true
	c.Entry.Status = out.Status
	return nil
}
