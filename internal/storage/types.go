package storage

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("storage: not found")
	ErrClosed   = errors.New("storage: closed")
	// ErrConflict is returned by conditional ledger updates whose precondition
	// (pending status, matching claim) no longer holds.
	ErrConflict = errors.New("storage: conditional update lost")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite" (default): SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// User is read by the dispatcher; the user-management system owns it.
type User struct {
	ID          string
	Name        string
	DeviceToken string // empty when the device never registered
	Interests   []string
	CreatedAt   time.Time
}

type Order struct {
	ID          string
	UserID      string
	TotalAmount float64
	Status      string
	UpdatedAt   time.Time
}

// Request is one row of the request ledger.
type Request struct {
	ID            string
	Type          string
	UserID        string
	TargetUserIDs []string
	Category      string
	Title         string
	Body          string
	Data          map[string]string

	Status      string
	CreatedAt   time.Time
	ProcessedAt time.Time
	SentAt      time.Time

	TotalTargeted int
	TotalSent     int
	TotalFailed   int

	Error            string
	ProviderResponse string

	ClaimedBy string
	ClaimedAt time.Time
}

// RequestOutcome is the terminal write for a claimed request.
type RequestOutcome struct {
	Status           string
	At               time.Time
	Sent             bool // sets sent_at
	Counts           *Counts
	Error            string
	ProviderResponse string
}

type Counts struct {
	Targeted int `json:"targeted"`
	Sent     int `json:"sent"`
	Failed   int `json:"failed"`
}

// AuditEntry records one delivered notification.
type AuditEntry struct {
	ID               string
	UserID           string
	Title            string
	Body             string
	Type             string
	OrderID          string
	RequestID        string
	Status           string
	SentAt           time.Time
	ProviderResponse string
}

// Change is one row of the change log.
type Change struct {
	Seq        int64
	Collection string
	DocID      string
	Kind       string // "create" | "update"
	Before     []byte // JSON object, nil for creates
	After      []byte
	CreatedAt  time.Time
}

type DailyStats struct {
	Day              string // YYYY-MM-DD in the scheduler time zone
	RequestsTotal    int64
	RequestsByStatus map[string]int64
	AuditTotal       int64
	AuditByType      map[string]int64
	RecipientsSent   int64
	RecipientsFailed int64
	GeneratedAt      time.Time
}
