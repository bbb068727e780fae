// Package gateway delivers push messages to device tokens.
//
// A Gateway accepts one token or a batch of at most MaxBatch tokens. A batch
// with some failed tokens is not an error: the per-token results say which
// ones failed. An error means the whole call failed.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "notifyd/pkg/logx"
)

// MaxBatch is the provider's per-call token cap.
const MaxBatch = 500

var (
	ErrBatchTooLarge = fmt.Errorf("gateway: more than %d tokens in one call", MaxBatch)
	ErrNoTokens      = errors.New("gateway: no tokens")
	ErrEmptyToken    = errors.New("gateway: empty token")
)

// Message is the notification plus its data payload.
type Message struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

type SendResponse struct {
	MessageID string
}

type TokenResult struct {
	Token     string
	Success   bool
	MessageID string
	Error     string
}

type BatchResponse struct {
	SuccessCount int
	FailureCount int
	Responses    []TokenResult
}

type Gateway interface {
	Name() string
	SendOne(ctx context.Context, token string, msg Message) (SendResponse, error)
	SendBatch(ctx context.Context, tokens []string, msg Message) (BatchResponse, error)
}

// Config selects and configures the driver.
//
// Driver values:
//   - "fcm": Firebase Cloud Messaging HTTP API
//   - "telegram": Telegram bot; device tokens are chat ids
//   - "log" (default): log only, every send succeeds
type Config struct {
	Driver     string
	RatePerSec int
	Timeout    time.Duration

	FCM      FCMConfig
	Telegram TelegramConfig
}

// Open builds the configured driver.
func Open(cfg Config, log logx.Logger) (Gateway, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "log":
		return NewLog(log), nil
	case "fcm":
		return NewFCM(cfg.FCM, cfg.RatePerSec, cfg.Timeout, log)
	case "telegram":
		return NewTelegram(cfg.Telegram, cfg.RatePerSec, log)
	default:
		return nil, errors.New("unknown gateway driver: " + cfg.Driver)
	}
}

func checkBatch(tokens []string) error {
	if len(tokens) == 0 {
		return ErrNoTokens
	}
	if len(tokens) > MaxBatch {
		return ErrBatchTooLarge
	}
	return nil
}
