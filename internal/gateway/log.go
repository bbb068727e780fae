package gateway

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	logx "notifyd/pkg/logx"
)

// Log is a dry-run gateway: it logs every message and reports success.
type Log struct {
	log  logx.Logger
	sent atomic.Uint64
}

func NewLog(log logx.Logger) *Log {
	return &Log{log: log.With(logx.String("gateway", "log"))}
}

func (l *Log) Name() string { return "log" }

func (l *Log) SendOne(_ context.Context, token string, msg Message) (SendResponse, error) {
	if strings.TrimSpace(token) == "" {
		return SendResponse{}, ErrEmptyToken
	}
	l.sent.Add(1)
	id := uuid.NewString()
	l.log.Info("push (dry run)", logx.String("token", token), logx.String("title", msg.Title), logx.String("message_id", id))
	return SendResponse{MessageID: id}, nil
}

func (l *Log) SendBatch(_ context.Context, tokens []string, msg Message) (BatchResponse, error) {
	if err := checkBatch(tokens); err != nil {
		return BatchResponse{}, err
	}
	out := BatchResponse{Responses: make([]TokenResult, len(tokens))}
	for i, tok := range tokens {
		if strings.TrimSpace(tok) == "" {
			out.Responses[i] = TokenResult{Token: tok, Error: ErrEmptyToken.Error()}
			out.FailureCount++
			continue
		}
		out.Responses[i] = TokenResult{Token: tok, Success: true, MessageID: uuid.NewString()}
		out.SuccessCount++
	}
	l.sent.Add(uint64(out.SuccessCount))
	l.log.Info("push batch (dry run)", logx.Int("tokens", len(tokens)), logx.String("title", msg.Title))
	return out, nil
}

// Sent returns how many messages were accepted.
func (l *Log) Sent() uint64 { return l.sent.Load() }
