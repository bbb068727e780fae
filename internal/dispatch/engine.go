// Package dispatch turns intents into gateway sends and ledger or audit
// writes.
//
// Dispatch never returns an error. Every failure ends as a terminal ledger
// status or a log line, because the caller (the change feed or the webhook
// ingress) would otherwise redeliver the event and send twice.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"notifyd/internal/gateway"
	"notifyd/internal/ledger"
	"notifyd/internal/storage"
	logx "notifyd/pkg/logx"
)

// Result is the terminal state of one Dispatch call.
type Result string

const (
	ResultSent      Result = "sent"
	ResultCompleted Result = "completed"
	ResultFailed    Result = "failed"
	// ResultSkipped means the work was already done or is owned elsewhere.
	ResultSkipped Result = "skipped"
	// ResultNoop means there was nothing to send.
	ResultNoop Result = "noop"
)

type Outcome struct {
	Kind      Kind
	RequestID string
	OrderID   string
	Result    Result
	Counts    ledger.Counts
	Batches   int
	Error     string
	Duration  time.Duration
}

// Users resolves recipients. The engine never caches what it reads.
type Users interface {
	GetUser(ctx context.Context, id string) (storage.User, error)
	UsersWithToken(ctx context.Context, interest string) ([]storage.User, error)
}

type AuditLog interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

type Ledger interface {
	Claim(ctx context.Context, id string) (*ledger.Claim, error)
}

// Deduper suppresses repeated order events.
type Deduper interface {
	Claim(ctx context.Context, key string) (bool, error)
}

type Deps struct {
	Users   Users
	Audit   AuditLog
	Ledger  Ledger
	Gateway gateway.Gateway
	Dedup   Deduper // optional
}

type Option func(*Engine)

func WithLogger(l logx.Logger) Option { return func(e *Engine) { e.log = l } }

// WithBatchSize lowers the per-call token count; values above
// gateway.MaxBatch are clamped.
func WithBatchSize(n int) Option {
	return func(e *Engine) {
		if n > 0 && n <= gateway.MaxBatch {
			e.batchSize = n
		}
	}
}

// WithObserver registers a callback run after every Dispatch.
func WithObserver(fn func(Outcome)) Option { return func(e *Engine) { e.observe = fn } }

func WithWriteTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.writeTimeout = d
		}
	}
}

type Engine struct {
	users  Users
	audit  AuditLog
	ledger Ledger
	gw     gateway.Gateway
	dedup  Deduper

	log          logx.Logger
	batchSize    int
	writeTimeout time.Duration
	observe      func(Outcome)
	now          func() time.Time
}

func New(d Deps, opts ...Option) *Engine {
	e := &Engine{
		users:        d.Users,
		audit:        d.Audit,
		ledger:       d.Ledger,
		gw:           d.Gateway,
		dedup:        d.Dedup,
		log:          logx.Nop(),
		batchSize:    gateway.MaxBatch,
		writeTimeout: 10 * time.Second,
		now:          time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Dispatch runs one intent to completion.
func (e *Engine) Dispatch(ctx context.Context, in Intent) (out Outcome) {
	start := time.Now()
	out = Outcome{Kind: in.Kind(), RequestID: RequestID(in)}
	if v, ok := in.(OrderStatusChanged); ok {
		out.OrderID = v.OrderID
	}
	log := e.log.With(logx.String("kind", string(out.Kind)))

	var claim *ledger.Claim
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in dispatch", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			out = e.fail(ctx, log, claim, out, fmt.Sprintf("panic: %v", r))
		}
		out.Duration = time.Since(start)
		if e.observe != nil {
			e.observe(out)
		}
	}()

	if v, ok := in.(OrderStatusChanged); ok {
		return e.orderStatus(ctx, log.With(logx.String("order", v.OrderID)), v, out)
	}

	log = log.With(logx.String("request", out.RequestID))
	c, skip := e.claim(ctx, log, out)
	if skip != nil {
		return *skip
	}
	claim = c

	var err error
	switch v := in.(type) {
	case SingleTarget:
		out, err = e.single(ctx, log, c, v, out)
	case BulkBroadcast:
		out, err = e.bulk(ctx, log, c, v, out)
	case TargetedList:
		out, err = e.targeted(ctx, log, c, v, out)
	default:
		err = fmt.Errorf("unsupported intent %T", in)
	}
	if err != nil {
		log.Error("dispatch failed", logx.Err(err))
		return e.fail(ctx, log, c, out, err.Error())
	}
	return out
}

func (e *Engine) claim(ctx context.Context, log logx.Logger, out Outcome) (*ledger.Claim, *Outcome) {
	if out.RequestID == "" {
		log.Warn("ledger intent without request id")
		out.Result = ResultNoop
		out.Error = "missing request id"
		return nil, &out
	}
	c, err := e.ledger.Claim(ctx, out.RequestID)
	switch {
	case err == nil:
		return c, nil
	case errors.Is(err, ledger.ErrNotFound):
		log.Warn("request not found")
		out.Result = ResultNoop
		out.Error = err.Error()
	case errors.Is(err, ledger.ErrTerminal), errors.Is(err, ledger.ErrClaimed):
		log.Debug("request already handled", logx.Err(err))
		out.Result = ResultSkipped
	default:
		// Nothing is claimed, so nothing can be marked; a redelivery retries.
		log.Error("request claim failed", logx.Err(err))
		out.Result = ResultFailed
		out.Error = err.Error()
	}
	return nil, &out
}

// fail marks the claimed entry failed unless it was already finished.
func (e *Engine) fail(ctx context.Context, log logx.Logger, c *ledger.Claim, out Outcome, reason string) Outcome {
	out.Result = ResultFailed
	out.Error = reason
	if c == nil || c.Finished() {
		return out
	}
	wctx, cancel := e.writeCtx(ctx)
	defer cancel()
	if err := c.MarkFailed(wctx, reason); err != nil {
		log.Error("mark failed", logx.Err(err))
	}
	return out
}

// writeCtx keeps terminal writes alive through shutdown.
func (e *Engine) writeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.writeTimeout)
}

// DedupKey is the idempotency key of an order notification.
func DedupKey(v OrderStatusChanged) string {
	if strings.TrimSpace(v.EventID) == "" {
		return ""
	}
	return "order:" + v.OrderID + ":" + v.EventID
}

func (e *Engine) orderStatus(ctx context.Context, log logx.Logger, v OrderStatusChanged, out Outcome) Outcome {
	if v.OldStatus == v.NewStatus {
		out.Result = ResultNoop
		return out
	}

	if key := DedupKey(v); key != "" && e.dedup != nil {
		first, err := e.dedup.Claim(ctx, key)
		if err != nil {
			// Prefer a possible duplicate over a lost notification.
			log.Warn("dedup claim failed; sending anyway", logx.Err(err))
		} else if !first {
			log.Debug("duplicate order event", logx.String("key", key))
			out.Result = ResultSkipped
			return out
		}
	}

	user, err := e.users.GetUser(ctx, v.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			log.Error("user not found", logx.String("user", v.UserID))
			out.Result = ResultNoop
			out.Error = "User not found"
			return out
		}
		log.Error("user lookup failed", logx.String("user", v.UserID), logx.Err(err))
		out.Result = ResultFailed
		out.Error = err.Error()
		return out
	}
	if strings.TrimSpace(user.DeviceToken) == "" {
		log.Error("no device token", logx.String("user", v.UserID))
		out.Result = ResultNoop
		out.Error = "No FCM token"
		return out
	}

	msg := OrderMessage(v)
	resp, err := e.gw.SendOne(ctx, user.DeviceToken, msg)
	if err != nil {
		log.Error("order notification failed", logx.String("status", v.NewStatus), logx.Err(err))
		out.Result = ResultFailed
		out.Error = err.Error()
		return out
	}
	log.Info("order notification sent",
		logx.String("from", v.OldStatus), logx.String("to", v.NewStatus), logx.String("message_id", resp.MessageID))

	wctx, cancel := e.writeCtx(ctx)
	defer cancel()
	err = e.audit.AppendAudit(wctx, storage.AuditEntry{
		ID:               uuid.NewString(),
		UserID:           v.UserID,
		Title:            msg.Title,
		Body:             msg.Body,
		Type:             AuditTypeOrderUpdate,
		OrderID:          v.OrderID,
		Status:           v.NewStatus,
		SentAt:           e.now(),
		ProviderResponse: resp.MessageID,
	})
	if err != nil {
		// The push went out; only the record is missing.
		log.Error("audit append failed", logx.Err(err))
	}
	out.Result = ResultSent
	return out
}

func (e *Engine) single(ctx context.Context, log logx.Logger, c *ledger.Claim, v SingleTarget, out Outcome) (Outcome, error) {
	user, err := e.users.GetUser(ctx, v.UserID)
	if errors.Is(err, storage.ErrNotFound) {
		return e.fail(ctx, log, c, out, "User not found"), nil
	}
	if err != nil {
		return out, fmt.Errorf("get user %s: %w", v.UserID, err)
	}
	if strings.TrimSpace(user.DeviceToken) == "" {
		return e.fail(ctx, log, c, out, "No FCM token"), nil
	}

	resp, err := e.gw.SendOne(ctx, user.DeviceToken, gateway.Message{Title: v.Title, Body: v.Body, Data: dataOrEmpty(v.Data)})
	if err != nil {
		log.Warn("single send failed", logx.String("user", v.UserID), logx.Err(err))
		return e.fail(ctx, log, c, out, err.Error()), nil
	}

	wctx, cancel := e.writeCtx(ctx)
	defer cancel()
	if err := c.MarkSent(wctx, resp.MessageID); err != nil {
		log.Error("mark sent failed", logx.Err(err))
	}
	log.Info("single notification sent", logx.String("user", v.UserID), logx.String("message_id", resp.MessageID))
	out.Result = ResultSent
	out.Counts = ledger.Counts{Targeted: 1, Sent: 1}
	return out, nil
}

func (e *Engine) bulk(ctx context.Context, log logx.Logger, c *ledger.Claim, v BulkBroadcast, out Outcome) (Outcome, error) {
	category := normalizeCategory(v.Category)
	users, err := e.users.UsersWithToken(ctx, category)
	if err != nil {
		return out, fmt.Errorf("query users: %w", err)
	}
	if len(users) == 0 {
		return e.fail(ctx, log, c, out, "No users found"), nil
	}
	tokens := make([]string, 0, len(users))
	for _, u := range users {
		if t := strings.TrimSpace(u.DeviceToken); t != "" {
			tokens = append(tokens, t)
		}
	}
	if len(tokens) == 0 {
		return e.fail(ctx, log, c, out, "No valid FCM tokens"), nil
	}

	msg := gateway.Message{Title: v.Title, Body: v.Body, Data: dataOrEmpty(v.Data)}
	counts := ledger.Counts{Targeted: len(tokens)}
	for i := 0; i < len(tokens); i += e.batchSize {
		part := tokens[i:min(i+e.batchSize, len(tokens))]
		out.Batches++
		resp, err := e.gw.SendBatch(ctx, part, msg)
		if err != nil {
			// A failed call loses the whole partition, never its siblings.
			counts.Failed += len(part)
			log.Warn("batch send failed", logx.Int("batch", out.Batches), logx.Int("tokens", len(part)), logx.Err(err))
			continue
		}
		counts.Sent += resp.SuccessCount
		counts.Failed += resp.FailureCount
		log.Debug("batch sent", logx.Int("batch", out.Batches), logx.Int("sent", resp.SuccessCount), logx.Int("failed", resp.FailureCount))
	}

	wctx, cancel := e.writeCtx(ctx)
	defer cancel()
	if err := c.MarkCompleted(wctx, counts); err != nil {
		log.Error("mark completed failed", logx.Err(err))
	}
	log.Info("bulk notification completed",
		logx.String("category", category), logx.Int("sent", counts.Sent), logx.Int("failed", counts.Failed), logx.Int("batches", out.Batches))
	out.Result = ResultCompleted
	out.Counts = counts
	return out, nil
}

func (e *Engine) targeted(ctx context.Context, log logx.Logger, c *ledger.Claim, v TargetedList, out Outcome) (Outcome, error) {
	msg := gateway.Message{Title: v.Title, Body: v.Body, Data: dataOrEmpty(v.Data)}
	counts := ledger.Counts{Targeted: len(v.UserIDs)}
	for _, id := range v.UserIDs {
		if err := e.sendToUser(ctx, id, msg); err != nil {
			counts.Failed++
			log.Debug("targeted send failed", logx.String("user", id), logx.Err(err))
			continue
		}
		counts.Sent++
	}

	wctx, cancel := e.writeCtx(ctx)
	defer cancel()
	if err := c.MarkCompleted(wctx, counts); err != nil {
		log.Error("mark completed failed", logx.Err(err))
	}
	log.Info("targeted notification completed", logx.Int("sent", counts.Sent), logx.Int("failed", counts.Failed))
	out.Result = ResultCompleted
	out.Counts = counts
	return out, nil
}

var errNoToken = errors.New("no device token")

func (e *Engine) sendToUser(ctx context.Context, userID string, msg gateway.Message) error {
	user, err := e.users.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if strings.TrimSpace(user.DeviceToken) == "" {
		return errNoToken
	}
	_, err = e.gw.SendOne(ctx, user.DeviceToken, msg)
	return err
}

func dataOrEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
