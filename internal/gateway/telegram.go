package gateway

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	logx "notifyd/pkg/logx"
)

type TelegramConfig struct {
	Token string
	// URL overrides the Bot API endpoint (tests, self-hosted API servers).
	URL string
}

// Telegram delivers messages through a Telegram bot. A device token is the
// numeric chat id the user registered with the bot.
type Telegram struct {
	bot     *tele.Bot
	limiter *rate.Limiter
	log     logx.Logger
}

func NewTelegram(cfg TelegramConfig, rps int, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.URL,
		Token:   cfg.Token,
		Offline: true, // send only; never poll
	})
	if err != nil {
		return nil, err
	}
	if rps <= 0 {
		rps = 25
	}
	return &Telegram{
		bot:     b,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		log:     log.With(logx.String("gateway", "telegram")),
	}, nil
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) SendOne(ctx context.Context, token string, msg Message) (SendResponse, error) {
	chatID, err := strconv.ParseInt(strings.TrimSpace(token), 10, 64)
	if err != nil {
		return SendResponse{}, fmt.Errorf("telegram: invalid chat id %q", token)
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return SendResponse{}, err
	}
	m, err := t.bot.Send(&tele.Chat{ID: chatID}, render(msg), &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: true,
	})
	if err != nil {
		return SendResponse{}, err
	}
	return SendResponse{MessageID: strconv.Itoa(m.ID)}, nil
}

// SendBatch has no batch endpoint to call; it sends one message per chat and
// reports each outcome. Only a cancelled context fails the whole call.
func (t *Telegram) SendBatch(ctx context.Context, tokens []string, msg Message) (BatchResponse, error) {
	if err := checkBatch(tokens); err != nil {
		return BatchResponse{}, err
	}
	out := BatchResponse{Responses: make([]TokenResult, 0, len(tokens))}
	for _, tok := range tokens {
		if err := ctx.Err(); err != nil {
			return BatchResponse{}, err
		}
		tr := TokenResult{Token: tok}
		resp, err := t.SendOne(ctx, tok, msg)
		if err != nil {
			tr.Error = err.Error()
			out.FailureCount++
		} else {
			tr.Success = true
			tr.MessageID = resp.MessageID
			out.SuccessCount++
		}
		out.Responses = append(out.Responses, tr)
	}
	return out, nil
}

func render(m Message) string {
	var b strings.Builder
	b.WriteString("<b>")
	b.WriteString(escapeHTML(m.Title))
	b.WriteString("</b>")
	if m.Body != "" {
		b.WriteString("\n")
		b.WriteString(escapeHTML(m.Body))
	}
	return b.String()
}

var htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func escapeHTML(s string) string { return htmlEscaper.Replace(s) }
