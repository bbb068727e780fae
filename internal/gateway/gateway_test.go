package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	logx "notifyd/pkg/logx"
)

func tokens(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("tok-%d", i)
	}
	return out
}

func TestOpenDrivers(t *testing.T) {
	g, err := Open(Config{}, logx.Nop())
	if err != nil {
		t.Fatalf("Open default: %v", err)
	}
	if g.Name() != "log" {
		t.Fatalf("default driver = %s, want log", g.Name())
	}
	if _, err := Open(Config{Driver: "fcm"}, logx.Nop()); err == nil {
		t.Fatal("expected error for fcm without server key")
	}
	if _, err := Open(Config{Driver: "carrier-pigeon"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestBatchCapIsEnforced(t *testing.T) {
	g := NewLog(logx.Nop())
	if _, err := g.SendBatch(context.Background(), tokens(MaxBatch+1), Message{Title: "x"}); !errors.Is(err, ErrBatchTooLarge) {
		t.Fatalf("err = %v, want ErrBatchTooLarge", err)
	}
	resp, err := g.SendBatch(context.Background(), tokens(MaxBatch), Message{Title: "x"})
	if err != nil {
		t.Fatalf("SendBatch(%d): %v", MaxBatch, err)
	}
	if resp.SuccessCount != MaxBatch || resp.FailureCount != 0 {
		t.Fatalf("unexpected counts: %+v", resp)
	}
	if _, err := g.SendBatch(context.Background(), nil, Message{}); !errors.Is(err, ErrNoTokens) {
		t.Fatalf("empty batch err = %v, want ErrNoTokens", err)
	}
}

func TestFCMBatchReportsPerTokenResults(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if got := r.Header.Get("Authorization"); got != "key=secret" {
			t.Errorf("Authorization = %q", got)
		}
		var req fcmRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.Notification.Title != "Hello" || req.Data["type"] != "promo" {
			t.Errorf("unexpected payload: %+v", req)
		}
		type result struct {
			MessageID string `json:"message_id,omitempty"`
			Error     string `json:"error,omitempty"`
		}
		results := make([]result, len(req.RegistrationIDs))
		for i, tok := range req.RegistrationIDs {
			if strings.HasSuffix(tok, "-1") {
				results[i] = result{Error: "NotRegistered"}
				continue
			}
			results[i] = result{MessageID: "m-" + tok}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"results": results})
	}))
	defer srv.Close()

	f, err := NewFCM(FCMConfig{Endpoint: srv.URL, ServerKey: "secret"}, 100, 0, logx.Nop())
	if err != nil {
		t.Fatalf("NewFCM: %v", err)
	}
	resp, err := f.SendBatch(context.Background(), tokens(3), Message{Title: "Hello", Body: "b", Data: map[string]string{"type": "promo"}})
	if err != nil {
		t.Fatalf("SendBatch: %v", err)
	}
	if resp.SuccessCount != 2 || resp.FailureCount != 1 {
		t.Fatalf("counts = %d/%d, want 2/1", resp.SuccessCount, resp.FailureCount)
	}
	if resp.Responses[1].Success || resp.Responses[1].Error != "NotRegistered" {
		t.Fatalf("unexpected result for tok-1: %+v", resp.Responses[1])
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestFCMSendOneErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req fcmRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		switch req.To {
		case "down":
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
		case "stale":
			_, _ = w.Write([]byte(`{"failure":1,"results":[{"error":"NotRegistered"}]}`))
		default:
			_, _ = w.Write([]byte(`{"success":1,"results":[{"message_id":"0:1"}]}`))
		}
	}))
	defer srv.Close()

	f, err := NewFCM(FCMConfig{Endpoint: srv.URL, ServerKey: "k"}, 100, 0, logx.Nop())
	if err != nil {
		t.Fatalf("NewFCM: %v", err)
	}
	ctx := context.Background()

	resp, err := f.SendOne(ctx, "ok", Message{Title: "t"})
	if err != nil || resp.MessageID != "0:1" {
		t.Fatalf("SendOne(ok) = %+v, %v", resp, err)
	}
	if _, err := f.SendOne(ctx, "stale", Message{Title: "t"}); err == nil || !strings.Contains(err.Error(), "NotRegistered") {
		t.Fatalf("SendOne(stale) err = %v", err)
	}
	if _, err := f.SendOne(ctx, "down", Message{Title: "t"}); err == nil || !strings.Contains(err.Error(), "503") {
		t.Fatalf("SendOne(down) err = %v", err)
	}
	if _, err := f.SendOne(ctx, " ", Message{Title: "t"}); !errors.Is(err, ErrEmptyToken) {
		t.Fatalf("SendOne(blank) err = %v", err)
	}
}

func TestTelegramSendsToChat(t *testing.T) {
	var gotChat, gotText atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/sendMessage") {
			http.NotFound(w, r)
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotChat.Store(fmt.Sprint(body["chat_id"]))
		gotText.Store(fmt.Sprint(body["text"]))
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":42,"date":0,"chat":{"id":1001,"type":"private"}}}`))
	}))
	defer srv.Close()

	tg, err := NewTelegram(TelegramConfig{Token: "123:abc", URL: srv.URL}, 100, logx.Nop())
	if err != nil {
		t.Fatalf("NewTelegram: %v", err)
	}
	resp, err := tg.SendOne(context.Background(), "1001", Message{Title: "Order <1>", Body: "on its way"})
	if err != nil {
		t.Fatalf("SendOne: %v", err)
	}
	if resp.MessageID != "42" {
		t.Fatalf("MessageID = %s, want 42", resp.MessageID)
	}
	if gotChat.Load() != "1001" {
		t.Fatalf("chat_id = %v", gotChat.Load())
	}
	if text, _ := gotText.Load().(string); !strings.Contains(text, "Order &lt;1&gt;") {
		t.Fatalf("text not escaped: %q", text)
	}

	batch, err := tg.SendBatch(context.Background(), []string{"1001", "not-a-chat"}, Message{Title: "x"})
	if err != nil {
		t.Fatalf("SendBatch: %v", err)
	}
	if batch.SuccessCount != 1 || batch.FailureCount != 1 {
		t.Fatalf("batch counts = %+v", batch)
	}
}
