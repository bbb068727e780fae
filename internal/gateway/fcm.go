package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	logx "notifyd/pkg/logx"
)

const defaultFCMEndpoint = "https://fcm.googleapis.com/fcm/send"

type FCMConfig struct {
	Endpoint string
	// ServerKey is read from the environment by the config layer.
	ServerKey string
}

// FCM talks to the Firebase legacy HTTP API. Single sends use "to", batches
// use "registration_ids"; results come back in token order.
type FCM struct {
	endpoint  string
	serverKey string
	client    *http.Client
	limiter   *rate.Limiter
	log       logx.Logger
}

func NewFCM(cfg FCMConfig, rps int, timeout time.Duration, log logx.Logger) (*FCM, error) {
	if strings.TrimSpace(cfg.ServerKey) == "" {
		return nil, errors.New("fcm server key is empty")
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = defaultFCMEndpoint
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if rps <= 0 {
		rps = 50
	}
	return &FCM{
		endpoint:  endpoint,
		serverKey: cfg.ServerKey,
		client:    &http.Client{Timeout: timeout},
		limiter:   rate.NewLimiter(rate.Limit(rps), rps),
		log:       log.With(logx.String("gateway", "fcm")),
	}, nil
}

func (f *FCM) Name() string { return "fcm" }

func (f *FCM) SendOne(ctx context.Context, token string, msg Message) (SendResponse, error) {
	if strings.TrimSpace(token) == "" {
		return SendResponse{}, ErrEmptyToken
	}
	resp, err := f.post(ctx, fcmRequest{To: token, Notification: notificationOf(msg), Data: msg.Data})
	if err != nil {
		return SendResponse{}, err
	}
	if len(resp.Results) == 0 {
		return SendResponse{}, errors.New("fcm: empty results")
	}
	r := resp.Results[0]
	if r.Error != "" {
		return SendResponse{}, fmt.Errorf("fcm: %s", r.Error)
	}
	return SendResponse{MessageID: r.MessageID}, nil
}

func (f *FCM) SendBatch(ctx context.Context, tokens []string, msg Message) (BatchResponse, error) {
	if err := checkBatch(tokens); err != nil {
		return BatchResponse{}, err
	}
	resp, err := f.post(ctx, fcmRequest{RegistrationIDs: tokens, Notification: notificationOf(msg), Data: msg.Data})
	if err != nil {
		return BatchResponse{}, err
	}

	out := BatchResponse{Responses: make([]TokenResult, len(tokens))}
	for i, tok := range tokens {
		tr := TokenResult{Token: tok}
		if i < len(resp.Results) {
			res := resp.Results[i]
			tr.MessageID = res.MessageID
			tr.Error = res.Error
			tr.Success = res.Error == "" && res.MessageID != ""
		} else {
			tr.Error = "missing result"
		}
		if tr.Success {
			out.SuccessCount++
		} else {
			out.FailureCount++
		}
		out.Responses[i] = tr
	}
	if out.FailureCount > 0 {
		f.log.Debug("fcm batch partial failure", logx.Int("tokens", len(tokens)), logx.Int("failed", out.FailureCount))
	}
	return out, nil
}

type fcmNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type fcmRequest struct {
	To              string            `json:"to,omitempty"`
	RegistrationIDs []string          `json:"registration_ids,omitempty"`
	Notification    fcmNotification   `json:"notification"`
	Data            map[string]string `json:"data,omitempty"`
}

type fcmResponse struct {
	Success int `json:"success"`
	Failure int `json:"failure"`
	Results []struct {
		MessageID string `json:"message_id"`
		Error     string `json:"error"`
	} `json:"results"`
}

func notificationOf(m Message) fcmNotification {
	return fcmNotification{Title: m.Title, Body: m.Body}
}

func (f *FCM) post(ctx context.Context, body fcmRequest) (fcmResponse, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return fcmResponse{}, err
	}
	b, err := json.Marshal(body)
	if err != nil {
		return fcmResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, bytes.NewReader(b))
	if err != nil {
		return fcmResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "key="+f.serverKey)

	resp, err := f.client.Do(req)
	if err != nil {
		return fcmResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fcmResponse{}, fmt.Errorf("fcm: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	var out fcmResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fcmResponse{}, fmt.Errorf("fcm: decode response: %w", err)
	}
	return out, nil
}
