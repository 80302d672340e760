package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// ChannelAction maps a sequence channel to the action type that delivers it.
func ChannelAction(channel string) string {
	switch channel {
	case "email":
		return ActionSendEmail
	case "sms":
		return ActionSendSMS
	case "task":
		return ActionCreateTask
	}
	return channel
}

// LogHandler records the action instead of delivering it. It stands in for
// providers that are not configured.
func LogHandler(logger kitlog.Logger) Handler {
	if logger == nil {
		logger = kitlog.NewNopLogger()
	}
	return func(_ context.Context, req Request) (Outcome, error) {
		level.Info(logger).Log("msg", "action", "tenant", req.Tenant, "action", req.ActionType, "entity_type", req.EntityType, "entity_id", req.EntityID)
		return Outcome{Detail: "logged"}, nil
	}
}

// WebhookHandler posts the request as JSON to a URL. The action config may
// override the URL with a "url" key.
type WebhookHandler struct {
	url    string
	client *http.Client
}

// NewWebhookHandler builds a webhook handler with its own HTTP timeout.
func NewWebhookHandler(url string, timeout time.Duration) *WebhookHandler {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &WebhookHandler{url: url, client: &http.Client{Timeout: timeout}}
}

type webhookBody struct {
	Request
	SentAt time.Time `json:"sent_at"`
}

// Handle performs the POST. Non-2xx responses are errors.
func (h *WebhookHandler) Handle(ctx context.Context, req Request) (Outcome, error) {
	target := h.url
	if u, ok := req.Config["url"].(string); ok && u != "" {
		target = u
	}
	if target == "" {
		return Outcome{}, fmt.Errorf("webhook url not configured")
	}
	body, err := json.Marshal(webhookBody{Request: req, SentAt: time.Now().UTC()})
	if err != nil {
		return Outcome{}, fmt.Errorf("encode webhook body: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return Outcome{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Fieldflow-Tenant", req.Tenant)
	httpReq.Header.Set("X-Fieldflow-Action", req.ActionType)

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return Outcome{}, fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Outcome{}, fmt.Errorf("webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return Outcome{Detail: fmt.Sprintf("webhook %d", resp.StatusCode)}, nil
}
