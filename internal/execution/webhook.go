package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	xerrors "DualToken-Engine/internal/errors"
)

// WebhookConfig 描述 HTTP 执行端点。
type WebhookConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
}

// Webhook 把提案载荷 POST 给外部执行服务。
type Webhook struct {
	url    string
	token  string
	client *http.Client
}

type webhookRequest struct {
	ProposalID string `json:"proposal_id"`
	Payload    []byte `json:"payload"`
}

// NewWebhook 构造 Webhook 执行方。
func NewWebhook(cfg WebhookConfig) (*Webhook, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "execution webhook url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{url: url, token: cfg.Token, client: &http.Client{Timeout: timeout}}, nil
}

// Apply 发送载荷，2xx 视为成功，其余状态码连同响应体摘要一起返回。
func (w *Webhook) Apply(ctx context.Context, proposalID string, payload []byte) error {
	body, err := json.Marshal(webhookRequest{ProposalID: proposalID, Payload: payload})
	if err != nil {
		return fmt.Errorf("encode execution request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build execution request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", proposalID)
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("call execution webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("execution webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
}
