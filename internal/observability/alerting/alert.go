package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	xerrors "DualToken-Engine/internal/errors"
	"DualToken-Engine/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelLog      Channel = "log"
	ChannelWebhook  Channel = "webhook"
	ChannelDingTalk Channel = "dingtalk"
	ChannelSlack    Channel = "slack"
)

// Event 描述一次需要告警的事件。Subject 是触发告警的对象，例如上报 ID 或提案 ID。
type Event struct {
	Code       xerrors.Code      `json:"code"`
	Message    string            `json:"message"`
	Severity   xerrors.Severity  `json:"severity"`
	Channel    Channel           `json:"channel,omitempty"`
	Subject    string            `json:"subject,omitempty"`
	Attempts   int               `json:"attempts,omitempty"`
	MaxRetries int               `json:"max_retries,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 实现将事件投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
}

// NewFanout 创建一个新的 FanoutDispatcher。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// Notify 将事件广播至所有注册渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	var errs []error
	for _, notifier := range d.notifiers {
		ev := event
		ev.Channel = notifier.Channel()
		if err := notifier.Notify(ctx, ev); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// LogNotifier 把告警写入审计日志。
type LogNotifier struct{}

// Channel 返回日志渠道。
func (LogNotifier) Channel() Channel { return ChannelLog }

// Notify 写入一条审计记录。
func (LogNotifier) Notify(_ context.Context, event Event) error {
	attrs := []any{
		slog.String("code", string(event.Code)),
		slog.String("severity", string(event.Severity)),
		slog.String("subject", event.Subject),
		slog.String("message", event.Message),
	}
	if event.MaxRetries > 0 {
		attrs = append(attrs, slog.Int("attempts", event.Attempts), slog.Int("max_retries", event.MaxRetries))
	}
	for _, k := range sortedKeys(event.Metadata) {
		attrs = append(attrs, slog.String("meta."+k, event.Metadata[k]))
	}
	logger.Audit().Warn("alert raised", attrs...)
	return nil
}

// WebhookNotifier 以 HTTP POST 的方式推送告警。
// Channel 为 dingtalk 或 slack 时按对应机器人的消息格式组装请求体，否则直接发送事件 JSON。
type WebhookNotifier struct {
	URL    string
	Kind   Channel
	Client *http.Client
}

// Channel 返回配置的渠道，默认为 webhook。
func (n *WebhookNotifier) Channel() Channel {
	if n == nil || n.Kind == "" {
		return ChannelWebhook
	}
	return n.Kind
}

// Notify 发送告警请求，非 2xx 响应视为失败。
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || strings.TrimSpace(n.URL) == "" {
		logger.L().Warn("webhook notifier is not configured, skipping", slog.String("subject", event.Subject))
		return nil
	}
	body, err := json.Marshal(n.payload(event))
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	client := n.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send alert: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("alert webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (n *WebhookNotifier) payload(event Event) any {
	switch n.Channel() {
	case ChannelDingTalk:
		return map[string]any{
			"msgtype": "text",
			"text":    map[string]string{"content": summary(event)},
		}
	case ChannelSlack:
		return map[string]string{"text": summary(event)}
	default:
		return event
	}
}

func summary(event Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", event.Severity, event.Code)
	if event.Subject != "" {
		fmt.Fprintf(&b, " subject=%s", event.Subject)
	}
	if event.MaxRetries > 0 {
		fmt.Fprintf(&b, " attempts=%d/%d", event.Attempts, event.MaxRetries)
	}
	b.WriteString("\n")
	b.WriteString(event.Message)
	for _, k := range sortedKeys(event.Metadata) {
		fmt.Fprintf(&b, "\n- %s: %s", k, event.Metadata[k])
	}
	return b.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
