// Package execution 提供治理提案载荷的执行协作方实现。
// 引擎不解析载荷内容，只负责把它交给外部系统并报告结果。
package execution

import (
	"context"
	"log/slog"
	"strings"
	"time"

	xerrors "DualToken-Engine/internal/errors"
	"DualToken-Engine/pkg/logger"
)

// Applier 与 governance.Applier 签名一致。
type Applier interface {
	Apply(ctx context.Context, proposalID string, payload []byte) error
}

// 支持的执行方式
const (
	KindNoop    = "noop"
	KindWebhook = "webhook"
	KindChain   = "chain"
)

// Config 描述执行协作方。
type Config struct {
	Kind    string
	Webhook WebhookConfig
	Chain   ChainConfig
}

// New 按配置构造执行协作方。返回的 close 函数总是非空。
func New(ctx context.Context, cfg Config) (Applier, func(), error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case "", KindNoop:
		return Noop{}, func() {}, nil
	case KindWebhook:
		w, err := NewWebhook(cfg.Webhook)
		if err != nil {
			return nil, nil, err
		}
		return w, func() {}, nil
	case KindChain:
		c, err := DialChain(ctx, cfg.Chain)
		if err != nil {
			return nil, nil, err
		}
		return c, c.Close, nil
	default:
		return nil, nil, xerrors.New(xerrors.CodeInvalidArgument, "unsupported execution kind", xerrors.WithParams("kind", cfg.Kind))
	}
}

// Noop 只记录审计日志，适用于载荷由人工落地的部署。
type Noop struct{}

// Apply 实现 Applier。
func (Noop) Apply(_ context.Context, proposalID string, payload []byte) error {
	logger.Audit().Info("proposal payload acknowledged",
		slog.String("proposal_id", proposalID),
		slog.Int("payload_bytes", len(payload)),
		slog.Time("at", time.Now().UTC()),
	)
	return nil
}
