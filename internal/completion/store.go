package completion

import (
	"context"

	xerrors "DualToken-Engine/internal/errors"
	"DualToken-Engine/internal/rewards"
)

// Store 抽象了完成上报的持久化接口。Entry.ID 与上报的 ReportID 相同。
type Store interface {
	Create(ctx context.Context, entry *Entry) error
	Get(ctx context.Context, id string) (*Entry, error)
	Claim(ctx context.Context, id string) (*Entry, error)
	MarkSettled(ctx context.Context, id string, receipt rewards.Receipt) error
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error
	List(ctx context.Context, opts ListOptions) ([]*Entry, error)
	Stats(ctx context.Context, opts ListOptions) (Stats, error)
	Close() error
}
