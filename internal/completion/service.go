package completion

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "DualToken-Engine/internal/errors"
	"DualToken-Engine/internal/rewards"
	"DualToken-Engine/pkg/logger"
)

// Service 负责完成上报的受理与查询。
type Service struct {
	store      Store
	producer   Producer
	maxRetries int
}

// NewService 构造上报服务。
func NewService(store Store, producer Producer, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Service{store: store, producer: producer, maxRetries: maxRetries}
}

// Submit 校验上报并推送到结算队列。相同 ReportID 的重复提交返回已有记录。
func (s *Service) Submit(ctx context.Context, report rewards.Report) (*Entry, error) {
	if err := validateReport(report); err != nil {
		return nil, err
	}
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "completion service is not initialized")
	}

	report.WorkerID = strings.TrimSpace(report.WorkerID)
	report.ReportID = strings.TrimSpace(report.ReportID)
	if report.ReportID != "" {
		existing, err := s.store.Get(ctx, report.ReportID)
		if err == nil {
			return existing, nil
		}
		if !stdErrors.Is(err, ErrReportNotFound) {
			return nil, err
		}
	} else {
		report.ReportID = uuid.NewString()
	}

	entry := &Entry{
		ID:         report.ReportID,
		Report:     report,
		Status:     StatusPending,
		MaxRetries: s.maxRetries,
	}
	entry.Report.Metrics = cloneMetrics(report.Metrics)
	if err := s.store.Create(ctx, entry); err != nil {
		if stdErrors.Is(err, ErrReportConflict) {
			if existing, getErr := s.store.Get(ctx, entry.ID); getErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, entry.ID); err != nil {
		logger.L().Error("failed to enqueue report", slog.Any("error", err), slog.String("report_id", entry.ID))
		wrapped := xerrors.Wrap(CodeReportPublish, err, "publish report", xerrors.WithParams("report_id", entry.ID))
		_ = s.store.MarkFailed(ctx, entry.ID, CodeReportPublish, wrapped.Error(), true)
		return nil, wrapped
	}
	logger.Audit().Info("report accepted",
		slog.String("report_id", entry.ID),
		slog.String("worker", report.WorkerID),
		slog.String("task_kind", report.TaskKind),
		slog.Int("max_retries", entry.MaxRetries),
	)
	return entry, nil
}

func validateReport(report rewards.Report) error {
	params := []string{"report_id", report.ReportID, "worker", report.WorkerID, "task_kind", report.TaskKind}
	switch {
	case strings.TrimSpace(report.WorkerID) == "":
		return xerrors.New(CodeReportValidation, "worker id is required", xerrors.WithParams(params...))
	case strings.TrimSpace(report.TaskKind) == "":
		return xerrors.New(CodeReportValidation, "task kind is required", xerrors.WithParams(params...))
	case len(report.Metrics) == 0:
		return xerrors.New(CodeReportValidation, "at least one metric is required", xerrors.WithParams(params...))
	case report.AttributedShare < 0 || report.AttributedShare > 1:
		return xerrors.New(CodeReportValidation, "attributed share must be within [0, 1]", xerrors.WithParams(params...))
	}
	if _, err := rewards.ParseMetrics(report.Metrics); err != nil {
		return xerrors.Wrap(CodeReportValidation, err, "invalid metrics", xerrors.WithParams(params...))
	}
	return nil
}

// Get 返回指定上报的状态。
func (s *Service) Get(ctx context.Context, id string) (*Entry, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "completion store is not initialized")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的上报列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Entry, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "completion store is not initialized")
	}
	return s.store.List(ctx, BuildListOptions(opts...))
}

// Stats 返回符合过滤条件的上报统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (Stats, error) {
	if s.store == nil {
		return Stats{}, xerrors.New(xerrors.CodeInitializationFailure, "completion store is not initialized")
	}
	return s.store.Stats(ctx, BuildListOptions(opts...))
}

// Resume 把存储中仍处于待结算状态的上报重新投递到队列，
// 在处理器启动前调用，用于进程内队列重启后丢失的消息。返回投递数量。
func (s *Service) Resume(ctx context.Context) (int, error) {
	if s.store == nil || s.producer == nil {
		return 0, xerrors.New(xerrors.CodeInitializationFailure, "completion service is not initialized")
	}
	resumed := 0
	for offset := 0; ; {
		page, err := s.store.List(ctx, BuildListOptions(
			WithStatuses(StatusPending),
			WithSortOrder(SortByUpdatedAsc),
			WithLimit(maxPageSize),
			WithOffset(offset),
		))
		if err != nil {
			return resumed, err
		}
		for _, entry := range page {
			if err := s.producer.Publish(ctx, entry.ID); err != nil {
				return resumed, xerrors.Wrap(CodeReportPublish, err, "resume report", xerrors.WithParams("report_id", entry.ID))
			}
			resumed++
		}
		if len(page) < maxPageSize {
			break
		}
		offset += len(page)
	}
	if resumed > 0 {
		logger.L().Info("pending reports requeued", slog.Int("count", resumed))
	}
	return resumed, nil
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

// WaitUntilSettled 轮询上报状态，直到结算成功、终态失败或 ctx 结束。
func (s *Service) WaitUntilSettled(ctx context.Context, id string, interval time.Duration) (*Entry, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		entry, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if entry.Status == StatusSettled || entry.Status == StatusFailed {
			return entry, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
