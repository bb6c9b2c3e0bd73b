package completion

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	xerrors "DualToken-Engine/internal/errors"
	"DualToken-Engine/internal/ledger"
	"DualToken-Engine/internal/observability/alerting"
	"DualToken-Engine/internal/rewards"
	"DualToken-Engine/pkg/logger"
)

// Settler 是处理器所需的奖励结算能力。
type Settler interface {
	ReportCompletion(ctx context.Context, report rewards.Report) (rewards.Receipt, error)
}

// Observer 接收每次结算的结果，用于指标统计。
type Observer interface {
	ObserveSettlement(status Status, code xerrors.Code, elapsed time.Duration)
}

// Processor 从队列消费上报并交给奖励引擎结算。
type Processor struct {
	settler     Settler
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	timeout     time.Duration
	logger      *slog.Logger
	alerter     alerting.Dispatcher
	observer    Observer
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定调试日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithSettleTimeout 设置单次结算的超时时间，超时按可重试失败处理。
func WithSettleTimeout(timeout time.Duration) ProcessorOption {
	return func(p *Processor) {
		if timeout > 0 {
			p.timeout = timeout
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// WithObserver 配置结算结果观察者。
func WithObserver(observer Observer) ProcessorOption {
	return func(p *Processor) {
		p.observer = observer
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(settler Settler, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		settler:     settler,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		timeout:     10 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动结算循环，直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "report consumer is not configured")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, entryID string) error {
	if p.store == nil || p.settler == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "processor is not initialized")
	}
	entry, err := p.store.Claim(ctx, entryID)
	if err != nil {
		if stdErrors.Is(err, ErrReportNotFound) || stdErrors.Is(err, ErrReportSettled) ||
			stdErrors.Is(err, ErrReportExhausted) || stdErrors.Is(err, ErrReportConflict) {
			p.logDebug("skipping report", slog.String("report_id", entryID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("failed to claim report", slog.Any("error", err), slog.String("report_id", entryID))
		p.emitAlert(ctx, &Entry{ID: entryID}, CodeReportProcessing, err, "claim")
		return err
	}

	started := time.Now()
	settleCtx, cancel := context.WithTimeout(ctx, p.timeout)
	receipt, settleErr := p.settler.ReportCompletion(settleCtx, entry.Report)
	cancel()
	if settleErr != nil && stdErrors.Is(settleErr, context.DeadlineExceeded) {
		settleErr = xerrors.Wrap(xerrors.CodeTimeout, settleErr, "settlement timed out", xerrors.WithParams("report_id", entry.ID))
	}

	if settleErr != nil && xerrors.HasCode(settleErr, ledger.CodeDuplicateTransaction) {
		// 奖励引擎确认两项奖励均已落账才会返回重复，通常是上次结算成功但状态回写失败。
		receipt = rewards.Receipt{
			ReportID: entry.ID,
			WorkerID: entry.Report.WorkerID,
			TaskKind: entry.Report.TaskKind,
			IssuedAt: time.Now().UTC(),
		}
		p.emitAlert(ctx, entry, ledger.CodeDuplicateTransaction, settleErr, "already_paid")
		settleErr = nil
	}
	if settleErr != nil {
		err := p.handleFailure(ctx, entry, settleErr)
		p.observe(entry.Status, xerrors.CodeOf(settleErr), time.Since(started))
		return err
	}

	if err := p.store.MarkSettled(ctx, entry.ID, receipt); err != nil {
		logger.L().Error("failed to mark report settled", slog.Any("error", err), slog.String("report_id", entry.ID))
		if storeErr := p.store.MarkFailed(ctx, entry.ID, CodeReportProcessing, err.Error(), false); storeErr != nil {
			return storeErr
		}
		if pubErr := p.producer.Publish(ctx, entry.ID); pubErr != nil {
			return xerrors.Wrap(CodeReportPublish, pubErr, "requeue after status write failure", xerrors.WithParams("report_id", entry.ID))
		}
		return nil
	}
	p.observe(StatusSettled, "", time.Since(started))
	p.logDebug("report settled",
		slog.String("report_id", entry.ID),
		slog.String("utility", receipt.UtilityAmount.String()),
		slog.String("governance", receipt.GovernanceAmount.String()),
	)
	return nil
}

func (p *Processor) handleFailure(ctx context.Context, entry *Entry, settleErr error) error {
	code := xerrors.CodeOf(settleErr)
	if code == xerrors.CodeUnknown {
		code = CodeReportProcessing
	}
	retryable := xerrors.RetryableError(settleErr) || stdErrors.Is(settleErr, context.Canceled)
	terminal := !retryable || entry.Attempts >= entry.MaxRetries

	if storeErr := p.store.MarkFailed(ctx, entry.ID, code, settleErr.Error(), terminal); storeErr != nil {
		logger.L().Error("failed to record report failure", slog.Any("error", storeErr), slog.String("report_id", entry.ID))
		return storeErr
	}
	entry.Status = StatusPending
	if terminal {
		entry.Status = StatusFailed
	}
	logger.Audit().Warn("report settlement failed",
		slog.String("report_id", entry.ID),
		slog.String("worker", entry.Report.WorkerID),
		slog.Bool("terminal", terminal),
		slog.String("error", settleErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", entry.Attempts),
		slog.Int("max_retries", entry.MaxRetries),
	)

	stage := "retry"
	switch {
	case !retryable:
		stage = "non_retryable"
	case terminal:
		stage = "terminal"
	}
	if xerrors.ShouldAlert(settleErr) || (terminal && retryable) {
		p.emitAlert(ctx, entry, code, settleErr, stage)
	}

	if !terminal {
		if pubErr := p.producer.Publish(ctx, entry.ID); pubErr != nil {
			return xerrors.Wrap(CodeReportPublish, pubErr, "requeue report", xerrors.WithParams("report_id", entry.ID))
		}
		p.logDebug("report requeued", slog.String("report_id", entry.ID), slog.Int("attempts", entry.Attempts))
	}
	return nil
}

func (p *Processor) observe(status Status, code xerrors.Code, elapsed time.Duration) {
	if p.observer != nil {
		p.observer.ObserveSettlement(status, code, elapsed)
	}
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		p.logger.LogAttrs(context.Background(), slog.LevelDebug, msg, attrs...)
	}
}

func (p *Processor) emitAlert(ctx context.Context, entry *Entry, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil || entry == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	metadata := map[string]string{"stage": stage}
	if cause != nil {
		message = cause.Error()
		metadata["cause"] = cause.Error()
	}
	if entry.Report.WorkerID != "" {
		metadata["worker"] = entry.Report.WorkerID
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		Subject:    entry.ID,
		Attempts:   entry.Attempts,
		MaxRetries: entry.MaxRetries,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("failed to dispatch alert",
			slog.Any("error", err),
			slog.String("report_id", entry.ID),
			slog.String("stage", stage),
		)
	}
}
