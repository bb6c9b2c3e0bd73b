package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"DualToken-Engine/internal/api"
	"DualToken-Engine/internal/completion"
	"DualToken-Engine/internal/config"
	xerrors "DualToken-Engine/internal/errors"
	"DualToken-Engine/internal/execution"
	"DualToken-Engine/internal/governance"
	"DualToken-Engine/internal/ledger"
	"DualToken-Engine/internal/market"
	"DualToken-Engine/internal/observability/metrics"
	"DualToken-Engine/internal/rewards"
	"DualToken-Engine/internal/scheduler"
	"DualToken-Engine/internal/staking"
	"DualToken-Engine/internal/treasury"
	"DualToken-Engine/pkg/logger"
)

// 不变量被破坏时的退出码，与配置错误等普通失败区分。
const exitInvariantViolation = 3

// main 是 tokend 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := run(ctx)
	_ = logger.Sync()
	switch {
	case err == nil:
	case xerrors.HasCode(err, xerrors.CodeInvariantViolation):
		fmt.Fprintf(os.Stderr, "tokend 检测到账本不变量被破坏: %v\n", err)
		os.Exit(exitInvariantViolation)
	default:
		fmt.Fprintf(os.Stderr, "tokend 运行失败: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("TOKEND_CONFIG")
	if configPath == "" {
		if _, err := os.Stat(defaultConfigPath); err == nil {
			configPath = defaultConfigPath
		}
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(loggerConfig(cfg.Logging)); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	log := logger.Named("tokend")

	engine, err := cfg.Engine()
	if err != nil {
		return err
	}

	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error("关闭存储失败", slog.Any("error", err))
		}
	}()
	snapshot, err := store.Load(ctx)
	if err != nil {
		return fmt.Errorf("加载持久化状态失败: %w", err)
	}

	alerts := buildAlerting(cfg.Alerting)

	// 不变量被破坏后停止服务，由 main 以专用退出码结束进程。
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	onViolation := func(err error) {
		notifyCtx, done := context.WithTimeout(context.Background(), cfg.Alerting.Timeout)
		defer done()
		_ = alerts.Notify(notifyCtx, alertFromError(err, "ledger"))
		cancel(err)
	}

	l, err := ledger.New(engine.Ledger, ledger.WithJournal(store), ledger.WithViolationHandler(onViolation))
	if err != nil {
		return err
	}
	if err := l.Restore(snapshot.Ledger); err != nil {
		return err
	}
	for _, kind := range ledger.Kinds {
		if err := l.CheckInvariants(kind); err != nil {
			return err
		}
	}

	stakes := staking.New(l, engine.APY, staking.WithStore(store))
	stakes.Restore(snapshot.Positions)

	mkt, err := market.New(l, engine.Market, market.WithStore(store))
	if err != nil {
		return err
	}
	if snapshot.Curve != nil {
		mkt.Restore(*snapshot.Curve)
	}

	applier, closeApplier, err := execution.New(ctx, executionConfig(cfg.Execution))
	if err != nil {
		return err
	}
	defer closeApplier()

	gov, err := governance.New(engine.Governance, l, stakes,
		governance.WithStore(store),
		governance.WithApplier(applier),
	)
	if err != nil {
		return err
	}
	gov.Restore(snapshot.Proposals, snapshot.Votes, snapshot.Delegations)

	engineRewards, err := rewards.New(engine.Rewards, l)
	if err != nil {
		return err
	}
	tr, err := treasury.New(engine.Treasury, l)
	if err != nil {
		return err
	}

	reportStore := reportStoreFor(store)
	queue, err := openQueue(ctx, cfg.Queue)
	if err != nil {
		return err
	}
	reports := completion.NewService(reportStore, queue, cfg.Queue.MaxRetries)
	defer func() {
		if err := reports.Close(); err != nil {
			log.Error("关闭上报队列失败", slog.Any("error", err))
		}
	}()
	if cfg.Queue.Driver == "memory" {
		if _, err := reports.Resume(ctx); err != nil {
			return err
		}
	}

	collector := metrics.New()
	registerGauges(collector, l, tr, stakes, mkt, reports)

	processor := completion.NewProcessor(engineRewards, reportStore, queue, queue,
		completion.WithWorkerCount(cfg.Queue.Workers),
		completion.WithSettleTimeout(cfg.Queue.SettleTimeout),
		completion.WithAlertDispatcher(alerts),
		completion.WithObserver(collector),
	)
	processorCtx, processorCancel := context.WithCancel(ctx)
	processorDone := make(chan struct{})
	defer func() {
		processorCancel()
		<-processorDone
	}()
	go func() {
		defer close(processorDone)
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("结算处理器异常退出", slog.Any("error", err))
		}
	}()

	sched, err := scheduler.New(engine.Schedule, scheduler.Deps{
		Treasury:  tr,
		Finalizer: gov,
		Releaser:  stakes,
		Ledger:    l,
	},
		scheduler.WithJobTimeout(cfg.Schedule.JobTimeout),
		scheduler.WithAlertDispatcher(alerts),
		scheduler.WithObserver(collector),
	)
	if err != nil {
		return err
	}
	sched.Start()
	defer func() {
		stopCtx, done := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer done()
		sched.Stop(stopCtx)
	}()

	server := api.NewServer(cfg.Server.Address, api.Deps{
		Ledger:     l,
		Staking:    stakes,
		Market:     mkt,
		Governance: gov,
		Rewards:    engineRewards,
		Treasury:   tr,
		Reports:    reports,
		Metrics:    collector,
	}, api.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout))

	log.Info("tokend started",
		slog.String("address", cfg.Server.Address),
		slog.String("storage", cfg.Storage.Driver),
		slog.String("queue", cfg.Queue.Driver),
		slog.String("execution", cfg.Execution.Driver),
	)
	if err := server.Start(ctx, cfg.Server.ShutdownTimeout); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if cause := context.Cause(ctx); cause != nil && xerrors.HasCode(cause, xerrors.CodeInvariantViolation) {
		return cause
	}
	log.Info("tokend stopped")
	return nil
}
