// Package scheduler 以 cron 表达式驱动后台维护任务：流通速度调节、
// 奖励池补充、提案结算扫描、投票锁仓释放与账本历史裁剪。
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	xerrors "DualToken-Engine/internal/errors"
	"DualToken-Engine/internal/ledger"
	"DualToken-Engine/internal/observability/alerting"
	"DualToken-Engine/internal/treasury"
	"DualToken-Engine/pkg/logger"
)

// 任务名称
const (
	JobVelocity   = "velocity_adjust"
	JobReplenish  = "pool_replenish"
	JobFinalize   = "proposal_finalize"
	JobRelease    = "vote_lock_release"
	JobTrim       = "history_trim"
	JobInvariants = "invariant_check"
)

// Specs 是各任务的 cron 表达式（含秒字段），空字符串表示禁用该任务。
type Specs struct {
	Velocity   string
	Replenish  string
	Finalize   string
	Release    string
	Trim       string
	Invariants string
}

// DefaultSpecs 返回默认调度：每小时调节速度，每日零点补充奖励池，每分钟扫描提案。
func DefaultSpecs() Specs {
	return Specs{
		Velocity:   "0 0 * * * *",
		Replenish:  "0 0 0 * * *",
		Finalize:   "0 * * * * *",
		Release:    "30 * * * * *",
		Trim:       "0 30 * * * *",
		Invariants: "0 */5 * * * *",
	}
}

// Treasury 是调度器使用的国库能力。
type Treasury interface {
	Replenish(ctx context.Context) ([]treasury.PoolStatus, error)
	AdjustForVelocity(ctx context.Context, now time.Time) (treasury.Adjustment, error)
}

// Finalizer 结算投票期已结束的提案。
type Finalizer interface {
	FinalizeDue(ctx context.Context, now time.Time) (int, error)
}

// Releaser 释放到期的锁仓头寸。
type Releaser interface {
	ReleaseExpired(ctx context.Context, now time.Time) (int, error)
}

// Ledger 是维护任务使用的账本能力。
type Ledger interface {
	TrimHistory() int
	CheckInvariants(kind ledger.TokenKind) error
}

// Observer 接收每次任务运行的结果。
type Observer interface {
	ObserveJob(name string, err error, elapsed time.Duration)
}

// Deps 汇总任务依赖，为空的依赖对应的任务不会注册。
type Deps struct {
	Treasury  Treasury
	Finalizer Finalizer
	Releaser  Releaser
	Ledger    Ledger
}

// Scheduler 管理全部后台任务。
type Scheduler struct {
	cron     *cron.Cron
	deps     Deps
	timeout  time.Duration
	now      func() time.Time
	log      *slog.Logger
	alerter  alerting.Dispatcher
	observer Observer

	mu   sync.Mutex
	jobs map[string]func(context.Context) error
}

// Option 定义可选配置。
type Option func(*Scheduler)

// WithJobTimeout 设置单次任务的最长运行时间。
func WithJobTimeout(timeout time.Duration) Option {
	return func(s *Scheduler) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithAlertDispatcher 配置任务失败时的告警派发器。
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(s *Scheduler) { s.alerter = d }
}

// WithObserver 配置任务运行观察者。
func WithObserver(o Observer) Option {
	return func(s *Scheduler) { s.observer = o }
}

// New 按 specs 注册任务。
func New(specs Specs, deps Deps, opts ...Option) (*Scheduler, error) {
	log := logger.Named("scheduler")
	cl := cronLogger{log: log}
	s := &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		deps:    deps,
		timeout: 30 * time.Second,
		now:     time.Now,
		log:     log,
		jobs:    make(map[string]func(context.Context) error),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	type entry struct {
		name string
		spec string
		run  func(context.Context) error
		ok   bool
	}
	entries := []entry{
		{JobVelocity, specs.Velocity, s.adjustVelocity, deps.Treasury != nil},
		{JobReplenish, specs.Replenish, s.replenish, deps.Treasury != nil},
		{JobFinalize, specs.Finalize, s.finalize, deps.Finalizer != nil},
		{JobRelease, specs.Release, s.release, deps.Releaser != nil},
		{JobTrim, specs.Trim, s.trim, deps.Ledger != nil},
		{JobInvariants, specs.Invariants, s.checkInvariants, deps.Ledger != nil},
	}
	for _, e := range entries {
		if !e.ok {
			continue
		}
		s.jobs[e.name] = e.run
		if e.spec == "" {
			continue
		}
		name := e.name
		if _, err := s.cron.AddFunc(e.spec, func() { _ = s.Run(context.Background(), name) }); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid cron spec", xerrors.WithParams("job", name, "spec", e.spec))
		}
	}
	return s, nil
}

// Start 启动调度器。
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("scheduler started", slog.Any("jobs", s.Jobs()))
}

// Stop 停止调度并等待正在运行的任务结束，或直到 ctx 结束。
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop().Done()
	select {
	case <-done:
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out with jobs still running")
	}
}

// Jobs 返回已注册的任务名称。
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run 立即执行一次指定任务，供手动触发与测试使用。
func (s *Scheduler) Run(ctx context.Context, name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return xerrors.New(xerrors.CodeNotFound, "unknown job", xerrors.WithParams("job", name))
	}

	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	started := time.Now()
	err := job(runCtx)
	elapsed := time.Since(started)
	if s.observer != nil {
		s.observer.ObserveJob(name, err, elapsed)
	}
	if err != nil {
		s.log.Error("job failed", slog.String("job", name), slog.Duration("elapsed", elapsed), slog.Any("error", err))
		s.emitAlert(ctx, name, err)
		return err
	}
	s.log.Debug("job finished", slog.String("job", name), slog.Duration("elapsed", elapsed))
	return nil
}

func (s *Scheduler) adjustVelocity(ctx context.Context) error {
	adj, err := s.deps.Treasury.AdjustForVelocity(ctx, s.now())
	if err != nil {
		return err
	}
	s.log.Info("velocity evaluated",
		slog.String("velocity", adj.Velocity.String()),
		slog.String("daily_amount", adj.Current.String()),
	)
	return nil
}

func (s *Scheduler) replenish(ctx context.Context) error {
	pools, err := s.deps.Treasury.Replenish(ctx)
	for _, p := range pools {
		if p.Skipped != "" {
			s.log.Warn("pool not replenished", slog.String("pool", p.Name), slog.String("reason", p.Skipped))
		}
	}
	return err
}

func (s *Scheduler) finalize(ctx context.Context) error {
	n, err := s.deps.Finalizer.FinalizeDue(ctx, s.now())
	if n > 0 {
		s.log.Info("proposals finalized", slog.Int("count", n))
	}
	return err
}

func (s *Scheduler) release(ctx context.Context) error {
	n, err := s.deps.Releaser.ReleaseExpired(ctx, s.now())
	if n > 0 {
		s.log.Info("expired locks released", slog.Int("count", n))
	}
	return err
}

func (s *Scheduler) trim(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if n := s.deps.Ledger.TrimHistory(); n > 0 {
		s.log.Info("ledger history trimmed", slog.Int("removed", n))
	}
	return nil
}

func (s *Scheduler) checkInvariants(ctx context.Context) error {
	for _, kind := range []ledger.TokenKind{ledger.Utility, ledger.Governance} {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.deps.Ledger.CheckInvariants(kind); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) emitAlert(ctx context.Context, job string, cause error) {
	if s.alerter == nil {
		return
	}
	code := xerrors.CodeOf(cause)
	event := alerting.Event{
		Code:       code,
		Message:    cause.Error(),
		Severity:   xerrors.SeverityOf(cause),
		Subject:    job,
		Metadata:   map[string]string{"stage": "scheduled_job"},
		OccurredAt: s.now(),
	}
	if err := s.alerter.Notify(ctx, event); err != nil {
		s.log.Error("failed to dispatch alert", slog.String("job", job), slog.Any("error", err))
	}
}

// cronLogger 把 cron 的内部日志转发到 slog。
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error(msg, append([]interface{}{slog.Any("error", err)}, keysAndValues...)...)
}

var _ cron.Logger = cronLogger{}

// String 便于在日志中输出任务配置。
func (s Specs) String() string {
	return fmt.Sprintf("velocity=%q replenish=%q finalize=%q release=%q trim=%q invariants=%q",
		s.Velocity, s.Replenish, s.Finalize, s.Release, s.Trim, s.Invariants)
}
