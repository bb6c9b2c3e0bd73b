package treasury

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"DualToken-Engine/internal/amount"
	xerrors "DualToken-Engine/internal/errors"
	"DualToken-Engine/internal/ledger"
	"DualToken-Engine/pkg/logger"
)

// PoolConfig 描述一个国库子池及其每日补充目标。
type PoolConfig struct {
	Name        string
	DailyAmount amount.Amount
}

// VelocityConfig 描述基于代币流通速度的奖励池调节策略。
type VelocityConfig struct {
	Window time.Duration
	Low    amount.Amount
	High   amount.Amount
	// Step 是每次调节占当前每日额度的比例。
	Step amount.Amount
	// MaxStep 是单周期内允许的最大调节比例。
	MaxStep  amount.Amount
	MinDaily amount.Amount
	MaxDaily amount.Amount
}

// Config 描述国库配置。
type Config struct {
	Pools    []PoolConfig
	Velocity VelocityConfig
}

// Ledger 是国库依赖的账本能力。
type Ledger interface {
	Balance(kind ledger.TokenKind, account string) amount.Amount
	Supply(kind ledger.TokenKind) ledger.Supply
	Volume(kind ledger.TokenKind, since time.Time) amount.Amount
	Mint(ctx context.Context, req ledger.MintRequest) (ledger.Transaction, error)
}

// PoolStatus 是子池的当前状态。
type PoolStatus struct {
	Name        string        `json:"name"`
	Account     string        `json:"account"`
	Balance     amount.Amount `json:"balance"`
	DailyAmount amount.Amount `json:"daily_amount"`
	Minted      amount.Amount `json:"minted,omitempty"`
	Skipped     string        `json:"skipped,omitempty"`
}

// Adjustment 记录一次速度调节。
type Adjustment struct {
	Velocity amount.Amount `json:"velocity"`
	Previous amount.Amount `json:"previous"`
	Current  amount.Amount `json:"current"`
}

// Controller 管理国库子池的补充与奖励额度调节。
type Controller struct {
	ledger   Ledger
	velocity VelocityConfig
	now      func() time.Time
	log      *slog.Logger

	mu    sync.Mutex
	order []string
	daily map[string]amount.Amount
	// replenished 记录每个子池最近一次补充的日期，同一天只补充一次。
	replenished map[string]string
}

// Option 定义可选配置。
type Option func(*Controller)

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// New 构造国库控制器。
func New(cfg Config, l Ledger, opts ...Option) (*Controller, error) {
	if len(cfg.Pools) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "at least one treasury pool is required")
	}
	v := cfg.Velocity
	if v.Window <= 0 {
		v.Window = 30 * 24 * time.Hour
	}
	v.Low, v.High = amount.Norm(v.Low), amount.Norm(v.High)
	v.Step, v.MaxStep = amount.Norm(v.Step), amount.Norm(v.MaxStep)
	v.MinDaily, v.MaxDaily = amount.Norm(v.MinDaily), amount.Norm(v.MaxDaily)
	if v.High.LT(v.Low) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "velocity high threshold below low threshold",
			xerrors.WithParams("low", v.Low.String(), "high", v.High.String()))
	}

	c := &Controller{
		ledger:   l,
		velocity: v,
		now:      time.Now,
		log:      logger.Named("treasury"),
		daily:    make(map[string]amount.Amount, len(cfg.Pools)),

		replenished: make(map[string]string, len(cfg.Pools)),
	}
	for _, p := range cfg.Pools {
		if p.Name == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "pool name is required")
		}
		if _, dup := c.daily[p.Name]; dup {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "duplicate pool", xerrors.WithParams("pool", p.Name))
		}
		c.order = append(c.order, p.Name)
		c.daily[p.Name] = amount.Norm(p.DailyAmount)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Replenish 把每个子池补足到每日额度，每个子池每天最多补充一次。
// 触及供应上限的子池记录日志后跳过。
func (c *Controller) Replenish(ctx context.Context) ([]PoolStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	day := c.now().UTC().Format("2006-01-02")
	out := make([]PoolStatus, 0, len(c.order))
	var errs []error
	for _, name := range c.order {
		account := ledger.PoolAccount(name)
		status := PoolStatus{Name: name, Account: account, DailyAmount: c.daily[name], Minted: amount.Zero()}
		balance := c.ledger.Balance(ledger.Utility, account)
		if c.replenished[name] == day {
			status.Skipped = "already replenished today"
			status.Balance = balance
			out = append(out, status)
			continue
		}
		if missing := status.DailyAmount.Sub(balance); !missing.IsPositive() {
			c.replenished[name] = day
		} else {
			_, err := c.ledger.Mint(ctx, ledger.MintRequest{
				Kind:      ledger.Utility,
				Account:   account,
				Amount:    missing,
				Reference: "replenish:" + name + ":" + day,
			})
			switch {
			case err == nil:
				status.Minted = missing
				c.replenished[name] = day
			case xerrors.HasCode(err, ledger.CodeSupplyCapExceeded):
				status.Skipped = "supply cap reached"
				c.log.Warn("pool replenish skipped at supply cap", slog.String("pool", name), slog.String("missing", missing.String()))
			case xerrors.HasCode(err, ledger.CodeDuplicateTransaction):
				status.Skipped = "already replenished today"
				c.replenished[name] = day
			default:
				errs = append(errs, err)
				status.Skipped = err.Error()
			}
		}
		status.Balance = c.ledger.Balance(ledger.Utility, account)
		out = append(out, status)
	}
	if minted := sumMinted(out); minted.IsPositive() {
		logger.Audit().Info("treasury replenished", slog.String("day", day), slog.String("minted", minted.String()))
	}
	return out, stdErrors.Join(errs...)
}

func sumMinted(pools []PoolStatus) amount.Amount {
	total := amount.Zero()
	for _, p := range pools {
		total = total.Add(p.Minted)
	}
	return total
}

// Velocity 返回窗口期内的转账量与流通量之比，流通量为零时返回零。
func (c *Controller) Velocity(now time.Time) amount.Amount {
	circulating := c.ledger.Supply(ledger.Utility).Circulating
	if !circulating.IsPositive() {
		return amount.Zero()
	}
	volume := c.ledger.Volume(ledger.Utility, now.Add(-c.velocity.Window))
	return volume.Quo(circulating)
}

// AdjustForVelocity 在速度低于下限时提高每日奖励额度，高于上限时降低，
// 单次变化不超过 MaxStep 且结果限制在 [MinDaily, MaxDaily]。
func (c *Controller) AdjustForVelocity(ctx context.Context, now time.Time) (Adjustment, error) {
	if err := ctx.Err(); err != nil {
		return Adjustment{}, err
	}
	velocity := c.Velocity(now)

	c.mu.Lock()
	defer c.mu.Unlock()
	previous, ok := c.daily[ledger.PoolDailyRewards]
	if !ok {
		return Adjustment{}, xerrors.New(xerrors.CodeNotFound, "daily rewards pool is not configured")
	}
	step := amount.Min(c.velocity.Step, c.velocity.MaxStep)
	delta := previous.MulTruncate(step)
	current := previous
	switch {
	case velocity.LT(c.velocity.Low):
		current = previous.Add(delta)
	case velocity.GT(c.velocity.High):
		current = previous.Sub(delta)
	}
	if c.velocity.MaxDaily.IsPositive() {
		current = amount.Clamp(current, c.velocity.MinDaily, c.velocity.MaxDaily)
	} else {
		current = amount.Max(current, c.velocity.MinDaily)
	}
	c.daily[ledger.PoolDailyRewards] = current

	adj := Adjustment{Velocity: velocity, Previous: previous, Current: current}
	if !current.Equal(previous) {
		logger.Audit().Info("daily reward amount adjusted",
			slog.String("velocity", velocity.String()),
			slog.String("previous", previous.String()),
			slog.String("current", current.String()),
		)
	}
	return adj, nil
}

// Pools 返回全部子池状态，按名称排序。
func (c *Controller) Pools() []PoolStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PoolStatus, 0, len(c.order))
	for _, name := range c.order {
		account := ledger.PoolAccount(name)
		out = append(out, PoolStatus{
			Name:        name,
			Account:     account,
			Balance:     c.ledger.Balance(ledger.Utility, account),
			DailyAmount: c.daily[name],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
