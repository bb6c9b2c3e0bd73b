package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config 描述 tokend 启动阶段需要加载的全部配置。
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Queue      QueueConfig      `yaml:"queue"`
	Logging    LoggingConfig    `yaml:"logging"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Staking    StakingConfig    `yaml:"staking"`
	Market     MarketConfig     `yaml:"market"`
	Governance GovernanceConfig `yaml:"governance"`
	Rewards    RewardsConfig    `yaml:"rewards"`
	Treasury   TreasuryConfig   `yaml:"treasury"`
	Schedule   ScheduleConfig   `yaml:"schedule"`
	Execution  ExecutionConfig  `yaml:"execution"`
	Alerting   AlertingConfig   `yaml:"alerting"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address         string        `yaml:"address" env:"TOKEND_SERVER_ADDRESS"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig 选择持久化驱动：memory、mysql 或 sqlite。
type StorageConfig struct {
	Driver          string        `yaml:"driver" env:"TOKEND_STORAGE_DRIVER"`
	DSN             string        `yaml:"dsn" env:"TOKEND_STORAGE_DSN"`
	DataDir         string        `yaml:"data_dir" env:"TOKEND_DATA_DIR"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// QueueConfig 描述上报队列与结算工作者。
type QueueConfig struct {
	Driver        string         `yaml:"driver" env:"TOKEND_QUEUE_DRIVER"`
	Buffer        int            `yaml:"buffer"`
	Workers       int            `yaml:"workers" env:"TOKEND_QUEUE_WORKERS"`
	MaxRetries    int            `yaml:"max_retries"`
	SettleTimeout time.Duration  `yaml:"settle_timeout"`
	Redis         RedisConfig    `yaml:"redis"`
	RabbitMQ      RabbitMQConfig `yaml:"rabbitmq"`
}

// RedisConfig 是 redis 队列驱动的连接参数。
type RedisConfig struct {
	Address   string        `yaml:"address" env:"TOKEND_REDIS_ADDRESS"`
	Password  string        `yaml:"password" env:"TOKEND_REDIS_PASSWORD"`
	DB        int           `yaml:"db"`
	Key       string        `yaml:"key"`
	BlockWait time.Duration `yaml:"block_wait"`
}

// RabbitMQConfig 是 rabbitmq 队列驱动的连接参数。
type RabbitMQConfig struct {
	URL      string `yaml:"url" env:"TOKEND_RABBITMQ_URL"`
	Queue    string `yaml:"queue"`
	Prefetch int    `yaml:"prefetch"`
}

// LoggingConfig 对应 pkg/logger 的配置。
type LoggingConfig struct {
	Level   string      `yaml:"level" env:"TOKEND_LOG_LEVEL"`
	Format  string      `yaml:"format" env:"TOKEND_LOG_FORMAT"`
	Outputs []string    `yaml:"outputs"`
	Audit   AuditConfig `yaml:"audit"`
}

// AuditConfig 控制审计日志文件。
type AuditConfig struct {
	Enabled    bool   `yaml:"enabled" env:"TOKEND_AUDIT_ENABLED"`
	Path       string `yaml:"path" env:"TOKEND_AUDIT_PATH"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// LedgerConfig 中的数值均为十进制字符串。
type LedgerConfig struct {
	UtilityCap    string `yaml:"utility_cap"`
	GovernanceCap string `yaml:"governance_cap"`
	BurnFraction  string `yaml:"burn_fraction"`
	Retention     int    `yaml:"retention"`
	ReplayWindow  int    `yaml:"replay_window"`
}

// StakingConfig 描述质押收益率。
type StakingConfig struct {
	APY string `yaml:"apy"`
}

// MarketConfig 描述联合曲线参数。
type MarketConfig struct {
	InitialPrice string `yaml:"initial_price"`
	Steepness    string `yaml:"steepness"`
	ReserveRatio string `yaml:"reserve_ratio"`
	ExitFee      string `yaml:"exit_fee"`
}

// GovernanceConfig 描述提案与投票参数。
type GovernanceConfig struct {
	MinProposalStake string        `yaml:"min_proposal_stake"`
	Quorum           string        `yaml:"quorum"`
	ConvictionGrowth string        `yaml:"conviction_growth"`
	MaxConviction    string        `yaml:"max_conviction"`
	EntryDelay       time.Duration `yaml:"entry_delay"`
	VotingPeriod     time.Duration `yaml:"voting_period"`
	ExecutionDelay   time.Duration `yaml:"execution_delay"`
	ExecutionTimeout time.Duration `yaml:"execution_timeout"`
	SlashFraction    string        `yaml:"slash_fraction"`
	SlashBurnShare   string        `yaml:"slash_burn_share"`
	Facilitator      string        `yaml:"facilitator"`
}

// RewardsConfig 描述奖励引擎的指标权重、任务基础奖励与阶梯表。
type RewardsConfig struct {
	Weights               map[string]string `yaml:"weights"`
	BaseRewards           map[string]string `yaml:"base_rewards"`
	Tiers                 []TierConfig      `yaml:"tiers"`
	FloorMultiplier       string            `yaml:"floor_multiplier"`
	ContributionThreshold string            `yaml:"contribution_threshold"`
	PayoutCap             string            `yaml:"payout_cap"`
	GovernanceMinScore    string            `yaml:"governance_min_score"`
	GovernanceMinAverage  string            `yaml:"governance_min_average"`
	GovernanceMinRecords  int               `yaml:"governance_min_records"`
	GovernanceBaseline    string            `yaml:"governance_baseline"`
	GovernanceScale       string            `yaml:"governance_scale"`
	GovernanceCeiling     string            `yaml:"governance_ceiling"`
	HistoryLimit          int               `yaml:"history_limit"`
}

// TierConfig 是阶梯表中的一行。
type TierConfig struct {
	Label          string `yaml:"label"`
	MinAchievement string `yaml:"min_achievement"`
	Multiplier     string `yaml:"multiplier"`
}

// TreasuryConfig 描述国库子池与速度调节策略。
type TreasuryConfig struct {
	Pools    []PoolConfig   `yaml:"pools"`
	Velocity VelocityConfig `yaml:"velocity"`
}

// PoolConfig 是一个子池及其每日额度。
type PoolConfig struct {
	Name        string `yaml:"name"`
	DailyAmount string `yaml:"daily_amount"`
}

// VelocityConfig 描述速度调节的阈值与步长。
type VelocityConfig struct {
	Window   time.Duration `yaml:"window"`
	Low      string        `yaml:"low"`
	High     string        `yaml:"high"`
	Step     string        `yaml:"step"`
	MaxStep  string        `yaml:"max_step"`
	MinDaily string        `yaml:"min_daily"`
	MaxDaily string        `yaml:"max_daily"`
}

// ScheduleConfig 是后台任务的 cron 表达式（含秒字段），"-" 表示禁用。
type ScheduleConfig struct {
	Velocity   string        `yaml:"velocity"`
	Replenish  string        `yaml:"replenish"`
	Finalize   string        `yaml:"finalize"`
	Release    string        `yaml:"release"`
	Trim       string        `yaml:"trim"`
	Invariants string        `yaml:"invariants"`
	JobTimeout time.Duration `yaml:"job_timeout"`
}

// ExecutionConfig 选择提案执行协作方：noop、webhook 或 chain。
type ExecutionConfig struct {
	Driver  string                 `yaml:"driver" env:"TOKEND_EXECUTION_DRIVER"`
	Webhook ExecutionWebhookConfig `yaml:"webhook"`
	Chain   ExecutionChainConfig   `yaml:"chain"`
}

// ExecutionWebhookConfig 描述 webhook 执行器。
type ExecutionWebhookConfig struct {
	URL     string        `yaml:"url" env:"TOKEND_EXECUTION_WEBHOOK_URL"`
	Token   string        `yaml:"token" env:"TOKEND_EXECUTION_WEBHOOK_TOKEN"`
	Timeout time.Duration `yaml:"timeout"`
}

// ExecutionChainConfig 描述链上执行器。
type ExecutionChainConfig struct {
	RPCURL       string        `yaml:"rpc_url" env:"TOKEND_CHAIN_RPC_URL"`
	ChainID      int64         `yaml:"chain_id" env:"TOKEND_CHAIN_ID"`
	WaitReceipt  bool          `yaml:"wait_receipt"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// AlertingConfig 描述告警通道。日志通道始终启用。
type AlertingConfig struct {
	Timeout  time.Duration   `yaml:"timeout"`
	Webhooks []WebhookTarget `yaml:"webhooks"`
}

// WebhookTarget 是一个告警 webhook，Kind 为 webhook、dingtalk 或 slack。
type WebhookTarget struct {
	Kind string `yaml:"kind"`
	URL  string `yaml:"url"`
}

// Load 解析指定路径的 YAML 配置文件，随后应用 TOKEND_* 环境变量覆盖与默认值。
// path 为空时只使用环境变量与默认值。
func Load(path string) (*Config, error) {
	var cfg Config
	baseDir := "."
	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("打开配置文件失败: %w", err)
		}
		defer file.Close()

		content, err := io.ReadAll(file)
		if err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		if err := decode(content, &cfg); err != nil {
			return nil, err
		}
		baseDir = filepath.Dir(path)
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("解析环境变量失败: %w", err)
	}
	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decode(content []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("解析配置失败: %w", err)
	}
	return nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}

	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Storage.DataDir) {
		c.Storage.DataDir = filepath.Join(baseDir, c.Storage.DataDir)
	}
	if c.Storage.Driver == "sqlite" && c.Storage.DSN == "" {
		c.Storage.DSN = filepath.Join(c.Storage.DataDir, "tokend.db")
	}

	c.Queue.Driver = strings.ToLower(strings.TrimSpace(c.Queue.Driver))
	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Buffer <= 0 {
		c.Queue.Buffer = 256
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 4
	}
	if c.Queue.MaxRetries <= 0 {
		c.Queue.MaxRetries = 3
	}
	if c.Queue.SettleTimeout <= 0 {
		c.Queue.SettleTimeout = 10 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(c.Storage.DataDir, "audit.log")
	}

	setDefault(&c.Ledger.UtilityCap, "1000000000")
	setDefault(&c.Ledger.GovernanceCap, "100000000")
	setDefault(&c.Ledger.BurnFraction, "0.01")

	setDefault(&c.Staking.APY, "0.08")

	setDefault(&c.Market.InitialPrice, "0.01")
	setDefault(&c.Market.Steepness, "0.0001")
	setDefault(&c.Market.ReserveRatio, "0.5")
	setDefault(&c.Market.ExitFee, "0.05")

	g := &c.Governance
	setDefault(&g.MinProposalStake, "100")
	setDefault(&g.Quorum, "0.1")
	setDefault(&g.ConvictionGrowth, "0.5")
	setDefault(&g.MaxConviction, "6")
	setDefault(&g.SlashFraction, "0")
	setDefault(&g.SlashBurnShare, "0.5")
	if g.EntryDelay < 0 {
		g.EntryDelay = 0
	}
	if g.VotingPeriod <= 0 {
		g.VotingPeriod = 72 * time.Hour
	}
	if g.ExecutionDelay <= 0 {
		g.ExecutionDelay = 48 * time.Hour
	}
	if g.ExecutionTimeout <= 0 {
		g.ExecutionTimeout = 10 * time.Second
	}

	r := &c.Rewards
	if len(r.Weights) == 0 {
		r.Weights = map[string]string{"accuracy": "0.5", "latency": "0.2", "quality": "0.3"}
	}
	if len(r.BaseRewards) == 0 {
		r.BaseRewards = map[string]string{"default": "100"}
	}
	setDefault(&r.ContributionThreshold, "0.3")
	setDefault(&r.PayoutCap, "0.1")
	setDefault(&r.GovernanceMinScore, "0.85")
	setDefault(&r.GovernanceMinAverage, "0.8")
	setDefault(&r.GovernanceBaseline, "0.8")
	setDefault(&r.GovernanceScale, "100")
	setDefault(&r.GovernanceCeiling, "10")
	if r.GovernanceMinRecords <= 0 {
		r.GovernanceMinRecords = 5
	}
	if r.HistoryLimit <= 0 {
		r.HistoryLimit = 100
	}

	t := &c.Treasury
	if len(t.Pools) == 0 {
		t.Pools = []PoolConfig{
			{Name: "daily_rewards", DailyAmount: "10000"},
			{Name: "staking_rewards", DailyAmount: "5000"},
			{Name: "ecosystem", DailyAmount: "2000"},
		}
	}
	if t.Velocity.Window <= 0 {
		t.Velocity.Window = 30 * 24 * time.Hour
	}
	setDefault(&t.Velocity.Low, "0.1")
	setDefault(&t.Velocity.High, "2")
	setDefault(&t.Velocity.Step, "0.05")
	setDefault(&t.Velocity.MaxStep, "0.1")
	setDefault(&t.Velocity.MinDaily, "1000")
	setDefault(&t.Velocity.MaxDaily, "100000")

	s := &c.Schedule
	setDefault(&s.Velocity, "0 0 * * * *")
	setDefault(&s.Replenish, "0 0 0 * * *")
	setDefault(&s.Finalize, "0 * * * * *")
	setDefault(&s.Release, "30 * * * * *")
	setDefault(&s.Trim, "0 30 * * * *")
	setDefault(&s.Invariants, "0 */5 * * * *")
	if s.JobTimeout <= 0 {
		s.JobTimeout = 30 * time.Second
	}

	c.Execution.Driver = strings.ToLower(strings.TrimSpace(c.Execution.Driver))
	if c.Execution.Driver == "" {
		c.Execution.Driver = "noop"
	}
	if c.Execution.Webhook.Timeout <= 0 {
		c.Execution.Webhook.Timeout = 10 * time.Second
	}
	if c.Execution.Chain.PollInterval <= 0 {
		c.Execution.Chain.PollInterval = time.Second
	}

	if c.Alerting.Timeout <= 0 {
		c.Alerting.Timeout = 5 * time.Second
	}
}

func setDefault(field *string, value string) {
	if strings.TrimSpace(*field) == "" {
		*field = value
	}
}

// Validate 检查驱动选择与必须成对出现的字段，并确认所有十进制字段可解析。
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case "memory", "sqlite":
	case "mysql":
		if c.Storage.DSN == "" {
			errs = append(errs, errors.New("storage.dsn 在 mysql 驱动下不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的存储驱动: %q", c.Storage.Driver))
	}

	switch c.Queue.Driver {
	case "memory":
	case "redis":
		if c.Queue.Redis.Address == "" {
			errs = append(errs, errors.New("queue.redis.address 在 redis 驱动下不能为空"))
		}
	case "rabbitmq":
		if c.Queue.RabbitMQ.URL == "" {
			errs = append(errs, errors.New("queue.rabbitmq.url 在 rabbitmq 驱动下不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的队列驱动: %q", c.Queue.Driver))
	}

	switch c.Execution.Driver {
	case "noop":
	case "webhook":
		if c.Execution.Webhook.URL == "" {
			errs = append(errs, errors.New("execution.webhook.url 在 webhook 驱动下不能为空"))
		}
	case "chain":
		if c.Execution.Chain.RPCURL == "" {
			errs = append(errs, errors.New("execution.chain.rpc_url 在 chain 驱动下不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的执行驱动: %q", c.Execution.Driver))
	}

	for i, target := range c.Alerting.Webhooks {
		if target.URL == "" {
			errs = append(errs, fmt.Errorf("alerting.webhooks[%d].url 不能为空", i))
		}
	}

	if _, err := c.Engine(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
