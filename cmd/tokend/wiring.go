package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"DualToken-Engine/internal/amount"
	"DualToken-Engine/internal/completion"
	"DualToken-Engine/internal/config"
	xerrors "DualToken-Engine/internal/errors"
	"DualToken-Engine/internal/execution"
	"DualToken-Engine/internal/ledger"
	"DualToken-Engine/internal/market"
	"DualToken-Engine/internal/observability/alerting"
	"DualToken-Engine/internal/observability/metrics"
	"DualToken-Engine/internal/staking"
	"DualToken-Engine/internal/storage"
	"DualToken-Engine/internal/storage/memory"
	"DualToken-Engine/internal/storage/sqlstore"
	"DualToken-Engine/internal/treasury"
	"DualToken-Engine/pkg/logger"
)

const defaultConfigPath = "configs/tokend.yaml"

func loggerConfig(cfg config.LoggingConfig) logger.Config {
	return logger.Config{
		Level:       cfg.Level,
		Format:      cfg.Format,
		OutputPaths: cfg.Outputs,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Audit.Enabled,
			Path:       cfg.Audit.Path,
			MaxSizeMB:  cfg.Audit.MaxSizeMB,
			MaxBackups: cfg.Audit.MaxBackups,
			MaxAgeDays: cfg.Audit.MaxAgeDays,
		},
	}
}

func openStore(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("创建数据目录失败: %w", err)
		}
		store, err := memory.New(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "mysql", "sqlite":
		store, err := sqlstore.Open(ctx, sqlstore.Config{
			Dialect:         sqlstore.Dialect(cfg.Driver),
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Driver)
	}
}

// reportStoreFor 让 SQL 存储同时承载上报记录，内存存储下上报只保存在进程内。
func reportStoreFor(store storage.Store) completion.Store {
	if db, ok := store.(*sqlstore.Store); ok {
		return db.Reports()
	}
	return completion.NewMemoryStore()
}

func openQueue(ctx context.Context, cfg config.QueueConfig) (completion.Queue, error) {
	switch cfg.Driver {
	case "", "memory":
		return completion.NewMemoryQueue(cfg.Buffer), nil
	case "redis":
		queue, err := completion.NewRedisQueue(ctx, completion.RedisQueueConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Queue:     cfg.Redis.Key,
			BlockWait: cfg.Redis.BlockWait,
		})
		if err != nil {
			return nil, err
		}
		return queue, nil
	case "rabbitmq":
		queue, err := completion.NewRabbitMQQueue(completion.RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Queue:    cfg.RabbitMQ.Queue,
			Prefetch: cfg.RabbitMQ.Prefetch,
			Durable:  true,
		})
		if err != nil {
			return nil, err
		}
		return queue, nil
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Driver)
	}
}

func executionConfig(cfg config.ExecutionConfig) execution.Config {
	return execution.Config{
		Kind: cfg.Driver,
		Webhook: execution.WebhookConfig{
			URL:     cfg.Webhook.URL,
			Token:   cfg.Webhook.Token,
			Timeout: cfg.Webhook.Timeout,
		},
		Chain: execution.ChainConfig{
			RPCURL:       cfg.Chain.RPCURL,
			ChainID:      cfg.Chain.ChainID,
			WaitReceipt:  cfg.Chain.WaitReceipt,
			PollInterval: cfg.Chain.PollInterval,
		},
	}
}

func buildAlerting(cfg config.AlertingConfig) *alerting.FanoutDispatcher {
	client := &http.Client{Timeout: cfg.Timeout}
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	for _, target := range cfg.Webhooks {
		notifiers = append(notifiers, &alerting.WebhookNotifier{
			URL:    target.URL,
			Kind:   alerting.Channel(target.Kind),
			Client: client,
		})
	}
	return alerting.NewFanout(notifiers...)
}

func alertFromError(err error, subject string) alerting.Event {
	event := alerting.Event{
		Code:       xerrors.CodeOf(err),
		Message:    err.Error(),
		Severity:   xerrors.SeverityOf(err),
		Subject:    subject,
		OccurredAt: time.Now().UTC(),
	}
	if coded, ok := xerrors.From(err); ok {
		event.Metadata = coded.Metadata()
	}
	return event
}

// registerGauges 导出供应量、国库、质押、曲线与上报积压等读数。
func registerGauges(c *metrics.Collector, l *ledger.Ledger, tr *treasury.Controller, stakes *staking.Module, mkt *market.Market, reports *completion.Service) {
	c.RegisterGauges(func() []metrics.Sample {
		var out []metrics.Sample
		for _, kind := range ledger.Kinds {
			supply := l.Supply(kind)
			labels := map[string]string{"kind": string(kind)}
			out = append(out,
				metrics.Sample{Name: "tokend_supply_circulating", Help: "Circulating token supply.", Labels: labels, Value: amount.Float(supply.Circulating)},
				metrics.Sample{Name: "tokend_supply_cap", Help: "Configured supply cap.", Labels: labels, Value: amount.Float(supply.Cap)},
				metrics.Sample{Name: "tokend_accounts", Help: "Accounts holding a non-zero balance.", Labels: labels, Value: float64(supply.Accounts)},
			)
		}
		seq, _ := l.Head()
		out = append(out, metrics.Sample{Name: "tokend_ledger_sequence", Help: "Sequence number of the latest ledger transaction.", Value: float64(seq)})
		out = append(out, metrics.Sample{Name: "tokend_token_velocity", Help: "Utility transfer volume over circulating supply in the velocity window.", Value: amount.Float(tr.Velocity(time.Now()))})
		for _, pool := range tr.Pools() {
			labels := map[string]string{"pool": pool.Name}
			out = append(out,
				metrics.Sample{Name: "tokend_pool_balance", Help: "Treasury pool balance.", Labels: labels, Value: amount.Float(pool.Balance)},
				metrics.Sample{Name: "tokend_pool_daily_amount", Help: "Treasury pool daily replenish target.", Labels: labels, Value: amount.Float(pool.DailyAmount)},
			)
		}
		out = append(out,
			metrics.Sample{Name: "tokend_staking_apy", Help: "Current staking APY.", Value: amount.Float(stakes.APY())},
			metrics.Sample{Name: "tokend_staked_total", Help: "Utility principal held in staking escrow.", Value: amount.Float(l.Balance(ledger.Utility, staking.EscrowAccount))},
		)
		state := mkt.State()
		out = append(out,
			metrics.Sample{Name: "tokend_curve_price", Help: "Spot price on the bonding curve.", Value: amount.Float(state.Price)},
			metrics.Sample{Name: "tokend_curve_reserve", Help: "Bonding curve reserve balance.", Value: amount.Float(state.Reserve)},
		)

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if stats, err := reports.Stats(ctx); err == nil {
			counts := []struct {
				status completion.Status
				n      int
			}{
				{completion.StatusPending, stats.Pending},
				{completion.StatusRunning, stats.Running},
				{completion.StatusSettled, stats.Settled},
				{completion.StatusFailed, stats.Failed},
			}
			for _, row := range counts {
				out = append(out, metrics.Sample{Name: "tokend_reports", Help: "Reports by settlement status.", Labels: map[string]string{"status": string(row.status)}, Value: float64(row.n)})
			}
		}
		return out
	})
}
