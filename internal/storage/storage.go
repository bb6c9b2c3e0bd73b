// Package storage 定义引擎状态的持久化契约：账本日志、质押仓位、
// 治理记录与联合曲线状态，以及启动时用于恢复内存状态的快照。
package storage

import (
	"context"

	"DualToken-Engine/internal/governance"
	"DualToken-Engine/internal/ledger"
	"DualToken-Engine/internal/market"
	"DualToken-Engine/internal/staking"
)

// Snapshot 是启动时从存储中恢复的完整状态。
type Snapshot struct {
	Ledger      ledger.State
	Positions   []staking.Position
	Proposals   []governance.Proposal
	Votes       []governance.Vote
	Delegations []governance.Delegation
	Curve       *market.CurveState
}

// Store 聚合各模块所需的持久化能力。账本交易与其影响的余额在同一事务内提交。
type Store interface {
	ledger.Journal
	staking.Store
	governance.Store
	market.Store

	Load(ctx context.Context) (*Snapshot, error)
	Close() error
}
