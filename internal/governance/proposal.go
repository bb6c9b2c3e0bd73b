package governance

import (
	"math"
	"time"

	"DualToken-Engine/internal/amount"
)

// Status 表示提案所处的阶段。
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusPassed    Status = "passed"
	StatusRejected  Status = "rejected"
	StatusExecuted  Status = "executed"
	StatusCancelled Status = "cancelled"
)

// IsValidStatus 检查状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusActive, StatusPassed, StatusRejected, StatusExecuted, StatusCancelled:
		return true
	default:
		return false
	}
}

// Tally 是提案的计票结果。
type Tally struct {
	For     amount.Amount `json:"for"`
	Against amount.Amount `json:"against"`
	Abstain amount.Amount `json:"abstain"`
}

// Total 返回全部参与票数。
func (t Tally) Total() amount.Amount {
	return amount.Norm(t.For).Add(amount.Norm(t.Against)).Add(amount.Norm(t.Abstain))
}

func (t Tally) isZero() bool { return t.Total().IsZero() }

// Proposal 是一次治理提案。Status 只保存已发生的迁移，Pending 与 Active 之间的
// 区分由投票窗口和当前时间推导，见 StatusAt。
type Proposal struct {
	ID            string        `json:"id"`
	Proposer      string        `json:"proposer"`
	Title         string        `json:"title"`
	Description   string        `json:"description,omitempty"`
	Payload       []byte        `json:"payload,omitempty"`
	Escrow        amount.Amount `json:"escrow"`
	Status        Status        `json:"status"`
	Tally         Tally         `json:"tally"`
	CreatedAt     time.Time     `json:"created_at"`
	VotingStarts  time.Time     `json:"voting_starts"`
	VotingEnds    time.Time     `json:"voting_ends"`
	ExecutionTime time.Time     `json:"execution_time,omitempty"`
	FinalizedAt   time.Time     `json:"finalized_at,omitempty"`
	ExecutedAt    time.Time     `json:"executed_at,omitempty"`
	Slashed       amount.Amount `json:"slashed"`
	LastError     string        `json:"last_error,omitempty"`
}

// StatusAt 返回提案在 now 时刻的有效状态。
func (p Proposal) StatusAt(now time.Time) Status {
	if p.Status != StatusPending {
		return p.Status
	}
	if now.Before(p.VotingStarts) {
		return StatusPending
	}
	return StatusActive
}

// acceptsVotes 判断 now 是否位于闭区间 [VotingStarts, VotingEnds] 内。
func (p Proposal) acceptsVotes(now time.Time) bool {
	return p.Status == StatusPending && !now.Before(p.VotingStarts) && !now.After(p.VotingEnds)
}

// Vote 是一张不可修改的选票。Delegators 记录随本票一起计入的委托人。
type Vote struct {
	ProposalID  string        `json:"proposal_id"`
	Voter       string        `json:"voter"`
	Support     bool          `json:"support"`
	Abstain     bool          `json:"abstain"`
	LockPeriods int           `json:"lock_periods"`
	Balance     amount.Amount `json:"balance"`
	Power       amount.Amount `json:"power"`
	Delegators  []string      `json:"delegators,omitempty"`
	CastAt      time.Time     `json:"cast_at"`
}

// Delegation 把委托人的治理代币余额计入受托人的投票权。
type Delegation struct {
	Delegator string    `json:"delegator"`
	Delegate  string    `json:"delegate"`
	CreatedAt time.Time `json:"created_at"`
}

// Conviction 返回锁定 lockPeriods 个投票周期时的信念系数：
// 0 个周期为 0.1，n 个周期为 min(1 + n*growth, max)。
func Conviction(lockPeriods int, growth, max amount.Amount) amount.Amount {
	if lockPeriods <= 0 {
		return amount.WithPrec(1, 1)
	}
	multiplier := amount.One().Add(amount.Norm(growth).MulInt64(int64(lockPeriods)))
	return amount.Min(multiplier, amount.Norm(max))
}

// SaturationPeriods 返回信念倍数首次达到 ceiling 所需的锁定周期数，至少为 1。
func SaturationPeriods(growth, ceiling amount.Amount) int {
	g, headroom := amount.Norm(growth), amount.Norm(ceiling).Sub(amount.One())
	if !g.IsPositive() || !headroom.IsPositive() {
		return 1
	}
	n := headroom.Quo(g).Ceil()
	if n.GT(amount.FromInt(math.MaxInt32)) {
		return math.MaxInt32
	}
	return int(max(n.TruncateInt64(), 1))
}

// Evaluate 依据法定人数与多数规则给出计票结论：
// 参与票数未达到 circulating*quorum 时否决，否则赞成票严格多于反对票才通过。
func Evaluate(t Tally, circulating, quorum amount.Amount) Status {
	required := amount.Norm(circulating).Mul(amount.Norm(quorum))
	if t.Total().LT(required) {
		return StatusRejected
	}
	if amount.Norm(t.For).GT(amount.Norm(t.Against)) {
		return StatusPassed
	}
	return StatusRejected
}
