package tokenclient

import "time"

// Amounts are exchanged as fixed-point decimal strings with 18 fractional
// digits, e.g. "990.000000000000000000".

// Transaction is a ledger entry returned by mint, transfer and burn.
type Transaction struct {
	Seq       uint64    `json:"seq"`
	Kind      string    `json:"kind"`
	Op        string    `json:"op"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Amount    string    `json:"amount"`
	Burned    string    `json:"burned"`
	Delivered string    `json:"delivered"`
	Reference string    `json:"reference"`
	Hash      string    `json:"hash"`
	PrevHash  string    `json:"prev_hash"`
	Timestamp time.Time `json:"timestamp"`
}

// Balances lists an account's holdings keyed by token kind.
type Balances struct {
	Account  string            `json:"account"`
	Balances map[string]string `json:"balances"`
}

// Position is a staking position or a governance vote lock.
type Position struct {
	ID      string    `json:"id"`
	Owner   string    `json:"owner"`
	Kind    string    `json:"kind"`
	Purpose string    `json:"purpose"`
	Amount  string    `json:"amount"`
	Start   time.Time `json:"start"`
	Unlock  time.Time `json:"unlock"`
	APY     string    `json:"apy"`
	Claimed string    `json:"claimed"`
	Accrued string    `json:"accrued,omitempty"`
}

// Positions is the response of the positions listing.
type Positions struct {
	Account   string     `json:"account"`
	APY       string     `json:"apy"`
	Positions []Position `json:"positions"`
}

// Claim reports the reward paid out for a position.
type Claim struct {
	PositionID string `json:"position_id"`
	Claimed    string `json:"claimed"`
}

// Trade describes a bonding-curve purchase or sale.
type Trade struct {
	Account    string `json:"account"`
	Tokens     string `json:"tokens"`
	Value      string `json:"value"`
	Fee        string `json:"fee"`
	PriceAfter string `json:"price_after"`
	Reference  string `json:"reference"`
}

// MarketState is the bonding-curve snapshot, optionally with a buy quote.
type MarketState struct {
	InitialPrice string `json:"initial_price"`
	Steepness    string `json:"steepness"`
	ReserveRatio string `json:"reserve_ratio"`
	ExitFee      string `json:"exit_fee"`
	Supply       string `json:"supply"`
	Reserve      string `json:"reserve"`
	Price        string `json:"price"`
	Quote        string `json:"quote,omitempty"`
}

// Tally holds the weighted vote totals of a proposal.
type Tally struct {
	For     string `json:"for"`
	Against string `json:"against"`
	Abstain string `json:"abstain"`
}

// Proposal is a governance proposal as seen at request time.
type Proposal struct {
	ID              string    `json:"id"`
	Proposer        string    `json:"proposer"`
	Title           string    `json:"title"`
	Description     string    `json:"description,omitempty"`
	Payload         []byte    `json:"payload,omitempty"`
	Escrow          string    `json:"escrow"`
	Status          string    `json:"status"`
	EffectiveStatus string    `json:"effective_status"`
	Tally           Tally     `json:"tally"`
	CreatedAt       time.Time `json:"created_at"`
	VotingStarts    time.Time `json:"voting_starts"`
	VotingEnds      time.Time `json:"voting_ends"`
	ExecutionTime   time.Time `json:"execution_time,omitempty"`
	Slashed         string    `json:"slashed"`
	LastError       string    `json:"last_error,omitempty"`
	Votes           []Vote    `json:"votes,omitempty"`
}

// ProposalSubmission is the payload for creating a proposal.
type ProposalSubmission struct {
	Proposer    string `json:"proposer"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Payload     []byte `json:"payload,omitempty"`
}

// Ballot is the payload for casting a vote.
type Ballot struct {
	Voter       string `json:"voter"`
	Support     bool   `json:"support"`
	Abstain     bool   `json:"abstain,omitempty"`
	LockPeriods int    `json:"lock_periods,omitempty"`
}

// Vote is a recorded ballot.
type Vote struct {
	ProposalID  string    `json:"proposal_id"`
	Voter       string    `json:"voter"`
	Support     bool      `json:"support"`
	Abstain     bool      `json:"abstain"`
	LockPeriods int       `json:"lock_periods"`
	Balance     string    `json:"balance"`
	Power       string    `json:"power"`
	Delegators  []string  `json:"delegators,omitempty"`
	CastAt      time.Time `json:"cast_at"`
}

// Delegation links a delegator to the account voting on its behalf.
type Delegation struct {
	Delegator string `json:"delegator"`
	Delegate  string `json:"delegate"`
}

// Report is a task-completion report submitted for reward settlement.
type Report struct {
	ReportID        string             `json:"report_id,omitempty"`
	WorkerID        string             `json:"worker_id"`
	TaskKind        string             `json:"task_kind"`
	Metrics         map[string]float64 `json:"metrics"`
	AttributedShare float64            `json:"attributed_share,omitempty"`
}

// Receipt records the rewards paid for a settled report.
type Receipt struct {
	ReportID         string    `json:"report_id"`
	WorkerID         string    `json:"worker_id"`
	PerformanceScore string    `json:"performance_score"`
	UtilityAmount    string    `json:"utility_amount"`
	GovernanceAmount string    `json:"governance_amount"`
	Multiplier       string    `json:"multiplier"`
	IssuedAt         time.Time `json:"issued_at"`
}

// ReportEntry tracks a report through the settlement queue.
type ReportEntry struct {
	ID        string   `json:"id"`
	Report    Report   `json:"report"`
	Status    string   `json:"status"`
	Attempts  int      `json:"attempts"`
	LastError string   `json:"last_error,omitempty"`
	ErrorCode string   `json:"error_code,omitempty"`
	Receipt   *Receipt `json:"receipt,omitempty"`
	CreatedAt int64    `json:"created_at"`
	UpdatedAt int64    `json:"updated_at"`
}

// Settled reports whether the entry reached a terminal state.
func (e ReportEntry) Settled() bool {
	return e.Status == "settled" || e.Status == "failed"
}

// ReportStats summarizes report statuses.
type ReportStats struct {
	Total   int `json:"total"`
	Pending int `json:"pending"`
	Running int `json:"running"`
	Settled int `json:"settled"`
	Failed  int `json:"failed"`
}

// KPI is the enterprise revenue snapshot driving reward multipliers.
type KPI struct {
	Revenue string `json:"revenue"`
	Target  string `json:"target"`
}

// Supply describes one token's issuance.
type Supply struct {
	Kind        string `json:"kind"`
	Cap         string `json:"cap"`
	Circulating string `json:"circulating"`
	Accounts    int    `json:"accounts"`
}

// Pool is the state of a treasury sub-pool.
type Pool struct {
	Name        string `json:"name"`
	Account     string `json:"account"`
	Balance     string `json:"balance"`
	DailyAmount string `json:"daily_amount"`
}

// Economics is the aggregate view served by /api/v1/metrics.
type Economics struct {
	Supply       []Supply     `json:"supply"`
	BurnFraction string       `json:"burn_fraction"`
	Velocity     string       `json:"velocity,omitempty"`
	Pools        []Pool       `json:"pools,omitempty"`
	StakingAPY   string       `json:"staking_apy,omitempty"`
	KPI          *KPI         `json:"kpi,omitempty"`
	Market       *MarketState `json:"market,omitempty"`
	Reports      *ReportStats `json:"reports,omitempty"`
}
