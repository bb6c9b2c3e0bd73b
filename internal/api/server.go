package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"DualToken-Engine/internal/amount"
	"DualToken-Engine/internal/completion"
	"DualToken-Engine/internal/governance"
	"DualToken-Engine/internal/ledger"
	"DualToken-Engine/internal/market"
	"DualToken-Engine/internal/observability/metrics"
	"DualToken-Engine/internal/rewards"
	"DualToken-Engine/internal/staking"
	"DualToken-Engine/internal/treasury"
	"DualToken-Engine/pkg/logger"
)

// Ledger 是 API 使用的账本能力。
type Ledger interface {
	Mint(ctx context.Context, req ledger.MintRequest) (ledger.Transaction, error)
	Transfer(ctx context.Context, req ledger.TransferRequest) (ledger.Transaction, error)
	Burn(ctx context.Context, req ledger.BurnRequest) (ledger.Transaction, error)
	Balances(account string) map[ledger.TokenKind]amount.Amount
	Supply(kind ledger.TokenKind) ledger.Supply
	BurnFraction() amount.Amount
	Head() (uint64, common.Hash)
}

// Staking 是 API 使用的质押能力。
type Staking interface {
	Stake(ctx context.Context, account string, amt amount.Amount, lockDays int) (staking.Position, error)
	Claim(ctx context.Context, id string) (amount.Amount, error)
	Unstake(ctx context.Context, id string) (staking.Position, error)
	Accrued(id string) (amount.Amount, error)
	Positions(account string) []staking.Position
	APY() amount.Amount
}

// Market 是 API 使用的联合曲线能力。
type Market interface {
	Buy(ctx context.Context, buyer string, payment amount.Amount, reference string) (market.Trade, error)
	Sell(ctx context.Context, seller string, tokens amount.Amount, reference string) (market.Trade, error)
	Quote(payment amount.Amount) (amount.Amount, error)
	State() market.State
}

// Governance 是 API 使用的治理能力。
type Governance interface {
	CreateProposal(ctx context.Context, req governance.CreateRequest) (governance.Proposal, error)
	Vote(ctx context.Context, req governance.VoteRequest) (governance.Vote, error)
	Finalize(ctx context.Context, id string) (governance.Proposal, error)
	Execute(ctx context.Context, id string) (governance.Proposal, error)
	Cancel(ctx context.Context, id, caller string) (governance.Proposal, error)
	Delegate(ctx context.Context, delegator, delegate string) (governance.Delegation, error)
	Undelegate(ctx context.Context, delegator string) error
	Get(id string) (governance.Proposal, error)
	List(status governance.Status) []governance.Proposal
	Votes(id string) []governance.Vote
}

// Rewards 是 API 使用的奖励引擎能力。
type Rewards interface {
	SetKPI(kpi rewards.KPISnapshot) error
	KPI() rewards.KPISnapshot
}

// Treasury 是 API 使用的国库能力。
type Treasury interface {
	Pools() []treasury.PoolStatus
	Velocity(now time.Time) amount.Amount
}

// Reports 是 API 使用的上报服务。
type Reports interface {
	Submit(ctx context.Context, report rewards.Report) (*completion.Entry, error)
	Get(ctx context.Context, id string) (*completion.Entry, error)
	List(ctx context.Context, opts ...completion.ListOption) ([]*completion.Entry, error)
	Stats(ctx context.Context, opts ...completion.ListOption) (completion.Stats, error)
}

// Deps 汇总各模块。为空的模块对应的接口返回 503。
type Deps struct {
	Ledger     Ledger
	Staking    Staking
	Market     Market
	Governance Governance
	Rewards    Rewards
	Treasury   Treasury
	Reports    Reports
	Metrics    *metrics.Collector
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr string
	deps Deps
	now  func() time.Time
	log  *slog.Logger

	readTimeout  time.Duration
	writeTimeout time.Duration
}

// Option 定义可选配置。
type Option func(*Server)

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTimeouts 设置 HTTP 读写超时。
func WithTimeouts(read, write time.Duration) Option {
	return func(s *Server) {
		s.readTimeout = read
		s.writeTimeout = write
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, deps Deps, opts ...Option) *Server {
	s := &Server{
		addr:         addr,
		deps:         deps,
		now:          time.Now,
		log:          logger.Named("api"),
		readTimeout:  15 * time.Second,
		writeTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回注册了全部路由的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/ledger/mint", s.handleMint)
	mux.HandleFunc("POST /api/v1/ledger/transfer", s.handleTransfer)
	mux.HandleFunc("POST /api/v1/ledger/burn", s.handleBurn)
	mux.HandleFunc("GET /api/v1/ledger/balances/{account}", s.handleBalances)

	mux.HandleFunc("POST /api/v1/staking/stake", s.handleStake)
	mux.HandleFunc("POST /api/v1/staking/unstake", s.handleUnstake)
	mux.HandleFunc("POST /api/v1/staking/claim", s.handleClaim)
	mux.HandleFunc("GET /api/v1/staking/positions", s.handlePositions)

	mux.HandleFunc("POST /api/v1/market/buy", s.handleBuy)
	mux.HandleFunc("POST /api/v1/market/sell", s.handleSell)
	mux.HandleFunc("GET /api/v1/market", s.handleMarketState)

	mux.HandleFunc("POST /api/v1/governance/proposals", s.handleCreateProposal)
	mux.HandleFunc("GET /api/v1/governance/proposals", s.handleListProposals)
	mux.HandleFunc("GET /api/v1/governance/proposals/{id}", s.handleProposalDetail)
	mux.HandleFunc("POST /api/v1/governance/proposals/{id}/vote", s.handleVote)
	mux.HandleFunc("POST /api/v1/governance/proposals/{id}/finalize", s.handleFinalize)
	mux.HandleFunc("POST /api/v1/governance/proposals/{id}/execute", s.handleExecute)
	mux.HandleFunc("POST /api/v1/governance/proposals/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /api/v1/governance/delegate", s.handleDelegate)

	mux.HandleFunc("POST /api/v1/reports", s.handleSubmitReport)
	mux.HandleFunc("GET /api/v1/reports", s.handleListReports)
	mux.HandleFunc("GET /api/v1/reports/{id}", s.handleReportDetail)
	mux.HandleFunc("PUT /api/v1/kpi", s.handleSetKPI)

	mux.HandleFunc("GET /api/v1/metrics", s.handleEconomics)
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics.Handler())
	}
	mux.HandleFunc("GET /healthz", s.handleHealth)

	return s.instrument(mux)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context, shutdownTimeout time.Duration) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.readTimeout,
		WriteTimeout:      s.writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("api server listening", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		if shutdownTimeout <= 0 {
			shutdownTimeout = 5 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeJSON(w, http.StatusServiceUnavailable, errorEnvelope{Error: errorBody{Code: "UNAVAILABLE", Message: "server is shutting down"}})
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument 记录每个请求的路由、状态码与耗时。
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(started)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		if s.deps.Metrics != nil {
			s.deps.Metrics.ObserveHTTPRequest(route, r.Method, rec.status, elapsed)
		}
		s.log.Debug("request served",
			slog.String("route", route),
			slog.String("method", r.Method),
			slog.Int("status", rec.status),
			slog.Duration("elapsed", elapsed),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"status": "ok", "time": s.now().UTC()}
	if s.deps.Ledger != nil {
		seq, hash := s.deps.Ledger.Head()
		body["ledger_seq"] = seq
		body["ledger_head"] = hash.Hex()
	}
	writeJSON(w, http.StatusOK, body)
}
