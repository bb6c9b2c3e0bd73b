package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"DualToken-Engine/internal/amount"
	"DualToken-Engine/internal/completion"
	"DualToken-Engine/internal/governance"
	"DualToken-Engine/internal/ledger"
	"DualToken-Engine/internal/market"
	"DualToken-Engine/internal/observability/metrics"
	"DualToken-Engine/internal/rewards"
	"DualToken-Engine/internal/staking"
	"DualToken-Engine/internal/treasury"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	t       *testing.T
	server  *httptest.Server
	ledger  *ledger.Ledger
	clock   *testClock
	metrics *metrics.Collector
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := &testClock{t: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)}
	l, err := ledger.New(ledger.Config{
		Caps: map[ledger.TokenKind]amount.Amount{
			ledger.Utility:    amount.FromInt(10_000_000),
			ledger.Governance: amount.FromInt(100_000),
		},
		BurnFraction: amount.MustParse("0.01"),
	}, ledger.WithClock(clock.now))
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	ctx := context.Background()
	seed := []ledger.MintRequest{
		{Kind: ledger.Utility, Account: "alice", Amount: amount.FromInt(10_000)},
		{Kind: ledger.Utility, Account: rewards.DailyPool, Amount: amount.FromInt(100_000)},
		{Kind: ledger.Governance, Account: "alice", Amount: amount.FromInt(500)},
		{Kind: ledger.Governance, Account: "bob", Amount: amount.FromInt(300)},
	}
	for _, req := range seed {
		if _, err := l.Mint(ctx, req); err != nil {
			t.Fatalf("seed mint: %v", err)
		}
	}

	stakes := staking.New(l, amount.MustParse("0.08"), staking.WithClock(clock.now))
	mkt, err := market.New(l, market.Params{
		InitialPrice: amount.MustParse("0.01"),
		Steepness:    amount.MustParse("0.0001"),
		ReserveRatio: amount.MustParse("0.5"),
		ExitFee:      amount.MustParse("0.05"),
	})
	if err != nil {
		t.Fatalf("new market: %v", err)
	}
	gov, err := governance.New(governance.Config{
		MinProposalStake: amount.FromInt(100),
		Quorum:           amount.MustParse("0.1"),
		ConvictionGrowth: amount.MustParse("0.5"),
		MaxConviction:    amount.FromInt(6),
		VotingPeriod:     24 * time.Hour,
		ExecutionDelay:   48 * time.Hour,
	}, l, stakes, governance.WithClock(clock.now))
	if err != nil {
		t.Fatalf("new governance: %v", err)
	}
	engine, err := rewards.New(rewards.Config{
		Weights:     map[string]amount.Amount{"accuracy": amount.One()},
		BaseRewards: map[string]amount.Amount{"analysis": amount.FromInt(100)},
		PayoutCap:   amount.MustParse("0.1"),
	}, l, rewards.WithClock(clock.now))
	if err != nil {
		t.Fatalf("new rewards: %v", err)
	}
	tr, err := treasury.New(treasury.Config{
		Pools: []treasury.PoolConfig{{Name: ledger.PoolDailyRewards, DailyAmount: amount.FromInt(100_000)}},
	}, l, treasury.WithClock(clock.now))
	if err != nil {
		t.Fatalf("new treasury: %v", err)
	}

	store := completion.NewMemoryStore()
	queue := completion.NewMemoryQueue(64)
	reports := completion.NewService(store, queue, 3)
	processor := completion.NewProcessor(engine, store, queue, queue, completion.WithWorkerCount(2))
	procCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := processor.Start(procCtx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()

	collector := metrics.New()
	srv := NewServer(":0", Deps{
		Ledger:     l,
		Staking:    stakes,
		Market:     mkt,
		Governance: gov,
		Rewards:    engine,
		Treasury:   tr,
		Reports:    reports,
		Metrics:    collector,
	}, WithClock(clock.now))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
		<-done
		_ = queue.Close()
	})
	return &harness{t: t, server: ts, ledger: l, clock: clock, metrics: collector}
}

func (h *harness) do(method, path string, body any) (int, map[string]any) {
	h.t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, h.server.URL+path, reader)
	if err != nil {
		h.t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil && !errors.Is(err, io.EOF) {
		h.t.Fatalf("decode %s %s: %v", method, path, err)
	}
	return resp.StatusCode, out
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func TestLedgerEndpoints(t *testing.T) {
	h := newHarness(t)

	status, body := h.do(http.MethodPost, "/api/v1/ledger/transfer", map[string]string{
		"kind": "utility", "from": "alice", "to": "bob", "amount": "1000", "reference": "pay-1",
	})
	if status != http.StatusOK {
		t.Fatalf("transfer status %d: %v", status, body)
	}
	if body["burned"] != "10.000000000000000000" || body["delivered"] != "990.000000000000000000" {
		t.Fatalf("unexpected transfer split: %v", body)
	}

	status, body = h.do(http.MethodPost, "/api/v1/ledger/mint", map[string]string{
		"kind": "governance", "account": "carol", "amount": "25", "reference": "grant-1",
	})
	if status != http.StatusOK || body["op"] != "mint" {
		t.Fatalf("mint status %d: %v", status, body)
	}

	status, body = h.do(http.MethodPost, "/api/v1/ledger/burn", map[string]string{
		"kind": "governance", "account": "carol", "amount": "5", "reference": "burn-1",
	})
	if status != http.StatusOK {
		t.Fatalf("burn status %d: %v", status, body)
	}

	status, body = h.do(http.MethodGet, "/api/v1/ledger/balances/carol", nil)
	if status != http.StatusOK {
		t.Fatalf("balances status %d", status)
	}
	balances := body["balances"].(map[string]any)
	if balances["governance"] != "20.000000000000000000" || balances["utility"] != "0.000000000000000000" {
		t.Fatalf("unexpected balances: %v", balances)
	}
}

func TestRepeatedWriteIsRejectedAsDuplicate(t *testing.T) {
	h := newHarness(t)
	transfer := map[string]string{"kind": "utility", "from": "alice", "to": "bob", "amount": "10", "reference": "invoice-7"}

	status, body := h.do(http.MethodPost, "/api/v1/ledger/transfer", transfer)
	if status != http.StatusOK {
		t.Fatalf("transfer status %d: %v", status, body)
	}
	status, body = h.do(http.MethodPost, "/api/v1/ledger/transfer", transfer)
	if status != http.StatusConflict || errorCode(body) != "DUPLICATE_TRANSACTION" {
		t.Fatalf("expected duplicate, got %d %v", status, body)
	}

	status, body = h.do(http.MethodPost, "/api/v1/market/buy", map[string]string{"account": "alice", "payment": "5"})
	if status != http.StatusBadRequest || errorCode(body) != "INVALID_ARGUMENT" {
		t.Fatalf("expected missing reference to be rejected, got %d %v", status, body)
	}
}

func TestErrorsCarryCodeAndParams(t *testing.T) {
	h := newHarness(t)

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"insufficient balance", http.MethodPost, "/api/v1/ledger/transfer",
			map[string]string{"kind": "utility", "from": "bob", "to": "alice", "amount": "1", "reference": "r-1"},
			http.StatusUnprocessableEntity, "INSUFFICIENT_BALANCE"},
		{"bad amount", http.MethodPost, "/api/v1/ledger/mint",
			map[string]string{"kind": "utility", "account": "bob", "amount": "ten"},
			http.StatusBadRequest, "INVALID_AMOUNT"},
		{"negative amount", http.MethodPost, "/api/v1/ledger/mint",
			map[string]string{"kind": "utility", "account": "bob", "amount": "-1"},
			http.StatusBadRequest, "INVALID_AMOUNT"},
		{"unknown kind", http.MethodPost, "/api/v1/ledger/mint",
			map[string]string{"kind": "gold", "account": "bob", "amount": "1"},
			http.StatusBadRequest, "INVALID_ARGUMENT"},
		{"unknown field", http.MethodPost, "/api/v1/staking/stake",
			map[string]any{"account": "alice", "amount": "1", "days": 3},
			http.StatusBadRequest, "INVALID_ARGUMENT"},
		{"reserved account", http.MethodPost, "/api/v1/ledger/transfer",
			map[string]string{"kind": "utility", "from": rewards.DailyPool, "to": "alice", "amount": "1", "reference": "r-2"},
			http.StatusForbidden, "RESERVED_ACCOUNT"},
		{"missing reference", http.MethodPost, "/api/v1/ledger/mint",
			map[string]string{"kind": "utility", "account": "bob", "amount": "1"},
			http.StatusBadRequest, "INVALID_ARGUMENT"},
		{"missing proposal", http.MethodGet, "/api/v1/governance/proposals/nope", nil,
			http.StatusNotFound, "PROPOSAL_NOT_FOUND"},
		{"missing position", http.MethodPost, "/api/v1/staking/unstake",
			map[string]string{"position_id": "nope"},
			http.StatusNotFound, "POSITION_NOT_FOUND"},
		{"report without worker", http.MethodPost, "/api/v1/reports",
			map[string]any{"task_kind": "analysis", "metrics": map[string]float64{"accuracy": 1}},
			http.StatusBadRequest, "REPORT_VALIDATION_FAILED"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, body := h.do(tc.method, tc.path, tc.body)
			if status != tc.status || errorCode(body) != tc.code {
				t.Fatalf("got %d %s, want %d %s: %v", status, errorCode(body), tc.status, tc.code, body)
			}
		})
	}

	_, body := h.do(http.MethodPost, "/api/v1/ledger/transfer", map[string]string{"kind": "utility", "from": "bob", "to": "alice", "amount": "1", "reference": "r-3"})
	params := body["error"].(map[string]any)["params"].(map[string]any)
	if params["from"] != "bob" || params["balance"] != "0.000000000000000000" {
		t.Fatalf("expected offending account in params: %v", params)
	}
}

func TestStakingAndMarketEndpoints(t *testing.T) {
	h := newHarness(t)

	status, body := h.do(http.MethodPost, "/api/v1/staking/stake", map[string]any{"account": "alice", "amount": "1000", "lock_days": 30})
	if status != http.StatusCreated {
		t.Fatalf("stake status %d: %v", status, body)
	}
	id := body["id"].(string)

	status, body = h.do(http.MethodPost, "/api/v1/staking/unstake", map[string]string{"position_id": id})
	if status != http.StatusConflict || errorCode(body) != "STILL_LOCKED" {
		t.Fatalf("expected still locked, got %d %v", status, body)
	}

	h.clock.advance(10 * 24 * time.Hour)
	status, body = h.do(http.MethodGet, "/api/v1/staking/positions?account=alice", nil)
	if status != http.StatusOK {
		t.Fatalf("positions status %d", status)
	}
	positions := body["positions"].([]any)
	if len(positions) != 1 {
		t.Fatalf("expected one position, got %v", positions)
	}
	accrued, err := amount.Parse(positions[0].(map[string]any)["accrued"].(string))
	if err != nil || !accrued.IsPositive() {
		t.Fatalf("expected positive accrual after 10 days, got %v (%v)", accrued, err)
	}

	status, body = h.do(http.MethodPost, "/api/v1/market/buy", map[string]string{"account": "alice", "payment": "50", "reference": "buy-1"})
	if status != http.StatusOK {
		t.Fatalf("buy status %d: %v", status, body)
	}
	status, body = h.do(http.MethodGet, "/api/v1/market?quote=10", nil)
	if status != http.StatusOK || body["quote"] == nil || body["reserve"] != "50.000000000000000000" {
		t.Fatalf("market state %d: %v", status, body)
	}
	status, body = h.do(http.MethodPost, "/api/v1/market/sell", map[string]string{"account": "bob", "tokens": "1", "reference": "sell-1"})
	if status != http.StatusUnprocessableEntity || errorCode(body) != "INSUFFICIENT_BALANCE" {
		t.Fatalf("expected bob's sell to fail, got %d %v", status, body)
	}
}

func TestGovernanceEndpoints(t *testing.T) {
	h := newHarness(t)

	status, body := h.do(http.MethodPost, "/api/v1/governance/proposals", map[string]any{
		"proposer": "alice", "title": "raise apy", "payload": []byte(`{"apy":"0.1"}`),
	})
	if status != http.StatusCreated {
		t.Fatalf("create status %d: %v", status, body)
	}
	id := body["id"].(string)
	if body["effective_status"] != "active" {
		t.Fatalf("expected active proposal, got %v", body["effective_status"])
	}

	status, body = h.do(http.MethodPost, "/api/v1/governance/proposals/"+id+"/vote", map[string]any{"voter": "bob", "support": true, "lock_periods": 1})
	if status != http.StatusOK || body["power"] != "450.000000000000000000" {
		t.Fatalf("vote status %d: %v", status, body)
	}
	status, body = h.do(http.MethodPost, "/api/v1/governance/proposals/"+id+"/vote", map[string]any{"voter": "bob", "support": false})
	if status != http.StatusConflict || errorCode(body) != "ALREADY_VOTED" {
		t.Fatalf("expected already voted, got %d %v", status, body)
	}
	status, body = h.do(http.MethodPost, "/api/v1/governance/proposals/"+id+"/finalize", nil)
	if status != http.StatusConflict || errorCode(body) != "VOTING_NOT_ENDED" {
		t.Fatalf("expected voting not ended, got %d %v", status, body)
	}

	h.clock.advance(25 * time.Hour)
	status, body = h.do(http.MethodPost, "/api/v1/governance/proposals/"+id+"/finalize", nil)
	if status != http.StatusOK || body["status"] != "passed" {
		t.Fatalf("finalize status %d: %v", status, body)
	}
	status, body = h.do(http.MethodPost, "/api/v1/governance/proposals/"+id+"/execute", nil)
	if status != http.StatusConflict || errorCode(body) != "TIMELOCK_NOT_EXPIRED" {
		t.Fatalf("expected timelock, got %d %v", status, body)
	}

	status, body = h.do(http.MethodGet, "/api/v1/governance/proposals/"+id, nil)
	if status != http.StatusOK || len(body["votes"].([]any)) != 1 {
		t.Fatalf("detail status %d: %v", status, body)
	}
	status, body = h.do(http.MethodGet, "/api/v1/governance/proposals?status=passed", nil)
	if status != http.StatusOK || len(body["proposals"].([]any)) != 1 {
		t.Fatalf("list status %d: %v", status, body)
	}

	status, body = h.do(http.MethodPost, "/api/v1/governance/delegate", map[string]string{"delegator": "bob", "delegate": "alice"})
	if status != http.StatusOK || body["delegate"] != "alice" {
		t.Fatalf("delegate status %d: %v", status, body)
	}
	status, _ = h.do(http.MethodPost, "/api/v1/governance/delegate", map[string]string{"delegator": "bob"})
	if status != http.StatusOK {
		t.Fatalf("undelegate status %d", status)
	}
	status, body = h.do(http.MethodPost, "/api/v1/governance/delegate", map[string]string{"delegator": "bob", "delegate": "bob"})
	if status != http.StatusBadRequest || errorCode(body) != "INVALID_DELEGATION" {
		t.Fatalf("expected invalid delegation, got %d %v", status, body)
	}
}

func TestReportsSettleThroughQueue(t *testing.T) {
	h := newHarness(t)

	status, body := h.do(http.MethodPost, "/api/v1/reports", map[string]any{
		"report_id": "r-100", "worker_id": "w1", "task_kind": "analysis", "metrics": map[string]float64{"accuracy": 0.8},
	})
	if status != http.StatusAccepted || body["id"] != "r-100" {
		t.Fatalf("submit status %d: %v", status, body)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		status, body = h.do(http.MethodGet, "/api/v1/reports/r-100", nil)
		if status != http.StatusOK {
			t.Fatalf("detail status %d: %v", status, body)
		}
		if body["status"] == "settled" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("report not settled: %v", body)
		}
		time.Sleep(10 * time.Millisecond)
	}
	receipt := body["receipt"].(map[string]any)
	if receipt["utility_amount"] != "80.000000000000000000" {
		t.Fatalf("unexpected receipt: %v", receipt)
	}
	if got := h.ledger.Balance(ledger.Utility, "w1"); !got.Equal(amount.FromInt(80)) {
		t.Fatalf("worker balance = %s", got)
	}

	status, body = h.do(http.MethodGet, "/api/v1/reports?status=settled&worker=w1", nil)
	if status != http.StatusOK || len(body["reports"].([]any)) != 1 {
		t.Fatalf("list status %d: %v", status, body)
	}
	status, body = h.do(http.MethodGet, "/api/v1/reports?status=bogus", nil)
	if status != http.StatusBadRequest || errorCode(body) != "INVALID_ARGUMENT" {
		t.Fatalf("expected invalid status, got %d %v", status, body)
	}
}

func TestKPIAndEconomics(t *testing.T) {
	h := newHarness(t)

	status, body := h.do(http.MethodPut, "/api/v1/kpi", map[string]string{"revenue": "120", "target": "100"})
	if status != http.StatusOK || body["achievement"] != "1.200000000000000000" {
		t.Fatalf("kpi status %d: %v", status, body)
	}

	status, body = h.do(http.MethodGet, "/api/v1/metrics", nil)
	if status != http.StatusOK {
		t.Fatalf("economics status %d", status)
	}
	supply := body["supply"].([]any)
	if len(supply) != 2 {
		t.Fatalf("expected two supply entries, got %v", supply)
	}
	if body["velocity"] == nil || body["pools"] == nil || body["market"] == nil || body["reports"] == nil {
		t.Fatalf("missing sections: %v", body)
	}

	status, body = h.do(http.MethodGet, "/healthz", nil)
	if status != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("health status %d: %v", status, body)
	}

	resp, err := http.Get(h.server.URL + "/metrics")
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(raw), `tokend_http_requests_total{route="PUT /api/v1/kpi",method="PUT",code="200"} 1`) {
		t.Fatalf("scrape missing kpi request:\n%s", raw)
	}
}

func TestMissingModulesReportUnavailable(t *testing.T) {
	ts := httptest.NewServer(NewServer(":0", Deps{}).Handler())
	defer ts.Close()

	for _, path := range []string{"/api/v1/market", "/api/v1/governance/proposals", "/api/v1/metrics"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Fatalf("%s: status %d", path, resp.StatusCode)
		}
	}
	resp, err := http.Post(ts.URL+"/api/v1/governance/proposals/x/finalize", "application/json", nil)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("finalize status %d", resp.StatusCode)
	}
}
