package tokenclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the tokend REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// APIError represents a coded error returned by tokend.
type APIError struct {
	StatusCode int
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Params     map[string]string `json:"params,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("tokend api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("tokend api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the tokend API. When httpClient is nil,
// a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q: scheme and host are required", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Mint issues new tokens of kind to account.
//
// The write calls Mint, Transfer, Burn, Buy and Sell require a non-empty reference.
// It is the idempotency key: resending the same request with the same reference
// fails with DUPLICATE_TRANSACTION instead of applying it twice.
func (c *Client) Mint(ctx context.Context, kind, account, amount, reference string) (Transaction, error) {
	var tx Transaction
	err := c.post(ctx, "/api/v1/ledger/mint", map[string]string{
		"kind": kind, "account": account, "amount": amount, "reference": reference,
	}, &tx)
	return tx, err
}

// Transfer moves tokens between accounts; the ledger burns its configured fraction.
func (c *Client) Transfer(ctx context.Context, kind, from, to, amount, reference string) (Transaction, error) {
	var tx Transaction
	err := c.post(ctx, "/api/v1/ledger/transfer", map[string]string{
		"kind": kind, "from": from, "to": to, "amount": amount, "reference": reference,
	}, &tx)
	return tx, err
}

// Burn destroys tokens held by account.
func (c *Client) Burn(ctx context.Context, kind, account, amount, reference string) (Transaction, error) {
	var tx Transaction
	err := c.post(ctx, "/api/v1/ledger/burn", map[string]string{
		"kind": kind, "account": account, "amount": amount, "reference": reference,
	}, &tx)
	return tx, err
}

// Balances returns both token balances of account.
func (c *Client) Balances(ctx context.Context, account string) (Balances, error) {
	var out Balances
	err := c.get(ctx, "/api/v1/ledger/balances/"+account, nil, &out)
	return out, err
}

// Stake locks utility tokens for lockDays.
func (c *Client) Stake(ctx context.Context, account, amount string, lockDays int) (Position, error) {
	var pos Position
	err := c.post(ctx, "/api/v1/staking/stake", map[string]any{
		"account": account, "amount": amount, "lock_days": lockDays,
	}, &pos)
	return pos, err
}

// Unstake closes an unlocked position and pays out principal plus rewards.
func (c *Client) Unstake(ctx context.Context, positionID string) (Position, error) {
	var pos Position
	err := c.post(ctx, "/api/v1/staking/unstake", map[string]string{"position_id": positionID}, &pos)
	return pos, err
}

// Claim pays out the rewards accrued so far without closing the position.
func (c *Client) Claim(ctx context.Context, positionID string) (Claim, error) {
	var out Claim
	err := c.post(ctx, "/api/v1/staking/claim", map[string]string{"position_id": positionID}, &out)
	return out, err
}

// Positions lists the staking positions and vote locks of account.
func (c *Client) Positions(ctx context.Context, account string) (Positions, error) {
	var out Positions
	err := c.get(ctx, "/api/v1/staking/positions", url.Values{"account": {account}}, &out)
	return out, err
}

// Buy purchases curve tokens with payment utility tokens.
func (c *Client) Buy(ctx context.Context, account, payment, reference string) (Trade, error) {
	var trade Trade
	err := c.post(ctx, "/api/v1/market/buy", map[string]string{
		"account": account, "payment": payment, "reference": reference,
	}, &trade)
	return trade, err
}

// Sell returns tokens to the curve in exchange for reserve funds.
func (c *Client) Sell(ctx context.Context, account, tokens, reference string) (Trade, error) {
	var trade Trade
	err := c.post(ctx, "/api/v1/market/sell", map[string]string{
		"account": account, "tokens": tokens, "reference": reference,
	}, &trade)
	return trade, err
}

// Market returns the curve state. A non-empty quote requests a buy quote for
// that payment.
func (c *Client) Market(ctx context.Context, quote string) (MarketState, error) {
	var out MarketState
	var query url.Values
	if quote != "" {
		query = url.Values{"quote": {quote}}
	}
	err := c.get(ctx, "/api/v1/market", query, &out)
	return out, err
}

// CreateProposal opens a governance proposal and escrows the proposer's stake.
func (c *Client) CreateProposal(ctx context.Context, submission ProposalSubmission) (Proposal, error) {
	var p Proposal
	err := c.post(ctx, "/api/v1/governance/proposals", submission, &p)
	return p, err
}

// Proposals lists proposals, optionally filtered by status.
func (c *Client) Proposals(ctx context.Context, status string) ([]Proposal, error) {
	var out struct {
		Proposals []Proposal `json:"proposals"`
	}
	var query url.Values
	if status != "" {
		query = url.Values{"status": {status}}
	}
	err := c.get(ctx, "/api/v1/governance/proposals", query, &out)
	return out.Proposals, err
}

// Proposal fetches a proposal with its votes.
func (c *Client) Proposal(ctx context.Context, id string) (Proposal, error) {
	var p Proposal
	err := c.get(ctx, proposalPath(id, ""), nil, &p)
	return p, err
}

// Vote casts a ballot on proposal id.
func (c *Client) Vote(ctx context.Context, id string, ballot Ballot) (Vote, error) {
	var v Vote
	err := c.post(ctx, proposalPath(id, "vote"), ballot, &v)
	return v, err
}

// Finalize tallies a proposal whose voting window has closed.
func (c *Client) Finalize(ctx context.Context, id string) (Proposal, error) {
	var p Proposal
	err := c.post(ctx, proposalPath(id, "finalize"), nil, &p)
	return p, err
}

// Execute applies a passed proposal after its timelock.
func (c *Client) Execute(ctx context.Context, id string) (Proposal, error) {
	var p Proposal
	err := c.post(ctx, proposalPath(id, "execute"), nil, &p)
	return p, err
}

// Cancel withdraws a proposal; only the proposer may cancel before any vote.
func (c *Client) Cancel(ctx context.Context, id, caller string) (Proposal, error) {
	var p Proposal
	err := c.post(ctx, proposalPath(id, "cancel"), map[string]string{"caller": caller}, &p)
	return p, err
}

// Delegate assigns delegator's voting power to delegate. An empty delegate
// removes the delegation.
func (c *Client) Delegate(ctx context.Context, delegator, delegate string) (Delegation, error) {
	var d Delegation
	err := c.post(ctx, "/api/v1/governance/delegate", map[string]string{
		"delegator": delegator, "delegate": delegate,
	}, &d)
	return d, err
}

// SubmitReport enqueues a completion report for settlement.
func (c *Client) SubmitReport(ctx context.Context, report Report) (ReportEntry, error) {
	var entry ReportEntry
	err := c.post(ctx, "/api/v1/reports", report, &entry)
	return entry, err
}

// Report fetches the settlement state of a report.
func (c *Client) Report(ctx context.Context, id string) (ReportEntry, error) {
	var entry ReportEntry
	err := c.get(ctx, "/api/v1/reports/"+id, nil, &entry)
	return entry, err
}

// ReportFilter narrows a report listing.
type ReportFilter struct {
	Statuses []string
	Worker   string
	Limit    int
	Offset   int
}

// Reports lists reports matching filter together with aggregate stats.
func (c *Client) Reports(ctx context.Context, filter ReportFilter) ([]ReportEntry, ReportStats, error) {
	query := url.Values{}
	for _, s := range filter.Statuses {
		query.Add("status", s)
	}
	if filter.Worker != "" {
		query.Set("worker", filter.Worker)
	}
	if filter.Limit > 0 {
		query.Set("limit", strconv.Itoa(filter.Limit))
	}
	if filter.Offset > 0 {
		query.Set("offset", strconv.Itoa(filter.Offset))
	}
	var out struct {
		Reports []ReportEntry `json:"reports"`
		Stats   ReportStats   `json:"stats"`
	}
	err := c.get(ctx, "/api/v1/reports", query, &out)
	return out.Reports, out.Stats, err
}

// WaitForReport polls until the report is settled or failed, or ctx ends.
func (c *Client) WaitForReport(ctx context.Context, id string, interval time.Duration) (ReportEntry, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		entry, err := c.Report(ctx, id)
		if err != nil {
			return ReportEntry{}, err
		}
		if entry.Settled() {
			return entry, nil
		}
		select {
		case <-ctx.Done():
			return entry, ctx.Err()
		case <-ticker.C:
		}
	}
}

// SetKPI records the enterprise revenue and target.
func (c *Client) SetKPI(ctx context.Context, revenue, target string) (KPI, error) {
	var out struct {
		KPI KPI `json:"kpi"`
	}
	err := c.do(ctx, http.MethodPut, "/api/v1/kpi", nil, map[string]string{"revenue": revenue, "target": target}, &out)
	return out.KPI, err
}

// Economics returns supply, velocity, pool and settlement figures.
func (c *Client) Economics(ctx context.Context) (Economics, error) {
	var out Economics
	err := c.get(ctx, "/api/v1/metrics", nil, &out)
	return out, err
}

func proposalPath(id, action string) string {
	p := "/api/v1/governance/proposals/" + id
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) post(ctx context.Context, endpoint string, payload, out any) error {
	return c.do(ctx, http.MethodPost, endpoint, nil, payload, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	return c.do(ctx, http.MethodGet, endpoint, query, nil, out)
}

func (c *Client) do(ctx context.Context, method, endpoint string, query url.Values, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	u := *c.baseURL
	u.Path = path.Join(c.baseURL.Path, endpoint)
	u.RawPath = ""
	u.RawQuery = query.Encode()
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: apiErr})
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
