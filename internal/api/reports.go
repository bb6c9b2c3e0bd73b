package api

import (
	"net/http"
	"strconv"
	"time"

	"DualToken-Engine/internal/amount"
	"DualToken-Engine/internal/completion"
	xerrors "DualToken-Engine/internal/errors"
	"DualToken-Engine/internal/ledger"
	"DualToken-Engine/internal/market"
	"DualToken-Engine/internal/rewards"
	"DualToken-Engine/internal/treasury"
)

type kpiRequest struct {
	Revenue string `json:"revenue"`
	Target  string `json:"target"`
}

// economicsResponse 是 /api/v1/metrics 返回的经济指标汇总。
type economicsResponse struct {
	Supply       []ledger.Supply       `json:"supply"`
	BurnFraction amount.Amount         `json:"burn_fraction"`
	Velocity     *amount.Amount        `json:"velocity,omitempty"`
	Pools        []treasury.PoolStatus `json:"pools,omitempty"`
	APY          *amount.Amount        `json:"staking_apy,omitempty"`
	KPI          *rewards.KPISnapshot  `json:"kpi,omitempty"`
	Market       *market.State         `json:"market,omitempty"`
	Reports      *completion.Stats     `json:"reports,omitempty"`
}

func (s *Server) handleSubmitReport(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reports == nil {
		writeError(w, unavailable("reports"))
		return
	}
	var report rewards.Report
	if err := decodeJSON(r, w, &report); err != nil {
		writeError(w, err)
		return
	}
	entry, err := s.deps.Reports.Submit(r.Context(), report)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, entry)
}

func (s *Server) handleReportDetail(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reports == nil {
		writeError(w, unavailable("reports"))
		return
	}
	entry, err := s.deps.Reports.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// handleListReports 支持 status、worker、limit、offset、since、order 查询参数。
func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reports == nil {
		writeError(w, unavailable("reports"))
		return
	}
	opts, err := reportListOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	entries, err := s.deps.Reports.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.deps.Reports.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reports": entries, "stats": stats})
}

func reportListOptions(r *http.Request) ([]completion.ListOption, error) {
	q := r.URL.Query()
	var opts []completion.ListOption
	var statuses []completion.Status
	for _, raw := range q["status"] {
		status := completion.Status(raw)
		if !completion.IsValidStatus(status) {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "unknown report status", xerrors.WithParams("status", raw))
		}
		statuses = append(statuses, status)
	}
	if len(statuses) > 0 {
		opts = append(opts, completion.WithStatuses(statuses...))
	}
	if worker := q.Get("worker"); worker != "" {
		opts = append(opts, completion.WithWorker(worker))
	}
	for _, name := range []string{"limit", "offset"} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "invalid "+name, xerrors.WithParams(name, raw))
		}
		if name == "limit" {
			opts = append(opts, completion.WithLimit(n))
		} else {
			opts = append(opts, completion.WithOffset(n))
		}
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid since", xerrors.WithParams("since", raw))
		}
		opts = append(opts, completion.WithUpdatedSince(since))
	}
	switch order := q.Get("order"); order {
	case "", "desc":
	case "asc":
		opts = append(opts, completion.WithSortOrder(completion.SortByUpdatedAsc))
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "order must be asc or desc", xerrors.WithParams("order", order))
	}
	return opts, nil
}

func (s *Server) handleSetKPI(w http.ResponseWriter, r *http.Request) {
	if s.deps.Rewards == nil {
		writeError(w, unavailable("rewards"))
		return
	}
	var req kpiRequest
	if err := decodeJSON(r, w, &req); err != nil {
		writeError(w, err)
		return
	}
	revenue, err := parseAmount("revenue", req.Revenue)
	if err != nil {
		writeError(w, err)
		return
	}
	target, err := parseAmount("target", req.Target)
	if err != nil {
		writeError(w, err)
		return
	}
	kpi := rewards.KPISnapshot{Revenue: revenue, Target: target}
	if err := s.deps.Rewards.SetKPI(kpi); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"kpi": kpi, "achievement": kpi.Achievement()})
}

// handleEconomics 汇总供应量、流通速度、奖励池与上报统计。
func (s *Server) handleEconomics(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ledger == nil {
		writeError(w, unavailable("ledger"))
		return
	}
	resp := economicsResponse{BurnFraction: s.deps.Ledger.BurnFraction()}
	for _, kind := range ledger.Kinds {
		resp.Supply = append(resp.Supply, s.deps.Ledger.Supply(kind))
	}
	if s.deps.Treasury != nil {
		velocity := s.deps.Treasury.Velocity(s.now())
		resp.Velocity = &velocity
		resp.Pools = s.deps.Treasury.Pools()
	}
	if s.deps.Staking != nil {
		apy := s.deps.Staking.APY()
		resp.APY = &apy
	}
	if s.deps.Rewards != nil {
		kpi := s.deps.Rewards.KPI()
		resp.KPI = &kpi
	}
	if s.deps.Market != nil {
		state := s.deps.Market.State()
		resp.Market = &state
	}
	if s.deps.Reports != nil {
		stats, err := s.deps.Reports.Stats(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		resp.Reports = &stats
	}
	writeJSON(w, http.StatusOK, resp)
}
