package api

import (
	"net/http"

	"DualToken-Engine/internal/amount"
	"DualToken-Engine/internal/market"
)

type buyRequest struct {
	Account   string `json:"account"`
	Payment   string `json:"payment"`
	Reference string `json:"reference"`
}

type sellRequest struct {
	Account   string `json:"account"`
	Tokens    string `json:"tokens"`
	Reference string `json:"reference"`
}

type marketResponse struct {
	market.State
	Quote *amount.Amount `json:"quote,omitempty"`
}

func (s *Server) handleBuy(w http.ResponseWriter, r *http.Request) {
	if s.deps.Market == nil {
		writeError(w, unavailable("market"))
		return
	}
	var req buyRequest
	if err := decodeJSON(r, w, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := required("account", req.Account); err != nil {
		writeError(w, err)
		return
	}
	payment, err := parseAmount("payment", req.Payment)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := required("reference", req.Reference); err != nil {
		writeError(w, err)
		return
	}
	trade, err := s.deps.Market.Buy(r.Context(), req.Account, payment, req.Reference)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trade)
}

func (s *Server) handleSell(w http.ResponseWriter, r *http.Request) {
	if s.deps.Market == nil {
		writeError(w, unavailable("market"))
		return
	}
	var req sellRequest
	if err := decodeJSON(r, w, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := required("account", req.Account); err != nil {
		writeError(w, err)
		return
	}
	tokens, err := parseAmount("tokens", req.Tokens)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := required("reference", req.Reference); err != nil {
		writeError(w, err)
		return
	}
	trade, err := s.deps.Market.Sell(r.Context(), req.Account, tokens, req.Reference)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trade)
}

// handleMarketState 返回曲线状态，带 quote 参数时附带买入报价。
func (s *Server) handleMarketState(w http.ResponseWriter, r *http.Request) {
	if s.deps.Market == nil {
		writeError(w, unavailable("market"))
		return
	}
	resp := marketResponse{State: s.deps.Market.State()}
	if raw := r.URL.Query().Get("quote"); raw != "" {
		payment, err := parseAmount("quote", raw)
		if err != nil {
			writeError(w, err)
			return
		}
		tokens, err := s.deps.Market.Quote(payment)
		if err != nil {
			writeError(w, err)
			return
		}
		resp.Quote = &tokens
	}
	writeJSON(w, http.StatusOK, resp)
}
