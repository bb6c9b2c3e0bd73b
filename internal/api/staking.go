package api

import (
	"net/http"

	"DualToken-Engine/internal/amount"
	"DualToken-Engine/internal/staking"
)

type stakeRequest struct {
	Account  string `json:"account"`
	Amount   string `json:"amount"`
	LockDays int    `json:"lock_days"`
}

type positionRequest struct {
	PositionID string `json:"position_id"`
}

type claimResponse struct {
	PositionID string        `json:"position_id"`
	Claimed    amount.Amount `json:"claimed"`
}

type positionView struct {
	staking.Position
	Accrued amount.Amount `json:"accrued"`
}

func (s *Server) handleStake(w http.ResponseWriter, r *http.Request) {
	if s.deps.Staking == nil {
		writeError(w, unavailable("staking"))
		return
	}
	var req stakeRequest
	if err := decodeJSON(r, w, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := required("account", req.Account); err != nil {
		writeError(w, err)
		return
	}
	amt, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	pos, err := s.deps.Staking.Stake(r.Context(), req.Account, amt, req.LockDays)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, pos)
}

func (s *Server) handleUnstake(w http.ResponseWriter, r *http.Request) {
	if s.deps.Staking == nil {
		writeError(w, unavailable("staking"))
		return
	}
	var req positionRequest
	if err := decodeJSON(r, w, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := required("position_id", req.PositionID); err != nil {
		writeError(w, err)
		return
	}
	pos, err := s.deps.Staking.Unstake(r.Context(), req.PositionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	if s.deps.Staking == nil {
		writeError(w, unavailable("staking"))
		return
	}
	var req positionRequest
	if err := decodeJSON(r, w, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := required("position_id", req.PositionID); err != nil {
		writeError(w, err)
		return
	}
	claimed, err := s.deps.Staking.Claim(r.Context(), req.PositionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, claimResponse{PositionID: req.PositionID, Claimed: claimed})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Staking == nil {
		writeError(w, unavailable("staking"))
		return
	}
	account := r.URL.Query().Get("account")
	if err := required("account", account); err != nil {
		writeError(w, err)
		return
	}
	positions := s.deps.Staking.Positions(account)
	out := make([]positionView, 0, len(positions))
	for _, p := range positions {
		accrued, err := s.deps.Staking.Accrued(p.ID)
		if err != nil {
			// 仓位可能在两次读取之间被解除。
			continue
		}
		out = append(out, positionView{Position: p, Accrued: accrued})
	}
	writeJSON(w, http.StatusOK, map[string]any{"account": account, "apy": s.deps.Staking.APY(), "positions": out})
}
