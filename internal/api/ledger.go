package api

import (
	"net/http"

	"DualToken-Engine/internal/amount"
	"DualToken-Engine/internal/ledger"
)

type mintRequest struct {
	Kind      string `json:"kind"`
	Account   string `json:"account"`
	Amount    string `json:"amount"`
	Reference string `json:"reference"`
}

type transferRequest struct {
	Kind      string `json:"kind"`
	From      string `json:"from"`
	To        string `json:"to"`
	Amount    string `json:"amount"`
	Reference string `json:"reference"`
}

type balancesResponse struct {
	Account  string                             `json:"account"`
	Balances map[ledger.TokenKind]amount.Amount `json:"balances"`
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	s.handleSupplyChange(w, r, ledger.OpMint)
}

func (s *Server) handleBurn(w http.ResponseWriter, r *http.Request) {
	s.handleSupplyChange(w, r, ledger.OpBurn)
}

// handleSupplyChange 处理铸造与销毁，两者请求体相同。
func (s *Server) handleSupplyChange(w http.ResponseWriter, r *http.Request, op ledger.Operation) {
	if s.deps.Ledger == nil {
		writeError(w, unavailable("ledger"))
		return
	}
	var req mintRequest
	if err := decodeJSON(r, w, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := required("account", req.Account); err != nil {
		writeError(w, err)
		return
	}
	kind, err := parseKind(req.Kind)
	if err != nil {
		writeError(w, err)
		return
	}
	amt, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := required("reference", req.Reference); err != nil {
		writeError(w, err)
		return
	}

	var tx ledger.Transaction
	if op == ledger.OpMint {
		tx, err = s.deps.Ledger.Mint(r.Context(), ledger.MintRequest{Kind: kind, Account: req.Account, Amount: amt, Reference: req.Reference})
	} else {
		tx, err = s.deps.Ledger.Burn(r.Context(), ledger.BurnRequest{Kind: kind, Account: req.Account, Amount: amt, Reference: req.Reference})
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ledger == nil {
		writeError(w, unavailable("ledger"))
		return
	}
	var req transferRequest
	if err := decodeJSON(r, w, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := required("from", req.From, "to", req.To); err != nil {
		writeError(w, err)
		return
	}
	kind, err := parseKind(req.Kind)
	if err != nil {
		writeError(w, err)
		return
	}
	amt, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := required("reference", req.Reference); err != nil {
		writeError(w, err)
		return
	}
	tx, err := s.deps.Ledger.Transfer(r.Context(), ledger.TransferRequest{
		Kind:      kind,
		From:      req.From,
		To:        req.To,
		Amount:    amt,
		Reference: req.Reference,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ledger == nil {
		writeError(w, unavailable("ledger"))
		return
	}
	account := r.PathValue("account")
	writeJSON(w, http.StatusOK, balancesResponse{Account: account, Balances: s.deps.Ledger.Balances(account)})
}
