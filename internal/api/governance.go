package api

import (
	"context"
	"net/http"

	xerrors "DualToken-Engine/internal/errors"
	"DualToken-Engine/internal/governance"
)

type createProposalRequest struct {
	Proposer    string `json:"proposer"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	// Payload 在 JSON 中为 base64 字符串。
	Payload []byte `json:"payload,omitempty"`
}

type voteRequest struct {
	Voter       string `json:"voter"`
	Support     bool   `json:"support"`
	Abstain     bool   `json:"abstain"`
	LockPeriods int    `json:"lock_periods"`
}

type cancelRequest struct {
	Caller string `json:"caller"`
}

type delegateRequest struct {
	Delegator string `json:"delegator"`
	// Delegate 为空表示撤销委托。
	Delegate string `json:"delegate"`
}

type proposalView struct {
	governance.Proposal
	EffectiveStatus governance.Status `json:"effective_status"`
}

type proposalDetail struct {
	proposalView
	Votes []governance.Vote `json:"votes"`
}

func (s *Server) view(p governance.Proposal) proposalView {
	return proposalView{Proposal: p, EffectiveStatus: p.StatusAt(s.now())}
}

func (s *Server) handleCreateProposal(w http.ResponseWriter, r *http.Request) {
	if s.deps.Governance == nil {
		writeError(w, unavailable("governance"))
		return
	}
	var req createProposalRequest
	if err := decodeJSON(r, w, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := required("proposer", req.Proposer, "title", req.Title); err != nil {
		writeError(w, err)
		return
	}
	p, err := s.deps.Governance.CreateProposal(r.Context(), governance.CreateRequest{
		Proposer:    req.Proposer,
		Title:       req.Title,
		Description: req.Description,
		Payload:     req.Payload,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.view(p))
}

func (s *Server) handleListProposals(w http.ResponseWriter, r *http.Request) {
	if s.deps.Governance == nil {
		writeError(w, unavailable("governance"))
		return
	}
	status := governance.Status(r.URL.Query().Get("status"))
	if status != "" && !governance.IsValidStatus(status) {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "unknown proposal status", xerrors.WithParams("status", string(status))))
		return
	}
	proposals := s.deps.Governance.List(status)
	out := make([]proposalView, 0, len(proposals))
	for _, p := range proposals {
		out = append(out, s.view(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"proposals": out})
}

func (s *Server) handleProposalDetail(w http.ResponseWriter, r *http.Request) {
	if s.deps.Governance == nil {
		writeError(w, unavailable("governance"))
		return
	}
	id := r.PathValue("id")
	p, err := s.deps.Governance.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proposalDetail{proposalView: s.view(p), Votes: s.deps.Governance.Votes(id)})
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	if s.deps.Governance == nil {
		writeError(w, unavailable("governance"))
		return
	}
	var req voteRequest
	if err := decodeJSON(r, w, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := required("voter", req.Voter); err != nil {
		writeError(w, err)
		return
	}
	vote, err := s.deps.Governance.Vote(r.Context(), governance.VoteRequest{
		Voter:       req.Voter,
		ProposalID:  r.PathValue("id"),
		Support:     req.Support,
		Abstain:     req.Abstain,
		LockPeriods: req.LockPeriods,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, vote)
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, func(ctx context.Context, g Governance, id string) (governance.Proposal, error) {
		return g.Finalize(ctx, id)
	})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, func(ctx context.Context, g Governance, id string) (governance.Proposal, error) {
		return g.Execute(ctx, id)
	})
}

// transition 处理只需要提案 ID 的状态迁移。
func (s *Server) transition(w http.ResponseWriter, r *http.Request, fn func(context.Context, Governance, string) (governance.Proposal, error)) {
	if s.deps.Governance == nil {
		writeError(w, unavailable("governance"))
		return
	}
	p, err := fn(r.Context(), s.deps.Governance, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(p))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if s.deps.Governance == nil {
		writeError(w, unavailable("governance"))
		return
	}
	var req cancelRequest
	if err := decodeJSON(r, w, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := required("caller", req.Caller); err != nil {
		writeError(w, err)
		return
	}
	p, err := s.deps.Governance.Cancel(r.Context(), r.PathValue("id"), req.Caller)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(p))
}

func (s *Server) handleDelegate(w http.ResponseWriter, r *http.Request) {
	if s.deps.Governance == nil {
		writeError(w, unavailable("governance"))
		return
	}
	var req delegateRequest
	if err := decodeJSON(r, w, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := required("delegator", req.Delegator); err != nil {
		writeError(w, err)
		return
	}
	if req.Delegate == "" {
		if err := s.deps.Governance.Undelegate(r.Context(), req.Delegator); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"delegator": req.Delegator, "delegate": ""})
		return
	}
	d, err := s.deps.Governance.Delegate(r.Context(), req.Delegator, req.Delegate)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}
