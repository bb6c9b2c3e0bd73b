package governance

import (
	"net/http"

	xerrors "DualToken-Engine/internal/errors"
)

const (
	CodeProposalNotActive  xerrors.Code = "PROPOSAL_NOT_ACTIVE"
	CodeAlreadyVoted       xerrors.Code = "ALREADY_VOTED"
	CodeTimelockNotExpired xerrors.Code = "TIMELOCK_NOT_EXPIRED"
	CodeProposalNotFound   xerrors.Code = "PROPOSAL_NOT_FOUND"
	CodeProposalNotPassed  xerrors.Code = "PROPOSAL_NOT_PASSED"
	CodeVotingNotEnded     xerrors.Code = "VOTING_NOT_ENDED"
	CodeNotProposer        xerrors.Code = "NOT_PROPOSER"
	CodeProposalHasVotes   xerrors.Code = "PROPOSAL_HAS_VOTES"
	CodeInvalidDelegation  xerrors.Code = "INVALID_DELEGATION"
	CodeExecutionFailed    xerrors.Code = "EXECUTION_FAILED"
)

var (
	ErrProposalNotActive  = xerrors.New(CodeProposalNotActive, "proposal is not accepting votes")
	ErrAlreadyVoted       = xerrors.New(CodeAlreadyVoted, "voter already voted on this proposal")
	ErrTimelockNotExpired = xerrors.New(CodeTimelockNotExpired, "timelock has not expired")
	ErrProposalNotFound   = xerrors.New(CodeProposalNotFound, "proposal not found")
	ErrProposalNotPassed  = xerrors.New(CodeProposalNotPassed, "proposal has not passed")
	ErrVotingNotEnded     = xerrors.New(CodeVotingNotEnded, "voting period has not ended")
	ErrNotProposer        = xerrors.New(CodeNotProposer, "only the proposer may cancel")
	ErrProposalHasVotes   = xerrors.New(CodeProposalHasVotes, "proposal already has votes")
	ErrInvalidDelegation  = xerrors.New(CodeInvalidDelegation, "invalid delegation")
	ErrExecutionFailed    = xerrors.New(CodeExecutionFailed, "proposal execution failed")
)

func init() {
	register := func(code xerrors.Code, message string, status int) {
		xerrors.Register(code, xerrors.Attributes{
			Message:    message,
			Severity:   xerrors.SeverityInfo,
			HTTPStatus: status,
		})
	}
	register(CodeProposalNotActive, "proposal is not accepting votes", http.StatusConflict)
	register(CodeAlreadyVoted, "voter already voted on this proposal", http.StatusConflict)
	register(CodeTimelockNotExpired, "timelock has not expired", http.StatusConflict)
	register(CodeProposalNotFound, "proposal not found", http.StatusNotFound)
	register(CodeProposalNotPassed, "proposal has not passed", http.StatusConflict)
	register(CodeVotingNotEnded, "voting period has not ended", http.StatusConflict)
	register(CodeNotProposer, "only the proposer may cancel", http.StatusForbidden)
	register(CodeProposalHasVotes, "proposal already has votes", http.StatusConflict)
	register(CodeInvalidDelegation, "invalid delegation", http.StatusBadRequest)

	xerrors.Register(CodeExecutionFailed, xerrors.Attributes{
		Message:    "proposal execution failed",
		Severity:   xerrors.SeverityWarning,
		Retryable:  true,
		Alert:      true,
		HTTPStatus: http.StatusBadGateway,
	})
}
