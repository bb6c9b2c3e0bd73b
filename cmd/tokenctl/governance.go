package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"DualToken-Engine/sdk/go/tokenclient"
)

func cmdCreateProposal() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create-proposal <proposer> <title>",
		Short: "Open a governance proposal, escrowing the minimum proposal stake",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			description, _ := cmd.Flags().GetString("description")
			payloadFile, _ := cmd.Flags().GetString("payload-file")
			submission := tokenclient.ProposalSubmission{
				Proposer:    args[0],
				Title:       args[1],
				Description: description,
			}
			if payloadFile != "" {
				payload, err := os.ReadFile(payloadFile)
				if err != nil {
					return fmt.Errorf("read payload: %w", err)
				}
				submission.Payload = payload
			}
			client, err := clientFrom(cmd)
			if err != nil {
				return err
			}
			p, err := client.CreateProposal(cmd.Context(), submission)
			if err != nil {
				return err
			}
			return printJSON(cmd, p)
		},
	}
	cmd.Flags().String("description", "", "proposal description")
	cmd.Flags().String("payload-file", "", "file whose bytes are handed to the executor when the proposal passes")
	return cmd
}

func cmdProposals() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proposals",
		Short: "List proposals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			status, _ := cmd.Flags().GetString("status")
			client, err := clientFrom(cmd)
			if err != nil {
				return err
			}
			proposals, err := client.Proposals(cmd.Context(), status)
			if err != nil {
				return err
			}
			return printJSON(cmd, proposals)
		},
	}
	cmd.Flags().String("status", "", "filter by status (pending, active, passed, rejected, executed, failed, cancelled)")
	return cmd
}

func cmdProposal() *cobra.Command {
	return &cobra.Command{
		Use:   "proposal <id>",
		Short: "Show a proposal and its votes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFrom(cmd)
			if err != nil {
				return err
			}
			p, err := client.Proposal(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, p)
		},
	}
}

func cmdVote() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vote <proposal-id> <voter> <for|against|abstain>",
		Short: "Cast a conviction-weighted vote",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ballot := tokenclient.Ballot{Voter: args[1]}
			switch args[2] {
			case "for", "yes":
				ballot.Support = true
			case "against", "no":
			case "abstain":
				ballot.Abstain = true
			default:
				return fmt.Errorf("choice must be for, against or abstain, got %q", args[2])
			}
			ballot.LockPeriods, _ = cmd.Flags().GetInt("lock-periods")
			client, err := clientFrom(cmd)
			if err != nil {
				return err
			}
			vote, err := client.Vote(cmd.Context(), args[0], ballot)
			if err != nil {
				return err
			}
			return printJSON(cmd, vote)
		},
	}
	cmd.Flags().Int("lock-periods", 0, "voting periods to lock the voter's governance balance for higher conviction")
	return cmd
}

func cmdFinalize() *cobra.Command {
	return &cobra.Command{
		Use:   "finalize <proposal-id>",
		Short: "Tally a proposal whose voting window has closed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFrom(cmd)
			if err != nil {
				return err
			}
			p, err := client.Finalize(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, p)
		},
	}
}

func cmdExecute() *cobra.Command {
	return &cobra.Command{
		Use:   "execute <proposal-id>",
		Short: "Execute a passed proposal after its timelock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFrom(cmd)
			if err != nil {
				return err
			}
			p, err := client.Execute(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, p)
		},
	}
}

func cmdCancel() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <proposal-id> <caller>",
		Short: "Cancel a proposal that has no votes yet",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFrom(cmd)
			if err != nil {
				return err
			}
			p, err := client.Cancel(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd, p)
		},
	}
}

func cmdDelegate() *cobra.Command {
	return &cobra.Command{
		Use:   "delegate <delegator> [delegate]",
		Short: "Delegate voting power; omit the delegate to revoke",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			delegate := ""
			if len(args) == 2 {
				delegate = args[1]
			}
			client, err := clientFrom(cmd)
			if err != nil {
				return err
			}
			d, err := client.Delegate(cmd.Context(), args[0], delegate)
			if err != nil {
				return err
			}
			return printJSON(cmd, d)
		},
	}
}
