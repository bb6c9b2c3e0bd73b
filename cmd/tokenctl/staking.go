package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func cmdStake() *cobra.Command {
	return &cobra.Command{
		Use:   "stake <account> <amount> <lock-days>",
		Short: "Lock utility tokens for a number of days to earn staking rewards",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			days, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("invalid lock days %q: %w", args[2], err)
			}
			client, err := clientFrom(cmd)
			if err != nil {
				return err
			}
			pos, err := client.Stake(cmd.Context(), args[0], args[1], days)
			if err != nil {
				return err
			}
			return printJSON(cmd, pos)
		},
	}
}

func cmdUnstake() *cobra.Command {
	return &cobra.Command{
		Use:   "unstake <position-id>",
		Short: "Close an unlocked position and withdraw principal plus rewards",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFrom(cmd)
			if err != nil {
				return err
			}
			pos, err := client.Unstake(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, pos)
		},
	}
}

func cmdClaim() *cobra.Command {
	return &cobra.Command{
		Use:   "claim <position-id>",
		Short: "Pay out accrued staking rewards",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFrom(cmd)
			if err != nil {
				return err
			}
			claim, err := client.Claim(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, claim)
		},
	}
}

func cmdPositions() *cobra.Command {
	return &cobra.Command{
		Use:   "positions <account>",
		Short: "List staking positions and vote locks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFrom(cmd)
			if err != nil {
				return err
			}
			positions, err := client.Positions(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, positions)
		},
	}
}
