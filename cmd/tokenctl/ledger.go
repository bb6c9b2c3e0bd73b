package main

import (
	"github.com/spf13/cobra"
)

func cmdMint() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mint <kind> <account> <amount>",
		Short: "Mint utility or governance tokens to an account",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFrom(cmd)
			if err != nil {
				return err
			}
			tx, err := client.Mint(cmd.Context(), args[0], args[1], args[2], reference(cmd))
			if err != nil {
				return err
			}
			return printJSON(cmd, tx)
		},
	}
	addReferenceFlag(cmd)
	return cmd
}

func cmdTransfer() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transfer <kind> <from> <to> <amount>",
		Short: "Transfer tokens; the configured burn fraction is destroyed",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFrom(cmd)
			if err != nil {
				return err
			}
			tx, err := client.Transfer(cmd.Context(), args[0], args[1], args[2], args[3], reference(cmd))
			if err != nil {
				return err
			}
			return printJSON(cmd, tx)
		},
	}
	addReferenceFlag(cmd)
	return cmd
}

func cmdBurn() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "burn <kind> <account> <amount>",
		Short: "Burn tokens held by an account",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFrom(cmd)
			if err != nil {
				return err
			}
			tx, err := client.Burn(cmd.Context(), args[0], args[1], args[2], reference(cmd))
			if err != nil {
				return err
			}
			return printJSON(cmd, tx)
		},
	}
	addReferenceFlag(cmd)
	return cmd
}

func cmdBalance() *cobra.Command {
	return &cobra.Command{
		Use:   "balance <account>",
		Short: "Show both token balances of an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFrom(cmd)
			if err != nil {
				return err
			}
			balances, err := client.Balances(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, balances)
		},
	}
}
