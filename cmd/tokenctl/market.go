package main

import (
	"github.com/spf13/cobra"
)

func cmdBuy() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "buy <account> <payment>",
		Short: "Buy tokens from the bonding curve",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFrom(cmd)
			if err != nil {
				return err
			}
			trade, err := client.Buy(cmd.Context(), args[0], args[1], reference(cmd))
			if err != nil {
				return err
			}
			return printJSON(cmd, trade)
		},
	}
	addReferenceFlag(cmd)
	return cmd
}

func cmdSell() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sell <account> <tokens>",
		Short: "Sell tokens back to the bonding curve",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFrom(cmd)
			if err != nil {
				return err
			}
			trade, err := client.Sell(cmd.Context(), args[0], args[1], reference(cmd))
			if err != nil {
				return err
			}
			return printJSON(cmd, trade)
		},
	}
	addReferenceFlag(cmd)
	return cmd
}

func cmdMarket() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "market",
		Short: "Show the bonding curve state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			quote, _ := cmd.Flags().GetString("quote")
			client, err := clientFrom(cmd)
			if err != nil {
				return err
			}
			state, err := client.Market(cmd.Context(), quote)
			if err != nil {
				return err
			}
			return printJSON(cmd, state)
		},
	}
	cmd.Flags().String("quote", "", "also quote the tokens a payment of this size would buy")
	return cmd
}
