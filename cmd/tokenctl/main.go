package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"DualToken-Engine/sdk/go/tokenclient"
)

const (
	flagServer  = "server"
	flagTimeout = "timeout"
	flagRef     = "reference"
)

// main 是 tokenctl 命令行工具的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd(os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode 对服务端返回的 4xx 使用 2，其他失败使用 1。
func exitCode(err error) int {
	var apiErr *tokenclient.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 {
		return 2
	}
	return 1
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "tokenctl",
		Short:         "Operate a tokend dual-token engine over its REST API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.SetErr(errOut)

	server := os.Getenv("TOKEND_URL")
	if server == "" {
		server = "http://localhost:8080"
	}
	root.PersistentFlags().String(flagServer, server, "tokend base URL (env TOKEND_URL)")
	root.PersistentFlags().Duration(flagTimeout, 15*time.Second, "request timeout")

	root.AddCommand(
		cmdMint(), cmdTransfer(), cmdBurn(), cmdBalance(),
		cmdStake(), cmdUnstake(), cmdClaim(), cmdPositions(),
		cmdBuy(), cmdSell(), cmdMarket(),
		cmdCreateProposal(), cmdProposals(), cmdProposal(), cmdVote(),
		cmdFinalize(), cmdExecute(), cmdCancel(), cmdDelegate(),
		cmdReport(), cmdReportStatus(), cmdKPI(), cmdMetrics(),
	)
	return root
}

func clientFrom(cmd *cobra.Command) (*tokenclient.Client, error) {
	server, err := cmd.Flags().GetString(flagServer)
	if err != nil {
		return nil, err
	}
	timeout, err := cmd.Flags().GetDuration(flagTimeout)
	if err != nil {
		return nil, err
	}
	return tokenclient.NewClient(server, &http.Client{Timeout: timeout})
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func addReferenceFlag(cmd *cobra.Command) {
	cmd.Flags().String(flagRef, "", "idempotency reference; repeated requests with the same reference are rejected as duplicates (default: random)")
}

// reference returns the --reference flag, or a fresh random one since the API requires it.
// Pass an explicit reference to make a retried command safe.
func reference(cmd *cobra.Command) string {
	ref, _ := cmd.Flags().GetString(flagRef)
	if ref == "" {
		ref = uuid.NewString()
	}
	return ref
}

func contextWithTimeout(cmd *cobra.Command, d time.Duration) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, d)
}
