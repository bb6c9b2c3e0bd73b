package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"DualToken-Engine/sdk/go/tokenclient"
)

// parseMetrics 解析 name=value 形式的指标列表。
func parseMetrics(pairs []string) (map[string]float64, error) {
	out := make(map[string]float64, len(pairs))
	for _, pair := range pairs {
		name, raw, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("metric %q must be name=value", pair)
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("metric %s: %w", name, err)
		}
		out[name] = v
	}
	return out, nil
}

func cmdReport() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report <worker> <task-kind> <metric=value>...",
		Short: "Submit a task-completion report for reward settlement",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			metrics, err := parseMetrics(args[2:])
			if err != nil {
				return err
			}
			id, _ := cmd.Flags().GetString("id")
			share, _ := cmd.Flags().GetFloat64("share")
			wait, _ := cmd.Flags().GetDuration("wait")

			client, err := clientFrom(cmd)
			if err != nil {
				return err
			}
			entry, err := client.SubmitReport(cmd.Context(), tokenclient.Report{
				ReportID:        id,
				WorkerID:        args[0],
				TaskKind:        args[1],
				Metrics:         metrics,
				AttributedShare: share,
			})
			if err != nil {
				return err
			}
			if wait > 0 {
				ctx, cancel := contextWithTimeout(cmd, wait)
				defer cancel()
				entry, err = client.WaitForReport(ctx, entry.ID, 250*time.Millisecond)
				if err != nil {
					return err
				}
				if entry.Status == "failed" {
					if err := printJSON(cmd, entry); err != nil {
						return err
					}
					return fmt.Errorf("report %s failed: %s", entry.ID, entry.LastError)
				}
			}
			return printJSON(cmd, entry)
		},
	}
	cmd.Flags().String("id", "", "report id; resubmitting the same id returns the existing entry")
	cmd.Flags().Float64("share", 0, "share of enterprise revenue attributed to this task, in [0,1]")
	cmd.Flags().Duration("wait", 0, "wait up to this long for settlement")
	return cmd
}

func cmdReportStatus() *cobra.Command {
	return &cobra.Command{
		Use:   "report-status <report-id>",
		Short: "Show the settlement state of a report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFrom(cmd)
			if err != nil {
				return err
			}
			entry, err := client.Report(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, entry)
		},
	}
}

func cmdKPI() *cobra.Command {
	return &cobra.Command{
		Use:   "kpi <revenue> <target>",
		Short: "Record the enterprise revenue KPI",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFrom(cmd)
			if err != nil {
				return err
			}
			kpi, err := client.SetKPI(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd, kpi)
		},
	}
}

func cmdMetrics() *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Show supply, velocity, pools and settlement figures",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := clientFrom(cmd)
			if err != nil {
				return err
			}
			economics, err := client.Economics(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, economics)
		},
	}
}
