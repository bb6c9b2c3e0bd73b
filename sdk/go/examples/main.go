package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"DualToken-Engine/sdk/go/tokenclient"
)

// 演示一次完整的上报结算流程，需要本地运行 tokend。
func main() {
	baseURL := os.Getenv("TOKEND_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	client, err := tokenclient.NewClient(baseURL, nil)
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := client.SetKPI(ctx, "120000", "100000"); err != nil {
		panic(err)
	}
	entry, err := client.SubmitReport(ctx, tokenclient.Report{
		WorkerID:        "agent-demo",
		TaskKind:        "analysis",
		Metrics:         map[string]float64{"accuracy": 0.92, "latency": 0.8, "quality": 0.85},
		AttributedShare: 0.4,
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("submitted report %s (status=%s)\n", entry.ID, entry.Status)

	entry, err = client.WaitForReport(ctx, entry.ID, 200*time.Millisecond)
	if err != nil {
		panic(err)
	}
	if entry.Receipt != nil {
		fmt.Printf("report %s %s: utility=%s governance=%s multiplier=%s\n",
			entry.ID, entry.Status, entry.Receipt.UtilityAmount, entry.Receipt.GovernanceAmount, entry.Receipt.Multiplier)
	} else {
		fmt.Printf("report %s %s: %s\n", entry.ID, entry.Status, entry.LastError)
	}

	balances, err := client.Balances(ctx, "agent-demo")
	if err != nil {
		panic(err)
	}
	fmt.Printf("balances of %s: %v\n", balances.Account, balances.Balances)
}
