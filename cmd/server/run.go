package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/atmx/post-trade-engine/internal/controlplane"
	"github.com/atmx/post-trade-engine/internal/model"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Process one trade request and print the workflow result",
	Long: `Run a single trade through the full post-trade workflow without starting
the HTTP server, then print the workflow result as JSON.

Example:
  post-trade-engine run --product InterestRateSwap --notional 10000000 \
      --currency USD --buyer BANK_NY --seller BANK_LONDON`,
	RunE: runRun,
}

var (
	runProduct    string
	runAssetClass string
	runNotional   string
	runCurrency   string
	runBuyer      string
	runSeller     string
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runProduct, "product", "InterestRateSwap", "product type")
	runCmd.Flags().StringVar(&runAssetClass, "asset-class", "", "asset class (inferred from the product when empty)")
	runCmd.Flags().StringVar(&runNotional, "notional", "10000000", "notional amount")
	runCmd.Flags().StringVar(&runCurrency, "currency", "USD", "notional currency")
	runCmd.Flags().StringVar(&runBuyer, "buyer", "", "buyer party name (required)")
	runCmd.Flags().StringVar(&runSeller, "seller", "", "seller party name (required)")
	runCmd.MarkFlagRequired("buyer")
	runCmd.MarkFlagRequired("seller")
}

func runRun(cmd *cobra.Command, args []string) error {
	notional, err := decimal.NewFromString(runNotional)
	if err != nil {
		return fmt.Errorf("invalid notional %q: %w", runNotional, err)
	}

	ctx := context.Background()
	eng, err := buildEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer eng.Close()

	result, err := eng.plane.ProcessTradeRequest(ctx, controlplane.TradeRequest{
		ProductType: runProduct,
		AssetClass:  model.AssetClass(runAssetClass),
		Notional:    notional,
		Currency:    runCurrency,
		Parties:     [2]string{runBuyer, runSeller},
	})
	if err != nil {
		return fmt.Errorf("process trade: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
