package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/gregtusar/tradedesk/pkg/execution"
	"github.com/gregtusar/tradedesk/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

type tradeFlags struct {
	risk   string
	amount string
	kind   string
	limit  bool
	market bool
}

func newTradeCmd() *cobra.Command {
	var f tradeFlags

	cmd := &cobra.Command{
		Use:   "trade SYMBOL buy|sell",
		Short: "Execute a single trade and exit",
		Example: `  tradedesk trade btc buy --risk soft
  tradedesk trade ETHUSDT sell --amount 0.25 --kind percentage --limit`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrade(cmd, args, f)
		},
	}

	cmd.Flags().StringVar(&f.risk, "risk", "", "preset risk level: soft or hard")
	cmd.Flags().StringVar(&f.amount, "amount", "", "explicit amount; a fraction of balance or a quote amount")
	cmd.Flags().StringVar(&f.kind, "kind", "fixed", "amount kind: percentage or fixed")
	cmd.Flags().BoolVar(&f.limit, "limit", false, "use a limit order")
	cmd.Flags().BoolVar(&f.market, "market", false, "use a market order")
	cmd.MarkFlagsMutuallyExclusive("risk", "amount")
	cmd.MarkFlagsMutuallyExclusive("limit", "market")

	return cmd
}

func runTrade(cmd *cobra.Command, args []string, f tradeFlags) error {
	cfg, logger, closeLog, err := loadConfig()
	if err != nil {
		return err
	}
	defer closeLog()

	a, err := buildApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	symbol := models.PairSymbol(args[0], a.prefs.QuoteAsset())
	side := models.OrderSide(strings.ToUpper(args[1]))

	var intent models.TradeIntent
	switch {
	case f.risk != "":
		intent, err = a.prefs.IntentFor(symbol, side, models.RiskLevel(strings.ToLower(f.risk)))
	case f.amount != "":
		intent, err = explicitIntent(symbol, side, f.amount, f.kind, a.prefs.OrderType())
	default:
		err = fmt.Errorf("one of --risk or --amount is required")
	}
	if err != nil {
		return err
	}
	if f.limit {
		intent.Style = models.OrderTypeLimit
	}
	if f.market {
		intent.Style = models.OrderTypeMarket
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	order, err := a.engine.Execute(ctx, intent)
	if err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), execution.Describe(err))
		if order == nil {
			return err
		}
	}
	if order != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s: order %d %s, executed %s at %s (%d attempt(s))\n",
			order.Type, order.Side, order.Symbol, order.OrderID, order.Outcome,
			order.ExecutedQty, order.AvgPrice, order.Attempts)
	}

	// wait for the background trade record write
	a.store.Flush()
	return err
}

func explicitIntent(symbol string, side models.OrderSide, amount, kind string, style models.OrderType) (models.TradeIntent, error) {
	value, err := decimal.NewFromString(amount)
	if err != nil {
		return models.TradeIntent{}, fmt.Errorf("%w: amount %q", models.ErrInvalidRiskValue, amount)
	}

	var k models.AmountKind
	switch strings.ToLower(kind) {
	case "percentage", "pct":
		k = models.AmountPercentage
	case "fixed", "quote":
		k = models.AmountFixedQuote
	default:
		return models.TradeIntent{}, fmt.Errorf("unknown amount kind %q", kind)
	}

	return models.TradeIntent{
		Symbol: symbol,
		Side:   side,
		Style:  style,
		Amount: models.AmountSpec{Kind: k, Value: value},
	}, nil
}
