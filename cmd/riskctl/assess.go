package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"tradeguard/internal/risk"
	"tradeguard/internal/storage"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

type assessOptions struct {
	limitsPath string
	withLedger bool

	user      string
	symbol    string
	side      string
	amount    float64
	price     float64
	stopLoss  float64
	leverage  float64
	balance   float64
	positions int

	volatility float64
	spread     float64
	volume     float64
	avgVolume  float64
}

func newAssessCmd(rc *rootConfig) *cobra.Command {
	o := &assessOptions{}

	cmd := &cobra.Command{
		Use:   "assess",
		Short: "Assess a hypothetical trade against the risk limits without placing it",
		RunE: func(cmd *cobra.Command, args []string) error {
			if o.amount <= 0 {
				return fmt.Errorf("--amount must be positive")
			}

			limits, err := loadLimits(o.limitsPath)
			if err != nil {
				return err
			}
			engine := risk.NewEngine(limits)

			if o.withLedger {
				store, err := storage.New(rc.dataPath)
				if err != nil {
					return fmt.Errorf("open store: %w", err)
				}
				snap, err := store.LoadLedger()
				store.Close()
				if err != nil {
					return fmt.Errorf("load ledger: %w", err)
				}
				engine.RestoreLedger(snap)
			}

			req := o.request()
			market := risk.MarketSnapshot{}
			if cmd.Flags().Changed("volatility") || cmd.Flags().Changed("spread") || cmd.Flags().Changed("volume") {
				market[req.Symbol] = risk.MarketData{
					Volatility: o.volatility,
					Spread:     o.spread,
					Volume:     o.volume,
					AvgVolume:  o.avgVolume,
				}
			}

			positions := make([]risk.Position, o.positions)
			for i := range positions {
				positions[i] = risk.Position{ID: fmt.Sprintf("pos-%d", i+1)}
			}

			a := engine.AssessTradeRisk(req, o.balance, positions, market)
			renderAssessment(cmd.OutOrStdout(), req, a)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&o.limitsPath, "limits", "", "YAML file with risk limits (defaults when empty)")
	f.BoolVar(&o.withLedger, "with-ledger", false, "Apply the last saved ledger snapshot (daily and hourly counters)")
	f.StringVar(&o.user, "user", "operator", "User the trade is assessed for")
	f.StringVar(&o.symbol, "symbol", "BTC/USDT", "Trading pair, BASE/QUOTE")
	f.StringVar(&o.side, "side", "buy", "buy or sell")
	f.Float64Var(&o.amount, "amount", 0, "Order amount in base units")
	f.Float64Var(&o.price, "price", 0, "Limit or reference price")
	f.Float64Var(&o.stopLoss, "stop-loss", 0, "Stop loss price")
	f.Float64Var(&o.leverage, "leverage", 0, "Leverage multiplier")
	f.Float64Var(&o.balance, "balance", 10000, "Account balance")
	f.IntVar(&o.positions, "open-positions", 0, "Number of currently open positions")
	f.Float64Var(&o.volatility, "volatility", 0, "Market volatility as a fraction (0.05 = 5%)")
	f.Float64Var(&o.spread, "spread", 0, "Bid/ask spread as a fraction")
	f.Float64Var(&o.volume, "volume", 0, "Current volume")
	f.Float64Var(&o.avgVolume, "avg-volume", 0, "Average volume")
	return cmd
}

func (o *assessOptions) request() risk.TradeRequest {
	req := risk.NewTradeRequest(o.user, o.symbol, risk.Side(strings.ToLower(o.side)), o.amount)
	if o.price > 0 {
		req.Price = risk.Float(o.price)
	}
	if o.stopLoss > 0 {
		req.StopLoss = risk.Float(o.stopLoss)
	}
	if o.leverage > 0 {
		req.Leverage = risk.Float(o.leverage)
	}
	return req
}

func loadLimits(path string) (risk.Limits, error) {
	limits := risk.DefaultLimits()
	if path == "" {
		return limits, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return limits, fmt.Errorf("read limits: %w", err)
	}
	if err := yaml.Unmarshal(data, &limits); err != nil {
		return limits, fmt.Errorf("parse limits: %w", err)
	}
	if err := limits.Validate(); err != nil {
		return limits, fmt.Errorf("invalid limits: %w", err)
	}
	return limits, nil
}

func actionColor(a risk.Action) text.Colors {
	switch a {
	case risk.ActionAllow:
		return text.Colors{text.FgGreen}
	case risk.ActionReduceSize, risk.ActionRequireApproval:
		return text.Colors{text.FgYellow}
	default:
		return text.Colors{text.FgRed, text.Bold}
	}
}

func renderAssessment(w io.Writer, req risk.TradeRequest, a risk.Assessment) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("RISK ASSESSMENT")
	t.SetStyle(table.StyleRounded)

	recommended := "-"
	if a.RecommendedAmount != nil {
		recommended = fmt.Sprintf("%.8g", *a.RecommendedAmount)
	}

	t.AppendRows([]table.Row{
		{"Trade", fmt.Sprintf("%s %v %s @ %v", req.Side, req.Amount, req.Symbol, req.EffectivePrice())},
		{"Action", actionColor(a.Action).Sprint(string(a.Action))},
		{"Risk level", a.Level.String()},
		{"Recommended", recommended},
	})
	t.AppendSeparator()
	for _, r := range a.Reasons {
		t.AppendRow(table.Row{"Reason", r})
	}
	for _, warn := range a.Warnings {
		t.AppendRow(table.Row{"Warning", warn})
	}

	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, WidthMin: 12, WidthMax: 12, Align: text.AlignLeft},
		{Number: 2, WidthMin: 30, WidthMax: 80, Align: text.AlignLeft},
	})
	t.Render()
}
