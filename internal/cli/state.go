package cli

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"kite-autotrader/internal/models"
	"kite-autotrader/internal/signals"
	"kite-autotrader/internal/store"
)

func newStateCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "state [symbol]",
		Short: "Show persisted symbol state",
		Long: `Show the committed direction, hedge leg and last transition per symbol as
saved by the receiver. Timeframe slots live in memory only; query GET /state
on a running receiver to see them.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ds, err := app.Store()
			if err != nil {
				return err
			}
			states, err := ds.LoadStates(cmd.Context())
			if err != nil {
				return err
			}
			if len(args) == 1 {
				want := signals.NormalizeSymbol(args[0])
				filtered := states[:0]
				for _, st := range states {
					if st.Symbol == want {
						filtered = append(filtered, st)
					}
				}
				states = filtered
			}
			sort.Slice(states, func(i, j int) bool { return states[i].Symbol < states[j].Symbol })

			if output.IsJSON() {
				return output.JSON(states)
			}
			if len(states) == 0 {
				output.Dim("No symbol state recorded")
				return nil
			}

			table := NewTable(output, "SYMBOL", "ACTION", "HEDGE", "LAST TRANSITION", "LAST EXIT")
			for _, st := range states {
				table.AddRow(
					st.Symbol,
					output.Direction(st.LastAction),
					hedgeCell(st.HedgeLeg),
					since(st.LastTransitionAt),
					since(st.LastExitAt),
				)
			}
			table.Render()
			return nil
		},
	}
}

func hedgeCell(leg *models.HedgeLeg) string {
	if leg == nil {
		return "-"
	}
	return fmt.Sprintf("%s x%d", leg.Symbol, leg.Quantity)
}

func since(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return FormatDateTime(t) + " (" + FormatDuration(time.Since(t)) + " ago)"
}

func newTradesCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trades",
		Short: "List journaled orders",
		Example: `  trader trades --symbol NIFTY --days 7
  trader trades --action EXIT --live`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			filter, err := tradeFilterFromFlags(cmd)
			if err != nil {
				return err
			}
			ds, err := app.Store()
			if err != nil {
				return err
			}
			trades, err := ds.GetTrades(cmd.Context(), filter)
			if err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(trades)
			}
			if len(trades) == 0 {
				output.Dim("No trades found")
				return nil
			}

			table := NewTable(output, "TIME", "ACTION", "CONTRACT", "SIDE", "QTY", "PRICE", "VALUE", "REASON", "")
			for _, t := range trades {
				status := color.GreenString("ok")
				if !t.Success {
					status = color.RedString("failed: %s", t.Error)
				}
				mode := ""
				if t.IsPaper {
					mode = " [paper]"
				}
				table.AddRow(
					FormatDateTime(t.Timestamp),
					string(t.Action),
					t.Contract,
					string(t.Side),
					FormatQuantity(signedQuantity(t)),
					FormatPrice(t.Price),
					FormatIndianCurrency(t.Price*float64(t.Quantity)),
					t.Reason+mode,
					status,
				)
			}
			table.Render()
			return nil
		},
	}

	cmd.Flags().String("symbol", "", "Filter by root symbol")
	cmd.Flags().String("action", "", "Filter by action (ENTRY, EXIT, HEDGE_OPEN, HEDGE_CLOSE)")
	cmd.Flags().Int("days", 0, "Only trades from the last N days")
	cmd.Flags().Int("limit", 50, "Maximum number of trades")
	cmd.Flags().Bool("paper", false, "Only paper trades")
	cmd.Flags().Bool("live", false, "Only live trades")

	return cmd
}

func tradeFilterFromFlags(cmd *cobra.Command) (store.TradeFilter, error) {
	var f store.TradeFilter
	symbol, _ := cmd.Flags().GetString("symbol")
	if symbol != "" {
		f.Symbol = signals.NormalizeSymbol(symbol)
	}

	action, _ := cmd.Flags().GetString("action")
	if action != "" {
		a := models.TradeAction(strings.ToUpper(action))
		switch a {
		case models.ActionEntry, models.ActionExit, models.ActionHedgeOpen, models.ActionHedgeClose:
			f.Action = a
		default:
			return f, fmt.Errorf("unknown action %q", action)
		}
	}

	if days, _ := cmd.Flags().GetInt("days"); days > 0 {
		f.StartDate = time.Now().AddDate(0, 0, -days)
	}
	f.Limit, _ = cmd.Flags().GetInt("limit")

	paper, _ := cmd.Flags().GetBool("paper")
	live, _ := cmd.Flags().GetBool("live")
	switch {
	case paper && live:
		return f, fmt.Errorf("--paper and --live are mutually exclusive")
	case paper:
		f.IsPaper = &paper
	case live:
		isPaper := false
		f.IsPaper = &isPaper
	}
	return f, nil
}

// signedQuantity shows sells as negative.
func signedQuantity(t models.TradeRecord) int {
	if t.Side == models.OrderSideSell {
		return -t.Quantity
	}
	return t.Quantity
}
