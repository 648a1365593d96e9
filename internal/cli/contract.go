package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"kite-autotrader/internal/contract"
	"kite-autotrader/internal/signals"
	"kite-autotrader/pkg/utils"
)

func newContractCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contract <symbol>",
		Short: "Show the active futures contract for a symbol",
		Long: `Show which futures contract the trader routes orders to on a date, the
month's last trading day and the rollover cutoff.`,
		Example: `  trader contract NIFTY
  trader contract BANKNIFTY --date 2025-10-28`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			asOf := time.Now()
			if d, _ := cmd.Flags().GetString("date"); d != "" {
				parsed, err := time.ParseInLocation("2006-01-02", d, utils.IndiaLocation)
				if err != nil {
					return fmt.Errorf("invalid --date %q: want YYYY-MM-DD", d)
				}
				asOf = parsed
			}

			r := contract.NewResolver(app.Config.ExpiryWeekday(), app.Config.Trading.RolloverDays)
			root := signals.NormalizeSymbol(args[0])
			active := r.Active(root, asOf)
			expiring, next, due := r.Rollover(root, asOf)

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"symbol":           root,
					"date":             asOf.Format("2006-01-02"),
					"active":           active.Code,
					"last_trading_day": active.LastTradingDay.Format("2006-01-02"),
					"cutoff":           active.Cutoff.Format("2006-01-02"),
					"rollover_due":     due,
				})
			}

			output.Bold("%s on %s", root, FormatDate(asOf))
			output.Printf("  Active contract:  %s\n", active.Code)
			output.Printf("  Last trading day: %s\n", FormatDate(active.LastTradingDay))
			output.Printf("  Rollover cutoff:  %s\n", FormatDate(active.Cutoff))
			if due {
				output.Warning("  Positions in %s roll to %s", expiring.Code, next.Code)
			}
			return nil
		},
	}

	cmd.Flags().String("date", "", "Date to resolve for (YYYY-MM-DD, IST)")
	return cmd
}
