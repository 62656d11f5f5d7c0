package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"nifty-terminal/internal/report"
	"nifty-terminal/internal/store"
)

func newReportCmd(app *App) *cobra.Command {
	var (
		dbFlag   string
		dateFlag string
	)

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Show the daily trade report",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := NewOutput(cmd)

			date := time.Now()
			if dateFlag != "" {
				var err error
				date, err = time.Parse("2006-01-02", dateFlag)
				if err != nil {
					return fmt.Errorf("invalid --date %q, want YYYY-MM-DD", dateFlag)
				}
			}

			st, err := store.NewSQLiteStore(app.dbPath(dbFlag))
			if err != nil {
				return err
			}
			defer st.Close()

			trades, err := st.GetTradesByDate(date)
			if err != nil {
				return err
			}
			summary := report.Fold(date, trades)

			if out.JSONMode() {
				return out.JSON(map[string]any{
					"summary": summary,
					"trades":  trades,
				})
			}

			if summary.TotalTrades == 0 {
				out.Dim("No closed trades on %s", date.Format("2006-01-02"))
				return nil
			}
			out.Printf("%s", report.Render(summary, trades))
			net := summary.NetPnL >= 0
			out.Println(out.PnL(fmt.Sprintf("Day result: %+.2f", summary.NetPnL), net))
			return nil
		},
	}
	cmd.Flags().StringVar(&dbFlag, "db", "", "sqlite database path (default <config-dir>/trades.db)")
	cmd.Flags().StringVar(&dateFlag, "date", "", "trade date YYYY-MM-DD (default today)")
	return cmd
}
