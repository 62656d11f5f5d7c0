package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"nifty-terminal/internal/report"
	"nifty-terminal/internal/store"
)

func newExportCmd(app *App) *cobra.Command {
	var (
		dbFlag   string
		fromFlag string
		toFlag   string
		outFlag  string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export trade history as CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := NewOutput(cmd)

			from, err := time.Parse("2006-01-02", fromFlag)
			if err != nil {
				return fmt.Errorf("invalid --from %q, want YYYY-MM-DD", fromFlag)
			}
			to := time.Now()
			if toFlag != "" {
				to, err = time.Parse("2006-01-02", toFlag)
				if err != nil {
					return fmt.Errorf("invalid --to %q, want YYYY-MM-DD", toFlag)
				}
			}

			st, err := store.NewSQLiteStore(app.dbPath(dbFlag))
			if err != nil {
				return err
			}
			defer st.Close()

			f, err := os.Create(outFlag)
			if err != nil {
				return err
			}
			defer f.Close()

			reporter := report.New(st, nil, app.Logger)
			count, err := reporter.ExportCSV(f, from, to)
			if err != nil {
				return err
			}

			if out.JSONMode() {
				return out.JSON(map[string]any{"trades": count, "file": outFlag})
			}
			out.Success("Exported %d trades to %s", count, outFlag)
			return nil
		},
	}
	cmd.Flags().StringVar(&dbFlag, "db", "", "sqlite database path (default <config-dir>/trades.db)")
	cmd.Flags().StringVar(&fromFlag, "from", "", "start date YYYY-MM-DD")
	cmd.Flags().StringVar(&toFlag, "to", "", "end date YYYY-MM-DD (default today)")
	cmd.Flags().StringVar(&outFlag, "out", "trades.csv", "output file")
	_ = cmd.MarkFlagRequired("from")
	return cmd
}
