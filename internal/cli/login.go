package cli

import (
	"github.com/spf13/cobra"

	"nifty-terminal/internal/security"
	"nifty-terminal/internal/store"
)

func newLoginCmd(app *App) *cobra.Command {
	var dbFlag string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Run the TOTP login chain and persist the broker session",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := NewOutput(cmd)
			cfg, err := app.loadConfig()
			if err != nil {
				return err
			}

			st, err := store.NewSQLiteStore(app.dbPath(dbFlag))
			if err != nil {
				return err
			}
			defer st.Close()

			sessions := security.NewSessionManager(cfg.Credentials.Fyers, st, app.Logger)
			if err := sessions.Login(cmd.Context()); err != nil {
				out.Error("Login failed: %v", err)
				return err
			}

			if out.JSONMode() {
				return out.JSON(map[string]any{"authenticated": true})
			}
			out.Success("Logged in as %s", cfg.Credentials.Fyers.ClientID)
			return nil
		},
	}
	cmd.Flags().StringVar(&dbFlag, "db", "", "sqlite database path (default <config-dir>/trades.db)")
	return cmd
}

func newLogoutCmd(app *App) *cobra.Command {
	var dbFlag string

	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Drop the persisted broker session",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := NewOutput(cmd)
			cfg, err := app.loadConfig()
			if err != nil {
				return err
			}

			st, err := store.NewSQLiteStore(app.dbPath(dbFlag))
			if err != nil {
				return err
			}
			defer st.Close()

			sessions := security.NewSessionManager(cfg.Credentials.Fyers, st, app.Logger)
			if err := sessions.Logout(); err != nil {
				return err
			}

			if out.JSONMode() {
				return out.JSON(map[string]any{"authenticated": false})
			}
			out.Success("Session cleared")
			return nil
		},
	}
	cmd.Flags().StringVar(&dbFlag, "db", "", "sqlite database path (default <config-dir>/trades.db)")
	return cmd
}
