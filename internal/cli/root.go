// Package cli wires the terminal's commands: serve runs the engine with
// all its surfaces, login drives the broker session chain, report and
// export read trade history back out.
package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"nifty-terminal/internal/config"
	"nifty-terminal/internal/logging"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

// App carries state shared across commands. Config is loaded lazily so
// commands like version work without a config directory.
type App struct {
	ConfigDir string
	Logger    zerolog.Logger

	cfg *config.Config
}

func (a *App) loadConfig() (*config.Config, error) {
	if a.cfg != nil {
		return a.cfg, nil
	}
	cfg, err := config.Load(a.ConfigDir)
	if err != nil {
		return nil, err
	}
	a.cfg = cfg
	return cfg, nil
}

func (a *App) configDir() string {
	if a.ConfigDir != "" {
		return a.ConfigDir
	}
	return config.DefaultConfigDir()
}

// dbPath resolves the SQLite path, preferring the explicit flag.
func (a *App) dbPath(flag string) string {
	if flag != "" {
		return flag
	}
	return filepath.Join(a.configDir(), "trades.db")
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	app := &App{}

	rootCmd := &cobra.Command{
		Use:           "nifty-terminal",
		Short:         "Automated short-strangle income strategy for NIFTY options",
		Long:          "nifty-terminal runs a hedged short-strangle strategy on the NIFTY index:\nscheduled entries, live Greeks monitoring, staged gamma defence and a\nforce-close before expiry settlement. Control it over HTTP, WebSocket\nor Telegram.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logCfg := logging.DefaultLogConfig()
			if debug, _ := cmd.Flags().GetBool("debug"); debug {
				logCfg.Level = "debug"
			}
			app.Logger = logging.NewLoggerWithConfig(logCfg)
		},
	}

	rootCmd.PersistentFlags().StringVar(&app.ConfigDir, "config", "", "config directory (default ~/.config/nifty-terminal)")
	rootCmd.PersistentFlags().Bool("json", false, "machine-readable output")
	rootCmd.PersistentFlags().Bool("debug", false, "verbose logging")

	rootCmd.AddCommand(
		newVersionCmd(),
		newConfigCmd(app),
		newServeCmd(app),
		newLoginCmd(app),
		newLogoutCmd(app),
		newReportCmd(app),
		newExportCmd(app),
	)
	return rootCmd
}

// Execute runs the root command and maps failure to a non-zero exit.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := NewOutput(cmd)
			if out.JSONMode() {
				return out.JSON(map[string]string{
					"version":    version,
					"build_time": buildTime,
					"go_version": runtime.Version(),
				})
			}
			out.Printf("nifty-terminal %s (built %s, %s)\n", version, buildTime, runtime.Version())
			return nil
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	configCmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the config directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			NewOutput(cmd).Println(app.configDir())
			return nil
		},
	})

	configCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.loadConfig()
			if err != nil {
				return err
			}
			// Credentials never leave the credentials file.
			redacted := *cfg
			redacted.Credentials = config.Credentials{}
			return NewOutput(cmd).JSON(redacted)
		},
	})

	configCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check the configuration for errors",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := NewOutput(cmd)
			cfg, err := app.loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				out.Error("%v", err)
				return err
			}
			out.Success("Configuration is valid (%s mode)", cfg.Trading.Mode)
			return nil
		},
	})

	return configCmd
}
