package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# NIFTY Terminal Configuration

[trading]
# Trading mode: "live" or "paper"
mode = "paper"
# Underlying index symbol
index_symbol = "NSE:NIFTY50-INDEX"
# Contract lot size
lot_size = 65
# Strike step in index points
strike_step = 50
# Capital deployed by the strategy in INR
capital = 500000.0
# Daily risk budget as percentage of capital
risk_pct = 2.0
# Lots per entry
num_lots = 1

[strategy]
# Entry delta targets for the short legs
ce_delta_target = 0.22
pe_delta_target = 0.22
# Delta target for protective hedge legs
hedge_delta_target = 0.10
# Delta target when rolling a breached leg
roll_delta_target = 0.20
# Net-delta soft limit: roll towards a delta-reducing strike
soft_delta_limit = 0.5
# Net-delta hard limit: force close everything, never retried
hard_delta_limit = 0.8
# Gamma risk score limit (0-100): add a hedge above this
gamma_limit = 75.0
# Escalation cap; beyond this only the hard limit exits
max_adjustments = 3
# New entries per day
max_trades_per_day = 2
# Expiry-day variant: OTM offset and hedge width in points
expiry_otm_offset = 100
expiry_hedge_width = 150
# Expiry-day profit target / stop as fraction of premium collected
expiry_target_pct = 0.5
expiry_stop_mult = 1.5
# Supertrend settings for the entry gate
supertrend_period = 10
supertrend_mult = 3.0
# Pricing model inputs
risk_free_rate = 0.065
default_implied_vol = 0.15

[schedule]
# Daily boundaries in exchange-local (IST) "HH:MM"
pre_open = "09:00"
market_open = "09:20"
entry_cutoff = "14:45"
force_close = "15:10"
report = "15:20"
# Monitor tick cadence
monitor_interval = "30s"
# Non-trading days, "YYYY-MM-DD"
holidays = []

[server]
addr = ":8080"
read_timeout = "10s"
write_timeout = "10s"

[notifications]
enabled = false
# Notification level: all, trades_only, errors_only
level = "all"

[notifications.webhook]
enabled = false
url = ""

[notifications.telegram]
enabled = false
bot_token = ""
chat_id = 0
`

const credentialsTemplate = `# NIFTY Terminal Credentials
# WARNING: Keep this file secure! Do not commit to version control.

[fyers]
client_id = ""
secret_key = ""
redirect_url = ""
totp_secret = ""
pin = ""
`

func createTemplateConfig(configDir string) error {
	return writeTemplate(configDir, "config.toml", configTemplate)
}

func createTemplateCredentials(configDir string) error {
	if err := writeTemplate(configDir, "credentials.toml", credentialsTemplate); err != nil {
		return err
	}
	// Credentials hold secrets; restrict to the owner.
	return os.Chmod(filepath.Join(configDir, "credentials.toml"), 0600)
}

func writeTemplate(configDir, name, content string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, name)
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("writing %s template: %w", name, err)
	}

	fmt.Fprintf(os.Stderr, "Created template %s, fill it in before running.\n", path)
	return nil
}
