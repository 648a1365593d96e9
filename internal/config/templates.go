package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# kite-autotrader configuration

[trading]
# Trading mode: "live" or "paper"
mode = "paper"
# Default exchange for futures contracts
exchange = "NFO"
# Product type for futures orders
product = "NRML"
# Every timeframe must agree before a position changes
timeframes = ["3m", "5m", "10m"]
# Lots per entry
lots = 1
# Weekday the monthly contract expires on (last such weekday of the month)
expiry_weekday = "thursday"
# Roll over this many days before the last trading day
rollover_days = 4
# Minimum spacing between transitions of the same symbol
cooldown = "20s"
# Maximum number of other open futures positions when entering from flat (0 = off)
max_open_positions = 0
# Symbols that skip the position cap and the hedge leg
exempt_symbols = ["CRUDEOIL"]
# Flatten the symbol when an EXIT signal arrives
exit_on_signal = true
# Price paper orders from the live session when logged in
paper_market_data = true

[trading.exchange_overrides]
CRUDEOIL = "MCX"

[polling]
exit_attempts = 10
exit_delay = "1s"
hedge_attempts = 3
hedge_poll_attempts = 5
hedge_poll_delay = "1s"

[hedge]
enabled = true
exchange = "NFO"
lots = 1
# Call strike target = price * (1 + call_offset) for LONG
call_offset = 0.03
# Put strike target = price * (1 - put_offset) for SHORT
put_offset = 0.03
min_days_to_expiry = 1

[server]
addr = ":5000"
workers = 8
queue = 256
# Optional shared secret expected in the "token" field or X-Webhook-Token header
token = ""
request_timeout = "2m"

[store]
# Defaults to <config dir>/data/trader.db
path = ""

[logging]
level = "info"
console = true
# Defaults to <config dir>/logs/trader.log
file = ""

[audit]
enabled = true
# Defaults to <config dir>/audit
dir = ""

[breaker]
failure_threshold = 5
success_threshold = 2
timeout = "30s"

[notify]
# "all", "trades_only" or "errors_only"
level = "all"

[notify.webhook]
enabled = false
url = ""

[notify.telegram]
# Bot token goes in credentials.toml
enabled = false
chat_id = ""
`

const credentialsTemplate = `# kite-autotrader credentials
# WARNING: Keep this file secure! Do not commit to version control.

[zerodha]
api_key = ""
api_secret = ""
user_id = ""
# Defaults to <config dir>/session.json
session_path = ""

[telegram]
bot_token = ""
`

func writeTemplate(configDir, name, content string, perm os.FileMode) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, name)
	if err := os.WriteFile(path, []byte(content), perm); err != nil {
		return fmt.Errorf("writing %s template: %w", name, err)
	}
	return nil
}
