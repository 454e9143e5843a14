// Package config handles configuration loading for coven-relay.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file (chosen by extension)
// with environment variable expansion, defaults and validation.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_RELAY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/relay.toml
//  3. ~/.config/coven/relay.toml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	[gateway]
//	jwt_secret = "${COVEN_JWT_SECRET}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to an empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	[dispatch]
//	block_interval = "500ms"
//	run_timeout = "10m"
//
// Supported units: ns, us, ms, s, m, h. Negative durations are rejected.
//
// # Configuration Sections
//
// Matrix account:
//
//	[matrix]
//	homeserver = "https://matrix.org"
//	username = "covenbot"
//	password = "${MATRIX_PASSWORD}"
//	recovery_key = ""            # enables E2EE cross-signing
//	allowed_rooms = []           # empty = every joined room
//	command_prefix = ""          # empty = every message
//
// Agent runtime:
//
//	[gateway]
//	url = "http://localhost:8080"
//	agent_id = ""
//	jwt_secret = ""              # mint tokens for principal
//	principal = "relay:matrix"
//
// Dispatch tuning:
//
//	[dispatch]
//	stop_words = ["/stop", "stop"]
//	error_replies = false
//
//	[dispatch.typing]
//	mode = ""                    # instant | message | thinking | never
//	interval = "6s"
//	ttl = "2m"
//
//	[dispatch.coalesce]
//	min_chars = 200
//	max_chars = 4000
//	idle = "1.5s"
//
//	[dispatch.queue]
//	mode = "followup"            # followup | collect | replace
//	cap = 20
//	drop = "summarize"           # summarize | old | new
//	debounce = "1s"
//
//	[dispatch.reply]
//	mode = "first"               # off | first | all
//
// Logging:
//
//	[logging]
//	level = "info"               # debug | info | warn | error
//	format = "text"              # text | json
package config
