// Package config handles configuration loading for sigil-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${SIGIL_JWT_SECRET}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	auth:
//	  token_ttl: "720h"
//	approvals:
//	  default_timeout: "15m"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  listen_addr: "127.0.0.1:4242"  # WebSocket and health endpoints
//
// State documents:
//
//	state:
//	  dir: "/var/lib/sigil"           # base for the paths below
//	  credentials_path: ""            # defaults to <dir>/credentials.json
//	  config_path: ""                 # defaults to <dir>/config.json
//	  approvals_path: ""              # defaults to <dir>/approvals.json
//	  audit_db_path: ""               # defaults to <dir>/audit.db
//
// Authentication:
//
//	auth:
//	  jwt_secret: "${SIGIL_JWT_SECRET}"
//	  token_ttl: "720h"
//
// Approvals:
//
//	approvals:
//	  sweep_schedule: "@every 30s"   # robfig/cron syntax
//	  default_timeout: "15m"
//
// Tailscale:
//
//	tailscale:
//	  enabled: false
//	  hostname: "sigil-gateway"
//	  auth_key: "${TS_AUTHKEY}"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
