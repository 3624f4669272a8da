// Package config handles configuration loading for remoteiq-gateway.
//
// # Configuration File
//
// Resolution order (see ResolvePath):
//
//  1. --config flag
//  2. Path from REMOTEIQ_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/remoteiq/gateway.yaml (~/.config/remoteiq/gateway.yaml)
//
// Files ending in .toml are decoded as TOML; anything else is YAML.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${REMOTEIQ_JWT_SECRET}"
//	  enrollment_secret: "${REMOTEIQ_ENROLLMENT_SECRET}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:8080"    # agent + operator HTTP API and agent websocket
//	  grpc_addr: "0.0.0.0:50051"   # grpc.health.v1 only; empty disables
//
//	database:
//	  driver: "sqlite"             # sqlite (pure Go) or sqlite3 (cgo)
//	  path: "/var/lib/remoteiq/gateway.db"
//
//	auth:
//	  jwt_secret: "..."            # at least 32 bytes, signs operator tokens
//	  enrollment_secret: "..."     # plaintext or bcrypt hash ($2a$...)
//	  token_cache_ttl: "30s"
//
//	agents:
//	  heartbeat_interval: "30s"    # websocket ping period
//	  heartbeat_timeout: "90s"     # close if no pong within this window
//	  write_timeout: "10s"
//
//	jobs:
//	  default_timeout: "5m"        # timeoutSec when a request omits it
//	  stuck_after: "1h"
//	  stuck_check_schedule: "@every 5m"
//	  redispatch_schedule: ""      # e.g. "@every 1m"; empty disables
//	  idempotency_ttl: "24h"
//
//	tailscale:
//	  enabled: false
//	  hostname: "remoteiq"
//	  auth_key: "${TS_AUTHKEY}"
//	  https: true
//	  funnel: false
//
//	logging:
//	  level: "info"                # debug, info, warn, error
//	  format: "text"               # text, json
//
// Durations use time.ParseDuration syntax.
package config
