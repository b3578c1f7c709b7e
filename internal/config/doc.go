// Package config handles configuration loading for loom-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and duration parsing; defaults are applied
// by the components that consume each section.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from LOOM_CONFIG environment variable
//  2. ./config.yaml (current directory)
//  3. ~/.config/loom/gateway.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${LOOM_JWT_SECRET}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	stream:
//	  progress_interval: "1s"
//	  dedupe_ttl: "5m"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"   # API, ingest socket, and transcript view
//
// Database:
//
//	database:
//	  path: "/var/lib/loom-gateway/gateway.db"
//
// Authentication:
//
//	auth:
//	  jwt_secret: "${LOOM_JWT_SECRET}"   # Empty disables API auth
//
// Transcript view:
//
//	web:
//	  password_hash: "$2a$10$..."        # bcrypt; empty disables basic auth
//
// Tool duration estimates:
//
//	estimates:
//	  path: "/etc/loom/estimates.toml"   # Optional TOML overrides
//
// Stream processing:
//
//	stream:
//	  progress_interval: "1s"
//	  dedupe_ttl: "5m"
//	  dedupe_max_entries: 100000
//
// Tailscale:
//
//	tailscale:
//	  enabled: false
//	  hostname: "loom-gateway"
//	  auth_key: "${TS_AUTHKEY}"
//	  https: true
//	  funnel: false
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
//	cfg, err := config.Load("/etc/loom/gateway.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
