// Package logging provides structured logging for mqttstream.
//
// This package wraps Go's standard log/slog package to provide
// consistent, structured logging across the entire application.
//
// # Features
//
//   - JSON output for production (machine-parsable)
//   - Text output for development (human-readable)
//   - Default fields (service, version) on all log entries
//   - Level-based filtering (debug, info, warn, error)
//   - Thread-safe for concurrent use
//
// # Configuration
//
// Logging is configured via the LoggingConfig section of the config file:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Info("watching", "filter", "sensors/#")
//	client.SetLogger(logger.With("component", "mqtt"))
//
// # Security
//
// Never log secrets, tokens, or passwords. Broker credentials and the
// InfluxDB token are never passed to the logger.
package logging
