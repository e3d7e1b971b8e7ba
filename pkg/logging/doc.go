// Package logging provides structured logging configuration for the interceptor.
//
// This package wraps log/slog so every component logs the same way. It
// supports configurable log levels and output formats, and can additionally
// ship records to a Loki push endpoint.
//
// # Usage
//
//	logger, closeLogs := logging.Build(logging.Config{
//	    Level:  logging.LevelInfo,
//	    Format: logging.FormatText,
//	})
//	defer closeLogs()
//
//	logger.Info("interceptor listening", "port", 3000)
//	logger.Error("forwarding failed", "error", err)
//
// # Output Formats
//
//   - Text: Human-readable format for development
//   - JSON: Structured format for log aggregation systems
//
// # Integration
//
// Components accept a *slog.Logger in their options. If none is provided
// they use logging.Nop().
package logging
