// Package logger provides a simple, thread-safe leveled logger on top of
// charmbracelet/log.
//
// Each entry carries a timestamp, a level, the message and, when given, the
// id of the client or coordinator that produced it as an id= field.
//
// # Basic Usage
//
// Using the default logger:
//
//	logger.Info("", "Workload started")
//	logger.Info("client-3", "COMMIT OK (%d/%d)", committed, attempted)
//	logger.Error("coord-1", "Failed: %v", err)
//
// Creating a custom logger:
//
//	l := logger.New(os.Stderr, logger.LevelDebug)
//	l.Debug("client-1", "READ #%d", n)
//
// # Log Levels
//
// Messages below the configured level are filtered:
//   - LevelDebug: all messages, including per-round protocol tracing
//   - LevelInfo: Info, Warn, Error
//   - LevelWarn: Warn, Error
//   - LevelError: Error only
//
// ParseLevel accepts "debug", "info", "warn" and "error".
package logger
