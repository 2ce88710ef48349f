// Package logging provides a minimal logging interface and adapters for agentplan.
//
// The Logger interface defines the standard logging methods (Debug, Info, Warn, Error)
// that the executor, the Nucleus loop and the stores use for observability. This
// package includes:
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping Go's structured logging
//   - ZapAdapter wrapping a zap SugaredLogger
//   - NoOpLogger for silent operation (testing, minimal setups)
//   - With for attaching fields such as runId to every record
//
// Usage:
//
//	logger := logging.NewSlogLogger(logging.LogLevelInfo, "json", false)
//	ex := executor.New(func(o *executor.Options) { o.Logger = logger })
//
// Event names are dotted (executor.task.start) and fields are key/value pairs.
package logging
