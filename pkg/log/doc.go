/*
Package log provides structured logging for Dispider using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level for production debugging.

# Usage

Initialize once at startup, then derive component loggers:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	logger := log.WithComponent("dispatch")
	logger.Info().Int64("project_id", 7).Msg("task table initialized")

Component loggers are plain zerolog.Logger values and are safe for
concurrent use.
*/
package log
