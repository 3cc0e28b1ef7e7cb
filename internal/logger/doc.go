// Package logger builds the process-wide zap logger.
package logger
