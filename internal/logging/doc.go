// Package logging provides a simple leveled logging interface for the
// index manager.
//
// It supports the following log levels:
//   - DEBUG: Verbose debugging information
//   - INFO: General operational messages
//   - WARN: Warning conditions
//   - ERROR: Error conditions
//   - FATAL: Fatal errors that terminate the application
//
// The log level is configured via the LOG_LEVEL environment variable, or
// DEBUG=true. Components that log a lot (area observers, the snapshot
// manager) use a prefixed Logger obtained from With.
package logging
