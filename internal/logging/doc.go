// Package logging provides structured, rotation-backed logging for the
// agentdb engine. Logs are JSON-encoded via log/slog and written to a
// rotating file under ~/.agentdb/logs/, optionally mirrored to stderr.
package logging
