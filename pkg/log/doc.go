/*
Package log provides structured logging for Paddock built on zerolog.

Call Init once at startup, then either use the package-level helpers for
quick messages or derive child loggers with WithComponent / WithHostID /
WithMigrationID so every line carries its correlation fields:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	logger := log.WithComponent("scheduler")
	logger.Info().Str("host_id", id).Msg("workload placed")

Console output (human-readable, colored) is the default; JSONOutput
switches to newline-delimited JSON for log shippers.
*/
package log
