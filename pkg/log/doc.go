/*
Package log provides structured logging for Taskforge built on zerolog.

Call Init once at boot, then use the package helpers or derive child loggers
carrying task/node context:

	log.Init(log.Config{Level: log.InfoLevel})
	logger := log.WithNodeID("n491023")
	logger.Info().Int("depth", 2).Msg("node dispatched")

Console output is the default; JSON output is available for log shippers via
Config.JSONOutput.
*/
package log
