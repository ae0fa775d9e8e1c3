/*
Package log provides structured logging for Shepherd built on zerolog.

Init configures the global logger once at startup (console output for
interactive use, JSON for machine consumption). Components take a child
logger via WithComponent so every line carries its origin:

	logger := log.WithComponent("reconciler")
	logger.Info().Int("deficit", 2).Msg("creating replacement instances")

WithInstanceID and WithDomain add the per-instance fields used throughout
the controller.
*/
package log
