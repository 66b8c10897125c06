/*
Package log provides structured logging for snapguard using zerolog.

All logs include timestamps and support filtering by severity level. Every
other package obtains a logger via log.WithComponent, log.WithRepository,
log.WithSnapshot or log.WithDeletion rather than passing *zerolog.Logger
through constructors, matching the global-logger convention used throughout
this codebase.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	coordLog := log.WithComponent("coordinator")
	coordLog.Info().Str("repository", "backups").Msg("finalization slot granted")

	repoLog := log.WithRepository("backups")
	repoLog.Error().Err(err).Msg("index-N corrupt")

# Output

JSON (production):

	{"level":"info","component":"coordinator","repository":"backups","time":"...","message":"finalization slot granted"}

Console (development):

	2024-01-15T10:30:00Z INF finalization slot granted component=coordinator repository=backups
*/
package log
