/*
Package log provides structured logging for hutch using zerolog.

A single package-level zerolog.Logger is configured once by Init from the
command line (level, JSON or console output, destination writer) and shared by
every package. Components derive child loggers that carry identifying fields:

	┌──────────── LOGGING ─────────────┐
	│  log.Init(Config)                │
	│        │                         │
	│        ▼                         │
	│  Logger (global zerolog)         │
	│        │                         │
	│        ├─ WithComponent("agent") │
	│        ├─ WithNode(c, "node-1")  │
	│        ├─ WithProject("shop")    │
	│        └─ WithPod("web")         │
	└──────────────────────────────────┘

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	logger := log.WithComponent("controller")
	logger.Info().Str("remote", addr).Msg("Session accepted")

Console output is the default and is meant for operators at a terminal; JSON
output is meant for log shippers. Output defaults to stderr so that commands
printing tables (compose ps) keep stdout clean.
*/
package log
