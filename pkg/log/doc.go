/*
Package log provides structured logging for the dispatcher using zerolog.

The log package wraps zerolog to provide JSON-structured logging with
context-specific child loggers, a configurable level, and a handful of
helper functions for common logging patterns.

# Usage

Initializing the Logger:

	import "github.com/autobb888/vap-dispatcher/pkg/log"

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	// Console output (development)
	log.Init(log.Config{
		Level:      log.DebugLevel,
		JSONOutput: false,
		Output:     os.Stdout,
	})

Simple Logging:

	log.Info("dispatcher starting")
	log.Debug("polling marketplace for accepted jobs")
	log.Warn("ghost timer fired without a matching active job")
	log.Error("failed to start sandbox container")
	log.Fatal("config validation failed") // exits process

Structured Logging:

	log.Logger.Info().
		Str("job_id", jobID).
		Int("port", port).
		Msg("container started")

Context Logger Helpers:

	// Job-scoped logs
	jobLog := log.WithJob(jobID)
	jobLog.Info().Msg("job accepted")

	// Identity-scoped logs
	idLog := log.WithIdentity(agentID)
	idLog.Info().Msg("chat transport connected")

	// Port-scoped logs (container lifecycle)
	portLog := log.WithPort(port)
	portLog.Debug().Msg("health probe succeeded")

	// Arbitrary component logger
	proxyLog := log.WithComponent("proxy")
	proxyLog.Warn().Msg("rate limit exceeded for token")

# Design Patterns

Global Logger Pattern:
  - Single package-level Logger instance, initialized once via log.Init()
  - Accessible from every package without being passed around

Context Logger Pattern:
  - Child loggers carry job/identity/port fields into every subsequent
    log line without repeating .Str/.Int calls at each call site

# Security

Never log a bearer token, a WIF private key, or a provider API key.
pkg/proxy and pkg/signer hold these; log the token count or job ID
instead of the secret itself.
*/
package log
