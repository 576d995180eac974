/*
Package main provides the thinkflow command-line entry point.

cmd/thinkflow is a thin operator shell over the thinkflow library: it loads
the YAML configuration, boots logging and OpenTelemetry, and runs one
reasoning request per invocation.

Subcommands:

  - solve: run a problem through the model's configured engine
    (deepthink or ultrathink, decided by the model's level)
  - chat: one-shot chat completion through a configured model
  - validate: load the configuration and report every validation issue
  - version: show build information

Version, BuildTime, and GitCommit are injected at build time via ldflags.
*/
package main
