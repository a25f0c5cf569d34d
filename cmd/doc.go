// Package cmd implements the command-line interface of dMon, the distributed
// lock manager for clustered monitors.
//
// The package is organized into several subpackages:
//
//   - simulate: In-process contention simulation that drives a lock server
//     through the wire protocol and reports the per-lock statistics
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// Configuration is read from flags, from .env and .env.local files and from
// environment variables with the DMON_ prefix.
//
// See dmon -help for a list of all commands.
package cmd
