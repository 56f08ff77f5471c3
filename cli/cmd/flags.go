// Package cmd provides the dredge CLI commands.
package cmd

import "github.com/urfave/cli/v2"

// Flags shared by commands that resolve process settings.
var (
	credsFlag = &cli.StringFlag{
		Name:  "creds",
		Usage: "Credential provider: aws or env",
	}
	storageFlag = &cli.StringFlag{
		Name:  "storage",
		Usage: "Storage backend: s3 or file",
	}
	kvFlag = &cli.StringFlag{
		Name:  "kv",
		Usage: "Key-value store backend: redis or memory",
	}
	concurrencyFlag = &cli.IntFlag{
		Name:  "concurrency",
		Usage: "Worker count for the fetch run",
	}
	logLevelFlag = &cli.StringFlag{
		Name:  "log-level",
		Usage: "Log level: debug, info, warn, error",
	}
	recipesFlag = &cli.StringFlag{
		Name:  "recipes",
		Usage: "Directory holding recipe YAML files",
	}
	healthAddrFlag = &cli.StringFlag{
		Name:  "health-addr",
		Usage: "Address for the health/metrics HTTP server (empty disables)",
	}
	formatFlag = &cli.StringFlag{
		Name:    "format",
		Aliases: []string{"f"},
		Usage:   "Output format: table or json",
		Value:   "table",
	}
)
