// Package cmd provides CLI commands for the inkwell binary.
package cmd

import "github.com/urfave/cli/v2"

// Shared flags across commands.
var (
	// ConfigFlag points at the inkwell.yaml config file.
	ConfigFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"C"},
		Usage:   "Path to inkwell.yaml config file",
		EnvVars: []string{"INKWELL_CONFIG"},
	}

	// ServerFlag overrides the job control API base URL.
	ServerFlag = &cli.StringFlag{
		Name:    "server",
		Usage:   "Job control API base URL",
		EnvVars: []string{"INKWELL_SERVER"},
	}

	// AuthTokenFlag sets the bearer token for all requests.
	AuthTokenFlag = &cli.StringFlag{
		Name:    "auth-token",
		Usage:   "Bearer token for the job control API",
		EnvVars: []string{"INKWELL_AUTH_TOKEN"},
	}

	// FormatFlag selects output format: json or text.
	FormatFlag = &cli.StringFlag{
		Name:    "format",
		Aliases: []string{"f"},
		Usage:   "Output format: json, text",
	}
)

// SharedFlags returns the flags every command accepts.
func SharedFlags() []cli.Flag {
	return []cli.Flag{
		ConfigFlag,
		ServerFlag,
		AuthTokenFlag,
		FormatFlag,
	}
}
