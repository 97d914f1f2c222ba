// Package cmd provides the commands of the skylink binary.
package cmd

import "github.com/urfave/cli/v2"

// Shared flags for read-only commands.
var (
	// FormatFlag selects output format: json, table, yaml.
	FormatFlag = &cli.StringFlag{
		Name:    "format",
		Aliases: []string{"f"},
		Usage:   "Output format: json, table, yaml",
	}

	// NoColorFlag disables colored output.
	NoColorFlag = &cli.BoolFlag{
		Name:  "no-color",
		Usage: "Disable colored output",
	}

	// TUIFlag enables Bubble Tea interactive mode (metrics, state).
	TUIFlag = &cli.BoolFlag{
		Name:  "tui",
		Usage: "Enable interactive TUI mode (metrics, state only)",
	}
)

// ReadOnlyFlags returns the shared output flags. --tui is included so
// unsupported commands can report it explicitly.
func ReadOnlyFlags() []cli.Flag {
	return []cli.Flag{FormatFlag, NoColorFlag, TUIFlag}
}

// ConfigFlag points at the YAML config file.
var ConfigFlag = &cli.StringFlag{
	Name:    "config",
	Aliases: []string{"c"},
	Usage:   "Path to skylink.yaml",
	Value:   "skylink.yaml",
	EnvVars: []string{"SKYLINK_CONFIG"},
}

// AgentFlags are the flags of commands that talk to the backend. Each
// overrides the matching config value when set.
func AgentFlags() []cli.Flag {
	return []cli.Flag{
		ConfigFlag,
		&cli.UintFlag{
			Name:  "serial-number",
			Usage: "Device serial number (device.serial_number)",
		},
		&cli.StringFlag{
			Name:    "claim-token",
			Usage:   "Claim token, 32 hex characters (device.claim_token)",
			EnvVars: []string{"SKYLINK_CLAIM_TOKEN"},
		},
		&cli.StringFlag{
			Name:  "transport",
			Usage: "Bearer: udp or websocket (transport.type)",
		},
		&cli.StringFlag{
			Name:  "address",
			Usage: "Gateway host:port or ws:// URL (transport.address)",
		},
		&cli.StringFlag{
			Name:  "encoding",
			Usage: "Frame encoding: raw or base64 (transport.encoding)",
		},
		&cli.StringFlag{
			Name:  "storage-backend",
			Usage: "Storage backend: fs, memory or s3 (storage.backend)",
		},
		&cli.StringFlag{
			Name:  "storage-path",
			Usage: "Storage path (fs: directory, s3: bucket/prefix)",
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "Log level: debug, info, warn, error (log.level)",
		},
	}
}
