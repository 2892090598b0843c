// SPDX-License-Identifier: MIT
// Auditor - Command line interface

package cmd

import (
	"github.com/urfave/cli/v3"
)

// NewApp creates the root auditor command
func NewApp() *cli.Command {
	return &cli.Command{
		Name:  "auditor",
		Usage: "Hardware-backed key attestation with trust-on-first-use pairing",
		Flags: globalFlags(),
		Commands: []*cli.Command{
			ChallengeCommand(),
			GenerateCommand(),
			VerifyCommand(),
			PairingsCommand(),
			ClearAuditeeCommand(),
			EnrollRemoteCommand(),
			ServeCommand(),
			AttestCommand(),
		},
	}
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "Path to a YAML or TOML configuration file",
			Sources: cli.EnvVars("AUDITOR_CONFIG"),
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "Minimum log level: debug, info, warn, error, security",
		},
		&cli.StringFlag{
			Name:  "log-format",
			Usage: "Log output format: text or json",
		},
		&cli.StringFlag{
			Name:  "db",
			Usage: "SQLite database for pairings and logs (empty = in-memory)",
		},
		&cli.StringFlag{
			Name:  "keystore-dir",
			Usage: "Directory holding auditee attestation keys",
		},
		&cli.BoolFlag{
			Name:  "emulate-tee",
			Usage: "Produce attestation chains from the software keystore",
		},
		&cli.StringSliceFlag{
			Name:  "root",
			Usage: "PEM file with trusted attestation roots (repeatable)",
		},
		&cli.StringFlag{
			Name:  "policy",
			Usage: "Trust policy file (YAML)",
		},
		&cli.StringFlag{
			Name:  "policy-pubkey",
			Usage: "Ed25519 public key that must have signed the policy file (PEM)",
		},
	}
}

func encodingFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "encoding",
		Usage: "Payload encoding: raw, base64 or latin1",
		Value: EncodingRaw,
	}
}

func namespaceFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "namespace",
		Usage: "Pairing namespace (default \"local\")",
	}
}
