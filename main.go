// SPDX-License-Identifier: MIT
// Auditor - Hardware-backed key attestation with trust-on-first-use pairing
//
// Usage:
//   auditor [global options] <command> [options]
//
// Commands:
//   challenge       Create a fresh challenge (auditor)
//   generate        Answer a challenge with an attestation message (auditee)
//   verify          Verify an attestation message (auditor)
//   pairings        List, show and clear paired auditees (auditor)
//   clear-auditee   Delete the local attestation key (auditee)
//   enroll-remote   Enroll in scheduled remote verification (auditee)
//   serve           Run the socket server and HTTP API (auditor)
//   attest          Attest to a running auditor (auditee)
//
// Environment variables:
//   AUDITOR_CONFIG  Equivalent to --config
//   AUDITOR_*       Override individual configuration values

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/octocorvus/Auditor/cmd"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.NewApp().Run(ctx, os.Args); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "auditor: %v\n", err)
		os.Exit(1)
	}
}
