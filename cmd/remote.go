// SPDX-License-Identifier: MIT
// Auditor - remote verification enrollment

package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/octocorvus/Auditor/remote"
	"github.com/octocorvus/Auditor/store"
	"github.com/urfave/cli/v3"
)

// EnrollRemoteCommand parses a remote verification account string
func EnrollRemoteCommand() *cli.Command {
	return &cli.Command{
		Name:      "enroll-remote",
		Usage:     "Enroll in scheduled remote verification with an account string",
		ArgsUsage: "\"<domain> <userId> <subscribeKey> <intervalSeconds>\"",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "domain",
				Usage: "Expected verification server domain (default from config)",
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Output in JSON format",
			},
		},
		Action: withRuntime(runEnrollRemote),
	}
}

func runEnrollRemote(ctx context.Context, cmd *cli.Command, rt *runtime) error {
	if cmd.Args().Len() == 0 {
		return fmt.Errorf("expected an account string")
	}
	// accept the string quoted or split across arguments
	raw := strings.Join(cmd.Args().Slice(), " ")

	domain := rt.cfg.Remote.Domain
	if cmd.IsSet("domain") {
		domain = cmd.String("domain")
	}
	account, err := remote.ParseAccount(raw, domain)
	if err != nil {
		return err
	}

	if err := rt.audit.Log(store.ActionEnrollRemote, account.Namespace(), "", "cli", account.Domain); err != nil {
		rt.log.Warn("failed to write audit log", "error", err)
	}
	rt.log.Info("enrolled remote verification account",
		"domain", account.Domain, "user_id", account.UserID, "interval", account.Interval)

	w := cmd.Root().Writer
	if cmd.Bool("json") {
		return writeJSON(w, struct {
			*remote.Account
			Namespace string `json:"namespace"`
			Identity  string `json:"identity"`
		}{account, account.Namespace(), account.Identity()})
	}
	fmt.Fprintf(w, "Domain: %s\n", account.Domain)
	fmt.Fprintf(w, "Namespace: %s\n", account.Namespace())
	fmt.Fprintf(w, "Identity: %s\n", account.Identity())
	fmt.Fprintf(w, "Interval: %s\n", account.Interval)
	return nil
}
