// SPDX-License-Identifier: MIT
// Auditor - pairing management commands

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/octocorvus/Auditor/store"
	"github.com/octocorvus/Auditor/verify"
	"github.com/urfave/cli/v3"
)

// PairingsCommand groups the auditor-side pairing commands
func PairingsCommand() *cli.Command {
	return &cli.Command{
		Name:  "pairings",
		Usage: "Inspect and clear paired auditees (auditor)",
		Commands: []*cli.Command{
			pairingsListCommand(),
			pairingsShowCommand(),
			pairingsClearCommand(),
			pairingsClearAllCommand(),
		},
	}
}

func pairingsListCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List pairings, in one namespace or all of them",
		Flags: []cli.Flag{
			namespaceFlag(),
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Output in JSON format",
			},
		},
		Action: withRuntime(runPairingsList),
	}
}

func runPairingsList(ctx context.Context, cmd *cli.Command, rt *runtime) error {
	ps := rt.engine.Store()

	namespaces := []string{cmd.String("namespace")}
	if namespaces[0] == "" {
		var err error
		if namespaces, err = ps.Namespaces(); err != nil {
			return err
		}
	}

	var records []store.PairingRecord
	for _, ns := range namespaces {
		list, err := ps.List(ns)
		if err != nil {
			return err
		}
		records = append(records, list...)
	}

	w := cmd.Root().Writer
	if cmd.Bool("json") {
		if records == nil {
			records = []store.PairingRecord{}
		}
		return writeJSON(w, records)
	}
	if len(records) == 0 {
		fmt.Fprintln(w, "No pairings.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAMESPACE\tIDENTITY\tVERIFIED\tSTRONG\tLAST SEEN")
	for i := range records {
		r := &records[i]
		strong := false
		if n := len(r.History); n > 0 {
			strong = r.History[n-1].Strong
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%t\t%s\n",
			r.Key.Namespace, r.Key.Identity, len(r.History), strong, r.UpdatedAt.UTC().Format(time.RFC3339))
	}
	return tw.Flush()
}

func pairingsShowCommand() *cli.Command {
	return &cli.Command{
		Name:      "show",
		Usage:     "Show one pairing and its history",
		ArgsUsage: "<namespace> <identity>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Output in JSON format",
			},
		},
		Action: withRuntime(runPairingsShow),
	}
}

func runPairingsShow(ctx context.Context, cmd *cli.Command, rt *runtime) error {
	key, err := keyArgs(cmd)
	if err != nil {
		return err
	}
	rec, err := rt.engine.Store().Lookup(key)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("%w: %s", store.ErrNotPaired, key)
	}

	w := cmd.Root().Writer
	if cmd.Bool("json") {
		return writeJSON(w, rec)
	}

	fmt.Fprintf(w, "Pairing: %s\n", key)
	fmt.Fprintln(w, verify.HistorySummary(rec, nil))
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tLEVEL\tBOOT\tLOCKED\tOS PATCH\tSTRONG\tNOTES")
	for _, e := range rec.History {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%d\t%t\t%v\n",
			e.Timestamp.UTC().Format(time.RFC3339), e.SecurityLevel, e.BootState, e.DeviceLocked,
			e.OSPatchLevel, e.Strong, e.Notes)
	}
	return tw.Flush()
}

func pairingsClearCommand() *cli.Command {
	return &cli.Command{
		Name:      "clear",
		Usage:     "Forget one auditee; its next verification pairs again",
		ArgsUsage: "<namespace> <identity>",
		Action: withRuntime(func(ctx context.Context, cmd *cli.Command, rt *runtime) error {
			key, err := keyArgs(cmd)
			if err != nil {
				return err
			}
			_, err = run(ctx, rt, "clear_auditor", func(ctx context.Context) (struct{}, error) {
				return struct{}{}, rt.engine.ClearAuditor(ctx, key, "cli")
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.Root().Writer, "Cleared %s\n", key)
			return nil
		}),
	}
}

func pairingsClearAllCommand() *cli.Command {
	return &cli.Command{
		Name:      "clear-all",
		Usage:     "Forget every auditee in a namespace",
		ArgsUsage: "<namespace>",
		Action: withRuntime(func(ctx context.Context, cmd *cli.Command, rt *runtime) error {
			if cmd.Args().Len() != 1 {
				return fmt.Errorf("expected <namespace>")
			}
			ns := cmd.Args().First()
			n, err := run(ctx, rt, "clear_all_auditor", func(ctx context.Context) (int, error) {
				return rt.engine.ClearAllAuditor(ctx, ns, "cli")
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.Root().Writer, "Cleared %d pairings in %s\n", n, ns)
			return nil
		}),
	}
}

func keyArgs(cmd *cli.Command) (store.Key, error) {
	if cmd.Args().Len() != 2 {
		return store.Key{}, fmt.Errorf("expected <namespace> <identity>")
	}
	return store.Key{Namespace: cmd.Args().Get(0), Identity: cmd.Args().Get(1)}, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
