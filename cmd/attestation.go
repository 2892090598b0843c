// SPDX-License-Identifier: MIT
// Auditor - challenge, generate, verify and clear-auditee commands

package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/octocorvus/Auditor/protocol"
	"github.com/octocorvus/Auditor/server"
	"github.com/octocorvus/Auditor/types"
	"github.com/urfave/cli/v3"
)

// ChallengeCommand issues a challenge for an auditee to answer
func ChallengeCommand() *cli.Command {
	return &cli.Command{
		Name:  "challenge",
		Usage: "Create a fresh challenge (auditor)",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "out",
				Usage: "Output file (default stdout)",
			},
			encodingFlag(),
		},
		Action: withRuntime(runChallenge),
	}
}

func runChallenge(ctx context.Context, cmd *cli.Command, rt *runtime) error {
	c, err := rt.engine.NewChallenge()
	if err != nil {
		return err
	}
	return writePayload(cmd.String("out"), cmd.String("encoding"), c.Serialize(), cmd.Root().Writer)
}

// GenerateCommand answers a challenge with an attestation message
func GenerateCommand() *cli.Command {
	return &cli.Command{
		Name:  "generate",
		Usage: "Answer a challenge with an attestation message (auditee)",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "challenge",
				Usage: "Challenge file (default stdin)",
			},
			&cli.StringFlag{
				Name:  "out",
				Usage: "Output file (default stdout)",
			},
			encodingFlag(),
			namespaceFlag(),
			&cli.StringFlag{
				Name:  "label",
				Usage: "Free-form label attached to the signed auxiliary data",
			},
			&cli.StringFlag{
				Name:  "device-model",
				Usage: "Reported device model (default from config)",
			},
			&cli.BoolFlag{
				Name:  "no-aux",
				Usage: "Do not attach signed auxiliary data",
			},
		},
		Action: withRuntime(runGenerate),
	}
}

func runGenerate(ctx context.Context, cmd *cli.Command, rt *runtime) error {
	encoding := cmd.String("encoding")
	challenge, err := readPayload(cmd.String("challenge"), encoding, cmd.Root().Reader)
	if err != nil {
		return fmt.Errorf("failed to read challenge: %w", err)
	}

	opts := protocol.GenerateOptions{Namespace: cmd.String("namespace")}
	if !cmd.Bool("no-aux") {
		opts.Auxiliary = &types.AuxiliaryData{
			Label:       cmd.String("label"),
			DeviceModel: rt.cfg.Keystore.DeviceModel,
			AppVersion:  rt.cfg.Keystore.AppVersion,
		}
		if cmd.IsSet("device-model") {
			opts.Auxiliary.DeviceModel = cmd.String("device-model")
		}
	}

	out, err := run(ctx, rt, "generate", func(ctx context.Context) (*protocol.GenerateResult, error) {
		return rt.engine.Generate(ctx, challenge, opts)
	})
	if err != nil {
		return err
	}
	if out.Pairing {
		fmt.Fprintln(cmd.Root().ErrWriter, "Created a new attestation key; the auditor will pair with it on first use.")
	}
	return writePayload(cmd.String("out"), encoding, out.Serialized, cmd.Root().Writer)
}

// VerifyCommand checks an attestation message against the challenge it answers
func VerifyCommand() *cli.Command {
	return &cli.Command{
		Name:  "verify",
		Usage: "Verify an attestation message and pair or check the auditee (auditor)",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "challenge",
				Usage:    "Challenge file the message answers",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "message",
				Usage: "Attestation message file (default stdin)",
			},
			encodingFlag(),
			namespaceFlag(),
			&cli.StringFlag{
				Name:  "account-id",
				Usage: "Identity from a remote verification account instead of the key fingerprint",
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Output in JSON format",
			},
		},
		Action: withRuntime(runVerify),
	}
}

func runVerify(ctx context.Context, cmd *cli.Command, rt *runtime) error {
	encoding := cmd.String("encoding")
	raw, err := readPayload(cmd.String("challenge"), encoding, cmd.Root().Reader)
	if err != nil {
		return fmt.Errorf("failed to read challenge: %w", err)
	}
	issued, err := types.ParseChallenge(raw)
	if err != nil {
		return err
	}
	message, err := readPayload(cmd.String("message"), encoding, cmd.Root().Reader)
	if err != nil {
		return fmt.Errorf("failed to read message: %w", err)
	}

	res, verr := run(ctx, rt, "verify", func(ctx context.Context) (*protocol.VerificationResult, error) {
		return rt.engine.Verify(ctx, message, issued, protocol.VerifyOptions{
			Namespace: cmd.String("namespace"),
			AccountID: cmd.String("account-id"),
		})
	})

	w := cmd.Root().Writer
	if cmd.Bool("json") {
		if err := writeJSON(w, server.NewResult(res, verr)); err != nil {
			return err
		}
		return verr
	}
	if verr != nil {
		return verr
	}
	printResult(w, server.NewResult(res, nil))
	return nil
}

func printResult(w io.Writer, r *server.Result) {
	verdict := "basic"
	if r.Strong {
		verdict = "strong"
	}
	fmt.Fprintf(w, "Identity: %s\n", r.Identity)
	fmt.Fprintf(w, "Verdict: %s\n", verdict)
	if r.FirstPairing {
		fmt.Fprintln(w, "Paired on first use; later verifications will be checked against this key.")
	}
	if r.Downgraded {
		fmt.Fprintln(w, "WARNING: security downgrade detected")
	}
	section(w, "Hardware-enforced", r.TEEEnforced)
	section(w, "OS-enforced", r.OSEnforced)
	section(w, "History", r.History)
}

func section(w io.Writer, title, body string) {
	if body == "" {
		return
	}
	fmt.Fprintf(w, "\n=== %s ===\n%s\n", title, strings.TrimRight(body, "\n"))
}

// ClearAuditeeCommand deletes the local attestation key
func ClearAuditeeCommand() *cli.Command {
	return &cli.Command{
		Name:  "clear-auditee",
		Usage: "Delete the local attestation key so the next generate pairs again",
		Flags: []cli.Flag{
			namespaceFlag(),
		},
		Action: withRuntime(func(ctx context.Context, cmd *cli.Command, rt *runtime) error {
			ns := cmd.String("namespace")
			_, err := run(ctx, rt, "clear_auditee", func(ctx context.Context) (struct{}, error) {
				return struct{}{}, rt.engine.ClearAuditee(ctx, ns)
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.Root().Writer, "Attestation key cleared.")
			return nil
		}),
	}
}
