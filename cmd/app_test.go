// SPDX-License-Identifier: MIT

package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/octocorvus/Auditor/server"
	"github.com/octocorvus/Auditor/types"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"
)

func TestNewApp(t *testing.T) {
	app := NewApp()

	require.Equal(t, "auditor", app.Name)
	require.NotEmpty(t, app.Usage)

	var names []string
	for _, c := range app.Commands {
		names = append(names, c.Name)
		require.NotEmpty(t, c.Usage, c.Name)
	}
	require.Equal(t, []string{
		"challenge", "generate", "verify", "pairings",
		"clear-auditee", "enroll-remote", "serve", "attest",
	}, names)
}

func TestPairingsCommand(t *testing.T) {
	cmd := PairingsCommand()

	var names []string
	for _, c := range cmd.Commands {
		names = append(names, c.Name)
	}
	require.Equal(t, []string{"list", "show", "clear", "clear-all"}, names)
}

func TestVerifyCommand_RequiredFlags(t *testing.T) {
	cmd := VerifyCommand()

	var hasChallenge bool
	for _, flag := range cmd.Flags {
		if f, ok := flag.(*cli.StringFlag); ok && f.Name == "challenge" {
			hasChallenge = true
			require.True(t, f.Required)
		}
	}
	require.True(t, hasChallenge)
}

func TestAttestCommand_RequiredFlags(t *testing.T) {
	cmd := AttestCommand()

	var hasAddr bool
	for _, flag := range cmd.Flags {
		if f, ok := flag.(*cli.StringFlag); ok && f.Name == "addr" {
			hasAddr = true
			require.True(t, f.Required)
		}
	}
	require.True(t, hasAddr)
}

// runs the app against one database and keystore directory
type harness struct {
	t        *testing.T
	db       string
	keystore string
	dir      string
}

func newHarness(t *testing.T) *harness {
	dir := t.TempDir()
	return &harness{
		t:        t,
		db:       filepath.Join(dir, "auditor.db"),
		keystore: filepath.Join(dir, "keys"),
		dir:      dir,
	}
}

func (h *harness) path(name string) string {
	return filepath.Join(h.dir, name)
}

func (h *harness) run(args ...string) (string, error) {
	h.t.Helper()
	var stdout, stderr bytes.Buffer
	app := NewApp()
	app.Writer = &stdout
	app.ErrWriter = &stderr

	full := append([]string{"auditor",
		"--db", h.db,
		"--keystore-dir", h.keystore,
		"--emulate-tee",
		"--log-level", "error",
	}, args...)
	err := app.Run(context.Background(), full)
	return stdout.String(), err
}

func (h *harness) mustRun(args ...string) string {
	h.t.Helper()
	out, err := h.run(args...)
	require.NoError(h.t, err)
	return out
}

// challenge, generate, verify; returns the decoded verify result
func (h *harness) attest(encoding string) *server.Result {
	h.t.Helper()
	challenge, message := h.path("challenge."+encoding), h.path("message."+encoding)

	h.mustRun("challenge", "--out", challenge, "--encoding", encoding)
	h.mustRun("generate", "--challenge", challenge, "--out", message, "--encoding", encoding)
	out := h.mustRun("verify", "--challenge", challenge, "--message", message, "--encoding", encoding, "--json")

	var res server.Result
	require.NoError(h.t, json.Unmarshal([]byte(out), &res))
	return &res
}

func TestCLI_PairThenReverify(t *testing.T) {
	h := newHarness(t)

	first := h.attest(EncodingRaw)
	require.True(t, first.OK)
	require.True(t, first.FirstPairing)
	require.NotEmpty(t, first.Identity)
	require.NotEmpty(t, first.TEEEnforced)

	second := h.attest(EncodingBase64)
	require.True(t, second.OK)
	require.False(t, second.FirstPairing)
	require.Equal(t, first.Identity, second.Identity)
	require.Contains(t, second.History, "Verified 2 times")

	third := h.attest(EncodingLatin1)
	require.True(t, third.OK)
	require.Equal(t, first.Identity, third.Identity)
}

func TestCLI_VerifyText(t *testing.T) {
	h := newHarness(t)
	challenge, message := h.path("challenge"), h.path("message")

	h.mustRun("challenge", "--out", challenge)
	h.mustRun("generate", "--challenge", challenge, "--out", message, "--label", "bench")
	out := h.mustRun("verify", "--challenge", challenge, "--message", message)

	require.Contains(t, out, "Identity: ")
	require.Contains(t, out, "Paired on first use")
	require.Contains(t, out, "=== Hardware-enforced ===")
	require.Contains(t, out, "=== OS-enforced ===")
}

func TestCLI_VerifyWrongChallenge(t *testing.T) {
	h := newHarness(t)
	answered, other, message := h.path("answered"), h.path("other"), h.path("message")

	h.mustRun("challenge", "--out", answered)
	h.mustRun("challenge", "--out", other)
	h.mustRun("generate", "--challenge", answered, "--out", message)

	out, err := h.run("verify", "--challenge", other, "--message", message, "--json")
	require.ErrorIs(t, err, types.ErrChallengeMismatch)

	var res server.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.False(t, res.OK)
	require.Equal(t, types.ErrorKind(types.ErrChallengeMismatch), res.Error)
}

func TestCLI_Pairings(t *testing.T) {
	h := newHarness(t)
	res := h.attest(EncodingRaw)

	out := h.mustRun("pairings", "list")
	require.Contains(t, out, "NAMESPACE")
	require.Contains(t, out, res.Identity)

	out = h.mustRun("pairings", "show", "local", res.Identity)
	require.Contains(t, out, "Paired since:")

	out = h.mustRun("pairings", "clear", "local", res.Identity)
	require.Contains(t, out, "Cleared local/"+res.Identity)

	out = h.mustRun("pairings", "list", "--json")
	require.Equal(t, "[]", strings.TrimSpace(out))

	_, err := h.run("pairings", "show", "local", res.Identity)
	require.Error(t, err)

	// the cleared auditee pairs again
	again := h.attest(EncodingRaw)
	require.True(t, again.FirstPairing)

	out = h.mustRun("pairings", "clear-all", "local")
	require.Contains(t, out, "Cleared 1 pairings in local")
}

func TestCLI_ClearAuditee(t *testing.T) {
	h := newHarness(t)
	first := h.attest(EncodingRaw)

	h.mustRun("clear-auditee")

	// a new key is generated, and the auditor still pins the old one under
	// the old fingerprint, so this is a fresh pairing
	second := h.attest(EncodingRaw)
	require.True(t, second.FirstPairing)
	require.NotEqual(t, first.Identity, second.Identity)
}

func TestCLI_EnrollRemote(t *testing.T) {
	h := newHarness(t)

	out := h.mustRun("enroll-remote", "attestation.app 42 secret 3600")
	require.Contains(t, out, "Namespace: remote:42")
	require.Contains(t, out, "Interval: 1h0m0s")

	_, err := h.run("enroll-remote", "example.com 42 secret 3600")
	require.Error(t, err)

	out = h.mustRun("enroll-remote", "--domain", "example.com", "--json", "example.com", "7", "k", "60")
	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Equal(t, "remote:7", got["namespace"])
	require.Equal(t, "7", got["identity"])
}

func TestCLI_RemoteNamespaceUsesAccountIdentity(t *testing.T) {
	h := newHarness(t)
	challenge, message := h.path("challenge"), h.path("message")

	h.mustRun("challenge", "--out", challenge)
	h.mustRun("generate", "--challenge", challenge, "--out", message, "--namespace", "remote:42")
	out := h.mustRun("verify", "--challenge", challenge, "--message", message,
		"--namespace", "remote:42", "--account-id", "42", "--json")

	var res server.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.True(t, res.OK)
	require.Equal(t, "42", res.Identity)

	out = h.mustRun("pairings", "list", "--namespace", "remote:42")
	require.Contains(t, out, "remote:42")
}

func TestCLI_InvalidEncoding(t *testing.T) {
	h := newHarness(t)
	_, err := h.run("challenge", "--encoding", "utf16")
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown encoding")
}

func TestCLI_ConfigFile(t *testing.T) {
	h := newHarness(t)
	cfgPath := h.path("auditor.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("log:\n  format: yaml\n"), 0600))

	_, err := h.run("--config", cfgPath, "challenge")
	require.Error(t, err)
	require.Contains(t, err.Error(), "log.format")
}

func TestGenerateCert(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath, err := generateCert(dir)
	require.NoError(t, err)

	info, err := os.Stat(keyPath)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())

	_, err = os.Stat(certPath)
	require.NoError(t, err)
}
