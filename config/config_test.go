// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/octocorvus/Auditor/attestation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Equal(t, 5*time.Minute, cfg.Server.ChallengeLifetime)
	assert.Equal(t, "attestation.app", cfg.Remote.Domain)
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "auditor.yaml", `
log:
  level: debug
  format: json
store:
  driver: sqlite
  path: /var/lib/auditor/auditor.db
keystore:
  emulate_tee: true
  security_level: strongbox
  boot_state: self_signed
  os_patch_level: 202312
trust:
  roots: [/etc/auditor/google-root.pem]
server:
  addr: ":9443"
  challenge_lifetime: 90s
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
	assert.True(t, cfg.Keystore.EmulateTEE)
	assert.Equal(t, attestation.SecurityLevelStrongBox, cfg.Keystore.SecurityLevel)
	assert.Equal(t, attestation.BootStateSelfSigned, cfg.Keystore.BootState)
	assert.Equal(t, []string{"/etc/auditor/google-root.pem"}, cfg.Trust.Roots)
	assert.Equal(t, 90*time.Second, cfg.Server.ChallengeLifetime)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout, "unset fields keep defaults")

	prof := cfg.Keystore.Profile()
	assert.Equal(t, attestation.SecurityLevelStrongBox, prof.SecurityLevel)
	assert.Equal(t, uint32(202312), prof.OSPatchLevel)
}

func TestLoad_TOML(t *testing.T) {
	path := writeFile(t, "auditor.toml", `
[store]
driver = "sqlite"
path = "auditor.db"

[keystore]
security_level = "trusted_environment"
boot_state = "verified"

[server]
addr = "127.0.0.1:7000"
admin_api_key = "secret"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "auditor.db", cfg.Store.Path)
	assert.Equal(t, "127.0.0.1:7000", cfg.Server.Addr)
	assert.Equal(t, "secret", cfg.Server.AdminAPIKey)
	assert.Equal(t, attestation.SecurityLevelTrustedEnvironment, cfg.Keystore.SecurityLevel)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "auditor.ini", "x=1"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "bad.yaml", "keystore:\n  security_level: hsm\n"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "bad.yaml", "store:\n  driver: sqlite\n"))
	assert.ErrorContains(t, err, "store.path")
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("AUDITOR_LOG_LEVEL", "warn")
	t.Setenv("AUDITOR_STORE_DRIVER", "sqlite")
	t.Setenv("AUDITOR_STORE_PATH", "/tmp/a.db")
	t.Setenv("AUDITOR_EMULATE_TEE", "true")
	t.Setenv("AUDITOR_CHALLENGE_LIFETIME", "2m")
	t.Setenv("AUDITOR_TRUST_ROOTS", "a.pem"+string(os.PathListSeparator)+"b.pem")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "/tmp/a.db", cfg.Store.Path)
	assert.True(t, cfg.Keystore.EmulateTEE)
	assert.Equal(t, 2*time.Minute, cfg.Server.ChallengeLifetime)
	assert.Equal(t, []string{"a.pem", "b.pem"}, cfg.Trust.Roots)

	t.Setenv("AUDITOR_EMULATE_TEE", "maybe")
	_, err = Load("")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Log.Format = "xml"
	cfg.Server.CertFile = "cert.pem"
	cfg.Server.MaxMessageSize = MaxFrameSize + 1
	cfg.Remote.Domain = "bad domain"
	cfg.Trust.PolicyPubKey = "policy.pub"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"log.format", "key_file", "max_message_size", "remote.domain", "policy_pubkey"} {
		assert.ErrorContains(t, err, want)
	}
}
