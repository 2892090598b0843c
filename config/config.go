// SPDX-License-Identifier: MIT
// Auditor - Configuration
//
// Settings come from, in increasing priority:
//   1. built-in defaults
//   2. a YAML (.yaml/.yml) or TOML (.toml) file
//   3. AUDITOR_* environment variables
//   4. command-line flags (applied by the CLI)

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/octocorvus/Auditor/attestation"
	"github.com/octocorvus/Auditor/keystore"
	"github.com/octocorvus/Auditor/remote"
	"gopkg.in/yaml.v3"
)

const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// upper bound for a length-framed protocol message
const MaxFrameSize = 64 * 1024

type Config struct {
	Log      LogConfig      `yaml:"log" toml:"log"`
	Store    StoreConfig    `yaml:"store" toml:"store"`
	Keystore KeystoreConfig `yaml:"keystore" toml:"keystore"`
	Trust    TrustConfig    `yaml:"trust" toml:"trust"`
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Remote   RemoteConfig   `yaml:"remote" toml:"remote"`
}

type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

type StoreConfig struct {
	// memory or sqlite
	Driver string `yaml:"driver" toml:"driver"`
	Path   string `yaml:"path" toml:"path"`
}

// auditee key store and, when emulating, the reported device state
type KeystoreConfig struct {
	// empty keeps keys in memory only
	Dir string `yaml:"dir" toml:"dir"`

	EmulateTEE  bool   `yaml:"emulate_tee" toml:"emulate_tee"`
	DeviceModel string `yaml:"device_model" toml:"device_model"`
	AppVersion  string `yaml:"app_version" toml:"app_version"`

	SecurityLevel    attestation.SecurityLevel `yaml:"security_level" toml:"security_level"`
	BootState        attestation.BootState     `yaml:"boot_state" toml:"boot_state"`
	DeviceLocked     bool                      `yaml:"device_locked" toml:"device_locked"`
	OSVersion        uint32                    `yaml:"os_version" toml:"os_version"`
	OSPatchLevel     uint32                    `yaml:"os_patch_level" toml:"os_patch_level"`
	VendorPatchLevel uint32                    `yaml:"vendor_patch_level" toml:"vendor_patch_level"`
	BootPatchLevel   uint32                    `yaml:"boot_patch_level" toml:"boot_patch_level"`
}

type TrustConfig struct {
	// PEM roots trusted in addition to the compiled-in vendor roots
	Roots []string `yaml:"roots" toml:"roots"`

	// trust policy YAML, empty uses the built-in default
	PolicyFile string `yaml:"policy_file" toml:"policy_file"`

	// Ed25519 key that must have signed PolicyFile; empty accepts unsigned policies
	PolicyPubKey string `yaml:"policy_pubkey" toml:"policy_pubkey"`
}

type ServerConfig struct {
	Addr     string `yaml:"addr" toml:"addr"`
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`

	// both empty serves plain TCP
	CertFile string `yaml:"cert_file" toml:"cert_file"`
	KeyFile  string `yaml:"key_file" toml:"key_file"`

	ReadTimeout       time.Duration `yaml:"read_timeout" toml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout" toml:"write_timeout"`
	ChallengeLifetime time.Duration `yaml:"challenge_lifetime" toml:"challenge_lifetime"`
	MaxMessageSize    int           `yaml:"max_message_size" toml:"max_message_size"`

	// required for DELETE endpoints; empty disables them
	AdminAPIKey string `yaml:"admin_api_key" toml:"admin_api_key"`

	// guards pairing and log reads; empty leaves them public
	ReaderAPIKey string `yaml:"reader_api_key" toml:"reader_api_key"`
}

type RemoteConfig struct {
	Domain string `yaml:"domain" toml:"domain"`
}

func Default() *Config {
	prof := keystore.DefaultProfile()
	return &Config{
		Log:   LogConfig{Level: "info", Format: "text"},
		Store: StoreConfig{Driver: DriverMemory},
		Keystore: KeystoreConfig{
			SecurityLevel:    prof.SecurityLevel,
			BootState:        prof.BootState,
			DeviceLocked:     prof.DeviceLocked,
			OSVersion:        prof.OSVersion,
			OSPatchLevel:     prof.OSPatchLevel,
			VendorPatchLevel: prof.VendorPatchLevel,
			BootPatchLevel:   prof.BootPatchLevel,
		},
		Server: ServerConfig{
			Addr:              "127.0.0.1:8443",
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			ChallengeLifetime: 5 * time.Minute,
			MaxMessageSize:    MaxFrameSize,
		},
		Remote: RemoteConfig{Domain: remote.DefaultDomain},
	}
}

// reads path over the defaults, applies env overrides and validates
// an empty path yields the defaults plus env overrides
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		switch ext := strings.ToLower(filepath.Ext(path)); ext {
		case ".toml":
			if _, err := toml.Decode(string(data), cfg); err != nil {
				return nil, fmt.Errorf("decode TOML: %w", err)
			}
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("decode YAML: %w", err)
			}
		default:
			return nil, fmt.Errorf("unsupported config format %q (use .yaml, .yml or .toml)", ext)
		}
	}

	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) ApplyEnvOverrides() error {
	str := map[string]*string{
		"AUDITOR_LOG_LEVEL":      &c.Log.Level,
		"AUDITOR_LOG_FORMAT":     &c.Log.Format,
		"AUDITOR_STORE_DRIVER":   &c.Store.Driver,
		"AUDITOR_STORE_PATH":     &c.Store.Path,
		"AUDITOR_KEYSTORE_DIR":   &c.Keystore.Dir,
		"AUDITOR_DEVICE_MODEL":   &c.Keystore.DeviceModel,
		"AUDITOR_POLICY_FILE":    &c.Trust.PolicyFile,
		"AUDITOR_POLICY_PUBKEY":  &c.Trust.PolicyPubKey,
		"AUDITOR_ADDR":           &c.Server.Addr,
		"AUDITOR_HTTP_ADDR":      &c.Server.HTTPAddr,
		"AUDITOR_CERT_FILE":      &c.Server.CertFile,
		"AUDITOR_KEY_FILE":       &c.Server.KeyFile,
		"AUDITOR_ADMIN_API_KEY":  &c.Server.AdminAPIKey,
		"AUDITOR_READER_API_KEY": &c.Server.ReaderAPIKey,
		"AUDITOR_REMOTE_DOMAIN":  &c.Remote.Domain,
	}
	for env, field := range str {
		if v := os.Getenv(env); v != "" {
			*field = v
		}
	}

	if v := os.Getenv("AUDITOR_TRUST_ROOTS"); v != "" {
		c.Trust.Roots = nil
		for _, p := range strings.Split(v, string(os.PathListSeparator)) {
			if p = strings.TrimSpace(p); p != "" {
				c.Trust.Roots = append(c.Trust.Roots, p)
			}
		}
	}
	if v := os.Getenv("AUDITOR_EMULATE_TEE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("AUDITOR_EMULATE_TEE: %w", err)
		}
		c.Keystore.EmulateTEE = b
	}
	if v := os.Getenv("AUDITOR_CHALLENGE_LIFETIME"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("AUDITOR_CHALLENGE_LIFETIME: %w", err)
		}
		c.Server.ChallengeLifetime = d
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error

	switch strings.ToLower(c.Log.Format) {
	case "text", "json", "":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver must be %s or %s, got %q", DriverMemory, DriverSQLite, c.Store.Driver))
	}

	if c.Trust.PolicyPubKey != "" && c.Trust.PolicyFile == "" {
		errs = append(errs, errors.New("trust.policy_pubkey requires trust.policy_file"))
	}
	if (c.Server.CertFile == "") != (c.Server.KeyFile == "") {
		errs = append(errs, errors.New("server.cert_file and server.key_file must be set together"))
	}
	if c.Server.ChallengeLifetime <= 0 {
		errs = append(errs, errors.New("server.challenge_lifetime must be positive"))
	}
	if c.Server.MaxMessageSize <= 0 || c.Server.MaxMessageSize > MaxFrameSize {
		errs = append(errs, fmt.Errorf("server.max_message_size must be in 1..%d", MaxFrameSize))
	}
	if c.Remote.Domain == "" || strings.ContainsAny(c.Remote.Domain, " \t") {
		errs = append(errs, fmt.Errorf("remote.domain %q is not a valid domain", c.Remote.Domain))
	}

	return errors.Join(errs...)
}

// emulated device state for the software keystore
func (k KeystoreConfig) Profile() keystore.Profile {
	prof := keystore.DefaultProfile()
	prof.SecurityLevel = k.SecurityLevel
	prof.BootState = k.BootState
	prof.DeviceLocked = k.DeviceLocked
	prof.OSVersion = k.OSVersion
	prof.OSPatchLevel = k.OSPatchLevel
	prof.VendorPatchLevel = k.VendorPatchLevel
	prof.BootPatchLevel = k.BootPatchLevel
	return prof
}
