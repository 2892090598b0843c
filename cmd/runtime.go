// SPDX-License-Identifier: MIT
// Auditor - Command runtime
//
// Builds the engine, worker queue and stores from configuration. Every
// command opens one runtime and closes it before returning.

package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/octocorvus/Auditor/config"
	"github.com/octocorvus/Auditor/keystore"
	"github.com/octocorvus/Auditor/logging"
	"github.com/octocorvus/Auditor/metrics"
	"github.com/octocorvus/Auditor/protocol"
	"github.com/octocorvus/Auditor/store"
	"github.com/octocorvus/Auditor/verify"
	"github.com/octocorvus/Auditor/worker"
	"github.com/urfave/cli/v3"
)

type runtime struct {
	cfg       *config.Config
	log       *slog.Logger
	metrics   *metrics.Metrics
	provider  *keystore.SoftwareProvider
	engine    *protocol.Engine
	queue     *worker.Queue
	audit     store.AuditLog
	decisions store.AttestationLog
	db        *sql.DB
}

// loads configuration and applies global flag overrides
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, err
	}

	if cmd.IsSet("log-level") {
		cfg.Log.Level = cmd.String("log-level")
	}
	if cmd.IsSet("log-format") {
		cfg.Log.Format = cmd.String("log-format")
	}
	if cmd.IsSet("db") {
		cfg.Store.Driver = config.DriverSQLite
		cfg.Store.Path = cmd.String("db")
	}
	if cmd.IsSet("keystore-dir") {
		cfg.Keystore.Dir = cmd.String("keystore-dir")
	}
	if cmd.IsSet("emulate-tee") {
		cfg.Keystore.EmulateTEE = cmd.Bool("emulate-tee")
	}
	if cmd.IsSet("root") {
		cfg.Trust.Roots = cmd.StringSlice("root")
	}
	if cmd.IsSet("policy") {
		cfg.Trust.PolicyFile = cmd.String("policy")
	}
	if cmd.IsSet("policy-pubkey") {
		cfg.Trust.PolicyPubKey = cmd.String("policy-pubkey")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openRuntime(cmd *cli.Command) (*runtime, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	rt := &runtime{
		cfg: cfg,
		log: logging.New(logging.Options{
			Level:  cfg.Log.Level,
			Format: cfg.Log.Format,
			Output: cmd.Root().ErrWriter,
		}),
		metrics: metrics.New(),
	}

	var pairings store.PairingStore
	switch cfg.Store.Driver {
	case config.DriverSQLite:
		db, err := store.OpenDB(cfg.Store.Path)
		if err != nil {
			return nil, err
		}
		rt.db = db
		pairings = store.NewSQLiteStore(db)
		rt.audit = store.NewSQLiteAuditLog(db)
		rt.decisions = store.NewSQLiteAttestationLog(db)
	default:
		pairings = store.NewMemoryStore()
		rt.audit = store.NewMemoryAuditLog()
		rt.decisions = store.NewMemoryAttestationLog()
	}

	rt.provider, err = keystore.NewSoftwareProvider(keystore.Options{
		Dir:     cfg.Keystore.Dir,
		Emulate: cfg.Keystore.EmulateTEE,
		Profile: cfg.Keystore.Profile(),
		Logger:  rt.log,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}

	extra, err := verify.ReadRootFiles(cfg.Trust.Roots...)
	if err != nil {
		rt.Close()
		return nil, err
	}
	if cfg.Keystore.EmulateTEE {
		extra = append(extra, rt.provider.RootCertificate())
		rt.log.Warn("trusting the emulated keystore root; its chains prove nothing about hardware")
	}
	roots := verify.DefaultRootSet(extra...)
	rt.log.Debug("trust roots loaded", "vendor", len(verify.VendorRoots()), "total", roots.Len())

	policy, err := loadPolicy(cfg.Trust)
	if err != nil {
		rt.Close()
		return nil, err
	}
	if cfg.Trust.PolicyFile != "" {
		rt.log.Info("loaded trust policy", "path", cfg.Trust.PolicyFile, "name", policy.Name,
			"signed", cfg.Trust.PolicyPubKey != "")
	}

	rt.engine = protocol.New(protocol.Config{
		Provider:       rt.provider,
		Store:          pairings,
		Verifier:       verify.NewChainVerifier(roots),
		Policy:         policy,
		AuditLog:       rt.audit,
		AttestationLog: rt.decisions,
		Metrics:        rt.metrics,
		Logger:         rt.log,
	})
	rt.queue = worker.New(worker.Config{Metrics: rt.metrics, Logger: rt.log})
	return rt, nil
}

func loadPolicy(tc config.TrustConfig) (*verify.TrustPolicy, error) {
	switch {
	case tc.PolicyFile == "":
		return verify.DefaultPolicy(), nil
	case tc.PolicyPubKey == "":
		return verify.LoadPolicy(tc.PolicyFile)
	}
	pub, err := verify.LoadPolicyPublicKey(tc.PolicyPubKey)
	if err != nil {
		return nil, err
	}
	return verify.LoadSignedPolicy(tc.PolicyFile, pub)
}

func (rt *runtime) Close() {
	if rt.queue != nil {
		rt.queue.Stop()
	}
	if rt.db != nil {
		if err := rt.db.Close(); err != nil {
			rt.log.Error("failed to close database", "error", err)
		}
	}
}

// runs fn on the runtime's worker queue
func run[T any](ctx context.Context, rt *runtime, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	return worker.Run(ctx, rt.queue, name, fn)
}

func withRuntime(action func(ctx context.Context, cmd *cli.Command, rt *runtime) error) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		rt, err := openRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()
		if err := action(ctx, cmd, rt); err != nil {
			return fmt.Errorf("%s: %w", cmd.Name, err)
		}
		return nil
	}
}
