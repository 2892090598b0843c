// SPDX-License-Identifier: MIT
// Auditor - socket server and client commands

package cmd

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/octocorvus/Auditor/server"
	"github.com/octocorvus/Auditor/types"
	"github.com/urfave/cli/v3"
)

const (
	certFileName = "auditor.crt"
	keyFileName  = "auditor.key"
)

// ServeCommand runs the auditor socket server and HTTP API
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the attestation socket server and HTTP API (auditor)",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Listen address for the attestation protocol",
			},
			&cli.StringFlag{
				Name:  "http-addr",
				Usage: "Listen address for the HTTP API (empty = disabled)",
			},
			&cli.StringFlag{
				Name:  "cert",
				Usage: "TLS certificate file",
			},
			&cli.StringFlag{
				Name:  "key",
				Usage: "TLS private key file",
			},
			&cli.StringFlag{
				Name:  "generate-cert",
				Usage: "Write a self-signed certificate to this directory and serve with it",
			},
			namespaceFlag(),
			&cli.StringFlag{
				Name:  "admin-api-key",
				Usage: "API key for DELETE endpoints; empty disables them",
			},
			&cli.StringFlag{
				Name:  "reader-api-key",
				Usage: "API key for pairing and log endpoints; empty leaves them public",
			},
		},
		Action: withRuntime(runServe),
	}
}

func runServe(ctx context.Context, cmd *cli.Command, rt *runtime) error {
	sc := rt.cfg.Server
	if cmd.IsSet("addr") {
		sc.Addr = cmd.String("addr")
	}
	if cmd.IsSet("http-addr") {
		sc.HTTPAddr = cmd.String("http-addr")
	}
	if cmd.IsSet("cert") {
		sc.CertFile = cmd.String("cert")
	}
	if cmd.IsSet("key") {
		sc.KeyFile = cmd.String("key")
	}
	if cmd.IsSet("admin-api-key") {
		sc.AdminAPIKey = cmd.String("admin-api-key")
	}
	if cmd.IsSet("reader-api-key") {
		sc.ReaderAPIKey = cmd.String("reader-api-key")
	}

	if dir := cmd.String("generate-cert"); dir != "" {
		certPath, keyPath, err := generateCert(dir)
		if err != nil {
			return fmt.Errorf("failed to generate certificate: %w", err)
		}
		rt.log.Info("generated self-signed certificate", "cert", certPath, "key", keyPath)
		sc.CertFile, sc.KeyFile = certPath, keyPath
	}

	srv, err := server.New(server.Config{
		Address:           sc.Addr,
		HTTPAddress:       sc.HTTPAddr,
		CertFile:          sc.CertFile,
		KeyFile:           sc.KeyFile,
		Namespace:         cmd.String("namespace"),
		MaxMessageSize:    sc.MaxMessageSize,
		ChallengeLifetime: sc.ChallengeLifetime,
		AuditLog:          rt.audit,
		AttestationLog:    rt.decisions,
		Logger:            rt.log,
		Metrics:           rt.metrics,
		AdminAPIKey:       sc.AdminAPIKey,
		ReaderAPIKey:      sc.ReaderAPIKey,
		ReadTimeout:       sc.ReadTimeout,
		WriteTimeout:      sc.WriteTimeout,
	}, rt.engine, rt.queue)
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}

	rt.log.Info("auditor running", "addr", srv.Addr(), "http_addr", srv.HTTPAddr(),
		"policy", rt.engine.Policy().Name)
	if sc.AdminAPIKey == "" {
		rt.log.Warn("admin API key not configured, DELETE endpoints disabled")
	}

	<-ctx.Done()
	rt.log.Info("shutting down")
	srv.Stop()
	return nil
}

// writes a self-signed P-256 server certificate for testing
func generateCert(dir string) (string, string, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", "", err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return "", "", err
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"Auditor"},
			CommonName:   "auditor",
		},
		NotBefore:             now,
		NotAfter:              now.Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost", "auditor"},
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return "", "", err
	}
	keyDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return "", "", err
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", "", err
	}
	certPath := filepath.Join(dir, certFileName)
	keyPath := filepath.Join(dir, keyFileName)
	if err := os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}), 0644); err != nil {
		return "", "", err
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0600); err != nil {
		return "", "", err
	}
	return certPath, keyPath, nil
}

// AttestCommand answers a running auditor over the socket protocol
func AttestCommand() *cli.Command {
	return &cli.Command{
		Name:  "attest",
		Usage: "Attest to a running auditor (auditee)",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "addr",
				Usage:    "Auditor address",
				Required: true,
			},
			namespaceFlag(),
			&cli.StringFlag{
				Name:  "label",
				Usage: "Free-form label attached to the signed auxiliary data",
			},
			&cli.StringFlag{
				Name:  "ca-file",
				Usage: "PEM certificate authority for the auditor; enables TLS",
			},
			&cli.StringFlag{
				Name:  "server-name",
				Usage: "Expected TLS server name (default from addr)",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Bound on the whole exchange",
				Value: 30 * time.Second,
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Output in JSON format",
			},
		},
		Action: withRuntime(runAttest),
	}
}

func runAttest(ctx context.Context, cmd *cli.Command, rt *runtime) error {
	opts := server.ClientOptions{
		Namespace: cmd.String("namespace"),
		Auxiliary: &types.AuxiliaryData{
			Label:       cmd.String("label"),
			DeviceModel: rt.cfg.Keystore.DeviceModel,
			AppVersion:  rt.cfg.Keystore.AppVersion,
		},
		Queue:   rt.queue,
		Timeout: cmd.Duration("timeout"),
	}
	if caFile := cmd.String("ca-file"); caFile != "" {
		pemData, err := os.ReadFile(caFile)
		if err != nil {
			return err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return fmt.Errorf("no certificates in %s", caFile)
		}
		opts.TLSConfig = &tls.Config{
			RootCAs:    pool,
			ServerName: cmd.String("server-name"),
			MinVersion: tls.VersionTLS13,
		}
	}

	res, err := server.Attest(ctx, cmd.String("addr"), rt.engine, opts)
	if err != nil {
		return err
	}

	w := cmd.Root().Writer
	if cmd.Bool("json") {
		if err := writeJSON(w, res); err != nil {
			return err
		}
		return res.Err()
	}
	if !res.OK {
		return res.Err()
	}
	printResult(w, res)
	return nil
}
