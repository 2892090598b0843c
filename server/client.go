// SPDX-License-Identifier: MIT
// Auditor - Socket client (auditee side)

package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/octocorvus/Auditor/protocol"
	"github.com/octocorvus/Auditor/types"
	"github.com/octocorvus/Auditor/worker"
)

type ClientOptions struct {
	// nil dials plain TCP
	TLSConfig *tls.Config

	// auditee key handle, defaults to store.DefaultNamespace
	Namespace string

	Auxiliary *types.AuxiliaryData

	// runs Generate on this queue when set
	Queue *worker.Queue

	// bound on the whole exchange when ctx has no deadline
	Timeout time.Duration
}

// connects to an auditor at addr, answers its challenge and returns the verdict
// a rejected attestation is a Result with OK false, not an error; use Result.Err
func Attest(ctx context.Context, addr string, engine *protocol.Engine, opts ClientOptions) (*Result, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	var (
		conn net.Conn
		err  error
	)
	dialer := &net.Dialer{}
	if opts.TLSConfig != nil {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: opts.TLSConfig}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to auditor: %w", err)
	}
	defer conn.Close()

	// unblock reads and writes once ctx ends
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	challenge, err := readFrame(conn, maxChallengeFrame)
	if err != nil {
		return nil, fmt.Errorf("failed to read challenge: %w", err)
	}

	gen := func(ctx context.Context) (*protocol.GenerateResult, error) {
		return engine.Generate(ctx, challenge, protocol.GenerateOptions{
			Namespace: opts.Namespace,
			Auxiliary: opts.Auxiliary,
		})
	}
	var out *protocol.GenerateResult
	if opts.Queue != nil {
		out, err = worker.Run(ctx, opts.Queue, "generate", gen)
	} else {
		out, err = gen(ctx)
	}
	if err != nil {
		return nil, err
	}

	if err := writeFrame(conn, out.Serialized); err != nil {
		return nil, fmt.Errorf("failed to send attestation: %w", err)
	}

	data, err := readFrame(conn, MaxFrameSize)
	if err != nil {
		return nil, fmt.Errorf("failed to read result: %w", err)
	}
	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("failed to decode result: %w", err)
	}
	return &res, nil
}
