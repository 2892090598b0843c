// SPDX-License-Identifier: MIT
// Auditor - Socket server
//
// Auditor side of the socket transport. Each connection gets a fresh
// challenge bound to that connection only; the returned message is verified
// on the shared worker queue and the verdict is written back as JSON.
//
// Plain TCP is only accepted on loopback addresses; anything else needs a
// certificate and key.

package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/octocorvus/Auditor/logging"
	"github.com/octocorvus/Auditor/metrics"
	"github.com/octocorvus/Auditor/protocol"
	"github.com/octocorvus/Auditor/store"
	"github.com/octocorvus/Auditor/types"
	"github.com/octocorvus/Auditor/worker"
)

type Server struct {
	engine     *protocol.Engine
	queue      *worker.Queue
	issuer     *protocol.ChallengeIssuer
	listener   net.Listener
	tlsConfig  *tls.Config
	addr       string
	namespace  string
	maxMessage int
	shutdownCh chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup

	// http monitoring api
	httpServer   *http.Server
	httpListener net.Listener
	httpAddr     string
	adminAPIKey  string
	readerAPIKey string

	log     *slog.Logger
	metrics *metrics.Metrics

	auditLog       store.AuditLog
	attestationLog store.AttestationLog

	readTimeout  time.Duration
	writeTimeout time.Duration
}

type Config struct {
	// address for the socket protocol
	Address string

	// address for the HTTP API (empty = disabled)
	HTTPAddress string

	// both empty serves plain TCP, loopback only
	CertFile string
	KeyFile  string

	// pairing namespace for socket verifications, defaults to store.DefaultNamespace
	Namespace string

	// largest accepted attestation message, defaults to MaxFrameSize
	MaxMessageSize int

	// how long an issued challenge stays valid
	ChallengeLifetime time.Duration

	AuditLog       store.AuditLog
	AttestationLog store.AttestationLog

	// optional: structured logger (nil = nop)
	Logger *slog.Logger

	// optional: shared metrics registry (nil = fresh)
	Metrics *metrics.Metrics

	// admin API key for DELETE endpoints (empty = admin endpoints disabled)
	AdminAPIKey string

	// reader API key for pairing and log endpoints (empty = public)
	ReaderAPIKey string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Address:           "127.0.0.1:8443",
		MaxMessageSize:    MaxFrameSize,
		ChallengeLifetime: 5 * time.Minute,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

// the queue is shared with other callers and is not stopped by Stop
func New(cfg Config, engine *protocol.Engine, queue *worker.Queue) (*Server, error) {
	if engine == nil || queue == nil {
		return nil, errors.New("server requires an engine and a worker queue")
	}

	var tlsConfig *tls.Config
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS13,
		}
	}

	def := DefaultConfig()
	if cfg.MaxMessageSize <= 0 || cfg.MaxMessageSize > MaxFrameSize {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.ChallengeLifetime <= 0 {
		cfg.ChallengeLifetime = def.ChallengeLifetime
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.Namespace == "" {
		cfg.Namespace = store.DefaultNamespace
	}

	m := cfg.Metrics
	if m == nil {
		m = metrics.New()
	}

	icfg := protocol.DefaultIssuerConfig()
	icfg.Lifetime = cfg.ChallengeLifetime
	icfg.Metrics = m

	return &Server{
		engine:         engine,
		queue:          queue,
		issuer:         protocol.NewChallengeIssuer(icfg),
		tlsConfig:      tlsConfig,
		addr:           cfg.Address,
		namespace:      cfg.Namespace,
		maxMessage:     cfg.MaxMessageSize,
		shutdownCh:     make(chan struct{}),
		httpAddr:       cfg.HTTPAddress,
		adminAPIKey:    cfg.AdminAPIKey,
		readerAPIKey:   cfg.ReaderAPIKey,
		log:            logging.OrNop(cfg.Logger),
		metrics:        m,
		auditLog:       cfg.AuditLog,
		attestationLog: cfg.AttestationLog,
		readTimeout:    cfg.ReadTimeout,
		writeTimeout:   cfg.WriteTimeout,
	}, nil
}

func (s *Server) Start() error {
	var (
		listener net.Listener
		err      error
	)
	switch {
	case s.tlsConfig != nil:
		listener, err = tls.Listen("tcp", s.addr, s.tlsConfig)
	case !isLoopbackAddr(s.addr):
		return fmt.Errorf("socket on non-loopback address %s requires TLS; configure cert and key or use 127.0.0.1", s.addr)
	default:
		listener, err = net.Listen("tcp", s.addr)
	}
	if err != nil {
		return fmt.Errorf("failed to start listener: %w", err)
	}

	// set before the HTTP API can report on it
	s.listener = listener
	if s.httpAddr != "" {
		if err := s.startHTTP(); err != nil {
			listener.Close()
			s.listener = nil
			return fmt.Errorf("failed to start HTTP API: %w", err)
		}
	}

	s.log.Info("auditor listening", "addr", listener.Addr().String(), "tls", s.tlsConfig != nil, "namespace", s.namespace)

	go s.acceptLoop()
	return nil
}

// bound socket address, useful with port 0
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// bound HTTP address, empty when the API is disabled
func (s *Server) HTTPAddr() string {
	if s.httpListener == nil {
		return ""
	}
	return s.httpListener.Addr().String()
}

// checks if the given address binds to loopback only
func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (s *Server) startHTTP() error {
	s.httpServer = &http.Server{
		Handler:      NewAPIHandler(s),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ln, err := net.Listen("tcp", s.httpAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpAddr, err)
	}

	if !isLoopbackAddr(s.httpAddr) {
		if s.tlsConfig == nil {
			ln.Close()
			return fmt.Errorf("HTTP API on non-loopback address %s requires TLS; configure cert and key or use 127.0.0.1", s.httpAddr)
		}
		ln = tls.NewListener(ln, s.tlsConfig)
		s.log.Info("HTTP API using TLS (non-loopback address)")
	} else {
		s.log.Warn("HTTP API listening without TLS (loopback only)")
	}
	s.httpListener = ln

	s.log.Info("monitoring API listening",
		"addr", ln.Addr().String(),
		"admin_auth", s.adminAPIKey != "",
		"reader_auth", s.readerAPIKey != "")

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("HTTP server error", "error", err)
		}
	}()

	return nil
}

func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.shutdownCh)

		if s.httpServer != nil {
			s.httpServer.Close()
		}
		if s.listener != nil {
			s.listener.Close()
		}
		s.wg.Wait()
		s.issuer.Close()
	})
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdownCh:
				return
			default:
				s.log.Error("accept error", "error", err)
				s.connectionError()
				continue
			}
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	clientAddr := conn.RemoteAddr().String()
	session := uuid.NewString()
	clog := s.log.With("remote_addr", clientAddr, "session", session)

	challenge, err := s.issuer.Issue(session)
	if err != nil {
		clog.Error("failed to issue challenge", "error", err)
		s.connectionError()
		return
	}

	conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	if err := writeFrame(conn, challenge.Serialize()); err != nil {
		clog.Error("failed to send challenge", "error", err)
		s.connectionError()
		return
	}
	clog.Debug("challenge sent")

	conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	message, err := readFrame(conn, s.maxMessage)
	if err != nil {
		clog.Warn("failed to read attestation message", "error", err)
		s.connectionError()
		if errors.Is(err, ErrFrameTooLarge) {
			s.sendResult(conn, NewResult(nil, fmt.Errorf("%w: %v", types.ErrMalformedMessage, err)))
		}
		return
	}
	clog.Debug("attestation message received", "size", len(message))

	// an unknown or expired session leaves issued nil, which Verify rejects
	issued, err := s.issuer.Consume(session)
	if err != nil {
		clog.Warn("challenge no longer valid", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.readTimeout)
	defer cancel()
	res, err := worker.Run(ctx, s.queue, "verify", func(ctx context.Context) (*protocol.VerificationResult, error) {
		return s.engine.Verify(ctx, message, issued, protocol.VerifyOptions{
			Namespace:  s.namespace,
			RemoteAddr: clientAddr,
		})
	})
	if err != nil {
		clog.Warn("verification failed", logging.ErrorAttrs(err)...)
		s.sendResult(conn, NewResult(nil, err))
		return
	}

	s.sendResult(conn, NewResult(res, nil))
	clog.Info("attestation verified", "identity", res.Key.Identity, "strong", res.Strong, "first_pairing", res.FirstPairing)
}

// builds the wire verdict for a Verify outcome
func NewResult(res *protocol.VerificationResult, err error) *Result {
	if err != nil {
		return &Result{Error: types.ErrorKind(err), Detail: err.Error()}
	}
	return &Result{
		OK:           true,
		Strong:       res.Strong,
		FirstPairing: res.FirstPairing,
		Downgraded:   res.Downgraded,
		Identity:     res.Key.Identity,
		TEEEnforced:  res.TEEEnforced,
		OSEnforced:   res.OSEnforced,
		History:      res.History,
	}
}

func (s *Server) sendResult(conn net.Conn, result *Result) {
	data, err := json.Marshal(result)
	if err != nil {
		s.log.Error("failed to encode result", "error", err)
		return
	}
	conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	if err := writeFrame(conn, data); err != nil {
		s.log.Warn("failed to send result", "error", err)
	}
}

func (s *Server) connectionError() {
	s.metrics.ConnectionErrors.Inc()
}

type HealthStatus struct {
	Listening         bool
	Address           string
	PendingChallenges int
	UsedChallenges    int
}

func (s *Server) HealthCheck() HealthStatus {
	listening := s.listener != nil
	select {
	case <-s.shutdownCh:
		listening = false
	default:
	}
	return HealthStatus{
		Listening:         listening,
		Address:           s.Addr(),
		PendingChallenges: s.issuer.PendingCount(),
		UsedChallenges:    s.issuer.UsedCount(),
	}
}
