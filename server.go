package bridged

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"

	"github.com/scriptbridge/bridged/api"
	"github.com/scriptbridge/bridged/internal/bridge/cipher"
	"github.com/scriptbridge/bridged/internal/bridge/database"
	"github.com/scriptbridge/bridged/internal/bridge/ftpbridge"
	"github.com/scriptbridge/bridged/internal/bridge/httpbridge"
	"github.com/scriptbridge/bridged/internal/bridge/lockfile"
	"github.com/scriptbridge/bridged/internal/bridge/xmldom"
	"github.com/scriptbridge/bridged/internal/clock"
	"github.com/scriptbridge/bridged/internal/dispatch"
	"github.com/scriptbridge/bridged/internal/metrics"
	"github.com/scriptbridge/bridged/internal/pool"
	"github.com/scriptbridge/bridged/internal/reaper"
	"github.com/scriptbridge/bridged/internal/registry"
	"github.com/scriptbridge/bridged/internal/svcfields"
)

// Server is the bridge daemon: a unix socket listener, the capability
// dispatcher behind it, and the handle pool with its reaper.
type Server struct {
	cfg        Config
	logger     pslog.Logger
	clock      clock.Clock
	pool       *pool.Pool
	collector  *metrics.Collector
	reaper     *reaper.Reaper
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	telemetry  *telemetryBundle

	listener net.Listener
	conns    sync.WaitGroup
	active   atomic.Int64

	mu        sync.Mutex
	shutdown  bool
	readyOnce sync.Once
	readyCh   chan struct{}

	lastServeErr error
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger pslog.Logger
	Clock  clock.Clock
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// NewServer constructs a bridge daemon according to cfg.
// Example:
//
//	cfg := bridged.Config{SocketPath: "/tmp/bridged.sock"}
//	srv, err := bridged.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := o.Logger
	if logger == nil {
		logger = pslog.NewStructured(os.Stderr)
	}
	clk := o.Clock
	if clk == nil {
		clk = clock.Real{}
	}

	telemetry, err := setupTelemetry(context.Background(), cfg, logger)
	if err != nil {
		return nil, err
	}

	collectorOpts := []metrics.Option{metrics.WithWindowSize(cfg.MetricsWindow)}
	if meter := telemetry.Meter(); meter != nil {
		collectorOpts = append(collectorOpts, metrics.WithMeter(meter))
	}
	collector := metrics.New(clk, collectorOpts...)

	p := pool.New(clk, logger)
	rpr := reaper.New(clk, logger, p, reaper.Config{
		Interval:      cfg.ReaperInterval,
		IdleThreshold: cfg.IdleThreshold,
	})

	srv := &Server{
		cfg:       cfg,
		logger:    svcfields.WithSubsystem(logger, "server"),
		clock:     clk,
		pool:      p,
		collector: collector,
		reaper:    rpr,
		registry:  registry.New(),
		telemetry: telemetry,
		readyCh:   make(chan struct{}),
	}

	database.New(p, logger).Register(srv.registry)
	cipher.New(p, logger).Register(srv.registry)
	httpbridge.New(clk, logger).Register(srv.registry)
	ftpbridge.New(p, logger).Register(srv.registry)
	xmldom.New(p, logger).Register(srv.registry)
	lockfile.New(p, clk, logger).Register(srv.registry)

	dispatchCfg := dispatch.Config{
		Logger:      logger,
		Clock:       clk,
		Registry:    srv.registry,
		Limits:      cfg.Limits,
		Metrics:     collector,
		Pool:        p,
		Reaper:      rpr,
		Version:     Version,
		Health:      cfg.Health,
		Connections: func() int { return int(srv.active.Load()) },
	}
	if cfg.AllowShutdown {
		dispatchCfg.Shutdown = func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				srv.logger.Error("requested shutdown failed", "error", err)
			}
		}
	}
	srv.dispatcher = dispatch.New(dispatchCfg)
	srv.registry.Freeze()
	return srv, nil
}

// Start binds the socket and serves requests until the listener closes. It
// blocks, so embedders usually run it on a goroutine or use StartServer.
func (s *Server) Start() error {
	if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen (unix %s): %w", s.cfg.SocketPath, err)
	}
	if err := os.Chmod(s.cfg.SocketPath, s.cfg.SocketMode); err != nil {
		_ = ln.Close()
		_ = os.Remove(s.cfg.SocketPath)
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		_ = ln.Close()
		_ = os.Remove(s.cfg.SocketPath)
		return nil
	}
	s.listener = ln
	s.mu.Unlock()

	s.signalReady()
	s.logger.Info("listening",
		"socket", s.cfg.SocketPath,
		"peer_cred_check", s.cfg.PeerCredCheck,
		"version", Version)
	if s.cfg.ReaperInterval > 0 {
		s.reaper.Start()
	}

	serveErr := s.acceptLoop(ln)
	s.recordServeErr(serveErr)
	if serveErr != nil && !errors.Is(serveErr, net.ErrClosed) {
		return fmt.Errorf("accept: %w", serveErr)
	}
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		s.conns.Add(1)
		s.active.Add(1)
		go func() {
			defer s.conns.Done()
			defer s.active.Add(-1)
			defer conn.Close()
			s.handleConn(conn)
		}()
	}
}

// handleConn runs one request/response exchange. The client frames its
// request by closing the write half; the response is framed by the daemon
// closing the connection.
func (s *Server) handleConn(conn net.Conn) {
	if s.cfg.PeerCredCheck {
		ok, err := peerUIDMatchesCurrentUser(conn)
		if err != nil {
			s.logger.Warn("peer credential check failed", "error", err)
			s.reply(conn, api.Errf("peer credential check failed"))
			return
		}
		if !ok {
			s.logger.Warn("connection from foreign uid rejected")
			s.reply(conn, api.Errf("connection rejected: uid mismatch"))
			return
		}
	}

	if s.cfg.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	}
	payload, err := io.ReadAll(io.LimitReader(conn, s.cfg.MaxRequestBytes+1))
	if err != nil {
		s.logger.Warn("request read failed", "error", err)
		s.reply(conn, api.Errf("failed to read request"))
		return
	}
	if int64(len(payload)) > s.cfg.MaxRequestBytes {
		s.logger.Warn("oversized request rejected", "limit", s.cfg.MaxRequestBytes)
		s.reply(conn, api.Errf("request exceeds %d byte limit", s.cfg.MaxRequestBytes))
		return
	}

	var req api.Request
	if err := json.Unmarshal(payload, &req); err != nil {
		s.logger.Warn("request decode failed", "error", err)
		s.reply(conn, api.Errf("invalid request: %v", err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
	defer cancel()
	resp := s.dispatcher.Dispatch(ctx, &req)

	if s.cfg.ReadTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.ReadTimeout))
	}
	s.reply(conn, resp)
}

func (s *Server) reply(conn net.Conn, resp api.Response) {
	payload, err := resp.Encode()
	if err != nil {
		s.logger.Error("response encode failed", "error", err)
		payload, _ = api.Errf("internal error encoding response").Encode()
	}
	if _, err := conn.Write(payload); err != nil {
		s.logger.Warn("response write failed", "error", err)
	}
}

// Shutdown gracefully stops the daemon: it closes the listener, waits for
// in-flight requests, stops the reaper, and releases all pooled handles.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}

	s.reaper.Stop()
	if released := s.pool.Clear(); released > 0 {
		s.logger.Info("released pooled handles on shutdown", "count", released)
	}

	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			return err
		}
		s.telemetry = nil
	}

	if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	s.logger.Info("daemon stopped")
	return s.LastServeError()
}

// Close gracefully shuts the server down using a background context.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the socket is bound or the context ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SocketPath returns the socket the daemon listens on.
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil && !errors.Is(err, net.ErrClosed) && s.lastServeErr == nil {
		s.lastServeErr = err
	}
}

// LastServeError reports a fatal accept-loop error, if one occurred.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// StartServer constructs and starts a server, returning the instance and a
// stop function that gracefully shuts it down.
// Example:
//
//	cfg := bridged.Config{SocketPath: "/tmp/bridged.sock"}
//	srv, stop, err := bridged.StartServer(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	readyCh := make(chan error, 1)
	go func() {
		readyCh <- srv.WaitUntilReady(waitCtx)
	}()
	select {
	case err := <-errCh:
		// Start failed before the socket was bound.
		if err == nil {
			err = fmt.Errorf("server exited before becoming ready")
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil, nil, err
	case err := <-readyCh:
		if err != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			<-errCh
			return nil, nil, err
		}
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
				return
			}
			if err := <-errCh; err != nil {
				stopErr = err
			}
		})
		return stopErr
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = stop(shutdownCtx)
		}()
	}
	return srv, stop, nil
}
