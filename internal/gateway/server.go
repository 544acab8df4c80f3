package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/wolfguard/tracklink/internal/bus"
	"github.com/wolfguard/tracklink/internal/config"
	"github.com/wolfguard/tracklink/internal/gate"
	gwmetrics "github.com/wolfguard/tracklink/internal/metrics"
)

// acceptBackoff is the pause after a transient accept failure.
const acceptBackoff = 1 * time.Second

// shutdownGrace bounds how long Run waits for in-flight sessions after
// the listener closes.
const shutdownGrace = 5 * time.Second

// Server accepts JT808 terminal connections and runs one session
// goroutine per connection.
type Server struct {
	addr     string
	authCode string
	settings gate.Settings

	pub     bus.Publisher
	metrics *gwmetrics.Collector
	logger  *slog.Logger

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// NewServer builds a server from the loaded configuration.
func NewServer(cfg *config.Config, pub bus.Publisher,
	metrics *gwmetrics.Collector, logger *slog.Logger) *Server {

	return &Server{
		addr:     net.JoinHostPort(cfg.JT808Host, strconv.Itoa(cfg.JT808Port)),
		authCode: cfg.AuthCode,
		settings: gate.SettingsFromConfig(cfg),
		pub:      pub,
		metrics:  metrics,
		logger:   logger,
		conns:    make(map[net.Conn]struct{}),
	}
}

// Run listens and serves until ctx is cancelled, then closes all
// sessions and waits out the shutdown grace window. The accept loop
// survives transient failures with a short backoff.
func (s *Server) Run(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}

	s.logger.Info("jt808 listener started", "addr", s.addr)

	go func() {
		<-ctx.Done()
		if cErr := ln.Close(); cErr != nil {
			s.logger.Debug("listener close error", "error", cErr)
		}
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				break
			}
			s.logger.Warn("accept error", "error", err)
			time.Sleep(acceptBackoff)
			continue
		}

		s.serveConn(conn)
	}

	s.closeAll()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		s.logger.Warn("shutdown grace expired with sessions still active")
	}

	s.logger.Info("jt808 listener stopped")
	return nil
}

// serveConn registers the connection and spawns its session goroutine.
func (s *Server) serveConn(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	s.metrics.SessionOpened()
	s.logger.Info("terminal connected", "peer", conn.RemoteAddr().String())

	g := gate.New(s.pub, s.settings, s.metrics, s.logger)
	sess := newSession(conn, g, s.authCode, s.metrics, s.logger)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
			s.metrics.SessionClosed()
		}()

		sess.run()
	}()
}

// closeAll force-closes every tracked connection so blocked readers
// unwind during shutdown.
func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Debug("conn close error", "error", err)
		}
	}
}
