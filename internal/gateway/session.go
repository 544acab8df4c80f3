// Package gateway implements the JT808 TCP listener: per-connection
// sessions that extract and decode frames, a handler that dispatches on
// message ID and writes platform responses, and the server supervisor
// that ties sessions to the publish gate.
package gateway

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/wolfguard/tracklink/internal/gate"
	"github.com/wolfguard/tracklink/internal/jt808"
	gwmetrics "github.com/wolfguard/tracklink/internal/metrics"
)

// readChunkSize is the per-read buffer for the session reader.
const readChunkSize = 1024

// writeTimeout bounds each response write; a stalled terminal is torn
// down rather than holding the session goroutine.
const writeTimeout = 5 * time.Second

// errSessionDone signals an orderly close after a logout response has
// been flushed.
var errSessionDone = errors.New("session done")

// Session owns one accepted terminal connection: its read buffer,
// identity, and publish gate state. All fields are confined to the
// session goroutine.
type Session struct {
	conn    net.Conn
	scanner *jt808.Scanner
	gate    *gate.Gate
	metrics *gwmetrics.Collector
	logger  *slog.Logger

	// authCode is handed out in registration responses.
	authCode string

	deviceID   string
	identified bool

	// serial numbers platform-originated frames.
	serial uint16
}

// newSession wraps an accepted connection.
func newSession(conn net.Conn, g *gate.Gate, authCode string,
	metrics *gwmetrics.Collector, logger *slog.Logger) *Session {

	return &Session{
		conn:     conn,
		scanner:  jt808.NewScanner(),
		gate:     g,
		metrics:  metrics,
		logger:   logger.With("peer", conn.RemoteAddr().String()),
		authCode: authCode,
	}
}

// run reads the connection until EOF, error, or logout, handling each
// complete frame synchronously. On exit the offline status is emitted
// for identified sessions and the socket is closed.
func (s *Session) run() {
	defer s.teardown()

	buf := make([]byte, readChunkSize)
	for {
		n, err := s.conn.Read(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("session read ended", "error", err)
			}
			return
		}

		if err := s.scanner.Append(buf[:n]); err != nil {
			s.logger.Warn("session buffer overflow, closing", "error", err)
			return
		}

		for {
			raw, ok := s.scanner.Next()
			if !ok {
				break
			}
			if err := s.handleRaw(raw); err != nil {
				if !errors.Is(err, errSessionDone) {
					s.logger.Warn("session write failed, closing", "error", err)
				}
				return
			}
		}

		if dropped := s.scanner.Discarded(); dropped > 0 {
			s.logger.Warn("discarded garbage before frame delimiter", "bytes", dropped)
		}
	}
}

// teardown emits the offline transition and releases the socket.
func (s *Session) teardown() {
	if s.identified {
		s.gate.Offline(s.deviceID)
	}
	if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Debug("session close error", "error", err)
	}
}

// setIdentity records the device ID from the first identified frame.
// A conflicting identity later in the session is logged and ignored;
// the first identity wins.
func (s *Session) setIdentity(deviceID string) {
	if !s.identified {
		s.deviceID = deviceID
		s.identified = true
		s.logger = s.logger.With("device_id", deviceID)
		s.logger.Info("terminal identified")
		return
	}
	if s.deviceID != deviceID {
		s.logger.Warn("identity conflict, keeping first",
			"claimed_device_id", deviceID)
	}
}

// nextSerial returns the serial number for the next platform frame.
func (s *Session) nextSerial() uint16 {
	s.serial++
	return s.serial
}

// writeFrame marshals and writes one platform frame under the write
// deadline. Any failure is fatal to the session.
func (s *Session) writeFrame(f *jt808.Frame) error {
	data, err := jt808.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}

	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if _, err := s.conn.Write(data); err != nil {
		return fmt.Errorf("write response: %w", err)
	}

	s.metrics.IncResponsesSent(f.MsgID.String())
	return nil
}
