// Package simulator implements a JT808 terminal: it dials the gateway,
// completes the registration and authentication handshake, and emits
// heartbeats and location reports. Location cadence runs through the
// same dual-threshold gate the gateway applies, so the simulated
// device behaves like a well-throttled tracker.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net"
	"strconv"
	"time"

	"github.com/wolfguard/tracklink/internal/config"
	"github.com/wolfguard/tracklink/internal/gate"
	"github.com/wolfguard/tracklink/internal/jt808"
)

// Reconnect backoff bounds: start at the initial delay, double up to
// the maximum, reset after a completed handshake.
const (
	reconnectInitial = 5 * time.Second
	reconnectMax     = 60 * time.Second
)

// Handshake timeouts.
const (
	dialTimeout      = 10 * time.Second
	registrationWait = 30 * time.Second
	authWait         = 10 * time.Second
)

// writeTimeout bounds each frame write.
const writeTimeout = 5 * time.Second

// ErrConnectionLost indicates the gateway connection dropped mid-session.
var ErrConnectionLost = errors.New("connection to gateway lost")

// Simulator drives one simulated terminal. Not safe for concurrent
// use; Run owns all state.
type Simulator struct {
	cfg    *config.Config
	logger *slog.Logger
	rng    *rand.Rand

	serial uint16

	lat       float64
	lon       float64
	speed     float64
	direction float64
	status    uint32
	alarm     uint32

	loc   *gate.LocationGate
	batch [][]byte
}

// New builds a simulator from the loaded configuration.
func New(cfg *config.Config, logger *slog.Logger) *Simulator {
	settings := gate.SettingsFromConfig(cfg)
	return &Simulator{
		cfg:    cfg,
		logger: logger.With("device_id", cfg.DeviceID),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),

		lat:       cfg.StartLatitude,
		lon:       cfg.StartLongitude,
		speed:     cfg.Speed,
		direction: float64(cfg.Direction),
		status:    jt808.StatusACCOn | jt808.StatusLocationFixed,

		loc: gate.NewLocationGate(settings.SpeedFast, settings.SpeedWalking,
			settings.Resting, settings.Walking, settings.Fast),
	}
}

// Run connects and reconnects until ctx is cancelled. Each failed
// session doubles the backoff; a session that completed its handshake
// resets it.
func (s *Simulator) Run(ctx context.Context) error {
	delay := reconnectInitial

	for {
		established, err := s.runSession(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			s.logger.Warn("session ended", "error", err)
		}

		if established {
			delay = reconnectInitial
		}

		s.logger.Info("reconnecting", "delay", delay.String())
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		if delay *= 2; delay > reconnectMax {
			delay = reconnectMax
		}
	}
}

// runSession dials, performs the handshake, and runs the emit loops
// until the socket fails or ctx is cancelled. The returned bool
// reports whether the handshake completed.
func (s *Simulator) runSession(ctx context.Context) (bool, error) {
	addr := net.JoinHostPort(s.cfg.JT808Host, strconv.Itoa(s.cfg.JT808Port))

	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false, fmt.Errorf("dial gateway %s: %w", addr, err)
	}
	defer conn.Close()

	s.logger.Info("connected to gateway", "addr", addr)

	// The reader decodes platform frames; closing the channel signals
	// socket loss.
	frames := make(chan *jt808.Frame, 8)
	go s.readLoop(conn, frames)

	// Unblock the reader on shutdown.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := s.handshake(conn, frames); err != nil {
		return false, err
	}

	err = s.emitLoop(ctx, conn, frames)
	return true, err
}

// readLoop extracts and decodes platform frames until the socket
// fails, then closes the frame channel.
func (s *Simulator) readLoop(conn net.Conn, frames chan<- *jt808.Frame) {
	defer close(frames)

	scanner := jt808.NewScanner()
	buf := make([]byte, 1024)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		if err := scanner.Append(buf[:n]); err != nil {
			s.logger.Warn("receive buffer overflow", "error", err)
			return
		}
		for {
			raw, ok := scanner.Next()
			if !ok {
				break
			}
			f, err := jt808.Unmarshal(raw)
			if err != nil {
				s.logger.Warn("platform frame dropped", "error", err)
				continue
			}
			frames <- f
		}
	}
}

// -------------------------------------------------------------------------
// Handshake
// -------------------------------------------------------------------------

// handshake registers and authenticates. A missing registration
// response falls back to the configured auth code; a missing auth
// acknowledgement is treated as success so a silent platform does not
// wedge the device.
func (s *Simulator) handshake(conn net.Conn, frames <-chan *jt808.Frame) error {
	if err := s.sendRegistration(conn); err != nil {
		return err
	}

	authCode := s.awaitAuthCode(frames)
	if authCode == "" {
		authCode = s.cfg.AuthCode
		s.logger.Warn("no registration response, using configured auth code")
	}

	if err := s.send(conn, jt808.MsgTerminalAuth, jt808.EncodeAuthBody(authCode)); err != nil {
		return err
	}

	if !s.awaitAuthAck(frames) {
		s.logger.Warn("no auth acknowledgement, proceeding anyway")
	}

	s.logger.Info("handshake complete")
	return nil
}

// awaitAuthCode waits for a successful registration response and
// returns its auth code, or "" on timeout or failure result.
func (s *Simulator) awaitAuthCode(frames <-chan *jt808.Frame) string {
	deadline := time.NewTimer(registrationWait)
	defer deadline.Stop()

	for {
		select {
		case <-deadline.C:
			return ""
		case f, ok := <-frames:
			if !ok {
				return ""
			}
			if f.MsgID != jt808.MsgRegistrationResponse {
				continue
			}
			resp, err := jt808.ParseRegistrationResponse(f.Body)
			if err != nil {
				s.logger.Warn("registration response dropped", "error", err)
				continue
			}
			if resp.Result != jt808.ResultSuccess {
				s.logger.Error("registration rejected", "result", resp.Result)
				return ""
			}
			s.logger.Info("registered", "auth_code", resp.AuthCode)
			return resp.AuthCode
		}
	}
}

// awaitAuthAck waits for the general response acknowledging the auth
// message.
func (s *Simulator) awaitAuthAck(frames <-chan *jt808.Frame) bool {
	deadline := time.NewTimer(authWait)
	defer deadline.Stop()

	for {
		select {
		case <-deadline.C:
			return false
		case f, ok := <-frames:
			if !ok {
				return false
			}
			if f.MsgID != jt808.MsgPlatformGeneralResponse {
				continue
			}
			resp, err := jt808.ParseGeneralResponse(f.Body)
			if err != nil {
				continue
			}
			if resp.AckID == jt808.MsgTerminalAuth {
				return resp.Result == jt808.ResultSuccess
			}
		}
	}
}

// -------------------------------------------------------------------------
// Emit Loops
// -------------------------------------------------------------------------

// emitLoop runs the heartbeat and location tickers until the socket
// fails or ctx is cancelled. On cancellation a best-effort logout is
// sent before returning.
func (s *Simulator) emitLoop(ctx context.Context, conn net.Conn, frames <-chan *jt808.Frame) error {
	heartbeat := time.NewTicker(time.Duration(s.cfg.HeartbeatInterval) * time.Second)
	defer heartbeat.Stop()
	location := time.NewTicker(time.Duration(s.cfg.LocationInterval) * time.Second)
	defer location.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := s.send(conn, jt808.MsgTerminalLogout, nil); err != nil {
				s.logger.Debug("logout send failed", "error", err)
			}
			return nil

		case f, ok := <-frames:
			if !ok {
				return ErrConnectionLost
			}
			s.logger.Debug("platform message", "msg_id", f.MsgID.String())

		case <-heartbeat.C:
			s.logger.Debug("sending heartbeat")
			if err := s.send(conn, jt808.MsgTerminalHeartbeat, nil); err != nil {
				return err
			}

		case <-location.C:
			if err := s.tickLocation(conn); err != nil {
				return err
			}
		}
	}
}

// tickLocation advances the simulated position and emits a location
// report if it passes the dual gate. With batching enabled, passing
// samples accumulate and flush as one batch upload.
func (s *Simulator) tickLocation(conn net.Conn) error {
	if s.cfg.Move {
		s.updatePosition()
	}

	activity, emit := s.loc.Offer(time.Now(), s.lat, s.lon, s.speed)
	if !emit {
		s.logger.Debug("location withheld by gate", "activity", activity.String())
		return nil
	}

	body := jt808.EncodeLocationBody(s.alarm, s.status, s.lat, s.lon,
		uint16(s.cfg.Altitude), s.speed, uint16(s.direction), time.Now(),
		jt808.Uint32Item(0x01, uint32(s.cfg.Mileage)),
		jt808.Uint16Item(0x02, uint16(s.cfg.Fuel)),
	)

	if s.cfg.BatchEnabled {
		// Batch entries carry only the fixed block; the 28-byte stride
		// leaves no room for additional items.
		s.batch = append(s.batch, body[:jt808.LocationBodySize])
		s.logger.Debug("location batched", "pending", len(s.batch))
		if len(s.batch) < s.cfg.BatchSize {
			return nil
		}
		batchBody := jt808.EncodeBatchBody(jt808.BatchTypeNormal, s.batch)
		s.batch = s.batch[:0]
		s.logger.Info("sending location batch", "count", s.cfg.BatchSize)
		return s.send(conn, jt808.MsgBatchLocationUpload, batchBody)
	}

	s.logger.Info("sending location",
		"lat", s.lat, "lon", s.lon, "speed", s.speed, "activity", activity.String())
	return s.send(conn, jt808.MsgLocationReport, body)
}

// updatePosition moves the device one step along its heading, then
// jitters heading and speed for the next step.
func (s *Simulator) updatePosition() {
	rad := s.direction * math.Pi / 180.0
	s.lat += s.cfg.MoveDistance * math.Cos(rad)
	s.lon += s.cfg.MoveDistance * math.Sin(rad)

	s.direction = math.Mod(s.direction+s.rng.Float64()*20-10+360, 360)

	jitter := s.rng.Float64()*20 - 10
	s.speed = math.Max(0, math.Min(120, s.cfg.Speed+jitter))
}

// -------------------------------------------------------------------------
// Frame Sending
// -------------------------------------------------------------------------

// sendRegistration frames the configured registration body.
func (s *Simulator) sendRegistration(conn net.Conn) error {
	body := jt808.EncodeRegistrationBody(&jt808.Registration{
		ProvinceID:     uint16(s.cfg.ProvinceID),
		CityID:         uint16(s.cfg.CityID),
		ManufacturerID: s.cfg.ManufacturerID,
		TerminalModel:  s.cfg.TerminalModel,
		TerminalID:     s.cfg.TerminalID,
		PlateColor:     uint8(s.cfg.PlateColor),
		Plate:          s.cfg.LicensePlate,
	})
	s.logger.Info("sending registration",
		"manufacturer", s.cfg.ManufacturerID, "model", s.cfg.TerminalModel)
	return s.send(conn, jt808.MsgTerminalRegistration, body)
}

// send frames and writes one terminal message under the write deadline.
func (s *Simulator) send(conn net.Conn, msgID jt808.MsgID, body []byte) error {
	s.serial++
	data, err := jt808.Marshal(&jt808.Frame{
		MsgID:    msgID,
		DeviceID: s.cfg.DeviceID,
		SerialNo: s.serial,
		Body:     body,
	})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msgID.String(), err)
	}

	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", msgID.String(), err)
	}
	return nil
}
