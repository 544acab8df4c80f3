package gateway

import (
	"errors"

	"github.com/wolfguard/tracklink/internal/jt808"
)

// Frame error reasons for metrics.
const (
	reasonFraming  = "framing"
	reasonChecksum = "checksum"
	reasonHeader   = "header"
	reasonBody     = "body"
)

// frameErrorReason buckets a codec error for the frame_errors metric.
func frameErrorReason(err error) string {
	switch {
	case errors.Is(err, jt808.ErrChecksumMismatch):
		return reasonChecksum
	case errors.Is(err, jt808.ErrHeaderTooShort),
		errors.Is(err, jt808.ErrBodyLengthMismatch):
		return reasonHeader
	default:
		return reasonFraming
	}
}

// handleRaw decodes one wire frame and dispatches it. Codec and body
// parse failures drop the frame and keep the session alive; only write
// failures (and logout) end it.
func (s *Session) handleRaw(raw []byte) error {
	f, err := jt808.Unmarshal(raw)
	if err != nil {
		s.metrics.IncFrameErrors(frameErrorReason(err))
		s.logger.Warn("frame dropped", "error", err)
		return nil
	}

	s.metrics.IncFramesDecoded(f.MsgID.String())
	s.setIdentity(f.DeviceID)

	switch f.MsgID {
	case jt808.MsgTerminalHeartbeat:
		return s.handleHeartbeat(f)
	case jt808.MsgTerminalLogout:
		return s.handleLogout(f)
	case jt808.MsgTerminalRegistration:
		return s.handleRegistration(f)
	case jt808.MsgTerminalAuth:
		return s.handleAuth(f)
	case jt808.MsgLocationReport:
		return s.handleLocation(f)
	case jt808.MsgBatchLocationUpload:
		return s.handleBatch(f)
	default:
		s.logger.Info("unsupported message", "msg_id", f.MsgID.String())
		return s.respondGeneral(f, jt808.ResultUnsupported)
	}
}

// respondGeneral writes a platform general response echoing the
// frame's serial and message ID.
func (s *Session) respondGeneral(f *jt808.Frame, result uint8) error {
	return s.writeFrame(&jt808.Frame{
		MsgID:    jt808.MsgPlatformGeneralResponse,
		DeviceID: f.DeviceID,
		SerialNo: s.nextSerial(),
		Body:     jt808.EncodeGeneralResponse(f.SerialNo, f.MsgID, result),
	})
}

func (s *Session) handleHeartbeat(f *jt808.Frame) error {
	s.logger.Debug("heartbeat")
	if err := s.respondGeneral(f, jt808.ResultSuccess); err != nil {
		return err
	}
	s.gate.Heartbeat(f.DeviceID)
	return nil
}

func (s *Session) handleLogout(f *jt808.Frame) error {
	s.logger.Info("terminal logout")
	if err := s.respondGeneral(f, jt808.ResultSuccess); err != nil {
		return err
	}
	s.gate.Logout(f.DeviceID)

	// Offline already published; skip the duplicate in teardown.
	s.identified = false
	return errSessionDone
}

func (s *Session) handleRegistration(f *jt808.Frame) error {
	reg, err := jt808.ParseRegistration(f.Body)
	if err != nil {
		s.logger.Warn("registration body dropped", "error", err)
		return s.respondGeneral(f, jt808.ResultMalformed)
	}

	authCode := s.authCode
	if authCode == "" {
		authCode = "123456"
	}

	resp := &jt808.Frame{
		MsgID:    jt808.MsgRegistrationResponse,
		DeviceID: f.DeviceID,
		SerialNo: s.nextSerial(),
		Body:     jt808.EncodeRegistrationResponse(f.SerialNo, jt808.ResultSuccess, authCode),
	}
	if err := s.writeFrame(resp); err != nil {
		return err
	}

	s.logger.Info("terminal registered",
		"manufacturer", reg.ManufacturerID, "model", reg.TerminalModel)
	s.gate.Registration(f.DeviceID, reg)
	return nil
}

func (s *Session) handleAuth(f *jt808.Frame) error {
	authCode, err := jt808.ParseAuthCode(f.Body)
	if err != nil {
		s.logger.Warn("auth body dropped", "error", err)
		return s.respondGeneral(f, jt808.ResultMalformed)
	}

	if err := s.respondGeneral(f, jt808.ResultSuccess); err != nil {
		return err
	}

	s.logger.Info("terminal authenticated")
	s.gate.Authentication(f.DeviceID, authCode)
	return nil
}

func (s *Session) handleLocation(f *jt808.Frame) error {
	report, err := jt808.ParseLocationReport(f.Body)
	if err != nil {
		s.logger.Warn("location body dropped", "error", err)
		return s.respondGeneral(f, jt808.ResultMalformed)
	}

	if err := s.respondGeneral(f, jt808.ResultSuccess); err != nil {
		return err
	}

	s.logger.Debug("location report",
		"lat", report.Latitude, "lon", report.Longitude, "speed", report.Speed)
	s.gate.Location(f.DeviceID, report)
	return nil
}

func (s *Session) handleBatch(f *jt808.Frame) error {
	batch, err := jt808.ParseBatchLocations(f.Body)
	if err != nil {
		s.logger.Warn("batch body dropped", "error", err)
		return s.respondGeneral(f, jt808.ResultMalformed)
	}

	if err := s.respondGeneral(f, jt808.ResultSuccess); err != nil {
		return err
	}

	s.logger.Info("batch location upload",
		"declared", batch.Count, "parsed", len(batch.Reports))
	s.gate.BatchLocation(f.DeviceID, batch)
	return nil
}
