package jt808

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// -------------------------------------------------------------------------
// Protocol Constants - JT/T 808-2013 Section 5
// -------------------------------------------------------------------------

// FrameByte delimits every frame on the wire (JT/T 808-2013 Section 5.1).
const FrameByte = 0x7E

// EscapeByte introduces a two-byte escape sequence inside a frame
// (JT/T 808-2013 Section 5.2).
const EscapeByte = 0x7D

const (
	// escFrame is the second byte of the escape for 0x7E.
	escFrame = 0x02

	// escEscape is the second byte of the escape for 0x7D.
	escEscape = 0x01
)

// HeaderSize is the mandatory message header size in bytes when the
// sub-package bit is clear (JT/T 808-2013 Table 2): msg id (2) + body
// attributes (2) + device id BCD (6) + serial (2) + package info (2).
const HeaderSize = 14

// SubpackageInfoSize is the size of the optional sub-package fields:
// total packets (2) + packet sequence (2).
const SubpackageInfoSize = 4

// MaxBodyLen is the maximum body length encodable in the body attribute
// field (bits 0-9).
const MaxBodyLen = 0x3FF

// Body attribute bit masks (JT/T 808-2013 Table 3).
const (
	bodyLenMask   = 0x03FF // bits 0-9: body length
	encryptedBit  = 0x0400 // bit 10: RSA encryption
	subpackageBit = 0x2000 // bit 13: sub-package
)

// DeviceIDDigits is the canonical device identifier length: six BCD
// bytes carrying twelve decimal digits.
const DeviceIDDigits = 12

// -------------------------------------------------------------------------
// Message IDs - JT/T 808-2013 Table 4
// -------------------------------------------------------------------------

// MsgID identifies a JT808 message type.
type MsgID uint16

const (
	// MsgTerminalGeneralResponse is the terminal general response (T→P).
	MsgTerminalGeneralResponse MsgID = 0x0001

	// MsgTerminalHeartbeat is the terminal heartbeat (T→P).
	MsgTerminalHeartbeat MsgID = 0x0002

	// MsgTerminalLogout is the terminal logout (T→P).
	MsgTerminalLogout MsgID = 0x0003

	// MsgTerminalRegistration is the terminal registration (T→P).
	MsgTerminalRegistration MsgID = 0x0100

	// MsgTerminalAuth is the terminal authentication (T→P).
	MsgTerminalAuth MsgID = 0x0102

	// MsgLocationReport is the location information report (T→P).
	MsgLocationReport MsgID = 0x0200

	// MsgBatchLocationUpload is the batch upload of positioning data (T→P).
	MsgBatchLocationUpload MsgID = 0x0704

	// MsgPlatformGeneralResponse is the platform general response (P→T).
	MsgPlatformGeneralResponse MsgID = 0x8001

	// MsgRegistrationResponse is the terminal registration response (P→T).
	MsgRegistrationResponse MsgID = 0x8100
)

// String returns the conventional name for the message ID, or the hex
// code for unrecognized values.
func (id MsgID) String() string {
	switch id {
	case MsgTerminalGeneralResponse:
		return "TerminalGeneralResponse"
	case MsgTerminalHeartbeat:
		return "TerminalHeartbeat"
	case MsgTerminalLogout:
		return "TerminalLogout"
	case MsgTerminalRegistration:
		return "TerminalRegistration"
	case MsgTerminalAuth:
		return "TerminalAuth"
	case MsgLocationReport:
		return "LocationReport"
	case MsgBatchLocationUpload:
		return "BatchLocationUpload"
	case MsgPlatformGeneralResponse:
		return "PlatformGeneralResponse"
	case MsgRegistrationResponse:
		return "RegistrationResponse"
	default:
		return fmt.Sprintf("Unknown(0x%04X)", uint16(id))
	}
}

// -------------------------------------------------------------------------
// Result Codes - JT/T 808-2013 Table 5
// -------------------------------------------------------------------------

// Result codes carried in general responses.
const (
	// ResultSuccess indicates the message was accepted.
	ResultSuccess uint8 = 0

	// ResultFailure indicates the message was rejected.
	ResultFailure uint8 = 1

	// ResultMalformed indicates the message body could not be parsed.
	ResultMalformed uint8 = 2

	// ResultUnsupported indicates the message type is not handled.
	ResultUnsupported uint8 = 3
)

// -------------------------------------------------------------------------
// Codec Errors
// -------------------------------------------------------------------------

// Sentinel errors for frame codec failures.
var (
	// ErrInvalidFraming indicates the input does not start and end with 0x7E.
	ErrInvalidFraming = errors.New("frame must start and end with 0x7E")

	// ErrDanglingEscape indicates an escape byte at the end of the payload
	// with no second byte.
	ErrDanglingEscape = errors.New("dangling escape byte at end of frame")

	// ErrChecksumMismatch indicates the XOR checksum does not match.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrHeaderTooShort indicates fewer than 14 bytes remain after
	// unescaping and stripping the checksum.
	ErrHeaderTooShort = errors.New("header too short")

	// ErrBodyLengthMismatch indicates the body attribute length disagrees
	// with the bytes actually present.
	ErrBodyLengthMismatch = errors.New("body length disagrees with body attribute")

	// ErrBodyTooLong indicates a body exceeding the 10-bit length field.
	ErrBodyTooLong = errors.New("body exceeds maximum encodable length")

	// ErrBodyTruncated indicates a message body shorter than its fixed layout.
	ErrBodyTruncated = errors.New("message body truncated")
)

// -------------------------------------------------------------------------
// SubpackageInfo
// -------------------------------------------------------------------------

// SubpackageInfo carries the sub-package fields present when bit 13 of
// the body attribute is set (JT/T 808-2013 Table 2). The feature is
// recognised and preserved but bodies are not reassembled.
type SubpackageInfo struct {
	// TotalPackets is the number of packets in the logical message.
	TotalPackets uint16

	// PacketSeq is the 1-based sequence number of this packet.
	PacketSeq uint16
}

// -------------------------------------------------------------------------
// Frame
// -------------------------------------------------------------------------

// Frame is the decoded on-wire unit.
//
// DeviceID is the canonical in-memory form of the six-byte BCD device
// identifier: a twelve-digit decimal string with leading zeros preserved.
type Frame struct {
	// MsgID is the message type.
	MsgID MsgID

	// DeviceID is the twelve-digit decimal device identifier.
	DeviceID string

	// SerialNo is the message serial number, echoed back in responses.
	SerialNo uint16

	// PackageInfo is the raw package info header field; zero when the
	// message is not sub-packaged.
	PackageInfo uint16

	// Encrypted reflects bit 10 of the body attribute. Encrypted bodies
	// are passed through undecoded.
	Encrypted bool

	// Subpackage holds the sub-package fields, nil when bit 13 is clear.
	Subpackage *SubpackageInfo

	// Body is the message body. Length must not exceed MaxBodyLen.
	Body []byte

	// ChecksumValid is false only for frames returned by UnmarshalLenient
	// whose trailing checksum disagreed with the computed one. Marshal
	// ignores it.
	ChecksumValid bool
}

// bodyAttr computes the body attribute field for encoding.
func (f *Frame) bodyAttr() uint16 {
	attr := uint16(len(f.Body)) & bodyLenMask
	if f.Encrypted {
		attr |= encryptedBit
	}
	if f.Subpackage != nil {
		attr |= subpackageBit
	}
	return attr
}

// -------------------------------------------------------------------------
// Checksum & Escaping - JT/T 808-2013 Sections 5.2, 5.3
// -------------------------------------------------------------------------

// Checksum computes the single-byte XOR fold over data. The checksum is
// computed over the unescaped header and body.
func Checksum(data []byte) byte {
	var cs byte
	for _, b := range data {
		cs ^= b
	}
	return cs
}

// Escape applies the JT808 byte-stuffing rules to data:
// 0x7E becomes 0x7D 0x02 and 0x7D becomes 0x7D 0x01. No other byte is
// altered. The result contains no interior 0x7E.
func Escape(data []byte) []byte {
	out := make([]byte, 0, len(data)+4)
	for _, b := range data {
		switch b {
		case FrameByte:
			out = append(out, EscapeByte, escFrame)
		case EscapeByte:
			out = append(out, EscapeByte, escEscape)
		default:
			out = append(out, b)
		}
	}
	return out
}

// Unescape reverses Escape. An escape byte followed by anything other
// than 0x01 or 0x02 is kept literally, matching permissive receivers in
// the field. A trailing escape byte with no successor fails with
// ErrDanglingEscape.
func Unescape(data []byte) ([]byte, error) {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if data[i] != EscapeByte {
			out = append(out, data[i])
			continue
		}
		if i+1 >= len(data) {
			return nil, ErrDanglingEscape
		}
		switch data[i+1] {
		case escFrame:
			out = append(out, FrameByte)
			i++
		case escEscape:
			out = append(out, EscapeByte)
			i++
		default:
			out = append(out, data[i])
		}
	}
	return out, nil
}

// -------------------------------------------------------------------------
// Marshal
// -------------------------------------------------------------------------

// Marshal serialises a frame: header and body are packed in network
// byte order, the XOR checksum is appended, the whole payload is
// escaped and wrapped in 0x7E delimiters.
func Marshal(f *Frame) ([]byte, error) {
	if len(f.Body) > MaxBodyLen {
		return nil, fmt.Errorf("marshal frame: body %d bytes: %w", len(f.Body), ErrBodyTooLong)
	}

	headerLen := HeaderSize
	if f.Subpackage != nil {
		headerLen += SubpackageInfoSize
	}

	raw := make([]byte, headerLen, headerLen+len(f.Body)+1)
	binary.BigEndian.PutUint16(raw[0:2], uint16(f.MsgID))
	binary.BigEndian.PutUint16(raw[2:4], f.bodyAttr())
	copy(raw[4:10], EncodeDeviceID(f.DeviceID))
	binary.BigEndian.PutUint16(raw[10:12], f.SerialNo)
	binary.BigEndian.PutUint16(raw[12:14], f.PackageInfo)
	if f.Subpackage != nil {
		binary.BigEndian.PutUint16(raw[14:16], f.Subpackage.TotalPackets)
		binary.BigEndian.PutUint16(raw[16:18], f.Subpackage.PacketSeq)
	}
	raw = append(raw, f.Body...)
	raw = append(raw, Checksum(raw))

	escaped := Escape(raw)
	out := make([]byte, 0, len(escaped)+2)
	out = append(out, FrameByte)
	out = append(out, escaped...)
	out = append(out, FrameByte)
	return out, nil
}

// -------------------------------------------------------------------------
// Unmarshal
// -------------------------------------------------------------------------

// Unmarshal decodes a complete wire frame in strict mode: a checksum
// mismatch fails with ErrChecksumMismatch. Use UnmarshalLenient for a
// best-effort decode that flags the mismatch instead.
func Unmarshal(data []byte) (*Frame, error) {
	return unmarshal(data, true)
}

// UnmarshalLenient decodes a frame like Unmarshal but tolerates a
// checksum mismatch: the frame is returned with ChecksumValid set to
// false so the caller can decide whether to trust it.
func UnmarshalLenient(data []byte) (*Frame, error) {
	return unmarshal(data, false)
}

func unmarshal(data []byte, strict bool) (*Frame, error) {
	if len(data) < 2 || data[0] != FrameByte || data[len(data)-1] != FrameByte {
		return nil, fmt.Errorf("unmarshal frame: %w", ErrInvalidFraming)
	}

	payload, err := Unescape(data[1 : len(data)-1])
	if err != nil {
		return nil, fmt.Errorf("unmarshal frame: %w", err)
	}

	// Minimum: 14-byte header + 1 checksum byte.
	if len(payload) < HeaderSize+1 {
		return nil, fmt.Errorf("unmarshal frame: %d bytes after unescape: %w",
			len(payload), ErrHeaderTooShort)
	}

	raw := payload[:len(payload)-1]
	wantCS := payload[len(payload)-1]
	gotCS := Checksum(raw)
	checksumOK := wantCS == gotCS
	if !checksumOK && strict {
		return nil, fmt.Errorf("unmarshal frame: received 0x%02X, computed 0x%02X: %w",
			wantCS, gotCS, ErrChecksumMismatch)
	}

	f := &Frame{
		MsgID:         MsgID(binary.BigEndian.Uint16(raw[0:2])),
		DeviceID:      DeviceIDFromBCD(raw[4:10]),
		SerialNo:      binary.BigEndian.Uint16(raw[10:12]),
		PackageInfo:   binary.BigEndian.Uint16(raw[12:14]),
		ChecksumValid: checksumOK,
	}

	attr := binary.BigEndian.Uint16(raw[2:4])
	f.Encrypted = attr&encryptedBit != 0

	headerLen := HeaderSize
	if attr&subpackageBit != 0 {
		if len(raw) < HeaderSize+SubpackageInfoSize {
			return nil, fmt.Errorf("unmarshal frame: sub-package header: %w", ErrHeaderTooShort)
		}
		f.Subpackage = &SubpackageInfo{
			TotalPackets: binary.BigEndian.Uint16(raw[14:16]),
			PacketSeq:    binary.BigEndian.Uint16(raw[16:18]),
		}
		headerLen += SubpackageInfoSize
	}

	f.Body = raw[headerLen:]

	if got, want := len(f.Body), int(attr&bodyLenMask); got != want {
		return nil, fmt.Errorf("unmarshal frame: body %d bytes, attribute says %d: %w",
			got, want, ErrBodyLengthMismatch)
	}

	return f, nil
}
