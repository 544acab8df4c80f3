package jt808_test

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/wolfguard/tracklink/internal/jt808"
)

func TestEscapeUnescape(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     []byte
		escaped []byte
	}{
		{
			name:    "no special bytes",
			raw:     []byte{0x30, 0x31, 0x32},
			escaped: []byte{0x30, 0x31, 0x32},
		},
		{
			name:    "frame byte",
			raw:     []byte{0x30, 0x7E, 0x08},
			escaped: []byte{0x30, 0x7D, 0x02, 0x08},
		},
		{
			name:    "escape byte",
			raw:     []byte{0x30, 0x7D, 0x08},
			escaped: []byte{0x30, 0x7D, 0x01, 0x08},
		},
		{
			name:    "both special bytes",
			raw:     []byte{0x7E, 0x7D},
			escaped: []byte{0x7D, 0x02, 0x7D, 0x01},
		},
		{
			name:    "empty",
			raw:     []byte{},
			escaped: []byte{},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := jt808.Escape(tt.raw)
			if !bytes.Equal(got, tt.escaped) {
				t.Errorf("Escape(% X) = % X, want % X", tt.raw, got, tt.escaped)
			}

			back, err := jt808.Unescape(tt.escaped)
			if err != nil {
				t.Fatalf("Unescape(% X) error: %v", tt.escaped, err)
			}
			if !bytes.Equal(back, tt.raw) {
				t.Errorf("Unescape(% X) = % X, want % X", tt.escaped, back, tt.raw)
			}
		})
	}
}

func TestUnescapeDanglingEscape(t *testing.T) {
	t.Parallel()

	_, err := jt808.Unescape([]byte{0x30, 0x7D})
	if !errors.Is(err, jt808.ErrDanglingEscape) {
		t.Errorf("Unescape trailing 0x7D error = %v, want ErrDanglingEscape", err)
	}
}

func TestUnescapeUnknownEscapeKeptLiterally(t *testing.T) {
	t.Parallel()

	got, err := jt808.Unescape([]byte{0x7D, 0x05, 0x30})
	if err != nil {
		t.Fatalf("Unescape error: %v", err)
	}
	want := []byte{0x7D, 0x05, 0x30}
	if !bytes.Equal(got, want) {
		t.Errorf("Unescape = % X, want % X", got, want)
	}
}

func TestChecksum(t *testing.T) {
	t.Parallel()

	if got := jt808.Checksum(nil); got != 0 {
		t.Errorf("Checksum(nil) = 0x%02X, want 0x00", got)
	}
	if got := jt808.Checksum([]byte{0x01, 0x02, 0x03}); got != 0x00 {
		t.Errorf("Checksum(01 02 03) = 0x%02X, want 0x00", got)
	}
	if got := jt808.Checksum([]byte{0xFF, 0x0F}); got != 0xF0 {
		t.Errorf("Checksum(FF 0F) = 0x%02X, want 0xF0", got)
	}
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		frame *jt808.Frame
	}{
		{
			name: "empty body heartbeat",
			frame: &jt808.Frame{
				MsgID:    jt808.MsgTerminalHeartbeat,
				DeviceID: "013800138000",
				SerialNo: 7,
			},
		},
		{
			name: "body with bytes requiring escape",
			frame: &jt808.Frame{
				MsgID:    jt808.MsgTerminalAuth,
				DeviceID: "000000000001",
				SerialNo: 0xFFFF,
				Body:     []byte{0x7E, 0x7D, 0x00, 0x7E},
			},
		},
		{
			name: "encrypted flag preserved",
			frame: &jt808.Frame{
				MsgID:     jt808.MsgLocationReport,
				DeviceID:  "013800138000",
				SerialNo:  42,
				Encrypted: true,
				Body:      []byte{0xDE, 0xAD, 0xBE, 0xEF},
			},
		},
		{
			name: "package info carried with body",
			frame: &jt808.Frame{
				MsgID:       jt808.MsgTerminalGeneralResponse,
				DeviceID:    "013800138000",
				SerialNo:    11,
				PackageInfo: 0x0405,
				Body:        []byte{0x00, 0x0B, 0x02, 0x00, 0x00},
			},
		},
		{
			name: "subpackage fields preserved",
			frame: &jt808.Frame{
				MsgID:    jt808.MsgLocationReport,
				DeviceID: "013800138000",
				SerialNo: 9,
				Subpackage: &jt808.SubpackageInfo{
					TotalPackets: 3,
					PacketSeq:    2,
				},
				Body: []byte{0x01, 0x02},
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			wire, err := jt808.Marshal(tt.frame)
			if err != nil {
				t.Fatalf("Marshal error: %v", err)
			}

			if wire[0] != jt808.FrameByte || wire[len(wire)-1] != jt808.FrameByte {
				t.Fatalf("wire frame not delimited: % X", wire)
			}
			for _, b := range wire[1 : len(wire)-1] {
				if b == jt808.FrameByte {
					t.Fatalf("interior 0x7E in wire frame: % X", wire)
				}
			}

			got, err := jt808.Unmarshal(wire)
			if err != nil {
				t.Fatalf("Unmarshal error: %v", err)
			}

			if got.MsgID != tt.frame.MsgID {
				t.Errorf("MsgID = %v, want %v", got.MsgID, tt.frame.MsgID)
			}
			if got.DeviceID != tt.frame.DeviceID {
				t.Errorf("DeviceID = %q, want %q", got.DeviceID, tt.frame.DeviceID)
			}
			if got.SerialNo != tt.frame.SerialNo {
				t.Errorf("SerialNo = %d, want %d", got.SerialNo, tt.frame.SerialNo)
			}
			if got.PackageInfo != tt.frame.PackageInfo {
				t.Errorf("PackageInfo = 0x%04X, want 0x%04X", got.PackageInfo, tt.frame.PackageInfo)
			}
			if got.Encrypted != tt.frame.Encrypted {
				t.Errorf("Encrypted = %v, want %v", got.Encrypted, tt.frame.Encrypted)
			}
			if !bytes.Equal(got.Body, tt.frame.Body) {
				t.Errorf("Body = % X, want % X", got.Body, tt.frame.Body)
			}
			if !got.ChecksumValid {
				t.Error("ChecksumValid = false, want true")
			}

			if tt.frame.Subpackage != nil {
				if got.Subpackage == nil {
					t.Fatal("Subpackage = nil, want preserved")
				}
				if *got.Subpackage != *tt.frame.Subpackage {
					t.Errorf("Subpackage = %+v, want %+v", got.Subpackage, tt.frame.Subpackage)
				}
			}
		})
	}
}

func TestMarshalHeaderLayout(t *testing.T) {
	t.Parallel()

	wire, err := jt808.Marshal(&jt808.Frame{
		MsgID:       jt808.MsgTerminalHeartbeat,
		DeviceID:    "013800138000",
		SerialNo:    7,
		PackageInfo: 0x0A0B,
	})
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}

	payload, err := jt808.Unescape(wire[1 : len(wire)-1])
	if err != nil {
		t.Fatalf("Unescape error: %v", err)
	}

	// Exactly the header plus the trailing checksum; the body must not
	// overlap any header field.
	if len(payload) != jt808.HeaderSize+1 {
		t.Fatalf("payload length = %d, want %d (header + checksum)", len(payload), jt808.HeaderSize+1)
	}
	if payload[12] != 0x0A || payload[13] != 0x0B {
		t.Errorf("package info on the wire = % X, want 0A 0B", payload[12:14])
	}
}

func TestMarshalBodyTooLong(t *testing.T) {
	t.Parallel()

	f := &jt808.Frame{
		MsgID:    jt808.MsgLocationReport,
		DeviceID: "013800138000",
		Body:     make([]byte, jt808.MaxBodyLen+1),
	}
	if _, err := jt808.Marshal(f); !errors.Is(err, jt808.ErrBodyTooLong) {
		t.Errorf("Marshal oversized body error = %v, want ErrBodyTooLong", err)
	}
}

func TestUnmarshalChecksumMismatch(t *testing.T) {
	t.Parallel()

	wire, err := jt808.Marshal(&jt808.Frame{
		MsgID:    jt808.MsgTerminalHeartbeat,
		DeviceID: "013800138000",
		SerialNo: 1,
	})
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}

	// Corrupt the serial number; the trailing checksum no longer matches.
	corrupted := bytes.Clone(wire)
	corrupted[11] ^= 0x01

	if _, err := jt808.Unmarshal(corrupted); !errors.Is(err, jt808.ErrChecksumMismatch) {
		t.Errorf("Unmarshal corrupted frame error = %v, want ErrChecksumMismatch", err)
	}

	// Lenient mode returns the frame flagged instead of failing.
	f, err := jt808.UnmarshalLenient(corrupted)
	if err != nil {
		t.Fatalf("UnmarshalLenient error: %v", err)
	}
	if f.ChecksumValid {
		t.Error("UnmarshalLenient ChecksumValid = true, want false")
	}
}

func TestUnmarshalErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{
			name: "missing delimiters",
			data: []byte{0x00, 0x01, 0x02},
			want: jt808.ErrInvalidFraming,
		},
		{
			name: "empty input",
			data: nil,
			want: jt808.ErrInvalidFraming,
		},
		{
			name: "too short for header",
			data: []byte{0x7E, 0x00, 0x01, 0x02, 0x03, 0x7E},
			want: jt808.ErrHeaderTooShort,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if _, err := jt808.Unmarshal(tt.data); !errors.Is(err, tt.want) {
				t.Errorf("Unmarshal(% X) error = %v, want %v", tt.data, err, tt.want)
			}
		})
	}
}

func TestUnmarshalBodyLengthMismatch(t *testing.T) {
	t.Parallel()

	wire, err := jt808.Marshal(&jt808.Frame{
		MsgID:    jt808.MsgTerminalAuth,
		DeviceID: "013800138000",
		SerialNo: 3,
		Body:     []byte{0x01, 0x02, 0x03},
	})
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}

	// Rebuild the frame with one body byte sliced off and the checksum
	// recomputed so only the length disagreement remains.
	payload, err := jt808.Unescape(wire[1 : len(wire)-1])
	if err != nil {
		t.Fatalf("Unescape error: %v", err)
	}
	raw := payload[:len(payload)-2] // drop checksum and last body byte
	rebuilt := append([]byte{jt808.FrameByte}, jt808.Escape(append(bytes.Clone(raw), jt808.Checksum(raw)))...)
	rebuilt = append(rebuilt, jt808.FrameByte)

	if _, err := jt808.Unmarshal(rebuilt); !errors.Is(err, jt808.ErrBodyLengthMismatch) {
		t.Errorf("Unmarshal error = %v, want ErrBodyLengthMismatch", err)
	}
}

func TestMsgIDString(t *testing.T) {
	t.Parallel()

	if got := jt808.MsgLocationReport.String(); got != "LocationReport" {
		t.Errorf("MsgLocationReport.String() = %q, want %q", got, "LocationReport")
	}
	if got := jt808.MsgID(0x0999).String(); got != "Unknown(0x0999)" {
		t.Errorf("unknown MsgID String() = %q, want %q", got, "Unknown(0x0999)")
	}
}

func TestDeviceIDBCD(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		id   string
		want string
	}{
		{"full twelve digits", "013800138000", "013800138000"},
		{"short id left-padded", "138000", "000000138000"},
		{"long id keeps last twelve", "99013800138000", "013800138000"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			bcd := jt808.EncodeDeviceID(tt.id)
			if len(bcd) != 6 {
				t.Fatalf("EncodeDeviceID length = %d, want 6", len(bcd))
			}
			if got := jt808.DeviceIDFromBCD(bcd); got != tt.want {
				t.Errorf("round trip = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDeviceIDFromBCDNonDecimalNibbles(t *testing.T) {
	t.Parallel()

	// Corrupted identifiers still map to a stable string.
	got := jt808.DeviceIDFromBCD([]byte{0xAB, 0x12, 0xCD, 0x34, 0xEF, 0x56})
	if got != "AB12CD34EF56" {
		t.Errorf("DeviceIDFromBCD = %q, want %q", got, "AB12CD34EF56")
	}
}

func TestBCDTimeRoundTrip(t *testing.T) {
	t.Parallel()

	ts := time.Date(2025, 8, 26, 13, 45, 7, 0, time.UTC)
	b := jt808.EncodeBCDTime(ts)
	if want := []byte{0x25, 0x08, 0x26, 0x13, 0x45, 0x07}; !bytes.Equal(b, want) {
		t.Fatalf("EncodeBCDTime = % X, want % X", b, want)
	}
	got, err := jt808.DecodeBCDTime(b)
	if err != nil {
		t.Fatalf("DecodeBCDTime error: %v", err)
	}
	if got != "2025-08-26T13:45:07Z" {
		t.Errorf("DecodeBCDTime = %q, want %q", got, "2025-08-26T13:45:07Z")
	}

	if _, err := jt808.DecodeBCDTime([]byte{0x25, 0x08}); !errors.Is(err, jt808.ErrBodyTruncated) {
		t.Errorf("DecodeBCDTime short input error = %v, want ErrBodyTruncated", err)
	}
}
