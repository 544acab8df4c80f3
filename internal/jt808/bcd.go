package jt808

import (
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// BCD Helpers - JT/T 808-2013 packs identifiers and timestamps as BCD
// ---------------------------------------------------------------------------

// EncodeDeviceID packs a decimal device identifier into six BCD bytes.
// Identifiers shorter than twelve digits are left-padded with zeros;
// longer ones keep the last twelve digits. Non-digit characters encode
// their low nibble, mirroring what permissive terminals emit.
func EncodeDeviceID(id string) []byte {
	if len(id) > DeviceIDDigits {
		id = id[len(id)-DeviceIDDigits:]
	}
	for len(id) < DeviceIDDigits {
		id = "0" + id
	}
	out := make([]byte, DeviceIDDigits/2)
	for i := 0; i < DeviceIDDigits; i += 2 {
		out[i/2] = (id[i]&0x0F)<<4 | id[i+1]&0x0F
	}
	return out
}

// DeviceIDFromBCD unpacks six BCD bytes into a twelve-digit decimal
// string, keeping leading zeros. Nibbles above 9 fall back to uppercase
// hex so a corrupted identifier still yields a stable session key.
func DeviceIDFromBCD(b []byte) string {
	const hexDigits = "0123456789ABCDEF"
	out := make([]byte, 0, len(b)*2)
	for _, v := range b {
		out = append(out, hexDigits[v>>4], hexDigits[v&0x0F])
	}
	return string(out)
}

// EncodeBCDTime packs a timestamp into the six-byte BCD form
// YYMMDDhhmmss used by location report bodies. The year is taken
// modulo 100.
func EncodeBCDTime(t time.Time) []byte {
	enc := func(v int) byte {
		return byte(v/10)<<4 | byte(v%10)
	}
	return []byte{
		enc(t.Year() % 100),
		enc(int(t.Month())),
		enc(t.Day()),
		enc(t.Hour()),
		enc(t.Minute()),
		enc(t.Second()),
	}
}

// DecodeBCDTime unpacks a six-byte BCD timestamp into an ISO-8601
// string in the 21st century (`20YY-MM-DDThh:mm:ssZ`). No calendar
// validation is performed; garbage nibbles produce garbage digits, as
// real devices occasionally send them.
func DecodeBCDTime(b []byte) (string, error) {
	if len(b) != 6 {
		return "", fmt.Errorf("decode bcd time: %d bytes: %w", len(b), ErrBodyTruncated)
	}
	dec := func(v byte) int {
		return int(v>>4)*10 + int(v&0x0F)
	}
	return fmt.Sprintf("20%02d-%02d-%02dT%02d:%02d:%02dZ",
		dec(b[0]), dec(b[1]), dec(b[2]), dec(b[3]), dec(b[4]), dec(b[5])), nil
}
