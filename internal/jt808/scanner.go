package jt808

import (
	"bytes"
	"errors"
)

// MaxBufferSize caps the per-session receive buffer. A peer that sends
// this much data without completing a frame is not speaking JT808.
const MaxBufferSize = 64 * 1024

// minFrameSize is the smallest complete frame on the wire: 14-byte
// header + checksum + both delimiters.
const minFrameSize = HeaderSize + 3

// ErrBufferOverflow indicates the receive buffer cap was exceeded
// without a complete frame.
var ErrBufferOverflow = errors.New("receive buffer overflow without a complete frame")

// Scanner accumulates a TCP byte stream and extracts complete wire
// frames. Garbage before the first frame delimiter is discarded; an
// incomplete frame is retained until more data arrives. Not safe for
// concurrent use; each session owns its own Scanner.
type Scanner struct {
	buf       []byte
	discarded int
}

// NewScanner returns an empty Scanner.
func NewScanner() *Scanner {
	return &Scanner{buf: make([]byte, 0, 4096)}
}

// Append adds raw stream bytes to the buffer. It fails with
// ErrBufferOverflow when the buffered data would exceed MaxBufferSize;
// the caller should drop the connection.
func (s *Scanner) Append(data []byte) error {
	if len(s.buf)+len(data) > MaxBufferSize {
		return ErrBufferOverflow
	}
	s.buf = append(s.buf, data...)
	return nil
}

// Buffered reports the number of bytes retained awaiting a complete frame.
func (s *Scanner) Buffered() int {
	return len(s.buf)
}

// Discarded returns the number of garbage bytes dropped ahead of a
// frame delimiter since the last call, and resets the counter.
func (s *Scanner) Discarded() int {
	n := s.discarded
	s.discarded = 0
	return n
}

// Next extracts the next complete frame, delimiters included. It
// returns ok=false when no complete frame is buffered. Degenerate
// delimiter runs (frames too short to carry a header) are skipped.
func (s *Scanner) Next() ([]byte, bool) {
	for {
		start := bytes.IndexByte(s.buf, FrameByte)
		if start < 0 {
			// Nothing resembling a frame; drop the garbage.
			s.discarded += len(s.buf)
			s.buf = s.buf[:0]
			return nil, false
		}
		if start > 0 {
			s.discarded += start
			s.buf = s.buf[start:]
		}

		end := bytes.IndexByte(s.buf[1:], FrameByte)
		if end < 0 {
			// Opening delimiter seen, frame still incomplete.
			return nil, false
		}
		end += 2 // absolute index one past the closing delimiter

		if end < minFrameSize {
			// Adjacent delimiters or a runt; resync past the opener.
			s.buf = s.buf[1:]
			continue
		}

		frame := make([]byte, end)
		copy(frame, s.buf[:end])
		s.buf = s.buf[end:]
		return frame, true
	}
}
