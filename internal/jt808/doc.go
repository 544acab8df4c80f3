// Package jt808 implements the JT/T 808-2013 frame codec.
//
// This includes the byte-stuffed framing with XOR checksum, header
// parsing with optional sub-packaging, BCD helpers, and the message
// body encodings used by the gateway and the simulator.
package jt808
