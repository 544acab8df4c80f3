package jt808

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/wolfguard/tracklink/internal/geo"
)

// LocationBodySize is the fixed basic location information block:
// alarm (4) + status (4) + latitude (4) + longitude (4) + altitude (2) +
// speed (2) + direction (2) + BCD timestamp (6).
const LocationBodySize = 28

// registrationFixedSize is the fixed prefix of the registration body:
// province (2) + city (2) + manufacturer (5) + model (20) +
// terminal id (7) + plate color (1).
const registrationFixedSize = 37

// ---------------------------------------------------------------------------
// Status & Alarm Flags - JT/T 808-2013 Tables 17, 18
// ---------------------------------------------------------------------------

// Status bit masks for the location status field.
const (
	StatusACCOn         uint32 = 0x01
	StatusLocationFixed uint32 = 0x02
	StatusLatSouth      uint32 = 0x04
	StatusLonWest       uint32 = 0x08
	StatusInOperation   uint32 = 0x10
	StatusEncrypted     uint32 = 0x20
)

// Alarm bit masks for the location alarm field.
const (
	AlarmEmergency        uint32 = 0x01
	AlarmOverspeed        uint32 = 0x02
	AlarmFatigueDriving   uint32 = 0x04
	AlarmDangerWarning    uint32 = 0x08
	AlarmGNSSModuleFault  uint32 = 0x10
	AlarmGNSSAntennaCut   uint32 = 0x20
	AlarmGNSSAntennaShort uint32 = 0x40
	AlarmMainPowerUnderv  uint32 = 0x80
)

type flagDef struct {
	name string
	mask uint32
}

var statusFlagDefs = []flagDef{
	{"acc_on", StatusACCOn},
	{"location_fixed", StatusLocationFixed},
	{"lat_south", StatusLatSouth},
	{"lon_west", StatusLonWest},
	{"in_operation", StatusInOperation},
	{"encrypted", StatusEncrypted},
}

var alarmFlagDefs = []flagDef{
	{"emergency", AlarmEmergency},
	{"overspeed", AlarmOverspeed},
	{"fatigue_driving", AlarmFatigueDriving},
	{"danger_warning", AlarmDangerWarning},
	{"gnss_module_fault", AlarmGNSSModuleFault},
	{"gnss_antenna_disconnected", AlarmGNSSAntennaCut},
	{"gnss_antenna_short_circuit", AlarmGNSSAntennaShort},
	{"terminal_main_power_undervoltage", AlarmMainPowerUnderv},
}

func flagMap(defs []flagDef, v uint32) map[string]bool {
	out := make(map[string]bool, len(defs))
	for _, d := range defs {
		out[d.name] = v&d.mask != 0
	}
	return out
}

// StatusFlags expands the status field into named booleans.
func StatusFlags(status uint32) map[string]bool {
	return flagMap(statusFlagDefs, status)
}

// AlarmFlags expands the alarm field into named booleans.
func AlarmFlags(alarm uint32) map[string]bool {
	return flagMap(alarmFlagDefs, alarm)
}

// ---------------------------------------------------------------------------
// Location Report - 0x0200 body, JT/T 808-2013 Table 16
// ---------------------------------------------------------------------------

// LocationReport is a decoded location information report body.
// Latitude and Longitude are signed decimal degrees; the sign is
// derived from the lat-south / lon-west status bits. Speed is in km/h
// after the on-wire tenths are scaled.
type LocationReport struct {
	Alarm     uint32
	Status    uint32
	Latitude  float64
	Longitude float64
	Altitude  uint16
	Speed     float64
	Direction uint16

	// Timestamp is the device clock in ISO-8601 form.
	Timestamp string

	// Additional holds the decoded additional information items keyed
	// by conventional names, with id_XX hex entries for unknown IDs.
	Additional map[string]any
}

// ParseLocationReport decodes a 0x0200 body. Bodies shorter than the
// fixed 28-byte block fail with ErrBodyTruncated. Additional items
// after the fixed block are decoded until the first truncated item,
// which stops the scan without error.
func ParseLocationReport(body []byte) (*LocationReport, error) {
	if len(body) < LocationBodySize {
		return nil, fmt.Errorf("parse location report: %d bytes: %w", len(body), ErrBodyTruncated)
	}

	r := &LocationReport{
		Alarm:     binary.BigEndian.Uint32(body[0:4]),
		Status:    binary.BigEndian.Uint32(body[4:8]),
		Altitude:  binary.BigEndian.Uint16(body[16:18]),
		Speed:     float64(binary.BigEndian.Uint16(body[18:20])) / 10.0,
		Direction: binary.BigEndian.Uint16(body[20:22]),
	}

	r.Latitude = geo.DMSToDecimal(binary.BigEndian.Uint32(body[8:12]))
	r.Longitude = geo.DMSToDecimal(binary.BigEndian.Uint32(body[12:16]))
	if r.Status&StatusLatSouth != 0 {
		r.Latitude = -r.Latitude
	}
	if r.Status&StatusLonWest != 0 {
		r.Longitude = -r.Longitude
	}

	ts, err := DecodeBCDTime(body[22:28])
	if err != nil {
		return nil, fmt.Errorf("parse location report: %w", err)
	}
	r.Timestamp = ts

	r.Additional = decodeAdditional(body[LocationBodySize:])
	return r, nil
}

// decodeAdditional walks the ID/length/value items after the fixed
// location block. Items with the conventional lengths get named keys
// and scaling; everything else lands under id_XX as hex.
func decodeAdditional(data []byte) map[string]any {
	out := make(map[string]any)
	for pos := 0; pos+2 <= len(data); {
		id := data[pos]
		length := int(data[pos+1])
		if pos+2+length > len(data) {
			break
		}
		value := data[pos+2 : pos+2+length]

		switch {
		case id == 0x01 && length == 4:
			out["mileage"] = float64(binary.BigEndian.Uint32(value)) / 10.0
		case id == 0x02 && length == 2:
			out["fuel"] = float64(binary.BigEndian.Uint16(value)) / 10.0
		case id == 0x03 && length == 2:
			out["speed_sensor"] = float64(binary.BigEndian.Uint16(value)) / 10.0
		case id == 0x04 && length == 2:
			out["altitude_sensor"] = int(binary.BigEndian.Uint16(value))
		default:
			out[fmt.Sprintf("id_%02X", id)] = hex.EncodeToString(value)
		}
		pos += 2 + length
	}
	return out
}

// AdditionalItem is an ID/value pair to append after the fixed
// location block when encoding.
type AdditionalItem struct {
	ID    uint8
	Value []byte
}

// Uint32Item builds a four-byte additional item.
func Uint32Item(id uint8, v uint32) AdditionalItem {
	return AdditionalItem{ID: id, Value: binary.BigEndian.AppendUint32(nil, v)}
}

// Uint16Item builds a two-byte additional item.
func Uint16Item(id uint8, v uint16) AdditionalItem {
	return AdditionalItem{ID: id, Value: binary.BigEndian.AppendUint16(nil, v)}
}

// EncodeLocationBody builds a 0x0200 body. Latitude and longitude are
// signed decimal degrees; negative values set the lat-south / lon-west
// status bits and encode their absolute value. Speed is km/h and is
// stored in tenths.
func EncodeLocationBody(alarm, status uint32, lat, lon float64, altitude uint16,
	speed float64, direction uint16, t time.Time, items ...AdditionalItem) []byte {

	if lat < 0 {
		status |= StatusLatSouth
		lat = -lat
	}
	if lon < 0 {
		status |= StatusLonWest
		lon = -lon
	}

	body := make([]byte, 0, LocationBodySize+len(items)*6)
	body = binary.BigEndian.AppendUint32(body, alarm)
	body = binary.BigEndian.AppendUint32(body, status)
	body = binary.BigEndian.AppendUint32(body, geo.DecimalToDMS(lat))
	body = binary.BigEndian.AppendUint32(body, geo.DecimalToDMS(lon))
	body = binary.BigEndian.AppendUint16(body, altitude)
	body = binary.BigEndian.AppendUint16(body, uint16(speed*10))
	body = binary.BigEndian.AppendUint16(body, direction)
	body = append(body, EncodeBCDTime(t)...)

	for _, it := range items {
		body = append(body, it.ID, byte(len(it.Value)))
		body = append(body, it.Value...)
	}
	return body
}

// ---------------------------------------------------------------------------
// Registration - 0x0100 body, JT/T 808-2013 Table 6
// ---------------------------------------------------------------------------

// Registration is a decoded terminal registration body. Text fields
// carry uppercase hex when the raw bytes are not printable ASCII.
type Registration struct {
	ProvinceID     uint16
	CityID         uint16
	ManufacturerID string
	TerminalModel  string
	TerminalID     string
	PlateColor     uint8
	Plate          string
}

// ParseRegistration decodes a 0x0100 body. The plate is optional;
// a truncated plate length leaves it empty.
func ParseRegistration(body []byte) (*Registration, error) {
	if len(body) < registrationFixedSize {
		return nil, fmt.Errorf("parse registration: %d bytes: %w", len(body), ErrBodyTruncated)
	}

	r := &Registration{
		ProvinceID:     binary.BigEndian.Uint16(body[0:2]),
		CityID:         binary.BigEndian.Uint16(body[2:4]),
		ManufacturerID: asciiOrHex(body[4:9]),
		TerminalModel:  asciiOrHex(body[9:29]),
		TerminalID:     asciiOrHex(body[29:36]),
		PlateColor:     body[36],
	}

	if len(body) > registrationFixedSize {
		plateLen := int(body[37])
		if 38+plateLen <= len(body) {
			r.Plate = asciiOrHex(body[38 : 38+plateLen])
		}
	}
	return r, nil
}

// EncodeRegistrationBody builds a 0x0100 body. Manufacturer, model and
// terminal id are space-padded or truncated to their fixed widths.
func EncodeRegistrationBody(r *Registration) []byte {
	body := make([]byte, 0, registrationFixedSize+1+len(r.Plate))
	body = binary.BigEndian.AppendUint16(body, r.ProvinceID)
	body = binary.BigEndian.AppendUint16(body, r.CityID)
	body = append(body, fixedField(r.ManufacturerID, 5)...)
	body = append(body, fixedField(r.TerminalModel, 20)...)
	body = append(body, fixedField(r.TerminalID, 7)...)
	body = append(body, r.PlateColor)
	body = append(body, byte(len(r.Plate)))
	body = append(body, r.Plate...)
	return body
}

// fixedField truncates or zero-pads s to exactly n bytes.
func fixedField(s string, n int) []byte {
	out := make([]byte, n)
	copy(out, s)
	return out
}

// asciiOrHex decodes printable ASCII with trailing NULs stripped, or
// falls back to uppercase hex for binary garbage.
func asciiOrHex(b []byte) string {
	trimmed := strings.TrimRight(string(b), "\x00")
	for i := 0; i < len(trimmed); i++ {
		if trimmed[i] < 0x20 || trimmed[i] > 0x7E {
			return strings.ToUpper(hex.EncodeToString(b))
		}
	}
	return trimmed
}

// ---------------------------------------------------------------------------
// Authentication - 0x0102 body, JT/T 808-2013 Table 8
// ---------------------------------------------------------------------------

// ParseAuthCode decodes a 0x0102 body: a length byte followed by the
// authentication code.
func ParseAuthCode(body []byte) (string, error) {
	if len(body) < 1 {
		return "", fmt.Errorf("parse auth: empty body: %w", ErrBodyTruncated)
	}
	n := int(body[0])
	if 1+n > len(body) {
		return "", fmt.Errorf("parse auth: code %d bytes, body %d: %w", n, len(body), ErrBodyTruncated)
	}
	return asciiOrHex(body[1 : 1+n]), nil
}

// EncodeAuthBody builds a 0x0102 body from an authentication code.
func EncodeAuthBody(code string) []byte {
	body := make([]byte, 0, 1+len(code))
	body = append(body, byte(len(code)))
	return append(body, code...)
}

// ---------------------------------------------------------------------------
// Platform Responses - 0x8001 / 0x8100, JT/T 808-2013 Tables 5, 7
// ---------------------------------------------------------------------------

// EncodeGeneralResponse builds a 0x8001 body: acknowledged serial,
// acknowledged message ID, result code.
func EncodeGeneralResponse(ackSerial uint16, ackID MsgID, result uint8) []byte {
	body := make([]byte, 0, 5)
	body = binary.BigEndian.AppendUint16(body, ackSerial)
	body = binary.BigEndian.AppendUint16(body, uint16(ackID))
	return append(body, result)
}

// GeneralResponse is a decoded 0x8001 body.
type GeneralResponse struct {
	AckSerial uint16
	AckID     MsgID
	Result    uint8
}

// ParseGeneralResponse decodes a 0x8001 body.
func ParseGeneralResponse(body []byte) (*GeneralResponse, error) {
	if len(body) < 5 {
		return nil, fmt.Errorf("parse general response: %d bytes: %w", len(body), ErrBodyTruncated)
	}
	return &GeneralResponse{
		AckSerial: binary.BigEndian.Uint16(body[0:2]),
		AckID:     MsgID(binary.BigEndian.Uint16(body[2:4])),
		Result:    body[4],
	}, nil
}

// EncodeRegistrationResponse builds a 0x8100 body: acknowledged serial,
// result code, and on success a length-prefixed authentication code.
func EncodeRegistrationResponse(ackSerial uint16, result uint8, authCode string) []byte {
	body := make([]byte, 0, 4+len(authCode))
	body = binary.BigEndian.AppendUint16(body, ackSerial)
	body = append(body, result)
	if result == ResultSuccess {
		body = append(body, byte(len(authCode)))
		body = append(body, authCode...)
	}
	return body
}

// RegistrationResponse is a decoded 0x8100 body.
type RegistrationResponse struct {
	AckSerial uint16
	Result    uint8
	AuthCode  string
}

// ParseRegistrationResponse decodes a 0x8100 body. The authentication
// code is present only on success.
func ParseRegistrationResponse(body []byte) (*RegistrationResponse, error) {
	if len(body) < 3 {
		return nil, fmt.Errorf("parse registration response: %d bytes: %w", len(body), ErrBodyTruncated)
	}
	r := &RegistrationResponse{
		AckSerial: binary.BigEndian.Uint16(body[0:2]),
		Result:    body[2],
	}
	if r.Result == ResultSuccess && len(body) > 3 {
		n := int(body[3])
		if 4+n <= len(body) {
			r.AuthCode = string(body[4 : 4+n])
		}
	}
	return r, nil
}

// ---------------------------------------------------------------------------
// Batch Location Upload - 0x0704 body, JT/T 808-2013 Table 76
// ---------------------------------------------------------------------------

// BatchType values for the 0x0704 type field.
const (
	// BatchTypeNormal marks regular batched reports.
	BatchTypeNormal uint8 = 1

	// BatchTypeSupplementary marks blind-area supplementary reports.
	BatchTypeSupplementary uint8 = 2
)

// BatchLocations is a decoded 0x0704 body.
type BatchLocations struct {
	Type    uint8
	Count   uint16
	Reports []*LocationReport
}

// ParseBatchLocations decodes a 0x0704 body: type byte, declared count,
// then fixed 28-byte location blocks. The scan stops at the first
// truncated block; Reports may hold fewer entries than Count declares.
func ParseBatchLocations(body []byte) (*BatchLocations, error) {
	if len(body) < 3 {
		return nil, fmt.Errorf("parse batch locations: %d bytes: %w", len(body), ErrBodyTruncated)
	}

	b := &BatchLocations{
		Type:  body[0],
		Count: binary.BigEndian.Uint16(body[1:3]),
	}

	pos := 3
	for i := 0; i < int(b.Count); i++ {
		if pos+LocationBodySize > len(body) {
			break
		}
		r, err := ParseLocationReport(body[pos : pos+LocationBodySize])
		if err != nil {
			break
		}
		b.Reports = append(b.Reports, r)
		pos += LocationBodySize
	}
	return b, nil
}

// EncodeBatchBody builds a 0x0704 body from pre-encoded fixed-size
// location blocks.
func EncodeBatchBody(batchType uint8, blocks [][]byte) []byte {
	size := 3
	for _, blk := range blocks {
		size += len(blk)
	}
	body := make([]byte, 0, size)
	body = append(body, batchType)
	body = binary.BigEndian.AppendUint16(body, uint16(len(blocks)))
	for _, blk := range blocks {
		body = append(body, blk...)
	}
	return body
}
