// Package config manages tracklink configuration using koanf/v2.
//
// Supports YAML and JSON files, environment variables, and CLI flags.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structure
// -------------------------------------------------------------------------

// Config holds the complete tracklink configuration. Keys are flat so
// the same file can drive both the gateway daemon and the simulator.
type Config struct {
	// Log level: "debug", "info", "warn", "error".
	LogLevel string `koanf:"log_level"`

	// Log output format: "json" or "text".
	LogFormat string `koanf:"log_format"`

	// MetricsAddr is the HTTP listen address for the Prometheus
	// endpoint (e.g., "127.0.0.1:9477").
	MetricsAddr string `koanf:"metrics_addr"`

	// JT808Host and JT808Port locate the TCP listener; the simulator
	// dials the same pair.
	JT808Host string `koanf:"jt808_host"`
	JT808Port int    `koanf:"jt808_port"`

	// Message bus (MQTT broker) connection.
	BusHost     string `koanf:"bus_host"`
	BusPort     int    `koanf:"bus_port"`
	BusUser     string `koanf:"bus_user"`
	BusPassword string `koanf:"bus_password"`
	BusTLS      bool   `koanf:"bus_tls"`

	// BusTopicPrefix roots the per-device topic namespace.
	BusTopicPrefix string `koanf:"bus_topic_prefix"`

	// BusLocationTopicTemplate is the location topic with a
	// {device_id} placeholder.
	BusLocationTopicTemplate string `koanf:"bus_location_topic_template"`

	// AuthCode is handed to terminals in the registration response.
	// An empty value is replaced by a non-empty default before framing.
	AuthCode string `koanf:"auth_code"`

	// Event throttling, in seconds.
	HeartbeatInterval int `koanf:"heartbeat_interval"`
	StatusTTL         int `koanf:"status_ttl"`
	RegistrationTTL   int `koanf:"registration_ttl"`

	// Location dual-gate thresholds: seconds and meters per activity,
	// plus the km/h speed boundaries that classify the activity.
	FastInterval          int     `koanf:"fast_interval"`
	FastDistance          float64 `koanf:"fast_distance"`
	WalkingInterval       int     `koanf:"walking_interval"`
	WalkingDistance       float64 `koanf:"walking_distance"`
	RestingInterval       int     `koanf:"resting_interval"`
	RestingDistance       float64 `koanf:"resting_distance"`
	SpeedThresholdFast    float64 `koanf:"speed_threshold_fast"`
	SpeedThresholdWalking float64 `koanf:"speed_threshold_walking"`

	// OptimizePayload selects the compact JSON payload shape.
	OptimizePayload bool `koanf:"optimize_payload"`

	// Simulator: identity and starting state.
	DeviceID       string  `koanf:"device_id"`
	StartLatitude  float64 `koanf:"start_latitude"`
	StartLongitude float64 `koanf:"start_longitude"`
	Altitude       int     `koanf:"altitude"`
	Speed          float64 `koanf:"speed"`
	Direction      int     `koanf:"direction"`

	// Simulator: movement and reporting cadence.
	Move             bool    `koanf:"move"`
	MoveDistance     float64 `koanf:"move_distance"`
	LocationInterval int     `koanf:"location_interval"`
	BatchEnabled     bool    `koanf:"batch_enabled"`
	BatchSize        int     `koanf:"batch_size"`
	Mileage          int     `koanf:"mileage"`
	Fuel             int     `koanf:"fuel"`

	// Simulator: registration body fields.
	ProvinceID     int    `koanf:"province_id"`
	CityID         int    `koanf:"city_id"`
	ManufacturerID string `koanf:"manufacturer_id"`
	TerminalModel  string `koanf:"terminal_model"`
	TerminalID     string `koanf:"terminal_id"`
	PlateColor     int    `koanf:"plate_color"`
	LicensePlate   string `koanf:"license_plate"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
//
// The gate thresholds follow the asset-tracking profile this gateway
// ships with: frequent updates while fast-moving, sparse updates at
// rest. The simulator defaults place the device at Tiananmen Square.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:    "info",
		LogFormat:   "json",
		MetricsAddr: "127.0.0.1:9477",

		JT808Host: "0.0.0.0",
		JT808Port: 8008,

		BusHost:                  "localhost",
		BusPort:                  1883,
		BusTopicPrefix:           "pettracker",
		BusLocationTopicTemplate: "pettracker/{device_id}/location",

		AuthCode: "123456",

		HeartbeatInterval: 60,
		StatusTTL:         300,
		RegistrationTTL:   3600,

		FastInterval:          5,
		FastDistance:          5.0,
		WalkingInterval:       60,
		WalkingDistance:       10.0,
		RestingInterval:       300,
		RestingDistance:       15.0,
		SpeedThresholdFast:    20,
		SpeedThresholdWalking: 5,

		DeviceID:       "013800138000",
		StartLatitude:  39.908722,
		StartLongitude: 116.397499,
		Altitude:       100,
		Speed:          60,

		Move:             true,
		MoveDistance:     0.00005,
		LocationInterval: 10,
		BatchSize:        5,
		Fuel:             100,

		ManufacturerID: "SIMUL",
		TerminalModel:  "SIM808",
		TerminalID:     "SIM0001",
		LicensePlate:   "DEMO",
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for tracklink
// configuration. Variables are named TRACKLINK_<key>, e.g.,
// TRACKLINK_JT808_PORT.
const envPrefix = "TRACKLINK_"

// Load reads configuration from the file at path, overlays environment
// variable overrides (TRACKLINK_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults. An empty path
// skips the file layer.
//
// Environment variable mapping:
//
//	TRACKLINK_JT808_PORT       -> jt808_port
//	TRACKLINK_BUS_HOST         -> bus_host
//	TRACKLINK_BUS_TOPIC_PREFIX -> bus_topic_prefix
//	TRACKLINK_LOG_LEVEL        -> log_level
//
// Uses koanf/v2 with file + env providers; YAML or JSON is chosen by
// the file extension.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load defaults first.
	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	// Load the config file on top of defaults.
	if path != "" {
		parser, err := parserFor(path)
		if err != nil {
			return nil, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	// Load environment variable overrides on top of the file.
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// parserFor picks the koanf parser from the file extension.
func parserFor(path string) (koanf.Parser, error) {
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return json.Parser(), nil
	default:
		return nil, fmt.Errorf("config file %q: %w", path, ErrUnsupportedFormat)
	}
}

// envKeyMapper transforms TRACKLINK_JT808_PORT -> jt808_port.
// Strips the TRACKLINK_ prefix and lowercases; keys are flat so
// underscores are preserved.
func envKeyMapper(s string) string {
	return strings.ToLower(strings.TrimPrefix(s, envPrefix))
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"log_level":    defaults.LogLevel,
		"log_format":   defaults.LogFormat,
		"metrics_addr": defaults.MetricsAddr,

		"jt808_host": defaults.JT808Host,
		"jt808_port": defaults.JT808Port,

		"bus_host":                    defaults.BusHost,
		"bus_port":                    defaults.BusPort,
		"bus_user":                    defaults.BusUser,
		"bus_password":                defaults.BusPassword,
		"bus_tls":                     defaults.BusTLS,
		"bus_topic_prefix":            defaults.BusTopicPrefix,
		"bus_location_topic_template": defaults.BusLocationTopicTemplate,

		"auth_code": defaults.AuthCode,

		"heartbeat_interval": defaults.HeartbeatInterval,
		"status_ttl":         defaults.StatusTTL,
		"registration_ttl":   defaults.RegistrationTTL,

		"fast_interval":           defaults.FastInterval,
		"fast_distance":           defaults.FastDistance,
		"walking_interval":        defaults.WalkingInterval,
		"walking_distance":        defaults.WalkingDistance,
		"resting_interval":        defaults.RestingInterval,
		"resting_distance":        defaults.RestingDistance,
		"speed_threshold_fast":    defaults.SpeedThresholdFast,
		"speed_threshold_walking": defaults.SpeedThresholdWalking,

		"optimize_payload": defaults.OptimizePayload,

		"device_id":       defaults.DeviceID,
		"start_latitude":  defaults.StartLatitude,
		"start_longitude": defaults.StartLongitude,
		"altitude":        defaults.Altitude,
		"speed":           defaults.Speed,
		"direction":       defaults.Direction,

		"move":              defaults.Move,
		"move_distance":     defaults.MoveDistance,
		"location_interval": defaults.LocationInterval,
		"batch_enabled":     defaults.BatchEnabled,
		"batch_size":        defaults.BatchSize,
		"mileage":           defaults.Mileage,
		"fuel":              defaults.Fuel,

		"province_id":     defaults.ProvinceID,
		"city_id":         defaults.CityID,
		"manufacturer_id": defaults.ManufacturerID,
		"terminal_model":  defaults.TerminalModel,
		"terminal_id":     defaults.TerminalID,
		"plate_color":     defaults.PlateColor,
		"license_plate":   defaults.LicensePlate,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrInvalidPort indicates a listener or bus port outside 1-65535.
	ErrInvalidPort = errors.New("port must be between 1 and 65535")

	// ErrInvalidLogFormat indicates an unrecognized log format.
	ErrInvalidLogFormat = errors.New("log_format must be json or text")

	// ErrEmptyTopicPrefix indicates a blank bus topic prefix.
	ErrEmptyTopicPrefix = errors.New("bus_topic_prefix must not be empty")

	// ErrInvalidInterval indicates a zero or negative throttle interval.
	ErrInvalidInterval = errors.New("interval must be >= 1")

	// ErrInvalidDistance indicates a negative gate distance.
	ErrInvalidDistance = errors.New("distance must not be negative")

	// ErrInvalidSpeedThresholds indicates walking/fast boundaries out of order.
	ErrInvalidSpeedThresholds = errors.New("speed thresholds must satisfy 0 <= walking < fast")

	// ErrInvalidBatchSize indicates batching enabled with a non-positive size.
	ErrInvalidBatchSize = errors.New("batch_size must be >= 1 when batching is enabled")

	// ErrUnsupportedFormat indicates a config file with an unknown extension.
	ErrUnsupportedFormat = errors.New("config file must be .yaml, .yml or .json")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	switch cfg.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("log_format %q: %w", cfg.LogFormat, ErrInvalidLogFormat)
	}

	ports := []struct {
		name string
		v    int
	}{
		{"jt808_port", cfg.JT808Port},
		{"bus_port", cfg.BusPort},
	}
	for _, p := range ports {
		if p.v < 1 || p.v > 65535 {
			return fmt.Errorf("%s %d: %w", p.name, p.v, ErrInvalidPort)
		}
	}

	if strings.TrimSpace(cfg.BusTopicPrefix) == "" {
		return ErrEmptyTopicPrefix
	}

	intervals := []struct {
		name string
		v    int
	}{
		{"heartbeat_interval", cfg.HeartbeatInterval},
		{"status_ttl", cfg.StatusTTL},
		{"registration_ttl", cfg.RegistrationTTL},
		{"fast_interval", cfg.FastInterval},
		{"walking_interval", cfg.WalkingInterval},
		{"resting_interval", cfg.RestingInterval},
		{"location_interval", cfg.LocationInterval},
	}
	for _, iv := range intervals {
		if iv.v < 1 {
			return fmt.Errorf("%s %d: %w", iv.name, iv.v, ErrInvalidInterval)
		}
	}

	distances := []struct {
		name string
		v    float64
	}{
		{"fast_distance", cfg.FastDistance},
		{"walking_distance", cfg.WalkingDistance},
		{"resting_distance", cfg.RestingDistance},
	}
	for _, dv := range distances {
		if dv.v < 0 {
			return fmt.Errorf("%s %v: %w", dv.name, dv.v, ErrInvalidDistance)
		}
	}

	if cfg.SpeedThresholdWalking < 0 || cfg.SpeedThresholdWalking >= cfg.SpeedThresholdFast {
		return fmt.Errorf("walking %v, fast %v: %w",
			cfg.SpeedThresholdWalking, cfg.SpeedThresholdFast, ErrInvalidSpeedThresholds)
	}

	if cfg.BatchEnabled && cfg.BatchSize < 1 {
		return fmt.Errorf("batch_size %d: %w", cfg.BatchSize, ErrInvalidBatchSize)
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the
// corresponding slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
