// Package gate decides which decoded terminal events reach the message
// bus. Location reports pass through a dual time-and-distance
// threshold keyed on activity; every other event kind has its own
// debouncer (heartbeat interval, one-shot registration, auth-code
// change, status TTL with offline anti-flap). The gate also shapes the
// JSON payloads and topic names.
package gate

import (
	"log/slog"
	"strings"
	"time"

	"github.com/wolfguard/tracklink/internal/bus"
	"github.com/wolfguard/tracklink/internal/config"
	"github.com/wolfguard/tracklink/internal/jt808"
	gwmetrics "github.com/wolfguard/tracklink/internal/metrics"
)

// PublishQoS is the bus QoS level for all gateway events.
const PublishQoS byte = 1

// antiFlapWindow suppresses online transitions arriving this soon
// after an offline event.
const antiFlapWindow = 5 * time.Second

// Status values published on the status topic.
const (
	statusOnline  = "online"
	statusOffline = "offline"
)

// Event kinds; used as topic suffixes and metric labels.
const (
	kindLocation       = "location"
	kindBatchLocation  = "batch_location"
	kindTracking       = "tracking"
	kindHeartbeat      = "heartbeat"
	kindRegistration   = "registration"
	kindAuthentication = "authentication"
	kindLogout         = "logout"
	kindStatus         = "status"
)

// -------------------------------------------------------------------------
// Settings
// -------------------------------------------------------------------------

// Settings is the frozen gate configuration shared by all sessions.
type Settings struct {
	TopicPrefix           string
	LocationTopicTemplate string
	OptimizePayload       bool

	HeartbeatInterval time.Duration
	StatusTTL         time.Duration

	SpeedFast    float64
	SpeedWalking float64
	Resting      Limits
	Walking      Limits
	Fast         Limits

	// Clock overrides the wall clock; nil means time.Now. Tests use it
	// to step through debounce windows.
	Clock func() time.Time
}

// SettingsFromConfig derives gate settings from the loaded configuration.
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		TopicPrefix:           cfg.BusTopicPrefix,
		LocationTopicTemplate: cfg.BusLocationTopicTemplate,
		OptimizePayload:       cfg.OptimizePayload,
		HeartbeatInterval:     time.Duration(cfg.HeartbeatInterval) * time.Second,
		StatusTTL:             time.Duration(cfg.StatusTTL) * time.Second,
		SpeedFast:             cfg.SpeedThresholdFast,
		SpeedWalking:          cfg.SpeedThresholdWalking,
		Resting: Limits{
			Interval: time.Duration(cfg.RestingInterval) * time.Second,
			Distance: cfg.RestingDistance,
		},
		Walking: Limits{
			Interval: time.Duration(cfg.WalkingInterval) * time.Second,
			Distance: cfg.WalkingDistance,
		},
		Fast: Limits{
			Interval: time.Duration(cfg.FastInterval) * time.Second,
			Distance: cfg.FastDistance,
		},
	}
}

// -------------------------------------------------------------------------
// Gate
// -------------------------------------------------------------------------

// Gate filters and publishes one session's events. All state is owned
// by the session goroutine; only the Publisher is shared. Not safe for
// concurrent use.
type Gate struct {
	pub     bus.Publisher
	logger  *slog.Logger
	metrics *gwmetrics.Collector
	cfg     Settings
	now     func() time.Time

	loc *LocationGate

	lastHeartbeat time.Time
	hasHeartbeat  bool

	registered bool

	authCode    string
	hasAuthCode bool

	status           string
	statusPublished  time.Time
	offlinePublished time.Time
	hasOffline       bool
}

// New builds a session gate writing through pub.
func New(pub bus.Publisher, cfg Settings, metrics *gwmetrics.Collector, logger *slog.Logger) *Gate {
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Gate{
		pub:     pub,
		logger:  logger,
		metrics: metrics,
		cfg:     cfg,
		now:     now,
		loc: NewLocationGate(cfg.SpeedFast, cfg.SpeedWalking,
			cfg.Resting, cfg.Walking, cfg.Fast),
	}
}

// -------------------------------------------------------------------------
// Event Entry Points
// -------------------------------------------------------------------------

// Location offers a decoded location report. A passing report is
// published on the device's location topic and fanned out on the
// shared tracking channel; a suppressed one only counts.
func (g *Gate) Location(deviceID string, r *jt808.LocationReport) {
	activity, publish := g.loc.Offer(g.now(), r.Latitude, r.Longitude, r.Speed)
	if !publish {
		g.metrics.IncEventsSuppressed(kindLocation)
		g.logger.Debug("location suppressed by dual gate",
			"device_id", deviceID, "activity", activity.String())
		g.online(deviceID)
		return
	}

	payload := verboseLocation(deviceID, r)
	if g.cfg.OptimizePayload {
		payload = compactLocation(deviceID, r)
	}
	g.publish(kindLocation, g.locationTopic(deviceID), payload)

	g.publish(kindTracking, g.cfg.TopicPrefix+"/tracking", map[string]any{
		"device_id": deviceID,
		"timestamp": g.wallTime(),
		"latitude":  r.Latitude,
		"longitude": r.Longitude,
		"speed":     r.Speed,
		"direction": r.Direction,
	})

	g.online(deviceID)
}

// BatchLocation publishes a batch upload as a single event. The batch
// bypasses the dual gate; devices send batches to drain blind-area
// backlogs and losing them defeats the purpose.
func (g *Gate) BatchLocation(deviceID string, b *jt808.BatchLocations) {
	entries := make([]map[string]any, 0, len(b.Reports))
	for _, r := range b.Reports {
		entries = append(entries, batchEntry(r))
	}

	g.publish(kindBatchLocation, g.deviceTopic(deviceID, kindBatchLocation), map[string]any{
		"device_id": deviceID,
		"timestamp": g.wallTime(),
		"event":     kindBatchLocation,
		"type":      b.Type,
		"count":     len(entries),
		"locations": entries,
	})

	g.online(deviceID)
}

// Heartbeat publishes at most one heartbeat event per configured
// interval. The cached timestamp refreshes on every heartbeat, so a
// terminal beating faster than the interval publishes only its first.
func (g *Gate) Heartbeat(deviceID string) {
	now := g.now()
	publish := !g.hasHeartbeat || now.Sub(g.lastHeartbeat) >= g.cfg.HeartbeatInterval
	g.lastHeartbeat = now
	g.hasHeartbeat = true

	if !publish {
		g.metrics.IncEventsSuppressed(kindHeartbeat)
		g.online(deviceID)
		return
	}

	g.publish(kindHeartbeat, g.deviceTopic(deviceID, kindHeartbeat), map[string]any{
		"device_id": deviceID,
		"timestamp": g.wallTime(),
		"event":     kindHeartbeat,
	})

	g.online(deviceID)
}

// Registration publishes the first registration of the session;
// repeats are suppressed.
func (g *Gate) Registration(deviceID string, reg *jt808.Registration) {
	if g.registered {
		g.metrics.IncEventsSuppressed(kindRegistration)
		g.online(deviceID)
		return
	}
	g.registered = true

	g.publish(kindRegistration, g.deviceTopic(deviceID, kindRegistration), map[string]any{
		"device_id":           deviceID,
		"timestamp":           g.wallTime(),
		"event":               kindRegistration,
		"province_id":         reg.ProvinceID,
		"city_id":             reg.CityID,
		"manufacturer_id":     reg.ManufacturerID,
		"terminal_model":      reg.TerminalModel,
		"terminal_id":         reg.TerminalID,
		"license_plate_color": reg.PlateColor,
		"license_plate":       reg.Plate,
	})

	g.online(deviceID)
}

// Authentication publishes only when the auth code differs from the
// last one seen on this session.
func (g *Gate) Authentication(deviceID, authCode string) {
	if g.hasAuthCode && g.authCode == authCode {
		g.metrics.IncEventsSuppressed(kindAuthentication)
		g.online(deviceID)
		return
	}
	g.authCode = authCode
	g.hasAuthCode = true

	g.publish(kindAuthentication, g.deviceTopic(deviceID, kindAuthentication), map[string]any{
		"device_id": deviceID,
		"timestamp": g.wallTime(),
		"event":     kindAuthentication,
		"auth_code": authCode,
	})

	g.online(deviceID)
}

// Logout publishes the logout event and the offline status transition.
func (g *Gate) Logout(deviceID string) {
	g.publish(kindLogout, g.deviceTopic(deviceID, kindLogout), map[string]any{
		"device_id": deviceID,
		"timestamp": g.wallTime(),
		"event":     kindLogout,
	})

	g.Offline(deviceID)
}

// Offline publishes the offline status immediately; offline is never
// debounced. Called on logout and on session teardown.
func (g *Gate) Offline(deviceID string) {
	now := g.now()
	g.status = statusOffline
	g.statusPublished = now
	g.offlinePublished = now
	g.hasOffline = true

	g.publishStatus(deviceID, statusOffline)
}

// -------------------------------------------------------------------------
// Status Debouncer
// -------------------------------------------------------------------------

// online runs the two-level status debouncer for the online transition:
// a repeated online is suppressed inside the status TTL, and an online
// arriving within the anti-flap window of an offline is suppressed.
func (g *Gate) online(deviceID string) {
	now := g.now()

	if g.status == statusOnline {
		if now.Sub(g.statusPublished) < g.cfg.StatusTTL {
			g.metrics.IncEventsSuppressed(kindStatus)
			return
		}
	} else if g.hasOffline && now.Sub(g.offlinePublished) < antiFlapWindow {
		g.metrics.IncEventsSuppressed(kindStatus)
		g.logger.Debug("online status suppressed by anti-flap", "device_id", deviceID)
		return
	}

	g.status = statusOnline
	g.statusPublished = now
	g.publishStatus(deviceID, statusOnline)
}

func (g *Gate) publishStatus(deviceID, status string) {
	g.publish(kindStatus, g.deviceTopic(deviceID, kindStatus), map[string]any{
		"device_id": deviceID,
		"timestamp": g.wallTime(),
		"status":    status,
	})
}

// -------------------------------------------------------------------------
// Publishing
// -------------------------------------------------------------------------

// deviceTopic builds {prefix}/{device_id}/{kind}.
func (g *Gate) deviceTopic(deviceID, kind string) string {
	return g.cfg.TopicPrefix + "/" + deviceID + "/" + kind
}

// locationTopic expands the configured location topic template.
func (g *Gate) locationTopic(deviceID string) string {
	return strings.ReplaceAll(g.cfg.LocationTopicTemplate, "{device_id}", deviceID)
}

// wallTime formats the current wall clock for event payloads.
func (g *Gate) wallTime() string {
	return g.now().UTC().Format(time.RFC3339)
}

// publish encodes and sends one payload. A disconnected bus or broker
// error drops the event; the gate never blocks a session on bus state.
func (g *Gate) publish(kind, topic string, payload map[string]any) {
	data, err := marshalPayload(payload)
	if err != nil {
		g.metrics.IncPublishErrors()
		g.logger.Warn("payload encode failed", "topic", topic, "error", err)
		return
	}

	if !g.pub.Connected() {
		g.metrics.IncPublishErrors()
		g.logger.Warn("bus disconnected, event dropped", "topic", topic, "kind", kind)
		return
	}

	if err := g.pub.Publish(topic, data, PublishQoS); err != nil {
		g.metrics.IncPublishErrors()
		g.logger.Warn("publish failed", "topic", topic, "error", err)
		return
	}

	g.metrics.IncEventsPublished(kind)
}
