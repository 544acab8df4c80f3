package gate_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wolfguard/tracklink/internal/gate"
	"github.com/wolfguard/tracklink/internal/jt808"
	gwmetrics "github.com/wolfguard/tracklink/internal/metrics"
)

const testDevice = "013800138000"

// recordingBus captures published events for assertions.
type recordingBus struct {
	mu        sync.Mutex
	connected bool
	published []publishedEvent
}

type publishedEvent struct {
	Topic   string
	Payload []byte
	QoS     byte
}

func newRecordingBus() *recordingBus {
	return &recordingBus{connected: true}
}

func (b *recordingBus) Publish(topic string, payload []byte, qos byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, publishedEvent{Topic: topic, Payload: payload, QoS: qos})
	return nil
}

func (b *recordingBus) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *recordingBus) setConnected(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = v
}

func (b *recordingBus) events() []publishedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]publishedEvent(nil), b.published...)
}

// onTopic filters captured events by topic suffix.
func (b *recordingBus) onTopic(suffix string) []publishedEvent {
	var out []publishedEvent
	for _, e := range b.events() {
		if strings.HasSuffix(e.Topic, suffix) {
			out = append(out, e)
		}
	}
	return out
}

// fakeClock is a manually advanced wall clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 8, 26, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// defaultSettings mirrors the shipped gate profile.
func defaultSettings(clock *fakeClock) gate.Settings {
	return gate.Settings{
		TopicPrefix:           "pettracker",
		LocationTopicTemplate: "pettracker/{device_id}/location",
		HeartbeatInterval:     60 * time.Second,
		StatusTTL:             300 * time.Second,
		SpeedFast:             20,
		SpeedWalking:          5,
		Resting:               gate.Limits{Interval: 300 * time.Second, Distance: 15},
		Walking:               gate.Limits{Interval: 60 * time.Second, Distance: 10},
		Fast:                  gate.Limits{Interval: 5 * time.Second, Distance: 5},
		Clock:                 clock.Now,
	}
}

func newTestGate(t *testing.T, mutate func(*gate.Settings)) (*gate.Gate, *recordingBus, *fakeClock) {
	t.Helper()

	clock := newFakeClock()
	cfg := defaultSettings(clock)
	if mutate != nil {
		mutate(&cfg)
	}

	pub := newRecordingBus()
	metrics := gwmetrics.NewCollector(prometheus.NewRegistry())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return gate.New(pub, cfg, metrics, logger), pub, clock
}

// report builds a location report at (lat, lon) with the given speed.
func report(lat, lon, speed float64) *jt808.LocationReport {
	return &jt808.LocationReport{
		Status:     jt808.StatusACCOn,
		Latitude:   lat,
		Longitude:  lon,
		Altitude:   100,
		Speed:      speed,
		Direction:  90,
		Timestamp:  "2025-08-26T12:00:00Z",
		Additional: map[string]any{},
	}
}

// latOffset converts meters of northward travel to degrees of latitude.
func latOffset(meters float64) float64 {
	return meters / 111195.0
}

// -------------------------------------------------------------------------
// Location Dual Gate
// -------------------------------------------------------------------------

func TestLocationFirstSampleAlwaysPublishes(t *testing.T) {
	t.Parallel()

	g, pub, _ := newTestGate(t, nil)
	g.Location(testDevice, report(39.9087, 116.3975, 8))

	locs := pub.onTopic("/location")
	if len(locs) != 1 {
		t.Fatalf("location publishes = %d, want 1", len(locs))
	}
	if locs[0].Topic != "pettracker/"+testDevice+"/location" {
		t.Errorf("topic = %q", locs[0].Topic)
	}
	if locs[0].QoS != gate.PublishQoS {
		t.Errorf("qos = %d, want %d", locs[0].QoS, gate.PublishQoS)
	}

	// Tracking fan-out accompanies every published location.
	if tr := pub.onTopic("/tracking"); len(tr) != 1 {
		t.Errorf("tracking publishes = %d, want 1", len(tr))
	}

	// The handled event also transitions the device online.
	if st := pub.onTopic("/status"); len(st) != 1 {
		t.Errorf("status publishes = %d, want 1", len(st))
	}
}

func TestLocationSuppressedUntilBothThresholdsMet(t *testing.T) {
	t.Parallel()

	g, pub, clock := newTestGate(t, nil)

	// Walking speed selects the 60 s / 10 m limits.
	g.Location(testDevice, report(39.9087, 116.3975, 8))

	// 30 s later and 50 m away: distance passes, time does not.
	clock.Advance(30 * time.Second)
	g.Location(testDevice, report(39.9087+latOffset(50), 116.3975, 8))

	if locs := pub.onTopic("/location"); len(locs) != 1 {
		t.Fatalf("location publishes = %d, want suppression at 30 s", len(locs))
	}

	// A further 40 s later and 12 m beyond the LAST PUBLISHED point:
	// both thresholds clear and the report goes out.
	clock.Advance(40 * time.Second)
	g.Location(testDevice, report(39.9087+latOffset(12), 116.3975, 8))

	if locs := pub.onTopic("/location"); len(locs) != 2 {
		t.Fatalf("location publishes = %d, want release at 70 s / 12 m", len(locs))
	}
}

func TestLocationTimeWithoutDistanceStaysSuppressed(t *testing.T) {
	t.Parallel()

	g, pub, clock := newTestGate(t, nil)

	g.Location(testDevice, report(39.9087, 116.3975, 8))

	// Plenty of time, barely any movement: still suppressed.
	clock.Advance(10 * time.Minute)
	g.Location(testDevice, report(39.9087+latOffset(3), 116.3975, 8))

	if locs := pub.onTopic("/location"); len(locs) != 1 {
		t.Errorf("location publishes = %d, want 1 (distance not met)", len(locs))
	}
}

func TestLocationDistanceMeasuredFromLastPublished(t *testing.T) {
	t.Parallel()

	g, pub, clock := newTestGate(t, nil)

	g.Location(testDevice, report(39.9087, 116.3975, 8))

	// Drift 6 m per minute. Each step is under the 10 m walking limit
	// against the last sample, but drift accumulates against the last
	// PUBLISHED point and crosses it on the second step.
	clock.Advance(60 * time.Second)
	g.Location(testDevice, report(39.9087+latOffset(6), 116.3975, 8))
	if locs := pub.onTopic("/location"); len(locs) != 1 {
		t.Fatalf("location publishes = %d after first drift step, want 1", len(locs))
	}

	clock.Advance(60 * time.Second)
	g.Location(testDevice, report(39.9087+latOffset(12), 116.3975, 8))
	if locs := pub.onTopic("/location"); len(locs) != 2 {
		t.Errorf("location publishes = %d after accumulated drift, want 2", len(locs))
	}
}

func TestLocationActivitySelectsThresholds(t *testing.T) {
	t.Parallel()

	g, pub, clock := newTestGate(t, nil)

	// Fast-moving: 5 s / 5 m limits.
	g.Location(testDevice, report(39.9087, 116.3975, 40))

	clock.Advance(6 * time.Second)
	g.Location(testDevice, report(39.9087+latOffset(6), 116.3975, 40))

	if locs := pub.onTopic("/location"); len(locs) != 2 {
		t.Fatalf("fast-moving publishes = %d, want 2", len(locs))
	}

	// The same deltas at resting speed fall far short of 300 s / 15 m.
	clock.Advance(6 * time.Second)
	g.Location(testDevice, report(39.9087+latOffset(12), 116.3975, 0))

	if locs := pub.onTopic("/location"); len(locs) != 2 {
		t.Errorf("resting publish slipped through: %d", len(locs))
	}
}

// -------------------------------------------------------------------------
// Payload Shapes
// -------------------------------------------------------------------------

func TestVerboseLocationPayload(t *testing.T) {
	t.Parallel()

	g, pub, _ := newTestGate(t, nil)

	r := report(39.9087, 116.3975, 8)
	r.Additional = map[string]any{"mileage": 1000.0, "fuel": 75.5}
	g.Location(testDevice, r)

	locs := pub.onTopic("/location")
	if len(locs) != 1 {
		t.Fatalf("location publishes = %d, want 1", len(locs))
	}

	var payload map[string]any
	if err := json.Unmarshal(locs[0].Payload, &payload); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}

	if payload["device_id"] != testDevice {
		t.Errorf("device_id = %v", payload["device_id"])
	}
	if payload["event"] != "location" {
		t.Errorf("event = %v", payload["event"])
	}

	loc, ok := payload["location"].(map[string]any)
	if !ok {
		t.Fatalf("location block missing: %v", payload)
	}
	if loc["latitude"] != 39.9087 {
		t.Errorf("latitude = %v", loc["latitude"])
	}

	status, ok := payload["status"].(map[string]any)
	if !ok {
		t.Fatalf("status block missing: %v", payload)
	}
	if status["acc_on"] != true {
		t.Errorf("status.acc_on = %v", status["acc_on"])
	}

	add, ok := payload["additional"].(map[string]any)
	if !ok || add["fuel"] != 75.5 {
		t.Errorf("additional = %v", payload["additional"])
	}
}

func TestCompactLocationPayload(t *testing.T) {
	t.Parallel()

	g, pub, _ := newTestGate(t, func(s *gate.Settings) {
		s.OptimizePayload = true
	})

	r := report(39.9087, 116.3975, 8)
	r.Altitude = 0 // zero fields are omitted in compact form
	r.Additional = map[string]any{"mileage": 1000.0, "fuel": 75.5, "speed_sensor": 9.0}
	g.Location(testDevice, r)

	locs := pub.onTopic("/location")
	if len(locs) != 1 {
		t.Fatalf("location publishes = %d, want 1", len(locs))
	}

	var payload map[string]any
	if err := json.Unmarshal(locs[0].Payload, &payload); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}

	if payload["d"] != testDevice {
		t.Errorf("d = %v", payload["d"])
	}
	if _, verbose := payload["device_id"]; verbose {
		t.Error("compact payload carries verbose keys")
	}

	loc, ok := payload["loc"].(map[string]any)
	if !ok {
		t.Fatalf("loc block missing: %v", payload)
	}
	if _, hasAlt := loc["alt"]; hasAlt {
		t.Error("zero altitude not omitted")
	}
	if loc["spd"] != 8.0 {
		t.Errorf("spd = %v", loc["spd"])
	}

	st, ok := payload["st"].(map[string]any)
	if !ok {
		t.Fatalf("st block missing: %v", payload)
	}
	if len(st) != 1 || st["acc_on"] != true {
		t.Errorf("st = %v, want only-true flags", st)
	}

	add, ok := payload["add"].(map[string]any)
	if !ok {
		t.Fatalf("add block missing: %v", payload)
	}
	if add["m"] != 1000.0 || add["b"] != 75.5 {
		t.Errorf("add = %v", add)
	}
	if _, hasSensor := add["speed_sensor"]; hasSensor {
		t.Error("compact add carries extra items")
	}
}

// -------------------------------------------------------------------------
// Batch
// -------------------------------------------------------------------------

func TestBatchLocationBypassesGate(t *testing.T) {
	t.Parallel()

	g, pub, _ := newTestGate(t, nil)

	batch := &jt808.BatchLocations{
		Type:  jt808.BatchTypeNormal,
		Count: 2,
		Reports: []*jt808.LocationReport{
			report(39.9087, 116.3975, 8),
			report(39.9088, 116.3976, 8),
		},
	}

	// Back-to-back batches both publish; there is no debounce on bulk
	// uploads.
	g.BatchLocation(testDevice, batch)
	g.BatchLocation(testDevice, batch)

	events := pub.onTopic("/batch_location")
	if len(events) != 2 {
		t.Fatalf("batch publishes = %d, want 2", len(events))
	}

	var payload map[string]any
	if err := json.Unmarshal(events[0].Payload, &payload); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if payload["count"] != 2.0 {
		t.Errorf("count = %v, want 2", payload["count"])
	}
	locations, ok := payload["locations"].([]any)
	if !ok || len(locations) != 2 {
		t.Errorf("locations = %v", payload["locations"])
	}
}

// -------------------------------------------------------------------------
// Heartbeat Debounce
// -------------------------------------------------------------------------

func TestHeartbeatDebounce(t *testing.T) {
	t.Parallel()

	g, pub, clock := newTestGate(t, nil)

	g.Heartbeat(testDevice)
	if hb := pub.onTopic("/heartbeat"); len(hb) != 1 {
		t.Fatalf("heartbeat publishes = %d, want first to pass", len(hb))
	}

	clock.Advance(30 * time.Second)
	g.Heartbeat(testDevice)
	if hb := pub.onTopic("/heartbeat"); len(hb) != 1 {
		t.Fatalf("heartbeat publishes = %d, want suppression inside interval", len(hb))
	}

	// The cached timestamp refreshed on the suppressed beat, so 40 s
	// later the full interval has still not elapsed since the LAST beat.
	clock.Advance(40 * time.Second)
	g.Heartbeat(testDevice)
	if hb := pub.onTopic("/heartbeat"); len(hb) != 1 {
		t.Fatalf("heartbeat publishes = %d, want refresh-on-every-beat behavior", len(hb))
	}

	// A full quiet interval releases the next beat.
	clock.Advance(61 * time.Second)
	g.Heartbeat(testDevice)
	if hb := pub.onTopic("/heartbeat"); len(hb) != 2 {
		t.Errorf("heartbeat publishes = %d, want release after quiet interval", len(hb))
	}
}

// -------------------------------------------------------------------------
// Registration & Authentication
// -------------------------------------------------------------------------

func TestRegistrationPublishesOncePerSession(t *testing.T) {
	t.Parallel()

	g, pub, _ := newTestGate(t, nil)

	reg := &jt808.Registration{
		ProvinceID:     11,
		CityID:         100,
		ManufacturerID: "SIMUL",
		TerminalModel:  "SIM808",
		TerminalID:     "SIM0001",
		Plate:          "DEMO",
	}

	g.Registration(testDevice, reg)
	g.Registration(testDevice, reg)

	events := pub.onTopic("/registration")
	if len(events) != 1 {
		t.Fatalf("registration publishes = %d, want 1", len(events))
	}

	var payload map[string]any
	if err := json.Unmarshal(events[0].Payload, &payload); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if payload["manufacturer_id"] != "SIMUL" {
		t.Errorf("manufacturer_id = %v", payload["manufacturer_id"])
	}
	if payload["license_plate"] != "DEMO" {
		t.Errorf("license_plate = %v", payload["license_plate"])
	}
}

func TestAuthenticationPublishesOnChange(t *testing.T) {
	t.Parallel()

	g, pub, _ := newTestGate(t, nil)

	g.Authentication(testDevice, "123456")
	g.Authentication(testDevice, "123456")
	if events := pub.onTopic("/authentication"); len(events) != 1 {
		t.Fatalf("auth publishes = %d, want repeat suppressed", len(events))
	}

	g.Authentication(testDevice, "654321")
	if events := pub.onTopic("/authentication"); len(events) != 2 {
		t.Errorf("auth publishes = %d, want change to pass", len(events))
	}
}

// -------------------------------------------------------------------------
// Status Transitions
// -------------------------------------------------------------------------

func TestOnlineDebouncedByTTL(t *testing.T) {
	t.Parallel()

	g, pub, clock := newTestGate(t, nil)

	g.Heartbeat(testDevice)
	if st := pub.onTopic("/status"); len(st) != 1 {
		t.Fatalf("status publishes = %d, want initial online", len(st))
	}

	// Events inside the TTL do not re-publish online.
	clock.Advance(100 * time.Second)
	g.Heartbeat(testDevice)
	if st := pub.onTopic("/status"); len(st) != 1 {
		t.Fatalf("status publishes = %d, want TTL suppression", len(st))
	}

	// Past the TTL the online status refreshes.
	clock.Advance(301 * time.Second)
	g.Heartbeat(testDevice)
	if st := pub.onTopic("/status"); len(st) != 2 {
		t.Errorf("status publishes = %d, want refresh after TTL", len(st))
	}
}

func TestOfflineImmediateAndAntiFlap(t *testing.T) {
	t.Parallel()

	g, pub, clock := newTestGate(t, nil)

	g.Heartbeat(testDevice)
	g.Offline(testDevice)

	st := pub.onTopic("/status")
	if len(st) != 2 {
		t.Fatalf("status publishes = %d, want online then offline", len(st))
	}

	var last map[string]any
	if err := json.Unmarshal(st[1].Payload, &last); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if last["status"] != "offline" {
		t.Errorf("status = %v, want offline", last["status"])
	}

	// An online transition right after the offline is anti-flapped.
	clock.Advance(2 * time.Second)
	g.Heartbeat(testDevice)
	if st := pub.onTopic("/status"); len(st) != 2 {
		t.Fatalf("status publishes = %d, want anti-flap suppression", len(st))
	}

	// After the anti-flap window the device comes back online.
	clock.Advance(4 * time.Second)
	g.Heartbeat(testDevice)
	st = pub.onTopic("/status")
	if len(st) != 3 {
		t.Fatalf("status publishes = %d, want online after anti-flap window", len(st))
	}
	if err := json.Unmarshal(st[2].Payload, &last); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if last["status"] != "online" {
		t.Errorf("status = %v, want online", last["status"])
	}
}

func TestLogoutPublishesEventAndOffline(t *testing.T) {
	t.Parallel()

	g, pub, _ := newTestGate(t, nil)

	g.Logout(testDevice)

	if lo := pub.onTopic("/logout"); len(lo) != 1 {
		t.Errorf("logout publishes = %d, want 1", len(lo))
	}
	st := pub.onTopic("/status")
	if len(st) != 1 {
		t.Fatalf("status publishes = %d, want offline", len(st))
	}
	var payload map[string]any
	if err := json.Unmarshal(st[0].Payload, &payload); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if payload["status"] != "offline" {
		t.Errorf("status = %v, want offline", payload["status"])
	}
}

// -------------------------------------------------------------------------
// Bus Failure
// -------------------------------------------------------------------------

func TestDisconnectedBusDropsEvents(t *testing.T) {
	t.Parallel()

	g, pub, _ := newTestGate(t, nil)
	pub.setConnected(false)

	g.Heartbeat(testDevice)
	g.Location(testDevice, report(39.9087, 116.3975, 8))

	if events := pub.events(); len(events) != 0 {
		t.Errorf("events published while disconnected: %d", len(events))
	}
}

// -------------------------------------------------------------------------
// Topics
// -------------------------------------------------------------------------

func TestLocationTopicTemplate(t *testing.T) {
	t.Parallel()

	g, pub, _ := newTestGate(t, func(s *gate.Settings) {
		s.LocationTopicTemplate = "custom/{device_id}/geo"
	})

	g.Location(testDevice, report(39.9087, 116.3975, 8))

	var found bool
	for _, e := range pub.events() {
		if e.Topic == "custom/"+testDevice+"/geo" {
			found = true
		}
	}
	if !found {
		t.Errorf("template topic not used; events: %+v", pub.events())
	}
}

// -------------------------------------------------------------------------
// Classification
// -------------------------------------------------------------------------

func TestClassify(t *testing.T) {
	t.Parallel()

	lg := gate.NewLocationGate(20, 5,
		gate.Limits{Interval: 300 * time.Second, Distance: 15},
		gate.Limits{Interval: 60 * time.Second, Distance: 10},
		gate.Limits{Interval: 5 * time.Second, Distance: 5},
	)

	tests := []struct {
		speed float64
		want  gate.Activity
	}{
		{0, gate.Resting},
		{5, gate.Resting},
		{5.1, gate.Walking},
		{20, gate.Walking},
		{20.1, gate.FastMoving},
		{120, gate.FastMoving},
	}

	for _, tt := range tests {
		if got := lg.Classify(tt.speed); got != tt.want {
			t.Errorf("Classify(%v) = %v, want %v", tt.speed, got, tt.want)
		}
	}
}

func TestActivityString(t *testing.T) {
	t.Parallel()

	if gate.Resting.String() != "resting" ||
		gate.Walking.String() != "walking" ||
		gate.FastMoving.String() != "fast_moving" {
		t.Error("Activity.String() labels changed")
	}
}
