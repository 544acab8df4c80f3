// Package bus provides the message bus egress for the gateway: the
// Publisher contract the publish gate writes through, and an MQTT
// implementation built on the Eclipse Paho client.
package bus

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Publisher is the downstream handle the publish gate writes to.
// Implementations must be safe for concurrent use; the gateway calls
// Publish from every session goroutine.
type Publisher interface {
	// Publish sends a payload to a topic at the given QoS level.
	Publish(topic string, payload []byte, qos byte) error

	// Connected reports whether the handle can currently deliver.
	Connected() bool
}

// Publish errors.
var (
	// ErrNotConnected indicates a publish attempted while disconnected.
	ErrNotConnected = errors.New("bus not connected")

	// ErrPublishTimeout indicates the broker did not acknowledge in time.
	ErrPublishTimeout = errors.New("publish not acknowledged in time")
)

// connectTimeout bounds the initial broker handshake.
const connectTimeout = 10 * time.Second

// publishTimeout bounds how long a session goroutine may wait on a
// broker acknowledgement before the event is dropped.
const publishTimeout = 5 * time.Second

// Options configures the MQTT client.
type Options struct {
	Host     string
	Port     int
	User     string
	Password string
	TLS      bool

	// ClientID identifies this client to the broker. Empty picks a
	// per-process default.
	ClientID string
}

// MQTTClient is a Publisher backed by an MQTT broker connection with
// automatic reconnect. The zero value is not usable; call Dial.
type MQTTClient struct {
	client mqtt.Client
	logger *slog.Logger
}

// Dial connects to the broker described by opts. The connection
// auto-reconnects after broker loss; publishes during an outage fail
// with ErrNotConnected and are dropped by the caller.
func Dial(opts Options, logger *slog.Logger) (*MQTTClient, error) {
	if opts.ClientID == "" {
		opts.ClientID = fmt.Sprintf("tracklink-%d", os.Getpid())
	}

	scheme := "tcp"
	if opts.TLS {
		scheme = "ssl"
	}
	broker := fmt.Sprintf("%s://%s:%d", scheme, opts.Host, opts.Port)

	m := &MQTTClient{logger: logger}

	co := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout).
		SetOrderMatters(false)
	if opts.User != "" {
		co.SetUsername(opts.User)
		co.SetPassword(opts.Password)
	}
	if opts.TLS {
		co.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	co.OnConnect = func(mqtt.Client) {
		logger.Info("connected to message bus", "broker", broker)
	}
	co.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("message bus connection lost", "broker", broker, "error", err)
	}

	m.client = mqtt.NewClient(co)

	token := m.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("dial bus %s: %w", broker, ErrPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("dial bus %s: %w", broker, err)
	}

	return m, nil
}

// Publish sends payload to topic and waits for the broker
// acknowledgement appropriate to the QoS level.
func (m *MQTTClient) Publish(topic string, payload []byte, qos byte) error {
	if !m.client.IsConnectionOpen() {
		return fmt.Errorf("publish to %s: %w", topic, ErrNotConnected)
	}

	token := m.client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish to %s: %w", topic, ErrPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Connected reports whether the broker connection is currently open.
func (m *MQTTClient) Connected() bool {
	return m.client.IsConnectionOpen()
}

// Close disconnects from the broker, allowing a short drain for
// in-flight messages.
func (m *MQTTClient) Close() {
	m.client.Disconnect(250)
}
