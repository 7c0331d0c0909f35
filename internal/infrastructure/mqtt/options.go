package mqtt

import (
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// Connection constants.
const (
	// defaultConnectTimeout is the maximum time for a single connection attempt.
	defaultConnectTimeout = 30 * time.Second

	// defaultAckTimeout is how long the transport waits for a suback/puback.
	defaultAckTimeout = 10 * time.Second

	// defaultDisconnectQuiesce is the time to wait for pending work on a
	// non-forced disconnect.
	defaultDisconnectQuiesce = 250 // milliseconds

	// defaultKeepAlive is the keepalive interval for the connection.
	defaultKeepAlive = 60 * time.Second

	// defaultReconnectPeriod is the delay between reconnection attempts.
	defaultReconnectPeriod = time.Second

	// clientIDPrefix prefixes generated client identifiers.
	clientIDPrefix = "client-"

	// tlsMinVersion is the minimum TLS version for secure connections.
	tlsMinVersion = tls.VersionTLS12
)

// Protocol selects the transport used to reach the broker.
type Protocol string

// Supported protocols.
const (
	ProtocolMQTT  Protocol = "mqtt"
	ProtocolMQTTS Protocol = "mqtts"
	ProtocolWS    Protocol = "ws"
	ProtocolWSS   Protocol = "wss"
)

// scheme returns the broker URL scheme paho expects for the protocol.
func (p Protocol) scheme() (string, bool) {
	switch p {
	case ProtocolMQTT, "":
		return "tcp", true
	case ProtocolMQTTS:
		return "ssl", true
	case ProtocolWS:
		return "ws", true
	case ProtocolWSS:
		return "wss", true
	default:
		return "", false
	}
}

func (p Protocol) secure() bool {
	return p == ProtocolMQTTS || p == ProtocolWSS
}

func (p Protocol) websocket() bool {
	return p == ProtocolWS || p == ProtocolWSS
}

// defaultPort returns the well-known port for the protocol.
func (p Protocol) defaultPort() int {
	switch p {
	case ProtocolMQTTS:
		return 8883
	case ProtocolWS:
		return 80
	case ProtocolWSS:
		return 443
	default:
		return 1883
	}
}

// Will is the message the broker publishes on the client's behalf if the
// connection drops without a clean disconnect.
type Will struct {
	Topic   string
	Payload []byte
	QoS     QoS
	Retain  bool
}

// Options lists every connection setting the client understands.
//
// Start from DefaultOptions and override fields; a zero Options value has
// ConnectOnCreate and Clean set to false. Protocol, Port and ClientID are
// filled in at construction when left empty.
type Options struct {
	// Hostname of the broker.
	Hostname string

	// Port of the broker. Zero selects the protocol's well-known port.
	Port int

	// Path is the HTTP path for ws/wss connections (e.g. "/mqtt").
	Path string

	// Protocol is one of mqtt, mqtts, ws, wss. Empty means mqtt.
	Protocol Protocol

	// ClientID identifies the session. Empty generates "client-<uuid>".
	ClientID string

	// ConnectOnCreate connects as part of New.
	ConnectOnCreate bool

	// Keepalive is the PING interval. Zero disables keepalive.
	Keepalive time.Duration

	// ReconnectPeriod is the delay between reconnection attempts.
	// Zero disables reconnection: a lost connection moves the client to CLOSED.
	ReconnectPeriod time.Duration

	// ConnectTimeout bounds a single connection attempt.
	ConnectTimeout time.Duration

	// AckTimeout bounds the wait for a suback, unsuback or puback.
	// Zero waits for as long as the connection lasts.
	AckTimeout time.Duration

	Username string
	Password string

	// Clean starts a fresh broker session on every connect.
	Clean bool

	// DefaultQoS is used by Observe and Publish when no QoS option is given.
	DefaultQoS QoS

	// Will is the optional last will message.
	Will *Will

	// TLSInsecureSkipVerify disables broker certificate verification for
	// mqtts/wss. Development use only.
	TLSInsecureSkipVerify bool
}

// DefaultOptions returns the options used when nothing else is configured.
func DefaultOptions() Options {
	return Options{
		Hostname:        "localhost",
		Protocol:        ProtocolMQTT,
		ConnectOnCreate: true,
		Keepalive:       defaultKeepAlive,
		ReconnectPeriod: defaultReconnectPeriod,
		ConnectTimeout:  defaultConnectTimeout,
		AckTimeout:      defaultAckTimeout,
		Clean:           true,
		DefaultQoS:      AtLeastOnce,
	}
}

// Validate checks the options for values the transport cannot use.
//
// Returns:
//   - error: wraps ErrInvalidOptions describing every problem found, or nil
func (o Options) Validate() error {
	var errs []string

	if o.Hostname == "" {
		errs = append(errs, "hostname is required")
	}
	if o.Port < 0 || o.Port > 65535 {
		errs = append(errs, "port must be between 0 and 65535")
	}
	if _, ok := o.Protocol.scheme(); !ok {
		errs = append(errs, fmt.Sprintf("unsupported protocol %q", o.Protocol))
	}
	if o.Path != "" && !strings.HasPrefix(o.Path, "/") {
		errs = append(errs, "path must start with /")
	}
	if !o.DefaultQoS.Valid() {
		errs = append(errs, "default qos must be 0, 1, or 2")
	}
	if o.Keepalive < 0 || o.ReconnectPeriod < 0 || o.ConnectTimeout < 0 || o.AckTimeout < 0 {
		errs = append(errs, "durations cannot be negative")
	}
	if o.Will != nil {
		if err := ValidateTopic(o.Will.Topic); err != nil {
			errs = append(errs, "will: "+err.Error())
		}
		if !o.Will.QoS.Valid() {
			errs = append(errs, "will qos must be 0, 1, or 2")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidOptions, strings.Join(errs, "; "))
	}
	return nil
}

// withDefaults fills the fields that have a derived default.
func (o Options) withDefaults() Options {
	if o.Protocol == "" {
		o.Protocol = ProtocolMQTT
	}
	if o.Port == 0 {
		o.Port = o.Protocol.defaultPort()
	}
	if o.ClientID == "" {
		o.ClientID = newClientID()
	}
	return o
}

// BrokerURL returns the URL paho dials, e.g. "tcp://localhost:1883" or
// "wss://broker.example.com:443/mqtt".
func (o Options) BrokerURL() string {
	scheme, _ := o.Protocol.scheme()
	port := o.Port
	if port == 0 {
		port = o.Protocol.defaultPort()
	}

	u := fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(o.Hostname, strconv.Itoa(port)))
	if o.Protocol.websocket() {
		u += o.Path
	}
	return u
}

// newClientID generates a client identifier of the form "client-<uuid>".
func newClientID() string {
	return clientIDPrefix + uuid.NewString()
}

// buildClientOptions creates paho MQTT options from Options.
//
// This configures:
//   - Broker URL (tcp, ssl, ws or wss)
//   - Client ID and credentials
//   - Keepalive, connect timeout and clean session
//   - paho's auto-reconnect for established connections; the first
//     connection is retried by pahoTransport itself
//   - TLS configuration for secure protocols
//   - Last will (if configured)
func buildClientOptions(o Options) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()

	opts.AddBroker(o.BrokerURL())
	opts.SetClientID(o.ClientID)

	if o.Username != "" {
		opts.SetUsername(o.Username)
		opts.SetPassword(o.Password)
	}

	opts.SetCleanSession(o.Clean)
	opts.SetKeepAlive(o.Keepalive)
	opts.SetConnectTimeout(o.ConnectTimeout)

	// Messages are routed by the client, in arrival order.
	opts.SetOrderMatters(true)

	opts.SetConnectRetry(false)
	opts.SetAutoReconnect(o.ReconnectPeriod > 0)
	if o.ReconnectPeriod > 0 {
		opts.SetMaxReconnectInterval(o.ReconnectPeriod)
	}

	if o.Protocol.secure() {
		tlsConfig := &tls.Config{
			MinVersion: tlsMinVersion,
			// #nosec G402 -- opt-in for development brokers with self-signed certificates
			InsecureSkipVerify: o.TLSInsecureSkipVerify,
		}
		opts.SetTLSConfig(tlsConfig)
	}

	configureWill(opts, o.Will)

	return opts
}

// configureWill sets up the Last Will and Testament, if any.
//
// The will is published by the broker if the client disconnects
// unexpectedly (crash, network failure, etc.).
func configureWill(opts *pahomqtt.ClientOptions, will *Will) {
	if will == nil {
		return
	}
	opts.SetBinaryWill(will.Topic, will.Payload, byte(will.QoS), will.Retain)
}
