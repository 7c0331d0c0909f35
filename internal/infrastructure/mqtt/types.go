package mqtt

import (
	"fmt"
	"time"
)

// QoS is the MQTT delivery guarantee level.
type QoS byte

// QoS levels.
const (
	// AtMostOnce is fire and forget (QoS 0).
	AtMostOnce QoS = 0

	// AtLeastOnce guarantees delivery, possibly duplicated (QoS 1).
	AtLeastOnce QoS = 1

	// ExactlyOnce guarantees a single delivery (QoS 2).
	ExactlyOnce QoS = 2

	// subackFailure is the granted QoS a broker returns for a refused subscription.
	subackFailure QoS = 0x80
)

// Valid reports whether q is 0, 1 or 2.
func (q QoS) Valid() bool {
	return q <= ExactlyOnce
}

// Message is an inbound message delivered to every stream whose filter
// matches its topic. Treat it as read-only: the same Payload slice is shared
// by all receivers.
type Message struct {
	Topic     string
	Payload   []byte
	QoS       QoS
	Retain    bool
	Duplicate bool
	MessageID uint16
}

// String returns a short description for logs.
func (m Message) String() string {
	return fmt.Sprintf("%s (%d bytes, qos %d)", m.Topic, len(m.Payload), m.QoS)
}

// ConnectEvent is emitted each time the broker accepts the connection,
// initial connect and reconnects alike.
type ConnectEvent struct {
	ClientID string
	At       time.Time
}

// ReconnectEvent is emitted when the transport starts another connection attempt.
type ReconnectEvent struct {
	Attempt int
	At      time.Time
}

// CloseEvent is emitted whenever the connection goes away. Requested is true
// when the close came from Disconnect.
type CloseEvent struct {
	Err       error
	Requested bool
	At        time.Time
}

// OfflineEvent is emitted when an established connection is lost.
type OfflineEvent struct {
	Err error
	At  time.Time
}

// EndEvent is emitted once the transport has been torn down by Disconnect.
type EndEvent struct {
	At time.Time
}

// SubackEvent reports the broker's answer to a subscribe request.
type SubackEvent struct {
	Filter  string
	Granted bool
	QoS     QoS
}
