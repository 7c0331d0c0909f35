package mqtt

import (
	"errors"
	"fmt"
)

// Domain-specific errors for MQTT operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrNotConnected is returned when an operation needs a live connection.
	ErrNotConnected = errors.New("mqtt: client not connected")

	// ErrAlreadyConnected is returned by Connect unless the client is CLOSED.
	ErrAlreadyConnected = errors.New("mqtt: client already connected or connecting")

	// ErrConnectionFailed is reported when a connection attempt fails.
	ErrConnectionFailed = errors.New("mqtt: connection failed")

	// ErrConnectionLost fails publishes still awaiting an ack when the
	// transport drops the connection.
	ErrConnectionLost = errors.New("mqtt: connection lost")

	// ErrDisconnected fails publishes still awaiting an ack when Disconnect is called.
	ErrDisconnected = errors.New("mqtt: disconnected")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("mqtt: client closed")

	// ErrSubscribeRejected is reported when the broker refuses a subscription.
	ErrSubscribeRejected = errors.New("mqtt: subscription rejected by broker")

	// ErrInvalidQoS is returned when an invalid QoS level is specified.
	// Valid QoS levels are 0, 1, or 2.
	ErrInvalidQoS = errors.New("mqtt: invalid QoS level (must be 0, 1, or 2)")

	// ErrInvalidTopic is returned for an empty topic or one containing wildcards.
	ErrInvalidTopic = errors.New("mqtt: invalid topic")

	// ErrInvalidFilter is returned for a malformed topic filter.
	ErrInvalidFilter = errors.New("mqtt: invalid topic filter")

	// ErrPayloadTooLarge is returned when a payload exceeds maxPayloadSize.
	ErrPayloadTooLarge = errors.New("mqtt: payload too large")

	// ErrInvalidOptions is returned when Options fail validation.
	ErrInvalidOptions = errors.New("mqtt: invalid options")

	// ErrTimeout is returned when the transport gives up waiting for an ack.
	ErrTimeout = errors.New("mqtt: operation timed out")
)

// ErrorKind classifies errors reported by the client.
type ErrorKind int

const (
	// KindConnection covers unreachable or refusing brokers and dropped
	// connections. Not fatal: the client keeps reconnecting when configured to.
	KindConnection ErrorKind = iota + 1

	// KindSubscribe covers subscriptions the broker rejected or never acked.
	KindSubscribe

	// KindPublish covers publishes that failed or lost their ack.
	KindPublish

	// KindProtocol covers any other fault reported by the transport.
	KindProtocol
)

// String returns the kind name used in logs and metrics.
func (k ErrorKind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindSubscribe:
		return "subscribe"
	case KindPublish:
		return "publish"
	case KindProtocol:
		return "protocol"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is the error type delivered on the error channel and to acknowledged
// publish callers. Filter is set for subscribe errors, Topic for publish errors.
type Error struct {
	Kind   ErrorKind
	Filter string
	Topic  string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Filter != "":
		return fmt.Sprintf("mqtt %s error on filter %q: %v", e.Kind, e.Filter, e.Err)
	case e.Topic != "":
		return fmt.Sprintf("mqtt %s error on topic %q: %v", e.Kind, e.Topic, e.Err)
	default:
		return fmt.Sprintf("mqtt %s error: %v", e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// asError wraps err as an *Error of the given kind unless it already is one.
func asError(kind ErrorKind, err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: kind, Err: err}
}
