package mqtt

// Transport is the protocol client underneath Client. It owns the network
// connection and reports what happens on it through TransportHandlers.
//
// Implementations must not block in any method: Connect starts connecting in
// the background, and the ack channels returned by Publish, Subscribe and
// Unsubscribe each receive exactly one value once the outcome is known.
//
// The default implementation wraps paho.mqtt.golang (see New). Tests use an
// in-memory implementation via NewWithTransport.
type Transport interface {
	// Connect starts connecting and keeps the connection alive according
	// to the Options the transport was created with.
	Connect(h TransportHandlers)

	// Disconnect tears the connection down. With force, pending work is
	// abandoned immediately.
	Disconnect(force bool)

	// Publish sends a message. The channel receives nil once the broker
	// acknowledged it (or once written, for QoS 0).
	Publish(topic string, payload []byte, qos QoS, retain bool) <-chan error

	// Subscribe requests a subscription; the channel receives the suback.
	Subscribe(filter string, qos QoS) <-chan SubscribeResult

	// Unsubscribe removes a subscription; the channel receives the unsuback.
	Unsubscribe(filter string) <-chan error
}

// SubscribeResult is the outcome of a subscribe request. QoS is the level the
// broker granted, 0x80 meaning it refused the subscription.
type SubscribeResult struct {
	QoS QoS
	Err error
}

// TransportHandlers receives raw transport events. Handlers may be called
// from any goroutine and must return quickly.
type TransportHandlers struct {
	// OnConnect is called each time the broker accepts the connection.
	OnConnect func(ConnectEvent)

	// OnReconnect is called before each new connection attempt.
	OnReconnect func(ReconnectEvent)

	// OnClose is called when a connection attempt fails or a live
	// connection is lost.
	OnClose func(err error)

	// OnError is called for transport faults. Errors that are not an
	// *Error are treated as KindProtocol.
	OnError func(err error)

	// OnMessage is called for every inbound PUBLISH, in arrival order.
	OnMessage func(Message)
}

// TransportFactory creates the transport for one Connect call.
type TransportFactory func(opts Options) Transport
