package mqtt

import (
	"sync"
	"testing"
	"time"
)

// mockTransport implements Transport for testing.
type mockTransport struct {
	mu   sync.Mutex
	opts Options
	h    TransportHandlers

	subscribes   []mockSubscription
	unsubscribes []string
	published    []mockPublish
	disconnects  []bool

	// rejected filters get a 0x80 suback.
	rejected map[string]bool

	// held filters keep their suback until ackSubscribe is called.
	held    map[string]bool
	subAcks map[string]chan SubscribeResult

	// holdPubAcks keeps publish acks until ackPublish is called.
	holdPubAcks bool
	pubAcks     []chan error
	pubErr      error
}

type mockSubscription struct {
	Filter string
	QoS    QoS
}

type mockPublish struct {
	Topic   string
	Payload []byte
	QoS     QoS
	Retain  bool
}

func (m *mockTransport) Connect(h TransportHandlers) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.h = h
}

func (m *mockTransport) Disconnect(force bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnects = append(m.disconnects, force)
}

func (m *mockTransport) Publish(topic string, payload []byte, qos QoS, retain bool) <-chan error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, mockPublish{Topic: topic, Payload: payload, QoS: qos, Retain: retain})

	ack := make(chan error, 1)
	if m.holdPubAcks {
		m.pubAcks = append(m.pubAcks, ack)
		return ack
	}
	ack <- m.pubErr
	return ack
}

func (m *mockTransport) Subscribe(filter string, qos QoS) <-chan SubscribeResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribes = append(m.subscribes, mockSubscription{Filter: filter, QoS: qos})

	ack := make(chan SubscribeResult, 1)
	if m.held[filter] {
		m.subAcks[filter] = ack
		return ack
	}
	if m.rejected[filter] {
		ack <- SubscribeResult{QoS: subackFailure}
	} else {
		ack <- SubscribeResult{QoS: qos}
	}
	return ack
}

func (m *mockTransport) Unsubscribe(filter string) <-chan error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unsubscribes = append(m.unsubscribes, filter)

	ack := make(chan error, 1)
	ack <- nil
	return ack
}

func (m *mockTransport) handlers() TransportHandlers {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.h
}

// SimulateConnect simulates the broker accepting the connection.
func (m *mockTransport) SimulateConnect() {
	m.handlers().OnConnect(ConnectEvent{ClientID: m.opts.ClientID, At: time.Now()})
}

// SimulateClose simulates the connection going away.
func (m *mockTransport) SimulateClose(err error) {
	m.handlers().OnClose(err)
}

// SimulateReconnect simulates the start of a reconnection attempt.
func (m *mockTransport) SimulateReconnect(attempt int) {
	m.handlers().OnReconnect(ReconnectEvent{Attempt: attempt, At: time.Now()})
}

// SimulateMessage simulates receiving an MQTT message on a topic.
func (m *mockTransport) SimulateMessage(topic string, payload []byte) {
	m.handlers().OnMessage(Message{Topic: topic, Payload: payload, QoS: AtLeastOnce})
}

// SimulateError simulates a transport fault.
func (m *mockTransport) SimulateError(err error) {
	m.handlers().OnError(err)
}

// ackSubscribe releases the suback held for filter.
func (m *mockTransport) ackSubscribe(t *testing.T, filter string, qos QoS) {
	t.Helper()
	var ack chan SubscribeResult
	waitFor(t, "subscribe "+filter, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		ack = m.subAcks[filter]
		return ack != nil
	})
	m.mu.Lock()
	delete(m.subAcks, filter)
	m.mu.Unlock()
	ack <- SubscribeResult{QoS: qos}
}

func (m *mockTransport) ackPublish(i int, err error) {
	m.mu.Lock()
	ack := m.pubAcks[i]
	m.mu.Unlock()
	ack <- err
}

func (m *mockTransport) GetSubscriptions() []mockSubscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mockSubscription(nil), m.subscribes...)
}

func (m *mockTransport) GetUnsubscribes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.unsubscribes...)
}

func (m *mockTransport) GetPublished() []mockPublish {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mockPublish(nil), m.published...)
}

func (m *mockTransport) GetDisconnects() []bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]bool(nil), m.disconnects...)
}

func (m *mockTransport) pendingPubAcks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pubAcks)
}

// mockFactory hands out one mockTransport per Connect call.
type mockFactory struct {
	mu         sync.Mutex
	transports []*mockTransport
	configure  func(*mockTransport)
}

func (f *mockFactory) New(opts Options) Transport {
	m := &mockTransport{
		opts:     opts,
		rejected: make(map[string]bool),
		held:     make(map[string]bool),
		subAcks:  make(map[string]chan SubscribeResult),
	}
	if f.configure != nil {
		f.configure(m)
	}
	f.mu.Lock()
	f.transports = append(f.transports, m)
	f.mu.Unlock()
	return m
}

func (f *mockFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transports)
}

func (f *mockFactory) last(t *testing.T) *mockTransport {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.transports) == 0 {
		t.Fatal("no transport created")
	}
	return f.transports[len(f.transports)-1]
}

// =============================================================================
// Helpers
// =============================================================================

const (
	testWait     = 2 * time.Second
	testQuietFor = 50 * time.Millisecond
)

// testOptions returns options that never touch the network.
func testOptions() Options {
	opts := DefaultOptions()
	opts.Hostname = "broker.test"
	opts.ClientID = "mqttstream-test"
	return opts
}

// newTestClient creates a client on a mock transport.
func newTestClient(t *testing.T, opts Options) (*Client, *mockFactory) {
	t.Helper()
	factory := &mockFactory{}
	client, err := NewWithTransport(opts, factory.New)
	if err != nil {
		t.Fatalf("NewWithTransport() error = %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client, factory
}

// newConnectedClient creates a client on a mock transport and brings it to CONNECTED.
func newConnectedClient(t *testing.T) (*Client, *mockTransport) {
	t.Helper()
	client, factory := newTestClient(t, testOptions())
	transport := factory.last(t)
	transport.SimulateConnect()
	waitForState(t, client, StateConnected)
	return client, transport
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testWait)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitForState(t *testing.T, client *Client, want ConnectionState) {
	t.Helper()
	waitFor(t, "state "+want.String(), func() bool { return client.State() == want })
}

func receive[T any](t *testing.T, s *Stream[T]) T {
	t.Helper()
	select {
	case v, ok := <-s.C():
		if !ok {
			t.Fatal("stream closed, want value")
		}
		return v
	case <-time.After(testWait):
		t.Fatal("timed out waiting for stream value")
	}
	var zero T
	return zero
}

func expectNothing[T any](t *testing.T, s *Stream[T]) {
	t.Helper()
	select {
	case v, ok := <-s.C():
		if ok {
			t.Fatalf("unexpected stream value %+v", v)
		}
	case <-time.After(testQuietFor):
	}
}

func expectClosed[T any](t *testing.T, s *Stream[T]) {
	t.Helper()
	select {
	case v, ok := <-s.C():
		if ok {
			t.Fatalf("stream value %+v, want closed stream", v)
		}
	case <-time.After(testWait):
		t.Fatal("timed out waiting for stream to close")
	}
}
