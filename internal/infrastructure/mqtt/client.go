package mqtt

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Client keeps one logical broker connection and exposes it to many
// independent consumers as filtered message streams.
//
// It provides connection lifecycle management with reconnection, reference
// counted topic subscriptions multiplexed over the connection, routing of
// inbound messages to every matching stream, acknowledged publishing and an
// event bus of raw transport events.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - All state lives on a single event loop goroutine; methods hand their
//     work to it and never wait on the network.
//   - Subscriptions are automatically restored on reconnection.
type Client struct {
	newTransport TransportFactory

	inbox   *mailbox
	stopped chan struct{}

	closeOnce sync.Once

	// Fields below are owned by the event loop.
	opts          Options
	transport     Transport
	generation    uint64
	state         ConnectionState
	subscriptions map[string]*subscription
	pending       map[uint64]*PublishToken
	nextRequest   uint64

	states *feed[ConnectionState]
	events eventBus

	// logger for connection and error logging (optional, set via SetLogger).
	logger   Logger
	loggerMu sync.RWMutex
}

// Logger interface for optional logging support.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// eventBus holds one feed per raw transport event.
type eventBus struct {
	connect   *feed[ConnectEvent]
	reconnect *feed[ReconnectEvent]
	close     *feed[CloseEvent]
	offline   *feed[OfflineEvent]
	end       *feed[EndEvent]
	errors    *feed[*Error]
	message   *feed[Message]
	suback    *feed[SubackEvent]
}

func newEventBus() eventBus {
	return eventBus{
		connect:   newFeed[ConnectEvent](),
		reconnect: newFeed[ReconnectEvent](),
		close:     newFeed[CloseEvent](),
		offline:   newFeed[OfflineEvent](),
		end:       newFeed[EndEvent](),
		errors:    newFeed[*Error](),
		message:   newFeed[Message](),
		suback:    newFeed[SubackEvent](),
	}
}

func (b eventBus) closeAll() {
	b.connect.close()
	b.reconnect.close()
	b.close.close()
	b.offline.close()
	b.end.close()
	b.errors.close()
	b.message.close()
	b.suback.close()
}

// New creates a client backed by paho.mqtt.golang.
//
// When opts.ConnectOnCreate is set the client starts connecting right away
// and its initial state is CONNECTING; otherwise it starts CLOSED and waits
// for Connect.
//
// Parameters:
//   - opts: Connection options, usually DefaultOptions() with overrides
//
// Returns:
//   - *Client: Client ready for use (connection proceeds in the background)
//   - error: If the options are invalid
func New(opts Options) (*Client, error) {
	return NewWithTransport(opts, newPahoTransport)
}

// NewWithTransport is New with a custom transport, one per Connect call.
func NewWithTransport(opts Options, factory TransportFactory) (*Client, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		newTransport:  factory,
		inbox:         newMailbox(),
		stopped:       make(chan struct{}),
		opts:          opts.withDefaults(),
		state:         StateClosed,
		subscriptions: make(map[string]*subscription),
		pending:       make(map[uint64]*PublishToken),
		states:        newFeed[ConnectionState](),
		events:        newEventBus(),
		logger:        nopLogger{},
	}
	c.states.send(StateClosed)

	go c.loop()

	if opts.ConnectOnCreate {
		c.run(func() { _ = c.connect(c.opts) })
	}

	return c, nil
}

// loop runs queued work until the mailbox is closed and drained.
func (c *Client) loop() {
	defer close(c.stopped)
	for {
		fn, ok := c.inbox.next()
		if !ok {
			return
		}
		fn()
	}
}

// run executes fn on the event loop and waits for it.
// It returns false if the client has been closed.
func (c *Client) run(fn func()) bool {
	done := make(chan struct{})
	if !c.inbox.post(func() {
		defer close(done)
		fn()
	}) {
		return false
	}
	select {
	case <-done:
		return true
	case <-c.stopped:
		return false
	}
}

// =============================================================================
// Connection State Machine
// =============================================================================

// Connect starts a new connection with the given options.
//
// Only valid while the client is CLOSED. The state moves to CONNECTING and
// then to CONNECTED once the broker accepts; every registered filter is
// subscribed again at that point.
//
// Parameters:
//   - opts: Connection options; an empty ClientID is replaced by "client-<uuid>"
//
// Returns:
//   - error: ErrInvalidOptions, ErrAlreadyConnected, or ErrClosed
func (c *Client) Connect(opts Options) error {
	if err := opts.Validate(); err != nil {
		return err
	}

	var err error
	if !c.run(func() { err = c.connect(opts.withDefaults()) }) {
		return ErrClosed
	}
	return err
}

func (c *Client) connect(opts Options) error {
	if c.state != StateClosed {
		return ErrAlreadyConnected
	}

	c.opts = opts
	c.generation++
	c.setState(StateConnecting)

	c.getLogger().Info("MQTT connecting",
		"broker", opts.BrokerURL(),
		"client_id", opts.ClientID,
	)

	c.transport = c.newTransport(opts)
	c.transport.Connect(c.handlersFor(c.generation))
	return nil
}

// Disconnect closes the connection. The state moves to CLOSED from any
// state; publishes still waiting for an ack fail with ErrDisconnected.
// Subscriptions stay registered and resume after the next Connect.
//
// Parameters:
//   - force: Abandon in-flight work instead of letting it drain briefly
//
// Returns:
//   - error: ErrClosed if the client has been closed
func (c *Client) Disconnect(force bool) error {
	if !c.run(func() { c.disconnect(force) }) {
		return ErrClosed
	}
	return nil
}

func (c *Client) disconnect(force bool) {
	t := c.transport
	if t == nil {
		return
	}

	c.transport = nil
	c.generation++
	c.failPending(ErrDisconnected)
	c.resetSubscriptions()
	c.setState(StateClosed)
	c.events.close.send(CloseEvent{Requested: true, At: time.Now()})

	c.getLogger().Info("MQTT disconnecting", "force", force)

	go func() {
		t.Disconnect(force)
		c.inbox.post(func() {
			c.events.end.send(EndEvent{At: time.Now()})
		})
	}()
}

// Close disconnects and shuts the client down for good. Every stream handed
// out by the client is completed. Subsequent operations fail with ErrClosed.
//
// Returns:
//   - error: nil (closing an already closed client is not an error)
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.run(func() {
			c.disconnect(true)
			for filter, sub := range c.subscriptions {
				sub.feed.close()
				delete(c.subscriptions, filter)
			}
			c.states.close()
			c.events.closeAll()
		})
		c.inbox.close()
		<-c.stopped
	})
	return nil
}

func (c *Client) setState(s ConnectionState) {
	c.state = s
	c.states.send(s)
	c.getLogger().Debug("MQTT state changed", "state", s.String())
}

// handlersFor binds transport callbacks to one connection generation; events
// from a transport that has since been replaced are dropped.
func (c *Client) handlersFor(gen uint64) TransportHandlers {
	onLoop := func(fn func()) {
		c.inbox.post(func() {
			if gen == c.generation {
				fn()
			}
		})
	}

	return TransportHandlers{
		OnConnect: func(ev ConnectEvent) {
			onLoop(func() { c.handleConnect(ev) })
		},
		OnReconnect: func(ev ReconnectEvent) {
			onLoop(func() { c.handleReconnect(ev) })
		},
		OnClose: func(err error) {
			onLoop(func() { c.handleClose(err) })
		},
		OnError: func(err error) {
			onLoop(func() { c.emitError(asError(KindProtocol, err)) })
		},
		OnMessage: func(msg Message) {
			onLoop(func() { c.handleMessage(msg) })
		},
	}
}

// handleConnect is called when the connection is established.
func (c *Client) handleConnect(ev ConnectEvent) {
	c.setState(StateConnected)
	c.events.connect.send(ev)

	c.getLogger().Info("MQTT connected", "client_id", ev.ClientID)

	// Restore subscriptions
	c.resubscribeAll()
}

func (c *Client) handleReconnect(ev ReconnectEvent) {
	if c.state != StateReconnecting {
		c.setState(StateReconnecting)
	}
	c.events.reconnect.send(ev)
}

// handleClose is called when a connection attempt fails or the connection is lost.
func (c *Client) handleClose(err error) {
	wasConnected := c.state == StateConnected
	now := time.Now()

	c.failPending(ErrConnectionLost)
	c.resetSubscriptions()
	c.events.close.send(CloseEvent{Err: err, At: now})
	if wasConnected {
		c.events.offline.send(OfflineEvent{Err: err, At: now})
		c.getLogger().Warn("MQTT connection lost", "error", err)
	}

	if c.opts.ReconnectPeriod > 0 {
		if c.state != StateReconnecting {
			c.setState(StateReconnecting)
		}
		return
	}

	// Reconnect disabled: the transport is done.
	t := c.transport
	c.transport = nil
	c.generation++
	c.setState(StateClosed)
	if t != nil {
		go t.Disconnect(true)
	}
}

// emitError broadcasts err on the error channel. Errors are logged too, so
// one nobody listens for still leaves a trace.
func (c *Client) emitError(err *Error) {
	c.events.errors.send(err)
	c.getLogger().Warn("MQTT error",
		"kind", err.Kind.String(),
		"filter", err.Filter,
		"topic", err.Topic,
		"error", err.Err,
	)
}

// =============================================================================
// Accessors
// =============================================================================

// ClientID returns the client identifier of the current (or last) connection.
func (c *Client) ClientID() string {
	var id string
	c.run(func() { id = c.opts.ClientID })
	return id
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	s, _ := c.states.lastValue()
	return s
}

// WatchState returns a stream that first yields the current state and then
// every transition. Close the stream when done.
func (c *Client) WatchState() *Stream[ConnectionState] {
	return c.states.subscribe(true, nil)
}

// IsConnected reports whether the state is CONNECTED.
func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

// HealthCheck verifies the MQTT connection is alive.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (c *Client) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("mqtt health check: %w", ctx.Err())
	default:
	}

	if !c.IsConnected() {
		return ErrNotConnected
	}

	return nil
}

// SetLogger sets a logger for connection and error logging.
// If not set, nothing is logged.
func (c *Client) SetLogger(logger Logger) {
	if logger == nil {
		logger = nopLogger{}
	}
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

func (c *Client) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

// =============================================================================
// Event Bus
// =============================================================================

// OnConnect streams an event each time the broker accepts the connection.
func (c *Client) OnConnect() *Stream[ConnectEvent] { return c.events.connect.subscribe(false, nil) }

// OnReconnect streams an event before each reconnection attempt.
func (c *Client) OnReconnect() *Stream[ReconnectEvent] {
	return c.events.reconnect.subscribe(false, nil)
}

// OnClose streams an event each time the connection goes away, including
// failed attempts and Disconnect.
func (c *Client) OnClose() *Stream[CloseEvent] { return c.events.close.subscribe(false, nil) }

// OnOffline streams an event when an established connection is lost.
func (c *Client) OnOffline() *Stream[OfflineEvent] { return c.events.offline.subscribe(false, nil) }

// OnEnd streams an event once Disconnect has torn the transport down.
func (c *Client) OnEnd() *Stream[EndEvent] { return c.events.end.subscribe(false, nil) }

// OnError streams every error that has no single owner: transport faults,
// rejected subscriptions and UnsafePublish failures.
func (c *Client) OnError() *Stream[*Error] { return c.events.errors.subscribe(false, nil) }

// OnMessage streams every inbound message, matched or not.
func (c *Client) OnMessage() *Stream[Message] { return c.events.message.subscribe(false, nil) }

// OnSuback streams the broker's answer to every subscribe request.
func (c *Client) OnSuback() *Stream[SubackEvent] { return c.events.suback.subscribe(false, nil) }

// =============================================================================
// Mailbox
// =============================================================================

// mailbox is the unbounded work queue of the event loop. Posting never
// blocks, so transport callbacks cannot stall on a busy loop.
type mailbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
}

func newMailbox() *mailbox {
	m := &mailbox{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// post queues fn. It returns false once the mailbox is closed.
func (m *mailbox) post(fn func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.queue = append(m.queue, fn)
	m.cond.Signal()
	return true
}

// next blocks until work is available. It returns false when the mailbox
// is closed and drained.
func (m *mailbox) next() (func(), bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.queue) == 0 && !m.closed {
		m.cond.Wait()
	}
	if len(m.queue) == 0 {
		return nil, false
	}
	fn := m.queue[0]
	m.queue[0] = nil
	m.queue = m.queue[1:]
	return fn, true
}

func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.cond.Broadcast()
	m.mu.Unlock()
}
