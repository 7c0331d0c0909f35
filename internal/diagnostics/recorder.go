package diagnostics

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/mqttstream/internal/infrastructure/logging"
	"github.com/nerrad567/mqttstream/internal/infrastructure/mqtt"
)

// Source is the part of *mqtt.Client the recorder listens to.
type Source interface {
	ClientID() string
	WatchState() *mqtt.Stream[mqtt.ConnectionState]
	OnReconnect() *mqtt.Stream[mqtt.ReconnectEvent]
	OnMessage() *mqtt.Stream[mqtt.Message]
	OnSuback() *mqtt.Stream[mqtt.SubackEvent]
	OnError() *mqtt.Stream[*mqtt.Error]
}

// MetricWriter receives telemetry. Implemented by *influxdb.Client.
type MetricWriter interface {
	WriteConnectionState(clientID string, state string)
	WriteReconnectAttempt(clientID string, attempt int)
	WriteMessage(topic string, size int, qos byte, retained bool)
	WriteSuback(filter string, granted bool)
	WriteError(kind string, subject string, message string)
}

type nopWriter struct{}

func (nopWriter) WriteConnectionState(string, string)  {}
func (nopWriter) WriteReconnectAttempt(string, int)    {}
func (nopWriter) WriteMessage(string, int, byte, bool) {}
func (nopWriter) WriteSuback(string, bool)             {}
func (nopWriter) WriteError(string, string, string)    {}

// Stats is a snapshot of what the recorder has seen.
type Stats struct {
	State         mqtt.ConnectionState
	Transitions   uint64
	Reconnects    uint64
	Messages      uint64
	MessageBytes  uint64
	SubacksDenied uint64
	Errors        uint64
}

// Recorder turns the client's event bus into log entries and metrics.
//
// Thread Safety:
//   - Stats is safe to call while Run is active.
type Recorder struct {
	src     Source
	logger  *logging.Logger
	metrics MetricWriter

	mu       sync.Mutex
	clientID string
	state    mqtt.ConnectionState

	transitions   atomic.Uint64
	reconnects    atomic.Uint64
	messages      atomic.Uint64
	messageBytes  atomic.Uint64
	subacksDenied atomic.Uint64
	errors        atomic.Uint64
}

// New creates a recorder for src.
//
// Parameters:
//   - src: The client to observe
//   - logger: Destination for state changes; nil discards
//   - metrics: Destination for telemetry; nil records counters only
func New(src Source, logger *logging.Logger, metrics MetricWriter) *Recorder {
	if logger == nil {
		logger = logging.Discard()
	}
	if metrics == nil {
		metrics = nopWriter{}
	}
	return &Recorder{
		src:     src,
		logger:  logger.With("component", "diagnostics"),
		metrics: metrics,
	}
}

// Run records until ctx is cancelled or the client is closed.
//
// Each event stream is consumed by its own goroutine so a burst of
// messages never delays state or error reporting.
//
// Returns:
//   - error: nil on a normal stop
func (r *Recorder) Run(ctx context.Context) error {
	r.mu.Lock()
	r.clientID = r.src.ClientID()
	r.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)

	states := r.src.WatchState()
	reconnects := r.src.OnReconnect()
	messages := r.src.OnMessage()
	subacks := r.src.OnSuback()
	errs := r.src.OnError()

	g.Go(func() error { return consume(ctx, states, r.recordState) })
	g.Go(func() error { return consume(ctx, reconnects, r.recordReconnect) })
	g.Go(func() error { return consume(ctx, messages, r.recordMessage) })
	g.Go(func() error { return consume(ctx, subacks, r.recordSuback) })
	g.Go(func() error { return consume(ctx, errs, r.recordError) })

	return g.Wait()
}

// consume feeds every value of s to fn until ctx ends or s is closed.
func consume[T any](ctx context.Context, s *mqtt.Stream[T], fn func(T)) error {
	defer s.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case v, ok := <-s.C():
			if !ok {
				return nil
			}
			fn(v)
		}
	}
}

func (r *Recorder) recordState(state mqtt.ConnectionState) {
	r.mu.Lock()
	r.state = state
	if state == mqtt.StateConnecting {
		// A new Connect may have changed the identifier.
		r.clientID = r.src.ClientID()
	}
	clientID := r.clientID
	r.mu.Unlock()

	r.transitions.Add(1)
	r.logger.Info("mqtt connection state", "state", state.String(), "client_id", clientID)
	r.metrics.WriteConnectionState(clientID, state.String())
}

func (r *Recorder) recordReconnect(ev mqtt.ReconnectEvent) {
	r.reconnects.Add(1)

	r.mu.Lock()
	clientID := r.clientID
	r.mu.Unlock()

	r.logger.Debug("mqtt reconnect attempt", "attempt", ev.Attempt)
	r.metrics.WriteReconnectAttempt(clientID, ev.Attempt)
}

func (r *Recorder) recordMessage(msg mqtt.Message) {
	r.messages.Add(1)
	r.messageBytes.Add(uint64(len(msg.Payload)))
	r.metrics.WriteMessage(msg.Topic, len(msg.Payload), byte(msg.QoS), msg.Retain)
}

func (r *Recorder) recordSuback(ev mqtt.SubackEvent) {
	if !ev.Granted {
		r.subacksDenied.Add(1)
	}
	r.metrics.WriteSuback(ev.Filter, ev.Granted)
}

func (r *Recorder) recordError(err *mqtt.Error) {
	r.errors.Add(1)

	subject := err.Filter
	if subject == "" {
		subject = err.Topic
	}
	r.metrics.WriteError(err.Kind.String(), subject, err.Error())
}

// Stats returns the counters recorded so far.
func (r *Recorder) Stats() Stats {
	r.mu.Lock()
	state := r.state
	r.mu.Unlock()

	return Stats{
		State:         state,
		Transitions:   r.transitions.Load(),
		Reconnects:    r.reconnects.Load(),
		Messages:      r.messages.Load(),
		MessageBytes:  r.messageBytes.Load(),
		SubacksDenied: r.subacksDenied.Load(),
		Errors:        r.errors.Load(),
	}
}
