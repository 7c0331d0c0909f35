package mqtt

import (
	"fmt"
)

// subscriptionStatus tracks where a registered filter stands with the broker
// on the current connection.
type subscriptionStatus int

const (
	// statusIdle: no subscribe issued on this connection (yet).
	statusIdle subscriptionStatus = iota

	// statusPending: subscribe sent, suback outstanding.
	statusPending

	// statusActive: broker granted the subscription.
	statusActive

	// statusRejected: broker refused or never acked; retried on next connect.
	statusRejected
)

// subscription is one registered topic filter. It is shared by every stream
// observing the filter and owned by the event loop.
type subscription struct {
	filter string
	qos    QoS
	refs   int
	feed   *feed[Message]

	status  subscriptionStatus
	granted QoS

	// request identifies the subscribe awaiting its suback; acks for
	// older requests are ignored.
	request uint64

	// held keeps messages routed while the suback is outstanding. They
	// reach the feed on grant and are dropped on rejection or reset.
	held []Message
}

// maxHeldMessages bounds the messages kept for one pending subscription.
const maxHeldMessages = 1000

// SubscribeOption configures Observe.
type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	qos    QoS
	hasQoS bool
}

// WithSubscribeQoS sets the maximum QoS requested for the filter. Only the
// first Observe of a filter decides the QoS; later calls share it.
func WithSubscribeQoS(qos QoS) SubscribeOption {
	return func(o *subscribeOptions) {
		o.qos = qos
		o.hasQoS = true
	}
}

// Observe returns a stream of the messages whose topic matches filter.
//
// The first Observe of a filter registers it and subscribes on the broker
// (immediately when CONNECTED, otherwise as soon as the connection comes up).
// Further calls with the same filter share that single subscription and only
// add a reference. Closing the returned stream drops the reference; the last
// one to go unsubscribes on the broker.
//
// Observe never waits for the broker. A rejected subscription is reported on
// OnError with the filter attached; the stream simply receives nothing.
//
// Filters may use MQTT wildcards:
//   - + (single-level): "sensors/+/temperature"
//   - # (multi-level): "sensors/#"
//
// Parameters:
//   - filter: The topic filter to observe
//   - opts: Optional subscribe options (QoS)
//
// Returns:
//   - *Stream[Message]: Messages matching filter, from now on
//   - error: ErrInvalidFilter, ErrInvalidQoS, or ErrClosed
//
// Example:
//
//	stream, err := client.Observe("sensors/+/temperature")
//	if err != nil {
//	    return err
//	}
//	defer stream.Close()
//	for msg := range stream.C() {
//	    log.Printf("%s = %s", msg.Topic, msg.Payload)
//	}
func (c *Client) Observe(filter string, opts ...SubscribeOption) (*Stream[Message], error) {
	return c.observe(filter, false, opts)
}

// ObserveRetained is Observe, except that a new stream first receives the
// last message already routed to filter, if any.
func (c *Client) ObserveRetained(filter string, opts ...SubscribeOption) (*Stream[Message], error) {
	return c.observe(filter, true, opts)
}

func (c *Client) observe(filter string, replayLast bool, opts []SubscribeOption) (*Stream[Message], error) {
	if err := ValidateFilter(filter); err != nil {
		return nil, err
	}

	var so subscribeOptions
	for _, opt := range opts {
		opt(&so)
	}
	if so.hasQoS && !so.qos.Valid() {
		return nil, ErrInvalidQoS
	}

	var stream *Stream[Message]
	ok := c.run(func() {
		qos := c.opts.DefaultQoS
		if so.hasQoS {
			qos = so.qos
		}
		stream = c.register(filter, qos, replayLast)
	})
	if !ok {
		return nil, ErrClosed
	}
	return stream, nil
}

// register adds a reference to filter, creating the subscription on first use.
func (c *Client) register(filter string, qos QoS, replayLast bool) *Stream[Message] {
	sub, exists := c.subscriptions[filter]
	if !exists {
		sub = &subscription{
			filter: filter,
			qos:    qos,
			feed:   newFeed[Message](),
		}
		c.subscriptions[filter] = sub

		if c.state == StateConnected {
			c.subscribe(sub)
		}
	}
	sub.refs++

	return sub.feed.subscribe(replayLast, func() {
		c.run(func() { c.release(sub) })
	})
}

// release drops one reference to sub; the last one unsubscribes on the broker.
// Safe after Disconnect: nothing is sent unless CONNECTED.
func (c *Client) release(sub *subscription) {
	if c.subscriptions[sub.filter] != sub {
		return
	}

	sub.refs--
	if sub.refs > 0 {
		return
	}

	delete(c.subscriptions, sub.filter)
	sub.held = nil
	sub.feed.close()

	if c.state != StateConnected || c.transport == nil {
		return
	}

	filter := sub.filter
	ack := c.transport.Unsubscribe(filter)
	go func() {
		select {
		case err := <-ack:
			if err != nil {
				c.inbox.post(func() {
					c.emitError(&Error{Kind: KindSubscribe, Filter: filter, Err: fmt.Errorf("unsubscribe: %w", err)})
				})
			}
		case <-c.stopped:
		}
	}()
}

// subscribe issues a protocol-level subscribe for sub on the current transport.
func (c *Client) subscribe(sub *subscription) {
	c.nextRequest++
	request := c.nextRequest
	gen := c.generation

	sub.request = request
	sub.status = statusPending

	c.getLogger().Debug("MQTT subscribing", "filter", sub.filter, "qos", int(sub.qos))

	ack := c.transport.Subscribe(sub.filter, sub.qos)
	go func() {
		select {
		case res := <-ack:
			c.inbox.post(func() { c.handleSuback(gen, sub, request, res) })
		case <-c.stopped:
		}
	}()
}

// resubscribeAll subscribes every registered filter on the current connection.
// Streams are kept, so subscribers only see a gap in delivery.
func (c *Client) resubscribeAll() {
	for _, sub := range c.subscriptions {
		c.subscribe(sub)
	}
}

// resetSubscriptions marks every filter as not subscribed after the
// connection went away.
func (c *Client) resetSubscriptions() {
	for _, sub := range c.subscriptions {
		sub.status = statusIdle
		sub.request = 0
		sub.held = nil
	}
}

// handleSuback correlates a suback with its request by filter and request id.
func (c *Client) handleSuback(gen uint64, sub *subscription, request uint64, res SubscribeResult) {
	if gen != c.generation || c.subscriptions[sub.filter] != sub || sub.request != request {
		return
	}
	sub.request = 0

	if res.Err == nil && res.QoS == subackFailure {
		res.Err = ErrSubscribeRejected
	}

	if res.Err != nil {
		sub.status = statusRejected
		sub.held = nil
		c.events.suback.send(SubackEvent{Filter: sub.filter, Granted: false, QoS: subackFailure})
		c.emitError(&Error{Kind: KindSubscribe, Filter: sub.filter, Err: res.Err})
		return
	}

	sub.status = statusActive
	sub.granted = res.QoS
	c.events.suback.send(SubackEvent{Filter: sub.filter, Granted: true, QoS: res.QoS})

	for _, msg := range sub.held {
		sub.feed.send(msg)
	}
	sub.held = nil
}

// =============================================================================
// Message Router
// =============================================================================

// handleMessage publishes msg on the event bus and routes it.
func (c *Client) handleMessage(msg Message) {
	c.events.message.send(msg)
	c.route(msg)
}

// route pushes msg onto the stream of every granted subscription whose
// filter matches its topic. Overlapping filters each receive the message.
//
// A subscription still waiting for its suback holds matching messages
// instead: a retained message sent right after the grant can be handled
// here before the suback is.
func (c *Client) route(msg Message) int {
	matched := 0
	for _, sub := range c.subscriptions {
		if !FilterMatchesTopic(sub.filter, msg.Topic) {
			continue
		}
		switch sub.status {
		case statusActive:
			sub.feed.send(msg)
			matched++
		case statusPending:
			if len(sub.held) >= maxHeldMessages {
				c.getLogger().Warn("MQTT suback outstanding, dropping message",
					"filter", sub.filter, "topic", msg.Topic)
				continue
			}
			sub.held = append(sub.held, msg)
			matched++
		}
	}
	return matched
}

// =============================================================================
// Introspection
// =============================================================================

// SubscriptionCount returns the number of registered filters.
func (c *Client) SubscriptionCount() int {
	var n int
	c.run(func() { n = len(c.subscriptions) })
	return n
}

// HasSubscription checks if filter is registered.
//
// Note: This checks only the exact filter string, not pattern matching.
func (c *Client) HasSubscription(filter string) bool {
	var exists bool
	c.run(func() { _, exists = c.subscriptions[filter] })
	return exists
}

// RefCount returns how many open streams observe filter.
func (c *Client) RefCount(filter string) int {
	var refs int
	c.run(func() {
		if sub, ok := c.subscriptions[filter]; ok {
			refs = sub.refs
		}
	})
	return refs
}
