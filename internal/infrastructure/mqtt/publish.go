package mqtt

import (
	"context"
	"fmt"
	"sync"
)

// Maximum payload size for MQTT messages (1MB).
// This prevents resource exhaustion and aligns with typical broker limits.
const maxPayloadSize = 1 << 20 // 1MB

// PublishOption configures Publish and UnsafePublish.
type PublishOption func(*publishOptions)

type publishOptions struct {
	qos    QoS
	hasQoS bool
	retain bool
}

// WithQoS sets the publish QoS. Without it the client's DefaultQoS is used.
func WithQoS(qos QoS) PublishOption {
	return func(o *publishOptions) {
		o.qos = qos
		o.hasQoS = true
	}
}

// WithRetain asks the broker to retain the message for future subscribers.
func WithRetain() PublishOption {
	return func(o *publishOptions) {
		o.retain = true
	}
}

// PublishToken completes once an acknowledged publish has an outcome.
//
// Done is closed exactly once; Error then reports nil for an acked publish,
// or an *Error of KindPublish.
type PublishToken struct {
	topic string
	done  chan struct{}
	once  sync.Once
	err   error
}

func newPublishToken(topic string) *PublishToken {
	return &PublishToken{topic: topic, done: make(chan struct{})}
}

// Done is closed when the publish is acked or has failed.
func (t *PublishToken) Done() <-chan struct{} {
	return t.done
}

// Error returns the outcome. Only meaningful after Done is closed.
func (t *PublishToken) Error() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait blocks until the publish completes or ctx ends. Giving up on ctx
// leaves the publish in flight; only the caller stops watching it.
func (t *PublishToken) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *PublishToken) complete(err error) {
	t.once.Do(func() {
		if err != nil {
			err = &Error{Kind: KindPublish, Topic: t.topic, Err: err}
		}
		t.err = err
		close(t.done)
	})
}

// Publish sends a message and returns a token that completes when the broker
// acknowledges it (QoS 1 and 2) or once it is written (QoS 0).
//
// The token fails if the client is not CONNECTED, if the transport reports
// an error before the ack, or if the connection closes first.
//
// Parameters:
//   - topic: The topic to publish to (no wildcards)
//   - payload: The message payload (max 1MB)
//   - opts: WithQoS, WithRetain
//
// Returns:
//   - *PublishToken: Completes with the outcome; never nil
//
// Example:
//
//	token := client.Publish("devices/lamp/set", []byte(`{"on":true}`), mqtt.WithQoS(mqtt.AtLeastOnce))
//	if err := token.Wait(ctx); err != nil {
//	    return err
//	}
func (c *Client) Publish(topic string, payload []byte, opts ...PublishOption) *PublishToken {
	token := newPublishToken(topic)

	po, err := buildPublishOptions(topic, payload, opts)
	if err != nil {
		token.complete(err)
		return token
	}

	if !c.inbox.post(func() { c.publish(topic, payload, po, token) }) {
		token.complete(ErrClosed)
	}
	return token
}

// UnsafePublish sends a message without reporting the outcome to the caller.
// It never blocks and never fails synchronously; any error is broadcast on
// OnError.
func (c *Client) UnsafePublish(topic string, payload []byte, opts ...PublishOption) {
	po, err := buildPublishOptions(topic, payload, opts)
	if err != nil {
		c.inbox.post(func() {
			c.emitError(&Error{Kind: KindPublish, Topic: topic, Err: err})
		})
		return
	}

	c.inbox.post(func() { c.publish(topic, payload, po, nil) })
}

// buildPublishOptions validates a publish request.
func buildPublishOptions(topic string, payload []byte, opts []PublishOption) (publishOptions, error) {
	var po publishOptions
	for _, opt := range opts {
		opt(&po)
	}

	if err := ValidateTopic(topic); err != nil {
		return po, err
	}
	if po.hasQoS && !po.qos.Valid() {
		return po, ErrInvalidQoS
	}
	if len(payload) > maxPayloadSize {
		return po, fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPayloadTooLarge, len(payload), maxPayloadSize)
	}
	return po, nil
}

// publish runs on the event loop. A nil token means fire-and-forget: errors
// go to the error channel instead.
func (c *Client) publish(topic string, payload []byte, po publishOptions, token *PublishToken) {
	fail := func(err error) {
		if token != nil {
			token.complete(err)
			return
		}
		c.emitError(&Error{Kind: KindPublish, Topic: topic, Err: err})
	}

	if c.state != StateConnected || c.transport == nil {
		fail(ErrNotConnected)
		return
	}

	qos := c.opts.DefaultQoS
	if po.hasQoS {
		qos = po.qos
	}

	c.nextRequest++
	request := c.nextRequest
	if token != nil {
		c.pending[request] = token
	}

	ack := c.transport.Publish(topic, payload, qos, po.retain)
	go func() {
		select {
		case err := <-ack:
			c.inbox.post(func() { c.handlePuback(request, topic, token, err) })
		case <-c.stopped:
		}
	}()
}

// handlePuback completes the publish matching request, unless it already
// failed because the connection went away.
func (c *Client) handlePuback(request uint64, topic string, token *PublishToken, err error) {
	if token == nil {
		if err != nil {
			c.emitError(&Error{Kind: KindPublish, Topic: topic, Err: err})
		}
		return
	}

	if _, ok := c.pending[request]; !ok {
		return
	}
	delete(c.pending, request)
	token.complete(err)
}

// failPending fails every publish still waiting for its ack.
func (c *Client) failPending(err error) {
	for request, token := range c.pending {
		token.complete(err)
		delete(c.pending, request)
	}
}

// PendingPublishes returns the number of acknowledged publishes awaiting an ack.
func (c *Client) PendingPublishes() int {
	var n int
	c.run(func() { n = len(c.pending) })
	return n
}
