package mqtt

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// pahoTransport implements Transport on top of paho.mqtt.golang.
//
// paho's auto-reconnect keeps an established connection alive. paho does not
// retry a first connection that never succeeded without hiding the failures,
// so dial retries it every ReconnectPeriod and reports each failure.
type pahoTransport struct {
	opts   Options
	client pahomqtt.Client
	h      TransportHandlers

	attempts atomic.Int64

	stop     chan struct{}
	stopOnce sync.Once
}

// newPahoTransport is the TransportFactory used by New.
func newPahoTransport(opts Options) Transport {
	return &pahoTransport{
		opts: opts,
		stop: make(chan struct{}),
	}
}

func (t *pahoTransport) Connect(h TransportHandlers) {
	t.h = h

	opts := buildClientOptions(t.opts)

	// Subscriptions are made without per-filter callbacks, so every
	// inbound message lands here and is routed by the client.
	opts.SetDefaultPublishHandler(func(_ pahomqtt.Client, msg pahomqtt.Message) {
		h.OnMessage(messageFromPaho(msg))
	})

	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		h.OnConnect(ConnectEvent{ClientID: t.opts.ClientID, At: time.Now()})
	})

	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		h.OnError(&Error{Kind: KindConnection, Err: fmt.Errorf("%w: %w", ErrConnectionLost, err)})
		h.OnClose(err)
	})

	opts.SetReconnectingHandler(func(_ pahomqtt.Client, _ *pahomqtt.ClientOptions) {
		h.OnReconnect(ReconnectEvent{Attempt: int(t.attempts.Add(1)), At: time.Now()})
	})

	t.client = pahomqtt.NewClient(opts)
	go t.dial()
}

// dial makes the first connection, retrying every ReconnectPeriod.
func (t *pahoTransport) dial() {
	for {
		token := t.client.Connect()
		select {
		case <-token.Done():
		case <-t.stop:
			return
		}

		err := token.Error()
		if err == nil {
			// The OnConnect handler reports the connection.
			return
		}

		t.h.OnError(&Error{Kind: KindConnection, Err: fmt.Errorf("%w: %w", ErrConnectionFailed, err)})
		t.h.OnClose(err)

		if t.opts.ReconnectPeriod <= 0 {
			return
		}

		timer := time.NewTimer(t.opts.ReconnectPeriod)
		select {
		case <-timer.C:
		case <-t.stop:
			timer.Stop()
			return
		}

		t.h.OnReconnect(ReconnectEvent{Attempt: int(t.attempts.Add(1)), At: time.Now()})
	}
}

func (t *pahoTransport) Disconnect(force bool) {
	t.stopOnce.Do(func() { close(t.stop) })

	if t.client == nil {
		return
	}

	var quiesce uint = defaultDisconnectQuiesce
	if force {
		quiesce = 0
	}
	t.client.Disconnect(quiesce)
}

func (t *pahoTransport) Publish(topic string, payload []byte, qos QoS, retain bool) <-chan error {
	ack := make(chan error, 1)
	token := t.client.Publish(topic, byte(qos), retain, payload)
	go func() {
		ack <- t.wait(token)
	}()
	return ack
}

func (t *pahoTransport) Subscribe(filter string, qos QoS) <-chan SubscribeResult {
	ack := make(chan SubscribeResult, 1)
	token := t.client.Subscribe(filter, byte(qos), nil)
	go func() {
		if err := t.wait(token); err != nil {
			ack <- SubscribeResult{QoS: subackFailure, Err: err}
			return
		}

		granted := qos
		if st, ok := token.(*pahomqtt.SubscribeToken); ok {
			if g, found := st.Result()[filter]; found {
				granted = QoS(g)
			}
		}
		ack <- SubscribeResult{QoS: granted}
	}()
	return ack
}

func (t *pahoTransport) Unsubscribe(filter string) <-chan error {
	ack := make(chan error, 1)
	token := t.client.Unsubscribe(filter)
	go func() {
		ack <- t.wait(token)
	}()
	return ack
}

// wait blocks until the token completes or AckTimeout elapses.
func (t *pahoTransport) wait(token pahomqtt.Token) error {
	if t.opts.AckTimeout <= 0 {
		token.Wait()
		return token.Error()
	}
	if !token.WaitTimeout(t.opts.AckTimeout) {
		return fmt.Errorf("%w: no ack after %v", ErrTimeout, t.opts.AckTimeout)
	}
	return token.Error()
}

// messageFromPaho copies a paho message into a Message.
func messageFromPaho(msg pahomqtt.Message) Message {
	return Message{
		Topic:     msg.Topic(),
		Payload:   msg.Payload(),
		QoS:       QoS(msg.Qos()),
		Retain:    msg.Retained(),
		Duplicate: msg.Duplicate(),
		MessageID: msg.MessageID(),
	}
}
