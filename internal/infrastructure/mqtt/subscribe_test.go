package mqtt

import (
	"errors"
	"testing"
)

func TestObserve_SharesSubscription(t *testing.T) {
	client, transport := newConnectedClient(t)

	first, err := client.Observe("sensors/+/temperature")
	if err != nil {
		t.Fatalf("Observe() error = %v", err)
	}
	second, err := client.Observe("sensors/+/temperature")
	if err != nil {
		t.Fatalf("Observe() error = %v", err)
	}

	if got := client.RefCount("sensors/+/temperature"); got != 2 {
		t.Errorf("RefCount() = %d, want 2", got)
	}
	if got := client.SubscriptionCount(); got != 1 {
		t.Errorf("SubscriptionCount() = %d, want 1", got)
	}
	if got := len(transport.GetSubscriptions()); got != 1 {
		t.Errorf("transport subscribes = %d, want 1", got)
	}

	transport.SimulateMessage("sensors/kitchen/temperature", []byte("21.5"))
	for _, s := range []*Stream[Message]{first, second} {
		msg := receive(t, s)
		if string(msg.Payload) != "21.5" {
			t.Errorf("payload = %q, want %q", msg.Payload, "21.5")
		}
	}

	first.Close()
	if got := client.RefCount("sensors/+/temperature"); got != 1 {
		t.Errorf("RefCount() after one Close = %d, want 1", got)
	}
	if got := transport.GetUnsubscribes(); len(got) != 0 {
		t.Errorf("unsubscribes = %v, want none while referenced", got)
	}

	second.Close()
	if client.HasSubscription("sensors/+/temperature") {
		t.Error("HasSubscription() = true after last Close, want false")
	}
	got := transport.GetUnsubscribes()
	if len(got) != 1 || got[0] != "sensors/+/temperature" {
		t.Errorf("unsubscribes = %v, want [sensors/+/temperature]", got)
	}
}

func TestObserve_CloseTwiceReleasesOnce(t *testing.T) {
	client, _ := newConnectedClient(t)

	a, _ := client.Observe("a")
	b, _ := client.Observe("a")
	defer b.Close()

	a.Close()
	a.Close()

	if got := client.RefCount("a"); got != 1 {
		t.Errorf("RefCount() = %d, want 1", got)
	}
}

func TestObserve_InvalidFilter(t *testing.T) {
	client, transport := newConnectedClient(t)

	tests := []string{"", "a/#/b", "a/b+", "sport#"}
	for _, filter := range tests {
		if _, err := client.Observe(filter); !errors.Is(err, ErrInvalidFilter) {
			t.Errorf("Observe(%q) error = %v, want ErrInvalidFilter", filter, err)
		}
	}
	if _, err := client.Observe("a", WithSubscribeQoS(3)); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("Observe(qos 3) error = %v, want ErrInvalidQoS", err)
	}
	if got := len(transport.GetSubscriptions()); got != 0 {
		t.Errorf("transport subscribes = %d, want 0", got)
	}
}

func TestObserve_QoS(t *testing.T) {
	client, transport := newConnectedClient(t)

	a, _ := client.Observe("a", WithSubscribeQoS(ExactlyOnce))
	defer a.Close()
	b, _ := client.Observe("b")
	defer b.Close()

	subs := transport.GetSubscriptions()
	if len(subs) != 2 {
		t.Fatalf("transport subscribes = %d, want 2", len(subs))
	}
	if subs[0].QoS != ExactlyOnce {
		t.Errorf("QoS(a) = %d, want 2", subs[0].QoS)
	}
	if subs[1].QoS != AtLeastOnce {
		t.Errorf("QoS(b) = %d, want default 1", subs[1].QoS)
	}
}

func TestObserve_DeferredUntilConnected(t *testing.T) {
	client, factory := newTestClient(t, testOptions())
	transport := factory.last(t)

	stream, err := client.Observe("a/b")
	if err != nil {
		t.Fatalf("Observe() error = %v", err)
	}
	defer stream.Close()

	if got := len(transport.GetSubscriptions()); got != 0 {
		t.Errorf("transport subscribes while CONNECTING = %d, want 0", got)
	}

	transport.SimulateConnect()
	waitFor(t, "queued subscribe", func() bool { return len(transport.GetSubscriptions()) == 1 })
}

func TestObserve_Suback(t *testing.T) {
	client, _ := newConnectedClient(t)

	subacks := client.OnSuback()
	defer subacks.Close()

	stream, _ := client.Observe("a/#")
	defer stream.Close()

	ev := receive(t, subacks)
	if ev.Filter != "a/#" || !ev.Granted {
		t.Errorf("SubackEvent = %+v, want granted a/#", ev)
	}
	if ev.QoS != AtLeastOnce {
		t.Errorf("SubackEvent.QoS = %d, want 1", ev.QoS)
	}
}

func TestObserve_RejectedSubscription(t *testing.T) {
	factory := &mockFactory{configure: func(m *mockTransport) {
		m.rejected["private/#"] = true
	}}
	client, err := NewWithTransport(testOptions(), factory.New)
	if err != nil {
		t.Fatalf("NewWithTransport() error = %v", err)
	}
	defer client.Close()

	transport := factory.last(t)
	transport.SimulateConnect()
	waitForState(t, client, StateConnected)

	errs := client.OnError()
	defer errs.Close()
	subacks := client.OnSuback()
	defer subacks.Close()

	stream, err := client.Observe("private/#")
	if err != nil {
		t.Fatalf("Observe() error = %v, want nil (rejection is asynchronous)", err)
	}
	defer stream.Close()

	if ev := receive(t, subacks); ev.Granted {
		t.Errorf("SubackEvent.Granted = true, want false")
	}

	got := receive(t, errs)
	if got.Kind != KindSubscribe || got.Filter != "private/#" {
		t.Errorf("Error = %+v, want subscribe error on private/#", got)
	}
	if !errors.Is(got, ErrSubscribeRejected) {
		t.Errorf("error = %v, want ErrSubscribeRejected", got)
	}

	// Stays registered but receives nothing.
	if !client.HasSubscription("private/#") {
		t.Error("HasSubscription() = false, want true")
	}
	transport.SimulateMessage("private/x", []byte("secret"))
	expectNothing(t, stream)
}

func TestResubscribeAfterReconnect(t *testing.T) {
	client, transport := newConnectedClient(t)

	a, _ := client.Observe("a/+")
	defer a.Close()
	b, _ := client.Observe("b/#")
	defer b.Close()

	if got := len(transport.GetSubscriptions()); got != 2 {
		t.Fatalf("transport subscribes = %d, want 2", got)
	}

	transport.SimulateClose(errors.New("EOF"))
	waitForState(t, client, StateReconnecting)
	transport.SimulateConnect()
	waitForState(t, client, StateConnected)

	waitFor(t, "resubscribe", func() bool { return len(transport.GetSubscriptions()) == 4 })

	filters := map[string]int{}
	for _, s := range transport.GetSubscriptions() {
		filters[s.Filter]++
	}
	if filters["a/+"] != 2 || filters["b/#"] != 2 {
		t.Errorf("subscribes per filter = %v, want 2 each", filters)
	}

	// The same streams keep receiving.
	transport.SimulateMessage("a/1", []byte("after"))
	if msg := receive(t, a); msg.Topic != "a/1" {
		t.Errorf("topic = %q, want %q", msg.Topic, "a/1")
	}
}

func TestResubscribeAfterDisconnectThenConnect(t *testing.T) {
	client, factory := newTestClient(t, testOptions())
	first := factory.last(t)
	first.SimulateConnect()
	waitForState(t, client, StateConnected)

	stream, _ := client.Observe("x/y")
	defer stream.Close()

	client.Disconnect(true)
	if got := client.SubscriptionCount(); got != 1 {
		t.Errorf("SubscriptionCount() after Disconnect = %d, want 1", got)
	}

	client.Connect(testOptions())
	second := factory.last(t)
	second.SimulateConnect()

	waitFor(t, "resubscribe on new transport", func() bool { return len(second.GetSubscriptions()) == 1 })
	if got := second.GetSubscriptions()[0].Filter; got != "x/y" {
		t.Errorf("filter = %q, want %q", got, "x/y")
	}

	second.SimulateMessage("x/y", []byte("hello"))
	if msg := receive(t, stream); string(msg.Payload) != "hello" {
		t.Errorf("payload = %q, want %q", msg.Payload, "hello")
	}
}

func TestRelease_WhileDisconnected(t *testing.T) {
	client, factory := newTestClient(t, testOptions())
	transport := factory.last(t)

	stream, _ := client.Observe("a")
	stream.Close()

	if client.HasSubscription("a") {
		t.Error("HasSubscription() = true, want false")
	}
	if got := transport.GetUnsubscribes(); len(got) != 0 {
		t.Errorf("unsubscribes = %v, want none while not connected", got)
	}

	transport.SimulateConnect()
	waitForState(t, client, StateConnected)
	if got := len(transport.GetSubscriptions()); got != 0 {
		t.Errorf("subscribes after connect = %d, want 0", got)
	}
}

// =============================================================================
// Routing Tests
// =============================================================================

func TestRoute_MatchingStreamsOnly(t *testing.T) {
	client, transport := newConnectedClient(t)

	all, _ := client.Observe("a/#")
	defer all.Close()
	single, _ := client.Observe("a/+")
	defer single.Close()
	other, _ := client.Observe("b/c")
	defer other.Close()
	messages := client.OnMessage()
	defer messages.Close()

	transport.SimulateMessage("a/b", []byte("1"))

	if msg := receive(t, all); msg.Topic != "a/b" {
		t.Errorf("a/# got topic %q", msg.Topic)
	}
	if msg := receive(t, single); msg.Topic != "a/b" {
		t.Errorf("a/+ got topic %q", msg.Topic)
	}
	if msg := receive(t, messages); msg.Topic != "a/b" {
		t.Errorf("OnMessage got topic %q", msg.Topic)
	}
	expectNothing(t, other)
}

func TestRoute_PreservesOrder(t *testing.T) {
	client, transport := newConnectedClient(t)

	stream, _ := client.Observe("seq")
	defer stream.Close()

	payloads := []string{"1", "2", "3", "4", "5"}
	for _, p := range payloads {
		transport.SimulateMessage("seq", []byte(p))
	}
	for _, want := range payloads {
		if msg := receive(t, stream); string(msg.Payload) != want {
			t.Errorf("payload = %q, want %q", msg.Payload, want)
		}
	}
}

func TestRoute_UnmatchedMessage(t *testing.T) {
	client, transport := newConnectedClient(t)

	stream, _ := client.Observe("a")
	defer stream.Close()
	messages := client.OnMessage()
	defer messages.Close()

	transport.SimulateMessage("z", []byte("x"))

	// Visible on the event bus, not on any stream.
	receive(t, messages)
	expectNothing(t, stream)
}

func TestRoute_HeldUntilSuback(t *testing.T) {
	factory := &mockFactory{configure: func(m *mockTransport) {
		m.held["a/b"] = true
	}}
	client, err := NewWithTransport(testOptions(), factory.New)
	if err != nil {
		t.Fatalf("NewWithTransport() error = %v", err)
	}
	defer client.Close()

	transport := factory.last(t)
	transport.SimulateConnect()
	waitForState(t, client, StateConnected)

	wide, _ := client.Observe("a/#")
	defer wide.Close()
	narrow, _ := client.Observe("a/b")
	defer narrow.Close()

	transport.SimulateMessage("a/b", []byte("retained"))

	if msg := receive(t, wide); string(msg.Payload) != "retained" {
		t.Errorf("a/# payload = %q", msg.Payload)
	}
	expectNothing(t, narrow)

	transport.ackSubscribe(t, "a/b", AtLeastOnce)
	transport.SimulateMessage("a/b", []byte("live"))

	for _, want := range []string{"retained", "live"} {
		if msg := receive(t, narrow); string(msg.Payload) != want {
			t.Errorf("a/b payload = %q, want %q", msg.Payload, want)
		}
	}
}

func TestRoute_RejectedAfterHeldSuback(t *testing.T) {
	factory := &mockFactory{configure: func(m *mockTransport) {
		m.held["a/b"] = true
	}}
	client, err := NewWithTransport(testOptions(), factory.New)
	if err != nil {
		t.Fatalf("NewWithTransport() error = %v", err)
	}
	defer client.Close()

	transport := factory.last(t)
	transport.SimulateConnect()
	waitForState(t, client, StateConnected)

	subacks := client.OnSuback()
	defer subacks.Close()

	wide, _ := client.Observe("a/#")
	defer wide.Close()
	if ev := receive(t, subacks); ev.Filter != "a/#" || !ev.Granted {
		t.Fatalf("suback = %+v, want a/# granted", ev)
	}

	narrow, _ := client.Observe("a/b")
	defer narrow.Close()

	transport.SimulateMessage("a/b", []byte("before-ack"))
	receive(t, wide)

	transport.ackSubscribe(t, "a/b", subackFailure)
	if ev := receive(t, subacks); ev.Filter != "a/b" || ev.Granted {
		t.Fatalf("suback = %+v, want a/b rejected", ev)
	}

	transport.SimulateMessage("a/b", []byte("after-reject"))
	receive(t, wide)
	expectNothing(t, narrow)
}

func TestRoute_HeldDroppedOnConnectionLost(t *testing.T) {
	factory := &mockFactory{configure: func(m *mockTransport) {
		m.held["a/b"] = true
	}}
	client, err := NewWithTransport(testOptions(), factory.New)
	if err != nil {
		t.Fatalf("NewWithTransport() error = %v", err)
	}
	defer client.Close()

	transport := factory.last(t)
	transport.SimulateConnect()
	waitForState(t, client, StateConnected)

	stream, _ := client.Observe("a/b")
	defer stream.Close()

	transport.SimulateMessage("a/b", []byte("stale"))
	transport.SimulateClose(errors.New("connection reset"))
	waitFor(t, "connection lost", func() bool { return client.State() != StateConnected })

	// Reconnect on the same transport; the new subscribe is acked at once.
	transport.mu.Lock()
	transport.held = map[string]bool{}
	transport.mu.Unlock()
	transport.SimulateConnect()
	waitForState(t, client, StateConnected)

	transport.SimulateMessage("a/b", []byte("fresh"))
	if msg := receive(t, stream); string(msg.Payload) != "fresh" {
		t.Errorf("payload = %q, want fresh", msg.Payload)
	}
}

func TestObserveRetained_ReplaysLast(t *testing.T) {
	client, transport := newConnectedClient(t)

	first, _ := client.Observe("status/lamp")
	defer first.Close()

	transport.SimulateMessage("status/lamp", []byte("off"))
	transport.SimulateMessage("status/lamp", []byte("on"))
	receive(t, first)
	receive(t, first)

	late, err := client.ObserveRetained("status/lamp")
	if err != nil {
		t.Fatalf("ObserveRetained() error = %v", err)
	}
	defer late.Close()

	if msg := receive(t, late); string(msg.Payload) != "on" {
		t.Errorf("replayed payload = %q, want %q", msg.Payload, "on")
	}

	plain, _ := client.Observe("status/lamp")
	defer plain.Close()
	expectNothing(t, plain)
}
