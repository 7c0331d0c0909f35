// Package mqtt maintains a single MQTT broker connection and shares it
// between many independent consumers as filtered message streams.
//
// This package manages:
//   - Connection lifecycle with automatic reconnection
//   - Reference-counted topic subscriptions over the one connection
//   - Routing of inbound messages to every stream whose filter matches
//   - Acknowledged and fire-and-forget publishing
//   - An event bus re-exposing raw transport events
//
// # Architecture
//
// The wire protocol is delegated to paho.mqtt.golang behind the Transport
// interface. Everything above it runs on one event loop goroutine: public
// methods queue their work there, transport callbacks queue their events
// there, and no shared state is touched anywhere else.
//
//	callers ─┐
//	         ├─> event loop ─> registry / state machine ─> streams
//	paho  ───┘
//
// # Connection States
//
//	CONNECTING ─> CONNECTED ─> RECONNECTING ─> CONNECTED ...
//	any state ─> CLOSED on Disconnect
//
// Every transition into CONNECTED re-subscribes all registered filters.
// A subscribe requested while not CONNECTED is queued and issued on the
// next transition into CONNECTED.
//
// # Streams
//
// Observe, WatchState and the On* methods return a *Stream. Each stream
// receives every value emitted after it was created, in order, and queues
// values its reader has not yet taken. Always Close streams you no longer
// read: for Observe this releases the subscription reference.
//
// # Errors
//
// Errors owned by one operation go to that operation: Observe and Connect
// return validation errors, and a PublishToken carries its publish failure.
// Everything else (transport faults, rejected subscriptions, UnsafePublish
// failures) is broadcast on OnError as an *Error and logged.
//
// # Usage
//
//	opts := mqtt.DefaultOptions()
//	opts.Hostname = "broker.local"
//
//	client, err := mqtt.New(opts)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	temps, _ := client.Observe("sensors/+/temperature")
//	defer temps.Close()
//
//	go func() {
//	    for msg := range temps.C() {
//	        log.Printf("%s = %s", msg.Topic, msg.Payload)
//	    }
//	}()
//
//	token := client.Publish("sensors/kitchen/temperature", []byte("21.5"))
//	if err := token.Wait(ctx); err != nil {
//	    log.Printf("publish failed: %v", err)
//	}
package mqtt
