// Package diagnostics records what an MQTT client goes through.
//
// A Recorder subscribes to the client's event bus (state changes,
// reconnection attempts, inbound messages, subacks and errors), keeps
// running counters, logs state changes and forwards every event to a
// MetricWriter such as the InfluxDB sink.
//
// # Usage
//
//	rec := diagnostics.New(client, log, influxClient)
//	go rec.Run(ctx)
//	...
//	stats := rec.Stats()
package diagnostics
