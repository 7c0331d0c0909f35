// Package api implements an HTTP and WebSocket gateway in front of one MQTT
// client.
//
// This package provides:
//   - REST endpoints for health, metrics, the subscription registry and
//     acknowledged publishing
//   - WebSocket streaming of topic filters, backed by Client.Observe
//   - WebSocket channels relaying connection state, subacks and errors
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//   - TLS support
//
// # Endpoints
//
//	GET  /api/v1/health         200 when CONNECTED and the telemetry sink answers, 503 otherwise
//	GET  /api/v1/metrics        runtime, gateway, client and diagnostics counters
//	GET  /api/v1/subscriptions  registry size, or ?filter= for one filter
//	POST /api/v1/publish        {"topic","payload","qos","retain"}; answers after the ack
//	GET  /api/v1/ws             WebSocket
//
// # WebSocket protocol
//
// Clients send {"type":"subscribe","id":"1","payload":{"filters":["sensors/#"]}}
// to observe filters and {"payload":{"channels":["connection.state"]}} to join
// server channels. Matching messages arrive as "mqtt.message" events.
// Each observed filter holds a reference in the client's subscription
// registry, so many WebSocket clients watching one filter share one broker
// subscription.
//
// # Graceful Degradation
//
// The gateway keeps serving while the broker is unreachable: filters stay
// registered and resume on reconnect, publishes fail with 503.
package api
