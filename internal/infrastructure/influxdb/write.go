package influxdb

import (
	"strconv"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names written by the telemetry sink.
const (
	measurementConnection = "mqtt_connection"
	measurementMessages   = "mqtt_messages"
	measurementSubacks    = "mqtt_subacks"
	measurementPublishes  = "mqtt_publishes"
	measurementErrors     = "mqtt_errors"
)

// WriteConnectionState records a connection state transition.
//
// The write is non-blocking; data is batched and sent asynchronously.
//
// Parameters:
//   - clientID: The MQTT client identifier of the connection
//   - state: The state entered (e.g., "CONNECTED", "RECONNECTING")
//
// Example:
//
//	client.WriteConnectionState("client-4f1c...", "CONNECTED")
func (c *Client) WriteConnectionState(clientID string, state string) {
	c.writePoint(
		measurementConnection,
		map[string]string{
			"client_id": clientID,
			"state":     state,
		},
		map[string]interface{}{
			"transition": 1,
		},
		time.Now(),
	)
}

// WriteReconnectAttempt records one reconnection attempt.
func (c *Client) WriteReconnectAttempt(clientID string, attempt int) {
	c.writePoint(
		measurementConnection,
		map[string]string{
			"client_id": clientID,
			"state":     "RECONNECTING",
		},
		map[string]interface{}{
			"attempt": attempt,
		},
		time.Now(),
	)
}

// WriteMessage records an inbound message.
//
// The topic is stored as a field, not a tag, to keep series cardinality
// bounded on brokers with many distinct topics.
//
// Parameters:
//   - topic: The message topic
//   - size: Payload size in bytes
//   - qos: Delivery QoS (0, 1, 2)
//   - retained: Whether the broker flagged the message as retained
func (c *Client) WriteMessage(topic string, size int, qos byte, retained bool) {
	c.writePoint(
		measurementMessages,
		map[string]string{
			"qos":      strconv.Itoa(int(qos)),
			"retained": strconv.FormatBool(retained),
		},
		map[string]interface{}{
			"topic": topic,
			"bytes": size,
		},
		time.Now(),
	)
}

// WriteSuback records the broker's answer to a subscribe request.
func (c *Client) WriteSuback(filter string, granted bool) {
	c.writePoint(
		measurementSubacks,
		map[string]string{
			"filter":  filter,
			"granted": strconv.FormatBool(granted),
		},
		map[string]interface{}{
			"count": 1,
		},
		time.Now(),
	)
}

// WritePublishResult records the outcome of an acknowledged publish.
//
// Parameters:
//   - topic: The topic published to
//   - latency: Time from Publish to ack or failure
//   - err: nil for an acked publish
func (c *Client) WritePublishResult(topic string, latency time.Duration, err error) {
	fields := map[string]interface{}{
		"topic":      topic,
		"latency_ms": float64(latency) / float64(time.Millisecond),
	}
	if err != nil {
		fields["error"] = err.Error()
	}

	c.writePoint(
		measurementPublishes,
		map[string]string{
			"success": strconv.FormatBool(err == nil),
		},
		fields,
		time.Now(),
	)
}

// WriteError records an error broadcast by the MQTT client.
//
// Parameters:
//   - kind: Error kind (connection, subscribe, publish, protocol)
//   - subject: The filter or topic the error concerns, empty if none
//   - message: The error text
func (c *Client) WriteError(kind string, subject string, message string) {
	c.writePoint(
		measurementErrors,
		map[string]string{
			"kind": kind,
		},
		map[string]interface{}{
			"subject": subject,
			"message": message,
		},
		time.Now(),
	)
}

func (c *Client) writePoint(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, timestamp)
	c.writeAPI.WritePoint(point)
}
