// Package influxdb provides InfluxDB connectivity for mqttstream.
//
// It wraps the official influxdb-client-go v2 library as a telemetry sink
// for MQTT connection diagnostics.
//
// # Purpose
//
// This package records:
//   - Connection state transitions and reconnection attempts
//   - Inbound message volume
//   - Subscription grants and rejections
//   - Publish outcomes and latency
//   - Errors broadcast by the MQTT client
//
// # Usage
//
//	cfg := config.InfluxDBConfig{
//	    Enabled: true,
//	    URL:     "http://localhost:8086",
//	    Token:   "your-token",
//	    Org:     "mqttstream",
//	    Bucket:  "mqttstream",
//	}
//
//	client, err := influxdb.Connect(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.WriteConnectionState("client-1", "CONNECTED")
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// The underlying write API uses non-blocking batched writes.
//
// # Error Handling
//
// Write operations are non-blocking and batch errors are delivered via a callback.
// Connection and health check errors are returned directly.
package influxdb
