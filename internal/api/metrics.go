package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/mqttstream/internal/infrastructure/mqtt"
)

// SystemMetrics represents the complete metrics response.
type SystemMetrics struct {
	Timestamp     string              `json:"timestamp"`
	Version       string              `json:"version"`
	UptimeSeconds int64               `json:"uptime_seconds"`
	Runtime       RuntimeMetrics      `json:"runtime"`
	WebSocket     WSMetrics           `json:"websocket"`
	MQTT          MQTTMetrics         `json:"mqtt"`
	Diagnostics   *DiagnosticsMetrics `json:"diagnostics,omitempty"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int `json:"connected_clients"`
}

// MQTTMetrics describes the MQTT client.
type MQTTMetrics struct {
	State            string `json:"state"`
	Connected        bool   `json:"connected"`
	ClientID         string `json:"client_id"`
	Subscriptions    int    `json:"subscriptions"`
	PendingPublishes int    `json:"pending_publishes"`
}

// DiagnosticsMetrics contains the counters of the diagnostics recorder.
type DiagnosticsMetrics struct {
	Transitions   uint64 `json:"state_transitions"`
	Reconnects    uint64 `json:"reconnect_attempts"`
	Messages      uint64 `json:"messages"`
	MessageBytes  uint64 `json:"message_bytes"`
	SubacksDenied uint64 `json:"subacks_denied"`
	Errors        uint64 `json:"errors"`
}

// handleMetrics returns runtime, gateway and client metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	state := s.mqtt.State()
	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		WebSocket: WSMetrics{
			ConnectedClients: s.hub.ClientCount(),
		},
		MQTT: MQTTMetrics{
			State:            state.String(),
			Connected:        state == mqtt.StateConnected,
			ClientID:         s.mqtt.ClientID(),
			Subscriptions:    s.mqtt.SubscriptionCount(),
			PendingPublishes: s.mqtt.PendingPublishes(),
		},
	}

	if s.recorder != nil {
		stats := s.recorder.Stats()
		metrics.Diagnostics = &DiagnosticsMetrics{
			Transitions:   stats.Transitions,
			Reconnects:    stats.Reconnects,
			Messages:      stats.Messages,
			MessageBytes:  stats.MessageBytes,
			SubacksDenied: stats.SubacksDenied,
			Errors:        stats.Errors,
		}
	}

	writeJSON(w, http.StatusOK, metrics)
}
