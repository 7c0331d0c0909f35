package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/mqttstream/internal/infrastructure/mqtt"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)
		r.Get("/subscriptions", s.handleSubscriptions)
		r.Post("/publish", s.handlePublish)

		// WebSocket: observe filters and server event channels
		r.Get("/ws", s.handleWebSocket)
	})

	return r
}

// handleHealth reports whether the broker connection and, when configured,
// the telemetry sink are up.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	if err := s.mqtt.HealthCheck(r.Context()); err != nil {
		status, code = "degraded", http.StatusServiceUnavailable
	}

	body := map[string]any{
		"version": s.version,
		"mqtt":    s.mqtt.State().String(),
	}

	if s.sink != nil {
		body["telemetry"] = "ok"
		if err := s.sink.HealthCheck(r.Context()); err != nil {
			s.logger.Warn("telemetry health check failed", "error", err)
			body["telemetry"] = err.Error()
			status, code = "degraded", http.StatusServiceUnavailable
		}
	}

	body["status"] = status
	writeJSON(w, code, body)
}

// handleSubscriptions reports the registry. With ?filter= it describes one
// filter, otherwise it returns the number of registered filters.
func (s *Server) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	filter := r.URL.Query().Get("filter")
	if filter == "" {
		writeJSON(w, http.StatusOK, map[string]any{
			"count": s.mqtt.SubscriptionCount(),
		})
		return
	}

	if err := mqtt.ValidateFilter(filter); err != nil {
		writeMQTTError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"filter":     filter,
		"subscribed": s.mqtt.HasSubscription(filter),
		"ref_count":  s.mqtt.RefCount(filter),
	})
}

// publishRequest is the body of POST /api/v1/publish.
type publishRequest struct {
	Topic   string `json:"topic"`
	Payload string `json:"payload"`
	QoS     *int   `json:"qos,omitempty"`
	Retain  bool   `json:"retain,omitempty"`
}

// handlePublish publishes one message and answers once the broker
// acknowledged it.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			writeBadRequest(w, "request body is required")
			return
		}
		writeBadRequest(w, "invalid JSON: "+err.Error())
		return
	}

	var opts []mqtt.PublishOption
	if req.QoS != nil {
		if *req.QoS < 0 || *req.QoS > int(mqtt.ExactlyOnce) {
			writeMQTTError(w, mqtt.ErrInvalidQoS)
			return
		}
		opts = append(opts, mqtt.WithQoS(mqtt.QoS(*req.QoS)))
	}
	if req.Retain {
		opts = append(opts, mqtt.WithRetain())
	}

	token := s.mqtt.Publish(req.Topic, []byte(req.Payload), opts...)
	if err := token.Wait(r.Context()); err != nil {
		s.logger.Debug("publish failed", "topic", req.Topic, "error", err)
		writeMQTTError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"topic": req.Topic,
		"bytes": len(req.Payload),
	})
}
