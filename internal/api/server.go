package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nerrad567/mqttstream/internal/diagnostics"
	"github.com/nerrad567/mqttstream/internal/infrastructure/config"
	"github.com/nerrad567/mqttstream/internal/infrastructure/logging"
	"github.com/nerrad567/mqttstream/internal/infrastructure/mqtt"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Logger   *logging.Logger
	MQTT     *mqtt.Client
	Recorder *diagnostics.Recorder // optional; adds diagnostics to /metrics
	Sink     HealthChecker         // optional; telemetry sink checked by /health
	Version  string
}

// HealthChecker is a component /health reports on besides the MQTT client.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Server is the HTTP gateway in front of one MQTT client.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	logger    *logging.Logger
	mqtt      *mqtt.Client
	recorder  *diagnostics.Recorder
	sink      HealthChecker
	version   string
	startTime time.Time

	server   *http.Server
	listener net.Listener
	hub      *Hub
	cancel   context.CancelFunc // stops the hub and the event relay on Close()
	wg       sync.WaitGroup
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Parameters:
//   - deps: Required dependencies (config, logger, MQTT client)
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.MQTT == nil {
		return nil, fmt.Errorf("mqtt client is required")
	}

	return &Server{
		cfg:      deps.Config,
		wsCfg:    deps.WS,
		logger:   deps.Logger.With("component", "api"),
		mqtt:     deps.MQTT,
		recorder: deps.Recorder,
		sink:     deps.Sink,
		version:  deps.Version,
	}, nil
}

// Start begins listening for HTTP connections.
//
// It starts the WebSocket hub, relays client events to WebSocket channels,
// binds the listener and serves in a background goroutine. The server can be
// stopped with Close().
//
// Parameters:
//   - ctx: Parent context for the hub and event relay
//
// Returns:
//   - error: If the listener cannot be bound (port in use, etc.)
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	s.listener = listener
	s.startTime = time.Now()

	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	s.hub = NewHub(s.wsCfg, s.logger, s.mqtt)
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.hub.Run(srvCtx)
	}()
	go func() {
		defer s.wg.Done()
		s.relayEvents(srvCtx)
	}()

	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", listener.Addr().String(),
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ServeTLS(listener, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", listener.Addr().String())
			err = s.server.Serve(listener)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the address the server listens on, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close gracefully shuts down the API server.
//
// It disconnects WebSocket clients, then waits up to 10 seconds for
// in-flight requests to complete before forcefully closing connections.
//
// Returns:
//   - error: If shutdown encounters an error
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}

// relayEvents forwards connection state, subacks and errors from the client
// to the WebSocket channels of the same name.
func (s *Server) relayEvents(ctx context.Context) {
	states := s.mqtt.WatchState()
	defer states.Close()
	subacks := s.mqtt.OnSuback()
	defer subacks.Close()
	errs := s.mqtt.OnError()
	defer errs.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case state, ok := <-states.C():
			if !ok {
				return
			}
			s.hub.Broadcast(ChannelConnectionState, map[string]any{
				"state":     state.String(),
				"client_id": s.mqtt.ClientID(),
			})
		case ev, ok := <-subacks.C():
			if !ok {
				return
			}
			s.hub.Broadcast(ChannelSubacks, map[string]any{
				"filter":  ev.Filter,
				"granted": ev.Granted,
				"qos":     int(ev.QoS),
			})
		case err, ok := <-errs.C():
			if !ok {
				return
			}
			s.hub.Broadcast(ChannelErrors, map[string]any{
				"kind":    err.Kind.String(),
				"filter":  err.Filter,
				"topic":   err.Topic,
				"message": err.Error(),
			})
		}
	}
}
