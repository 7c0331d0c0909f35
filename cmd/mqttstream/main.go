// mqttstream is a command line client for MQTT brokers built on the
// mqttstream client library.
//
// Usage:
//
//	mqttstream [--config file] <command> [args]
//
// Commands:
//
//	watch    - Observe one or more topic filters and print messages
//	publish  - Publish a message and wait for the broker's acknowledgement
//	serve    - Run the HTTP and WebSocket gateway
//	version  - Show version information
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/mqttstream/internal/api"
	"github.com/nerrad567/mqttstream/internal/diagnostics"
	"github.com/nerrad567/mqttstream/internal/infrastructure/config"
	"github.com/nerrad567/mqttstream/internal/infrastructure/influxdb"
	"github.com/nerrad567/mqttstream/internal/infrastructure/logging"
	"github.com/nerrad567/mqttstream/internal/infrastructure/mqtt"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// configEnv names the config file when --config is not given.
const configEnv = "MQTTSTREAM_CONFIG"

func main() {
	// Cancel on Ctrl+C and SIGTERM for a graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		cancel()
		os.Exit(1)
	}
}

// app holds the flags shared by every command.
type app struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "mqttstream",
		Short: "Stream-oriented MQTT client",
		Long: `mqttstream - watch, publish and serve MQTT messages.

Configuration is read from the file given with --config, or from the
file named by $MQTTSTREAM_CONFIG. Without either the built-in defaults
are used (broker on localhost:1883). MQTTSTREAM_* environment variables
override individual settings.

Examples:
  # Print everything below sensors/
  mqttstream watch 'sensors/#'

  # Switch a lamp on and wait for the broker to acknowledge it
  mqttstream publish devices/lamp/set '{"on":true}' --qos 1

  # Stream filters to browsers over WebSocket
  mqttstream serve --port 8080`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "config file (default $"+configEnv+")")

	root.AddCommand(newWatchCmd(a), newPublishCmd(a), newServeCmd(a), newVersionCmd())
	return root
}

// loadConfig reads the configuration selected by --config or the environment.
func (a *app) loadConfig() (*config.Config, error) {
	path := a.configPath
	if path == "" {
		path = os.Getenv(configEnv)
	}
	if path == "" {
		return config.LoadDefault()
	}
	return config.Load(path)
}

// session is the infrastructure one command runs against.
type session struct {
	cfg    *config.Config
	log    *logging.Logger
	client *mqtt.Client
	influx *influxdb.Client // nil when disabled
}

// open loads the configuration and starts connecting to the broker.
//
// Returns:
//   - *session: Ready session; the MQTT connection proceeds in the background
//   - error: If the configuration is invalid or InfluxDB cannot be reached
func (a *app) open() (*session, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	log := logging.New(cfg.Logging, version)

	s := &session{cfg: cfg, log: log}

	if cfg.InfluxDB.Enabled {
		s.influx, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return nil, fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		s.influx.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	}

	// Connect explicitly so the logger sees the first attempt.
	opts := cfg.MQTT.Options()
	opts.ConnectOnCreate = false

	s.client, err = mqtt.New(opts)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("creating MQTT client: %w", err)
	}
	s.client.SetLogger(log.With("component", "mqtt"))

	if err := s.client.Connect(opts); err != nil {
		s.close()
		return nil, fmt.Errorf("connecting to MQTT: %w", err)
	}
	return s, nil
}

// metrics returns the telemetry sink, or nil when InfluxDB is disabled.
func (s *session) metrics() diagnostics.MetricWriter {
	if s.influx == nil {
		return nil
	}
	return s.influx
}

// sink returns the telemetry sink for health checks, or nil when InfluxDB is
// disabled.
func (s *session) sink() api.HealthChecker {
	if s.influx == nil {
		return nil
	}
	return s.influx
}

func (s *session) close() {
	if s.client != nil {
		if err := s.client.Close(); err != nil {
			s.log.Error("error closing MQTT", "error", err)
		}
	}
	if s.influx != nil {
		if err := s.influx.Close(); err != nil {
			s.log.Error("error closing InfluxDB", "error", err)
		}
	}
}

// waitConnected blocks until the client is CONNECTED.
//
// Parameters:
//   - ctx: Context for cancellation
//   - client: Client to watch
//   - timeout: Upper bound on the wait
//
// Returns:
//   - error: nil once connected; an error if the client gives up, the
//     timeout passes, or ctx is cancelled
func waitConnected(ctx context.Context, client *mqtt.Client, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	states := client.WatchState()
	defer states.Close()

	errs := client.OnError()
	defer errs.Close()
	errC := errs.C()

	var lastErr error
	for {
		select {
		case <-ctx.Done():
			if lastErr != nil {
				return fmt.Errorf("waiting for broker: %w (last error: %v)", ctx.Err(), lastErr)
			}
			return fmt.Errorf("waiting for broker: %w", ctx.Err())
		case err, ok := <-errC:
			if !ok {
				errC = nil
				continue
			}
			if err.Kind == mqtt.KindConnection {
				lastErr = err
			}
		case state, ok := <-states.C():
			if !ok {
				return mqtt.ErrClosed
			}
			switch state {
			case mqtt.StateConnected:
				return nil
			case mqtt.StateClosed:
				if lastErr != nil {
					return lastErr
				}
				return mqtt.ErrNotConnected
			}
		}
	}
}

// disconnectAndWait disconnects gracefully and waits until the transport has
// finished tearing down, so queued packets reach the broker before the
// process exits.
//
// Returns:
//   - error: If the client is closed or the teardown outlasts timeout
func disconnectAndWait(ctx context.Context, client *mqtt.Client, timeout time.Duration) error {
	if client.State() == mqtt.StateClosed {
		return nil
	}

	ends := client.OnEnd()
	defer ends.Close()

	if err := client.Disconnect(false); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case <-ends.C():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for disconnect: %w", ctx.Err())
	}
}

// parseQoS converts a --qos flag value.
func parseQoS(v int) (mqtt.QoS, error) {
	if v < 0 || v > int(mqtt.ExactlyOnce) {
		return 0, fmt.Errorf("%w: %d", mqtt.ErrInvalidQoS, v)
	}
	return mqtt.QoS(v), nil
}
