package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/mqttstream/internal/api"
	"github.com/nerrad567/mqttstream/internal/diagnostics"
)

type serveOptions struct {
	host string
	port int
}

func newServeCmd(a *app) *cobra.Command {
	o := &serveOptions{port: -1}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket gateway",
		Long: `Serve the broker connection over HTTP and WebSocket.

The gateway exposes health, metrics and publish endpoints under /api/v1
and streams topic filters to WebSocket clients on /api/v1/ws. WebSocket
clients watching the same filter share one broker subscription.

Examples:
  mqttstream serve
  mqttstream serve --host 0.0.0.0 --port 9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), a, o, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&o.host, "host", "", "listen address (default from config)")
	cmd.Flags().IntVarP(&o.port, "port", "p", -1, "listen port, 0 picks a free one (default from config)")

	return cmd
}

// runServe runs the gateway until ctx is cancelled.
func runServe(ctx context.Context, a *app, o *serveOptions, out io.Writer) error {
	if o.port > 65535 {
		return fmt.Errorf("invalid port %d", o.port)
	}

	s, err := a.open()
	if err != nil {
		return err
	}
	defer s.close()

	apiCfg := s.cfg.API
	if o.host != "" {
		apiCfg.Host = o.host
	}
	if o.port >= 0 {
		apiCfg.Port = o.port
	}

	rec := diagnostics.New(s.client, s.log, s.metrics())

	srv, err := api.New(api.Deps{
		Config:   apiCfg,
		WS:       s.cfg.WebSocket,
		Logger:   s.log,
		MQTT:     s.client,
		Recorder: rec,
		Sink:     s.sink(),
		Version:  version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rec.Run(gctx) })

	if err := srv.Start(gctx); err != nil {
		cancel()
		_ = g.Wait()
		return fmt.Errorf("starting API server: %w", err)
	}
	if err := srv.HealthCheck(gctx); err != nil {
		_ = srv.Close()
		cancel()
		_ = g.Wait()
		return fmt.Errorf("API server health check: %w", err)
	}
	fmt.Fprintf(out, "listening on %s\n", srv.Addr())

	<-gctx.Done()

	if err := srv.Close(); err != nil {
		s.log.Error("error closing API server", "error", err)
	}
	cancel()
	return g.Wait()
}
