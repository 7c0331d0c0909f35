package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/mqttstream/internal/diagnostics"
	"github.com/nerrad567/mqttstream/internal/infrastructure/mqtt"
)

type watchOptions struct {
	qos      int
	retained bool
	count    int
	format   string
}

func newWatchCmd(a *app) *cobra.Command {
	o := &watchOptions{}

	cmd := &cobra.Command{
		Use:   "watch <filter> [filter...]",
		Short: "Print messages matching one or more topic filters",
		Long: `Observe topic filters and print every matching message.

Filters may use the + (single level) and # (multi level) wildcards.
Overlapping filters share nothing: a message matching two filters is
printed once per filter. Subscriptions are restored automatically
after a reconnect.

Examples:
  mqttstream watch 'sensors/+/temperature'
  mqttstream watch 'sensors/#' 'devices/#' --format json
  mqttstream watch 'status/#' --retained --count 1`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd.Context(), a, o, args, cmd.OutOrStdout())
		},
	}

	cmd.Flags().IntVarP(&o.qos, "qos", "q", -1, "subscription QoS (default from config)")
	cmd.Flags().BoolVarP(&o.retained, "retained", "r", false, "replay the last message seen on each filter to late streams")
	cmd.Flags().IntVarP(&o.count, "count", "n", 0, "exit after printing this many messages (0 = run until interrupted)")
	cmd.Flags().StringVarP(&o.format, "format", "f", "text", "output format: text or json")

	return cmd
}

// runWatch observes filters until ctx ends, --count is reached or the
// client is closed.
func runWatch(ctx context.Context, a *app, o *watchOptions, filters []string, out io.Writer) error {
	for _, filter := range filters {
		if err := mqtt.ValidateFilter(filter); err != nil {
			return fmt.Errorf("%q: %w", filter, err)
		}
	}
	if o.format != "text" && o.format != "json" {
		return fmt.Errorf("unknown format %q (want text or json)", o.format)
	}

	var subOpts []mqtt.SubscribeOption
	if o.qos >= 0 {
		qos, err := parseQoS(o.qos)
		if err != nil {
			return err
		}
		subOpts = append(subOpts, mqtt.WithSubscribeQoS(qos))
	}

	s, err := a.open()
	if err != nil {
		return err
	}
	defer s.close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	rec := diagnostics.New(s.client, s.log, s.metrics())
	p := &printer{out: out, json: o.format == "json"}
	var printed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rec.Run(gctx) })

	observe := s.client.Observe
	if o.retained {
		observe = s.client.ObserveRetained
	}

	for _, filter := range filters {
		filter := filter
		stream, err := observe(filter, subOpts...)
		if err != nil {
			cancel()
			_ = g.Wait()
			return fmt.Errorf("observing %q: %w", filter, err)
		}

		g.Go(func() error {
			defer stream.Close()
			for {
				select {
				case <-gctx.Done():
					return nil
				case msg, ok := <-stream.C():
					if !ok {
						return nil
					}
					if err := p.print(filter, msg); err != nil {
						return err
					}
					if o.count > 0 && printed.Add(1) >= int64(o.count) {
						cancel()
						return nil
					}
				}
			}
		})
	}

	s.log.Info("watching", "filters", filters)

	err = g.Wait()

	stats := rec.Stats()
	s.log.Info("watch stopped",
		"messages", stats.Messages,
		"bytes", stats.MessageBytes,
		"reconnects", stats.Reconnects,
		"rejected_subscriptions", stats.SubacksDenied,
		"errors", stats.Errors,
	)
	return err
}

// printer serialises output from the per-filter goroutines.
type printer struct {
	mu   sync.Mutex
	out  io.Writer
	json bool
}

type jsonMessage struct {
	Filter  string `json:"filter"`
	Topic   string `json:"topic"`
	Payload string `json:"payload"`
	QoS     byte   `json:"qos"`
	Retain  bool   `json:"retain,omitempty"`
}

func (p *printer) print(filter string, msg mqtt.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.json {
		line, err := json.Marshal(jsonMessage{
			Filter:  filter,
			Topic:   msg.Topic,
			Payload: string(msg.Payload),
			QoS:     byte(msg.QoS),
			Retain:  msg.Retain,
		})
		if err != nil {
			return fmt.Errorf("encoding message: %w", err)
		}
		_, err = fmt.Fprintf(p.out, "%s\n", line)
		return err
	}

	retained := ""
	if msg.Retain {
		retained = " retained"
	}
	_, err := fmt.Fprintf(p.out, "%s [qos %d%s] %s\n", msg.Topic, msg.QoS, retained, msg.Payload)
	return err
}
