package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/mqttstream/internal/infrastructure/mqtt"
)

type publishOptions struct {
	qos     int
	retain  bool
	timeout time.Duration
	noAck   bool
}

func newPublishCmd(a *app) *cobra.Command {
	o := &publishOptions{}

	cmd := &cobra.Command{
		Use:   "publish <topic> <payload>",
		Short: "Publish a message",
		Long: `Publish one message and wait until the broker acknowledges it.

A payload of "-" is read from stdin. With --no-ack the message is handed
to the connection without waiting for the outcome.

Examples:
  mqttstream publish devices/lamp/set '{"on":true}'
  mqttstream publish status/gateway online --retain --qos 1
  cat reading.json | mqttstream publish sensors/kitchen/temperature -`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := []byte(args[1])
			if args[1] == "-" {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("reading payload: %w", err)
				}
				payload = data
			}
			return runPublish(cmd.Context(), a, o, args[0], payload, cmd.OutOrStdout())
		},
	}

	cmd.Flags().IntVarP(&o.qos, "qos", "q", -1, "publish QoS (default from config)")
	cmd.Flags().BoolVar(&o.retain, "retain", false, "ask the broker to retain the message")
	cmd.Flags().DurationVar(&o.timeout, "timeout", 10*time.Second, "how long to wait for the connection and the acknowledgement")
	cmd.Flags().BoolVar(&o.noAck, "no-ack", false, "do not wait for the broker's acknowledgement")

	return cmd
}

// runPublish connects, publishes one message and disconnects.
func runPublish(ctx context.Context, a *app, o *publishOptions, topic string, payload []byte, out io.Writer) error {
	if err := mqtt.ValidateTopic(topic); err != nil {
		return fmt.Errorf("%q: %w", topic, err)
	}

	var opts []mqtt.PublishOption
	if o.qos >= 0 {
		qos, err := parseQoS(o.qos)
		if err != nil {
			return err
		}
		opts = append(opts, mqtt.WithQoS(qos))
	}
	if o.retain {
		opts = append(opts, mqtt.WithRetain())
	}

	s, err := a.open()
	if err != nil {
		return err
	}
	defer s.close()

	if err := waitConnected(ctx, s.client, o.timeout); err != nil {
		return err
	}

	if o.noAck {
		s.client.UnsafePublish(topic, payload, opts...)
		// A graceful disconnect lets the transport flush the message first.
		if err := disconnectAndWait(ctx, s.client, o.timeout); err != nil {
			return err
		}
		fmt.Fprintf(out, "sent %d bytes to %s\n", len(payload), topic)
		return nil
	}

	start := time.Now()
	token := s.client.Publish(topic, payload, opts...)

	waitCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	err = token.Wait(waitCtx)

	if s.influx != nil {
		s.influx.WritePublishResult(topic, time.Since(start), err)
	}
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}

	fmt.Fprintf(out, "published %d bytes to %s\n", len(payload), topic)
	return disconnectAndWait(ctx, s.client, o.timeout)
}
