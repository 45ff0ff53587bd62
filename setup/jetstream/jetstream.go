// Package jetstream wires an embedded or external NATS JetStream instance
// and the small set of conventions (subject prefixing, durable consumer
// naming, header-carried fields) every consumer in this core relies on.
// The embedded-server bring-up is written directly against the
// nats-server/v2 and nats.go public APIs.
package jetstream

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"
)

// Header keys consumers read off every message this core publishes.
const (
	RoomID    = "room_id"
	EventID   = "event_id"
	UserID    = "user_id"
	ServerName = "server_name"
)

// Subjects this core publishes to and consumes from (the timeline
// fan-out and federation queue feed).
const (
	OutputRoomEvent       = "OutputRoomEvent"
	OutputSendToDevice    = "OutputSendToDeviceEvent"
	OutputTypingEvent     = "OutputTypingEvent"
	OutputReceiptEvent    = "OutputReceiptEvent"
	OutputKeyChangeEvent  = "OutputKeyChangeEvent"
)

// NATSInstance owns either an embedded in-process NATS server or a
// connection to an external one, and the JetStream context built on it.
type NATSInstance struct {
	server *server.Server
	conn   *nats.Conn
	js     nats.JetStreamContext
}

// Prepare starts (or connects to) NATS and returns a JetStream context
// plus the underlying connection. addresses is empty for an embedded,
// in-process server (suitable for a single-process monolith and tests).
func (n *NATSInstance) Prepare(ctx context.Context, addresses []string) (nats.JetStreamContext, *nats.Conn, error) {
	if n.js != nil {
		return n.js, n.conn, nil
	}

	var url string
	if len(addresses) == 0 {
		srv, err := server.NewServer(&server.Options{
			JetStream: true,
			StoreDir:  "",
			NoLog:     true,
			NoSigs:    true,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("jetstream: embedded server: %w", err)
		}
		go srv.Start()
		if !srv.ReadyForConnections(10 * time.Second) {
			return nil, nil, fmt.Errorf("jetstream: embedded server did not become ready in time")
		}
		n.server = srv
		url = srv.ClientURL()
	} else {
		url = addresses[0]
	}

	conn, err := nats.Connect(url, nats.MaxReconnects(-1))
	if err != nil {
		return nil, nil, fmt.Errorf("jetstream: connect: %w", err)
	}
	js, err := conn.JetStream()
	if err != nil {
		return nil, nil, fmt.Errorf("jetstream: JetStream context: %w", err)
	}
	n.conn = conn
	n.js = js
	return js, conn, nil
}

// Close drains the connection and, if embedded, shuts the server down.
func (n *NATSInstance) Close() {
	if n.conn != nil {
		_ = n.conn.Drain()
	}
	if n.server != nil {
		n.server.Shutdown()
	}
}

// TopicPrefix namespaces every subject/stream/durable name by deployment,
// so more than one homeservercore instance can share a NATS cluster
// without colliding.
type TopicPrefix string

// Prefixed returns subject namespaced under p.
func (p TopicPrefix) Prefixed(subject string) string {
	if p == "" {
		return subject
	}
	return string(p) + subject
}

// Durable returns a durable consumer name namespaced under p, so restarts
// resume the same consumer rather than creating a new ephemeral one.
func (p TopicPrefix) Durable(name string) string {
	return p.Prefixed(name) + "Durable"
}

// StreamName derives the JetStream stream name backing subject.
func StreamName(subject string) string { return subject }

// EnsureStreams idempotently creates (or updates) a JetStream stream per
// subject, called once during startup before any consumer subscribes.
func EnsureStreams(js nats.JetStreamContext, prefix TopicPrefix, subjects ...string) error {
	for _, subject := range subjects {
		full := prefix.Prefixed(subject)
		_, err := js.StreamInfo(StreamName(full))
		if err == nil {
			continue
		}
		_, err = js.AddStream(&nats.StreamConfig{
			Name:     StreamName(full),
			Subjects: []string{full},
			Storage:  nats.FileStorage,
		})
		if err != nil {
			return fmt.Errorf("jetstream: creating stream %s: %w", full, err)
		}
	}
	return nil
}

// Publish sends a message on subject carrying the given headers, the
// conventional shape every consumer in this core expects.
func Publish(js nats.JetStreamContext, subject string, headers map[string]string, body []byte) error {
	msg := &nats.Msg{Subject: subject, Data: body, Header: make(nats.Header, len(headers))}
	for k, v := range headers {
		msg.Header.Set(k, v)
	}
	_, err := js.PublishMsg(msg)
	if err != nil {
		return fmt.Errorf("jetstream: publish %s: %w", subject, err)
	}
	return nil
}

// OnMessageFunc processes a batch of pulled messages and returns whether
// they should be acked (true) or left for redelivery (false).
type OnMessageFunc func(ctx context.Context, msgs []*nats.Msg) bool

// JetStreamConsumer runs a durable pull consumer against topic, invoking
// onMessage for each batch until ctx is cancelled. concurrency controls
// how many batches may be in flight at once.
func JetStreamConsumer(
	ctx context.Context,
	js nats.JetStreamContext,
	topic, durable string,
	concurrency int,
	onMessage OnMessageFunc,
	opts ...nats.SubOpt,
) error {
	opts = append(opts, nats.Durable(durable), nats.ManualAck())
	sub, err := js.PullSubscribe(topic, durable, opts...)
	if err != nil {
		return fmt.Errorf("jetstream: pull subscribe %s/%s: %w", topic, durable, err)
	}

	sem := make(chan struct{}, concurrency)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			msgs, err := sub.Fetch(1, nats.MaxWait(5*time.Second))
			if err != nil {
				if err != nats.ErrTimeout {
					log.WithError(err).WithField("topic", topic).Warn("jetstream: fetch failed")
				}
				continue
			}
			sem <- struct{}{}
			go func(batch []*nats.Msg) {
				defer func() { <-sem }()
				if onMessage(ctx, batch) {
					for _, m := range batch {
						_ = m.Ack()
					}
				} else {
					for _, m := range batch {
						_ = m.Nak()
					}
				}
			}(msgs)
		}
	}()
	return nil
}
