// Package consumers drains the JetStream subjects the timeline fans
// events out to (package timeline's fanOut) and keeps the sync engine's
// own membership/notification view (package storage) and wake-up
// notifier (package notifier) current: a durable pull consumer per
// subject, room_id/event_id carried as headers, db update then notifier
// wake.
package consumers

import (
	"context"
	"encoding/json"

	"github.com/getsentry/sentry-go"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/matrixcore/homeservercore/pdu"
	"github.com/matrixcore/homeservercore/setup/jetstream"
	"github.com/matrixcore/homeservercore/syncapi/notifier"
	"github.com/matrixcore/homeservercore/syncapi/storage"
)

// OutputRoomEventConsumer maintains the sync engine's membership index
// and notification counters from the timeline's event fan-out.
type OutputRoomEventConsumer struct {
	js       nats.JetStreamContext
	topic    string
	durable  string
	db       *storage.Database
	notifier *notifier.Notifier
}

func NewOutputRoomEventConsumer(js nats.JetStreamContext, prefix jetstream.TopicPrefix, db *storage.Database, n *notifier.Notifier) *OutputRoomEventConsumer {
	return &OutputRoomEventConsumer{
		js:       js,
		topic:    prefix.Prefixed(jetstream.OutputRoomEvent),
		durable:  prefix.Durable("SyncAPIRoomEventConsumer"),
		db:       db,
		notifier: n,
	}
}

// Start begins consuming. ctx governs the consumer's lifetime.
func (c *OutputRoomEventConsumer) Start(ctx context.Context) error {
	return jetstream.JetStreamConsumer(ctx, c.js, c.topic, c.durable, 4, c.onMessage, nats.DeliverAll())
}

func (c *OutputRoomEventConsumer) onMessage(ctx context.Context, msgs []*nats.Msg) bool {
	for _, msg := range msgs {
		if err := c.handle(ctx, msg); err != nil {
			log.WithError(err).WithField("topic", c.topic).Warn("syncapi: failed to process room event, will retry")
			return false
		}
	}
	return true
}

func (c *OutputRoomEventConsumer) handle(ctx context.Context, msg *nats.Msg) error {
	roomID := msg.Header.Get(jetstream.RoomID)
	ev, err := pdu.ParseEnvelope(msg.Data)
	if err != nil {
		// A malformed envelope on this subject means the timeline wrote
		// something this consumer cannot parse: a bug, not a transient
		// fault, so it is worth a Sentry event rather than just a log
		// line.
		sentry.CaptureException(err)
		return err
	}

	if ev.IsState() {
		if err := c.applyStateEvent(ctx, roomID, ev); err != nil {
			return err
		}
	}

	// Membership is applied above (if this event itself is one) before
	// this lookup, so a join/invite in this very event already wakes its
	// subject and a leave/ban already drops them.
	affected, err := c.db.RoomMembers(ctx, roomID, "join", "invite")
	if err != nil {
		return err
	}

	notifyFor := make([]string, 0, len(affected))
	for userID := range affected {
		notifyFor = append(notifyFor, userID)
		if userID == string(ev.SenderID()) {
			continue
		}
		highlight := mentions(ev, userID)
		if err := c.db.AddNotification(ctx, userID, roomID, threadRootOf(ev), true, highlight); err != nil {
			return err
		}
	}
	c.notifier.OnNewEvent(notifyFor)
	return nil
}

func (c *OutputRoomEventConsumer) applyStateEvent(ctx context.Context, roomID string, ev *pdu.Headered) error {
	switch ev.Type() {
	case "m.room.member":
		var content struct {
			Membership string `json:"membership"`
		}
		if err := json.Unmarshal(ev.Content(), &content); err != nil {
			return err
		}
		stateKey := ""
		if ev.StateKey() != nil {
			stateKey = *ev.StateKey()
		}
		return c.db.SetMembership(ctx, stateKey, roomID, content.Membership, string(ev.SenderID()), 0)
	case "m.room.name":
		var content struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(ev.Content(), &content); err != nil {
			return err
		}
		meta, err := c.db.RoomMeta(ctx, roomID)
		if err != nil {
			return err
		}
		meta.Name = content.Name
		return c.db.SetRoomMeta(ctx, roomID, meta)
	case "m.room.encryption":
		meta, err := c.db.RoomMeta(ctx, roomID)
		if err != nil {
			return err
		}
		meta.IsEncrypted = true
		return c.db.SetRoomMeta(ctx, roomID, meta)
	case "m.room.create":
		var content struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(ev.Content(), &content); err != nil {
			return err
		}
		if content.Type == "" {
			return nil
		}
		meta, err := c.db.RoomMeta(ctx, roomID)
		if err != nil {
			return err
		}
		meta.RoomType = content.Type
		return c.db.SetRoomMeta(ctx, roomID, meta)
	}
	return nil
}

// mentions is a narrow, best-effort highlight heuristic: does the
// event's content literally reference userID. Push-rule evaluation
// itself belongs to the push gateway; this only decides the highlight
// bit sync responses carry, not push delivery.
func mentions(ev *pdu.Headered, userID string) bool {
	var content struct {
		Body     string   `json:"body"`
		Mentions struct {
			UserIDs []string `json:"user_ids"`
		} `json:"m.mentions"`
	}
	if err := json.Unmarshal(ev.Content(), &content); err != nil {
		return false
	}
	for _, u := range content.Mentions.UserIDs {
		if u == userID {
			return true
		}
	}
	return false
}

// threadRootOf returns the event's thread root (via m.relates_to
// rel_type=m.thread), or "" if the event is not part of a thread.
func threadRootOf(ev *pdu.Headered) string {
	var content struct {
		RelatesTo struct {
			RelType string `json:"rel_type"`
			EventID string `json:"event_id"`
		} `json:"m.relates_to"`
	}
	if err := json.Unmarshal(ev.Content(), &content); err != nil {
		return ""
	}
	if content.RelatesTo.RelType == "m.thread" {
		return content.RelatesTo.EventID
	}
	return ""
}
