package federationsender

import (
	"context"
	"strings"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/matrixcore/homeservercore/pdu"
	"github.com/matrixcore/homeservercore/roomstate/accessor"
	"github.com/matrixcore/homeservercore/setup/jetstream"
	"github.com/matrixcore/homeservercore/shortid"
	"github.com/matrixcore/homeservercore/timeline"
)

// OutputRoomEventConsumer drains the same OutputRoomEvent subject
// syncapi/consumers reads (package timeline's fanOut), working out which
// remote servers have a joined member in the room and enqueuing the PDU
// to each of their destination queues. The joined-hosts lookup reads the
// room's current state via roomstate/accessor.StateFull rather than
// keeping a separate joined-hosts table to invalidate.
type OutputRoomEventConsumer struct {
	js        nats.JetStreamContext
	topic     string
	durable   string
	sender    *Sender
	timeline  *timeline.Timeline
	accessor  *accessor.Accessor
	shortID   *shortid.Service
	ownServer spec.ServerName
}

func NewOutputRoomEventConsumer(
	js nats.JetStreamContext,
	prefix jetstream.TopicPrefix,
	sender *Sender,
	tl *timeline.Timeline,
	acc *accessor.Accessor,
	sid *shortid.Service,
	ownServer spec.ServerName,
) *OutputRoomEventConsumer {
	return &OutputRoomEventConsumer{
		js:        js,
		topic:     prefix.Prefixed(jetstream.OutputRoomEvent),
		durable:   prefix.Durable("FederationSenderRoomEventConsumer"),
		sender:    sender,
		timeline:  tl,
		accessor:  acc,
		shortID:   sid,
		ownServer: ownServer,
	}
}

// Start begins consuming. ctx governs the consumer's lifetime.
func (c *OutputRoomEventConsumer) Start(ctx context.Context) error {
	return jetstream.JetStreamConsumer(ctx, c.js, c.topic, c.durable, 4, c.onMessage, nats.DeliverAll())
}

func (c *OutputRoomEventConsumer) onMessage(ctx context.Context, msgs []*nats.Msg) bool {
	for _, msg := range msgs {
		if err := c.handle(ctx, msg); err != nil {
			log.WithError(err).WithField("topic", c.topic).Warn("federationsender: failed to process room event, will retry")
			return false
		}
	}
	return true
}

func (c *OutputRoomEventConsumer) handle(ctx context.Context, msg *nats.Msg) error {
	roomID := msg.Header.Get(jetstream.RoomID)
	ev, err := pdu.ParseEnvelope(msg.Data)
	if err != nil {
		return err
	}

	destinations, err := c.joinedRemoteServers(ctx, roomID)
	if err != nil {
		return err
	}
	for _, server := range destinations {
		item := Item{Kind: ItemPDU, PDUID: ev.ID()}
		if err := c.sender.Enqueue(ctx, Destination{Kind: KindFederation, Server: server}, item); err != nil {
			return err
		}
	}
	return nil
}

// joinedRemoteServers returns the set of servers, other than our own,
// with at least one joined member in roomID: the destinations a new
// PDU in that room must be sent to.
func (c *OutputRoomEventConsumer) joinedRemoteServers(ctx context.Context, roomID string) ([]spec.ServerName, error) {
	shortRoomID, existed, err := c.shortID.GetOrCreateShortRoom(ctx, roomID)
	if err != nil || !existed {
		return nil, err
	}
	shortHash, ok, err := c.timeline.CurrentStateHash(ctx, shortRoomID)
	if err != nil || !ok {
		return nil, err
	}
	state, err := c.accessor.StateFull(ctx, shortHash)
	if err != nil {
		return nil, err
	}

	seen := make(map[spec.ServerName]bool)
	var out []spec.ServerName
	for _, ev := range state {
		if ev.Type() != "m.room.member" {
			continue
		}
		if gjson.GetBytes(ev.Content(), "membership").String() != "join" {
			continue
		}
		stateKey := ev.StateKey()
		if stateKey == nil {
			continue
		}
		server := serverFromUserID(*stateKey)
		if server == "" || server == c.ownServer || seen[server] {
			continue
		}
		seen[server] = true
		out = append(out, server)
	}
	return out, nil
}

func serverFromUserID(userID string) spec.ServerName {
	idx := strings.IndexByte(userID, ':')
	if idx < 0 || idx+1 >= len(userID) {
		return ""
	}
	return spec.ServerName(userID[idx+1:])
}
