package roomauth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/matrixcore/homeservercore/pdu"
)

func TestCheckAllowsCreateEventWithNoAuthEvents(t *testing.T) {
	raw := []byte(`{
		"type": "m.room.create",
		"room_id": "!room:example.org",
		"sender": "@alice:example.org",
		"event_id": "$create:example.org",
		"state_key": "",
		"origin_server_ts": 1000,
		"content": {"creator": "@alice:example.org", "room_version": "10"},
		"prev_events": [],
		"auth_events": [],
		"depth": 1
	}`)
	ev, err := pdu.Parse("10", raw)
	require.NoError(t, err)

	err = Check(context.Background(), ev, func(ctx context.Context, eventType, stateKey string) (*pdu.Headered, error) {
		return nil, nil
	})
	require.NoError(t, err, "m.room.create with no prior state must be admitted")
}

func TestCheckRejectsMemberJoinWithNoCreateEvent(t *testing.T) {
	raw := []byte(`{
		"type": "m.room.member",
		"room_id": "!room:example.org",
		"sender": "@bob:example.org",
		"event_id": "$join:example.org",
		"state_key": "@bob:example.org",
		"origin_server_ts": 1000,
		"content": {"membership": "join"},
		"prev_events": ["$create:example.org"],
		"auth_events": [],
		"depth": 2
	}`)
	ev, err := pdu.Parse("10", raw)
	require.NoError(t, err)

	err = Check(context.Background(), ev, func(ctx context.Context, eventType, stateKey string) (*pdu.Headered, error) {
		return nil, nil
	})
	require.Error(t, err, "a join with no create event in the candidate state must be rejected")
}
