// Package boundary declares the narrow interfaces this core consumes from
// neighboring, out-of-scope subsystems (appservice bridging, push, account
// data, user profiles) without implementing them.
//
// Components depend only on these interfaces, never on a concrete
// subsystem, so a component can be wired and tested against a fake long
// before the real subsystem exists.
package boundary

import (
	"context"
	"encoding/json"

	"github.com/matrixcore/homeservercore/pdu"
)

// AppserviceNotifier is told about every new room event so bridges can
// decide whether it is addressed to one of their namespaces.
type AppserviceNotifier interface {
	NotifyNewEvent(ctx context.Context, roomID string, event *pdu.Headered) error
}

// PushGateway is told about unread/highlight count changes so it can wake
// a user's push gateway.
type PushGateway interface {
	NotifyPush(ctx context.Context, userID string, event *pdu.Headered, unread, highlight int) error
}

// AccountDataStore resolves a user's account data, room-scoped or global
// (roomID == "").
type AccountDataStore interface {
	Get(ctx context.Context, userID, roomID, dataType string) (json.RawMessage, bool, error)
}

// UserProfileStore resolves display-name/avatar metadata for sync
// responses that embed member profile info.
type UserProfileStore interface {
	DisplayName(ctx context.Context, userID string) (string, bool, error)
	AvatarURL(ctx context.Context, userID string) (string, bool, error)
}

// NoopAppserviceNotifier, NoopPushGateway, NoopAccountDataStore and
// NoopUserProfileStore let a monolith run with none of these subsystems
// wired.
type NoopAppserviceNotifier struct{}

func (NoopAppserviceNotifier) NotifyNewEvent(ctx context.Context, roomID string, event *pdu.Headered) error {
	return nil
}

type NoopPushGateway struct{}

func (NoopPushGateway) NotifyPush(ctx context.Context, userID string, event *pdu.Headered, unread, highlight int) error {
	return nil
}

type NoopAccountDataStore struct{}

func (NoopAccountDataStore) Get(ctx context.Context, userID, roomID, dataType string) (json.RawMessage, bool, error) {
	return nil, false, nil
}

type NoopUserProfileStore struct{}

func (NoopUserProfileStore) DisplayName(ctx context.Context, userID string) (string, bool, error) {
	return "", false, nil
}

func (NoopUserProfileStore) AvatarURL(ctx context.Context, userID string) (string, bool, error) {
	return "", false, nil
}
