package pdu

import (
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// redactionAllowedTopLevelKeys survive redaction regardless of event type,
// per the Matrix redaction algorithm.
var redactionAllowedTopLevelKeys = []string{
	"event_id", "type", "room_id", "sender", "state_key",
	"hashes", "signatures", "depth", "prev_events", "auth_events",
	"origin_server_ts", "content",
}

// redactionAllowedContentKeys lists, per event type, the content keys that
// survive redaction. Every other content key is stripped.
var redactionAllowedContentKeys = map[string][]string{
	"m.room.member":            {"membership", "join_authorised_via_users_server"},
	"m.room.create":            {"creator", "room_version", "predecessor", "type"},
	"m.room.join_rules":        {"join_rule", "allow"},
	"m.room.power_levels":      {"ban", "events", "events_default", "kick", "redact", "state_default", "users", "users_default", "invite"},
	"m.room.history_visibility": {"history_visibility"},
	"m.room.redaction":         {"redacts"},
	"m.room.aliases":           {"aliases"},
}

// Redacted builds the redacted form of h: a new JSON document copying only
// the keys in the allow-lists above. The lists are the same for every
// room version; h.RoomVersion is not consulted. The stored bytes
// in package pdustore are never touched, only the view returned here.
//
// Built with gjson/sjson rather than a full unmarshal into a struct and
// back, so unknown keys in the raw event cannot leak through a struct
// round-trip.
func Redacted(h *Headered) ([]byte, error) {
	raw := h.PDU.JSON()
	out := []byte(`{}`)
	for _, key := range redactionAllowedTopLevelKeys {
		if key == "content" {
			continue // built up separately below, from the allow-listed content keys.
		}
		v := gjson.GetBytes(raw, key)
		if !v.Exists() {
			continue
		}
		var err error
		out, err = sjson.SetRawBytes(out, key, []byte(v.Raw))
		if err != nil {
			return nil, fmt.Errorf("pdu: redact: set %s: %w", key, err)
		}
	}

	content := []byte(`{}`)
	rawContent := h.PDU.Content()
	for _, key := range redactionAllowedContentKeys[h.PDU.Type()] {
		v := gjson.GetBytes(rawContent, key)
		if !v.Exists() {
			continue
		}
		var err error
		content, err = sjson.SetRawBytes(content, key, []byte(v.Raw))
		if err != nil {
			return nil, fmt.Errorf("pdu: redact: content %s: %w", key, err)
		}
	}
	out, err := sjson.SetRawBytes(out, "content", content)
	if err != nil {
		return nil, fmt.Errorf("pdu: redact: set content: %w", err)
	}
	return out, nil
}
